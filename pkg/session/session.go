package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/looplab/fsm"
)

// События FSM сессии
const (
	eventPlace    = "place"
	eventIncoming = "incoming"
	eventAccept   = "accept"
	eventRinging  = "ringing"
	eventAnswer   = "answer"
	eventHold     = "hold"
	eventUnhold   = "unhold"
	eventBusy     = "busy"
	eventFail     = "fail"
	eventEnd      = "end"
)

// SIP коды, которые сессия передает шлюзу при отклонении
const (
	codeDecline       = 603
	codeUnavailable   = 480
	codeNotAcceptable = 488
)

// OfferFunc строит локальный SDP offer для ре-негоциации из последнего
// локального описания и требуемого направления медиа
type OfferFunc func(base []byte, dir MediaDirection) ([]byte, error)

// TimerFunc вызывается при срабатывании таймера сессии (вне блокировки)
type TimerFunc func(id ID, kind TimerKind, gen uint64)

// Options параметры сессии, общие для всех сессий менеджера
type Options struct {
	// BuildOffer строит SDP для hold/resume
	BuildOffer OfferFunc
	// OnTimer получает срабатывания таймеров
	OnTimer TimerFunc
	// RingTimeout ожидание ответа (0 - без ограничения)
	RingTimeout time.Duration
	// NegotiationTimeout ожидание завершения offer/answer (0 - без ограничения)
	NegotiationTimeout time.Duration
	// Now источник времени
	Now func() time.Time
}

// Session представляет одно плечо вызова.
//
// Все методы, кроме ID/AccountID/Kind/Direction, вызываются только под
// блокировкой сессии (Lock/Unlock). Сессия не вызывает внешний код: все
// исходящие действия накапливаются как эффекты и забираются TakeEffects.
type Session struct {
	mu sync.Mutex

	// Неизменяемые поля
	id        ID
	accountID AccountID
	kind      AccountKind
	direction Direction

	peerURI      string
	stateMachine *fsm.FSM
	conferenceID string
	mediaState   MediaState

	startedAt   time.Time
	connectedAt time.Time
	endedAt     time.Time

	// Ре-негоциация
	pending     bool
	pendingKind NegotiationKind
	queued      Request

	// Отложенный локальный hangup
	hangupRequested bool
	hangupCause     Cause

	cause      Cause
	localSDP   []byte
	remoteSDP  []byte
	remoteHold bool

	timers   map[TimerKind]*time.Timer
	timerGen map[TimerKind]uint64

	effects []Effect
	opts    Options
}

// New создает сессию в состоянии Idle
func New(id ID, accountID AccountID, kind AccountKind, direction Direction, opts Options) *Session {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	s := &Session{
		id:        id,
		accountID: accountID,
		kind:      kind,
		direction: direction,
		timers:    make(map[TimerKind]*time.Timer),
		timerGen:  make(map[TimerKind]uint64),
		opts:      opts,
	}
	s.initStateMachine()
	return s
}

// initStateMachine инициализирует конечный автомат состояний
func (s *Session) initStateMachine() {
	live := []string{
		StateIdle.String(), StateIncoming.String(), StateConnecting.String(),
		StateRinging.String(), StateCurrent.String(), StateHold.String(),
		StateBusy.String(), StateFailed.String(),
	}
	early := []string{StateConnecting.String(), StateRinging.String()}

	s.stateMachine = fsm.NewFSM(
		StateIdle.String(),
		fsm.Events{
			{Name: eventPlace, Src: []string{StateIdle.String()}, Dst: StateConnecting.String()},
			{Name: eventIncoming, Src: []string{StateIdle.String()}, Dst: StateIncoming.String()},
			{Name: eventAccept, Src: []string{StateIncoming.String()}, Dst: StateRinging.String()},
			{Name: eventRinging, Src: []string{StateConnecting.String()}, Dst: StateRinging.String()},
			{Name: eventAnswer, Src: early, Dst: StateCurrent.String()},
			{Name: eventHold, Src: []string{StateCurrent.String()}, Dst: StateHold.String()},
			{Name: eventUnhold, Src: []string{StateHold.String()}, Dst: StateCurrent.String()},
			{Name: eventBusy, Src: early, Dst: StateBusy.String()},
			{Name: eventFail, Src: early, Dst: StateFailed.String()},
			// Over достижимо из любого живого состояния
			{Name: eventEnd, Src: live, Dst: StateOver.String()},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				s.onEnterState(e)
			},
		},
	)
}

// onEnterState фиксирует переход как эффект-уведомление
func (s *Session) onEnterState(e *fsm.Event) {
	from, _ := ParseState(e.Src)
	to, _ := ParseState(e.Dst)
	s.push(Effect{Kind: EffectStateChanged, Old: from, New: to, Cause: s.cause})
}

// fire выполняет событие FSM
func (s *Session) fire(event string) error {
	if err := s.stateMachine.Event(context.Background(), event); err != nil {
		return fmt.Errorf("%w: %s in %s: %v", ErrInvalidState, event, s.State(), err)
	}
	return nil
}

func (s *Session) push(e Effect) {
	e.Session = s.id
	e.Account = s.accountID
	e.AccountOf = s.kind
	s.effects = append(s.effects, e)
}

// Lock захватывает эксклюзивную блокировку сессии
func (s *Session) Lock() { s.mu.Lock() }

// Unlock освобождает блокировку сессии
func (s *Session) Unlock() { s.mu.Unlock() }

// ID возвращает идентификатор сессии
func (s *Session) ID() ID { return s.id }

// AccountID возвращает идентификатор аккаунта
func (s *Session) AccountID() AccountID { return s.accountID }

// Kind возвращает тип аккаунта
func (s *Session) Kind() AccountKind { return s.kind }

// Direction возвращает направление вызова
func (s *Session) Direction() Direction { return s.direction }

// State возвращает текущее состояние
func (s *Session) State() State {
	st, _ := ParseState(s.stateMachine.Current())
	return st
}

// MediaState возвращает состояние медиа
func (s *Session) MediaState() MediaState { return s.mediaState }

// PeerURI возвращает идентификатор удаленной стороны
func (s *Session) PeerURI() string { return s.peerURI }

// ConferenceID возвращает конференцию сессии ("" если нет)
func (s *Session) ConferenceID() string { return s.conferenceID }

// PendingRenegotiation возвращает true пока обмен offer/answer в полете
func (s *Session) PendingRenegotiation() bool { return s.pending }

// PendingKind возвращает вид обмена в полете
func (s *Session) PendingKind() NegotiationKind { return s.pendingKind }

// Queued возвращает отложенный локальный запрос
func (s *Session) Queued() Request { return s.queued }

// HangupRequested возвращает true если hangup отложен до завершения обмена
func (s *Session) HangupRequested() bool { return s.hangupRequested }

// Cause возвращает причину завершения
func (s *Session) Cause() Cause { return s.cause }

// LocalSDP возвращает последнее локальное описание медиа
func (s *Session) LocalSDP() []byte { return s.localSDP }

// RemoteSDP возвращает последнее удаленное описание медиа
func (s *Session) RemoteSDP() []byte { return s.remoteSDP }

// TakeEffects забирает накопленные эффекты
func (s *Session) TakeEffects() []Effect {
	effects := s.effects
	s.effects = nil
	return effects
}

// Info возвращает снимок состояния сессии
func (s *Session) Info() Info {
	return Info{
		ID:                   s.id,
		AccountID:            s.accountID,
		Kind:                 s.kind,
		Direction:            s.direction,
		PeerURI:              s.peerURI,
		State:                s.State(),
		MediaState:           s.mediaState,
		ConferenceID:         s.conferenceID,
		PendingRenegotiation: s.pending,
		Queued:               s.queued,
		RemoteHold:           s.remoteHold,
		Cause:                s.cause,
		StartedAt:            s.startedAt,
		ConnectedAt:          s.connectedAt,
		EndedAt:              s.endedAt,
	}
}

// SetConference привязывает сессию к конференции
func (s *Session) SetConference(confID string) { s.conferenceID = confID }

// ClearConference отвязывает сессию от конференции
func (s *Session) ClearConference() { s.conferenceID = "" }

// Place начинает исходящий вызов: Idle -> Connecting
func (s *Session) Place(peer string, offer []byte) error {
	if s.direction != Outgoing {
		return fmt.Errorf("%w: place on incoming session", ErrInvalidState)
	}
	s.peerURI = peer
	s.localSDP = offer
	if err := s.fire(eventPlace); err != nil {
		return err
	}
	s.startedAt = s.opts.Now()
	s.push(Effect{Kind: EffectInvite, Peer: peer, SDP: offer})
	s.armTimer(TimerRing, s.opts.RingTimeout)
	return nil
}

// Receive регистрирует входящий вызов: Idle -> Incoming
func (s *Session) Receive(peer string, offer []byte) error {
	if s.direction != Incoming {
		return fmt.Errorf("%w: receive on outgoing session", ErrInvalidState)
	}
	s.peerURI = peer
	s.remoteSDP = offer
	if err := s.fire(eventIncoming); err != nil {
		return err
	}
	s.startedAt = s.opts.Now()
	s.armTimer(TimerRing, s.opts.RingTimeout)
	return nil
}

// Accept принимает входящий вызов: Incoming -> Ringing, старт негоциации.
// Переход в Current происходит при завершении негоциации.
func (s *Session) Accept() error {
	if s.State() != StateIncoming {
		return fmt.Errorf("%w: accept in %s", ErrInvalidState, s.State())
	}
	if err := s.fire(eventAccept); err != nil {
		return err
	}
	if len(s.remoteSDP) == 0 {
		// INVITE без SDP: offer уходит в 200 OK, answer придет в ACK
		s.startNegotiation(NegotiationLocalOffer)
		s.push(Effect{Kind: EffectNegotiate, Negotiation: NegotiationLocalOffer, Direction: SendRecv})
		return nil
	}
	s.startNegotiation(NegotiationAnswerOffer)
	s.push(Effect{Kind: EffectNegotiate, Negotiation: NegotiationAnswerOffer, SDP: s.remoteSDP, Direction: SendRecv})
	return nil
}

// Reject отклоняет входящий вызов
func (s *Session) Reject() error {
	if s.State() != StateIncoming {
		return fmt.Errorf("%w: reject in %s", ErrInvalidState, s.State())
	}
	s.push(Effect{Kind: EffectReject, Code: codeDecline, Reason: "Decline"})
	return s.end(CauseRejected)
}

// Provisional обрабатывает предварительный ответ удаленной стороны
func (s *Session) Provisional() error {
	switch s.State() {
	case StateRinging:
		return nil
	case StateConnecting:
		return s.fire(eventRinging)
	default:
		return fmt.Errorf("%w: provisional in %s", ErrInvalidState, s.State())
	}
}

// Answered обрабатывает ответ удаленной стороны на исходящий вызов
func (s *Session) Answered(answer []byte) error {
	if s.direction != Outgoing {
		return fmt.Errorf("%w: answered on incoming session", ErrInvalidState)
	}
	switch s.State() {
	case StateCurrent, StateHold:
		// ретрансмиссия 200 OK
		return nil
	case StateConnecting, StateRinging:
	default:
		return fmt.Errorf("%w: answered in %s", ErrInvalidState, s.State())
	}
	s.remoteSDP = answer
	if err := s.fire(eventAnswer); err != nil {
		return err
	}
	s.connectedAt = s.opts.Now()
	s.disarmTimer(TimerRing)
	s.startNegotiation(NegotiationApplyAnswer)
	s.push(Effect{Kind: EffectNegotiate, Negotiation: NegotiationApplyAnswer, SDP: answer, Local: s.localSDP, Direction: SendRecv})
	return nil
}

// CorrectPeer уточняет идентичность удаленной стороны до установления вызова
func (s *Session) CorrectPeer(peer string) error {
	if s.direction != Outgoing {
		return fmt.Errorf("%w: peer correction on incoming session", ErrInvalidState)
	}
	switch s.State() {
	case StateConnecting, StateRinging:
		s.peerURI = peer
		return nil
	}
	return fmt.Errorf("%w: peer correction in %s", ErrInvalidState, s.State())
}

// PeerBusy удаленная сторона занята: Busy -> Over
func (s *Session) PeerBusy() error {
	if !s.isEarly() {
		return fmt.Errorf("%w: busy in %s", ErrInvalidState, s.State())
	}
	s.cause = CauseBusy
	if err := s.fire(eventBusy); err != nil {
		return err
	}
	return s.end(CauseBusy)
}

// PeerRejected удаленная сторона отклонила вызов: Failed -> Over
func (s *Session) PeerRejected() error {
	if !s.isEarly() {
		return fmt.Errorf("%w: rejected in %s", ErrInvalidState, s.State())
	}
	s.cause = CauseRejected
	if err := s.fire(eventFail); err != nil {
		return err
	}
	return s.end(CauseRejected)
}

// RemoteEnded завершает сессию по событию протокола (BYE, CANCEL,
// ошибка транспорта). Диалог уже завершен, сигнальных действий не требуется.
// Применяется немедленно, даже если обмен offer/answer в полете.
func (s *Session) RemoteEnded(cause Cause) error {
	if s.State() == StateOver {
		return fmt.Errorf("%w: already over", ErrInvalidState)
	}
	return s.end(cause)
}

// Hangup локальное завершение. Если обмен offer/answer в полете, hangup
// запоминается и применяется при его завершении.
func (s *Session) Hangup(cause Cause) error {
	st := s.State()
	if st == StateOver || s.hangupRequested {
		return fmt.Errorf("%w: hangup in %s", ErrInvalidState, st)
	}
	if s.pending {
		s.hangupRequested = true
		s.hangupCause = cause
		return nil
	}
	s.pushHangup(st, codeDecline, "Decline")
	return s.end(cause)
}

// pushHangup выбирает сигнальное действие завершения: неотвеченный
// входящий вызов отклоняется, остальные завершаются BYE/CANCEL
func (s *Session) pushHangup(st State, code int, reason string) {
	switch {
	case st == StateIdle:
	case s.direction == Incoming && (st == StateIncoming || st == StateRinging):
		s.push(Effect{Kind: EffectReject, Code: code, Reason: reason})
	default:
		s.push(Effect{Kind: EffectHangup})
	}
}

// Fail завершает сессию из-за ошибки с отправкой BYE/CANCEL
func (s *Session) Fail(cause Cause) error {
	st := s.State()
	if st == StateOver {
		return fmt.Errorf("%w: already over", ErrInvalidState)
	}
	s.pushHangup(st, codeNotAcceptable, "Not Acceptable Here")
	return s.end(cause)
}

// Transfer слепой перевод удаленной стороны на target
func (s *Session) Transfer(target string) error {
	if !s.State().Established() {
		return fmt.Errorf("%w: transfer in %s", ErrInvalidState, s.State())
	}
	s.push(Effect{Kind: EffectTransfer, Target: target})
	return s.end(CauseTransferred)
}

// AttendedTransfer перевод с заменой диалога другой сессии
func (s *Session) AttendedTransfer(other ID) error {
	if !s.State().Established() {
		return fmt.Errorf("%w: attended transfer in %s", ErrInvalidState, s.State())
	}
	s.push(Effect{Kind: EffectAttendedTransfer, Target: string(other)})
	return s.end(CauseTransferred)
}

// TransferRequested удаленная сторона попросила перевод (входящий REFER)
func (s *Session) TransferRequested() error {
	if !s.State().Established() {
		return fmt.Errorf("%w: transfer request in %s", ErrInvalidState, s.State())
	}
	s.push(Effect{Kind: EffectHangup})
	return s.end(CauseTransferred)
}

// EffectiveState состояние, в котором окажется сессия после завершения
// обмена в полете и отложенного запроса
func (s *Session) EffectiveState() State { return s.effectiveState() }

func (s *Session) effectiveState() State {
	st := s.State()
	if s.pending {
		switch s.pendingKind {
		case NegotiationLocalHold:
			st = StateHold
		case NegotiationLocalResume:
			st = StateCurrent
		}
	}
	switch s.queued {
	case RequestHold:
		st = StateHold
	case RequestResume:
		st = StateCurrent
	}
	return st
}

// RequestHold локальная постановка на удержание. Во время обмена в полете
// запрос ставится в очередь (один слот, последний запрос побеждает).
func (s *Session) RequestHold() error {
	return s.request(RequestHold)
}

// RequestResume снятие с удержания, правила очереди как у RequestHold
func (s *Session) RequestResume() error {
	return s.request(RequestResume)
}

func (s *Session) request(r Request) error {
	if s.State() == StateOver || s.hangupRequested {
		return fmt.Errorf("%w: %s in %s", ErrInvalidState, r, s.State())
	}
	want := StateCurrent
	if r == RequestResume {
		want = StateHold
	}
	if eff := s.effectiveState(); eff != want {
		return fmt.Errorf("%w: %s in effective state %s", ErrInvalidState, r, eff)
	}
	if s.pending {
		s.queued = r
		return nil
	}
	return s.issue(r)
}

// issue отправляет re-INVITE для hold/resume
func (s *Session) issue(r Request) error {
	dir, kind := SendOnly, NegotiationLocalHold
	if r == RequestResume {
		dir, kind = SendRecv, NegotiationLocalResume
	}
	if len(s.localSDP) == 0 {
		return ErrNoMediaDescription
	}
	offer := s.localSDP
	if s.opts.BuildOffer != nil {
		built, err := s.opts.BuildOffer(s.localSDP, dir)
		if err != nil {
			return fmt.Errorf("build %s offer: %w", r, err)
		}
		offer = built
	}
	s.localSDP = offer
	s.startNegotiation(kind)
	s.push(Effect{Kind: EffectRenegotiate, SDP: offer, Direction: dir, Negotiation: kind})
	return nil
}

// ReceiveRenegotiation принимает re-INVITE удаленной стороны.
// Возвращает ErrGlare если собственный обмен еще не завершен.
func (s *Session) ReceiveRenegotiation(offer []byte, remoteHold bool) error {
	if !s.State().Established() {
		return fmt.Errorf("%w: reinvite in %s", ErrInvalidState, s.State())
	}
	if s.pending {
		return ErrGlare
	}
	if len(offer) == 0 {
		s.startNegotiation(NegotiationLocalOffer)
		s.push(Effect{Kind: EffectNegotiate, Negotiation: NegotiationLocalOffer, Local: s.localSDP, Direction: s.localDirection()})
		return nil
	}
	s.remoteSDP = offer
	s.remoteHold = remoteHold
	s.startNegotiation(NegotiationRemoteOffer)
	s.push(Effect{Kind: EffectNegotiate, Negotiation: NegotiationRemoteOffer, SDP: offer, Direction: SendRecv})
	return nil
}

// RenegotiationAnswered принимает ответ удаленной стороны на наш re-INVITE.
// Answer передается медиа-конвейеру, его итог завершит обмен.
func (s *Session) RenegotiationAnswered(answer []byte) error {
	kind := s.pendingKind
	if !s.pending || (kind != NegotiationLocalHold && kind != NegotiationLocalResume) {
		return ErrNoNegotiation
	}
	dir := SendOnly
	if kind == NegotiationLocalResume {
		dir = SendRecv
	}
	s.push(Effect{Kind: EffectNegotiate, Negotiation: kind, SDP: answer, Local: s.localSDP, Direction: dir})
	return nil
}

// AwaitingAck возвращает true пока наш offer из 200 OK ждет answer в ACK
func (s *Session) AwaitingAck() bool {
	return s.pending && s.pendingKind == NegotiationAckAnswer
}

// Acked принимает answer из ACK на offer, отправленный в 200 OK.
// ACK без SDP в этом случае завершает сессию как сбой негоциации.
func (s *Session) Acked(answer []byte, remoteHold bool) error {
	if !s.AwaitingAck() {
		return ErrNoNegotiation
	}
	if len(answer) == 0 {
		return s.CompleteNegotiation(NegotiationResult{Err: fmt.Errorf("%w: ack without answer", ErrNoMediaDescription)})
	}
	s.remoteHold = remoteHold
	s.push(Effect{Kind: EffectNegotiate, Negotiation: NegotiationAckAnswer, SDP: answer, Local: s.localSDP, Direction: s.localDirection()})
	return nil
}

// localDirection направление медиа, которое мы предлагаем в текущем состоянии
func (s *Session) localDirection() MediaDirection {
	if s.State() == StateHold {
		return SendOnly
	}
	return SendRecv
}

// NegotiationResult итог обмена offer/answer
type NegotiationResult struct {
	// Err ненулевой при неудаче
	Err error
	// Timeout обмен не завершился вовремя
	Timeout bool
	// LocalSDP итоговое локальное описание (answer для входящих offer)
	LocalSDP []byte
	// RemoteSDP итоговое удаленное описание (answer на наш offer)
	RemoteSDP []byte
}

// CompleteNegotiation завершает обмен в полете. Отложенный hangup
// применяется первым; иначе отложенный запрос отправляется ровно один раз.
func (s *Session) CompleteNegotiation(res NegotiationResult) error {
	if s.State() == StateOver {
		return fmt.Errorf("%w: negotiation complete when over", ErrInvalidState)
	}
	if !s.pending {
		return ErrNoNegotiation
	}
	kind := s.pendingKind
	s.pending = false
	s.pendingKind = NegotiationNone
	s.disarmTimer(TimerNegotiation)

	if res.Err != nil || res.Timeout {
		s.mediaState = MediaFailed
		cause := CauseNegotiationFailure
		if res.Timeout {
			cause = CauseTimeout
		}
		if s.hangupRequested {
			cause = s.hangupCause
		}
		return s.Fail(cause)
	}

	if len(res.RemoteSDP) > 0 {
		s.remoteSDP = res.RemoteSDP
	}
	if len(res.LocalSDP) > 0 {
		s.localSDP = res.LocalSDP
	}

	switch kind {
	case NegotiationAnswerOffer:
		if err := s.fire(eventAnswer); err != nil {
			return err
		}
		s.connectedAt = s.opts.Now()
		s.disarmTimer(TimerRing)
		s.mediaState = MediaActive
		s.push(Effect{Kind: EffectAnswer, SDP: s.localSDP})
	case NegotiationApplyAnswer:
		s.mediaState = MediaActive
	case NegotiationLocalHold:
		if err := s.fire(eventHold); err != nil {
			return err
		}
		s.mediaState = MediaHeld
	case NegotiationLocalResume:
		if err := s.fire(eventUnhold); err != nil {
			return err
		}
		s.mediaState = MediaActive
	case NegotiationRemoteOffer:
		s.push(Effect{Kind: EffectAnswerRenegotiation, SDP: s.localSDP})
		s.mediaState = MediaActive
	case NegotiationLocalOffer:
		if s.State() == StateRinging {
			if err := s.fire(eventAnswer); err != nil {
				return err
			}
			s.connectedAt = s.opts.Now()
			s.disarmTimer(TimerRing)
			s.push(Effect{Kind: EffectAnswer, SDP: s.localSDP})
		} else {
			s.push(Effect{Kind: EffectAnswerRenegotiation, SDP: s.localSDP})
		}
		if !s.hangupRequested {
			// обмен продолжается до ACK; отложенный запрос ждет его
			s.startNegotiation(NegotiationAckAnswer)
			return nil
		}
	case NegotiationAckAnswer:
		s.mediaState = MediaActive
	}
	if s.remoteHold || s.State() == StateHold {
		s.mediaState = MediaHeld
	}

	if s.hangupRequested {
		s.pushHangup(s.State(), codeDecline, "Decline")
		return s.end(s.hangupCause)
	}
	return s.flushQueued()
}

// flushQueued отправляет отложенный запрос, если он еще имеет смысл
func (s *Session) flushQueued() error {
	r := s.queued
	s.queued = RequestNone
	switch {
	case r == RequestNone:
		return nil
	case r == RequestHold && s.State() == StateHold:
		return nil
	case r == RequestResume && s.State() == StateCurrent:
		return nil
	}
	if err := s.issue(r); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrQueuedDropped, r, err)
	}
	return nil
}

// Expire обрабатывает срабатывание таймера. Возвращает false для устаревших таймеров.
func (s *Session) Expire(kind TimerKind, gen uint64) (bool, error) {
	if s.State() == StateOver || s.timerGen[kind] != gen || s.timers[kind] == nil {
		return false, nil
	}
	delete(s.timers, kind)
	switch kind {
	case TimerRing:
		st := s.State()
		if st != StateIncoming && !s.isEarly() {
			return false, nil
		}
		s.pushHangup(st, codeUnavailable, "Temporarily Unavailable")
		return true, s.end(CauseTimeout)
	case TimerNegotiation:
		if !s.pending {
			return false, nil
		}
		return true, s.CompleteNegotiation(NegotiationResult{Timeout: true})
	}
	return false, nil
}

func (s *Session) isEarly() bool {
	st := s.State()
	return st == StateConnecting || st == StateRinging
}

func (s *Session) startNegotiation(kind NegotiationKind) {
	s.pending = true
	s.pendingKind = kind
	s.mediaState = MediaNegotiating
	s.armTimer(TimerNegotiation, s.opts.NegotiationTimeout)
}

// end переводит сессию в Over и освобождает ресурсы
func (s *Session) end(cause Cause) error {
	s.cause = cause
	s.pending = false
	s.pendingKind = NegotiationNone
	s.queued = RequestNone
	s.hangupRequested = false
	s.stopTimers()
	if err := s.fire(eventEnd); err != nil {
		return err
	}
	s.endedAt = s.opts.Now()
	if cause.IsFailure() {
		s.mediaState = MediaFailed
	}
	s.push(Effect{Kind: EffectReleaseMedia})
	return nil
}

// armTimer (пере)запускает таймер; старый экземпляр становится устаревшим
func (s *Session) armTimer(kind TimerKind, d time.Duration) {
	if d <= 0 || s.opts.OnTimer == nil {
		return
	}
	if t := s.timers[kind]; t != nil {
		t.Stop()
	}
	s.timerGen[kind]++
	gen, id, fire := s.timerGen[kind], s.id, s.opts.OnTimer
	s.timers[kind] = time.AfterFunc(d, func() { fire(id, kind, gen) })
}

func (s *Session) disarmTimer(kind TimerKind) {
	if t := s.timers[kind]; t != nil {
		t.Stop()
		delete(s.timers, kind)
	}
}

func (s *Session) stopTimers() {
	for kind := range s.timers {
		s.disarmTimer(kind)
	}
}
