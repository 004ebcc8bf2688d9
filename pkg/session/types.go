package session

import "time"

// ID идентификатор сессии (одно плечо вызова)
type ID string

// AccountID идентификатор аккаунта, которому принадлежит сессия
type AccountID string

// String возвращает строковое представление идентификатора
func (id ID) String() string { return string(id) }

// AccountKind тип аккаунта, определяет сигнальный back-end
type AccountKind int

const (
	// KindSIP SIP аккаунт
	KindSIP AccountKind = iota
	// KindP2P peer-to-peer аккаунт (DHT)
	KindP2P
)

// String возвращает строковое представление типа аккаунта
func (k AccountKind) String() string {
	switch k {
	case KindSIP:
		return "SIP"
	case KindP2P:
		return "P2P"
	default:
		return "UNKNOWN"
	}
}

// Kinds перечисляет все известные типы аккаунтов
func Kinds() []AccountKind {
	return []AccountKind{KindSIP, KindP2P}
}

// Direction направление вызова
type Direction int

const (
	Incoming Direction = iota
	Outgoing
)

func (d Direction) String() string {
	if d == Incoming {
		return "incoming"
	}
	return "outgoing"
}

// State состояние сессии
type State int

const (
	StateIdle State = iota
	StateIncoming
	StateConnecting
	StateRinging
	StateCurrent
	StateHold
	StateBusy
	StateFailed
	StateOver
)

var stateNames = map[State]string{
	StateIdle:       "IDLE",
	StateIncoming:   "INCOMING",
	StateConnecting: "CONNECTING",
	StateRinging:    "RINGING",
	StateCurrent:    "CURRENT",
	StateHold:       "HOLD",
	StateBusy:       "BUSY",
	StateFailed:     "FAILURE",
	StateOver:       "OVER",
}

var stateByName = func() map[string]State {
	m := make(map[string]State, len(stateNames))
	for s, n := range stateNames {
		m[n] = s
	}
	return m
}()

// String возвращает имя состояния (совпадает с именем состояния FSM)
func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "UNKNOWN"
}

// ParseState преобразует имя состояния FSM в State
func ParseState(name string) (State, bool) {
	s, ok := stateByName[name]
	return s, ok
}

// IsTerminal возвращает true для поглощающего состояния Over
func (s State) IsTerminal() bool { return s == StateOver }

// Established возвращает true для состояний с установленным медиа (Current/Hold)
func (s State) Established() bool { return s == StateCurrent || s == StateHold }

// MediaState состояние локального медиа-конвейера
type MediaState int

const (
	MediaNotNegotiated MediaState = iota
	MediaNegotiating
	MediaActive
	MediaHeld
	MediaFailed
)

func (m MediaState) String() string {
	switch m {
	case MediaNotNegotiated:
		return "NOT_NEGOTIATED"
	case MediaNegotiating:
		return "NEGOTIATING"
	case MediaActive:
		return "ACTIVE"
	case MediaHeld:
		return "HELD"
	case MediaFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// MediaDirection направление медиа потока в SDP
type MediaDirection int

const (
	SendRecv MediaDirection = iota
	SendOnly
	RecvOnly
	Inactive
)

// String возвращает атрибут SDP для направления
func (d MediaDirection) String() string {
	switch d {
	case SendOnly:
		return "sendonly"
	case RecvOnly:
		return "recvonly"
	case Inactive:
		return "inactive"
	default:
		return "sendrecv"
	}
}

// Cause причина завершения сессии
type Cause int

const (
	CauseNone Cause = iota
	CauseNormal
	CauseBusy
	CauseRejected
	CauseNetworkFailure
	CauseTimeout
	CauseTransferred
	CauseNegotiationFailure
)

func (c Cause) String() string {
	switch c {
	case CauseNone:
		return "None"
	case CauseNormal:
		return "Normal"
	case CauseBusy:
		return "Busy"
	case CauseRejected:
		return "Rejected"
	case CauseNetworkFailure:
		return "NetworkFailure"
	case CauseTimeout:
		return "Timeout"
	case CauseTransferred:
		return "Transferred"
	case CauseNegotiationFailure:
		return "NegotiationFailure"
	default:
		return "Unknown"
	}
}

// IsFailure возвращает true для причин, означающих сбой, а не штатное завершение
func (c Cause) IsFailure() bool {
	switch c {
	case CauseNetworkFailure, CauseTimeout, CauseNegotiationFailure:
		return true
	}
	return false
}

// NegotiationKind вид обмена offer/answer, находящегося в полете
type NegotiationKind int

const (
	NegotiationNone NegotiationKind = iota
	// NegotiationAnswerOffer ответ на offer из входящего INVITE
	NegotiationAnswerOffer
	// NegotiationApplyAnswer применение answer на исходящий INVITE
	NegotiationApplyAnswer
	// NegotiationLocalHold локальная постановка на удержание
	NegotiationLocalHold
	// NegotiationLocalResume локальное снятие с удержания
	NegotiationLocalResume
	// NegotiationRemoteOffer re-INVITE от удаленной стороны
	NegotiationRemoteOffer
	// NegotiationLocalOffer собственный offer на INVITE или re-INVITE без SDP
	NegotiationLocalOffer
	// NegotiationAckAnswer применение answer из ACK на offer в нашем 200 OK
	NegotiationAckAnswer
)

func (k NegotiationKind) String() string {
	switch k {
	case NegotiationAnswerOffer:
		return "answer_offer"
	case NegotiationApplyAnswer:
		return "apply_answer"
	case NegotiationLocalHold:
		return "local_hold"
	case NegotiationLocalResume:
		return "local_resume"
	case NegotiationRemoteOffer:
		return "remote_offer"
	case NegotiationLocalOffer:
		return "local_offer"
	case NegotiationAckAnswer:
		return "ack_answer"
	default:
		return "none"
	}
}

// Request локальный запрос на ре-негоциацию, который может стоять в очереди
type Request int

const (
	RequestNone Request = iota
	RequestHold
	RequestResume
)

func (r Request) String() string {
	switch r {
	case RequestHold:
		return "hold"
	case RequestResume:
		return "resume"
	default:
		return "none"
	}
}

// TimerKind тип таймера сессии
type TimerKind int

const (
	// TimerRing ожидание ответа (входящий или исходящий вызов)
	TimerRing TimerKind = iota
	// TimerNegotiation ожидание завершения offer/answer
	TimerNegotiation
)

func (k TimerKind) String() string {
	if k == TimerRing {
		return "ring"
	}
	return "negotiation"
}

// Info снимок состояния сессии для запросов
type Info struct {
	ID                   ID
	AccountID            AccountID
	Kind                 AccountKind
	Direction            Direction
	PeerURI              string
	State                State
	MediaState           MediaState
	ConferenceID         string
	PendingRenegotiation bool
	Queued               Request
	RemoteHold           bool
	Cause                Cause
	StartedAt            time.Time
	ConnectedAt          time.Time
	EndedAt              time.Time
}

// Duration возвращает длительность разговора (от соединения до завершения или now)
func (i Info) Duration(now time.Time) time.Duration {
	if i.ConnectedAt.IsZero() {
		return 0
	}
	end := i.EndedAt
	if end.IsZero() {
		end = now
	}
	return end.Sub(i.ConnectedAt)
}

// Details возвращает детали сессии в виде карты строк
func (i Info) Details() map[string]string {
	return map[string]string{
		"CALL_STATE":    i.State.String(),
		"MEDIA_STATE":   i.MediaState.String(),
		"PEER_NUMBER":   i.PeerURI,
		"ACCOUNTID":     string(i.AccountID),
		"ACCOUNT_KIND":  i.Kind.String(),
		"CALL_TYPE":     i.Direction.String(),
		"CONF_ID":       i.ConferenceID,
		"END_CAUSE":     i.Cause.String(),
		"PEER_HOLDING":  boolString(i.RemoteHold),
		"RENEGOTIATING": boolString(i.PendingRenegotiation),
	}
}

func boolString(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
