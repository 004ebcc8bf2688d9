package manager

import (
	"context"
	"errors"
	"fmt"

	"github.com/arzzra/sessiond/pkg/conference"
	"github.com/arzzra/sessiond/pkg/logger"
	"github.com/arzzra/sessiond/pkg/registry"
	"github.com/arzzra/sessiond/pkg/session"
	"github.com/arzzra/sessiond/pkg/signaling"
)

type mixOpKind int

const (
	mixBind mixOpKind = iota
	mixLocal
	mixDissolve
)

// mixOp инструкция микшеру, выполняется после снятия блокировок
type mixOp struct {
	kind    mixOpKind
	conf    conference.ID
	members []session.ID
	local   bool
}

// outbox накапливает все внешние действия одной операции.
// Заполняется под блокировками, исполняется flush после их снятия.
type outbox struct {
	effects    []session.Effect
	ended      []session.Info
	confEvents []ConferenceEvent
	mix        []mixOp
	// shrunk конференции, потерявшие участника вне блокировки конференции
	shrunk []conference.ID
}

func (o *outbox) bind(c *conference.Conference) {
	o.mix = append(o.mix, mixOp{kind: mixBind, conf: c.ID(), members: c.Members()})
}

func (o *outbox) confEvent(c *conference.Conference, kind ConferenceEventKind, member session.ID, cause session.Cause) {
	o.confEvents = append(o.confEvents, ConferenceEvent{
		Conference: c.ID(),
		Kind:       kind,
		Session:    member,
		State:      c.State(),
		Members:    c.Members(),
		Cause:      cause,
	})
}

// settle забирает эффекты сессии. Сессия, перешедшая в Over, покидает
// конференцию и переносится в область завершенных в той же области блокировки.
// sc - конференции, уже заблокированные вызывающим (может быть nil).
func (m *Manager) settle(s *session.Session, ob *outbox, sc *scope) {
	ob.effects = append(ob.effects, s.TakeEffects()...)
	if s.State() != session.StateOver {
		return
	}
	if cid := s.ConferenceID(); cid != "" {
		m.leave(s, conference.ID(cid), ob, sc)
	}
	ob.ended = append(ob.ended, s.Info())
	if err := m.sessions.Retire(s); err != nil {
		m.log.Error(context.Background(), "retire failed",
			logger.String("session_id", string(s.ID())), logger.Err(err))
	}
}

// leave удаляет завершенную сессию из ее конференции
func (m *Manager) leave(s *session.Session, cid conference.ID, ob *outbox, sc *scope) {
	s.ClearConference()
	c := sc.conference(cid)
	if c == nil {
		var ok bool
		if c, ok = m.confs.Get(cid); !ok {
			return
		}
		c.Lock()
		defer c.Unlock()
		ob.shrunk = append(ob.shrunk, cid)
	}
	if err := c.Remove(s.ID()); err != nil {
		return
	}
	kind := ConferenceMemberRemoved
	if s.Cause().IsFailure() {
		kind = ConferenceMemberLost
	}
	ob.confEvent(c, kind, s.ID(), s.Cause())
}

// apply выполняет fn под блокировкой живой сессии и исполняет эффекты
func (m *Manager) apply(ctx context.Context, id session.ID, fn func(*session.Session) error) error {
	ob := &outbox{}
	err := m.sessions.With(id, func(s *session.Session) error {
		defer m.settle(s, ob, nil)
		return fn(s)
	})
	m.flush(ctx, ob)
	return err
}

// command команда над сессией. Завершенная сессия дает ErrInvalidState.
func (m *Manager) command(ctx context.Context, op string, id session.ID, fn func(*session.Session) error) error {
	err := m.apply(ctx, id, fn)
	if errors.Is(err, registry.ErrNotFound) && m.sessions.Graveyard().Contains(id) {
		err = fmt.Errorf("%w: session %s is over", ErrInvalidState, id)
	}
	return wrap(op, id, err)
}

// event событие протокола для сессии. Событие для завершенной сессии
// опознается по области завершенных и игнорируется с ErrNotFound.
func (m *Manager) event(ctx context.Context, op string, id session.ID, fn func(*session.Session) error) error {
	err := m.apply(ctx, id, fn)
	if errors.Is(err, registry.ErrNotFound) && m.sessions.Graveyard().Contains(id) {
		m.metrics.LateEvent()
		m.log.Debug(ctx, "late event ignored", logger.String("op", op), logger.String("session_id", string(id)))
	}
	return wrap(op, id, err)
}

// flush исполняет накопленные действия. Вызывается без блокировок.
func (m *Manager) flush(ctx context.Context, ob *outbox) {
	ctx = context.WithoutCancel(ctx)
	for _, e := range ob.effects {
		m.execute(ctx, e)
	}
	for _, info := range ob.ended {
		m.metrics.SessionEnded(info.Cause.String(), info.Duration(m.now()))
	}
	for _, op := range ob.mix {
		m.applyMix(ctx, op)
	}
	for _, ev := range ob.confEvents {
		switch ev.Kind {
		case ConferenceCreated:
			m.metrics.ConferenceCreated()
		case ConferenceDissolved:
			m.metrics.ConferenceRemoved()
		}
		m.log.Debug(ctx, "conference changed",
			logger.String("conference_id", string(ev.Conference)),
			logger.String("kind", ev.Kind.String()),
			logger.String("session_id", string(ev.Session)))
		m.notifyConference(ev)
	}
	for _, cid := range ob.shrunk {
		m.reconcile(ctx, cid)
	}
}

func (m *Manager) execute(ctx context.Context, e session.Effect) {
	switch e.Kind {
	case session.EffectStateChanged:
		m.metrics.Transition(e.Old.String(), e.New.String())
		fields := []logger.Field{
			logger.String("session_id", string(e.Session)),
			logger.String("from", e.Old.String()),
			logger.String("to", e.New.String()),
		}
		if e.New == session.StateOver {
			m.log.Info(ctx, "session ended", append(fields, logger.String("cause", e.Cause.String()))...)
		} else {
			m.log.Debug(ctx, "session state changed", fields...)
		}
		m.notifySession(SessionEvent{Session: e.Session, Account: e.Account, Old: e.Old, New: e.New, Cause: e.Cause})

	case session.EffectNegotiate:
		if e.Negotiation != session.NegotiationLocalHold && e.Negotiation != session.NegotiationLocalResume {
			m.metrics.Negotiation(e.Negotiation.String())
		}
		id := e.Session
		req := signaling.NegotiationRequest{
			Session:   id,
			Kind:      e.Negotiation,
			Remote:    e.SDP,
			Local:     e.Local,
			Direction: e.Direction,
		}
		done := func(res session.NegotiationResult) { m.negotiationDone(ctx, id, res) }
		if err := m.media.Negotiate(ctx, req, done); err != nil {
			m.negotiationDone(ctx, id, session.NegotiationResult{Err: err})
		}

	case session.EffectReleaseMedia:
		if err := m.media.Release(ctx, e.Session); err != nil {
			m.log.Warn(ctx, "media release failed", logger.String("session_id", string(e.Session)), logger.Err(err))
		}

	default:
		m.signal(ctx, e)
	}
}

// signal передает сигнальное действие шлюзу аккаунта
func (m *Manager) signal(ctx context.Context, e session.Effect) {
	gw := m.gateway(e.Account)
	if gw == nil {
		m.log.Error(ctx, "no gateway for account",
			logger.String("account_id", string(e.Account)), logger.String("effect", e.Kind.String()))
		m.transportFailure(ctx, e.Session)
		return
	}

	var err error
	switch e.Kind {
	case session.EffectInvite:
		err = gw.Invite(ctx, e.Session, e.Peer, e.SDP)
	case session.EffectAnswer:
		err = gw.Answer(ctx, e.Session, e.SDP)
	case session.EffectReject:
		err = gw.Reject(ctx, e.Session, e.Code, e.Reason)
	case session.EffectHangup:
		err = gw.Hangup(ctx, e.Session)
	case session.EffectRenegotiate:
		m.metrics.Negotiation(e.Negotiation.String())
		err = gw.Renegotiate(ctx, e.Session, e.SDP)
	case session.EffectAnswerRenegotiation:
		err = gw.AnswerRenegotiation(ctx, e.Session, e.SDP)
	case session.EffectTransfer:
		err = gw.Transfer(ctx, e.Session, e.Target)
	case session.EffectAttendedTransfer:
		err = gw.AttendedTransfer(ctx, e.Session, session.ID(e.Target))
	}
	if err == nil {
		return
	}

	m.log.Warn(ctx, "gateway action failed",
		logger.String("session_id", string(e.Session)), logger.String("effect", e.Kind.String()), logger.Err(err))
	if e.Kind == session.EffectRenegotiate {
		m.negotiationDone(ctx, e.Session, session.NegotiationResult{Err: err})
		return
	}
	m.transportFailure(ctx, e.Session)
}

// transportFailure завершает сессию после отказа транспорта, если она еще жива
func (m *Manager) transportFailure(ctx context.Context, id session.ID) {
	err := m.apply(ctx, id, func(s *session.Session) error {
		return s.RemoteEnded(session.CauseNetworkFailure)
	})
	if err != nil && !errors.Is(err, registry.ErrNotFound) {
		m.log.Debug(ctx, "transport failure not applied", logger.String("session_id", string(id)), logger.Err(err))
	}
}

func (m *Manager) negotiationDone(ctx context.Context, id session.ID, res session.NegotiationResult) {
	if err := m.OnNegotiationComplete(ctx, id, res); err != nil {
		m.log.Debug(ctx, "negotiation result not applied", logger.String("session_id", string(id)), logger.Err(err))
	}
}

func (m *Manager) applyMix(ctx context.Context, op mixOp) {
	if m.mixer == nil {
		return
	}
	var err error
	switch op.kind {
	case mixBind:
		err = m.mixer.Bind(ctx, op.conf, op.members)
	case mixLocal:
		err = m.mixer.SetLocal(ctx, op.conf, op.local)
	case mixDissolve:
		err = m.mixer.Dissolve(ctx, op.conf)
	}
	if err != nil {
		m.log.Warn(ctx, "mixer operation failed", logger.String("conference_id", string(op.conf)), logger.Err(err))
	}
}
