package manager

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/arzzra/sessiond/pkg/logger"
	"github.com/arzzra/sessiond/pkg/sdpmedia"
	"github.com/arzzra/sessiond/pkg/session"
	"github.com/arzzra/sessiond/pkg/signaling"
)

// OnIncoming регистрирует входящий вызов. Вызов с неразбираемым offer
// отклоняется без создания сессии; INVITE без SDP принимается, offer
// строится при Accept.
func (m *Manager) OnIncoming(ctx context.Context, call signaling.IncomingCall) (session.ID, error) {
	const op = "OnIncoming"
	acc, err := m.account(call.AccountID)
	if err != nil {
		return "", wrap(op, "", err)
	}
	if len(call.Offer) > 0 {
		if err := sdpmedia.Validate(call.Offer); err != nil {
			return "", wrap(op, "", fmt.Errorf("%w: %v", ErrMalformedOffer, err))
		}
	}
	s, err := m.create(ctx, acc, session.Incoming)
	if err != nil {
		return "", wrap(op, "", err)
	}
	id := s.ID()
	if err := m.locked(ctx, s, func() error { return s.Receive(call.PeerURI, call.Offer) }); err != nil {
		return "", wrap(op, id, err)
	}
	m.log.Info(ctx, "incoming call",
		logger.String("session_id", string(id)),
		logger.String("account_id", string(acc.ID)),
		logger.String("peer", call.PeerURI))
	return id, nil
}

// OnDialogStateChanged применяет изменение состояния диалога
func (m *Manager) OnDialogStateChanged(ctx context.Context, id session.ID, ev signaling.ProtocolEvent) error {
	ctx = logger.WithSession(ctx, string(id))
	return m.event(ctx, "OnDialogStateChanged", id, func(s *session.Session) error {
		switch ev.State {
		case signaling.ProtocolTrying:
			return nil
		case signaling.ProtocolProvisional:
			return s.Provisional()
		case signaling.ProtocolAnswered:
			if len(ev.SDP) > 0 {
				if err := sdpmedia.Validate(ev.SDP); err != nil {
					return errors.Join(fmt.Errorf("%w: %v", ErrMalformedOffer, err), s.Fail(session.CauseNegotiationFailure))
				}
			}
			return s.Answered(ev.SDP)
		case signaling.ProtocolBusy:
			return s.PeerBusy()
		case signaling.ProtocolRejected:
			return s.PeerRejected()
		case signaling.ProtocolTerminated:
			return s.RemoteEnded(session.CauseNormal)
		case signaling.ProtocolTransportError:
			return s.RemoteEnded(session.CauseNetworkFailure)
		case signaling.ProtocolTimeout:
			return s.RemoteEnded(session.CauseTimeout)
		case signaling.ProtocolPeerIdentity:
			return s.CorrectPeer(ev.Peer)
		case signaling.ProtocolRenegotiated:
			return s.RenegotiationAnswered(ev.SDP)
		case signaling.ProtocolAcked:
			if !s.AwaitingAck() {
				return nil
			}
			if len(ev.SDP) == 0 {
				return s.Acked(nil, false)
			}
			hold, err := sdpmedia.IsHold(ev.SDP)
			if err != nil {
				return errors.Join(fmt.Errorf("%w: ack answer: %v", ErrMalformedOffer, err), s.Fail(session.CauseNegotiationFailure))
			}
			return s.Acked(ev.SDP, hold)
		case signaling.ProtocolRenegotiationFailed:
			return s.CompleteNegotiation(session.NegotiationResult{
				Err: fmt.Errorf("re-offer rejected: %d %s", ev.Code, ev.Reason),
			})
		default:
			return fmt.Errorf("%w: unknown protocol state %d", ErrInvalidArgument, ev.State)
		}
	})
}

// OnReceiveReinvite решает судьбу re-INVITE удаленной стороны
func (m *Manager) OnReceiveReinvite(ctx context.Context, id session.ID, offer []byte) (signaling.Verdict, error) {
	const op = "OnReceiveReinvite"
	ctx = logger.WithSession(ctx, string(id))
	verdict := signaling.Rejected(500, "Server Internal Error")

	err := m.event(ctx, op, id, func(s *session.Session) error {
		// re-INVITE без SDP допустим: offer построим сами
		var hold bool
		if len(offer) > 0 {
			var err error
			if hold, err = sdpmedia.IsHold(offer); err != nil {
				verdict = signaling.Rejected(488, "Not Acceptable Here")
				return errors.Join(fmt.Errorf("%w: %v", ErrMalformedOffer, err), s.Fail(session.CauseNegotiationFailure))
			}
		}
		err := s.ReceiveRenegotiation(offer, hold)
		switch {
		case errors.Is(err, session.ErrGlare):
			verdict = signaling.Rejected(491, "Request Pending")
			m.metrics.Glare()
			return nil
		case err != nil:
			verdict = signaling.Rejected(488, "Not Acceptable Here")
			return err
		}
		verdict = signaling.Accepted()
		return nil
	})
	if errors.Is(err, ErrNotFound) {
		verdict = signaling.Rejected(481, "Call/Transaction Does Not Exist")
	}
	return verdict, err
}

// OnTransferRequested удаленная сторона попросила перевод: новая исходящая
// сессия к target того же аккаунта, исходная завершается с причиной Transferred
func (m *Manager) OnTransferRequested(ctx context.Context, id session.ID, target string) (session.ID, error) {
	const op = "OnTransferRequested"
	target = strings.TrimSpace(target)
	if target == "" {
		return "", wrap(op, id, fmt.Errorf("%w: empty target", ErrInvalidArgument))
	}
	var accountID session.AccountID
	err := m.event(ctx, op, id, func(s *session.Session) error {
		if !s.State().Established() {
			return fmt.Errorf("%w: transfer request in %s", ErrInvalidState, s.State())
		}
		accountID = s.AccountID()
		return nil
	})
	if err != nil {
		return "", err
	}

	newID, err := m.PlaceCall(ctx, accountID, target)
	if err != nil {
		return "", wrap(op, id, err)
	}
	if err := m.event(ctx, op, id, func(s *session.Session) error { return s.TransferRequested() }); err != nil {
		m.log.Warn(ctx, "transferred session already changed", logger.String("session_id", string(id)), logger.Err(err))
	}
	return newID, nil
}

// OnNegotiationComplete итог обмена offer/answer от медиа-конвейера
func (m *Manager) OnNegotiationComplete(ctx context.Context, id session.ID, res session.NegotiationResult) error {
	const op = "OnNegotiationComplete"
	err := m.event(ctx, op, id, func(s *session.Session) error { return s.CompleteNegotiation(res) })
	if errors.Is(err, session.ErrQueuedDropped) {
		m.metrics.QueuedDropped()
		m.log.Warn(ctx, "queued request dropped", logger.String("session_id", string(id)), logger.Err(err))
		return nil
	}
	return err
}

// OnTimer срабатывание таймера сессии; устаревшие таймеры игнорируются
func (m *Manager) OnTimer(ctx context.Context, id session.ID, kind session.TimerKind, gen uint64) {
	var fired bool
	err := m.apply(ctx, id, func(s *session.Session) error {
		var err error
		fired, err = s.Expire(kind, gen)
		return err
	})
	if fired {
		m.log.Info(ctx, "session timer expired",
			logger.String("session_id", string(id)), logger.String("timer", kind.String()))
	}
	if err != nil && !errors.Is(err, ErrNotFound) {
		m.log.Warn(ctx, "timer handling failed", logger.String("session_id", string(id)), logger.Err(err))
	}
}

// Dispatch обрабатывает событие из очереди диспетчера
func (m *Manager) Dispatch(ctx context.Context, ev signaling.Event) {
	switch e := ev.(type) {
	case signaling.IncomingEvent:
		id, err := m.OnIncoming(ctx, e.Call)
		if e.Reply != nil {
			e.Reply(id, err)
		}
	case signaling.DialogEvent:
		if err := m.OnDialogStateChanged(ctx, e.Session, e.Event); err != nil {
			m.log.Debug(ctx, "dialog event not applied",
				logger.String("session_id", string(e.Session)),
				logger.String("state", e.Event.State.String()), logger.Err(err))
		}
	case signaling.ReinviteEvent:
		v, err := m.OnReceiveReinvite(ctx, e.Session, e.Offer)
		if e.Reply != nil {
			e.Reply(v, err)
		}
	case signaling.TransferEvent:
		id, err := m.OnTransferRequested(ctx, e.Session, e.Target)
		if e.Reply != nil {
			e.Reply(id, err)
		}
	case signaling.NegotiationEvent:
		if err := m.OnNegotiationComplete(ctx, e.Session, e.Result); err != nil {
			m.log.Debug(ctx, "negotiation event not applied", logger.String("session_id", string(e.Session)), logger.Err(err))
		}
	case signaling.TimerEvent:
		m.OnTimer(ctx, e.Session, e.Kind, e.Generation)
	default:
		m.log.Warn(ctx, "unknown event", logger.Any("event", ev))
	}
}
