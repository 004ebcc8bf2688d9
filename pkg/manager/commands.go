package manager

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/arzzra/sessiond/pkg/logger"
	"github.com/arzzra/sessiond/pkg/registry"
	"github.com/arzzra/sessiond/pkg/session"
)

// create регистрирует новую сессию аккаунта
func (m *Manager) create(ctx context.Context, acc Account, dir session.Direction) (*session.Session, error) {
	s, err := m.sessions.Create(acc.Kind, acc.ID, dir)
	if errors.Is(err, registry.ErrDuplicateID) {
		m.log.Error(ctx, "session id collision", logger.String("account_id", string(acc.ID)), logger.Err(err))
		return nil, fmt.Errorf("%w: %v", ErrInternal, err)
	}
	if err != nil {
		return nil, err
	}
	m.metrics.SessionCreated(acc.Kind.String(), dir.String())
	return s, nil
}

// locked выполняет fn под блокировкой только что созданной сессии
func (m *Manager) locked(ctx context.Context, s *session.Session, fn func() error) error {
	ob := &outbox{}
	s.Lock()
	err := fn()
	m.settle(s, ob, nil)
	s.Unlock()
	m.flush(ctx, ob)
	return err
}

// PlaceCall создает исходящую сессию и отправляет INVITE
func (m *Manager) PlaceCall(ctx context.Context, accountID session.AccountID, peerURI string) (session.ID, error) {
	const op = "PlaceCall"
	peerURI = strings.TrimSpace(peerURI)
	if peerURI == "" {
		return "", wrap(op, "", fmt.Errorf("%w: empty peer", ErrInvalidArgument))
	}
	acc, err := m.account(accountID)
	if err != nil {
		return "", wrap(op, "", err)
	}
	s, err := m.create(ctx, acc, session.Outgoing)
	if err != nil {
		return "", wrap(op, "", err)
	}
	id := s.ID()

	offer, err := m.media.LocalOffer(ctx, id)
	if err != nil {
		_ = m.locked(ctx, s, func() error { return s.Fail(session.CauseNegotiationFailure) })
		return "", wrap(op, id, fmt.Errorf("local offer: %w", err))
	}
	if err := m.locked(ctx, s, func() error { return s.Place(peerURI, offer) }); err != nil {
		return "", wrap(op, id, err)
	}
	m.log.Info(ctx, "call placed",
		logger.String("session_id", string(id)),
		logger.String("account_id", string(accountID)),
		logger.String("peer", peerURI))
	return id, nil
}

// Accept принимает входящий вызов
func (m *Manager) Accept(ctx context.Context, id session.ID) error {
	return m.command(ctx, "Accept", id, func(s *session.Session) error { return s.Accept() })
}

// Reject отклоняет входящий вызов
func (m *Manager) Reject(ctx context.Context, id session.ID) error {
	return m.command(ctx, "Reject", id, func(s *session.Session) error { return s.Reject() })
}

// Hangup завершает сессию. Во время обмена offer/answer завершение
// откладывается до его окончания.
func (m *Manager) Hangup(ctx context.Context, id session.ID) error {
	return m.command(ctx, "Hangup", id, func(s *session.Session) error { return s.Hangup(session.CauseNormal) })
}

// Hold ставит сессию на удержание
func (m *Manager) Hold(ctx context.Context, id session.ID) error {
	return m.command(ctx, "Hold", id, func(s *session.Session) error { return s.RequestHold() })
}

// Unhold снимает сессию с удержания
func (m *Manager) Unhold(ctx context.Context, id session.ID) error {
	return m.command(ctx, "Unhold", id, func(s *session.Session) error { return s.RequestResume() })
}

// Transfer слепой перевод удаленной стороны на target
func (m *Manager) Transfer(ctx context.Context, id session.ID, target string) error {
	target = strings.TrimSpace(target)
	if target == "" {
		return wrap("Transfer", id, fmt.Errorf("%w: empty target", ErrInvalidArgument))
	}
	return m.command(ctx, "Transfer", id, func(s *session.Session) error { return s.Transfer(target) })
}

// AttendedTransfer переводит удаленную сторону id на сторону сессии other
func (m *Manager) AttendedTransfer(ctx context.Context, id, other session.ID) error {
	const op = "AttendedTransfer"
	if id == other {
		return wrap(op, id, fmt.Errorf("%w: transfer to itself", ErrInvalidArgument))
	}
	if _, err := m.SessionInfo(other); err != nil {
		return wrap(op, id, fmt.Errorf("target session: %w", err))
	}
	return m.command(ctx, op, id, func(s *session.Session) error { return s.AttendedTransfer(other) })
}
