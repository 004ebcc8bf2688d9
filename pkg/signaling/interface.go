package signaling

import (
	"context"

	"github.com/arzzra/sessiond/pkg/conference"
	"github.com/arzzra/sessiond/pkg/session"
)

// Gateway исходящие действия сигнального протокола одного типа аккаунта.
//
// Реализации не должны блокироваться на сетевом вводе-выводе: запрос
// ставится в очередь, а ответ приходит позже как входящее событие.
type Gateway interface {
	// Invite отправляет исходящий вызов
	Invite(ctx context.Context, id session.ID, peer string, offer []byte) error
	// Answer отвечает на входящий вызов (200 OK)
	Answer(ctx context.Context, id session.ID, answer []byte) error
	// Reject отклоняет входящий вызов
	Reject(ctx context.Context, id session.ID, code int, reason string) error
	// Hangup завершает диалог (BYE или CANCEL)
	Hangup(ctx context.Context, id session.ID) error
	// Renegotiate отправляет re-INVITE с новым offer
	Renegotiate(ctx context.Context, id session.ID, offer []byte) error
	// AnswerRenegotiation отвечает на входящий re-INVITE
	AnswerRenegotiation(ctx context.Context, id session.ID, answer []byte) error
	// Transfer слепой перевод (REFER)
	Transfer(ctx context.Context, id session.ID, target string) error
	// AttendedTransfer перевод с заменой диалога replaces
	AttendedTransfer(ctx context.Context, id session.ID, replaces session.ID) error
}

// NegotiationRequest запрос к медиа-конвейеру на обмен offer/answer
type NegotiationRequest struct {
	Session   session.ID
	Kind      session.NegotiationKind
	Remote    []byte
	Local     []byte
	Direction session.MediaDirection
}

// NegotiationDone получает итог обмена. Может вызываться из любой горутины.
type NegotiationDone func(session.NegotiationResult)

// MediaPort граница медиа-конвейера
type MediaPort interface {
	// LocalOffer создает начальный локальный offer для новой сессии
	LocalOffer(ctx context.Context, id session.ID) ([]byte, error)
	// UpdateDirection строит новый offer из base с заданным направлением
	UpdateDirection(base []byte, dir session.MediaDirection) ([]byte, error)
	// Negotiate запускает обмен; итог сообщается через done
	Negotiate(ctx context.Context, req NegotiationRequest, done NegotiationDone) error
	// Release освобождает ресурсы сессии
	Release(ctx context.Context, id session.ID) error
}

// Mixer смешивание медиа участников конференции
type Mixer interface {
	// Bind связывает участников в общий микс
	Bind(ctx context.Context, conf conference.ID, members []session.ID) error
	// SetLocal подключает или отключает локального участника
	SetLocal(ctx context.Context, conf conference.ID, attached bool) error
	// Dissolve разбирает микс конференции
	Dissolve(ctx context.Context, conf conference.ID) error
}
