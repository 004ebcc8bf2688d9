package session

import "errors"

var (
	// ErrInvalidState операция недопустима в текущем состоянии сессии
	ErrInvalidState = errors.New("invalid session state")
	// ErrGlare встречный re-INVITE во время незавершенного обмена offer/answer
	ErrGlare = errors.New("renegotiation already in flight")
	// ErrNoNegotiation нет обмена offer/answer, ожидающего завершения
	ErrNoNegotiation = errors.New("no negotiation in flight")
	// ErrNoMediaDescription у сессии нет локального SDP для ре-негоциации
	ErrNoMediaDescription = errors.New("no local media description")
	// ErrQueuedDropped отложенный запрос не удалось выполнить и он отброшен
	ErrQueuedDropped = errors.New("queued renegotiation dropped")
)
