package manager

import (
	"errors"
	"fmt"

	"github.com/arzzra/sessiond/pkg/conference"
	"github.com/arzzra/sessiond/pkg/registry"
	"github.com/arzzra/sessiond/pkg/session"
)

// Category класс ошибки для вызывающего кода
type Category string

const (
	// CategoryUsage нарушено предусловие команды (неизвестный id, неверное состояние)
	CategoryUsage Category = "USAGE"
	// CategoryProtocol ошибка протокола или негоциации, завершившая сессию
	CategoryProtocol Category = "PROTOCOL"
	// CategoryInternal нарушение инварианта
	CategoryInternal Category = "INTERNAL"
)

func (c Category) String() string { return string(c) }

var (
	// ErrNotFound сессия или конференция отсутствует или уже завершена
	ErrNotFound = registry.ErrNotFound
	// ErrInvalidState операция недопустима в текущем состоянии
	ErrInvalidState = session.ErrInvalidState
	// ErrResourceExhausted достигнут лимит одновременных сессий
	ErrResourceExhausted = registry.ErrResourceExhausted
	// ErrAlreadyInConference сессия уже входит в конференцию
	ErrAlreadyInConference = errors.New("session already in a conference")
	// ErrNotInConference сессия не входит в конференцию
	ErrNotInConference = errors.New("session is not in a conference")
	// ErrUnknownAccount аккаунт не зарегистрирован
	ErrUnknownAccount = errors.New("unknown account")
	// ErrInvalidArgument некорректные аргументы команды
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrMalformedOffer описание медиа удаленной стороны не разбирается
	ErrMalformedOffer = errors.New("malformed media offer")
	// ErrInternal нарушение внутреннего инварианта, операция прервана
	ErrInternal = errors.New("internal error")
)

// Error структурированная ошибка операции менеджера
type Error struct {
	// Op имя операции (PlaceCall, MergeSessions, ...)
	Op         string
	Session    session.ID
	Conference conference.ID
	Category   Category
	Err        error
}

// Error реализует интерфейс error
func (e *Error) Error() string {
	switch {
	case e.Session != "":
		return fmt.Sprintf("[%s] %s %s: %v", e.Category, e.Op, e.Session, e.Err)
	case e.Conference != "":
		return fmt.Sprintf("[%s] %s conference %s: %v", e.Category, e.Op, e.Conference, e.Err)
	default:
		return fmt.Sprintf("[%s] %s: %v", e.Category, e.Op, e.Err)
	}
}

// Unwrap позволяет использовать errors.Is и errors.As
func (e *Error) Unwrap() error { return e.Err }

// categoryOf классифицирует причину ошибки
func categoryOf(err error) Category {
	switch {
	case errors.Is(err, ErrInternal), errors.Is(err, registry.ErrDuplicateID), errors.Is(err, registry.ErrNotOver):
		return CategoryInternal
	case errors.Is(err, ErrMalformedOffer), errors.Is(err, session.ErrGlare):
		return CategoryProtocol
	default:
		return CategoryUsage
	}
}

// wrap оборачивает err в *Error; nil остается nil
func wrap(op string, id session.ID, err error) error {
	if err == nil {
		return nil
	}
	var me *Error
	if errors.As(err, &me) {
		return err
	}
	return &Error{Op: op, Session: id, Category: categoryOf(err), Err: err}
}

func wrapConf(op string, id conference.ID, err error) error {
	if err == nil {
		return nil
	}
	var me *Error
	if errors.As(err, &me) {
		return err
	}
	return &Error{Op: op, Conference: id, Category: categoryOf(err), Err: err}
}

// CategoryOf возвращает категорию ошибки менеджера (usage для чужих ошибок)
func CategoryOf(err error) Category {
	var me *Error
	if errors.As(err, &me) {
		return me.Category
	}
	return categoryOf(err)
}
