package signaling

import (
	"github.com/arzzra/sessiond/pkg/session"
)

// ProtocolState состояние диалога на уровне протокола
type ProtocolState int

const (
	// ProtocolTrying запрос принят, ответа еще нет (100)
	ProtocolTrying ProtocolState = iota
	// ProtocolProvisional предварительный ответ (180/183)
	ProtocolProvisional
	// ProtocolAnswered удаленная сторона ответила (2xx)
	ProtocolAnswered
	// ProtocolBusy удаленная сторона занята (486/600)
	ProtocolBusy
	// ProtocolRejected удаленная сторона отклонила вызов (4xx-6xx)
	ProtocolRejected
	// ProtocolTerminated диалог завершен удаленной стороной (BYE/CANCEL)
	ProtocolTerminated
	// ProtocolTransportError ошибка транспорта
	ProtocolTransportError
	// ProtocolTimeout таймаут транзакции
	ProtocolTimeout
	// ProtocolPeerIdentity уточнение идентичности удаленной стороны
	ProtocolPeerIdentity
	// ProtocolRenegotiated ответ на наш re-INVITE
	ProtocolRenegotiated
	// ProtocolRenegotiationFailed re-INVITE отклонен
	ProtocolRenegotiationFailed
	// ProtocolAcked получен ACK на наш 2xx; SDP несет answer, если offer был в 2xx
	ProtocolAcked
)

func (s ProtocolState) String() string {
	switch s {
	case ProtocolTrying:
		return "trying"
	case ProtocolProvisional:
		return "provisional"
	case ProtocolAnswered:
		return "answered"
	case ProtocolBusy:
		return "busy"
	case ProtocolRejected:
		return "rejected"
	case ProtocolTerminated:
		return "terminated"
	case ProtocolTransportError:
		return "transport_error"
	case ProtocolTimeout:
		return "timeout"
	case ProtocolPeerIdentity:
		return "peer_identity"
	case ProtocolRenegotiated:
		return "renegotiated"
	case ProtocolRenegotiationFailed:
		return "renegotiation_failed"
	case ProtocolAcked:
		return "acked"
	default:
		return "unknown"
	}
}

// ProtocolEvent изменение состояния диалога
type ProtocolEvent struct {
	State  ProtocolState
	Code   int
	Reason string
	SDP    []byte
	// Peer авторитетная идентичность удаленной стороны (для ProtocolPeerIdentity)
	Peer string
}

// StateFromCode переводит финальный или предварительный код ответа в ProtocolState
func StateFromCode(code int) ProtocolState {
	switch {
	case code < 100:
		return ProtocolTransportError
	case code == 100:
		return ProtocolTrying
	case code < 200:
		return ProtocolProvisional
	case code < 300:
		return ProtocolAnswered
	case code == 486 || code == 600:
		return ProtocolBusy
	case code == 408:
		return ProtocolTimeout
	default:
		return ProtocolRejected
	}
}

// Verdict решение по входящему re-INVITE
type Verdict struct {
	Accept bool
	Code   int
	Reason string
}

// Accepted возвращает положительное решение
func Accepted() Verdict { return Verdict{Accept: true, Code: 200, Reason: "OK"} }

// Rejected возвращает отрицательное решение с кодом ответа
func Rejected(code int, reason string) Verdict {
	return Verdict{Code: code, Reason: reason}
}

// IncomingCall новый входящий вызов
type IncomingCall struct {
	AccountID session.AccountID
	Kind      session.AccountKind
	PeerURI   string
	Offer     []byte
	// Key ключ упорядочивания до появления идентификатора сессии (например Call-ID)
	Key string
}

// Event типизированное входящее событие для очереди диспетчера
type Event interface {
	// OrderKey ключ, события с одинаковым ключом обрабатываются по порядку
	OrderKey() string
}

// IncomingEvent входящий вызов; Reply получает идентификатор созданной сессии
type IncomingEvent struct {
	Call  IncomingCall
	Reply func(session.ID, error)
}

func (e IncomingEvent) OrderKey() string { return e.Call.Key }

// DialogEvent изменение состояния диалога сессии
type DialogEvent struct {
	Session session.ID
	Event   ProtocolEvent
}

func (e DialogEvent) OrderKey() string { return string(e.Session) }

// ReinviteEvent входящий re-INVITE; Reply получает решение
type ReinviteEvent struct {
	Session session.ID
	Offer   []byte
	Reply   func(Verdict, error)
}

func (e ReinviteEvent) OrderKey() string { return string(e.Session) }

// TransferEvent входящий запрос перевода
type TransferEvent struct {
	Session session.ID
	Target  string
	Reply   func(session.ID, error)
}

func (e TransferEvent) OrderKey() string { return string(e.Session) }

// NegotiationEvent итог обмена offer/answer
type NegotiationEvent struct {
	Session session.ID
	Result  session.NegotiationResult
}

func (e NegotiationEvent) OrderKey() string { return string(e.Session) }

// TimerEvent срабатывание таймера сессии
type TimerEvent struct {
	Session    session.ID
	Kind       session.TimerKind
	Generation uint64
}

func (e TimerEvent) OrderKey() string { return string(e.Session) }
