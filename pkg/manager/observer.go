package manager

import (
	"github.com/arzzra/sessiond/pkg/conference"
	"github.com/arzzra/sessiond/pkg/session"
)

// SessionEvent изменение состояния сессии
type SessionEvent struct {
	Session session.ID
	Account session.AccountID
	Old     session.State
	New     session.State
	// Cause причина завершения для перехода в Over
	Cause session.Cause
}

// ConferenceEventKind вид изменения конференции
type ConferenceEventKind int

const (
	ConferenceCreated ConferenceEventKind = iota
	ConferenceMemberAdded
	ConferenceMemberRemoved
	// ConferenceMemberLost участник завершился из-за сбоя
	ConferenceMemberLost
	ConferenceStateChanged
	ConferenceDissolved
)

func (k ConferenceEventKind) String() string {
	switch k {
	case ConferenceCreated:
		return "created"
	case ConferenceMemberAdded:
		return "member_added"
	case ConferenceMemberRemoved:
		return "member_removed"
	case ConferenceMemberLost:
		return "member_lost"
	case ConferenceStateChanged:
		return "state_changed"
	case ConferenceDissolved:
		return "dissolved"
	default:
		return "unknown"
	}
}

// ConferenceEvent изменение конференции
type ConferenceEvent struct {
	Conference conference.ID
	Kind       ConferenceEventKind
	// Session участник, которого касается событие
	Session session.ID
	State   conference.State
	Members []session.ID
	Cause   session.Cause
}

// Observer получает уведомления жизненного цикла.
// Методы вызываются вне блокировок и не должны блокироваться надолго.
type Observer interface {
	OnSessionStateChanged(SessionEvent)
	OnConferenceChanged(ConferenceEvent)
}

// ObserverFuncs адаптер функций к Observer; nil функции пропускаются
type ObserverFuncs struct {
	SessionStateChanged func(SessionEvent)
	ConferenceChanged   func(ConferenceEvent)
}

func (o ObserverFuncs) OnSessionStateChanged(ev SessionEvent) {
	if o.SessionStateChanged != nil {
		o.SessionStateChanged(ev)
	}
}

func (o ObserverFuncs) OnConferenceChanged(ev ConferenceEvent) {
	if o.ConferenceChanged != nil {
		o.ConferenceChanged(ev)
	}
}

// Subscribe подписывает наблюдателя; возвращает функцию отписки
func (m *Manager) Subscribe(o Observer) (unsubscribe func()) {
	m.obsMu.Lock()
	id := m.nextObs
	m.nextObs++
	m.observers[id] = o
	m.obsMu.Unlock()
	return func() {
		m.obsMu.Lock()
		delete(m.observers, id)
		m.obsMu.Unlock()
	}
}

func (m *Manager) snapshotObservers() []Observer {
	m.obsMu.RLock()
	defer m.obsMu.RUnlock()
	out := make([]Observer, 0, len(m.observers))
	for _, o := range m.observers {
		out = append(out, o)
	}
	return out
}

func (m *Manager) notifySession(ev SessionEvent) {
	for _, o := range m.snapshotObservers() {
		o.OnSessionStateChanged(ev)
	}
}

func (m *Manager) notifyConference(ev ConferenceEvent) {
	for _, o := range m.snapshotObservers() {
		o.OnConferenceChanged(ev)
	}
}
