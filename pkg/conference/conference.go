package conference

import (
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/arzzra/sessiond/pkg/session"
)

// ID идентификатор конференции
type ID string

func (id ID) String() string { return string(id) }

// State состояние конференции
type State int

const (
	// ActiveAttached локальный участник подключен к микшеру
	ActiveAttached State = iota
	// ActiveDetached участники смешиваются без локального участника
	ActiveDetached
	// Hold все участники на удержании
	Hold
)

func (s State) String() string {
	switch s {
	case ActiveAttached:
		return "ACTIVE_ATTACHED"
	case ActiveDetached:
		return "ACTIVE_DETACHED"
	case Hold:
		return "HOLD"
	default:
		return "UNKNOWN"
	}
}

var (
	// ErrDuplicateMember сессия уже входит в конференцию
	ErrDuplicateMember = errors.New("session already a member")
	// ErrNotMember сессия не входит в конференцию
	ErrNotMember = errors.New("session is not a member")
)

// Conference набор из двух и более сессий с общим смешанным медиа.
//
// Порядок участников сохраняет порядок добавления. Мьютекс конференции
// захватывается только после блокировок всех сессий-участников.
type Conference struct {
	mu sync.Mutex

	id        ID
	members   []session.ID
	state     State
	createdAt time.Time
}

// New создает конференцию в состоянии ActiveAttached
func New(id ID, members []session.ID, now time.Time) (*Conference, error) {
	c := &Conference{id: id, state: ActiveAttached, createdAt: now}
	for _, m := range members {
		if err := c.Add(m); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Lock захватывает мьютекс конференции
func (c *Conference) Lock() { c.mu.Lock() }

// Unlock освобождает мьютекс конференции
func (c *Conference) Unlock() { c.mu.Unlock() }

// ID возвращает идентификатор
func (c *Conference) ID() ID { return c.id }

// State возвращает текущее состояние
func (c *Conference) State() State { return c.state }

// SetState меняет состояние и возвращает предыдущее
func (c *Conference) SetState(s State) State {
	old := c.state
	c.state = s
	return old
}

// Members возвращает копию списка участников в порядке добавления
func (c *Conference) Members() []session.ID {
	return slices.Clone(c.members)
}

// Len количество участников
func (c *Conference) Len() int { return len(c.members) }

// Contains проверяет членство
func (c *Conference) Contains(id session.ID) bool {
	return slices.Contains(c.members, id)
}

// Add добавляет участника в конец списка
func (c *Conference) Add(id session.ID) error {
	if c.Contains(id) {
		return ErrDuplicateMember
	}
	c.members = append(c.members, id)
	return nil
}

// Remove удаляет участника, сохраняя порядок остальных
func (c *Conference) Remove(id session.ID) error {
	i := slices.Index(c.members, id)
	if i < 0 {
		return ErrNotMember
	}
	c.members = slices.Delete(c.members, i, i+1)
	return nil
}

// Info снимок конференции
type Info struct {
	ID        ID
	Members   []session.ID
	State     State
	CreatedAt time.Time
}

// Info возвращает снимок состояния
func (c *Conference) Info() Info {
	return Info{ID: c.id, Members: c.Members(), State: c.state, CreatedAt: c.createdAt}
}

// Details возвращает детали конференции в виде карты строк
func (i Info) Details() map[string]string {
	return map[string]string{
		"ID":         string(i.ID),
		"CONF_STATE": i.State.String(),
	}
}
