package registry

import (
	"sync"
	"time"

	"github.com/arzzra/sessiond/pkg/session"
)

// Tombstone неизменяемая запись о завершенной сессии
type Tombstone struct {
	ID        session.ID
	AccountID session.AccountID
	Kind      session.AccountKind
	Cause     session.Cause
	EndedAt   time.Time
}

// Graveyard кольцевой буфер завершенных сессий, ограниченный по размеру
// и возрасту. Нужен чтобы опознавать поздние события протокола.
// Записи только добавляются; удаляются только самые старые.
type Graveyard struct {
	mu    sync.RWMutex
	ring  []Tombstone
	head  int // индекс самой старой записи
	size  int
	index map[session.ID]Tombstone
	ttl   time.Duration
}

// NewGraveyard создает буфер на capacity записей с временем жизни ttl (0 - без ограничения)
func NewGraveyard(capacity int, ttl time.Duration) *Graveyard {
	if capacity <= 0 {
		capacity = 1
	}
	return &Graveyard{
		ring:  make([]Tombstone, capacity),
		index: make(map[session.ID]Tombstone, capacity),
		ttl:   ttl,
	}
}

// Add добавляет запись, вытесняя самую старую при переполнении
func (g *Graveyard) Add(t Tombstone) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.size == len(g.ring) {
		g.evictOldest()
	}
	g.ring[(g.head+g.size)%len(g.ring)] = t
	g.size++
	g.index[t.ID] = t
}

func (g *Graveyard) evictOldest() {
	old := g.ring[g.head]
	if cur, ok := g.index[old.ID]; ok && cur.EndedAt.Equal(old.EndedAt) {
		delete(g.index, old.ID)
	}
	g.ring[g.head] = Tombstone{}
	g.head = (g.head + 1) % len(g.ring)
	g.size--
}

// Contains проверяет, завершилась ли сессия недавно
func (g *Graveyard) Contains(id session.ID) bool {
	_, ok := g.Lookup(id)
	return ok
}

// Lookup возвращает запись о завершенной сессии
func (g *Graveyard) Lookup(id session.ID) (Tombstone, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	t, ok := g.index[id]
	return t, ok
}

// Len количество записей
func (g *Graveyard) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.size
}

// Sweep удаляет записи старше ttl, возвращает количество удаленных
func (g *Graveyard) Sweep(now time.Time) int {
	if g.ttl <= 0 {
		return 0
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for g.size > 0 && now.Sub(g.ring[g.head].EndedAt) > g.ttl {
		g.evictOldest()
		n++
	}
	return n
}
