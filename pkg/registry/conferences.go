package registry

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/arzzra/sessiond/pkg/conference"
	"github.com/arzzra/sessiond/pkg/session"
	"github.com/google/uuid"
)

// Conferences реестр конференций
type Conferences struct {
	mu    sync.RWMutex
	confs map[conference.ID]*conference.Conference
	newID func() string
	now   func() time.Time
}

// NewConferences создает реестр конференций
func NewConferences(newID func() string) *Conferences {
	if newID == nil {
		newID = uuid.NewString
	}
	return &Conferences{
		confs: make(map[conference.ID]*conference.Conference),
		newID: newID,
		now:   time.Now,
	}
}

// Create создает и регистрирует конференцию из участников
func (r *Conferences) Create(members []session.ID) (*conference.Conference, error) {
	id := conference.ID(r.newID())
	c, err := conference.New(id, members, r.now())
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.confs[id]; exists {
		return nil, fmt.Errorf("%w: conference %s", ErrDuplicateID, id)
	}
	r.confs[id] = c
	return c, nil
}

// Get возвращает конференцию
func (r *Conferences) Get(id conference.ID) (*conference.Conference, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.confs[id]
	return c, ok
}

// Remove удаляет конференцию из реестра
func (r *Conferences) Remove(id conference.ID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.confs[id]
	delete(r.confs, id)
	return ok
}

// List снимок идентификаторов конференций
func (r *Conferences) List() []conference.ID {
	r.mu.RLock()
	ids := make([]conference.ID, 0, len(r.confs))
	for id := range r.confs {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	slices.Sort(ids)
	return ids
}

// Count количество конференций
func (r *Conferences) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.confs)
}
