package registry

import (
	"errors"
	"fmt"
	"hash/fnv"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/arzzra/sessiond/pkg/session"
	"github.com/google/uuid"
)

// shardCount количество шардов индекса сессий (степень 2)
const shardCount = 32

var (
	// ErrNotFound сессия отсутствует или уже завершена
	ErrNotFound = errors.New("not found")
	// ErrDuplicateID генератор выдал уже занятый идентификатор
	ErrDuplicateID = errors.New("duplicate id")
	// ErrResourceExhausted достигнут лимит одновременных сессий
	ErrResourceExhausted = errors.New("resource exhausted")
	// ErrNotOver попытка убрать из индекса незавершенную сессию
	ErrNotOver = errors.New("session is not over")
)

// Config параметры реестра сессий
type Config struct {
	// MaxSessions лимит одновременных сессий (0 - без ограничения)
	MaxSessions int
	// GraveyardSize сколько завершенных сессий помнить для поздних событий
	GraveyardSize int
	// GraveyardTTL сколько помнить завершенную сессию
	GraveyardTTL time.Duration
	// NewID генератор идентификаторов (по умолчанию UUID v4)
	NewID func() string
}

// DefaultConfig возвращает конфигурацию по умолчанию
func DefaultConfig() Config {
	return Config{
		MaxSessions:   1024,
		GraveyardSize: 4096,
		GraveyardTTL:  time.Minute,
		NewID:         uuid.NewString,
	}
}

type sessionShard struct {
	mu       sync.RWMutex
	sessions map[session.ID]*session.Session
}

// Sessions индекс живых сессий, разбитый на шарды.
//
// Блокировка шарда держится только на время операции с картой и никогда
// не захватывается перед блокировкой сессии.
type Sessions struct {
	shards    [shardCount]*sessionShard
	active    atomic.Int64
	max       int
	newID     func() string
	opts      session.Options
	graveyard *Graveyard
}

// NewSessions создает реестр. opts передаются каждой новой сессии.
func NewSessions(cfg Config, opts session.Options) *Sessions {
	if cfg.NewID == nil {
		cfg.NewID = uuid.NewString
	}
	r := &Sessions{
		max:       cfg.MaxSessions,
		newID:     cfg.NewID,
		opts:      opts,
		graveyard: NewGraveyard(cfg.GraveyardSize, cfg.GraveyardTTL),
	}
	for i := range r.shards {
		r.shards[i] = &sessionShard{sessions: make(map[session.ID]*session.Session)}
	}
	return r
}

func (r *Sessions) shard(id session.ID) *sessionShard {
	h := fnv.New32a()
	h.Write([]byte(id))
	return r.shards[h.Sum32()&(shardCount-1)]
}

// Graveyard возвращает область завершенных сессий
func (r *Sessions) Graveyard() *Graveyard { return r.graveyard }

// reserve резервирует место под новую сессию с учетом лимита
func (r *Sessions) reserve() bool {
	for {
		n := r.active.Load()
		if r.max > 0 && n >= int64(r.max) {
			return false
		}
		if r.active.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

// Create создает сессию Idle с новым уникальным идентификатором
func (r *Sessions) Create(kind session.AccountKind, accountID session.AccountID, dir session.Direction) (*session.Session, error) {
	if !r.reserve() {
		return nil, fmt.Errorf("%w: %d sessions active", ErrResourceExhausted, r.max)
	}
	id := session.ID(r.newID())
	s := session.New(id, accountID, kind, dir, r.opts)

	sh := r.shard(id)
	sh.mu.Lock()
	_, exists := sh.sessions[id]
	if !exists {
		sh.sessions[id] = s
	}
	sh.mu.Unlock()

	if exists || r.graveyard.Contains(id) {
		if !exists {
			sh.mu.Lock()
			delete(sh.sessions, id)
			sh.mu.Unlock()
		}
		r.active.Add(-1)
		return nil, fmt.Errorf("%w: %s", ErrDuplicateID, id)
	}
	return s, nil
}

// Lookup возвращает сессию из индекса без блокировки самой сессии.
// Вызывающий обязан захватить блокировку и проверить, что сессия не Over.
func (r *Sessions) Lookup(id session.ID) (*session.Session, bool) {
	sh := r.shard(id)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	s, ok := sh.sessions[id]
	return s, ok
}

// With выполняет fn под эксклюзивной блокировкой живой сессии
func (r *Sessions) With(id session.ID, fn func(*session.Session) error) error {
	s, ok := r.Lookup(id)
	if !ok {
		return fmt.Errorf("%w: session %s", ErrNotFound, id)
	}
	s.Lock()
	defer s.Unlock()
	if s.State() == session.StateOver {
		return fmt.Errorf("%w: session %s", ErrNotFound, id)
	}
	return fn(s)
}

// Retire переносит завершенную сессию в область завершенных.
// Вызывается под блокировкой сессии в той же области, где произошел переход в Over.
func (r *Sessions) Retire(s *session.Session) error {
	if s.State() != session.StateOver {
		return fmt.Errorf("%w: %s in %s", ErrNotOver, s.ID(), s.State())
	}
	sh := r.shard(s.ID())
	sh.mu.Lock()
	_, ok := sh.sessions[s.ID()]
	delete(sh.sessions, s.ID())
	sh.mu.Unlock()
	if !ok {
		return nil
	}
	r.active.Add(-1)
	info := s.Info()
	r.graveyard.Add(Tombstone{
		ID:        info.ID,
		AccountID: info.AccountID,
		Kind:      info.Kind,
		Cause:     info.Cause,
		EndedAt:   info.EndedAt,
	})
	return nil
}

// Count количество живых сессий
func (r *Sessions) Count() int { return int(r.active.Load()) }

// collect снимок идентификаторов, отсортированный по возрастанию
func (r *Sessions) collect(match func(*session.Session) bool) []session.ID {
	var ids []session.ID
	for _, sh := range r.shards {
		sh.mu.RLock()
		for id, s := range sh.sessions {
			if match(s) {
				ids = append(ids, id)
			}
		}
		sh.mu.RUnlock()
	}
	slices.Sort(ids)
	return ids
}

// All снимок всех живых сессий
func (r *Sessions) All() []session.ID {
	return r.collect(func(*session.Session) bool { return true })
}

// AllOf снимок сессий аккаунтов заданного типа
func (r *Sessions) AllOf(kind session.AccountKind) []session.ID {
	return r.collect(func(s *session.Session) bool { return s.Kind() == kind })
}

// ByAccount снимок сессий аккаунта
func (r *Sessions) ByAccount(accountID session.AccountID) []session.ID {
	return r.collect(func(s *session.Session) bool { return s.AccountID() == accountID })
}
