package dispatch

import (
	"context"
	"errors"
	"hash/fnv"
	"sync"

	"github.com/arzzra/sessiond/pkg/signaling"
	"golang.org/x/sync/errgroup"
)

// ErrClosed очередь остановлена
var ErrClosed = errors.New("dispatch queue closed")

// Handler обрабатывает одно событие
type Handler func(ctx context.Context, ev signaling.Event)

// Config параметры очереди
type Config struct {
	// Workers количество воркеров (шардов)
	Workers int
	// Buffer размер буфера каждого воркера
	Buffer int
}

// DefaultConfig возвращает конфигурацию по умолчанию
func DefaultConfig() Config {
	return Config{Workers: 8, Buffer: 256}
}

// Queue очередь входящих событий сигнализации.
//
// События распределяются по воркерам по хэшу OrderKey, поэтому события
// одной сессии обрабатываются строго по порядку, а разные сессии параллельно.
type Queue struct {
	handler Handler
	lanes   []chan signaling.Event

	mu       sync.RWMutex
	closed   bool
	stopped  chan struct{}
	stopOnce sync.Once
}

// New создает очередь. Воркеры запускаются Run.
func New(cfg Config, handler Handler) *Queue {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.Buffer < 0 {
		cfg.Buffer = 0
	}
	q := &Queue{
		handler: handler,
		lanes:   make([]chan signaling.Event, cfg.Workers),
		stopped: make(chan struct{}),
	}
	for i := range q.lanes {
		q.lanes[i] = make(chan signaling.Event, cfg.Buffer)
	}
	return q
}

func (q *Queue) lane(key string) chan signaling.Event {
	h := fnv.New32a()
	h.Write([]byte(key))
	return q.lanes[h.Sum32()%uint32(len(q.lanes))]
}

// Post ставит событие в очередь. Блокируется пока в полосе нет места.
func (q *Queue) Post(ctx context.Context, ev signaling.Event) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrClosed
	}
	select {
	case q.lane(ev.OrderKey()) <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-q.stopped:
		return ErrClosed
	}
}

// Run обрабатывает события до отмены ctx или Close.
// После Close уже поставленные события дообрабатываются.
func (q *Queue) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, lane := range q.lanes {
		g.Go(func() error {
			q.work(gctx, lane)
			return nil
		})
	}
	return g.Wait()
}

func (q *Queue) work(ctx context.Context, lane chan signaling.Event) {
	for {
		select {
		case ev, ok := <-lane:
			if !ok {
				return
			}
			q.handler(ctx, ev)
		case <-ctx.Done():
			return
		}
	}
}

// Close запрещает новые события и завершает воркеры после опустошения полос
func (q *Queue) Close() {
	// разблокируем ожидающих Post до захвата эксклюзивной блокировки
	q.stopOnce.Do(func() { close(q.stopped) })
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	for _, lane := range q.lanes {
		close(lane)
	}
}
