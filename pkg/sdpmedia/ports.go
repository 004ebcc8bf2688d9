package sdpmedia

import (
	"errors"
	"sync"

	"github.com/arzzra/sessiond/pkg/session"
)

// ErrNoPorts диапазон RTP портов исчерпан
var ErrNoPorts = errors.New("sdpmedia: no free rtp ports")

// portPool выделяет четные RTP порты (RTCP = RTP+1) по сессиям
type portPool struct {
	mu     sync.Mutex
	lo, hi int
	next   int
	used   map[int]session.ID
	bySess map[session.ID]int
}

func newPortPool(lo, hi int) *portPool {
	if lo%2 != 0 {
		lo++
	}
	return &portPool{
		lo:     lo,
		hi:     hi,
		next:   lo,
		used:   make(map[int]session.ID),
		bySess: make(map[session.ID]int),
	}
}

// acquire возвращает порт сессии, выделяя его при первом обращении
func (p *portPool) acquire(id session.ID) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if port, ok := p.bySess[id]; ok {
		return port, nil
	}
	// Обход по кругу от последнего выделенного порта
	span := (p.hi - p.lo) / 2
	for i := 0; i < span; i++ {
		port := p.next
		p.next += 2
		if p.next+1 > p.hi {
			p.next = p.lo
		}
		if _, busy := p.used[port]; busy {
			continue
		}
		p.used[port] = id
		p.bySess[id] = port
		return port, nil
	}
	return 0, ErrNoPorts
}

func (p *portPool) release(id session.ID) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	port, ok := p.bySess[id]
	if !ok {
		return false
	}
	delete(p.bySess, id)
	delete(p.used, port)
	return true
}

func (p *portPool) inUse() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.used)
}
