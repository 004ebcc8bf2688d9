// Package mixer пересылает RTP пакеты между участниками конференции.
//
// Это пересылающий микшер (SFU-подобный): пакет одного участника
// копируется остальным участникам с переписанными SSRC и порядковыми
// номерами, чтобы каждое принимающее плечо видело непрерывный поток.
// Декодирование и сложение аудио остаются за внешним медиа-конвейером.
package mixer

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/arzzra/sessiond/pkg/conference"
	"github.com/arzzra/sessiond/pkg/session"
	"github.com/arzzra/sessiond/pkg/signaling"
	"github.com/pion/rtp"
)

// LocalParticipant идентификатор локального участника в миксе
const LocalParticipant session.ID = "local"

// Ошибки микшера
var (
	ErrUnknownConference = errors.New("mixer: unknown conference")
	ErrNotBound          = errors.New("mixer: session is not bound to a conference")
)

// Sink получатель RTP пакетов участника
type Sink interface {
	SendPacket(*rtp.Packet) error
}

// SinkFunc адаптер функции к Sink
type SinkFunc func(*rtp.Packet) error

func (f SinkFunc) SendPacket(p *rtp.Packet) error { return f(p) }

// outStream состояние исходящего потока к одному участнику
type outStream struct {
	ssrc uint32
	seq  uint16
}

type mix struct {
	members []session.ID
	local   bool
	out     map[session.ID]*outStream
}

// Stats счетчики пересылки
type Stats struct {
	Forwarded uint64
	Dropped   uint64
}

// Mixer реализует signaling.Mixer
type Mixer struct {
	mu       sync.RWMutex
	mixes    map[conference.ID]*mix
	memberOf map[session.ID]conference.ID
	sinks    map[session.ID]Sink

	forwarded atomic.Uint64
	dropped   atomic.Uint64
}

var _ signaling.Mixer = (*Mixer)(nil)

// New создает микшер
func New() *Mixer {
	return &Mixer{
		mixes:    make(map[conference.ID]*mix),
		memberOf: make(map[session.ID]conference.ID),
		sinks:    make(map[session.ID]Sink),
	}
}

// AttachSink регистрирует получателя пакетов сессии (или LocalParticipant)
func (m *Mixer) AttachSink(id session.ID, sink Sink) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sinks[id] = sink
}

// DetachSink снимает получателя пакетов
func (m *Mixer) DetachSink(id session.ID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sinks, id)
}

// Bind задает состав микса конференции; повторный Bind заменяет состав
func (m *Mixer) Bind(_ context.Context, conf conference.ID, members []session.ID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	mx, ok := m.mixes[conf]
	if !ok {
		mx = &mix{local: true, out: make(map[session.ID]*outStream)}
		m.mixes[conf] = mx
	}
	for _, id := range mx.members {
		delete(m.memberOf, id)
	}
	mx.members = slices.Clone(members)
	for _, id := range members {
		m.memberOf[id] = conf
		if _, ok := mx.out[id]; !ok {
			mx.out[id] = newOutStream()
		}
	}
	if _, ok := mx.out[LocalParticipant]; !ok {
		mx.out[LocalParticipant] = newOutStream()
	}
	return nil
}

func newOutStream() *outStream {
	return &outStream{ssrc: rand.Uint32(), seq: uint16(rand.UintN(1 << 16))}
}

// SetLocal подключает или отключает локального участника
func (m *Mixer) SetLocal(_ context.Context, conf conference.ID, attached bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	mx, ok := m.mixes[conf]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownConference, conf)
	}
	mx.local = attached
	return nil
}

// Dissolve разбирает микс; неизвестная конференция не ошибка
func (m *Mixer) Dissolve(_ context.Context, conf conference.ID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	mx, ok := m.mixes[conf]
	if !ok {
		return nil
	}
	for _, id := range mx.members {
		delete(m.memberOf, id)
	}
	delete(m.mixes, conf)
	return nil
}

// Members возвращает состав микса
func (m *Mixer) Members(conf conference.ID) ([]session.ID, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	mx, ok := m.mixes[conf]
	if !ok {
		return nil, false
	}
	return slices.Clone(mx.members), true
}

// LocalAttached сообщает, подключен ли локальный участник
func (m *Mixer) LocalAttached(conf conference.ID) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	mx, ok := m.mixes[conf]
	return ok && mx.local
}

// Forward рассылает пакет участника from остальным участникам его
// конференции и локальному участнику, если он подключен.
// Возвращает число получателей.
func (m *Mixer) Forward(from session.ID, pkt *rtp.Packet) (int, error) {
	m.mu.RLock()
	conf, ok := m.memberOf[from]
	m.mu.RUnlock()
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrNotBound, from)
	}
	return m.forward(conf, from, pkt)
}

// ForwardLocal рассылает пакет локального участника всем участникам
func (m *Mixer) ForwardLocal(conf conference.ID, pkt *rtp.Packet) (int, error) {
	return m.forward(conf, LocalParticipant, pkt)
}

type delivery struct {
	sink Sink
	pkt  *rtp.Packet
}

func (m *Mixer) forward(conf conference.ID, from session.ID, pkt *rtp.Packet) (int, error) {
	m.mu.Lock()
	mx, ok := m.mixes[conf]
	if !ok {
		m.mu.Unlock()
		return 0, fmt.Errorf("%w: %s", ErrUnknownConference, conf)
	}
	targets := slices.Clone(mx.members)
	if mx.local {
		targets = append(targets, LocalParticipant)
	} else if from == LocalParticipant {
		m.mu.Unlock()
		return 0, nil
	}
	var out []delivery
	for _, to := range targets {
		if to == from {
			continue
		}
		sink, ok := m.sinks[to]
		if !ok {
			continue
		}
		out = append(out, delivery{sink: sink, pkt: rewrite(pkt, mx.out[to])})
	}
	m.mu.Unlock()

	// Отправка вне блокировки: получатель может блокироваться на сокете
	var errs []error
	sent := 0
	for _, d := range out {
		if err := d.sink.SendPacket(d.pkt); err != nil {
			m.dropped.Add(1)
			errs = append(errs, err)
			continue
		}
		sent++
		m.forwarded.Add(1)
	}
	return sent, errors.Join(errs...)
}

// ForwardRaw разбирает RTP пакет из буфера и пересылает его
func (m *Mixer) ForwardRaw(from session.ID, buf []byte) (int, error) {
	var pkt rtp.Packet
	if err := pkt.Unmarshal(buf); err != nil {
		m.dropped.Add(1)
		return 0, fmt.Errorf("mixer: unmarshal rtp: %w", err)
	}
	return m.Forward(from, &pkt)
}

// Stats возвращает счетчики пересылки
func (m *Mixer) Stats() Stats {
	return Stats{Forwarded: m.forwarded.Load(), Dropped: m.dropped.Load()}
}

// rewrite копирует пакет в исходящий поток получателя
func rewrite(pkt *rtp.Packet, out *outStream) *rtp.Packet {
	cp := pkt.Clone()
	cp.SSRC = out.ssrc
	cp.SequenceNumber = out.seq
	out.seq++
	cp.CSRC = append(cp.CSRC[:0:0], pkt.SSRC)
	return cp
}
