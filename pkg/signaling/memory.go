package signaling

import (
	"context"
	"regexp"
	"slices"
	"sync"

	"github.com/arzzra/sessiond/pkg/conference"
	"github.com/arzzra/sessiond/pkg/session"
)

// Имена методов для записи вызовов
const (
	MethodInvite              = "invite"
	MethodAnswer              = "answer"
	MethodReject              = "reject"
	MethodHangup              = "hangup"
	MethodRenegotiate         = "renegotiate"
	MethodAnswerRenegotiation = "answer_renegotiation"
	MethodTransfer            = "transfer"
	MethodAttendedTransfer    = "attended_transfer"
)

// Call исходящее действие шлюза
type Call struct {
	Method  string
	Session session.ID
	Peer    string
	SDP     []byte
	Code    int
	Reason  string
	Target  string
}

// MemoryGateway шлюз без сети для тестов: записывает все действия в память
type MemoryGateway struct {
	mu    sync.Mutex
	calls []Call
	fail  map[string]error
}

// NewMemoryGateway создает шлюз
func NewMemoryGateway() *MemoryGateway {
	return &MemoryGateway{fail: make(map[string]error)}
}

// FailOn заставляет метод возвращать err (nil снимает ошибку)
func (g *MemoryGateway) FailOn(method string, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err == nil {
		delete(g.fail, method)
		return
	}
	g.fail[method] = err
}

func (g *MemoryGateway) record(c Call) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls = append(g.calls, c)
	return g.fail[c.Method]
}

// Calls возвращает копию всех записанных вызовов
func (g *MemoryGateway) Calls() []Call {
	g.mu.Lock()
	defer g.mu.Unlock()
	return slices.Clone(g.calls)
}

// Methods возвращает последовательность методов, вызванных для сессии
func (g *MemoryGateway) Methods(id session.ID) []string {
	var out []string
	for _, c := range g.Calls() {
		if c.Session == id {
			out = append(out, c.Method)
		}
	}
	return out
}

// Last возвращает последний вызов метода для сессии
func (g *MemoryGateway) Last(id session.ID, method string) (Call, bool) {
	calls := g.Calls()
	for i := len(calls) - 1; i >= 0; i-- {
		if calls[i].Session == id && calls[i].Method == method {
			return calls[i], true
		}
	}
	return Call{}, false
}

func (g *MemoryGateway) Invite(_ context.Context, id session.ID, peer string, offer []byte) error {
	return g.record(Call{Method: MethodInvite, Session: id, Peer: peer, SDP: offer})
}

func (g *MemoryGateway) Answer(_ context.Context, id session.ID, answer []byte) error {
	return g.record(Call{Method: MethodAnswer, Session: id, SDP: answer})
}

func (g *MemoryGateway) Reject(_ context.Context, id session.ID, code int, reason string) error {
	return g.record(Call{Method: MethodReject, Session: id, Code: code, Reason: reason})
}

func (g *MemoryGateway) Hangup(_ context.Context, id session.ID) error {
	return g.record(Call{Method: MethodHangup, Session: id})
}

func (g *MemoryGateway) Renegotiate(_ context.Context, id session.ID, offer []byte) error {
	return g.record(Call{Method: MethodRenegotiate, Session: id, SDP: offer})
}

func (g *MemoryGateway) AnswerRenegotiation(_ context.Context, id session.ID, answer []byte) error {
	return g.record(Call{Method: MethodAnswerRenegotiation, Session: id, SDP: answer})
}

func (g *MemoryGateway) Transfer(_ context.Context, id session.ID, target string) error {
	return g.record(Call{Method: MethodTransfer, Session: id, Target: target})
}

func (g *MemoryGateway) AttendedTransfer(_ context.Context, id session.ID, replaces session.ID) error {
	return g.record(Call{Method: MethodAttendedTransfer, Session: id, Target: string(replaces)})
}

// DefaultOffer минимальное описание медиа для сессий без реального конвейера
var DefaultOffer = []byte("v=0\r\no=- 0 0 IN IP4 127.0.0.1\r\ns=-\r\nc=IN IP4 127.0.0.1\r\nt=0 0\r\nm=audio 4000 RTP/AVP 0 8\r\na=rtpmap:0 PCMU/8000\r\na=rtpmap:8 PCMA/8000\r\na=sendrecv\r\n")

var directionAttr = regexp.MustCompile(`a=(sendrecv|sendonly|recvonly|inactive)`)

// MemoryMedia медиа-конвейер в памяти. Запросы на обмен запоминаются и
// завершаются вручную через Complete, либо сразу при AutoComplete.
type MemoryMedia struct {
	mu           sync.Mutex
	requests     []NegotiationRequest
	pending      map[session.ID]NegotiationDone
	released     []session.ID
	autoComplete bool
}

// NewMemoryMedia создает конвейер
func NewMemoryMedia() *MemoryMedia {
	return &MemoryMedia{pending: make(map[session.ID]NegotiationDone)}
}

// SetAutoComplete включает немедленное успешное завершение обменов
func (m *MemoryMedia) SetAutoComplete(on bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.autoComplete = on
}

func (m *MemoryMedia) LocalOffer(context.Context, session.ID) ([]byte, error) {
	return slices.Clone(DefaultOffer), nil
}

func (m *MemoryMedia) UpdateDirection(base []byte, dir session.MediaDirection) ([]byte, error) {
	return withDirection(base, dir), nil
}

func withDirection(base []byte, dir session.MediaDirection) []byte {
	if !directionAttr.Match(base) {
		return append(slices.Clone(base), []byte("a="+dir.String()+"\r\n")...)
	}
	return directionAttr.ReplaceAll(base, []byte("a="+dir.String()))
}

func (m *MemoryMedia) Negotiate(_ context.Context, req NegotiationRequest, done NegotiationDone) error {
	m.mu.Lock()
	m.requests = append(m.requests, req)
	auto := m.autoComplete
	if !auto {
		m.pending[req.Session] = done
	}
	m.mu.Unlock()

	if auto {
		done(session.NegotiationResult{LocalSDP: answerFor(req)})
	}
	return nil
}

func answerFor(req NegotiationRequest) []byte {
	switch req.Kind {
	case session.NegotiationAnswerOffer, session.NegotiationRemoteOffer:
		return slices.Clone(DefaultOffer)
	case session.NegotiationLocalOffer:
		if len(req.Local) == 0 {
			return withDirection(DefaultOffer, req.Direction)
		}
		return withDirection(req.Local, req.Direction)
	}
	return nil
}

// Complete завершает ожидающий обмен сессии. Возвращает false если обмена нет.
func (m *MemoryMedia) Complete(id session.ID, res session.NegotiationResult) bool {
	m.mu.Lock()
	done, ok := m.pending[id]
	delete(m.pending, id)
	m.mu.Unlock()
	if !ok {
		return false
	}
	done(res)
	return true
}

// CompleteOK успешно завершает обмен с ответом по умолчанию
func (m *MemoryMedia) CompleteOK(id session.ID) bool {
	m.mu.Lock()
	var req NegotiationRequest
	for i := len(m.requests) - 1; i >= 0; i-- {
		if m.requests[i].Session == id {
			req = m.requests[i]
			break
		}
	}
	m.mu.Unlock()
	return m.Complete(id, session.NegotiationResult{LocalSDP: answerFor(req)})
}

// Pending проверяет, ожидает ли сессия завершения обмена
func (m *MemoryMedia) Pending(id session.ID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.pending[id]
	return ok
}

// Requests возвращает запросы сессии в порядке поступления
func (m *MemoryMedia) Requests(id session.ID) []NegotiationRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []NegotiationRequest
	for _, r := range m.requests {
		if r.Session == id {
			out = append(out, r)
		}
	}
	return out
}

func (m *MemoryMedia) Release(_ context.Context, id session.ID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.pending, id)
	m.released = append(m.released, id)
	return nil
}

// Released возвращает сессии, чьи ресурсы освобождены
func (m *MemoryMedia) Released() []session.ID {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.released)
}

// MemoryMixer микшер в памяти, хранит текущие миксы
type MemoryMixer struct {
	mu     sync.Mutex
	mixes  map[conference.ID][]session.ID
	local  map[conference.ID]bool
	binds  int
	closed []conference.ID
}

// NewMemoryMixer создает микшер
func NewMemoryMixer() *MemoryMixer {
	return &MemoryMixer{
		mixes: make(map[conference.ID][]session.ID),
		local: make(map[conference.ID]bool),
	}
}

func (m *MemoryMixer) Bind(_ context.Context, conf conference.ID, members []session.ID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mixes[conf] = slices.Clone(members)
	if _, ok := m.local[conf]; !ok {
		m.local[conf] = true
	}
	m.binds++
	return nil
}

func (m *MemoryMixer) SetLocal(_ context.Context, conf conference.ID, attached bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.local[conf] = attached
	return nil
}

func (m *MemoryMixer) Dissolve(_ context.Context, conf conference.ID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.mixes, conf)
	delete(m.local, conf)
	m.closed = append(m.closed, conf)
	return nil
}

// Mix возвращает участников микса
func (m *MemoryMixer) Mix(conf conference.ID) ([]session.ID, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	members, ok := m.mixes[conf]
	return slices.Clone(members), ok
}

// Local возвращает подключен ли локальный участник
func (m *MemoryMixer) Local(conf conference.ID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.local[conf]
}

// Dissolved возвращает разобранные конференции
func (m *MemoryMixer) Dissolved() []conference.ID {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.closed)
}
