// Package sipgw связывает SIP стек sipgo с менеджером сессий: реализует
// signaling.Gateway для SIP аккаунта и превращает входящий SIP трафик в
// события очереди диспетчера.
package sipgw

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"

	"github.com/arzzra/sessiond/pkg/logger"
	"github.com/arzzra/sessiond/pkg/session"
	"github.com/arzzra/sessiond/pkg/signaling"
)

// ErrUnknownSession у шлюза нет диалога для сессии
var ErrUnknownSession = errors.New("sipgw: unknown session")

// Poster принимает входящие события (dispatch.Queue)
type Poster interface {
	Post(ctx context.Context, ev signaling.Event) error
}

// leg SIP диалог одной сессии
type leg struct {
	mu sync.Mutex

	id     session.ID
	callID string
	client *sipgo.DialogClientSession
	server *sipgo.DialogServerSession
	remote sip.Uri

	localTag  string
	remoteTag string

	// отмена ожидания ответа на исходящий INVITE (CANCEL)
	cancelInvite context.CancelFunc
	answered     bool
	cancelled    bool

	// входящий re-INVITE, ожидающий answer
	reinvite   *sip.Request
	reinviteTx sip.ServerTransaction
}

// Gateway SIP шлюз аккаунта
type Gateway struct {
	cfg     Config
	log     logger.StructuredLogger
	sink    Poster
	contact sip.ContactHeader

	ua     *sipgo.UserAgent
	client *sipgo.Client
	server *sipgo.Server
	dcc    *sipgo.DialogClientCache
	dsc    *sipgo.DialogServerCache

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.RWMutex
	byID   map[session.ID]*leg
	byCall map[string]*leg
}

var _ signaling.Gateway = (*Gateway)(nil)

// New создает шлюз. Прослушивание начинается в Serve.
func New(cfg Config, sink Poster, log logger.StructuredLogger) (*Gateway, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = logger.NoOpLogger{}
	}

	ua, err := sipgo.NewUA(sipgo.WithUserAgent(cfg.UserAgent))
	if err != nil {
		return nil, fmt.Errorf("sipgw: create user agent: %w", err)
	}
	host, port := cfg.contactHostPort()
	client, err := sipgo.NewClient(ua, sipgo.WithClientHostname(host))
	if err != nil {
		_ = ua.Close()
		return nil, fmt.Errorf("sipgw: create client: %w", err)
	}
	server, err := sipgo.NewServer(ua)
	if err != nil {
		_ = ua.Close()
		return nil, fmt.Errorf("sipgw: create server: %w", err)
	}

	contact := sip.ContactHeader{
		Address: sip.Uri{Scheme: "sip", User: cfg.ContactUser, Host: host, Port: port},
	}

	ctx, cancel := context.WithCancel(context.Background())
	g := &Gateway{
		cfg:     cfg,
		log:     log.WithComponent("sipgw").WithFields(logger.String("account", string(cfg.AccountID))),
		sink:    sink,
		contact: contact,
		ua:      ua,
		client:  client,
		server:  server,
		dcc:     sipgo.NewDialogClientCache(client, contact),
		dsc:     sipgo.NewDialogServerCache(client, contact),
		ctx:     ctx,
		cancel:  cancel,
		byID:    make(map[session.ID]*leg),
		byCall:  make(map[string]*leg),
	}

	server.OnInvite(g.handleInvite)
	server.OnAck(g.handleAck)
	server.OnBye(g.handleBye)
	server.OnCancel(g.handleCancel)
	server.OnRefer(g.handleRefer)
	return g, nil
}

// Serve слушает SIP трафик до отмены ctx
func (g *Gateway) Serve(ctx context.Context) error {
	g.log.Info(ctx, "sip listener started",
		logger.String("network", g.cfg.Network), logger.String("listen", g.cfg.Listen))
	err := g.server.ListenAndServe(ctx, g.cfg.Network, g.cfg.Listen)
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// Close останавливает фоновые запросы и UA
func (g *Gateway) Close() error {
	g.cancel()
	g.wg.Wait()
	return g.ua.Close()
}

func (g *Gateway) post(ev signaling.Event) {
	if err := g.sink.Post(g.ctx, ev); err != nil {
		g.log.Warn(g.ctx, "drop sip event", logger.Err(err))
	}
}

func (g *Gateway) postState(id session.ID, ev signaling.ProtocolEvent) {
	g.post(signaling.DialogEvent{Session: id, Event: ev})
}

func (g *Gateway) track(l *leg) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if l.id != "" {
		g.byID[l.id] = l
	}
	if l.callID != "" {
		g.byCall[l.callID] = l
	}
}

func (g *Gateway) untrack(l *leg) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.byID[l.id] == l {
		delete(g.byID, l.id)
	}
	if g.byCall[l.callID] == l {
		delete(g.byCall, l.callID)
	}
}

func (g *Gateway) legOf(id session.ID) (*leg, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	l, ok := g.byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSession, id)
	}
	return l, nil
}

func (g *Gateway) legByCall(callID string) *leg {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.byCall[callID]
}

// async запускает сетевую операцию в фоне
func (g *Gateway) async(fn func(ctx context.Context)) {
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		ctx, cancel := context.WithTimeout(g.ctx, g.cfg.RequestTimeout)
		defer cancel()
		fn(ctx)
	}()
}

// Invite отправляет INVITE; ответы приходят как DialogEvent
func (g *Gateway) Invite(_ context.Context, id session.ID, peer string, offer []byte) error {
	host, _ := g.cfg.contactHostPort()
	uri, err := parseTarget(peer, host)
	if err != nil {
		return err
	}
	inviteCtx, cancel := context.WithCancel(g.ctx)
	l := &leg{id: id, remote: uri, cancelInvite: cancel}
	g.track(l)

	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		defer cancel()
		g.runInvite(inviteCtx, l, uri, offer)
	}()
	return nil
}

func (g *Gateway) runInvite(ctx context.Context, l *leg, uri sip.Uri, offer []byte) {
	dlg, err := g.dcc.Invite(ctx, uri, offer, sip.NewHeader("Content-Type", contentTypeSDP))
	if err != nil {
		g.log.Warn(ctx, "invite failed", logger.String("session_id", string(l.id)), logger.Err(err))
		g.untrack(l)
		g.postState(l.id, signaling.ProtocolEvent{State: signaling.ProtocolTransportError, Reason: err.Error()})
		return
	}
	l.mu.Lock()
	l.client = dlg
	l.mu.Unlock()

	var final *sip.Response
	err = dlg.WaitAnswer(ctx, sipgo.AnswerOptions{
		OnResponse: func(res *sip.Response) error {
			g.bindResponse(l, res)
			if res.IsProvisional() {
				if res.StatusCode > 100 {
					g.postState(l.id, responseEvent(res.StatusCode, res.Reason, nil))
				}
				return nil
			}
			final = res
			return nil
		},
	})
	switch {
	case err == nil:
		if ackErr := dlg.Ack(ctx); ackErr != nil {
			g.log.Warn(ctx, "ack failed", logger.String("session_id", string(l.id)), logger.Err(ackErr))
		}
		l.mu.Lock()
		l.answered = true
		l.mu.Unlock()
		var body []byte
		if final != nil {
			body = final.Body()
		}
		g.postState(l.id, signaling.ProtocolEvent{State: signaling.ProtocolAnswered, Code: 200, Reason: "OK", SDP: body})
	case final != nil:
		g.untrack(l)
		g.postState(l.id, responseEvent(final.StatusCode, final.Reason, nil))
	case ctx.Err() != nil:
		// CANCEL отправлен по Hangup; сессия уже завершена
		g.untrack(l)
	default:
		g.untrack(l)
		g.postState(l.id, signaling.ProtocolEvent{State: signaling.ProtocolTransportError, Reason: err.Error()})
	}
}

// bindResponse запоминает Call-ID, теги и Contact из ответа
func (g *Gateway) bindResponse(l *leg, res *sip.Response) {
	l.mu.Lock()
	if l.callID == "" {
		l.callID = callIDOf(res)
		defer g.track(l)
	}
	if from := res.From(); from != nil {
		l.localTag, _ = from.Params.Get("tag")
	}
	if to := res.To(); to != nil {
		l.remoteTag, _ = to.Params.Get("tag")
	}
	if c := res.Contact(); c != nil && res.IsSuccess() {
		l.remote = c.Address
	}
	l.mu.Unlock()
}

// Answer отвечает 200 OK на входящий INVITE
func (g *Gateway) Answer(_ context.Context, id session.ID, answer []byte) error {
	l, err := g.legOf(id)
	if err != nil {
		return err
	}
	g.async(func(ctx context.Context) {
		l.mu.Lock()
		dlg := l.server
		l.answered = true
		l.mu.Unlock()
		if dlg == nil {
			return
		}
		if err := dlg.Respond(sip.StatusOK, "OK", answer, sip.NewHeader("Content-Type", contentTypeSDP)); err != nil {
			g.log.Warn(ctx, "answer failed", logger.String("session_id", string(id)), logger.Err(err))
			g.untrack(l)
			g.postState(id, signaling.ProtocolEvent{State: signaling.ProtocolTransportError, Reason: err.Error()})
		}
	})
	return nil
}

// Reject отклоняет входящий INVITE финальным ответом
func (g *Gateway) Reject(_ context.Context, id session.ID, code int, reason string) error {
	l, err := g.legOf(id)
	if err != nil {
		return err
	}
	g.untrack(l)
	g.async(func(ctx context.Context) {
		if l.server == nil {
			return
		}
		if err := l.server.Respond(code, reason, nil); err != nil {
			g.log.Debug(ctx, "reject failed", logger.String("session_id", string(id)), logger.Err(err))
		}
	})
	return nil
}

// Hangup отправляет BYE или CANCEL для неотвеченного исходящего вызова
func (g *Gateway) Hangup(_ context.Context, id session.ID) error {
	l, err := g.legOf(id)
	if err != nil {
		return err
	}
	g.untrack(l)

	l.mu.Lock()
	answered, cancelInvite := l.answered, l.cancelInvite
	l.mu.Unlock()

	if !answered && cancelInvite != nil {
		// WaitAnswer отправит CANCEL при отмене контекста
		cancelInvite()
		return nil
	}
	g.async(func(ctx context.Context) {
		if err := l.bye(ctx); err != nil {
			g.log.Debug(ctx, "bye failed", logger.String("session_id", string(id)), logger.Err(err))
		}
	})
	return nil
}

// do отправляет запрос внутри диалога сессии
func (l *leg) do(ctx context.Context, req *sip.Request) (*sip.Response, error) {
	l.mu.Lock()
	client, server := l.client, l.server
	l.mu.Unlock()
	switch {
	case client != nil:
		return client.Do(ctx, req)
	case server != nil:
		return server.Do(ctx, req)
	}
	return nil, fmt.Errorf("%w: no dialog", ErrUnknownSession)
}

func (l *leg) bye(ctx context.Context) error {
	l.mu.Lock()
	client, server := l.client, l.server
	l.mu.Unlock()
	switch {
	case client != nil:
		return client.Bye(ctx)
	case server != nil:
		return server.Bye(ctx)
	}
	return nil
}

// Renegotiate отправляет re-INVITE с новым offer
func (g *Gateway) Renegotiate(_ context.Context, id session.ID, offer []byte) error {
	l, err := g.legOf(id)
	if err != nil {
		return err
	}
	g.async(func(ctx context.Context) {
		l.mu.Lock()
		remote := l.remote
		l.mu.Unlock()

		req := sip.NewRequest(sip.INVITE, remote)
		req.SetBody(offer)
		req.AppendHeader(sip.NewHeader("Content-Type", contentTypeSDP))
		req.AppendHeader(sip.NewHeader("Contact", g.contact.Value()))

		res, err := l.do(ctx, req)
		if err != nil {
			g.postState(id, signaling.ProtocolEvent{State: signaling.ProtocolRenegotiationFailed, Reason: err.Error()})
			return
		}
		if !res.IsSuccess() {
			g.postState(id, signaling.ProtocolEvent{
				State: signaling.ProtocolRenegotiationFailed, Code: res.StatusCode, Reason: res.Reason,
			})
			return
		}
		if err := g.client.WriteRequest(buildAck(req, res)); err != nil {
			g.log.Warn(ctx, "re-invite ack failed", logger.String("session_id", string(id)), logger.Err(err))
		}
		g.postState(id, signaling.ProtocolEvent{
			State: signaling.ProtocolRenegotiated, Code: res.StatusCode, Reason: res.Reason, SDP: res.Body(),
		})
	})
	return nil
}

// buildAck ACK на 2xx ответ re-INVITE
func buildAck(req *sip.Request, res *sip.Response) *sip.Request {
	ack := sip.NewRequest(sip.ACK, req.Recipient)
	if h := req.CallID(); h != nil {
		ack.AppendHeader(h)
	}
	if h := req.From(); h != nil {
		ack.AppendHeader(h)
	}
	if h := res.To(); h != nil {
		ack.AppendHeader(h)
	}
	if cseq := req.CSeq(); cseq != nil {
		ack.AppendHeader(&sip.CSeqHeader{SeqNo: cseq.SeqNo, MethodName: sip.ACK})
	}
	ack.AppendHeader(sip.NewHeader("Max-Forwards", "70"))
	return ack
}

// AnswerRenegotiation отвечает 200 OK на входящий re-INVITE
func (g *Gateway) AnswerRenegotiation(_ context.Context, id session.ID, answer []byte) error {
	l, err := g.legOf(id)
	if err != nil {
		return err
	}
	l.mu.Lock()
	req, tx := l.reinvite, l.reinviteTx
	l.reinvite, l.reinviteTx = nil, nil
	l.mu.Unlock()
	if req == nil {
		return fmt.Errorf("sipgw: no pending re-invite for %s", id)
	}
	res := sip.NewResponseFromRequest(req, sip.StatusOK, "OK", answer)
	res.AppendHeader(sip.NewHeader("Content-Type", contentTypeSDP))
	res.AppendHeader(sip.NewHeader("Contact", g.contact.Value()))
	return tx.Respond(res)
}

// Transfer отправляет REFER и завершает диалог после его принятия
func (g *Gateway) Transfer(_ context.Context, id session.ID, target string) error {
	host, _ := g.cfg.contactHostPort()
	uri, err := parseTarget(target, host)
	if err != nil {
		return err
	}
	return g.refer(id, "<"+uri.String()+">")
}

// AttendedTransfer отправляет REFER с Replaces диалога replaces
func (g *Gateway) AttendedTransfer(_ context.Context, id session.ID, replaces session.ID) error {
	other, err := g.legOf(replaces)
	if err != nil {
		return err
	}
	other.mu.Lock()
	value := replacesValue(other.remote.String(), other.callID, other.remoteTag, other.localTag)
	other.mu.Unlock()
	return g.refer(id, value)
}

func (g *Gateway) refer(id session.ID, referTo string) error {
	l, err := g.legOf(id)
	if err != nil {
		return err
	}
	g.untrack(l)
	g.async(func(ctx context.Context) {
		l.mu.Lock()
		remote := l.remote
		l.mu.Unlock()

		req := sip.NewRequest(sip.REFER, remote)
		req.AppendHeader(sip.NewHeader("Refer-To", referTo))
		res, err := l.do(ctx, req)
		if err != nil || res.StatusCode >= 300 {
			g.log.Warn(ctx, "refer not accepted", logger.String("session_id", string(id)), logger.Err(err))
		}
		if byeErr := l.bye(ctx); byeErr != nil {
			g.log.Debug(ctx, "bye after refer failed", logger.String("session_id", string(id)), logger.Err(byeErr))
		}
	})
	return nil
}
