package manager

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/arzzra/sessiond/pkg/conference"
	"github.com/arzzra/sessiond/pkg/metrics"
	"github.com/arzzra/sessiond/pkg/sdpmedia"
	"github.com/arzzra/sessiond/pkg/session"
	"github.com/arzzra/sessiond/pkg/signaling"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testAccount = session.AccountID("acc-sip")
	testPeer    = "sip:bob@example.com"
)

var sendOnlyOffer = []byte(strings.Replace(string(signaling.DefaultOffer), "a=sendrecv", "a=sendonly", 1))

// recorder запоминает уведомления менеджера
type recorder struct {
	mu       sync.Mutex
	sessions []SessionEvent
	confs    []ConferenceEvent
}

func (r *recorder) OnSessionStateChanged(ev SessionEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions = append(r.sessions, ev)
}

func (r *recorder) OnConferenceChanged(ev ConferenceEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.confs = append(r.confs, ev)
}

// transitions возвращает переходы сессии в виде пар old->new
func (r *recorder) transitions(id session.ID) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, ev := range r.sessions {
		if ev.Session == id {
			out = append(out, ev.Old.String()+"->"+ev.New.String())
		}
	}
	return out
}

func (r *recorder) confKinds(id conference.ID) []ConferenceEventKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []ConferenceEventKind
	for _, ev := range r.confs {
		if ev.Conference == id {
			out = append(out, ev.Kind)
		}
	}
	return out
}

type fixture struct {
	m     *Manager
	gw    *signaling.MemoryGateway
	media *signaling.MemoryMedia
	mixer *signaling.MemoryMixer
	rec   *recorder
	ctx   context.Context
}

func newFixture(t *testing.T, tune ...func(*Config)) *fixture {
	t.Helper()
	cfg := DefaultConfig()
	cfg.RingTimeout = 0
	cfg.NegotiationTimeout = 0
	for _, fn := range tune {
		fn(&cfg)
	}

	f := &fixture{
		gw:    signaling.NewMemoryGateway(),
		media: signaling.NewMemoryMedia(),
		mixer: signaling.NewMemoryMixer(),
		rec:   &recorder{},
		ctx:   context.Background(),
	}
	f.media.SetAutoComplete(true)

	m, err := New(cfg, Deps{
		Media:   f.media,
		Mixer:   f.mixer,
		Metrics: metrics.New(metrics.Config{Enabled: true, Namespace: "test", Registerer: prometheus.NewRegistry()}),
	})
	require.NoError(t, err)
	require.NoError(t, m.RegisterAccount(Account{ID: testAccount, Kind: session.KindSIP, Gateway: f.gw}))
	m.Subscribe(f.rec)
	f.m = m
	return f
}

// outgoing доводит исходящий вызов до Current
func (f *fixture) outgoing(t *testing.T) session.ID {
	t.Helper()
	id, err := f.m.PlaceCall(f.ctx, testAccount, testPeer)
	require.NoError(t, err)
	require.NoError(t, f.m.OnDialogStateChanged(f.ctx, id, signaling.ProtocolEvent{State: signaling.ProtocolAnswered, Code: 200, SDP: signaling.DefaultOffer}))
	if f.media.Pending(id) {
		require.True(t, f.media.CompleteOK(id))
	}
	require.Equal(t, session.StateCurrent, f.state(t, id))
	return id
}

// incoming регистрирует входящий вызов
func (f *fixture) incoming(t *testing.T) session.ID {
	t.Helper()
	id, err := f.m.OnIncoming(f.ctx, signaling.IncomingCall{
		AccountID: testAccount,
		Kind:      session.KindSIP,
		PeerURI:   "sip:alice@example.com",
		Offer:     signaling.DefaultOffer,
	})
	require.NoError(t, err)
	return id
}

func (f *fixture) state(t *testing.T, id session.ID) session.State {
	t.Helper()
	info, err := f.m.SessionInfo(id)
	require.NoError(t, err)
	return info.State
}

func (f *fixture) info(t *testing.T, id session.ID) session.Info {
	t.Helper()
	info, err := f.m.SessionInfo(id)
	require.NoError(t, err)
	return info
}

func (f *fixture) cause(t *testing.T, id session.ID) session.Cause {
	t.Helper()
	tomb, ok := f.m.Ended(id)
	require.True(t, ok, "сессия %s должна быть завершена", id)
	return tomb.Cause
}

func count(methods []string, method string) int {
	n := 0
	for _, m := range methods {
		if m == method {
			n++
		}
	}
	return n
}

func TestNewRequiresMedia(t *testing.T) {
	_, err := New(DefaultConfig(), Deps{})
	assert.Error(t, err)
}

func TestPlaceCallFlow(t *testing.T) {
	f := newFixture(t)

	id, err := f.m.PlaceCall(f.ctx, testAccount, testPeer)
	require.NoError(t, err)
	assert.Equal(t, session.StateConnecting, f.state(t, id))

	call, ok := f.gw.Last(id, signaling.MethodInvite)
	require.True(t, ok)
	assert.Equal(t, testPeer, call.Peer)
	assert.Equal(t, signaling.DefaultOffer, call.SDP)

	require.NoError(t, f.m.OnDialogStateChanged(f.ctx, id, signaling.ProtocolEvent{State: signaling.ProtocolProvisional, Code: 180}))
	assert.Equal(t, session.StateRinging, f.state(t, id))

	require.NoError(t, f.m.OnDialogStateChanged(f.ctx, id, signaling.ProtocolEvent{State: signaling.ProtocolPeerIdentity, Peer: "sip:robert@example.com"}))
	assert.Equal(t, "sip:robert@example.com", f.info(t, id).PeerURI)

	require.NoError(t, f.m.OnDialogStateChanged(f.ctx, id, signaling.ProtocolEvent{State: signaling.ProtocolAnswered, Code: 200, SDP: signaling.DefaultOffer}))
	info := f.info(t, id)
	assert.Equal(t, session.StateCurrent, info.State)
	assert.Equal(t, session.MediaActive, info.MediaState)
	assert.False(t, info.PendingRenegotiation)

	reqs := f.media.Requests(id)
	require.Len(t, reqs, 1)
	assert.Equal(t, session.NegotiationApplyAnswer, reqs[0].Kind)
	assert.Equal(t, signaling.DefaultOffer, reqs[0].Local)

	assert.Equal(t, []string{"IDLE->CONNECTING", "CONNECTING->RINGING", "RINGING->CURRENT"}, f.rec.transitions(id))
	assert.Equal(t, []session.ID{id}, f.m.SessionList(testAccount))
	assert.Equal(t, []session.ID{id}, f.m.SessionsOf(session.KindSIP))
	assert.Empty(t, f.m.SessionsOf(session.KindP2P))
}

func TestPlaceCallUsageErrors(t *testing.T) {
	f := newFixture(t)

	_, err := f.m.PlaceCall(f.ctx, "nobody", testPeer)
	assert.ErrorIs(t, err, ErrUnknownAccount)
	assert.Equal(t, CategoryUsage, CategoryOf(err))

	_, err = f.m.PlaceCall(f.ctx, testAccount, "  ")
	assert.ErrorIs(t, err, ErrInvalidArgument)
	assert.Zero(t, f.m.SessionCount())
}

func TestPlaceCallResourceExhausted(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.MaxSessions = 1 })

	_, err := f.m.PlaceCall(f.ctx, testAccount, testPeer)
	require.NoError(t, err)
	_, err = f.m.PlaceCall(f.ctx, testAccount, testPeer)
	assert.ErrorIs(t, err, ErrResourceExhausted)

	var me *Error
	require.ErrorAs(t, err, &me)
	assert.Equal(t, "PlaceCall", me.Op)
}

func TestUniqueIDsUnderConcurrency(t *testing.T) {
	f := newFixture(t)
	const n = 64

	var (
		mu  sync.Mutex
		ids = make(map[session.ID]struct{}, n)
		wg  sync.WaitGroup
	)
	for range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id, err := f.m.PlaceCall(f.ctx, testAccount, testPeer)
			assert.NoError(t, err)
			mu.Lock()
			ids[id] = struct{}{}
			mu.Unlock()
		}()
	}
	wg.Wait()
	assert.Len(t, ids, n)
	assert.Equal(t, n, f.m.SessionCount())
}

func TestIncomingAcceptFlow(t *testing.T) {
	f := newFixture(t)
	id := f.incoming(t)
	assert.Equal(t, session.StateIncoming, f.state(t, id))

	require.NoError(t, f.m.Accept(f.ctx, id))
	assert.Equal(t, session.StateCurrent, f.state(t, id))

	call, ok := f.gw.Last(id, signaling.MethodAnswer)
	require.True(t, ok)
	assert.Equal(t, signaling.DefaultOffer, call.SDP)
	assert.Equal(t, []string{"IDLE->INCOMING", "INCOMING->RINGING", "RINGING->CURRENT"}, f.rec.transitions(id))

	assert.ErrorIs(t, f.m.Accept(f.ctx, id), ErrInvalidState)
}

func TestIncomingMalformedOfferCreatesNoSession(t *testing.T) {
	f := newFixture(t)

	_, err := f.m.OnIncoming(f.ctx, signaling.IncomingCall{AccountID: testAccount, PeerURI: "alice", Offer: []byte("garbage")})
	assert.ErrorIs(t, err, ErrMalformedOffer)
	assert.Equal(t, CategoryProtocol, CategoryOf(err))
	assert.Zero(t, f.m.SessionCount())

	_, err = f.m.OnIncoming(f.ctx, signaling.IncomingCall{AccountID: "nobody", Offer: signaling.DefaultOffer})
	assert.ErrorIs(t, err, ErrUnknownAccount)
}

func TestRejectIncoming(t *testing.T) {
	f := newFixture(t)
	id := f.incoming(t)

	require.NoError(t, f.m.Reject(f.ctx, id))
	call, ok := f.gw.Last(id, signaling.MethodReject)
	require.True(t, ok)
	assert.Equal(t, 603, call.Code)
	assert.Equal(t, session.CauseRejected, f.cause(t, id))
	assert.Contains(t, f.media.Released(), id)
}

// P2: Over поглощающее состояние, повторный hangup дает InvalidState
func TestHangupTwice(t *testing.T) {
	f := newFixture(t)
	id := f.outgoing(t)

	require.NoError(t, f.m.Hangup(f.ctx, id))
	assert.Equal(t, session.CauseNormal, f.cause(t, id))

	err := f.m.Hangup(f.ctx, id)
	assert.ErrorIs(t, err, ErrInvalidState)
	assert.Equal(t, session.CauseNormal, f.cause(t, id))
	assert.Equal(t, 1, count(f.gw.Methods(id), signaling.MethodHangup))

	_, err = f.m.SessionInfo(id)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Zero(t, f.m.SessionCount())
}

// Scenario D: событие для завершенной сессии не воскрешает ее
func TestLateDialogEventIgnored(t *testing.T) {
	f := newFixture(t)
	id := f.outgoing(t)
	require.NoError(t, f.m.Hangup(f.ctx, id))

	err := f.m.OnDialogStateChanged(f.ctx, id, signaling.ProtocolEvent{State: signaling.ProtocolTerminated})
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = f.m.OnReceiveReinvite(f.ctx, id, signaling.DefaultOffer)
	assert.ErrorIs(t, err, ErrNotFound)

	assert.Zero(t, f.m.SessionCount())
	assert.Equal(t, session.CauseNormal, f.cause(t, id))

	err = f.m.OnDialogStateChanged(f.ctx, "never-existed", signaling.ProtocolEvent{State: signaling.ProtocolTerminated})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRemoteEndCauses(t *testing.T) {
	f := newFixture(t)

	busy, err := f.m.PlaceCall(f.ctx, testAccount, testPeer)
	require.NoError(t, err)
	require.NoError(t, f.m.OnDialogStateChanged(f.ctx, busy, signaling.ProtocolEvent{State: signaling.ProtocolBusy, Code: 486}))
	assert.Equal(t, session.CauseBusy, f.cause(t, busy))
	assert.Equal(t, []string{"IDLE->CONNECTING", "CONNECTING->BUSY", "BUSY->OVER"}, f.rec.transitions(busy))

	rejected, err := f.m.PlaceCall(f.ctx, testAccount, testPeer)
	require.NoError(t, err)
	require.NoError(t, f.m.OnDialogStateChanged(f.ctx, rejected, signaling.ProtocolEvent{State: signaling.ProtocolRejected, Code: 603}))
	assert.Equal(t, session.CauseRejected, f.cause(t, rejected))

	lost := f.outgoing(t)
	require.NoError(t, f.m.OnDialogStateChanged(f.ctx, lost, signaling.ProtocolEvent{State: signaling.ProtocolTransportError}))
	assert.Equal(t, session.CauseNetworkFailure, f.cause(t, lost))
	assert.Empty(t, f.gw.Methods(lost)[1:], "после обрыва транспорта сигнализация не отправляется")
}

func TestGatewayFailureEndsSession(t *testing.T) {
	f := newFixture(t)
	f.gw.FailOn(signaling.MethodInvite, errors.New("no route"))

	id, err := f.m.PlaceCall(f.ctx, testAccount, testPeer)
	require.NoError(t, err)
	assert.Equal(t, session.CauseNetworkFailure, f.cause(t, id))
}

// Scenario B и P4: второй запрос ждет завершения первого обмена
func TestHoldThenQueuedUnhold(t *testing.T) {
	f := newFixture(t)
	id := f.outgoing(t)

	require.NoError(t, f.m.Hold(f.ctx, id))
	info := f.info(t, id)
	assert.Equal(t, session.StateCurrent, info.State)
	assert.True(t, info.PendingRenegotiation)

	offer, ok := f.gw.Last(id, signaling.MethodRenegotiate)
	require.True(t, ok)
	assert.Contains(t, string(offer.SDP), "a=sendonly")

	require.NoError(t, f.m.Unhold(f.ctx, id))
	assert.Equal(t, session.RequestResume, f.info(t, id).Queued)
	assert.Equal(t, 1, count(f.gw.Methods(id), signaling.MethodRenegotiate), "два обмена одновременно недопустимы")

	require.NoError(t, f.m.OnNegotiationComplete(f.ctx, id, session.NegotiationResult{}))
	info = f.info(t, id)
	assert.Equal(t, session.StateHold, info.State)
	assert.True(t, info.PendingRenegotiation, "отложенный unhold отправлен")
	assert.Equal(t, session.RequestNone, info.Queued)
	assert.Equal(t, 2, count(f.gw.Methods(id), signaling.MethodRenegotiate))

	require.NoError(t, f.m.OnNegotiationComplete(f.ctx, id, session.NegotiationResult{}))
	assert.Equal(t, session.StateCurrent, f.state(t, id))

	assert.ErrorIs(t, f.m.OnNegotiationComplete(f.ctx, id, session.NegotiationResult{}), session.ErrNoNegotiation)
}

func TestRenegotiatedAnswerCompletesHold(t *testing.T) {
	f := newFixture(t)
	id := f.outgoing(t)

	require.NoError(t, f.m.Hold(f.ctx, id))
	require.NoError(t, f.m.OnDialogStateChanged(f.ctx, id, signaling.ProtocolEvent{
		State: signaling.ProtocolRenegotiated, Code: 200, SDP: signaling.DefaultOffer,
	}))
	info := f.info(t, id)
	assert.Equal(t, session.StateHold, info.State)
	assert.Equal(t, session.MediaHeld, info.MediaState)

	reqs := f.media.Requests(id)
	require.NotEmpty(t, reqs)
	last := reqs[len(reqs)-1]
	assert.Equal(t, session.NegotiationLocalHold, last.Kind)
	assert.Contains(t, string(last.Local), "a=sendonly")

	require.NoError(t, f.m.Unhold(f.ctx, id))
	require.NoError(t, f.m.OnDialogStateChanged(f.ctx, id, signaling.ProtocolEvent{
		State: signaling.ProtocolRenegotiationFailed, Code: 488, Reason: "Not Acceptable Here",
	}))
	assert.Equal(t, session.CauseNegotiationFailure, f.cause(t, id))
}

func TestHangupDeferredDuringNegotiation(t *testing.T) {
	f := newFixture(t)
	id := f.outgoing(t)

	require.NoError(t, f.m.Hold(f.ctx, id))
	require.NoError(t, f.m.Hangup(f.ctx, id))
	assert.Equal(t, session.StateCurrent, f.state(t, id), "hangup ждет завершения обмена")

	require.NoError(t, f.m.OnNegotiationComplete(f.ctx, id, session.NegotiationResult{}))
	assert.Equal(t, session.CauseNormal, f.cause(t, id))
	assert.Equal(t, 1, count(f.gw.Methods(id), signaling.MethodHangup))
}

func TestRemoteReinviteAccepted(t *testing.T) {
	f := newFixture(t)
	id := f.outgoing(t)

	v, err := f.m.OnReceiveReinvite(f.ctx, id, sendOnlyOffer)
	require.NoError(t, err)
	assert.True(t, v.Accept)

	info := f.info(t, id)
	assert.True(t, info.RemoteHold)
	assert.Equal(t, session.MediaHeld, info.MediaState)
	assert.Equal(t, session.StateCurrent, info.State)

	_, ok := f.gw.Last(id, signaling.MethodAnswerRenegotiation)
	assert.True(t, ok)
}

func TestRemoteReinviteGlare(t *testing.T) {
	f := newFixture(t)
	id := f.outgoing(t)
	require.NoError(t, f.m.Hold(f.ctx, id))

	v, err := f.m.OnReceiveReinvite(f.ctx, id, signaling.DefaultOffer)
	require.NoError(t, err)
	assert.False(t, v.Accept)
	assert.Equal(t, 491, v.Code)

	info := f.info(t, id)
	assert.True(t, info.PendingRenegotiation)
	assert.False(t, info.RemoteHold)
}

func TestMalformedReinviteEndsSession(t *testing.T) {
	f := newFixture(t)
	id := f.outgoing(t)

	v, err := f.m.OnReceiveReinvite(f.ctx, id, []byte("garbage"))
	assert.ErrorIs(t, err, ErrMalformedOffer)
	assert.Equal(t, 488, v.Code)
	assert.Equal(t, session.CauseNegotiationFailure, f.cause(t, id))
	assert.Equal(t, 1, count(f.gw.Methods(id), signaling.MethodHangup))
}

func TestBlindAndAttendedTransfer(t *testing.T) {
	f := newFixture(t)
	a, b, c := f.outgoing(t), f.outgoing(t), f.outgoing(t)

	assert.ErrorIs(t, f.m.Transfer(f.ctx, a, ""), ErrInvalidArgument)
	require.NoError(t, f.m.Transfer(f.ctx, a, "sip:carol@example.com"))
	call, ok := f.gw.Last(a, signaling.MethodTransfer)
	require.True(t, ok)
	assert.Equal(t, "sip:carol@example.com", call.Target)
	assert.Equal(t, session.CauseTransferred, f.cause(t, a))

	assert.ErrorIs(t, f.m.AttendedTransfer(f.ctx, b, b), ErrInvalidArgument)
	assert.ErrorIs(t, f.m.AttendedTransfer(f.ctx, b, a), ErrNotFound)
	require.NoError(t, f.m.AttendedTransfer(f.ctx, b, c))
	call, ok = f.gw.Last(b, signaling.MethodAttendedTransfer)
	require.True(t, ok)
	assert.Equal(t, string(c), call.Target)
	assert.Equal(t, session.CauseTransferred, f.cause(t, b))
	assert.Equal(t, session.StateCurrent, f.state(t, c))
}

func TestTransferRequestedPlacesNewCall(t *testing.T) {
	f := newFixture(t)
	id := f.outgoing(t)

	newID, err := f.m.OnTransferRequested(f.ctx, id, "sip:carol@example.com")
	require.NoError(t, err)
	assert.NotEqual(t, id, newID)

	assert.Equal(t, session.CauseTransferred, f.cause(t, id))
	assert.Equal(t, 1, count(f.gw.Methods(id), signaling.MethodHangup))

	call, ok := f.gw.Last(newID, signaling.MethodInvite)
	require.True(t, ok)
	assert.Equal(t, "sip:carol@example.com", call.Peer)
	assert.Equal(t, session.StateConnecting, f.state(t, newID))

	ringing, err := f.m.PlaceCall(f.ctx, testAccount, testPeer)
	require.NoError(t, err)
	_, err = f.m.OnTransferRequested(f.ctx, ringing, "sip:carol@example.com")
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestRingTimeout(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.RingTimeout = 30 * time.Millisecond })

	id, err := f.m.PlaceCall(f.ctx, testAccount, testPeer)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, ok := f.m.Ended(id)
		return ok
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, session.CauseTimeout, f.cause(t, id))
	assert.Equal(t, 1, count(f.gw.Methods(id), signaling.MethodHangup))
}

func TestNegotiationTimeout(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.NegotiationTimeout = 30 * time.Millisecond })
	f.media.SetAutoComplete(false)
	id := f.incoming(t)
	require.NoError(t, f.m.Accept(f.ctx, id))

	require.Eventually(t, func() bool {
		_, ok := f.m.Ended(id)
		return ok
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, session.CauseTimeout, f.cause(t, id))
	call, ok := f.gw.Last(id, signaling.MethodReject)
	require.True(t, ok)
	assert.Equal(t, 488, call.Code)
}

func TestDispatchRepliesAndTimersThroughQueue(t *testing.T) {
	f := newFixture(t)

	var got session.ID
	f.m.Dispatch(f.ctx, signaling.IncomingEvent{
		Call:  signaling.IncomingCall{AccountID: testAccount, PeerURI: "alice", Offer: signaling.DefaultOffer, Key: "call-1"},
		Reply: func(id session.ID, err error) { require.NoError(t, err); got = id },
	})
	require.NotEmpty(t, got)
	require.NoError(t, f.m.Accept(f.ctx, got))

	var verdict signaling.Verdict
	f.m.Dispatch(f.ctx, signaling.ReinviteEvent{
		Session: got,
		Offer:   signaling.DefaultOffer,
		Reply:   func(v signaling.Verdict, err error) { verdict = v },
	})
	assert.True(t, verdict.Accept)

	f.m.Dispatch(f.ctx, signaling.DialogEvent{Session: got, Event: signaling.ProtocolEvent{State: signaling.ProtocolTerminated}})
	assert.Equal(t, session.CauseNormal, f.cause(t, got))
}

func negotiationKinds(reqs []signaling.NegotiationRequest) []session.NegotiationKind {
	out := make([]session.NegotiationKind, 0, len(reqs))
	for _, r := range reqs {
		out = append(out, r.Kind)
	}
	return out
}

func TestIncomingWithoutOfferAnswersWithOwnOffer(t *testing.T) {
	f := newFixture(t)
	id, err := f.m.OnIncoming(f.ctx, signaling.IncomingCall{AccountID: testAccount, Kind: session.KindSIP, PeerURI: "sip:alice@example.com"})
	require.NoError(t, err)

	require.NoError(t, f.m.Accept(f.ctx, id))
	info := f.info(t, id)
	assert.Equal(t, session.StateCurrent, info.State)
	assert.True(t, info.PendingRenegotiation, "answer ожидается в ACK")

	call, ok := f.gw.Last(id, signaling.MethodAnswer)
	require.True(t, ok)
	assert.Equal(t, signaling.DefaultOffer, call.SDP)
	assert.Zero(t, count(f.gw.Methods(id), signaling.MethodReject))

	require.NoError(t, f.m.OnDialogStateChanged(f.ctx, id, signaling.ProtocolEvent{State: signaling.ProtocolAcked, SDP: signaling.DefaultOffer}))
	info = f.info(t, id)
	assert.False(t, info.PendingRenegotiation)
	assert.Equal(t, session.MediaActive, info.MediaState)
	assert.Equal(t, []session.NegotiationKind{session.NegotiationLocalOffer, session.NegotiationAckAnswer}, negotiationKinds(f.media.Requests(id)))

	// ACK вне ожидания answer ничего не меняет
	require.NoError(t, f.m.OnDialogStateChanged(f.ctx, id, signaling.ProtocolEvent{State: signaling.ProtocolAcked}))
	assert.Equal(t, session.StateCurrent, f.state(t, id))
}

func TestAckWithoutAnswerEndsSession(t *testing.T) {
	f := newFixture(t)
	id, err := f.m.OnIncoming(f.ctx, signaling.IncomingCall{AccountID: testAccount, PeerURI: "sip:alice@example.com"})
	require.NoError(t, err)
	require.NoError(t, f.m.Accept(f.ctx, id))

	require.NoError(t, f.m.OnDialogStateChanged(f.ctx, id, signaling.ProtocolEvent{State: signaling.ProtocolAcked}))
	assert.Equal(t, session.CauseNegotiationFailure, f.cause(t, id))
	assert.Equal(t, 1, count(f.gw.Methods(id), signaling.MethodHangup))
}

func TestReinviteWithoutOffer(t *testing.T) {
	f := newFixture(t)
	id := f.outgoing(t)

	v, err := f.m.OnReceiveReinvite(f.ctx, id, nil)
	require.NoError(t, err)
	assert.True(t, v.Accept)
	assert.Equal(t, 200, v.Code)

	call, ok := f.gw.Last(id, signaling.MethodAnswerRenegotiation)
	require.True(t, ok)
	assert.Contains(t, string(call.SDP), "a=sendrecv")
	assert.True(t, f.info(t, id).PendingRenegotiation)

	require.NoError(t, f.m.OnDialogStateChanged(f.ctx, id, signaling.ProtocolEvent{State: signaling.ProtocolAcked, SDP: sendOnlyOffer}))
	info := f.info(t, id)
	assert.Equal(t, session.StateCurrent, info.State)
	assert.True(t, info.RemoteHold)
	assert.Equal(t, session.MediaHeld, info.MediaState)
	assert.False(t, info.PendingRenegotiation)
	assert.Zero(t, count(f.gw.Methods(id), signaling.MethodHangup))
}

func TestMalformedAckAnswerEndsSession(t *testing.T) {
	f := newFixture(t)
	id := f.outgoing(t)
	_, err := f.m.OnReceiveReinvite(f.ctx, id, nil)
	require.NoError(t, err)

	err = f.m.OnDialogStateChanged(f.ctx, id, signaling.ProtocolEvent{State: signaling.ProtocolAcked, SDP: []byte("garbage")})
	assert.ErrorIs(t, err, ErrMalformedOffer)
	assert.Equal(t, session.CauseNegotiationFailure, f.cause(t, id))
}

func TestOfferlessInviteWithNegotiator(t *testing.T) {
	mediaCfg := sdpmedia.DefaultConfig()
	mediaCfg.Address = "192.0.2.10"
	neg, err := sdpmedia.NewNegotiator(mediaCfg)
	require.NoError(t, err)

	cfg := DefaultConfig()
	cfg.RingTimeout = 0
	cfg.NegotiationTimeout = 0
	m, err := New(cfg, Deps{Media: neg, Mixer: signaling.NewMemoryMixer()})
	require.NoError(t, err)
	gw := signaling.NewMemoryGateway()
	require.NoError(t, m.RegisterAccount(Account{ID: testAccount, Kind: session.KindSIP, Gateway: gw}))
	ctx := context.Background()

	id, err := m.OnIncoming(ctx, signaling.IncomingCall{AccountID: testAccount, PeerURI: "sip:alice@example.com"})
	require.NoError(t, err)
	require.NoError(t, m.Accept(ctx, id))

	call, ok := gw.Last(id, signaling.MethodAnswer)
	require.True(t, ok, "200 OK должен нести собственный offer")
	require.NoError(t, sdpmedia.Validate(call.SDP))
	require.NoError(t, m.OnDialogStateChanged(ctx, id, signaling.ProtocolEvent{State: signaling.ProtocolAcked, SDP: signaling.DefaultOffer}))

	v, err := m.OnReceiveReinvite(ctx, id, nil)
	require.NoError(t, err)
	assert.True(t, v.Accept)
	reoffer, ok := gw.Last(id, signaling.MethodAnswerRenegotiation)
	require.True(t, ok)
	require.NoError(t, sdpmedia.Validate(reoffer.SDP))
	require.NoError(t, m.OnDialogStateChanged(ctx, id, signaling.ProtocolEvent{State: signaling.ProtocolAcked, SDP: signaling.DefaultOffer}))

	info, err := m.SessionInfo(id)
	require.NoError(t, err)
	assert.Equal(t, session.StateCurrent, info.State)
	assert.Equal(t, session.MediaActive, info.MediaState)
	assert.Equal(t, []string{signaling.MethodAnswer, signaling.MethodAnswerRenegotiation}, gw.Methods(id))
}
