package manager

import (
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/arzzra/sessiond/pkg/conference"
	"github.com/arzzra/sessiond/pkg/session"
	"github.com/arzzra/sessiond/pkg/signaling"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// assertMembership проверяет согласованность: каждый участник ссылается
// на конференцию, и каждая ссылка сессии указывает на ее участника
func assertMembership(t *testing.T, f *fixture) {
	t.Helper()
	for _, cid := range f.m.ConferenceList() {
		members, err := f.m.Participants(cid)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, len(members), 2, "конференция %s", cid)
		for _, id := range members {
			got, err := f.m.ConferenceOf(id)
			require.NoError(t, err)
			assert.Equal(t, cid, got)
		}
	}
	for _, id := range f.m.SessionList(testAccount) {
		cid, err := f.m.ConferenceOf(id)
		if err != nil {
			assert.ErrorIs(t, err, ErrNotInConference)
			continue
		}
		members, err := f.m.Participants(cid)
		require.NoError(t, err)
		assert.Contains(t, members, id)
	}
}

func (f *fixture) merge(t *testing.T, ids ...session.ID) conference.ID {
	t.Helper()
	cid, err := f.m.MergeSessions(f.ctx, ids)
	require.NoError(t, err)
	return cid
}

// completeAll успешно завершает обмены в полете перечисленных сессий
func (f *fixture) completeAll(t *testing.T, ids ...session.ID) {
	t.Helper()
	for _, id := range ids {
		require.NoError(t, f.m.OnNegotiationComplete(f.ctx, id, session.NegotiationResult{}))
	}
}

// Scenario A: объединение двух установленных вызовов
func TestMergeSessions(t *testing.T) {
	f := newFixture(t)
	a, b := f.outgoing(t), f.outgoing(t)

	cid := f.merge(t, a, b)
	members, err := f.m.Participants(cid)
	require.NoError(t, err)
	assert.Equal(t, []session.ID{a, b}, members)

	info, err := f.m.ConferenceInfo(cid)
	require.NoError(t, err)
	assert.Equal(t, conference.ActiveAttached, info.State)

	mix, ok := f.mixer.Mix(cid)
	require.True(t, ok)
	assert.Equal(t, []session.ID{a, b}, mix)
	assert.True(t, f.mixer.Local(cid))

	assert.Equal(t, string(cid), f.info(t, a).ConferenceID)
	assert.Equal(t, []ConferenceEventKind{ConferenceCreated}, f.rec.confKinds(cid))
	assertMembership(t, f)
}

func TestMergeSessionsValidation(t *testing.T) {
	f := newFixture(t)
	a, b, c := f.outgoing(t), f.outgoing(t), f.outgoing(t)

	_, err := f.m.MergeSessions(f.ctx, []session.ID{a, a})
	assert.ErrorIs(t, err, ErrInvalidArgument)

	_, err = f.m.MergeSessions(f.ctx, []session.ID{a, "missing"})
	assert.ErrorIs(t, err, ErrNotFound)

	f.merge(t, a, b)
	_, err = f.m.MergeSessions(f.ctx, []session.ID{c, a})
	assert.ErrorIs(t, err, ErrAlreadyInConference)
	assert.Len(t, f.m.ConferenceList(), 1)

	_, err = f.m.ConferenceOf(c)
	assert.ErrorIs(t, err, ErrNotInConference)
}

// P5: объединение целиком или никак
func TestMergeIsAtomic(t *testing.T) {
	f := newFixture(t)
	a, b := f.outgoing(t), f.outgoing(t)
	ringing, err := f.m.PlaceCall(f.ctx, testAccount, testPeer)
	require.NoError(t, err)
	require.NoError(t, f.m.OnDialogStateChanged(f.ctx, ringing, signaling.ProtocolEvent{State: signaling.ProtocolProvisional, Code: 180}))
	d := f.outgoing(t)

	_, err = f.m.MergeSessions(f.ctx, []session.ID{a, b, ringing, d})
	assert.ErrorIs(t, err, ErrInvalidState)
	assert.Equal(t, CategoryUsage, CategoryOf(err))

	assert.Empty(t, f.m.ConferenceList())
	for _, id := range []session.ID{a, b, ringing, d} {
		assert.Empty(t, f.info(t, id).ConferenceID)
	}
}

// Scenario C: конференция из одного участника распускается
func TestDetachDissolvesPair(t *testing.T) {
	f := newFixture(t)
	a, b := f.outgoing(t), f.outgoing(t)
	cid := f.merge(t, a, b)

	require.NoError(t, f.m.Detach(f.ctx, a))

	assert.Empty(t, f.m.ConferenceList())
	_, err := f.m.ConferenceInfo(cid)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = f.m.ConferenceOf(b)
	assert.ErrorIs(t, err, ErrNotInConference)

	assert.Contains(t, f.mixer.Dissolved(), cid)
	assert.Equal(t, []ConferenceEventKind{ConferenceCreated, ConferenceMemberRemoved, ConferenceDissolved}, f.rec.confKinds(cid))
	assert.Equal(t, session.StateCurrent, f.state(t, a))
	assert.Equal(t, session.StateCurrent, f.state(t, b))

	assert.ErrorIs(t, f.m.Detach(f.ctx, a), ErrNotInConference)
	assertMembership(t, f)
}

func TestDetachKeepsLargerConference(t *testing.T) {
	f := newFixture(t)
	a, b, c := f.outgoing(t), f.outgoing(t), f.outgoing(t)
	cid := f.merge(t, a, b, c)

	require.NoError(t, f.m.Detach(f.ctx, b))
	members, err := f.m.Participants(cid)
	require.NoError(t, err)
	assert.Equal(t, []session.ID{a, c}, members)

	mix, ok := f.mixer.Mix(cid)
	require.True(t, ok)
	assert.Equal(t, []session.ID{a, c}, mix)
	assertMembership(t, f)
}

func TestMemberLostLeavesConference(t *testing.T) {
	f := newFixture(t)
	a, b, c := f.outgoing(t), f.outgoing(t), f.outgoing(t)
	cid := f.merge(t, a, b, c)

	require.NoError(t, f.m.OnDialogStateChanged(f.ctx, a, signaling.ProtocolEvent{State: signaling.ProtocolTransportError}))
	members, err := f.m.Participants(cid)
	require.NoError(t, err)
	assert.Equal(t, []session.ID{b, c}, members)
	mix, _ := f.mixer.Mix(cid)
	assert.Equal(t, []session.ID{b, c}, mix)
	assert.Contains(t, f.rec.confKinds(cid), ConferenceMemberLost)

	require.NoError(t, f.m.Hangup(f.ctx, b))
	assert.Empty(t, f.m.ConferenceList())
	_, err = f.m.ConferenceOf(c)
	assert.ErrorIs(t, err, ErrNotInConference)
	assert.Equal(t, session.StateCurrent, f.state(t, c))

	kinds := f.rec.confKinds(cid)
	assert.Equal(t, ConferenceDissolved, kinds[len(kinds)-1])
	assertMembership(t, f)
}

func TestAddParticipantAndJoin(t *testing.T) {
	f := newFixture(t)
	a, b, c, d := f.outgoing(t), f.outgoing(t), f.outgoing(t), f.outgoing(t)
	first := f.merge(t, a, b)
	second := f.merge(t, c, d)

	e := f.outgoing(t)
	require.NoError(t, f.m.AddParticipant(f.ctx, e, first))
	assert.ErrorIs(t, f.m.AddParticipant(f.ctx, e, first), ErrAlreadyInConference)
	assert.ErrorIs(t, f.m.AddParticipant(f.ctx, e, "missing"), ErrNotFound)

	incoming := f.incoming(t)
	assert.ErrorIs(t, f.m.AddParticipant(f.ctx, incoming, first), ErrInvalidState)

	assert.ErrorIs(t, f.m.JoinConferences(f.ctx, first, first), ErrInvalidArgument)
	require.NoError(t, f.m.JoinConferences(f.ctx, first, second))

	assert.Equal(t, []conference.ID{first}, f.m.ConferenceList())
	members, err := f.m.Participants(first)
	require.NoError(t, err)
	assert.ElementsMatch(t, []session.ID{a, b, e, c, d}, members)

	mix, _ := f.mixer.Mix(first)
	assert.ElementsMatch(t, members, mix)
	assert.Contains(t, f.mixer.Dissolved(), second)
	assertMembership(t, f)
}

func TestHoldAndUnholdConference(t *testing.T) {
	f := newFixture(t)
	a, b := f.outgoing(t), f.outgoing(t)
	cid := f.merge(t, a, b)

	require.NoError(t, f.m.HoldConference(f.ctx, cid))
	info, err := f.m.ConferenceInfo(cid)
	require.NoError(t, err)
	assert.Equal(t, conference.Hold, info.State)
	assert.ErrorIs(t, f.m.HoldConference(f.ctx, cid), ErrInvalidState)

	f.completeAll(t, a, b)
	assert.Equal(t, session.StateHold, f.state(t, a))
	assert.Equal(t, session.StateHold, f.state(t, b))

	assert.ErrorIs(t, f.m.AttachLocal(f.ctx, cid), ErrInvalidState)

	require.NoError(t, f.m.UnholdConference(f.ctx, cid))
	f.completeAll(t, a, b)
	assert.Equal(t, session.StateCurrent, f.state(t, a))
	assert.Equal(t, session.StateCurrent, f.state(t, b))

	info, err = f.m.ConferenceInfo(cid)
	require.NoError(t, err)
	assert.Equal(t, conference.ActiveAttached, info.State)
	assert.True(t, f.mixer.Local(cid))
}

func TestHoldConferenceSkipsHeldMembers(t *testing.T) {
	f := newFixture(t)
	a, b := f.outgoing(t), f.outgoing(t)
	cid := f.merge(t, a, b)

	require.NoError(t, f.m.Hold(f.ctx, a))
	require.NoError(t, f.m.HoldConference(f.ctx, cid))
	assert.Equal(t, 1, count(f.gw.Methods(a), signaling.MethodRenegotiate))
	assert.Equal(t, 1, count(f.gw.Methods(b), signaling.MethodRenegotiate))
}

// Отказ одного участника откатывает уже отправленные запросы
func TestHoldConferenceRollback(t *testing.T) {
	f := newFixture(t)
	good := f.outgoing(t)

	f.media.SetAutoComplete(false)
	broken := f.incoming(t)
	require.NoError(t, f.m.Accept(f.ctx, broken))
	// ответ без локального описания: ре-негоциация невозможна
	require.True(t, f.media.Complete(broken, session.NegotiationResult{}))
	require.Equal(t, session.StateCurrent, f.state(t, broken))

	cid := f.merge(t, good, broken)
	err := f.m.HoldConference(f.ctx, cid)
	assert.ErrorIs(t, err, session.ErrNoMediaDescription)

	info, err := f.m.ConferenceInfo(cid)
	require.NoError(t, err)
	assert.Equal(t, conference.ActiveAttached, info.State)

	gi := f.info(t, good)
	assert.True(t, gi.PendingRenegotiation)
	assert.Equal(t, session.RequestResume, gi.Queued)

	// после hold участник сразу возвращается в Current
	f.completeAll(t, good)
	f.completeAll(t, good)
	assert.Equal(t, session.StateCurrent, f.state(t, good))
	assertMembership(t, f)
}

func TestAttachDetachLocal(t *testing.T) {
	f := newFixture(t)
	a, b := f.outgoing(t), f.outgoing(t)
	cid := f.merge(t, a, b)

	require.NoError(t, f.m.AttachLocal(f.ctx, cid))
	require.NoError(t, f.m.DetachLocal(f.ctx, cid))
	info, err := f.m.ConferenceInfo(cid)
	require.NoError(t, err)
	assert.Equal(t, conference.ActiveDetached, info.State)
	assert.False(t, f.mixer.Local(cid))

	require.NoError(t, f.m.DetachLocal(f.ctx, cid))
	require.NoError(t, f.m.AttachLocal(f.ctx, cid))
	assert.True(t, f.mixer.Local(cid))

	assert.ErrorIs(t, f.m.AttachLocal(f.ctx, "missing"), ErrNotFound)
}

func TestHangupConference(t *testing.T) {
	f := newFixture(t)
	a, b, c := f.outgoing(t), f.outgoing(t), f.outgoing(t)
	cid := f.merge(t, a, b, c)

	require.NoError(t, f.m.HangupConference(f.ctx, cid))
	assert.Empty(t, f.m.ConferenceList())
	for _, id := range []session.ID{a, b, c} {
		assert.Equal(t, session.CauseNormal, f.cause(t, id))
		assert.Equal(t, 1, count(f.gw.Methods(id), signaling.MethodHangup))
	}
	assert.Zero(t, f.m.SessionCount())
	assert.Contains(t, f.mixer.Dissolved(), cid)

	assert.ErrorIs(t, f.m.HangupConference(f.ctx, cid), ErrNotFound)
}

// Параллельные операции над пересекающимися наборами участников берут
// блокировки в одном порядке и не нарушают согласованность членства
func TestConcurrentConferenceOperations(t *testing.T) {
	f := newFixture(t)
	ids := make([]session.ID, 12)
	for i := range ids {
		ids[i] = f.outgoing(t)
	}

	const workers, rounds = 8, 400
	var applied atomic.Int64
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(seed uint64) {
			defer wg.Done()
			rnd := rand.New(rand.NewPCG(seed, 7))
			pick := func() session.ID { return ids[rnd.IntN(len(ids))] }
			conf := func() conference.ID {
				list := f.m.ConferenceList()
				if len(list) == 0 {
					return ""
				}
				return list[rnd.IntN(len(list))]
			}
			for i := 0; i < rounds; i++ {
				var err error
				switch rnd.IntN(6) {
				case 0:
					_, err = f.m.MergeSessions(f.ctx, []session.ID{pick(), pick()})
				case 1:
					err = f.m.Detach(f.ctx, pick())
				case 2:
					err = f.m.AddParticipant(f.ctx, pick(), conf())
				case 3:
					err = f.m.JoinConferences(f.ctx, conf(), conf())
				case 4:
					err = f.m.HoldConference(f.ctx, conf())
				case 5:
					err = f.m.UnholdConference(f.ctx, conf())
				}
				if err == nil {
					applied.Add(1)
				}
			}
		}(uint64(w))
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(30 * time.Second):
		t.Fatal("conference operations did not finish: lock ordering deadlock")
	}

	assert.Positive(t, applied.Load())
	assert.Equal(t, len(ids), f.m.SessionCount())
	assertMembership(t, f)
}
