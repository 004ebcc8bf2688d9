package mixer

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/arzzra/sessiond/pkg/session"
	"github.com/pion/rtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSink struct {
	mu   sync.Mutex
	pkts []*rtp.Packet
	err  error
}

func (s *recordingSink) SendPacket(p *rtp.Packet) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.pkts = append(s.pkts, p)
	return nil
}

func (s *recordingSink) packets() []*rtp.Packet {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pkts
}

func packet(ssrc uint32, seq uint16) *rtp.Packet {
	return &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			PayloadType:    0,
			SequenceNumber: seq,
			Timestamp:      uint32(seq) * 160,
			SSRC:           ssrc,
		},
		Payload: []byte{0xff, 0xfe, 0xfd},
	}
}

func setup(t *testing.T) (*Mixer, map[session.ID]*recordingSink) {
	t.Helper()
	m := New()
	sinks := map[session.ID]*recordingSink{}
	for _, id := range []session.ID{"a", "b", "c", LocalParticipant} {
		sinks[id] = &recordingSink{}
		m.AttachSink(id, sinks[id])
	}
	require.NoError(t, m.Bind(context.Background(), "conf1", []session.ID{"a", "b", "c"}))
	return m, sinks
}

func TestForwardToOtherMembers(t *testing.T) {
	m, sinks := setup(t)

	n, err := m.Forward("a", packet(1111, 10))
	require.NoError(t, err)
	assert.Equal(t, 3, n, "b, c и локальный участник")
	assert.Empty(t, sinks["a"].packets(), "отправителю пакет не возвращается")

	got := sinks["b"].packets()
	require.Len(t, got, 1)
	assert.NotEqual(t, uint32(1111), got[0].SSRC)
	assert.Equal(t, []uint32{1111}, got[0].CSRC)
	assert.Equal(t, []byte{0xff, 0xfe, 0xfd}, got[0].Payload)
}

func TestSequenceContinuousPerReceiver(t *testing.T) {
	m, sinks := setup(t)

	_, err := m.Forward("a", packet(1111, 500))
	require.NoError(t, err)
	_, err = m.Forward("c", packet(3333, 9))
	require.NoError(t, err)

	got := sinks["b"].packets()
	require.Len(t, got, 2)
	assert.Equal(t, got[0].SequenceNumber+1, got[1].SequenceNumber)
	assert.Equal(t, got[0].SSRC, got[1].SSRC, "один исходящий поток на получателя")
}

func TestLocalParticipantDetached(t *testing.T) {
	m, sinks := setup(t)
	ctx := context.Background()

	require.NoError(t, m.SetLocal(ctx, "conf1", false))
	assert.False(t, m.LocalAttached("conf1"))

	n, err := m.Forward("a", packet(1, 1))
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Empty(t, sinks[LocalParticipant].packets())

	n, err = m.ForwardLocal("conf1", packet(2, 1))
	require.NoError(t, err)
	assert.Zero(t, n)

	require.NoError(t, m.SetLocal(ctx, "conf1", true))
	n, err = m.ForwardLocal("conf1", packet(2, 2))
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestDissolveAndRebind(t *testing.T) {
	m, _ := setup(t)
	ctx := context.Background()

	require.NoError(t, m.Bind(ctx, "conf1", []session.ID{"a", "b"}))
	members, ok := m.Members("conf1")
	require.True(t, ok)
	assert.Equal(t, []session.ID{"a", "b"}, members)

	_, err := m.Forward("c", packet(1, 1))
	assert.ErrorIs(t, err, ErrNotBound)

	require.NoError(t, m.Dissolve(ctx, "conf1"))
	require.NoError(t, m.Dissolve(ctx, "conf1"))
	_, err = m.Forward("a", packet(1, 1))
	assert.ErrorIs(t, err, ErrNotBound)
	assert.ErrorIs(t, m.SetLocal(ctx, "conf1", true), ErrUnknownConference)
}

func TestForwardRawAndSinkErrors(t *testing.T) {
	m, sinks := setup(t)
	sinks["c"].err = errors.New("socket closed")

	raw, err := packet(7, 7).Marshal()
	require.NoError(t, err)

	n, err := m.ForwardRaw("a", raw)
	assert.Error(t, err)
	assert.Equal(t, 2, n)

	_, err = m.ForwardRaw("a", []byte{0x01})
	assert.Error(t, err)

	stats := m.Stats()
	assert.Equal(t, uint64(2), stats.Forwarded)
	assert.Equal(t, uint64(2), stats.Dropped)
}
