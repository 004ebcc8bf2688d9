package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func newTestCollector() *Collector {
	cfg := DefaultConfig()
	cfg.Registerer = prometheus.NewRegistry()
	return New(cfg)
}

func TestCollectorSessions(t *testing.T) {
	c := newTestCollector()

	c.SessionCreated("SIP", "outgoing")
	c.SessionCreated("SIP", "incoming")
	c.Transition("IDLE", "CONNECTING")
	c.SessionEnded("Normal", 3*time.Second)

	assert.Equal(t, float64(1), testutil.ToFloat64(c.sessionsActive))
	assert.Equal(t, float64(1), testutil.ToFloat64(c.sessionsTotal.WithLabelValues("SIP", "outgoing")))
	assert.Equal(t, float64(1), testutil.ToFloat64(c.stateTransitions.WithLabelValues("IDLE", "CONNECTING")))
	assert.Equal(t, float64(1), testutil.ToFloat64(c.sessionsEnded.WithLabelValues("Normal")))
	assert.Equal(t, 1, testutil.CollectAndCount(c.sessionDuration))
}

func TestCollectorConferences(t *testing.T) {
	c := newTestCollector()

	c.ConferenceCreated()
	c.ConferenceCreated()
	c.ConferenceRemoved()
	c.ConferenceOp("merge", nil)
	c.ConferenceOp("hold", errors.New("rollback"))
	c.LateEvent()
	c.Glare()
	c.QueuedDropped()
	c.Negotiation("local_hold")

	assert.Equal(t, float64(1), testutil.ToFloat64(c.conferencesActive))
	assert.Equal(t, float64(1), testutil.ToFloat64(c.conferenceOps.WithLabelValues("merge", "ok")))
	assert.Equal(t, float64(1), testutil.ToFloat64(c.conferenceOps.WithLabelValues("hold", "error")))
	assert.Equal(t, float64(1), testutil.ToFloat64(c.lateEventsTotal))
	assert.Equal(t, float64(1), testutil.ToFloat64(c.glareTotal))
	assert.Equal(t, float64(1), testutil.ToFloat64(c.renegotiations.WithLabelValues("local_hold")))
}

func TestDisabledCollectorIsSafe(t *testing.T) {
	var nilCollector *Collector
	nilCollector.SessionCreated("SIP", "outgoing")
	nilCollector.LateEvent()

	c := New(Config{Enabled: false})
	c.ConferenceOp("merge", nil)
	c.SessionEnded("Normal", time.Second)
}
