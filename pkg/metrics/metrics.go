package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Config конфигурация системы метрик
type Config struct {
	// Enabled включает/выключает сбор метрик
	Enabled bool `yaml:"enabled"`
	// Namespace префикс для Prometheus метрик
	Namespace string `yaml:"namespace"`
	// Subsystem подсистема для Prometheus метрик
	Subsystem string `yaml:"subsystem"`
	// Registerer куда регистрировать метрики (по умолчанию глобальный реестр)
	Registerer prometheus.Registerer `yaml:"-"`
}

// DefaultConfig возвращает конфигурацию по умолчанию
func DefaultConfig() Config {
	return Config{
		Enabled:   true,
		Namespace: "sessiond",
		Subsystem: "manager",
	}
}

// Collector собирает метрики сессий и конференций.
// Нулевой или выключенный Collector безопасен и ничего не делает.
type Collector struct {
	enabled bool

	sessionsActive     prometheus.Gauge
	sessionsTotal      *prometheus.CounterVec
	stateTransitions   *prometheus.CounterVec
	sessionsEnded      *prometheus.CounterVec
	sessionDuration    prometheus.Histogram
	conferencesActive  prometheus.Gauge
	conferenceOps      *prometheus.CounterVec
	renegotiations     *prometheus.CounterVec
	glareTotal         prometheus.Counter
	lateEventsTotal    prometheus.Counter
	queuedDroppedTotal prometheus.Counter
}

// New создает сборщик метрик
func New(cfg Config) *Collector {
	if !cfg.Enabled {
		return &Collector{}
	}
	reg := cfg.Registerer
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	ns, sub := cfg.Namespace, cfg.Subsystem

	return &Collector{
		enabled: true,
		sessionsActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: ns, Subsystem: sub,
			Name: "sessions_active",
			Help: "Number of live sessions",
		}),
		sessionsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub,
			Name: "sessions_total",
			Help: "Total number of sessions created",
		}, []string{"kind", "direction"}),
		stateTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub,
			Name: "state_transitions_total",
			Help: "Session state transitions",
		}, []string{"from", "to"}),
		sessionsEnded: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub,
			Name: "sessions_ended_total",
			Help: "Sessions that reached OVER by cause",
		}, []string{"cause"}),
		sessionDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: ns, Subsystem: sub,
			Name:    "session_duration_seconds",
			Help:    "Connected duration of ended sessions",
			Buckets: []float64{1, 5, 15, 30, 60, 180, 600, 1800, 3600},
		}),
		conferencesActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: ns, Subsystem: sub,
			Name: "conferences_active",
			Help: "Number of live conferences",
		}),
		conferenceOps: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub,
			Name: "conference_operations_total",
			Help: "Conference operations by result",
		}, []string{"op", "result"}),
		renegotiations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub,
			Name: "negotiations_total",
			Help: "Offer/answer exchanges started by kind",
		}, []string{"kind"}),
		glareTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub,
			Name: "glare_total",
			Help: "Remote re-offers rejected because an exchange was in flight",
		}),
		lateEventsTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub,
			Name: "late_events_total",
			Help: "Protocol events for already ended sessions",
		}),
		queuedDroppedTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub,
			Name: "queued_requests_dropped_total",
			Help: "Queued hold/resume requests dropped on flush",
		}),
	}
}

func (c *Collector) on() bool { return c != nil && c.enabled }

// SessionCreated новая сессия
func (c *Collector) SessionCreated(kind, direction string) {
	if !c.on() {
		return
	}
	c.sessionsActive.Inc()
	c.sessionsTotal.WithLabelValues(kind, direction).Inc()
}

// Transition переход состояния
func (c *Collector) Transition(from, to string) {
	if !c.on() {
		return
	}
	c.stateTransitions.WithLabelValues(from, to).Inc()
}

// SessionEnded сессия завершена
func (c *Collector) SessionEnded(cause string, connected time.Duration) {
	if !c.on() {
		return
	}
	c.sessionsActive.Dec()
	c.sessionsEnded.WithLabelValues(cause).Inc()
	if connected > 0 {
		c.sessionDuration.Observe(connected.Seconds())
	}
}

// ConferenceCreated создана конференция
func (c *Collector) ConferenceCreated() {
	if c.on() {
		c.conferencesActive.Inc()
	}
}

// ConferenceRemoved конференция распущена
func (c *Collector) ConferenceRemoved() {
	if c.on() {
		c.conferencesActive.Dec()
	}
}

// ConferenceOp результат операции над конференцией
func (c *Collector) ConferenceOp(op string, err error) {
	if !c.on() {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	c.conferenceOps.WithLabelValues(op, result).Inc()
}

// Negotiation начат обмен offer/answer
func (c *Collector) Negotiation(kind string) {
	if c.on() {
		c.renegotiations.WithLabelValues(kind).Inc()
	}
}

// Glare встречный re-INVITE отклонен
func (c *Collector) Glare() {
	if c.on() {
		c.glareTotal.Inc()
	}
}

// LateEvent событие для завершенной сессии
func (c *Collector) LateEvent() {
	if c.on() {
		c.lateEventsTotal.Inc()
	}
}

// QueuedDropped отложенный запрос отброшен
func (c *Collector) QueuedDropped() {
	if c.on() {
		c.queuedDroppedTotal.Inc()
	}
}
