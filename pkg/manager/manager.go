// Package manager реализует менеджер сессий вызовов и конференций.
//
// Manager владеет реестрами сессий и конференций, ведет каждую сессию по
// протокольно-независимому автомату состояний и связывает ее с внешними
// участниками: сигнальным шлюзом аккаунта, медиа-конвейером и микшером.
// Все исходящие действия собираются под блокировками и выполняются после
// их освобождения.
package manager

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/arzzra/sessiond/pkg/conference"
	"github.com/arzzra/sessiond/pkg/logger"
	"github.com/arzzra/sessiond/pkg/metrics"
	"github.com/arzzra/sessiond/pkg/registry"
	"github.com/arzzra/sessiond/pkg/session"
	"github.com/arzzra/sessiond/pkg/signaling"
	"github.com/google/uuid"
)

// Config параметры менеджера
type Config struct {
	// MaxSessions лимит одновременных сессий (0 - без ограничения)
	MaxSessions int
	// GraveyardSize и GraveyardTTL ограничивают область завершенных сессий
	GraveyardSize int
	GraveyardTTL  time.Duration
	// RingTimeout ожидание ответа на вызов
	RingTimeout time.Duration
	// NegotiationTimeout ожидание завершения offer/answer
	NegotiationTimeout time.Duration
	// SweepInterval период очистки области завершенных сессий
	SweepInterval time.Duration
}

// DefaultConfig возвращает конфигурацию по умолчанию
func DefaultConfig() Config {
	return Config{
		MaxSessions:        1024,
		GraveyardSize:      4096,
		GraveyardTTL:       time.Minute,
		RingTimeout:        60 * time.Second,
		NegotiationTimeout: 32 * time.Second,
		SweepInterval:      10 * time.Second,
	}
}

// Deps внешние участники менеджера
type Deps struct {
	// Media медиа-конвейер (обязателен)
	Media signaling.MediaPort
	// Mixer микшер конференций; nil - смешивание не выполняется
	Mixer signaling.Mixer
	// Logger по умолчанию NoOpLogger
	Logger logger.StructuredLogger
	// Metrics может быть nil
	Metrics *metrics.Collector
	// Post доставляет события таймеров через очередь диспетчера;
	// nil - таймеры обрабатываются в собственной горутине
	Post func(ctx context.Context, ev signaling.Event) error
	// Now источник времени
	Now func() time.Time
	// NewID генератор идентификаторов сессий и конференций
	NewID func() string
}

// Account зарегистрированный аккаунт
type Account struct {
	ID      session.AccountID
	Kind    session.AccountKind
	Gateway signaling.Gateway
}

// Manager менеджер сессий и конференций
type Manager struct {
	cfg     Config
	log     logger.StructuredLogger
	metrics *metrics.Collector
	media   signaling.MediaPort
	mixer   signaling.Mixer
	post    func(context.Context, signaling.Event) error
	now     func() time.Time

	sessions *registry.Sessions
	confs    *registry.Conferences

	accMu    sync.RWMutex
	accounts map[session.AccountID]Account

	obsMu     sync.RWMutex
	observers map[int]Observer
	nextObs   int
}

// New создает менеджер
func New(cfg Config, deps Deps) (*Manager, error) {
	if deps.Media == nil {
		return nil, fmt.Errorf("manager: media port required")
	}
	if deps.Logger == nil {
		deps.Logger = logger.NoOpLogger{}
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.NewID == nil {
		deps.NewID = uuid.NewString
	}

	m := &Manager{
		cfg:       cfg,
		log:       deps.Logger.WithComponent("manager"),
		metrics:   deps.Metrics,
		media:     deps.Media,
		mixer:     deps.Mixer,
		post:      deps.Post,
		now:       deps.Now,
		accounts:  make(map[session.AccountID]Account),
		observers: make(map[int]Observer),
	}
	m.sessions = registry.NewSessions(registry.Config{
		MaxSessions:   cfg.MaxSessions,
		GraveyardSize: cfg.GraveyardSize,
		GraveyardTTL:  cfg.GraveyardTTL,
		NewID:         deps.NewID,
	}, session.Options{
		BuildOffer:         deps.Media.UpdateDirection,
		OnTimer:            m.onTimer,
		RingTimeout:        cfg.RingTimeout,
		NegotiationTimeout: cfg.NegotiationTimeout,
		Now:                deps.Now,
	})
	m.confs = registry.NewConferences(deps.NewID)
	return m, nil
}

// RegisterAccount регистрирует аккаунт и его сигнальный шлюз
func (m *Manager) RegisterAccount(acc Account) error {
	if acc.ID == "" || acc.Gateway == nil {
		return wrap("RegisterAccount", "", fmt.Errorf("%w: account id and gateway required", ErrInvalidArgument))
	}
	m.accMu.Lock()
	defer m.accMu.Unlock()
	m.accounts[acc.ID] = acc
	m.log.Info(context.Background(), "account registered",
		logger.String("account_id", string(acc.ID)), logger.String("kind", acc.Kind.String()))
	return nil
}

// Accounts возвращает зарегистрированные аккаунты
func (m *Manager) Accounts() []Account {
	m.accMu.RLock()
	defer m.accMu.RUnlock()
	out := make([]Account, 0, len(m.accounts))
	for _, a := range m.accounts {
		out = append(out, a)
	}
	return out
}

func (m *Manager) account(id session.AccountID) (Account, error) {
	m.accMu.RLock()
	defer m.accMu.RUnlock()
	acc, ok := m.accounts[id]
	if !ok {
		return Account{}, fmt.Errorf("%w: %s", ErrUnknownAccount, id)
	}
	return acc, nil
}

func (m *Manager) gateway(id session.AccountID) signaling.Gateway {
	acc, err := m.account(id)
	if err != nil {
		return nil
	}
	return acc.Gateway
}

// SessionInfo возвращает снимок живой сессии
func (m *Manager) SessionInfo(id session.ID) (session.Info, error) {
	var info session.Info
	err := m.sessions.With(id, func(s *session.Session) error {
		info = s.Info()
		return nil
	})
	return info, wrap("SessionInfo", id, err)
}

// SessionList возвращает живые сессии аккаунта
func (m *Manager) SessionList(accountID session.AccountID) []session.ID {
	return m.sessions.ByAccount(accountID)
}

// SessionsOf возвращает живые сессии аккаунтов заданного типа
func (m *Manager) SessionsOf(kind session.AccountKind) []session.ID {
	return m.sessions.AllOf(kind)
}

// SessionCount количество живых сессий
func (m *Manager) SessionCount() int { return m.sessions.Count() }

// Ended возвращает запись о недавно завершенной сессии
func (m *Manager) Ended(id session.ID) (registry.Tombstone, bool) {
	return m.sessions.Graveyard().Lookup(id)
}

// ConferenceList возвращает идентификаторы конференций
func (m *Manager) ConferenceList() []conference.ID {
	return m.confs.List()
}

// ConferenceInfo возвращает снимок конференции
func (m *Manager) ConferenceInfo(id conference.ID) (conference.Info, error) {
	c, ok := m.confs.Get(id)
	if !ok {
		return conference.Info{}, wrapConf("ConferenceInfo", id, fmt.Errorf("%w: conference %s", ErrNotFound, id))
	}
	c.Lock()
	defer c.Unlock()
	return c.Info(), nil
}

// Participants возвращает участников конференции в порядке добавления
func (m *Manager) Participants(id conference.ID) ([]session.ID, error) {
	info, err := m.ConferenceInfo(id)
	if err != nil {
		return nil, err
	}
	return info.Members, nil
}

// ConferenceOf возвращает конференцию сессии
func (m *Manager) ConferenceOf(id session.ID) (conference.ID, error) {
	var cid string
	err := m.sessions.With(id, func(s *session.Session) error {
		cid = s.ConferenceID()
		return nil
	})
	if err != nil {
		return "", wrap("ConferenceOf", id, err)
	}
	if cid == "" {
		return "", wrap("ConferenceOf", id, ErrNotInConference)
	}
	return conference.ID(cid), nil
}

// Sweep удаляет устаревшие записи о завершенных сессиях
func (m *Manager) Sweep() int {
	return m.sessions.Graveyard().Sweep(m.now())
}

// RunSweeper периодически вызывает Sweep до отмены ctx
func (m *Manager) RunSweeper(ctx context.Context) error {
	interval := m.cfg.SweepInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if n := m.Sweep(); n > 0 {
				m.log.Debug(ctx, "graveyard swept", logger.Int("evicted", n))
			}
		}
	}
}

// onTimer получает срабатывание таймера сессии вне блокировок
func (m *Manager) onTimer(id session.ID, kind session.TimerKind, gen uint64) {
	ctx := context.Background()
	if m.post != nil {
		err := m.post(ctx, signaling.TimerEvent{Session: id, Kind: kind, Generation: gen})
		if err == nil {
			return
		}
		m.log.Warn(ctx, "timer event not queued, handling inline",
			logger.String("session_id", string(id)), logger.Err(err))
	}
	m.OnTimer(ctx, id, kind, gen)
}
