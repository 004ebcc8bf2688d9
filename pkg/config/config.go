package config

import (
	"fmt"
	"os"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config конфигурация демона
type Config struct {
	Log      LogConfig      `yaml:"log"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Manager  ManagerConfig  `yaml:"manager"`
	Dispatch DispatchConfig `yaml:"dispatch"`
	Media    MediaConfig    `yaml:"media"`
	Accounts []Account      `yaml:"accounts"`
}

// LogConfig параметры логирования
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig параметры экспорта метрик
type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Listen    string `yaml:"listen"`
	Namespace string `yaml:"namespace"`
}

// ManagerConfig параметры менеджера сессий
type ManagerConfig struct {
	MaxSessions        int           `yaml:"max_sessions"`
	GraveyardSize      int           `yaml:"graveyard_size"`
	GraveyardTTL       time.Duration `yaml:"graveyard_ttl"`
	RingTimeout        time.Duration `yaml:"ring_timeout"`
	NegotiationTimeout time.Duration `yaml:"negotiation_timeout"`
	SweepInterval      time.Duration `yaml:"sweep_interval"`
}

// DispatchConfig параметры очереди событий
type DispatchConfig struct {
	Workers int `yaml:"workers"`
	Buffer  int `yaml:"buffer"`
}

// MediaConfig параметры SDP
type MediaConfig struct {
	Address  string   `yaml:"address"`
	PortMin  int      `yaml:"port_min"`
	PortMax  int      `yaml:"port_max"`
	Codecs   []string `yaml:"codecs"`
	PTime    int      `yaml:"ptime"`
	DTMF     bool     `yaml:"dtmf"`
	Username string   `yaml:"username"`
}

// Account аккаунт и его сигнальный back-end
type Account struct {
	ID   string     `yaml:"id"`
	Kind string     `yaml:"kind"`
	SIP  *SIPConfig `yaml:"sip,omitempty"`
}

// SIPConfig параметры SIP транспорта аккаунта
type SIPConfig struct {
	Network     string `yaml:"network"`
	Listen      string `yaml:"listen"`
	UserAgent   string `yaml:"user_agent"`
	ContactUser string `yaml:"contact_user"`
	ContactHost string `yaml:"contact_host"`
	ContactPort int    `yaml:"contact_port"`
	Password    string `yaml:"password"`
}

// Типы аккаунтов
const (
	KindSIP = "sip"
	KindP2P = "p2p"
)

// Defaults возвращает конфигурацию по умолчанию
func Defaults() Config {
	return Config{
		Log: LogConfig{Level: "info", Format: "json"},
		Metrics: MetricsConfig{
			Enabled:   true,
			Listen:    "127.0.0.1:9095",
			Namespace: "sessiond",
		},
		Manager: ManagerConfig{
			MaxSessions:        1024,
			GraveyardSize:      4096,
			GraveyardTTL:       time.Minute,
			RingTimeout:        60 * time.Second,
			NegotiationTimeout: 32 * time.Second,
			SweepInterval:      10 * time.Second,
		},
		Dispatch: DispatchConfig{Workers: 8, Buffer: 256},
		Media: MediaConfig{
			Address:  "127.0.0.1",
			PortMin:  10000,
			PortMax:  20000,
			Codecs:   []string{"PCMU", "PCMA"},
			PTime:    20,
			DTMF:     true,
			Username: "sessiond",
		},
	}
}

// envVarPattern ${VAR_NAME}
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// expandEnvVars заменяет ${VAR} значениями окружения; неизвестные остаются как есть
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		if val, ok := os.LookupEnv(match[2 : len(match)-1]); ok {
			return val
		}
		return match
	})
}

// Load читает YAML файл поверх значений по умолчанию и применяет
// переопределения SESSIOND_*. Отсутствующий файл дает значения по умолчанию.
func Load(path string) (Config, error) {
	cfg := Defaults()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := Parse(data, &cfg); err != nil {
				return cfg, err
			}
		case os.IsNotExist(err):
		default:
			return cfg, fmt.Errorf("read config: %w", err)
		}
	}
	applyEnvOverrides(&cfg)
	return cfg, nil
}

// Parse разбирает YAML в cfg
func Parse(data []byte, cfg *Config) error {
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config: %w", err)
	}
	for i := range cfg.Accounts {
		if sip := cfg.Accounts[i].SIP; sip != nil {
			sip.Password = expandEnvVars(sip.Password)
			sip.Listen = expandEnvVars(sip.Listen)
			sip.ContactHost = expandEnvVars(sip.ContactHost)
		}
	}
	cfg.Media.Address = expandEnvVars(cfg.Media.Address)
	return nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("SESSIOND_LOG_LEVEL"); v != "" {
		cfg.Log.Level = strings.ToLower(v)
	}
	if v := os.Getenv("SESSIOND_LOG_FORMAT"); v != "" {
		cfg.Log.Format = strings.ToLower(v)
	}
	if v := os.Getenv("SESSIOND_METRICS_LISTEN"); v != "" {
		cfg.Metrics.Listen = v
	}
	if v := os.Getenv("SESSIOND_MAX_SESSIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Manager.MaxSessions = n
		}
	}
	if v := os.Getenv("SESSIOND_MEDIA_ADDRESS"); v != "" {
		cfg.Media.Address = v
	}
}

// Marshal сериализует конфигурацию в YAML
func Marshal(cfg Config) ([]byte, error) {
	return yaml.Marshal(cfg)
}

// ValidationIssue проблема в значении конфигурации
type ValidationIssue struct {
	Path    string
	Message string
}

func (v ValidationIssue) String() string {
	return fmt.Sprintf("%s: %s", v.Path, v.Message)
}

// ValidationError набор проблем конфигурации
type ValidationError struct {
	Issues []ValidationIssue
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Issues))
	for _, issue := range e.Issues {
		parts = append(parts, issue.String())
	}
	return "invalid config: " + strings.Join(parts, "; ")
}

// Validate проверяет конфигурацию; nil если ошибок нет
func (c Config) Validate() error {
	var issues []ValidationIssue
	add := func(path, format string, args ...interface{}) {
		issues = append(issues, ValidationIssue{Path: path, Message: fmt.Sprintf(format, args...)})
	}

	levels := []string{"trace", "debug", "info", "warn", "error", "silent"}
	if !slices.Contains(levels, c.Log.Level) {
		add("log.level", "must be one of %v, got %q", levels, c.Log.Level)
	}
	if c.Log.Format != "json" && c.Log.Format != "console" {
		add("log.format", "must be json or console, got %q", c.Log.Format)
	}
	if c.Metrics.Enabled && c.Metrics.Listen == "" {
		add("metrics.listen", "required when metrics are enabled")
	}
	if c.Manager.MaxSessions < 0 {
		add("manager.max_sessions", "must not be negative, got %d", c.Manager.MaxSessions)
	}
	if c.Manager.GraveyardSize <= 0 {
		add("manager.graveyard_size", "must be positive, got %d", c.Manager.GraveyardSize)
	}
	if c.Dispatch.Workers <= 0 {
		add("dispatch.workers", "must be positive, got %d", c.Dispatch.Workers)
	}
	if c.Media.PortMin <= 0 || c.Media.PortMax > 65535 || c.Media.PortMin > c.Media.PortMax {
		add("media.port_min", "invalid port range %d-%d", c.Media.PortMin, c.Media.PortMax)
	}
	if len(c.Media.Codecs) == 0 {
		add("media.codecs", "at least one codec required")
	}

	seen := make(map[string]bool)
	for i, acc := range c.Accounts {
		path := fmt.Sprintf("accounts[%d]", i)
		if acc.ID == "" {
			add(path+".id", "required")
		} else if seen[acc.ID] {
			add(path+".id", "duplicate account %q", acc.ID)
		}
		seen[acc.ID] = true

		switch acc.Kind {
		case KindSIP:
			if acc.SIP == nil || acc.SIP.Listen == "" {
				add(path+".sip.listen", "required for sip accounts")
			} else if n := acc.SIP.Network; n != "" && n != "udp" && n != "tcp" {
				add(path+".sip.network", "must be udp or tcp, got %q", n)
			}
		case KindP2P:
		default:
			add(path+".kind", "must be sip or p2p, got %q", acc.Kind)
		}
	}

	if len(issues) > 0 {
		return &ValidationError{Issues: issues}
	}
	return nil
}
