package sipgw

import (
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/arzzra/sessiond/pkg/session"
)

// Config параметры SIP шлюза одного аккаунта
type Config struct {
	AccountID session.AccountID
	// Network транспорт: udp или tcp
	Network string
	// Listen адрес прослушивания host:port
	Listen    string
	UserAgent string
	// Contact параметры заголовка Contact; пустой хост берется из Listen
	ContactUser string
	ContactHost string
	ContactPort int
	// RequestTimeout ограничение на внутридиалоговые запросы (BYE, re-INVITE, REFER)
	RequestTimeout time.Duration
}

// DefaultConfig возвращает конфигурацию по умолчанию
func DefaultConfig() Config {
	return Config{
		Network:        "udp",
		Listen:         "127.0.0.1:5060",
		UserAgent:      "sessiond",
		ContactUser:    "sessiond",
		RequestTimeout: 32 * time.Second,
	}
}

// Validate проверяет конфигурацию
func (c Config) Validate() error {
	if c.AccountID == "" {
		return fmt.Errorf("sipgw: account id required")
	}
	if c.Network != "udp" && c.Network != "tcp" {
		return fmt.Errorf("sipgw: unsupported network %q", c.Network)
	}
	if _, _, err := net.SplitHostPort(c.Listen); err != nil {
		return fmt.Errorf("sipgw: listen address: %w", err)
	}
	return nil
}

// contactHostPort возвращает хост и порт для Contact
func (c Config) contactHostPort() (string, int) {
	host, portStr, _ := net.SplitHostPort(c.Listen)
	port, _ := strconv.Atoi(portStr)
	if c.ContactHost != "" {
		host = c.ContactHost
	}
	if c.ContactPort != 0 {
		port = c.ContactPort
	}
	return host, port
}
