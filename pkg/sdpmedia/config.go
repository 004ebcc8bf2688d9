package sdpmedia

import (
	"fmt"
	"strings"
	"time"
)

// Codec аудио кодек, который можно предложить в SDP
type Codec struct {
	PayloadType uint8
	Name        string
	ClockRate   uint32
}

// rtpmap значение атрибута a=rtpmap
func (c Codec) rtpmap() string {
	return fmt.Sprintf("%d %s/%d", c.PayloadType, c.Name, c.ClockRate)
}

// staticCodecs статические payload types RFC 3551, допустимые без a=rtpmap
var staticCodecs = map[string]Codec{
	"PCMU": {PayloadType: 0, Name: "PCMU", ClockRate: 8000},
	"GSM":  {PayloadType: 3, Name: "GSM", ClockRate: 8000},
	"PCMA": {PayloadType: 8, Name: "PCMA", ClockRate: 8000},
	"G722": {PayloadType: 9, Name: "G722", ClockRate: 8000},
}

// CodecByName ищет статический кодек по имени
func CodecByName(name string) (Codec, bool) {
	c, ok := staticCodecs[strings.ToUpper(name)]
	return c, ok
}

func codecByPayloadType(pt uint8) (Codec, bool) {
	for _, c := range staticCodecs {
		if c.PayloadType == pt {
			return c, true
		}
	}
	return Codec{}, false
}

// Config параметры построения SDP
type Config struct {
	// Address адрес для c= и o=
	Address string
	// PortMin, PortMax диапазон RTP портов
	PortMin int
	PortMax int
	// Codecs кодеки в порядке приоритета
	Codecs []Codec
	// PTime длительность пакета
	PTime time.Duration
	// DTMF включает telephone-event (RFC 4733)
	DTMF            bool
	DTMFPayloadType uint8
	// Username поле o=
	Username    string
	SessionName string
}

// DefaultConfig возвращает конфигурацию по умолчанию
func DefaultConfig() Config {
	return Config{
		Address:         "127.0.0.1",
		PortMin:         10000,
		PortMax:         20000,
		Codecs:          []Codec{staticCodecs["PCMU"], staticCodecs["PCMA"]},
		PTime:           20 * time.Millisecond,
		DTMF:            true,
		DTMFPayloadType: 101,
		Username:        "-",
		SessionName:     "sessiond",
	}
}

// Validate проверяет конфигурацию
func (c Config) Validate() error {
	if c.Address == "" {
		return fmt.Errorf("sdpmedia: address required")
	}
	if c.PortMin <= 0 || c.PortMax > 65535 || c.PortMax-c.PortMin < 2 {
		return fmt.Errorf("sdpmedia: invalid port range %d-%d", c.PortMin, c.PortMax)
	}
	if len(c.Codecs) == 0 {
		return fmt.Errorf("sdpmedia: at least one codec required")
	}
	return nil
}
