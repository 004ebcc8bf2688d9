package sdpmedia

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/arzzra/sessiond/pkg/session"
	"github.com/pion/sdp/v3"
)

// Ошибки разбора и согласования
var (
	ErrMalformed         = errors.New("sdpmedia: malformed session description")
	ErrNoAudio           = errors.New("sdpmedia: no audio media description")
	ErrIncompatibleCodec = errors.New("sdpmedia: no compatible codec")
)

var directionKeys = []string{"sendrecv", "sendonly", "recvonly", "inactive"}

// Parse разбирает SDP и проверяет наличие аудио потока
func Parse(raw []byte) (*sdp.SessionDescription, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: empty", ErrMalformed)
	}
	desc := &sdp.SessionDescription{}
	if err := desc.Unmarshal(raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if audioMedia(desc) == nil {
		return nil, ErrNoAudio
	}
	return desc, nil
}

// Validate проверяет, что raw пригоден как offer или answer
func Validate(raw []byte) error {
	_, err := Parse(raw)
	return err
}

func audioMedia(desc *sdp.SessionDescription) *sdp.MediaDescription {
	for _, m := range desc.MediaDescriptions {
		if m.MediaName.Media == "audio" {
			return m
		}
	}
	return nil
}

// DirectionOf возвращает направление аудио потока описания.
// Атрибут медиа уровня имеет приоритет над атрибутом сессии.
func DirectionOf(desc *sdp.SessionDescription) session.MediaDirection {
	if m := audioMedia(desc); m != nil {
		if dir, ok := findDirection(m.Attributes); ok {
			return dir
		}
	}
	if dir, ok := findDirection(desc.Attributes); ok {
		return dir
	}
	return session.SendRecv
}

func findDirection(attrs []sdp.Attribute) (session.MediaDirection, bool) {
	for _, a := range attrs {
		switch a.Key {
		case "sendrecv":
			return session.SendRecv, true
		case "sendonly":
			return session.SendOnly, true
		case "recvonly":
			return session.RecvOnly, true
		case "inactive":
			return session.Inactive, true
		}
	}
	return session.SendRecv, false
}

// IsHold сообщает, ставит ли offer удаленной стороны нас на удержание
func IsHold(raw []byte) (bool, error) {
	desc, err := Parse(raw)
	if err != nil {
		return false, err
	}
	dir := DirectionOf(desc)
	if dir == session.SendOnly || dir == session.Inactive {
		return true, nil
	}
	// RFC 2543 hold: c=0.0.0.0
	if c := desc.ConnectionInformation; c != nil && c.Address != nil && c.Address.Address == "0.0.0.0" {
		return true, nil
	}
	return false, nil
}

// answerDirection направление ответа на offer с направлением offered
// при локально желаемом направлении local
func answerDirection(offered, local session.MediaDirection) session.MediaDirection {
	canSend := offered == session.SendRecv || offered == session.RecvOnly
	canRecv := offered == session.SendRecv || offered == session.SendOnly
	wantSend := local == session.SendRecv || local == session.SendOnly
	wantRecv := local == session.SendRecv || local == session.RecvOnly

	send, recv := canSend && wantSend, canRecv && wantRecv
	switch {
	case send && recv:
		return session.SendRecv
	case send:
		return session.SendOnly
	case recv:
		return session.RecvOnly
	default:
		return session.Inactive
	}
}

// setDirection заменяет атрибут направления аудио потока
func setDirection(m *sdp.MediaDescription, dir session.MediaDirection) {
	attrs := m.Attributes[:0]
	for _, a := range m.Attributes {
		if !isDirectionKey(a.Key) {
			attrs = append(attrs, a)
		}
	}
	m.Attributes = append([]sdp.Attribute{sdp.NewPropertyAttribute(dir.String())}, attrs...)
}

func isDirectionKey(key string) bool {
	for _, k := range directionKeys {
		if k == key {
			return true
		}
	}
	return false
}

// UpdateDirection возвращает копию base с новым направлением аудио и
// увеличенной версией сессии (o= sess-version)
func UpdateDirection(base []byte, dir session.MediaDirection) ([]byte, error) {
	desc, err := Parse(base)
	if err != nil {
		return nil, err
	}
	for _, m := range desc.MediaDescriptions {
		if m.MediaName.Media == "audio" {
			setDirection(m, dir)
		}
	}
	desc.Origin.SessionVersion++
	return desc.Marshal()
}

// selectCodec выбирает первый формат offer, поддержанный локально
func selectCodec(desc *sdp.SessionDescription, m *sdp.MediaDescription, supported []Codec) (Codec, error) {
	for _, format := range m.MediaName.Formats {
		pt, err := strconv.Atoi(format)
		if err != nil || pt < 0 || pt > 127 {
			continue
		}
		offered, err := desc.GetCodecForPayloadType(uint8(pt))
		if err != nil {
			c, ok := codecByPayloadType(uint8(pt))
			if !ok {
				continue
			}
			offered = sdp.Codec{PayloadType: c.PayloadType, Name: c.Name, ClockRate: c.ClockRate}
		}
		for _, c := range supported {
			if strings.EqualFold(c.Name, offered.Name) && c.ClockRate == offered.ClockRate {
				c.PayloadType = uint8(pt)
				return c, nil
			}
		}
	}
	return Codec{}, fmt.Errorf("%w: offered %v", ErrIncompatibleCodec, m.MediaName.Formats)
}

// telephoneEvent ищет payload type telephone-event в offer
func telephoneEvent(m *sdp.MediaDescription) (uint8, bool) {
	for _, a := range m.Attributes {
		if a.Key != "rtpmap" || !strings.Contains(a.Value, "telephone-event") {
			continue
		}
		parts := strings.SplitN(a.Value, " ", 2)
		if pt, err := strconv.Atoi(parts[0]); err == nil {
			return uint8(pt), true
		}
	}
	return 0, false
}
