package sdpmedia

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/arzzra/sessiond/pkg/session"
	"github.com/arzzra/sessiond/pkg/signaling"
	"github.com/pion/sdp/v3"
)

// Negotiator реализует signaling.MediaPort поверх pion/sdp: строит offer,
// отвечает на offer удаленной стороны и проверяет answer на собственный offer.
// Транспорт медиа остается за внешним конвейером; здесь только описание.
type Negotiator struct {
	cfg   Config
	ports *portPool
	now   func() time.Time

	mu       sync.Mutex
	versions map[session.ID]uint64
}

var _ signaling.MediaPort = (*Negotiator)(nil)

// NewNegotiator создает негоциатор
func NewNegotiator(cfg Config) (*Negotiator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.PTime <= 0 {
		cfg.PTime = 20 * time.Millisecond
	}
	if cfg.Username == "" {
		cfg.Username = "-"
	}
	return &Negotiator{
		cfg:      cfg,
		ports:    newPortPool(cfg.PortMin, cfg.PortMax),
		now:      time.Now,
		versions: make(map[session.ID]uint64),
	}, nil
}

// LocalOffer строит начальный offer со всеми настроенными кодеками
func (n *Negotiator) LocalOffer(_ context.Context, id session.ID) ([]byte, error) {
	port, err := n.ports.acquire(id)
	if err != nil {
		return nil, err
	}
	desc := n.newDescription(id)
	desc.MediaDescriptions = []*sdp.MediaDescription{n.audio(port, n.cfg.Codecs, session.SendRecv, n.cfg.DTMFPayloadType, n.cfg.DTMF)}
	return desc.Marshal()
}

// UpdateDirection строит offer hold/resume из последнего локального описания
func (n *Negotiator) UpdateDirection(base []byte, dir session.MediaDirection) ([]byte, error) {
	return UpdateDirection(base, dir)
}

// Negotiate выполняет обмен и вызывает done до возврата.
// Ошибка разбора сообщается через done, а не как результат Negotiate.
func (n *Negotiator) Negotiate(ctx context.Context, req signaling.NegotiationRequest, done signaling.NegotiationDone) error {
	if done == nil {
		return fmt.Errorf("sdpmedia: nil completion callback")
	}
	var res session.NegotiationResult
	switch req.Kind {
	case session.NegotiationAnswerOffer, session.NegotiationRemoteOffer:
		answer, err := n.Answer(req.Session, req.Remote, req.Direction)
		res = session.NegotiationResult{Err: err, LocalSDP: answer, RemoteSDP: req.Remote}
	case session.NegotiationLocalOffer:
		offer, err := n.offer(ctx, req)
		res = session.NegotiationResult{Err: err, LocalSDP: offer}
	case session.NegotiationApplyAnswer, session.NegotiationAckAnswer,
		session.NegotiationLocalHold, session.NegotiationLocalResume:
		err := n.checkAnswer(req.Local, req.Remote)
		res = session.NegotiationResult{Err: err, RemoteSDP: req.Remote}
	default:
		return fmt.Errorf("sdpmedia: unsupported negotiation %s", req.Kind)
	}
	done(res)
	return nil
}

// offer строит собственный offer для INVITE без SDP: новый для первого
// обмена, иначе из последнего локального описания
func (n *Negotiator) offer(ctx context.Context, req signaling.NegotiationRequest) ([]byte, error) {
	if len(req.Local) > 0 {
		return UpdateDirection(req.Local, req.Direction)
	}
	offer, err := n.LocalOffer(ctx, req.Session)
	if err != nil || req.Direction == session.SendRecv {
		return offer, err
	}
	return UpdateDirection(offer, req.Direction)
}

// Answer строит answer на offer удаленной стороны
func (n *Negotiator) Answer(id session.ID, offer []byte, local session.MediaDirection) ([]byte, error) {
	remote, err := Parse(offer)
	if err != nil {
		return nil, err
	}
	m := audioMedia(remote)
	codec, err := selectCodec(remote, m, n.cfg.Codecs)
	if err != nil {
		return nil, err
	}
	port, err := n.ports.acquire(id)
	if err != nil {
		return nil, err
	}
	dtmfPT, dtmf := telephoneEvent(m)

	desc := n.newDescription(id)
	desc.TimeDescriptions = remote.TimeDescriptions
	dir := answerDirection(DirectionOf(remote), local)
	desc.MediaDescriptions = []*sdp.MediaDescription{n.audio(port, []Codec{codec}, dir, dtmfPT, dtmf && n.cfg.DTMF)}
	return desc.Marshal()
}

// checkAnswer проверяет answer: аудио поток есть и выбранный кодек был в offer
func (n *Negotiator) checkAnswer(offer, answer []byte) error {
	remote, err := Parse(answer)
	if err != nil {
		return err
	}
	supported := n.cfg.Codecs
	if len(offer) > 0 {
		local, err := Parse(offer)
		if err != nil {
			return fmt.Errorf("local offer: %w", err)
		}
		supported = offeredCodecs(local)
	}
	m := audioMedia(remote)
	if m.MediaName.Port.Value == 0 {
		return fmt.Errorf("%w: audio stream rejected", ErrIncompatibleCodec)
	}
	_, err = selectCodec(remote, m, supported)
	return err
}

func offeredCodecs(desc *sdp.SessionDescription) []Codec {
	m := audioMedia(desc)
	var out []Codec
	for _, format := range m.MediaName.Formats {
		pt, err := strconv.Atoi(format)
		if err != nil || pt < 0 || pt > 127 {
			continue
		}
		if c, err := desc.GetCodecForPayloadType(uint8(pt)); err == nil {
			out = append(out, Codec{PayloadType: c.PayloadType, Name: c.Name, ClockRate: c.ClockRate})
		} else if c, ok := codecByPayloadType(uint8(pt)); ok {
			out = append(out, c)
		}
	}
	return out
}

// Release освобождает RTP порт сессии
func (n *Negotiator) Release(_ context.Context, id session.ID) error {
	n.ports.release(id)
	n.mu.Lock()
	delete(n.versions, id)
	n.mu.Unlock()
	return nil
}

// PortsInUse количество занятых RTP портов
func (n *Negotiator) PortsInUse() int {
	return n.ports.inUse()
}

// newDescription заготовка описания; версия растет с каждым описанием сессии
func (n *Negotiator) newDescription(id session.ID) *sdp.SessionDescription {
	n.mu.Lock()
	n.versions[id]++
	version := n.versions[id]
	n.mu.Unlock()

	return &sdp.SessionDescription{
		Version: 0,
		Origin: sdp.Origin{
			Username:       n.cfg.Username,
			SessionID:      uint64(n.now().Unix()),
			SessionVersion: version,
			NetworkType:    "IN",
			AddressType:    "IP4",
			UnicastAddress: n.cfg.Address,
		},
		SessionName: sdp.SessionName(n.cfg.SessionName),
		ConnectionInformation: &sdp.ConnectionInformation{
			NetworkType: "IN",
			AddressType: "IP4",
			Address:     &sdp.Address{Address: n.cfg.Address},
		},
		TimeDescriptions: []sdp.TimeDescription{
			{Timing: sdp.Timing{StartTime: 0, StopTime: 0}},
		},
	}
}

func (n *Negotiator) audio(port int, codecs []Codec, dir session.MediaDirection, dtmfPT uint8, dtmf bool) *sdp.MediaDescription {
	formats := make([]string, 0, len(codecs)+1)
	attrs := []sdp.Attribute{sdp.NewPropertyAttribute(dir.String())}
	for _, c := range codecs {
		formats = append(formats, strconv.Itoa(int(c.PayloadType)))
		attrs = append(attrs, sdp.NewAttribute("rtpmap", c.rtpmap()))
	}
	if dtmf {
		formats = append(formats, strconv.Itoa(int(dtmfPT)))
		attrs = append(attrs,
			sdp.NewAttribute("rtpmap", fmt.Sprintf("%d telephone-event/8000", dtmfPT)),
			sdp.NewAttribute("fmtp", fmt.Sprintf("%d 0-15", dtmfPT)),
		)
	}
	attrs = append(attrs, sdp.NewAttribute("ptime", strconv.Itoa(int(n.cfg.PTime/time.Millisecond))))

	return &sdp.MediaDescription{
		MediaName: sdp.MediaName{
			Media:   "audio",
			Port:    sdp.RangedPort{Value: port},
			Protos:  []string{"RTP", "AVP"},
			Formats: formats,
		},
		Attributes: attrs,
	}
}
