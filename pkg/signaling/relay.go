package signaling

import (
	"context"
	"errors"

	"github.com/arzzra/sessiond/pkg/session"
)

// ErrRelayFull внешний транспорт не успевает забирать действия
var ErrRelayFull = errors.New("signaling: relay sink is full")

// Sink принимает исходящие действия шлюза. Не должен блокироваться на
// сетевом вводе-выводе.
type Sink func(ctx context.Context, c Call) error

// ChannelSink отдает действия в канал без ожидания.
// Переполненный канал дает ErrRelayFull.
func ChannelSink(ch chan<- Call) Sink {
	return func(ctx context.Context, c Call) error {
		select {
		case ch <- c:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		default:
			return ErrRelayFull
		}
	}
}

// RelayGateway шлюз аккаунтов с внешней доставкой сигнализации (P2P):
// каждое действие передается в Sink как типизированный Call, история не хранится.
// Ответы транспорт возвращает входящими событиями через очередь диспетчера.
type RelayGateway struct {
	sink Sink
}

var _ Gateway = (*RelayGateway)(nil)

// NewRelayGateway создает шлюз поверх sink
func NewRelayGateway(sink Sink) (*RelayGateway, error) {
	if sink == nil {
		return nil, errors.New("signaling: relay gateway requires a sink")
	}
	return &RelayGateway{sink: sink}, nil
}

func (g *RelayGateway) Invite(ctx context.Context, id session.ID, peer string, offer []byte) error {
	return g.sink(ctx, Call{Method: MethodInvite, Session: id, Peer: peer, SDP: offer})
}

func (g *RelayGateway) Answer(ctx context.Context, id session.ID, answer []byte) error {
	return g.sink(ctx, Call{Method: MethodAnswer, Session: id, SDP: answer})
}

func (g *RelayGateway) Reject(ctx context.Context, id session.ID, code int, reason string) error {
	return g.sink(ctx, Call{Method: MethodReject, Session: id, Code: code, Reason: reason})
}

func (g *RelayGateway) Hangup(ctx context.Context, id session.ID) error {
	return g.sink(ctx, Call{Method: MethodHangup, Session: id})
}

func (g *RelayGateway) Renegotiate(ctx context.Context, id session.ID, offer []byte) error {
	return g.sink(ctx, Call{Method: MethodRenegotiate, Session: id, SDP: offer})
}

func (g *RelayGateway) AnswerRenegotiation(ctx context.Context, id session.ID, answer []byte) error {
	return g.sink(ctx, Call{Method: MethodAnswerRenegotiation, Session: id, SDP: answer})
}

func (g *RelayGateway) Transfer(ctx context.Context, id session.ID, target string) error {
	return g.sink(ctx, Call{Method: MethodTransfer, Session: id, Target: target})
}

func (g *RelayGateway) AttendedTransfer(ctx context.Context, id session.ID, replaces session.ID) error {
	return g.sink(ctx, Call{Method: MethodAttendedTransfer, Session: id, Target: string(replaces)})
}
