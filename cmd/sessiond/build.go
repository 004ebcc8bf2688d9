package main

import (
	"fmt"
	"time"

	"github.com/arzzra/sessiond/pkg/config"
	"github.com/arzzra/sessiond/pkg/dispatch"
	"github.com/arzzra/sessiond/pkg/logger"
	"github.com/arzzra/sessiond/pkg/manager"
	"github.com/arzzra/sessiond/pkg/sdpmedia"
	"github.com/arzzra/sessiond/pkg/session"
	"github.com/arzzra/sessiond/pkg/sipgw"
)

func loggerConfig(c config.LogConfig) logger.Config {
	return logger.Config{Level: c.Level, Format: c.Format}
}

func managerConfig(c config.ManagerConfig) manager.Config {
	return manager.Config{
		MaxSessions:        c.MaxSessions,
		GraveyardSize:      c.GraveyardSize,
		GraveyardTTL:       c.GraveyardTTL,
		RingTimeout:        c.RingTimeout,
		NegotiationTimeout: c.NegotiationTimeout,
		SweepInterval:      c.SweepInterval,
	}
}

func dispatchConfig(c config.DispatchConfig) dispatch.Config {
	return dispatch.Config{Workers: c.Workers, Buffer: c.Buffer}
}

// mediaConfig переводит имена кодеков в статические payload types
func mediaConfig(c config.MediaConfig) (sdpmedia.Config, error) {
	out := sdpmedia.DefaultConfig()
	out.Address = c.Address
	out.PortMin = c.PortMin
	out.PortMax = c.PortMax
	out.DTMF = c.DTMF
	if c.PTime > 0 {
		out.PTime = time.Duration(c.PTime) * time.Millisecond
	}
	if c.Username != "" {
		out.Username = c.Username
	}
	out.Codecs = out.Codecs[:0:0]
	for _, name := range c.Codecs {
		codec, ok := sdpmedia.CodecByName(name)
		if !ok {
			return sdpmedia.Config{}, fmt.Errorf("media: unknown codec %q", name)
		}
		out.Codecs = append(out.Codecs, codec)
	}
	return out, out.Validate()
}

func accountKind(kind string) (session.AccountKind, error) {
	switch kind {
	case config.KindSIP:
		return session.KindSIP, nil
	case config.KindP2P:
		return session.KindP2P, nil
	}
	return 0, fmt.Errorf("unknown account kind %q", kind)
}

func sipConfig(acc config.Account) sipgw.Config {
	out := sipgw.DefaultConfig()
	out.AccountID = session.AccountID(acc.ID)
	if acc.SIP == nil {
		return out
	}
	if acc.SIP.Network != "" {
		out.Network = acc.SIP.Network
	}
	out.Listen = acc.SIP.Listen
	if acc.SIP.UserAgent != "" {
		out.UserAgent = acc.SIP.UserAgent
	}
	if acc.SIP.ContactUser != "" {
		out.ContactUser = acc.SIP.ContactUser
	}
	out.ContactHost = acc.SIP.ContactHost
	out.ContactPort = acc.SIP.ContactPort
	return out
}
