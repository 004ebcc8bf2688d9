package sipgw

import (
	"github.com/emiago/sipgo/sip"

	"github.com/arzzra/sessiond/pkg/logger"
	"github.com/arzzra/sessiond/pkg/session"
	"github.com/arzzra/sessiond/pkg/signaling"
)

// handleInvite новый вызов или re-INVITE существующего диалога
func (g *Gateway) handleInvite(req *sip.Request, tx sip.ServerTransaction) {
	if isInDialog(req) {
		g.handleReinvite(req, tx)
		return
	}

	dlg, err := g.dsc.ReadInvite(req, tx)
	if err != nil {
		_ = tx.Respond(sip.NewResponseFromRequest(req, 400, "Bad Request", nil))
		return
	}
	_ = dlg.Respond(sip.StatusTrying, "Trying", nil)

	l := &leg{callID: callIDOf(req), server: dlg}
	if from := req.From(); from != nil {
		l.remoteTag, _ = from.Params.Get("tag")
	}
	if c := req.Contact(); c != nil {
		l.remote = c.Address
	} else if from := req.From(); from != nil {
		l.remote = from.Address
	}
	g.track(l)

	peer := ""
	if from := req.From(); from != nil {
		peer = from.Address.String()
	}
	g.post(signaling.IncomingEvent{
		Call: signaling.IncomingCall{
			AccountID: g.cfg.AccountID,
			Kind:      session.KindSIP,
			PeerURI:   peer,
			Offer:     req.Body(),
			Key:       l.callID,
		},
		Reply: func(id session.ID, err error) { g.bindIncoming(l, id, err) },
	})
}

// bindIncoming связывает диалог с созданной менеджером сессией
func (g *Gateway) bindIncoming(l *leg, id session.ID, err error) {
	if err != nil {
		g.untrack(l)
		g.log.Info(g.ctx, "incoming call refused", logger.String("call_id", l.callID), logger.Err(err))
		_ = l.server.Respond(480, "Temporarily Unavailable", nil)
		return
	}
	l.mu.Lock()
	l.id = id
	cancelled := l.cancelled
	l.mu.Unlock()
	g.track(l)

	if cancelled {
		g.untrack(l)
		g.postState(id, signaling.ProtocolEvent{State: signaling.ProtocolTerminated, Reason: "CANCEL"})
		return
	}
	_ = l.server.Respond(sip.StatusRinging, "Ringing", nil)
}

func (g *Gateway) handleReinvite(req *sip.Request, tx sip.ServerTransaction) {
	l := g.legByCall(callIDOf(req))
	if l == nil || l.id == "" {
		_ = tx.Respond(sip.NewResponseFromRequest(req, 481, "Call/Transaction Does Not Exist", nil))
		return
	}
	_ = tx.Respond(sip.NewResponseFromRequest(req, sip.StatusTrying, "Trying", nil))

	l.mu.Lock()
	l.reinvite, l.reinviteTx = req, tx
	l.mu.Unlock()

	g.post(signaling.ReinviteEvent{
		Session: l.id,
		Offer:   req.Body(),
		Reply: func(v signaling.Verdict, err error) {
			if err == nil && v.Accept {
				// answer отправит AnswerRenegotiation
				return
			}
			l.mu.Lock()
			l.reinvite, l.reinviteTx = nil, nil
			l.mu.Unlock()
			code, reason := v.Code, v.Reason
			if code == 0 {
				code, reason = 500, "Server Internal Error"
			}
			_ = tx.Respond(sip.NewResponseFromRequest(req, code, reason, nil))
		},
	})
}

func (g *Gateway) handleAck(req *sip.Request, tx sip.ServerTransaction) {
	// ACK на re-INVITE не относится к кэшу диалогов; ошибка ожидаема
	g.dsc.ReadAck(req, tx)

	l := g.legByCall(callIDOf(req))
	if l == nil {
		return
	}
	l.mu.Lock()
	id := l.id
	l.mu.Unlock()
	if id != "" {
		// answer на offer из нашего 2xx, если INVITE пришел без SDP
		g.postState(id, signaling.ProtocolEvent{State: signaling.ProtocolAcked, SDP: req.Body()})
	}
}

func (g *Gateway) handleBye(req *sip.Request, tx sip.ServerTransaction) {
	l := g.legByCall(callIDOf(req))
	if l == nil {
		_ = tx.Respond(sip.NewResponseFromRequest(req, 481, "Call/Transaction Does Not Exist", nil))
		return
	}
	l.mu.Lock()
	isClient, id := l.client != nil, l.id
	l.mu.Unlock()

	var err error
	if isClient {
		err = g.dcc.ReadBye(req, tx)
	} else {
		err = g.dsc.ReadBye(req, tx)
	}
	if err != nil {
		_ = tx.Respond(sip.NewResponseFromRequest(req, sip.StatusOK, "OK", nil))
	}
	g.untrack(l)
	if id != "" {
		g.postState(id, signaling.ProtocolEvent{State: signaling.ProtocolTerminated, Reason: "BYE"})
	}
}

func (g *Gateway) handleCancel(req *sip.Request, tx sip.ServerTransaction) {
	l := g.legByCall(callIDOf(req))
	if l == nil {
		_ = tx.Respond(sip.NewResponseFromRequest(req, 481, "Call/Transaction Does Not Exist", nil))
		return
	}
	_ = tx.Respond(sip.NewResponseFromRequest(req, sip.StatusOK, "OK", nil))
	if l.server != nil {
		_ = l.server.Respond(sip.StatusRequestTerminated, "Request Terminated", nil)
	}

	l.mu.Lock()
	l.cancelled = true
	id := l.id
	l.mu.Unlock()
	if id == "" {
		// сессия еще не создана; bindIncoming завершит ее
		return
	}
	g.untrack(l)
	g.postState(id, signaling.ProtocolEvent{State: signaling.ProtocolTerminated, Reason: "CANCEL"})
}

func (g *Gateway) handleRefer(req *sip.Request, tx sip.ServerTransaction) {
	l := g.legByCall(callIDOf(req))
	h := req.GetHeader("Refer-To")
	switch {
	case l == nil || l.id == "":
		_ = tx.Respond(sip.NewResponseFromRequest(req, 481, "Call/Transaction Does Not Exist", nil))
		return
	case h == nil:
		_ = tx.Respond(sip.NewResponseFromRequest(req, 400, "Bad Request - Missing Refer-To", nil))
		return
	}
	_ = tx.Respond(sip.NewResponseFromRequest(req, 202, "Accepted", nil))

	target := referTarget(h.Value())
	g.post(signaling.TransferEvent{
		Session: l.id,
		Target:  target,
		Reply: func(newID session.ID, err error) {
			if err != nil {
				g.log.Warn(g.ctx, "transfer request failed",
					logger.String("session_id", string(l.id)), logger.String("target", target), logger.Err(err))
				return
			}
			g.log.Info(g.ctx, "transfer placed",
				logger.String("session_id", string(l.id)), logger.String("new_session_id", string(newID)))
		},
	})
}
