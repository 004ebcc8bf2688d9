package sipgw

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/arzzra/sessiond/pkg/signaling"
	"github.com/emiago/sipgo/sip"
)

const contentTypeSDP = "application/sdp"

// parseTarget разбирает адрес удаленной стороны. Голое имя пользователя
// дополняется хостом по умолчанию.
func parseTarget(peer, defaultHost string) (sip.Uri, error) {
	peer = strings.TrimSpace(strings.Trim(strings.TrimSpace(peer), "<>"))
	if peer == "" {
		return sip.Uri{}, fmt.Errorf("sipgw: empty target")
	}
	if !strings.HasPrefix(peer, "sip:") && !strings.HasPrefix(peer, "sips:") {
		if !strings.Contains(peer, "@") {
			if defaultHost == "" {
				return sip.Uri{}, fmt.Errorf("sipgw: target %q has no host", peer)
			}
			peer = peer + "@" + defaultHost
		}
		peer = "sip:" + peer
	}
	var uri sip.Uri
	if err := sip.ParseUri(peer, &uri); err != nil {
		return sip.Uri{}, fmt.Errorf("sipgw: parse target %q: %w", peer, err)
	}
	return uri, nil
}

// referTarget извлекает URI из значения Refer-To
func referTarget(value string) string {
	value = strings.TrimSpace(value)
	if i := strings.Index(value, "<"); i >= 0 {
		if j := strings.Index(value[i:], ">"); j > 0 {
			value = value[i+1 : i+j]
		}
	}
	// параметры Replaces нам не нужны
	if i := strings.Index(value, "?"); i >= 0 {
		value = value[:i]
	}
	return value
}

// replacesValue значение Refer-To для перевода с заменой диалога (RFC 3891)
func replacesValue(target, callID, toTag, fromTag string) string {
	replaces := callID
	if toTag != "" {
		replaces += ";to-tag=" + toTag
	}
	if fromTag != "" {
		replaces += ";from-tag=" + fromTag
	}
	return fmt.Sprintf("<%s?Replaces=%s>", target, url.QueryEscape(replaces))
}

// responseEvent событие протокола для ответа на INVITE
func responseEvent(code int, reason string, body []byte) signaling.ProtocolEvent {
	ev := signaling.ProtocolEvent{State: signaling.StateFromCode(code), Code: code, Reason: reason}
	if ev.State == signaling.ProtocolAnswered {
		ev.SDP = body
	}
	return ev
}

// isInDialog запрос внутри существующего диалога (To содержит tag)
func isInDialog(req *sip.Request) bool {
	to := req.To()
	return to != nil && to.Params.Has("tag")
}

func callIDOf(msg interface{ CallID() *sip.CallIDHeader }) string {
	if h := msg.CallID(); h != nil {
		return h.Value()
	}
	return ""
}
