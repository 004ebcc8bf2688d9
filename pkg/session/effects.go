package session

// EffectKind вид действия, порождаемого переходом сессии
type EffectKind int

const (
	// EffectStateChanged уведомление об изменении состояния
	EffectStateChanged EffectKind = iota
	// EffectInvite исходящий INVITE
	EffectInvite
	// EffectAnswer ответ 200 OK на входящий INVITE
	EffectAnswer
	// EffectReject отклонение входящего INVITE
	EffectReject
	// EffectHangup BYE/CANCEL
	EffectHangup
	// EffectRenegotiate исходящий re-INVITE
	EffectRenegotiate
	// EffectAnswerRenegotiation ответ на входящий re-INVITE
	EffectAnswerRenegotiation
	// EffectTransfer слепой перевод (REFER)
	EffectTransfer
	// EffectAttendedTransfer перевод с консультацией (REFER с Replaces)
	EffectAttendedTransfer
	// EffectNegotiate запрос к медиа-конвейеру
	EffectNegotiate
	// EffectReleaseMedia освобождение медиа ресурсов
	EffectReleaseMedia
)

func (k EffectKind) String() string {
	switch k {
	case EffectStateChanged:
		return "state_changed"
	case EffectInvite:
		return "invite"
	case EffectAnswer:
		return "answer"
	case EffectReject:
		return "reject"
	case EffectHangup:
		return "hangup"
	case EffectRenegotiate:
		return "renegotiate"
	case EffectAnswerRenegotiation:
		return "answer_renegotiation"
	case EffectTransfer:
		return "transfer"
	case EffectAttendedTransfer:
		return "attended_transfer"
	case EffectNegotiate:
		return "negotiate"
	case EffectReleaseMedia:
		return "release_media"
	default:
		return "unknown"
	}
}

// Effect действие, которое нужно выполнить вне блокировки сессии.
// Сессия только накапливает эффекты; исполняет их менеджер.
type Effect struct {
	Kind      EffectKind
	Session   ID
	Account   AccountID
	AccountOf AccountKind

	// EffectStateChanged
	Old   State
	New   State
	Cause Cause

	// Сигнализация
	Peer   string
	SDP    []byte
	Code   int
	Reason string
	Target string

	// Медиа
	Negotiation NegotiationKind
	Direction   MediaDirection
	// Local локальный offer, к которому применяется answer
	Local []byte
}
