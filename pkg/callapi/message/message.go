// Package message реализует кодек сигнальных сообщений звонка.
//
// Формат на проводе - JSON объект с фиксированным набором ключей, одинаковый для всех
// клиентов. Кодек ставит версию протокола, метку времени и порядковый номер сообщения,
// а при разборе отбрасывает сообщения с неизвестным действием или чужой версией.
package message

import (
	"fmt"
)

// Version текущая версия протокола сигнальных сообщений
const Version = "1.0"

// RejectReasonBusy зарезервированная причина отказа при занятости вызываемого
const RejectReasonBusy = "The user is currently busy"

// Ключи JSON объекта
const (
	KeyAction            = "message_action"
	KeyVersion           = "message_version"
	KeyTimestamp         = "message_timestamp"
	KeyCallID            = "callId"
	KeyFromUserID        = "fromUserId"
	KeyRemoteUserID      = "remoteUserId"
	KeyFromRoomID        = "fromRoomId"
	KeyFromUserExtension = "fromUserExtension"
	KeyRejectReason      = "rejectReason"
	KeyRejectByInternal  = "rejectByInternal"
	KeyCancelByInternal  = "cancelCallByInternal"
	KeyHangupReason      = "hangupReason"
	KeyMessageID         = "messageId"
	KeyReceiptsRoomID    = "receiptsRoomId"
	KeyReceipts          = "receipts"
)

// Action тип действия в сигнальном сообщении
type Action int

const (
	ActionVideoCall Action = 0
	ActionCancel    Action = 1
	ActionAccept    Action = 2
	ActionReject    Action = 3
	ActionHangup    Action = 4
	ActionAudioCall Action = 10
)

var actionNames = map[Action]string{
	ActionVideoCall: "VideoCall",
	ActionCancel:    "Cancel",
	ActionAccept:    "Accept",
	ActionReject:    "Reject",
	ActionHangup:    "Hangup",
	ActionAudioCall: "AudioCall",
}

func (a Action) String() string {
	if name, ok := actionNames[a]; ok {
		return name
	}
	return fmt.Sprintf("Action(%d)", int(a))
}

// Valid проверяет, что действие известно протоколу
func (a Action) Valid() bool {
	_, ok := actionNames[a]
	return ok
}

// IsCall возвращает true для действий вызова (видео или аудио)
func (a Action) IsCall() bool {
	return a == ActionVideoCall || a == ActionAudioCall
}

// Message сигнальное сообщение звонка
type Message struct {
	Action       Action
	Version      string
	Timestamp    int64 // миллисекунды Unix
	CallID       string
	FromUserID   uint32
	RemoteUserID uint32
	FromRoomID   string

	// FromUserExtension произвольные данные вызывающего
	FromUserExtension map[string]interface{}

	RejectReason     string
	RejectByInternal bool
	CancelByInternal bool
	HangupReason     string

	// Поля слоя подтверждений доставки
	MessageID      int
	ReceiptsRoomID string

	// Receipts номер подтверждаемого сообщения, 0 если это не квитанция
	Receipts int
}

// IsReceipt возвращает true если сообщение является квитанцией о доставке
func (m *Message) IsReceipt() bool {
	return m.Receipts != 0
}

// WantsReceipt возвращает true если отправитель ждет квитанцию
func (m *Message) WantsReceipt() bool {
	return m.MessageID != 0 && m.ReceiptsRoomID != ""
}

// Fields возвращает сообщение в виде карты с ключами протокола.
// Используется как eventInfo в уведомлениях слушателей.
func (m *Message) Fields() map[string]interface{} {
	out := map[string]interface{}{
		KeyAction:       int(m.Action),
		KeyVersion:      m.Version,
		KeyTimestamp:    m.Timestamp,
		KeyCallID:       m.CallID,
		KeyFromUserID:   m.FromUserID,
		KeyRemoteUserID: m.RemoteUserID,
		KeyFromRoomID:   m.FromRoomID,
	}
	if len(m.FromUserExtension) > 0 {
		out[KeyFromUserExtension] = m.FromUserExtension
	}
	switch m.Action {
	case ActionReject:
		out[KeyRejectReason] = m.RejectReason
		out[KeyRejectByInternal] = boolToInt(m.RejectByInternal)
	case ActionCancel:
		out[KeyCancelByInternal] = boolToInt(m.CancelByInternal)
	case ActionHangup:
		if m.HangupReason != "" {
			out[KeyHangupReason] = m.HangupReason
		}
	}
	if m.MessageID != 0 {
		out[KeyMessageID] = m.MessageID
	}
	return out
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
