package message

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"
)

var (
	// ErrMalformed сообщение не является корректным JSON объектом протокола
	ErrMalformed = errors.New("message: malformed payload")
	// ErrVersionMismatch версия протокола отличается от поддерживаемой
	ErrVersionMismatch = errors.New("message: protocol version mismatch")
	// ErrUnknownAction действие не поддерживается
	ErrUnknownAction = errors.New("message: unknown action")
)

// wireMessage представление сообщения на проводе.
// Указатели отличают отсутствующие ключи от нулевых значений.
type wireMessage struct {
	Action            *int                   `json:"message_action,omitempty"`
	Version           string                 `json:"message_version,omitempty"`
	Timestamp         int64                  `json:"message_timestamp,omitempty"`
	CallID            string                 `json:"callId,omitempty"`
	FromUserID        *uint32                `json:"fromUserId,omitempty"`
	RemoteUserID      *uint32                `json:"remoteUserId,omitempty"`
	FromRoomID        *string                `json:"fromRoomId,omitempty"`
	FromUserExtension map[string]interface{} `json:"fromUserExtension,omitempty"`
	RejectReason      *string                `json:"rejectReason,omitempty"`
	RejectByInternal  *int                   `json:"rejectByInternal,omitempty"`
	CancelByInternal  *int                   `json:"cancelCallByInternal,omitempty"`
	HangupReason      string                 `json:"hangupReason,omitempty"`
	MessageID         int                    `json:"messageId,omitempty"`
	ReceiptsRoomID    string                 `json:"receiptsRoomId,omitempty"`
	Receipts          int                    `json:"receipts,omitempty"`
}

// Codec кодирует исходящие сообщения и нумерует их.
// Номер сообщения растет монотонно в пределах процесса и заворачивается по модулю MaxInt32.
type Codec struct {
	mu        sync.Mutex
	messageID int
	now       func() time.Time
}

var processCodec = NewCodec()

// Default возвращает общий для процесса кодек
func Default() *Codec {
	return processCodec
}

// NewCodec создает кодек с собственным счетчиком сообщений
func NewCodec() *Codec {
	return &Codec{now: time.Now}
}

// NextMessageID возвращает следующий номер сообщения (никогда не 0)
func (c *Codec) NextMessageID() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messageID = (c.messageID + 1) % math.MaxInt32
	if c.messageID == 0 {
		c.messageID = 1
	}
	return c.messageID
}

// Encode ставит служебные поля и сериализует сообщение с текущим временем
func (c *Codec) Encode(m *Message) ([]byte, error) {
	return c.EncodeAt(m, c.now())
}

// EncodeAt как Encode, но метка времени берется из at.
// Сессия передает сюда время своих часов.
func (c *Codec) EncodeAt(m *Message, at time.Time) ([]byte, error) {
	if !m.Action.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnknownAction, int(m.Action))
	}
	m.Version = Version
	m.Timestamp = at.UnixMilli()
	m.MessageID = c.NextMessageID()
	return Marshal(m)
}

// Marshal сериализует сообщение без изменения служебных полей
func Marshal(m *Message) ([]byte, error) {
	if m.IsReceipt() {
		return json.Marshal(wireMessage{Receipts: m.Receipts})
	}

	action := int(m.Action)
	from := m.FromUserID
	remote := m.RemoteUserID
	room := m.FromRoomID
	w := wireMessage{
		Action:            &action,
		Version:           m.Version,
		Timestamp:         m.Timestamp,
		CallID:            m.CallID,
		FromUserID:        &from,
		RemoteUserID:      &remote,
		FromRoomID:        &room,
		FromUserExtension: m.FromUserExtension,
		MessageID:         m.MessageID,
		ReceiptsRoomID:    m.ReceiptsRoomID,
	}
	switch m.Action {
	case ActionReject:
		reason := m.RejectReason
		internal := boolToInt(m.RejectByInternal)
		w.RejectReason = &reason
		w.RejectByInternal = &internal
	case ActionCancel:
		internal := boolToInt(m.CancelByInternal)
		w.CancelByInternal = &internal
	case ActionHangup:
		w.HangupReason = m.HangupReason
	}
	return json.Marshal(w)
}

// NewReceipt создает квитанцию для сообщения с номером messageID
func NewReceipt(messageID int) *Message {
	return &Message{Receipts: messageID}
}

// Decode разбирает входящее сообщение.
// Квитанции возвращаются без проверки версии.
func Decode(data []byte) (*Message, error) {
	var w wireMessage
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	if w.Action == nil {
		if w.Receipts != 0 {
			return NewReceipt(w.Receipts), nil
		}
		return nil, fmt.Errorf("%w: no %s", ErrMalformed, KeyAction)
	}
	if w.Version != Version {
		return nil, fmt.Errorf("%w: got %q, want %q", ErrVersionMismatch, w.Version, Version)
	}

	action := Action(*w.Action)
	if !action.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnknownAction, *w.Action)
	}

	m := &Message{
		Action:            action,
		Version:           w.Version,
		Timestamp:         w.Timestamp,
		CallID:            w.CallID,
		FromUserExtension: w.FromUserExtension,
		HangupReason:      w.HangupReason,
		MessageID:         w.MessageID,
		ReceiptsRoomID:    w.ReceiptsRoomID,
	}
	if w.FromUserID != nil {
		m.FromUserID = *w.FromUserID
	}
	if w.RemoteUserID != nil {
		m.RemoteUserID = *w.RemoteUserID
	}
	if w.FromRoomID != nil {
		m.FromRoomID = *w.FromRoomID
	}
	if w.RejectReason != nil {
		m.RejectReason = *w.RejectReason
	}
	if w.RejectByInternal != nil {
		m.RejectByInternal = *w.RejectByInternal == 1
	}
	if w.CancelByInternal != nil {
		m.CancelByInternal = *w.CancelByInternal == 1
	}
	return m, nil
}
