package message

import (
	"encoding/json"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixedCodec() *Codec {
	c := NewCodec()
	c.now = func() time.Time { return time.UnixMilli(1700000000123) }
	return c
}

func TestEncodeWireKeys(t *testing.T) {
	c := fixedCodec()
	data, err := c.Encode(&Message{
		Action:           ActionReject,
		CallID:           "c-1",
		FromUserID:       1002,
		RemoteUserID:     1001,
		FromRoomID:       "room-1001",
		RejectReason:     RejectReasonBusy,
		RejectByInternal: true,
	})
	require.NoError(t, err)

	var raw map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &raw))

	assert.EqualValues(t, 3, raw["message_action"])
	assert.Equal(t, "1.0", raw["message_version"])
	assert.EqualValues(t, 1700000000123, raw["message_timestamp"])
	assert.Equal(t, "c-1", raw["callId"])
	assert.EqualValues(t, 1002, raw["fromUserId"])
	assert.EqualValues(t, 1001, raw["remoteUserId"])
	assert.Equal(t, "room-1001", raw["fromRoomId"])
	assert.Equal(t, "The user is currently busy", raw["rejectReason"])
	assert.EqualValues(t, 1, raw["rejectByInternal"])
	assert.EqualValues(t, 1, raw["messageId"])
	assert.NotContains(t, raw, "cancelCallByInternal")
}

func TestEncodeCancelCarriesInternalFlag(t *testing.T) {
	c := fixedCodec()

	tests := []struct {
		name     string
		internal bool
		want     float64
	}{
		{"локальная отмена", false, 0},
		{"отмена по таймауту", true, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := c.Encode(&Message{Action: ActionCancel, CallID: "c", CancelByInternal: tt.internal})
			require.NoError(t, err)
			var raw map[string]interface{}
			require.NoError(t, json.Unmarshal(data, &raw))
			assert.Equal(t, tt.want, raw["cancelCallByInternal"])
			assert.NotContains(t, raw, "rejectByInternal")
		})
	}
}

func TestDecodeRoundTrip(t *testing.T) {
	c := fixedCodec()
	in := &Message{
		Action:            ActionAudioCall,
		CallID:            "abc",
		FromUserID:        7,
		RemoteUserID:      8,
		FromRoomID:        "room-7",
		FromUserExtension: map[string]interface{}{"nick": "alice"},
		ReceiptsRoomID:    "7",
	}
	data, err := c.Encode(in)
	require.NoError(t, err)

	out, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, in.Action, out.Action)
	assert.Equal(t, Version, out.Version)
	assert.Equal(t, in.CallID, out.CallID)
	assert.Equal(t, in.FromUserID, out.FromUserID)
	assert.Equal(t, in.RemoteUserID, out.RemoteUserID)
	assert.Equal(t, in.FromRoomID, out.FromRoomID)
	assert.Equal(t, "alice", out.FromUserExtension["nick"])
	assert.True(t, out.WantsReceipt())
	assert.False(t, out.IsReceipt())
}

func TestDecodeErrors(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		want    error
	}{
		{"не JSON", `{"message_action":`, ErrMalformed},
		{"нет действия", `{"message_version":"1.0"}`, ErrMalformed},
		{"чужая версия", `{"message_action":0,"message_version":"2.0"}`, ErrVersionMismatch},
		{"нет версии", `{"message_action":0}`, ErrVersionMismatch},
		{"неизвестное действие", `{"message_action":5,"message_version":"1.0"}`, ErrUnknownAction},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := Decode([]byte(tt.payload))
			assert.Nil(t, m)
			assert.True(t, errors.Is(err, tt.want), "got %v", err)
		})
	}
}

func TestDecodeFlagsFromOtherClients(t *testing.T) {
	payload := `{"message_action":1,"message_version":"1.0","message_timestamp":1,"callId":"x",` +
		`"fromUserId":1,"remoteUserId":2,"fromRoomId":"r","cancelCallByInternal":1,"messageId":17}`
	m, err := Decode([]byte(payload))
	require.NoError(t, err)
	assert.Equal(t, ActionCancel, m.Action)
	assert.True(t, m.CancelByInternal)
	assert.Equal(t, 17, m.MessageID)
	assert.False(t, m.WantsReceipt(), "без receiptsRoomId квитанция не нужна")
}

func TestReceiptFrame(t *testing.T) {
	data, err := Marshal(NewReceipt(42))
	require.NoError(t, err)
	assert.JSONEq(t, `{"receipts":42}`, string(data))

	m, err := Decode(data)
	require.NoError(t, err)
	assert.True(t, m.IsReceipt())
	assert.Equal(t, 42, m.Receipts)
}

func TestMessageIDMonotonicAndWraps(t *testing.T) {
	c := NewCodec()
	first := c.NextMessageID()
	second := c.NextMessageID()
	assert.Equal(t, first+1, second)

	c.messageID = math.MaxInt32 - 1
	assert.Equal(t, 1, c.NextMessageID(), "после MaxInt32-1 счетчик заворачивается и пропускает 0")
}

func TestEncodeRejectsUnknownAction(t *testing.T) {
	_, err := NewCodec().Encode(&Message{Action: Action(77)})
	assert.ErrorIs(t, err, ErrUnknownAction)
}

func TestFieldsAsEventInfo(t *testing.T) {
	m := &Message{Action: ActionHangup, CallID: "c", FromUserID: 1, HangupReason: "bye", MessageID: 3}
	f := m.Fields()
	assert.Equal(t, "bye", f[KeyHangupReason])
	assert.Equal(t, 3, f[KeyMessageID])
	assert.Equal(t, uint32(1), f[KeyFromUserID])
	assert.NotContains(t, f, KeyRejectReason)
}

func TestEncodeAtUsesGivenTime(t *testing.T) {
	c := fixedCodec()
	at := time.UnixMilli(1800000000456)
	m := &Message{Action: ActionVideoCall, CallID: "c", FromUserID: 1, RemoteUserID: 2}
	data, err := c.EncodeAt(m, at)
	require.NoError(t, err)
	assert.Equal(t, int64(1800000000456), m.Timestamp, "время часов вызывающего, а не кодека")

	decoded, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, int64(1800000000456), decoded.Timestamp)
	assert.Equal(t, Version, decoded.Version)

	_, err = c.EncodeAt(&Message{Action: Action(77)}, at)
	assert.ErrorIs(t, err, ErrUnknownAction)
}

func TestActionIsCall(t *testing.T) {
	assert.True(t, ActionVideoCall.IsCall())
	assert.True(t, ActionAudioCall.IsCall())
	for _, a := range []Action{ActionCancel, ActionAccept, ActionReject, ActionHangup, Action(77)} {
		assert.False(t, a.IsCall(), a.String())
	}
}
