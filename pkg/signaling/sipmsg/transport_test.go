package sipmsg

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/call_api/pkg/callapi"
	"github.com/arzzra/call_api/pkg/logging"
)

type inbox struct {
	mu     sync.Mutex
	msgs   []string
	states []callapi.ConnectionState
}

func (i *inbox) OnMessageReceived(from string, payload []byte) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.msgs = append(i.msgs, from+":"+string(payload))
}

func (i *inbox) OnConnectionStateChanged(state callapi.ConnectionState, reason string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.states = append(i.states, state)
}

func (i *inbox) OnTokenWillExpire() {}

func (i *inbox) messages() []string {
	i.mu.Lock()
	defer i.mu.Unlock()
	return append([]string(nil), i.msgs...)
}

func newTransport(t *testing.T, userID string) (*Transport, *inbox) {
	t.Helper()
	tr, err := New(DefaultConfig(userID, "127.0.0.1:0"), logging.NoOpLogger{})
	require.NoError(t, err)
	in := &inbox{}
	tr.SetHandler(in)
	require.NoError(t, tr.Connect(context.Background()))
	t.Cleanup(func() { _ = tr.Close() })
	return tr, in
}

func TestConfigValidate(t *testing.T) {
	assert.NoError(t, DefaultConfig("1", "127.0.0.1:0").Validate())
	assert.Error(t, DefaultConfig("", "127.0.0.1:0").Validate(), "пустой пользователь")
	assert.Error(t, DefaultConfig("1", "nohost").Validate(), "адрес без порта")

	cfg := DefaultConfig("1", "127.0.0.1:0")
	cfg.Peers["2"] = "bad"
	assert.Error(t, cfg.Validate())
}

func TestMessageExchange(t *testing.T) {
	a, inA := newTransport(t, "1")
	b, inB := newTransport(t, "2")
	require.NoError(t, a.AddPeer("2", b.Addr().String()))
	require.NoError(t, b.AddPeer("1", a.Addr().String()))

	ctx := context.Background()
	require.NoError(t, a.SendMessage(ctx, "2", []byte(`{"message_action":0}`)))
	require.NoError(t, b.SendMessage(ctx, "1", []byte(`{"message_action":2}`)))

	require.Eventually(t, func() bool { return len(inB.messages()) == 1 && len(inA.messages()) == 1 },
		2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{`1:{"message_action":0}`}, inB.messages(), "отправитель из From")
	assert.Equal(t, []string{`2:{"message_action":2}`}, inA.messages())

	inA.mu.Lock()
	assert.Equal(t, []callapi.ConnectionState{callapi.ConnectionConnected}, inA.states)
	inA.mu.Unlock()
}

func TestSendErrors(t *testing.T) {
	tr, err := New(DefaultConfig("1", "127.0.0.1:0"), nil)
	require.NoError(t, err)
	assert.ErrorIs(t, tr.SendMessage(context.Background(), "2", nil), ErrNotConnected)

	require.NoError(t, tr.Connect(context.Background()))
	defer tr.Close()
	assert.ErrorIs(t, tr.SendMessage(context.Background(), "2", nil), ErrUnknownPeer)
	assert.Error(t, tr.AddPeer("2", "nohost"))
}

func TestCloseAndReconnect(t *testing.T) {
	tr, in := newTransport(t, "1")
	first := tr.Addr()
	require.NotNil(t, first)

	require.NoError(t, tr.Close())
	assert.Nil(t, tr.Addr())
	require.NoError(t, tr.Close(), "повторное закрытие")

	require.NoError(t, tr.Connect(context.Background()))
	assert.NotNil(t, tr.Addr())

	in.mu.Lock()
	defer in.mu.Unlock()
	assert.NotContains(t, in.states, callapi.ConnectionLost, "локальное закрытие не считается потерей")
}
