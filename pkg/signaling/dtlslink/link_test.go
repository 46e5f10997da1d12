package dtlslink

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

func (i *inbox) snapshot() ([]string, []callapi.ConnectionState) {
	i.mu.Lock()
	defer i.mu.Unlock()
	return append([]string(nil), i.msgs...), append([]callapi.ConnectionState(nil), i.states...)
}

var testPSK = []byte{0xAB, 0xC1, 0x23, 0x45, 0x67, 0x89}

func newListener(t *testing.T) (*Link, *inbox) {
	t.Helper()
	cfg := DefaultConfig("2", "1", testPSK)
	cfg.Mode = ModeListen
	cfg.LocalAddr = "127.0.0.1:0"
	cfg.HandshakeTimeout = 2 * time.Second
	l, err := New(cfg, logging.NoOpLogger{})
	require.NoError(t, err)
	in := &inbox{}
	l.SetHandler(in)
	require.NoError(t, l.Connect(context.Background()))
	t.Cleanup(func() { _ = l.Close() })
	return l, in
}

func newDialer(t *testing.T, remote string, psk []byte) (*Link, *inbox) {
	t.Helper()
	cfg := DefaultConfig("1", "2", psk)
	cfg.RemoteAddr = remote
	cfg.HandshakeTimeout = 2 * time.Second
	l, err := New(cfg, logging.NoOpLogger{})
	require.NoError(t, err)
	in := &inbox{}
	l.SetHandler(in)
	t.Cleanup(func() { _ = l.Close() })
	return l, in
}

func TestConfigValidate(t *testing.T) {
	cfg := DefaultConfig("1", "2", testPSK)
	assert.Error(t, cfg.Validate(), "dial без RemoteAddr")
	cfg.RemoteAddr = "127.0.0.1:5000"
	assert.NoError(t, cfg.Validate())

	cfg.Mode = ModeListen
	assert.Error(t, cfg.Validate(), "listen без LocalAddr")

	assert.Error(t, DefaultConfig("1", "2", nil).Validate(), "пустой ключ")
	assert.Error(t, DefaultConfig("", "2", testPSK).Validate())
}

func TestMessageExchange(t *testing.T) {
	server, inServer := newListener(t)
	client, inClient := newDialer(t, server.Addr().String(), testPSK)
	require.NoError(t, client.Connect(context.Background()))

	require.Eventually(t, func() bool {
		_, states := inServer.snapshot()
		return len(states) == 1
	}, 3*time.Second, 10*time.Millisecond, "слушающая сторона приняла соединение")

	ctx := context.Background()
	require.NoError(t, client.SendMessage(ctx, "2", []byte(`{"message_action":0}`)))
	require.Eventually(t, func() bool {
		msgs, _ := inServer.snapshot()
		return len(msgs) == 1
	}, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, server.SendMessage(ctx, "1", []byte(`{"message_action":2}`)))
	require.Eventually(t, func() bool {
		msgs, _ := inClient.snapshot()
		return len(msgs) == 1
	}, 2*time.Second, 5*time.Millisecond)

	msgs, _ := inServer.snapshot()
	assert.Equal(t, []string{`1:{"message_action":0}`}, msgs)
	msgs, states := inClient.snapshot()
	assert.Equal(t, []string{`2:{"message_action":2}`}, msgs)
	assert.Equal(t, []callapi.ConnectionState{callapi.ConnectionConnected}, states)

	assert.ErrorIs(t, client.SendMessage(ctx, "3", nil), ErrUnknownPeer, "канал только для одного собеседника")
}

func TestWrongKeyFailsHandshake(t *testing.T) {
	server, inServer := newListener(t)
	client, _ := newDialer(t, server.Addr().String(), []byte("other-key"))

	assert.Error(t, client.Connect(context.Background()))
	assert.ErrorIs(t, client.SendMessage(context.Background(), "2", nil), ErrNotConnected)
	_, states := inServer.snapshot()
	assert.Empty(t, states, "соединение с чужим ключом не принято")
}

func TestPeerCloseReportsLoss(t *testing.T) {
	server, inServer := newListener(t)
	client, _ := newDialer(t, server.Addr().String(), testPSK)
	require.NoError(t, client.Connect(context.Background()))
	require.Eventually(t, func() bool {
		_, states := inServer.snapshot()
		return len(states) == 1
	}, 3*time.Second, 10*time.Millisecond)

	require.NoError(t, client.Close())
	require.Eventually(t, func() bool {
		_, states := inServer.snapshot()
		return len(states) == 2 && states[1] == callapi.ConnectionLost
	}, 3*time.Second, 10*time.Millisecond)
}
