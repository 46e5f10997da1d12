package wsclient

import (
	"context"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/call_api/pkg/callapi"
	"github.com/arzzra/call_api/pkg/logging"
	"github.com/arzzra/call_api/pkg/relay"
)

type collector struct {
	mu       sync.Mutex
	messages []string
	states   []callapi.ConnectionState
	expiring int
}

func (c *collector) OnMessageReceived(from string, payload []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = append(c.messages, from+":"+string(payload))
}

func (c *collector) OnConnectionStateChanged(state callapi.ConnectionState, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.states = append(c.states, state)
}

func (c *collector) OnTokenWillExpire() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.expiring++
}

func (c *collector) snapshot() ([]string, []callapi.ConnectionState, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.messages...), append([]callapi.ConnectionState(nil), c.states...), c.expiring
}

type relayEnv struct {
	server *relay.Server
	http   *httptest.Server
	wsURL  string
}

func newRelay(t *testing.T, warning time.Duration) *relayEnv {
	t.Helper()
	cfg := relay.DefaultConfig([]byte("secret"))
	cfg.ExpiryWarning = warning
	s, err := relay.NewServer(cfg, relay.WithLogger(logging.NoOpLogger{}), relay.WithRegistry(prometheus.NewRegistry()))
	require.NoError(t, err)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		s.Close()
		ts.Close()
	})
	return &relayEnv{server: s, http: ts, wsURL: "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"}
}

func (e *relayEnv) client(t *testing.T, userID string, ttl time.Duration) (*Client, *collector) {
	t.Helper()
	token, err := e.server.Authenticator().Issue(userID, ttl)
	require.NoError(t, err)
	c, err := New(DefaultConfig(e.wsURL, token), logging.NoOpLogger{})
	require.NoError(t, err)
	col := &collector{}
	c.SetHandler(col)
	require.NoError(t, c.Connect(context.Background()))
	t.Cleanup(func() { _ = c.Close() })
	require.Eventually(t, func() bool { return e.server.Hub().Online(userID) }, 2*time.Second, 5*time.Millisecond)
	return c, col
}

func TestConfigValidate(t *testing.T) {
	assert.NoError(t, DefaultConfig("ws://localhost/ws", "t").Validate())
	assert.Error(t, DefaultConfig("http://localhost/ws", "t").Validate())
	assert.Error(t, DefaultConfig("::bad", "t").Validate())
	_, err := New(nil, nil)
	assert.Error(t, err)
}

func TestMessagesThroughRelay(t *testing.T) {
	env := newRelay(t, time.Second)
	a, _ := env.client(t, "1", time.Hour)
	_, colB := env.client(t, "2", time.Hour)

	ctx := context.Background()
	require.NoError(t, a.SendMessage(ctx, "2", []byte(`{"message_action":0}`)))
	require.NoError(t, a.SendMessage(ctx, "2", []byte(`{"message_action":1}`)))

	require.Eventually(t, func() bool {
		msgs, _, _ := colB.snapshot()
		return len(msgs) == 2
	}, 2*time.Second, 5*time.Millisecond)
	msgs, states, _ := colB.snapshot()
	assert.Equal(t, []string{`1:{"message_action":0}`, `1:{"message_action":1}`}, msgs, "порядок сохраняется")
	assert.Equal(t, []callapi.ConnectionState{callapi.ConnectionConnected}, states)

	assert.NoError(t, a.SendMessage(ctx, "9", []byte("x")), "отсутствие получателя не ошибка отправки")
}

func TestTokenWarningAndRenew(t *testing.T) {
	env := newRelay(t, time.Hour)
	c, col := env.client(t, "1", time.Minute)

	require.Eventually(t, func() bool {
		_, _, expiring := col.snapshot()
		return expiring == 1
	}, 2*time.Second, 5*time.Millisecond)

	fresh, err := env.server.Authenticator().Issue("1", 3*time.Hour)
	require.NoError(t, err)
	require.NoError(t, c.RenewToken(context.Background(), fresh))
	c.mu.Lock()
	assert.Equal(t, fresh, c.token)
	c.mu.Unlock()
}

func TestConnectionLostAndReconnect(t *testing.T) {
	env := newRelay(t, time.Second)
	c, col := env.client(t, "1", time.Hour)

	env.server.Close()
	require.Eventually(t, func() bool {
		_, states, _ := col.snapshot()
		return len(states) == 2 && states[1] == callapi.ConnectionLost
	}, 2*time.Second, 5*time.Millisecond)
	assert.ErrorIs(t, c.SendMessage(context.Background(), "2", nil), ErrNotConnected)

	require.NoError(t, c.Connect(context.Background()), "повторное подключение")
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	_, states, _ := col.snapshot()
	assert.Equal(t, callapi.ConnectionConnected, states[len(states)-1], "локальное закрытие не считается потерей")
}

func TestConnectRejectedToken(t *testing.T) {
	env := newRelay(t, time.Second)
	c, err := New(DefaultConfig(env.wsURL, "bogus"), nil)
	require.NoError(t, err)
	err = c.Connect(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "401")
}
