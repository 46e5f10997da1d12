package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/call_api/pkg/callapi"
)

type inbox struct {
	mu       sync.Mutex
	messages []string
	states   []callapi.ConnectionState
	expiring int
	got      chan struct{}
}

func newInbox() *inbox {
	return &inbox{got: make(chan struct{}, 64)}
}

func (i *inbox) OnMessageReceived(from string, payload []byte) {
	i.mu.Lock()
	i.messages = append(i.messages, from+":"+string(payload))
	i.mu.Unlock()
	i.got <- struct{}{}
}

func (i *inbox) OnConnectionStateChanged(state callapi.ConnectionState, reason string) {
	i.mu.Lock()
	i.states = append(i.states, state)
	i.mu.Unlock()
	i.got <- struct{}{}
}

func (i *inbox) OnTokenWillExpire() {
	i.mu.Lock()
	i.expiring++
	i.mu.Unlock()
	i.got <- struct{}{}
}

func (i *inbox) wait(t *testing.T, n int) {
	t.Helper()
	for k := 0; k < n; k++ {
		select {
		case <-i.got:
		case <-time.After(time.Second):
			t.Fatalf("доставлено %d из %d", k, n)
		}
	}
}

func (i *inbox) Messages() []string {
	i.mu.Lock()
	defer i.mu.Unlock()
	return append([]string(nil), i.messages...)
}

func connected(t *testing.T, bus *Bus, user string) (*Endpoint, *inbox) {
	t.Helper()
	ep := bus.Endpoint(user)
	in := newInbox()
	ep.SetHandler(in)
	require.NoError(t, ep.Connect(context.Background()))
	in.wait(t, 1)
	t.Cleanup(func() { _ = ep.Close() })
	return ep, in
}

func TestDeliveryIsOrderedPerReceiver(t *testing.T) {
	ctx := context.Background()
	bus := NewBus(nil)
	a, _ := connected(t, bus, "1")
	_, inB := connected(t, bus, "2")

	const n = 50
	for k := 0; k < n; k++ {
		require.NoError(t, a.SendMessage(ctx, "2", []byte(fmt.Sprint(k))))
	}
	inB.wait(t, n)

	got := inB.Messages()
	require.Len(t, got, n)
	for k := 0; k < n; k++ {
		assert.Equal(t, fmt.Sprintf("1:%d", k), got[k], "порядок доставки нарушен")
	}
	assert.Equal(t, Stats{Sent: n, Delivered: n}, bus.Stats())
}

func TestSendErrors(t *testing.T) {
	ctx := context.Background()
	bus := NewBus(nil)
	a, _ := connected(t, bus, "1")

	assert.ErrorIs(t, a.SendMessage(ctx, "2", []byte("x")), ErrPeerOffline)

	offline := bus.Endpoint("3")
	assert.ErrorIs(t, offline.SendMessage(ctx, "1", []byte("x")), ErrNotConnected)

	boom := errors.New("boom")
	bus.FailSends("1", boom)
	_, _ = connected(t, bus, "2")
	assert.ErrorIs(t, a.SendMessage(ctx, "2", []byte("x")), boom)
	bus.FailSends("1", nil)
	assert.NoError(t, a.SendMessage(ctx, "2", []byte("x")))
}

func TestDropNextLosesSilently(t *testing.T) {
	ctx := context.Background()
	bus := NewBus(nil)
	a, _ := connected(t, bus, "1")
	_, inB := connected(t, bus, "2")

	bus.DropNext("2", 2)
	for k := 0; k < 3; k++ {
		require.NoError(t, a.SendMessage(ctx, "2", []byte(fmt.Sprint(k))))
	}
	inB.wait(t, 1)
	assert.Equal(t, []string{"1:2"}, inB.Messages())
	assert.Equal(t, 2, bus.Stats().Dropped)
}

func TestConnectFailureAndReconnectAfterClose(t *testing.T) {
	ctx := context.Background()
	bus := NewBus(nil)
	ep := bus.Endpoint("1")
	in := newInbox()
	ep.SetHandler(in)

	refused := errors.New("refused")
	bus.FailConnect("1", refused)
	assert.ErrorIs(t, ep.Connect(ctx), refused)
	assert.False(t, bus.Online("1"))

	bus.FailConnect("1", nil)
	require.NoError(t, ep.Connect(ctx))
	in.wait(t, 1)
	require.NoError(t, ep.Close())
	assert.False(t, bus.Online("1"))

	require.NoError(t, ep.Connect(ctx), "после Close подключение снова возможно")
	in.wait(t, 1)
	assert.True(t, bus.Online("1"))
	require.NoError(t, ep.Close())
}

func TestDisconnectAndTokenEvents(t *testing.T) {
	bus := NewBus(nil)
	ep, in := connected(t, bus, "1")

	require.NoError(t, ep.RenewToken(context.Background(), "tok"))
	assert.Equal(t, "tok", ep.Token())

	bus.ExpireToken("1")
	bus.Disconnect("1", "network")
	in.wait(t, 2)

	in.mu.Lock()
	defer in.mu.Unlock()
	assert.Equal(t, 1, in.expiring)
	assert.Equal(t, []callapi.ConnectionState{callapi.ConnectionConnected, callapi.ConnectionLost}, in.states)
	assert.ErrorIs(t, ep.SendMessage(context.Background(), "2", nil), ErrNotConnected)
}

func TestInject(t *testing.T) {
	bus := NewBus(nil)
	_, in := connected(t, bus, "1")

	require.NoError(t, bus.Inject("9", "1", []byte("raw")))
	in.wait(t, 1)
	assert.Equal(t, []string{"9:raw"}, in.Messages())
	assert.ErrorIs(t, bus.Inject("9", "5", nil), ErrPeerOffline)
}
