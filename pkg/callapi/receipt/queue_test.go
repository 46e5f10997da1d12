package receipt

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/arzzra/call_api/pkg/callapi/timer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sent struct {
	to      string
	payload string
}

type recordingSender struct {
	mu   sync.Mutex
	sent []sent
	err  error
	ch   chan sent
}

func newRecordingSender() *recordingSender {
	return &recordingSender{ch: make(chan sent, 16)}
}

func (r *recordingSender) send(_ context.Context, to string, payload []byte) error {
	r.mu.Lock()
	r.sent = append(r.sent, sent{to: to, payload: string(payload)})
	err := r.err
	r.mu.Unlock()
	r.ch <- sent{to: to, payload: string(payload)}
	return err
}

func (r *recordingSender) wait(t *testing.T) sent {
	t.Helper()
	select {
	case s := <-r.ch:
		return s
	case <-time.After(time.Second):
		t.Fatal("повторная отправка не произошла")
		return sent{}
	}
}

func newTestQueue(t *testing.T, hooks Hooks) (*Queue, *recordingSender, *timer.ManualClock) {
	t.Helper()
	clock := timer.NewManualClock(time.Unix(0, 0))
	sender := newRecordingSender()
	q, err := NewQueue(nil, sender.send, clock, hooks, nil)
	require.NoError(t, err)
	t.Cleanup(q.Close)
	return q, sender, clock
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
		valid  bool
	}{
		{"по умолчанию", func(*Config) {}, true},
		{"нулевое ожидание", func(c *Config) { c.Wait = 0 }, false},
		{"нет попыток", func(c *Config) { c.MaxAttempts = 0 }, false},
		{"одна попытка", func(c *Config) { c.MaxAttempts = 1 }, true},
		{"нет таймаута отправки", func(c *Config) { c.SendTimeout = 0 }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(cfg)
			if tt.valid {
				assert.NoError(t, cfg.Validate())
			} else {
				assert.Error(t, cfg.Validate())
			}
		})
	}
}

func TestAckStopsRetries(t *testing.T) {
	var acked []int
	q, sender, clock := newTestQueue(t, Hooks{OnAck: func(id, _ int) { acked = append(acked, id) }})

	require.NoError(t, q.Track("42", 7, []byte("call")))
	assert.True(t, q.Ack(7))
	assert.False(t, q.Ack(7), "повторное подтверждение игнорируется")

	clock.Advance(time.Minute)
	assert.Empty(t, sender.sent)
	assert.Equal(t, []int{7}, acked)
	assert.Equal(t, 0, q.Len())
}

func TestRetriesThenMiss(t *testing.T) {
	missCh := make(chan Miss, 1)
	var resends []int
	q, sender, clock := newTestQueue(t, Hooks{
		OnMiss:   func(m Miss) { missCh <- m },
		OnResend: func(_ string, _ int, attempt int) { resends = append(resends, attempt) },
	})

	require.NoError(t, q.Track("42", 7, []byte("call")))

	clock.Advance(DefaultWait)
	assert.Equal(t, sent{to: "42", payload: "call"}, sender.wait(t))

	clock.Advance(DefaultWait)
	sender.wait(t)

	clock.Advance(DefaultWait)
	select {
	case m := <-missCh:
		assert.Equal(t, "42", m.To)
		assert.Equal(t, 7, m.MessageID)
		assert.Equal(t, DefaultMaxAttempts, m.Attempts)
		assert.Equal(t, "call", string(m.Payload))
	default:
		t.Fatal("ожидался OnMiss")
	}
	assert.Equal(t, []int{2, 3}, resends)
	assert.Equal(t, 0, q.Len())

	clock.Advance(time.Minute)
	assert.Len(t, sender.sent, 2, "после промаха отправок больше нет")
}

func TestNewerMessageSupersedes(t *testing.T) {
	var misses []Miss
	q, sender, clock := newTestQueue(t, Hooks{OnMiss: func(m Miss) { misses = append(misses, m) }})

	require.NoError(t, q.Track("42", 1, []byte("call")))
	clock.Advance(time.Second)
	require.NoError(t, q.Track("42", 2, []byte("cancel")))
	assert.Equal(t, 1, q.Len())
	assert.False(t, q.Ack(1), "вытесненное сообщение больше не ожидается")

	clock.Advance(DefaultWait)
	assert.Equal(t, "cancel", sender.wait(t).payload)
	assert.Empty(t, misses)
}

func TestSendErrorStillCountsAttempt(t *testing.T) {
	missCh := make(chan Miss, 1)
	q, sender, clock := newTestQueue(t, Hooks{OnMiss: func(m Miss) { missCh <- m }})
	sender.err = errors.New("network down")

	require.NoError(t, q.Track("7", 3, []byte("x")))
	for i := 0; i < DefaultMaxAttempts-1; i++ {
		clock.Advance(DefaultWait)
		sender.wait(t)
	}
	clock.Advance(DefaultWait)
	select {
	case m := <-missCh:
		assert.Equal(t, 3, m.MessageID)
	default:
		t.Fatal("ожидался OnMiss")
	}
}

func TestCloseRejectsTrack(t *testing.T) {
	q, _, clock := newTestQueue(t, Hooks{})
	require.NoError(t, q.Track("1", 1, nil))
	q.Close()
	assert.ErrorIs(t, q.Track("1", 2, nil), ErrClosed)
	assert.Equal(t, 0, q.Len())
	assert.Equal(t, 0, clock.Pending())
}
