package media

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeEngine записывает команды в порядке вызова
type fakeEngine struct {
	mu       sync.Mutex
	calls    []string
	joinErr  error
	joinGate chan struct{}
	handler  EngineEventHandler
}

func (e *fakeEngine) record(format string, args ...any) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls = append(e.calls, fmt.Sprintf(format, args...))
}

func (e *fakeEngine) Calls() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.calls...)
}

func (e *fakeEngine) Join(ctx context.Context, channel, _ string, uid uint32, opts Options) error {
	e.record("join %s %d %s", channel, uid, opts.Role)
	if e.joinGate != nil {
		select {
		case <-e.joinGate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return e.joinErr
}

func (e *fakeEngine) Leave(_ context.Context, channel string) error {
	e.record("leave %s", channel)
	return nil
}

func (e *fakeEngine) SetPublish(channel string, audio, video bool) error {
	e.record("publish %s %t %t", channel, audio, video)
	return nil
}

func (e *fakeEngine) SetSubscribe(channel string, audio, video bool) error {
	e.record("subscribe %s %t %t", channel, audio, video)
	return nil
}

func (e *fakeEngine) SwitchRole(channel string, role Role) error {
	e.record("role %s %s", channel, role)
	return nil
}

func (e *fakeEngine) AdjustPlaybackVolume(channel string, uid uint32, volume int) error {
	e.record("volume %s %d %d", channel, uid, volume)
	return nil
}

func (e *fakeEngine) RenewToken(channel, token string) error {
	e.record("token %s %s", channel, token)
	return nil
}

func (e *fakeEngine) SetEventHandler(h EngineEventHandler) { e.handler = h }

func waitResult(t *testing.T, ch <-chan JoinResult) JoinResult {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(time.Second):
		t.Fatal("вход не завершился")
		return JoinResult{}
	}
}

func TestJoinAsPublisherVideo(t *testing.T) {
	engine := &fakeEngine{}
	o := NewOrchestrator(engine, nil)

	done := make(chan JoinResult, 1)
	o.JoinAsPublisher(JoinRequest{Channel: "room-1", UID: 1, Peer: 2, Video: true}, func(r JoinResult) { done <- r })
	r := waitResult(t, done)

	require.NoError(t, r.Err)
	assert.Equal(t, RolePublisher, r.Role)
	assert.True(t, o.Joined())
	assert.True(t, o.RemoteMuted(), "собеседник заглушен до соединения")
	assert.Equal(t, []string{
		"join room-1 1 publisher",
		"role room-1 publisher",
		"publish room-1 true true",
		"subscribe room-1 true true",
		"volume room-1 2 0",
	}, engine.Calls())
}

func TestJoinAsPublisherAudioOnly(t *testing.T) {
	engine := &fakeEngine{}
	o := NewOrchestrator(engine, nil)

	done := make(chan JoinResult, 1)
	o.JoinAsPublisher(JoinRequest{Channel: "room-1", UID: 1, Peer: 2}, func(r JoinResult) { done <- r })
	require.NoError(t, waitResult(t, done).Err)

	assert.Contains(t, engine.Calls(), "publish room-1 true false")
	assert.Contains(t, engine.Calls(), "subscribe room-1 true false")
}

func TestJoinLeavesDifferentChannel(t *testing.T) {
	engine := &fakeEngine{}
	o := NewOrchestrator(engine, nil)

	done := make(chan JoinResult, 1)
	o.JoinAsSubscriber(JoinRequest{Channel: "home", UID: 1}, func(r JoinResult) { done <- r })
	require.NoError(t, waitResult(t, done).Err)

	o.JoinAsPublisher(JoinRequest{Channel: "peer-room", UID: 1, Peer: 2, Video: true}, func(r JoinResult) { done <- r })
	require.NoError(t, waitResult(t, done).Err)

	calls := engine.Calls()
	assert.Contains(t, calls, "leave home")
	assert.Contains(t, calls, "join peer-room 1 publisher")
	assert.Equal(t, "peer-room", o.Channel())
}

func TestJoinSameChannelSwitchesRole(t *testing.T) {
	engine := &fakeEngine{}
	o := NewOrchestrator(engine, nil)

	done := make(chan JoinResult, 1)
	o.JoinAsSubscriber(JoinRequest{Channel: "home", UID: 1}, func(r JoinResult) { done <- r })
	require.NoError(t, waitResult(t, done).Err)

	o.JoinAsPublisher(JoinRequest{Channel: "home", UID: 1, Peer: 2, Video: true}, func(r JoinResult) { done <- r })
	r := waitResult(t, done)
	require.NoError(t, r.Err)
	assert.Equal(t, RolePublisher, o.Role())

	joins := 0
	for _, c := range engine.Calls() {
		if c == "join home 1 subscriber" || c == "join home 1 publisher" {
			joins++
		}
	}
	assert.Equal(t, 1, joins, "повторного входа быть не должно")
	assert.Contains(t, engine.Calls(), "role home publisher")
}

func TestLeaveCancelsInflightJoin(t *testing.T) {
	engine := &fakeEngine{joinGate: make(chan struct{})}
	o := NewOrchestrator(engine, nil)

	done := make(chan JoinResult, 1)
	o.JoinAsPublisher(JoinRequest{Channel: "room", UID: 1, Peer: 2}, func(r JoinResult) { done <- r })
	assert.True(t, o.Joining())

	require.NoError(t, o.Leave(context.Background()))
	r := waitResult(t, done)
	assert.True(t, r.Stale)
	assert.ErrorIs(t, r.Err, ErrJoinCancelled)
	assert.False(t, o.Joined())

	// Повторный выход ничего не делает
	before := len(engine.Calls())
	require.NoError(t, o.Leave(context.Background()))
	assert.Len(t, engine.Calls(), before)
}

func TestJoinFailure(t *testing.T) {
	engine := &fakeEngine{joinErr: errors.New("code 17")}
	o := NewOrchestrator(engine, nil)

	done := make(chan JoinResult, 1)
	o.JoinAsPublisher(JoinRequest{Channel: "room", UID: 1}, func(r JoinResult) { done <- r })
	r := waitResult(t, done)
	assert.EqualError(t, r.Err, "code 17")
	assert.False(t, o.Joined())
	assert.Empty(t, o.Channel())
}

func TestFirstFrameSignal(t *testing.T) {
	tests := []struct {
		name   string
		video  bool
		frames []Kind
		uid    uint32
		want   []bool
	}{
		{"видеозвонок ждет видео", true, []Kind{KindAudio, KindVideo, KindVideo}, 2, []bool{false, true, false}},
		{"аудиозвонок ждет аудио", false, []Kind{KindVideo, KindAudio, KindAudio}, 2, []bool{false, true, false}},
		{"чужой пользователь", true, []Kind{KindVideo}, 3, []bool{false}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			engine := &fakeEngine{}
			o := NewOrchestrator(engine, nil)
			done := make(chan JoinResult, 1)
			o.JoinAsPublisher(JoinRequest{Channel: "room", UID: 1, Peer: 2, Video: tt.video}, func(r JoinResult) { done <- r })
			require.NoError(t, waitResult(t, done).Err)

			for i, kind := range tt.frames {
				assert.Equal(t, tt.want[i], o.ObserveRemoteFrame("room", tt.uid, kind), "кадр %d", i)
			}
		})
	}
}

func TestFirstFrameResetsOnRejoin(t *testing.T) {
	engine := &fakeEngine{}
	o := NewOrchestrator(engine, nil)
	done := make(chan JoinResult, 1)

	o.JoinAsPublisher(JoinRequest{Channel: "room", UID: 1, Peer: 2, Video: true}, func(r JoinResult) { done <- r })
	require.NoError(t, waitResult(t, done).Err)
	require.True(t, o.ObserveRemoteFrame("room", 2, KindVideo))

	require.NoError(t, o.Leave(context.Background()))
	assert.False(t, o.ObserveRemoteFrame("room", 2, KindVideo), "после выхода сигнала нет")

	o.JoinAsPublisher(JoinRequest{Channel: "room", UID: 1, Peer: 2, Video: true}, func(r JoinResult) { done <- r })
	require.NoError(t, waitResult(t, done).Err)
	assert.True(t, o.ObserveRemoteFrame("room", 2, KindVideo))
}

func TestMuteAndRenew(t *testing.T) {
	engine := &fakeEngine{}
	o := NewOrchestrator(engine, nil)

	require.NoError(t, o.RenewToken("t0"), "без канала токен только запоминается")
	assert.Empty(t, engine.Calls())

	done := make(chan JoinResult, 1)
	o.JoinAsPublisher(JoinRequest{Channel: "room", UID: 1, Peer: 2}, func(r JoinResult) { done <- r })
	require.NoError(t, waitResult(t, done).Err)

	require.NoError(t, o.MuteRemoteAudio(false))
	assert.False(t, o.RemoteMuted())
	require.NoError(t, o.RenewToken("t1"))

	calls := engine.Calls()
	assert.Equal(t, "volume room 2 100", calls[len(calls)-2])
	assert.Equal(t, "token room t1", calls[len(calls)-1])
}

func TestSwitchRoleRequiresJoin(t *testing.T) {
	o := NewOrchestrator(&fakeEngine{}, nil)
	assert.ErrorIs(t, o.SwitchRole(RolePublisher), ErrNotJoined)
}

func TestNilEngine(t *testing.T) {
	o := NewOrchestrator(nil, nil)
	done := make(chan JoinResult, 1)
	o.JoinAsPublisher(JoinRequest{Channel: "room"}, func(r JoinResult) { done <- r })
	assert.ErrorIs(t, waitResult(t, done).Err, ErrNoEngine)
}
