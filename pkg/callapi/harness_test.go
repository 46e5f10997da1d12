package callapi_test

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/call_api/pkg/callapi"
	"github.com/arzzra/call_api/pkg/logging"
	"github.com/arzzra/call_api/pkg/mediaengine/loopback"
	"github.com/arzzra/call_api/pkg/signaling/memory"
)

const waitTimeout = 3 * time.Second

type stateChange struct {
	State       callapi.State
	Reason      callapi.StateReason
	EventReason string
	Info        callapi.EventInfo
}

type errorRecord struct {
	Event    callapi.ErrorEvent
	CodeType callapi.ErrorCodeType
	Code     int
	Message  string
}

type connectRecord struct {
	RoomID   string
	PeerID   uint32
	SelfID   uint32
	Duration time.Duration
}

// recorder слушатель, собирающий все уведомления сессии
type recorder struct {
	mu           sync.Mutex
	states       []stateChange
	events       []callapi.Event
	eventReasons map[callapi.Event]string
	errors       []errorRecord
	connected    []connectRecord
	disconnected []connectRecord
	missing      []callapi.EventInfo
	tokenWarns   int
	denyJoin     bool
}

func newRecorder() *recorder {
	return &recorder{eventReasons: make(map[callapi.Event]string)}
}

func (r *recorder) OnCallStateChanged(state callapi.State, reason callapi.StateReason, eventReason string, info callapi.EventInfo) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, stateChange{state, reason, eventReason, info})
}

func (r *recorder) OnCallEventChanged(event callapi.Event, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	r.eventReasons[event] = reason
}

func (r *recorder) OnCallError(event callapi.ErrorEvent, codeType callapi.ErrorCodeType, code int, message string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errors = append(r.errors, errorRecord{event, codeType, code, message})
}

func (r *recorder) OnCallConnected(roomID string, peerUserID, selfUserID uint32, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connected = append(r.connected, connectRecord{RoomID: roomID, PeerID: peerUserID, SelfID: selfUserID})
}

func (r *recorder) OnCallDisconnected(roomID string, hangupUserID, selfUserID uint32, at time.Time, duration time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.disconnected = append(r.disconnected, connectRecord{RoomID: roomID, PeerID: hangupUserID, SelfID: selfUserID, Duration: duration})
}

func (r *recorder) OnTokenPrivilegeWillExpire() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tokenWarns++
}

func (r *recorder) OnMissingReceipts(info callapi.EventInfo) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.missing = append(r.missing, info)
}

func (r *recorder) CanJoinOnCalling(info callapi.EventInfo) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return !r.denyJoin
}

func (r *recorder) States() []stateChange {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]stateChange(nil), r.states...)
}

func (r *recorder) StateSeq() []callapi.State {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]callapi.State, len(r.states))
	for i, s := range r.states {
		out[i] = s.State
	}
	return out
}

func (r *recorder) Events() []callapi.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]callapi.Event(nil), r.events...)
}

func (r *recorder) Errors() []errorRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]errorRecord(nil), r.errors...)
}

func (r *recorder) hasEvent(e callapi.Event) bool {
	for _, got := range r.Events() {
		if got == e {
			return true
		}
	}
	return false
}

func (r *recorder) waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(waitTimeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("не дождались: %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// WaitStates ждет, пока последовательность состояний появится в истории (как подпоследовательность)
func (r *recorder) WaitStates(t *testing.T, seq ...callapi.State) {
	t.Helper()
	r.waitFor(t, fmt.Sprintf("состояния %v", seq), func() bool {
		got := r.StateSeq()
		k := 0
		for _, s := range got {
			if k < len(seq) && s == seq[k] {
				k++
			}
		}
		return k == len(seq)
	})
}

// LastState ждет состояние и возвращает последнее уведомление о нем
func (r *recorder) LastState(t *testing.T, state callapi.State) stateChange {
	t.Helper()
	r.WaitStates(t, state)
	states := r.States()
	for i := len(states) - 1; i >= 0; i-- {
		if states[i].State == state {
			return states[i]
		}
	}
	return stateChange{}
}

func (r *recorder) WaitEvent(t *testing.T, e callapi.Event) {
	t.Helper()
	r.waitFor(t, "событие "+e.String(), func() bool { return r.hasEvent(e) })
}

func (r *recorder) WaitError(t *testing.T, e callapi.ErrorEvent) errorRecord {
	t.Helper()
	var found errorRecord
	r.waitFor(t, "ошибка "+e.String(), func() bool {
		for _, rec := range r.Errors() {
			if rec.Event == e {
				found = rec
				return true
			}
		}
		return false
	})
	return found
}

// party одна сторона звонка: сессия поверх loopback-движка и памяти-сигналинга
type party struct {
	uid      uint32
	room     string
	session  *callapi.Session
	engine   *loopback.Engine
	endpoint *memory.Endpoint
	rec      *recorder
	registry *prometheus.Registry
}

type world struct {
	hub *loopback.Hub
	bus *memory.Bus
}

func newWorld() *world {
	return &world{hub: loopback.NewHub(logging.NoOpLogger{}), bus: memory.NewBus(logging.NoOpLogger{})}
}

func (w *world) party(t *testing.T, uid uint32, mutate func(*callapi.Config), opts ...callapi.Option) *party {
	t.Helper()
	reg := prometheus.NewRegistry()
	metrics := callapi.NewMetrics(&callapi.MetricsConfig{Namespace: "callapi", Subsystem: "session", Registerer: reg})

	engine := w.hub.NewEngine()
	endpoint := w.bus.Endpoint(strconv.FormatUint(uint64(uid), 10))
	all := append([]callapi.Option{callapi.WithLogger(logging.NoOpLogger{}), callapi.WithMetrics(metrics)}, opts...)
	s := callapi.NewSession(all...)
	rec := newRecorder()
	s.AddListener(rec)

	cfg := callapi.DefaultConfig(uid, engine, endpoint)
	if mutate != nil {
		mutate(cfg)
	}
	require.NoError(t, s.Initialize(context.Background(), cfg))
	t.Cleanup(func() { _ = s.Close() })

	return &party{
		uid:      uid,
		room:     fmt.Sprintf("room-%d", uid),
		session:  s,
		engine:   engine,
		endpoint: endpoint,
		rec:      rec,
		registry: reg,
	}
}

func (p *party) prepare(t *testing.T, mutate func(*callapi.PrepareConfig)) {
	t.Helper()
	pc := callapi.DefaultPrepareConfig(p.room, fmt.Sprintf("token-%d", p.uid))
	if mutate != nil {
		mutate(pc)
	}
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	require.NoError(t, p.session.PrepareForCall(ctx, pc))
	require.Equal(t, callapi.StatePrepared, p.session.State())
}

func ctxT(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	t.Cleanup(cancel)
	return ctx
}
