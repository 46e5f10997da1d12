// Package cost измеряет задержки этапов установления звонка.
package cost

import (
	"sync"
	"time"
)

// Контрольные точки установления звонка
const (
	RemoteUserRecvCall        = "remoteUserRecvCall"
	AcceptCall                = "acceptCall"
	LocalUserJoinChannel      = "localUserJoinChannel"
	RemoteUserJoinChannel     = "remoteUserJoinChannel"
	RecvFirstFrame            = "recvFirstFrame"
	LocalFirstFrameDidCapture = "localFirstFrameDidCapture"
	LocalFirstFrameDidPublish = "localFirstFrameDidPublish"
)

// Observer получает каждое записанное значение (например, для метрик)
type Observer func(callID, checkpoint string, elapsed time.Duration)

// Tracker хранит время от начала попытки звонка до каждой контрольной точки.
// Значения берутся по монотонным часам, поэтому не убывают в порядке записи.
type Tracker struct {
	mu       sync.Mutex
	callID   string
	start    time.Time
	started  bool
	costs    map[string]int64
	now      func() time.Time
	observer Observer
}

// NewTracker создает трекер
func NewTracker(observer Observer) *Tracker {
	return &Tracker{
		costs:    make(map[string]int64),
		now:      time.Now,
		observer: observer,
	}
}

// SetNow подменяет источник времени
func (t *Tracker) SetNow(now func() time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if now != nil {
		t.now = now
	}
}

// Reset начинает отсчет для новой попытки звонка и очищает карту
func (t *Tracker) Reset(callID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.callID = callID
	t.start = t.now()
	t.started = true
	t.costs = make(map[string]int64)
}

// Clear останавливает отсчет
func (t *Tracker) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.callID = ""
	t.started = false
	t.costs = make(map[string]int64)
}

// Record записывает контрольную точку и возвращает прошедшее время в миллисекундах.
// Без активного отсчета возвращает 0 и ничего не записывает.
func (t *Tracker) Record(checkpoint string) int64 {
	t.mu.Lock()
	if !t.started {
		t.mu.Unlock()
		return 0
	}
	elapsed := t.now().Sub(t.start)
	if elapsed < 0 {
		elapsed = 0
	}
	ms := elapsed.Milliseconds()
	t.costs[checkpoint] = ms
	callID := t.callID
	observer := t.observer
	t.mu.Unlock()

	if observer != nil {
		observer(callID, checkpoint, elapsed)
	}
	return ms
}

// Elapsed возвращает время с начала попытки
func (t *Tracker) Elapsed() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.started {
		return 0
	}
	return t.now().Sub(t.start)
}

// CallID возвращает идентификатор звонка, для которого идет отсчет
func (t *Tracker) CallID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.callID
}

// Snapshot возвращает копию карты контрольных точек
func (t *Tracker) Snapshot() map[string]int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]int64, len(t.costs))
	for k, v := range t.costs {
		out[k] = v
	}
	return out
}
