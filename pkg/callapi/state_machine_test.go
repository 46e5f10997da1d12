package callapi

import (
	"context"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixedNow() time.Time { return time.Unix(1700000000, 0) }

func TestStateMachineHappyPath(t *testing.T) {
	sm := newStateMachine(fixedNow)
	ctx := context.Background()
	assert.Equal(t, StateIdle, sm.Current())

	steps := []struct {
		event  string
		reason StateReason
		want   State
	}{
		{fsmPrepare, ReasonNone, StatePrepared},
		{fsmCall, ReasonLocalVideoCall, StateCalling},
		{fsmAccept, ReasonRemoteAccepted, StateConnecting},
		{fsmConnect, ReasonRecvRemoteFirstFrame, StateConnected},
		{fsmEnd, ReasonLocalHangup, StatePrepared},
		{fsmReset, ReasonNone, StateIdle},
	}
	for _, step := range steps {
		from, changed, err := sm.Fire(ctx, step.event, step.reason)
		require.NoError(t, err, "событие %s из %s", step.event, from)
		assert.True(t, changed)
		assert.Equal(t, step.want, sm.Current())
		assert.Equal(t, step.reason, sm.Reason())
	}

	history := sm.History()
	require.Len(t, history, len(steps))
	assert.Equal(t, StateConnecting, history[3].From)
	assert.Equal(t, StateConnected, history[3].To)
	assert.Equal(t, ReasonRecvRemoteFirstFrame, history[3].Reason)
	assert.Equal(t, fixedNow(), history[3].At)
}

func TestStateMachineRejectsInvalidEvents(t *testing.T) {
	sm := newStateMachine(fixedNow)
	ctx := context.Background()

	_, _, err := sm.Fire(ctx, fsmCall, ReasonLocalVideoCall)
	assert.Error(t, err, "звонок из Idle недопустим")
	assert.Equal(t, StateIdle, sm.Current())

	_, _, err = sm.Fire(ctx, fsmConnect, ReasonNone)
	assert.Error(t, err)
	assert.Empty(t, sm.History(), "отклоненные события не попадают в историю")
}

func TestStateMachineRepreparePreservesState(t *testing.T) {
	sm := newStateMachine(fixedNow)
	ctx := context.Background()

	_, _, err := sm.Fire(ctx, fsmPrepare, ReasonNone)
	require.NoError(t, err)
	from, changed, err := sm.Fire(ctx, fsmPrepare, ReasonNone)
	require.NoError(t, err, "повторная подготовка допустима")
	assert.False(t, changed)
	assert.Equal(t, StatePrepared, from)
	assert.Equal(t, StatePrepared, sm.Current())
}

func TestStateMachineHistoryBounded(t *testing.T) {
	sm := newStateMachine(fixedNow)
	ctx := context.Background()
	_, _, err := sm.Fire(ctx, fsmPrepare, ReasonNone)
	require.NoError(t, err)

	for i := 0; i < historyLimit; i++ {
		_, _, err := sm.Fire(ctx, fsmCall, ReasonRemoteAudioCall)
		require.NoError(t, err)
		_, _, err = sm.Fire(ctx, fsmEnd, ReasonRemoteCancelled)
		require.NoError(t, err)
	}
	history := sm.History()
	assert.Len(t, history, historyLimit)
	assert.Equal(t, ReasonRemoteCancelled, history[len(history)-1].Reason)
}

// Случайные последовательности событий никогда не выводят автомат за пределы таблицы переходов
func TestStateMachineRandomWalkStaysInTable(t *testing.T) {
	validator := NewStateValidator()
	events := []string{fsmPrepare, fsmCall, fsmAccept, fsmConnect, fsmEnd, fsmFail, fsmReset}
	rnd := rand.New(rand.NewSource(42))
	ctx := context.Background()

	for walk := 0; walk < 50; walk++ {
		sm := newStateMachine(fixedNow)
		for step := 0; step < 200; step++ {
			event := events[rnd.Intn(len(events))]
			before := sm.Current()
			can := sm.Can(event)

			from, changed, err := sm.Fire(ctx, event, ReasonNone)
			after := sm.Current()
			if err != nil {
				assert.Equal(t, before, after, "ошибка не меняет состояние")
				continue
			}
			assert.True(t, can || !changed, "событие %s выполнено из %s без разрешения", event, before)
			assert.Equal(t, before, from)
			if changed {
				assert.NoError(t, validator.ValidateTransition(from, after))
			}
			if after.IsEngaged() {
				assert.NotEqual(t, StateIdle, from, "звонок не начинается из Idle")
			}
		}
	}
}

func TestStateValidatorTable(t *testing.T) {
	sv := NewStateValidator()

	valid := [][2]State{
		{StateIdle, StatePrepared},
		{StateFailed, StatePrepared},
		{StatePrepared, StateCalling},
		{StateCalling, StateConnecting},
		{StateConnecting, StateConnected},
		{StateConnected, StatePrepared},
		{StateCalling, StateFailed},
		{StatePrepared, StateIdle},
	}
	for _, tr := range valid {
		assert.NoError(t, sv.ValidateTransition(tr[0], tr[1]), "%s -> %s", tr[0], tr[1])
	}

	invalid := [][2]State{
		{StateIdle, StateCalling},
		{StateCalling, StateConnected},
		{StateConnected, StateCalling},
		{StateConnected, StateIdle},
		{StateFailed, StateCalling},
	}
	for _, tr := range invalid {
		assert.Error(t, sv.ValidateTransition(tr[0], tr[1]), "%s -> %s", tr[0], tr[1])
	}
	assert.ElementsMatch(t, []State{StatePrepared, StateFailed, StateIdle}, sv.ValidTransitions(StateIdle))
}

func TestReasonAndEventNames(t *testing.T) {
	assert.Equal(t, "remoteCallBusy", ReasonRemoteCallBusy.String())
	assert.Equal(t, "reason(99)", StateReason(99).String())
	assert.Equal(t, "recvRemoteFirstFrame", EventRecvRemoteFirstFrame.String())
	assert.Equal(t, "connecting", StateConnecting.String())
	assert.True(t, ReasonRemoteHangup.isRemote())
	assert.False(t, ReasonLocalHangup.isRemote())
	assert.False(t, StatePrepared.IsEngaged())
}

func TestTaskQueueOrderAndPanics(t *testing.T) {
	var mu sync.Mutex
	var recovered []interface{}
	q := newTaskQueue(func(r interface{}) {
		mu.Lock()
		defer mu.Unlock()
		recovered = append(recovered, r)
	})

	var got []int
	for i := 0; i < 100; i++ {
		i := i
		require.True(t, q.post(func() {
			if i == 50 {
				panic("boom")
			}
			got = append(got, i)
		}))
	}
	q.close()
	q.wait()

	require.Len(t, got, 99, "паника не останавливает очередь")
	for k := 1; k < len(got); k++ {
		assert.Less(t, got[k-1], got[k])
	}
	assert.Equal(t, []interface{}{"boom"}, recovered)
	assert.False(t, q.post(func() {}), "после close задачи не принимаются")
	q.close()
}

func TestListenerRegistry(t *testing.T) {
	var r listenerRegistry
	a := r.add(nil)
	b := r.add(nil)
	assert.NotEqual(t, a, b)
	assert.Len(t, r.snapshot(), 2)
	assert.True(t, r.remove(a))
	assert.False(t, r.remove(a))
	assert.Len(t, r.snapshot(), 1)
}
