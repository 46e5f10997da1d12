package callapi

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/looplab/fsm"
)

// События автомата состояний
const (
	fsmPrepare = "prepare"
	fsmCall    = "call"
	fsmAccept  = "accept"
	fsmConnect = "connect"
	fsmEnd     = "end"
	fsmFail    = "fail"
	fsmReset   = "reset"
)

const historyLimit = 32

// StateTransition запись о переходе состояния
type StateTransition struct {
	From   State
	To     State
	Event  string
	Reason StateReason
	At     time.Time
}

// StateValidator матрица допустимых переходов
type StateValidator struct {
	validTransitions map[State]map[State]bool
	mu               sync.RWMutex
}

// NewStateValidator создает валидатор с таблицей переходов сессии звонка
func NewStateValidator() *StateValidator {
	sv := &StateValidator{validTransitions: make(map[State]map[State]bool)}
	for _, ev := range fsmEvents() {
		for _, src := range ev.Src {
			sv.addTransition(parseState(src), parseState(ev.Dst))
		}
	}
	return sv
}

func (sv *StateValidator) addTransition(from, to State) {
	if sv.validTransitions[from] == nil {
		sv.validTransitions[from] = make(map[State]bool)
	}
	sv.validTransitions[from][to] = true
}

// ValidateTransition проверяет, что переход есть в таблице
func (sv *StateValidator) ValidateTransition(from, to State) error {
	sv.mu.RLock()
	defer sv.mu.RUnlock()

	if sv.validTransitions[from][to] {
		return nil
	}
	return fmt.Errorf("невалидный переход состояния: %s -> %s", from, to)
}

// ValidTransitions возвращает состояния, достижимые из from
func (sv *StateValidator) ValidTransitions(from State) []State {
	sv.mu.RLock()
	defer sv.mu.RUnlock()

	var out []State
	for to := range sv.validTransitions[from] {
		out = append(out, to)
	}
	return out
}

func fsmEvents() fsm.Events {
	engaged := []string{StateCalling.String(), StateConnecting.String(), StateConnected.String()}
	return fsm.Events{
		{Name: fsmPrepare, Src: []string{StateIdle.String(), StateFailed.String(), StatePrepared.String()}, Dst: StatePrepared.String()},
		{Name: fsmCall, Src: []string{StatePrepared.String()}, Dst: StateCalling.String()},
		{Name: fsmAccept, Src: []string{StateCalling.String()}, Dst: StateConnecting.String()},
		{Name: fsmConnect, Src: []string{StateConnecting.String()}, Dst: StateConnected.String()},
		{Name: fsmEnd, Src: engaged, Dst: StatePrepared.String()},
		{Name: fsmFail, Src: append([]string{StateIdle.String(), StatePrepared.String()}, engaged...), Dst: StateFailed.String()},
		{Name: fsmReset, Src: []string{StateIdle.String(), StatePrepared.String(), StateFailed.String()}, Dst: StateIdle.String()},
	}
}

// stateMachine обертка над fsm с причиной перехода и историей.
// Используется только из цикла сессии.
type stateMachine struct {
	fsm       *fsm.FSM
	validator *StateValidator
	reason    StateReason
	history   []StateTransition
	now       func() time.Time
}

func newStateMachine(now func() time.Time) *stateMachine {
	sm := &stateMachine{
		validator: NewStateValidator(),
		history:   make([]StateTransition, 0, historyLimit),
		now:       now,
	}
	sm.fsm = fsm.NewFSM(
		StateIdle.String(),
		fsmEvents(),
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				reason := ReasonNone
				if len(e.Args) > 0 {
					if r, ok := e.Args[0].(StateReason); ok {
						reason = r
					}
				}
				sm.record(parseState(e.Src), parseState(e.Dst), e.Event, reason)
			},
		},
	)
	return sm
}

func (sm *stateMachine) record(from, to State, event string, reason StateReason) {
	if len(sm.history) == historyLimit {
		copy(sm.history, sm.history[1:])
		sm.history = sm.history[:historyLimit-1]
	}
	sm.history = append(sm.history, StateTransition{
		From:   from,
		To:     to,
		Event:  event,
		Reason: reason,
		At:     sm.now(),
	})
}

// Current возвращает текущее состояние
func (sm *stateMachine) Current() State {
	return parseState(sm.fsm.Current())
}

// Reason возвращает причину последнего перехода
func (sm *stateMachine) Reason() StateReason {
	return sm.reason
}

// Can проверяет, допустимо ли событие в текущем состоянии
func (sm *stateMachine) Can(event string) bool {
	return sm.fsm.Can(event)
}

// Fire выполняет событие автомата. Переход в то же состояние (повторная подготовка)
// не считается ошибкой, changed при этом false.
func (sm *stateMachine) Fire(ctx context.Context, event string, reason StateReason) (from State, changed bool, err error) {
	from = sm.Current()

	err = sm.fsm.Event(ctx, event, reason)
	var noTransition fsm.NoTransitionError
	if errors.As(err, &noTransition) {
		sm.reason = reason
		sm.record(from, from, event, reason)
		return from, false, nil
	}
	if err != nil {
		return from, false, fmt.Errorf("событие %s из состояния %s: %w", event, from, err)
	}

	to := sm.Current()
	if verr := sm.validator.ValidateTransition(from, to); verr != nil {
		return from, true, verr
	}
	sm.reason = reason
	return from, true, nil
}

// History возвращает копию истории переходов
func (sm *stateMachine) History() []StateTransition {
	out := make([]StateTransition, len(sm.history))
	copy(out, sm.history)
	return out
}
