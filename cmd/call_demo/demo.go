package main

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/arzzra/call_api/pkg/callapi"
	"github.com/arzzra/call_api/pkg/callapi/receipt"
	"github.com/arzzra/call_api/pkg/history"
	"github.com/arzzra/call_api/pkg/logging"
	"github.com/arzzra/call_api/pkg/mediaengine/loopback"
)

// options параметры демонстрации
type options struct {
	Transport   string
	CallerID    uint32
	CalleeID    uint32
	Audio       bool
	Hold        time.Duration
	HistoryPath string
	Receipts    bool
}

func defaultOptions() options {
	return options{
		Transport:   TransportMemory,
		CallerID:    1001,
		CalleeID:    1002,
		Hold:        500 * time.Millisecond,
		HistoryPath: ":memory:",
	}
}

// result итог демонстрации
type result struct {
	CallID  string
	Caller  []callapi.State
	Callee  []callapi.State
	History []history.Entry
}

// stateLog слушатель, запоминающий состояния сессии
type stateLog struct {
	name   string
	logger logging.StructuredLogger
	states chan callapi.State
}

func newStateLog(name string, logger logging.StructuredLogger) *stateLog {
	return &stateLog{name: name, logger: logger, states: make(chan callapi.State, 64)}
}

func (l *stateLog) OnCallStateChanged(state callapi.State, reason callapi.StateReason, eventReason string, info callapi.EventInfo) {
	l.logger.Info(context.Background(), "состояние звонка",
		logging.String("party", l.name),
		logging.String("state", state.String()),
		logging.String("reason", reason.String()),
		logging.String("event_reason", eventReason))
	select {
	case l.states <- state:
	default:
	}
}

func (l *stateLog) OnCallEventChanged(event callapi.Event, reason string) {
	l.logger.Debug(context.Background(), "событие звонка",
		logging.String("party", l.name),
		logging.String("event", event.String()))
}

// waitFor читает состояния до нужного; пройденные состояния попадают в seen
func (l *stateLog) waitFor(ctx context.Context, want callapi.State, seen *[]callapi.State) error {
	for {
		select {
		case st := <-l.states:
			*seen = append(*seen, st)
			if st == want {
				return nil
			}
			if st == callapi.StateFailed {
				return fmt.Errorf("%s: call failed", l.name)
			}
		case <-ctx.Done():
			return fmt.Errorf("%s: waiting for %s: %w", l.name, want, ctx.Err())
		}
	}
}

// runDemo проводит один звонок между двумя сессиями в одном процессе
func runDemo(ctx context.Context, opts options, logger logging.StructuredLogger) (*result, error) {
	logger = logging.OrDefault(logger)
	callerName := strconv.FormatUint(uint64(opts.CallerID), 10)
	calleeName := strconv.FormatUint(uint64(opts.CalleeID), 10)

	store, err := history.Open(opts.HistoryPath, logger)
	if err != nil {
		return nil, err
	}
	defer store.Close()

	pair, err := newTransportPair(ctx, opts.Transport, callerName, calleeName, logger)
	if err != nil {
		return nil, err
	}
	defer pair.cleanup()

	hub := loopback.NewHub(logger)
	newParty := func(uid uint32, name string, transport callapi.SignalingTransport) (*callapi.Session, *stateLog, error) {
		s := callapi.NewSession(callapi.WithLogger(logger))
		log := newStateLog(name, logger)
		s.AddListener(log)
		s.AddListener(history.NewRecorder(store, uid, logger))

		cfg := callapi.DefaultConfig(uid, hub.NewEngine(), transport)
		if opts.Receipts {
			cfg.Receipts = receipt.DefaultConfig()
		}
		if err := s.Initialize(ctx, cfg); err != nil {
			return nil, nil, err
		}
		pc := callapi.DefaultPrepareConfig("room-"+name, "token-"+name)
		if err := s.PrepareForCall(ctx, pc); err != nil {
			_ = s.Close()
			return nil, nil, err
		}
		return s, log, nil
	}

	caller, callerLog, err := newParty(opts.CallerID, callerName, pair.caller)
	if err != nil {
		return nil, fmt.Errorf("caller: %w", err)
	}
	defer caller.Close()
	callee, calleeLog, err := newParty(opts.CalleeID, calleeName, pair.callee)
	if err != nil {
		return nil, fmt.Errorf("callee: %w", err)
	}
	defer callee.Close()

	res := &result{}
	callType := callapi.CallTypeVideo
	if opts.Audio {
		callType = callapi.CallTypeAudio
	}
	if err := caller.Call(ctx, opts.CalleeID, callType, map[string]interface{}{"demo": true}); err != nil {
		return nil, err
	}
	res.CallID = caller.CallID()

	if err := calleeLog.waitFor(ctx, callapi.StateCalling, &res.Callee); err != nil {
		return nil, err
	}
	if err := callee.Accept(ctx, opts.CallerID); err != nil {
		return nil, err
	}
	if err := callerLog.waitFor(ctx, callapi.StateConnected, &res.Caller); err != nil {
		return nil, err
	}
	if err := calleeLog.waitFor(ctx, callapi.StateConnected, &res.Callee); err != nil {
		return nil, err
	}

	select {
	case <-time.After(opts.Hold):
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	if err := caller.Hangup(ctx, opts.CalleeID, "demo finished"); err != nil {
		return nil, err
	}
	if err := callerLog.waitFor(ctx, callapi.StatePrepared, &res.Caller); err != nil {
		return nil, err
	}
	if err := calleeLog.waitFor(ctx, callapi.StatePrepared, &res.Callee); err != nil {
		return nil, err
	}

	// Журнал пишется из горутины уведомлений, ждем закрытия обеих записей
	for {
		entries, err := store.ByCallID(ctx, res.CallID)
		if err == nil && len(entries) == 2 && !entries[0].EndedAt.IsZero() && !entries[1].EndedAt.IsZero() {
			res.History = entries
			return res, nil
		}
		select {
		case <-time.After(10 * time.Millisecond):
		case <-ctx.Done():
			return nil, fmt.Errorf("history not written: %w", ctx.Err())
		}
	}
}
