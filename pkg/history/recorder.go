package history

import (
	"context"
	"sync"
	"time"

	"github.com/arzzra/call_api/pkg/callapi"
	"github.com/arzzra/call_api/pkg/callapi/message"
	"github.com/arzzra/call_api/pkg/logging"
)

const writeTimeout = 5 * time.Second

// Recorder слушатель сессии, записывающий звонки в журнал.
// Подключается через Session.AddListener.
type Recorder struct {
	store      *Store
	selfUserID uint32
	logger     logging.StructuredLogger
	now        func() time.Time

	mu      sync.Mutex
	current string // callId незавершенной записи
}

var _ callapi.Listener = (*Recorder)(nil)

// NewRecorder создает слушателя для пользователя selfUserID
func NewRecorder(store *Store, selfUserID uint32, logger logging.StructuredLogger) *Recorder {
	return &Recorder{
		store:      store,
		selfUserID: selfUserID,
		logger:     logging.OrDefault(logger).WithComponent("history.recorder"),
		now:        time.Now,
	}
}

// OnCallStateChanged создает запись при входе в Calling и закрывает ее при выходе из звонка
func (r *Recorder) OnCallStateChanged(state callapi.State, reason callapi.StateReason, eventReason string, info callapi.EventInfo) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	switch state {
	case callapi.StateCalling:
		r.begin(ctx, reason, info)
	case callapi.StateConnected:
		callID := r.active()
		if callID == "" {
			return
		}
		if err := r.store.MarkConnected(ctx, callID, r.selfUserID, r.now()); err != nil {
			r.logger.Warn(ctx, "не удалось отметить соединение", logging.Err(err), logging.String("call_id", callID))
		}
	case callapi.StatePrepared, callapi.StateIdle, callapi.StateFailed:
		r.finish(ctx, state, reason, eventReason)
	}
}

// OnCallEventChanged события звонка в журнал не попадают
func (r *Recorder) OnCallEventChanged(callapi.Event, string) {}

func (r *Recorder) begin(ctx context.Context, reason callapi.StateReason, info callapi.EventInfo) {
	callID, _ := info[message.KeyCallID].(string)
	if callID == "" {
		return
	}
	e := &Entry{
		CallID:     callID,
		SelfUserID: r.selfUserID,
		Kind:       "video",
		StartedAt:  r.now(),
	}
	if reason == callapi.ReasonLocalAudioCall || reason == callapi.ReasonRemoteAudioCall {
		e.Kind = "audio"
	}
	e.RoomID, _ = info[message.KeyFromRoomID].(string)

	switch reason {
	case callapi.ReasonLocalVideoCall, callapi.ReasonLocalAudioCall:
		e.Direction = DirectionOutgoing
		e.PeerUserID = userID(info[message.KeyRemoteUserID])
	default:
		e.Direction = DirectionIncoming
		e.PeerUserID = userID(info[message.KeyFromUserID])
	}

	// Новый вызов при незавершенной записи закрывает ее
	r.finish(ctx, callapi.StatePrepared, callapi.ReasonCancelByCallerRecall, "")

	if err := r.store.Record(ctx, e); err != nil {
		r.logger.Warn(ctx, "не удалось записать звонок", logging.Err(err), logging.String("call_id", callID))
		return
	}
	r.mu.Lock()
	r.current = callID
	r.mu.Unlock()
}

func (r *Recorder) finish(ctx context.Context, state callapi.State, reason callapi.StateReason, eventReason string) {
	r.mu.Lock()
	callID := r.current
	r.current = ""
	r.mu.Unlock()
	if callID == "" {
		return
	}
	if err := r.store.Finish(ctx, callID, r.selfUserID, r.now(), state.String(), reason.String(), eventReason); err != nil {
		r.logger.Warn(ctx, "не удалось завершить запись", logging.Err(err), logging.String("call_id", callID))
	}
}

func (r *Recorder) active() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current
}

func userID(v interface{}) uint32 {
	switch n := v.(type) {
	case uint32:
		return n
	case int:
		return uint32(n)
	case int64:
		return uint32(n)
	case float64:
		return uint32(n)
	}
	return 0
}
