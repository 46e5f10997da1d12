// Package callapi реализует сессию звонка один-на-один: автомат состояний,
// который сводит локальные действия, входящие сигнальные сообщения и события
// медиа-движка в один согласованный жизненный цикл звонка.
//
// Все изменения состояния выполняются в единственной горутине цикла сессии.
// Публичные методы ставят задачу в цикл и ждут ее результата; отправка сообщений
// и вход в канал идут асинхронно, а переход состояния, объявляющий намерение,
// происходит сразу.
package callapi

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/arzzra/call_api/pkg/callapi/cost"
	"github.com/arzzra/call_api/pkg/callapi/media"
	"github.com/arzzra/call_api/pkg/callapi/message"
	"github.com/arzzra/call_api/pkg/callapi/receipt"
	"github.com/arzzra/call_api/pkg/callapi/timer"
	"github.com/arzzra/call_api/pkg/logging"
)

const (
	closeTimeout = 5 * time.Second
	leaveTimeout = 5 * time.Second
)

// Option функциональная опция сессии
type Option func(*Session)

// WithLogger задает логгер сессии
func WithLogger(logger logging.StructuredLogger) Option {
	return func(s *Session) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMetrics включает prometheus-метрики
func WithMetrics(m *Metrics) Option {
	return func(s *Session) { s.metrics = m }
}

// WithClock подменяет часы (таймер ожидания, подтверждения, замеры задержек)
func WithClock(c timer.Clock) Option {
	return func(s *Session) {
		if c != nil {
			s.clock = c
		}
	}
}

// WithCodec задает кодек сообщений; по умолчанию общий для процесса
func WithCodec(c *message.Codec) Option {
	return func(s *Session) {
		if c != nil {
			s.codec = c
		}
	}
}

// Session сессия звонка локального пользователя.
// Живет до Close; между звонками повторно используется без пересоздания.
type Session struct {
	logger  logging.StructuredLogger
	metrics *Metrics
	clock   timer.Clock
	codec   *message.Codec

	loop      *taskQueue
	notifier  *taskQueue
	listeners listenerRegistry

	ctx    context.Context
	cancel context.CancelFunc

	// Поля ниже принадлежат циклу сессии
	cfg      *Config
	gen      uint64
	prepare  *PrepareConfig
	sm       *stateMachine
	info     connectInfo
	timer    *timer.Scheduler
	cost     *cost.Tracker
	media    *media.Orchestrator
	receipts *receipt.Queue

	snapMu     sync.RWMutex
	snapState  State
	snapReason StateReason
	snapCallID string

	closeOnce sync.Once
}

// NewSession создает сессию в состоянии Idle
func NewSession(opts ...Option) *Session {
	s := &Session{
		logger: logging.GetDefaultLogger(),
		clock:  timer.RealClock{},
		codec:  message.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.WithComponent("call-session")
	s.ctx, s.cancel = context.WithCancel(context.Background())

	s.sm = newStateMachine(s.clock.Now)
	s.timer = timer.NewScheduler(s.clock, s.logger)
	s.cost = cost.NewTracker(func(callID, checkpoint string, elapsed time.Duration) {
		s.metrics.cost(checkpoint, elapsed)
	})
	s.cost.SetNow(s.clock.Now)

	s.loop = newTaskQueue(s.recovered("loop"))
	s.notifier = newTaskQueue(s.recovered("notifier"))
	return s
}

func (s *Session) recovered(component string) func(interface{}) {
	return func(r interface{}) {
		s.logger.Error(context.Background(), "паника перехвачена",
			logging.String("in", component),
			logging.Any("panic", r))
	}
}

// run выполняет task в цикле сессии. Если task вернула канал, дожидается и его результата.
func (s *Session) run(ctx context.Context, task func() (<-chan error, error)) error {
	type result struct {
		wait <-chan error
		err  error
	}
	ch := make(chan result, 1)
	if !s.loop.post(func() {
		wait, err := task()
		ch <- result{wait: wait, err: err}
	}) {
		return errClosed()
	}

	var r result
	select {
	case r = <-ch:
	case <-ctx.Done():
		return ctx.Err()
	}
	if r.err != nil || r.wait == nil {
		return r.err
	}

	select {
	case err := <-r.wait:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// postGen ставит задачу в цикл, если сессия все еще в той же инициализации.
// Иначе вызывает orElse.
func (s *Session) postGen(gen uint64, task func(), orElse func()) {
	ok := s.loop.post(func() {
		if s.cfg == nil || s.gen != gen {
			if orElse != nil {
				orElse()
			}
			return
		}
		task()
	})
	if !ok && orElse != nil {
		orElse()
	}
}

// Initialize передает сессии медиа-движок и сигнальный транспорт.
// Повторный вызов без Deinitialize возвращает ошибку.
func (s *Session) Initialize(ctx context.Context, cfg *Config) error {
	return s.run(ctx, func() (<-chan error, error) {
		return nil, s.initialize(cfg)
	})
}

func (s *Session) initialize(cfg *Config) error {
	if s.cfg != nil {
		return errAlreadyInitialized()
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	c := *cfg
	s.gen++
	gen := s.gen
	s.cfg = &c
	s.media = media.NewOrchestrator(c.Engine, s.logger)
	s.media.SetJoinTimeout(c.JoinTimeout)

	if c.Receipts != nil {
		q, err := receipt.NewQueue(c.Receipts, c.Signaling.SendMessage, s.clock, receipt.Hooks{
			OnMiss: func(m receipt.Miss) {
				s.postGen(gen, func() { s.onMissingReceipt(m) }, nil)
			},
			OnResend: func(string, int, int) { s.metrics.receipt("resent") },
			OnAck:    func(int, int) { s.metrics.receipt("acked") },
		}, s.logger)
		if err != nil {
			s.cfg = nil
			return errInvalidConfig("Receipts", nil, err.Error())
		}
		s.receipts = q
	}

	c.Engine.SetEventHandler(&engineEvents{s: s, gen: gen})
	c.Signaling.SetHandler(&signalingEvents{s: s, gen: gen})

	s.logger.Info(s.ctx, "сессия инициализирована",
		logging.Uint32("user_id", c.UserID),
		logging.Bool("receipts", c.Receipts != nil),
		logging.String("callee_join", c.CalleeJoinTiming.String()))
	return nil
}

// Deinitialize завершает текущий звонок (отмена в Calling, завершение в Connecting/Connected),
// переводит сессию в Idle и освобождает движок и транспорт.
func (s *Session) Deinitialize(ctx context.Context) error {
	err := s.run(ctx, func() (<-chan error, error) {
		return s.beginDeinitialize(), nil
	})
	if err != nil {
		var ce *CallError
		if errors.As(err, &ce) && ce.Code == CodeClosed {
			return err
		}
		s.logger.Warn(ctx, "терминальное сообщение не доставлено", logging.Err(err))
	}
	return s.run(context.WithoutCancel(ctx), func() (<-chan error, error) {
		return s.finishDeinitialize(), nil
	})
}

func (s *Session) beginDeinitialize() <-chan error {
	if s.cfg == nil {
		return nil
	}
	switch s.sm.Current() {
	case StateCalling:
		return s.cancelCall(false, ReasonLocalCancelled, EventLocalCancelled)
	case StateConnecting, StateConnected:
		return s.hangupCall("")
	}
	return nil
}

func (s *Session) finishDeinitialize() <-chan error {
	if s.cfg == nil {
		return nil
	}
	// Между фазами мог прийти новый вызов
	if state := s.sm.Current(); state.IsEngaged() {
		reason := ReasonLocalHangup
		if state == StateCalling {
			reason = ReasonLocalCancelled
		}
		s.transition(fsmEnd, reason, "deinitialize", nil)
	}
	s.transition(fsmReset, ReasonNone, "deinitialize", nil)
	s.notifyEvent(EventDeinitialize, "")

	if s.receipts != nil {
		s.receipts.Close()
		s.receipts = nil
	}
	cfg := s.cfg
	cfg.Engine.SetEventHandler(nil)
	cfg.Signaling.SetHandler(nil)

	s.cfg = nil
	s.prepare = nil
	s.media = nil
	s.gen++
	s.setSnapshot()

	s.logger.Info(s.ctx, "сессия деинициализирована", logging.Uint32("user_id", cfg.UserID))

	done := make(chan error, 1)
	go func() {
		if err := cfg.Signaling.Close(); err != nil {
			s.logger.Warn(s.ctx, "ошибка закрытия сигнального транспорта", logging.Err(err))
		}
		done <- nil
	}()
	return done
}

// PrepareForCall подключает сигнальный транспорт и переводит сессию в Prepared.
// Повторный вызов меняет домашнюю комнату. Во время звонка возвращает ErrBusy.
func (s *Session) PrepareForCall(ctx context.Context, pc *PrepareConfig) error {
	return s.run(ctx, func() (<-chan error, error) {
		return s.beginPrepare(ctx, pc)
	})
}

func (s *Session) beginPrepare(ctx context.Context, pc *PrepareConfig) (<-chan error, error) {
	if s.cfg == nil {
		return nil, errNotInitialized("prepareForCall")
	}
	if err := pc.Validate(); err != nil {
		return nil, err
	}
	if state := s.sm.Current(); state.IsEngaged() {
		return nil, errBusy(state)
	}

	s.prepare = pc.clone()
	s.leaveMedia()
	s.info.clean()
	s.cost.Clear()

	transport := s.cfg.Signaling
	gen := s.gen
	result := make(chan error, 1)
	notInitialized := func() { result <- errNotInitialized("prepareForCall") }

	go func() {
		err := transport.Connect(ctx)
		s.postGen(gen, func() { s.finishPrepare(err, result) }, notInitialized)
	}()
	return result, nil
}

func (s *Session) finishPrepare(connectErr error, result chan<- error) {
	if connectErr != nil {
		s.logger.Error(s.ctx, "сигнальный транспорт не подключен", logging.Err(connectErr))
		if !s.sm.Current().IsEngaged() {
			s.transition(fsmFail, ReasonRtmSetupFailed, connectErr.Error(), nil)
		}
		s.notifyError(ErrorEventNormal, ErrorCodeMessage, -1, connectErr.Error())
		result <- errSignalingSetup(connectErr)
		return
	}

	if s.sm.Current().IsEngaged() {
		result <- nil
		return
	}
	s.transition(fsmPrepare, ReasonNone, "", EventInfo{"roomId": s.prepare.RoomID})
	s.notifyEvent(EventRtmSetupSuccessed, "")

	if !s.prepare.AutoJoinChannel {
		result <- nil
		return
	}

	gen := s.gen
	req := media.JoinRequest{Channel: s.prepare.RoomID, Token: s.prepare.MediaToken, UID: s.cfg.UserID}
	s.notifyEvent(EventJoinRTCStart, "")
	s.media.JoinAsSubscriber(req, func(res media.JoinResult) {
		s.postGen(gen, func() { result <- s.onAutoJoin(res) },
			func() { result <- errNotInitialized("prepareForCall") })
	})
}

func (s *Session) onAutoJoin(res media.JoinResult) error {
	if res.Stale {
		return nil
	}
	if res.Err != nil {
		code := media.ErrorCode(res.Err)
		if s.sm.Current() == StatePrepared {
			s.transition(fsmFail, ReasonJoinRTCFailed, res.Err.Error(), nil)
		}
		s.notifyError(ErrorEventRtcOccurError, ErrorCodeRtc, code, res.Err.Error())
		return errMediaJoin(res.Channel, res.Err)
	}
	s.notifyEvent(EventJoinRTCSuccessed, "")
	return nil
}

// RenewToken обновляет токен медиа-канала и, если транспорт умеет, сигнальный токен
func (s *Session) RenewToken(ctx context.Context, token string) error {
	return s.run(ctx, func() (<-chan error, error) {
		if s.cfg == nil {
			return nil, errNotInitialized("renewToken")
		}
		if s.prepare != nil {
			s.prepare.MediaToken = token
		}
		mediaErr := s.media.RenewToken(token)

		renewer, ok := s.cfg.Signaling.(TokenRenewer)
		if !ok {
			return nil, tokenRenewError(mediaErr)
		}
		done := make(chan error, 1)
		go func() {
			done <- tokenRenewError(errors.Join(mediaErr, renewer.RenewToken(ctx, token)))
		}()
		return done, nil
	})
}

func tokenRenewError(err error) error {
	if err == nil {
		return nil
	}
	return NewCallError(CodeTokenRenew, "не удалось обновить токен", ErrorCategoryConfig, ErrorSeverityError).WithCause(err)
}

// State возвращает текущее состояние
func (s *Session) State() State {
	s.snapMu.RLock()
	defer s.snapMu.RUnlock()
	return s.snapState
}

// StateReason возвращает причину последнего перехода
func (s *Session) StateReason() StateReason {
	s.snapMu.RLock()
	defer s.snapMu.RUnlock()
	return s.snapReason
}

// CallID возвращает идентификатор текущей попытки звонка или пустую строку
func (s *Session) CallID() string {
	s.snapMu.RLock()
	defer s.snapMu.RUnlock()
	return s.snapCallID
}

func (s *Session) setSnapshot() {
	s.snapMu.Lock()
	defer s.snapMu.Unlock()
	s.snapState = s.sm.Current()
	s.snapReason = s.sm.Reason()
	s.snapCallID = s.info.callID
}

// AddListener регистрирует слушателя. Дополнительно слушатель может реализовать
// ErrorListener, ConnectionListener, TokenListener, ReceiptListener, JoinOnCallingDecider.
func (s *Session) AddListener(l Listener) ListenerHandle {
	return s.listeners.add(l)
}

// RemoveListener удаляет слушателя. Возвращает false если он не найден.
func (s *Session) RemoveListener(h ListenerHandle) bool {
	return s.listeners.remove(h)
}

// Close деинициализирует сессию и останавливает ее горутины. Повторный вызов безопасен.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
		defer cancel()
		if err := s.Deinitialize(ctx); err != nil {
			s.logger.Warn(ctx, "ошибка деинициализации при закрытии", logging.Err(err))
		}
		s.loop.close()
		s.loop.wait()
		s.timer.Cancel()
		s.cancel()
		s.notifier.close()
	})
	return nil
}

// transition выполняет переход, действия входа в состояние и уведомления
func (s *Session) transition(event string, reason StateReason, eventReason string, info EventInfo) bool {
	prev := s.info
	from, changed, err := s.sm.Fire(context.Background(), event, reason)
	if err != nil {
		s.logger.Warn(s.ctx, "переход состояния отклонен",
			logging.String("event", event),
			logging.String("reason", reason.String()),
			logging.Err(err))
		return false
	}
	to := s.sm.Current()
	if !changed && to == StateIdle {
		return true
	}
	s.metrics.transition(from, to, reason)

	s.enterState(from, to)
	s.setSnapshot()

	if info == nil {
		info = EventInfo{}
	}
	s.logger.Info(logging.ContextWithCallID(s.ctx, prev.callID), "состояние звонка",
		logging.String("from", from.String()),
		logging.String("to", to.String()),
		logging.String("reason", reason.String()))
	s.notifyState(to, reason, eventReason, info)
	s.notifyConnection(from, to, reason, prev)
	return true
}

// enterState действия при входе в состояние
func (s *Session) enterState(from, to State) {
	switch to {
	case StateCalling:
		s.armCallTimer()
	case StateConnecting:
		s.timer.Cancel()
	case StateConnected:
		s.timer.Cancel()
		s.info.connectedAt = s.clock.Now()
		if err := s.media.MuteRemoteAudio(false); err != nil {
			s.logger.Warn(s.ctx, "не удалось включить звук собеседника", logging.Err(err))
		}
	case StatePrepared:
		s.timer.Cancel()
		if from.IsEngaged() || from == StateFailed {
			s.restoreMedia()
			s.info.clean()
			s.cost.Clear()
		}
	case StateIdle, StateFailed:
		s.timer.Cancel()
		s.leaveMedia()
		s.info.clean()
		s.cost.Clear()
	}
}

func (s *Session) armCallTimer() {
	s.timer.Cancel()
	if s.prepare == nil || s.prepare.CallTimeout <= 0 {
		return
	}
	gen := s.gen
	s.timer.Arm(s.prepare.CallTimeout, s.info.callID, func(tok timer.Token) {
		s.postGen(gen, func() { s.onCallTimeout(tok) }, nil)
	})
}

func (s *Session) onCallTimeout(tok timer.Token) {
	if !s.timer.Consume(tok) {
		return
	}
	if s.sm.Current() != StateCalling {
		return
	}
	s.logger.Info(logging.ContextWithCallID(s.ctx, s.info.callID), "истекло время ожидания ответа",
		logging.Duration("timeout", s.prepare.CallTimeout))
	s.cancelCall(true, ReasonCallingTimeout, EventCallingTimeout)
}

// restoreMedia после звонка возвращается слушателем в свою комнату или выходит из канала
func (s *Session) restoreMedia() {
	if s.media == nil {
		return
	}
	if s.prepare == nil || !s.prepare.AutoJoinChannel {
		s.leaveMedia()
		return
	}
	gen := s.gen
	req := media.JoinRequest{Channel: s.prepare.RoomID, Token: s.prepare.MediaToken, UID: s.cfg.UserID}
	s.media.JoinAsSubscriber(req, func(res media.JoinResult) {
		if res.Err == nil || res.Stale {
			return
		}
		s.postGen(gen, func() {
			s.notifyError(ErrorEventRtcOccurError, ErrorCodeRtc, media.ErrorCode(res.Err), res.Err.Error())
		}, nil)
	})
}

func (s *Session) leaveMedia() {
	if s.media == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), leaveTimeout)
	defer cancel()
	if err := s.media.Leave(ctx); err != nil {
		s.logger.Warn(ctx, "ошибка выхода из канала", logging.Err(err))
	}
}

// checkConnected переводит Connecting в Connected, когда звонок принят
// и пришел первый кадр (или ожидание кадра отключено). Повторный вызов безопасен.
func (s *Session) checkConnected(reason StateReason) {
	if s.sm.Current() != StateConnecting || !s.info.isLocalAccepted {
		return
	}
	waitDisabled := s.prepare != nil && s.prepare.FirstFrameWaitDisabled
	if !waitDisabled && !s.info.isRetrieveFirstFrame {
		return
	}
	info := EventInfo{
		"fromRoomId":   s.info.callingRoomID,
		"fromUserId":   s.info.callingUserID,
		"remoteUserId": s.cfg.UserID,
		"costTimeMap":  s.cost.Snapshot(),
	}
	s.transition(fsmConnect, reason, "", info)
}

func formatUserID(uid uint32) string {
	return strconv.FormatUint(uint64(uid), 10)
}

func (s *Session) newMessage(action message.Action, to uint32) *message.Message {
	return &message.Message{
		Action:       action,
		CallID:       s.info.callID,
		FromUserID:   s.cfg.UserID,
		RemoteUserID: to,
		FromRoomID:   s.info.callingRoomID,
	}
}

// send кодирует и асинхронно отправляет сообщение. Ошибка доставки сообщается
// событием SendMessageFail; onDone выполняется в цикле сессии.
func (s *Session) send(to uint32, msg *message.Message, onDone func(error)) <-chan error {
	return s.sendMessage(to, msg, false, onDone)
}

func (s *Session) sendMessage(to uint32, msg *message.Message, quiet bool, onDone func(error)) <-chan error {
	result := make(chan error, 1)
	target := formatUserID(to)
	if s.receipts != nil {
		msg.ReceiptsRoomID = formatUserID(s.cfg.UserID)
	}
	payload, err := s.codec.EncodeAt(msg, s.clock.Now())
	if err != nil {
		result <- fmt.Errorf("encode %s: %w", msg.Action, err)
		return result
	}
	if s.receipts != nil {
		if err := s.receipts.Track(target, msg.MessageID, payload); err != nil {
			s.logger.Warn(s.ctx, "подтверждение не отслеживается", logging.Err(err))
		}
	}

	transport := s.cfg.Signaling
	gen := s.gen
	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.sendTimeout())
	ctx = logging.ContextWithCallID(ctx, msg.CallID)
	go func() {
		defer cancel()
		var sendErr error
		if err := transport.SendMessage(ctx, target, payload); err != nil {
			ce := errSendFailed(target, err)
			ce.CallID = msg.CallID
			sendErr = ce.WithField("action", msg.Action.String())
		}
		s.postGen(gen, func() {
			if sendErr != nil {
				s.logger.Warn(ctx, "сообщение не отправлено",
					logging.String("action", msg.Action.String()),
					logging.String("to", target),
					logging.Err(sendErr))
				if !quiet {
					s.notifyError(ErrorEventSendMessageFail, ErrorCodeMessage, -1, sendErr.Error())
				}
			}
			if onDone != nil {
				onDone(sendErr)
			}
		}, nil)
		result <- sendErr
	}()
	return result
}
