// Package receipt отслеживает подтверждения доставки сигнальных сообщений
// и повторяет отправку, пока подтверждение не придет или не кончатся попытки.
package receipt

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/arzzra/call_api/pkg/callapi/timer"
	"github.com/arzzra/call_api/pkg/logging"
)

// Значения по умолчанию
const (
	DefaultWait        = 3000 * time.Millisecond
	DefaultMaxAttempts = 3
	DefaultSendTimeout = 10 * time.Second
)

// ErrClosed очередь закрыта
var ErrClosed = errors.New("receipt: queue closed")

// Config параметры ожидания подтверждений
type Config struct {
	// Wait время ожидания подтверждения одной попытки
	Wait time.Duration
	// MaxAttempts общее число отправок, включая первую
	MaxAttempts int
	// SendTimeout ограничение на одну повторную отправку
	SendTimeout time.Duration
}

// DefaultConfig возвращает конфигурацию по умолчанию
func DefaultConfig() *Config {
	return &Config{
		Wait:        DefaultWait,
		MaxAttempts: DefaultMaxAttempts,
		SendTimeout: DefaultSendTimeout,
	}
}

// Validate проверяет конфигурацию
func (c *Config) Validate() error {
	if c.Wait <= 0 {
		return errors.New("receipt: Wait должен быть положительным")
	}
	if c.MaxAttempts < 1 {
		return errors.New("receipt: MaxAttempts должен быть не меньше 1")
	}
	if c.SendTimeout <= 0 {
		return errors.New("receipt: SendTimeout должен быть положительным")
	}
	return nil
}

// SendFunc отправляет закодированное сообщение получателю
type SendFunc func(ctx context.Context, to string, payload []byte) error

// Miss описывает сообщение, подтверждение которого так и не пришло
type Miss struct {
	To        string
	MessageID int
	Payload   []byte
	Attempts  int
}

// Hooks необязательные обработчики событий очереди
type Hooks struct {
	OnMiss   func(Miss)
	OnResend func(to string, messageID, attempt int)
	OnAck    func(messageID int, attempts int)
}

type entry struct {
	to       string
	id       int
	payload  []byte
	attempts int
	stopper  timer.Stopper
}

// Queue хранит не более одной ожидающей записи на получателя.
// Новая запись для того же получателя вытесняет старую.
type Queue struct {
	mu      sync.Mutex
	cfg     Config
	clock   timer.Clock
	send    SendFunc
	hooks   Hooks
	logger  logging.StructuredLogger
	byPeer  map[string]*entry
	ctx     context.Context
	cancel  context.CancelFunc
	closed  bool
	pending sync.WaitGroup
}

// NewQueue создает очередь. cfg == nil означает конфигурацию по умолчанию.
func NewQueue(cfg *Config, send SendFunc, clock timer.Clock, hooks Hooks, logger logging.StructuredLogger) (*Queue, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if send == nil {
		return nil, errors.New("receipt: send function is required")
	}
	if clock == nil {
		clock = timer.RealClock{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Queue{
		cfg:    *cfg,
		clock:  clock,
		send:   send,
		hooks:  hooks,
		logger: logging.OrDefault(logger).WithComponent("receipts"),
		byPeer: make(map[string]*entry),
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

// Track начинает ожидание подтверждения для сообщения, которое уже отправлено один раз
func (q *Queue) Track(to string, messageID int, payload []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrClosed
	}
	if old, ok := q.byPeer[to]; ok {
		old.stopper.Stop()
		q.logger.Debug(q.ctx, "вытеснено ожидание подтверждения",
			logging.String("to", to),
			logging.Int("message_id", old.id),
			logging.Int("new_message_id", messageID))
	}

	e := &entry{to: to, id: messageID, payload: payload, attempts: 1}
	q.byPeer[to] = e
	q.armLocked(e)
	return nil
}

func (q *Queue) armLocked(e *entry) {
	e.stopper = q.clock.AfterFunc(q.cfg.Wait, func() { q.expire(e) })
}

func (q *Queue) expire(e *entry) {
	q.mu.Lock()
	if q.closed || q.byPeer[e.to] != e {
		q.mu.Unlock()
		return
	}

	if e.attempts >= q.cfg.MaxAttempts {
		delete(q.byPeer, e.to)
		miss := Miss{To: e.to, MessageID: e.id, Payload: e.payload, Attempts: e.attempts}
		q.mu.Unlock()

		q.logger.Warn(q.ctx, "подтверждение не получено",
			logging.String("to", miss.To),
			logging.Int("message_id", miss.MessageID),
			logging.Int("attempts", miss.Attempts))
		if q.hooks.OnMiss != nil {
			q.hooks.OnMiss(miss)
		}
		return
	}

	e.attempts++
	attempt := e.attempts
	q.armLocked(e)
	q.pending.Add(1)
	q.mu.Unlock()

	if q.hooks.OnResend != nil {
		q.hooks.OnResend(e.to, e.id, attempt)
	}
	go q.resend(e, attempt)
}

func (q *Queue) resend(e *entry, attempt int) {
	defer q.pending.Done()

	ctx, cancel := context.WithTimeout(q.ctx, q.cfg.SendTimeout)
	defer cancel()

	if err := q.send(ctx, e.to, e.payload); err != nil {
		q.logger.Warn(ctx, "повторная отправка не удалась",
			logging.String("to", e.to),
			logging.Int("message_id", e.id),
			logging.Int("attempt", attempt),
			logging.Err(err))
		return
	}
	q.logger.Debug(ctx, "сообщение отправлено повторно",
		logging.String("to", e.to),
		logging.Int("message_id", e.id),
		logging.Int("attempt", attempt))
}

// Ack снимает ожидание по идентификатору сообщения. Возвращает true если запись найдена.
func (q *Queue) Ack(messageID int) bool {
	q.mu.Lock()
	var found *entry
	for to, e := range q.byPeer {
		if e.id == messageID {
			found = e
			e.stopper.Stop()
			delete(q.byPeer, to)
			break
		}
	}
	q.mu.Unlock()

	if found == nil {
		return false
	}
	if q.hooks.OnAck != nil {
		q.hooks.OnAck(found.id, found.attempts)
	}
	return true
}

// Len возвращает число ожидающих записей
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.byPeer)
}

// Clear снимает все ожидания без уведомлений
func (q *Queue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	for to, e := range q.byPeer {
		e.stopper.Stop()
		delete(q.byPeer, to)
	}
}

// Close снимает все ожидания, прерывает повторные отправки и ждет их завершения
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	for to, e := range q.byPeer {
		e.stopper.Stop()
		delete(q.byPeer, to)
	}
	q.mu.Unlock()

	q.cancel()
	q.pending.Wait()
}
