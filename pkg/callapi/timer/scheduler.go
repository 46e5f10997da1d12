// Package timer реализует однократный отменяемый таймер ожидания ответа на вызов.
package timer

import (
	"context"
	"sync"
	"time"

	"github.com/arzzra/call_api/pkg/logging"
)

// DefaultCallTimeout время ожидания ответа на вызов по умолчанию
const DefaultCallTimeout = 15 * time.Second

// Token идентифицирует одно взведение таймера.
// Срабатывание обрабатывается только если токен все еще текущий.
type Token struct {
	gen uint64
	Key string
}

// Stats статистика планировщика
type Stats struct {
	Armed     int64
	Fired     int64
	Cancelled int64
	Stale     int64
}

// Scheduler хранит не более одного активного таймера.
// Новое взведение отменяет предыдущее, Cancel идемпотентен.
type Scheduler struct {
	mu      sync.Mutex
	clock   Clock
	gen     uint64
	armed   bool
	key     string
	stopper Stopper
	stats   Stats
	logger  logging.StructuredLogger
}

// NewScheduler создает планировщик. clock == nil означает системные часы.
func NewScheduler(clock Clock, logger logging.StructuredLogger) *Scheduler {
	if clock == nil {
		clock = RealClock{}
	}
	return &Scheduler{
		clock:  clock,
		logger: logging.OrDefault(logger).WithComponent("call-timer"),
	}
}

// Arm взводит таймер на d. По истечении fire вызывается в горутине таймера с токеном,
// который вызывающий должен подтвердить через Consume.
func (s *Scheduler) Arm(d time.Duration, key string, fire func(Token)) Token {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopper != nil {
		s.stopper.Stop()
		s.stopper = nil
	}
	s.gen++
	tok := Token{gen: s.gen, Key: key}
	s.armed = true
	s.key = key
	s.stats.Armed++
	s.stopper = s.clock.AfterFunc(d, func() { fire(tok) })

	s.logger.Debug(context.Background(), "таймер взведен",
		logging.String("key", key),
		logging.Duration("timeout", d))
	return tok
}

// Cancel отменяет активный таймер. Возвращает true если таймер был взведен.
func (s *Scheduler) Cancel() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.armed {
		return false
	}
	if s.stopper != nil {
		s.stopper.Stop()
		s.stopper = nil
	}
	s.armed = false
	s.gen++
	s.stats.Cancelled++
	s.logger.Debug(context.Background(), "таймер отменен", logging.String("key", s.key))
	return true
}

// Consume подтверждает срабатывание. Возвращает true не более одного раза
// и только для текущего взведения.
func (s *Scheduler) Consume(tok Token) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.armed || tok.gen != s.gen {
		s.stats.Stale++
		return false
	}
	s.armed = false
	s.stopper = nil
	s.stats.Fired++
	return true
}

// Armed возвращает true если таймер взведен
func (s *Scheduler) Armed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.armed
}

// Stats возвращает копию статистики
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// Now возвращает время часов планировщика
func (s *Scheduler) Now() time.Time {
	return s.clock.Now()
}
