// Package memory реализует сигнальный транспорт внутри процесса.
//
// Bus связывает конечные точки по идентификатору пользователя. Доставка асинхронная
// и упорядоченная для каждого получателя. Bus умеет терять и портить сообщения,
// отказывать в подключении и обрывать соединение, что нужно для тестов сессии.
package memory

import (
	"context"
	"errors"
	"sync"

	"github.com/arzzra/call_api/pkg/callapi"
	"github.com/arzzra/call_api/pkg/logging"
)

// Ошибки транспорта
var (
	ErrNotConnected = errors.New("memory signaling: not connected")
	ErrPeerOffline  = errors.New("memory signaling: peer offline")
)

// Stats счетчики шины
type Stats struct {
	Sent      int
	Delivered int
	Dropped   int
}

// Bus общая среда доставки
type Bus struct {
	mu          sync.Mutex
	endpoints   map[string]*Endpoint
	drop        map[string]int
	failSend    map[string]error
	failConnect map[string]error
	stats       Stats
	logger      logging.StructuredLogger
}

// NewBus создает шину
func NewBus(logger logging.StructuredLogger) *Bus {
	return &Bus{
		endpoints:   make(map[string]*Endpoint),
		drop:        make(map[string]int),
		failSend:    make(map[string]error),
		failConnect: make(map[string]error),
		logger:      logging.OrDefault(logger).WithComponent("memory-signaling"),
	}
}

// Endpoint создает конечную точку пользователя. До Connect она не получает сообщений.
func (b *Bus) Endpoint(userID string) *Endpoint {
	return &Endpoint{bus: b, userID: userID}
}

// DropNext молча теряет следующие n сообщений для пользователя to; отправитель видит успех
func (b *Bus) DropNext(to string, n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.drop[to] = n
}

// FailSends заставляет отправки от пользователя from возвращать err; nil снимает отказ
func (b *Bus) FailSends(from string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err == nil {
		delete(b.failSend, from)
		return
	}
	b.failSend[from] = err
}

// FailConnect заставляет Connect пользователя возвращать err; nil снимает отказ
func (b *Bus) FailConnect(userID string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err == nil {
		delete(b.failConnect, userID)
		return
	}
	b.failConnect[userID] = err
}

// Inject доставляет произвольные байты пользователю to от имени from
func (b *Bus) Inject(from, to string, payload []byte) error {
	b.mu.Lock()
	target := b.endpoints[to]
	b.mu.Unlock()
	if target == nil {
		return ErrPeerOffline
	}
	target.enqueue(from, payload)
	return nil
}

// Disconnect обрывает соединение пользователя без восстановления
func (b *Bus) Disconnect(userID, reason string) {
	b.mu.Lock()
	e := b.endpoints[userID]
	delete(b.endpoints, userID)
	b.mu.Unlock()
	if e == nil {
		return
	}
	e.setConnected(false)
	e.notify(func(h callapi.SignalingHandler) {
		h.OnConnectionStateChanged(callapi.ConnectionLost, reason)
	})
}

// ExpireToken предупреждает пользователя об истечении токена
func (b *Bus) ExpireToken(userID string) {
	b.mu.Lock()
	e := b.endpoints[userID]
	b.mu.Unlock()
	if e != nil {
		e.notify(func(h callapi.SignalingHandler) { h.OnTokenWillExpire() })
	}
}

// Online проверяет, подключен ли пользователь
func (b *Bus) Online(userID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.endpoints[userID]
	return ok
}

// Stats возвращает счетчики
func (b *Bus) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stats
}

func (b *Bus) route(from, to string, payload []byte) error {
	b.mu.Lock()
	if err := b.failSend[from]; err != nil {
		b.mu.Unlock()
		return err
	}
	b.stats.Sent++
	target := b.endpoints[to]
	if target == nil {
		b.mu.Unlock()
		return ErrPeerOffline
	}
	if n := b.drop[to]; n > 0 {
		b.drop[to] = n - 1
		b.stats.Dropped++
		b.mu.Unlock()
		b.logger.Debug(context.Background(), "сообщение потеряно",
			logging.String("from", from),
			logging.String("to", to))
		return nil
	}
	b.stats.Delivered++
	b.mu.Unlock()

	target.enqueue(from, append([]byte(nil), payload...))
	return nil
}
