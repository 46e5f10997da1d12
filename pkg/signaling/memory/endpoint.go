package memory

import (
	"context"
	"sync"

	"github.com/arzzra/call_api/pkg/callapi"
)

type delivery struct {
	from    string
	payload []byte
	notify  func(callapi.SignalingHandler)
}

// Endpoint конечная точка пользователя. Реализует callapi.SignalingTransport.
// После Close можно снова вызвать Connect.
type Endpoint struct {
	bus    *Bus
	userID string

	mu        sync.Mutex
	handler   callapi.SignalingHandler
	connected bool
	queue     []delivery
	signal    chan struct{}
	stop      chan struct{}
	done      chan struct{}
	token     string
}

var (
	_ callapi.SignalingTransport = (*Endpoint)(nil)
	_ callapi.TokenRenewer       = (*Endpoint)(nil)
)

// UserID возвращает идентификатор пользователя
func (e *Endpoint) UserID() string {
	return e.userID
}

// SetHandler задает получателя событий
func (e *Endpoint) SetHandler(h callapi.SignalingHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handler = h
}

// Connect регистрирует точку на шине. Повторный вызов без Close ничего не делает.
func (e *Endpoint) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b := e.bus
	b.mu.Lock()
	if err := b.failConnect[e.userID]; err != nil {
		b.mu.Unlock()
		return err
	}
	b.endpoints[e.userID] = e
	b.mu.Unlock()

	e.mu.Lock()
	if e.connected {
		e.mu.Unlock()
		return nil
	}
	e.connected = true
	if e.stop == nil {
		e.signal = make(chan struct{}, 1)
		e.stop = make(chan struct{})
		e.done = make(chan struct{})
		go e.deliver(e.signal, e.stop, e.done)
	}
	e.mu.Unlock()

	e.notify(func(h callapi.SignalingHandler) {
		h.OnConnectionStateChanged(callapi.ConnectionConnected, "")
	})
	return nil
}

// SendMessage отправляет сообщение пользователю toUserID
func (e *Endpoint) SendMessage(ctx context.Context, toUserID string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	e.mu.Lock()
	connected := e.connected
	e.mu.Unlock()
	if !connected {
		return ErrNotConnected
	}
	return e.bus.route(e.userID, toUserID, payload)
}

// RenewToken запоминает токен
func (e *Endpoint) RenewToken(ctx context.Context, token string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.connected {
		return ErrNotConnected
	}
	e.token = token
	return nil
}

// Token возвращает последний токен
func (e *Endpoint) Token() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.token
}

// Close снимает точку с шины и останавливает доставку; недоставленное теряется
func (e *Endpoint) Close() error {
	b := e.bus
	b.mu.Lock()
	if b.endpoints[e.userID] == e {
		delete(b.endpoints, e.userID)
	}
	b.mu.Unlock()

	e.mu.Lock()
	e.connected = false
	stop, done := e.stop, e.done
	e.stop, e.done, e.signal = nil, nil, nil
	e.queue = nil
	e.mu.Unlock()

	if stop != nil {
		close(stop)
		<-done
	}
	return nil
}

func (e *Endpoint) setConnected(v bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.connected = v
}

func (e *Endpoint) enqueue(from string, payload []byte) {
	e.push(delivery{from: from, payload: payload})
}

// notify доставляет событие соединения в той же очереди, что и сообщения
func (e *Endpoint) notify(fn func(callapi.SignalingHandler)) {
	e.push(delivery{notify: fn})
}

func (e *Endpoint) push(d delivery) {
	e.mu.Lock()
	signal := e.signal
	if signal == nil {
		e.mu.Unlock()
		return
	}
	e.queue = append(e.queue, d)
	e.mu.Unlock()

	select {
	case signal <- struct{}{}:
	default:
	}
}

func (e *Endpoint) deliver(signal, stop, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-stop:
			return
		case <-signal:
		}
		for {
			e.mu.Lock()
			if len(e.queue) == 0 || e.signal != signal {
				e.mu.Unlock()
				break
			}
			d := e.queue[0]
			e.queue = e.queue[1:]
			h := e.handler
			e.mu.Unlock()

			if h == nil {
				continue
			}
			if d.notify != nil {
				d.notify(h)
			} else {
				h.OnMessageReceived(d.from, d.payload)
			}
		}
	}
}
