package relay

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/arzzra/call_api/pkg/logging"
)

const sendBufferSize = 64

// peer одно websocket соединение пользователя
type peer struct {
	server *Server
	conn   *websocket.Conn
	userID string
	send   chan []byte
	done   chan struct{}
	logger logging.StructuredLogger

	closeOnce sync.Once
	mu        sync.Mutex
	expiry    *time.Timer
}

func newPeer(s *Server, conn *websocket.Conn, userID string) *peer {
	return &peer{
		server: s,
		conn:   conn,
		userID: userID,
		send:   make(chan []byte, sendBufferSize),
		done:   make(chan struct{}),
		logger: s.logger.WithFields(logging.String("user_id", userID)),
	}
}

// enqueue ставит кадр в очередь записи. Переполненная очередь означает
// зависшего клиента: кадр отбрасывается, соединение закрывается.
func (p *peer) enqueue(f *Frame) bool {
	data, err := f.Encode()
	if err != nil {
		p.logger.Error(context.Background(), "ошибка кодирования кадра", logging.Err(err))
		return false
	}
	select {
	case <-p.done:
		return false
	default:
	}
	select {
	case p.send <- data:
		return true
	default:
		p.logger.Warn(context.Background(), "очередь записи переполнена, соединение закрывается")
		p.close()
		return false
	}
}

func (p *peer) close() {
	p.closeOnce.Do(func() {
		close(p.done)
		p.mu.Lock()
		if p.expiry != nil {
			p.expiry.Stop()
		}
		p.mu.Unlock()
	})
}

// scheduleExpiry предупреждает клиента заранее до истечения токена
func (p *peer) scheduleExpiry(expiresAt time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.expiry != nil {
		p.expiry.Stop()
		p.expiry = nil
	}
	if expiresAt.IsZero() {
		return
	}
	d := time.Until(expiresAt) - p.server.cfg.ExpiryWarning
	if d < 0 {
		d = 0
	}
	p.expiry = time.AfterFunc(d, func() {
		p.enqueue(&Frame{Op: OpTokenExpiring})
	})
}

func (p *peer) readPump() {
	cfg := p.server.cfg
	defer func() {
		p.server.hub.unregister(p)
		p.close()
	}()

	p.conn.SetReadLimit(cfg.MaxMessageSize)
	_ = p.conn.SetReadDeadline(time.Now().Add(cfg.PongWait))
	p.conn.SetPongHandler(func(string) error {
		return p.conn.SetReadDeadline(time.Now().Add(cfg.PongWait))
	})

	for {
		_, raw, err := p.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				p.logger.Warn(context.Background(), "неожиданное закрытие соединения", logging.Err(err))
			}
			return
		}
		f, err := DecodeFrame(raw)
		if err != nil {
			p.server.metrics.frame("invalid")
			p.enqueue(&Frame{Op: OpError, Error: ErrorBadFrame})
			continue
		}
		p.handle(f)
	}
}

func (p *peer) handle(f *Frame) {
	switch f.Op {
	case OpMessage:
		p.server.hub.route(p, f)
	case OpRenewToken:
		claims, err := p.server.auth.Validate(f.Token)
		p.server.metrics.authResult(err == nil && claims.UserID == p.userID)
		if err != nil || claims.UserID != p.userID {
			p.enqueue(&Frame{Op: OpError, Error: ErrorInvalidToken})
			return
		}
		p.scheduleExpiry(claims.expiresAt())
		p.enqueue(&Frame{Op: OpTokenRenewed})
	default:
		p.enqueue(&Frame{Op: OpError, Error: ErrorBadFrame})
	}
}

func (p *peer) writePump() {
	cfg := p.server.cfg
	ticker := time.NewTicker(cfg.pingPeriod())
	defer func() {
		ticker.Stop()
		_ = p.conn.Close()
	}()

	for {
		select {
		case data := <-p.send:
			if err := p.write(websocket.TextMessage, data); err != nil {
				p.close()
				return
			}
		case <-ticker.C:
			if err := p.write(websocket.PingMessage, nil); err != nil {
				p.close()
				return
			}
		case <-p.done:
			// Досылаем уже поставленные кадры, например причину вытеснения
		drain:
			for {
				select {
				case data := <-p.send:
					_ = p.write(websocket.TextMessage, data)
				default:
					break drain
				}
			}
			_ = p.write(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

func (p *peer) write(messageType int, data []byte) error {
	if err := p.conn.SetWriteDeadline(time.Now().Add(p.server.cfg.WriteWait)); err != nil {
		return err
	}
	return p.conn.WriteMessage(messageType, data)
}
