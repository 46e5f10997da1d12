// Package wsclient реализует сигнальный транспорт поверх websocket ретранслятора pkg/relay.
package wsclient

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/arzzra/call_api/pkg/callapi"
	"github.com/arzzra/call_api/pkg/logging"
	"github.com/arzzra/call_api/pkg/relay"
)

// ErrNotConnected соединение не установлено
var ErrNotConnected = errors.New("wsclient: not connected")

// Config параметры клиента
type Config struct {
	// URL адрес обработчика /ws ретранслятора, например ws://host:8080/ws
	URL string
	// Token JWT пользователя
	Token string
	// HandshakeTimeout ограничение на установку соединения
	HandshakeTimeout time.Duration
	// WriteWait ограничение на запись одного кадра
	WriteWait time.Duration
	// PingPeriod период ping; 0 отключает ping
	PingPeriod time.Duration
}

// DefaultConfig возвращает конфигурацию по умолчанию
func DefaultConfig(rawURL, token string) *Config {
	return &Config{
		URL:              rawURL,
		Token:            token,
		HandshakeTimeout: 10 * time.Second,
		WriteWait:        10 * time.Second,
		PingPeriod:       30 * time.Second,
	}
}

// Validate проверяет конфигурацию
func (c *Config) Validate() error {
	if c == nil {
		return fmt.Errorf("wsclient: nil config")
	}
	u, err := url.Parse(c.URL)
	if err != nil {
		return fmt.Errorf("wsclient: bad url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("wsclient: unsupported scheme %q", u.Scheme)
	}
	if c.WriteWait <= 0 {
		return fmt.Errorf("wsclient: WriteWait must be positive")
	}
	return nil
}

// Client реализует callapi.SignalingTransport и callapi.TokenRenewer
type Client struct {
	cfg    Config
	logger logging.StructuredLogger

	mu      sync.Mutex
	handler callapi.SignalingHandler
	token   string
	conn    *websocket.Conn
	closing bool
	done    chan struct{}

	writeMu sync.Mutex
}

var (
	_ callapi.SignalingTransport = (*Client)(nil)
	_ callapi.TokenRenewer       = (*Client)(nil)
)

// New создает клиента; соединение устанавливается в Connect
func New(cfg *Config, logger logging.StructuredLogger) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Client{
		cfg:    *cfg,
		token:  cfg.Token,
		logger: logging.OrDefault(logger).WithComponent("signaling.ws"),
	}, nil
}

// SetHandler задает получателя событий
func (c *Client) SetHandler(h callapi.SignalingHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = h
}

func (c *Client) currentHandler() callapi.SignalingHandler {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.handler
}

// Connect устанавливает соединение. Повторный вызов при активном соединении ничего не делает.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.conn != nil {
		c.mu.Unlock()
		return nil
	}
	token := c.token
	c.mu.Unlock()

	u, err := url.Parse(c.cfg.URL)
	if err != nil {
		return fmt.Errorf("wsclient: bad url: %w", err)
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()

	dialer := websocket.Dialer{HandshakeTimeout: c.cfg.HandshakeTimeout}
	conn, resp, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("wsclient: dial %s: %w (status %d)", c.cfg.URL, err, resp.StatusCode)
		}
		return fmt.Errorf("wsclient: dial %s: %w", c.cfg.URL, err)
	}

	done := make(chan struct{})
	c.mu.Lock()
	c.conn = conn
	c.closing = false
	c.done = done
	c.mu.Unlock()

	go c.readLoop(conn, done)
	if c.cfg.PingPeriod > 0 {
		go c.pingLoop(conn, done)
	}

	c.logger.Info(ctx, "подключен к ретранслятору", logging.String("url", c.cfg.URL))
	if h := c.currentHandler(); h != nil {
		h.OnConnectionStateChanged(callapi.ConnectionConnected, "")
	}
	return nil
}

// SendMessage отправляет сообщение пользователю через ретранслятор.
// Отсутствие получателя ретранслятор сообщает отдельным кадром, он только логируется.
func (c *Client) SendMessage(ctx context.Context, toUserID string, payload []byte) error {
	return c.writeFrame(ctx, &relay.Frame{Op: relay.OpMessage, To: toUserID, Payload: payload})
}

// RenewToken запоминает токен и передает его ретранслятору, если соединение активно
func (c *Client) RenewToken(ctx context.Context, token string) error {
	c.mu.Lock()
	c.token = token
	connected := c.conn != nil
	c.mu.Unlock()
	if !connected {
		return nil
	}
	return c.writeFrame(ctx, &relay.Frame{Op: relay.OpRenewToken, Token: token})
}

func (c *Client) writeFrame(ctx context.Context, f *relay.Frame) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	data, err := f.Encode()
	if err != nil {
		return fmt.Errorf("wsclient: encode frame: %w", err)
	}

	deadline := time.Now().Add(c.cfg.WriteWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := conn.SetWriteDeadline(deadline); err != nil {
		return fmt.Errorf("wsclient: set deadline: %w", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("wsclient: write: %w", err)
	}
	return nil
}

func (c *Client) readLoop(conn *websocket.Conn, done chan struct{}) {
	defer close(done)
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			c.onReadError(conn, err)
			return
		}
		f, err := relay.DecodeFrame(raw)
		if err != nil {
			c.logger.Warn(context.Background(), "некорректный кадр", logging.Err(err))
			continue
		}
		h := c.currentHandler()
		switch f.Op {
		case relay.OpMessage:
			if h != nil {
				h.OnMessageReceived(f.From, f.Payload)
			}
		case relay.OpTokenExpiring:
			if h != nil {
				h.OnTokenWillExpire()
			}
		case relay.OpTokenRenewed:
			c.logger.Debug(context.Background(), "токен обновлен")
		case relay.OpError:
			c.logger.Warn(context.Background(), "ошибка ретранслятора",
				logging.String("error", f.Error),
				logging.String("to", f.To))
		}
	}
}

func (c *Client) onReadError(conn *websocket.Conn, err error) {
	c.mu.Lock()
	local := c.closing
	if c.conn == conn {
		c.conn = nil
	}
	c.mu.Unlock()
	_ = conn.Close()
	if local {
		return
	}
	c.logger.Warn(context.Background(), "соединение с ретранслятором потеряно", logging.Err(err))
	if h := c.currentHandler(); h != nil {
		h.OnConnectionStateChanged(callapi.ConnectionLost, err.Error())
	}
}

func (c *Client) pingLoop(conn *websocket.Conn, done chan struct{}) {
	ticker := time.NewTicker(c.cfg.PingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.cfg.WriteWait))
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

// Close закрывает соединение и ждет остановки чтения. После Close можно снова вызвать Connect.
func (c *Client) Close() error {
	c.mu.Lock()
	conn, done := c.conn, c.done
	c.closing = true
	c.conn = nil
	c.mu.Unlock()
	if conn == nil {
		return nil
	}

	c.writeMu.Lock()
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	c.writeMu.Unlock()
	err := conn.Close()
	<-done
	return err
}
