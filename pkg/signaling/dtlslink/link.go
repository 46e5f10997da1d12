// Package dtlslink реализует сигнальный канал точка-точка поверх DTLS с общим ключом (PSK).
//
// Одна сторона слушает (ModeListen), другая подключается (ModeDial). Каждое сообщение
// уходит отдельной DTLS записью в кадре relay.Frame, поэтому формат совпадает
// с websocket ретранслятором.
package dtlslink

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/pion/dtls/v2"

	"github.com/arzzra/call_api/pkg/callapi"
	"github.com/arzzra/call_api/pkg/logging"
	"github.com/arzzra/call_api/pkg/relay"
)

// Ошибки канала
var (
	ErrNotConnected = errors.New("dtlslink: not connected")
	ErrUnknownPeer  = errors.New("dtlslink: unknown peer")
)

// Mode роль стороны при установке соединения
type Mode int

const (
	ModeDial Mode = iota
	ModeListen
)

func (m Mode) String() string {
	if m == ModeListen {
		return "listen"
	}
	return "dial"
}

// Config параметры канала
type Config struct {
	UserID string
	// PeerID единственный собеседник канала
	PeerID string
	Mode   Mode
	// LocalAddr адрес прослушивания в режиме ModeListen
	LocalAddr string
	// RemoteAddr адрес собеседника в режиме ModeDial
	RemoteAddr string

	PSK         []byte
	PSKIdentity string

	HandshakeTimeout time.Duration
	MTU              int
	// MaxMessageSize размер буфера чтения
	MaxMessageSize int
}

// DefaultConfig возвращает конфигурацию по умолчанию
func DefaultConfig(userID, peerID string, psk []byte) *Config {
	return &Config{
		UserID:           userID,
		PeerID:           peerID,
		PSK:              psk,
		PSKIdentity:      "call_api",
		HandshakeTimeout: 10 * time.Second,
		MTU:              1200,
		MaxMessageSize:   8192,
	}
}

// Validate проверяет конфигурацию
func (c *Config) Validate() error {
	if c == nil {
		return fmt.Errorf("dtlslink: nil config")
	}
	if c.UserID == "" || c.PeerID == "" {
		return fmt.Errorf("dtlslink: UserID and PeerID are required")
	}
	if len(c.PSK) == 0 {
		return fmt.Errorf("dtlslink: PSK is required")
	}
	switch c.Mode {
	case ModeDial:
		if c.RemoteAddr == "" {
			return fmt.Errorf("dtlslink: RemoteAddr is required in dial mode")
		}
	case ModeListen:
		if c.LocalAddr == "" {
			return fmt.Errorf("dtlslink: LocalAddr is required in listen mode")
		}
	default:
		return fmt.Errorf("dtlslink: unknown mode %d", c.Mode)
	}
	if c.HandshakeTimeout <= 0 {
		return fmt.Errorf("dtlslink: HandshakeTimeout must be positive")
	}
	if c.MaxMessageSize <= 0 {
		return fmt.Errorf("dtlslink: MaxMessageSize must be positive")
	}
	return nil
}

func (c *Config) dtlsConfig() *dtls.Config {
	psk := c.PSK
	timeout := c.HandshakeTimeout
	return &dtls.Config{
		PSK: func(hint []byte) ([]byte, error) {
			return psk, nil
		},
		PSKIdentityHint:      []byte(c.PSKIdentity),
		CipherSuites:         []dtls.CipherSuiteID{dtls.TLS_PSK_WITH_AES_128_GCM_SHA256},
		ExtendedMasterSecret: dtls.RequireExtendedMasterSecret,
		MTU:                  c.MTU,
		ConnectContextMaker: func() (context.Context, func()) {
			return context.WithTimeout(context.Background(), timeout)
		},
	}
}

// Link реализует callapi.SignalingTransport для одного собеседника
type Link struct {
	cfg    Config
	logger logging.StructuredLogger

	mu       sync.Mutex
	handler  callapi.SignalingHandler
	conn     net.Conn
	listener net.Listener
	closing  bool
	wg       sync.WaitGroup

	writeMu sync.Mutex
}

var _ callapi.SignalingTransport = (*Link)(nil)

// New создает канал; соединение устанавливается в Connect
func New(cfg *Config, logger logging.StructuredLogger) (*Link, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Link{
		cfg: *cfg,
		logger: logging.OrDefault(logger).WithComponent("signaling.dtls").WithFields(
			logging.String("user_id", cfg.UserID),
			logging.String("peer_id", cfg.PeerID),
			logging.String("mode", cfg.Mode.String())),
	}, nil
}

// SetHandler задает получателя событий
func (l *Link) SetHandler(h callapi.SignalingHandler) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.handler = h
}

func (l *Link) currentHandler() callapi.SignalingHandler {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.handler
}

// Addr локальный адрес: слушающего сокета или установленного соединения
func (l *Link) Addr() net.Addr {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.listener != nil {
		return l.listener.Addr()
	}
	if l.conn != nil {
		return l.conn.LocalAddr()
	}
	return nil
}

// Connect в режиме ModeDial выполняет рукопожатие синхронно.
// В режиме ModeListen открывает сокет и принимает собеседника в фоне,
// о подключении сообщает ConnectionConnected.
func (l *Link) Connect(ctx context.Context) error {
	l.mu.Lock()
	if l.conn != nil || l.listener != nil {
		l.mu.Unlock()
		return nil
	}
	l.closing = false
	l.mu.Unlock()

	if l.cfg.Mode == ModeListen {
		return l.listen(ctx)
	}
	return l.dial(ctx)
}

func (l *Link) dial(ctx context.Context) error {
	raddr, err := net.ResolveUDPAddr("udp", l.cfg.RemoteAddr)
	if err != nil {
		return fmt.Errorf("dtlslink: resolve %s: %w", l.cfg.RemoteAddr, err)
	}
	ctx, cancel := context.WithTimeout(ctx, l.cfg.HandshakeTimeout)
	defer cancel()
	conn, err := dtls.DialWithContext(ctx, "udp", raddr, l.cfg.dtlsConfig())
	if err != nil {
		return fmt.Errorf("dtlslink: handshake with %s: %w", l.cfg.RemoteAddr, err)
	}
	l.attach(conn)
	return nil
}

func (l *Link) listen(ctx context.Context) error {
	laddr, err := net.ResolveUDPAddr("udp", l.cfg.LocalAddr)
	if err != nil {
		return fmt.Errorf("dtlslink: resolve %s: %w", l.cfg.LocalAddr, err)
	}
	ln, err := dtls.Listen("udp", laddr, l.cfg.dtlsConfig())
	if err != nil {
		return fmt.Errorf("dtlslink: listen %s: %w", l.cfg.LocalAddr, err)
	}
	l.mu.Lock()
	l.listener = ln
	l.mu.Unlock()
	l.logger.Info(ctx, "ожидание собеседника", logging.String("addr", ln.Addr().String()))

	l.wg.Add(1)
	go l.acceptLoop(ln)
	return nil
}

func (l *Link) acceptLoop(ln net.Listener) {
	defer l.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			l.mu.Lock()
			stopped := l.closing || l.listener != ln
			l.mu.Unlock()
			if stopped || errors.Is(err, net.ErrClosed) {
				return
			}
			// Неудачное рукопожатие одного клиента не останавливает прием
			l.logger.Warn(context.Background(), "ошибка приема соединения", logging.Err(err))
			continue
		}
		l.attach(conn)
	}
}

// attach делает соединение текущим; предыдущее соединение закрывается
func (l *Link) attach(conn net.Conn) {
	l.mu.Lock()
	prev := l.conn
	l.conn = conn
	l.mu.Unlock()
	if prev != nil {
		_ = prev.Close()
	}

	l.wg.Add(1)
	go l.readLoop(conn)

	l.logger.Info(context.Background(), "DTLS соединение установлено",
		logging.String("remote", conn.RemoteAddr().String()))
	if h := l.currentHandler(); h != nil {
		h.OnConnectionStateChanged(callapi.ConnectionConnected, "")
	}
}

func (l *Link) readLoop(conn net.Conn) {
	defer l.wg.Done()
	buf := make([]byte, l.cfg.MaxMessageSize)
	for {
		n, err := conn.Read(buf)
		if err != nil {
			l.onReadError(conn, err)
			return
		}
		f, err := relay.DecodeFrame(buf[:n])
		if err != nil || f.Op != relay.OpMessage {
			l.logger.Warn(context.Background(), "некорректный кадр", logging.Err(err))
			continue
		}
		if f.From != l.cfg.PeerID {
			l.logger.Warn(context.Background(), "кадр от неизвестного отправителя", logging.String("from", f.From))
			continue
		}
		if h := l.currentHandler(); h != nil {
			h.OnMessageReceived(f.From, f.Payload)
		}
	}
}

func (l *Link) onReadError(conn net.Conn, err error) {
	l.mu.Lock()
	current := l.conn == conn
	if current {
		l.conn = nil
	}
	local := l.closing || !current
	l.mu.Unlock()
	_ = conn.Close()
	if local {
		return
	}
	l.logger.Warn(context.Background(), "DTLS соединение потеряно", logging.Err(err))
	if h := l.currentHandler(); h != nil {
		h.OnConnectionStateChanged(callapi.ConnectionLost, err.Error())
	}
}

// SendMessage отправляет сообщение собеседнику канала
func (l *Link) SendMessage(ctx context.Context, toUserID string, payload []byte) error {
	if toUserID != l.cfg.PeerID {
		return fmt.Errorf("%w: %s", ErrUnknownPeer, toUserID)
	}
	l.mu.Lock()
	conn := l.conn
	l.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	f := &relay.Frame{Op: relay.OpMessage, From: l.cfg.UserID, To: toUserID, Payload: payload}
	data, err := f.Encode()
	if err != nil {
		return fmt.Errorf("dtlslink: encode frame: %w", err)
	}
	if len(data) > l.cfg.MaxMessageSize {
		return fmt.Errorf("dtlslink: frame of %d bytes exceeds %d", len(data), l.cfg.MaxMessageSize)
	}

	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	if d, ok := ctx.Deadline(); ok {
		_ = conn.SetWriteDeadline(d)
		defer conn.SetWriteDeadline(time.Time{})
	}
	if _, err := conn.Write(data); err != nil {
		return fmt.Errorf("dtlslink: write: %w", err)
	}
	return nil
}

// Close закрывает соединение и слушающий сокет, ждет остановки горутин.
// После Close можно снова вызвать Connect.
func (l *Link) Close() error {
	l.mu.Lock()
	l.closing = true
	conn, ln := l.conn, l.listener
	l.conn, l.listener = nil, nil
	l.mu.Unlock()

	var errs []error
	if conn != nil {
		errs = append(errs, conn.Close())
	}
	if ln != nil {
		errs = append(errs, ln.Close())
	}
	l.wg.Wait()
	return errors.Join(errs...)
}
