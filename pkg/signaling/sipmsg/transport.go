// Package sipmsg реализует сигнальный транспорт поверх SIP MESSAGE (RFC 3428).
//
// Каждый пользователь слушает UDP адрес, адреса собеседников задаются заранее
// через Config.Peers или AddPeer. Полезная нагрузка передается телом запроса
// с Content-Type application/json, отправитель берется из user части From.
package sipmsg

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"

	"github.com/arzzra/call_api/pkg/callapi"
	"github.com/arzzra/call_api/pkg/logging"
)

// Ошибки транспорта
var (
	ErrNotConnected = errors.New("sipmsg: not connected")
	ErrUnknownPeer  = errors.New("sipmsg: unknown peer")
)

const contentType = "application/json"

// Config параметры транспорта
type Config struct {
	// UserID идентификатор пользователя, попадает в From
	UserID string
	// ListenAddr локальный UDP адрес, например 127.0.0.1:5060; порт 0 выбирается системой
	ListenAddr string
	// Peers адреса собеседников host:port по идентификатору пользователя
	Peers map[string]string
	// UserAgent значение заголовка User-Agent
	UserAgent string
	// RequestTimeout ограничение на одну транзакцию MESSAGE
	RequestTimeout time.Duration
}

// DefaultConfig возвращает конфигурацию по умолчанию
func DefaultConfig(userID, listenAddr string) *Config {
	return &Config{
		UserID:         userID,
		ListenAddr:     listenAddr,
		Peers:          make(map[string]string),
		UserAgent:      "call_api",
		RequestTimeout: 5 * time.Second,
	}
}

// Validate проверяет конфигурацию
func (c *Config) Validate() error {
	if c == nil {
		return fmt.Errorf("sipmsg: nil config")
	}
	if c.UserID == "" {
		return fmt.Errorf("sipmsg: UserID is required")
	}
	if _, _, err := net.SplitHostPort(c.ListenAddr); err != nil {
		return fmt.Errorf("sipmsg: bad ListenAddr: %w", err)
	}
	for id, addr := range c.Peers {
		if _, _, err := net.SplitHostPort(addr); err != nil {
			return fmt.Errorf("sipmsg: bad address for peer %s: %w", id, err)
		}
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("sipmsg: RequestTimeout must be positive")
	}
	return nil
}

// Transport реализует callapi.SignalingTransport
type Transport struct {
	cfg    Config
	logger logging.StructuredLogger

	mu      sync.RWMutex
	handler callapi.SignalingHandler
	peers   map[string]string
	ua      *sipgo.UserAgent
	client  *sipgo.Client
	conn    net.PacketConn
	closing bool
	served  chan struct{}
}

var _ callapi.SignalingTransport = (*Transport)(nil)

// New создает транспорт; сокет открывается в Connect
func New(cfg *Config, logger logging.StructuredLogger) (*Transport, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	peers := make(map[string]string, len(cfg.Peers))
	for id, addr := range cfg.Peers {
		peers[id] = addr
	}
	return &Transport{
		cfg:    *cfg,
		peers:  peers,
		logger: logging.OrDefault(logger).WithComponent("signaling.sip").WithFields(logging.String("user_id", cfg.UserID)),
	}, nil
}

// AddPeer задает адрес собеседника
func (t *Transport) AddPeer(userID, addr string) error {
	if _, _, err := net.SplitHostPort(addr); err != nil {
		return fmt.Errorf("sipmsg: bad address for peer %s: %w", userID, err)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.peers[userID] = addr
	return nil
}

// Addr локальный адрес после Connect
func (t *Transport) Addr() net.Addr {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.conn == nil {
		return nil
	}
	return t.conn.LocalAddr()
}

// SetHandler задает получателя событий
func (t *Transport) SetHandler(h callapi.SignalingHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handler = h
}

func (t *Transport) currentHandler() callapi.SignalingHandler {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.handler
}

// Connect открывает UDP сокет и запускает SIP сервер
func (t *Transport) Connect(ctx context.Context) error {
	t.mu.Lock()
	if t.conn != nil {
		t.mu.Unlock()
		return nil
	}
	t.mu.Unlock()

	var lc net.ListenConfig
	conn, err := lc.ListenPacket(ctx, "udp", t.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("sipmsg: listen %s: %w", t.cfg.ListenAddr, err)
	}
	host, _, _ := net.SplitHostPort(conn.LocalAddr().String())

	ua, err := sipgo.NewUA(
		sipgo.WithUserAgent(t.cfg.UserAgent),
		sipgo.WithUserAgentHostname(host),
	)
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("sipmsg: create user agent: %w", err)
	}
	server, err := sipgo.NewServer(ua)
	if err != nil {
		_ = ua.Close()
		_ = conn.Close()
		return fmt.Errorf("sipmsg: create server: %w", err)
	}
	client, err := sipgo.NewClient(ua, sipgo.WithClientHostname(host))
	if err != nil {
		_ = ua.Close()
		_ = conn.Close()
		return fmt.Errorf("sipmsg: create client: %w", err)
	}
	server.OnMessage(t.handleMessage)

	served := make(chan struct{})
	t.mu.Lock()
	t.ua, t.client, t.conn = ua, client, conn
	t.closing = false
	t.served = served
	t.mu.Unlock()

	go func() {
		defer close(served)
		if err := server.ServeUDP(conn); err != nil {
			t.onServeError(conn, err)
		}
	}()

	t.logger.Info(ctx, "SIP транспорт запущен", logging.String("addr", conn.LocalAddr().String()))
	if h := t.currentHandler(); h != nil {
		h.OnConnectionStateChanged(callapi.ConnectionConnected, "")
	}
	return nil
}

func (t *Transport) onServeError(conn net.PacketConn, err error) {
	t.mu.Lock()
	local := t.closing || t.conn != conn
	if !local {
		t.conn = nil
	}
	t.mu.Unlock()
	if local {
		return
	}
	t.logger.Warn(context.Background(), "SIP сервер остановлен", logging.Err(err))
	if h := t.currentHandler(); h != nil {
		h.OnConnectionStateChanged(callapi.ConnectionLost, err.Error())
	}
}

func (t *Transport) handleMessage(req *sip.Request, tx sip.ServerTransaction) {
	from := req.From()
	if from == nil || from.Address.User == "" {
		t.respond(req, tx, sip.StatusBadRequest, "Missing From user")
		return
	}
	if ct := req.ContentType(); ct != nil && ct.Value() != contentType {
		t.respond(req, tx, 415, "Unsupported Media Type")
		return
	}
	t.respond(req, tx, sip.StatusOK, "OK")

	payload := append([]byte(nil), req.Body()...)
	if h := t.currentHandler(); h != nil {
		h.OnMessageReceived(from.Address.User, payload)
	}
}

func (t *Transport) respond(req *sip.Request, tx sip.ServerTransaction, code int, reason string) {
	res := sip.NewResponseFromRequest(req, code, reason, nil)
	if err := tx.Respond(res); err != nil {
		t.logger.Warn(context.Background(), "ошибка отправки ответа на MESSAGE", logging.Err(err))
	}
}

// SendMessage отправляет MESSAGE и ждет финального ответа; ответ не 2xx считается ошибкой
func (t *Transport) SendMessage(ctx context.Context, toUserID string, payload []byte) error {
	t.mu.RLock()
	client, conn := t.client, t.conn
	addr, known := t.peers[toUserID]
	t.mu.RUnlock()
	if conn == nil {
		return ErrNotConnected
	}
	if !known {
		return fmt.Errorf("%w: %s", ErrUnknownPeer, toUserID)
	}

	req, err := t.buildRequest(conn.LocalAddr(), toUserID, addr, payload)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, t.cfg.RequestTimeout)
	defer cancel()
	res, err := client.Do(ctx, req)
	if err != nil {
		return fmt.Errorf("sipmsg: send MESSAGE to %s: %w", toUserID, err)
	}
	if !res.IsSuccess() {
		return fmt.Errorf("sipmsg: MESSAGE to %s rejected: %d %s", toUserID, res.StatusCode, res.Reason)
	}
	return nil
}

func (t *Transport) buildRequest(local net.Addr, toUserID, addr string, payload []byte) (*sip.Request, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fmt.Errorf("sipmsg: bad peer address: %w", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, fmt.Errorf("sipmsg: bad peer port: %w", err)
	}
	localHost, localPortStr, _ := net.SplitHostPort(local.String())
	localPort, _ := strconv.Atoi(localPortStr)

	recipient := sip.Uri{Scheme: "sip", User: toUserID, Host: host, Port: port}
	req := sip.NewRequest(sip.MESSAGE, recipient)

	from := &sip.FromHeader{
		Address: sip.Uri{Scheme: "sip", User: t.cfg.UserID, Host: localHost, Port: localPort},
		Params:  sip.NewParams(),
	}
	from.Params.Add("tag", sip.RandString(8))
	req.AppendHeader(from)
	req.AppendHeader(&sip.ToHeader{Address: recipient, Params: sip.NewParams()})
	req.AppendHeader(sip.NewHeader("Content-Type", contentType))
	req.SetBody(payload)
	return req, nil
}

// Close останавливает сервер и закрывает сокет. После Close можно снова вызвать Connect.
func (t *Transport) Close() error {
	t.mu.Lock()
	ua, conn, served := t.ua, t.conn, t.served
	t.closing = true
	t.conn, t.client, t.ua = nil, nil, nil
	t.mu.Unlock()
	if conn == nil {
		return nil
	}

	err := conn.Close()
	if served != nil {
		<-served
	}
	if ua != nil {
		_ = ua.Close()
	}
	return err
}
