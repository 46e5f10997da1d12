package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	"github.com/arzzra/call_api/pkg/logging"
)

// Config параметры ретранслятора
type Config struct {
	// Secret общий секрет HS256
	Secret []byte
	// Issuer значение iss в выпускаемых токенах
	Issuer string
	// ExpiryWarning за сколько до истечения токена предупреждать клиента
	ExpiryWarning time.Duration
	// AllowedOrigins разрешенные источники для CORS и websocket; "*" разрешает все
	AllowedOrigins []string
	// IssueTokens включает POST /token для выпуска токенов без проверки (разработка)
	IssueTokens bool
	// TokenTTL срок жизни выпускаемых токенов
	TokenTTL time.Duration

	MaxMessageSize int64
	PongWait       time.Duration
	WriteWait      time.Duration
}

// DefaultConfig возвращает конфигурацию по умолчанию
func DefaultConfig(secret []byte) *Config {
	return &Config{
		Secret:         secret,
		Issuer:         "call_api",
		ExpiryWarning:  30 * time.Second,
		AllowedOrigins: []string{"*"},
		TokenTTL:       time.Hour,
		MaxMessageSize: 16 * 1024,
		PongWait:       60 * time.Second,
		WriteWait:      10 * time.Second,
	}
}

// Validate проверяет конфигурацию
func (c *Config) Validate() error {
	if c == nil {
		return fmt.Errorf("relay: nil config")
	}
	if len(c.Secret) == 0 {
		return fmt.Errorf("relay: secret is required")
	}
	if c.MaxMessageSize <= 0 {
		return fmt.Errorf("relay: MaxMessageSize must be positive")
	}
	if c.PongWait <= 0 || c.WriteWait <= 0 {
		return fmt.Errorf("relay: PongWait and WriteWait must be positive")
	}
	if c.ExpiryWarning < 0 || c.TokenTTL < 0 {
		return fmt.Errorf("relay: negative durations are not allowed")
	}
	return nil
}

func (c *Config) pingPeriod() time.Duration {
	return c.PongWait * 9 / 10
}

func (c *Config) originAllowed(origin string) bool {
	if origin == "" {
		return true
	}
	for _, o := range c.AllowedOrigins {
		if o == "*" || o == origin {
			return true
		}
	}
	return false
}

// Option настройка сервера
type Option func(*Server)

// WithLogger задает логгер
func WithLogger(logger logging.StructuredLogger) Option {
	return func(s *Server) { s.logger = logging.OrDefault(logger).WithComponent("relay") }
}

// WithRegistry регистрирует метрики в отдельном реестре и отдает его на /metrics
func WithRegistry(reg *prometheus.Registry) Option {
	return func(s *Server) {
		s.registerer = reg
		s.gatherer = reg
	}
}

// Server websocket ретранслятор сигнальных сообщений
type Server struct {
	cfg        *Config
	auth       *Authenticator
	hub        *Hub
	metrics    *Metrics
	logger     logging.StructuredLogger
	registerer prometheus.Registerer
	gatherer   prometheus.Gatherer
	upgrader   websocket.Upgrader
}

// NewServer создает ретранслятор
func NewServer(cfg *Config, opts ...Option) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	auth, err := NewAuthenticator(cfg.Secret, cfg.Issuer)
	if err != nil {
		return nil, err
	}
	s := &Server{
		cfg:        cfg,
		auth:       auth,
		logger:     logging.GetDefaultLogger().WithComponent("relay"),
		registerer: prometheus.DefaultRegisterer,
		gatherer:   prometheus.DefaultGatherer,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.metrics = NewMetrics(s.registerer)
	s.hub = NewHub(s.metrics, s.logger)
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			return cfg.originAllowed(r.Header.Get("Origin"))
		},
	}
	return s, nil
}

// Authenticator возвращает проверяющего токены
func (s *Server) Authenticator() *Authenticator {
	return s.auth
}

// Hub возвращает реестр соединений
func (s *Server) Hub() *Hub {
	return s.hub
}

// Handler возвращает HTTP обработчик со всеми маршрутами
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Get("/ws", s.handleWS)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	if s.cfg.IssueTokens {
		r.Post("/token", s.handleIssueToken)
	}

	c := cors.New(cors.Options{
		AllowedOrigins:   s.cfg.AllowedOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"Authorization", "Content-Type"},
		AllowCredentials: false,
	})
	return c.Handler(r)
}

// Close разрывает все клиентские соединения
func (s *Server) Close() {
	s.hub.Close()
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug(r.Context(), "http запрос",
			logging.String("method", r.Method),
			logging.String("path", r.URL.Path),
			logging.Int("status", ww.Status()),
			logging.Duration("elapsed", time.Since(start)),
			logging.String("request_id", middleware.GetReqID(r.Context())))
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":      "ok",
		"connections": s.hub.Count(),
	})
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	claims, err := s.auth.Validate(r.URL.Query().Get("token"))
	s.metrics.authResult(err == nil)
	if err != nil {
		s.logger.Warn(r.Context(), "отказ в подключении", logging.Err(err))
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error(r.Context(), "ошибка upgrade websocket", logging.Err(err))
		return
	}

	p := newPeer(s, conn, claims.UserID)
	s.hub.register(p)
	p.scheduleExpiry(claims.expiresAt())
	s.logger.Info(context.Background(), "клиент подключен", logging.String("user_id", claims.UserID))

	go p.writePump()
	p.readPump()
	s.logger.Info(context.Background(), "клиент отключен", logging.String("user_id", claims.UserID))
}

type issueRequest struct {
	UserID     string `json:"user_id"`
	TTLSeconds int    `json:"ttl_seconds,omitempty"`
}

type issueResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (s *Server) handleIssueToken(w http.ResponseWriter, r *http.Request) {
	var req issueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "user_id is required"})
		return
	}
	ttl := s.cfg.TokenTTL
	if req.TTLSeconds > 0 {
		ttl = time.Duration(req.TTLSeconds) * time.Second
	}
	token, err := s.auth.Issue(req.UserID, ttl)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, issueResponse{Token: token, ExpiresAt: s.auth.now().Add(ttl).UTC()})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
