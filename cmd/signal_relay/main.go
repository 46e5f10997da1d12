// signal_relay websocket ретранслятор сигнальных сообщений звонков.
//
// Настройки читаются из окружения (или .env):
//
//	RELAY_ADDR             адрес HTTP сервера, по умолчанию :8080
//	RELAY_JWT_SECRET       секрет HS256, обязателен
//	RELAY_JWT_ISSUER       iss выпускаемых токенов
//	RELAY_EXPIRY_WARNING   за сколько предупреждать об истечении токена, например 30s
//	RELAY_TOKEN_TTL        срок жизни токенов POST /token
//	RELAY_ISSUE_TOKENS     включает POST /token (только для разработки)
//	RELAY_ALLOWED_ORIGINS  список источников через запятую
//	LOG_LEVEL, LOG_JSON    уровень и формат логов
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/arzzra/call_api/pkg/logging"
	"github.com/arzzra/call_api/pkg/relay"
)

func main() {
	logger := logging.NewConsoleLogger(os.Stdout)

	cfg, err := loadConfig()
	if err != nil {
		logger.LogError(context.Background(), err, "некорректная конфигурация")
		os.Exit(1)
	}
	if cfg.JSONLogs {
		logger = logging.NewJSONLogger(os.Stdout)
	}
	logger.SetLevel(cfg.LogLevel)
	logging.SetDefaultLogger(logger)

	server, err := relay.NewServer(cfg.Relay, relay.WithLogger(logger))
	if err != nil {
		logger.LogError(context.Background(), err, "не удалось создать ретранслятор")
		os.Exit(1)
	}

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info(context.Background(), "ретранслятор запущен",
			logging.String("addr", cfg.Addr),
			logging.Bool("issue_tokens", cfg.Relay.IssueTokens))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.LogError(context.Background(), err, "ошибка HTTP сервера")
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit
	logger.Info(context.Background(), "остановка ретранслятора")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// websocket соединения не завершаются Shutdown, их закрывает сам ретранслятор
	server.Close()
	if err := srv.Shutdown(ctx); err != nil {
		logger.LogError(ctx, err, "принудительная остановка")
	}
	logger.Info(context.Background(), "ретранслятор остановлен")
}
