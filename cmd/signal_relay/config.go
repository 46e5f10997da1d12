package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/arzzra/call_api/pkg/logging"
	"github.com/arzzra/call_api/pkg/relay"
)

// config параметры запуска ретранслятора из окружения
type config struct {
	Addr     string
	LogLevel logging.LogLevel
	JSONLogs bool
	Relay    *relay.Config
}

// loadConfig читает окружение; .env в текущем каталоге необязателен
func loadConfig() (*config, error) {
	_ = godotenv.Load()

	secret := getEnv("RELAY_JWT_SECRET", "")
	if secret == "" {
		return nil, fmt.Errorf("RELAY_JWT_SECRET is required")
	}
	rc := relay.DefaultConfig([]byte(secret))
	rc.Issuer = getEnv("RELAY_JWT_ISSUER", rc.Issuer)

	var err error
	if rc.ExpiryWarning, err = getDuration("RELAY_EXPIRY_WARNING", rc.ExpiryWarning); err != nil {
		return nil, err
	}
	if rc.TokenTTL, err = getDuration("RELAY_TOKEN_TTL", rc.TokenTTL); err != nil {
		return nil, err
	}
	if rc.IssueTokens, err = strconv.ParseBool(getEnv("RELAY_ISSUE_TOKENS", "false")); err != nil {
		return nil, fmt.Errorf("invalid RELAY_ISSUE_TOKENS: %w", err)
	}
	if origins := getEnv("RELAY_ALLOWED_ORIGINS", ""); origins != "" {
		rc.AllowedOrigins = splitList(origins)
	}
	if err := rc.Validate(); err != nil {
		return nil, err
	}

	level, err := parseLevel(getEnv("LOG_LEVEL", "info"))
	if err != nil {
		return nil, err
	}
	jsonLogs, err := strconv.ParseBool(getEnv("LOG_JSON", "false"))
	if err != nil {
		return nil, fmt.Errorf("invalid LOG_JSON: %w", err)
	}

	return &config{
		Addr:     getEnv("RELAY_ADDR", ":8080"),
		LogLevel: level,
		JSONLogs: jsonLogs,
		Relay:    rc,
	}, nil
}

func getEnv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

func getDuration(key string, def time.Duration) (time.Duration, error) {
	raw := getEnv(key, "")
	if raw == "" {
		return def, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func parseLevel(raw string) (logging.LogLevel, error) {
	switch strings.ToLower(raw) {
	case "trace":
		return logging.LogLevelTrace, nil
	case "debug":
		return logging.LogLevelDebug, nil
	case "info":
		return logging.LogLevelInfo, nil
	case "warn", "warning":
		return logging.LogLevelWarn, nil
	case "error":
		return logging.LogLevelError, nil
	}
	return logging.LogLevelInfo, fmt.Errorf("invalid LOG_LEVEL %q", raw)
}
