// Package logging предоставляет структурированное логирование для всех компонентов
// оркестрации звонков.
//
// Интерфейс StructuredLogger не зависит от конкретного бэкенда. Реализация по умолчанию
// построена на zerolog, для тестов и библиотечного использования есть NoOpLogger.
package logging

import (
	"context"
	"io"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// LogLevel уровни логирования
type LogLevel int

const (
	LogLevelTrace LogLevel = iota
	LogLevelDebug
	LogLevelInfo
	LogLevelWarn
	LogLevelError
)

var logLevelNames = map[LogLevel]string{
	LogLevelTrace: "TRACE",
	LogLevelDebug: "DEBUG",
	LogLevelInfo:  "INFO",
	LogLevelWarn:  "WARN",
	LogLevelError: "ERROR",
}

func (l LogLevel) String() string {
	if name, ok := logLevelNames[l]; ok {
		return name
	}
	return "UNKNOWN"
}

// zerologLevel переводит уровень в уровень zerolog
func (l LogLevel) zerologLevel() zerolog.Level {
	switch l {
	case LogLevelTrace:
		return zerolog.TraceLevel
	case LogLevelDebug:
		return zerolog.DebugLevel
	case LogLevelWarn:
		return zerolog.WarnLevel
	case LogLevelError:
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// StructuredLogger интерфейс для структурированного логирования
type StructuredLogger interface {
	Trace(ctx context.Context, msg string, fields ...Field)
	Debug(ctx context.Context, msg string, fields ...Field)
	Info(ctx context.Context, msg string, fields ...Field)
	Warn(ctx context.Context, msg string, fields ...Field)
	Error(ctx context.Context, msg string, fields ...Field)

	// LogError логирует ошибку на уровне Error
	LogError(ctx context.Context, err error, msg string, fields ...Field)

	// Контекстные логгеры
	WithComponent(component string) StructuredLogger
	WithFields(fields ...Field) StructuredLogger

	SetLevel(level LogLevel)
	IsEnabled(level LogLevel) bool
}

// Field представляет поле лога
type Field struct {
	Key   string
	Value interface{}
}

// Helpers для создания полей
func String(key, value string) Field                 { return Field{key, value} }
func Int(key string, value int) Field                { return Field{key, value} }
func Int64(key string, value int64) Field            { return Field{key, value} }
func Uint32(key string, value uint32) Field          { return Field{key, value} }
func Bool(key string, value bool) Field              { return Field{key, value} }
func Duration(key string, value time.Duration) Field { return Field{key, value} }
func Any(key string, value interface{}) Field        { return Field{key, value} }
func Err(err error) Field                            { return Field{"error", err} }

type callIDKey struct{}

// ContextWithCallID кладет идентификатор звонка в контекст, логгер добавит его в запись
func ContextWithCallID(ctx context.Context, callID string) context.Context {
	return context.WithValue(ctx, callIDKey{}, callID)
}

// CallIDFromContext возвращает идентификатор звонка из контекста
func CallIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(callIDKey{}).(string)
	return id
}

// ZerologLogger реализация StructuredLogger поверх zerolog
type ZerologLogger struct {
	mu     *sync.RWMutex
	level  *LogLevel
	logger zerolog.Logger
}

// NewZerologLogger оборачивает готовый zerolog.Logger
func NewZerologLogger(l zerolog.Logger) *ZerologLogger {
	level := LogLevelInfo
	return &ZerologLogger{
		mu:     &sync.RWMutex{},
		level:  &level,
		logger: l,
	}
}

// NewConsoleLogger создает человекочитаемый логгер для бинарников и примеров
func NewConsoleLogger(out io.Writer) *ZerologLogger {
	if out == nil {
		out = os.Stderr
	}
	w := zerolog.ConsoleWriter{Out: out, TimeFormat: "15:04:05.000"}
	return NewZerologLogger(zerolog.New(w).With().Timestamp().Logger())
}

// NewJSONLogger создает логгер с JSON выводом
func NewJSONLogger(out io.Writer) *ZerologLogger {
	if out == nil {
		out = os.Stdout
	}
	return NewZerologLogger(zerolog.New(out).With().Timestamp().Logger())
}

// SetLevel устанавливает минимальный уровень логирования
func (l *ZerologLogger) SetLevel(level LogLevel) {
	l.mu.Lock()
	defer l.mu.Unlock()
	*l.level = level
}

// IsEnabled проверяет, включен ли уровень логирования
func (l *ZerologLogger) IsEnabled(level LogLevel) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return level >= *l.level
}

// WithComponent создает logger с указанным компонентом
func (l *ZerologLogger) WithComponent(component string) StructuredLogger {
	return &ZerologLogger{
		mu:     l.mu,
		level:  l.level,
		logger: l.logger.With().Str("component", component).Logger(),
	}
}

// WithFields создает logger с постоянными полями
func (l *ZerologLogger) WithFields(fields ...Field) StructuredLogger {
	ctx := l.logger.With()
	for _, f := range fields {
		ctx = ctx.Interface(f.Key, f.Value)
	}
	return &ZerologLogger{
		mu:     l.mu,
		level:  l.level,
		logger: ctx.Logger(),
	}
}

func (l *ZerologLogger) Trace(ctx context.Context, msg string, fields ...Field) {
	l.log(ctx, LogLevelTrace, msg, nil, fields)
}

func (l *ZerologLogger) Debug(ctx context.Context, msg string, fields ...Field) {
	l.log(ctx, LogLevelDebug, msg, nil, fields)
}

func (l *ZerologLogger) Info(ctx context.Context, msg string, fields ...Field) {
	l.log(ctx, LogLevelInfo, msg, nil, fields)
}

func (l *ZerologLogger) Warn(ctx context.Context, msg string, fields ...Field) {
	l.log(ctx, LogLevelWarn, msg, nil, fields)
}

func (l *ZerologLogger) Error(ctx context.Context, msg string, fields ...Field) {
	l.log(ctx, LogLevelError, msg, nil, fields)
}

// LogError логирует ошибку с дополнительными полями
func (l *ZerologLogger) LogError(ctx context.Context, err error, msg string, fields ...Field) {
	l.log(ctx, LogLevelError, msg, err, fields)
}

func (l *ZerologLogger) log(ctx context.Context, level LogLevel, msg string, err error, fields []Field) {
	if !l.IsEnabled(level) {
		return
	}

	ev := l.logger.WithLevel(level.zerologLevel())
	if ev == nil {
		return
	}
	if callID := CallIDFromContext(ctx); callID != "" {
		ev = ev.Str("call_id", callID)
	}
	for _, f := range fields {
		switch v := f.Value.(type) {
		case string:
			ev = ev.Str(f.Key, v)
		case int:
			ev = ev.Int(f.Key, v)
		case int64:
			ev = ev.Int64(f.Key, v)
		case uint32:
			ev = ev.Uint32(f.Key, v)
		case bool:
			ev = ev.Bool(f.Key, v)
		case time.Duration:
			ev = ev.Dur(f.Key, v)
		case error:
			ev = ev.AnErr(f.Key, v)
		default:
			ev = ev.Interface(f.Key, v)
		}
	}
	if err != nil {
		ev = ev.Err(err)
	}
	ev.Msg(msg)
}

// NoOpLogger логгер, который ничего не делает
type NoOpLogger struct{}

func (NoOpLogger) Trace(ctx context.Context, msg string, fields ...Field)               {}
func (NoOpLogger) Debug(ctx context.Context, msg string, fields ...Field)               {}
func (NoOpLogger) Info(ctx context.Context, msg string, fields ...Field)                {}
func (NoOpLogger) Warn(ctx context.Context, msg string, fields ...Field)                {}
func (NoOpLogger) Error(ctx context.Context, msg string, fields ...Field)               {}
func (NoOpLogger) LogError(ctx context.Context, err error, msg string, fields ...Field) {}
func (NoOpLogger) WithComponent(component string) StructuredLogger                      { return NoOpLogger{} }
func (NoOpLogger) WithFields(fields ...Field) StructuredLogger                          { return NoOpLogger{} }
func (NoOpLogger) SetLevel(level LogLevel)                                              {}
func (NoOpLogger) IsEnabled(level LogLevel) bool                                        { return false }

var (
	defaultLogger   StructuredLogger = NoOpLogger{}
	defaultLoggerMu sync.RWMutex
)

// SetDefaultLogger устанавливает глобальный логгер для компонентов без явного логгера
func SetDefaultLogger(logger StructuredLogger) {
	defaultLoggerMu.Lock()
	defer defaultLoggerMu.Unlock()
	if logger == nil {
		logger = NoOpLogger{}
	}
	defaultLogger = logger
}

// GetDefaultLogger возвращает глобальный логгер
func GetDefaultLogger() StructuredLogger {
	defaultLoggerMu.RLock()
	defer defaultLoggerMu.RUnlock()
	return defaultLogger
}

// OrDefault возвращает logger, либо глобальный логгер если logger == nil
func OrDefault(logger StructuredLogger) StructuredLogger {
	if logger == nil {
		return GetDefaultLogger()
	}
	return logger
}
