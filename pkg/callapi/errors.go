package callapi

import (
	"errors"
	"fmt"
	"time"
)

// ErrorCategory категории ошибок сессии
type ErrorCategory string

const (
	ErrorCategoryState     ErrorCategory = "STATE"
	ErrorCategorySignaling ErrorCategory = "SIGNALING"
	ErrorCategoryMedia     ErrorCategory = "MEDIA"
	ErrorCategoryConfig    ErrorCategory = "CONFIG"
	ErrorCategoryTimeout   ErrorCategory = "TIMEOUT"
)

func (c ErrorCategory) String() string {
	return string(c)
}

// ErrorSeverity уровни критичности
type ErrorSeverity string

const (
	ErrorSeverityCritical ErrorSeverity = "CRITICAL"
	ErrorSeverityError    ErrorSeverity = "ERROR"
	ErrorSeverityWarning  ErrorSeverity = "WARNING"
)

// Коды ошибок
const (
	CodeStateMismatch      = "STATE_MISMATCH"
	CodeNotInitialized     = "NOT_INITIALIZED"
	CodeAlreadyInitialized = "ALREADY_INITIALIZED"
	CodeBusy               = "BUSY"
	CodeInvalidConfig      = "INVALID_CONFIG"
	CodeSendFailed         = "SEND_FAILED"
	CodeSignalingSetup     = "SIGNALING_SETUP_FAILED"
	CodeMediaJoin          = "MEDIA_JOIN_FAILED"
	CodeMediaError         = "MEDIA_ERROR"
	CodeClosed             = "SESSION_CLOSED"
	CodeTokenRenew         = "TOKEN_RENEW_FAILED"
)

// CallError структурированная ошибка сессии звонка
type CallError struct {
	Code     string
	Message  string
	Category ErrorCategory
	Severity ErrorSeverity

	CallID    string
	State     State
	Timestamp time.Time

	Fields    map[string]interface{}
	Cause     error
	Retryable bool
}

// Error реализует интерфейс error
func (e *CallError) Error() string {
	msg := fmt.Sprintf("[%s:%s] %s", e.Category, e.Code, e.Message)
	if e.CallID != "" {
		msg += fmt.Sprintf(" (callId: %s)", e.CallID)
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

// Unwrap позволяет использовать errors.Is и errors.As
func (e *CallError) Unwrap() error {
	return e.Cause
}

// Is сравнивает ошибки по коду
func (e *CallError) Is(target error) bool {
	t, ok := target.(*CallError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// WithField добавляет поле контекста
func (e *CallError) WithField(key string, value interface{}) *CallError {
	if e.Fields == nil {
		e.Fields = make(map[string]interface{})
	}
	e.Fields[key] = value
	return e
}

// WithCause добавляет исходную ошибку
func (e *CallError) WithCause(cause error) *CallError {
	e.Cause = cause
	return e
}

// WithCall добавляет идентификатор звонка и состояние
func (e *CallError) WithCall(callID string, state State) *CallError {
	e.CallID = callID
	e.State = state
	return e
}

// NewCallError создает структурированную ошибку
func NewCallError(code, message string, category ErrorCategory, severity ErrorSeverity) *CallError {
	return &CallError{
		Code:      code,
		Message:   message,
		Category:  category,
		Severity:  severity,
		Timestamp: time.Now(),
	}
}

// Образцы для сравнения через errors.Is
var (
	ErrStateMismatch      = &CallError{Code: CodeStateMismatch}
	ErrNotInitialized     = &CallError{Code: CodeNotInitialized}
	ErrAlreadyInitialized = &CallError{Code: CodeAlreadyInitialized}
	ErrBusy               = &CallError{Code: CodeBusy}
	ErrInvalidConfig      = &CallError{Code: CodeInvalidConfig}
	ErrSendFailed         = &CallError{Code: CodeSendFailed}
	ErrSignalingSetup     = &CallError{Code: CodeSignalingSetup}
	ErrMediaJoin          = &CallError{Code: CodeMediaJoin}
	ErrClosed             = &CallError{Code: CodeClosed}
)

func errStateMismatch(current State, operation string) *CallError {
	return NewCallError(
		CodeStateMismatch,
		fmt.Sprintf("нельзя выполнить '%s' в состоянии %s", operation, current),
		ErrorCategoryState,
		ErrorSeverityError,
	).WithField("state", current.String()).WithField("operation", operation)
}

func errNotInitialized(operation string) *CallError {
	return NewCallError(
		CodeNotInitialized,
		fmt.Sprintf("сессия не инициализирована для '%s'", operation),
		ErrorCategoryConfig,
		ErrorSeverityError,
	).WithField("operation", operation)
}

func errAlreadyInitialized() *CallError {
	return NewCallError(
		CodeAlreadyInitialized,
		"сессия уже инициализирована, сначала вызовите Deinitialize",
		ErrorCategoryConfig,
		ErrorSeverityError,
	)
}

func errBusy(current State) *CallError {
	return NewCallError(
		CodeBusy,
		fmt.Sprintf("идет звонок (%s)", current),
		ErrorCategoryState,
		ErrorSeverityWarning,
	).WithField("state", current.String())
}

func errInvalidConfig(field string, value interface{}, reason string) *CallError {
	return NewCallError(
		CodeInvalidConfig,
		fmt.Sprintf("неверная конфигурация поля '%s': %v (%s)", field, value, reason),
		ErrorCategoryConfig,
		ErrorSeverityError,
	).WithField("field", field).WithField("reason", reason)
}

func errSendFailed(to string, cause error) *CallError {
	err := NewCallError(
		CodeSendFailed,
		fmt.Sprintf("не удалось отправить сообщение пользователю %s", to),
		ErrorCategorySignaling,
		ErrorSeverityError,
	).WithField("to", to).WithCause(cause)
	err.Retryable = true
	return err
}

func errSignalingSetup(cause error) *CallError {
	err := NewCallError(
		CodeSignalingSetup,
		"не удалось подключить сигнальный транспорт",
		ErrorCategorySignaling,
		ErrorSeverityCritical,
	).WithCause(cause)
	err.Retryable = true
	return err
}

func errMediaJoin(channel string, cause error) *CallError {
	return NewCallError(
		CodeMediaJoin,
		fmt.Sprintf("не удалось войти в канал %s", channel),
		ErrorCategoryMedia,
		ErrorSeverityError,
	).WithField("channel", channel).WithCause(cause)
}

func errClosed() *CallError {
	return NewCallError(CodeClosed, "сессия закрыта", ErrorCategoryState, ErrorSeverityError)
}

// IsRetryable проверяет, можно ли повторить операцию
func IsRetryable(err error) bool {
	var ce *CallError
	if errors.As(err, &ce) {
		return ce.Retryable
	}
	return false
}

// GetErrorCode извлекает код ошибки
func GetErrorCode(err error) string {
	var ce *CallError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return "UNKNOWN_ERROR"
}

// GetErrorCategory извлекает категорию ошибки
func GetErrorCategory(err error) ErrorCategory {
	var ce *CallError
	if errors.As(err, &ce) {
		return ce.Category
	}
	return ""
}
