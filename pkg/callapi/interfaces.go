package callapi

import (
	"context"
	"time"
)

// ConnectionState состояние сигнального соединения
type ConnectionState int

const (
	ConnectionDisconnected ConnectionState = iota
	ConnectionConnecting
	ConnectionConnected
	ConnectionReconnecting
	// ConnectionLost соединение потеряно без восстановления
	ConnectionLost
)

func (c ConnectionState) String() string {
	switch c {
	case ConnectionConnecting:
		return "connecting"
	case ConnectionConnected:
		return "connected"
	case ConnectionReconnecting:
		return "reconnecting"
	case ConnectionLost:
		return "lost"
	default:
		return "disconnected"
	}
}

// SignalingHandler получает события сигнального транспорта
type SignalingHandler interface {
	OnMessageReceived(from string, payload []byte)
	OnConnectionStateChanged(state ConnectionState, reason string)
	OnTokenWillExpire()
}

// SignalingTransport доставляет небольшие управляющие сообщения между пользователями.
// Адресация по строковому идентификатору пользователя.
type SignalingTransport interface {
	Connect(ctx context.Context) error
	SendMessage(ctx context.Context, toUserID string, payload []byte) error
	SetHandler(h SignalingHandler)
	Close() error
}

// TokenRenewer транспорт, поддерживающий обновление токена
type TokenRenewer interface {
	RenewToken(ctx context.Context, token string) error
}

// EventInfo дополнительные данные уведомления
type EventInfo map[string]interface{}

// Listener получает уведомления об изменении состояния и событиях звонка.
// Уведомления доставляются по порядку из отдельной горутины;
// из обработчика можно вызывать методы сессии.
type Listener interface {
	OnCallStateChanged(state State, reason StateReason, eventReason string, info EventInfo)
	OnCallEventChanged(event Event, reason string)
}

// ErrorListener получает ошибки звонка
type ErrorListener interface {
	OnCallError(event ErrorEvent, codeType ErrorCodeType, code int, message string)
}

// ConnectionListener получает факты соединения и разъединения
type ConnectionListener interface {
	OnCallConnected(roomID string, peerUserID, selfUserID uint32, at time.Time)
	OnCallDisconnected(roomID string, hangupUserID, selfUserID uint32, at time.Time, duration time.Duration)
}

// TokenListener получает предупреждение об истечении токена
type TokenListener interface {
	OnTokenPrivilegeWillExpire()
}

// ReceiptListener получает сообщения, для которых не пришло подтверждение
type ReceiptListener interface {
	OnMissingReceipts(info EventInfo)
}

// JoinOnCallingDecider решает, входить ли в канал при входящем вызове.
// Цикл сессии ждет ответа не больше секунды; без ответа вход откладывается до принятия.
// Методы сессии, вызванные из решателя, выполнятся только после этого ожидания.
type JoinOnCallingDecider interface {
	CanJoinOnCalling(info EventInfo) bool
}
