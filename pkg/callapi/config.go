package callapi

import (
	"time"

	"github.com/arzzra/call_api/pkg/callapi/media"
	"github.com/arzzra/call_api/pkg/callapi/receipt"
	"github.com/arzzra/call_api/pkg/callapi/timer"
)

// DefaultSendTimeout ограничение на отправку одного сигнального сообщения
const DefaultSendTimeout = 10 * time.Second

// Config зависимости сессии. Передается в Initialize и обнуляется в Deinitialize.
type Config struct {
	// UserID идентификатор локального пользователя
	UserID uint32
	// Engine медиа-движок, принадлежит сессии до Deinitialize
	Engine media.Engine
	// Signaling сигнальный транспорт, принадлежит сессии до Deinitialize
	Signaling SignalingTransport
	// Receipts параметры подтверждений доставки; nil отключает слой подтверждений
	Receipts *receipt.Config
	// SendTimeout ограничение на отправку сообщения
	SendTimeout time.Duration
	// CalleeJoinTiming момент входа вызываемой стороны в канал
	CalleeJoinTiming media.CalleeJoinTiming
	// JoinTimeout ограничение на вход в медиа-канал
	JoinTimeout time.Duration
}

// DefaultConfig возвращает конфигурацию с значениями по умолчанию
func DefaultConfig(userID uint32, engine media.Engine, signaling SignalingTransport) *Config {
	return &Config{
		UserID:           userID,
		Engine:           engine,
		Signaling:        signaling,
		SendTimeout:      DefaultSendTimeout,
		CalleeJoinTiming: media.JoinOnCalling,
		JoinTimeout:      media.DefaultJoinTimeout,
	}
}

// Validate проверяет конфигурацию
func (c *Config) Validate() error {
	if c == nil {
		return errInvalidConfig("config", nil, "конфигурация не задана")
	}
	if c.UserID == 0 {
		return errInvalidConfig("UserID", c.UserID, "идентификатор пользователя обязателен")
	}
	if c.Engine == nil {
		return errInvalidConfig("Engine", nil, "медиа-движок обязателен")
	}
	if c.Signaling == nil {
		return errInvalidConfig("Signaling", nil, "сигнальный транспорт обязателен")
	}
	if c.SendTimeout < 0 {
		return errInvalidConfig("SendTimeout", c.SendTimeout, "не может быть отрицательным")
	}
	if c.JoinTimeout < 0 {
		return errInvalidConfig("JoinTimeout", c.JoinTimeout, "не может быть отрицательным")
	}
	if c.Receipts != nil {
		if err := c.Receipts.Validate(); err != nil {
			return errInvalidConfig("Receipts", nil, err.Error())
		}
	}
	return nil
}

func (c *Config) sendTimeout() time.Duration {
	if c.SendTimeout <= 0 {
		return DefaultSendTimeout
	}
	return c.SendTimeout
}

// PrepareConfig параметры подготовки к звонкам
type PrepareConfig struct {
	// RoomID собственная комната пользователя, в нее приглашают собеседника
	RoomID string
	// MediaToken токен медиа-канала
	MediaToken string
	// LocalView и RemoteView цели отрисовки, сессией не интерпретируются
	LocalView  any
	RemoteView any
	// CallTimeout время ожидания ответа; 0 отключает таймер
	CallTimeout time.Duration
	// AutoAccept принимать входящий вызов автоматически
	AutoAccept bool
	// FirstFrameWaitDisabled считать звонок соединенным без ожидания первого кадра
	FirstFrameWaitDisabled bool
	// UserExtension произвольные данные, передаются собеседнику в вызове
	UserExtension map[string]interface{}
	// AutoJoinChannel заранее входить в свою комнату слушателем
	AutoJoinChannel bool
}

// DefaultPrepareConfig возвращает параметры подготовки по умолчанию
func DefaultPrepareConfig(roomID, mediaToken string) *PrepareConfig {
	return &PrepareConfig{
		RoomID:      roomID,
		MediaToken:  mediaToken,
		CallTimeout: timer.DefaultCallTimeout,
	}
}

// Validate проверяет параметры подготовки
func (p *PrepareConfig) Validate() error {
	if p == nil {
		return errInvalidConfig("prepareConfig", nil, "параметры не заданы")
	}
	if p.RoomID == "" {
		return errInvalidConfig("RoomID", p.RoomID, "комната обязательна")
	}
	if p.CallTimeout < 0 {
		return errInvalidConfig("CallTimeout", p.CallTimeout, "не может быть отрицательным")
	}
	return nil
}

func (p *PrepareConfig) clone() *PrepareConfig {
	cp := *p
	if p.UserExtension != nil {
		cp.UserExtension = make(map[string]interface{}, len(p.UserExtension))
		for k, v := range p.UserExtension {
			cp.UserExtension[k] = v
		}
	}
	return &cp
}
