// Package media описывает контракт медиа-движка и управляет участием сессии в медиа-канале.
package media

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Kind тип медиа-потока
type Kind int

const (
	KindAudio Kind = iota
	KindVideo
)

func (k Kind) String() string {
	switch k {
	case KindAudio:
		return "audio"
	case KindVideo:
		return "video"
	default:
		return "unknown"
	}
}

// Role роль участника канала
type Role int

const (
	// RoleSubscriber только принимает медиа
	RoleSubscriber Role = iota
	// RolePublisher может публиковать медиа
	RolePublisher
)

func (r Role) String() string {
	if r == RolePublisher {
		return "publisher"
	}
	return "subscriber"
}

// LocalFrameStage этап обработки первого локального кадра
type LocalFrameStage int

const (
	LocalFrameCaptured LocalFrameStage = iota
	LocalFramePublished
)

// Options параметры входа в канал
type Options struct {
	Role           Role
	PublishAudio   bool
	PublishVideo   bool
	SubscribeAudio bool
	SubscribeVideo bool
}

// Engine медиа-движок. Реализация должна быть потокобезопасной.
type Engine interface {
	Join(ctx context.Context, channel, token string, uid uint32, opts Options) error
	Leave(ctx context.Context, channel string) error
	SetPublish(channel string, audio, video bool) error
	SetSubscribe(channel string, audio, video bool) error
	SwitchRole(channel string, role Role) error
	AdjustPlaybackVolume(channel string, uid uint32, volume int) error
	RenewToken(channel, token string) error
	SetEventHandler(h EngineEventHandler)
}

// EngineEventHandler обратные вызовы медиа-движка
type EngineEventHandler interface {
	OnLocalJoined(channel string, uid uint32, elapsed time.Duration)
	OnLocalLeft(channel string)
	OnRemoteUserJoined(channel string, uid uint32)
	OnRemoteUserLeft(channel string, uid uint32, reason int)
	OnFirstRemoteFrame(channel string, uid uint32, kind Kind)
	OnFirstLocalFrame(channel string, kind Kind, stage LocalFrameStage)
	OnTokenWillExpire(channel string)
	OnError(code int, msg string)
}

// CalleeJoinTiming момент входа вызываемой стороны в канал
type CalleeJoinTiming int

const (
	// JoinOnCalling вход сразу при получении вызова
	JoinOnCalling CalleeJoinTiming = iota
	// JoinOnAccepted вход только после локального принятия
	JoinOnAccepted
)

func (t CalleeJoinTiming) String() string {
	if t == JoinOnAccepted {
		return "accepted"
	}
	return "calling"
}

// Громкость воспроизведения удаленного пользователя
const (
	VolumeMuted  = 0
	VolumeNormal = 100
)

// EngineError ошибка движка с собственным кодом
type EngineError struct {
	Code    int
	Message string
}

func (e *EngineError) Error() string {
	return fmt.Sprintf("media engine error %d: %s", e.Code, e.Message)
}

// ErrorCode извлекает код движка из ошибки; -1 если кода нет
func ErrorCode(err error) int {
	var ee *EngineError
	if errors.As(err, &ee) {
		return ee.Code
	}
	return -1
}
