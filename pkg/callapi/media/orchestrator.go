package media

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/arzzra/call_api/pkg/logging"
)

// Ошибки оркестратора
var (
	ErrJoinCancelled = errors.New("media: join cancelled")
	ErrNotJoined     = errors.New("media: not joined")
	ErrNoEngine      = errors.New("media: engine is nil")
)

// DefaultJoinTimeout ограничение на вход в канал
const DefaultJoinTimeout = 15 * time.Second

// JoinRequest параметры входа в канал для звонка
type JoinRequest struct {
	Channel string
	Token   string
	UID     uint32
	// Peer удаленный участник, чей первый кадр ожидается
	Peer uint32
	// Video звонок с видео; для аудиозвонка первым кадром считается аудио
	Video bool
}

// JoinResult результат асинхронного входа
type JoinResult struct {
	Channel string
	Role    Role
	Err     error
	// Stale вход был отменен или заменен новым до завершения
	Stale bool
}

// Orchestrator выдает команды движку от имени одной сессии
// и формирует единый сигнал о первом удаленном кадре.
type Orchestrator struct {
	mu          sync.Mutex
	engine      Engine
	logger      logging.StructuredLogger
	joinTimeout time.Duration

	channel    string
	token      string
	uid        uint32
	role       Role
	joined     bool
	joining    bool
	gen        uint64
	joinCancel context.CancelFunc

	peer       uint32
	video      bool
	firstFrame bool
	muted      bool
	// released звук собеседника уже включен, вход не должен его глушить
	released bool
}

// NewOrchestrator создает оркестратор поверх движка
func NewOrchestrator(engine Engine, logger logging.StructuredLogger) *Orchestrator {
	return &Orchestrator{
		engine:      engine,
		logger:      logging.OrDefault(logger).WithComponent("media"),
		joinTimeout: DefaultJoinTimeout,
	}
}

// SetJoinTimeout задает ограничение на вход в канал
func (o *Orchestrator) SetJoinTimeout(d time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if d > 0 {
		o.joinTimeout = d
	}
}

// JoinAsPublisher входит в канал как публикующий участник: сначала без публикации и подписки,
// затем публикует и подписывается на аудио (и видео для видеозвонка) и глушит собеседника
// до соединения. Если сессия уже в этом канале, только меняет роль и флаги.
// done вызывается из отдельной горутины.
func (o *Orchestrator) JoinAsPublisher(req JoinRequest, done func(JoinResult)) {
	o.join(req, RolePublisher, done)
}

// JoinAsSubscriber входит в канал как слушатель без публикации
func (o *Orchestrator) JoinAsSubscriber(req JoinRequest, done func(JoinResult)) {
	o.join(req, RoleSubscriber, done)
}

func (o *Orchestrator) join(req JoinRequest, role Role, done func(JoinResult)) {
	if done == nil {
		done = func(JoinResult) {}
	}
	if o.engine == nil {
		go done(JoinResult{Channel: req.Channel, Role: role, Err: ErrNoEngine})
		return
	}

	o.mu.Lock()
	previous := ""
	if o.channel != "" && o.channel != req.Channel {
		previous = o.channel
		o.resetLocked()
	}

	o.peer = req.Peer
	o.video = req.Video
	o.firstFrame = false
	o.released = false
	o.token = req.Token
	o.uid = req.UID

	if o.channel == req.Channel && (o.joined || o.joining) {
		// Уже в канале: переключаем роль и флаги без повторного входа
		alreadyJoined := o.joined
		o.role = role
		o.mu.Unlock()

		if previous != "" {
			o.leaveEngine(previous)
		}
		if alreadyJoined {
			go func() {
				err := o.applyRole(req.Channel, role)
				done(JoinResult{Channel: req.Channel, Role: role, Err: err})
			}()
			return
		}
		// Вход уже идет, роль применится по его завершении
		go done(JoinResult{Channel: req.Channel, Role: role})
		return
	}

	o.gen++
	gen := o.gen
	o.channel = req.Channel
	o.role = role
	o.joining = true
	o.muted = false
	ctx, cancel := context.WithTimeout(context.Background(), o.joinTimeout)
	o.joinCancel = cancel
	o.mu.Unlock()

	if previous != "" {
		o.leaveEngine(previous)
	}

	o.logger.Info(ctx, "вход в медиа-канал",
		logging.String("channel", req.Channel),
		logging.Uint32("uid", req.UID),
		logging.String("role", role.String()),
		logging.Bool("video", req.Video))

	go func() {
		defer cancel()
		err := o.engine.Join(ctx, req.Channel, req.Token, req.UID, Options{Role: role})

		o.mu.Lock()
		stale := gen != o.gen
		if !stale {
			o.joining = false
			o.joinCancel = nil
			if err == nil {
				o.joined = true
			} else {
				o.channel = ""
			}
		}
		currentRole := o.role
		o.mu.Unlock()

		if stale {
			if err == nil {
				o.leaveEngine(req.Channel)
			}
			done(JoinResult{Channel: req.Channel, Role: role, Err: ErrJoinCancelled, Stale: true})
			return
		}
		if err != nil {
			o.logger.Error(ctx, "не удалось войти в медиа-канал",
				logging.String("channel", req.Channel),
				logging.Err(err))
			done(JoinResult{Channel: req.Channel, Role: role, Err: err})
			return
		}

		err = o.applyRole(req.Channel, currentRole)
		done(JoinResult{Channel: req.Channel, Role: currentRole, Err: err})
	}()
}

// applyRole выставляет роль, публикацию и подписку для уже выполненного входа
func (o *Orchestrator) applyRole(channel string, role Role) error {
	o.mu.Lock()
	video := o.video
	o.mu.Unlock()

	if err := o.engine.SwitchRole(channel, role); err != nil {
		return fmt.Errorf("switch role: %w", err)
	}
	if role == RoleSubscriber {
		if err := o.engine.SetPublish(channel, false, false); err != nil {
			return fmt.Errorf("set publish: %w", err)
		}
		return nil
	}
	if err := o.engine.SetPublish(channel, true, video); err != nil {
		return fmt.Errorf("set publish: %w", err)
	}
	if err := o.engine.SetSubscribe(channel, true, video); err != nil {
		return fmt.Errorf("set subscribe: %w", err)
	}
	o.mu.Lock()
	released := o.released
	o.mu.Unlock()
	if released {
		return o.MuteRemoteAudio(false)
	}
	return o.MuteRemoteAudio(true)
}

// SwitchRole меняет роль в текущем канале
func (o *Orchestrator) SwitchRole(role Role) error {
	o.mu.Lock()
	channel, joined := o.channel, o.joined
	if joined {
		o.role = role
	}
	o.mu.Unlock()

	if !joined {
		return ErrNotJoined
	}
	if err := o.engine.SwitchRole(channel, role); err != nil {
		return err
	}
	if role == RoleSubscriber {
		return o.engine.SetPublish(channel, false, false)
	}
	return nil
}

// MuteRemoteAudio глушит или возвращает звук собеседника
func (o *Orchestrator) MuteRemoteAudio(mute bool) error {
	o.mu.Lock()
	channel, peer, joined := o.channel, o.peer, o.joined
	o.released = !mute
	if joined {
		o.muted = mute
	}
	o.mu.Unlock()

	if !joined || peer == 0 {
		return nil
	}
	volume := VolumeNormal
	if mute {
		volume = VolumeMuted
	}
	return o.engine.AdjustPlaybackVolume(channel, peer, volume)
}

// RenewToken обновляет токен текущего канала. Без канала только запоминает токен.
func (o *Orchestrator) RenewToken(token string) error {
	o.mu.Lock()
	o.token = token
	channel := o.channel
	o.mu.Unlock()

	if channel == "" || o.engine == nil {
		return nil
	}
	return o.engine.RenewToken(channel, token)
}

// Leave покидает канал и отменяет незавершенный вход. Повторный вызов ничего не делает.
func (o *Orchestrator) Leave(ctx context.Context) error {
	o.mu.Lock()
	channel := o.channel
	active := o.joined || o.joining
	o.resetLocked()
	o.mu.Unlock()

	if !active || channel == "" {
		return nil
	}
	o.logger.Info(ctx, "выход из медиа-канала", logging.String("channel", channel))
	return o.engine.Leave(ctx, channel)
}

func (o *Orchestrator) resetLocked() {
	if o.joinCancel != nil {
		o.joinCancel()
		o.joinCancel = nil
	}
	o.gen++
	o.channel = ""
	o.joined = false
	o.joining = false
	o.role = RoleSubscriber
	o.peer = 0
	o.firstFrame = false
	o.muted = false
	o.released = false
}

func (o *Orchestrator) leaveEngine(channel string) {
	ctx, cancel := context.WithTimeout(context.Background(), o.joinTimeout)
	defer cancel()
	if err := o.engine.Leave(ctx, channel); err != nil {
		o.logger.Warn(ctx, "ошибка выхода из канала",
			logging.String("channel", channel),
			logging.Err(err))
	}
}

// ObserveRemoteFrame принимает событие первого удаленного кадра и возвращает true
// ровно один раз за вход: для собеседника, в текущем канале и нужного типа
// (видео для видеозвонка, аудио для аудиозвонка).
func (o *Orchestrator) ObserveRemoteFrame(channel string, uid uint32, kind Kind) bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.firstFrame || channel != o.channel || uid != o.peer {
		return false
	}
	want := KindAudio
	if o.video {
		want = KindVideo
	}
	if kind != want {
		return false
	}
	o.firstFrame = true
	return true
}

// Channel возвращает текущий канал
func (o *Orchestrator) Channel() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.channel
}

// Joined возвращает true если вход в канал завершен
func (o *Orchestrator) Joined() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.joined
}

// Joining возвращает true если вход в канал выполняется
func (o *Orchestrator) Joining() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.joining
}

// Role возвращает текущую роль
func (o *Orchestrator) Role() Role {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.role
}

// RemoteMuted возвращает true если звук собеседника заглушен
func (o *Orchestrator) RemoteMuted() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.muted
}
