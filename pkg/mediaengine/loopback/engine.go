// Package loopback реализует медиа-движок внутри процесса.
//
// Участники одного Hub видят друг друга по каналам. Публикация описывается SDP,
// подписчики разбирают описание публикующего и получают синтетические RTP кадры,
// по которым формируется событие первого удаленного кадра.
// Используется в тестах и демонстрационном приложении.
package loopback

import (
	"context"
	"sync"
	"time"

	"github.com/arzzra/call_api/pkg/callapi/media"
	"github.com/arzzra/call_api/pkg/logging"
)

// Коды ошибок движка
const (
	ErrCodeJoinRejected   = 17
	ErrCodeNotInChannel   = 18
	ErrCodeAlreadyJoined  = 19
	ErrCodeNoPermission   = 20
	ErrCodeBadDescription = 21
)

type flags struct {
	audio bool
	video bool
}

type member struct {
	engine    *Engine
	uid       uint32
	role      media.Role
	publish   flags
	subscribe flags
	offer     []byte
	joinedAt  time.Time
	// seen доставленные первые кадры по публикующим
	seen map[uint32]map[media.Kind]bool
	// local этапы первого локального кадра, о которых уже сообщено
	local map[media.Kind]bool
}

// Hub общая среда каналов
type Hub struct {
	mu       sync.Mutex
	channels map[string]map[uint32]*member
	failJoin map[uint32]int
	volumes  map[string]map[uint32]int
	logger   logging.StructuredLogger
}

// NewHub создает пустую среду
func NewHub(logger logging.StructuredLogger) *Hub {
	return &Hub{
		channels: make(map[string]map[uint32]*member),
		failJoin: make(map[uint32]int),
		volumes:  make(map[string]map[uint32]int),
		logger:   logging.OrDefault(logger).WithComponent("loopback-media"),
	}
}

// NewEngine создает движок участника
func (h *Hub) NewEngine() *Engine {
	return &Engine{hub: h, tokens: make(map[string]string)}
}

// FailNextJoin заставляет следующий вход uid завершиться ошибкой с кодом code
func (h *Hub) FailNextJoin(uid uint32, code int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.failJoin[uid] = code
}

// Members возвращает участников канала
func (h *Hub) Members(channel string) []uint32 {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]uint32, 0, len(h.channels[channel]))
	for uid := range h.channels[channel] {
		out = append(out, uid)
	}
	return out
}

// Volume возвращает громкость, выставленную listener для uid; -1 если не выставлялась
func (h *Hub) Volume(channel string, uid uint32) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if v, ok := h.volumes[channel][uid]; ok {
		return v
	}
	return -1
}

// ExpireToken сообщает участникам канала о скором истечении токена
func (h *Hub) ExpireToken(channel string) {
	h.mu.Lock()
	engines := h.enginesLocked(channel)
	h.mu.Unlock()
	for _, e := range engines {
		e.emit(func(eh media.EngineEventHandler) { eh.OnTokenWillExpire(channel) })
	}
}

// InjectError передает ошибку движка участнику uid во всех его каналах
func (h *Hub) InjectError(uid uint32, code int, msg string) {
	h.mu.Lock()
	var target *Engine
	for _, members := range h.channels {
		if m, ok := members[uid]; ok {
			target = m.engine
			break
		}
	}
	h.mu.Unlock()
	if target != nil {
		target.emit(func(eh media.EngineEventHandler) { eh.OnError(code, msg) })
	}
}

func (h *Hub) enginesLocked(channel string) []*Engine {
	out := make([]*Engine, 0, len(h.channels[channel]))
	for _, m := range h.channels[channel] {
		out = append(out, m.engine)
	}
	return out
}

// Engine движок одного участника. Реализует media.Engine.
type Engine struct {
	hub *Hub

	mu        sync.Mutex
	handler   media.EngineEventHandler
	packets   *packetizer
	tokens    map[string]string
	joinDelay time.Duration
}

var _ media.Engine = (*Engine)(nil)

// SetJoinDelay задерживает завершение входа
func (e *Engine) SetJoinDelay(d time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.joinDelay = d
}

// Token возвращает последний токен канала
func (e *Engine) Token(channel string) string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.tokens[channel]
}

// SetEventHandler задает получателя событий
func (e *Engine) SetEventHandler(h media.EngineEventHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handler = h
}

func (e *Engine) emit(fn func(media.EngineEventHandler)) {
	e.mu.Lock()
	h := e.handler
	e.mu.Unlock()
	if h != nil {
		fn(h)
	}
}

// Join входит в канал
func (e *Engine) Join(ctx context.Context, channel, token string, uid uint32, opts media.Options) error {
	start := time.Now()
	e.mu.Lock()
	delay := e.joinDelay
	e.tokens[channel] = token
	if e.packets == nil {
		e.packets = newPacketizer(uid)
	}
	e.mu.Unlock()

	if delay > 0 {
		t := time.NewTimer(delay)
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	h := e.hub
	h.mu.Lock()
	if code, ok := h.failJoin[uid]; ok {
		delete(h.failJoin, uid)
		h.mu.Unlock()
		return &media.EngineError{Code: code, Message: "join rejected"}
	}
	members := h.channels[channel]
	if members == nil {
		members = make(map[uint32]*member)
		h.channels[channel] = members
	}
	if _, exists := members[uid]; exists {
		h.mu.Unlock()
		return &media.EngineError{Code: ErrCodeAlreadyJoined, Message: "already in channel " + channel}
	}

	m := &member{
		engine:    e,
		uid:       uid,
		role:      opts.Role,
		publish:   flags{audio: opts.PublishAudio, video: opts.PublishVideo},
		subscribe: flags{audio: true, video: true},
		joinedAt:  start,
		seen:      make(map[uint32]map[media.Kind]bool),
		local:     make(map[media.Kind]bool),
	}
	if opts.SubscribeAudio || opts.SubscribeVideo {
		m.subscribe = flags{audio: opts.SubscribeAudio, video: opts.SubscribeVideo}
	}
	if err := m.renderOffer(); err != nil {
		h.mu.Unlock()
		return err
	}
	members[uid] = m

	var events []func()
	elapsed := time.Since(start)
	events = append(events, func() {
		e.emit(func(eh media.EngineEventHandler) { eh.OnLocalJoined(channel, uid, elapsed) })
	})
	for otherUID, other := range members {
		if otherUID == uid {
			continue
		}
		otherUID, other := otherUID, other
		events = append(events,
			func() { e.emit(func(eh media.EngineEventHandler) { eh.OnRemoteUserJoined(channel, otherUID) }) },
			func() { other.engine.emit(func(eh media.EngineEventHandler) { eh.OnRemoteUserJoined(channel, uid) }) },
		)
	}
	events = append(events, h.localFramesLocked(channel, m)...)
	events = append(events, h.flushLocked(channel)...)
	h.mu.Unlock()

	h.logger.Debug(ctx, "участник вошел в канал",
		logging.String("channel", channel),
		logging.Uint32("uid", uid),
		logging.String("role", opts.Role.String()))
	run(events)
	return nil
}

// Leave выходит из канала. Выход из канала, где участника нет, не ошибка.
func (e *Engine) Leave(ctx context.Context, channel string) error {
	h := e.hub
	h.mu.Lock()
	members := h.channels[channel]
	var self *member
	for _, m := range members {
		if m.engine == e {
			self = m
			break
		}
	}
	if self == nil {
		h.mu.Unlock()
		return nil
	}
	delete(members, self.uid)
	if len(members) == 0 {
		delete(h.channels, channel)
		delete(h.volumes, channel)
	}

	uid := self.uid
	events := []func(){
		func() { e.emit(func(eh media.EngineEventHandler) { eh.OnLocalLeft(channel) }) },
	}
	for _, other := range members {
		delete(other.seen, uid)
		other := other
		events = append(events, func() {
			other.engine.emit(func(eh media.EngineEventHandler) { eh.OnRemoteUserLeft(channel, uid, 0) })
		})
	}
	h.mu.Unlock()

	h.logger.Debug(ctx, "участник вышел из канала",
		logging.String("channel", channel),
		logging.Uint32("uid", uid))
	run(events)
	return nil
}

// SetPublish включает и выключает публикацию аудио и видео
func (e *Engine) SetPublish(channel string, audio, video bool) error {
	return e.update(channel, func(m *member) error {
		if m.role == media.RoleSubscriber && (audio || video) {
			return &media.EngineError{Code: ErrCodeNoPermission, Message: "subscriber cannot publish"}
		}
		m.publish = flags{audio: audio, video: video}
		return nil
	})
}

// SetSubscribe включает и выключает прием аудио и видео
func (e *Engine) SetSubscribe(channel string, audio, video bool) error {
	return e.update(channel, func(m *member) error {
		m.subscribe = flags{audio: audio, video: video}
		return nil
	})
}

// SwitchRole меняет роль; слушатель перестает публиковать
func (e *Engine) SwitchRole(channel string, role media.Role) error {
	return e.update(channel, func(m *member) error {
		m.role = role
		if role == media.RoleSubscriber {
			m.publish = flags{}
		}
		return nil
	})
}

// AdjustPlaybackVolume запоминает громкость воспроизведения uid
func (e *Engine) AdjustPlaybackVolume(channel string, uid uint32, volume int) error {
	h := e.hub
	h.mu.Lock()
	defer h.mu.Unlock()
	self := h.memberLocked(channel, e)
	if self == nil {
		return &media.EngineError{Code: ErrCodeNotInChannel, Message: "not in channel " + channel}
	}
	if h.volumes[channel] == nil {
		h.volumes[channel] = make(map[uint32]int)
	}
	h.volumes[channel][uid] = volume
	return nil
}

// RenewToken запоминает новый токен канала
func (e *Engine) RenewToken(channel, token string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.tokens[channel] = token
	return nil
}

func (e *Engine) update(channel string, apply func(m *member) error) error {
	h := e.hub
	h.mu.Lock()
	m := h.memberLocked(channel, e)
	if m == nil {
		h.mu.Unlock()
		return &media.EngineError{Code: ErrCodeNotInChannel, Message: "not in channel " + channel}
	}
	if err := apply(m); err != nil {
		h.mu.Unlock()
		return err
	}
	if err := m.renderOffer(); err != nil {
		h.mu.Unlock()
		return err
	}
	events := h.localFramesLocked(channel, m)
	events = append(events, h.flushLocked(channel)...)
	h.mu.Unlock()

	run(events)
	return nil
}

func (h *Hub) memberLocked(channel string, e *Engine) *member {
	for _, m := range h.channels[channel] {
		if m.engine == e {
			return m
		}
	}
	return nil
}

func (m *member) renderOffer() error {
	raw, err := describe(m.uid, m.publish, m.subscribe).Marshal()
	if err != nil {
		return &media.EngineError{Code: ErrCodeBadDescription, Message: err.Error()}
	}
	m.offer = raw
	return nil
}

// localFramesLocked события первого локального кадра для вновь опубликованных потоков
func (h *Hub) localFramesLocked(channel string, m *member) []func() {
	var events []func()
	e := m.engine
	if m.publish.video && !m.local[media.KindVideo] {
		m.local[media.KindVideo] = true
		events = append(events,
			func() {
				e.emit(func(eh media.EngineEventHandler) {
					eh.OnFirstLocalFrame(channel, media.KindVideo, media.LocalFrameCaptured)
				})
			},
			func() {
				e.emit(func(eh media.EngineEventHandler) {
					eh.OnFirstLocalFrame(channel, media.KindVideo, media.LocalFramePublished)
				})
			})
	}
	if m.publish.audio && !m.local[media.KindAudio] {
		m.local[media.KindAudio] = true
		events = append(events, func() {
			e.emit(func(eh media.EngineEventHandler) {
				eh.OnFirstLocalFrame(channel, media.KindAudio, media.LocalFramePublished)
			})
		})
	}
	return events
}

// flushLocked доставляет первые кадры всем подписчикам, которые их еще не получили
func (h *Hub) flushLocked(channel string) []func() {
	var events []func()
	members := h.channels[channel]
	for pubUID, pub := range members {
		kinds, err := publishedKinds(pub.offer)
		if err != nil {
			h.logger.Warn(context.Background(), "описание участника не разобрано",
				logging.Uint32("uid", pubUID),
				logging.Err(err))
			continue
		}
		for subUID, sub := range members {
			if subUID == pubUID {
				continue
			}
			for kind := range kinds {
				if !sub.wants(kind) || sub.seen[pubUID][kind] {
					continue
				}
				if sub.seen[pubUID] == nil {
					sub.seen[pubUID] = make(map[media.Kind]bool)
				}
				sub.seen[pubUID][kind] = true

				packets, err := pub.engine.frame(kind)
				if err != nil {
					h.logger.Warn(context.Background(), "кадр не сформирован", logging.Err(err))
					continue
				}
				target, from := sub.engine, pubUID
				events = append(events, func() { target.receive(channel, from, packets) })
			}
		}
	}
	return events
}

func (m *member) wants(kind media.Kind) bool {
	if kind == media.KindVideo {
		return m.subscribe.video
	}
	return m.subscribe.audio
}

func (e *Engine) frame(kind media.Kind) ([][]byte, error) {
	e.mu.Lock()
	p := e.packets
	e.mu.Unlock()
	return p.frame(kind)
}

func (e *Engine) receive(channel string, from uint32, packets [][]byte) {
	kind, ok := firstFrame(packets)
	if !ok {
		return
	}
	e.emit(func(eh media.EngineEventHandler) { eh.OnFirstRemoteFrame(channel, from, kind) })
}

func run(events []func()) {
	for _, ev := range events {
		ev()
	}
}
