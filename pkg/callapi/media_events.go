package callapi

import (
	"strconv"
	"time"

	"github.com/arzzra/call_api/pkg/callapi/media"
	"github.com/arzzra/call_api/pkg/logging"
)

// engineEvents переносит обратные вызовы медиа-движка в цикл сессии
type engineEvents struct {
	s   *Session
	gen uint64
}

func (h *engineEvents) OnLocalJoined(channel string, uid uint32, elapsed time.Duration) {
	h.s.postGen(h.gen, func() {
		h.s.logger.Debug(h.s.ctx, "локальный пользователь вошел в канал",
			logging.String("channel", channel),
			logging.Duration("elapsed", elapsed))
		h.s.notifyEvent(EventLocalJoined, "")
	}, nil)
}

func (h *engineEvents) OnLocalLeft(channel string) {
	h.s.postGen(h.gen, func() { h.s.notifyEvent(EventLocalLeft, "") }, nil)
}

func (h *engineEvents) OnRemoteUserJoined(channel string, uid uint32) {
	h.s.postGen(h.gen, func() {
		if h.s.isCallPeer(channel, uid) {
			h.s.notifyEvent(EventRemoteJoined, "")
		}
	}, nil)
}

func (h *engineEvents) OnRemoteUserLeft(channel string, uid uint32, reason int) {
	h.s.postGen(h.gen, func() {
		if h.s.isCallPeer(channel, uid) {
			h.s.notifyEvent(EventRemoteLeft, strconv.Itoa(reason))
		}
	}, nil)
}

func (h *engineEvents) OnFirstRemoteFrame(channel string, uid uint32, kind media.Kind) {
	h.s.postGen(h.gen, func() { h.s.onFirstRemoteFrame(channel, uid, kind) }, nil)
}

func (h *engineEvents) OnFirstLocalFrame(channel string, kind media.Kind, stage media.LocalFrameStage) {
	h.s.postGen(h.gen, func() {
		switch {
		case kind == media.KindVideo && stage == media.LocalFrameCaptured:
			h.s.notifyEvent(EventCaptureFirstLocalVideoFrame, "")
		case kind == media.KindVideo && stage == media.LocalFramePublished:
			h.s.notifyEvent(EventPublishFirstLocalVideoFrame, "")
		case kind == media.KindAudio && stage == media.LocalFramePublished:
			h.s.notifyEvent(EventPublishFirstLocalAudioFrame, "")
		}
	}, nil)
}

func (h *engineEvents) OnTokenWillExpire(channel string) {
	h.s.postGen(h.gen, h.s.notifyTokenWillExpire, nil)
}

func (h *engineEvents) OnError(code int, msg string) {
	h.s.postGen(h.gen, func() {
		h.s.notifyError(ErrorEventRtcOccurError, ErrorCodeRtc, code, msg)
	}, nil)
}

// isCallPeer событие относится к собеседнику в комнате текущего звонка
func (s *Session) isCallPeer(channel string, uid uint32) bool {
	return s.info.active() && uid == s.info.callingUserID && channel == s.info.callingRoomID
}

func (s *Session) onFirstRemoteFrame(channel string, uid uint32, kind media.Kind) {
	if !s.info.active() || !s.media.ObserveRemoteFrame(channel, uid, kind) {
		return
	}
	s.info.isRetrieveFirstFrame = true
	s.notifyEvent(EventRecvRemoteFirstFrame, "")
}
