package callapi

import (
	"time"

	"github.com/arzzra/call_api/pkg/callapi/cost"
	"github.com/arzzra/call_api/pkg/logging"
)

// deciderTimeout сколько цикл сессии ждет JoinOnCallingDecider
const deciderTimeout = time.Second

// emit доставляет уведомление всем слушателям из горутины уведомлений.
// Снимок слушателей берется в момент доставки.
func (s *Session) emit(deliver func(l Listener)) {
	s.notifier.post(func() {
		for _, l := range s.listeners.snapshot() {
			deliver(l)
		}
	})
}

func (s *Session) notifyState(state State, reason StateReason, eventReason string, info EventInfo) {
	s.emit(func(l Listener) {
		l.OnCallStateChanged(state, reason, eventReason, info)
	})
}

// notifyEvent сообщает событие слушателям и выполняет связанные с ним замеры
// и проверку соединения
func (s *Session) notifyEvent(event Event, reason string) {
	s.metrics.event(event)
	s.logger.Debug(s.ctx, "событие звонка",
		logging.String("event", event.String()),
		logging.String("reason", reason))
	s.emit(func(l Listener) {
		l.OnCallEventChanged(event, reason)
	})

	switch event {
	case EventRemoteUserRecvCall:
		s.cost.Record(cost.RemoteUserRecvCall)
	case EventRemoteJoined:
		s.cost.Record(cost.RemoteUserJoinChannel)
	case EventLocalJoined:
		s.cost.Record(cost.LocalUserJoinChannel)
	case EventCaptureFirstLocalVideoFrame:
		s.cost.Record(cost.LocalFirstFrameDidCapture)
	case EventPublishFirstLocalVideoFrame:
		s.cost.Record(cost.LocalFirstFrameDidPublish)
	case EventPublishFirstLocalAudioFrame:
		if s.info.active() && !s.info.video() {
			s.cost.Record(cost.LocalFirstFrameDidPublish)
		}
	case EventRemoteAccepted:
		s.cost.Record(cost.AcceptCall)
		s.checkConnected(ReasonRemoteAccepted)
	case EventLocalAccepted:
		s.cost.Record(cost.AcceptCall)
		s.checkConnected(ReasonLocalAccepted)
	case EventRecvRemoteFirstFrame:
		s.cost.Record(cost.RecvFirstFrame)
		s.checkConnected(ReasonRecvRemoteFirstFrame)
	}
}

func (s *Session) notifyError(event ErrorEvent, codeType ErrorCodeType, code int, msg string) {
	s.metrics.error(event)
	s.logger.Warn(s.ctx, "ошибка звонка",
		logging.String("event", event.String()),
		logging.String("code_type", codeType.String()),
		logging.Int("code", code),
		logging.String("message", msg))
	s.emit(func(l Listener) {
		if el, ok := l.(ErrorListener); ok {
			el.OnCallError(event, codeType, code, msg)
		}
	})
}

// notifyConnection сообщает о соединении и разъединении звонка
func (s *Session) notifyConnection(from, to State, reason StateReason, prev connectInfo) {
	self := s.selfUserID()
	switch {
	case from == StateConnecting && to == StateConnected:
		at := s.info.connectedAt
		room, peer := s.info.callingRoomID, s.info.callingUserID
		s.emit(func(l Listener) {
			if cl, ok := l.(ConnectionListener); ok {
				cl.OnCallConnected(room, peer, self, at)
			}
		})
	case from == StateConnected && to != StateConnected:
		now := s.clock.Now()
		duration := now.Sub(prev.connectedAt)
		s.metrics.connectedDuration(duration)
		hangupUser := self
		if reason.isRemote() {
			hangupUser = prev.callingUserID
		}
		room := prev.callingRoomID
		s.emit(func(l Listener) {
			if cl, ok := l.(ConnectionListener); ok {
				cl.OnCallDisconnected(room, hangupUser, self, now, duration)
			}
		})
	}
}

func (s *Session) notifyTokenWillExpire() {
	s.emit(func(l Listener) {
		if tl, ok := l.(TokenListener); ok {
			tl.OnTokenPrivilegeWillExpire()
		}
	})
}

func (s *Session) notifyMissingReceipts(info EventInfo) {
	s.emit(func(l Listener) {
		if rl, ok := l.(ReceiptListener); ok {
			rl.OnMissingReceipts(info)
		}
	})
}

// canJoinOnCalling опрашивает слушателей; любой отказ откладывает вход до принятия.
// Цикл ждет ответа не дольше deciderTimeout, молчание считается отказом.
func (s *Session) canJoinOnCalling(info EventInfo) bool {
	var deciders []JoinOnCallingDecider
	for _, l := range s.listeners.snapshot() {
		if d, ok := l.(JoinOnCallingDecider); ok {
			deciders = append(deciders, d)
		}
	}
	if len(deciders) == 0 {
		return true
	}

	view := make(EventInfo, len(info))
	for k, v := range info {
		view[k] = v
	}
	answer := make(chan bool, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				s.recovered("decider")(r)
				answer <- false
			}
		}()
		for _, d := range deciders {
			if !d.CanJoinOnCalling(view) {
				answer <- false
				return
			}
		}
		answer <- true
	}()

	t := time.NewTimer(deciderTimeout)
	defer t.Stop()
	select {
	case ok := <-answer:
		return ok
	case <-t.C:
		s.logger.Warn(s.ctx, "решение о входе в канал не получено, вход отложен до принятия",
			logging.Duration("timeout", deciderTimeout))
		return false
	}
}

func (s *Session) selfUserID() uint32 {
	if s.cfg == nil {
		return 0
	}
	return s.cfg.UserID
}
