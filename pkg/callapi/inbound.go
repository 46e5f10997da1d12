package callapi

import (
	"context"
	"strconv"

	"github.com/arzzra/call_api/pkg/callapi/media"
	"github.com/arzzra/call_api/pkg/callapi/message"
	"github.com/arzzra/call_api/pkg/callapi/receipt"
	"github.com/arzzra/call_api/pkg/logging"
)

// signalingEvents переносит обратные вызовы транспорта в цикл сессии.
// gen отсекает события транспорта, отданного предыдущей инициализации.
type signalingEvents struct {
	s   *Session
	gen uint64
}

func (h *signalingEvents) OnMessageReceived(from string, payload []byte) {
	data := append([]byte(nil), payload...)
	h.s.postGen(h.gen, func() { h.s.onMessage(from, data) }, nil)
}

func (h *signalingEvents) OnConnectionStateChanged(state ConnectionState, reason string) {
	h.s.postGen(h.gen, func() { h.s.onConnectionState(state, reason) }, nil)
}

func (h *signalingEvents) OnTokenWillExpire() {
	h.s.postGen(h.gen, h.s.notifyTokenWillExpire, nil)
}

func (s *Session) onMessage(from string, payload []byte) {
	msg, err := message.Decode(payload)
	if err != nil {
		s.logger.Warn(s.ctx, "входящее сообщение отброшено",
			logging.String("from", from),
			logging.Err(err))
		return
	}
	if msg.IsReceipt() {
		if s.receipts != nil {
			s.receipts.Ack(msg.Receipts)
		}
		return
	}
	if msg.WantsReceipt() {
		s.sendReceipt(msg)
	}
	if msg.RemoteUserID != s.cfg.UserID {
		s.logger.Debug(s.ctx, "сообщение адресовано другому пользователю",
			logging.Uint32("remote_user_id", msg.RemoteUserID))
		return
	}

	ctx := logging.ContextWithCallID(s.ctx, msg.CallID)
	s.logger.Debug(ctx, "входящее сообщение",
		logging.String("action", msg.Action.String()),
		logging.Uint32("from_user_id", msg.FromUserID),
		logging.String("state", s.sm.Current().String()))

	if msg.Action.IsCall() {
		s.onRemoteCall(ctx, msg)
		return
	}
	switch msg.Action {
	case message.ActionCancel:
		s.onRemoteCancel(ctx, msg)
	case message.ActionReject:
		s.onRemoteReject(ctx, msg)
	case message.ActionHangup:
		s.onRemoteHangup(ctx, msg)
	case message.ActionAccept:
		s.onRemoteAccept(ctx, msg)
	}
}

// isCurrent сообщение от собеседника текущего звонка и с тем же callId
func (s *Session) isCurrent(msg *message.Message) bool {
	return s.info.active() &&
		msg.FromUserID == s.info.callingUserID &&
		msg.CallID == s.info.callID
}

func (s *Session) onRemoteCall(ctx context.Context, msg *message.Message) {
	state := s.sm.Current()
	switch {
	case state == StateIdle || state == StateFailed:
		s.logger.Info(ctx, "вызов проигнорирован: сессия не подготовлена",
			logging.Uint32("from_user_id", msg.FromUserID),
			logging.String("state", state.String()))
		return
	case state.IsEngaged() && msg.FromUserID != s.info.callingUserID:
		s.rejectBusy(msg)
		return
	case state == StateCalling && s.info.isCaller(s.cfg.UserID):
		s.resolveGlare(ctx, msg)
		return
	case state == StateCalling:
		// Повторный вызов того же собеседника обновляет данные без уведомлений
		s.info.callingRoomID = msg.FromRoomID
		s.info.extension = msg.FromUserExtension
		if msg.CallID != s.info.callID {
			s.info.callID = msg.CallID
			s.cost.Reset(msg.CallID)
			s.setSnapshot()
		}
		return
	case state.IsEngaged():
		s.logger.Info(ctx, "повторный вызов в активном звонке проигнорирован",
			logging.Uint32("from_user_id", msg.FromUserID),
			logging.String("state", state.String()))
		return
	}

	callType, reason, event := CallTypeVideo, ReasonRemoteVideoCall, EventRemoteVideoCall
	if msg.Action == message.ActionAudioCall {
		callType, reason, event = CallTypeAudio, ReasonRemoteAudioCall, EventRemoteAudioCall
	}
	s.info.set(callType, msg.FromUserID, msg.FromRoomID, msg.CallID, msg.FromUserID)
	s.info.extension = msg.FromUserExtension
	s.cost.Reset(msg.CallID)
	s.metrics.call(false, callType)

	info := EventInfo(msg.Fields())
	s.info.joinTiming = joinOnCalling
	if s.cfg.CalleeJoinTiming == media.JoinOnAccepted || !s.canJoinOnCalling(info) {
		s.info.joinTiming = joinOnAccepted
	}

	s.logger.Info(ctx, "входящий звонок",
		logging.Uint32("from_user_id", msg.FromUserID),
		logging.String("call_type", callType.String()),
		logging.String("room_id", msg.FromRoomID))

	s.transition(fsmCall, reason, "", info)
	s.notifyEvent(event, "")
	if s.info.joinTiming == joinOnCalling {
		s.joinAsPublisher()
	}
	if s.prepare.AutoAccept && s.sm.Current() == StateCalling {
		s.acceptCall()
	}
}

// resolveGlare разбирает встречные вызовы двух пользователей друг другу.
// Остается вызов пользователя с меньшим идентификатором; вторая сторона
// переходит на него и сразу принимает, ведь ее пользователь уже звонил собеседнику.
func (s *Session) resolveGlare(ctx context.Context, msg *message.Message) {
	if s.cfg.UserID < msg.FromUserID {
		s.logger.Info(ctx, "встречный вызов: остается наш звонок",
			logging.Uint32("from_user_id", msg.FromUserID),
			logging.String("own_call_id", s.info.callID))
		return
	}
	s.logger.Info(ctx, "встречный вызов: переходим на звонок собеседника",
		logging.Uint32("from_user_id", msg.FromUserID),
		logging.String("dropped_call_id", s.info.callID))

	callType, event := CallTypeVideo, EventRemoteVideoCall
	if msg.Action == message.ActionAudioCall {
		callType, event = CallTypeAudio, EventRemoteAudioCall
	}
	s.info.clean()
	s.info.set(callType, msg.FromUserID, msg.FromRoomID, msg.CallID, msg.FromUserID)
	s.info.extension = msg.FromUserExtension
	s.cost.Reset(msg.CallID)
	s.setSnapshot()
	s.notifyEvent(event, "")
	s.acceptCall()
}

// rejectBusy отклоняет вызов третьего пользователя, не затрагивая текущий звонок
func (s *Session) rejectBusy(msg *message.Message) {
	s.logger.Info(s.ctx, "занято: вызов отклонен",
		logging.Uint32("from_user_id", msg.FromUserID),
		logging.String("rejected_call_id", msg.CallID))
	reply := &message.Message{
		Action:           message.ActionReject,
		CallID:           msg.CallID,
		FromUserID:       s.cfg.UserID,
		RemoteUserID:     msg.FromUserID,
		FromRoomID:       s.prepare.RoomID,
		RejectReason:     message.RejectReasonBusy,
		RejectByInternal: true,
	}
	s.sendMessage(msg.FromUserID, reply, true, nil)
}

func (s *Session) onRemoteCancel(ctx context.Context, msg *message.Message) {
	if !s.isCurrent(msg) || !s.sm.Current().IsEngaged() {
		s.logger.Debug(ctx, "отмена не относится к текущему звонку")
		return
	}
	reason, event := ReasonRemoteCancelled, EventRemoteCancelled
	if msg.CancelByInternal {
		reason, event = ReasonRemoteCallingTimeout, EventRemoteCallingTimeout
	}
	s.transition(fsmEnd, reason, "", msg.Fields())
	s.notifyEvent(event, "")
}

func (s *Session) onRemoteReject(ctx context.Context, msg *message.Message) {
	if !s.isCurrent(msg) || !s.sm.Current().IsEngaged() {
		s.logger.Debug(ctx, "отказ не относится к текущему звонку")
		return
	}
	reason, event := ReasonRemoteRejected, EventRemoteRejected
	if msg.RejectByInternal {
		reason, event = ReasonRemoteCallBusy, EventRemoteCallBusy
	}
	s.transition(fsmEnd, reason, msg.RejectReason, msg.Fields())
	s.notifyEvent(event, msg.RejectReason)
}

func (s *Session) onRemoteHangup(ctx context.Context, msg *message.Message) {
	if !s.isCurrent(msg) || !s.sm.Current().IsEngaged() {
		s.logger.Debug(ctx, "завершение не относится к текущему звонку")
		return
	}
	s.transition(fsmEnd, ReasonRemoteHangup, msg.HangupReason, msg.Fields())
	s.notifyEvent(EventRemoteHangup, msg.HangupReason)
}

func (s *Session) onRemoteAccept(ctx context.Context, msg *message.Message) {
	if !s.isCurrent(msg) || s.sm.Current() != StateCalling {
		s.logger.Debug(ctx, "принятие не относится к текущему звонку")
		return
	}
	if s.info.isLocalAccepted {
		s.transition(fsmAccept, ReasonRemoteAccepted, "", msg.Fields())
	}
	s.notifyEvent(EventRemoteAccepted, "")
}

// sendReceipt отвечает квитанцией на сообщение, ждущее подтверждения
func (s *Session) sendReceipt(msg *message.Message) {
	payload, err := message.Marshal(message.NewReceipt(msg.MessageID))
	if err != nil {
		s.logger.Warn(s.ctx, "не удалось сформировать квитанцию", logging.Err(err))
		return
	}
	transport := s.cfg.Signaling
	to := msg.ReceiptsRoomID
	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.sendTimeout())
	go func() {
		defer cancel()
		if err := transport.SendMessage(ctx, to, payload); err != nil {
			s.logger.Warn(ctx, "квитанция не отправлена",
				logging.String("to", to),
				logging.Int("message_id", msg.MessageID),
				logging.Err(err))
		}
	}()
}

func (s *Session) onConnectionState(state ConnectionState, reason string) {
	s.logger.Info(s.ctx, "состояние сигнального соединения",
		logging.String("state", state.String()),
		logging.String("reason", reason))
	if state != ConnectionLost {
		return
	}
	if cur := s.sm.Current(); cur == StateIdle || cur == StateFailed {
		return
	}
	s.transition(fsmFail, ReasonRtmLost, reason, nil)
	s.notifyEvent(EventRtmLost, reason)
}

func (s *Session) onMissingReceipt(m receipt.Miss) {
	s.metrics.receipt("missed")
	info := EventInfo{
		"to":        m.To,
		"messageId": m.MessageID,
		"attempts":  m.Attempts,
	}
	if msg, err := message.Decode(m.Payload); err == nil {
		for k, v := range msg.Fields() {
			info[k] = v
		}
	}
	s.logger.Warn(s.ctx, "нет подтверждения доставки",
		logging.String("to", m.To),
		logging.Int("message_id", m.MessageID),
		logging.Int("attempts", m.Attempts))
	s.notifyEvent(EventMissingReceipts, strconv.Itoa(m.MessageID))
	s.notifyMissingReceipts(info)
}
