package callapi

import (
	"context"

	"github.com/google/uuid"

	"github.com/arzzra/call_api/pkg/callapi/media"
	"github.com/arzzra/call_api/pkg/callapi/message"
	"github.com/arzzra/call_api/pkg/logging"
)

// Call начинает исходящий звонок удаленному пользователю.
// Допустим только в Prepared. Возвращает ошибку отправки вызова;
// состояние Calling при этом сохраняется.
func (s *Session) Call(ctx context.Context, remoteUserID uint32, callType CallType, extension map[string]interface{}) error {
	return s.run(ctx, func() (<-chan error, error) {
		return s.call(remoteUserID, callType, extension)
	})
}

func (s *Session) call(remoteUserID uint32, callType CallType, extension map[string]interface{}) (<-chan error, error) {
	if s.cfg == nil {
		return nil, errNotInitialized("call")
	}
	if state := s.sm.Current(); state != StatePrepared {
		s.notifyEvent(EventStateMismatch, "call")
		return nil, errStateMismatch(state, "call")
	}
	self := s.cfg.UserID
	if remoteUserID == 0 || remoteUserID == self {
		return nil, errInvalidConfig("remoteUserID", remoteUserID, "нужен другой пользователь")
	}

	callID := uuid.NewString()
	s.info.set(callType, remoteUserID, s.prepare.RoomID, callID, self)
	s.info.isLocalAccepted = true
	s.info.extension = mergeExtension(s.prepare.UserExtension, extension)
	s.cost.Reset(callID)
	s.metrics.call(true, callType)

	action, reason, event := message.ActionVideoCall, ReasonLocalVideoCall, EventLocalVideoCall
	if callType == CallTypeAudio {
		action, reason, event = message.ActionAudioCall, ReasonLocalAudioCall, EventLocalAudioCall
	}
	msg := s.newMessage(action, remoteUserID)
	msg.FromUserExtension = s.info.extension

	s.logger.Info(logging.ContextWithCallID(s.ctx, callID), "исходящий звонок",
		logging.Uint32("remote_user_id", remoteUserID),
		logging.String("call_type", callType.String()),
		logging.String("room_id", s.info.callingRoomID))

	sent := s.send(remoteUserID, msg, func(err error) {
		if err == nil && s.info.callID == callID {
			s.notifyEvent(EventRemoteUserRecvCall, "")
		}
	})
	s.transition(fsmCall, reason, "", msg.Fields())
	s.notifyEvent(event, "")
	s.joinAsPublisher()
	return sent, nil
}

// CancelCall отменяет исходящий звонок до ответа. Допустим только в Calling.
func (s *Session) CancelCall(ctx context.Context) error {
	return s.run(ctx, func() (<-chan error, error) {
		if s.cfg == nil {
			return nil, errNotInitialized("cancelCall")
		}
		if state := s.sm.Current(); state != StateCalling {
			s.notifyEvent(EventStateMismatch, "cancelCall")
			return nil, errStateMismatch(state, "cancelCall")
		}
		return s.cancelCall(false, ReasonLocalCancelled, EventLocalCancelled), nil
	})
}

func (s *Session) cancelCall(internal bool, reason StateReason, event Event) <-chan error {
	peer := s.info.callingUserID
	msg := s.newMessage(message.ActionCancel, peer)
	msg.CancelByInternal = internal
	sent := s.send(peer, msg, nil)
	s.transition(fsmEnd, reason, "", msg.Fields())
	s.notifyEvent(event, "")
	return sent
}

// Accept принимает входящий звонок от remoteUserID. Допустим только в Calling у вызываемой стороны.
func (s *Session) Accept(ctx context.Context, remoteUserID uint32) error {
	return s.run(ctx, func() (<-chan error, error) {
		if err := s.checkIncoming("accept", remoteUserID); err != nil {
			return nil, err
		}
		return s.acceptCall(), nil
	})
}

func (s *Session) acceptCall() <-chan error {
	s.info.isLocalAccepted = true
	peer := s.info.callingUserID
	msg := s.newMessage(message.ActionAccept, peer)
	sent := s.send(peer, msg, nil)
	if !s.info.joinRequested {
		s.joinAsPublisher()
	}
	s.transition(fsmAccept, ReasonLocalAccepted, "", msg.Fields())
	s.notifyEvent(EventLocalAccepted, "")
	return sent
}

// Reject отклоняет входящий звонок от remoteUserID с произвольной причиной
func (s *Session) Reject(ctx context.Context, remoteUserID uint32, reason string) error {
	return s.run(ctx, func() (<-chan error, error) {
		if err := s.checkIncoming("reject", remoteUserID); err != nil {
			return nil, err
		}
		msg := s.newMessage(message.ActionReject, remoteUserID)
		msg.RejectReason = reason
		sent := s.send(remoteUserID, msg, nil)
		s.transition(fsmEnd, ReasonLocalRejected, reason, msg.Fields())
		s.notifyEvent(EventLocalRejected, reason)
		return sent, nil
	})
}

// Hangup завершает звонок в любом активном состоянии
func (s *Session) Hangup(ctx context.Context, remoteUserID uint32, reason string) error {
	return s.run(ctx, func() (<-chan error, error) {
		if s.cfg == nil {
			return nil, errNotInitialized("hangup")
		}
		if state := s.sm.Current(); !state.IsEngaged() {
			s.notifyEvent(EventStateMismatch, "hangup")
			return nil, errStateMismatch(state, "hangup")
		}
		if remoteUserID != s.info.callingUserID {
			return nil, errInvalidConfig("remoteUserID", remoteUserID, "это не собеседник текущего звонка")
		}
		return s.hangupCall(reason), nil
	})
}

func (s *Session) hangupCall(reason string) <-chan error {
	peer := s.info.callingUserID
	msg := s.newMessage(message.ActionHangup, peer)
	msg.HangupReason = reason
	sent := s.send(peer, msg, nil)
	s.transition(fsmEnd, ReasonLocalHangup, reason, msg.Fields())
	s.notifyEvent(EventLocalHangup, reason)
	return sent
}

// checkIncoming проверяет, что есть входящий вызов от remoteUserID, ожидающий ответа
func (s *Session) checkIncoming(operation string, remoteUserID uint32) error {
	if s.cfg == nil {
		return errNotInitialized(operation)
	}
	if state := s.sm.Current(); state != StateCalling {
		s.notifyEvent(EventStateMismatch, operation)
		return errStateMismatch(state, operation)
	}
	if s.info.isCaller(s.cfg.UserID) {
		s.notifyEvent(EventStateMismatch, operation)
		return errStateMismatch(StateCalling, operation).WithField("role", "caller")
	}
	if remoteUserID != s.info.callingUserID {
		return errInvalidConfig("remoteUserID", remoteUserID, "это не собеседник текущего звонка")
	}
	return nil
}

// joinAsPublisher входит в комнату звонка публикующим участником
func (s *Session) joinAsPublisher() {
	s.info.joinRequested = true
	s.notifyEvent(EventJoinRTCStart, "")

	callID := s.info.callID
	gen := s.gen
	req := media.JoinRequest{
		Channel: s.info.callingRoomID,
		Token:   s.prepare.MediaToken,
		UID:     s.cfg.UserID,
		Peer:    s.info.callingUserID,
		Video:   s.info.video(),
	}
	s.media.JoinAsPublisher(req, func(res media.JoinResult) {
		s.postGen(gen, func() { s.onCallJoinResult(callID, res) }, nil)
	})
}

func (s *Session) onCallJoinResult(callID string, res media.JoinResult) {
	if res.Stale || s.info.callID != callID {
		return
	}
	if res.Err != nil {
		s.notifyError(ErrorEventRtcOccurError, ErrorCodeRtc, media.ErrorCode(res.Err), res.Err.Error())
		return
	}
	s.notifyEvent(EventJoinRTCSuccessed, "")
}

func mergeExtension(base, extra map[string]interface{}) map[string]interface{} {
	if len(base) == 0 && len(extra) == 0 {
		return nil
	}
	out := make(map[string]interface{}, len(base)+len(extra))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range extra {
		out[k] = v
	}
	return out
}
