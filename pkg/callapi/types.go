package callapi

import "fmt"

// State состояние сессии звонка
type State int

const (
	StateIdle       State = 0
	StatePrepared   State = 1
	StateCalling    State = 2
	StateConnecting State = 3
	StateConnected  State = 4
	StateFailed     State = 10
)

// String возвращает строковое представление состояния
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePrepared:
		return "prepared"
	case StateCalling:
		return "calling"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// parseState обратное преобразование для состояний автомата
func parseState(name string) State {
	switch name {
	case "prepared":
		return StatePrepared
	case "calling":
		return StateCalling
	case "connecting":
		return StateConnecting
	case "connected":
		return StateConnected
	case "failed":
		return StateFailed
	default:
		return StateIdle
	}
}

// IsEngaged возвращает true для состояний активного звонка
func (s State) IsEngaged() bool {
	return s == StateCalling || s == StateConnecting || s == StateConnected
}

// StateReason причина последнего перехода состояния
type StateReason int

const (
	ReasonNone                 StateReason = 0
	ReasonJoinRTCFailed        StateReason = 1
	ReasonRtmSetupFailed       StateReason = 2
	ReasonRtmSetupSuccessed    StateReason = 3
	ReasonMessageFailed        StateReason = 4
	ReasonLocalRejected        StateReason = 5
	ReasonRemoteRejected       StateReason = 6
	ReasonRemoteAccepted       StateReason = 7
	ReasonLocalAccepted        StateReason = 8
	ReasonLocalHangup          StateReason = 9
	ReasonRemoteHangup         StateReason = 10
	ReasonLocalCancelled       StateReason = 11
	ReasonRemoteCancelled      StateReason = 12
	ReasonRecvRemoteFirstFrame StateReason = 13
	ReasonCallingTimeout       StateReason = 14
	ReasonCancelByCallerRecall StateReason = 15
	ReasonRtmLost              StateReason = 16
	ReasonRemoteCallBusy       StateReason = 17
	ReasonRemoteCallingTimeout StateReason = 18
	ReasonLocalVideoCall       StateReason = 30
	ReasonLocalAudioCall       StateReason = 31
	ReasonRemoteVideoCall      StateReason = 32
	ReasonRemoteAudioCall      StateReason = 33
)

var reasonNames = map[StateReason]string{
	ReasonNone:                 "none",
	ReasonJoinRTCFailed:        "joinRTCFailed",
	ReasonRtmSetupFailed:       "rtmSetupFailed",
	ReasonRtmSetupSuccessed:    "rtmSetupSuccessed",
	ReasonMessageFailed:        "messageFailed",
	ReasonLocalRejected:        "localRejected",
	ReasonRemoteRejected:       "remoteRejected",
	ReasonRemoteAccepted:       "remoteAccepted",
	ReasonLocalAccepted:        "localAccepted",
	ReasonLocalHangup:          "localHangup",
	ReasonRemoteHangup:         "remoteHangup",
	ReasonLocalCancelled:       "localCancelled",
	ReasonRemoteCancelled:      "remoteCancelled",
	ReasonRecvRemoteFirstFrame: "recvRemoteFirstFrame",
	ReasonCallingTimeout:       "callingTimeout",
	ReasonCancelByCallerRecall: "cancelByCallerRecall",
	ReasonRtmLost:              "rtmLost",
	ReasonRemoteCallBusy:       "remoteCallBusy",
	ReasonRemoteCallingTimeout: "remoteCallingTimeout",
	ReasonLocalVideoCall:       "localVideoCall",
	ReasonLocalAudioCall:       "localAudioCall",
	ReasonRemoteVideoCall:      "remoteVideoCall",
	ReasonRemoteAudioCall:      "remoteAudioCall",
}

func (r StateReason) String() string {
	if name, ok := reasonNames[r]; ok {
		return name
	}
	return fmt.Sprintf("reason(%d)", int(r))
}

// isRemote причина инициирована собеседником
func (r StateReason) isRemote() bool {
	switch r {
	case ReasonRemoteCancelled, ReasonRemoteHangup, ReasonRemoteRejected,
		ReasonRemoteCallBusy, ReasonRemoteCallingTimeout:
		return true
	}
	return false
}

// Event событие жизненного цикла звонка
type Event int

const (
	EventNone                        Event = 0
	EventDeinitialize                Event = 1
	EventMissingReceipts             Event = 2
	EventCallingTimeout              Event = 3
	EventRemoteCallingTimeout        Event = 4
	EventJoinRTCSuccessed            Event = 5
	EventRtmSetupSuccessed           Event = 7
	EventStateMismatch               Event = 9
	EventJoinRTCStart                Event = 10
	EventRemoteUserRecvCall          Event = 99
	EventLocalRejected               Event = 100
	EventRemoteRejected              Event = 101
	EventOnCalling                   Event = 102
	EventRemoteAccepted              Event = 103
	EventLocalAccepted               Event = 104
	EventLocalHangup                 Event = 105
	EventRemoteHangup                Event = 106
	EventRemoteJoined                Event = 107
	EventRemoteLeft                  Event = 108
	EventLocalCancelled              Event = 109
	EventRemoteCancelled             Event = 110
	EventLocalJoined                 Event = 111
	EventLocalLeft                   Event = 112
	EventRecvRemoteFirstFrame        Event = 113
	EventRtmLost                     Event = 115
	EventRemoteCallBusy              Event = 117
	EventCaptureFirstLocalVideoFrame Event = 119
	EventPublishFirstLocalVideoFrame Event = 120
	EventPublishFirstLocalAudioFrame Event = 130
	EventLocalVideoCall              Event = 140
	EventLocalAudioCall              Event = 141
	EventRemoteVideoCall             Event = 142
	EventRemoteAudioCall             Event = 143
)

var eventNames = map[Event]string{
	EventNone:                        "none",
	EventDeinitialize:                "deinitialize",
	EventMissingReceipts:             "missingReceipts",
	EventCallingTimeout:              "callingTimeout",
	EventRemoteCallingTimeout:        "remoteCallingTimeout",
	EventJoinRTCSuccessed:            "joinRTCSuccessed",
	EventRtmSetupSuccessed:           "rtmSetupSuccessed",
	EventStateMismatch:               "stateMismatch",
	EventJoinRTCStart:                "joinRTCStart",
	EventRemoteUserRecvCall:          "remoteUserRecvCall",
	EventLocalRejected:               "localRejected",
	EventRemoteRejected:              "remoteRejected",
	EventOnCalling:                   "onCalling",
	EventRemoteAccepted:              "remoteAccepted",
	EventLocalAccepted:               "localAccepted",
	EventLocalHangup:                 "localHangup",
	EventRemoteHangup:                "remoteHangup",
	EventRemoteJoined:                "remoteJoined",
	EventRemoteLeft:                  "remoteLeft",
	EventLocalCancelled:              "localCancelled",
	EventRemoteCancelled:             "remoteCancelled",
	EventLocalJoined:                 "localJoined",
	EventLocalLeft:                   "localLeft",
	EventRecvRemoteFirstFrame:        "recvRemoteFirstFrame",
	EventRtmLost:                     "rtmLost",
	EventRemoteCallBusy:              "remoteCallBusy",
	EventCaptureFirstLocalVideoFrame: "captureFirstLocalVideoFrame",
	EventPublishFirstLocalVideoFrame: "publishFirstLocalVideoFrame",
	EventPublishFirstLocalAudioFrame: "publishFirstLocalAudioFrame",
	EventLocalVideoCall:              "localVideoCall",
	EventLocalAudioCall:              "localAudioCall",
	EventRemoteVideoCall:             "remoteVideoCall",
	EventRemoteAudioCall:             "remoteAudioCall",
}

func (e Event) String() string {
	if name, ok := eventNames[e]; ok {
		return name
	}
	return fmt.Sprintf("event(%d)", int(e))
}

// ErrorEvent вид ошибки, сообщаемой слушателям
type ErrorEvent int

const (
	ErrorEventNormal           ErrorEvent = 0
	ErrorEventRtcOccurError    ErrorEvent = 100
	ErrorEventStartCaptureFail ErrorEvent = 110
	ErrorEventSendMessageFail  ErrorEvent = 210
)

func (e ErrorEvent) String() string {
	switch e {
	case ErrorEventNormal:
		return "normalError"
	case ErrorEventRtcOccurError:
		return "rtcOccurError"
	case ErrorEventStartCaptureFail:
		return "startCaptureFail"
	case ErrorEventSendMessageFail:
		return "sendMessageFail"
	default:
		return fmt.Sprintf("errorEvent(%d)", int(e))
	}
}

// ErrorCodeType источник кода ошибки
type ErrorCodeType int

const (
	ErrorCodeNormal  ErrorCodeType = 0
	ErrorCodeRtc     ErrorCodeType = 1
	ErrorCodeMessage ErrorCodeType = 2
)

func (t ErrorCodeType) String() string {
	switch t {
	case ErrorCodeRtc:
		return "rtc"
	case ErrorCodeMessage:
		return "message"
	default:
		return "normal"
	}
}

// CallType тип звонка
type CallType int

const (
	CallTypeVideo CallType = 0
	CallTypeAudio CallType = 1
)

func (c CallType) String() string {
	if c == CallTypeAudio {
		return "audio"
	}
	return "video"
}
