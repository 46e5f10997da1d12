package callapi

import "time"

// connectInfo метаданные текущей попытки звонка. Принадлежит циклу сессии.
type connectInfo struct {
	callID        string
	callType      CallType
	callingUserID uint32
	callingRoomID string
	// callerUserID инициатор звонка; совпадает с локальным пользователем у вызывающей стороны
	callerUserID uint32
	extension    map[string]interface{}

	isLocalAccepted      bool
	isRetrieveFirstFrame bool
	joinRequested        bool
	joinTiming           mediaJoinTiming

	connectedAt time.Time
}

type mediaJoinTiming int

const (
	joinOnCalling mediaJoinTiming = iota
	joinOnAccepted
)

func (c *connectInfo) set(callType CallType, callingUserID uint32, callingRoomID, callID string, callerUserID uint32) {
	c.callType = callType
	c.callingUserID = callingUserID
	c.callingRoomID = callingRoomID
	c.callID = callID
	c.callerUserID = callerUserID
}

func (c *connectInfo) clean() {
	*c = connectInfo{}
}

func (c *connectInfo) active() bool {
	return c.callID != ""
}

func (c *connectInfo) isCaller(self uint32) bool {
	return c.callerUserID != 0 && c.callerUserID == self
}

func (c *connectInfo) video() bool {
	return c.callType == CallTypeVideo
}
