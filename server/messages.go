package server

import "encoding/json"

// Inbound message types
const (
	MsgTypeAuth         = "AUTH"
	MsgTypeQueueJoin    = "QUEUE_JOIN"
	MsgTypeQueueLeave   = "QUEUE_LEAVE"
	MsgTypeReadyAccept  = "READY_ACCEPT"
	MsgTypeReadyDecline = "READY_DECLINE"
	MsgTypeMapVeto      = "MAP_VETO"
	MsgTypeRequestSwap  = "LOBBY_REQUEST_SWAP"
	MsgTypeAcceptSwap   = "LOBBY_ACCEPT_SWAP"
	MsgTypeRoomCreated  = "HOST_ROOM_CREATED"
	MsgTypeHostFailed   = "HOST_FAILED"
	MsgTypeLobbyAbandon = "LOBBY_ABANDON"
	MsgTypeChatSend     = "CHAT_SEND"
)

// Outbound message types
const (
	MsgTypeAuthSuccess   = "AUTH_SUCCESS"
	MsgTypeAuthFailed    = "AUTH_FAILED"
	MsgTypeQueueJoined   = "QUEUE_JOINED"
	MsgTypeQueueFailed   = "QUEUE_FAILED"
	MsgTypeQueueLeft     = "QUEUE_LEFT"
	MsgTypeMatchFound    = "MATCH_FOUND"
	MsgTypeReadyAccepted = "READY_ACCEPTED"
	MsgTypeReadyUpdate   = "READY_UPDATE"
	MsgTypeReadyDeclined = "READY_DECLINED"
	MsgTypeReadyFailed   = "READY_CHECK_FAILED"
	MsgTypeCooldownSet   = "COOLDOWN_SET"
	MsgTypeRequeue       = "REQUEUE"
	MsgTypeLobbyReady    = "LOBBY_READY"
	MsgTypeLobbyData     = "LOBBY_DATA"
	MsgTypeVetoUpdate    = "VETO_UPDATE"
	MsgTypeTurnChange    = "TURN_CHANGE"
	MsgTypeMapSelected   = "MAP_SELECTED"
	MsgTypeSwapRequested = "LOBBY_SWAP_REQUESTED"
	MsgTypeSwapCompleted = "LOBBY_SWAP_COMPLETED"
	MsgTypeHostSelected  = "HOST_SELECTED"
	MsgTypeHostWaiting   = "HOST_WAITING"
	MsgTypeHostConfirmed = "HOST_CONFIRMED"
	MsgTypeChatMessage   = "CHAT_MESSAGE"
	MsgTypeMatchEnded    = "MATCH_ENDED"
	MsgTypeMatchCanceled = "MATCH_CANCELLED"
	MsgTypeMatchInvalid  = "MATCH_INVALID"
	MsgTypeShutdown      = "SERVER_SHUTDOWN"
	MsgTypeError         = "ERROR"
)

// Stable VALIDATION reason codes, surfaced verbatim for client-side
// localization.
const (
	ReasonAlreadyInQueue  = "ALREADY_IN_QUEUE"
	ReasonAlreadyInMatch  = "ALREADY_IN_MATCH"
	ReasonCooldownActive  = "COOLDOWN_ACTIVE"
	ReasonDuplicateSocial = "DUPLICATE_SOCIAL_ID"
	ReasonUserNotFound    = "USER_NOT_FOUND"
	ReasonBanned          = "BANNED"
	ReasonNotInMatch      = "NOT_IN_MATCH"
	ReasonNotYourTurn     = "NOT_YOUR_TURN"
	ReasonUnknownMap      = "UNKNOWN_MAP"
	ReasonNotHost         = "NOT_HOST"
	ReasonAlreadyConnect  = "ALREADY_CONNECTED"
)

// ClientMessage represents a message from client to server.
type ClientMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// ServerMessage represents a message from server to client.
type ServerMessage struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

// Messenger delivers server events to a player's transport. The
// Session Router implements it; tests record instead of sending.
type Messenger interface {
	SendTo(playerID int64, msg ServerMessage)
}
