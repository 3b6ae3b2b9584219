package domain

import (
	"encoding/json"
	"time"
)

// Входящие события сокета
const (
	EventAuthenticate          = "authenticate"
	EventJoinRoom              = "joinRoom"
	EventLeaveRoom             = "leaveRoom"
	EventSend                  = "send"
	EventReact                 = "react"
	EventTyping                = "typing"
	EventStopTyping            = "stopTyping"
	EventMarkRead              = "markRead"
	EventUnsend                = "unsend"
	EventHideForMe             = "hideForMe"
	EventRequestMissedMessages = "requestMissedMessages"
)

// Исходящие события сокета
const (
	EventAuthenticated          = "authenticated"
	EventRoomJoined             = "roomJoined"
	EventRoomLeft               = "roomLeft"
	EventMessageAck             = "messageAck"
	EventMessageReceived        = "messageReceived"
	EventReactionChanged        = "reactionChanged"
	EventUserTyping             = "userTyping"
	EventUserStoppedTyping      = "userStoppedTyping"
	EventMessageStatusUpdate    = "messageStatusUpdate"
	EventMessageUnsent          = "messageUnsent"
	EventUserOnline             = "userOnline"
	EventUserOffline            = "userOffline"
	EventOnlineUsersSnapshot    = "onlineUsersSnapshot"
	EventMessageError           = "messageError"
	EventMissedMessagesComplete = "missedMessagesComplete"
)

// Envelope - формат кадра в обе стороны: {"event": "...", "data": {...}}
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// OutboundEvent - исходящее событие. Data сериализуется один раз при рассылке.
type OutboundEvent struct {
	Event string      `json:"event"`
	Data  interface{} `json:"data,omitempty"`
}

func NewEvent(name string, data interface{}) OutboundEvent {
	return OutboundEvent{Event: name, Data: data}
}

type AuthenticatePayload struct {
	Token string `json:"token" validate:"required"`
}

type RoomPayload struct {
	RoomKey string `json:"roomKey" validate:"required"`
}

type SendPayload struct {
	RoomKey       string      `json:"roomKey" validate:"required"`
	Content       string      `json:"content" validate:"max=10000"`
	Kind          MessageKind `json:"kind" validate:"omitempty,oneof=text image video audio file"`
	ProvisionalID string      `json:"provisionalId" validate:"max=128"`
	ReplyToID     string      `json:"replyToId,omitempty"`
	File          *FileRef    `json:"file,omitempty" validate:"omitempty"`
}

type ReactPayload struct {
	MessageID string `json:"messageId" validate:"required"`
	Emoji     string `json:"emoji" validate:"required,max=32"`
}

type MessageRefPayload struct {
	MessageID string `json:"messageId" validate:"required"`
}

type MissedMessagesPayload struct {
	RoomKey string     `json:"roomKey" validate:"required"`
	Since   *time.Time `json:"since,omitempty"`
}

// Полезная нагрузка исходящих событий

type AuthenticatedData struct {
	UserID    string `json:"userId"`
	SessionID string `json:"sessionId"`
}

type MessageAckData struct {
	ProvisionalID string       `json:"provisionalId,omitempty"`
	ID            string       `json:"id"`
	Status        MessageState `json:"status"`
	CreatedAt     time.Time    `json:"createdAt"`
}

type ReactionChangedData struct {
	MessageID string  `json:"messageId"`
	RoomKey   RoomKey `json:"roomKey"`
	UserID    string  `json:"userId"`
	Emoji     *string `json:"emoji"`
}

type TypingData struct {
	UserID  string  `json:"userId"`
	RoomKey RoomKey `json:"roomKey"`
}

type StatusUpdateData struct {
	MessageID string       `json:"messageId"`
	RoomKey   RoomKey      `json:"roomKey"`
	Status    MessageState `json:"status"`
	ReaderID  string       `json:"readerId,omitempty"`
}

type MessageUnsentData struct {
	MessageID string  `json:"messageId"`
	RoomKey   RoomKey `json:"roomKey"`
}

type UserPresenceData struct {
	UserID string `json:"userId"`
}

type OnlineUsersData struct {
	UserIDs []string `json:"userIds"`
}

type RoomData struct {
	RoomKey RoomKey `json:"roomKey"`
}

type MissedMessagesCompleteData struct {
	RoomKey   RoomKey   `json:"roomKey"`
	Count     int       `json:"count"`
	Watermark time.Time `json:"watermark"`
}

// MessageErrorData уходит только в сессию, откуда пришло событие
type MessageErrorData struct {
	Event         string `json:"event"`
	ProvisionalID string `json:"provisionalId,omitempty"`
	MessageID     string `json:"messageId,omitempty"`
	Code          string `json:"code"`
	Reason        string `json:"reason"`
	Retryable     bool   `json:"retryable"`
}
