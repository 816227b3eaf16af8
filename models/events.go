package models

import (
	"encoding/json"
	"time"
)

// EventType enumerates the payload kinds delivered over the realtime hub.
type EventType string

const (
	EventNewMessage       EventType = "new_message"
	EventMessageReaction  EventType = "message_reaction"
	EventMessagesRead     EventType = "messages_read"
	EventCallInitiated    EventType = "call_initiated"
	EventCallAnswered     EventType = "call_answered"
	EventCallDeclined     EventType = "call_declined"
	EventCallEnded        EventType = "call_ended"
	EventCallSignal       EventType = "call_signal"
	EventUserStatusChange EventType = "user_status_change"
	EventTyping           EventType = "typing"
)

type ReactionAction string

const (
	ReactionAdded   ReactionAction = "added"
	ReactionRemoved ReactionAction = "removed"
)

type NewMessageEvent struct {
	Type    EventType `json:"type"`
	Message Message   `json:"message"`
}

type MessageReactionEvent struct {
	Type           EventType      `json:"type"`
	ConversationID string         `json:"conversation_id"`
	MessageID      string         `json:"message_id"`
	Emoji          string         `json:"emoji"`
	Action         ReactionAction `json:"action"`
	UserID         string         `json:"user_id"`
}

type MessagesReadEvent struct {
	Type           EventType `json:"type"`
	ConversationID string    `json:"conversation_id"`
	Reader         string    `json:"reader"`
	ReadAt         time.Time `json:"read_at"`
}

type CallInitiatedEvent struct {
	Type           EventType `json:"type"`
	ConversationID string    `json:"conversation_id"`
	CallID         string    `json:"call_id"`
	CallType       CallType  `json:"call_type"`
	CallerID       string    `json:"caller_id"`
}

type CallAnsweredEvent struct {
	Type           EventType `json:"type"`
	ConversationID string    `json:"conversation_id"`
	CallID         string    `json:"call_id"`
	UserID         string    `json:"user_id"`
}

type CallDeclinedEvent struct {
	Type           EventType `json:"type"`
	ConversationID string    `json:"conversation_id"`
	CallID         string    `json:"call_id"`
	DeclinerName   string    `json:"decliner_name"`
}

type CallEndedEvent struct {
	Type           EventType `json:"type"`
	ConversationID string    `json:"conversation_id"`
	CallID         string    `json:"call_id"`
	DurationSec    int64     `json:"duration_sec"`
}

// CallSignalEvent relays the media negotiation payload (SDP offer/answer,
// connectivity candidates) without interpreting it.
type CallSignalEvent struct {
	Type           EventType       `json:"type"`
	ConversationID string          `json:"conversation_id"`
	CallID         string          `json:"call_id"`
	FromUserID     string          `json:"from_user_id"`
	Signal         json.RawMessage `json:"signal"`
}

type UserStatusChangeEvent struct {
	Type     EventType `json:"type"`
	UserID   string    `json:"user_id"`
	IsOnline bool      `json:"is_online"`
}

type TypingEvent struct {
	Type           EventType `json:"type"`
	ConversationID string    `json:"conversation_id"`
	UserID         string    `json:"user_id"`
	IsTyping       bool      `json:"is_typing"`
}
