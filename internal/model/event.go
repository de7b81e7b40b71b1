package model

import (
	"time"
)

// EventType represents the type of client event.
type EventType string

const (
	EventMessageSent       EventType = "message_sent"
	EventMessageDeleted    EventType = "message_deleted"
	EventSendFailed        EventType = "send_failed"
	EventReplyCompleted    EventType = "reply_completed"
	EventReplyCancelled    EventType = "reply_cancelled"
	EventReplyFailed       EventType = "reply_failed"
	EventSessionReady      EventType = "session_ready"
	EventSessionFailed     EventType = "session_failed"
	EventPersonaRedirected EventType = "persona_redirected"
)

// ClientEvent records something that happened in a chat session.
type ClientEvent struct {
	ID             string         `json:"id"`
	Type           EventType      `json:"type"`
	PersonaID      string         `json:"persona_id,omitempty"`
	ConversationID string         `json:"conversation_id,omitempty"`
	MessageID      string         `json:"message_id,omitempty"`
	Reason         string         `json:"reason,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}
