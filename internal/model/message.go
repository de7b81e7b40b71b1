// Package model defines the data structures shared by the chat client.
package model

import (
	"bytes"
	"io"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Role represents the author of a message. It never changes after creation.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Status governs whether a message's content may still change and which
// affordances (copy, delete, react) apply to it.
type Status string

const (
	StatusPending   Status = "pending"
	StatusSent      Status = "sent"
	StatusStreaming Status = "streaming"
	StatusComplete  Status = "complete"
	StatusFailed    Status = "failed"
)

// Mutable reports whether content may still change.
func (s Status) Mutable() bool {
	return s == StatusStreaming
}

// Final reports whether the message is confirmed and settled.
func (s Status) Final() bool {
	return s == StatusSent || s == StatusComplete || s == StatusFailed
}

// MessageType is the kind of content a message carries.
type MessageType string

const (
	MessageTypeText   MessageType = "text"
	MessageTypeImage  MessageType = "image"
	MessageTypeFile   MessageType = "file"
	MessageTypeSystem MessageType = "system"
	MessageTypeCode   MessageType = "code"
	MessageTypeAudio  MessageType = "audio"
)

// ParseMessageType normalizes a backend message type, defaulting to text.
func ParseMessageType(s string) MessageType {
	switch t := MessageType(strings.ToLower(strings.TrimSpace(s))); t {
	case MessageTypeImage, MessageTypeFile, MessageTypeSystem, MessageTypeCode, MessageTypeAudio:
		return t
	default:
		return MessageTypeText
	}
}

// Message is one entry of a conversation as held by the message store.
type Message struct {
	ID        string      `json:"id"`
	Role      Role        `json:"role"`
	Content   string      `json:"content"`
	Type      MessageType `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Status    Status      `json:"status"`

	// Local is set while ID is a client placeholder awaiting reconciliation.
	Local bool `json:"local,omitempty"`
}

// Cursor is the pagination state for the loaded window of a conversation.
// Cursors are only meaningful for the conversation that issued them.
type Cursor struct {
	HasNext        bool   `json:"has_next"`
	HasPrevious    bool   `json:"has_previous"`
	NextCursor     string `json:"next_cursor,omitempty"`
	PreviousCursor string `json:"previous_cursor,omitempty"`
}

// MessagePage is one cursor-paginated batch of messages, oldest first.
type MessagePage struct {
	Items  []Message
	Cursor Cursor
}

// SearchPage is one page of message search results.
type SearchPage struct {
	Items   []Message
	Total   int
	Page    int
	Limit   int
	HasMore bool
}

// Attachment is a file queued for upload with a message. Open is called once
// per request attempt so that a replayed request re-reads the content.
type Attachment struct {
	Name        string
	ContentType string
	Open        func() (io.ReadCloser, error)
}

// IsImage reports whether the attachment is an image upload.
func (a Attachment) IsImage() bool {
	return strings.HasPrefix(a.ContentType, "image/")
}

// BytesAttachment builds an attachment from in-memory content.
func BytesAttachment(name, contentType string, data []byte) Attachment {
	return Attachment{
		Name:        name,
		ContentType: contentType,
		Open: func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(data)), nil
		},
	}
}

// FileAttachment builds an attachment backed by a file on disk.
func FileAttachment(path string) (Attachment, error) {
	if _, err := os.Stat(path); err != nil {
		return Attachment{}, err
	}
	ct := mime.TypeByExtension(filepath.Ext(path))
	if ct == "" {
		ct = "application/octet-stream"
	}
	return Attachment{
		Name:        filepath.Base(path),
		ContentType: ct,
		Open: func() (io.ReadCloser, error) {
			return os.Open(path)
		},
	}, nil
}

// AttachmentInfo describes an attachment stored with a sent message.
type AttachmentInfo struct {
	ID          string `json:"id"`
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
	Size        int64  `json:"size"`
	URL         string `json:"url"`
}

// SendRequest is the payload for creating a user message.
type SendRequest struct {
	Content string
	Files   []Attachment
}
