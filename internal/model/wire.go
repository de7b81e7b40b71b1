package model

import (
	"bytes"
	"encoding/json"
	"strings"
	"time"
)

// The backend's JSON is loose: ids arrive as numbers or strings, arrays may be
// null and cursors may be missing. The *Wire types below absorb that at the
// decode boundary and convert into the strict types above.

// FlexID decodes a JSON number, string or null into a string id.
type FlexID string

// UnmarshalJSON implements json.Unmarshaler.
func (id *FlexID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*id = ""
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*id = FlexID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*id = FlexID(n.String())
	return nil
}

// String returns the id as a plain string.
func (id FlexID) String() string {
	return string(id)
}

// WireTime decodes the backend's timestamp formats. Values without a zone are
// taken as UTC; unparseable or absent values become the zero time.
type WireTime time.Time

var wireTimeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

// UnmarshalJSON implements json.Unmarshaler.
func (t *WireTime) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil || s == "" {
		*t = WireTime{}
		return nil
	}
	*t = WireTime(ParseTimestamp(s))
	return nil
}

// MarshalJSON implements json.Marshaler.
func (t WireTime) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Time(t).UTC().Format(time.RFC3339Nano))
}

// ParseTimestamp parses a backend timestamp, returning the zero time when no
// known layout matches.
func ParseTimestamp(s string) time.Time {
	s = strings.TrimSpace(s)
	for _, layout := range wireTimeLayouts {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts.UTC()
		}
	}
	return time.Time{}
}

// MessageWire is a message as the backend encodes it.
type MessageWire struct {
	ID          FlexID   `json:"id"`
	Content     string   `json:"content"`
	MessageType string   `json:"message_type"`
	IsFromUser  bool     `json:"is_from_user"`
	CreatedAt   WireTime `json:"created_at"`
}

// ToMessage converts a confirmed backend message into the store's shape.
func (w MessageWire) ToMessage() Message {
	role := RoleAssistant
	status := StatusComplete
	if w.IsFromUser {
		role = RoleUser
		status = StatusSent
	}
	return Message{
		ID:        w.ID.String(),
		Role:      role,
		Content:   w.Content,
		Type:      ParseMessageType(w.MessageType),
		Timestamp: time.Time(w.CreatedAt),
		Status:    status,
	}
}

// NewMessageWire encodes a message the way the backend does.
func NewMessageWire(m Message) MessageWire {
	return MessageWire{
		ID:          FlexID(m.ID),
		Content:     m.Content,
		MessageType: string(m.Type),
		IsFromUser:  m.Role == RoleUser,
		CreatedAt:   WireTime(m.Timestamp),
	}
}

// MessagesWire converts a possibly-null item array.
func MessagesWire(items []MessageWire) []Message {
	out := make([]Message, 0, len(items))
	for _, it := range items {
		out = append(out, it.ToMessage())
	}
	return out
}

// MessagePageWire is the cursor-paginated message listing.
type MessagePageWire struct {
	Items          []MessageWire `json:"items"`
	HasNext        bool          `json:"has_next"`
	HasPrevious    bool          `json:"has_previous"`
	NextCursor     FlexID        `json:"next_cursor,omitempty"`
	PreviousCursor FlexID        `json:"previous_cursor,omitempty"`
}

// ToPage converts the listing.
func (w MessagePageWire) ToPage() MessagePage {
	return MessagePage{
		Items: MessagesWire(w.Items),
		Cursor: Cursor{
			HasNext:        w.HasNext,
			HasPrevious:    w.HasPrevious,
			NextCursor:     w.NextCursor.String(),
			PreviousCursor: w.PreviousCursor.String(),
		},
	}
}

// SearchPageWire is the search result listing.
type SearchPageWire struct {
	Items   []MessageWire `json:"items"`
	Total   int           `json:"total"`
	Page    int           `json:"page"`
	Limit   int           `json:"limit"`
	HasMore *bool         `json:"has_more,omitempty"`
}

// ToPage converts the listing, deriving HasMore from the totals when the
// backend leaves it out.
func (w SearchPageWire) ToPage() SearchPage {
	p := SearchPage{
		Items: MessagesWire(w.Items),
		Total: w.Total,
		Page:  w.Page,
		Limit: w.Limit,
	}
	if w.HasMore != nil {
		p.HasMore = *w.HasMore
	} else if w.Limit > 0 && w.Page > 0 {
		p.HasMore = w.Page*w.Limit < w.Total
	}
	return p
}

// PersonaWire is a persona as the backend encodes it.
type PersonaWire struct {
	ID          FlexID `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	IsActive    bool   `json:"is_active"`
	IsPublic    bool   `json:"is_public"`
}

// ToPersona converts the persona.
func (w PersonaWire) ToPersona() Persona {
	return Persona{
		ID:          w.ID.String(),
		Name:        w.Name,
		Description: w.Description,
		IsActive:    w.IsActive,
		IsPublic:    w.IsPublic,
	}
}

// PersonaPageWire is the persona listing.
type PersonaPageWire struct {
	Items []PersonaWire `json:"items"`
	Total int           `json:"total"`
	Page  int           `json:"page"`
	Limit int           `json:"limit"`
}

// ToPage converts the listing.
func (w PersonaPageWire) ToPage() PersonaPage {
	items := make([]Persona, 0, len(w.Items))
	for _, p := range w.Items {
		items = append(items, p.ToPersona())
	}
	return PersonaPage{Items: items, Total: w.Total, Page: w.Page, Limit: w.Limit}
}

// ConversationWire is a conversation as the backend encodes it.
type ConversationWire struct {
	ID        FlexID   `json:"id"`
	PersonaID FlexID   `json:"persona_id"`
	Title     string   `json:"title"`
	CreatedAt WireTime `json:"created_at"`
}

// ToConversation converts the conversation.
func (w ConversationWire) ToConversation() Conversation {
	return Conversation{
		ID:        w.ID.String(),
		PersonaID: w.PersonaID.String(),
		Title:     w.Title,
		CreatedAt: time.Time(w.CreatedAt),
	}
}

// UserWire is the /auth/me payload.
type UserWire struct {
	ID       FlexID `json:"id"`
	Username string `json:"username"`
	Email    string `json:"email"`
	FullName string `json:"full_name"`
	Role     string `json:"role"`
}

// ToUser converts the user, defaulting the role to "user".
func (w UserWire) ToUser() User {
	role := w.Role
	if role == "" {
		role = "user"
	}
	return User{
		ID:       w.ID.String(),
		Username: w.Username,
		Email:    w.Email,
		FullName: w.FullName,
		Role:     role,
	}
}

// TokenWire is the login and refresh response.
type TokenWire struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	TokenType    string `json:"token_type,omitempty"`
}

// CountWire is the message count response.
type CountWire struct {
	TotalMessages int `json:"total_messages"`
}

// AttachmentWire is one stored attachment.
type AttachmentWire struct {
	ID          FlexID `json:"id"`
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
	Size        int64  `json:"size"`
	URL         string `json:"url"`
}

// ToInfo converts the attachment.
func (w AttachmentWire) ToInfo() AttachmentInfo {
	return AttachmentInfo{
		ID:          w.ID.String(),
		Filename:    w.Filename,
		ContentType: w.ContentType,
		Size:        w.Size,
		URL:         w.URL,
	}
}
