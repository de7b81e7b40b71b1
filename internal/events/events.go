// Package events publishes client-side chat events (sends, deletes, reply
// outcomes, session resolution) for analytics. Publishing is best effort and
// never affects the chat flow.
package events

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/capitalize-ai/persona-chat/internal/model"
)

// Publisher delivers client events.
type Publisher interface {
	Publish(ctx context.Context, event *model.ClientEvent) error
	Close() error
}

// Nop discards every event.
type Nop struct{}

// Publish implements Publisher.
func (Nop) Publish(context.Context, *model.ClientEvent) error { return nil }

// Close implements Publisher.
func (Nop) Close() error { return nil }

// Func adapts a function into a Publisher.
type Func func(ctx context.Context, event *model.ClientEvent) error

// Publish implements Publisher.
func (f Func) Publish(ctx context.Context, event *model.ClientEvent) error { return f(ctx, event) }

// Close implements Publisher.
func (Func) Close() error { return nil }

// OrNop returns p, or a Nop publisher when p is nil.
func OrNop(p Publisher) Publisher {
	if p == nil {
		return Nop{}
	}
	return p
}

// New builds an event with a fresh time-ordered id.
func New(typ model.EventType, personaID, conversationID string) *model.ClientEvent {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	return &model.ClientEvent{
		ID:             id.String(),
		Type:           typ,
		PersonaID:      personaID,
		ConversationID: conversationID,
		CreatedAt:      time.Now().UTC(),
	}
}
