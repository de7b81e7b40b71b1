// Package api exposes the chat backend's operations as typed calls and
// converts its loose JSON into the model package's strict types.
package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/capitalize-ai/persona-chat/internal/model"
	"github.com/capitalize-ai/persona-chat/internal/transport"
	"github.com/capitalize-ai/persona-chat/pkg/logger"
)

// ReplyMessageIDHeader carries the id of the persisted assistant message on
// reply streams.
const ReplyMessageIDHeader = "X-Message-ID"

// Client is the typed backend client.
type Client struct {
	t      *transport.Client
	logger *logger.Logger
}

// New creates an API client over t.
func New(t *transport.Client, log *logger.Logger) *Client {
	return &Client{t: t, logger: logger.OrGlobal(log)}
}

// Transport returns the underlying transport client.
func (c *Client) Transport() *transport.Client {
	return c.t
}

// Login exchanges credentials for tokens, stores them, and returns the
// authenticated user.
func (c *Client) Login(ctx context.Context, email, password string) (model.User, error) {
	var tw model.TokenWire
	err := c.t.Do(ctx, &transport.Request{
		Method: http.MethodPost,
		Path:   PathLogin,
		Body:   transport.FormBody(url.Values{"username": {email}, "password": {password}}),
		NoAuth: true,
	}, &tw)
	if err != nil {
		return model.User{}, fmt.Errorf("login: %w", err)
	}
	if tw.AccessToken == "" {
		return model.User{}, &transport.Error{Kind: transport.KindAuth, Message: "login returned no access token"}
	}

	if err := c.t.Tokens().SetTokens(transport.Tokens{AccessToken: tw.AccessToken, RefreshToken: tw.RefreshToken}); err != nil {
		return model.User{}, fmt.Errorf("failed to store tokens: %w", err)
	}

	user, err := c.Me(ctx)
	if err != nil {
		return model.User{}, err
	}
	c.logger.Info("logged in", zap.String("user_id", user.ID))
	return user, nil
}

// Logout tells the backend (best effort) and always forgets local tokens.
func (c *Client) Logout(ctx context.Context) error {
	if !c.t.Tokens().Tokens().Empty() {
		err := c.t.Do(ctx, &transport.Request{Method: http.MethodPost, Path: PathLogout}, nil)
		if err != nil && !transport.IsCancelled(err) {
			c.logger.Debug("logout request failed", zap.Error(err))
		}
	}
	return c.t.Tokens().Clear()
}

// Me returns the authenticated user.
func (c *Client) Me(ctx context.Context) (model.User, error) {
	var w model.UserWire
	if err := c.t.Do(ctx, &transport.Request{Method: http.MethodGet, Path: PathMe, Idempotent: true}, &w); err != nil {
		return model.User{}, err
	}
	return w.ToUser(), nil
}

// AssignedPersonas lists the personas attached to the current user.
func (c *Client) AssignedPersonas(ctx context.Context) ([]model.Persona, error) {
	var w model.PersonaPageWire
	err := c.t.Do(ctx, &transport.Request{
		Method:     http.MethodGet,
		Path:       PathPersonas,
		Route:      "personas.assigned",
		Query:      url.Values{"is_attached": {"true"}},
		Idempotent: true,
	}, &w)
	if err != nil {
		return nil, err
	}
	return w.ToPage().Items, nil
}

// Personas browses the persona catalogue.
func (c *Client) Personas(ctx context.Context, page, limit int, search string) (model.PersonaPage, error) {
	q := url.Values{}
	if page > 0 {
		q.Set("page", strconv.Itoa(page))
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if search != "" {
		q.Set("search", search)
	}
	var w model.PersonaPageWire
	err := c.t.Do(ctx, &transport.Request{
		Method:     http.MethodGet,
		Path:       PathPersonas,
		Query:      q,
		Idempotent: true,
	}, &w)
	if err != nil {
		return model.PersonaPage{}, err
	}
	return w.ToPage(), nil
}

// Persona fetches one persona.
func (c *Client) Persona(ctx context.Context, id string) (model.Persona, error) {
	var w model.PersonaWire
	err := c.t.Do(ctx, &transport.Request{
		Method:     http.MethodGet,
		Path:       personaPath(id),
		Route:      "personas.get",
		Idempotent: true,
	}, &w)
	if err != nil {
		return model.Persona{}, err
	}
	return w.ToPersona(), nil
}

// ConversationForPersona fetches the user's conversation with a persona.
func (c *Client) ConversationForPersona(ctx context.Context, personaID string) (model.Conversation, error) {
	var w model.ConversationWire
	err := c.t.Do(ctx, &transport.Request{
		Method:     http.MethodGet,
		Path:       conversationByPersonaPath(personaID),
		Route:      "conversations.by_persona",
		Idempotent: true,
	}, &w)
	if err != nil {
		return model.Conversation{}, err
	}
	return w.ToConversation(), nil
}

// CreateConversation opens a conversation with a persona.
func (c *Client) CreateConversation(ctx context.Context, personaID, title string) (model.Conversation, error) {
	var w model.ConversationWire
	err := c.t.Do(ctx, &transport.Request{
		Method: http.MethodPost,
		Path:   PathConversations,
		Body:   transport.JSONBody(map[string]string{"persona_id": personaID, "title": title}),
	}, &w)
	if err != nil {
		return model.Conversation{}, err
	}
	return w.ToConversation(), nil
}

// EnsureConversation fetches the persona's conversation, creating it when the
// backend has none yet.
func (c *Client) EnsureConversation(ctx context.Context, personaID, title string) (model.Conversation, error) {
	conv, err := c.ConversationForPersona(ctx, personaID)
	if err == nil {
		return conv, nil
	}
	if !errors.Is(err, transport.ErrNotFound) {
		return model.Conversation{}, err
	}
	return c.CreateConversation(ctx, personaID, title)
}

// RecentMessages fetches the newest limit messages.
func (c *Client) RecentMessages(ctx context.Context, convID string, limit int) (model.MessagePage, error) {
	var w model.MessagePageWire
	err := c.t.Do(ctx, &transport.Request{
		Method:     http.MethodGet,
		Path:       recentPath(convID),
		Route:      "messages.recent",
		Query:      url.Values{"limit": {strconv.Itoa(limit)}},
		Idempotent: true,
	}, &w)
	if err != nil {
		return model.MessagePage{}, err
	}
	return w.ToPage(), nil
}

// OlderMessages fetches up to limit messages strictly older than before.
func (c *Client) OlderMessages(ctx context.Context, convID, before string, limit int) (model.MessagePage, error) {
	var w model.MessagePageWire
	err := c.t.Do(ctx, &transport.Request{
		Method: http.MethodGet,
		Path:   olderPath(convID),
		Route:  "messages.older",
		Query: url.Values{
			"before_message_id": {before},
			"limit":             {strconv.Itoa(limit)},
		},
		Idempotent: true,
	}, &w)
	if err != nil {
		return model.MessagePage{}, err
	}
	return w.ToPage(), nil
}

// SendMessage creates a user message. It is never retried.
func (c *Client) SendMessage(ctx context.Context, convID string, req model.SendRequest) (model.Message, error) {
	fields := make([]transport.Field, 0, 3)
	if content := strings.TrimSpace(req.Content); content != "" {
		fields = append(fields, transport.Field{Name: "content", Value: content})
	}
	fields = append(fields,
		transport.Field{Name: "message_type", Value: "TEXT"},
		transport.Field{Name: "is_from_user", Value: "true"},
	)

	var w model.MessageWire
	err := c.t.Do(ctx, &transport.Request{
		Method: http.MethodPost,
		Path:   messagesPath(convID),
		Route:  "messages.create",
		Body:   transport.MultipartBody(fields, req.Files),
	}, &w)
	if err != nil {
		return model.Message{}, err
	}
	return w.ToMessage(), nil
}

// DeleteMessage removes a message on the backend.
func (c *Client) DeleteMessage(ctx context.Context, convID, msgID string) error {
	return c.t.Do(ctx, &transport.Request{
		Method: http.MethodDelete,
		Path:   messagePath(convID, msgID),
		Route:  "messages.delete",
	}, nil)
}

// SearchMessages runs a full-text search within a conversation.
func (c *Client) SearchMessages(ctx context.Context, convID, query string, page, limit int) (model.SearchPage, error) {
	var w model.SearchPageWire
	err := c.t.Do(ctx, &transport.Request{
		Method: http.MethodGet,
		Path:   searchPath(convID),
		Route:  "messages.search",
		Query: url.Values{
			"q":     {query},
			"page":  {strconv.Itoa(page)},
			"limit": {strconv.Itoa(limit)},
		},
		Idempotent: true,
	}, &w)
	if err != nil {
		return model.SearchPage{}, err
	}
	return w.ToPage(), nil
}

// MessageCount returns the number of messages in a conversation.
func (c *Client) MessageCount(ctx context.Context, convID string) (int, error) {
	var w model.CountWire
	err := c.t.Do(ctx, &transport.Request{
		Method:     http.MethodGet,
		Path:       countPath(convID),
		Route:      "messages.count",
		Idempotent: true,
	}, &w)
	if err != nil {
		return 0, err
	}
	return w.TotalMessages, nil
}

// MessageAttachments lists the files stored with a message.
func (c *Client) MessageAttachments(ctx context.Context, convID, msgID string) ([]model.AttachmentInfo, error) {
	var ws []model.AttachmentWire
	err := c.t.Do(ctx, &transport.Request{
		Method:     http.MethodGet,
		Path:       attachmentsPath(convID, msgID),
		Route:      "messages.attachments",
		Idempotent: true,
	}, &ws)
	if err != nil {
		return nil, err
	}
	out := make([]model.AttachmentInfo, 0, len(ws))
	for _, w := range ws {
		out = append(out, w.ToInfo())
	}
	return out, nil
}

// Reply is an open assistant reply stream.
type Reply struct {
	Body io.ReadCloser
	// MessageID is the server id of the assistant message, when announced.
	MessageID string
}

// StreamReply asks the backend to answer the user message msgID and returns
// the raw chunked text body.
func (c *Client) StreamReply(ctx context.Context, convID, msgID string) (*Reply, error) {
	resp, err := c.t.Stream(ctx, &transport.Request{
		Method: http.MethodPost,
		Path:   replyPath(convID),
		Route:  "conversations.reply",
		Body:   transport.JSONBody(map[string]string{"message_id": msgID}),
		Header: http.Header{"Accept": {"text/plain"}},
	})
	if err != nil {
		return nil, err
	}
	return &Reply{Body: resp.Body, MessageID: resp.Header.Get(ReplyMessageIDHeader)}, nil
}
