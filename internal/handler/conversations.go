package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/capitalize-ai/persona-chat/internal/middleware"
	"github.com/capitalize-ai/persona-chat/internal/model"
	"github.com/capitalize-ai/persona-chat/internal/service"
	"github.com/capitalize-ai/persona-chat/pkg/logger"
)

type conversationKey struct{}

// ConversationHandler handles conversation endpoints.
type ConversationHandler struct {
	conversations *service.ConversationService
	directory     *service.Directory
	logger        *logger.Logger
}

// NewConversationHandler creates a new conversation handler.
func NewConversationHandler(conversations *service.ConversationService, directory *service.Directory, log *logger.Logger) *ConversationHandler {
	return &ConversationHandler{conversations: conversations, directory: directory, logger: log}
}

func conversationWire(c model.Conversation) model.ConversationWire {
	return model.ConversationWire{
		ID:        model.FlexID(c.ID),
		PersonaID: model.FlexID(c.PersonaID),
		Title:     c.Title,
		CreatedAt: model.WireTime(c.CreatedAt),
	}
}

// Create handles POST /conversations
func (h *ConversationHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PersonaID model.FlexID `json:"persona_id"`
		Title     string       `json:"title"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		middleware.WriteDetail(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	var errs []middleware.FieldError
	if req.PersonaID == "" {
		errs = append(errs, middleware.BodyField("persona_id", "field required", "value_error.missing"))
	}
	errs = append(errs, middleware.ValidateTitle(req.Title)...)
	if len(errs) > 0 {
		middleware.WriteValidation(w, errs)
		return
	}

	title := strings.TrimSpace(req.Title)
	if title == "" {
		title = "Chat"
	}
	conv, err := h.conversations.Create(middleware.GetUserID(r.Context()), req.PersonaID.String(), title)
	if err != nil {
		writeServiceError(w, err, "Persona")
		return
	}
	writeJSON(w, http.StatusCreated, conversationWire(conv))
}

// ByPersona handles GET /conversations/persona/{personaID}
func (h *ConversationHandler) ByPersona(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	personaID := chi.URLParam(r, "personaID")
	if !h.directory.IsAssigned(userID, personaID) {
		if _, err := h.directory.Persona(personaID); err != nil {
			writeServiceError(w, err, "Persona")
			return
		}
		writeServiceError(w, service.ErrForbidden, "")
		return
	}

	conv, err := h.conversations.ForPersona(userID, personaID)
	if err != nil {
		writeServiceError(w, err, "Conversation")
		return
	}
	writeJSON(w, http.StatusOK, conversationWire(conv))
}

// Load resolves {conversationID} for the routes below it, answering 422 for
// malformed ids and 404 for conversations the user does not own.
func (h *ConversationHandler) Load(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "conversationID")
		if errs := middleware.ValidateConversationID(id); len(errs) > 0 {
			middleware.WriteValidation(w, errs)
			return
		}
		conv, err := h.conversations.Get(middleware.GetUserID(r.Context()), id)
		if err != nil {
			writeServiceError(w, err, "Conversation")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), conversationKey{}, conv)))
	})
}

func conversationFrom(ctx context.Context) model.Conversation {
	conv, _ := ctx.Value(conversationKey{}).(model.Conversation)
	return conv
}
