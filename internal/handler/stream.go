package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/capitalize-ai/persona-chat/internal/middleware"
	"github.com/capitalize-ai/persona-chat/internal/model"
	"github.com/capitalize-ai/persona-chat/internal/service"
	"github.com/capitalize-ai/persona-chat/pkg/logger"
	"github.com/capitalize-ai/persona-chat/pkg/metrics"
)

// MessageIDHeader announces the stored assistant message id on reply streams.
const MessageIDHeader = "X-Message-ID"

// StreamHandler handles the assistant reply stream.
type StreamHandler struct {
	messages  *service.MessageService
	directory *service.Directory
	logger    *logger.Logger
}

// NewStreamHandler creates a new stream handler.
func NewStreamHandler(messages *service.MessageService, directory *service.Directory, log *logger.Logger) *StreamHandler {
	return &StreamHandler{messages: messages, directory: directory, logger: log}
}

// Reply handles POST /conversations/{conversationID}/reply
//
// The body names the user message to answer. The response is chunked UTF-8
// text with no framing: each write is one increment of the reply, and the
// connection closing ends it.
func (h *StreamHandler) Reply(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	conv := conversationFrom(ctx)

	var req struct {
		MessageID model.FlexID `json:"message_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.MessageID == "" {
		middleware.WriteValidation(w, []middleware.FieldError{
			middleware.BodyField("message_id", "field required", "value_error.missing"),
		})
		return
	}
	if errs := middleware.ValidateMessageID([]any{"body", "message_id"}, req.MessageID.String()); len(errs) > 0 {
		middleware.WriteValidation(w, errs)
		return
	}

	persona, err := h.directory.Persona(conv.PersonaID)
	if err != nil {
		writeServiceError(w, err, "Persona")
		return
	}

	rc := http.NewResponseController(w)
	started := false

	metrics.ReplyStreamsActive.Inc()
	defer metrics.ReplyStreamsActive.Dec()

	msg, err := h.messages.Reply(ctx, service.ReplyRequest{
		ConversationID: conv.ID,
		Persona:        persona,
		UserMessageID:  req.MessageID.String(),
		Start: func(id string) error {
			w.Header().Set("Content-Type", "text/plain; charset=utf-8")
			w.Header().Set("Cache-Control", "no-cache")
			w.Header().Set("X-Accel-Buffering", "no")
			w.Header().Set(MessageIDHeader, id)
			w.WriteHeader(http.StatusOK)
			started = true
			return rc.Flush()
		},
		OnToken: func(token string, _ int) error {
			if _, err := w.Write([]byte(token)); err != nil {
				return err
			}
			return rc.Flush()
		},
	})

	switch {
	case err == nil:
		h.logger.Debug("reply streamed",
			zap.String("conversation_id", conv.ID),
			zap.String("message_id", msg.ID),
			zap.Int("bytes", len(msg.Content)),
		)
	case !started:
		writeServiceError(w, err, "Message")
	case errors.Is(err, context.Canceled):
		h.logger.Info("reply client disconnected", zap.String("conversation_id", conv.ID))
	default:
		// Headers are out; dropping the connection is the only way left to
		// tell the client the reply is incomplete.
		h.logger.Error("reply stream failed", zap.String("conversation_id", conv.ID), zap.Error(err))
		panic(http.ErrAbortHandler)
	}
}
