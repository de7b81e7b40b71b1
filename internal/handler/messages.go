package handler

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/capitalize-ai/persona-chat/internal/middleware"
	"github.com/capitalize-ai/persona-chat/internal/model"
	"github.com/capitalize-ai/persona-chat/internal/service"
	"github.com/capitalize-ai/persona-chat/pkg/logger"
)

// maxUploadMemory bounds the multipart form held in memory.
const maxUploadMemory = 32 << 20

// MessageHandler handles message endpoints under a loaded conversation.
type MessageHandler struct {
	messages *service.MessageService
	logger   *logger.Logger
}

// NewMessageHandler creates a new message handler.
func NewMessageHandler(messages *service.MessageService, log *logger.Logger) *MessageHandler {
	return &MessageHandler{messages: messages, logger: log}
}

func pageWire(p model.MessagePage) model.MessagePageWire {
	out := model.MessagePageWire{
		Items:          make([]model.MessageWire, 0, len(p.Items)),
		HasNext:        p.Cursor.HasNext,
		HasPrevious:    p.Cursor.HasPrevious,
		NextCursor:     model.FlexID(p.Cursor.NextCursor),
		PreviousCursor: model.FlexID(p.Cursor.PreviousCursor),
	}
	for _, m := range p.Items {
		out.Items = append(out.Items, model.NewMessageWire(m))
	}
	return out
}

// Recent handles GET /conversations/{conversationID}/messages/recent?limit=
func (h *MessageHandler) Recent(w http.ResponseWriter, r *http.Request) {
	var errs []middleware.FieldError
	limit := intQuery(r, "limit", 20, &errs)
	if len(errs) > 0 {
		middleware.WriteValidation(w, errs)
		return
	}
	conv := conversationFrom(r.Context())
	writeJSON(w, http.StatusOK, pageWire(h.messages.Recent(conv.ID, limit)))
}

// Older handles GET /conversations/{conversationID}/messages/older?before_message_id=&limit=
func (h *MessageHandler) Older(w http.ResponseWriter, r *http.Request) {
	var errs []middleware.FieldError
	limit := intQuery(r, "limit", 20, &errs)
	before := r.URL.Query().Get("before_message_id")
	if before == "" {
		errs = append(errs, middleware.QueryField("before_message_id", "field required", "value_error.missing"))
	} else {
		errs = append(errs, middleware.ValidateMessageID([]any{"query", "before_message_id"}, before)...)
	}
	if len(errs) > 0 {
		middleware.WriteValidation(w, errs)
		return
	}

	page, err := h.messages.Older(conversationFrom(r.Context()).ID, before, limit)
	if err != nil {
		writeServiceError(w, err, "Message")
		return
	}
	writeJSON(w, http.StatusOK, pageWire(page))
}

// Send handles POST /conversations/{conversationID}/messages (multipart).
func (h *MessageHandler) Send(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxUploadMemory); err != nil {
		if !errors.Is(err, http.ErrNotMultipart) || r.ParseForm() != nil {
			middleware.WriteDetail(w, http.StatusBadRequest, "Invalid form body")
			return
		}
	}

	content := strings.TrimSpace(r.FormValue("content"))
	fromUser := true
	if raw := r.FormValue("is_from_user"); raw != "" {
		fromUser, _ = strconv.ParseBool(raw)
	}

	var uploads []service.Upload
	if r.MultipartForm != nil {
		for _, fh := range r.MultipartForm.File["files"] {
			ct := fh.Header.Get("Content-Type")
			if ct == "" {
				ct = "application/octet-stream"
			}
			uploads = append(uploads, service.Upload{Filename: fh.Filename, ContentType: ct, Size: fh.Size})
		}
	}

	if errs := middleware.ValidateMessageContent(content, len(uploads) > 0); len(errs) > 0 {
		middleware.WriteValidation(w, errs)
		return
	}

	conv := conversationFrom(r.Context())
	msg := h.messages.Create(conv.ID, content, model.ParseMessageType(r.FormValue("message_type")), fromUser, uploads)
	h.logger.Debug("message stored",
		zap.String("conversation_id", conv.ID),
		zap.String("message_id", msg.ID),
		zap.Int("files", len(uploads)),
	)
	writeJSON(w, http.StatusCreated, model.NewMessageWire(msg))
}

// Delete handles DELETE /conversations/{conversationID}/messages/{messageID}
func (h *MessageHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "messageID")
	if errs := middleware.ValidateMessageID([]any{"path", "message_id"}, id); len(errs) > 0 {
		middleware.WriteValidation(w, errs)
		return
	}
	if err := h.messages.Delete(conversationFrom(r.Context()).ID, id); err != nil {
		writeServiceError(w, err, "Message")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Search handles GET /conversations/{conversationID}/messages/search?q=&page=&limit=
func (h *MessageHandler) Search(w http.ResponseWriter, r *http.Request) {
	var errs []middleware.FieldError
	page := intQuery(r, "page", 1, &errs)
	limit := intQuery(r, "limit", 20, &errs)
	q := strings.TrimSpace(r.URL.Query().Get("q"))
	if q == "" {
		errs = append(errs, middleware.QueryField("q", "field required", "value_error.missing"))
	}
	if len(errs) > 0 {
		middleware.WriteValidation(w, errs)
		return
	}

	res := h.messages.Search(conversationFrom(r.Context()).ID, q, page, limit)
	hasMore := res.HasMore
	out := model.SearchPageWire{
		Items:   make([]model.MessageWire, 0, len(res.Items)),
		Total:   res.Total,
		Page:    res.Page,
		Limit:   res.Limit,
		HasMore: &hasMore,
	}
	for _, m := range res.Items {
		out.Items = append(out.Items, model.NewMessageWire(m))
	}
	writeJSON(w, http.StatusOK, out)
}

// Count handles GET /conversations/{conversationID}/messages/count
func (h *MessageHandler) Count(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, model.CountWire{TotalMessages: h.messages.Count(conversationFrom(r.Context()).ID)})
}

// Attachments handles GET /conversations/{conversationID}/messages/{messageID}/attachments
func (h *MessageHandler) Attachments(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "messageID")
	if errs := middleware.ValidateMessageID([]any{"path", "message_id"}, id); len(errs) > 0 {
		middleware.WriteValidation(w, errs)
		return
	}
	infos, err := h.messages.Attachments(conversationFrom(r.Context()).ID, id)
	if err != nil {
		writeServiceError(w, err, "Message")
		return
	}
	out := make([]model.AttachmentWire, 0, len(infos))
	for _, a := range infos {
		out = append(out, model.AttachmentWire{
			ID:          model.FlexID(a.ID),
			Filename:    a.Filename,
			ContentType: a.ContentType,
			Size:        a.Size,
			URL:         a.URL,
		})
	}
	writeJSON(w, http.StatusOK, out)
}
