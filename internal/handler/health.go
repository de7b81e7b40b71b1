package handler

import (
	"net/http"

	"github.com/capitalize-ai/persona-chat/internal/service"
)

// HealthHandler handles health check endpoints.
type HealthHandler struct {
	messages *service.MessageService
}

// NewHealthHandler creates a new health handler.
func NewHealthHandler(messages *service.MessageService) *HealthHandler {
	return &HealthHandler{messages: messages}
}

// Health handles GET /health
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "healthy",
	})
}

// Ready handles GET /ready
func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ready",
		"replier": h.messages.Provider(),
	})
}
