package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/capitalize-ai/persona-chat/internal/middleware"
	"github.com/capitalize-ai/persona-chat/internal/service"
)

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeServiceError maps service errors onto status codes; what names the
// missing thing in the 404 detail.
func writeServiceError(w http.ResponseWriter, err error, what string) {
	switch {
	case errors.Is(err, service.ErrNotFound):
		middleware.WriteDetail(w, http.StatusNotFound, what+" not found")
	case errors.Is(err, service.ErrForbidden):
		middleware.WriteDetail(w, http.StatusForbidden, "Not enough permissions")
	case errors.Is(err, service.ErrConflict):
		middleware.WriteDetail(w, http.StatusConflict, what+" already exists")
	default:
		middleware.WriteDetail(w, http.StatusInternalServerError, "Internal server error")
	}
}

// intQuery parses an optional integer query parameter. Malformed values are
// reported FastAPI-style.
func intQuery(r *http.Request, name string, def int, errs *[]middleware.FieldError) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		*errs = append(*errs, middleware.QueryField(name, "value is not a valid integer", "type_error.integer"))
		return def
	}
	return n
}
