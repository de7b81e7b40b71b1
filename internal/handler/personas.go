package handler

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/capitalize-ai/persona-chat/internal/middleware"
	"github.com/capitalize-ai/persona-chat/internal/model"
	"github.com/capitalize-ai/persona-chat/internal/service"
)

// PersonaHandler handles persona endpoints.
type PersonaHandler struct {
	directory *service.Directory
}

// NewPersonaHandler creates a new persona handler.
func NewPersonaHandler(directory *service.Directory) *PersonaHandler {
	return &PersonaHandler{directory: directory}
}

func personaWire(p model.Persona) model.PersonaWire {
	return model.PersonaWire{
		ID:          model.FlexID(p.ID),
		Name:        p.Name,
		Description: p.Description,
		IsActive:    p.IsActive,
		IsPublic:    p.IsPublic,
	}
}

// List handles GET /personas?is_attached=&search=&page=&limit=
func (h *PersonaHandler) List(w http.ResponseWriter, r *http.Request) {
	var errs []middleware.FieldError
	page := intQuery(r, "page", 1, &errs)
	limit := intQuery(r, "limit", 20, &errs)
	attached := false
	if raw := r.URL.Query().Get("is_attached"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			errs = append(errs, middleware.QueryField("is_attached", "value could not be parsed to a boolean", "type_error.bool"))
		}
		attached = v
	}
	if len(errs) > 0 {
		middleware.WriteValidation(w, errs)
		return
	}

	res := h.directory.Personas(service.PersonaQuery{
		UserID:       middleware.GetUserID(r.Context()),
		AttachedOnly: attached,
		Search:       r.URL.Query().Get("search"),
		Page:         page,
		Limit:        limit,
	})
	out := model.PersonaPageWire{Items: make([]model.PersonaWire, 0, len(res.Items)), Total: res.Total, Page: res.Page, Limit: res.Limit}
	for _, p := range res.Items {
		out.Items = append(out.Items, personaWire(p))
	}
	writeJSON(w, http.StatusOK, out)
}

// Get handles GET /personas/{personaID}
func (h *PersonaHandler) Get(w http.ResponseWriter, r *http.Request) {
	p, err := h.directory.Persona(chi.URLParam(r, "personaID"))
	if err != nil {
		writeServiceError(w, err, "Persona")
		return
	}
	writeJSON(w, http.StatusOK, personaWire(p))
}
