// Package handler provides the development backend's HTTP API.
package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/capitalize-ai/persona-chat/internal/middleware"
	"github.com/capitalize-ai/persona-chat/internal/model"
	"github.com/capitalize-ai/persona-chat/internal/service"
	"github.com/capitalize-ai/persona-chat/pkg/logger"
)

// AuthHandler handles login, refresh, logout and the current user.
type AuthHandler struct {
	directory *service.Directory
	issuer    *middleware.Issuer
	logger    *logger.Logger
}

// NewAuthHandler creates a new auth handler.
func NewAuthHandler(directory *service.Directory, issuer *middleware.Issuer, log *logger.Logger) *AuthHandler {
	return &AuthHandler{directory: directory, issuer: issuer, logger: log}
}

func tokenResponse(pair middleware.TokenPair) model.TokenWire {
	return model.TokenWire{AccessToken: pair.AccessToken, RefreshToken: pair.RefreshToken, TokenType: "bearer"}
}

// Login handles POST /auth/login (OAuth2 password form).
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		middleware.WriteDetail(w, http.StatusBadRequest, "Invalid form body")
		return
	}
	username := strings.TrimSpace(r.PostForm.Get("username"))
	password := r.PostForm.Get("password")

	var errs []middleware.FieldError
	if username == "" {
		errs = append(errs, middleware.BodyField("username", "field required", "value_error.missing"))
	}
	if password == "" {
		errs = append(errs, middleware.BodyField("password", "field required", "value_error.missing"))
	}
	if len(errs) > 0 {
		middleware.WriteValidation(w, errs)
		return
	}

	user, err := h.directory.Authenticate(username, password)
	if err != nil {
		middleware.WriteDetail(w, http.StatusUnauthorized, "Incorrect username or password")
		return
	}
	pair, err := h.issuer.Issue(user)
	if err != nil {
		h.logger.Error("failed to issue tokens", zap.Error(err))
		middleware.WriteDetail(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	h.logger.Info("user logged in", zap.String("user_id", user.ID))
	writeJSON(w, http.StatusOK, tokenResponse(pair))
}

// Refresh handles POST /auth/refresh.
func (h *AuthHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RefreshToken string `json:"refresh_token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.RefreshToken == "" {
		middleware.WriteValidation(w, []middleware.FieldError{
			middleware.BodyField("refresh_token", "field required", "value_error.missing"),
		})
		return
	}

	pair, err := h.issuer.Rotate(req.RefreshToken, h.directory.User)
	if err != nil {
		if !errors.Is(err, middleware.ErrInvalidToken) && !errors.Is(err, middleware.ErrRevoked) {
			h.logger.Error("failed to refresh tokens", zap.Error(err))
		}
		middleware.WriteDetail(w, http.StatusUnauthorized, "Invalid refresh token")
		return
	}
	writeJSON(w, http.StatusOK, tokenResponse(pair))
}

// Me handles GET /auth/me.
func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	user, err := h.directory.User(middleware.GetUserID(r.Context()))
	if err != nil {
		writeServiceError(w, err, "User")
		return
	}
	writeJSON(w, http.StatusOK, model.UserWire{
		ID:       model.FlexID(user.ID),
		Username: user.Username,
		Email:    user.Email,
		FullName: user.FullName,
		Role:     user.Role,
	})
}

// Logout handles POST /auth/logout. Refresh tokens stop working; the access
// token lives until it expires.
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	h.issuer.Revoke(userID)
	h.logger.Info("user logged out", zap.String("user_id", userID))
	writeJSON(w, http.StatusOK, map[string]string{"detail": "Logged out"})
}
