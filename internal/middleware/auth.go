// Package middleware provides HTTP middleware for the development backend.
package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/capitalize-ai/persona-chat/internal/model"
)

// ContextKey is a type for context keys.
type ContextKey string

const (
	// UserIDKey is the context key for user ID.
	UserIDKey ContextKey = "user_id"
	// RoleKey is the context key for the user's role.
	RoleKey ContextKey = "role"
)

// Token kinds carried in the "kind" claim.
const (
	KindAccess  = "access"
	KindRefresh = "refresh"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrRevoked      = errors.New("token revoked")
)

// Claims represents JWT claims.
type Claims struct {
	jwt.RegisteredClaims
	Role string `json:"role"`
	Kind string `json:"kind"`
}

// TokenPair is what login and refresh hand out.
type TokenPair struct {
	AccessToken  string
	RefreshToken string
}

// Issuer signs and verifies HS256 tokens. Refresh tokens are single use:
// each refresh rotates the token and logout revokes all of a user's.
type Issuer struct {
	secret     []byte
	accessTTL  time.Duration
	refreshTTL time.Duration
	now        func() time.Time

	mu      sync.Mutex
	refresh map[string]map[string]struct{} // user id -> live refresh jti
}

// NewIssuer creates a token issuer.
func NewIssuer(secret string, accessTTL, refreshTTL time.Duration) *Issuer {
	return &Issuer{
		secret:     []byte(secret),
		accessTTL:  accessTTL,
		refreshTTL: refreshTTL,
		now:        time.Now,
		refresh:    make(map[string]map[string]struct{}),
	}
}

func (i *Issuer) sign(user model.User, kind string, ttl time.Duration) (string, string, error) {
	now := i.now()
	jti := uuid.Must(uuid.NewV7()).String()
	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user.ID,
			ID:        jti,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Role: user.Role,
		Kind: kind,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	return signed, jti, err
}

// Issue creates a new access and refresh token for user.
func (i *Issuer) Issue(user model.User) (TokenPair, error) {
	access, _, err := i.sign(user, KindAccess, i.accessTTL)
	if err != nil {
		return TokenPair{}, err
	}
	refresh, jti, err := i.sign(user, KindRefresh, i.refreshTTL)
	if err != nil {
		return TokenPair{}, err
	}

	i.mu.Lock()
	set := i.refresh[user.ID]
	if set == nil {
		set = make(map[string]struct{})
		i.refresh[user.ID] = set
	}
	set[jti] = struct{}{}
	i.mu.Unlock()

	return TokenPair{AccessToken: access, RefreshToken: refresh}, nil
}

// Verify parses a token of the given kind.
func (i *Issuer) Verify(tokenString, kind string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return i.secret, nil
	}, jwt.WithTimeFunc(i.now))
	if err != nil || !token.Valid || claims.Kind != kind || claims.Subject == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// Rotate exchanges a live refresh token for a new pair. The old refresh token
// stops working.
func (i *Issuer) Rotate(refreshToken string, user func(id string) (model.User, error)) (TokenPair, error) {
	claims, err := i.Verify(refreshToken, KindRefresh)
	if err != nil {
		return TokenPair{}, err
	}

	i.mu.Lock()
	set := i.refresh[claims.Subject]
	_, live := set[claims.ID]
	delete(set, claims.ID)
	i.mu.Unlock()
	if !live {
		return TokenPair{}, ErrRevoked
	}

	u, err := user(claims.Subject)
	if err != nil {
		return TokenPair{}, ErrInvalidToken
	}
	return i.Issue(u)
}

// Revoke invalidates every refresh token of userID.
func (i *Issuer) Revoke(userID string) {
	i.mu.Lock()
	delete(i.refresh, userID)
	i.mu.Unlock()
}

// Auth creates JWT authentication middleware. Failures answer 401 in the
// backend's {"detail": ...} shape.
func Auth(issuer *Issuer) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				WriteDetail(w, http.StatusUnauthorized, "Not authenticated")
				return
			}

			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
				WriteDetail(w, http.StatusUnauthorized, "Invalid authorization header format")
				return
			}

			claims, err := issuer.Verify(parts[1], KindAccess)
			if err != nil {
				WriteDetail(w, http.StatusUnauthorized, "Could not validate credentials")
				return
			}

			ctx := context.WithValue(r.Context(), UserIDKey, claims.Subject)
			ctx = context.WithValue(ctx, RoleKey, claims.Role)
			if info, ok := ctx.Value(requestInfoKey).(*requestInfo); ok {
				info.userID = claims.Subject
			}

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetUserID gets user ID from context.
func GetUserID(ctx context.Context) string {
	if v, ok := ctx.Value(UserIDKey).(string); ok {
		return v
	}
	return ""
}

// GetRole gets the user's role from context.
func GetRole(ctx context.Context) string {
	if v, ok := ctx.Value(RoleKey).(string); ok {
		return v
	}
	return ""
}

// IsAdmin reports whether the authenticated user is an admin.
func IsAdmin(ctx context.Context) bool {
	return GetRole(ctx) == "admin"
}

// RequireAdmin rejects non-admin users with 403.
func RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !IsAdmin(r.Context()) {
			WriteDetail(w, http.StatusForbidden, "Not enough permissions")
			return
		}
		next.ServeHTTP(w, r)
	})
}
