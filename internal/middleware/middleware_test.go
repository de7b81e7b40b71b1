package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/persona-chat/internal/model"
	"github.com/capitalize-ai/persona-chat/pkg/logger"
)

func TestIssuer_IssueVerifyRotate(t *testing.T) {
	iss := NewIssuer("secret", time.Minute, time.Hour)
	user := model.User{ID: "7", Role: "admin"}

	pair, err := iss.Issue(user)
	require.NoError(t, err)

	claims, err := iss.Verify(pair.AccessToken, KindAccess)
	require.NoError(t, err)
	require.Equal(t, "7", claims.Subject)
	require.Equal(t, "admin", claims.Role)

	_, err = iss.Verify(pair.RefreshToken, KindAccess)
	require.ErrorIs(t, err, ErrInvalidToken, "refresh tokens are not access tokens")

	lookup := func(id string) (model.User, error) { return user, nil }
	next, err := iss.Rotate(pair.RefreshToken, lookup)
	require.NoError(t, err)
	require.NotEqual(t, pair.RefreshToken, next.RefreshToken)

	_, err = iss.Rotate(pair.RefreshToken, lookup)
	require.ErrorIs(t, err, ErrRevoked, "refresh tokens are single use")

	iss.Revoke("7")
	_, err = iss.Rotate(next.RefreshToken, lookup)
	require.ErrorIs(t, err, ErrRevoked)
}

func TestIssuer_Expiry(t *testing.T) {
	iss := NewIssuer("secret", time.Minute, time.Hour)
	base := time.Now()
	iss.now = func() time.Time { return base }
	pair, err := iss.Issue(model.User{ID: "1"})
	require.NoError(t, err)

	iss.now = func() time.Time { return base.Add(2 * time.Minute) }
	_, err = iss.Verify(pair.AccessToken, KindAccess)
	require.ErrorIs(t, err, ErrInvalidToken)

	other := NewIssuer("other", time.Minute, time.Hour)
	_, err = other.Verify(pair.RefreshToken, KindRefresh)
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestAuth(t *testing.T) {
	iss := NewIssuer("secret", time.Minute, time.Hour)
	pair, err := iss.Issue(model.User{ID: "3", Role: "user"})
	require.NoError(t, err)

	var gotUser string
	var admin bool
	h := Auth(iss)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUser = GetUserID(r.Context())
		admin = IsAdmin(r.Context())
	}))

	tests := []struct {
		name   string
		header string
		status int
	}{
		{"missing", "", http.StatusUnauthorized},
		{"malformed", "Token abc", http.StatusUnauthorized},
		{"garbage", "Bearer abc", http.StatusUnauthorized},
		{"refresh token", "Bearer " + pair.RefreshToken, http.StatusUnauthorized},
		{"valid", "Bearer " + pair.AccessToken, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			require.Equal(t, tt.status, rec.Code)
			if tt.status == http.StatusUnauthorized {
				var body map[string]string
				require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
				require.NotEmpty(t, body["detail"])
			}
		})
	}
	require.Equal(t, "3", gotUser)
	require.False(t, admin)
}

func TestRequireAdmin(t *testing.T) {
	h := RequireAdmin(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/", nil))
	require.Equal(t, http.StatusForbidden, rec.Code)
}

func TestLogging_CorrelationID(t *testing.T) {
	var seen string
	h := Logging(logger.Nop())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetCorrelationID(r.Context())
		w.WriteHeader(http.StatusTeapot)
	}))

	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set(CorrelationIDHeader, "abc")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, "abc", seen)
	require.Equal(t, "abc", rec.Header().Get(CorrelationIDHeader))
	require.Equal(t, http.StatusTeapot, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/x", nil))
	require.NotEmpty(t, rec.Header().Get(CorrelationIDHeader))
}

func TestValidateMessageContent(t *testing.T) {
	require.Len(t, ValidateMessageContent("", false), 1)
	require.Empty(t, ValidateMessageContent("", true))
	require.Empty(t, ValidateMessageContent("hi", false))
	require.Len(t, ValidateMessageContent(string([]byte{0xff}), false), 1)

	errs := ValidateMessageContent("", false)
	require.Equal(t, []any{"body", "content"}, errs[0].Loc)
}

func TestWriteValidation(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteValidation(rec, []FieldError{BodyField("content", "field required", "value_error.missing")})
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	require.JSONEq(t, `{"detail":[{"loc":["body","content"],"msg":"field required","type":"value_error.missing"}]}`, rec.Body.String())
}

func TestRateLimit(t *testing.T) {
	h := RateLimit(1, time.Minute)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
}
