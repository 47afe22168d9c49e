package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"clipwatch/internal/auth"
	"clipwatch/internal/config"
)

func protected(t *testing.T, enabled bool) (http.Handler, *auth.Authenticator) {
	t.Helper()
	a, err := auth.NewAuthenticator(config.AuthConfig{
		Enabled:   enabled,
		Password:  "pw",
		JWTSecret: "s",
		JWTExpiry: time.Hour,
	})
	require.NoError(t, err)

	h := AuthMiddleware(a)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if c := GetUserFromContext(r.Context()); c != nil {
			w.Write([]byte(c.Username))
		}
	}))
	return h, a
}

func TestAuthMiddleware(t *testing.T) {
	h, a := protected(t, true)
	token, _, err := a.Authenticate("admin", "pw")
	require.NoError(t, err)

	tests := []struct {
		name   string
		header string
		query  string
		code   int
	}{
		{"missing", "", "", http.StatusUnauthorized},
		{"bad format", "Token " + token, "", http.StatusUnauthorized},
		{"bad token", "Bearer nope", "", http.StatusUnauthorized},
		{"header", "Bearer " + token, "", http.StatusOK},
		{"query", "", "?token=" + token, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/metrics"+tt.query, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			assert.Equal(t, tt.code, rec.Code)
			if tt.code == http.StatusOK {
				assert.Equal(t, "admin", rec.Body.String())
			}
		})
	}
}

func TestAuthMiddlewareDisabled(t *testing.T) {
	h, _ := protected(t, false)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Body.String())
}
