package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewManager_RequiresSecret(t *testing.T) {
	t.Parallel()

	_, err := NewManager("")
	require.ErrorIs(t, err, ErrNoSecret)
}

func TestGenerateAndValidate(t *testing.T) {
	t.Parallel()

	m, err := NewManager("s3cret")
	require.NoError(t, err)

	token, err := m.GenerateToken("alice", time.Hour)
	require.NoError(t, err)

	claims, err := m.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, "alice", claims.Subject)
	assert.Equal(t, issuer, claims.Issuer)
	require.NotNil(t, claims.ExpiresAt)
}

func TestValidateToken_Failures(t *testing.T) {
	t.Parallel()

	m, err := NewManager("s3cret")
	require.NoError(t, err)
	other, err := NewManager("different")
	require.NoError(t, err)

	foreign, err := other.GenerateToken("mallory", 0)
	require.NoError(t, err)
	_, err = m.ValidateToken(foreign)
	require.ErrorIs(t, err, ErrInvalidToken)

	_, err = m.ValidateToken("not-a-jwt")
	require.ErrorIs(t, err, ErrInvalidToken)

	past := time.Now().Add(-2 * time.Hour)
	m.now = func() time.Time { return past }
	expired, err := m.GenerateToken("bob", time.Minute)
	require.NoError(t, err)
	m.now = time.Now
	_, err = m.ValidateToken(expired)
	require.ErrorIs(t, err, ErrTokenExpired)
}

func TestMiddleware(t *testing.T) {
	t.Parallel()

	m, err := NewManager("s3cret")
	require.NoError(t, err)
	token, err := m.GenerateToken("alice", 0)
	require.NoError(t, err)

	e := echo.New()
	e.Use(Middleware(m))
	e.GET("/whoami", func(c echo.Context) error {
		subject, _ := SubjectFromContext(c.Request().Context())
		return c.String(http.StatusOK, subject)
	})

	tests := []struct {
		name   string
		target string
		header string
		status int
		body   string
	}{
		{"missing", "/whoami", "", http.StatusUnauthorized, "missing authorization header"},
		{"wrong scheme", "/whoami", "Basic abc", http.StatusUnauthorized, "invalid authorization header format"},
		{"bad token", "/whoami", "Bearer nope", http.StatusUnauthorized, "invalid token"},
		{"header", "/whoami", "Bearer " + token, http.StatusOK, "alice"},
		{"query", "/whoami?" + QueryParam + "=" + token, "", http.StatusOK, "alice"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			req := httptest.NewRequest(http.MethodGet, tt.target, http.NoBody)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			e.ServeHTTP(rec, req)

			assert.Equal(t, tt.status, rec.Code)
			assert.Contains(t, rec.Body.String(), tt.body)
		})
	}
}
