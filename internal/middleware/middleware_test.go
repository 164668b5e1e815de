package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func viewerEcho() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(ViewerIDFromContext(r.Context())))
	})
}

func TestAuthenticatorRoundTrip(t *testing.T) {
	auth, err := NewAuthenticator("test-secret", nil)
	require.NoError(t, err)

	token, err := auth.GenerateToken("carol")
	require.NoError(t, err)
	claims, err := auth.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, "carol", claims.ViewerID)

	other, err := NewAuthenticator("other-secret", nil)
	require.NoError(t, err)
	_, err = other.ValidateToken(token)
	assert.Error(t, err)

	auth.now = func() time.Time { return time.Now().Add(48 * time.Hour) }
	_, err = auth.ValidateToken(token)
	assert.Error(t, err, "expired")

	_, err = NewAuthenticator("", nil)
	assert.Error(t, err)
}

func TestAuthMiddleware(t *testing.T) {
	auth, err := NewAuthenticator("test-secret", nil)
	require.NoError(t, err)
	token, err := auth.GenerateToken("carol")
	require.NoError(t, err)
	handler := auth.Middleware(viewerEcho())

	tests := []struct {
		name   string
		header string
		status int
		viewer string
	}{
		{"anonymous", "", http.StatusOK, ""},
		{"valid", "Bearer " + token, http.StatusOK, "carol"},
		{"wrong scheme", "Basic " + token, http.StatusUnauthorized, ""},
		{"garbage", "Bearer nonsense", http.StatusUnauthorized, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/threads/t1", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			assert.Equal(t, tt.status, rec.Code)
			if tt.status == http.StatusOK {
				assert.Equal(t, tt.viewer, rec.Body.String())
			}
		})
	}
}

func TestCORSMiddleware(t *testing.T) {
	handler := CORSMiddleware(DefaultCORSConfig([]string{"https://app.example"}))(viewerEcho())

	req := httptest.NewRequest(http.MethodOptions, "/threads/t1", nil)
	req.Header.Set("Origin", "https://app.example")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "https://app.example", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "true", rec.Header().Get("Access-Control-Allow-Credentials"))

	req = httptest.NewRequest(http.MethodGet, "/threads/t1", nil)
	req.Header.Set("Origin", "https://evil.example")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}
