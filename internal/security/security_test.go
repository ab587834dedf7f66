package security

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func serve(h gin.HandlerFunc, method, origin string) *httptest.ResponseRecorder {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(h)
	r.GET("/v1/matches", func(c *gin.Context) { c.String(http.StatusOK, "ok") })
	req := httptest.NewRequest(method, "/v1/matches", nil)
	if origin != "" {
		req.Header.Set("Origin", origin)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestHeadersMiddleware(t *testing.T) {
	w := serve(HeadersMiddleware(), http.MethodGet, "")
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", w.Header().Get("X-Frame-Options"))
	assert.Equal(t, "no-store", w.Header().Get("Cache-Control"))
	assert.Contains(t, w.Header().Get("Content-Security-Policy"), "default-src 'none'")
}

func TestCORSMiddleware(t *testing.T) {
	tests := []struct {
		name        string
		allowed     []string
		origin      string
		wantOrigin  bool
		credentials bool
	}{
		{"allowed origin", []string{"https://arena.example"}, "https://arena.example", true, true},
		{"wildcard", []string{"*"}, "https://anything.example", true, false},
		{"disallowed origin", []string{"https://arena.example"}, "https://evil.example", false, false},
		{"empty list allows none", nil, "https://arena.example", false, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			w := serve(CORSMiddleware(tc.allowed), http.MethodGet, tc.origin)
			assert.Equal(t, tc.wantOrigin, w.Header().Get("Access-Control-Allow-Origin") != "")
			assert.Equal(t, tc.credentials, w.Header().Get("Access-Control-Allow-Credentials") == "true")
			if tc.wantOrigin {
				assert.Contains(t, w.Header().Get("Access-Control-Allow-Headers"), "X-User-ID")
			}
		})
	}
}

func TestCORSPreflight(t *testing.T) {
	w := serve(CORSMiddleware([]string{"*"}), http.MethodOptions, "https://arena.example")
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.NotEmpty(t, w.Header().Get("Access-Control-Allow-Methods"))
}

func TestValidateWebhookURL(t *testing.T) {
	public := func(string) ([]string, error) { return []string{"93.184.216.34"}, nil }
	internal := func(string) ([]string, error) { return []string{"93.184.216.34", "10.0.0.7"}, nil }
	broken := func(string) ([]string, error) { return nil, errors.New("no such host") }

	assert.NoError(t, ValidateWebhookURL("https://hooks.example.com/wager", false, public))
	assert.NoError(t, ValidateWebhookURL("http://127.0.0.1:9000/hook", true, nil), "development allows loopback")

	assert.ErrorIs(t, ValidateWebhookURL("https://hooks.example.com", false, internal), ErrBlockedEndpoint)
	assert.ErrorIs(t, ValidateWebhookURL("http://127.0.0.1/hook", false, nil), ErrBlockedEndpoint)
	assert.ErrorIs(t, ValidateWebhookURL("http://[::1]/hook", false, nil), ErrBlockedEndpoint)
	assert.ErrorIs(t, ValidateWebhookURL("http://169.254.169.254/latest", false, nil), ErrBlockedEndpoint)
	assert.ErrorIs(t, ValidateWebhookURL("https://LOCALHOST/x", false, public), ErrBlockedEndpoint)

	assert.Error(t, ValidateWebhookURL("ftp://hooks.example.com", false, public))
	assert.Error(t, ValidateWebhookURL("https:///nohost", false, public))
	assert.Error(t, ValidateWebhookURL("https://hooks.example.com", false, broken))
}
