package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/wagerescrow/internal/auth"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLimiter(t *testing.T, rpm, burst int) (*Limiter, *time.Time) {
	t.Helper()
	l := New(Config{RequestsPerMinute: rpm, BurstSize: burst, CleanupInterval: time.Minute})
	t.Cleanup(l.Stop)
	clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return clock }
	return l, &clock
}

func TestAllow_BurstThenRefill(t *testing.T) {
	l, clock := newTestLimiter(t, 60, 5)

	for i := 0; i < 5; i++ {
		assert.True(t, l.Allow("user:alice"), "request %d within burst", i)
	}
	assert.False(t, l.Allow("user:alice"))

	*clock = clock.Add(time.Second)
	assert.True(t, l.Allow("user:alice"), "one token per second at 60/min")
	assert.False(t, l.Allow("user:alice"))
}

func TestAllow_KeysAreIndependent(t *testing.T) {
	l, _ := newTestLimiter(t, 60, 2)
	l.Allow("user:alice")
	l.Allow("user:alice")
	assert.False(t, l.Allow("user:alice"))
	assert.True(t, l.Allow("user:bob"))
}

func TestAllow_RefillCapsAtBurst(t *testing.T) {
	l, clock := newTestLimiter(t, 600, 3)
	l.Allow("k")
	*clock = clock.Add(time.Hour)
	for i := 0; i < 3; i++ {
		require.True(t, l.Allow("k"))
	}
	assert.False(t, l.Allow("k"))
}

func TestNew_FillsDefaults(t *testing.T) {
	l := New(Config{})
	defer l.Stop()
	assert.Equal(t, DefaultConfig(), l.cfg)
	l.Stop()
	l.Stop()
}

func TestMiddleware_KeysByUser(t *testing.T) {
	gin.SetMode(gin.TestMode)
	l, _ := newTestLimiter(t, 60, 1)
	r := gin.New()
	r.Use(auth.Identity(), l.Middleware())
	r.POST("/v1/matches", func(c *gin.Context) { c.Status(http.StatusCreated) })

	do := func(user string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/v1/matches", nil)
		if user != "" {
			req.Header.Set(auth.HeaderUserID, user)
		}
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w
	}

	assert.Equal(t, http.StatusCreated, do("alice").Code)
	w := do("alice")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "1", w.Header().Get("Retry-After"))
	assert.Contains(t, w.Body.String(), "rate_limit_exceeded")

	assert.Equal(t, http.StatusCreated, do("bob").Code)
	assert.Equal(t, http.StatusCreated, do("").Code, "anonymous callers share the IP bucket")
	assert.Equal(t, http.StatusTooManyRequests, do("").Code)
}
