package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestStatusBucket(t *testing.T) {
	tests := []struct {
		code int
		want string
	}{
		{100, "1xx"},
		{200, "2xx"},
		{201, "2xx"},
		{301, "3xx"},
		{404, "4xx"},
		{409, "4xx"},
		{500, "5xx"},
	}

	for _, tt := range tests {
		if got := statusBucket(tt.code); got != tt.want {
			t.Errorf("statusBucket(%d) = %s, want %s", tt.code, got, tt.want)
		}
	}
}

func TestMiddleware_CountsRequests(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(Middleware())
	r.GET("/v1/matches/:id", func(c *gin.Context) { c.Status(http.StatusNotFound) })

	before := testutil.ToFloat64(HTTPRequestsTotal.WithLabelValues("GET", "/v1/matches/:id", "4xx"))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/matches/mch_1", nil))

	after := testutil.ToFloat64(HTTPRequestsTotal.WithLabelValues("GET", "/v1/matches/:id", "4xx"))
	assert.Equal(t, before+1, after)
}

func TestMetricsEndpoint(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/metrics", Handler())

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	for _, name := range []string{
		"wagerescrow_active_websocket_clients",
		"wagerescrow_goroutines",
	} {
		assert.True(t, strings.Contains(body, name), "expected %s in metrics output", name)
	}
}
