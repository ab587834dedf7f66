// Package ratelimit throttles mutating API calls per player so one client
// cannot flood the match and wallet endpoints.
package ratelimit

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/wagerescrow/internal/auth"
	"github.com/prometheus/client_golang/prometheus"
)

var rejectedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "wagerescrow",
	Subsystem: "ratelimit",
	Name:      "rejected_total",
	Help:      "Requests rejected by the rate limiter, by key kind.",
}, []string{"kind"})

func init() {
	prometheus.MustRegister(rejectedTotal)
}

// Config configures rate limiting
type Config struct {
	// RequestsPerMinute is the sustained rate per key.
	RequestsPerMinute int
	// BurstSize allows brief bursts above the limit
	BurstSize int
	// CleanupInterval is how often idle keys are forgotten.
	CleanupInterval time.Duration
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		RequestsPerMinute: 120,
		BurstSize:         20,
		CleanupInterval:   time.Minute,
	}
}

// Limiter is a token bucket per key.
type Limiter struct {
	cfg     Config
	mu      sync.Mutex
	clients map[string]*clientState
	stop    chan struct{}
	once    sync.Once
	now     func() time.Time
}

type clientState struct {
	tokens    float64
	lastCheck time.Time
}

// New creates a limiter and starts its cleanup loop. Call Stop when done.
func New(cfg Config) *Limiter {
	if cfg.RequestsPerMinute <= 0 {
		cfg.RequestsPerMinute = DefaultConfig().RequestsPerMinute
	}
	if cfg.BurstSize <= 0 {
		cfg.BurstSize = DefaultConfig().BurstSize
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = time.Minute
	}
	l := &Limiter{
		cfg:     cfg,
		clients: make(map[string]*clientState),
		stop:    make(chan struct{}),
		now:     time.Now,
	}
	go l.cleanup()
	return l
}

func (l *Limiter) cleanup() {
	ticker := time.NewTicker(l.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.mu.Lock()
			cutoff := l.now().Add(-2 * l.cfg.CleanupInterval)
			for key, state := range l.clients {
				if state.lastCheck.Before(cutoff) {
					delete(l.clients, key)
				}
			}
			l.mu.Unlock()
		case <-l.stop:
			return
		}
	}
}

// Stop ends the cleanup loop. Safe to call more than once.
func (l *Limiter) Stop() {
	l.once.Do(func() { close(l.stop) })
}

// Allow takes one token from key's bucket.
func (l *Limiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	state, exists := l.clients[key]
	if !exists {
		l.clients[key] = &clientState{
			tokens:    float64(l.cfg.BurstSize - 1),
			lastCheck: now,
		}
		return true
	}

	elapsed := now.Sub(state.lastCheck).Seconds()
	state.tokens += elapsed * float64(l.cfg.RequestsPerMinute) / 60.0
	if state.tokens > float64(l.cfg.BurstSize) {
		state.tokens = float64(l.cfg.BurstSize)
	}
	state.lastCheck = now

	if state.tokens >= 1 {
		state.tokens--
		return true
	}
	return false
}

// Middleware limits by forwarded user id, falling back to the client IP
// for anonymous callers. Run it after auth.Identity.
func (l *Limiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		kind, key := "ip", "ip:"+c.ClientIP()
		if user := auth.UserID(c); user != "" {
			kind, key = "user", "user:"+user
		}

		if !l.Allow(key) {
			rejectedTotal.WithLabelValues(kind).Inc()
			retryAfter := max(1, 60/l.cfg.RequestsPerMinute)
			c.Header("Retry-After", strconv.Itoa(retryAfter))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":   "rate_limit_exceeded",
				"message": "Too many requests. Please slow down.",
			})
			return
		}
		c.Next()
	}
}
