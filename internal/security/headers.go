// Package security provides response hardening middleware and the outbound
// URL check applied to the notification webhook.
package security

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/wagerescrow/internal/auth"
)

// HeadersMiddleware adds security headers to all responses. The service only
// serves JSON and a websocket, so the content policy forbids everything else.
func HeadersMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("Referrer-Policy", "no-referrer")
		c.Header("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
		c.Header("Cache-Control", "no-store")
		c.Next()
	}
}

var allowedHeaders = strings.Join([]string{
	"Content-Type",
	"X-Request-ID",
	auth.HeaderUserID,
	auth.HeaderAdminID,
	auth.HeaderAdminSecret,
}, ", ")

// CORSMiddleware answers cross-origin requests from allowedOrigins. An empty
// list allows no origin; "*" allows any origin without credentials.
func CORSMiddleware(allowedOrigins []string) gin.HandlerFunc {
	origins := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		origins[strings.TrimSpace(o)] = true
	}

	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if origin != "" && (origins[origin] || origins["*"]) {
			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Vary", "Origin")
			c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			c.Header("Access-Control-Allow-Headers", allowedHeaders)
			c.Header("Access-Control-Max-Age", "86400")
			// wildcard plus credentials is rejected by browsers
			if !origins["*"] {
				c.Header("Access-Control-Allow-Credentials", "true")
			}
		}

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
