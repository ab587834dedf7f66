// Package validation checks request input before it reaches the services.
package validation

import (
	"net/http"
	"regexp"
	"strings"

	"github.com/gin-gonic/gin"
)

// MaxRequestSize is the maximum request body size (64KB). Evidence payloads
// carry screenshot URLs, not images.
const MaxRequestSize = 64 << 10

// idRegex matches user, match and reference identifiers: letters, digits,
// and _ - . : @, up to 128 characters.
var idRegex = regexp.MustCompile(`^[A-Za-z0-9_\-.:@]{1,128}$`)

// RequestSizeMiddleware limits request body size.
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// IsValidID reports whether s is an acceptable identifier.
func IsValidID(s string) bool {
	return idRegex.MatchString(s)
}

// SanitizeString trims whitespace, strips null bytes and limits length.
func SanitizeString(s string, maxLen int) string {
	s = strings.TrimSpace(s)
	s = strings.ReplaceAll(s, "\x00", "")
	if len(s) > maxLen {
		s = s[:maxLen]
	}
	return s
}

// ValidationError is one failed field check.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "validation failed"
	}
	return e[0].Field + ": " + e[0].Message
}

// Validate runs validators and collects failures.
func Validate(validators ...func() *ValidationError) ValidationErrors {
	var errs ValidationErrors
	for _, v := range validators {
		if err := v(); err != nil {
			errs = append(errs, *err)
		}
	}
	return errs
}

// Required checks that a field is non-empty.
func Required(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if strings.TrimSpace(value) == "" {
			return &ValidationError{Field: field, Message: "is required"}
		}
		return nil
	}
}

// ValidID checks identifier syntax; empty passes (use Required).
func ValidID(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value != "" && !IsValidID(value) {
			return &ValidationError{Field: field, Message: "must be 1-128 characters of [A-Za-z0-9_-.:@]"}
		}
		return nil
	}
}

// MaxLength checks that a field does not exceed max bytes.
func MaxLength(field, value string, max int) func() *ValidationError {
	return func() *ValidationError {
		if len(value) > max {
			return &ValidationError{Field: field, Message: "exceeds maximum length"}
		}
		return nil
	}
}

// PositiveAmount checks a minor-unit amount.
func PositiveAmount(field string, value int64) func() *ValidationError {
	return func() *ValidationError {
		if value <= 0 {
			return &ValidationError{Field: field, Message: "must be greater than zero"}
		}
		return nil
	}
}

// AmountAtMost caps an amount.
func AmountAtMost(field string, value, max int64) func() *ValidationError {
	return func() *ValidationError {
		if value > max {
			return &ValidationError{Field: field, Message: "exceeds maximum allowed"}
		}
		return nil
	}
}

// IntBetween checks lo <= value <= hi.
func IntBetween(field string, value, lo, hi int) func() *ValidationError {
	return func() *ValidationError {
		if value < lo || value > hi {
			return &ValidationError{Field: field, Message: "out of range"}
		}
		return nil
	}
}

// IDParamMiddleware rejects malformed path identifiers early.
func IDParamMiddleware(params ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		for _, p := range params {
			if v := c.Param(p); v != "" && !IsValidID(v) {
				c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
					"error":   "invalid_" + p,
					"message": p + " must be 1-128 characters of [A-Za-z0-9_-.:@]",
				})
				return
			}
		}
		c.Next()
	}
}
