// Package pagination provides keyset cursors for newest-first listings and
// the limit parsing shared by list endpoints.
package pagination

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ErrInvalidCursor is returned for a cursor this package did not produce.
var ErrInvalidCursor = errors.New("invalid cursor")

// Cursor is the (created_at, id) key of the last row of the previous page.
// Rows strictly before it in newest-first order make up the next page.
type Cursor struct {
	CreatedAt time.Time
	ID        string
}

// Encode returns an opaque cursor string from a timestamp and ID.
func Encode(createdAt time.Time, id string) string {
	raw := fmt.Sprintf("%d|%s", createdAt.UnixNano(), id)
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// Decode parses an opaque cursor string. Returns nil for empty input.
func Decode(s string) (*Cursor, error) {
	if s == "" {
		return nil, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, ErrInvalidCursor
	}
	nanos, id, ok := strings.Cut(string(raw), "|")
	if !ok || id == "" {
		return nil, ErrInvalidCursor
	}
	n, err := strconv.ParseInt(nanos, 10, 64)
	if err != nil {
		return nil, ErrInvalidCursor
	}
	return &Cursor{CreatedAt: time.Unix(0, n).UTC(), ID: id}, nil
}

// Limit parses a ?limit= value. Missing, malformed or non-positive values
// give def; larger values are capped at max.
func Limit(raw string, def, max int) int {
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return def
	}
	return min(n, max)
}

// ComputePage takes items fetched with limit+1 and trims them to limit.
// It returns the page, the cursor for the next page and whether one exists.
func ComputePage[T any](items []T, limit int, extractKey func(T) (time.Time, string)) ([]T, string, bool) {
	if len(items) <= limit {
		return items, "", false
	}
	items = items[:limit]
	createdAt, id := extractKey(items[len(items)-1])
	return items, Encode(createdAt, id), true
}
