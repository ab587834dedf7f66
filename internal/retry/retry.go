// Package retry runs storage-facing operations with exponential backoff and jitter.
package retry

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"time"
)

// Policy bounds how often and how quickly an operation is retried.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultPolicy is used for settlement and hold writes.
func DefaultPolicy() Policy {
	return Policy{MaxAttempts: 4, BaseDelay: 50 * time.Millisecond, MaxDelay: 2 * time.Second}
}

// PermanentError wraps an error that should not be retried.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so that Do will not retry it.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// OnlyIf wraps err as permanent unless it matches one of the transient sentinels.
func OnlyIf(err error, transient ...error) error {
	if err == nil {
		return nil
	}
	for _, t := range transient {
		if errors.Is(err, t) {
			return err
		}
	}
	return Permanent(err)
}

// Do calls fn until it succeeds, returns a *PermanentError, the attempts run
// out, or ctx is cancelled. The delay doubles after each attempt with +-25%
// jitter, capped at MaxDelay.
func Do(ctx context.Context, p Policy, fn func() error) error {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 1
	}

	var err error
	delay := p.BaseDelay

	for attempt := 0; attempt < p.MaxAttempts; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}

		var pe *PermanentError
		if errors.As(err, &pe) {
			return pe.Err
		}

		if attempt == p.MaxAttempts-1 {
			break
		}

		jitter := delay / 4
		sleep := delay - jitter + time.Duration(cryptoInt64n(int64(2*jitter+1)))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(sleep):
		}

		delay *= 2
		if p.MaxDelay > 0 && delay > p.MaxDelay {
			delay = p.MaxDelay
		}
	}

	return err
}

// cryptoInt64n returns a random int64 in [0, n).
func cryptoInt64n(n int64) int64 {
	if n <= 0 {
		return 0
	}
	var b [8]byte
	_, _ = rand.Read(b[:])
	v := binary.LittleEndian.Uint64(b[:]) >> 1
	return int64(v % uint64(n)) //nolint:gosec // n>0
}
