package circuitbreaker

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const hook = "https://hooks.example.test/wager"

// fakeClock lets tests step past the cool-down without sleeping.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestBreaker(threshold int) (*Breaker, *fakeClock) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	b := New(threshold, time.Minute)
	b.now = clock.Now
	return b, clock
}

func TestBreaker_ClosedAllows(t *testing.T) {
	b, _ := newTestBreaker(3)
	assert.True(t, b.Allow(hook))
	assert.Equal(t, StateClosed, b.State(hook))
}

func TestBreaker_OpensAtThreshold(t *testing.T) {
	b, _ := newTestBreaker(3)

	b.RecordFailure(hook)
	b.RecordFailure(hook)
	assert.True(t, b.Allow(hook), "below threshold")

	b.RecordFailure(hook)
	assert.False(t, b.Allow(hook))
	assert.Equal(t, StateOpen, b.State(hook))
}

func TestBreaker_HalfOpenAdmitsSingleProbe(t *testing.T) {
	b, clock := newTestBreaker(2)
	b.RecordFailure(hook)
	b.RecordFailure(hook)

	clock.Advance(59 * time.Second)
	assert.False(t, b.Allow(hook), "still cooling down")

	clock.Advance(2 * time.Second)
	assert.True(t, b.Allow(hook), "probe")
	assert.Equal(t, StateHalfOpen, b.State(hook))
	assert.False(t, b.Allow(hook), "second call while probing")
}

func TestBreaker_ProbeOutcome(t *testing.T) {
	t.Run("success closes", func(t *testing.T) {
		b, clock := newTestBreaker(1)
		b.RecordFailure(hook)
		clock.Advance(time.Minute)
		require.True(t, b.Allow(hook))

		b.RecordSuccess(hook)
		assert.Equal(t, StateClosed, b.State(hook))
		assert.True(t, b.Allow(hook))
	})

	t.Run("failure reopens", func(t *testing.T) {
		b, clock := newTestBreaker(1)
		b.RecordFailure(hook)
		clock.Advance(time.Minute)
		require.True(t, b.Allow(hook))

		b.RecordFailure(hook)
		assert.Equal(t, StateOpen, b.State(hook))
		assert.False(t, b.Allow(hook))
	})
}

func TestBreaker_SuccessResetsFailureRun(t *testing.T) {
	b, _ := newTestBreaker(3)
	b.RecordFailure(hook)
	b.RecordFailure(hook)
	b.RecordSuccess(hook)
	b.RecordFailure(hook)
	b.RecordFailure(hook)
	assert.Equal(t, StateClosed, b.State(hook))
}

func TestBreaker_TargetsAreIndependent(t *testing.T) {
	b, _ := newTestBreaker(1)
	b.RecordFailure(hook)
	assert.False(t, b.Allow(hook))
	assert.True(t, b.Allow("https://other.example.test"))
}

func TestBreaker_Do(t *testing.T) {
	b, _ := newTestBreaker(1)
	boom := errors.New("boom")

	assert.NoError(t, b.Do(hook, func() error { return nil }))
	assert.ErrorIs(t, b.Do(hook, func() error { return boom }), boom)

	called := false
	err := b.Do(hook, func() error { called = true; return nil })
	assert.ErrorIs(t, err, ErrOpen)
	assert.False(t, called)
}

func TestBreaker_ConcurrentUse(t *testing.T) {
	b := New(1000, time.Minute)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%2 == 0 {
				b.RecordFailure(hook)
			} else {
				b.RecordSuccess(hook)
			}
			b.Allow(hook)
		}(i)
	}
	wg.Wait()
	assert.Equal(t, StateClosed, b.State(hook))
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "open", StateOpen.String())
	assert.Equal(t, "half_open", StateHalfOpen.String())
	assert.Equal(t, "unknown", State(9).String())
}
