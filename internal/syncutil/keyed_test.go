package syncutil

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestKeyedMutex_MutualExclusion(t *testing.T) {
	m := NewKeyedMutex()
	ctx := context.Background()

	var counter int
	var wg sync.WaitGroup
	const n = 100

	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			unlock, err := m.Lock(ctx, "mch_1")
			if err != nil {
				t.Errorf("lock failed: %v", err)
				return
			}
			defer unlock()
			counter++
		}()
	}
	wg.Wait()

	if counter != n {
		t.Fatalf("expected %d, got %d", n, counter)
	}
}

func TestKeyedMutex_ContextCancelled(t *testing.T) {
	m := NewKeyedMutex()
	unlock, err := m.Lock(context.Background(), "mch_1")
	if err != nil {
		t.Fatal(err)
	}
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := m.Lock(ctx, "mch_1"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestKeyedMutex_TryLock(t *testing.T) {
	m := NewKeyedMutex()
	unlock, ok := m.TryLock("mch_2")
	if !ok {
		t.Fatal("expected first TryLock to succeed")
	}
	if _, ok := m.TryLock("mch_2"); ok {
		t.Fatal("expected second TryLock to fail while held")
	}
	unlock()
	if unlock2, ok := m.TryLock("mch_2"); !ok {
		t.Fatal("expected TryLock to succeed after unlock")
	} else {
		unlock2()
	}
}
