package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// testQueue builds a queue over counting fakes with short timings.
func testQueue(t *testing.T, serialize func() ([]byte, error), write func(ctx context.Context, blob []byte) error) *PersistenceQueue {
	t.Helper()
	q := NewPersistenceQueue("test-session", QueueConfig{
		Debounce:    20 * time.Millisecond,
		RetryBase:   10 * time.Millisecond,
		RetryMax:    40 * time.Millisecond,
		MaxAttempts: 3,
	}, serialize, write, nil)
	t.Cleanup(q.Cleanup)
	return q
}

func TestQueue_DebounceCoalescesRapidSchedules(t *testing.T) {
	var writes atomic.Int64
	var gen atomic.Int64
	q := testQueue(t,
		func() ([]byte, error) {
			// Changing content so the dedup check never skips.
			return []byte{byte(gen.Add(1))}, nil
		},
		func(context.Context, []byte) error {
			writes.Add(1)
			return nil
		},
	)

	for i := 0; i < 5; i++ {
		q.Schedule()
	}
	time.Sleep(100 * time.Millisecond)

	if got := writes.Load(); got != 1 {
		t.Fatalf("writes = %d, want 1 (5 rapid schedules must coalesce)", got)
	}
}

func TestQueue_SkipsIdenticalContent(t *testing.T) {
	var writes atomic.Int64
	q := testQueue(t,
		func() ([]byte, error) { return []byte("same"), nil },
		func(context.Context, []byte) error {
			writes.Add(1)
			return nil
		},
	)

	q.Schedule()
	time.Sleep(60 * time.Millisecond)
	q.Schedule()
	time.Sleep(60 * time.Millisecond)

	if got := writes.Load(); got != 1 {
		t.Fatalf("writes = %d, want 1 (identical blob must be skipped)", got)
	}
}

func TestQueue_FlushWritesImmediatelyAndSwallowsErrors(t *testing.T) {
	var writes atomic.Int64
	q := testQueue(t,
		func() ([]byte, error) { return []byte("state"), nil },
		func(context.Context, []byte) error {
			writes.Add(1)
			return errors.New("disk full")
		},
	)

	// Flush must not panic or surface the error.
	q.Flush(context.Background())
	if got := writes.Load(); got != 1 {
		t.Fatalf("writes = %d, want 1 immediate write", got)
	}
}

func TestQueue_RetriesWithBackoffThenSucceeds(t *testing.T) {
	var mu sync.Mutex
	var attempts int
	done := make(chan struct{})
	q := testQueue(t,
		func() ([]byte, error) { return []byte("state"), nil },
		func(context.Context, []byte) error {
			mu.Lock()
			defer mu.Unlock()
			attempts++
			if attempts < 2 {
				return errors.New("transient")
			}
			close(done)
			return nil
		},
	)

	q.Schedule()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for retry to succeed")
	}
}

func TestQueue_HooksCountFlushesAndRetries(t *testing.T) {
	var flushes, retries atomic.Int64
	var mu sync.Mutex
	var attempts int
	done := make(chan struct{})
	q := NewPersistenceQueue("test-session", QueueConfig{
		Debounce:    20 * time.Millisecond,
		RetryBase:   10 * time.Millisecond,
		RetryMax:    40 * time.Millisecond,
		MaxAttempts: 3,
		OnFlush:     func() { flushes.Add(1) },
		OnRetry:     func() { retries.Add(1) },
	},
		func() ([]byte, error) { return []byte("state"), nil },
		func(context.Context, []byte) error {
			mu.Lock()
			defer mu.Unlock()
			attempts++
			if attempts < 2 {
				return errors.New("transient")
			}
			close(done)
			return nil
		}, nil)
	t.Cleanup(q.Cleanup)

	q.Schedule()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for retry to succeed")
	}
	time.Sleep(20 * time.Millisecond)

	if got := retries.Load(); got != 1 {
		t.Fatalf("retries = %d, want 1", got)
	}
	if got := flushes.Load(); got != 1 {
		t.Fatalf("flushes = %d, want 1 (only the write that reached the backend)", got)
	}

	// A byte-identical follow-up is skipped and must not count as a flush.
	q.Schedule()
	time.Sleep(60 * time.Millisecond)
	if got := flushes.Load(); got != 1 {
		t.Fatalf("flushes after identical schedule = %d, want 1", got)
	}
}

func TestQueue_GivesUpAfterMaxAttempts(t *testing.T) {
	var writes atomic.Int64
	q := testQueue(t,
		func() ([]byte, error) { return []byte("state"), nil },
		func(context.Context, []byte) error {
			writes.Add(1)
			return errors.New("permanent")
		},
	)

	q.Schedule()
	time.Sleep(300 * time.Millisecond)

	if got := writes.Load(); got != 3 {
		t.Fatalf("writes = %d, want exactly MaxAttempts (3)", got)
	}
}

func TestQueue_CleanupCancelsPendingWrite(t *testing.T) {
	var writes atomic.Int64
	q := NewPersistenceQueue("s", QueueConfig{Debounce: 50 * time.Millisecond},
		func() ([]byte, error) { return []byte("x"), nil },
		func(context.Context, []byte) error {
			writes.Add(1)
			return nil
		}, nil)

	q.Schedule()
	q.Cleanup()
	time.Sleep(120 * time.Millisecond)

	if got := writes.Load(); got != 0 {
		t.Fatalf("writes = %d, want 0 after cleanup", got)
	}
}

func TestQueue_ScheduleDuringWriteTriggersFollowUp(t *testing.T) {
	var writes atomic.Int64
	var gen atomic.Int64
	blocker := make(chan struct{})
	q := testQueue(t,
		func() ([]byte, error) { return []byte{byte(gen.Add(1))}, nil },
		func(context.Context, []byte) error {
			if writes.Add(1) == 1 {
				<-blocker
			}
			return nil
		},
	)

	q.Schedule()
	time.Sleep(40 * time.Millisecond) // first write now blocked in-flight
	q.Schedule()                      // must coalesce into a follow-up, not a parallel write
	close(blocker)
	time.Sleep(100 * time.Millisecond)

	if got := writes.Load(); got != 2 {
		t.Fatalf("writes = %d, want 2 (one in-flight, one follow-up)", got)
	}
}
