package session

import (
	"bytes"
	"context"
	"log/slog"
	"sync"
	"time"
)

// QueueConfig tunes the persistence queue. Zero values take the defaults.
type QueueConfig struct {
	Debounce    time.Duration // quiet period before a scheduled write fires
	RetryBase   time.Duration // first retry delay; doubles per attempt
	RetryMax    time.Duration // retry delay cap
	MaxAttempts int           // attempts before giving up on a blob

	// Instrumentation hooks, nil-safe. OnFlush fires after each write that
	// reached the backend (byte-identical skips excluded); OnRetry fires
	// each time a failed write is rescheduled.
	OnFlush func()
	OnRetry func()
}

func (c QueueConfig) withDefaults() QueueConfig {
	if c.Debounce <= 0 {
		c.Debounce = 300 * time.Millisecond
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 500 * time.Millisecond
	}
	if c.RetryMax <= 0 {
		c.RetryMax = 10 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 8
	}
	return c
}

// PersistenceQueue is the per-session durability layer behind the store.
// Mutations call Schedule; rapid calls within the quiet period collapse into
// one write. Writes are best-effort: failures retry with exponential backoff
// and the in-memory state stays authoritative throughout. At most one write
// is in flight per session at any time; schedules that arrive mid-write
// coalesce into a follow-up write rather than queueing additional ones.
type PersistenceQueue struct {
	sessionID string
	serialize func() ([]byte, error)
	write     func(ctx context.Context, blob []byte) error
	logger    *slog.Logger
	cfg       QueueConfig

	mu          sync.Mutex
	debounce    *time.Timer
	retry       *time.Timer
	writing     bool
	dirty       bool
	attempts    int
	lastWritten []byte
	closed      bool
}

// NewPersistenceQueue creates a queue for one session. serialize must return
// a deterministic byte form of the current state; write must be idempotent
// under retry.
func NewPersistenceQueue(sessionID string, cfg QueueConfig, serialize func() ([]byte, error), write func(ctx context.Context, blob []byte) error, logger *slog.Logger) *PersistenceQueue {
	if logger == nil {
		logger = slog.Default()
	}
	return &PersistenceQueue{
		sessionID: sessionID,
		serialize: serialize,
		write:     write,
		logger:    logger.With("session_id", sessionID),
		cfg:       cfg.withDefaults(),
	}
}

// Schedule requests a durable write after the quiet period. Calls while a
// write is pending or in flight coalesce into that write (or one follow-up).
func (q *PersistenceQueue) Schedule() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	if q.writing {
		q.dirty = true
		return
	}
	if q.debounce != nil || q.retry != nil {
		// A write attempt is already queued; this mutation rides along.
		return
	}
	q.debounce = time.AfterFunc(q.cfg.Debounce, q.fire)
}

// Flush cancels any pending debounce and writes immediately. Errors are
// swallowed (logged): a user-visible action must not fail because durability
// lags.
func (q *PersistenceQueue) Flush(ctx context.Context) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.stopTimersLocked()
	if q.writing {
		// The in-flight write will pick the latest state up via dirty.
		q.dirty = true
		q.mu.Unlock()
		return
	}
	q.writing = true
	q.mu.Unlock()

	q.persistNow(ctx)
}

// Cleanup cancels all timers. Must be called on session teardown; a leaked
// timer would hold the queue (and its session state) alive.
func (q *PersistenceQueue) Cleanup() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.stopTimersLocked()
	q.closed = true
	q.dirty = false
}

func (q *PersistenceQueue) stopTimersLocked() {
	if q.debounce != nil {
		q.debounce.Stop()
		q.debounce = nil
	}
	if q.retry != nil {
		q.retry.Stop()
		q.retry = nil
	}
}

// fire runs on the debounce timer goroutine.
func (q *PersistenceQueue) fire() {
	q.mu.Lock()
	q.debounce = nil
	if q.closed || q.writing {
		q.mu.Unlock()
		return
	}
	q.writing = true
	q.mu.Unlock()

	q.persistNow(context.Background())
}

// persistNow serializes and writes the current state. The caller must have
// set q.writing under the lock. Skips the write entirely when the serialized
// form is byte-identical to the last successful write.
func (q *PersistenceQueue) persistNow(ctx context.Context) {
	blob, err := q.serialize()
	if err != nil {
		q.logger.Error("serialize session state", "error", err)
		q.finishWrite()
		return
	}

	q.mu.Lock()
	identical := q.lastWritten != nil && bytes.Equal(blob, q.lastWritten)
	q.mu.Unlock()
	if identical {
		q.finishWrite()
		return
	}

	if err := q.write(ctx, blob); err != nil {
		q.scheduleRetry(err)
		return
	}

	q.mu.Lock()
	q.lastWritten = blob
	q.attempts = 0
	q.mu.Unlock()
	if q.cfg.OnFlush != nil {
		q.cfg.OnFlush()
	}
	q.finishWrite()
}

// finishWrite clears the in-flight flag and reschedules if mutations arrived
// during the write.
func (q *PersistenceQueue) finishWrite() {
	q.mu.Lock()
	q.writing = false
	redo := q.dirty && !q.closed
	q.dirty = false
	q.mu.Unlock()
	if redo {
		q.Schedule()
	}
}

// scheduleRetry arranges the next attempt with exponential backoff, giving up
// after MaxAttempts. Giving up only delays durability; the in-memory state
// remains authoritative.
func (q *PersistenceQueue) scheduleRetry(cause error) {
	q.mu.Lock()
	q.writing = false
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.attempts++
	if q.attempts >= q.cfg.MaxAttempts {
		attempts := q.attempts
		q.attempts = 0
		q.mu.Unlock()
		q.logger.Error("giving up on session write", "attempts", attempts, "error", cause)
		return
	}
	delay := q.cfg.RetryBase << (q.attempts - 1)
	if delay > q.cfg.RetryMax {
		delay = q.cfg.RetryMax
	}
	attempt := q.attempts
	q.retry = time.AfterFunc(delay, func() {
		q.mu.Lock()
		q.retry = nil
		if q.closed || q.writing {
			q.mu.Unlock()
			return
		}
		q.writing = true
		q.mu.Unlock()
		q.persistNow(context.Background())
	})
	q.mu.Unlock()
	if q.cfg.OnRetry != nil {
		q.cfg.OnRetry()
	}
	q.logger.Warn("session write failed, retrying", "attempt", attempt, "delay", delay, "error", cause)
}
