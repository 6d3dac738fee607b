package workflow

import "sync"

// Inbox queues user messages that arrive while a turn is already running on
// their session. Messages are drained FIFO when the active turn ends, so a
// late message never interleaves into a running turn's state.
type Inbox struct {
	mu     sync.Mutex
	queued map[string][]string
	cap    int
}

// NewInbox creates an inbox holding at most capPerSession messages per
// session; zero means a default of 16.
func NewInbox(capPerSession int) *Inbox {
	if capPerSession <= 0 {
		capPerSession = 16
	}
	return &Inbox{queued: make(map[string][]string), cap: capPerSession}
}

// Push queues a message. It reports false when the session's inbox is full
// and the message was dropped.
func (in *Inbox) Push(sessionID, text string) bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	if len(in.queued[sessionID]) >= in.cap {
		return false
	}
	in.queued[sessionID] = append(in.queued[sessionID], text)
	return true
}

// Pop removes and returns the oldest queued message for the session.
func (in *Inbox) Pop(sessionID string) (string, bool) {
	in.mu.Lock()
	defer in.mu.Unlock()
	q := in.queued[sessionID]
	if len(q) == 0 {
		return "", false
	}
	msg := q[0]
	if len(q) == 1 {
		delete(in.queued, sessionID)
	} else {
		in.queued[sessionID] = q[1:]
	}
	return msg, true
}

// Len returns the number of queued messages for the session.
func (in *Inbox) Len(sessionID string) int {
	in.mu.Lock()
	defer in.mu.Unlock()
	return len(in.queued[sessionID])
}
