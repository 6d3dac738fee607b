// Package gate queues the two suspension points that wait on the user:
// clarification/continue questions and risk approvals. The manager itself
// performs no I/O and no state mutation; everything it does is expressed as
// emitted domain events, which projections turn into state changes and
// outward notifications.
package gate

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/stationhq/conductor/internal/events"
	"github.com/stationhq/conductor/internal/session"
)

// KindContinue marks the "should I keep going?" budget-exhaustion prompt.
// Only this kind gets a TTL and dedup; other kinds persist until answered.
const KindContinue = "continue"

// Config carries the gate tunables.
type Config struct {
	// DedupeContinue suppresses repeated identical continue prompts within
	// the same turn while one is still pending.
	DedupeContinue bool
	// ContinueTTL is the default expiry for continue questions. Zero means
	// no expiry.
	ContinueTTL time.Duration
}

// QuestionSpec describes a question to queue.
type QuestionSpec struct {
	FromAgent   string
	Question    string
	Kind        string
	TurnID      string
	Fingerprint string
	Iterations  int
	// TTL overrides Config.ContinueTTL for this question. Ignored for
	// non-continue kinds.
	TTL time.Duration
}

// ApprovalSpec describes an approval to queue.
type ApprovalSpec struct {
	FromAgent   string
	Description string
	RiskLevel   string
	TurnID      string
	Iterations  int
}

// Manager queues questions and approvals. It reads pending gates from the
// session store but mutates nothing directly.
type Manager struct {
	store  *session.Store
	bus    *events.Bus
	logger *slog.Logger
	now    func() time.Time

	cfgMu sync.RWMutex
	cfg   Config
}

// NewManager creates a gate manager over the store and bus.
func NewManager(store *session.Store, bus *events.Bus, cfg Config, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{store: store, bus: bus, cfg: cfg, logger: logger, now: time.Now}
}

// UpdateConfig swaps the gate tunables. Config reload calls this.
func (m *Manager) UpdateConfig(cfg Config) {
	m.cfgMu.Lock()
	m.cfg = cfg
	m.cfgMu.Unlock()
}

func (m *Manager) config() Config {
	m.cfgMu.RLock()
	defer m.cfgMu.RUnlock()
	return m.cfg
}

// QueueQuestion queues a question gate. Expired pending questions are pruned
// first. For continue-kind questions with dedup enabled, an unexpired
// pending question with the same fingerprint and turn is returned unchanged
// instead of queuing a duplicate, so a flapping loop cannot spam the user.
func (m *Manager) QueueQuestion(ctx context.Context, sessionID string, spec QuestionSpec) (session.UserQuestion, error) {
	if spec.Question == "" {
		return session.UserQuestion{}, fmt.Errorf("empty question")
	}
	now := m.now().UTC()

	if err := m.pruneExpired(ctx, sessionID, now); err != nil {
		return session.UserQuestion{}, err
	}

	cfg := m.config()
	if spec.Kind == KindContinue && cfg.DedupeContinue && spec.Fingerprint != "" {
		for _, q := range m.store.PendingQuestions(sessionID) {
			if q.Kind == KindContinue && q.Fingerprint == spec.Fingerprint &&
				q.TurnID == spec.TurnID && !q.Expired(now) {
				m.logger.Debug("continue question deduplicated",
					"session_id", sessionID, "question_id", q.QuestionID)
				return q, nil
			}
		}
	}

	q := session.UserQuestion{
		QuestionID:  uuid.NewString(),
		FromAgent:   spec.FromAgent,
		Question:    spec.Question,
		Kind:        spec.Kind,
		TurnID:      spec.TurnID,
		Fingerprint: spec.Fingerprint,
		Iterations:  spec.Iterations,
		Timestamp:   now,
	}
	if spec.Kind == KindContinue {
		ttl := spec.TTL
		if ttl == 0 {
			ttl = cfg.ContinueTTL
		}
		if ttl > 0 {
			expires := now.Add(ttl)
			q.ExpiresAt = &expires
		}
	}

	env, err := events.New(events.TypeQuestionQueued, sessionID, spec.FromAgent,
		events.VisibilityExternal, events.QuestionPayload{
			QuestionID:  q.QuestionID,
			FromAgent:   q.FromAgent,
			Question:    q.Question,
			Kind:        q.Kind,
			Fingerprint: q.Fingerprint,
			Iterations:  q.Iterations,
			ExpiresAt:   q.ExpiresAt,
		})
	if err != nil {
		return session.UserQuestion{}, err
	}
	if err := m.bus.Emit(ctx, env.WithTurn(spec.TurnID)); err != nil {
		return session.UserQuestion{}, err
	}
	return q, nil
}

// QueueApproval queues a fresh approval gate. Approvals are one-shot per
// risky action and are never deduplicated.
func (m *Manager) QueueApproval(ctx context.Context, sessionID string, spec ApprovalSpec) (session.ApprovalRequest, error) {
	if spec.Description == "" {
		return session.ApprovalRequest{}, fmt.Errorf("empty approval description")
	}

	a := session.ApprovalRequest{
		ApprovalID:  uuid.NewString(),
		FromAgent:   spec.FromAgent,
		Description: spec.Description,
		RiskLevel:   spec.RiskLevel,
		TurnID:      spec.TurnID,
		Iterations:  spec.Iterations,
		Timestamp:   m.now().UTC(),
	}

	env, err := events.New(events.TypeApprovalQueued, sessionID, spec.FromAgent,
		events.VisibilityExternal, events.ApprovalPayload{
			ApprovalID:  a.ApprovalID,
			FromAgent:   a.FromAgent,
			Description: a.Description,
			RiskLevel:   a.RiskLevel,
			Iterations:  a.Iterations,
		})
	if err != nil {
		return session.ApprovalRequest{}, err
	}
	if err := m.bus.Emit(ctx, env.WithTurn(spec.TurnID)); err != nil {
		return session.ApprovalRequest{}, err
	}
	return a, nil
}

// AnswerQuestion resolves a pending question with the user's answer.
func (m *Manager) AnswerQuestion(ctx context.Context, sessionID, questionID, answer string) (session.UserQuestion, error) {
	var found *session.UserQuestion
	for _, q := range m.store.PendingQuestions(sessionID) {
		if q.QuestionID == questionID {
			found = &q
			break
		}
	}
	if found == nil {
		return session.UserQuestion{}, fmt.Errorf("question %s is not pending", questionID)
	}

	env, err := events.New(events.TypeQuestionAnswered, sessionID, "user",
		events.VisibilityExternal, events.QuestionPayload{
			QuestionID: found.QuestionID,
			FromAgent:  found.FromAgent,
			Kind:       found.Kind,
			Answer:     answer,
		})
	if err != nil {
		return session.UserQuestion{}, err
	}
	if err := m.bus.Emit(ctx, env.WithTurn(found.TurnID)); err != nil {
		return session.UserQuestion{}, err
	}
	return *found, nil
}

// ResolveApproval resolves a pending approval.
func (m *Manager) ResolveApproval(ctx context.Context, sessionID, approvalID string, approved bool) (session.ApprovalRequest, error) {
	var found *session.ApprovalRequest
	for _, a := range m.store.PendingApprovals(sessionID) {
		if a.ApprovalID == approvalID {
			found = &a
			break
		}
	}
	if found == nil {
		return session.ApprovalRequest{}, fmt.Errorf("approval %s is not pending", approvalID)
	}

	env, err := events.New(events.TypeApprovalResolved, sessionID, found.FromAgent,
		events.VisibilityExternal, events.ApprovalPayload{
			ApprovalID:  found.ApprovalID,
			FromAgent:   found.FromAgent,
			Description: found.Description,
			RiskLevel:   found.RiskLevel,
			Approved:    approved,
		})
	if err != nil {
		return session.ApprovalRequest{}, err
	}
	if err := m.bus.Emit(ctx, env.WithTurn(found.TurnID)); err != nil {
		return session.ApprovalRequest{}, err
	}
	return *found, nil
}

// PruneExpired expires pending questions whose TTL has passed. Maintenance
// sweeps call this for sessions with no active turn.
func (m *Manager) PruneExpired(ctx context.Context, sessionID string) error {
	return m.pruneExpired(ctx, sessionID, m.now())
}

// pruneExpired emits an expiry event for every pending question whose TTL
// has passed. Removal happens in the state projection.
func (m *Manager) pruneExpired(ctx context.Context, sessionID string, now time.Time) error {
	for _, q := range m.store.PendingQuestions(sessionID) {
		if !q.Expired(now) {
			continue
		}
		env, err := events.New(events.TypeQuestionExpired, sessionID, q.FromAgent,
			events.VisibilityInternal, events.QuestionPayload{
				QuestionID:  q.QuestionID,
				FromAgent:   q.FromAgent,
				Kind:        q.Kind,
				Fingerprint: q.Fingerprint,
				ExpiresAt:   q.ExpiresAt,
			})
		if err != nil {
			return err
		}
		if err := m.bus.Emit(ctx, env.WithTurn(q.TurnID)); err != nil {
			return err
		}
	}
	return nil
}
