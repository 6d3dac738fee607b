package obligation

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/stationhq/conductor/internal/events"
	"github.com/stationhq/conductor/internal/session"
)

// Intake describes where a batch of user-request obligations came from.
type Intake struct {
	TurnID   string
	Origin   session.ObligationOrigin
	Blocking bool
}

// Delegation describes a sub-objective handed to a worker.
type Delegation struct {
	TargetAgent     string
	Objective       string
	ExpectedOutcome string
	SourceAgent     string
	TurnID          string
	Blocking        bool
	Metadata        map[string]string
}

// Filter narrows unresolved-obligation queries.
type Filter struct {
	TurnID       string // when set, only obligations of this turn
	BlockingOnly bool
}

// Tracker owns obligation lifecycle over the session store. The events it
// emits are informational (audit/stream); the store mutation happens here.
type Tracker struct {
	store *session.Store
	bus   *events.Bus
}

// NewTracker creates a Tracker. bus may be nil in tests.
func NewTracker(store *session.Store, bus *events.Bus) *Tracker {
	return &Tracker{store: store, bus: bus}
}

// AddUserRequestObligations splits the raw request into clauses and records
// one obligation per clause. Clauses whose fingerprint already has an open
// obligation on the session are not duplicated.
func (t *Tracker) AddUserRequestObligations(ctx context.Context, sessionID, rawText string, intake Intake) ([]session.Obligation, error) {
	clauses := splitClauses(rawText)
	if len(clauses) == 0 {
		return nil, nil
	}
	if intake.Origin == "" {
		intake.Origin = session.OriginPrimary
	}

	open := make(map[string]struct{})
	for _, o := range t.store.Obligations(sessionID) {
		if o.Status == session.ObligationOpen {
			open[o.Fingerprint] = struct{}{}
		}
	}

	var added []session.Obligation
	for _, clause := range clauses {
		fp := "user_request:" + normalize(clause)
		if _, exists := open[fp]; exists {
			continue
		}
		open[fp] = struct{}{}
		o := session.Obligation{
			ObligationID: uuid.NewString(),
			Type:         session.ObligationUserRequest,
			Description:  clause,
			Status:       session.ObligationOpen,
			Fingerprint:  fp,
			TurnID:       intake.TurnID,
			Origin:       intake.Origin,
			Blocking:     intake.Blocking,
			CreatedAt:    time.Now().UTC(),
		}
		if err := t.store.AppendObligation(sessionID, o); err != nil {
			return added, err
		}
		added = append(added, o)
		t.emitAdded(ctx, sessionID, o)
	}
	return added, nil
}

// AddOrReuseDelegationObligation records a delegated sub-objective. When an
// open-or-failed obligation with the same fingerprint and turn already
// exists it is reopened instead of duplicated, which makes delegation
// retries idempotent.
func (t *Tracker) AddOrReuseDelegationObligation(ctx context.Context, sessionID string, d Delegation) (session.Obligation, bool, error) {
	if d.TargetAgent == "" || d.Objective == "" {
		return session.Obligation{}, false, fmt.Errorf("delegation needs target and objective")
	}
	fp := "delegation:" + normalize(d.TargetAgent) + ":" + normalize(d.Objective) + ":" + normalize(d.ExpectedOutcome)

	for _, existing := range t.store.Obligations(sessionID) {
		if existing.Fingerprint != fp || existing.TurnID != d.TurnID {
			continue
		}
		if existing.Status != session.ObligationOpen && existing.Status != session.ObligationFailed {
			continue
		}
		var reopened session.Obligation
		_, err := t.store.UpdateObligation(sessionID, existing.ObligationID, func(o *session.Obligation) {
			o.Status = session.ObligationOpen
			o.ResolvedAt = nil
			o.Evidence = appendEvidence(o.Evidence, "re-delegated to "+d.TargetAgent)
			reopened = *o
		})
		if err != nil {
			return session.Obligation{}, false, err
		}
		return reopened, true, nil
	}

	o := session.Obligation{
		ObligationID:    uuid.NewString(),
		Type:            session.ObligationDelegation,
		Description:     d.Objective,
		RequiredOutcome: d.ExpectedOutcome,
		SourceAgent:     d.SourceAgent,
		Status:          session.ObligationOpen,
		Fingerprint:     fp,
		TurnID:          d.TurnID,
		Origin:          session.OriginDelegation,
		Blocking:        d.Blocking,
		Metadata:        d.Metadata,
		CreatedAt:       time.Now().UTC(),
	}
	if err := t.store.AppendObligation(sessionID, o); err != nil {
		return session.Obligation{}, false, err
	}
	t.emitAdded(ctx, sessionID, o)
	return o, false, nil
}

// Satisfy resolves an open obligation as satisfied.
func (t *Tracker) Satisfy(ctx context.Context, sessionID, obligationID string, evidence ...string) error {
	return t.resolve(ctx, sessionID, obligationID, session.ObligationSatisfied, evidence)
}

// Fail resolves an open obligation as failed. A failed obligation can be
// retried by re-delegation, which reopens it via fingerprint reuse.
func (t *Tracker) Fail(ctx context.Context, sessionID, obligationID string, evidence ...string) error {
	return t.resolve(ctx, sessionID, obligationID, session.ObligationFailed, evidence)
}

// Waive resolves an open or failed obligation as waived.
func (t *Tracker) Waive(ctx context.Context, sessionID, obligationID string, evidence ...string) error {
	return t.resolve(ctx, sessionID, obligationID, session.ObligationWaived, evidence)
}

func (t *Tracker) resolve(ctx context.Context, sessionID, obligationID string, status session.ObligationStatus, evidence []string) error {
	var resolved session.Obligation
	var transitionErr error
	found, err := t.store.UpdateObligation(sessionID, obligationID, func(o *session.Obligation) {
		switch o.Status {
		case session.ObligationOpen:
			// Always legal.
		case session.ObligationFailed:
			if status != session.ObligationWaived {
				transitionErr = fmt.Errorf("obligation %s: cannot move %s -> %s", obligationID, o.Status, status)
				return
			}
		default:
			transitionErr = fmt.Errorf("obligation %s already resolved (%s)", obligationID, o.Status)
			return
		}
		o.Status = status
		now := time.Now().UTC()
		o.ResolvedAt = &now
		for _, e := range evidence {
			o.Evidence = appendEvidence(o.Evidence, e)
		}
		resolved = *o
	})
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("obligation %s not found in session %s", obligationID, sessionID)
	}
	if transitionErr != nil {
		return transitionErr
	}
	t.emitResolved(ctx, sessionID, resolved)
	return nil
}

// WaiveExceptTurn waives every unresolved obligation that does not belong to
// the given turn. Used when a newer user message supersedes an older,
// still-unfinished one. Returns the number of waived obligations.
func (t *Tracker) WaiveExceptTurn(ctx context.Context, sessionID, turnID string) (int, error) {
	now := time.Now().UTC()
	var waived []session.Obligation
	n, err := t.store.UpdateObligations(sessionID, func(o *session.Obligation) bool {
		if o.TurnID == turnID {
			return false
		}
		if o.Status != session.ObligationOpen && o.Status != session.ObligationFailed {
			return false
		}
		o.Status = session.ObligationWaived
		resolvedAt := now
		o.ResolvedAt = &resolvedAt
		o.Evidence = appendEvidence(o.Evidence, "superseded by turn "+turnID)
		waived = append(waived, *o)
		return true
	})
	if err != nil {
		return 0, err
	}
	for _, o := range waived {
		t.emitResolved(ctx, sessionID, o)
	}
	return n, nil
}

// Unresolved returns open and failed obligations, optionally narrowed by
// turn and the blocking flag. This backs the "can I answer now?" preflight:
// a response must not claim completion while blocking obligations for the
// active turn remain unresolved.
func (t *Tracker) Unresolved(sessionID string, f Filter) []session.Obligation {
	var out []session.Obligation
	for _, o := range t.store.Obligations(sessionID) {
		if o.Status != session.ObligationOpen && o.Status != session.ObligationFailed {
			continue
		}
		if f.TurnID != "" && o.TurnID != f.TurnID {
			continue
		}
		if f.BlockingOnly && !o.Blocking {
			continue
		}
		out = append(out, o)
	}
	return out
}

func (t *Tracker) emitAdded(ctx context.Context, sessionID string, o session.Obligation) {
	if t.bus == nil {
		return
	}
	env, err := events.New(events.TypeObligationAdded, sessionID, "obligation", events.VisibilityInternal, events.ObligationPayload{
		ObligationID: o.ObligationID,
		Kind:         string(o.Type),
		Description:  o.Description,
		Status:       string(o.Status),
	})
	if err == nil {
		_ = t.bus.Emit(ctx, env.WithTurn(o.TurnID))
	}
}

func (t *Tracker) emitResolved(ctx context.Context, sessionID string, o session.Obligation) {
	if t.bus == nil {
		return
	}
	env, err := events.New(events.TypeObligationResolved, sessionID, "obligation", events.VisibilityInternal, events.ObligationPayload{
		ObligationID: o.ObligationID,
		Kind:         string(o.Type),
		Status:       string(o.Status),
		Evidence:     o.Evidence,
	})
	if err == nil {
		_ = t.bus.Emit(ctx, env.WithTurn(o.TurnID))
	}
}

// appendEvidence appends e unless already present, keeping order stable.
func appendEvidence(evidence []string, e string) []string {
	if e == "" || slices.Contains(evidence, e) {
		return evidence
	}
	return append(evidence, e)
}
