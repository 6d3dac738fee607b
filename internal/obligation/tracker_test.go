package obligation

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stationhq/conductor/internal/session"
)

type memBackend struct {
	mu    sync.Mutex
	blobs map[string][]byte
}

func (b *memBackend) WriteSession(_ context.Context, id string, blob []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.blobs[id] = blob
	return nil
}

func (b *memBackend) ReadSession(_ context.Context, id string) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.blobs[id], nil
}

func (b *memBackend) DeleteSession(_ context.Context, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.blobs, id)
	return nil
}

func testTracker(t *testing.T) (*Tracker, *session.Store) {
	t.Helper()
	store := session.NewStore(&memBackend{blobs: make(map[string][]byte)},
		session.QueueConfig{Debounce: 10 * time.Millisecond}, nil)
	t.Cleanup(func() { store.Close(context.Background()) })
	if _, err := store.GetOrCreate(context.Background(), "s1"); err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	return NewTracker(store, nil), store
}

func TestAddUserRequestObligations_OnePerClause(t *testing.T) {
	tr, _ := testTracker(t)

	added, err := tr.AddUserRequestObligations(context.Background(), "s1",
		"Do A.\nDo B.\nDo C.", Intake{TurnID: "t1", Blocking: true})
	if err != nil {
		t.Fatalf("AddUserRequestObligations: %v", err)
	}
	if len(added) != 3 {
		t.Fatalf("obligations = %d, want 3", len(added))
	}
	for _, o := range added {
		if o.Type != session.ObligationUserRequest || o.Status != session.ObligationOpen {
			t.Fatalf("obligation = %+v", o)
		}
		if o.TurnID != "t1" || !o.Blocking {
			t.Fatalf("intake metadata not applied: %+v", o)
		}
	}

	single, err := tr.AddUserRequestObligations(context.Background(), "s1", "fix it", Intake{TurnID: "t2"})
	if err != nil {
		t.Fatalf("AddUserRequestObligations: %v", err)
	}
	if len(single) != 1 || single[0].Description != "fix it" {
		t.Fatalf("obligations = %+v, want whole text as one clause", single)
	}
}

func TestAddUserRequestObligations_SkipsOpenDuplicates(t *testing.T) {
	tr, _ := testTracker(t)
	ctx := context.Background()

	first, _ := tr.AddUserRequestObligations(ctx, "s1", "check the logs", Intake{TurnID: "t1"})
	second, _ := tr.AddUserRequestObligations(ctx, "s1", "Check The Logs", Intake{TurnID: "t1"})
	if len(first) != 1 || len(second) != 0 {
		t.Fatalf("first=%d second=%d, want 1 and 0 (open fingerprint not duplicated)", len(first), len(second))
	}
}

func TestDelegationFingerprintIdempotence(t *testing.T) {
	tr, _ := testTracker(t)
	ctx := context.Background()
	d := Delegation{
		TargetAgent:     "devo",
		Objective:       "migrate the database",
		ExpectedOutcome: "schema v2 live",
		SourceAgent:     "chapo",
		TurnID:          "t1",
	}

	first, reused, err := tr.AddOrReuseDelegationObligation(ctx, "s1", d)
	if err != nil || reused {
		t.Fatalf("first delegation: reused=%v err=%v", reused, err)
	}
	second, reused, err := tr.AddOrReuseDelegationObligation(ctx, "s1", d)
	if err != nil {
		t.Fatalf("second delegation: %v", err)
	}
	if !reused {
		t.Fatal("identical delegation was not reused")
	}
	if second.ObligationID != first.ObligationID {
		t.Fatalf("got a second obligation %s, want reuse of %s", second.ObligationID, first.ObligationID)
	}
	if got := len(tr.Unresolved("s1", Filter{})); got != 1 {
		t.Fatalf("unresolved = %d, want exactly 1", got)
	}
}

func TestDelegationReopensFailed(t *testing.T) {
	tr, _ := testTracker(t)
	ctx := context.Background()
	d := Delegation{TargetAgent: "devo", Objective: "run the suite", ExpectedOutcome: "green", TurnID: "t1"}

	o, _, err := tr.AddOrReuseDelegationObligation(ctx, "s1", d)
	if err != nil {
		t.Fatalf("delegate: %v", err)
	}
	if err := tr.Fail(ctx, "s1", o.ObligationID, "tests red"); err != nil {
		t.Fatalf("Fail: %v", err)
	}

	reopened, reused, err := tr.AddOrReuseDelegationObligation(ctx, "s1", d)
	if err != nil || !reused {
		t.Fatalf("re-delegate: reused=%v err=%v", reused, err)
	}
	if reopened.Status != session.ObligationOpen {
		t.Fatalf("status = %q, want open after reopen", reopened.Status)
	}
	if reopened.ResolvedAt != nil {
		t.Fatal("resolvedAt not cleared on reopen")
	}
}

func TestDelegation_DifferentTurnCreatesNew(t *testing.T) {
	tr, _ := testTracker(t)
	ctx := context.Background()
	d := Delegation{TargetAgent: "devo", Objective: "run the suite", ExpectedOutcome: "green", TurnID: "t1"}

	if _, _, err := tr.AddOrReuseDelegationObligation(ctx, "s1", d); err != nil {
		t.Fatalf("delegate: %v", err)
	}
	d.TurnID = "t2"
	_, reused, err := tr.AddOrReuseDelegationObligation(ctx, "s1", d)
	if err != nil {
		t.Fatalf("delegate t2: %v", err)
	}
	if reused {
		t.Fatal("fingerprint reuse crossed turn boundary")
	}
}

func TestResolveTransitions(t *testing.T) {
	tr, _ := testTracker(t)
	ctx := context.Background()

	added, _ := tr.AddUserRequestObligations(ctx, "s1", "fix it", Intake{TurnID: "t1"})
	id := added[0].ObligationID

	if err := tr.Satisfy(ctx, "s1", id, "patch merged", "patch merged"); err != nil {
		t.Fatalf("Satisfy: %v", err)
	}
	obs := tr.Unresolved("s1", Filter{})
	if len(obs) != 0 {
		t.Fatalf("unresolved after satisfy = %+v", obs)
	}

	// Terminal obligations cannot be re-resolved.
	if err := tr.Fail(ctx, "s1", id); err == nil {
		t.Fatal("Fail on satisfied obligation succeeded")
	}

	// Evidence was deduplicated and resolvedAt stamped.
	var found session.Obligation
	for _, o := range allObligations(t, tr) {
		if o.ObligationID == id {
			found = o
		}
	}
	if len(found.Evidence) != 1 {
		t.Fatalf("evidence = %v, want deduplicated single entry", found.Evidence)
	}
	if found.ResolvedAt == nil {
		t.Fatal("resolvedAt not set on terminal status")
	}
}

func TestWaiveExceptTurn(t *testing.T) {
	tr, _ := testTracker(t)
	ctx := context.Background()

	tr.AddUserRequestObligations(ctx, "s1", "old request", Intake{TurnID: "t1"})
	tr.AddUserRequestObligations(ctx, "s1", "newer request", Intake{TurnID: "t2"})

	n, err := tr.WaiveExceptTurn(ctx, "s1", "t2")
	if err != nil {
		t.Fatalf("WaiveExceptTurn: %v", err)
	}
	if n != 1 {
		t.Fatalf("waived = %d, want 1", n)
	}

	left := tr.Unresolved("s1", Filter{})
	if len(left) != 1 || left[0].TurnID != "t2" {
		t.Fatalf("unresolved = %+v, want only the t2 obligation", left)
	}
}

func TestUnresolvedFilters(t *testing.T) {
	tr, _ := testTracker(t)
	ctx := context.Background()

	tr.AddUserRequestObligations(ctx, "s1", "blocking work", Intake{TurnID: "t1", Blocking: true})
	tr.AddUserRequestObligations(ctx, "s1", "background work", Intake{TurnID: "t2", Blocking: false})

	if got := tr.Unresolved("s1", Filter{}); len(got) != 2 {
		t.Fatalf("unfiltered = %d, want 2", len(got))
	}
	if got := tr.Unresolved("s1", Filter{TurnID: "t1"}); len(got) != 1 {
		t.Fatalf("turn filter = %d, want 1", len(got))
	}
	got := tr.Unresolved("s1", Filter{BlockingOnly: true})
	if len(got) != 1 || !got[0].Blocking {
		t.Fatalf("blocking filter = %+v", got)
	}
}

func allObligations(t *testing.T, tr *Tracker) []session.Obligation {
	t.Helper()
	// Unresolved misses terminal ones; read through the store directly.
	return tr.store.Obligations("s1")
}
