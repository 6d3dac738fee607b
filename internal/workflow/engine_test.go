package workflow

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stationhq/conductor/internal/events"
	"github.com/stationhq/conductor/internal/gate"
	"github.com/stationhq/conductor/internal/obligation"
	"github.com/stationhq/conductor/internal/router"
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

func intp(i int) *int { return &i }

type stubClassifier struct {
	analysis *router.CapabilityAnalysis
	err      error
}

func (c *stubClassifier) Analyze(context.Context, string, []session.HistoryEntry) (*router.CapabilityAnalysis, error) {
	return c.analysis, c.err
}

func newTestEngine(t *testing.T, classifier Classifier, agent AgentExecutor, cfg Config) (*Engine, *session.Store) {
	t.Helper()
	store := session.NewStore(&memBackend{blobs: make(map[string][]byte)},
		session.QueueConfig{Debounce: 10 * time.Millisecond}, nil)
	t.Cleanup(func() { store.Close(context.Background()) })

	bus := events.NewBus(nil, session.NewProjection(store))
	gates := gate.NewManager(store, bus, gate.Config{DedupeContinue: true, ContinueTTL: time.Minute}, nil)
	tracker := obligation.NewTracker(store, bus)
	rt := router.New(router.DefaultCapabilityTable(), "", nil)

	return NewEngine(store, bus, rt, gates, tracker, classifier, agent, cfg, nil, nil), store
}

func singleTaskAnalysis() *router.CapabilityAnalysis {
	return &router.CapabilityAnalysis{
		Needs: router.NeedsVector{NeedsCode: true},
		Tasks: []router.AnalyzedTask{
			{Description: "write the handler", Capability: "code"},
		},
	}
}

func TestHappyPathTurn(t *testing.T) {
	agent := funcAgent(func(_ context.Context, task router.AssignedTask, _ string) (AgentResult, error) {
		return AgentResult{Success: true, Data: "handler written"}, nil
	})
	e, store := newTestEngine(t, &stubClassifier{analysis: singleTaskAnalysis()}, agent,
		Config{AutoApprovePlans: true})

	reply, err := e.HandleMessage(context.Background(), "s1", "add the handler")
	if err != nil {
		t.Fatalf("HandleMessage: %v", err)
	}
	if reply.Suspended {
		t.Fatalf("reply suspended: %+v", reply)
	}
	if !strings.Contains(reply.Text, "handler written") {
		t.Fatalf("reply = %q", reply.Text)
	}

	st, _ := store.Get("s1")
	if st.Phase != session.PhaseReview {
		t.Fatalf("phase = %s, want review", st.Phase)
	}
	if st.IsLoopRunning {
		t.Fatal("loop guard not released")
	}

	history := store.PlanHistory("s1")
	if len(history) != 1 || history[0].Status != session.PlanCompleted {
		t.Fatalf("plan history = %+v", history)
	}

	// Every blocking obligation of the turn resolved before the reply.
	if open := len(obligation.NewTracker(store, nil).Unresolved("s1", obligation.Filter{BlockingOnly: true})); open != 0 {
		t.Fatalf("unresolved blocking obligations = %d", open)
	}
}

func TestClarificationSuspendsThenResumes(t *testing.T) {
	classifier := &stubClassifier{analysis: &router.CapabilityAnalysis{
		Needs:    router.NeedsVector{NeedsClarification: true},
		Question: "Which service?",
	}}
	agent := funcAgent(func(_ context.Context, task router.AssignedTask, _ string) (AgentResult, error) {
		return AgentResult{Success: true, Data: "restarted"}, nil
	})
	e, store := newTestEngine(t, classifier, agent, Config{AutoApprovePlans: true})
	ctx := context.Background()

	reply, err := e.HandleMessage(ctx, "s1", "restart it")
	if err != nil {
		t.Fatalf("HandleMessage: %v", err)
	}
	if !reply.Suspended || !strings.Contains(reply.Text, "Which service?") {
		t.Fatalf("reply = %+v", reply)
	}
	if got := len(store.PendingQuestions("s1")); got != 1 {
		t.Fatalf("pending questions = %d", got)
	}

	// The next message answers the gate and reruns the pipeline.
	classifier.analysis = &router.CapabilityAnalysis{
		Needs: router.NeedsVector{NeedsOps: true},
		Tasks: []router.AnalyzedTask{{Description: "restart the api service", Capability: "ops"}},
	}
	reply, err = e.HandleMessage(ctx, "s1", "the api service")
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if reply.Suspended || !strings.Contains(reply.Text, "restarted") {
		t.Fatalf("resumed reply = %+v", reply)
	}
	if got := len(store.PendingQuestions("s1")); got != 0 {
		t.Fatalf("pending questions after resume = %d", got)
	}
}

func TestPlanApprovalGate(t *testing.T) {
	agent := funcAgent(func(_ context.Context, task router.AssignedTask, _ string) (AgentResult, error) {
		return AgentResult{Success: true, Data: "done"}, nil
	})
	e, store := newTestEngine(t, &stubClassifier{analysis: singleTaskAnalysis()}, agent, Config{})
	ctx := context.Background()

	reply, err := e.HandleMessage(ctx, "s1", "do the work")
	if err != nil {
		t.Fatalf("HandleMessage: %v", err)
	}
	if !reply.Suspended {
		t.Fatalf("plan executed without approval: %+v", reply)
	}
	plan, ok := store.CurrentPlan("s1")
	if !ok || plan.Status != session.PlanPendingApproval {
		t.Fatalf("plan = %+v", plan)
	}

	reply, err = e.HandleMessage(ctx, "s1", "yes")
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if reply.Suspended || !strings.Contains(reply.Text, "done") {
		t.Fatalf("reply after approval = %+v", reply)
	}
	history := store.PlanHistory("s1")
	if len(history) != 1 || history[0].Status != session.PlanCompleted {
		t.Fatalf("plan history = %+v", history)
	}
}

func TestPlanRejection(t *testing.T) {
	agent := funcAgent(func(_ context.Context, task router.AssignedTask, _ string) (AgentResult, error) {
		t.Error("agent executed despite rejection")
		return AgentResult{}, nil
	})
	e, store := newTestEngine(t, &stubClassifier{analysis: singleTaskAnalysis()}, agent, Config{})
	ctx := context.Background()

	if _, err := e.HandleMessage(ctx, "s1", "do the work"); err != nil {
		t.Fatalf("HandleMessage: %v", err)
	}
	reply, err := e.HandleMessage(ctx, "s1", "no, skip it")
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if reply.Suspended {
		t.Fatalf("reply = %+v", reply)
	}

	if _, ok := store.CurrentPlan("s1"); ok {
		t.Fatal("rejected plan still current")
	}
	history := store.PlanHistory("s1")
	if len(history) != 1 || history[0].Status != session.PlanRejected {
		t.Fatalf("plan history = %+v", history)
	}
	if got := len(store.PendingApprovals("s1")); got != 0 {
		t.Fatalf("pending approvals = %d", got)
	}
}

func TestFailureCascadeSurfacesInReply(t *testing.T) {
	analysis := &router.CapabilityAnalysis{
		Needs: router.NeedsVector{NeedsCode: true},
		Tasks: []router.AnalyzedTask{
			{Description: "fetch the schema", Capability: "research"},
			{Description: "generate the client", Capability: "code", DependsOn: intp(0)},
		},
	}
	agent := funcAgent(func(_ context.Context, task router.AssignedTask, _ string) (AgentResult, error) {
		if task.Description == "fetch the schema" {
			return AgentResult{}, errors.New("401 unauthorized")
		}
		return AgentResult{Success: true, Data: "client ready"}, nil
	})
	e, store := newTestEngine(t, &stubClassifier{analysis: analysis}, agent,
		Config{AutoApprovePlans: true, MaxTaskRetries: 1})

	reply, err := e.HandleMessage(context.Background(), "s1", "regenerate the client")
	if err != nil {
		t.Fatalf("HandleMessage: %v", err)
	}
	if !strings.Contains(reply.Text, "AUTH") {
		t.Fatalf("failure class not surfaced: %q", reply.Text)
	}
	if !strings.Contains(reply.Text, "skipped") {
		t.Fatalf("cascade skip not surfaced: %q", reply.Text)
	}

	var statuses []session.TaskStatus
	for _, task := range store.TasksInOrder("s1") {
		statuses = append(statuses, task.Status)
	}
	if statuses[0] != session.TaskFailed || statuses[1] != session.TaskSkipped {
		t.Fatalf("statuses = %v", statuses)
	}
}

func TestParallelWaveRunsIndependentTasks(t *testing.T) {
	analysis := &router.CapabilityAnalysis{
		Needs: router.NeedsVector{NeedsCode: true, NeedsResearch: true},
		Tasks: []router.AnalyzedTask{
			{Description: "survey libraries", Capability: "research"},
			{Description: "spike the parser", Capability: "code"},
		},
	}
	agent := funcAgent(func(_ context.Context, task router.AssignedTask, _ string) (AgentResult, error) {
		return AgentResult{Success: true, Data: "ok: " + task.Description}, nil
	})
	e, store := newTestEngine(t, &stubClassifier{analysis: analysis}, agent,
		Config{AutoApprovePlans: true})

	if _, err := e.HandleMessage(context.Background(), "s1", "parser spike"); err != nil {
		t.Fatalf("HandleMessage: %v", err)
	}

	execs := store.ParallelExecutions("s1")
	if len(execs) != 1 {
		t.Fatalf("parallel executions = %d, want 1", len(execs))
	}
	if execs[0].Status != session.ParallelCompleted {
		t.Fatalf("status = %s, want completed", execs[0].Status)
	}
	if len(execs[0].Results) != 2 {
		t.Fatalf("results = %d, want 2", len(execs[0].Results))
	}
}

func TestTaskBudgetContinueGate(t *testing.T) {
	analysis := &router.CapabilityAnalysis{
		Needs: router.NeedsVector{NeedsCode: true},
		Tasks: []router.AnalyzedTask{
			{Description: "step one", Capability: "code"},
			{Description: "step two", Capability: "code", DependsOn: intp(0)},
		},
	}
	agent := funcAgent(func(_ context.Context, task router.AssignedTask, _ string) (AgentResult, error) {
		return AgentResult{Success: true, Data: task.Description + " done"}, nil
	})
	e, store := newTestEngine(t, &stubClassifier{analysis: analysis}, agent,
		Config{AutoApprovePlans: true, TaskBudget: 1})
	ctx := context.Background()

	reply, err := e.HandleMessage(ctx, "s1", "two step job")
	if err != nil {
		t.Fatalf("HandleMessage: %v", err)
	}
	if !reply.Suspended || !strings.Contains(reply.Text, "Keep going?") {
		t.Fatalf("reply = %+v, want continue gate", reply)
	}
	pending := store.PendingQuestions("s1")
	if len(pending) != 1 || pending[0].Kind != gate.KindContinue {
		t.Fatalf("pending = %+v", pending)
	}

	reply, err = e.HandleMessage(ctx, "s1", "yes")
	if err != nil {
		t.Fatalf("continue: %v", err)
	}
	if !strings.Contains(reply.Text, "step two done") {
		t.Fatalf("reply after continue = %q", reply.Text)
	}
}

func TestDeclinedContinueGateArchivesPlan(t *testing.T) {
	analysis := &router.CapabilityAnalysis{
		Needs: router.NeedsVector{NeedsCode: true},
		Tasks: []router.AnalyzedTask{
			{Description: "step one", Capability: "code"},
			{Description: "step two", Capability: "code", DependsOn: intp(0)},
		},
	}
	agent := funcAgent(func(_ context.Context, task router.AssignedTask, _ string) (AgentResult, error) {
		return AgentResult{Success: true, Data: task.Description + " done"}, nil
	})
	e, store := newTestEngine(t, &stubClassifier{analysis: analysis}, agent,
		Config{AutoApprovePlans: true, TaskBudget: 1})
	ctx := context.Background()

	reply, err := e.HandleMessage(ctx, "s1", "two step job")
	if err != nil {
		t.Fatalf("HandleMessage: %v", err)
	}
	if !reply.Suspended {
		t.Fatalf("reply = %+v, want continue gate", reply)
	}

	reply, err = e.HandleMessage(ctx, "s1", "no, stop")
	if err != nil {
		t.Fatalf("decline: %v", err)
	}
	if reply.Suspended || !strings.Contains(reply.Text, "stopping") {
		t.Fatalf("reply after decline = %+v", reply)
	}

	// Declining archives the plan; the untouched task is skipped.
	if _, ok := store.CurrentPlan("s1"); ok {
		t.Fatal("declined plan still current")
	}
	history := store.PlanHistory("s1")
	if len(history) != 1 || history[0].Status != session.PlanCompleted {
		t.Fatalf("plan history = %+v", history)
	}
	tasks := store.TasksInOrder("s1")
	if tasks[1].Status != session.TaskSkipped {
		t.Fatalf("remaining task = %s, want skipped", tasks[1].Status)
	}

	// The session accepts fresh work afterwards.
	classifier := &stubClassifier{analysis: singleTaskAnalysis()}
	e.classifier = classifier
	reply, err = e.HandleMessage(ctx, "s1", "different job")
	if err != nil {
		t.Fatalf("turn after decline: %v", err)
	}
	if reply.Suspended {
		t.Fatalf("fresh turn suspended: %+v", reply)
	}
}

func TestMidExecutionClarificationResumesPlan(t *testing.T) {
	analysis := &router.CapabilityAnalysis{
		Needs: router.NeedsVector{NeedsCode: true},
		Tasks: []router.AnalyzedTask{
			{Description: "pick the config", Capability: "code"},
			{Description: "apply the config", Capability: "code", DependsOn: intp(0)},
		},
	}
	var (
		mu    sync.Mutex
		asked bool
	)
	agent := funcAgent(func(_ context.Context, task router.AssignedTask, _ string) (AgentResult, error) {
		mu.Lock()
		defer mu.Unlock()
		if task.Description == "pick the config" && !asked {
			asked = true
			return AgentResult{Uncertain: true, UncertaintyReason: "Which environment?"}, nil
		}
		return AgentResult{Success: true, Data: task.Description + " done"}, nil
	})
	e, store := newTestEngine(t, &stubClassifier{analysis: analysis}, agent,
		Config{AutoApprovePlans: true})
	ctx := context.Background()

	reply, err := e.HandleMessage(ctx, "s1", "roll out the config")
	if err != nil {
		t.Fatalf("HandleMessage: %v", err)
	}
	if !reply.Suspended || !strings.Contains(reply.Text, "Which environment?") {
		t.Fatalf("reply = %+v, want mid-execution clarification", reply)
	}
	plan, ok := store.CurrentPlan("s1")
	if !ok || plan.Status != session.PlanExecuting {
		t.Fatalf("plan = %+v, want executing", plan)
	}

	// The answer resumes the suspended plan rather than starting over.
	reply, err = e.HandleMessage(ctx, "s1", "staging")
	if err != nil {
		t.Fatalf("answer clarification: %v", err)
	}
	if reply.Suspended {
		t.Fatalf("resumed reply = %+v", reply)
	}
	if !strings.Contains(reply.Text, "apply the config done") {
		t.Fatalf("resumed reply = %q", reply.Text)
	}
	history := store.PlanHistory("s1")
	if len(history) != 1 || history[0].Status != session.PlanCompleted {
		t.Fatalf("plan history = %+v", history)
	}
}

func TestMidTurnMessageIsQueued(t *testing.T) {
	agent := funcAgent(func(_ context.Context, task router.AssignedTask, _ string) (AgentResult, error) {
		return AgentResult{Success: true, Data: "ok"}, nil
	})
	e, store := newTestEngine(t, &stubClassifier{analysis: singleTaskAnalysis()}, agent,
		Config{AutoApprovePlans: true})
	ctx := context.Background()

	if _, err := store.GetOrCreate(ctx, "s1"); err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	// Simulate a turn already holding the loop guard.
	if began, _ := store.BeginTurn("s1", "long running"); !began {
		t.Fatal("BeginTurn")
	}

	reply, err := e.HandleMessage(ctx, "s1", "also do this")
	if err != nil {
		t.Fatalf("HandleMessage: %v", err)
	}
	if !strings.Contains(reply.Text, "pick this up") {
		t.Fatalf("reply = %q, want queued notice", reply.Text)
	}
	if e.inbox.Len("s1") != 1 {
		t.Fatalf("inbox = %d, want 1", e.inbox.Len("s1"))
	}
}

func TestInboxFIFOAndCap(t *testing.T) {
	in := NewInbox(2)
	if !in.Push("s1", "a") || !in.Push("s1", "b") {
		t.Fatal("pushes under cap failed")
	}
	if in.Push("s1", "c") {
		t.Fatal("push over cap accepted")
	}
	if msg, ok := in.Pop("s1"); !ok || msg != "a" {
		t.Fatalf("pop = %q, %v", msg, ok)
	}
	if msg, _ := in.Pop("s1"); msg != "b" {
		t.Fatalf("pop = %q, want b", msg)
	}
	if _, ok := in.Pop("s1"); ok {
		t.Fatal("pop from empty inbox succeeded")
	}
}

func TestComposeReplyNeverSilentOnFailures(t *testing.T) {
	r := composeReply("partial answer", nil, nil, []string{"deploy: [TIMEOUT] context deadline exceeded"}, nil)
	if !strings.Contains(r.Text, "Some steps failed") || !strings.Contains(r.Text, "TIMEOUT") {
		t.Fatalf("reply = %q", r.Text)
	}
	if r.Suspended {
		t.Fatal("failures alone should not suspend")
	}
}
