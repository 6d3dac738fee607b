// Package workflow runs one conversational turn end to end: qualify the
// request, route it into an agent-assigned plan, execute the plan with
// failure isolation, and compose the reply. Turns suspend at gates
// (questions, approvals) and resume when the user's next message arrives.
package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/stationhq/conductor/internal/events"
	"github.com/stationhq/conductor/internal/gate"
	"github.com/stationhq/conductor/internal/obligation"
	"github.com/stationhq/conductor/internal/router"
	"github.com/stationhq/conductor/internal/session"
	"github.com/stationhq/conductor/internal/shared"
	"github.com/stationhq/conductor/internal/telemetry"
)

// Config carries the engine tunables.
type Config struct {
	// AutoApprovePlans skips the plan approval gate.
	AutoApprovePlans bool
	// MaxTaskRetries caps retries per task on retryable failures.
	MaxTaskRetries int
	// TaskBudget is the number of tasks a turn may execute before asking the
	// user whether to continue. Zero means no budget.
	TaskBudget int
	// InboxCap bounds queued mid-turn messages per session.
	InboxCap int
}

// Engine drives turns for all sessions. One turn runs at a time per session;
// messages arriving mid-turn land in the inbox and are drained afterwards.
type Engine struct {
	store       *session.Store
	bus         *events.Bus
	router      *router.Router
	gates       *gate.Manager
	obligations *obligation.Tracker
	classifier  Classifier
	agents      *ResilientAgent
	inbox       *Inbox
	cfg         Config
	tracer      trace.Tracer
	logger      *slog.Logger
}

// NewEngine wires the turn engine. A nil tracer disables span emission.
func NewEngine(store *session.Store, bus *events.Bus, rt *router.Router, gates *gate.Manager,
	obligations *obligation.Tracker, classifier Classifier, agents AgentExecutor,
	cfg Config, tracer trace.Tracer, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if tracer == nil {
		tracer = nooptrace.NewTracerProvider().Tracer(telemetry.TracerName)
	}
	return &Engine{
		store:       store,
		bus:         bus,
		router:      rt,
		gates:       gates,
		obligations: obligations,
		classifier:  classifier,
		agents:      NewResilientAgent(agents, cfg.MaxTaskRetries, logger),
		inbox:       NewInbox(cfg.InboxCap),
		cfg:         cfg,
		tracer:      tracer,
		logger:      logger,
	}
}

// HandleMessage runs a turn for the user's message. If a turn is already
// running on the session the message is queued instead, and the active turn
// drains it when it finishes.
func (e *Engine) HandleMessage(ctx context.Context, sessionID, text string) (Reply, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return Reply{}, fmt.Errorf("empty message")
	}

	prev, err := e.store.GetOrCreate(ctx, sessionID)
	if err != nil {
		return Reply{}, err
	}

	began, err := e.store.BeginTurn(sessionID, text)
	if err != nil {
		return Reply{}, err
	}
	if !began {
		if e.inbox.Push(sessionID, text) {
			return Reply{Text: "I'm in the middle of a task; I'll pick this up right after."}, nil
		}
		return Reply{Text: "I'm in the middle of a task and this session's queue is full; please resend in a bit."}, nil
	}

	reply, err := e.runTurn(ctx, sessionID, text, prev, session.OriginPrimary)
	e.finishTurn(ctx, sessionID)
	if err != nil {
		return reply, err
	}

	// Drain messages that arrived mid-turn, oldest first. Their outcomes
	// are appended to the reply.
	for {
		queued, ok := e.inbox.Pop(sessionID)
		if !ok {
			break
		}
		prev, _ := e.store.Get(sessionID)
		began, bErr := e.store.BeginTurn(sessionID, queued)
		if bErr != nil || !began {
			break
		}
		r, tErr := e.runTurn(ctx, sessionID, queued, prev, session.OriginInbox)
		e.finishTurn(ctx, sessionID)
		if tErr != nil {
			e.logger.Error("queued turn failed", "session_id", sessionID, "error", tErr)
			break
		}
		if r.Text != "" {
			reply.Text = strings.TrimRight(reply.Text, "\n") + "\n\n" + r.Text
		}
		reply.Suspended = reply.Suspended || r.Suspended
	}

	return reply, nil
}

// finishTurn releases the loop guard and flushes durable state. Flush errors
// are swallowed: durability lag must not fail a user-visible action.
func (e *Engine) finishTurn(ctx context.Context, sessionID string) {
	if err := e.store.EndTurn(sessionID); err != nil {
		e.logger.Error("end turn", "session_id", sessionID, "error", err)
	}
	e.store.Flush(ctx, sessionID)
}

func (e *Engine) runTurn(ctx context.Context, sessionID, text string, prev session.State, origin session.ObligationOrigin) (Reply, error) {
	turnID := shared.NewTurnID()
	ctx = shared.WithSessionID(shared.WithTurnID(ctx, turnID), sessionID)
	ctx, span := telemetry.StartSpan(ctx, e.tracer, "workflow.turn",
		telemetry.AttrSessionID.String(sessionID), telemetry.AttrTurnID.String(turnID))
	defer span.End()

	// A message while a gate is open is the gate's resolution, not a new
	// request.
	if handled, reply, err := e.resumeFromGate(ctx, sessionID, turnID, text, prev); handled {
		return reply, err
	}

	return e.startFresh(ctx, sessionID, turnID, text, origin)
}

// startFresh runs the full pipeline for a new request: supersede stale
// obligations, qualify, route, plan, execute, compose.
func (e *Engine) startFresh(ctx context.Context, sessionID, turnID, text string, origin session.ObligationOrigin) (Reply, error) {
	if _, err := e.obligations.WaiveExceptTurn(ctx, sessionID, turnID); err != nil {
		return Reply{}, err
	}
	if _, err := e.obligations.AddUserRequestObligations(ctx, sessionID, text, obligation.Intake{
		TurnID:   turnID,
		Origin:   origin,
		Blocking: true,
	}); err != nil {
		return Reply{}, err
	}

	e.emit(ctx, events.TypeWorkflowStarted, sessionID, turnID, events.VisibilityExternal,
		events.WorkflowStartedPayload{Request: text})
	e.setPhase(ctx, sessionID, turnID, session.PhaseQualification)

	analysis, err := e.classifier.Analyze(ctx, text, e.store.History(sessionID))
	if err != nil {
		return e.failTurn(ctx, sessionID, turnID, fmt.Errorf("qualify request: %w", err)), nil
	}
	qual := fmt.Sprintf("code=%t research=%t ops=%t clarification=%t tasks=%d",
		analysis.Needs.NeedsCode, analysis.Needs.NeedsResearch, analysis.Needs.NeedsOps,
		analysis.Needs.NeedsClarification, len(analysis.Tasks))
	if err := e.store.SetQualificationResult(sessionID, qual); err != nil {
		return Reply{}, err
	}
	e.emit(ctx, events.TypeQualification, sessionID, turnID, events.VisibilityInternal,
		events.QualificationPayload{Result: qual})

	routed, err := e.router.Route(analysis)
	if err != nil {
		return e.failTurn(ctx, sessionID, turnID, fmt.Errorf("route request: %w", err)), nil
	}
	if routed.Kind == router.KindQuestion {
		q, err := e.gates.QueueQuestion(ctx, sessionID, gate.QuestionSpec{
			FromAgent: shared.DefaultAgentID,
			Question:  routed.Question,
			Kind:      "clarification",
			TurnID:    turnID,
		})
		if err != nil {
			return Reply{}, err
		}
		return composeReply("", []session.UserQuestion{q}, nil, nil, nil), nil
	}

	if reply, suspended, err := e.buildPlan(ctx, sessionID, turnID, routed.Tasks); err != nil {
		return Reply{}, err
	} else if suspended {
		return reply, nil
	}

	failures, suspendedReply, err := e.executePlan(ctx, sessionID, turnID)
	if err != nil {
		return Reply{}, err
	}
	if suspendedReply != nil {
		return *suspendedReply, nil
	}
	return e.completeTurn(ctx, sessionID, turnID, failures), nil
}

// buildPlan turns routed tasks into a plan. Returns a suspended reply when
// the plan waits on user approval.
func (e *Engine) buildPlan(ctx context.Context, sessionID, turnID string, tasks []router.AssignedTask) (Reply, bool, error) {
	e.setPhase(ctx, sessionID, turnID, session.PhasePlanning)

	// The routed order is dependency-valid, so task registration order is a
	// valid evaluation order too.
	idByIndex := make(map[int]string, len(tasks))
	plan := session.Plan{PlanID: uuid.NewString(), Summary: summarizeTasks(tasks)}
	planTasks := make([]session.PlanTask, 0, len(tasks))
	for _, at := range tasks {
		pt := session.PlanTask{
			TaskID:        uuid.NewString(),
			Subject:       at.Description,
			Capability:    at.Capability,
			AssignedAgent: at.Agent,
			Status:        session.TaskPending,
		}
		if at.DependsOn != nil {
			pt.DependsOn = []string{idByIndex[*at.DependsOn]}
		}
		idByIndex[at.Index] = pt.TaskID
		planTasks = append(planTasks, pt)
	}
	plan.Tasks = planTasks

	if err := e.store.CreatePlan(sessionID, plan); err != nil {
		return Reply{}, false, fmt.Errorf("create plan: %w", err)
	}
	for _, pt := range planTasks {
		if err := e.store.PutTask(sessionID, pt); err != nil {
			return Reply{}, false, fmt.Errorf("register task: %w", err)
		}
	}
	e.emit(ctx, events.TypePlanCreated, sessionID, turnID, events.VisibilityInternal,
		events.PlanPayload{PlanID: plan.PlanID, Status: string(session.PlanDraft), Summary: plan.Summary})

	if err := e.store.SubmitPlan(sessionID); err != nil {
		return Reply{}, false, err
	}
	e.emit(ctx, events.TypePlanSubmitted, sessionID, turnID, events.VisibilityInternal,
		events.PlanPayload{PlanID: plan.PlanID, Status: string(session.PlanPendingApproval)})

	if !e.cfg.AutoApprovePlans {
		e.setPhase(ctx, sessionID, turnID, session.PhaseWaitingPlanApproval)
		a, err := e.gates.QueueApproval(ctx, sessionID, gate.ApprovalSpec{
			FromAgent:   shared.DefaultAgentID,
			Description: "Execute plan: " + plan.Summary,
			RiskLevel:   "medium",
			TurnID:      turnID,
		})
		if err != nil {
			return Reply{}, false, err
		}
		return composeReply("Here's the plan:\n"+plan.Summary, nil,
			[]session.ApprovalRequest{a}, nil, nil), true, nil
	}

	if err := e.store.ApprovePlan(sessionID); err != nil {
		return Reply{}, false, err
	}
	e.emit(ctx, events.TypePlanApproved, sessionID, turnID, events.VisibilityInternal,
		events.PlanPayload{PlanID: plan.PlanID, Status: string(session.PlanApproved)})
	return Reply{}, false, nil
}

// executePlan runs the current plan's remaining tasks wave by wave. A wave
// is the set of tasks whose dependencies are already completed; waves with
// more than one task run their tasks concurrently. Returns a non-nil reply
// when execution suspended at a gate.
func (e *Engine) executePlan(ctx context.Context, sessionID, turnID string) ([]string, *Reply, error) {
	plan, ok := e.store.CurrentPlan(sessionID)
	if !ok {
		return nil, nil, fmt.Errorf("no current plan to execute")
	}
	switch plan.Status {
	case session.PlanApproved:
		if err := e.store.StartPlanExecution(sessionID); err != nil {
			return nil, nil, err
		}
	case session.PlanExecuting:
		// Resuming after a gate or restart.
	default:
		return nil, nil, fmt.Errorf("plan %s is %s, not executable", plan.PlanID, plan.Status)
	}
	e.setPhase(ctx, sessionID, turnID, session.PhaseExecution)

	var failures []string
	var suspended *Reply
	executed := 0

	for suspended == nil {
		tasks := e.store.TasksInOrder(sessionID)
		results := make(map[string]string)
		var ready []session.PlanTask
		for _, t := range tasks {
			switch t.Status {
			case session.TaskCompleted:
				results[t.TaskID] = t.Result
			case session.TaskFailed:
				// Already summarized on a previous pass or turn.
			case session.TaskPending, session.TaskInProgress:
				if depsCompleted(t, tasks) {
					ready = append(ready, t)
				}
			}
		}
		if len(ready) == 0 {
			break
		}

		if e.cfg.TaskBudget > 0 && executed >= e.cfg.TaskBudget {
			q, err := e.gates.QueueQuestion(ctx, sessionID, gate.QuestionSpec{
				FromAgent:   shared.DefaultAgentID,
				Question:    fmt.Sprintf("I've run %d tasks and %d remain. Keep going?", executed, len(ready)),
				Kind:        gate.KindContinue,
				TurnID:      turnID,
				Fingerprint: "task_budget:" + plan.PlanID,
				Iterations:  executed,
			})
			if err != nil {
				return failures, nil, err
			}
			r := composeReply("", []session.UserQuestion{q}, nil, failures, nil)
			return failures, &r, nil
		}

		if len(ready) == 1 {
			outcome := e.runTask(ctx, sessionID, turnID, ready[0], dependencyResult(ready[0], results))
			failures = append(failures, outcome.failures...)
			suspended = outcome.suspended
		} else {
			outcome := e.runWave(ctx, sessionID, turnID, ready, results)
			failures = append(failures, outcome.failures...)
			suspended = outcome.suspended
		}
		executed += len(ready)
	}

	if suspended != nil {
		return failures, suspended, nil
	}
	if err := e.store.CompletePlan(sessionID); err != nil {
		return failures, nil, err
	}

	for _, t := range e.store.TasksInOrder(sessionID) {
		if t.Status == session.TaskSkipped {
			failures = append(failures, fmt.Sprintf("%s: skipped (a task it depends on failed)", t.Subject))
		}
	}
	return failures, nil, nil
}

// taskOutcome is one task's (or wave's) effect on the turn.
type taskOutcome struct {
	failures  []string
	suspended *Reply
}

// runTask executes one task, tracking it as a delegation obligation and
// retrying retryable failures within the retry budget.
func (e *Engine) runTask(ctx context.Context, sessionID, turnID string, t session.PlanTask, depResult string) taskOutcome {
	ctx, span := telemetry.StartSpan(ctx, e.tracer, "workflow.task",
		telemetry.AttrTaskID.String(t.TaskID), telemetry.AttrAgentID.String(t.AssignedAgent),
		telemetry.AttrCapability.String(t.Capability))
	defer span.End()

	ob, _, err := e.obligations.AddOrReuseDelegationObligation(ctx, sessionID, obligation.Delegation{
		TargetAgent:     t.AssignedAgent,
		Objective:       t.Subject,
		ExpectedOutcome: t.Description,
		SourceAgent:     shared.DefaultAgentID,
		TurnID:          turnID,
		Blocking:        true,
	})
	if err != nil {
		return taskOutcome{failures: []string{fmt.Sprintf("%s: %v", t.Subject, err)}}
	}

	e.emit(ctx, events.TypeTaskStarted, sessionID, turnID, events.VisibilityExternal,
		events.TaskPayload{TaskID: t.TaskID, Subject: t.Subject, AgentID: t.AssignedAgent,
			Status: string(session.TaskInProgress)})

	assigned := router.AssignedTask{
		Description: t.Subject,
		Capability:  t.Capability,
		Agent:       t.AssignedAgent,
	}

	var res AgentResult
	for {
		res = e.agents.Execute(ctx, assigned, depResult)
		if res.Success || res.Uncertain {
			break
		}
		if !e.agents.CanRetry(assigned, res.FailureClass) {
			break
		}
	}

	if res.Uncertain {
		reason := res.UncertaintyReason
		if reason == "" {
			reason = "I'm not sure how to proceed with: " + t.Subject
		}
		q, qErr := e.gates.QueueQuestion(ctx, sessionID, gate.QuestionSpec{
			FromAgent: t.AssignedAgent,
			Question:  reason,
			Kind:      "clarification",
			TurnID:    turnID,
		})
		if qErr != nil {
			return taskOutcome{failures: []string{fmt.Sprintf("%s: %v", t.Subject, qErr)}}
		}
		r := composeReply("", []session.UserQuestion{q}, nil, nil, nil)
		return taskOutcome{suspended: &r}
	}

	if res.Success {
		e.emit(ctx, events.TypeTaskCompleted, sessionID, turnID, events.VisibilityExternal,
			events.TaskPayload{TaskID: t.TaskID, Subject: t.Subject, AgentID: t.AssignedAgent,
				Status: string(session.TaskCompleted), Result: res.Data})
		if err := e.obligations.Satisfy(ctx, sessionID, ob.ObligationID, res.Data); err != nil {
			e.logger.Warn("satisfy obligation", "obligation_id", ob.ObligationID, "error", err)
		}
		return taskOutcome{}
	}

	e.emit(ctx, events.TypeTaskFailed, sessionID, turnID, events.VisibilityExternal,
		events.TaskPayload{TaskID: t.TaskID, Subject: t.Subject, AgentID: t.AssignedAgent,
			Status: string(session.TaskFailed), Error: res.Error})
	if err := e.obligations.Fail(ctx, sessionID, ob.ObligationID, res.Error); err != nil {
		e.logger.Warn("fail obligation", "obligation_id", ob.ObligationID, "error", err)
	}
	return taskOutcome{failures: []string{fmt.Sprintf("%s: [%s] %s", t.Subject, res.FailureClass, res.Error)}}
}

// runWave runs independent tasks concurrently under a tracked parallel
// execution group. The group's status resolves to completed or
// partial_failure from the recorded per-task results.
func (e *Engine) runWave(ctx context.Context, sessionID, turnID string, wave []session.PlanTask, results map[string]string) taskOutcome {
	execID := uuid.NewString()
	e.emit(ctx, events.TypeParallelStarted, sessionID, turnID, events.VisibilityInternal,
		events.ParallelPayload{ExecutionID: execID, TaskCount: len(wave)})

	var (
		mu      sync.Mutex
		wg      sync.WaitGroup
		outcome taskOutcome
	)
	for _, t := range wave {
		wg.Add(1)
		go func(t session.PlanTask) {
			defer wg.Done()
			o := e.runTask(ctx, sessionID, turnID, t, dependencyResult(t, results))
			success := len(o.failures) == 0 && o.suspended == nil

			mu.Lock()
			outcome.failures = append(outcome.failures, o.failures...)
			if outcome.suspended == nil {
				outcome.suspended = o.suspended
			}
			mu.Unlock()

			e.emit(ctx, events.TypeParallelResult, sessionID, turnID, events.VisibilityInternal,
				events.ParallelPayload{ExecutionID: execID, TaskID: t.TaskID, Success: success})
		}(t)
	}
	wg.Wait()
	return outcome
}

// completeTurn closes out the turn: review phase, the terminal event, and
// the composed reply. A turn with open blocking obligations never claims
// completion.
func (e *Engine) completeTurn(ctx context.Context, sessionID, turnID string, failures []string) Reply {
	e.setPhase(ctx, sessionID, turnID, session.PhaseReview)

	var parts []string
	for _, t := range e.store.TasksInOrder(sessionID) {
		if t.Status == session.TaskCompleted && t.Result != "" {
			parts = append(parts, t.Subject+": "+t.Result)
		}
	}
	answer := strings.Join(parts, "\n")
	if answer == "" && len(failures) == 0 {
		answer = "Done."
	}

	// A failure-free turn discharges the user's request; anything still
	// open after that is genuinely outstanding and must temper the reply.
	if len(failures) == 0 {
		for _, o := range e.obligations.Unresolved(sessionID, obligation.Filter{}) {
			if o.Type == session.ObligationUserRequest {
				if err := e.obligations.Satisfy(ctx, sessionID, o.ObligationID, answer); err != nil {
					e.logger.Warn("satisfy request obligation", "obligation_id", o.ObligationID, "error", err)
				}
			}
		}
	}

	outstanding := e.obligations.Unresolved(sessionID, obligation.Filter{BlockingOnly: true})
	reply := composeReply(answer, nil, nil, failures, outstanding)

	if len(failures) > 0 && len(parts) == 0 {
		e.emit(ctx, events.TypeWorkflowFailed, sessionID, turnID, events.VisibilityExternal,
			events.CompletionPayload{Failures: failures})
	} else {
		e.emit(ctx, events.TypeWorkflowCompleted, sessionID, turnID, events.VisibilityExternal,
			events.CompletionPayload{Answer: answer, Failures: failures})
	}
	return reply
}

// failTurn reports an infrastructure failure as a reply rather than letting
// it escape the orchestration boundary.
func (e *Engine) failTurn(ctx context.Context, sessionID, turnID string, cause error) Reply {
	e.logger.Error("turn failed", "session_id", sessionID, "turn_id", turnID, "error", cause)
	e.emit(ctx, events.TypeWorkflowFailed, sessionID, turnID, events.VisibilityExternal,
		events.CompletionPayload{Error: cause.Error()})
	return Reply{Text: "I couldn't work on that: " + cause.Error()}
}

// resumeFromGate interprets the message as the resolution of a pending gate.
// Approval gates win over questions; the oldest gate goes first.
func (e *Engine) resumeFromGate(ctx context.Context, sessionID, turnID, text string, prev session.State) (bool, Reply, error) {
	if prev.Phase == session.PhaseWaitingPlanApproval && len(prev.PendingApprovals) > 0 {
		a := prev.PendingApprovals[0]
		if _, err := e.gates.ResolveApproval(ctx, sessionID, a.ApprovalID, affirmative(text)); err != nil {
			return true, Reply{}, err
		}

		if !affirmative(text) {
			rejected, err := e.store.RejectPlan(sessionID, text)
			if err != nil {
				return true, Reply{}, err
			}
			if rejected != nil {
				e.emit(ctx, events.TypePlanRejected, sessionID, turnID, events.VisibilityInternal,
					events.PlanPayload{PlanID: rejected.PlanID, Status: string(session.PlanRejected), Reason: text})
			}
			if _, err := e.obligations.WaiveExceptTurn(ctx, sessionID, turnID); err != nil {
				return true, Reply{}, err
			}
			return true, Reply{Text: "Okay, I won't run that plan. Tell me what you'd like instead."}, nil
		}

		if err := e.store.ApprovePlan(sessionID); err != nil {
			return true, Reply{}, err
		}
		if plan, ok := e.store.CurrentPlan(sessionID); ok {
			e.emit(ctx, events.TypePlanApproved, sessionID, turnID, events.VisibilityInternal,
				events.PlanPayload{PlanID: plan.PlanID, Status: string(session.PlanApproved)})
		}
		failures, suspendedReply, err := e.executePlan(ctx, sessionID, turnID)
		if err != nil {
			return true, Reply{}, err
		}
		if suspendedReply != nil {
			return true, *suspendedReply, nil
		}
		return true, e.completeTurn(ctx, sessionID, turnID, failures), nil
	}

	if len(prev.PendingQuestions) > 0 {
		q := prev.PendingQuestions[0]
		if _, err := e.gates.AnswerQuestion(ctx, sessionID, q.QuestionID, text); err != nil {
			return true, Reply{}, err
		}

		if q.Kind == gate.KindContinue {
			if !affirmative(text) {
				if err := e.stopPlan(ctx, sessionID, turnID); err != nil {
					return true, Reply{}, err
				}
				if _, err := e.obligations.WaiveExceptTurn(ctx, sessionID, turnID); err != nil {
					return true, Reply{}, err
				}
				e.emit(ctx, events.TypeWorkflowCompleted, sessionID, turnID, events.VisibilityExternal,
					events.CompletionPayload{Answer: "Stopped at your request."})
				return true, Reply{Text: "Okay, stopping here."}, nil
			}
			failures, suspendedReply, err := e.executePlan(ctx, sessionID, turnID)
			if err != nil {
				return true, Reply{}, err
			}
			if suspendedReply != nil {
				return true, *suspendedReply, nil
			}
			return true, e.completeTurn(ctx, sessionID, turnID, failures), nil
		}

		// A clarification raised mid-execution resumes the suspended plan:
		// its remaining waves are still valid, and the uncertain task runs
		// again now that the answer is on record.
		if plan, ok := e.store.CurrentPlan(sessionID); ok && plan.Status == session.PlanExecuting {
			failures, suspendedReply, err := e.executePlan(ctx, sessionID, turnID)
			if err != nil {
				return true, Reply{}, err
			}
			if suspendedReply != nil {
				return true, *suspendedReply, nil
			}
			return true, e.completeTurn(ctx, sessionID, turnID, failures), nil
		}

		// Pre-plan clarification: fold the answer into the original request
		// and run the full pipeline again.
		combined := text
		if prev.TaskContext.OriginalRequest != "" {
			combined = prev.TaskContext.OriginalRequest + "\n" + text
		}
		reply, err := e.startFresh(ctx, sessionID, turnID, combined, session.OriginPrimary)
		return true, reply, err
	}

	return false, Reply{}, nil
}

// stopPlan winds down an executing plan the user declined to finish: the
// remaining tasks are skipped and the plan is archived, so the session's
// next request can create a fresh one.
func (e *Engine) stopPlan(ctx context.Context, sessionID, turnID string) error {
	plan, ok := e.store.CurrentPlan(sessionID)
	if !ok || plan.Status != session.PlanExecuting {
		return nil
	}
	for _, t := range e.store.TasksInOrder(sessionID) {
		if t.Status == session.TaskPending || t.Status == session.TaskInProgress {
			e.emit(ctx, events.TypeTaskSkipped, sessionID, turnID, events.VisibilityInternal,
				events.TaskPayload{TaskID: t.TaskID, Subject: t.Subject, AgentID: t.AssignedAgent,
					Status: string(session.TaskSkipped)})
		}
	}
	return e.store.CompletePlan(sessionID)
}

func (e *Engine) setPhase(ctx context.Context, sessionID, turnID string, phase session.Phase) {
	old, _ := e.store.Get(sessionID)
	e.emit(ctx, events.TypePhaseChanged, sessionID, turnID, events.VisibilityInternal,
		events.PhaseChangedPayload{OldPhase: string(old.Phase), NewPhase: string(phase)})
}

func (e *Engine) emit(ctx context.Context, t events.Type, sessionID, turnID string, vis events.Visibility, payload any) {
	env, err := events.New(t, sessionID, shared.DefaultAgentID, vis, payload)
	if err != nil {
		e.logger.Error("build event", "type", string(t), "error", err)
		return
	}
	if err := e.bus.Emit(ctx, env.WithTurn(turnID)); err != nil {
		e.logger.Error("emit event", "type", string(t), "error", err)
	}
}

// depsCompleted reports whether every dependency of t is completed.
func depsCompleted(t session.PlanTask, all []session.PlanTask) bool {
	byID := make(map[string]session.PlanTask, len(all))
	for _, x := range all {
		byID[x.TaskID] = x
	}
	for _, dep := range t.DependsOn {
		if byID[dep].Status != session.TaskCompleted {
			return false
		}
	}
	return true
}

// dependencyResult returns the output of t's predecessor, empty when t has
// none.
func dependencyResult(t session.PlanTask, results map[string]string) string {
	if len(t.DependsOn) == 0 {
		return ""
	}
	return results[t.DependsOn[0]]
}

func summarizeTasks(tasks []router.AssignedTask) string {
	var b strings.Builder
	for i, t := range tasks {
		if i > 0 {
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "%d. %s (%s)", i+1, t.Description, t.Agent)
	}
	return b.String()
}

// affirmative interprets a short user reply as consent.
func affirmative(text string) bool {
	t := strings.ToLower(strings.TrimSpace(text))
	switch t {
	case "y", "yes", "yep", "yeah", "ok", "okay", "sure", "approve", "approved",
		"go", "go ahead", "continue", "proceed", "do it", "lgtm":
		return true
	}
	return strings.HasPrefix(t, "yes,") || strings.HasPrefix(t, "yes ") ||
		strings.HasPrefix(t, "approve") || strings.HasPrefix(t, "go ahead")
}
