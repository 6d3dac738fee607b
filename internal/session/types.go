// Package session holds the per-conversation state record, the store that
// owns it, and the debounced persistence queue behind the store.
package session

import (
	"time"
)

// Phase is the coarse position of a session in the workflow.
type Phase string

const (
	PhaseQualification       Phase = "qualification"
	PhasePlanning            Phase = "planning"
	PhaseWaitingPlanApproval Phase = "waiting_plan_approval"
	PhaseExecution           Phase = "execution"
	PhaseReview              Phase = "review"
)

// historyCap bounds agentHistory growth; oldest entries are dropped first.
const historyCap = 200

// HistoryEntry is one agent activity record.
type HistoryEntry struct {
	AgentID   string    `json:"agent_id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// TaskContext carries what the session has learned about the active request.
type TaskContext struct {
	OriginalRequest     string            `json:"original_request,omitempty"`
	QualificationResult string            `json:"qualification_result,omitempty"`
	GatheredFiles       []string          `json:"gathered_files,omitempty"` // sorted, deduplicated
	GatheredInfo        map[string]string `json:"gathered_info,omitempty"`
}

// ObligationStatus is the resolution state of an obligation.
type ObligationStatus string

const (
	ObligationOpen      ObligationStatus = "open"
	ObligationSatisfied ObligationStatus = "satisfied"
	ObligationFailed    ObligationStatus = "failed"
	ObligationWaived    ObligationStatus = "waived"
)

// Terminal reports whether the status is a resolution.
func (s ObligationStatus) Terminal() bool {
	return s != ObligationOpen
}

// ObligationType distinguishes where an obligation came from.
type ObligationType string

const (
	ObligationUserRequest ObligationType = "user_request"
	ObligationDelegation  ObligationType = "delegation"
)

// ObligationOrigin records which intake path created the obligation.
type ObligationOrigin string

const (
	OriginPrimary    ObligationOrigin = "primary"
	OriginInbox      ObligationOrigin = "inbox"
	OriginDelegation ObligationOrigin = "delegation"
)

// Obligation is a tracked unit of work the system still owes the user or
// itself. Status only ever moves open -> {satisfied, failed, waived};
// ResolvedAt is set iff the status is terminal.
type Obligation struct {
	ObligationID    string            `json:"obligation_id"`
	Type            ObligationType    `json:"type"`
	Description     string            `json:"description"`
	RequiredOutcome string            `json:"required_outcome,omitempty"`
	SourceAgent     string            `json:"source_agent,omitempty"`
	Status          ObligationStatus  `json:"status"`
	Evidence        []string          `json:"evidence,omitempty"` // ordered, deduplicated
	Fingerprint     string            `json:"fingerprint"`
	TurnID          string            `json:"turn_id,omitempty"`
	Origin          ObligationOrigin  `json:"origin"`
	Blocking        bool              `json:"blocking"`
	Metadata        map[string]string `json:"metadata,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
	ResolvedAt      *time.Time        `json:"resolved_at,omitempty"`
}

// PlanStatus is the lifecycle state of an execution plan. Transitions run
// strictly forward: draft -> pending_approval -> approved -> executing ->
// completed, with rejected reachable only from pending_approval.
type PlanStatus string

const (
	PlanDraft           PlanStatus = "draft"
	PlanPendingApproval PlanStatus = "pending_approval"
	PlanApproved        PlanStatus = "approved"
	PlanExecuting       PlanStatus = "executing"
	PlanCompleted       PlanStatus = "completed"
	PlanRejected        PlanStatus = "rejected"
)

// TaskStatus is the lifecycle state of one plan task.
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskInProgress TaskStatus = "in_progress"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
	TaskSkipped    TaskStatus = "skipped"
)

// PlanTask is one unit of an execution plan. Tasks form a DAG through
// DependsOn; a task is skipped automatically when a predecessor fails.
type PlanTask struct {
	TaskID        string     `json:"task_id"`
	Subject       string     `json:"subject"`
	Description   string     `json:"description,omitempty"`
	Capability    string     `json:"capability,omitempty"`
	AssignedAgent string     `json:"assigned_agent"`
	ActiveForm    string     `json:"active_form,omitempty"`
	DependsOn     []string   `json:"depends_on,omitempty"`
	Status        TaskStatus `json:"status"`
	Result        string     `json:"result,omitempty"`
	Progress      string     `json:"progress,omitempty"`
}

// Plan is an execution plan proposed to (and approved by) the user.
type Plan struct {
	PlanID            string     `json:"plan_id"`
	SessionID         string     `json:"session_id"`
	Status            PlanStatus `json:"status"`
	ChapoPerspective  string     `json:"chapo_perspective,omitempty"`
	DevoPerspective   string     `json:"devo_perspective,omitempty"`
	Summary           string     `json:"summary,omitempty"`
	Tasks             []PlanTask `json:"tasks,omitempty"`
	EstimatedDuration string     `json:"estimated_duration,omitempty"`
	OverallRisk       string     `json:"overall_risk,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

// UserQuestion is a pending question gate entry.
type UserQuestion struct {
	QuestionID  string     `json:"question_id"`
	FromAgent   string     `json:"from_agent"`
	Question    string     `json:"question"`
	Kind        string     `json:"kind,omitempty"`
	TurnID      string     `json:"turn_id,omitempty"`
	Fingerprint string     `json:"fingerprint,omitempty"`
	Iterations  int        `json:"iterations,omitempty"`
	Timestamp   time.Time  `json:"timestamp"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
}

// Expired reports whether the question's TTL has passed at the given instant.
func (q UserQuestion) Expired(now time.Time) bool {
	return q.ExpiresAt != nil && now.After(*q.ExpiresAt)
}

// ApprovalRequest is a pending approval gate entry.
type ApprovalRequest struct {
	ApprovalID  string    `json:"approval_id"`
	FromAgent   string    `json:"from_agent"`
	Description string    `json:"description"`
	RiskLevel   string    `json:"risk_level,omitempty"`
	TurnID      string    `json:"turn_id,omitempty"`
	Iterations  int       `json:"iterations,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// ParallelStatus is the outcome of a parallel execution group.
type ParallelStatus string

const (
	ParallelRunning        ParallelStatus = "running"
	ParallelCompleted      ParallelStatus = "completed"
	ParallelPartialFailure ParallelStatus = "partial_failure"
)

// ParallelResult is one sub-result of a parallel execution.
type ParallelResult struct {
	TaskID  string `json:"task_id"`
	Success bool   `json:"success"`
	Result  string `json:"result,omitempty"`
}

// ParallelExecution tracks a batch of concurrently running tasks. It moves
// running -> {completed, partial_failure} automatically once the result count
// equals TaskCount; partial_failure wins if any sub-result failed. Callers
// must treat partial_failure as "proceed, but surface which sub-results
// failed", not as total failure.
type ParallelExecution struct {
	ExecutionID string           `json:"execution_id"`
	TaskCount   int              `json:"task_count"`
	Results     []ParallelResult `json:"results,omitempty"`
	Status      ParallelStatus   `json:"status"`
	StartedAt   time.Time        `json:"started_at"`
}

// FailedTasks lists the task IDs whose sub-result failed.
func (p ParallelExecution) FailedTasks() []string {
	var failed []string
	for _, r := range p.Results {
		if !r.Success {
			failed = append(failed, r.TaskID)
		}
	}
	return failed
}

// State is the full per-conversation record. Owned exclusively by the Store;
// mutated only through its operations.
type State struct {
	SessionID          string              `json:"session_id"`
	Phase              Phase               `json:"phase"`
	ActiveAgent        string              `json:"active_agent,omitempty"`
	TaskContext        TaskContext         `json:"task_context"`
	AgentHistory       []HistoryEntry      `json:"agent_history,omitempty"`
	PendingApprovals   []ApprovalRequest   `json:"pending_approvals,omitempty"`
	PendingQuestions   []UserQuestion      `json:"pending_questions,omitempty"`
	ParallelExecutions []ParallelExecution `json:"parallel_executions,omitempty"`
	Obligations        []Obligation        `json:"obligations,omitempty"`
	CurrentPlan        *Plan               `json:"current_plan,omitempty"`
	PlanHistory        []Plan              `json:"plan_history,omitempty"`
	Tasks              map[string]PlanTask `json:"tasks,omitempty"`
	TaskOrder          []string            `json:"task_order,omitempty"`
	CreatedAt          time.Time           `json:"created_at"`
	UpdatedAt          time.Time           `json:"updated_at"`

	// IsLoopRunning rejects overlapping turns. Never persisted: a restarted
	// process has no loop running by definition.
	IsLoopRunning bool `json:"-"`
}

// normalize fills defaults after loading a persisted blob. Unknown fields are
// already ignored by the JSON reader; missing fields get their zero defaults
// here so old blobs keep working.
func (s *State) normalize() {
	if s.Phase == "" {
		s.Phase = PhaseQualification
	}
	if s.TaskContext.GatheredInfo == nil {
		s.TaskContext.GatheredInfo = make(map[string]string)
	}
	if s.Tasks == nil {
		s.Tasks = make(map[string]PlanTask)
	}
	if len(s.AgentHistory) > historyCap {
		s.AgentHistory = s.AgentHistory[len(s.AgentHistory)-historyCap:]
	}
}
