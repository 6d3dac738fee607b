package events

import "time"

// Payload structs carried by envelopes. Kept free of other internal packages
// so every projection can depend on this package alone.

// WorkflowStartedPayload announces a new turn for a user request.
type WorkflowStartedPayload struct {
	Request string `json:"request"`
}

// PhaseChangedPayload records a session phase transition.
type PhaseChangedPayload struct {
	OldPhase string `json:"old_phase"`
	NewPhase string `json:"new_phase"`
}

// QualificationPayload carries the qualification result for the active request.
type QualificationPayload struct {
	Result string `json:"result"`
}

// AgentMessagePayload is an agent activity entry destined for session history.
type AgentMessagePayload struct {
	AgentID string `json:"agent_id"`
	Role    string `json:"role"`
	Content string `json:"content"`
}

// PlanPayload describes a plan lifecycle change.
type PlanPayload struct {
	PlanID  string `json:"plan_id"`
	Status  string `json:"status"`
	Summary string `json:"summary,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

// TaskPayload describes a plan task lifecycle change.
type TaskPayload struct {
	TaskID   string `json:"task_id"`
	PlanID   string `json:"plan_id,omitempty"`
	Subject  string `json:"subject,omitempty"`
	AgentID  string `json:"agent_id,omitempty"`
	Status   string `json:"status,omitempty"`
	Result   string `json:"result,omitempty"`
	Progress string `json:"progress,omitempty"`
	Error    string `json:"error,omitempty"`
}

// ParallelPayload tracks a parallel execution group.
type ParallelPayload struct {
	ExecutionID string `json:"execution_id"`
	TaskCount   int    `json:"task_count,omitempty"`
	TaskID      string `json:"task_id,omitempty"`
	Success     bool   `json:"success"`
	Result      string `json:"result,omitempty"`
}

// ObligationPayload describes an obligation being added or resolved.
type ObligationPayload struct {
	ObligationID string   `json:"obligation_id"`
	Kind         string   `json:"kind"`
	Description  string   `json:"description,omitempty"`
	Status       string   `json:"status"`
	Evidence     []string `json:"evidence,omitempty"`
}

// QuestionPayload carries a queued, answered, or expired user question.
type QuestionPayload struct {
	QuestionID  string     `json:"question_id"`
	FromAgent   string     `json:"from_agent"`
	Question    string     `json:"question,omitempty"`
	Kind        string     `json:"kind,omitempty"`
	Fingerprint string     `json:"fingerprint,omitempty"`
	Iterations  int        `json:"iterations,omitempty"`
	Answer      string     `json:"answer,omitempty"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
}

// ApprovalPayload carries a queued or resolved approval request.
type ApprovalPayload struct {
	ApprovalID  string `json:"approval_id"`
	FromAgent   string `json:"from_agent"`
	Description string `json:"description,omitempty"`
	RiskLevel   string `json:"risk_level,omitempty"`
	Iterations  int    `json:"iterations,omitempty"`
	Approved    bool   `json:"approved"`
}

// CompletionPayload is the terminal payload for workflow.completed and
// workflow.failed.
type CompletionPayload struct {
	Answer   string   `json:"answer,omitempty"`
	Error    string   `json:"error,omitempty"`
	Failures []string `json:"failures,omitempty"`
}
