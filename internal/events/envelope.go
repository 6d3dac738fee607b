// Package events defines the workflow event envelope and the projection bus
// that fans each emitted event out to its consumers in a fixed order.
package events

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Type identifies a workflow event. The catalog is closed: Emit rejects
// types that are not listed here.
type Type string

const (
	TypeWorkflowStarted    Type = "workflow.started"
	TypePhaseChanged       Type = "workflow.phase_changed"
	TypeQualification      Type = "workflow.qualification"
	TypeAgentMessage       Type = "workflow.agent_message"
	TypePlanCreated        Type = "workflow.plan_created"
	TypePlanSubmitted      Type = "workflow.plan_submitted"
	TypePlanApproved       Type = "workflow.plan_approved"
	TypePlanRejected       Type = "workflow.plan_rejected"
	TypeTaskStarted        Type = "workflow.task_started"
	TypeTaskProgress       Type = "workflow.task_progress"
	TypeTaskCompleted      Type = "workflow.task_completed"
	TypeTaskFailed         Type = "workflow.task_failed"
	TypeTaskSkipped        Type = "workflow.task_skipped"
	TypeParallelStarted    Type = "workflow.parallel_started"
	TypeParallelResult     Type = "workflow.parallel_result"
	TypeObligationAdded    Type = "workflow.obligation_added"
	TypeObligationResolved Type = "workflow.obligation_resolved"
	TypeQuestionQueued     Type = "workflow.question_queued"
	TypeQuestionAnswered   Type = "workflow.question_answered"
	TypeQuestionExpired    Type = "workflow.question_expired"
	TypeApprovalQueued     Type = "workflow.approval_queued"
	TypeApprovalResolved   Type = "workflow.approval_resolved"
	TypeWorkflowCompleted  Type = "workflow.completed"
	TypeWorkflowFailed     Type = "workflow.failed"
)

var catalog = map[Type]struct{}{
	TypeWorkflowStarted:    {},
	TypePhaseChanged:       {},
	TypeQualification:      {},
	TypeAgentMessage:       {},
	TypePlanCreated:        {},
	TypePlanSubmitted:      {},
	TypePlanApproved:       {},
	TypePlanRejected:       {},
	TypeTaskStarted:        {},
	TypeTaskProgress:       {},
	TypeTaskCompleted:      {},
	TypeTaskFailed:         {},
	TypeTaskSkipped:        {},
	TypeParallelStarted:    {},
	TypeParallelResult:     {},
	TypeObligationAdded:    {},
	TypeObligationResolved: {},
	TypeQuestionQueued:     {},
	TypeQuestionAnswered:   {},
	TypeQuestionExpired:    {},
	TypeApprovalQueued:     {},
	TypeApprovalResolved:   {},
	TypeWorkflowCompleted:  {},
	TypeWorkflowFailed:     {},
}

// Known reports whether t belongs to the event catalog.
func Known(t Type) bool {
	_, ok := catalog[t]
	return ok
}

// Terminal reports whether t ends a turn. Terminal events are excluded from
// the generic outward stream mapping; the workflow responder composes the
// final reply for them instead.
func (t Type) Terminal() bool {
	return t == TypeWorkflowCompleted || t == TypeWorkflowFailed
}

// Visibility controls whether an event may leave the process through the
// stream projection.
type Visibility string

const (
	VisibilityInternal Visibility = "internal"
	VisibilityExternal Visibility = "external"
)

// Envelope is the sole unit of communication between orchestration and
// projections. Immutable once emitted.
type Envelope struct {
	EventID    string     `json:"event_id"`
	Type       Type       `json:"event_type"`
	SessionID  string     `json:"session_id"`
	RequestID  string     `json:"request_id,omitempty"`
	TurnID     string     `json:"turn_id,omitempty"`
	Source     string     `json:"source"`
	Visibility Visibility `json:"visibility"`
	Payload    any        `json:"payload,omitempty"`
	Timestamp  time.Time  `json:"timestamp"`
}

// New builds an envelope with a fresh event ID and timestamp.
func New(t Type, sessionID, source string, visibility Visibility, payload any) (Envelope, error) {
	if !Known(t) {
		return Envelope{}, fmt.Errorf("unknown event type %q", t)
	}
	if sessionID == "" {
		return Envelope{}, fmt.Errorf("event %s: empty session_id", t)
	}
	return Envelope{
		EventID:    uuid.NewString(),
		Type:       t,
		SessionID:  sessionID,
		Source:     source,
		Visibility: visibility,
		Payload:    payload,
		Timestamp:  time.Now().UTC(),
	}, nil
}

// WithTurn returns a copy of the envelope tagged with a turn ID.
func (e Envelope) WithTurn(turnID string) Envelope {
	e.TurnID = turnID
	return e
}

// WithRequest returns a copy of the envelope tagged with a request ID.
func (e Envelope) WithRequest(requestID string) Envelope {
	e.RequestID = requestID
	return e
}
