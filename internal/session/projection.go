package session

import (
	"context"
	"fmt"

	"github.com/stationhq/conductor/internal/events"
)

// Projection applies workflow events to the store. It runs first in the bus
// order so session state is consistent before any outward-facing projection
// observes the same event.
//
// Only event categories whose sole mutation path is the bus are applied here:
// gate lifecycle, agent activity, phase changes, qualification, task status,
// and parallel-execution tracking. Plan and obligation events are
// informational — their owners mutate the store through its operations
// directly — so applying them again would double-apply.
type Projection struct {
	store *Store
}

// NewProjection creates the state projection over the store.
func NewProjection(store *Store) *Projection {
	return &Projection{store: store}
}

// Name implements events.Projection.
func (p *Projection) Name() string { return "state" }

// Handle implements events.Projection.
func (p *Projection) Handle(_ context.Context, env events.Envelope) error {
	switch env.Type {
	case events.TypePhaseChanged:
		pl, ok := env.Payload.(events.PhaseChangedPayload)
		if !ok {
			return fmt.Errorf("%s: unexpected payload %T", env.Type, env.Payload)
		}
		_, err := p.store.SetPhase(env.SessionID, Phase(pl.NewPhase))
		return err

	case events.TypeQualification:
		pl, ok := env.Payload.(events.QualificationPayload)
		if !ok {
			return fmt.Errorf("%s: unexpected payload %T", env.Type, env.Payload)
		}
		return p.store.SetQualificationResult(env.SessionID, pl.Result)

	case events.TypeAgentMessage:
		pl, ok := env.Payload.(events.AgentMessagePayload)
		if !ok {
			return fmt.Errorf("%s: unexpected payload %T", env.Type, env.Payload)
		}
		return p.store.AppendHistory(env.SessionID, HistoryEntry{
			AgentID:   pl.AgentID,
			Role:      pl.Role,
			Content:   pl.Content,
			Timestamp: env.Timestamp,
		})

	case events.TypeTaskStarted, events.TypeTaskProgress, events.TypeTaskCompleted,
		events.TypeTaskFailed, events.TypeTaskSkipped:
		return p.applyTask(env)

	case events.TypeParallelStarted:
		pl, ok := env.Payload.(events.ParallelPayload)
		if !ok {
			return fmt.Errorf("%s: unexpected payload %T", env.Type, env.Payload)
		}
		return p.store.StartParallelExecution(env.SessionID, pl.ExecutionID, pl.TaskCount)

	case events.TypeParallelResult:
		pl, ok := env.Payload.(events.ParallelPayload)
		if !ok {
			return fmt.Errorf("%s: unexpected payload %T", env.Type, env.Payload)
		}
		_, err := p.store.RecordParallelResult(env.SessionID, pl.ExecutionID, ParallelResult{
			TaskID:  pl.TaskID,
			Success: pl.Success,
			Result:  pl.Result,
		})
		return err

	case events.TypeQuestionQueued:
		pl, ok := env.Payload.(events.QuestionPayload)
		if !ok {
			return fmt.Errorf("%s: unexpected payload %T", env.Type, env.Payload)
		}
		return p.store.AddPendingQuestion(env.SessionID, UserQuestion{
			QuestionID:  pl.QuestionID,
			FromAgent:   pl.FromAgent,
			Question:    pl.Question,
			Kind:        pl.Kind,
			TurnID:      env.TurnID,
			Fingerprint: pl.Fingerprint,
			Iterations:  pl.Iterations,
			Timestamp:   env.Timestamp,
			ExpiresAt:   pl.ExpiresAt,
		})

	case events.TypeQuestionAnswered, events.TypeQuestionExpired:
		pl, ok := env.Payload.(events.QuestionPayload)
		if !ok {
			return fmt.Errorf("%s: unexpected payload %T", env.Type, env.Payload)
		}
		p.store.RemovePendingQuestion(env.SessionID, pl.QuestionID)
		return nil

	case events.TypeApprovalQueued:
		pl, ok := env.Payload.(events.ApprovalPayload)
		if !ok {
			return fmt.Errorf("%s: unexpected payload %T", env.Type, env.Payload)
		}
		return p.store.AddPendingApproval(env.SessionID, ApprovalRequest{
			ApprovalID:  pl.ApprovalID,
			FromAgent:   pl.FromAgent,
			Description: pl.Description,
			RiskLevel:   pl.RiskLevel,
			TurnID:      env.TurnID,
			Iterations:  pl.Iterations,
			Timestamp:   env.Timestamp,
		})

	case events.TypeApprovalResolved:
		pl, ok := env.Payload.(events.ApprovalPayload)
		if !ok {
			return fmt.Errorf("%s: unexpected payload %T", env.Type, env.Payload)
		}
		p.store.RemovePendingApproval(env.SessionID, pl.ApprovalID)
		return nil
	}
	return nil
}

func (p *Projection) applyTask(env events.Envelope) error {
	pl, ok := env.Payload.(events.TaskPayload)
	if !ok {
		return fmt.Errorf("%s: unexpected payload %T", env.Type, env.Payload)
	}
	var status TaskStatus
	switch env.Type {
	case events.TypeTaskStarted:
		status = TaskInProgress
	case events.TypeTaskCompleted:
		status = TaskCompleted
	case events.TypeTaskFailed:
		status = TaskFailed
	case events.TypeTaskSkipped:
		status = TaskSkipped
	case events.TypeTaskProgress:
		// Progress keeps the in_progress status, only the text changes.
		return p.store.setTaskProgress(env.SessionID, pl.TaskID, pl.Progress)
	}
	result := pl.Result
	if result == "" {
		result = pl.Error
	}
	return p.store.SetTaskStatus(env.SessionID, pl.TaskID, status, result)
}
