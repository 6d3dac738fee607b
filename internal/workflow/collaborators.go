package workflow

import (
	"context"

	"github.com/stationhq/conductor/internal/router"
	"github.com/stationhq/conductor/internal/session"
)

// Classifier turns raw user text into a capability analysis. Implementations
// are external (an LLM call in production, a stub in tests).
type Classifier interface {
	Analyze(ctx context.Context, userText string, history []session.HistoryEntry) (*router.CapabilityAnalysis, error)
}

// AgentResult is the outcome of one worker execution. Uncertain results are
// not failures: the caller routes them to a question gate.
type AgentResult struct {
	Success           bool
	Data              string
	Error             string
	FailureClass      FailureClass
	Uncertain         bool
	UncertaintyReason string
}

// AgentExecutor runs one assigned task. dependencyResult carries the output
// of the task's depends_on predecessor, empty when there is none.
type AgentExecutor interface {
	Execute(ctx context.Context, task router.AssignedTask, dependencyResult string) (AgentResult, error)
}

// ToolResult is the outcome of one tool call. PendingApproval means the call
// was intercepted by an approval bridge and is neither success nor failure
// until the gate resolves.
type ToolResult struct {
	Success         bool
	Result          string
	Error           string
	FailureClass    FailureClass
	PendingApproval bool
}

// ToolExecutor runs one named tool call.
type ToolExecutor interface {
	Execute(ctx context.Context, toolName string, args map[string]any) (ToolResult, error)
}
