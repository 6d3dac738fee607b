package workflow

import (
	"context"
	"errors"
	"testing"

	"github.com/stationhq/conductor/internal/router"
)

type funcAgent func(ctx context.Context, task router.AssignedTask, dep string) (AgentResult, error)

func (f funcAgent) Execute(ctx context.Context, task router.AssignedTask, dep string) (AgentResult, error) {
	return f(ctx, task, dep)
}

type funcTool func(ctx context.Context, name string, args map[string]any) (ToolResult, error)

func (f funcTool) Execute(ctx context.Context, name string, args map[string]any) (ToolResult, error) {
	return f(ctx, name, args)
}

func TestResilientAgentConvertsErrorsToResults(t *testing.T) {
	ra := NewResilientAgent(funcAgent(func(context.Context, router.AssignedTask, string) (AgentResult, error) {
		return AgentResult{}, errors.New("dial tcp: connection refused")
	}), 3, nil)

	res := ra.Execute(context.Background(), router.AssignedTask{Agent: "devo", Description: "build"}, "")
	if res.Success {
		t.Fatal("error reported as success")
	}
	if res.FailureClass != FailureNetwork {
		t.Fatalf("class = %s, want NETWORK", res.FailureClass)
	}
	if res.Error == "" {
		t.Fatal("error text dropped")
	}
}

func TestResilientAgentRetryBudget(t *testing.T) {
	ra := NewResilientAgent(funcAgent(func(context.Context, router.AssignedTask, string) (AgentResult, error) {
		return AgentResult{}, errors.New("timeout")
	}), 2, nil)
	task := router.AssignedTask{Agent: "devo", Description: "deploy"}

	res := ra.Execute(context.Background(), task, "")
	if !ra.CanRetry(task, res.FailureClass) {
		t.Fatal("retry denied after first failure")
	}
	res = ra.Execute(context.Background(), task, "")
	if ra.CanRetry(task, res.FailureClass) {
		t.Fatal("retry allowed past the cap")
	}

	// Non-retryable classes never retry, regardless of budget.
	fresh := router.AssignedTask{Agent: "devo", Description: "other"}
	if ra.CanRetry(fresh, FailureAuth) {
		t.Fatal("AUTH failure reported retryable")
	}
}

func TestResilientAgentCounterResetsOnSuccess(t *testing.T) {
	fail := true
	ra := NewResilientAgent(funcAgent(func(context.Context, router.AssignedTask, string) (AgentResult, error) {
		if fail {
			return AgentResult{}, errors.New("timeout")
		}
		return AgentResult{Success: true, Data: "done"}, nil
	}), 1, nil)
	task := router.AssignedTask{Agent: "devo", Description: "flaky"}

	ra.Execute(context.Background(), task, "")
	if ra.CanRetry(task, FailureTimeout) {
		t.Fatal("budget of 1 not exhausted")
	}

	fail = false
	if res := ra.Execute(context.Background(), task, ""); !res.Success {
		t.Fatalf("result = %+v", res)
	}
	if !ra.CanRetry(task, FailureTimeout) {
		t.Fatal("counter not reset by success")
	}
}

func TestResilientToolPendingApprovalPassesThrough(t *testing.T) {
	rt := NewResilientTool(funcTool(func(context.Context, string, map[string]any) (ToolResult, error) {
		return ToolResult{PendingApproval: true}, nil
	}), 3, nil)

	res := rt.Execute(context.Background(), "shell", nil)
	if !res.PendingApproval || res.Success || res.Error != "" {
		t.Fatalf("result = %+v, want bare pending approval", res)
	}
}

func TestResilientToolClassifiesErrors(t *testing.T) {
	rt := NewResilientTool(funcTool(func(context.Context, string, map[string]any) (ToolResult, error) {
		return ToolResult{}, errors.New("forbidden tool: rm")
	}), 3, nil)

	res := rt.Execute(context.Background(), "rm", nil)
	if res.FailureClass != FailureForbiddenTool {
		t.Fatalf("class = %s, want FORBIDDEN_TOOL", res.FailureClass)
	}
}
