package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/stationhq/conductor/internal/router"
)

// retryBook keeps one retry counter per operation key. Counters cap at max
// and reset on the next success of the same operation.
type retryBook struct {
	mu     sync.Mutex
	max    int
	counts map[string]int
}

func newRetryBook(max int) *retryBook {
	if max <= 0 {
		max = 3
	}
	return &retryBook{max: max, counts: make(map[string]int)}
}

// failure bumps the counter for op and reports the attempt number and
// whether the cap is reached.
func (b *retryBook) failure(op string) (attempt int, capped bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.counts[op]++
	return b.counts[op], b.counts[op] >= b.max
}

func (b *retryBook) success(op string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.counts, op)
}

// ResilientAgent wraps an AgentExecutor so failures never escape as errors:
// an execution error becomes a tagged unsuccessful result with retry
// bookkeeping attached.
type ResilientAgent struct {
	inner  AgentExecutor
	book   *retryBook
	logger *slog.Logger
}

// NewResilientAgent wraps inner with failure classification and a retry
// counter capped at maxRetries per task.
func NewResilientAgent(inner AgentExecutor, maxRetries int, logger *slog.Logger) *ResilientAgent {
	if logger == nil {
		logger = slog.Default()
	}
	return &ResilientAgent{inner: inner, book: newRetryBook(maxRetries), logger: logger}
}

// Execute runs the task. The returned result is always usable: errors from
// the inner executor are converted to a classified failure result.
func (ra *ResilientAgent) Execute(ctx context.Context, task router.AssignedTask, dependencyResult string) AgentResult {
	op := agentOp(task)

	res, err := ra.inner.Execute(ctx, task, dependencyResult)
	if err != nil {
		class := Classify(err)
		attempt, capped := ra.book.failure(op)
		ra.logger.Warn("agent execution failed",
			"agent", task.Agent,
			"task_index", task.Index,
			"class", string(class),
			"attempt", attempt,
			"retries_exhausted", capped,
			"error", err)
		return AgentResult{
			Success:      false,
			Error:        err.Error(),
			FailureClass: class,
		}
	}

	if res.Success {
		ra.book.success(op)
		return res
	}
	if !res.Uncertain {
		ra.book.failure(op)
		if res.FailureClass == "" && res.Error != "" {
			res.FailureClass = Classify(fmt.Errorf("%s", res.Error))
		}
	}
	return res
}

// CanRetry reports whether the task's retry budget still has room and the
// failure class is one that retrying can help.
func (ra *ResilientAgent) CanRetry(task router.AssignedTask, class FailureClass) bool {
	if !class.Retryable() {
		return false
	}
	ra.book.mu.Lock()
	defer ra.book.mu.Unlock()
	return ra.book.counts[agentOp(task)] < ra.book.max
}

// agentOp is the retry-counter key for a task.
func agentOp(task router.AssignedTask) string {
	return fmt.Sprintf("agent:%s:%s", task.Agent, task.Description)
}

// ResilientTool wraps a ToolExecutor the same way ResilientAgent wraps an
// AgentExecutor. PendingApproval results pass through untouched.
type ResilientTool struct {
	inner  ToolExecutor
	book   *retryBook
	logger *slog.Logger
}

// NewResilientTool wraps inner with failure classification and per-tool
// retry counters.
func NewResilientTool(inner ToolExecutor, maxRetries int, logger *slog.Logger) *ResilientTool {
	if logger == nil {
		logger = slog.Default()
	}
	return &ResilientTool{inner: inner, book: newRetryBook(maxRetries), logger: logger}
}

// Execute runs the tool call, converting errors to classified results.
func (rt *ResilientTool) Execute(ctx context.Context, toolName string, args map[string]any) ToolResult {
	op := "tool:" + toolName

	res, err := rt.inner.Execute(ctx, toolName, args)
	if err != nil {
		class := Classify(err)
		attempt, capped := rt.book.failure(op)
		rt.logger.Warn("tool execution failed",
			"tool", toolName,
			"class", string(class),
			"attempt", attempt,
			"retries_exhausted", capped,
			"error", err)
		return ToolResult{
			Success:      false,
			Error:        err.Error(),
			FailureClass: class,
		}
	}

	if res.PendingApproval {
		return res
	}
	if res.Success {
		rt.book.success(op)
		return res
	}
	rt.book.failure(op)
	if res.FailureClass == "" && res.Error != "" {
		res.FailureClass = Classify(fmt.Errorf("%s", res.Error))
	}
	return res
}
