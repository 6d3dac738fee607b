// Package router turns a capability analysis into agent-assigned,
// dependency-ordered tasks. Routing is deterministic: the same analysis and
// the same capability table always produce the same order.
package router

import (
	"fmt"
	"log/slog"
)

// ResultKind discriminates the two routing outcomes.
type ResultKind string

const (
	// KindTasks means the batch was scheduled.
	KindTasks ResultKind = "tasks"
	// KindQuestion means the classifier needs clarification before anything
	// can be scheduled.
	KindQuestion ResultKind = "question"
)

// AssignedTask is a scheduled sub-task. Index is the task's position in the
// original analysis, preserved so dependency references stay meaningful.
type AssignedTask struct {
	Index       int
	Description string
	Capability  string
	Agent       string
	DependsOn   *int
}

// Result is the routing outcome: either an ordered task batch or a
// clarification question, never both.
type Result struct {
	Kind     ResultKind
	Question string
	Tasks    []AssignedTask
}

// Router assigns agents by capability and orders tasks by dependency. The
// table is fixed at construction so tests can swap it per case.
type Router struct {
	table    map[string]string
	fallback string
	logger   *slog.Logger
}

// DefaultCapabilityTable maps the built-in capabilities to the built-in
// agents.
func DefaultCapabilityTable() map[string]string {
	return map[string]string{
		"code":     "devo",
		"research": "chapo",
		"ops":      "ops",
		"general":  "chapo",
	}
}

// New creates a Router over the given capability table. fallback, when
// non-empty, receives tasks whose capability is absent from the table;
// when empty such tasks are a routing error.
func New(table map[string]string, fallback string, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	t := make(map[string]string, len(table))
	for k, v := range table {
		t[k] = v
	}
	return &Router{table: t, fallback: fallback, logger: logger}
}

// Route validates and orders the analysis. A clarification signal
// short-circuits to a question result. Dependency references are checked
// strictly: an index outside the batch is an error, never a silent default.
func (r *Router) Route(analysis *CapabilityAnalysis) (*Result, error) {
	if analysis == nil {
		return nil, fmt.Errorf("nil analysis")
	}

	if analysis.Needs.NeedsClarification || analysis.Question != "" {
		question := analysis.Question
		if question == "" {
			question = "Could you clarify what you need?"
		}
		return &Result{Kind: KindQuestion, Question: question}, nil
	}

	if len(analysis.Tasks) == 0 {
		return nil, fmt.Errorf("analysis has no tasks")
	}

	n := len(analysis.Tasks)
	for i, task := range analysis.Tasks {
		if task.DependsOn == nil {
			continue
		}
		if dep := *task.DependsOn; dep < 0 || dep >= n {
			return nil, fmt.Errorf("task %d: depends_on %d references no task in batch of %d", i, dep, n)
		}
	}

	order, err := topoSort(analysis.Tasks)
	if err != nil {
		return nil, err
	}

	tasks := make([]AssignedTask, 0, n)
	for _, idx := range order {
		task := analysis.Tasks[idx]
		agent, ok := r.table[task.Capability]
		if !ok {
			if r.fallback == "" {
				return nil, fmt.Errorf("task %d: no agent for capability %q", idx, task.Capability)
			}
			agent = r.fallback
		}
		tasks = append(tasks, AssignedTask{
			Index:       idx,
			Description: task.Description,
			Capability:  task.Capability,
			Agent:       agent,
			DependsOn:   task.DependsOn,
		})
	}

	r.logger.Debug("routed task batch", "tasks", len(tasks))
	return &Result{Kind: KindTasks, Tasks: tasks}, nil
}

const (
	colorUnvisited = iota
	colorVisiting
	colorDone
)

// topoSort orders task indices so every task follows its dependency.
// Iterative three-color walk: each task has at most one dependency, so a
// "visit" is a chain walk with an explicit stack rather than recursion.
// Independent tasks keep their original relative order. O(n): every task is
// pushed and finished exactly once.
func topoSort(tasks []AnalyzedTask) ([]int, error) {
	colors := make([]uint8, len(tasks))
	order := make([]int, 0, len(tasks))
	stack := make([]int, 0, len(tasks))

	for i := range tasks {
		if colors[i] == colorDone {
			continue
		}
		stack = stack[:0]
		j := i
		for {
			if colors[j] == colorDone {
				break
			}
			if colors[j] == colorVisiting {
				return nil, fmt.Errorf("circular dependency involving task %d", j)
			}
			colors[j] = colorVisiting
			stack = append(stack, j)
			dep := tasks[j].DependsOn
			if dep == nil {
				break
			}
			j = *dep
		}
		// The chain was pushed dependent-first; emit deepest dependency
		// first.
		for k := len(stack) - 1; k >= 0; k-- {
			colors[stack[k]] = colorDone
			order = append(order, stack[k])
		}
	}

	return order, nil
}
