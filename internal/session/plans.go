package session

import (
	"fmt"
	"slices"
	"time"
)

// CreatePlan installs a new draft plan as the session's current plan. Fails
// while another plan is still live (not completed or rejected): exactly one
// plan may be current.
func (s *Store) CreatePlan(sessionID string, plan Plan) error {
	if plan.PlanID == "" {
		return fmt.Errorf("create plan: empty plan_id")
	}
	var live *Plan
	err := s.mutate(sessionID, func(st *State) bool {
		if st.CurrentPlan != nil {
			p := *st.CurrentPlan
			live = &p
			return false
		}
		plan.SessionID = sessionID
		plan.Status = PlanDraft
		now := time.Now().UTC()
		plan.CreatedAt = now
		plan.UpdatedAt = now
		st.CurrentPlan = &plan
		return true
	})
	if err != nil {
		return err
	}
	if live != nil {
		return fmt.Errorf("create plan: plan %s still current (status %s)", live.PlanID, live.Status)
	}
	return nil
}

// advancePlan moves the current plan from exactly `from` to `to`. Any other
// starting status is an error: plan status only moves forward.
func (s *Store) advancePlan(sessionID string, from, to PlanStatus) error {
	var transitionErr error
	err := s.mutate(sessionID, func(st *State) bool {
		if st.CurrentPlan == nil {
			transitionErr = fmt.Errorf("no current plan (want %s -> %s)", from, to)
			return false
		}
		if st.CurrentPlan.Status != from {
			transitionErr = fmt.Errorf("plan %s: cannot move %s -> %s",
				st.CurrentPlan.PlanID, st.CurrentPlan.Status, to)
			return false
		}
		st.CurrentPlan.Status = to
		st.CurrentPlan.UpdatedAt = time.Now().UTC()
		if to == PlanCompleted {
			s.archiveCurrentPlanLocked(st)
		}
		return true
	})
	if err != nil {
		return err
	}
	return transitionErr
}

// archiveCurrentPlanLocked moves the terminal current plan to the immutable
// history list. Caller holds the store lock via mutate.
func (s *Store) archiveCurrentPlanLocked(st *State) {
	st.PlanHistory = append(st.PlanHistory, *st.CurrentPlan)
	st.CurrentPlan = nil
}

// SubmitPlan moves the draft plan to pending_approval.
func (s *Store) SubmitPlan(sessionID string) error {
	return s.advancePlan(sessionID, PlanDraft, PlanPendingApproval)
}

// ApprovePlan moves the plan from pending_approval to approved.
func (s *Store) ApprovePlan(sessionID string) error {
	return s.advancePlan(sessionID, PlanPendingApproval, PlanApproved)
}

// StartPlanExecution moves the approved plan to executing.
func (s *Store) StartPlanExecution(sessionID string) error {
	return s.advancePlan(sessionID, PlanApproved, PlanExecuting)
}

// CompletePlan finishes the executing plan and archives it.
func (s *Store) CompletePlan(sessionID string) error {
	return s.advancePlan(sessionID, PlanExecuting, PlanCompleted)
}

// RejectPlan rejects the current plan. Effective only from pending_approval;
// from any other status it is a no-op returning nil, nil.
func (s *Store) RejectPlan(sessionID, reason string) (*Plan, error) {
	var rejected *Plan
	err := s.mutate(sessionID, func(st *State) bool {
		if st.CurrentPlan == nil || st.CurrentPlan.Status != PlanPendingApproval {
			return false
		}
		st.CurrentPlan.Status = PlanRejected
		st.CurrentPlan.UpdatedAt = time.Now().UTC()
		if reason != "" {
			st.CurrentPlan.Summary = st.CurrentPlan.Summary + "\nrejected: " + reason
		}
		p := clonePlan(*st.CurrentPlan)
		rejected = &p
		s.archiveCurrentPlanLocked(st)
		return true
	})
	if err != nil {
		return nil, err
	}
	return rejected, nil
}

// CurrentPlan returns a copy of the current plan, if any.
func (s *Store) CurrentPlan(sessionID string) (Plan, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.sessions[sessionID]
	if !ok || m.state.CurrentPlan == nil {
		return Plan{}, false
	}
	return clonePlan(*m.state.CurrentPlan), true
}

// PlanHistory returns copies of the archived plans.
func (s *Store) PlanHistory(sessionID string) []Plan {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.sessions[sessionID]
	if !ok {
		return nil
	}
	out := make([]Plan, len(m.state.PlanHistory))
	for i, p := range m.state.PlanHistory {
		out[i] = clonePlan(p)
	}
	return out
}

// PutTask registers or replaces a task record, preserving insertion order.
func (s *Store) PutTask(sessionID string, task PlanTask) error {
	if task.TaskID == "" {
		return fmt.Errorf("put task: empty task_id")
	}
	return s.mutate(sessionID, func(st *State) bool {
		if st.Tasks == nil {
			st.Tasks = make(map[string]PlanTask)
		}
		if _, exists := st.Tasks[task.TaskID]; !exists {
			st.TaskOrder = append(st.TaskOrder, task.TaskID)
		}
		if task.Status == "" {
			task.Status = TaskPending
		}
		st.Tasks[task.TaskID] = task
		return true
	})
}

// SetTaskStatus updates one task. Marking a task failed cascades: every
// pending task that depends (transitively) on it is skipped.
func (s *Store) SetTaskStatus(sessionID, taskID string, status TaskStatus, result string) error {
	missing := false
	err := s.mutate(sessionID, func(st *State) bool {
		task, ok := st.Tasks[taskID]
		if !ok {
			missing = true
			return false
		}
		task.Status = status
		if result != "" {
			task.Result = result
		}
		st.Tasks[taskID] = task
		if status == TaskFailed {
			skipDependents(st, taskID)
		}
		return true
	})
	if err != nil {
		return err
	}
	if missing {
		return fmt.Errorf("task %s not found in session %s", taskID, sessionID)
	}
	return nil
}

// setTaskProgress updates the progress text of an in-flight task.
func (s *Store) setTaskProgress(sessionID, taskID, progress string) error {
	missing := false
	err := s.mutate(sessionID, func(st *State) bool {
		task, ok := st.Tasks[taskID]
		if !ok {
			missing = true
			return false
		}
		if task.Progress == progress {
			return false
		}
		task.Progress = progress
		st.Tasks[taskID] = task
		return true
	})
	if err != nil {
		return err
	}
	if missing {
		return fmt.Errorf("task %s not found in session %s", taskID, sessionID)
	}
	return nil
}

// skipDependents marks pending tasks downstream of failedID as skipped.
func skipDependents(st *State, failedID string) {
	unusable := map[string]bool{failedID: true}
	// Task order is a valid evaluation order (dependencies precede
	// dependents), so one forward pass suffices.
	for _, id := range st.TaskOrder {
		task, ok := st.Tasks[id]
		if !ok || task.Status != TaskPending {
			continue
		}
		for _, dep := range task.DependsOn {
			if unusable[dep] {
				task.Status = TaskSkipped
				st.Tasks[id] = task
				unusable[id] = true
				break
			}
		}
	}
}

// TasksInOrder returns task copies in registration order.
func (s *Store) TasksInOrder(sessionID string) []PlanTask {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.sessions[sessionID]
	if !ok {
		return nil
	}
	out := make([]PlanTask, 0, len(m.state.TaskOrder))
	for _, id := range m.state.TaskOrder {
		if task, ok := m.state.Tasks[id]; ok {
			task.DependsOn = slices.Clone(task.DependsOn)
			out = append(out, task)
		}
	}
	return out
}
