package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"time"
)

// Backend is the durable layer under the store. Writes must be idempotent
// under retry: the queue may deliver the same blob twice.
type Backend interface {
	WriteSession(ctx context.Context, sessionID string, blob []byte) error
	// ReadSession returns (nil, nil) when the session has never been written.
	ReadSession(ctx context.Context, sessionID string) ([]byte, error)
	DeleteSession(ctx context.Context, sessionID string) error
}

// Store owns every SessionState. All mutation goes through its operations;
// each mutation that changes anything schedules a persistence write and none
// of them block on durability.
type Store struct {
	backend  Backend
	logger   *slog.Logger
	queueCfg QueueConfig

	mu       sync.Mutex
	sessions map[string]*managed
}

type managed struct {
	state *State
	queue *PersistenceQueue
}

// NewStore creates a Store over the given backend.
func NewStore(backend Backend, queueCfg QueueConfig, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		backend:  backend,
		logger:   logger,
		queueCfg: queueCfg,
		sessions: make(map[string]*managed),
	}
}

// SetQueueConfig swaps the persistence queue tunables. Sessions loaded after
// the call use the new config; already-loaded sessions keep theirs.
func (s *Store) SetQueueConfig(cfg QueueConfig) {
	s.mu.Lock()
	s.queueCfg = cfg
	s.mu.Unlock()
}

// GetOrCreate returns a snapshot of the session, hydrating it from the
// backend on first touch and creating a fresh record if none was persisted.
func (s *Store) GetOrCreate(ctx context.Context, sessionID string) (State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, err := s.ensureLocked(ctx, sessionID)
	if err != nil {
		return State{}, err
	}
	return cloneState(m.state), nil
}

// Get returns a snapshot of an already-loaded session.
func (s *Store) Get(sessionID string) (State, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.sessions[sessionID]
	if !ok {
		return State{}, false
	}
	return cloneState(m.state), true
}

// Delete tears the session down: cancels its timers and removes the durable
// record. Used by explicit deletion and the TTL sweep.
func (s *Store) Delete(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	m, ok := s.sessions[sessionID]
	delete(s.sessions, sessionID)
	s.mu.Unlock()

	if ok {
		m.queue.Cleanup()
	}
	if err := s.backend.DeleteSession(ctx, sessionID); err != nil {
		return fmt.Errorf("delete session %s: %w", sessionID, err)
	}
	return nil
}

// Flush forces an immediate durable write for the session. Called before
// every suspension point so a restart resumes from the latest state.
func (s *Store) Flush(ctx context.Context, sessionID string) {
	s.mu.Lock()
	m, ok := s.sessions[sessionID]
	s.mu.Unlock()
	if ok {
		m.queue.Flush(ctx)
	}
}

// Close flushes and tears down every loaded session. Called on shutdown.
func (s *Store) Close(ctx context.Context) {
	s.mu.Lock()
	queues := make([]*PersistenceQueue, 0, len(s.sessions))
	for _, m := range s.sessions {
		queues = append(queues, m.queue)
	}
	s.mu.Unlock()
	for _, q := range queues {
		q.Flush(ctx)
		q.Cleanup()
	}
}

// LoadedSessions returns the IDs of sessions currently held in memory.
func (s *Store) LoadedSessions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ensureLocked loads or creates the managed record. Caller holds s.mu.
func (s *Store) ensureLocked(ctx context.Context, sessionID string) (*managed, error) {
	if m, ok := s.sessions[sessionID]; ok {
		return m, nil
	}
	st := &State{SessionID: sessionID, CreatedAt: time.Now().UTC()}
	blob, err := s.backend.ReadSession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("read session %s: %w", sessionID, err)
	}
	if blob != nil {
		// Version-tolerant reader: unknown fields ignored, missing fields
		// defaulted by normalize.
		if err := json.Unmarshal(blob, st); err != nil {
			return nil, fmt.Errorf("decode session %s: %w", sessionID, err)
		}
		st.SessionID = sessionID
	}
	st.normalize()

	m := &managed{state: st}
	m.queue = NewPersistenceQueue(sessionID, s.queueCfg,
		func() ([]byte, error) { return s.serialize(sessionID) },
		func(ctx context.Context, blob []byte) error {
			return s.backend.WriteSession(ctx, sessionID, blob)
		},
		s.logger,
	)
	s.sessions[sessionID] = m
	return m, nil
}

// serialize produces the deterministic persisted form of the session,
// truncating agent history to the cap as a second defense.
func (s *Store) serialize(sessionID string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("session %s not loaded", sessionID)
	}
	st := cloneState(m.state)
	if len(st.AgentHistory) > historyCap {
		st.AgentHistory = st.AgentHistory[len(st.AgentHistory)-historyCap:]
	}
	return json.Marshal(&st)
}

// mutate runs fn against the session under the lock. When fn reports a
// change, the update timestamp is stamped and a persistence write scheduled.
func (s *Store) mutate(sessionID string, fn func(st *State) bool) error {
	s.mu.Lock()
	m, err := s.ensureLocked(context.Background(), sessionID)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	changed := fn(m.state)
	if changed {
		m.state.UpdatedAt = time.Now().UTC()
	}
	queue := m.queue
	s.mu.Unlock()

	if changed {
		queue.Schedule()
	}
	return nil
}

// SetPhase moves the session to a new phase and returns the old one.
func (s *Store) SetPhase(sessionID string, phase Phase) (Phase, error) {
	var old Phase
	err := s.mutate(sessionID, func(st *State) bool {
		old = st.Phase
		if st.Phase == phase {
			return false
		}
		st.Phase = phase
		return true
	})
	return old, err
}

// SetActiveAgent records which agent currently drives the session.
func (s *Store) SetActiveAgent(sessionID, agentID string) error {
	return s.mutate(sessionID, func(st *State) bool {
		if st.ActiveAgent == agentID {
			return false
		}
		st.ActiveAgent = agentID
		return true
	})
}

// BeginTurn sets the original request for a fresh turn and flips the loop
// guard. Returns false without mutating when a turn is already running:
// overlapping turns are rejected, never interleaved.
func (s *Store) BeginTurn(sessionID, request string) (bool, error) {
	began := false
	err := s.mutate(sessionID, func(st *State) bool {
		if st.IsLoopRunning {
			return false
		}
		st.IsLoopRunning = true
		st.TaskContext.OriginalRequest = request
		began = true
		return true
	})
	return began, err
}

// EndTurn releases the loop guard.
func (s *Store) EndTurn(sessionID string) error {
	return s.mutate(sessionID, func(st *State) bool {
		if !st.IsLoopRunning {
			return false
		}
		st.IsLoopRunning = false
		return true
	})
}

// SetQualificationResult stores the qualification outcome for the request.
func (s *Store) SetQualificationResult(sessionID, result string) error {
	return s.mutate(sessionID, func(st *State) bool {
		if st.TaskContext.QualificationResult == result {
			return false
		}
		st.TaskContext.QualificationResult = result
		return true
	})
}

// AddGatheredFile records a file path in the gathered set (sorted, deduped).
func (s *Store) AddGatheredFile(sessionID, path string) error {
	return s.mutate(sessionID, func(st *State) bool {
		i, found := slices.BinarySearch(st.TaskContext.GatheredFiles, path)
		if found {
			return false
		}
		st.TaskContext.GatheredFiles = slices.Insert(st.TaskContext.GatheredFiles, i, path)
		return true
	})
}

// SetGatheredInfo stores one key of gathered context.
func (s *Store) SetGatheredInfo(sessionID, key, value string) error {
	return s.mutate(sessionID, func(st *State) bool {
		if st.TaskContext.GatheredInfo == nil {
			st.TaskContext.GatheredInfo = make(map[string]string)
		}
		if st.TaskContext.GatheredInfo[key] == value {
			return false
		}
		st.TaskContext.GatheredInfo[key] = value
		return true
	})
}

// AppendHistory appends an agent activity entry, dropping the oldest entries
// beyond the cap.
func (s *Store) AppendHistory(sessionID string, entry HistoryEntry) error {
	return s.mutate(sessionID, func(st *State) bool {
		if entry.Timestamp.IsZero() {
			entry.Timestamp = time.Now().UTC()
		}
		st.AgentHistory = append(st.AgentHistory, entry)
		if len(st.AgentHistory) > historyCap {
			st.AgentHistory = st.AgentHistory[len(st.AgentHistory)-historyCap:]
		}
		return true
	})
}

// History returns a copy of the agent history.
func (s *Store) History(sessionID string) []HistoryEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.sessions[sessionID]
	if !ok {
		return nil
	}
	return slices.Clone(m.state.AgentHistory)
}

// AddPendingQuestion queues a question gate entry.
func (s *Store) AddPendingQuestion(sessionID string, q UserQuestion) error {
	return s.mutate(sessionID, func(st *State) bool {
		for _, existing := range st.PendingQuestions {
			if existing.QuestionID == q.QuestionID {
				return false
			}
		}
		st.PendingQuestions = append(st.PendingQuestions, q)
		return true
	})
}

// RemovePendingQuestion removes a question by ID, returning it if present.
func (s *Store) RemovePendingQuestion(sessionID, questionID string) (UserQuestion, bool) {
	var removed UserQuestion
	found := false
	_ = s.mutate(sessionID, func(st *State) bool {
		for i, q := range st.PendingQuestions {
			if q.QuestionID == questionID {
				removed = q
				found = true
				st.PendingQuestions = slices.Delete(st.PendingQuestions, i, i+1)
				return true
			}
		}
		return false
	})
	return removed, found
}

// PendingQuestions returns a copy of the pending question list.
func (s *Store) PendingQuestions(sessionID string) []UserQuestion {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.sessions[sessionID]
	if !ok {
		return nil
	}
	return slices.Clone(m.state.PendingQuestions)
}

// AddPendingApproval queues an approval gate entry.
func (s *Store) AddPendingApproval(sessionID string, a ApprovalRequest) error {
	return s.mutate(sessionID, func(st *State) bool {
		for _, existing := range st.PendingApprovals {
			if existing.ApprovalID == a.ApprovalID {
				return false
			}
		}
		st.PendingApprovals = append(st.PendingApprovals, a)
		return true
	})
}

// RemovePendingApproval removes an approval by ID, returning it if present.
func (s *Store) RemovePendingApproval(sessionID, approvalID string) (ApprovalRequest, bool) {
	var removed ApprovalRequest
	found := false
	_ = s.mutate(sessionID, func(st *State) bool {
		for i, a := range st.PendingApprovals {
			if a.ApprovalID == approvalID {
				removed = a
				found = true
				st.PendingApprovals = slices.Delete(st.PendingApprovals, i, i+1)
				return true
			}
		}
		return false
	})
	return removed, found
}

// PendingApprovals returns a copy of the pending approval list.
func (s *Store) PendingApprovals(sessionID string) []ApprovalRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.sessions[sessionID]
	if !ok {
		return nil
	}
	return slices.Clone(m.state.PendingApprovals)
}

// StartParallelExecution registers a running parallel group of taskCount tasks.
func (s *Store) StartParallelExecution(sessionID, executionID string, taskCount int) error {
	if taskCount <= 0 {
		return fmt.Errorf("parallel execution %s: task count must be positive", executionID)
	}
	return s.mutate(sessionID, func(st *State) bool {
		st.ParallelExecutions = append(st.ParallelExecutions, ParallelExecution{
			ExecutionID: executionID,
			TaskCount:   taskCount,
			Status:      ParallelRunning,
			StartedAt:   time.Now().UTC(),
		})
		return true
	})
}

// RecordParallelResult appends one sub-result. Once the result count reaches
// the task count the group transitions automatically: partial_failure if any
// sub-result failed, completed otherwise.
func (s *Store) RecordParallelResult(sessionID, executionID string, result ParallelResult) (ParallelStatus, error) {
	status := ParallelStatus("")
	err := s.mutate(sessionID, func(st *State) bool {
		for i := range st.ParallelExecutions {
			pe := &st.ParallelExecutions[i]
			if pe.ExecutionID != executionID {
				continue
			}
			pe.Results = append(pe.Results, result)
			if len(pe.Results) >= pe.TaskCount {
				pe.Status = ParallelCompleted
				for _, r := range pe.Results {
					if !r.Success {
						pe.Status = ParallelPartialFailure
						break
					}
				}
			}
			status = pe.Status
			return true
		}
		return false
	})
	if err != nil {
		return "", err
	}
	if status == "" {
		return "", fmt.Errorf("parallel execution %s not found", executionID)
	}
	return status, nil
}

// ParallelExecutions returns a copy of the parallel execution groups.
func (s *Store) ParallelExecutions(sessionID string) []ParallelExecution {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.sessions[sessionID]
	if !ok {
		return nil
	}
	out := make([]ParallelExecution, len(m.state.ParallelExecutions))
	for i, pe := range m.state.ParallelExecutions {
		pe.Results = slices.Clone(pe.Results)
		out[i] = pe
	}
	return out
}

// Obligations returns a copy of the session's obligations.
func (s *Store) Obligations(sessionID string) []Obligation {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.sessions[sessionID]
	if !ok {
		return nil
	}
	out := make([]Obligation, len(m.state.Obligations))
	for i, o := range m.state.Obligations {
		o.Evidence = slices.Clone(o.Evidence)
		out[i] = o
	}
	return out
}

// AppendObligation adds an obligation record.
func (s *Store) AppendObligation(sessionID string, o Obligation) error {
	return s.mutate(sessionID, func(st *State) bool {
		st.Obligations = append(st.Obligations, o)
		return true
	})
}

// UpdateObligation applies fn to the obligation with the given ID. Returns
// false when no such obligation exists.
func (s *Store) UpdateObligation(sessionID, obligationID string, fn func(o *Obligation)) (bool, error) {
	found := false
	err := s.mutate(sessionID, func(st *State) bool {
		for i := range st.Obligations {
			if st.Obligations[i].ObligationID == obligationID {
				fn(&st.Obligations[i])
				found = true
				return true
			}
		}
		return false
	})
	return found, err
}

// UpdateObligations applies fn to every obligation; fn returns whether it
// changed the record. Returns the number of changed obligations.
func (s *Store) UpdateObligations(sessionID string, fn func(o *Obligation) bool) (int, error) {
	changed := 0
	err := s.mutate(sessionID, func(st *State) bool {
		for i := range st.Obligations {
			if fn(&st.Obligations[i]) {
				changed++
			}
		}
		return changed > 0
	})
	return changed, err
}

// cloneState deep-copies everything a caller could alias.
func cloneState(st *State) State {
	out := *st
	out.TaskContext.GatheredFiles = slices.Clone(st.TaskContext.GatheredFiles)
	if st.TaskContext.GatheredInfo != nil {
		out.TaskContext.GatheredInfo = make(map[string]string, len(st.TaskContext.GatheredInfo))
		for k, v := range st.TaskContext.GatheredInfo {
			out.TaskContext.GatheredInfo[k] = v
		}
	}
	out.AgentHistory = slices.Clone(st.AgentHistory)
	out.PendingApprovals = slices.Clone(st.PendingApprovals)
	out.PendingQuestions = slices.Clone(st.PendingQuestions)
	out.ParallelExecutions = make([]ParallelExecution, len(st.ParallelExecutions))
	for i, pe := range st.ParallelExecutions {
		pe.Results = slices.Clone(pe.Results)
		out.ParallelExecutions[i] = pe
	}
	out.Obligations = make([]Obligation, len(st.Obligations))
	for i, o := range st.Obligations {
		o.Evidence = slices.Clone(o.Evidence)
		out.Obligations[i] = o
	}
	if st.CurrentPlan != nil {
		p := clonePlan(*st.CurrentPlan)
		out.CurrentPlan = &p
	}
	out.PlanHistory = make([]Plan, len(st.PlanHistory))
	for i, p := range st.PlanHistory {
		out.PlanHistory[i] = clonePlan(p)
	}
	if st.Tasks != nil {
		out.Tasks = make(map[string]PlanTask, len(st.Tasks))
		for k, v := range st.Tasks {
			v.DependsOn = slices.Clone(v.DependsOn)
			out.Tasks[k] = v
		}
	}
	out.TaskOrder = slices.Clone(st.TaskOrder)
	return out
}

func clonePlan(p Plan) Plan {
	tasks := make([]PlanTask, len(p.Tasks))
	for i, t := range p.Tasks {
		t.DependsOn = slices.Clone(t.DependsOn)
		tasks[i] = t
	}
	p.Tasks = tasks
	return p
}
