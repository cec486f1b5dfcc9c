package workflow

import (
	"fmt"
	"sync"
	"time"

	"github.com/BaSui01/phaseflow/types"
)

// Status is the lifecycle state of a workflow session.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusPaused    Status = "paused"
)

// IsTerminal reports whether no further phases will run.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusPaused
}

// AttemptStatus records how one phase attempt ended.
type AttemptStatus string

const (
	AttemptSucceeded AttemptStatus = "succeeded"
	AttemptRetryable AttemptStatus = "retryable"
	AttemptFatal     AttemptStatus = "fatal"
	AttemptSkipped   AttemptStatus = "skipped"
	AttemptEscalated AttemptStatus = "escalated"
)

// HistoryEntry is one line of the execution log.
type HistoryEntry struct {
	Phase     string          `json:"phase"`
	Attempt   int             `json:"attempt"`
	Status    AttemptStatus   `json:"status"`
	Timestamp time.Time       `json:"timestamp"`
	Duration  time.Duration   `json:"duration"`
	Error     string          `json:"error,omitempty"`
	ErrorCode types.ErrorCode `json:"error_code,omitempty"`
}

// ExecutionSummary is attached when a session reaches a terminal status.
type ExecutionSummary struct {
	TotalTime       time.Duration `json:"total_time"`
	PhaseCount      int           `json:"phase_count"`
	CompletedPhases int           `json:"completed_phases"`
	FailedPhases    int           `json:"failed_phases"`
	SkippedPhases   int           `json:"skipped_phases"`
	Attempts        int           `json:"attempts"`
}

// Keys under workflow_state maintained by the engine. Outputs may not target them.
const (
	stateKeyCompleted    = "completed_phases"
	stateKeyFailed       = "failed_phases"
	stateKeySkipped      = "skipped_phases"
	stateKeyPhaseResults = "phase_results"
	stateKeyEscalation   = "escalation"
)

func reservedStateKey(k string) bool {
	switch k {
	case stateKeyCompleted, stateKeyFailed, stateKeySkipped, stateKeyPhaseResults, stateKeyEscalation:
		return true
	}
	return false
}

// WorkflowState is the single mutable record of one session. All access
// goes through its methods; concurrent parallel-group members share it.
type WorkflowState struct {
	SessionID       string                    `json:"session_id"`
	Workflow        string                    `json:"workflow"`
	Status          Status                    `json:"status"`
	CurrentPhase    string                    `json:"current_phase,omitempty"`
	Input           any                       `json:"user_input"`
	Data            map[string]any            `json:"workflow_state"`
	PhaseResults    map[string]map[string]any `json:"phase_results"`
	CompletedPhases []string                  `json:"completed_phases"`
	FailedPhases    []string                  `json:"failed_phases,omitempty"`
	SkippedPhases   []string                  `json:"skipped_phases,omitempty"`
	History         []HistoryEntry            `json:"history"`
	FailedPhase     string                    `json:"failed_phase,omitempty"`
	FailureCode     types.ErrorCode           `json:"failure_code,omitempty"`
	FailureReason   string                    `json:"failure_reason,omitempty"`
	StartedAt       time.Time                 `json:"started_at"`
	FinishedAt      time.Time                 `json:"finished_at,omitempty"`
	Summary         *ExecutionSummary         `json:"execution_summary,omitempty"`

	mu     sync.RWMutex
	scoped bool
	claims []writeClaim
}

type writeClaim struct {
	path  Path
	owner string
}

type stateWrite struct {
	name  string
	dest  Path
	value any
}

// NewWorkflowState creates a running session state.
func NewWorkflowState(sessionID, workflow string, input any) *WorkflowState {
	return &WorkflowState{
		SessionID:       sessionID,
		Workflow:        workflow,
		Status:          StatusRunning,
		Input:           input,
		Data:            make(map[string]any),
		PhaseResults:    make(map[string]map[string]any),
		CompletedPhases: []string{},
		History:         []HistoryEntry{},
		StartedAt:       time.Now(),
	}
}

// Lookup resolves a path against the session. item is the current loop
// item, used for loop_item paths. The result is a deep copy: callers and
// agents never hold references into the session.
func (s *WorkflowState) Lookup(p Path, item any, hasItem bool) (any, bool) {
	var (
		v  any
		ok bool
	)
	switch p.Root {
	case RootUserInput:
		s.mu.RLock()
		v, ok = lookupValue(s.Input, p.keys())
		v = cloneValue(v)
		s.mu.RUnlock()
	case RootLoopItem:
		if !hasItem {
			return nil, false
		}
		v, ok = lookupValue(item, p.keys())
		v = cloneValue(v)
	case RootState:
		s.mu.RLock()
		v, ok = s.lookupStateLocked(p.keys())
		v = cloneValue(v)
		s.mu.RUnlock()
	}
	return v, ok
}

func (s *WorkflowState) lookupStateLocked(keys []string) (any, bool) {
	if len(keys) == 0 {
		return s.viewLocked(), true
	}
	switch keys[0] {
	case stateKeyCompleted:
		return lookupValue(stringsToAny(s.CompletedPhases), keys[1:])
	case stateKeyFailed:
		return lookupValue(stringsToAny(s.FailedPhases), keys[1:])
	case stateKeySkipped:
		return lookupValue(stringsToAny(s.SkippedPhases), keys[1:])
	case stateKeyPhaseResults:
		return lookupValue(s.PhaseResults, keys[1:])
	}
	return lookupValue(s.Data, keys)
}

func (s *WorkflowState) viewLocked() map[string]any {
	view := make(map[string]any, len(s.Data)+4)
	for k, v := range s.Data {
		view[k] = v
	}
	view[stateKeyCompleted] = stringsToAny(s.CompletedPhases)
	view[stateKeyFailed] = stringsToAny(s.FailedPhases)
	view[stateKeySkipped] = stringsToAny(s.SkippedPhases)
	results := make(map[string]any, len(s.PhaseResults))
	for k, v := range s.PhaseResults {
		results[k] = v
	}
	view[stateKeyPhaseResults] = results
	return view
}

// BeginWriteScope starts tracking destinations written by parallel group
// members so that overlapping writes are rejected.
func (s *WorkflowState) BeginWriteScope() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scoped = true
	s.claims = nil
}

// EndWriteScope closes the current parallel group scope.
func (s *WorkflowState) EndWriteScope() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scoped = false
	s.claims = nil
}

// commit records a successful phase. Either every write lands and the phase
// is appended to CompletedPhases, or nothing changes.
func (s *WorkflowState) commit(key string, writes []stateWrite, content any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, w := range writes {
		if s.scoped {
			for _, c := range s.claims {
				if c.owner != key && c.path.Overlaps(w.dest) {
					return types.NewError(types.ErrConcurrentWriteConflict,
						fmt.Sprintf("destination %s overlaps %s already written by %q", w.dest, c.path, c.owner)).
						WithPhase(key)
				}
			}
		}
		for _, prev := range writes[:i] {
			if prev.dest.Overlaps(w.dest) {
				return types.NewError(types.ErrConcurrentWriteConflict,
					fmt.Sprintf("outputs %q and %q write overlapping destinations", prev.name, w.name)).
					WithPhase(key)
			}
		}
		if err := checkSettable(s.Data, w.dest.keys()); err != nil {
			return err
		}
	}

	// Data and PhaseResults hold separate copies of every value.
	result := make(map[string]any, len(writes))
	for _, w := range writes {
		setValue(s.Data, w.dest.keys(), cloneValue(w.value))
		result[w.name] = cloneValue(w.value)
		if s.scoped {
			s.claims = append(s.claims, writeClaim{path: w.dest, owner: key})
		}
	}
	if len(writes) == 0 {
		result["content"] = cloneValue(content)
	}
	s.PhaseResults[key] = result
	s.CompletedPhases = append(s.CompletedPhases, key)
	return nil
}

// markCompleted records a phase that produced no agent output, such as a
// finished dynamic loop.
func (s *WorkflowState) markCompleted(key string, result map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.PhaseResults[key] = result
	s.CompletedPhases = append(s.CompletedPhases, key)
}

func (s *WorkflowState) markSkipped(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.SkippedPhases = append(s.SkippedPhases, key)
}

func (s *WorkflowState) markFailed(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.FailedPhases = append(s.FailedPhases, key)
}

func (s *WorkflowState) setCurrentPhase(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CurrentPhase = key
}

func (s *WorkflowState) appendHistory(e HistoryEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.History = append(s.History, e)
}

// setEscalationContext exposes a failure to consult phases under
// workflow_state.escalation.<phase>.
func (s *WorkflowState) setEscalationContext(phase string, ctx map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	esc, ok := s.Data[stateKeyEscalation].(map[string]any)
	if !ok {
		esc = make(map[string]any)
		s.Data[stateKeyEscalation] = esc
	}
	esc[phase] = ctx
}

func (s *WorkflowState) finish(status Status, failedPhase string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Status = status
	s.FinishedAt = time.Now()
	s.CurrentPhase = ""
	if err != nil {
		s.FailedPhase = failedPhase
		s.FailureCode = types.GetErrorCode(err)
		s.FailureReason = err.Error()
		if s.FailureCode == types.ErrCancelled {
			s.FailureReason = "cancelled"
		}
	}
	attempts := 0
	for _, h := range s.History {
		if h.Status != AttemptSkipped && h.Status != AttemptEscalated {
			attempts++
		}
	}
	s.Summary = &ExecutionSummary{
		TotalTime:       s.FinishedAt.Sub(s.StartedAt),
		PhaseCount:      len(s.CompletedPhases) + len(s.FailedPhases) + len(s.SkippedPhases),
		CompletedPhases: len(s.CompletedPhases),
		FailedPhases:    len(s.FailedPhases),
		SkippedPhases:   len(s.SkippedPhases),
		Attempts:        attempts,
	}
}

// Snapshot returns a deep copy safe to hand to other goroutines.
func (s *WorkflowState) Snapshot() *WorkflowState {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := &WorkflowState{
		SessionID:       s.SessionID,
		Workflow:        s.Workflow,
		Status:          s.Status,
		CurrentPhase:    s.CurrentPhase,
		Input:           cloneValue(s.Input),
		Data:            cloneMap(s.Data),
		PhaseResults:    make(map[string]map[string]any, len(s.PhaseResults)),
		CompletedPhases: append([]string{}, s.CompletedPhases...),
		FailedPhases:    append([]string(nil), s.FailedPhases...),
		SkippedPhases:   append([]string(nil), s.SkippedPhases...),
		History:         append([]HistoryEntry{}, s.History...),
		FailedPhase:     s.FailedPhase,
		FailureCode:     s.FailureCode,
		FailureReason:   s.FailureReason,
		StartedAt:       s.StartedAt,
		FinishedAt:      s.FinishedAt,
	}
	for k, v := range s.PhaseResults {
		out.PhaseResults[k] = cloneMap(v)
	}
	if s.Summary != nil {
		summary := *s.Summary
		out.Summary = &summary
	}
	return out
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return cloneMap(val)
	case []any:
		out := make([]any, len(val))
		for i, e := range val {
			out[i] = cloneValue(e)
		}
		return out
	case []string:
		return append([]string(nil), val...)
	case []map[string]any:
		out := make([]map[string]any, len(val))
		for i, m := range val {
			out[i] = cloneMap(m)
		}
		return out
	case map[string]string:
		out := make(map[string]string, len(val))
		for k, str := range val {
			out[k] = str
		}
		return out
	case map[string]map[string]any:
		out := make(map[string]map[string]any, len(val))
		for k, m := range val {
			out[k] = cloneMap(m)
		}
		return out
	default:
		return v
	}
}

func stringsToAny(in []string) []any {
	out := make([]any, len(in))
	for i, s := range in {
		out[i] = s
	}
	return out
}
