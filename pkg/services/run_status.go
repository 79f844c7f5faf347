package services

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ekaya-inc/ekaya-streams/pkg/logging"
	"github.com/ekaya-inc/ekaya-streams/pkg/services/stages"
)

// RunState is the lifecycle state of one base entity's stabilization run.
type RunState string

const (
	RunStatePending RunState = "pending"
	RunStateRunning RunState = "running"
	RunStateStable  RunState = "stable"
	RunStateFailed  RunState = "failed"
)

// RunStatus is a snapshot of one base entity's run.
type RunStatus struct {
	Entity    string    `json:"entity"`
	RunID     uuid.UUID `json:"run_id"`
	State     RunState  `json:"state"`
	QueryIDs  []string  `json:"query_ids,omitempty"`
	Error     string    `json:"error,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// RunStatusTracker records the state of every run for the status endpoint.
type RunStatusTracker struct {
	mu   sync.RWMutex
	runs map[string]RunStatus
	now  func() time.Time
}

// NewRunStatusTracker creates an empty tracker.
func NewRunStatusTracker() *RunStatusTracker {
	return &RunStatusTracker{runs: make(map[string]RunStatus), now: time.Now}
}

// Pending registers an entity that has not started yet.
func (t *RunStatusTracker) Pending(entity string, runID uuid.UUID) {
	t.set(RunStatus{Entity: entity, RunID: runID, State: RunStatePending})
}

// Started marks the run of entity as running.
func (t *RunStatusTracker) Started(entity string, runID uuid.UUID) {
	t.set(RunStatus{Entity: entity, RunID: runID, State: RunStateRunning})
}

// Finished records the outcome of a stabilizer run. Errors are sanitized
// before they are exposed.
func (t *RunStatusTracker) Finished(entity string, runID uuid.UUID, pc *stages.PipelineContext, err error) {
	status := RunStatus{Entity: entity, RunID: runID, State: RunStateStable}
	for _, e := range pc.PersistentExecutions() {
		status.QueryIDs = append(status.QueryIDs, e.QueryID)
	}
	if err != nil {
		status.State = RunStateFailed
		status.Error = logging.SanitizeError(err)
	}
	t.set(status)
}

func (t *RunStatusTracker) set(status RunStatus) {
	t.mu.Lock()
	defer t.mu.Unlock()
	status.UpdatedAt = t.now()
	t.runs[strings.ToLower(status.Entity)] = status
}

// Snapshot returns every run ordered by entity name.
func (t *RunStatusTracker) Snapshot() []RunStatus {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]RunStatus, 0, len(t.runs))
	for _, s := range t.runs {
		s.QueryIDs = append([]string(nil), s.QueryIDs...)
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Entity < out[j].Entity })
	return out
}

// Healthy reports whether no run has failed.
func (t *RunStatusTracker) Healthy() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, s := range t.runs {
		if s.State == RunStateFailed {
			return false
		}
	}
	return true
}
