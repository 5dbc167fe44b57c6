// Package progress tracks a participant's execution state through one
// experiment: status, current stage, completed stages, timestamps.
package progress

import (
	"slices"
	"time"
)

// Status is the lifecycle state of a participant/experiment pair.
type Status string

const (
	StatusNotStarted Status = "not_started"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
)

// Progress is the persisted document, one record per
// (participant, experiment). It is never deleted, only superseded by a
// fresh record when the experiment is reset.
type Progress struct {
	UserID          string     `json:"userId"`
	ExperimentID    string     `json:"experimentId"`
	Status          Status     `json:"status"`
	CurrentStageID  string     `json:"currentStageId,omitempty"`
	CompletedStages []string   `json:"completedStages"`
	StartedAt       *time.Time `json:"startedAt,omitempty"`
	CompletedAt     *time.Time `json:"completedAt,omitempty"`
	LastActivityAt  time.Time  `json:"lastActivityAt"`
}

// New returns a fresh not_started record for the pair. Records are
// created implicitly on first access.
func New(userID, experimentID string) Progress {
	return Progress{
		UserID:       userID,
		ExperimentID: experimentID,
		Status:       StatusNotStarted,
	}
}

// SurveyResponse is the append-only answers document for one
// participant/stage, uniquely keyed by (experiment, stage, user).
type SurveyResponse struct {
	ExperimentID string            `json:"experimentId"`
	StageID      string            `json:"stageId"`
	UserID       string            `json:"userId"`
	Responses    map[string]string `json:"responses"`
	SubmittedAt  time.Time         `json:"submittedAt"`
}

// Tracker is the state machine over a Progress record. All mutations go
// through it; duplicate deliveries (double-clicked "Next", retried
// requests) collapse into no-ops so out-of-order retries are harmless.
type Tracker struct {
	p   Progress
	now func() time.Time
}

// NewTracker wraps an existing record. A zero-status record is
// normalized to not_started.
func NewTracker(p Progress) *Tracker {
	if p.Status == "" {
		p.Status = StatusNotStarted
	}
	return &Tracker{p: p, now: time.Now}
}

// SetClock replaces the time source. Used for testing.
func (t *Tracker) SetClock(now func() time.Time) {
	t.now = now
}

// EnterStage records the participant arriving at a stage. The first
// entry moves not_started to in_progress. Re-entering the current stage
// is a no-op. Returns true when the record changed.
func (t *Tracker) EnterStage(stageID string) bool {
	if t.p.Status == StatusCompleted {
		return false
	}
	if t.p.Status == StatusInProgress && t.p.CurrentStageID == stageID {
		return false
	}

	now := t.now().UTC()
	if t.p.Status == StatusNotStarted {
		t.p.Status = StatusInProgress
		t.p.StartedAt = &now
	}
	t.p.CurrentStageID = stageID
	t.p.LastActivityAt = now
	return true
}

// CompleteStage adds a stage to the completed set. Marking a stage
// already in the set is a no-op. Returns true when the record changed.
func (t *Tracker) CompleteStage(stageID string) bool {
	if t.p.Status != StatusInProgress {
		return false
	}
	if slices.Contains(t.p.CompletedStages, stageID) {
		return false
	}
	t.p.CompletedStages = append(t.p.CompletedStages, stageID)
	t.p.LastActivityAt = t.now().UTC()
	return true
}

// Finalize moves the record to completed. Idempotent; nothing leaves
// completed afterwards.
func (t *Tracker) Finalize() bool {
	if t.p.Status != StatusInProgress {
		return false
	}
	now := t.now().UTC()
	t.p.Status = StatusCompleted
	t.p.CurrentStageID = ""
	t.p.CompletedAt = &now
	t.p.LastActivityAt = now
	return true
}

// Status returns the current lifecycle state.
func (t *Tracker) Status() Status {
	return t.p.Status
}

// CurrentStageID returns the stage the participant is on, or "".
func (t *Tracker) CurrentStageID() string {
	return t.p.CurrentStageID
}

// HasCompleted reports whether a stage is in the completed set.
func (t *Tracker) HasCompleted(stageID string) bool {
	return slices.Contains(t.p.CompletedStages, stageID)
}

// Snapshot returns a copy of the underlying record for persistence.
func (t *Tracker) Snapshot() Progress {
	p := t.p
	p.CompletedStages = slices.Clone(t.p.CompletedStages)
	return p
}
