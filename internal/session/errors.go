package session

import "errors"

var (
	// ErrStaleTransition marks an action targeting a stage the
	// participant is no longer on (duplicate submits, late retries).
	// The action is discarded; progress is untouched.
	ErrStaleTransition = errors.New("stale transition")

	// ErrRevisitBudget aborts a session whose branch rules keep
	// revisiting stages past the configured bound. Random and time
	// conditions may revisit legitimately, but not forever.
	ErrRevisitBudget = errors.New("stage revisit budget exhausted")

	// ErrNoActiveScenario rejects trades and timer operations when the
	// current stage has no running scenario.
	ErrNoActiveScenario = errors.New("no active scenario")

	// ErrWrongStageType rejects an action that does not apply to the
	// current stage's variant.
	ErrWrongStageType = errors.New("action does not apply to this stage type")

	// ErrSessionCompleted rejects actions on a finished session.
	ErrSessionCompleted = errors.New("session already completed")
)
