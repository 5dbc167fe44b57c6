// Package storage defines the durable store the engine writes its
// documents to. Two backends exist: postgres for lab deployments and
// sqlite for local pilots.
package storage

import (
	"time"

	"github.com/solosolocodes/lablab-engine/internal/market"
	"github.com/solosolocodes/lablab-engine/internal/progress"
)

// EventRow is a persisted engine event.
type EventRow struct {
	EventID   int64                  `json:"event_id"`
	Timestamp time.Time              `json:"ts"`
	Level     string                 `json:"level"`
	Event     string                 `json:"event"`
	Message   *string                `json:"msg,omitempty"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
	LabID     string                 `json:"lab_id"`
	SessionID *string                `json:"session_id,omitempty"`
}

// Store is the engine's persistence boundary. Every method is a
// suspension point: the runner awaits the result before attempting the
// next transition. Implementations must be safe for concurrent use by
// multiple participant sessions.
type Store interface {
	// Participant progress, one record per (participant, experiment).
	SaveProgress(p progress.Progress) error
	LoadProgress(userID, experimentID string) (progress.Progress, bool, error)

	// Immutable transaction ledger.
	AppendTransaction(tx market.Transaction) error
	ListTransactions(userID, experimentID string) ([]market.Transaction, error)

	// Survey responses, keyed by (experiment, stage, user).
	SaveSurveyResponse(r progress.SurveyResponse) error
	ListSurveyResponses(userID, experimentID string) ([]progress.SurveyResponse, error)

	// Scenario run snapshots so price series and countdowns survive a
	// reload instead of regenerating or restarting.
	SaveScenarioRun(userID, experimentID string, st market.RunState) error
	LoadScenarioRun(userID, experimentID, stageID string) (market.RunState, bool, error)
	DeleteScenarioRun(userID, experimentID, stageID string) error

	// Engine event log. AppendEvent also satisfies events.Sink.
	AppendEvent(ts time.Time, level, name, msg string, fields map[string]interface{}, sessionID string) error
	QueryEvents(limit int) ([]EventRow, error)

	Close() error
}
