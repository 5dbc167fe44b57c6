// Package sqlite implements the engine store on an embedded SQLite
// database for local pilots and single-machine labs.
package sqlite

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/solosolocodes/lablab-engine/internal/market"
	"github.com/solosolocodes/lablab-engine/internal/progress"
	"github.com/solosolocodes/lablab-engine/internal/storage"
)

// Store provides SQLite-backed persistence for engine documents.
type Store struct {
	db    *sql.DB
	labID string
}

// Open opens (creating if needed) the database at path and migrates the
// schema.
func Open(path, labID string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("open sqlite: path is empty")
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("open sqlite: ping: %w", err)
	}
	if err := Migrate(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db, labID: labID}, nil
}

// New returns a Store bound to an existing database handle.
func New(db *sql.DB, labID string) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("db is nil")
	}
	return &Store{db: db, labID: labID}, nil
}

func fmtTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

// SaveProgress upserts the participant's progress record.
func (s *Store) SaveProgress(p progress.Progress) error {
	completed, err := json.Marshal(p.CompletedStages)
	if err != nil {
		return fmt.Errorf("save progress: marshal completed stages: %w", err)
	}
	if p.CompletedStages == nil {
		completed = []byte("[]")
	}

	var startedAt, completedAt any
	if p.StartedAt != nil {
		startedAt = fmtTime(*p.StartedAt)
	}
	if p.CompletedAt != nil {
		completedAt = fmtTime(*p.CompletedAt)
	}

	sqlString := `INSERT INTO participant_progress
			(user_id, experiment_id, status, current_stage_id, completed_stages, started_at, completed_at, last_activity_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (user_id, experiment_id) DO UPDATE SET
			status = excluded.status,
			current_stage_id = excluded.current_stage_id,
			completed_stages = excluded.completed_stages,
			started_at = excluded.started_at,
			completed_at = excluded.completed_at,
			last_activity_at = excluded.last_activity_at`
	_, err = s.db.Exec(sqlString, p.UserID, p.ExperimentID, string(p.Status), p.CurrentStageID,
		string(completed), startedAt, completedAt, fmtTime(p.LastActivityAt))
	if err != nil {
		return fmt.Errorf("save progress: insert: %w", err)
	}
	return nil
}

// LoadProgress returns the progress record for the pair, reporting false
// when none exists yet.
func (s *Store) LoadProgress(userID, experimentID string) (progress.Progress, bool, error) {
	sqlString := `SELECT status, current_stage_id, completed_stages, started_at, completed_at, last_activity_at
		FROM participant_progress WHERE user_id = ? AND experiment_id = ?`

	var p progress.Progress
	var status, completed, lastActivity string
	var currentStage, startedAt, completedAt sql.NullString

	err := s.db.QueryRow(sqlString, userID, experimentID).Scan(
		&status, &currentStage, &completed, &startedAt, &completedAt, &lastActivity)
	if err == sql.ErrNoRows {
		return progress.Progress{}, false, nil
	}
	if err != nil {
		return progress.Progress{}, false, fmt.Errorf("load progress: scan: %w", err)
	}

	p.UserID = userID
	p.ExperimentID = experimentID
	p.Status = progress.Status(status)
	if currentStage.Valid {
		p.CurrentStageID = currentStage.String
	}
	if err := json.Unmarshal([]byte(completed), &p.CompletedStages); err != nil {
		return progress.Progress{}, false, fmt.Errorf("load progress: unmarshal completed stages: %w", err)
	}
	if startedAt.Valid {
		t, err := parseTime(startedAt.String)
		if err != nil {
			return progress.Progress{}, false, fmt.Errorf("load progress: started_at: %w", err)
		}
		p.StartedAt = &t
	}
	if completedAt.Valid {
		t, err := parseTime(completedAt.String)
		if err != nil {
			return progress.Progress{}, false, fmt.Errorf("load progress: completed_at: %w", err)
		}
		p.CompletedAt = &t
	}
	la, err := parseTime(lastActivity)
	if err != nil {
		return progress.Progress{}, false, fmt.Errorf("load progress: last_activity_at: %w", err)
	}
	p.LastActivityAt = la
	return p, true, nil
}

// AppendTransaction inserts one immutable ledger row.
func (s *Store) AppendTransaction(tx market.Transaction) error {
	sqlString := `INSERT INTO transactions
			(id, experiment_id, user_id, asset_id, symbol, type, quantity, price, total_value, round_number, ts)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.Exec(sqlString, tx.ID, tx.ExperimentID, tx.UserID, tx.AssetID, tx.Symbol,
		string(tx.Type), tx.Quantity, tx.Price, tx.TotalValue, tx.RoundNumber, fmtTime(tx.Timestamp))
	if err != nil {
		return fmt.Errorf("append transaction: insert: %w", err)
	}
	return nil
}

// ListTransactions returns the pair's ledger, oldest first.
func (s *Store) ListTransactions(userID, experimentID string) ([]market.Transaction, error) {
	sqlString := `SELECT id, asset_id, symbol, type, quantity, price, total_value, round_number, ts
		FROM transactions WHERE user_id = ? AND experiment_id = ? ORDER BY ts ASC`
	rows, err := s.db.Query(sqlString, userID, experimentID)
	if err != nil {
		return nil, fmt.Errorf("list transactions: query: %w", err)
	}
	defer rows.Close()

	var txs []market.Transaction
	for rows.Next() {
		tx := market.Transaction{UserID: userID, ExperimentID: experimentID}
		var typ, ts string
		if err := rows.Scan(&tx.ID, &tx.AssetID, &tx.Symbol, &typ, &tx.Quantity,
			&tx.Price, &tx.TotalValue, &tx.RoundNumber, &ts); err != nil {
			return nil, fmt.Errorf("list transactions: scan: %w", err)
		}
		tx.Type = market.TradeType(typ)
		tx.Timestamp, err = parseTime(ts)
		if err != nil {
			return nil, fmt.Errorf("list transactions: ts: %w", err)
		}
		txs = append(txs, tx)
	}
	return txs, rows.Err()
}

// SaveSurveyResponse upserts the answers document for its unique
// (experiment, stage, user) key.
func (s *Store) SaveSurveyResponse(r progress.SurveyResponse) error {
	responses, err := json.Marshal(r.Responses)
	if err != nil {
		return fmt.Errorf("save survey response: marshal: %w", err)
	}
	sqlString := `INSERT INTO survey_responses (experiment_id, stage_id, user_id, responses, submitted_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (experiment_id, stage_id, user_id) DO UPDATE SET
			responses = excluded.responses,
			submitted_at = excluded.submitted_at`
	_, err = s.db.Exec(sqlString, r.ExperimentID, r.StageID, r.UserID, string(responses), fmtTime(r.SubmittedAt))
	if err != nil {
		return fmt.Errorf("save survey response: insert: %w", err)
	}
	return nil
}

// ListSurveyResponses returns all answer documents for the pair.
func (s *Store) ListSurveyResponses(userID, experimentID string) ([]progress.SurveyResponse, error) {
	sqlString := `SELECT stage_id, responses, submitted_at
		FROM survey_responses WHERE user_id = ? AND experiment_id = ? ORDER BY submitted_at ASC`
	rows, err := s.db.Query(sqlString, userID, experimentID)
	if err != nil {
		return nil, fmt.Errorf("list survey responses: query: %w", err)
	}
	defer rows.Close()

	var out []progress.SurveyResponse
	for rows.Next() {
		r := progress.SurveyResponse{UserID: userID, ExperimentID: experimentID}
		var responses, submitted string
		if err := rows.Scan(&r.StageID, &responses, &submitted); err != nil {
			return nil, fmt.Errorf("list survey responses: scan: %w", err)
		}
		if err := json.Unmarshal([]byte(responses), &r.Responses); err != nil {
			return nil, fmt.Errorf("list survey responses: unmarshal: %w", err)
		}
		r.SubmittedAt, err = parseTime(submitted)
		if err != nil {
			return nil, fmt.Errorf("list survey responses: submitted_at: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// SaveScenarioRun upserts the run snapshot for its stage.
func (s *Store) SaveScenarioRun(userID, experimentID string, st market.RunState) error {
	state, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("save scenario run: marshal: %w", err)
	}
	sqlString := `INSERT INTO scenario_runs (user_id, experiment_id, stage_id, state)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (user_id, experiment_id, stage_id) DO UPDATE SET state = excluded.state`
	_, err = s.db.Exec(sqlString, userID, experimentID, st.StageID, string(state))
	if err != nil {
		return fmt.Errorf("save scenario run: insert: %w", err)
	}
	return nil
}

// LoadScenarioRun returns the persisted snapshot, reporting false when
// none exists.
func (s *Store) LoadScenarioRun(userID, experimentID, stageID string) (market.RunState, bool, error) {
	var state string
	err := s.db.QueryRow(
		`SELECT state FROM scenario_runs WHERE user_id = ? AND experiment_id = ? AND stage_id = ?`,
		userID, experimentID, stageID).Scan(&state)
	if err == sql.ErrNoRows {
		return market.RunState{}, false, nil
	}
	if err != nil {
		return market.RunState{}, false, fmt.Errorf("load scenario run: scan: %w", err)
	}
	var st market.RunState
	if err := json.Unmarshal([]byte(state), &st); err != nil {
		return market.RunState{}, false, fmt.Errorf("load scenario run: unmarshal: %w", err)
	}
	return st, true, nil
}

// DeleteScenarioRun drops the snapshot once the stage is left for good.
func (s *Store) DeleteScenarioRun(userID, experimentID, stageID string) error {
	_, err := s.db.Exec(
		`DELETE FROM scenario_runs WHERE user_id = ? AND experiment_id = ? AND stage_id = ?`,
		userID, experimentID, stageID)
	if err != nil {
		return fmt.Errorf("delete scenario run: %w", err)
	}
	return nil
}

// AppendEvent inserts an engine event. Satisfies events.Sink.
func (s *Store) AppendEvent(ts time.Time, level, event, msg string, fields map[string]interface{}, sessionID string) error {
	var fieldsJSON any
	if fields != nil {
		b, err := json.Marshal(fields)
		if err != nil {
			return fmt.Errorf("append event: marshal fields: %w", err)
		}
		fieldsJSON = string(b)
	}

	var msgValue, sessionValue any
	if msg != "" {
		msgValue = msg
	}
	if sessionID != "" {
		sessionValue = sessionID
	}

	sqlString := `INSERT INTO events (ts, level, event, msg, fields, lab_id, session_id) VALUES (?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.Exec(sqlString, fmtTime(ts), level, event, msgValue, fieldsJSON, s.labID, sessionValue)
	if err != nil {
		return fmt.Errorf("append event: insert: %w", err)
	}
	return nil
}

// QueryEvents returns the last N events in descending timestamp order.
func (s *Store) QueryEvents(limit int) ([]storage.EventRow, error) {
	if limit <= 0 {
		limit = 200
	}
	if limit > 10000 {
		limit = 10000
	}

	sqlString := `SELECT event_id, ts, level, event, msg, fields, lab_id, session_id
		FROM events WHERE lab_id = ? ORDER BY ts DESC, event_id DESC LIMIT ?`
	rows, err := s.db.Query(sqlString, s.labID, limit)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var out []storage.EventRow
	for rows.Next() {
		var e storage.EventRow
		var ts string
		var msg, fieldsJSON, sessionID sql.NullString

		if err := rows.Scan(&e.EventID, &ts, &e.Level, &e.Event, &msg, &fieldsJSON, &e.LabID, &sessionID); err != nil {
			return nil, fmt.Errorf("query events: scan: %w", err)
		}
		e.Timestamp, err = parseTime(ts)
		if err != nil {
			return nil, fmt.Errorf("query events: ts: %w", err)
		}
		if msg.Valid {
			e.Message = &msg.String
		}
		if sessionID.Valid {
			e.SessionID = &sessionID.String
		}
		if fieldsJSON.Valid && fieldsJSON.String != "" {
			if err := json.Unmarshal([]byte(fieldsJSON.String), &e.Fields); err != nil {
				return nil, fmt.Errorf("query events: unmarshal fields: %w", err)
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}
