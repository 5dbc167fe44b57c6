// Package postgres implements the engine store on PostgreSQL for lab
// deployments. Connection settings come from the standard PG* env vars.
package postgres

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"time"

	_ "github.com/lib/pq"

	"github.com/solosolocodes/lablab-engine/internal/market"
	"github.com/solosolocodes/lablab-engine/internal/progress"
	"github.com/solosolocodes/lablab-engine/internal/storage"
)

// Client manages the Postgres connection for engine documents.
type Client struct {
	db    *sql.DB
	labID string
}

// New creates a new Postgres client using environment variables.
func New(labID string) (*Client, error) {
	host := getEnv("PGHOST", "127.0.0.1")
	port := getEnv("PGPORT", "5432")
	user := getEnv("PGUSER", "lablab")
	dbname := getEnv("PGDATABASE", "lablab")
	password := os.Getenv("PGPASSWORD")

	var connStr string
	if password != "" {
		connStr = fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=disable",
			host, port, user, password, dbname)
	} else {
		connStr = fmt.Sprintf("host=%s port=%s user=%s dbname=%s sslmode=disable",
			host, port, user, dbname)
	}

	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	client := &Client{
		db:    db,
		labID: labID,
	}

	if err := client.createTables(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	return client, nil
}

func getEnv(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func (c *Client) createTables() error {
	query := `
		CREATE TABLE IF NOT EXISTS events (
			event_id   BIGSERIAL PRIMARY KEY,
			ts         TIMESTAMPTZ NOT NULL,
			level      TEXT NOT NULL,
			event      TEXT NOT NULL,
			msg        TEXT,
			fields     JSONB,
			lab_id     TEXT NOT NULL,
			session_id TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_events_ts ON events(ts DESC);
		CREATE INDEX IF NOT EXISTS idx_events_lab_id ON events(lab_id);

		CREATE TABLE IF NOT EXISTS participant_progress (
			user_id          TEXT NOT NULL,
			experiment_id    TEXT NOT NULL,
			status           TEXT NOT NULL,
			current_stage_id TEXT,
			completed_stages JSONB NOT NULL,
			started_at       TIMESTAMPTZ,
			completed_at     TIMESTAMPTZ,
			last_activity_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (user_id, experiment_id)
		);

		CREATE TABLE IF NOT EXISTS transactions (
			id            TEXT PRIMARY KEY,
			experiment_id TEXT NOT NULL,
			user_id       TEXT NOT NULL,
			asset_id      TEXT NOT NULL,
			symbol        TEXT NOT NULL,
			type          TEXT NOT NULL,
			quantity      INTEGER NOT NULL,
			price         DOUBLE PRECISION NOT NULL,
			total_value   DOUBLE PRECISION NOT NULL,
			round_number  INTEGER NOT NULL,
			ts            TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_transactions_pair ON transactions(user_id, experiment_id);

		CREATE TABLE IF NOT EXISTS survey_responses (
			experiment_id TEXT NOT NULL,
			stage_id      TEXT NOT NULL,
			user_id       TEXT NOT NULL,
			responses     JSONB NOT NULL,
			submitted_at  TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (experiment_id, stage_id, user_id)
		);

		CREATE TABLE IF NOT EXISTS scenario_runs (
			user_id       TEXT NOT NULL,
			experiment_id TEXT NOT NULL,
			stage_id      TEXT NOT NULL,
			state         JSONB NOT NULL,
			PRIMARY KEY (user_id, experiment_id, stage_id)
		);
	`
	_, err := c.db.Exec(query)
	return err
}

// SaveProgress upserts the participant's progress record.
func (c *Client) SaveProgress(p progress.Progress) error {
	completed, err := json.Marshal(p.CompletedStages)
	if err != nil {
		return fmt.Errorf("save progress: marshal completed stages: %w", err)
	}
	if p.CompletedStages == nil {
		completed = []byte("[]")
	}

	query := `
		INSERT INTO participant_progress
			(user_id, experiment_id, status, current_stage_id, completed_stages, started_at, completed_at, last_activity_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (user_id, experiment_id) DO UPDATE SET
			status = EXCLUDED.status,
			current_stage_id = EXCLUDED.current_stage_id,
			completed_stages = EXCLUDED.completed_stages,
			started_at = EXCLUDED.started_at,
			completed_at = EXCLUDED.completed_at,
			last_activity_at = EXCLUDED.last_activity_at
	`
	_, err = c.db.Exec(query, p.UserID, p.ExperimentID, string(p.Status), nullString(p.CurrentStageID),
		completed, p.StartedAt, p.CompletedAt, p.LastActivityAt)
	if err != nil {
		return fmt.Errorf("save progress: %w", err)
	}
	return nil
}

// LoadProgress returns the progress record for the pair, reporting false
// when none exists yet.
func (c *Client) LoadProgress(userID, experimentID string) (progress.Progress, bool, error) {
	query := `
		SELECT status, current_stage_id, completed_stages, started_at, completed_at, last_activity_at
		FROM participant_progress
		WHERE user_id = $1 AND experiment_id = $2
	`
	var p progress.Progress
	var status string
	var currentStage sql.NullString
	var completed []byte
	var startedAt, completedAt sql.NullTime

	err := c.db.QueryRow(query, userID, experimentID).Scan(
		&status, &currentStage, &completed, &startedAt, &completedAt, &p.LastActivityAt)
	if err == sql.ErrNoRows {
		return progress.Progress{}, false, nil
	}
	if err != nil {
		return progress.Progress{}, false, fmt.Errorf("load progress: %w", err)
	}

	p.UserID = userID
	p.ExperimentID = experimentID
	p.Status = progress.Status(status)
	if currentStage.Valid {
		p.CurrentStageID = currentStage.String
	}
	if err := json.Unmarshal(completed, &p.CompletedStages); err != nil {
		return progress.Progress{}, false, fmt.Errorf("load progress: unmarshal completed stages: %w", err)
	}
	if startedAt.Valid {
		t := startedAt.Time
		p.StartedAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time
		p.CompletedAt = &t
	}
	return p, true, nil
}

// AppendTransaction inserts one immutable ledger row.
func (c *Client) AppendTransaction(tx market.Transaction) error {
	query := `
		INSERT INTO transactions
			(id, experiment_id, user_id, asset_id, symbol, type, quantity, price, total_value, round_number, ts)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`
	_, err := c.db.Exec(query, tx.ID, tx.ExperimentID, tx.UserID, tx.AssetID, tx.Symbol,
		string(tx.Type), tx.Quantity, tx.Price, tx.TotalValue, tx.RoundNumber, tx.Timestamp)
	if err != nil {
		return fmt.Errorf("append transaction: %w", err)
	}
	return nil
}

// ListTransactions returns the pair's ledger, oldest first.
func (c *Client) ListTransactions(userID, experimentID string) ([]market.Transaction, error) {
	query := `
		SELECT id, asset_id, symbol, type, quantity, price, total_value, round_number, ts
		FROM transactions
		WHERE user_id = $1 AND experiment_id = $2
		ORDER BY ts ASC
	`
	rows, err := c.db.Query(query, userID, experimentID)
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	defer rows.Close()

	var txs []market.Transaction
	for rows.Next() {
		tx := market.Transaction{UserID: userID, ExperimentID: experimentID}
		var typ string
		if err := rows.Scan(&tx.ID, &tx.AssetID, &tx.Symbol, &typ, &tx.Quantity,
			&tx.Price, &tx.TotalValue, &tx.RoundNumber, &tx.Timestamp); err != nil {
			return nil, fmt.Errorf("list transactions: scan: %w", err)
		}
		tx.Type = market.TradeType(typ)
		txs = append(txs, tx)
	}
	return txs, rows.Err()
}

// SaveSurveyResponse upserts the answers document for its unique
// (experiment, stage, user) key.
func (c *Client) SaveSurveyResponse(r progress.SurveyResponse) error {
	responses, err := json.Marshal(r.Responses)
	if err != nil {
		return fmt.Errorf("save survey response: marshal: %w", err)
	}
	query := `
		INSERT INTO survey_responses (experiment_id, stage_id, user_id, responses, submitted_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (experiment_id, stage_id, user_id) DO UPDATE SET
			responses = EXCLUDED.responses,
			submitted_at = EXCLUDED.submitted_at
	`
	_, err = c.db.Exec(query, r.ExperimentID, r.StageID, r.UserID, responses, r.SubmittedAt)
	if err != nil {
		return fmt.Errorf("save survey response: %w", err)
	}
	return nil
}

// ListSurveyResponses returns all answer documents for the pair.
func (c *Client) ListSurveyResponses(userID, experimentID string) ([]progress.SurveyResponse, error) {
	query := `
		SELECT stage_id, responses, submitted_at
		FROM survey_responses
		WHERE user_id = $1 AND experiment_id = $2
		ORDER BY submitted_at ASC
	`
	rows, err := c.db.Query(query, userID, experimentID)
	if err != nil {
		return nil, fmt.Errorf("list survey responses: %w", err)
	}
	defer rows.Close()

	var out []progress.SurveyResponse
	for rows.Next() {
		r := progress.SurveyResponse{UserID: userID, ExperimentID: experimentID}
		var responses []byte
		if err := rows.Scan(&r.StageID, &responses, &r.SubmittedAt); err != nil {
			return nil, fmt.Errorf("list survey responses: scan: %w", err)
		}
		if err := json.Unmarshal(responses, &r.Responses); err != nil {
			return nil, fmt.Errorf("list survey responses: unmarshal: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// SaveScenarioRun upserts the run snapshot for its stage.
func (c *Client) SaveScenarioRun(userID, experimentID string, st market.RunState) error {
	state, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("save scenario run: marshal: %w", err)
	}
	query := `
		INSERT INTO scenario_runs (user_id, experiment_id, stage_id, state)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (user_id, experiment_id, stage_id) DO UPDATE SET state = EXCLUDED.state
	`
	_, err = c.db.Exec(query, userID, experimentID, st.StageID, state)
	if err != nil {
		return fmt.Errorf("save scenario run: %w", err)
	}
	return nil
}

// LoadScenarioRun returns the persisted snapshot, reporting false when
// none exists.
func (c *Client) LoadScenarioRun(userID, experimentID, stageID string) (market.RunState, bool, error) {
	var state []byte
	err := c.db.QueryRow(
		`SELECT state FROM scenario_runs WHERE user_id = $1 AND experiment_id = $2 AND stage_id = $3`,
		userID, experimentID, stageID).Scan(&state)
	if err == sql.ErrNoRows {
		return market.RunState{}, false, nil
	}
	if err != nil {
		return market.RunState{}, false, fmt.Errorf("load scenario run: %w", err)
	}
	var st market.RunState
	if err := json.Unmarshal(state, &st); err != nil {
		return market.RunState{}, false, fmt.Errorf("load scenario run: unmarshal: %w", err)
	}
	return st, true, nil
}

// DeleteScenarioRun drops the snapshot once the stage is left for good.
func (c *Client) DeleteScenarioRun(userID, experimentID, stageID string) error {
	_, err := c.db.Exec(
		`DELETE FROM scenario_runs WHERE user_id = $1 AND experiment_id = $2 AND stage_id = $3`,
		userID, experimentID, stageID)
	if err != nil {
		return fmt.Errorf("delete scenario run: %w", err)
	}
	return nil
}

// AppendEvent inserts an engine event. Satisfies events.Sink.
func (c *Client) AppendEvent(ts time.Time, level, event, msg string, fields map[string]interface{}, sessionID string) error {
	var fieldsJSON []byte
	var err error
	if fields != nil {
		fieldsJSON, err = json.Marshal(fields)
		if err != nil {
			return fmt.Errorf("failed to marshal fields: %w", err)
		}
	}

	query := `
		INSERT INTO events (ts, level, event, msg, fields, lab_id, session_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err = c.db.Exec(query, ts, level, event, nullString(msg), fieldsJSON, c.labID, nullString(sessionID))
	return err
}

// QueryEvents returns the last N events in descending timestamp order.
func (c *Client) QueryEvents(limit int) ([]storage.EventRow, error) {
	if limit <= 0 {
		limit = 200
	}
	if limit > 10000 {
		limit = 10000
	}

	query := `
		SELECT event_id, ts, level, event, msg, fields, lab_id, session_id
		FROM events
		WHERE lab_id = $1
		ORDER BY ts DESC
		LIMIT $2
	`
	rows, err := c.db.Query(query, c.labID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []storage.EventRow
	for rows.Next() {
		var e storage.EventRow
		var fieldsJSON []byte
		var msg, sessionID sql.NullString

		if err := rows.Scan(&e.EventID, &e.Timestamp, &e.Level, &e.Event, &msg, &fieldsJSON, &e.LabID, &sessionID); err != nil {
			return nil, err
		}

		if msg.Valid {
			e.Message = &msg.String
		}
		if sessionID.Valid {
			e.SessionID = &sessionID.String
		}
		if len(fieldsJSON) > 0 {
			if err := json.Unmarshal(fieldsJSON, &e.Fields); err != nil {
				return nil, fmt.Errorf("failed to unmarshal fields: %w", err)
			}
		}

		events = append(events, e)
	}

	return events, rows.Err()
}

// Close closes the database connection.
func (c *Client) Close() error {
	if c.db != nil {
		return c.db.Close()
	}
	return nil
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
