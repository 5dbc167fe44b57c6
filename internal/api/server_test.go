package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/solosolocodes/lablab-engine/internal/experiment"
	"github.com/solosolocodes/lablab-engine/internal/market"
	"github.com/solosolocodes/lablab-engine/internal/progress"
	"github.com/solosolocodes/lablab-engine/internal/session"
	"github.com/solosolocodes/lablab-engine/internal/storage"
)

// memStore is an in-memory Store for handler tests.
type memStore struct {
	progress map[string]progress.Progress
	surveys  map[string]progress.SurveyResponse
	runs     map[string]market.RunState
	txs      []market.Transaction
}

func newMemStore() *memStore {
	return &memStore{
		progress: make(map[string]progress.Progress),
		surveys:  make(map[string]progress.SurveyResponse),
		runs:     make(map[string]market.RunState),
	}
}

func (s *memStore) SaveProgress(p progress.Progress) error {
	s.progress[p.UserID+"|"+p.ExperimentID] = p
	return nil
}

func (s *memStore) LoadProgress(userID, experimentID string) (progress.Progress, bool, error) {
	p, ok := s.progress[userID+"|"+experimentID]
	return p, ok, nil
}

func (s *memStore) AppendTransaction(tx market.Transaction) error {
	s.txs = append(s.txs, tx)
	return nil
}

func (s *memStore) ListTransactions(userID, experimentID string) ([]market.Transaction, error) {
	return s.txs, nil
}

func (s *memStore) SaveSurveyResponse(r progress.SurveyResponse) error {
	s.surveys[r.UserID+"|"+r.ExperimentID+"|"+r.StageID] = r
	return nil
}

func (s *memStore) ListSurveyResponses(userID, experimentID string) ([]progress.SurveyResponse, error) {
	var out []progress.SurveyResponse
	for _, r := range s.surveys {
		out = append(out, r)
	}
	return out, nil
}

func (s *memStore) SaveScenarioRun(userID, experimentID string, st market.RunState) error {
	s.runs[userID+"|"+experimentID+"|"+st.StageID] = st
	return nil
}

func (s *memStore) LoadScenarioRun(userID, experimentID, stageID string) (market.RunState, bool, error) {
	st, ok := s.runs[userID+"|"+experimentID+"|"+stageID]
	return st, ok, nil
}

func (s *memStore) DeleteScenarioRun(userID, experimentID, stageID string) error {
	delete(s.runs, userID+"|"+experimentID+"|"+stageID)
	return nil
}

func (s *memStore) AppendEvent(ts time.Time, level, name, msg string, fields map[string]interface{}, sessionID string) error {
	return nil
}

func (s *memStore) QueryEvents(limit int) ([]storage.EventRow, error) {
	return []storage.EventRow{{EventID: 1, Event: "stage.entered", LabID: "lab-test"}}, nil
}

func (s *memStore) Close() error { return nil }

var _ storage.Store = (*memStore)(nil)

func setupManager(t *testing.T) *memStore {
	t.Helper()
	exp := &experiment.Experiment{
		ID: "exp_api",
		Stages: []experiment.Stage{
			{ID: "stage_welcome", Type: experiment.StageInstructions, Order: 1},
			{ID: "stage_market", Type: experiment.StageScenario, ScenarioID: "scn_api", Order: 2},
		},
	}
	g, err := experiment.NewGraph(exp, experiment.GraphDeps{
		Scenarios: map[string]struct{}{"scn_api": {}},
	})
	if err != nil {
		t.Fatalf("failed to build graph: %v", err)
	}

	scenarios := map[string]market.Scenario{
		"scn_api": {
			ID:            "scn_api",
			Rounds:        2,
			RoundDuration: 5,
			Wallet: market.Wallet{Assets: []market.Asset{
				{ID: "asset_cash", Symbol: "USD", Type: market.AssetFiat, Amount: 1000},
				{ID: "asset_acme", Symbol: "ACME", Type: market.AssetStock, Amount: 10},
			}},
		},
	}

	store := newMemStore()
	m := session.NewManager(g, scenarios, store)
	m.SetSeed(func() int64 { return 1 })
	SetManager(m)
	SetEventLog(store)
	t.Cleanup(func() {
		SetManager(nil)
		SetEventLog(nil)
	})
	return store
}

func postJSON(t *testing.T, handler http.HandlerFunc, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest("POST", "/", strings.NewReader(body))
	w := httptest.NewRecorder()
	handler(w, req)
	return w
}

func TestHealthEndpoint(t *testing.T) {
	req := httptest.NewRequest("GET", "/health", nil)
	w := httptest.NewRecorder()

	healthHandler(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", w.Code)
	}

	var resp HealthResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.Status != "ok" {
		t.Errorf("expected status 'ok', got '%s'", resp.Status)
	}
	if resp.Service != "engine" {
		t.Errorf("expected service 'engine', got '%s'", resp.Service)
	}
}

func TestSessionStartAndState(t *testing.T) {
	setupManager(t)

	w := postJSON(t, sessionStartHandler, `{"userId":"user_1"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp Response
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if !resp.OK {
		t.Fatalf("expected ok, got %+v", resp)
	}

	req := httptest.NewRequest("GET", "/session/state?userId=user_1", nil)
	rec := httptest.NewRecorder()
	sessionStateHandler(rec, req)

	var state stateResponse
	if err := json.NewDecoder(rec.Body).Decode(&state); err != nil {
		t.Fatalf("failed to decode state: %v", err)
	}
	if state.Progress.Status != progress.StatusInProgress {
		t.Errorf("expected in_progress, got %s", state.Progress.Status)
	}
	if state.Progress.CurrentStageID != "stage_welcome" {
		t.Errorf("expected stage_welcome, got %s", state.Progress.CurrentStageID)
	}
}

func TestSessionRequestValidation(t *testing.T) {
	setupManager(t)

	req := httptest.NewRequest("GET", "/session/start", nil)
	w := httptest.NewRecorder()
	sessionStartHandler(w, req)
	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("expected 405 for GET, got %d", w.Code)
	}

	if w := postJSON(t, sessionStartHandler, `{`); w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for bad JSON, got %d", w.Code)
	}
	if w := postJSON(t, sessionStartHandler, `{}`); w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for missing userId, got %d", w.Code)
	}
}

func TestNoManagerReturnsServiceUnavailable(t *testing.T) {
	SetManager(nil)
	if w := postJSON(t, sessionStartHandler, `{"userId":"user_1"}`); w.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503 without a manager, got %d", w.Code)
	}
}

func TestStaleTransitionIsRecoverable(t *testing.T) {
	setupManager(t)

	postJSON(t, sessionStartHandler, `{"userId":"user_1"}`)
	w := postJSON(t, ackHandler, `{"userId":"user_1","stageId":"stage_welcome"}`)
	var resp Response
	_ = json.NewDecoder(w.Body).Decode(&resp)
	if !resp.OK {
		t.Fatalf("expected first acknowledge to succeed: %+v", resp)
	}

	// The duplicate delivery comes back as a participant-level error, not
	// a server fault.
	w = postJSON(t, ackHandler, `{"userId":"user_1","stageId":"stage_welcome"}`)
	if w.Code != http.StatusOK {
		t.Errorf("expected 200 for stale transition, got %d", w.Code)
	}
	resp = Response{}
	_ = json.NewDecoder(w.Body).Decode(&resp)
	if resp.OK || resp.Error == "" {
		t.Errorf("expected ok:false with error, got %+v", resp)
	}
}

func TestTradeEndpoint(t *testing.T) {
	setupManager(t)

	postJSON(t, sessionStartHandler, `{"userId":"user_1"}`)
	postJSON(t, ackHandler, `{"userId":"user_1","stageId":"stage_welcome"}`)

	w := postJSON(t, tradeHandler, `{"userId":"user_1","assetId":"asset_acme","type":"buy","quantity":3}`)
	var resp tradeResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode trade response: %v", err)
	}
	if !resp.OK {
		t.Fatalf("expected trade to succeed: %+v", resp)
	}
	if resp.Balances.Funds != 970 {
		t.Errorf("expected funds 970 after buying 3 at 10, got %f", resp.Balances.Funds)
	}
	if resp.Transaction == nil || resp.Transaction.Quantity != 3 {
		t.Errorf("expected the transaction in the response, got %+v", resp.Transaction)
	}

	// A rejected trade reports the unchanged balances.
	w = postJSON(t, tradeHandler, `{"userId":"user_1","assetId":"asset_acme","type":"buy","quantity":1000}`)
	resp = tradeResponse{}
	_ = json.NewDecoder(w.Body).Decode(&resp)
	if resp.OK {
		t.Error("expected over-budget trade to be rejected")
	}
	if w.Code != http.StatusOK {
		t.Errorf("expected 200 for rejected trade, got %d", w.Code)
	}
	if resp.Balances == nil || resp.Balances.Funds != 970 {
		t.Errorf("expected unchanged balances, got %+v", resp.Balances)
	}
}

func TestEventHistoryEndpoint(t *testing.T) {
	setupManager(t)

	req := httptest.NewRequest("GET", "/events/history", nil)
	w := httptest.NewRecorder()
	eventHistoryHandler(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var rows []storage.EventRow
	if err := json.NewDecoder(w.Body).Decode(&rows); err != nil {
		t.Fatalf("failed to decode rows: %v", err)
	}
	if len(rows) != 1 || rows[0].Event != "stage.entered" {
		t.Errorf("unexpected rows: %+v", rows)
	}
}

func TestEventHistoryWithoutLog(t *testing.T) {
	SetEventLog(nil)
	req := httptest.NewRequest("GET", "/events/history", nil)
	w := httptest.NewRecorder()
	eventHistoryHandler(w, req)
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503 without an event log, got %d", w.Code)
	}
}
