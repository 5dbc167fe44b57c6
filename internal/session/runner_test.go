package session

import (
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/solosolocodes/lablab-engine/internal/experiment"
	"github.com/solosolocodes/lablab-engine/internal/market"
	"github.com/solosolocodes/lablab-engine/internal/progress"
	"github.com/solosolocodes/lablab-engine/internal/storage"
)

// fakeStore is an in-memory Store for runner tests.
type fakeStore struct {
	progress  map[string]progress.Progress
	txs       []market.Transaction
	surveys   map[string]progress.SurveyResponse
	runs      map[string]market.RunState
	eventRows int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		progress: make(map[string]progress.Progress),
		surveys:  make(map[string]progress.SurveyResponse),
		runs:     make(map[string]market.RunState),
	}
}

func (s *fakeStore) SaveProgress(p progress.Progress) error {
	s.progress[p.UserID+"|"+p.ExperimentID] = p
	return nil
}

func (s *fakeStore) LoadProgress(userID, experimentID string) (progress.Progress, bool, error) {
	p, ok := s.progress[userID+"|"+experimentID]
	return p, ok, nil
}

func (s *fakeStore) AppendTransaction(tx market.Transaction) error {
	s.txs = append(s.txs, tx)
	return nil
}

func (s *fakeStore) ListTransactions(userID, experimentID string) ([]market.Transaction, error) {
	var out []market.Transaction
	for _, tx := range s.txs {
		if tx.UserID == userID && tx.ExperimentID == experimentID {
			out = append(out, tx)
		}
	}
	return out, nil
}

func (s *fakeStore) SaveSurveyResponse(r progress.SurveyResponse) error {
	s.surveys[r.UserID+"|"+r.ExperimentID+"|"+r.StageID] = r
	return nil
}

func (s *fakeStore) ListSurveyResponses(userID, experimentID string) ([]progress.SurveyResponse, error) {
	var out []progress.SurveyResponse
	for _, r := range s.surveys {
		if r.UserID == userID && r.ExperimentID == experimentID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *fakeStore) SaveScenarioRun(userID, experimentID string, st market.RunState) error {
	s.runs[userID+"|"+experimentID+"|"+st.StageID] = st
	return nil
}

func (s *fakeStore) LoadScenarioRun(userID, experimentID, stageID string) (market.RunState, bool, error) {
	st, ok := s.runs[userID+"|"+experimentID+"|"+stageID]
	return st, ok, nil
}

func (s *fakeStore) DeleteScenarioRun(userID, experimentID, stageID string) error {
	delete(s.runs, userID+"|"+experimentID+"|"+stageID)
	return nil
}

func (s *fakeStore) AppendEvent(ts time.Time, level, name, msg string, fields map[string]interface{}, sessionID string) error {
	s.eventRows++
	return nil
}

func (s *fakeStore) QueryEvents(limit int) ([]storage.EventRow, error) { return nil, nil }

func (s *fakeStore) Close() error { return nil }

var _ storage.Store = (*fakeStore)(nil)

func walkScenario() market.Scenario {
	return market.Scenario{
		ID:            "scn_walk",
		Rounds:        2,
		RoundDuration: 5,
		Wallet: market.Wallet{Assets: []market.Asset{
			{ID: "asset_cash", Symbol: "USD", Type: market.AssetFiat, Amount: 1000},
			{ID: "asset_acme", Symbol: "ACME", Type: market.AssetStock, Amount: 10},
		}},
	}
}

// walkGraph builds a four-stage walk: instructions, a screening survey
// that routes experienced traders to the market and everyone else to the
// break, the market stage, and a timed break that ends the session.
func walkGraph(t *testing.T) *experiment.Graph {
	t.Helper()
	exp := &experiment.Experiment{
		ID: "exp_walk",
		Stages: []experiment.Stage{
			{ID: "stage_welcome", Type: experiment.StageInstructions, Order: 1},
			{ID: "stage_screen", Type: experiment.StageSurvey, Order: 2, Questions: []experiment.Question{
				{ID: "q_experience", Type: experiment.QuestionMultipleChoice, Required: true, Options: []string{"yes", "no"}},
			}},
			{ID: "stage_market", Type: experiment.StageScenario, ScenarioID: "scn_walk", Order: 3},
			{ID: "stage_rest", Type: experiment.StageBreak, Duration: 2, Order: 4},
		},
		Branches: []experiment.Branch{{
			SourceStageID: "stage_screen",
			Conditions: []experiment.Condition{
				{Type: experiment.ConditionResponse, QuestionID: "q_experience", ExpectedResponse: "yes", TargetStageID: "stage_market"},
			},
			DefaultTargetStageID: "stage_rest",
		}},
	}
	g, err := experiment.NewGraph(exp, experiment.GraphDeps{
		Scenarios: map[string]struct{}{"scn_walk": {}},
	})
	if err != nil {
		t.Fatalf("failed to build graph: %v", err)
	}
	return g
}

func newTestRunner(t *testing.T, store storage.Store) *Runner {
	t.Helper()
	r, err := NewRunner(walkGraph(t), map[string]market.Scenario{"scn_walk": walkScenario()}, store, "user_1", rand.New(rand.NewSource(1)))
	if err != nil {
		t.Fatalf("failed to create runner: %v", err)
	}
	return r
}

func TestFullWalk(t *testing.T) {
	store := newFakeStore()
	r := newTestRunner(t, store)

	if err := r.Start(); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if stage, _ := r.CurrentStage(); stage.ID != "stage_welcome" {
		t.Fatalf("expected stage_welcome, got %s", stage.ID)
	}

	if err := r.AcknowledgeStage("stage_welcome"); err != nil {
		t.Fatalf("acknowledge failed: %v", err)
	}
	if stage, _ := r.CurrentStage(); stage.ID != "stage_screen" {
		t.Fatalf("expected sequential advance to stage_screen, got %s", stage.ID)
	}

	if err := r.SubmitSurvey("stage_screen", map[string]string{"q_experience": "yes"}); err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	if stage, _ := r.CurrentStage(); stage.ID != "stage_market" {
		t.Fatalf("expected branch to route to stage_market, got %s", stage.ID)
	}

	// The scenario run is live and persisted.
	st, ok := r.ScenarioState()
	if !ok || st.ScenarioID != "scn_walk" {
		t.Fatalf("expected active scenario run, got %+v", st)
	}
	if _, found, _ := store.LoadScenarioRun("user_1", "exp_walk", "stage_market"); !found {
		t.Error("expected persisted scenario run")
	}

	balances, tx, err := r.Trade("asset_acme", market.TradeBuy, 5)
	if err != nil {
		t.Fatalf("trade failed: %v", err)
	}
	if balances.Funds != 950 {
		t.Errorf("expected funds 950 after buying 5 at 10, got %f", balances.Funds)
	}
	if tx.RoundNumber != 1 {
		t.Errorf("expected a round-1 transaction, got %d", tx.RoundNumber)
	}
	if len(store.txs) != 1 {
		t.Errorf("expected the transaction in the ledger, got %d rows", len(store.txs))
	}

	// Two rounds of five seconds run out; the stage advances itself.
	if err := r.Tick(10); err != nil {
		t.Fatalf("tick failed: %v", err)
	}
	if stage, _ := r.CurrentStage(); stage.ID != "stage_rest" {
		t.Fatalf("expected completed scenario to advance to stage_rest, got %s", stage.ID)
	}

	// Leaving the scenario stage discards the run snapshot, not the ledger.
	if _, found, _ := store.LoadScenarioRun("user_1", "exp_walk", "stage_market"); found {
		t.Error("expected scenario run to be deleted on stage exit")
	}
	if len(store.txs) != 1 {
		t.Errorf("expected the ledger to survive stage exit, got %d rows", len(store.txs))
	}

	// The break expires and the session completes.
	if err := r.Tick(2); err != nil {
		t.Fatalf("tick failed: %v", err)
	}
	p := r.Progress()
	if p.Status != progress.StatusCompleted {
		t.Fatalf("expected completed session, got %s", p.Status)
	}
	if p.CompletedAt == nil {
		t.Error("expected CompletedAt to be set")
	}
	if len(p.CompletedStages) != 4 {
		t.Errorf("expected 4 completed stages, got %v", p.CompletedStages)
	}
}

func TestDefaultRouteSkipsMarket(t *testing.T) {
	store := newFakeStore()
	r := newTestRunner(t, store)

	if err := r.Start(); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if err := r.AcknowledgeStage("stage_welcome"); err != nil {
		t.Fatalf("acknowledge failed: %v", err)
	}
	if err := r.SubmitSurvey("stage_screen", map[string]string{"q_experience": "no"}); err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	if stage, _ := r.CurrentStage(); stage.ID != "stage_rest" {
		t.Errorf("expected default route to stage_rest, got %s", stage.ID)
	}
}

func TestStaleTransitionRejected(t *testing.T) {
	store := newFakeStore()
	r := newTestRunner(t, store)
	if err := r.Start(); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if err := r.AcknowledgeStage("stage_welcome"); err != nil {
		t.Fatalf("acknowledge failed: %v", err)
	}

	// A duplicate delivery for the stage already left changes nothing.
	err := r.AcknowledgeStage("stage_welcome")
	if !errors.Is(err, ErrStaleTransition) {
		t.Fatalf("expected ErrStaleTransition, got %v", err)
	}
	if stage, _ := r.CurrentStage(); stage.ID != "stage_screen" {
		t.Errorf("stale delivery moved the participant to %s", stage.ID)
	}
	if len(r.Progress().CompletedStages) != 1 {
		t.Errorf("stale delivery altered completed stages: %v", r.Progress().CompletedStages)
	}
}

func TestWrongStageTypeRejected(t *testing.T) {
	store := newFakeStore()
	r := newTestRunner(t, store)
	if err := r.Start(); err != nil {
		t.Fatalf("start failed: %v", err)
	}

	if err := r.SubmitSurvey("stage_welcome", nil); !errors.Is(err, ErrWrongStageType) {
		t.Errorf("expected ErrWrongStageType for survey on instructions, got %v", err)
	}
	if _, _, err := r.Trade("asset_acme", market.TradeBuy, 1); !errors.Is(err, ErrNoActiveScenario) {
		t.Errorf("expected ErrNoActiveScenario, got %v", err)
	}

	if err := r.AcknowledgeStage("stage_welcome"); err != nil {
		t.Fatalf("acknowledge failed: %v", err)
	}
	if err := r.AcknowledgeStage("stage_screen"); !errors.Is(err, ErrWrongStageType) {
		t.Errorf("expected ErrWrongStageType for acknowledging a survey, got %v", err)
	}
}

func TestActionsAfterCompletionRejected(t *testing.T) {
	store := newFakeStore()
	r := newTestRunner(t, store)
	completeWalk(t, r)

	if err := r.AcknowledgeStage("stage_rest"); !errors.Is(err, ErrSessionCompleted) {
		t.Errorf("expected ErrSessionCompleted, got %v", err)
	}
	// Start and Tick on a completed session are quiet no-ops.
	if err := r.Start(); err != nil {
		t.Errorf("start on completed session must be a no-op: %v", err)
	}
	if err := r.Tick(5); err != nil {
		t.Errorf("tick on completed session must be a no-op: %v", err)
	}
	if r.Progress().Status != progress.StatusCompleted {
		t.Error("completed session changed state")
	}
}

func completeWalk(t *testing.T, r *Runner) {
	t.Helper()
	if err := r.Start(); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if err := r.AcknowledgeStage("stage_welcome"); err != nil {
		t.Fatalf("acknowledge failed: %v", err)
	}
	if err := r.SubmitSurvey("stage_screen", map[string]string{"q_experience": "no"}); err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	if err := r.Tick(2); err != nil {
		t.Fatalf("tick failed: %v", err)
	}
	if r.Progress().Status != progress.StatusCompleted {
		t.Fatalf("walk did not complete: %+v", r.Progress())
	}
}

func TestRestartResumesScenarioCountdown(t *testing.T) {
	store := newFakeStore()
	r := newTestRunner(t, store)
	if err := r.Start(); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if err := r.AcknowledgeStage("stage_welcome"); err != nil {
		t.Fatalf("acknowledge failed: %v", err)
	}
	if err := r.SubmitSurvey("stage_screen", map[string]string{"q_experience": "yes"}); err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	if err := r.Tick(3); err != nil {
		t.Fatalf("tick failed: %v", err)
	}
	before, _ := r.ScenarioState()

	// A new runner over the same store models an engine restart.
	restarted := newTestRunner(t, store)
	if stage, _ := restarted.CurrentStage(); stage.ID != "stage_market" {
		t.Fatalf("expected restored session on stage_market, got %s", stage.ID)
	}
	after, ok := restarted.ScenarioState()
	if !ok {
		t.Fatal("expected restored scenario run")
	}
	if after.TimeRemaining != before.TimeRemaining || after.CurrentRound != before.CurrentRound {
		t.Errorf("countdown diverged after restart: %+v vs %+v", after, before)
	}
	if len(after.AssetPrices) != 1 || len(after.AssetPrices[0].Prices) != 2 {
		t.Errorf("expected the persisted price series, got %+v", after.AssetPrices)
	}
}

func TestResetSupersedesProgressKeepsLedger(t *testing.T) {
	store := newFakeStore()
	r := newTestRunner(t, store)
	if err := r.Start(); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if err := r.AcknowledgeStage("stage_welcome"); err != nil {
		t.Fatalf("acknowledge failed: %v", err)
	}
	if err := r.SubmitSurvey("stage_screen", map[string]string{"q_experience": "yes"}); err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	if _, _, err := r.Trade("asset_acme", market.TradeBuy, 2); err != nil {
		t.Fatalf("trade failed: %v", err)
	}

	if err := r.Reset(); err != nil {
		t.Fatalf("reset failed: %v", err)
	}
	p := r.Progress()
	if p.Status != progress.StatusNotStarted || len(p.CompletedStages) != 0 {
		t.Errorf("expected fresh progress after reset, got %+v", p)
	}
	if _, ok := r.ScenarioState(); ok {
		t.Error("expected no scenario run after reset")
	}
	if _, found, _ := store.LoadScenarioRun("user_1", "exp_walk", "stage_market"); found {
		t.Error("expected scenario run snapshot to be deleted")
	}

	// The ledger and survey responses are never deleted.
	if len(store.txs) != 1 {
		t.Errorf("reset touched the transaction ledger: %d rows", len(store.txs))
	}
	if len(store.surveys) != 1 {
		t.Errorf("reset touched survey responses: %d docs", len(store.surveys))
	}
}

func TestRevisitBudget(t *testing.T) {
	// Two instructions stages that route to each other forever.
	exp := &experiment.Experiment{
		ID: "exp_loop",
		Stages: []experiment.Stage{
			{ID: "stage_a", Type: experiment.StageInstructions, Order: 1},
			{ID: "stage_b", Type: experiment.StageInstructions, Order: 2},
		},
		Branches: []experiment.Branch{
			{SourceStageID: "stage_a", DefaultTargetStageID: "stage_b"},
			{SourceStageID: "stage_b", DefaultTargetStageID: "stage_a"},
		},
	}
	g, err := experiment.NewGraph(exp, experiment.GraphDeps{})
	if err != nil {
		t.Fatalf("failed to build graph: %v", err)
	}

	r, err := NewRunner(g, nil, newFakeStore(), "user_1", rand.New(rand.NewSource(1)))
	if err != nil {
		t.Fatalf("failed to create runner: %v", err)
	}
	if err := r.Start(); err != nil {
		t.Fatalf("start failed: %v", err)
	}

	var budgetErr error
	for i := 0; i < 500; i++ {
		stage, ok := r.CurrentStage()
		if !ok {
			t.Fatal("lost the current stage mid-loop")
		}
		if err := r.AcknowledgeStage(stage.ID); err != nil {
			budgetErr = err
			break
		}
	}
	if !errors.Is(budgetErr, ErrRevisitBudget) {
		t.Fatalf("expected ErrRevisitBudget, got %v", budgetErr)
	}
}

func TestManagerCachesAndResets(t *testing.T) {
	store := newFakeStore()
	m := NewManager(walkGraph(t), map[string]market.Scenario{"scn_walk": walkScenario()}, store)
	m.SetSeed(func() int64 { return 1 })

	a, err := m.Session("user_1")
	if err != nil {
		t.Fatalf("session failed: %v", err)
	}
	b, err := m.Session("user_1")
	if err != nil {
		t.Fatalf("session failed: %v", err)
	}
	if a != b {
		t.Error("expected the same runner for repeat access")
	}

	if err := a.Start(); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if err := m.Reset("user_1"); err != nil {
		t.Fatalf("reset failed: %v", err)
	}

	c, err := m.Session("user_1")
	if err != nil {
		t.Fatalf("session failed: %v", err)
	}
	if c == a {
		t.Error("expected a fresh runner after reset")
	}
	if c.Progress().Status != progress.StatusNotStarted {
		t.Errorf("expected fresh progress, got %s", c.Progress().Status)
	}
}
