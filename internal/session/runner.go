// Package session drives participants through an experiment graph: it
// evaluates branches, records progress, hosts the scenario sub-engine,
// and owns every interaction with durable storage.
package session

import (
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/solosolocodes/lablab-engine/internal/events"
	"github.com/solosolocodes/lablab-engine/internal/experiment"
	"github.com/solosolocodes/lablab-engine/internal/market"
	"github.com/solosolocodes/lablab-engine/internal/progress"
	"github.com/solosolocodes/lablab-engine/internal/storage"
)

// maxRevisitFactor bounds total stage entries per session at
// maxRevisitFactor times the stage count. Branch rules built on random
// or time conditions may revisit stages, but an authoring mistake must
// not loop a participant forever.
const maxRevisitFactor = 50

// Runner executes one participant's walk through one experiment. Each
// participant gets their own Runner; nothing is shared across sessions.
// A runner mutex serializes the participant's own actions so duplicate
// deliveries land on the tracker's idempotent no-op rule.
type Runner struct {
	mu           sync.Mutex
	graph        *experiment.Graph
	scenarios    map[string]market.Scenario
	store        storage.Store
	tracker      *progress.Tracker
	run          *market.Run
	rng          *rand.Rand
	sessionID    string
	userID       string
	experimentID string

	// Per-stage context fed to the branch evaluator.
	elapsed    map[string]float64
	completion map[string]float64
	responses  map[string]map[string]string

	entries int
}

// NewRunner loads (or implicitly creates) the participant's progress
// record and rebuilds any in-flight scenario run from the store.
func NewRunner(graph *experiment.Graph, scenarios map[string]market.Scenario, store storage.Store, userID string, rng *rand.Rand) (*Runner, error) {
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	r := &Runner{
		graph:        graph,
		scenarios:    scenarios,
		store:        store,
		rng:          rng,
		sessionID:    uuid.NewString(),
		userID:       userID,
		experimentID: graph.ExperimentID(),
		elapsed:      make(map[string]float64),
		completion:   make(map[string]float64),
		responses:    make(map[string]map[string]string),
	}
	if err := r.restore(); err != nil {
		return nil, err
	}
	return r, nil
}

// Start enters the experiment's start stage. Calling Start on a session
// already in progress or completed is a no-op.
func (r *Runner) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch r.tracker.Status() {
	case progress.StatusCompleted, progress.StatusInProgress:
		return nil
	}
	r.emit("experiment.started", map[string]interface{}{})
	return r.enterStage(r.graph.StartStageID())
}

// Progress returns a copy of the participant's progress record.
func (r *Runner) Progress() progress.Progress {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.tracker.Snapshot()
}

// CurrentStage returns the stage the participant is on.
func (r *Runner) CurrentStage() (*experiment.Stage, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.currentStage()
}

func (r *Runner) currentStage() (*experiment.Stage, bool) {
	id := r.tracker.CurrentStageID()
	if id == "" {
		return nil, false
	}
	return r.graph.StageByID(id)
}

// ScenarioState snapshots the active scenario run, if any.
func (r *Runner) ScenarioState() (market.RunState, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.run == nil {
		return market.RunState{}, false
	}
	return r.run.State(), true
}

// AcknowledgeStage records the participant finishing an instructions or
// break stage and advances through the branch evaluator.
func (r *Runner) AcknowledgeStage(stageID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	stage, err := r.checkCurrent(stageID)
	if err != nil {
		return err
	}
	if stage.Type != experiment.StageInstructions && stage.Type != experiment.StageBreak {
		return fmt.Errorf("%w: %s is %s", ErrWrongStageType, stageID, stage.Type)
	}
	r.completion[stageID] = 100
	return r.advance(stageID)
}

// SubmitSurvey records the participant's answers, persists the response
// document, and advances. Re-submitting after the stage was left returns
// ErrStaleTransition and changes nothing.
func (r *Runner) SubmitSurvey(stageID string, answers map[string]string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	stage, err := r.checkCurrent(stageID)
	if err != nil {
		return err
	}
	if stage.Type != experiment.StageSurvey {
		return fmt.Errorf("%w: %s is %s", ErrWrongStageType, stageID, stage.Type)
	}

	r.responses[stageID] = answers
	r.completion[stageID] = r.surveyCompletion(stageID, answers)

	doc := progress.SurveyResponse{
		ExperimentID: r.experimentID,
		StageID:      stageID,
		UserID:       r.userID,
		Responses:    answers,
		SubmittedAt:  time.Now().UTC(),
	}
	if err := r.store.SaveSurveyResponse(doc); err != nil {
		return fmt.Errorf("submit survey: %w", err)
	}
	r.emit("survey.submitted", map[string]interface{}{
		"stage_id": stageID,
		"answers":  len(answers),
	})

	return r.advance(stageID)
}

// surveyCompletion computes the percent of required questions answered.
// Stages without required questions count as fully complete on submit.
func (r *Runner) surveyCompletion(stageID string, answers map[string]string) float64 {
	var required, answered int
	for _, q := range r.graph.QuestionsFor(stageID) {
		if !q.Required {
			continue
		}
		required++
		if a, ok := answers[q.ID]; ok && a != "" {
			answered++
		}
	}
	if required == 0 {
		return 100
	}
	return float64(answered) / float64(required) * 100
}

// Tick advances session time by the given number of seconds: elapsed
// time on the current stage, the scenario countdown when one is running,
// and the break auto-advance when its duration expires.
func (r *Runner) Tick(seconds int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.tracker.Status() == progress.StatusCompleted {
		return nil
	}
	stage, ok := r.currentStage()
	if !ok {
		return nil
	}
	r.elapsed[stage.ID] += float64(seconds)

	if stage.Type == experiment.StageScenario && r.run != nil {
		r.run.Advance(seconds)
		if err := r.store.SaveScenarioRun(r.userID, r.experimentID, r.run.State()); err != nil {
			return fmt.Errorf("tick: %w", err)
		}
		if r.run.Status() == market.RunCompleted {
			r.completion[stage.ID] = 100
			return r.advance(stage.ID)
		}
		return nil
	}

	if stage.Type == experiment.StageBreak && stage.Duration > 0 && r.elapsed[stage.ID] >= float64(stage.Duration) {
		r.completion[stage.ID] = 100
		return r.advance(stage.ID)
	}
	return nil
}

// Trade validates and executes a buy or sell on the active scenario.
// The transaction row and the run snapshot are persisted before the
// updated balances are returned.
func (r *Runner) Trade(assetID string, typ market.TradeType, quantity int) (market.Balances, market.Transaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	stage, ok := r.currentStage()
	if !ok || stage.Type != experiment.StageScenario || r.run == nil {
		return market.Balances{}, market.Transaction{}, ErrNoActiveScenario
	}

	var balances market.Balances
	var tx market.Transaction
	var err error
	switch typ {
	case market.TradeBuy:
		balances, tx, err = r.run.Buy(assetID, quantity)
	case market.TradeSell:
		balances, tx, err = r.run.Sell(assetID, quantity)
	default:
		return market.Balances{}, market.Transaction{}, fmt.Errorf("unknown trade type %q", typ)
	}
	if err != nil {
		return balances, market.Transaction{}, err
	}

	if err := r.store.AppendTransaction(tx); err != nil {
		return balances, tx, fmt.Errorf("trade: append transaction: %w", err)
	}
	if err := r.store.SaveScenarioRun(r.userID, r.experimentID, r.run.State()); err != nil {
		return balances, tx, fmt.Errorf("trade: save run: %w", err)
	}
	return balances, tx, nil
}

// Suspend stops the scenario countdown when the participant navigates
// away and persists the remaining time, so a reload resumes instead of
// restarting.
func (r *Runner) Suspend() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.run == nil {
		return ErrNoActiveScenario
	}
	r.run.Suspend()
	if err := r.store.SaveScenarioRun(r.userID, r.experimentID, r.run.State()); err != nil {
		return fmt.Errorf("suspend: %w", err)
	}
	return nil
}

// Resume restarts a suspended scenario countdown.
func (r *Runner) Resume() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.run == nil {
		return ErrNoActiveScenario
	}
	r.run.Resume()
	if err := r.store.SaveScenarioRun(r.userID, r.experimentID, r.run.State()); err != nil {
		return fmt.Errorf("resume: %w", err)
	}
	return nil
}

// Reset supersedes the participant's progress with a fresh record. The
// transaction ledger and survey responses are never deleted.
func (r *Runner) Reset() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if stage, ok := r.currentStage(); ok && stage.Type == experiment.StageScenario {
		if err := r.store.DeleteScenarioRun(r.userID, r.experimentID, stage.ID); err != nil {
			return fmt.Errorf("reset: %w", err)
		}
	}
	r.tracker = progress.NewTracker(progress.New(r.userID, r.experimentID))
	r.run = nil
	r.elapsed = make(map[string]float64)
	r.completion = make(map[string]float64)
	r.responses = make(map[string]map[string]string)
	r.entries = 0
	if err := r.saveProgress(); err != nil {
		return fmt.Errorf("reset: %w", err)
	}
	r.emit("experiment.reset", map[string]interface{}{})
	return nil
}

// checkCurrent validates that an action targets the stage the
// participant is actually on.
func (r *Runner) checkCurrent(stageID string) (*experiment.Stage, error) {
	if r.tracker.Status() == progress.StatusCompleted {
		return nil, ErrSessionCompleted
	}
	current := r.tracker.CurrentStageID()
	if current != stageID {
		return nil, fmt.Errorf("%w: on %s, got action for %s", ErrStaleTransition, current, stageID)
	}
	stage, ok := r.graph.StageByID(stageID)
	if !ok {
		return nil, fmt.Errorf("unknown stage %s", stageID)
	}
	return stage, nil
}

// advance runs one branch evaluation from the given stage and applies
// the result: complete the stage, then either enter the target or
// finalize the session when the stage is terminal.
func (r *Runner) advance(fromStageID string) error {
	pctx := &experiment.ParticipantContext{
		Responses:  r.responses,
		Completion: r.completion,
		Elapsed:    r.elapsed,
		// One draw per evaluation keeps the decision idempotent across
		// re-renders of the same transition.
		RandomDraw: r.rng.Float64() * 100,
	}
	next, err := r.graph.NextStage(fromStageID, pctx)
	if err != nil {
		return err
	}
	r.emit("branch.evaluated", map[string]interface{}{
		"from": fromStageID,
		"to":   next,
	})

	if r.tracker.CompleteStage(fromStageID) {
		r.emit("stage.completed", map[string]interface{}{"stage_id": fromStageID})
	}

	// Leaving a scenario stage discards its ephemeral run state.
	// Recorded transactions stay in the ledger.
	if stage, ok := r.graph.StageByID(fromStageID); ok && stage.Type == experiment.StageScenario && r.run != nil {
		if err := r.store.DeleteScenarioRun(r.userID, r.experimentID, fromStageID); err != nil {
			return fmt.Errorf("advance: %w", err)
		}
		r.run = nil
	}

	if next == "" {
		r.tracker.Finalize()
		if err := r.saveProgress(); err != nil {
			return err
		}
		r.emit("experiment.completed", map[string]interface{}{})
		return nil
	}
	return r.enterStage(next)
}

// enterStage records arrival at a stage, persists progress, and spins
// up the scenario sub-engine when the stage calls for one.
func (r *Runner) enterStage(stageID string) error {
	r.entries++
	if r.entries > maxRevisitFactor*r.graph.StageCount() {
		return fmt.Errorf("%w: %d entries over %d stages", ErrRevisitBudget, r.entries, r.graph.StageCount())
	}

	stage, ok := r.graph.StageByID(stageID)
	if !ok {
		return fmt.Errorf("enter stage: unknown stage %s", stageID)
	}

	if !r.tracker.EnterStage(stageID) {
		return nil
	}
	r.elapsed[stageID] = 0

	if stage.Type == experiment.StageScenario {
		if err := r.startScenario(stage); err != nil {
			return err
		}
	}

	if err := r.saveProgress(); err != nil {
		return err
	}
	r.emit("stage.entered", map[string]interface{}{
		"stage_id": stageID,
		"type":     string(stage.Type),
	})
	return nil
}

// startScenario restores a persisted run for the stage if one exists
// (the price series is generated once, never on re-entry within a run),
// otherwise seeds a new one.
func (r *Runner) startScenario(stage *experiment.Stage) error {
	sc, ok := r.scenarios[stage.ScenarioID]
	if !ok {
		return fmt.Errorf("start scenario: unknown scenario %s", stage.ScenarioID)
	}

	st, found, err := r.store.LoadScenarioRun(r.userID, r.experimentID, stage.ID)
	if err != nil {
		return fmt.Errorf("start scenario: %w", err)
	}
	if found {
		run, err := market.RestoreRun(r.experimentID, r.userID, sc, st)
		if err != nil {
			return fmt.Errorf("start scenario: %w", err)
		}
		run.Resume()
		r.run = run
	} else {
		run, err := market.NewRun(r.experimentID, r.userID, stage.ID, sc, r.rng)
		if err != nil {
			return fmt.Errorf("start scenario: %w", err)
		}
		r.run = run
	}

	if err := r.store.SaveScenarioRun(r.userID, r.experimentID, r.run.State()); err != nil {
		return fmt.Errorf("start scenario: %w", err)
	}
	return nil
}

func (r *Runner) saveProgress() error {
	if err := r.store.SaveProgress(r.tracker.Snapshot()); err != nil {
		return fmt.Errorf("save progress: %w", err)
	}
	return nil
}

func (r *Runner) emit(name string, fields map[string]interface{}) {
	fields["experiment_id"] = r.experimentID
	fields["user_id"] = r.userID
	events.Emit("info", name, "", fields)
}
