package market

import (
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/google/uuid"

	"github.com/solosolocodes/lablab-engine/internal/events"
)

// RunStatus is the lifecycle state of a scenario run.
type RunStatus string

const (
	RunActive    RunStatus = "active"
	RunSuspended RunStatus = "suspended"
	RunCompleted RunStatus = "completed"
)

// Validate checks the authored bounds on a scenario template.
func (s *Scenario) Validate() error {
	if s.Rounds < MinRounds || s.Rounds > MaxRounds {
		return fmt.Errorf("scenario %s: rounds %d outside [%d,%d]", s.ID, s.Rounds, MinRounds, MaxRounds)
	}
	if s.RoundDuration < MinRoundDuration || s.RoundDuration > MaxRoundDuration {
		return fmt.Errorf("scenario %s: round duration %ds outside [%d,%d]", s.ID, s.RoundDuration, MinRoundDuration, MaxRoundDuration)
	}
	if len(s.Wallet.Assets) == 0 {
		return fmt.Errorf("scenario %s: wallet has no assets", s.ID)
	}
	return nil
}

// Run is the ephemeral state of one scenario stage for one participant.
// It lives only while the stage is active; leaving the stage discards it
// (already-recorded transactions are never rolled back). Runs are scoped
// per participant, never shared, so no locking is needed.
type Run struct {
	scenario     Scenario
	experimentID string
	userID       string
	stageID      string

	prices   map[string][]float64 // asset id -> price per round
	symbols  map[string]string    // asset id -> symbol
	funds    float64
	holdings map[string]float64 // asset id -> units held

	currentRound  int
	timeRemaining int
	status        RunStatus

	transactions []Transaction
	now          func() time.Time
}

// RunState is the persistable snapshot of a run. The price series is
// included so a reload resumes from the generated series instead of
// regenerating it, and the countdown resumes from TimeRemaining instead
// of restarting.
type RunState struct {
	ScenarioID    string             `json:"scenarioId"`
	StageID       string             `json:"stageId"`
	CurrentRound  int                `json:"currentRound"`
	TimeRemaining int                `json:"timeRemaining"`
	Status        RunStatus          `json:"status"`
	Funds         float64            `json:"funds"`
	Holdings      map[string]float64 `json:"holdings"`
	AssetPrices   []AssetPrices      `json:"assetPrices"`
}

// NewRun seeds a run from the scenario template: fiat assets supply the
// available funds, every other asset becomes a holding whose amount also
// seeds its price series.
func NewRun(experimentID, userID, stageID string, sc Scenario, rng *rand.Rand) (*Run, error) {
	if err := sc.Validate(); err != nil {
		return nil, err
	}

	r := &Run{
		scenario:      sc,
		experimentID:  experimentID,
		userID:        userID,
		stageID:       stageID,
		prices:        make(map[string][]float64),
		symbols:       make(map[string]string),
		holdings:      make(map[string]float64),
		currentRound:  1,
		timeRemaining: sc.RoundDuration,
		status:        RunActive,
		now:           time.Now,
	}

	for _, a := range sc.Wallet.Assets {
		if a.Type == AssetFiat {
			r.funds += a.Amount
			continue
		}
		r.symbols[a.ID] = a.Symbol
		r.holdings[a.ID] = a.Amount
		r.prices[a.ID] = GeneratePriceSeries(a.Amount, sc.Rounds, rng)
	}

	r.emit("scenario.started", map[string]interface{}{
		"scenario_id": sc.ID,
		"rounds":      sc.Rounds,
	})
	return r, nil
}

// RestoreRun rebuilds a run from a persisted snapshot. The price series
// and countdown continue exactly where they were; a reload grants no
// extra time.
func RestoreRun(experimentID, userID string, sc Scenario, st RunState) (*Run, error) {
	if err := sc.Validate(); err != nil {
		return nil, err
	}
	if st.CurrentRound < 1 || st.CurrentRound > sc.Rounds {
		return nil, fmt.Errorf("restore run: round %d outside scenario bounds", st.CurrentRound)
	}

	r := &Run{
		scenario:      sc,
		experimentID:  experimentID,
		userID:        userID,
		stageID:       st.StageID,
		prices:        make(map[string][]float64),
		symbols:       make(map[string]string),
		funds:         st.Funds,
		holdings:      make(map[string]float64, len(st.Holdings)),
		currentRound:  st.CurrentRound,
		timeRemaining: st.TimeRemaining,
		status:        st.Status,
		now:           time.Now,
	}
	for id, qty := range st.Holdings {
		r.holdings[id] = qty
	}
	for _, ap := range st.AssetPrices {
		r.prices[ap.AssetID] = ap.Prices
		r.symbols[ap.AssetID] = ap.Symbol
	}
	return r, nil
}

// SetClock replaces the transaction timestamp source. Used for testing.
func (r *Run) SetClock(now func() time.Time) {
	r.now = now
}

// Status returns the run lifecycle state.
func (r *Run) Status() RunStatus { return r.status }

// CurrentRound returns the 1-based active round.
func (r *Run) CurrentRound() int { return r.currentRound }

// TimeRemaining returns the seconds left in the active round.
func (r *Run) TimeRemaining() int { return r.timeRemaining }

// StageID returns the stage this run is scoped to.
func (r *Run) StageID() string { return r.stageID }

// Transactions returns the trades executed so far, oldest first.
func (r *Run) Transactions() []Transaction {
	out := make([]Transaction, len(r.transactions))
	copy(out, r.transactions)
	return out
}

// CurrentPrice returns the active-round price of an asset.
func (r *Run) CurrentPrice(assetID string) (float64, error) {
	series, ok := r.prices[assetID]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownAsset, assetID)
	}
	return series[r.currentRound-1], nil
}

// Balances returns the current funds and holdings.
func (r *Run) Balances() Balances {
	h := make(map[string]float64, len(r.holdings))
	for id, qty := range r.holdings {
		h[id] = qty
	}
	return Balances{Funds: r.funds, Holdings: h}
}

// Tick advances the countdown by one second. When it reaches zero the
// run moves to the next round, or completes after the final round.
// Ticks on suspended or completed runs are ignored.
func (r *Run) Tick() {
	if r.status != RunActive {
		return
	}
	r.timeRemaining--
	if r.timeRemaining > 0 {
		return
	}
	if r.currentRound < r.scenario.Rounds {
		r.currentRound++
		r.timeRemaining = r.scenario.RoundDuration
		r.emit("round.advanced", map[string]interface{}{
			"round": r.currentRound,
		})
		return
	}
	r.status = RunCompleted
	r.timeRemaining = 0
	r.emit("scenario.completed", map[string]interface{}{
		"scenario_id": r.scenario.ID,
		"rounds":      r.scenario.Rounds,
	})
}

// Advance ticks the countdown n times.
func (r *Run) Advance(seconds int) {
	for i := 0; i < seconds; i++ {
		r.Tick()
	}
}

// Suspend stops the countdown while the participant is away from the
// stage. A suspended run keeps its remaining time.
func (r *Run) Suspend() {
	if r.status != RunActive {
		return
	}
	r.status = RunSuspended
	r.emit("scenario.suspended", map[string]interface{}{
		"round":          r.currentRound,
		"time_remaining": r.timeRemaining,
	})
}

// Resume restarts the countdown from the preserved remaining time.
func (r *Run) Resume() {
	if r.status != RunSuspended {
		return
	}
	r.status = RunActive
	r.emit("scenario.resumed", map[string]interface{}{
		"round":          r.currentRound,
		"time_remaining": r.timeRemaining,
	})
}

// Buy validates and executes a purchase at the current round price.
// quantity must be a positive integer no greater than
// floor(funds/price); otherwise the trade is rejected with
// ErrInsufficientFunds and nothing changes. On success the funds debit,
// holdings credit, and transaction append happen together.
func (r *Run) Buy(assetID string, quantity int) (Balances, Transaction, error) {
	return r.trade(assetID, TradeBuy, quantity)
}

// Sell validates and executes a sale at the current round price.
// Selling more units than held is rejected with ErrInsufficientHoldings
// and nothing changes.
func (r *Run) Sell(assetID string, quantity int) (Balances, Transaction, error) {
	return r.trade(assetID, TradeSell, quantity)
}

func (r *Run) trade(assetID string, typ TradeType, quantity int) (Balances, Transaction, error) {
	if r.status != RunActive {
		return r.Balances(), Transaction{}, r.reject(assetID, typ, quantity, ErrScenarioInactive)
	}
	if quantity <= 0 {
		return r.Balances(), Transaction{}, r.reject(assetID, typ, quantity, ErrInvalidQuantity)
	}
	price, err := r.CurrentPrice(assetID)
	if err != nil {
		return r.Balances(), Transaction{}, r.reject(assetID, typ, quantity, err)
	}

	total := float64(quantity) * price
	switch typ {
	case TradeBuy:
		if total > r.funds || quantity > int(math.Floor(r.funds/price)) {
			return r.Balances(), Transaction{}, r.reject(assetID, typ, quantity, ErrInsufficientFunds)
		}
		r.funds -= total
		r.holdings[assetID] += float64(quantity)
	case TradeSell:
		if float64(quantity) > r.holdings[assetID] {
			return r.Balances(), Transaction{}, r.reject(assetID, typ, quantity, ErrInsufficientHoldings)
		}
		r.holdings[assetID] -= float64(quantity)
		r.funds += total
	}

	tx := Transaction{
		ID:           uuid.NewString(),
		ExperimentID: r.experimentID,
		UserID:       r.userID,
		AssetID:      assetID,
		Symbol:       r.symbols[assetID],
		Type:         typ,
		Quantity:     quantity,
		Price:        price,
		TotalValue:   total,
		RoundNumber:  r.currentRound,
		Timestamp:    r.now().UTC(),
	}
	r.transactions = append(r.transactions, tx)

	r.emit("trade.executed", map[string]interface{}{
		"asset_id": assetID,
		"type":     string(typ),
		"quantity": quantity,
		"price":    price,
		"round":    r.currentRound,
	})
	return r.Balances(), tx, nil
}

func (r *Run) reject(assetID string, typ TradeType, quantity int, err error) error {
	r.emit("trade.rejected", map[string]interface{}{
		"asset_id": assetID,
		"type":     string(typ),
		"quantity": quantity,
		"error":    err.Error(),
	})
	return err
}

// State snapshots the run for persistence.
func (r *Run) State() RunState {
	st := RunState{
		ScenarioID:    r.scenario.ID,
		StageID:       r.stageID,
		CurrentRound:  r.currentRound,
		TimeRemaining: r.timeRemaining,
		Status:        r.status,
		Funds:         r.funds,
		Holdings:      make(map[string]float64, len(r.holdings)),
	}
	for id, qty := range r.holdings {
		st.Holdings[id] = qty
	}
	for id, series := range r.prices {
		st.AssetPrices = append(st.AssetPrices, AssetPrices{
			AssetID: id,
			Symbol:  r.symbols[id],
			Prices:  series,
		})
	}
	return st
}

func (r *Run) emit(name string, fields map[string]interface{}) {
	fields["experiment_id"] = r.experimentID
	fields["user_id"] = r.userID
	fields["stage_id"] = r.stageID
	events.Emit("info", name, "", fields)
}
