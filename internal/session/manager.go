package session

import (
	"math/rand"
	"sync"
	"time"

	"github.com/solosolocodes/lablab-engine/internal/events"
	"github.com/solosolocodes/lablab-engine/internal/experiment"
	"github.com/solosolocodes/lablab-engine/internal/market"
	"github.com/solosolocodes/lablab-engine/internal/storage"
)

// Manager hosts one Runner per participant for a single experiment and
// serializes access per participant, so a double-clicked "Next" lands on
// the tracker's idempotent no-op rule instead of racing.
type Manager struct {
	graph     *experiment.Graph
	scenarios map[string]market.Scenario
	store     storage.Store

	mu      sync.Mutex
	runners map[string]*Runner
	seed    func() int64
}

// NewManager creates a session manager for one validated experiment
// graph.
func NewManager(graph *experiment.Graph, scenarios map[string]market.Scenario, store storage.Store) *Manager {
	return &Manager{
		graph:     graph,
		scenarios: scenarios,
		store:     store,
		runners:   make(map[string]*Runner),
		seed:      func() int64 { return time.Now().UnixNano() },
	}
}

// SetSeed replaces the per-runner RNG seed source. Used for testing.
func (m *Manager) SetSeed(seed func() int64) {
	m.seed = seed
}

// Session returns the participant's runner, creating and restoring it on
// first access.
func (m *Manager) Session(userID string) (*Runner, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if r, ok := m.runners[userID]; ok {
		return r, nil
	}
	rng := rand.New(rand.NewSource(m.seed()))
	r, err := NewRunner(m.graph, m.scenarios, m.store, userID, rng)
	if err != nil {
		return nil, err
	}
	m.runners[userID] = r
	events.Emit("info", "session.started", "", map[string]interface{}{
		"experiment_id": m.graph.ExperimentID(),
		"user_id":       userID,
	})
	return r, nil
}

// Reset supersedes the participant's progress and drops the cached
// runner so the next access starts fresh.
func (m *Manager) Reset(userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.runners[userID]
	if !ok {
		rng := rand.New(rand.NewSource(m.seed()))
		var err error
		r, err = NewRunner(m.graph, m.scenarios, m.store, userID, rng)
		if err != nil {
			return err
		}
	}
	if err := r.Reset(); err != nil {
		return err
	}
	delete(m.runners, userID)
	return nil
}

// ExperimentID returns the hosted experiment's id.
func (m *Manager) ExperimentID() string {
	return m.graph.ExperimentID()
}
