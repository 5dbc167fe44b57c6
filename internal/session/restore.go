package session

import (
	"fmt"

	"github.com/solosolocodes/lablab-engine/internal/experiment"
	"github.com/solosolocodes/lablab-engine/internal/market"
	"github.com/solosolocodes/lablab-engine/internal/progress"
)

// restore rebuilds the runner's working state from the store: the
// progress record (created implicitly when absent), earlier survey
// responses (branch conditions may read stages answered before a
// restart), and the in-flight scenario run for the current stage.
//
// Stage elapsed time is not persisted; a restart resets it. The scenario
// countdown is the exception: it resumes from the persisted remaining
// time so a reload never grants extra trading time.
func (r *Runner) restore() error {
	p, found, err := r.store.LoadProgress(r.userID, r.experimentID)
	if err != nil {
		return fmt.Errorf("restore: %w", err)
	}
	if !found {
		p = progress.New(r.userID, r.experimentID)
	}
	r.tracker = progress.NewTracker(p)

	if !found {
		return nil
	}

	docs, err := r.store.ListSurveyResponses(r.userID, r.experimentID)
	if err != nil {
		return fmt.Errorf("restore: %w", err)
	}
	for _, doc := range docs {
		r.responses[doc.StageID] = doc.Responses
		r.completion[doc.StageID] = r.surveyCompletion(doc.StageID, doc.Responses)
	}

	if p.Status != progress.StatusInProgress {
		return nil
	}

	// Completed stages count as fully complete for completion conditions.
	for _, id := range p.CompletedStages {
		if _, ok := r.completion[id]; !ok {
			r.completion[id] = 100
		}
	}

	stage, ok := r.graph.StageByID(p.CurrentStageID)
	if ok && stage.Type == experiment.StageScenario {
		st, found, err := r.store.LoadScenarioRun(r.userID, r.experimentID, stage.ID)
		if err != nil {
			return fmt.Errorf("restore: %w", err)
		}
		if found {
			sc, ok := r.scenarios[stage.ScenarioID]
			if !ok {
				return fmt.Errorf("restore: unknown scenario %s", stage.ScenarioID)
			}
			run, err := market.RestoreRun(r.experimentID, r.userID, sc, st)
			if err != nil {
				return fmt.Errorf("restore: %w", err)
			}
			r.run = run
		}
	}

	r.emit("session.restored", map[string]interface{}{
		"status":        string(p.Status),
		"current_stage": p.CurrentStageID,
	})
	return nil
}
