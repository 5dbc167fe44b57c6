package experiment

import (
	"fmt"
	"iter"
	"sort"
)

// GraphDeps supplies the documents a graph may reference: shared surveys
// and the ids of scenarios known to the platform.
type GraphDeps struct {
	Surveys   map[string]*Survey
	Scenarios map[string]struct{}
}

// Graph is the validated, immutable stage graph of one experiment.
// Stages and branches are addressed by id only; callers never hold live
// references into another session's state.
type Graph struct {
	experiment *Experiment
	stages     map[string]*Stage
	branches   map[string]*Branch
	questions  map[string]map[string]Question // stage id -> question id -> question
	ordered    []string                       // stage ids in authoring order

	// Warnings are soft findings (e.g. stages with no apparent path to a
	// terminal). They do not reject activation because random and time
	// conditions may legitimately revisit stages.
	Warnings []string
}

// NewGraph validates the experiment document against deps and builds the
// graph. It fails with *GraphInvalidError on any dangling reference,
// duplicate stage id, or duplicate branch source.
func NewGraph(exp *Experiment, deps GraphDeps) (*Graph, error) {
	g := &Graph{
		experiment: exp,
		stages:     make(map[string]*Stage, len(exp.Stages)),
		branches:   make(map[string]*Branch, len(exp.Branches)),
		questions:  make(map[string]map[string]Question),
	}

	var problems []string

	for i := range exp.Stages {
		s := &exp.Stages[i]
		if s.ID == "" {
			problems = append(problems, fmt.Sprintf("stage at index %d has no id", i))
			continue
		}
		if _, dup := g.stages[s.ID]; dup {
			problems = append(problems, fmt.Sprintf("duplicate stage id %s", s.ID))
			continue
		}
		g.stages[s.ID] = s
		g.ordered = append(g.ordered, s.ID)
	}
	sort.SliceStable(g.ordered, func(a, b int) bool {
		return g.stages[g.ordered[a]].Order < g.stages[g.ordered[b]].Order
	})

	for i := range exp.Stages {
		s := &exp.Stages[i]
		switch s.Type {
		case StageInstructions, StageBreak:
		case StageScenario:
			if s.ScenarioID == "" {
				problems = append(problems, fmt.Sprintf("scenario stage %s references no scenario", s.ID))
			} else if _, ok := deps.Scenarios[s.ScenarioID]; !ok {
				problems = append(problems, fmt.Sprintf("scenario stage %s references unknown scenario %s", s.ID, s.ScenarioID))
			}
		case StageSurvey:
			qs := resolveQuestions(s, deps.Surveys)
			if len(qs) == 0 {
				problems = append(problems, fmt.Sprintf("survey stage %s has no resolvable questions", s.ID))
				continue
			}
			byID := make(map[string]Question, len(qs))
			for _, q := range qs {
				byID[q.ID] = q
			}
			g.questions[s.ID] = byID
		default:
			problems = append(problems, fmt.Sprintf("stage %s has unknown type %q", s.ID, s.Type))
		}
		if s.Duration < 0 {
			problems = append(problems, fmt.Sprintf("stage %s has negative duration", s.ID))
		}
	}

	for i := range exp.Branches {
		b := &exp.Branches[i]
		if _, ok := g.stages[b.SourceStageID]; !ok {
			problems = append(problems, fmt.Sprintf("branch source %s is not a stage", b.SourceStageID))
			continue
		}
		if _, dup := g.branches[b.SourceStageID]; dup {
			problems = append(problems, fmt.Sprintf("duplicate branch source %s", b.SourceStageID))
			continue
		}
		if b.DefaultTargetStageID != "" {
			if _, ok := g.stages[b.DefaultTargetStageID]; !ok {
				problems = append(problems, fmt.Sprintf("branch from %s: default target %s is not a stage", b.SourceStageID, b.DefaultTargetStageID))
			}
		}
		for j, c := range b.Conditions {
			if _, ok := g.stages[c.TargetStageID]; !ok {
				problems = append(problems, fmt.Sprintf("branch from %s: condition %d targets unknown stage %s", b.SourceStageID, j, c.TargetStageID))
			}
			if c.SourceStageID != "" {
				if _, ok := g.stages[c.SourceStageID]; !ok {
					problems = append(problems, fmt.Sprintf("branch from %s: condition %d reads unknown stage %s", b.SourceStageID, j, c.SourceStageID))
				}
			}
			switch c.Type {
			case ConditionResponse, ConditionCompletion, ConditionTime, ConditionRandom, ConditionAlways:
			default:
				problems = append(problems, fmt.Sprintf("branch from %s: condition %d has unknown type %q", b.SourceStageID, j, c.Type))
			}
		}
		g.branches[b.SourceStageID] = b
	}

	if exp.StartStageID != "" {
		if _, ok := g.stages[exp.StartStageID]; !ok {
			problems = append(problems, fmt.Sprintf("start stage %s is not a stage", exp.StartStageID))
		}
	}

	if len(problems) > 0 {
		return nil, &GraphInvalidError{ExperimentID: exp.ID, Problems: problems}
	}

	g.Warnings = g.findTraps()
	return g, nil
}

func resolveQuestions(s *Stage, surveys map[string]*Survey) []Question {
	if len(s.Questions) > 0 {
		return s.Questions
	}
	if s.SurveyID != "" {
		if sv, ok := surveys[s.SurveyID]; ok {
			return sv.Questions
		}
	}
	return nil
}

// StageByID returns the stage, or false when the id is unknown.
func (g *Graph) StageByID(id string) (*Stage, bool) {
	s, ok := g.stages[id]
	return s, ok
}

// BranchFrom returns the branch whose source is stageID, or false when
// the stage has none.
func (g *Graph) BranchFrom(stageID string) (*Branch, bool) {
	b, ok := g.branches[stageID]
	return b, ok
}

// StartStageID returns the configured entry stage, defaulting to the
// first stage in authoring order.
func (g *Graph) StartStageID() string {
	if g.experiment.StartStageID != "" {
		return g.experiment.StartStageID
	}
	if len(g.ordered) > 0 {
		return g.ordered[0]
	}
	return ""
}

// ExperimentID returns the id of the underlying experiment document.
func (g *Graph) ExperimentID() string {
	return g.experiment.ID
}

// StageCount returns the number of stages in the graph.
func (g *Graph) StageCount() int {
	return len(g.ordered)
}

// OrderedStages yields stages sorted by authoring order. The sequence is
// restartable: each range starts over from the first stage. Authoring
// order is display order only, not the execution path.
func (g *Graph) OrderedStages() iter.Seq[*Stage] {
	return func(yield func(*Stage) bool) {
		for _, id := range g.ordered {
			if !yield(g.stages[id]) {
				return
			}
		}
	}
}

// nextInOrder returns the stage following stageID in authoring order, or
// "" when stageID is last. Used for the sequential-advance fallback when
// a stage has no branch.
func (g *Graph) nextInOrder(stageID string) string {
	for i, id := range g.ordered {
		if id == stageID && i+1 < len(g.ordered) {
			return g.ordered[i+1]
		}
	}
	return ""
}

// question looks up a question on a survey stage.
func (g *Graph) question(stageID, questionID string) (Question, bool) {
	qs, ok := g.questions[stageID]
	if !ok {
		return Question{}, false
	}
	q, ok := qs[questionID]
	return q, ok
}

// QuestionsFor returns the resolved question list of a survey stage in
// document order.
func (g *Graph) QuestionsFor(stageID string) []Question {
	s, ok := g.stages[stageID]
	if !ok || s.Type != StageSurvey {
		return nil
	}
	if len(s.Questions) > 0 {
		return s.Questions
	}
	qs := make([]Question, 0, len(g.questions[stageID]))
	for _, q := range g.questions[stageID] {
		qs = append(qs, q)
	}
	sort.Slice(qs, func(a, b int) bool { return qs[a].ID < qs[b].ID })
	return qs
}

// findTraps flags stages from which no edge sequence reaches a terminal
// stage. Soft warning only: random/time conditions may revisit stages a
// bounded number of times without the graph being broken.
func (g *Graph) findTraps() []string {
	// Outgoing edges per stage: branch targets plus default, or the
	// sequential-fallback successor for branchless stages.
	succ := make(map[string][]string, len(g.ordered))
	for _, id := range g.ordered {
		if b, ok := g.branches[id]; ok {
			for _, c := range b.Conditions {
				succ[id] = append(succ[id], c.TargetStageID)
			}
			if b.DefaultTargetStageID != "" {
				succ[id] = append(succ[id], b.DefaultTargetStageID)
			}
		} else if next := g.nextInOrder(id); next != "" {
			succ[id] = append(succ[id], next)
		}
	}

	// Terminal stages reach completion trivially; walk predecessors.
	reaches := make(map[string]bool)
	var queue []string
	for _, id := range g.ordered {
		if len(succ[id]) == 0 {
			reaches[id] = true
			queue = append(queue, id)
		}
	}
	pred := make(map[string][]string)
	for from, tos := range succ {
		for _, to := range tos {
			pred[to] = append(pred[to], from)
		}
	}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, p := range pred[cur] {
			if !reaches[p] {
				reaches[p] = true
				queue = append(queue, p)
			}
		}
	}

	var warnings []string
	for _, id := range g.ordered {
		if !reaches[id] {
			warnings = append(warnings, fmt.Sprintf("stage %s has no path to a terminal stage", id))
		}
	}
	return warnings
}
