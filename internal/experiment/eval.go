package experiment

import (
	"fmt"
	"strconv"
	"strings"
)

// ParticipantContext bundles everything the evaluator may inspect for
// one transition. The caller assembles it fresh per evaluation; the
// evaluator itself holds no state.
type ParticipantContext struct {
	// Responses maps stage id -> question id -> recorded answer.
	Responses map[string]map[string]string
	// Completion maps stage id -> percent (0-100) of required
	// sub-items completed.
	Completion map[string]float64
	// Elapsed maps stage id -> seconds spent on the stage.
	Elapsed map[string]float64
	// RandomDraw is a uniform value in [0,100), drawn exactly once per
	// evaluator invocation. Re-rolling inside the evaluator would make
	// a single transition non-idempotent across re-renders.
	RandomDraw float64
}

// NextStage decides the stage that follows fromStageID. It returns ""
// when the stage is terminal. Evaluation is deterministic: conditions
// run in author order and the first match wins.
//
// A stage with no branch falls back to sequential advance through the
// authoring order; the last stage in order is then terminal.
func (g *Graph) NextStage(fromStageID string, pctx *ParticipantContext) (string, error) {
	if _, ok := g.stages[fromStageID]; !ok {
		return "", fmt.Errorf("next stage: unknown stage %s", fromStageID)
	}

	branch, ok := g.branches[fromStageID]
	if !ok {
		return g.nextInOrder(fromStageID), nil
	}

	for i := range branch.Conditions {
		c := &branch.Conditions[i]
		if g.matchCondition(fromStageID, c, pctx) {
			return c.TargetStageID, nil
		}
	}

	return branch.DefaultTargetStageID, nil
}

func (g *Graph) matchCondition(fromStageID string, c *Condition, pctx *ParticipantContext) bool {
	switch c.Type {
	case ConditionAlways:
		return true

	case ConditionResponse:
		return g.matchResponse(fromStageID, c, pctx)

	case ConditionCompletion:
		src := c.SourceStageID
		if src == "" {
			src = fromStageID
		}
		return pctx.Completion[src] >= c.Threshold

	case ConditionTime:
		src := c.SourceStageID
		if src == "" {
			src = fromStageID
		}
		return pctx.Elapsed[src] >= c.Threshold

	case ConditionRandom:
		return pctx.RandomDraw < c.Probability
	}

	return false
}

func (g *Graph) matchResponse(fromStageID string, c *Condition, pctx *ParticipantContext) bool {
	src := c.SourceStageID
	if src == "" {
		src = fromStageID
	}

	// A question absent from the named stage is a non-match, not a
	// failure, so speculative branches remain authorable.
	if _, ok := g.question(src, c.QuestionID); !ok {
		return false
	}

	answer, ok := pctx.Responses[src][c.QuestionID]
	if !ok {
		return false
	}

	op := c.Operator
	if op == "" {
		op = OperatorEquals
	}

	switch op {
	case OperatorEquals:
		return answer == c.ExpectedResponse
	case OperatorContains:
		return strings.Contains(answer, c.ExpectedResponse)
	case OperatorGreaterThan, OperatorLessThan:
		got, err1 := strconv.ParseFloat(strings.TrimSpace(answer), 64)
		want, err2 := strconv.ParseFloat(strings.TrimSpace(c.ExpectedResponse), 64)
		if err1 != nil || err2 != nil {
			return false
		}
		if op == OperatorGreaterThan {
			return got > want
		}
		return got < want
	}

	return false
}
