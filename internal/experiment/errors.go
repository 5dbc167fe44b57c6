package experiment

import (
	"fmt"
	"strings"
)

// GraphInvalidError rejects experiment activation. It collects every
// problem found during construction so authors can fix them in one pass.
type GraphInvalidError struct {
	ExperimentID string
	Problems     []string
}

func (e *GraphInvalidError) Error() string {
	return fmt.Sprintf("experiment %s: invalid graph: %s", e.ExperimentID, strings.Join(e.Problems, "; "))
}
