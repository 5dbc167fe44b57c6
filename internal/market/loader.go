package market

import (
	"encoding/json"
	"fmt"
	"os"
)

// LoadScenarios loads scenario documents from a JSON file holding an
// array of scenarios, keyed by id. A missing file is not an error;
// experiments without scenario stages need no scenario document.
func LoadScenarios(path string) (map[string]Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]Scenario{}, nil
		}
		return nil, fmt.Errorf("failed to read scenarios file: %w", err)
	}

	var list []Scenario
	if err := json.Unmarshal(data, &list); err != nil {
		return nil, fmt.Errorf("failed to parse scenarios JSON: %w", err)
	}

	scenarios := make(map[string]Scenario, len(list))
	for i := range list {
		sc := list[i]
		if sc.ID == "" {
			return nil, fmt.Errorf("scenario at index %d has no id", i)
		}
		if err := sc.Validate(); err != nil {
			return nil, err
		}
		scenarios[sc.ID] = sc
	}
	return scenarios, nil
}
