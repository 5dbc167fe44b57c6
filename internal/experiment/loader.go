package experiment

import (
	"encoding/json"
	"fmt"
	"os"
)

// LoadExperiment loads an experiment document from a JSON file.
func LoadExperiment(path string) (*Experiment, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read experiment file: %w", err)
	}

	var exp Experiment
	if err := json.Unmarshal(data, &exp); err != nil {
		return nil, fmt.Errorf("failed to parse experiment JSON: %w", err)
	}

	if exp.ID == "" {
		return nil, fmt.Errorf("experiment document has no id")
	}
	if len(exp.Stages) == 0 {
		return nil, fmt.Errorf("experiment %s has no stages", exp.ID)
	}

	return &exp, nil
}

// LoadSurveys loads shared survey documents from a JSON file holding an
// array of surveys. A missing file is not an error; survey stages may
// carry all questions inline.
func LoadSurveys(path string) (map[string]*Survey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]*Survey{}, nil
		}
		return nil, fmt.Errorf("failed to read surveys file: %w", err)
	}

	var list []Survey
	if err := json.Unmarshal(data, &list); err != nil {
		return nil, fmt.Errorf("failed to parse surveys JSON: %w", err)
	}

	surveys := make(map[string]*Survey, len(list))
	for i := range list {
		if list[i].ID == "" {
			return nil, fmt.Errorf("survey at index %d has no id", i)
		}
		surveys[list[i].ID] = &list[i]
	}
	return surveys, nil
}
