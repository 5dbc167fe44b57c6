package experiment

// StageType discriminates the stage variants.
// Allowed values: instructions, scenario, survey, break.
type StageType string

const (
	StageInstructions StageType = "instructions"
	StageScenario     StageType = "scenario"
	StageSurvey       StageType = "survey"
	StageBreak        StageType = "break"
)

// ContentFormat is the rendering hint for instructions content.
type ContentFormat string

const (
	FormatText     ContentFormat = "text"
	FormatMarkdown ContentFormat = "markdown"
	FormatHTML     ContentFormat = "html"
)

// Stage is one node of the experiment graph. Type-specific fields are
// only meaningful for the matching StageType; the rest stay zero.
type Stage struct {
	ID          string    `json:"id"`
	Type        StageType `json:"type"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	// Duration in seconds; 0 means untimed (no auto-advance).
	Duration int  `json:"durationSeconds"`
	Required bool `json:"required"`
	// Order is the authoring display order. It is NOT the execution
	// order; execution follows branches.
	Order int `json:"order"`

	// instructions
	Content string        `json:"content,omitempty"`
	Format  ContentFormat `json:"format,omitempty"`

	// scenario
	ScenarioID string `json:"scenarioId,omitempty"`

	// survey: questions may be inline or resolved via SurveyID.
	Questions []Question `json:"questions,omitempty"`
	SurveyID  string     `json:"surveyId,omitempty"`

	// break
	Message string `json:"message,omitempty"`
}

// QuestionType discriminates survey question variants.
type QuestionType string

const (
	QuestionText           QuestionType = "text"
	QuestionTextarea       QuestionType = "textarea"
	QuestionMultipleChoice QuestionType = "multipleChoice"
	QuestionCheckboxes     QuestionType = "checkboxes"
	QuestionScale          QuestionType = "scale"
	QuestionRating         QuestionType = "rating"
)

// Question is a single survey item.
type Question struct {
	ID       string       `json:"id"`
	Text     string       `json:"text"`
	Type     QuestionType `json:"type"`
	Required bool         `json:"required"`
	Options  []string     `json:"options,omitempty"`
	MinValue int          `json:"minValue,omitempty"`
	MaxValue int          `json:"maxValue,omitempty"`
	// MaxRating bounds rating questions (e.g. 5 stars).
	MaxRating int `json:"maxRating,omitempty"`
}

// Survey is a shared question set referenced by survey stages.
type Survey struct {
	ID        string     `json:"id"`
	Questions []Question `json:"questions"`
}

// ConditionType discriminates branch condition variants.
type ConditionType string

const (
	ConditionResponse   ConditionType = "response"
	ConditionCompletion ConditionType = "completion"
	ConditionTime       ConditionType = "time"
	ConditionRandom     ConditionType = "random"
	ConditionAlways     ConditionType = "always"
)

// Operator compares a recorded answer with an expected response.
type Operator string

const (
	OperatorEquals      Operator = "equals"
	OperatorContains    Operator = "contains"
	OperatorGreaterThan Operator = "greaterThan"
	OperatorLessThan    Operator = "lessThan"
)

// Condition is one clause of a branch, evaluated in author order.
type Condition struct {
	Type          ConditionType `json:"type"`
	TargetStageID string        `json:"targetStageId"`

	// response / completion / time: the stage the clause inspects,
	// which is not necessarily the stage the branch hangs off.
	SourceStageID string `json:"sourceStageId,omitempty"`

	// response
	QuestionID       string   `json:"questionId,omitempty"`
	Operator         Operator `json:"operator,omitempty"`
	ExpectedResponse string   `json:"expectedResponse,omitempty"`

	// completion: percent 0-100 of required sub-items completed.
	// time: elapsed seconds.
	Threshold float64 `json:"threshold,omitempty"`

	// random: percent chance 0-100.
	Probability float64 `json:"probability,omitempty"`
}

// Branch is the single outgoing routing rule set of a stage.
// Condition order is significant and preserved verbatim from storage.
type Branch struct {
	SourceStageID        string      `json:"sourceStageId"`
	Conditions           []Condition `json:"conditions"`
	DefaultTargetStageID string      `json:"defaultTargetStageId"`
}

// Experiment is the document exchanged with the authoring collaborator.
type Experiment struct {
	ID           string   `json:"id"`
	Name         string   `json:"name,omitempty"`
	Stages       []Stage  `json:"stages"`
	Branches     []Branch `json:"branches"`
	StartStageID string   `json:"startStageId,omitempty"`
}
