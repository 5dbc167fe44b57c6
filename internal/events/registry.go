package events

import "fmt"

var allowedEvents = map[string]struct{}{
	// stage
	"stage.entered":   {},
	"stage.completed": {},

	// experiment
	"experiment.started":   {},
	"experiment.completed": {},
	"experiment.reset":     {},

	// branch
	"branch.evaluated": {},

	// survey
	"survey.submitted": {},

	// scenario
	"scenario.started":   {},
	"scenario.suspended": {},
	"scenario.resumed":   {},
	"scenario.completed": {},
	"round.advanced":     {},

	// trading
	"trade.executed": {},
	"trade.rejected": {},

	// session
	"session.started":  {},
	"session.restored": {},
	"session.reset":    {},

	// system
	"system.startup":  {},
	"system.shutdown": {},
	"system.error":    {},
}

func Validate(event string) error {
	if _, ok := allowedEvents[event]; !ok {
		return fmt.Errorf("unknown event: %s", event)
	}
	return nil
}
