package queue

import "turnos/internal/models"

const (
	ActionCall     = "call"
	ActionComplete = "complete"
	ActionCancel   = "cancel"
	ActionMove     = "move"
)

type transition struct {
	from string
	to   string
}

var transitionMap = map[string]transition{
	ActionCall:     {from: models.StateWaiting, to: models.StateInService},
	ActionComplete: {from: models.StateInService, to: models.StateServed},
	ActionCancel:   {from: models.StateWaiting, to: models.StateCancelled},
	ActionMove:     {from: models.StateWaiting, to: models.StateWaiting},
}

func ValidTransition(action, fromState string) bool {
	t, ok := transitionMap[action]
	if !ok {
		return false
	}
	return t.from == fromState
}

// TransitionFor returns the expected prior state and the target state of action.
func TransitionFor(action string) (string, string, bool) {
	t, ok := transitionMap[action]
	if !ok {
		return "", "", false
	}
	return t.from, t.to, true
}
