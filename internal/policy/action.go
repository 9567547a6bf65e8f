package policy

import "fmt"

// Action is a policy decision for a single call.
type Action int

const (
	ActionDisconnected Action = iota + 1
	ActionOnHold
	ActionAutoHold
	ActionActive
	ActionCreated
)

var actionNames = map[Action]string{
	ActionDisconnected: "disconnected",
	ActionOnHold:       "onhold",
	ActionAutoHold:     "autohold",
	ActionActive:       "active",
	ActionCreated:      "created",
}

func (a Action) String() string {
	if name, ok := actionNames[a]; ok {
		return name
	}
	return fmt.Sprintf("action(%d)", int(a))
}

// ParseAction maps an action name from a decision fact to an Action.
func ParseAction(name string) (Action, error) {
	for a, n := range actionNames {
		if n == name {
			return a, nil
		}
	}
	return 0, fmt.Errorf("%w: unknown action %q", ErrInvalidDecision, name)
}
