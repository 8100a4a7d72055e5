package rules

import (
	"fmt"
	"strings"
)

// RuleState is the lifecycle state of a rule
type RuleState int

const (
	StateNew RuleState = iota
	StateActive
	StateDisabled
	StateFinished
	StateDeleted
)

var stateNames = map[RuleState]string{
	StateNew:      "NEW",
	StateActive:   "ACTIVE",
	StateDisabled: "DISABLED",
	StateFinished: "FINISHED",
	StateDeleted:  "DELETED",
}

func (s RuleState) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("RuleState(%d)", int(s))
}

// ParseRuleState converts a state name (case-insensitive) to a RuleState
func ParseRuleState(name string) (RuleState, error) {
	upper := strings.ToUpper(strings.TrimSpace(name))
	for state, n := range stateNames {
		if n == upper {
			return state, nil
		}
	}
	return StateNew, fmt.Errorf("unknown rule state %q", name)
}

// Terminal reports whether an executor must stop when it observes this state
func (s RuleState) Terminal() bool {
	return s == StateDeleted || s == StateFinished || s == StateDisabled
}

// CanTransitionTo reports whether next is reachable from s in one step:
// NEW|DISABLED -> ACTIVE, ACTIVE -> DISABLED, ACTIVE -> FINISHED and any
// state except DELETED -> DELETED.
func (s RuleState) CanTransitionTo(next RuleState) bool {
	switch next {
	case StateActive:
		return s == StateNew || s == StateDisabled
	case StateDisabled, StateFinished:
		return s == StateActive
	case StateDeleted:
		return s != StateDeleted
	default:
		return false
	}
}

// TransitionError reports an illegal state change
type TransitionError struct {
	From RuleState
	To   RuleState
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("illegal rule state transition from %s to %s", e.From, e.To)
}

// checkTransition returns a *TransitionError if next is not reachable from s
func checkTransition(from, to RuleState) error {
	if !from.CanTransitionTo(to) {
		return &TransitionError{From: from, To: to}
	}
	return nil
}
