package model

import "fmt"

// Decision is a human reviewer's verdict on a run preview.
type Decision string

const (
	DecisionPending  Decision = "pending"
	DecisionApproved Decision = "approved"
	DecisionRejected Decision = "rejected"
)

// ParseDecision converts a raw string into a Decision.
func ParseDecision(s string) (Decision, error) {
	switch d := Decision(s); d {
	case DecisionPending, DecisionApproved, DecisionRejected:
		return d, nil
	}
	return "", fmt.Errorf("unknown decision %q", s)
}

// Final reports whether a reviewer has decided.
func (d Decision) Final() bool {
	return d == DecisionApproved || d == DecisionRejected
}

// RunState maps a final decision onto the terminal run state it produces.
func (d Decision) RunState() (RunState, bool) {
	switch d {
	case DecisionApproved:
		return RunStateApproved, true
	case DecisionRejected:
		return RunStateRejected, true
	}
	return "", false
}
