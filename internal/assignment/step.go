package assignment

import "fmt"

// CallStep is the single source of truth for where a call attempt is in its
// lifecycle. Steps only move forward through the order below; the one
// exception is ResetToInitial, which is restricted to simulated attempts.
//
// hold may repeat any number of times (each retried dial re-enters it) before
// the attempt either reaches call or falls through to voicemail.

type CallStep string

const (
	StepInitial   CallStep = "initial"
	StepVerified  CallStep = "verified"
	StepHold      CallStep = "hold"
	StepCall      CallStep = "call"
	StepVoicemail CallStep = "voicemail"
	StepDone      CallStep = "done"
)

// stepOrder is the closed transition ordering. A requested step is accepted
// iff its position is >= the current step's position.
var stepOrder = map[CallStep]int{
	StepInitial:   0,
	StepVerified:  1,
	StepHold:      2,
	StepCall:      3,
	StepVoicemail: 4,
	StepDone:      5,
}

func ParseCallStep(s string) (CallStep, error) {
	step := CallStep(s)
	if !step.Valid() {
		return "", fmt.Errorf("assignment: unknown call step %q", s)
	}
	return step, nil
}

func (s CallStep) Valid() bool {
	_, ok := stepOrder[s]
	return ok
}

// Before reports whether s comes strictly earlier than other in the
// transition order. Both steps must be valid.
func (s CallStep) Before(other CallStep) bool {
	return stepOrder[s] < stepOrder[other]
}

func (s CallStep) Terminal() bool { return s == StepDone }

func (s CallStep) String() string { return string(s) }
