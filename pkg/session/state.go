package session

import "slices"

// State is a session lifecycle state.
type State string

const (
	StateStarting                 State = "starting"
	StateRunningHooks             State = "running_hooks"
	StateRunning                  State = "running"
	StateWaitingForInput          State = "waiting_for_input"
	StateWaitingForQuestionAnswer State = "waiting_for_question_answer"
	StateWaitingForPlanExecution  State = "waiting_for_plan_execution"
	StateStopped                  State = "stopped"
	StateError                    State = "error"
)

var transitions = map[State][]State{
	"":                {StateStarting},
	StateStarting:     {StateRunningHooks, StateRunning, StateWaitingForInput, StateStopped, StateError},
	StateRunningHooks: {StateRunning, StateWaitingForInput, StateStopped, StateError},
	StateRunning: {
		StateWaitingForInput, StateWaitingForQuestionAnswer, StateWaitingForPlanExecution,
		StateStarting, StateStopped, StateError,
	},
	StateWaitingForInput:          {StateRunning, StateStarting, StateStopped, StateError},
	StateWaitingForQuestionAnswer: {StateRunning, StateWaitingForInput, StateStarting, StateStopped, StateError},
	StateWaitingForPlanExecution:  {StateRunning, StateWaitingForInput, StateStarting, StateStopped, StateError},
	StateStopped:                  {StateStarting},
	StateError:                    {StateStarting, StateRunning, StateStopped},
}

// CanTransition reports whether from -> to is an edge of the lifecycle.
func CanTransition(from, to State) bool {
	return slices.Contains(transitions[from], to)
}

// Active reports whether the session is bound to, or acquiring, a compute
// unit.
func (s State) Active() bool {
	switch s {
	case StateStopped, StateError, "":
		return false
	}
	return true
}

// Provisioning reports whether a compute unit is still being brought up.
func (s State) Provisioning() bool {
	return s == StateStarting || s == StateRunningHooks
}

// Waiting reports whether the agent turn is suspended on an operator gate.
func (s State) Waiting() bool {
	return s == StateWaitingForQuestionAnswer || s == StateWaitingForPlanExecution
}
