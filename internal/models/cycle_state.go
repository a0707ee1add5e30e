package models

import (
	"fmt"
	"time"
)

// CycleState represents the top-level state of a position cycle.
type CycleState string

const (
	// StateIdle means no positions are open and no entry is in flight
	StateIdle CycleState = "idle"
	// StateWaitingOpeningRange holds a fresh entry until the opening-range delay elapses
	StateWaitingOpeningRange CycleState = "waiting_opening_range"
	// StateEntering opens the long straddle and then the initial short strangle
	StateEntering CycleState = "entering"
	// StateFullPosition is the steady state: straddle plus strangle under monitoring
	StateFullPosition CycleState = "full_position"
	// StateRecentering is a transient state while the straddle is re-struck at the new ATM
	StateRecentering CycleState = "recentering"
	// StateRolling is a transient state while the strangle is rolled
	StateRolling CycleState = "rolling"
	// StateExiting closes all legs, books cycle P&L, and resets metrics
	StateExiting CycleState = "exiting"
	// StateEmergencyExit runs the bounded-retry liquidation ladder
	StateEmergencyExit CycleState = "emergency_exit"
)

// Transition condition constants. Conditions document intent and are checked
// against the transition table.
const (
	ConditionEntryWindow        = "entry_window"
	ConditionEntryWindowClosed  = "entry_window_closed"
	ConditionOpeningRangeDone   = "opening_range_elapsed"
	ConditionLongsCarried       = "longs_carried"
	ConditionPositionsOpened    = "positions_opened"
	ConditionEntrySkipped       = "entry_skipped"
	ConditionEntryAborted       = "entry_aborted"
	ConditionRecenterTrigger    = "recenter_trigger"
	ConditionRecenterComplete   = "recenter_complete"
	ConditionRecenterFailed     = "recenter_failed"
	ConditionScheduledRoll      = "scheduled_roll"
	ConditionCushionChallenged  = "cushion_challenged"
	ConditionRollComplete       = "roll_complete"
	ConditionRollFailed         = "roll_failed"
	ConditionRollRejectedDebit  = "roll_rejected_debit"
	ConditionExitConditions     = "exit_conditions"
	ConditionEmergencyTrigger   = "emergency_trigger"
	ConditionEmergencyComplete  = "emergency_complete"
	ConditionCycleClosed        = "cycle_closed"
)

// CycleTransition defines a valid state transition.
type CycleTransition struct {
	From      CycleState
	To        CycleState
	Condition string
}

// ValidTransitions enumerates every legal cycle transition.
var ValidTransitions = []CycleTransition{
	// Entry path
	{StateIdle, StateWaitingOpeningRange, ConditionEntryWindow},
	{StateIdle, StateEntering, ConditionLongsCarried},
	{StateWaitingOpeningRange, StateEntering, ConditionOpeningRangeDone},
	{StateWaitingOpeningRange, StateIdle, ConditionEntryWindowClosed},
	{StateEntering, StateFullPosition, ConditionPositionsOpened},
	{StateEntering, StateIdle, ConditionEntrySkipped},
	{StateEntering, StateExiting, ConditionEntryAborted},

	// Steady-state management
	{StateFullPosition, StateRecentering, ConditionRecenterTrigger},
	{StateRecentering, StateFullPosition, ConditionRecenterComplete},
	{StateRecentering, StateFullPosition, ConditionRecenterFailed},
	{StateFullPosition, StateRolling, ConditionScheduledRoll},
	{StateFullPosition, StateRolling, ConditionCushionChallenged},
	{StateRolling, StateFullPosition, ConditionRollComplete},
	{StateRolling, StateFullPosition, ConditionRollFailed},

	// Exit path
	{StateRolling, StateExiting, ConditionRollRejectedDebit},
	{StateFullPosition, StateExiting, ConditionExitConditions},
	{StateExiting, StateIdle, ConditionCycleClosed},

	// Emergency exit is reachable from any state with open positions
	{StateEntering, StateEmergencyExit, ConditionEmergencyTrigger},
	{StateFullPosition, StateEmergencyExit, ConditionEmergencyTrigger},
	{StateRecentering, StateEmergencyExit, ConditionEmergencyTrigger},
	{StateRolling, StateEmergencyExit, ConditionEmergencyTrigger},
	{StateExiting, StateEmergencyExit, ConditionEmergencyTrigger},
	{StateEmergencyExit, StateExiting, ConditionEmergencyComplete},
}

// CycleStateMachine manages cycle state transitions against the table above.
type CycleStateMachine struct {
	currentState    CycleState
	previousState   CycleState
	transitionTime  time.Time
	transitionCount map[CycleState]int
	nowFn           func() time.Time
}

// NewCycleStateMachine creates a machine starting in StateIdle.
func NewCycleStateMachine() *CycleStateMachine {
	return NewCycleStateMachineFromState(StateIdle)
}

// NewCycleStateMachineFromState rehydrates a machine at a persisted state.
func NewCycleStateMachineFromState(state CycleState) *CycleStateMachine {
	return &CycleStateMachine{
		currentState:    state,
		previousState:   state,
		transitionCount: make(map[CycleState]int),
		nowFn:           func() time.Time { return time.Now().UTC() },
	}
}

// SetNowFunc overrides the machine's time source for deterministic tests.
func (sm *CycleStateMachine) SetNowFunc(fn func() time.Time) {
	if fn != nil {
		sm.nowFn = fn
	}
}

// Current returns the current state.
func (sm *CycleStateMachine) Current() CycleState {
	return sm.currentState
}

// Previous returns the state before the last transition.
func (sm *CycleStateMachine) Previous() CycleState {
	return sm.previousState
}

// TransitionTime returns when the last transition happened.
func (sm *CycleStateMachine) TransitionTime() time.Time {
	return sm.transitionTime
}

// CanTransition checks whether moving to the target state under the given
// condition is legal without performing it.
func (sm *CycleStateMachine) CanTransition(to CycleState, condition string) bool {
	for _, tr := range ValidTransitions {
		if tr.From == sm.currentState && tr.To == to && tr.Condition == condition {
			return true
		}
	}
	return false
}

// Transition moves the machine to a new state.
func (sm *CycleStateMachine) Transition(to CycleState, condition string) error {
	if !sm.CanTransition(to, condition) {
		return fmt.Errorf("invalid cycle transition from %s to %s with condition %q",
			sm.currentState, to, condition)
	}
	sm.previousState = sm.currentState
	sm.currentState = to
	sm.transitionTime = sm.nowFn()
	sm.transitionCount[to]++
	return nil
}

// TransitionCount returns how many times the machine has entered a state.
func (sm *CycleStateMachine) TransitionCount(state CycleState) int {
	return sm.transitionCount[state]
}

// HasOpenPositions reports whether the current state implies live legs at
// the broker.
func (sm *CycleStateMachine) HasOpenPositions() bool {
	switch sm.currentState {
	case StateFullPosition, StateRecentering, StateRolling, StateExiting, StateEmergencyExit:
		return true
	default:
		return false
	}
}

// Describe returns a human-readable description of the current state.
func (sm *CycleStateMachine) Describe() string {
	switch sm.currentState {
	case StateIdle:
		return "No positions, waiting for entry conditions"
	case StateWaitingOpeningRange:
		return "Entry approved, waiting out the opening range"
	case StateEntering:
		return "Opening long straddle and initial short strangle"
	case StateFullPosition:
		return "Full position under cushion monitoring"
	case StateRecentering:
		return "Re-striking the long straddle at the new ATM"
	case StateRolling:
		return "Rolling the short strangle"
	case StateExiting:
		return "Closing all legs and booking cycle P&L"
	case StateEmergencyExit:
		return "Emergency liquidation in progress"
	default:
		return "Unknown state"
	}
}
