package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCycleStateMachineHappyPath(t *testing.T) {
	sm := NewCycleStateMachine()
	require.Equal(t, StateIdle, sm.Current())

	steps := []struct {
		to        CycleState
		condition string
	}{
		{StateWaitingOpeningRange, ConditionEntryWindow},
		{StateEntering, ConditionOpeningRangeDone},
		{StateFullPosition, ConditionPositionsOpened},
		{StateRecentering, ConditionRecenterTrigger},
		{StateFullPosition, ConditionRecenterComplete},
		{StateRolling, ConditionScheduledRoll},
		{StateFullPosition, ConditionRollComplete},
		{StateExiting, ConditionExitConditions},
		{StateIdle, ConditionCycleClosed},
	}

	for _, step := range steps {
		require.NoError(t, sm.Transition(step.to, step.condition), "transition to %s", step.to)
	}
	assert.Equal(t, StateIdle, sm.Current())
	assert.Equal(t, StateExiting, sm.Previous())
}

func TestCycleStateMachineRejectsInvalidTransitions(t *testing.T) {
	sm := NewCycleStateMachine()

	// Cannot enter steady state directly from idle.
	assert.Error(t, sm.Transition(StateFullPosition, ConditionPositionsOpened))

	// Condition must match the table.
	assert.Error(t, sm.Transition(StateWaitingOpeningRange, "wrong_condition"))

	// Emergency exit is not reachable without open positions.
	assert.Error(t, sm.Transition(StateEmergencyExit, ConditionEmergencyTrigger))
}

func TestRollRejectionForcesExit(t *testing.T) {
	sm := NewCycleStateMachineFromState(StateFullPosition)

	require.NoError(t, sm.Transition(StateRolling, ConditionCushionChallenged))
	require.NoError(t, sm.Transition(StateExiting, ConditionRollRejectedDebit))
	require.NoError(t, sm.Transition(StateIdle, ConditionCycleClosed))
	assert.Equal(t, StateIdle, sm.Current())
}

func TestEmergencyExitReachableFromOpenStates(t *testing.T) {
	for _, from := range []CycleState{
		StateEntering, StateFullPosition, StateRecentering, StateRolling, StateExiting,
	} {
		sm := NewCycleStateMachineFromState(from)
		require.NoError(t, sm.Transition(StateEmergencyExit, ConditionEmergencyTrigger),
			"emergency from %s", from)
		// Emergency always proceeds to exiting regardless of outcome.
		require.NoError(t, sm.Transition(StateExiting, ConditionEmergencyComplete))
	}
}

func TestHasOpenPositions(t *testing.T) {
	assert.False(t, NewCycleStateMachineFromState(StateIdle).HasOpenPositions())
	assert.False(t, NewCycleStateMachineFromState(StateWaitingOpeningRange).HasOpenPositions())
	assert.True(t, NewCycleStateMachineFromState(StateFullPosition).HasOpenPositions())
	assert.True(t, NewCycleStateMachineFromState(StateEmergencyExit).HasOpenPositions())
}

func TestTransitionTimeUsesInjectedClock(t *testing.T) {
	sm := NewCycleStateMachine()
	fixed := time.Date(2025, 3, 3, 15, 0, 0, 0, time.UTC)
	sm.SetNowFunc(func() time.Time { return fixed })

	require.NoError(t, sm.Transition(StateWaitingOpeningRange, ConditionEntryWindow))
	assert.Equal(t, fixed, sm.TransitionTime())
	assert.Equal(t, 1, sm.TransitionCount(StateWaitingOpeningRange))
}
