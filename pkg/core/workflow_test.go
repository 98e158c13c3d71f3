package core

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNextState(t *testing.T) {
	for _, tc := range []struct {
		from  WorkflowState
		event Event
		to    WorkflowState
	}{
		{WorkflowStart, EventRequestValidated, WorkflowDeploying},
		{WorkflowStart, EventSpecInvalid, WorkflowAborted},
		{WorkflowDeploying, EventPlatformAcked, WorkflowHealthChecking},
		{WorkflowDeploying, EventTransientFailure, WorkflowDeploying},
		{WorkflowDeploying, EventRetriesExhausted, WorkflowAborted},
		{WorkflowDeploying, EventSpecInvalid, WorkflowAborted},
		{WorkflowHealthChecking, EventHealthy, WorkflowSwitching},
		{WorkflowHealthChecking, EventUnhealthy, WorkflowAborted},
		{WorkflowSwitching, EventSwitchVerified, WorkflowRebinding},
		{WorkflowSwitching, EventSwitchConflicted, WorkflowAborted},
		{WorkflowSwitching, EventRetriesExhausted, WorkflowAborted},
		{WorkflowRebinding, EventRebindSucceeded, WorkflowDraining},
		{WorkflowRebinding, EventRebindFailed, WorkflowAborted},
		{WorkflowDraining, EventDrainSucceeded, WorkflowDone},
		{WorkflowDraining, EventDrainSkipped, WorkflowDone},
		{WorkflowDraining, EventDrainFailed, WorkflowAborted},
	} {
		t.Run(string(tc.from)+"/"+string(tc.event), func(t *testing.T) {
			next, err := NextState(tc.from, tc.event)
			require.NoError(t, err)
			require.Equal(t, tc.to, next)
		})
	}
}

func TestNextStateRejectsUnknownTransitions(t *testing.T) {
	for _, tc := range []struct {
		from  WorkflowState
		event Event
	}{
		{WorkflowStart, EventHealthy},
		{WorkflowDeploying, EventSwitchVerified},
		{WorkflowHealthChecking, EventPlatformAcked},
		{WorkflowDone, EventRequestValidated},
		{WorkflowAborted, EventCancelled},
		{WorkflowDraining, EventHealthy},
	} {
		_, err := NextState(tc.from, tc.event)
		require.Error(t, err, "from %s on %s", tc.from, tc.event)
	}
}

func TestEveryActiveStateIsCancellable(t *testing.T) {
	for state := range workflowTransitions {
		next, err := NextState(state, EventCancelled)
		require.NoError(t, err, "state %s", state)
		require.Equal(t, WorkflowAborted, next, "state %s", state)
	}
}

// Apart from the backoff self-loop on Deploying no transition may lead back
// to an earlier or identical state.
func TestNoStateReentry(t *testing.T) {
	for from, events := range workflowTransitions {
		for event, to := range events {
			if from == WorkflowDeploying && event == EventTransientFailure {
				require.Equal(t, WorkflowDeploying, to)
				continue
			}
			require.NotEqual(t, from, to, "from %s on %s", from, event)
		}
	}
}

func TestTerminalStates(t *testing.T) {
	require.True(t, WorkflowDone.Terminal())
	require.True(t, WorkflowAborted.Terminal())

	for _, state := range []WorkflowState{
		WorkflowStart,
		WorkflowDeploying,
		WorkflowHealthChecking,
		WorkflowSwitching,
		WorkflowRebinding,
		WorkflowDraining,
	} {
		require.False(t, state.Terminal(), "state %s", state)
	}

	// terminal states have no outgoing transitions
	require.NotContains(t, workflowTransitions, WorkflowDone)
	require.NotContains(t, workflowTransitions, WorkflowAborted)
}
