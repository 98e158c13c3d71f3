package core

import "fmt"

// WorkflowState is one step of the rollover workflow. The zero-downtime
// guarantee lives in the ordering: traffic is cut only after the health
// gate, the autoscaler is rebound only after the cut is verified, and the
// incumbent is drained last.
type WorkflowState string

const (
	WorkflowStart          WorkflowState = "Start"
	WorkflowDeploying      WorkflowState = "Deploying"
	WorkflowHealthChecking WorkflowState = "HealthChecking"
	WorkflowSwitching      WorkflowState = "Switching"
	WorkflowRebinding      WorkflowState = "Rebinding"
	WorkflowDraining       WorkflowState = "Draining"
	WorkflowDone           WorkflowState = "Done"
	WorkflowAborted        WorkflowState = "Aborted"
)

// Event names the outcome of one workflow step.
type Event string

const (
	EventRequestValidated Event = "RequestValidated"
	EventSpecInvalid      Event = "SpecInvalid"
	EventPlatformAcked    Event = "PlatformAcked"
	EventTransientFailure Event = "TransientFailure"
	EventRetriesExhausted Event = "RetriesExhausted"
	EventHealthy          Event = "Healthy"
	EventUnhealthy        Event = "Unhealthy"
	EventSwitchVerified   Event = "SwitchVerified"
	EventSwitchConflicted Event = "SwitchConflicted"
	EventRebindSucceeded  Event = "RebindSucceeded"
	EventRebindFailed     Event = "RebindFailed"
	EventDrainSucceeded   Event = "DrainSucceeded"
	EventDrainSkipped     Event = "DrainSkipped"
	EventDrainFailed      Event = "DrainFailed"
	EventCancelled        Event = "Cancelled"
)

// workflowTransitions is the full transition table. Apart from the backoff
// self-loop on Deploying no state is ever re-entered once left.
var workflowTransitions = map[WorkflowState]map[Event]WorkflowState{
	WorkflowStart: {
		EventRequestValidated: WorkflowDeploying,
		EventSpecInvalid:      WorkflowAborted,
		EventCancelled:        WorkflowAborted,
	},
	WorkflowDeploying: {
		EventPlatformAcked:    WorkflowHealthChecking,
		EventTransientFailure: WorkflowDeploying,
		EventRetriesExhausted: WorkflowAborted,
		EventSpecInvalid:      WorkflowAborted,
		EventCancelled:        WorkflowAborted,
	},
	WorkflowHealthChecking: {
		EventHealthy:   WorkflowSwitching,
		EventUnhealthy: WorkflowAborted,
		EventCancelled: WorkflowAborted,
	},
	WorkflowSwitching: {
		EventSwitchVerified:   WorkflowRebinding,
		EventSwitchConflicted: WorkflowAborted,
		EventRetriesExhausted: WorkflowAborted,
		EventCancelled:        WorkflowAborted,
	},
	WorkflowRebinding: {
		EventRebindSucceeded: WorkflowDraining,
		EventRebindFailed:    WorkflowAborted,
		EventCancelled:       WorkflowAborted,
	},
	WorkflowDraining: {
		EventDrainSucceeded: WorkflowDone,
		EventDrainSkipped:   WorkflowDone,
		EventDrainFailed:    WorkflowAborted,
		EventCancelled:      WorkflowAborted,
	},
}

// NextState answers which state the workflow reaches from `from` on `event`.
// Combinations outside the table are programming errors in the caller, not
// request errors.
func NextState(from WorkflowState, event Event) (WorkflowState, error) {
	next, ok := workflowTransitions[from][event]
	if !ok {
		return from, fmt.Errorf("no transition from state %s on event %s", from, event)
	}
	return next, nil
}

// Terminal reports whether the workflow stops in this state.
func (s WorkflowState) Terminal() bool {
	return s == WorkflowDone || s == WorkflowAborted
}

// RolloverResult is the outcome of one rollover run as reported to the
// caller.
type RolloverResult struct {
	State WorkflowState `json:"state"`
	// Reason is the stable error-kind label of an abort, one of the
	// Reason* constants. Empty on success.
	Reason string `json:"reason,omitempty"`
	// Message carries the human-readable failure detail.
	Message string `json:"message,omitempty"`
	// TrafficSwitched distinguishes an abort after the traffic cut
	// committed from one before it. A post-switch abort leaves the
	// candidate live and the incumbent still scaled up.
	TrafficSwitched bool `json:"trafficSwitched"`
	// Live names the environment serving traffic when the run ended.
	Live string `json:"live,omitempty"`
}
