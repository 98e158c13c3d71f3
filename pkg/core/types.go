package core

import "fmt"

// EnvironmentState describes where an environment slot is in its lifecycle.
// The orchestrator is the only writer; external cleanup may delete the
// underlying resources but the controller itself never does.
type EnvironmentState string

const (
	EnvironmentStateUnconfigured   EnvironmentState = "Unconfigured"
	EnvironmentStateDeploying      EnvironmentState = "Deploying"
	EnvironmentStateHealthChecking EnvironmentState = "HealthChecking"
	EnvironmentStateHealthy        EnvironmentState = "Healthy"
	EnvironmentStateUnhealthy      EnvironmentState = "Unhealthy"
	EnvironmentStateLive           EnvironmentState = "Live"
	EnvironmentStateDraining       EnvironmentState = "Draining"
	EnvironmentStateDrained        EnvironmentState = "Drained"
)

// The two slot names. Candidate and incumbent are roles assigned per
// rollover, not identities: either slot can hold either role.
const (
	SlotBlue  = "blue"
	SlotGreen = "green"
)

// OtherSlot returns the peer of a slot name.
func OtherSlot(name string) (string, error) {
	switch name {
	case SlotBlue:
		return SlotGreen, nil
	case SlotGreen:
		return SlotBlue, nil
	default:
		return "", NewInvalidRequestError("unknown environment slot %q, must be %q or %q", name, SlotBlue, SlotGreen)
	}
}

// KnownSlot reports whether name is one of the two slots.
func KnownSlot(name string) bool {
	return name == SlotBlue || name == SlotGreen
}

// Environment is one of exactly two deployable slots of an application.
// At most one environment is Live at any time; that pointer is owned by the
// traffic switcher, never by the environment itself.
type Environment struct {
	Name            string
	ImageRef        string
	DesiredReplicas int32
	State           EnvironmentState
}

// Live reports whether this environment currently serves traffic.
func (e *Environment) Live() bool {
	return e.State == EnvironmentStateLive
}

// ScaledDown reports whether the environment holds no replicas.
func (e *Environment) ScaledDown() bool {
	return e.DesiredReplicas == 0
}

func (e *Environment) String() string {
	return fmt.Sprintf("%s(%s)", e.Name, e.State)
}

// EnvironmentObjectName is the name of the Kubernetes objects backing one
// environment slot, shared by the deployment, the service and the pods.
func EnvironmentObjectName(application, slot string) string {
	return fmt.Sprintf("%s-%s", application, slot)
}

// EnvironmentStatus is the platform's view of one environment slot.
type EnvironmentStatus struct {
	Name            string `json:"name"`
	ImageRef        string `json:"imageRef,omitempty"`
	DesiredReplicas int32  `json:"desiredReplicas"`
	ReadyReplicas   int32  `json:"readyReplicas"`
}

// RouterState is the router's answer to "where does traffic go". Backend
// names the active environment slot, Generation is the optimistic
// concurrency token: every write must present the generation it observed
// and bumps it by one on success.
type RouterState struct {
	Backend    string `json:"backend,omitempty"`
	Generation int64  `json:"generation"`
}

// AutoscalerBinding states which environment the autoscaling policy targets
// and within which replica bounds it operates. Rebinding happens strictly
// after a verified traffic switch.
type AutoscalerBinding struct {
	Target      string `json:"target,omitempty"`
	MinReplicas int32  `json:"minReplicas,omitempty"`
	MaxReplicas int32  `json:"maxReplicas,omitempty"`
}
