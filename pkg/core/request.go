package core

import (
	"strings"
	"time"

	"k8s.io/apimachinery/pkg/util/validation"
)

// HealthCheckPolicy bounds the health gate of one rollover.
type HealthCheckPolicy struct {
	// Timeout is the total budget for the gate. Failed probes consume it,
	// they never extend it.
	Timeout time.Duration
	// Interval is the pause between two probe attempts.
	Interval time.Duration
	// SuccessThreshold is the number of consecutive passing probes required
	// before the candidate counts as healthy. A single failure resets the
	// streak.
	SuccessThreshold int
}

// RolloverRequest carries the complete intent of one rollover invocation:
// which application, which slot receives the new version, what to run there
// and how strictly to gate it. It is validated once at the entry point and
// treated as immutable afterwards.
type RolloverRequest struct {
	Application string
	Namespace   string
	// Target is the slot that receives the new version (the candidate role).
	Target   string
	ImageRef string
	Replicas int32
	// HealthCheck gates the traffic switch.
	HealthCheck HealthCheckPolicy
	// DrainIncumbent scales the previously live slot to zero once the
	// switch is verified and the autoscaler rebound. The slot's resources
	// are kept for fast rollback.
	DrainIncumbent bool
}

// Incumbent returns the peer slot of the target, the one presumed live
// before the rollover. Only meaningful after Validate.
func (r *RolloverRequest) Incumbent() string {
	other, err := OtherSlot(r.Target)
	if err != nil {
		return ""
	}
	return other
}

// Validate checks the request invariants. All violations surface as
// invalid-request errors, which are fatal and never retried.
func (r *RolloverRequest) Validate() error {
	if errs := validation.IsDNS1123Label(r.Application); r.Application == "" || len(errs) > 0 {
		return NewInvalidRequestError("application name %q must be a DNS label", r.Application)
	}
	if errs := validation.IsDNS1123Label(r.Namespace); r.Namespace == "" || len(errs) > 0 {
		return NewInvalidRequestError("namespace %q must be a DNS label", r.Namespace)
	}
	if !KnownSlot(r.Target) {
		return NewInvalidRequestError("target slot %q must be %q or %q", r.Target, SlotBlue, SlotGreen)
	}
	if err := validateImageRef(r.ImageRef); err != nil {
		return err
	}
	if r.Replicas < 0 {
		return NewInvalidRequestError("replicas must not be negative, got %d", r.Replicas)
	}
	if r.HealthCheck.SuccessThreshold < 1 {
		return NewInvalidRequestError("health check success threshold must be at least 1, got %d", r.HealthCheck.SuccessThreshold)
	}
	if r.HealthCheck.Interval <= 0 {
		return NewInvalidRequestError("health check interval must be positive, got %v", r.HealthCheck.Interval)
	}
	if r.HealthCheck.Timeout < r.HealthCheck.Interval {
		return NewInvalidRequestError("health check timeout %v must not be shorter than the interval %v", r.HealthCheck.Timeout, r.HealthCheck.Interval)
	}
	return nil
}

// validateImageRef is a syntactic sanity check on the image reference.
// Obviously broken values fail here instead of surfacing later as a
// deployment that never starts.
func validateImageRef(ref string) error {
	if ref == "" {
		return NewInvalidRequestError("image reference must not be empty")
	}
	if strings.ContainsAny(ref, " \t\n") {
		return NewInvalidRequestError("image reference %q must not contain whitespace", ref)
	}
	if strings.ContainsAny(ref, "$<>{}") {
		return NewInvalidRequestError("image reference %q contains placeholder characters", ref)
	}
	if strings.HasPrefix(ref, "/") || strings.HasSuffix(ref, "/") ||
		strings.HasPrefix(ref, ":") || strings.HasSuffix(ref, ":") {
		return NewInvalidRequestError("image reference %q is malformed", ref)
	}
	return nil
}
