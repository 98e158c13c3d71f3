package controller

import (
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
	"k8s.io/apimachinery/pkg/util/wait"

	"github.com/zalando-incubator/rollover-controller/pkg/core"
)

// EnvironmentManager creates, scales and inspects the workload resources of
// one environment slot. Implementations are scoped to a single application
// and namespace.
type EnvironmentManager interface {
	// Ensure idempotently creates or updates the slot's deployment and
	// returns once the platform acknowledged the spec, not once pods are
	// ready.
	Ensure(ctx context.Context, slot, imageRef string, replicas int32) (*core.Environment, error)
	// ScaleTo drains (replicas=0) or restores a slot. Scaling to zero
	// returns only once the platform confirms no replica is left serving.
	ScaleTo(ctx context.Context, slot string, replicas int32) error
	// Status reports the platform's view of the slot, nil if the slot has
	// never been configured.
	Status(ctx context.Context, slot string) (*core.EnvironmentStatus, error)
}

// HealthVerifier gates the traffic switch on the candidate's health.
type HealthVerifier interface {
	// AwaitHealthy polls the slot's health probe until the policy's
	// consecutive-pass threshold is met (nil), the policy timeout elapses
	// (health-gate error) or ctx is cancelled (cancelled error).
	AwaitHealthy(ctx context.Context, slot string, policy core.HealthCheckPolicy) error
}

// TrafficSwitcher owns the router's active-backend pointer.
type TrafficSwitcher interface {
	// State reads the current active backend and its generation token.
	State(ctx context.Context) (core.RouterState, error)
	// SwitchTo points the router at the slot with a compare-and-set write
	// against the generation observed during the call. A lost race surfaces
	// as a concurrent-modification error.
	SwitchTo(ctx context.Context, slot string) (core.RouterState, error)
	// Verify re-reads the router and confirms the slot is the active
	// backend.
	Verify(ctx context.Context, slot string) (bool, error)
}

// AutoscalerBinder owns which slot the autoscaling policy targets.
type AutoscalerBinder interface {
	Binding(ctx context.Context) (core.AutoscalerBinding, error)
	// Rebind points the autoscaler at the slot. Rebinding to the already
	// bound slot is a no-op success.
	Rebind(ctx context.Context, slot string) error
}

// TransitionFunc observes workflow state changes of a running rollover.
type TransitionFunc func(request *core.RolloverRequest, from, to core.WorkflowState, event core.Event, detail string)

var (
	// defaultDeployBackoff bounds the Deploying self-loop on transient
	// platform failures.
	defaultDeployBackoff = wait.Backoff{Duration: time.Second, Factor: 2.0, Steps: 5}
	// defaultSwitchBackoff is the traffic switch retry budget: three
	// attempts, exponential, starting at one second.
	defaultSwitchBackoff = wait.Backoff{Duration: time.Second, Factor: 2.0, Steps: 3}
	// defaultFinishBackoff retries the post-switch steps (rebind, drain) on
	// transient failures.
	defaultFinishBackoff = wait.Backoff{Duration: time.Second, Factor: 2.0, Steps: 3}
)

// Options configures an Orchestrator. Environments, Health, Router and
// Autoscaler are required, the rest has defaults.
type Options struct {
	Environments EnvironmentManager
	Health       HealthVerifier
	Router       TrafficSwitcher
	Autoscaler   AutoscalerBinder

	Logger       *log.Entry
	Metrics      *core.MetricsReporter
	OnTransition TransitionFunc

	DeployBackoff *wait.Backoff
	SwitchBackoff *wait.Backoff
	FinishBackoff *wait.Backoff
}

// Orchestrator drives one rollover workflow through its states. It owns the
// retry and rollback decisions; the leaf components only ever see single
// calls.
type Orchestrator struct {
	environments EnvironmentManager
	health       HealthVerifier
	router       TrafficSwitcher
	autoscaler   AutoscalerBinder

	logger       *log.Entry
	metrics      *core.MetricsReporter
	onTransition TransitionFunc

	deployBackoff wait.Backoff
	switchBackoff wait.Backoff
	finishBackoff wait.Backoff
}

func New(opts Options) (*Orchestrator, error) {
	if opts.Environments == nil || opts.Health == nil || opts.Router == nil || opts.Autoscaler == nil {
		return nil, fmt.Errorf("orchestrator requires environment manager, health verifier, traffic switcher and autoscaler binder")
	}

	logger := opts.Logger
	if logger == nil {
		logger = log.WithField("component", "orchestrator")
	}

	orchestrator := &Orchestrator{
		environments:  opts.Environments,
		health:        opts.Health,
		router:        opts.Router,
		autoscaler:    opts.Autoscaler,
		logger:        logger,
		metrics:       opts.Metrics,
		onTransition:  opts.OnTransition,
		deployBackoff: defaultDeployBackoff,
		switchBackoff: defaultSwitchBackoff,
		finishBackoff: defaultFinishBackoff,
	}
	if opts.DeployBackoff != nil {
		orchestrator.deployBackoff = *opts.DeployBackoff
	}
	if opts.SwitchBackoff != nil {
		orchestrator.switchBackoff = *opts.SwitchBackoff
	}
	if opts.FinishBackoff != nil {
		orchestrator.finishBackoff = *opts.FinishBackoff
	}
	return orchestrator, nil
}

// Run executes one rollover to completion and reports the outcome. It is
// synchronous; cancelling ctx aborts the current blocking step but never
// undoes a traffic switch that already committed.
func (o *Orchestrator) Run(ctx context.Context, request core.RolloverRequest) core.RolloverResult {
	run := &rolloverRun{
		orchestrator: o,
		request:      &request,
		logger: o.logger.WithFields(log.Fields{
			"namespace":   request.Namespace,
			"application": request.Application,
			"target":      request.Target,
		}),
		state:         core.WorkflowStart,
		deployBackoff: o.deployBackoff,
	}
	return run.execute(ctx)
}

// rolloverRun is the mutable state of one workflow execution.
type rolloverRun struct {
	orchestrator *Orchestrator
	request      *core.RolloverRequest
	logger       *log.Entry

	state          core.WorkflowState
	candidate      *core.Environment
	initialLive    string
	switched       bool
	lastErr        error
	deployBackoff  wait.Backoff
	deployAttempts int
}

func (r *rolloverRun) execute(ctx context.Context) (result core.RolloverResult) {
	started := time.Now()
	if r.orchestrator.metrics != nil {
		r.orchestrator.metrics.ReportRunStarted(r.request)
	}

	defer func() {
		if rec := recover(); rec != nil {
			if r.orchestrator.metrics != nil {
				r.orchestrator.metrics.ReportPanic()
			}
			r.logger.Errorf("Rollover panicked in state %s: %v", r.state, rec)
			r.lastErr = fmt.Errorf("panic: %v", rec)
			r.state = core.WorkflowAborted
			result = r.result()
		}
		if r.orchestrator.metrics != nil {
			r.orchestrator.metrics.ReportRunFinished(r.request, result, time.Since(started))
		}
	}()

	for !r.state.Terminal() {
		stepStarted := time.Now()
		event, err := r.step(ctx)
		if r.orchestrator.metrics != nil {
			r.orchestrator.metrics.ReportStepDuration(r.state, time.Since(stepStarted))
		}
		if err != nil {
			r.lastErr = err
		}

		next, terr := core.NextState(r.state, event)
		if terr != nil {
			// A hole in the transition table is a bug; refuse to continue.
			r.lastErr = terr
			r.transition(core.WorkflowAborted, event, terr)
			break
		}
		r.transition(next, event, err)

		if event == core.EventTransientFailure {
			if err := sleepWithContext(ctx, r.deployBackoff.Step()); err != nil {
				r.lastErr = err
				r.transition(core.WorkflowAborted, core.EventCancelled, err)
			}
		}
	}

	result = r.result()
	return result
}

// step executes the current state's action and reports the resulting event.
func (r *rolloverRun) step(ctx context.Context) (core.Event, error) {
	switch r.state {
	case core.WorkflowStart:
		return r.start(ctx)
	case core.WorkflowDeploying:
		return r.deploy(ctx)
	case core.WorkflowHealthChecking:
		return r.awaitHealthGate(ctx)
	case core.WorkflowSwitching:
		return r.switchTraffic(ctx)
	case core.WorkflowRebinding:
		return r.rebindAutoscaler(ctx)
	case core.WorkflowDraining:
		return r.drainIncumbent(ctx)
	default:
		return "", fmt.Errorf("no action for state %s", r.state)
	}
}

func (r *rolloverRun) start(ctx context.Context) (core.Event, error) {
	if err := ctx.Err(); err != nil {
		return core.EventCancelled, core.NewCancelledError("rollover cancelled before start")
	}
	if err := r.request.Validate(); err != nil {
		return core.EventSpecInvalid, err
	}

	// Best effort: remember who is live right now for reporting. A failed
	// read never blocks the rollover.
	if state, err := r.orchestrator.router.State(ctx); err == nil {
		r.initialLive = state.Backend
		r.logger.Infof("Router currently points at %q (generation %d)", state.Backend, state.Generation)
	} else {
		r.logger.Warnf("Failed to read initial router state: %v", err)
	}
	return core.EventRequestValidated, nil
}

func (r *rolloverRun) deploy(ctx context.Context) (core.Event, error) {
	environment, err := r.orchestrator.environments.Ensure(ctx, r.request.Target, r.request.ImageRef, r.request.Replicas)
	switch {
	case err == nil:
		r.candidate = environment
		r.logger.Infof("Platform acknowledged candidate %s with image %s and %d replicas", environment.Name, environment.ImageRef, environment.DesiredReplicas)
		return core.EventPlatformAcked, nil
	case core.IsCancelledError(err):
		return core.EventCancelled, err
	case ctx.Err() != nil:
		return core.EventCancelled, core.NewCancelledError("deploying %s cancelled: %v", r.request.Target, err)
	case core.IsInvalidRequestError(err):
		return core.EventSpecInvalid, err
	default:
		// Transient and unclassified platform failures share the bounded
		// backoff self-loop.
		r.deployAttempts++
		if r.deployAttempts >= r.orchestrator.deployBackoff.Steps {
			return core.EventRetriesExhausted, err
		}
		r.logger.Warnf("Deploying candidate failed (attempt %d/%d): %v", r.deployAttempts, r.orchestrator.deployBackoff.Steps, err)
		return core.EventTransientFailure, err
	}
}

func (r *rolloverRun) awaitHealthGate(ctx context.Context) (core.Event, error) {
	if r.candidate != nil {
		r.candidate.State = core.EnvironmentStateHealthChecking
	}

	err := r.orchestrator.health.AwaitHealthy(ctx, r.request.Target, r.request.HealthCheck)
	switch {
	case err == nil:
		if r.candidate != nil {
			r.candidate.State = core.EnvironmentStateHealthy
		}
		return core.EventHealthy, nil
	case core.IsCancelledError(err):
		return core.EventCancelled, err
	default:
		if r.candidate != nil {
			r.candidate.State = core.EnvironmentStateUnhealthy
		}
		return core.EventUnhealthy, err
	}
}

func (r *rolloverRun) switchTraffic(ctx context.Context) (core.Event, error) {
	backoff := r.orchestrator.switchBackoff
	attempts := backoff.Steps

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		state, err := r.orchestrator.router.SwitchTo(ctx, r.request.Target)
		if err == nil {
			verified, verr := r.orchestrator.router.Verify(ctx, r.request.Target)
			if verr == nil && verified {
				r.switched = true
				if r.candidate != nil {
					r.candidate.State = core.EnvironmentStateLive
				}
				r.logger.Infof("Traffic switched to %s (router generation %d)", r.request.Target, state.Generation)
				return core.EventSwitchVerified, nil
			}
			if verr != nil {
				lastErr = verr
			} else {
				lastErr = core.NewTransientError("switch to %s written but not visible on verification", r.request.Target)
			}
		} else {
			if core.IsCancelledError(err) {
				return core.EventCancelled, err
			}
			if ctx.Err() != nil {
				return core.EventCancelled, core.NewCancelledError("switching to %s cancelled: %v", r.request.Target, err)
			}
			lastErr = err
		}

		if attempt < attempts {
			r.logger.Warnf("Traffic switch attempt %d/%d failed: %v", attempt, attempts, lastErr)
			if err := sleepWithContext(ctx, backoff.Step()); err != nil {
				return core.EventCancelled, err
			}
		}
	}

	if core.IsConcurrentModificationError(lastErr) {
		return core.EventSwitchConflicted, lastErr
	}
	return core.EventRetriesExhausted, lastErr
}

func (r *rolloverRun) rebindAutoscaler(ctx context.Context) (core.Event, error) {
	err := retryTransient(ctx, r.orchestrator.finishBackoff, func() error {
		return r.orchestrator.autoscaler.Rebind(ctx, r.request.Target)
	})
	switch {
	case err == nil:
		r.logger.Infof("Autoscaler rebound to %s", r.request.Target)
		return core.EventRebindSucceeded, nil
	case core.IsCancelledError(err):
		return core.EventCancelled, err
	default:
		return core.EventRebindFailed, err
	}
}

func (r *rolloverRun) drainIncumbent(ctx context.Context) (core.Event, error) {
	if !r.request.DrainIncumbent {
		r.logger.Info("Keeping incumbent scaled up as requested")
		return core.EventDrainSkipped, nil
	}

	incumbent := r.request.Incumbent()
	err := retryTransient(ctx, r.orchestrator.finishBackoff, func() error {
		return r.orchestrator.environments.ScaleTo(ctx, incumbent, 0)
	})
	switch {
	case err == nil:
		r.logger.Infof("Incumbent %s drained", incumbent)
		return core.EventDrainSucceeded, nil
	case core.IsCancelledError(err):
		return core.EventCancelled, err
	default:
		return core.EventDrainFailed, err
	}
}

func (r *rolloverRun) transition(to core.WorkflowState, event core.Event, cause error) {
	from := r.state
	r.state = to

	if r.orchestrator.metrics != nil {
		r.orchestrator.metrics.ReportTransition(r.request, from, to)
	}

	detail := ""
	if cause != nil {
		detail = cause.Error()
	}
	if from != to {
		if to == core.WorkflowAborted {
			r.logger.Errorf("Workflow %s -> %s on %s: %s", from, to, event, detail)
		} else {
			r.logger.Infof("Workflow %s -> %s on %s", from, to, event)
		}
	}
	if r.orchestrator.onTransition != nil {
		r.orchestrator.onTransition(r.request, from, to, event, detail)
	}
}

func (r *rolloverRun) result() core.RolloverResult {
	result := core.RolloverResult{
		State:           r.state,
		TrafficSwitched: r.switched,
	}
	if r.switched {
		result.Live = r.request.Target
	} else {
		result.Live = r.initialLive
	}
	if r.state == core.WorkflowAborted && r.lastErr != nil {
		result.Reason = core.ErrorReason(r.lastErr)
		result.Message = r.lastErr.Error()
	}
	return result
}

// retryTransient runs fn and retries transient failures within the backoff
// budget. Any other outcome is returned as is.
func retryTransient(ctx context.Context, backoff wait.Backoff, fn func() error) error {
	attempts := backoff.Steps
	var lastErr error
	for attempt := 1; ; attempt++ {
		lastErr = fn()
		if lastErr == nil || !core.IsTransientError(lastErr) {
			return lastErr
		}
		if attempt >= attempts {
			return lastErr
		}
		if err := sleepWithContext(ctx, backoff.Step()); err != nil {
			return err
		}
	}
}

// sleepWithContext waits for the duration unless ctx ends first, in which
// case it reports a cancellation.
func sleepWithContext(ctx context.Context, duration time.Duration) error {
	timer := time.NewTimer(duration)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return core.NewCancelledError("rollover cancelled while waiting to retry")
	case <-timer.C:
		return nil
	}
}
