package controller

import (
	"context"
	"sync"
	"time"

	"k8s.io/apimachinery/pkg/util/wait"

	"github.com/zalando-incubator/rollover-controller/pkg/core"
)

// callRecorder keeps the order of leaf component calls across all fakes so
// tests can assert causal ordering.
type callRecorder struct {
	mu    sync.Mutex
	calls []string
}

func (r *callRecorder) record(call string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, call)
}

func (r *callRecorder) recorded() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

func (r *callRecorder) indexOf(call string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, c := range r.calls {
		if c == call {
			return i
		}
	}
	return -1
}

type scaleCall struct {
	slot     string
	replicas int32
}

type fakeEnvironments struct {
	recorder *callRecorder

	mu           sync.Mutex
	environments map[string]*core.Environment
	ensureErrs   []error
	scaleErrs    []error
	ensureCalls  int
	scaleCalls   []scaleCall
}

func newFakeEnvironments(recorder *callRecorder) *fakeEnvironments {
	return &fakeEnvironments{
		recorder:     recorder,
		environments: map[string]*core.Environment{},
	}
}

func (f *fakeEnvironments) Ensure(ctx context.Context, slot, imageRef string, replicas int32) (*core.Environment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.recorder.record("ensure:" + slot)
	f.ensureCalls++
	if len(f.ensureErrs) > 0 {
		err := f.ensureErrs[0]
		f.ensureErrs = f.ensureErrs[1:]
		if err != nil {
			return nil, err
		}
	}

	environment := &core.Environment{
		Name:            slot,
		ImageRef:        imageRef,
		DesiredReplicas: replicas,
		State:           core.EnvironmentStateDeploying,
	}
	f.environments[slot] = environment
	return environment, nil
}

func (f *fakeEnvironments) ScaleTo(ctx context.Context, slot string, replicas int32) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.recorder.record("scale:" + slot)
	f.scaleCalls = append(f.scaleCalls, scaleCall{slot: slot, replicas: replicas})
	if len(f.scaleErrs) > 0 {
		err := f.scaleErrs[0]
		f.scaleErrs = f.scaleErrs[1:]
		if err != nil {
			return err
		}
	}

	environment, ok := f.environments[slot]
	if !ok {
		environment = &core.Environment{Name: slot}
		f.environments[slot] = environment
	}
	environment.DesiredReplicas = replicas
	if replicas == 0 {
		environment.State = core.EnvironmentStateDrained
	}
	return nil
}

func (f *fakeEnvironments) Status(ctx context.Context, slot string) (*core.EnvironmentStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	environment, ok := f.environments[slot]
	if !ok {
		return nil, nil
	}
	return &core.EnvironmentStatus{
		Name:            slot,
		ImageRef:        environment.ImageRef,
		DesiredReplicas: environment.DesiredReplicas,
		ReadyReplicas:   environment.DesiredReplicas,
	}, nil
}

type fakeVerifier struct {
	recorder *callRecorder
	// outcome is returned immediately; when blockUntilCancel is set the
	// verifier waits for ctx instead, like a real polling loop would.
	outcome          error
	blockUntilCancel bool
	calls            int
}

func (f *fakeVerifier) AwaitHealthy(ctx context.Context, slot string, policy core.HealthCheckPolicy) error {
	f.recorder.record("await:" + slot)
	f.calls++
	if f.blockUntilCancel {
		<-ctx.Done()
		return core.NewCancelledError("health check of %s cancelled", slot)
	}
	return f.outcome
}

type fakeRouter struct {
	recorder *callRecorder

	mu         sync.Mutex
	state      core.RouterState
	switchErrs []error
	switches   int
	verifies   int
}

func newFakeRouter(recorder *callRecorder, backend string) *fakeRouter {
	return &fakeRouter{
		recorder: recorder,
		state:    core.RouterState{Backend: backend, Generation: 1},
	}
}

func (f *fakeRouter) State(ctx context.Context) (core.RouterState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recorder.record("state")
	return f.state, nil
}

func (f *fakeRouter) SwitchTo(ctx context.Context, slot string) (core.RouterState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.recorder.record("switch:" + slot)
	f.switches++
	if len(f.switchErrs) > 0 {
		err := f.switchErrs[0]
		f.switchErrs = f.switchErrs[1:]
		if err != nil {
			return core.RouterState{}, err
		}
	}

	f.state.Backend = slot
	f.state.Generation++
	return f.state, nil
}

func (f *fakeRouter) Verify(ctx context.Context, slot string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.recorder.record("verify:" + slot)
	f.verifies++
	return f.state.Backend == slot, nil
}

type fakeAutoscaler struct {
	recorder *callRecorder

	mu         sync.Mutex
	binding    core.AutoscalerBinding
	rebindErrs []error
	rebinds    int
}

func newFakeAutoscaler(recorder *callRecorder, target string) *fakeAutoscaler {
	return &fakeAutoscaler{
		recorder: recorder,
		binding:  core.AutoscalerBinding{Target: target, MinReplicas: 1, MaxReplicas: 10},
	}
}

func (f *fakeAutoscaler) Binding(ctx context.Context) (core.AutoscalerBinding, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.binding, nil
}

func (f *fakeAutoscaler) Rebind(ctx context.Context, slot string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.recorder.record("rebind:" + slot)
	f.rebinds++
	if len(f.rebindErrs) > 0 {
		err := f.rebindErrs[0]
		f.rebindErrs = f.rebindErrs[1:]
		if err != nil {
			return err
		}
	}

	f.binding.Target = slot
	return nil
}

// testFixture wires an orchestrator against fakes with fast backoffs.
type testFixture struct {
	recorder     *callRecorder
	environments *fakeEnvironments
	verifier     *fakeVerifier
	router       *fakeRouter
	autoscaler   *fakeAutoscaler
	orchestrator *Orchestrator
	transitions  []string
}

func newTestFixture(live string) *testFixture {
	recorder := &callRecorder{}
	fixture := &testFixture{
		recorder:     recorder,
		environments: newFakeEnvironments(recorder),
		verifier:     &fakeVerifier{recorder: recorder},
		router:       newFakeRouter(recorder, live),
		autoscaler:   newFakeAutoscaler(recorder, live),
	}

	fastBackoff := wait.Backoff{Duration: time.Millisecond, Factor: 2.0, Steps: 3}
	orchestrator, err := New(Options{
		Environments:  fixture.environments,
		Health:        fixture.verifier,
		Router:        fixture.router,
		Autoscaler:    fixture.autoscaler,
		DeployBackoff: &fastBackoff,
		SwitchBackoff: &fastBackoff,
		FinishBackoff: &fastBackoff,
		OnTransition: func(_ *core.RolloverRequest, from, to core.WorkflowState, _ core.Event, _ string) {
			if from != to {
				fixture.transitions = append(fixture.transitions, string(from)+">"+string(to))
			}
		},
	})
	if err != nil {
		panic(err)
	}
	fixture.orchestrator = orchestrator
	return fixture
}

func testRequest() core.RolloverRequest {
	return core.RolloverRequest{
		Application: "shop",
		Namespace:   "default",
		Target:      core.SlotGreen,
		ImageRef:    "registry.example.org/shop/api:v2",
		Replicas:    3,
		HealthCheck: core.HealthCheckPolicy{
			Timeout:          30 * time.Second,
			Interval:         time.Second,
			SuccessThreshold: 2,
		},
		DrainIncumbent: true,
	}
}
