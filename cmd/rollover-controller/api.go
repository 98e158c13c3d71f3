package main

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/heptiolabs/healthcheck"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"github.com/zalando-incubator/rollover-controller/controller"
	"github.com/zalando-incubator/rollover-controller/pkg/autoscaler"
	"github.com/zalando-incubator/rollover-controller/pkg/clientset"
	"github.com/zalando-incubator/rollover-controller/pkg/config"
	"github.com/zalando-incubator/rollover-controller/pkg/core"
	"github.com/zalando-incubator/rollover-controller/pkg/environment"
	"github.com/zalando-incubator/rollover-controller/pkg/probe"
	"github.com/zalando-incubator/rollover-controller/pkg/router"
	v1 "k8s.io/api/core/v1"
	kube_record "k8s.io/client-go/tools/record"
)

const (
	// maxPayloadBytes caps the size of a rollover request body.
	maxPayloadBytes = 64 * 1024

	shutdownTimeout    = 10 * time.Second
	readinessInterval  = 10 * time.Second
	goroutineThreshold = 512
)

// rolloverPayload is the wire form of a rollover request. Namespace, target,
// replicas and the health check overrides are optional; the daemon fills
// them from its flags, the target from the router state.
type rolloverPayload struct {
	Application   string                    `json:"application"`
	Namespace     string                    `json:"namespace,omitempty"`
	Target        string                    `json:"target,omitempty"`
	ImageRef      string                    `json:"imageRef"`
	Replicas      *int32                    `json:"replicas,omitempty"`
	KeepIncumbent bool                      `json:"keepIncumbent,omitempty"`
	HealthCheck   *config.HealthCheckConfig `json:"healthCheck,omitempty"`
}

type apiError struct {
	Message string `json:"message"`
}

type apiOptions struct {
	Client   clientset.Interface
	Recorder kube_record.EventRecorder
	Metrics  *core.MetricsReporter

	Namespace         string
	RouterBackend     string
	RouteGroupHosts   map[string][]string
	HealthDefaults    core.HealthCheckPolicy
	ProbeURLTemplate  string
	DefaultReplicas   int32
	AutoscalerMin     int32
	AutoscalerMax     int32
	DrainPollInterval time.Duration
	DrainGracePeriod  time.Duration
}

// apiServer exposes rollovers over HTTP. Rollovers mutate the router and
// both environment slots, so at most one may run at a time; the in-flight
// slot is a single-permit semaphore and further requests are turned away
// with 409 until the current run finished.
type apiServer struct {
	client   clientset.Interface
	recorder kube_record.EventRecorder
	metrics  *core.MetricsReporter

	namespace         string
	routerBackend     string
	routeGroupHosts   map[string][]string
	healthDefaults    core.HealthCheckPolicy
	probeURLTemplate  string
	defaultReplicas   int32
	autoscalerMin     int32
	autoscalerMax     int32
	drainPollInterval time.Duration
	drainGracePeriod  time.Duration

	inFlight chan struct{}
}

func newAPIServer(opts apiOptions) *apiServer {
	return &apiServer{
		client:            opts.Client,
		recorder:          opts.Recorder,
		metrics:           opts.Metrics,
		namespace:         opts.Namespace,
		routerBackend:     opts.RouterBackend,
		routeGroupHosts:   opts.RouteGroupHosts,
		healthDefaults:    opts.HealthDefaults,
		probeURLTemplate:  opts.ProbeURLTemplate,
		defaultReplicas:   opts.DefaultReplicas,
		autoscalerMin:     opts.AutoscalerMin,
		autoscalerMax:     opts.AutoscalerMax,
		drainPollInterval: opts.DrainPollInterval,
		drainGracePeriod:  opts.DrainGracePeriod,
		inFlight:          make(chan struct{}, 1),
	}
}

func (s *apiServer) routes() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/api/rollovers", s.postRollover).Methods(http.MethodPost)
	r.HandleFunc("/api/status", s.getStatus).Methods(http.MethodGet)

	health := healthcheck.NewHandler()
	health.AddLivenessCheck("goroutine-count", healthcheck.GoroutineCountCheck(goroutineThreshold))
	health.AddReadinessCheck("kubernetes-api", healthcheck.Async(s.kubernetesAPICheck(), readinessInterval))
	r.HandleFunc("/healthz", health.LiveEndpoint)
	r.HandleFunc("/readyz", health.ReadyEndpoint)

	r.Handle("/metrics", promhttp.Handler())
	return r
}

func (s *apiServer) kubernetesAPICheck() healthcheck.Check {
	return func() error {
		_, err := s.client.Discovery().ServerVersion()
		return err
	}
}

// serve blocks until the listener fails or ctx is cancelled, then shuts the
// server down gracefully.
func (s *apiServer) serve(ctx context.Context, address string) error {
	server := &http.Server{Addr: address, Handler: s.routes()}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Errorf("Failed to shut down rollover API cleanly: %v", err)
		}
	}()

	log.Infof("Serving rollover API on %s", address)
	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *apiServer) postRollover(w http.ResponseWriter, r *http.Request) {
	select {
	case s.inFlight <- struct{}{}:
		defer func() { <-s.inFlight }()
	default:
		writeError(w, http.StatusConflict, "a rollover is already in flight")
		return
	}

	var payload rolloverPayload
	if err := json.NewDecoder(io.LimitReader(r.Body, maxPayloadBytes)).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, errors.Wrap(err, "decoding rollover request").Error())
		return
	}

	request, err := s.buildRequest(r.Context(), payload)
	if err != nil {
		writeError(w, requestErrorStatus(err), err.Error())
		return
	}

	orchestrator, err := s.newOrchestrator(*request)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	log.Infof("Starting rollover of %s/%s: slot %s, image %s", request.Namespace, request.Application, request.Target, request.ImageRef)
	result := orchestrator.Run(r.Context(), *request)
	writeJSON(w, statusForResult(result), result)
}

func (s *apiServer) getStatus(w http.ResponseWriter, r *http.Request) {
	application := r.URL.Query().Get("application")
	if application == "" {
		writeError(w, http.StatusBadRequest, "query parameter application is required")
		return
	}
	namespace := r.URL.Query().Get("namespace")
	if namespace == "" {
		namespace = s.namespace
	}

	status, err := controller.CollectStatus(r.Context(), application, namespace,
		s.newEnvironmentManager(application, namespace),
		s.newSwitcher(application, namespace),
		s.newBinder(application, namespace))
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// buildRequest fills the request from the payload and the daemon defaults.
// A missing target resolves to the slot opposite the live backend.
func (s *apiServer) buildRequest(ctx context.Context, payload rolloverPayload) (*core.RolloverRequest, error) {
	namespace := payload.Namespace
	if namespace == "" {
		namespace = s.namespace
	}

	replicas := s.defaultReplicas
	if payload.Replicas != nil {
		replicas = *payload.Replicas
	}

	policy := s.healthDefaults
	if payload.HealthCheck != nil {
		var err error
		policy, err = payload.HealthCheck.Policy(policy)
		if err != nil {
			return nil, core.NewInvalidRequestError("%v", err)
		}
	}

	target := payload.Target
	if target == "" {
		var err error
		target, err = s.nextTarget(ctx, payload.Application, namespace)
		if err != nil {
			return nil, err
		}
	}

	return &core.RolloverRequest{
		Application:    payload.Application,
		Namespace:      namespace,
		Target:         target,
		ImageRef:       payload.ImageRef,
		Replicas:       replicas,
		HealthCheck:    policy,
		DrainIncumbent: !payload.KeepIncumbent,
	}, nil
}

// nextTarget picks the slot opposite the live backend, green when the router
// is not configured yet.
func (s *apiServer) nextTarget(ctx context.Context, application, namespace string) (string, error) {
	state, err := s.newSwitcher(application, namespace).State(ctx)
	if err != nil {
		return "", errors.Wrap(err, "reading router state to pick a target")
	}
	if other, err := core.OtherSlot(state.Backend); err == nil {
		return other, nil
	}
	return core.SlotGreen, nil
}

func (s *apiServer) newOrchestrator(request core.RolloverRequest) (*controller.Orchestrator, error) {
	verifier := probe.NewVerifier(probe.Options{
		Application:     request.Application,
		Namespace:       request.Namespace,
		ExpectedVersion: probe.VersionFromImageRef(request.ImageRef),
		URLTemplate:     s.probeURLTemplate,
	})

	return controller.New(controller.Options{
		Environments: s.newEnvironmentManager(request.Application, request.Namespace),
		Health:       verifier,
		Router:       s.newSwitcher(request.Application, request.Namespace),
		Autoscaler:   s.newBinder(request.Application, request.Namespace),
		Metrics:      s.metrics,
		OnTransition: s.recordTransition,
	})
}

func (s *apiServer) newEnvironmentManager(application, namespace string) *environment.Manager {
	return environment.NewManager(environment.Options{
		Client:            s.client,
		Recorder:          s.recorder,
		Application:       application,
		Namespace:         namespace,
		DrainPollInterval: s.drainPollInterval,
		DrainGracePeriod:  s.drainGracePeriod,
	})
}

func (s *apiServer) newSwitcher(application, namespace string) controller.TrafficSwitcher {
	if s.routerBackend == router.BackendRouteGroup {
		return router.NewRouteGroupSwitcher(router.RouteGroupSwitcherOptions{
			RouteGroups: s.client.RouteGroups(namespace),
			Application: application,
			Namespace:   namespace,
			Hosts:       s.routeGroupHosts[application],
		})
	}
	return router.NewServiceSwitcher(router.ServiceSwitcherOptions{
		Client:      s.client,
		Recorder:    s.recorder,
		Application: application,
		Namespace:   namespace,
	})
}

func (s *apiServer) newBinder(application, namespace string) *autoscaler.Binder {
	return autoscaler.NewBinder(autoscaler.Options{
		Client:      s.client,
		Recorder:    s.recorder,
		Application: application,
		Namespace:   namespace,
		MinReplicas: s.autoscalerMin,
		MaxReplicas: s.autoscalerMax,
	})
}

// recordTransition mirrors workflow transitions as events on the candidate
// deployment so `kubectl describe` shows rollover progress next to the
// workload.
func (s *apiServer) recordTransition(request *core.RolloverRequest, from, to core.WorkflowState, event core.Event, detail string) {
	if s.recorder == nil || from == to {
		return
	}
	ref := &v1.ObjectReference{
		Kind:       "Deployment",
		APIVersion: "apps/v1",
		Namespace:  request.Namespace,
		Name:       core.EnvironmentObjectName(request.Application, request.Target),
	}
	if to == core.WorkflowAborted {
		s.recorder.Eventf(ref, v1.EventTypeWarning, "RolloverAborted",
			"Rollover of %s aborted in %s: %s", request.Application, from, detail)
		return
	}
	s.recorder.Eventf(ref, v1.EventTypeNormal, "Rollover"+string(to),
		"Rollover of %s entered %s on %s", request.Application, to, event)
}

// statusForResult maps a finished rollover onto an HTTP status. The full
// result is always in the body.
func statusForResult(result core.RolloverResult) int {
	if result.State == core.WorkflowDone {
		return http.StatusOK
	}
	switch result.Reason {
	case core.ReasonInvalidRequest:
		return http.StatusBadRequest
	case core.ReasonConcurrentModification:
		return http.StatusConflict
	default:
		return http.StatusBadGateway
	}
}

// requestErrorStatus distinguishes malformed requests from failures to read
// the cluster while defaulting them.
func requestErrorStatus(err error) int {
	if core.IsTransientError(err) || core.IsCancelledError(err) {
		return http.StatusBadGateway
	}
	return http.StatusBadRequest
}

func writeJSON(w http.ResponseWriter, code int, body interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Errorf("Failed to encode API response: %v", err)
	}
}

func writeError(w http.ResponseWriter, code int, message string) {
	writeJSON(w, code, apiError{Message: message})
}
