// Package router points an application's traffic at exactly one environment
// slot. Every write is an optimistic swap: the writer presents the router
// generation it observed and the platform's resource version guards against
// concurrent writers. Two router backends exist, a plain service selector
// and a skipper RouteGroup.
package router

import (
	"context"
	"fmt"
	"strconv"

	log "github.com/sirupsen/logrus"
	v1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/intstr"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/tools/record"

	"github.com/zalando-incubator/rollover-controller/pkg/core"
)

// BackendService and BackendRouteGroup name the selectable router
// implementations.
const (
	BackendService    = "service"
	BackendRouteGroup = "routegroup"
)

const frontPortName = "http"

// ServiceSwitcherOptions configures a ServiceSwitcher for one application.
type ServiceSwitcherOptions struct {
	Client      kubernetes.Interface
	Recorder    record.EventRecorder
	Application string
	Namespace   string
	Logger      *log.Entry
}

// ServiceSwitcher switches traffic by repointing the selector of the
// application's front service at the target slot's pods. The front service
// is named after the application and created on the first switch.
type ServiceSwitcher struct {
	client      kubernetes.Interface
	recorder    record.EventRecorder
	application string
	namespace   string
	logger      *log.Entry
}

func NewServiceSwitcher(opts ServiceSwitcherOptions) *ServiceSwitcher {
	logger := opts.Logger
	if logger == nil {
		logger = log.WithFields(log.Fields{
			"component":   "router",
			"application": opts.Application,
			"namespace":   opts.Namespace,
		})
	}
	return &ServiceSwitcher{
		client:      opts.Client,
		recorder:    opts.Recorder,
		application: opts.Application,
		namespace:   opts.Namespace,
		logger:      logger,
	}
}

// State reads which slot the front service currently selects. A missing
// front service means no environment went live yet and yields a zero state.
func (s *ServiceSwitcher) State(ctx context.Context) (core.RouterState, error) {
	service, err := s.client.CoreV1().Services(s.namespace).Get(ctx, s.application, metav1.GetOptions{})
	if err != nil {
		if apierrors.IsNotFound(err) {
			return core.RouterState{}, nil
		}
		return core.RouterState{}, classifyRouterError("get front service", err)
	}
	return core.RouterState{
		Backend:    service.Spec.Selector[core.EnvironmentLabelKey],
		Generation: generationFrom(service.Annotations),
	}, nil
}

// SwitchTo atomically points the front service at the slot. The update
// carries the resource version of the read and bumps the router generation;
// a concurrent writer surfaces as a concurrent modification error and the
// caller decides whether to retry.
func (s *ServiceSwitcher) SwitchTo(ctx context.Context, slot string) (core.RouterState, error) {
	existing, err := s.client.CoreV1().Services(s.namespace).Get(ctx, s.application, metav1.GetOptions{})
	if err != nil {
		if !apierrors.IsNotFound(err) {
			return core.RouterState{}, classifyRouterError("get front service", err)
		}
		return s.createFrontService(ctx, slot)
	}

	observed := generationFrom(existing.Annotations)
	if existing.Spec.Selector[core.EnvironmentLabelKey] == slot {
		return core.RouterState{Backend: slot, Generation: observed}, nil
	}

	updated := existing.DeepCopy()
	updated.Spec.Selector = s.frontSelector(slot)
	if updated.Annotations == nil {
		updated.Annotations = map[string]string{}
	}
	updated.Annotations[core.RouterGenerationAnnotationKey] = fmt.Sprintf("%d", observed+1)

	_, err = s.client.CoreV1().Services(s.namespace).Update(ctx, updated, metav1.UpdateOptions{})
	if err != nil {
		return core.RouterState{}, classifyRouterError(fmt.Sprintf("switch front service at generation %d", observed), err)
	}

	s.recorder.Eventf(updated,
		v1.EventTypeNormal,
		"SwitchedTraffic",
		"Switched traffic of %s/%s to environment %s (generation %d)",
		s.namespace, s.application, slot, observed+1)
	return core.RouterState{Backend: slot, Generation: observed + 1}, nil
}

// Verify re-reads the front service and reports whether it selects the slot.
func (s *ServiceSwitcher) Verify(ctx context.Context, slot string) (bool, error) {
	state, err := s.State(ctx)
	if err != nil {
		return false, err
	}
	return state.Backend == slot, nil
}

func (s *ServiceSwitcher) createFrontService(ctx context.Context, slot string) (core.RouterState, error) {
	service := &v1.Service{
		ObjectMeta: metav1.ObjectMeta{
			Name:      s.application,
			Namespace: s.namespace,
			Labels: map[string]string{
				core.ApplicationLabelKey: s.application,
			},
			Annotations: map[string]string{
				core.RouterGenerationAnnotationKey: "1",
				core.ControllerAnnotationKey:       "true",
			},
		},
		TypeMeta: metav1.TypeMeta{
			Kind:       "Service",
			APIVersion: "v1",
		},
		Spec: v1.ServiceSpec{
			Selector: s.frontSelector(slot),
			Type:     v1.ServiceTypeClusterIP,
			Ports: []v1.ServicePort{
				{
					Name:       frontPortName,
					Protocol:   v1.ProtocolTCP,
					Port:       80,
					TargetPort: intstr.FromString(frontPortName),
				},
			},
		},
	}

	_, err := s.client.CoreV1().Services(s.namespace).Create(ctx, service, metav1.CreateOptions{})
	if err != nil {
		return core.RouterState{}, classifyRouterError("create front service", err)
	}

	s.recorder.Eventf(service,
		v1.EventTypeNormal,
		"CreatedFrontService",
		"Created front Service %s/%s pointing at environment %s",
		s.namespace, s.application, slot)
	return core.RouterState{Backend: slot, Generation: 1}, nil
}

func (s *ServiceSwitcher) frontSelector(slot string) map[string]string {
	return map[string]string{
		core.ApplicationLabelKey: s.application,
		core.EnvironmentLabelKey: slot,
	}
}

// generationFrom decodes the router generation annotation, zero when absent
// or unparseable.
func generationFrom(annotations map[string]string) int64 {
	encoded := annotations[core.RouterGenerationAnnotationKey]
	decoded, err := strconv.ParseInt(encoded, 10, 64)
	if err != nil {
		return 0
	}
	return decoded
}

// classifyRouterError maps API server failures onto the rollover error
// kinds. Conflicting writes, including losing a create race, surface as
// concurrent modifications so the orchestrator can re-read and decide.
func classifyRouterError(action string, err error) error {
	switch {
	case apierrors.IsConflict(err), apierrors.IsAlreadyExists(err):
		return core.NewConcurrentModificationError("%s: %v", action, err)
	case apierrors.IsInvalid(err), apierrors.IsBadRequest(err):
		return core.NewInvalidRequestError("%s: %v", action, err)
	default:
		return core.NewTransientError("%s: %v", action, err)
	}
}
