package router

import (
	"context"
	"fmt"

	log "github.com/sirupsen/logrus"
	rgv1 "github.com/szuecs/routegroup-client/apis/zalando.org/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/client-go/dynamic"

	"github.com/zalando-incubator/rollover-controller/pkg/core"
)

// RouteGroupGVR locates skipper route groups for the dynamic client.
var RouteGroupGVR = schema.GroupVersionResource{
	Group:    "zalando.org",
	Version:  "v1",
	Resource: "routegroups",
}

// RouteGroupSwitcherOptions configures a RouteGroupSwitcher for one
// application.
type RouteGroupSwitcherOptions struct {
	// RouteGroups is the dynamic client scoped to the application's
	// namespace.
	RouteGroups dynamic.ResourceInterface
	Application string
	Namespace   string
	// Hosts the route group serves. Empty is valid for cluster-internal
	// routing setups.
	Hosts []string
	// ServicePort of the environment services, 80 when zero.
	ServicePort int
	Logger      *log.Entry
}

// RouteGroupSwitcher switches traffic through a skipper RouteGroup named
// after the application. Both slots are declared as backends, the default
// backend carries 100% of the weight, so a switch is a single atomic write
// of the default backend reference.
type RouteGroupSwitcher struct {
	routegroups dynamic.ResourceInterface
	application string
	namespace   string
	hosts       []string
	servicePort int
	logger      *log.Entry
}

func NewRouteGroupSwitcher(opts RouteGroupSwitcherOptions) *RouteGroupSwitcher {
	servicePort := opts.ServicePort
	if servicePort == 0 {
		servicePort = 80
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.WithFields(log.Fields{
			"component":   "router",
			"application": opts.Application,
			"namespace":   opts.Namespace,
		})
	}
	return &RouteGroupSwitcher{
		routegroups: opts.RouteGroups,
		application: opts.Application,
		namespace:   opts.Namespace,
		hosts:       opts.Hosts,
		servicePort: servicePort,
		logger:      logger,
	}
}

// State reads which slot currently holds the default backend. A missing
// route group yields a zero state.
func (s *RouteGroupSwitcher) State(ctx context.Context) (core.RouterState, error) {
	routeGroup, err := s.get(ctx)
	if err != nil {
		return core.RouterState{}, err
	}
	if routeGroup == nil {
		return core.RouterState{}, nil
	}
	return core.RouterState{
		Backend:    activeBackend(routeGroup),
		Generation: generationFrom(routeGroup.Annotations),
	}, nil
}

// SwitchTo points the default backend at the slot, bumping the router
// generation. The first switch creates the route group.
func (s *RouteGroupSwitcher) SwitchTo(ctx context.Context, slot string) (core.RouterState, error) {
	existing, err := s.get(ctx)
	if err != nil {
		return core.RouterState{}, err
	}

	if existing == nil {
		routeGroup := s.newRouteGroup(slot, 1)
		object, err := routeGroupToUnstructured(routeGroup)
		if err != nil {
			return core.RouterState{}, core.NewInvalidRequestError("encode route group: %v", err)
		}
		if _, err := s.routegroups.Create(ctx, object, metav1.CreateOptions{}); err != nil {
			return core.RouterState{}, classifyRouterError("create route group", err)
		}
		s.logger.Infof("Created RouteGroup %s/%s pointing at environment %s", s.namespace, s.application, slot)
		return core.RouterState{Backend: slot, Generation: 1}, nil
	}

	observed := generationFrom(existing.Annotations)
	if activeBackend(existing) == slot {
		return core.RouterState{Backend: slot, Generation: observed}, nil
	}

	existing.Spec.Backends = s.slotBackends()
	existing.Spec.DefaultBackends = []rgv1.RouteGroupBackendReference{
		{BackendName: slot, Weight: 100},
	}
	if existing.Annotations == nil {
		existing.Annotations = map[string]string{}
	}
	existing.Annotations[core.RouterGenerationAnnotationKey] = fmt.Sprintf("%d", observed+1)

	object, err := routeGroupToUnstructured(existing)
	if err != nil {
		return core.RouterState{}, core.NewInvalidRequestError("encode route group: %v", err)
	}
	if _, err := s.routegroups.Update(ctx, object, metav1.UpdateOptions{}); err != nil {
		return core.RouterState{}, classifyRouterError(fmt.Sprintf("switch route group at generation %d", observed), err)
	}

	s.logger.Infof("Switched RouteGroup %s/%s to environment %s (generation %d)", s.namespace, s.application, slot, observed+1)
	return core.RouterState{Backend: slot, Generation: observed + 1}, nil
}

// Verify re-reads the route group and reports whether the default backend
// is the slot.
func (s *RouteGroupSwitcher) Verify(ctx context.Context, slot string) (bool, error) {
	state, err := s.State(ctx)
	if err != nil {
		return false, err
	}
	return state.Backend == slot, nil
}

// get returns the application's route group, nil when it does not exist.
func (s *RouteGroupSwitcher) get(ctx context.Context) (*rgv1.RouteGroup, error) {
	object, err := s.routegroups.Get(ctx, s.application, metav1.GetOptions{})
	if err != nil {
		if apierrors.IsNotFound(err) {
			return nil, nil
		}
		return nil, classifyRouterError("get route group", err)
	}
	routeGroup, err := routeGroupFromUnstructured(object)
	if err != nil {
		return nil, core.NewInvalidRequestError("decode route group: %v", err)
	}
	return routeGroup, nil
}

func (s *RouteGroupSwitcher) newRouteGroup(slot string, generation int64) *rgv1.RouteGroup {
	return &rgv1.RouteGroup{
		// set TypeMeta manually because of this bug:
		// https://github.com/kubernetes/client-go/issues/308
		TypeMeta: metav1.TypeMeta{
			Kind:       "RouteGroup",
			APIVersion: "zalando.org/v1",
		},
		ObjectMeta: metav1.ObjectMeta{
			Name:      s.application,
			Namespace: s.namespace,
			Labels: map[string]string{
				core.ApplicationLabelKey: s.application,
			},
			Annotations: map[string]string{
				core.RouterGenerationAnnotationKey: fmt.Sprintf("%d", generation),
				core.ControllerAnnotationKey:       "true",
			},
		},
		Spec: rgv1.RouteGroupSpec{
			Hosts:    s.hosts,
			Backends: s.slotBackends(),
			DefaultBackends: []rgv1.RouteGroupBackendReference{
				{BackendName: slot, Weight: 100},
			},
		},
	}
}

// slotBackends declares both slots so that a switch only ever rewrites the
// default backend reference.
func (s *RouteGroupSwitcher) slotBackends() []rgv1.RouteGroupBackend {
	backends := make([]rgv1.RouteGroupBackend, 0, 2)
	for _, slot := range []string{core.SlotBlue, core.SlotGreen} {
		backends = append(backends, rgv1.RouteGroupBackend{
			Name:        slot,
			Type:        rgv1.ServiceRouteGroupBackend,
			ServiceName: core.EnvironmentObjectName(s.application, slot),
			ServicePort: s.servicePort,
		})
	}
	return backends
}

// activeBackend returns the default backend holding the most weight.
func activeBackend(routeGroup *rgv1.RouteGroup) string {
	backend := ""
	weight := -1
	for _, reference := range routeGroup.Spec.DefaultBackends {
		if reference.Weight > weight {
			backend = reference.BackendName
			weight = reference.Weight
		}
	}
	return backend
}

func routeGroupToUnstructured(routeGroup *rgv1.RouteGroup) (*unstructured.Unstructured, error) {
	object, err := runtime.DefaultUnstructuredConverter.ToUnstructured(routeGroup)
	if err != nil {
		return nil, err
	}
	return &unstructured.Unstructured{Object: object}, nil
}

func routeGroupFromUnstructured(object *unstructured.Unstructured) (*rgv1.RouteGroup, error) {
	var routeGroup rgv1.RouteGroup
	if err := runtime.DefaultUnstructuredConverter.FromUnstructured(object.Object, &routeGroup); err != nil {
		return nil, err
	}
	return &routeGroup, nil
}
