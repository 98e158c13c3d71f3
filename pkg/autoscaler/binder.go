// Package autoscaler rebinds an application's horizontal pod autoscaler to
// the environment that went live. Rebinding happens strictly after a
// verified traffic switch, so a scaling policy never follows a candidate
// that did not make it.
package autoscaler

import (
	"context"
	"strings"

	log "github.com/sirupsen/logrus"
	v2 "k8s.io/api/autoscaling/v2"
	v1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/tools/record"

	"github.com/zalando-incubator/rollover-controller/pkg/core"
)

const defaultCPUUtilization = 80

// Options configures a Binder for one application.
type Options struct {
	Client      kubernetes.Interface
	Recorder    record.EventRecorder
	Application string
	Namespace   string
	// MinReplicas and MaxReplicas bound the autoscaler when the binder has
	// to create it. MaxReplicas zero means the application is not
	// autoscaled and rebinding is a no-op.
	MinReplicas int32
	MaxReplicas int32
	// TargetCPUUtilization is the average CPU percentage a created
	// autoscaler aims for, 80 when zero.
	TargetCPUUtilization int32
	Logger               *log.Entry
}

// Binder points the application's HPA at an environment's deployment. The
// HPA is named after the application, one per application, shared by both
// slots.
type Binder struct {
	client         kubernetes.Interface
	recorder       record.EventRecorder
	application    string
	namespace      string
	minReplicas    int32
	maxReplicas    int32
	cpuUtilization int32
	logger         *log.Entry
}

func NewBinder(opts Options) *Binder {
	cpuUtilization := opts.TargetCPUUtilization
	if cpuUtilization == 0 {
		cpuUtilization = defaultCPUUtilization
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.WithFields(log.Fields{
			"component":   "autoscaler",
			"application": opts.Application,
			"namespace":   opts.Namespace,
		})
	}
	return &Binder{
		client:         opts.Client,
		recorder:       opts.Recorder,
		application:    opts.Application,
		namespace:      opts.Namespace,
		minReplicas:    opts.MinReplicas,
		maxReplicas:    opts.MaxReplicas,
		cpuUtilization: cpuUtilization,
		logger:         logger,
	}
}

// Binding reports which environment the autoscaler currently targets. An
// application without an HPA yields a zero binding.
func (b *Binder) Binding(ctx context.Context) (core.AutoscalerBinding, error) {
	hpa, err := b.client.AutoscalingV2().HorizontalPodAutoscalers(b.namespace).Get(ctx, b.application, metav1.GetOptions{})
	if err != nil {
		if apierrors.IsNotFound(err) {
			return core.AutoscalerBinding{}, nil
		}
		return core.AutoscalerBinding{}, classifyAutoscalerError("get autoscaler", err)
	}

	binding := core.AutoscalerBinding{
		Target:      b.slotFromTarget(hpa.Spec.ScaleTargetRef.Name),
		MaxReplicas: hpa.Spec.MaxReplicas,
	}
	if hpa.Spec.MinReplicas != nil {
		binding.MinReplicas = *hpa.Spec.MinReplicas
	}
	return binding, nil
}

// Rebind points the autoscaler at the slot's deployment. Rebinding to the
// slot it already targets touches nothing. When the application has no HPA
// yet, one is created if replica bounds are configured, otherwise the call
// is a no-op.
func (b *Binder) Rebind(ctx context.Context, slot string) error {
	target := core.EnvironmentObjectName(b.application, slot)

	existing, err := b.client.AutoscalingV2().HorizontalPodAutoscalers(b.namespace).Get(ctx, b.application, metav1.GetOptions{})
	if err != nil {
		if !apierrors.IsNotFound(err) {
			return classifyAutoscalerError("get autoscaler", err)
		}
		if b.maxReplicas == 0 {
			b.logger.Infof("Application %s has no autoscaler, skipping rebind", b.application)
			return nil
		}
		return b.createAutoscaler(ctx, slot)
	}

	if existing.Spec.ScaleTargetRef.Name == target {
		return nil
	}

	updated := existing.DeepCopy()
	updated.Spec.ScaleTargetRef = v2.CrossVersionObjectReference{
		APIVersion: "apps/v1",
		Kind:       "Deployment",
		Name:       target,
	}

	_, err = b.client.AutoscalingV2().HorizontalPodAutoscalers(b.namespace).Update(ctx, updated, metav1.UpdateOptions{})
	if err != nil {
		b.recorder.Eventf(existing,
			v1.EventTypeWarning,
			"RebindAutoscaler",
			"Failed to rebind HPA %s/%s to %s: %v", b.namespace, b.application, target, err)
		return classifyAutoscalerError("rebind autoscaler", err)
	}

	b.recorder.Eventf(updated,
		v1.EventTypeNormal,
		"ReboundAutoscaler",
		"Rebound HPA %s/%s to Deployment %s", b.namespace, b.application, target)
	return nil
}

func (b *Binder) createAutoscaler(ctx context.Context, slot string) error {
	hpa := b.newAutoscaler(slot)
	_, err := b.client.AutoscalingV2().HorizontalPodAutoscalers(b.namespace).Create(ctx, hpa, metav1.CreateOptions{})
	if err != nil {
		return classifyAutoscalerError("create autoscaler", err)
	}
	b.recorder.Eventf(hpa,
		v1.EventTypeNormal,
		"CreatedHPA",
		"Created HPA %s/%s targeting Deployment %s", b.namespace, b.application, hpa.Spec.ScaleTargetRef.Name)
	return nil
}

func (b *Binder) newAutoscaler(slot string) *v2.HorizontalPodAutoscaler {
	minReplicas := b.minReplicas
	cpuUtilization := b.cpuUtilization
	return &v2.HorizontalPodAutoscaler{
		ObjectMeta: metav1.ObjectMeta{
			Name:      b.application,
			Namespace: b.namespace,
			Labels: map[string]string{
				core.ApplicationLabelKey: b.application,
			},
			Annotations: map[string]string{
				core.ControllerAnnotationKey: "true",
			},
		},
		TypeMeta: metav1.TypeMeta{
			Kind:       "HorizontalPodAutoscaler",
			APIVersion: "autoscaling/v2",
		},
		Spec: v2.HorizontalPodAutoscalerSpec{
			ScaleTargetRef: v2.CrossVersionObjectReference{
				APIVersion: "apps/v1",
				Kind:       "Deployment",
				Name:       core.EnvironmentObjectName(b.application, slot),
			},
			MinReplicas: &minReplicas,
			MaxReplicas: b.maxReplicas,
			Metrics: []v2.MetricSpec{
				{
					Type: v2.ResourceMetricSourceType,
					Resource: &v2.ResourceMetricSource{
						Name: v1.ResourceCPU,
						Target: v2.MetricTarget{
							Type:               v2.UtilizationMetricType,
							AverageUtilization: &cpuUtilization,
						},
					},
				},
			},
		},
	}
}

// slotFromTarget recovers the slot name from a scale target named
// <application>-<slot>. Foreign targets are reported as-is.
func (b *Binder) slotFromTarget(target string) string {
	return strings.TrimPrefix(target, b.application+"-")
}

func classifyAutoscalerError(action string, err error) error {
	switch {
	case apierrors.IsInvalid(err), apierrors.IsBadRequest(err):
		return core.NewInvalidRequestError("%s: %v", action, err)
	default:
		return core.NewTransientError("%s: %v", action, err)
	}
}
