// Package environment manages the deployments and services backing the two
// slots of an application. Objects are named <application>-<slot> and carry
// the application and environment labels that the router selects on.
package environment

import (
	"context"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	log "github.com/sirupsen/logrus"
	appsv1 "k8s.io/api/apps/v1"
	v1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/equality"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/intstr"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/tools/record"

	"github.com/zalando-incubator/rollover-controller/pkg/core"
	"github.com/zalando-incubator/rollover-controller/pkg/probe"
)

const (
	httpPortName      = "http"
	defaultHTTPPort   = 8080
	defaultDrainPoll  = 5 * time.Second
	defaultDrainGrace = 5 * time.Minute

	// Injected into every environment pod so that the health endpoint can
	// report the identity the probe expects.
	applicationEnvVar = "APPLICATION"
	versionEnvVar     = "VERSION"
)

// Options configures a Manager for one application.
type Options struct {
	Client      kubernetes.Interface
	Recorder    record.EventRecorder
	Application string
	Namespace   string
	// ContainerPort the application serves HTTP on, 8080 when zero.
	ContainerPort int32
	// DrainPollInterval and DrainGracePeriod bound how long ScaleTo(0)
	// waits for the last ready replica to terminate.
	DrainPollInterval time.Duration
	DrainGracePeriod  time.Duration
	Logger            *log.Entry
}

// Manager creates, updates and scales the environment slots of a single
// application. All operations are idempotent: ensuring an environment that
// already matches the requested spec touches nothing.
type Manager struct {
	client        kubernetes.Interface
	recorder      record.EventRecorder
	application   string
	namespace     string
	containerPort int32
	drainPoll     time.Duration
	drainGrace    time.Duration
	logger        *log.Entry
}

func NewManager(opts Options) *Manager {
	containerPort := opts.ContainerPort
	if containerPort == 0 {
		containerPort = defaultHTTPPort
	}
	drainPoll := opts.DrainPollInterval
	if drainPoll == 0 {
		drainPoll = defaultDrainPoll
	}
	drainGrace := opts.DrainGracePeriod
	if drainGrace == 0 {
		drainGrace = defaultDrainGrace
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.WithFields(log.Fields{
			"component":   "environment",
			"application": opts.Application,
			"namespace":   opts.Namespace,
		})
	}
	return &Manager{
		client:        opts.Client,
		recorder:      opts.Recorder,
		application:   opts.Application,
		namespace:     opts.Namespace,
		containerPort: containerPort,
		drainPoll:     drainPoll,
		drainGrace:    drainGrace,
		logger:        logger,
	}
}

// Ensure brings the slot's deployment and service to the requested image and
// replica count, creating them when absent. It returns once the API server
// accepted the objects; it does not wait for replicas to become ready, that
// is the health verifier's job.
func (m *Manager) Ensure(ctx context.Context, slot, imageRef string, replicas int32) (*core.Environment, error) {
	if err := m.ensureDeployment(ctx, slot, imageRef, replicas); err != nil {
		return nil, err
	}
	if err := m.ensureService(ctx, slot); err != nil {
		return nil, err
	}
	return &core.Environment{
		Name:            slot,
		ImageRef:        imageRef,
		DesiredReplicas: replicas,
		State:           core.EnvironmentStateDeploying,
	}, nil
}

func (m *Manager) ensureDeployment(ctx context.Context, slot, imageRef string, replicas int32) error {
	desired := m.newDeployment(slot, imageRef, replicas)

	existing, err := m.client.AppsV1().Deployments(m.namespace).Get(ctx, desired.Name, metav1.GetOptions{})
	if err != nil {
		if !apierrors.IsNotFound(err) {
			return classifyPlatformError("get deployment", err)
		}
		existing = nil
	}

	if existing == nil {
		_, err := m.client.AppsV1().Deployments(m.namespace).Create(ctx, desired, metav1.CreateOptions{})
		if err != nil {
			return classifyPlatformError("create deployment", err)
		}
		m.recorder.Eventf(desired,
			v1.EventTypeNormal,
			"CreatedDeployment",
			"Created Deployment %s/%s with image %s and %d replica(s)",
			desired.Namespace, desired.Name, imageRef, replicas)
		return nil
	}

	// The selector is immutable, everything else follows the desired spec.
	updated := existing.DeepCopy()
	updated.Labels = desired.Labels
	updated.Spec.Replicas = desired.Spec.Replicas
	updated.Spec.Template = desired.Spec.Template

	if equality.Semantic.DeepEqual(existing, updated) {
		return nil
	}

	m.logger.Debugf("Deployment %s/%s changed: %s", updated.Namespace, updated.Name,
		cmp.Diff(existing, updated, cmpopts.IgnoreUnexported(resource.Quantity{})))

	_, err = m.client.AppsV1().Deployments(m.namespace).Update(ctx, updated, metav1.UpdateOptions{})
	if err != nil {
		m.recorder.Eventf(existing,
			v1.EventTypeWarning,
			"UpdateDeployment",
			"Failed to update Deployment %s/%s: %v", updated.Namespace, updated.Name, err)
		return classifyPlatformError("update deployment", err)
	}
	m.recorder.Eventf(updated,
		v1.EventTypeNormal,
		"UpdatedDeployment",
		"Updated Deployment %s/%s to image %s and %d replica(s)",
		updated.Namespace, updated.Name, imageRef, replicas)
	return nil
}

func (m *Manager) ensureService(ctx context.Context, slot string) error {
	desired := m.newService(slot)

	existing, err := m.client.CoreV1().Services(m.namespace).Get(ctx, desired.Name, metav1.GetOptions{})
	if err != nil {
		if !apierrors.IsNotFound(err) {
			return classifyPlatformError("get service", err)
		}
		existing = nil
	}

	if existing == nil {
		_, err := m.client.CoreV1().Services(m.namespace).Create(ctx, desired, metav1.CreateOptions{})
		if err != nil {
			return classifyPlatformError("create service", err)
		}
		m.recorder.Eventf(desired,
			v1.EventTypeNormal,
			"CreatedService",
			"Created Service %s/%s", desired.Namespace, desired.Name)
		return nil
	}

	// Keep the allocated cluster IP, reconcile the rest.
	updated := existing.DeepCopy()
	updated.Labels = desired.Labels
	updated.Spec.Selector = desired.Spec.Selector
	updated.Spec.Ports = desired.Spec.Ports

	if equality.Semantic.DeepEqual(existing, updated) {
		return nil
	}

	m.logger.Debugf("Service %s/%s changed: %s", updated.Namespace, updated.Name, cmp.Diff(existing, updated))

	_, err = m.client.CoreV1().Services(m.namespace).Update(ctx, updated, metav1.UpdateOptions{})
	if err != nil {
		m.recorder.Eventf(existing,
			v1.EventTypeWarning,
			"UpdateService",
			"Failed to update Service %s/%s: %v", updated.Namespace, updated.Name, err)
		return classifyPlatformError("update service", err)
	}
	m.recorder.Eventf(updated,
		v1.EventTypeNormal,
		"UpdatedService",
		"Updated Service %s/%s", updated.Namespace, updated.Name)
	return nil
}

// ScaleTo adjusts the slot's replica count. Scaling to zero drains the
// environment: the call only returns once no replica is ready anymore, so a
// successful drain means the old version no longer serves any request.
// Scaling a slot that has no deployment is a no-op.
func (m *Manager) ScaleTo(ctx context.Context, slot string, replicas int32) error {
	name := core.EnvironmentObjectName(m.application, slot)

	deployment, err := m.client.AppsV1().Deployments(m.namespace).Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		if apierrors.IsNotFound(err) {
			m.logger.Infof("Deployment %s/%s not found, nothing to scale", m.namespace, name)
			return nil
		}
		return classifyPlatformError("get deployment", err)
	}

	if deployment.Spec.Replicas == nil || *deployment.Spec.Replicas != replicas {
		updated := deployment.DeepCopy()
		updated.Spec.Replicas = &replicas
		_, err := m.client.AppsV1().Deployments(m.namespace).Update(ctx, updated, metav1.UpdateOptions{})
		if err != nil {
			m.recorder.Eventf(deployment,
				v1.EventTypeWarning,
				"ScaleDeployment",
				"Failed to scale Deployment %s/%s to %d replica(s): %v", m.namespace, name, replicas, err)
			return classifyPlatformError("scale deployment", err)
		}
		m.recorder.Eventf(updated,
			v1.EventTypeNormal,
			"ScaledDeployment",
			"Scaled Deployment %s/%s to %d replica(s)", m.namespace, name, replicas)
	}

	if replicas > 0 {
		return nil
	}
	return m.awaitDrained(ctx, name)
}

func (m *Manager) awaitDrained(ctx context.Context, name string) error {
	err := wait.PollImmediate(m.drainPoll, m.drainGrace, func() (bool, error) {
		if ctx.Err() != nil {
			return false, core.NewCancelledError("draining %s/%s cancelled", m.namespace, name)
		}
		current, err := m.client.AppsV1().Deployments(m.namespace).Get(ctx, name, metav1.GetOptions{})
		if err != nil {
			if apierrors.IsNotFound(err) {
				return true, nil
			}
			m.logger.Warnf("Failed to check drain progress of %s/%s: %v", m.namespace, name, err)
			return false, nil
		}
		return current.Status.ReadyReplicas == 0, nil
	})
	if err != nil {
		if core.IsCancelledError(err) {
			return err
		}
		return core.NewTransientError("deployment %s/%s still has ready replicas after %v", m.namespace, name, m.drainGrace)
	}
	return nil
}

// Status reports the platform's view of the slot. An unconfigured slot, one
// whose deployment does not exist, yields a nil status and no error.
func (m *Manager) Status(ctx context.Context, slot string) (*core.EnvironmentStatus, error) {
	name := core.EnvironmentObjectName(m.application, slot)

	deployment, err := m.client.AppsV1().Deployments(m.namespace).Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		if apierrors.IsNotFound(err) {
			return nil, nil
		}
		return nil, classifyPlatformError("get deployment", err)
	}

	status := &core.EnvironmentStatus{
		Name:          slot,
		ReadyReplicas: deployment.Status.ReadyReplicas,
	}
	if deployment.Spec.Replicas != nil {
		status.DesiredReplicas = *deployment.Spec.Replicas
	}
	if containers := deployment.Spec.Template.Spec.Containers; len(containers) > 0 {
		status.ImageRef = containers[0].Image
	}
	return status, nil
}

func (m *Manager) environmentLabels(slot string) map[string]string {
	return map[string]string{
		core.ApplicationLabelKey: m.application,
		core.EnvironmentLabelKey: slot,
	}
}

func (m *Manager) newDeployment(slot, imageRef string, replicas int32) *appsv1.Deployment {
	labels := m.environmentLabels(slot)
	return &appsv1.Deployment{
		ObjectMeta: metav1.ObjectMeta{
			Name:      core.EnvironmentObjectName(m.application, slot),
			Namespace: m.namespace,
			Labels:    labels,
			Annotations: map[string]string{
				core.ControllerAnnotationKey: "true",
			},
		},
		// set TypeMeta manually because of this bug:
		// https://github.com/kubernetes/client-go/issues/308
		TypeMeta: metav1.TypeMeta{
			Kind:       "Deployment",
			APIVersion: "apps/v1",
		},
		Spec: appsv1.DeploymentSpec{
			Replicas: &replicas,
			Selector: &metav1.LabelSelector{
				MatchLabels: labels,
			},
			Template: v1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{
					Labels: labels,
				},
				Spec: v1.PodSpec{
					Containers: []v1.Container{
						{
							Name:  m.application,
							Image: imageRef,
							Ports: []v1.ContainerPort{
								{
									Name:          httpPortName,
									ContainerPort: m.containerPort,
								},
							},
							Env: []v1.EnvVar{
								{Name: applicationEnvVar, Value: m.application},
								{Name: versionEnvVar, Value: probe.VersionFromImageRef(imageRef)},
							},
						},
					},
				},
			},
		},
	}
}

func (m *Manager) newService(slot string) *v1.Service {
	labels := m.environmentLabels(slot)
	return &v1.Service{
		ObjectMeta: metav1.ObjectMeta{
			Name:      core.EnvironmentObjectName(m.application, slot),
			Namespace: m.namespace,
			Labels:    labels,
			Annotations: map[string]string{
				core.ControllerAnnotationKey: "true",
			},
		},
		TypeMeta: metav1.TypeMeta{
			Kind:       "Service",
			APIVersion: "v1",
		},
		Spec: v1.ServiceSpec{
			Selector: labels,
			Type:     v1.ServiceTypeClusterIP,
			Ports: []v1.ServicePort{
				{
					Name:       httpPortName,
					Protocol:   v1.ProtocolTCP,
					Port:       80,
					TargetPort: intstr.FromString(httpPortName),
				},
			},
		},
	}
}

// classifyPlatformError maps API server failures onto the rollover error
// kinds. Rejected specs are permanent, everything else is worth a retry.
func classifyPlatformError(action string, err error) error {
	switch {
	case apierrors.IsInvalid(err), apierrors.IsBadRequest(err):
		return core.NewInvalidRequestError("%s: %v", action, err)
	default:
		return core.NewTransientError("%s: %v", action, err)
	}
}
