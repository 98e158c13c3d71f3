package main

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/zalando-incubator/rollover-controller/controller"
	"github.com/zalando-incubator/rollover-controller/pkg/autoscaler"
	"github.com/zalando-incubator/rollover-controller/pkg/core"
	"github.com/zalando-incubator/rollover-controller/pkg/environment"
	"github.com/zalando-incubator/rollover-controller/pkg/probe"
	"github.com/zalando-incubator/rollover-controller/pkg/recorder"
	"github.com/zalando-incubator/rollover-controller/pkg/router"
	apiErrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

// e2eHealthCheck leaves room for image pulls and container startup but keeps
// broken-candidate tests from eating the whole suite budget.
var e2eHealthCheck = core.HealthCheckPolicy{
	Timeout:          2 * time.Minute,
	Interval:         5 * time.Second,
	SuccessThreshold: 2,
}

type awaiter struct {
	t           *testing.T
	description string
	timeout     time.Duration
	poll        func() (retry bool, err error)
}

func newAwaiter(t *testing.T, description string) *awaiter {
	return &awaiter{
		t:           t,
		description: description,
		timeout:     waitTimeout,
	}
}

func (a *awaiter) withTimeout(timeout time.Duration) *awaiter {
	a.timeout = timeout
	return a
}

func (a *awaiter) withPoll(poll func() (retry bool, err error)) *awaiter {
	a.poll = poll
	return a
}

func (a *awaiter) await() error {
	deadline := time.Now().Add(a.timeout)
	a.t.Logf("Waiting %v for %s...", a.timeout, a.description)
	for {
		retry, err := a.poll()
		if err != nil {
			if time.Now().After(deadline) {
				a.t.Logf("Wait deadline exceeded")
				return err
			}
			if !retry {
				a.t.Logf("Non-retryable error: %v", err)
				return err
			}
			a.t.Logf("%v", err)
			time.Sleep(1 * time.Second)
			continue
		}
		a.t.Logf("Finished waiting for %s", a.description)
		return nil
	}
}

// frontServiceSelects polls until the application's front service selects the
// slot.
func frontServiceSelects(t *testing.T, application, slot string) *awaiter {
	return newAwaiter(t, fmt.Sprintf("front service of %s selecting %s", application, slot)).withPoll(func() (bool, error) {
		service, err := serviceInterface().Get(context.Background(), application, metav1.GetOptions{})
		if err != nil {
			return apiErrors.IsNotFound(err), err
		}
		if selected := service.Spec.Selector[core.EnvironmentLabelKey]; selected != slot {
			return true, fmt.Errorf("front service of %s selects %q, waiting for %q", application, selected, slot)
		}
		return false, nil
	})
}

// deploymentScaledTo polls until the deployment's desired replicas match.
func deploymentScaledTo(t *testing.T, name string, replicas int32) *awaiter {
	return newAwaiter(t, fmt.Sprintf("deployment %s scaled to %d", name, replicas)).withPoll(func() (bool, error) {
		deployment, err := deploymentInterface().Get(context.Background(), name, metav1.GetOptions{})
		if err != nil {
			return apiErrors.IsNotFound(err), err
		}
		if deployment.Spec.Replicas == nil || *deployment.Spec.Replicas != replicas {
			return true, fmt.Errorf("deployment %s has %v desired replicas, waiting for %d", name, deployment.Spec.Replicas, replicas)
		}
		return false, nil
	})
}

// newOrchestrator wires a rollover against the e2e cluster with the plain
// service router backend. The version the verifier expects comes from the
// image reference, matching what the demo app reports from its VERSION
// environment variable.
func newOrchestrator(application, imageRef string) (*controller.Orchestrator, error) {
	eventRecorder := recorder.CreateEventRecorder(client)
	return controller.New(controller.Options{
		Environments: environment.NewManager(environment.Options{
			Client:      client,
			Recorder:    eventRecorder,
			Application: application,
			Namespace:   namespace,
		}),
		Health: probe.NewVerifier(probe.Options{
			Application:     application,
			Namespace:       namespace,
			ExpectedVersion: probe.VersionFromImageRef(imageRef),
		}),
		Router: router.NewServiceSwitcher(router.ServiceSwitcherOptions{
			Client:      client,
			Recorder:    eventRecorder,
			Application: application,
			Namespace:   namespace,
		}),
		Autoscaler: autoscaler.NewBinder(autoscaler.Options{
			Client:      client,
			Recorder:    eventRecorder,
			Application: application,
			Namespace:   namespace,
			MinReplicas: 1,
			MaxReplicas: 0,
		}),
	})
}

// runRollover executes one rollover and returns its result.
func runRollover(t *testing.T, application, target, imageRef string) core.RolloverResult {
	orchestrator, err := newOrchestrator(application, imageRef)
	if err != nil {
		t.Fatalf("Failed to create orchestrator: %v", err)
	}

	return orchestrator.Run(context.Background(), core.RolloverRequest{
		Application:    application,
		Namespace:      namespace,
		Target:         target,
		ImageRef:       imageRef,
		Replicas:       1,
		HealthCheck:    e2eHealthCheck,
		DrainIncumbent: true,
	})
}

// cleanupApplication removes everything a rollover may have created for the
// application.
func cleanupApplication(t *testing.T, application string) {
	t.Cleanup(func() {
		ctx := context.Background()
		for _, name := range []string{
			core.EnvironmentObjectName(application, core.SlotBlue),
			core.EnvironmentObjectName(application, core.SlotGreen),
		} {
			_ = deploymentInterface().Delete(ctx, name, metav1.DeleteOptions{})
			_ = serviceInterface().Delete(ctx, name, metav1.DeleteOptions{})
		}
		_ = serviceInterface().Delete(ctx, application, metav1.DeleteOptions{})
		_ = hpaInterface().Delete(ctx, application, metav1.DeleteOptions{})
	})
}
