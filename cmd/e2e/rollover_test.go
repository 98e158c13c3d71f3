package main

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/zalando-incubator/rollover-controller/pkg/core"
	apiErrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

func TestRolloverEndToEnd(t *testing.T) {
	t.Parallel()

	application := "e2e-rollover-basic"
	cleanupApplication(t, application)

	// First rollover against an empty namespace: green becomes live.
	result := runRollover(t, application, core.SlotGreen, demoAppImage)
	require.Equal(t, core.WorkflowDone, result.State, "first rollover failed: %s", result.Message)
	require.True(t, result.TrafficSwitched)
	require.Equal(t, core.SlotGreen, result.Live)

	err := frontServiceSelects(t, application, core.SlotGreen).await()
	require.NoError(t, err)

	// Roll the same version into the other slot: traffic moves to blue and
	// green drains.
	result = runRollover(t, application, core.SlotBlue, demoAppImage)
	require.Equal(t, core.WorkflowDone, result.State, "second rollover failed: %s", result.Message)
	require.Equal(t, core.SlotBlue, result.Live)

	err = frontServiceSelects(t, application, core.SlotBlue).await()
	require.NoError(t, err)
	err = deploymentScaledTo(t, core.EnvironmentObjectName(application, core.SlotGreen), 0).await()
	require.NoError(t, err)
	err = deploymentScaledTo(t, core.EnvironmentObjectName(application, core.SlotBlue), 1).await()
	require.NoError(t, err)
}

func TestRolloverBrokenCandidateLeavesTrafficUntouched(t *testing.T) {
	t.Parallel()

	application := "e2e-rollover-broken"
	cleanupApplication(t, application)

	result := runRollover(t, application, core.SlotGreen, demoAppImage)
	require.Equal(t, core.WorkflowDone, result.State, "initial rollover failed: %s", result.Message)

	err := frontServiceSelects(t, application, core.SlotGreen).await()
	require.NoError(t, err)

	// The broken image never answers the expected identity, so the health
	// gate must fail and traffic must stay on green.
	result = runRollover(t, application, core.SlotBlue, brokenImage)
	require.Equal(t, core.WorkflowAborted, result.State)
	require.Equal(t, core.ReasonHealthGateFailed, result.Reason)
	require.False(t, result.TrafficSwitched)
	require.Equal(t, core.SlotGreen, result.Live)

	service, err := serviceInterface().Get(context.Background(), application, metav1.GetOptions{})
	require.NoError(t, err)
	require.Equal(t, core.SlotGreen, service.Spec.Selector[core.EnvironmentLabelKey])

	// The failed candidate stays scaled up for inspection.
	err = deploymentScaledTo(t, core.EnvironmentObjectName(application, core.SlotBlue), 1).await()
	require.NoError(t, err)
}

func TestRolloverIsIdempotentForLiveSlot(t *testing.T) {
	t.Parallel()

	application := "e2e-rollover-repeat"
	cleanupApplication(t, application)

	result := runRollover(t, application, core.SlotGreen, demoAppImage)
	require.Equal(t, core.WorkflowDone, result.State, "initial rollover failed: %s", result.Message)

	// Rolling the live slot over to itself succeeds without moving traffic
	// anywhere else.
	result = runRollover(t, application, core.SlotGreen, demoAppImage)
	require.Equal(t, core.WorkflowDone, result.State, "repeated rollover failed: %s", result.Message)
	require.Equal(t, core.SlotGreen, result.Live)

	err := frontServiceSelects(t, application, core.SlotGreen).await()
	require.NoError(t, err)

	// No autoscaler management configured, so none may have been created.
	_, err = hpaInterface().Get(context.Background(), application, metav1.GetOptions{})
	require.True(t, apiErrors.IsNotFound(err))
}
