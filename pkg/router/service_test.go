package router

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
	v1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/client-go/kubernetes/fake"
	k8stesting "k8s.io/client-go/testing"
	"k8s.io/client-go/tools/record"

	"github.com/zalando-incubator/rollover-controller/pkg/core"
)

func newTestServiceSwitcher(objects ...runtime.Object) (*ServiceSwitcher, *fake.Clientset) {
	client := fake.NewSimpleClientset(objects...)
	switcher := NewServiceSwitcher(ServiceSwitcherOptions{
		Client:      client,
		Recorder:    record.NewFakeRecorder(32),
		Application: "shop",
		Namespace:   "default",
	})
	return switcher, client
}

func frontService(slot, generation string) *v1.Service {
	return &v1.Service{
		ObjectMeta: metav1.ObjectMeta{
			Name:      "shop",
			Namespace: "default",
			Annotations: map[string]string{
				core.RouterGenerationAnnotationKey: generation,
			},
		},
		Spec: v1.ServiceSpec{
			Selector: map[string]string{
				core.ApplicationLabelKey: "shop",
				core.EnvironmentLabelKey: slot,
			},
		},
	}
}

func TestServiceStateUnconfigured(t *testing.T) {
	switcher, _ := newTestServiceSwitcher()

	state, err := switcher.State(context.Background())
	require.NoError(t, err)
	require.Equal(t, core.RouterState{}, state)
}

func TestServiceStateReadsSelectorAndGeneration(t *testing.T) {
	switcher, _ := newTestServiceSwitcher(frontService(core.SlotBlue, "4"))

	state, err := switcher.State(context.Background())
	require.NoError(t, err)
	require.Equal(t, core.RouterState{Backend: core.SlotBlue, Generation: 4}, state)
}

func TestServiceSwitchCreatesFrontService(t *testing.T) {
	switcher, client := newTestServiceSwitcher()

	state, err := switcher.SwitchTo(context.Background(), core.SlotGreen)
	require.NoError(t, err)
	require.Equal(t, core.RouterState{Backend: core.SlotGreen, Generation: 1}, state)

	service, err := client.CoreV1().Services("default").Get(context.Background(), "shop", metav1.GetOptions{})
	require.NoError(t, err)
	require.Equal(t, core.SlotGreen, service.Spec.Selector[core.EnvironmentLabelKey])
	require.Equal(t, "1", service.Annotations[core.RouterGenerationAnnotationKey])
	require.Equal(t, int32(80), service.Spec.Ports[0].Port)
}

func TestServiceSwitchRepointsSelectorAndBumpsGeneration(t *testing.T) {
	switcher, client := newTestServiceSwitcher(frontService(core.SlotBlue, "4"))

	state, err := switcher.SwitchTo(context.Background(), core.SlotGreen)
	require.NoError(t, err)
	require.Equal(t, core.RouterState{Backend: core.SlotGreen, Generation: 5}, state)

	service, err := client.CoreV1().Services("default").Get(context.Background(), "shop", metav1.GetOptions{})
	require.NoError(t, err)
	require.Equal(t, core.SlotGreen, service.Spec.Selector[core.EnvironmentLabelKey])
	require.Equal(t, "5", service.Annotations[core.RouterGenerationAnnotationKey])

	visible, err := switcher.Verify(context.Background(), core.SlotGreen)
	require.NoError(t, err)
	require.True(t, visible)

	visible, err = switcher.Verify(context.Background(), core.SlotBlue)
	require.NoError(t, err)
	require.False(t, visible)
}

func TestServiceSwitchIsIdempotent(t *testing.T) {
	switcher, client := newTestServiceSwitcher(frontService(core.SlotGreen, "7"))

	client.ClearActions()
	state, err := switcher.SwitchTo(context.Background(), core.SlotGreen)
	require.NoError(t, err)
	require.Equal(t, core.RouterState{Backend: core.SlotGreen, Generation: 7}, state)

	for _, action := range client.Actions() {
		require.Equal(t, "get", action.GetVerb(), "switching to the live slot must not write")
	}
}

func TestServiceSwitchSurfacesConflicts(t *testing.T) {
	switcher, client := newTestServiceSwitcher(frontService(core.SlotBlue, "4"))
	client.PrependReactor("update", "services", func(action k8stesting.Action) (bool, runtime.Object, error) {
		return true, nil, apierrors.NewConflict(
			schema.GroupResource{Resource: "services"}, "shop", fmt.Errorf("object was modified"))
	})

	_, err := switcher.SwitchTo(context.Background(), core.SlotGreen)
	require.Error(t, err)
	require.True(t, core.IsConcurrentModificationError(err), "expected concurrent modification error, got %v", err)
}

func TestServiceSwitchLosingCreateRace(t *testing.T) {
	switcher, client := newTestServiceSwitcher()
	client.PrependReactor("create", "services", func(action k8stesting.Action) (bool, runtime.Object, error) {
		return true, nil, apierrors.NewAlreadyExists(
			schema.GroupResource{Resource: "services"}, "shop")
	})

	_, err := switcher.SwitchTo(context.Background(), core.SlotGreen)
	require.Error(t, err)
	require.True(t, core.IsConcurrentModificationError(err), "expected concurrent modification error, got %v", err)
}

func TestServiceSwitchMapsServerErrorToTransient(t *testing.T) {
	switcher, client := newTestServiceSwitcher(frontService(core.SlotBlue, "4"))
	client.PrependReactor("update", "services", func(action k8stesting.Action) (bool, runtime.Object, error) {
		return true, nil, apierrors.NewServerTimeout(
			schema.GroupResource{Resource: "services"}, "update", 1)
	})

	_, err := switcher.SwitchTo(context.Background(), core.SlotGreen)
	require.Error(t, err)
	require.True(t, core.IsTransientError(err), "expected transient error, got %v", err)
}
