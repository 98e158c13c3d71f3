package controller

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/zalando-incubator/rollover-controller/pkg/core"
)

// ApplicationStatus aggregates the observable state of both environment
// slots, the router and the autoscaler binding.
type ApplicationStatus struct {
	Application  string                   `json:"application"`
	Namespace    string                   `json:"namespace"`
	Router       core.RouterState         `json:"router"`
	Autoscaler   core.AutoscalerBinding   `json:"autoscaler"`
	Environments []core.EnvironmentStatus `json:"environments"`
}

// Live reports whether the slot currently serves traffic according to the
// router.
func (s *ApplicationStatus) Live(slot string) bool {
	return s.Router.Backend == slot
}

// CollectStatus gathers a point-in-time view of the application by fanning
// out the reads to the router, the autoscaler and both environment slots.
func CollectStatus(ctx context.Context, application, namespace string, environments EnvironmentManager, router TrafficSwitcher, autoscaler AutoscalerBinder) (*ApplicationStatus, error) {
	status := &ApplicationStatus{
		Application: application,
		Namespace:   namespace,
	}

	slots := []string{core.SlotBlue, core.SlotGreen}
	slotStatuses := make([]*core.EnvironmentStatus, len(slots))

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		state, err := router.State(groupCtx)
		if err != nil {
			return err
		}
		status.Router = state
		return nil
	})
	group.Go(func() error {
		binding, err := autoscaler.Binding(groupCtx)
		if err != nil {
			return err
		}
		status.Autoscaler = binding
		return nil
	})
	for i, slot := range slots {
		i, slot := i, slot
		group.Go(func() error {
			slotStatus, err := environments.Status(groupCtx, slot)
			if err != nil {
				return err
			}
			slotStatuses[i] = slotStatus
			return nil
		})
	}

	if err := group.Wait(); err != nil {
		return nil, err
	}

	for _, slotStatus := range slotStatuses {
		if slotStatus != nil {
			status.Environments = append(status.Environments, *slotStatus)
		}
	}
	return status, nil
}
