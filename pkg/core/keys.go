package core

const (
	// ApplicationLabelKey and EnvironmentLabelKey identify the pods of one
	// environment slot. They are the only labels used in selectors.
	ApplicationLabelKey = "application"
	EnvironmentLabelKey = "environment"

	// RouterGenerationAnnotationKey holds the monotonically increasing
	// generation token of the router. Writers must present the generation
	// they last observed.
	RouterGenerationAnnotationKey = "rollover-controller.zalando.org/router-generation"

	// ControllerAnnotationKey marks resources owned by this controller.
	ControllerAnnotationKey = "rollover-controller.zalando.org/controller"
)
