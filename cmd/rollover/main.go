package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/zalando-incubator/rollover-controller/controller"
	"github.com/zalando-incubator/rollover-controller/pkg/autoscaler"
	"github.com/zalando-incubator/rollover-controller/pkg/clientset"
	"github.com/zalando-incubator/rollover-controller/pkg/core"
	"github.com/zalando-incubator/rollover-controller/pkg/environment"
	"github.com/zalando-incubator/rollover-controller/pkg/probe"
	"github.com/zalando-incubator/rollover-controller/pkg/recorder"
	"github.com/zalando-incubator/rollover-controller/pkg/router"
	"gopkg.in/alecthomas/kingpin.v2"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	"k8s.io/client-go/tools/record"
)

const (
	defaultNamespace = "default"
)

var (
	config struct {
		Application      string
		Namespace        string
		Target           string
		ImageRef         string
		Replicas         int
		KeepIncumbent    bool
		RouterBackend    string
		RouteGroupHosts  []string
		ProbeURLTemplate string
		HealthTimeout    time.Duration
		HealthInterval   time.Duration
		SuccessThreshold int
		AutoscalerMin    int
		AutoscalerMax    int
	}
)

func main() {
	kingpin.Flag("application", "Application to roll over.").Required().StringVar(&config.Application)
	kingpin.Flag("namespace", "Namespace of the application.").Default(defaultNamespace).StringVar(&config.Namespace)
	kingpin.Flag("target", "Slot that receives the new version, defaults to the slot opposite the live one.").StringVar(&config.Target)
	kingpin.Flag("image", "Image reference to deploy. Without it the current status is printed.").StringVar(&config.ImageRef)
	kingpin.Flag("replicas", "Replicas of the candidate environment.").Default("1").IntVar(&config.Replicas)
	kingpin.Flag("keep-incumbent", "Keep the previously live slot scaled up for fast rollback.").BoolVar(&config.KeepIncumbent)
	kingpin.Flag("router-backend", "Router implementation to drive.").
		Default(router.BackendService).EnumVar(&config.RouterBackend, router.BackendService, router.BackendRouteGroup)
	kingpin.Flag("route-group-host", "Hostname the route group serves, repeatable.").StringsVar(&config.RouteGroupHosts)
	kingpin.Flag("probe-url-template", "URL template for environment health probes, {service} and {namespace} are substituted.").
		Default(probe.DefaultURLTemplate).StringVar(&config.ProbeURLTemplate)
	kingpin.Flag("health-timeout", "Total budget of the health gate.").Default("5m").DurationVar(&config.HealthTimeout)
	kingpin.Flag("health-interval", "Pause between two health probes.").Default("10s").DurationVar(&config.HealthInterval)
	kingpin.Flag("health-success-threshold", "Consecutive passing probes required before switching traffic.").
		Default("3").IntVar(&config.SuccessThreshold)
	kingpin.Flag("autoscaler-min-replicas", "Lower replica bound of a managed autoscaler.").Default("1").IntVar(&config.AutoscalerMin)
	kingpin.Flag("autoscaler-max-replicas", "Upper replica bound of a managed autoscaler, 0 disables autoscaler management.").
		Default("0").IntVar(&config.AutoscalerMax)
	kingpin.Parse()

	if config.Target != "" && !core.KnownSlot(config.Target) {
		log.Fatalf("Target slot must be %q or %q, got %q.", core.SlotBlue, core.SlotGreen, config.Target)
	}

	kubeconfig, err := newKubeConfig()
	if err != nil {
		log.Fatalf("Failed to setup Kubernetes client: %v.", err)
	}

	client, err := clientset.NewForConfig(kubeconfig)
	if err != nil {
		log.Fatalf("Failed to setup Kubernetes client: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	eventRecorder := recorder.CreateEventRecorder(client)
	environments := environment.NewManager(environment.Options{
		Client:      client,
		Recorder:    eventRecorder,
		Application: config.Application,
		Namespace:   config.Namespace,
	})
	switcher := newSwitcher(client, eventRecorder)
	binder := autoscaler.NewBinder(autoscaler.Options{
		Client:      client,
		Recorder:    eventRecorder,
		Application: config.Application,
		Namespace:   config.Namespace,
		MinReplicas: int32(config.AutoscalerMin),
		MaxReplicas: int32(config.AutoscalerMax),
	})

	if config.ImageRef == "" {
		printStatus(ctx, environments, switcher, binder)
		return
	}

	target := config.Target
	if target == "" {
		state, err := switcher.State(ctx)
		if err != nil {
			log.Fatalf("Failed to read router state: %v", err)
		}
		if other, err := core.OtherSlot(state.Backend); err == nil {
			target = other
		} else {
			target = core.SlotGreen
		}
	}

	verifier := probe.NewVerifier(probe.Options{
		Application:     config.Application,
		Namespace:       config.Namespace,
		ExpectedVersion: probe.VersionFromImageRef(config.ImageRef),
		URLTemplate:     config.ProbeURLTemplate,
	})

	orchestrator, err := controller.New(controller.Options{
		Environments: environments,
		Health:       verifier,
		Router:       switcher,
		Autoscaler:   binder,
	})
	if err != nil {
		log.Fatalf("Failed to create orchestrator: %v", err)
	}

	result := orchestrator.Run(ctx, core.RolloverRequest{
		Application: config.Application,
		Namespace:   config.Namespace,
		Target:      target,
		ImageRef:    config.ImageRef,
		Replicas:    int32(config.Replicas),
		HealthCheck: core.HealthCheckPolicy{
			Timeout:          config.HealthTimeout,
			Interval:         config.HealthInterval,
			SuccessThreshold: config.SuccessThreshold,
		},
		DrainIncumbent: !config.KeepIncumbent,
	})
	if result.State != core.WorkflowDone {
		log.Fatalf("Rollover aborted (%s): %s", result.Reason, result.Message)
	}

	log.Infof("Rollover done, %s is live.", result.Live)
	printStatus(ctx, environments, switcher, binder)
}

func newSwitcher(client clientset.Interface, eventRecorder record.EventRecorder) controller.TrafficSwitcher {
	if config.RouterBackend == router.BackendRouteGroup {
		return router.NewRouteGroupSwitcher(router.RouteGroupSwitcherOptions{
			RouteGroups: client.RouteGroups(config.Namespace),
			Application: config.Application,
			Namespace:   config.Namespace,
			Hosts:       config.RouteGroupHosts,
		})
	}
	return router.NewServiceSwitcher(router.ServiceSwitcherOptions{
		Client:      client,
		Recorder:    eventRecorder,
		Application: config.Application,
		Namespace:   config.Namespace,
	})
}

func printStatus(ctx context.Context, environments *environment.Manager, switcher controller.TrafficSwitcher, binder *autoscaler.Binder) {
	status, err := controller.CollectStatus(ctx, config.Application, config.Namespace, environments, switcher, binder)
	if err != nil {
		log.Fatal(err)
	}
	printStatusTable(status)
}

func printStatusTable(status *controller.ApplicationStatus) {
	w := tabwriter.NewWriter(os.Stdout, 8, 8, 4, ' ', 0)
	fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", "ENVIRONMENT", "IMAGE", "DESIRED", "READY", "TRAFFIC")

	for _, env := range status.Environments {
		slot := strings.TrimPrefix(env.Name, status.Application+"-")
		traffic := "0%"
		if status.Live(slot) {
			traffic = "100%"
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%s\n", env.Name, env.ImageRef, env.DesiredReplicas, env.ReadyReplicas, traffic)
	}

	w.Flush()
}

func newKubeConfig() (*rest.Config, error) {
	loadingRules := clientcmd.NewDefaultClientConfigLoadingRules()
	configOverrides := &clientcmd.ConfigOverrides{}
	kubeConfig := clientcmd.NewNonInteractiveDeferredLoadingClientConfig(loadingRules, configOverrides)
	return kubeConfig.ClientConfig()
}
