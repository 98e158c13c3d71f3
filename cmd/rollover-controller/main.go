package main

import (
	"context"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
	"github.com/zalando-incubator/rollover-controller/pkg/clientset"
	"github.com/zalando-incubator/rollover-controller/pkg/config"
	"github.com/zalando-incubator/rollover-controller/pkg/core"
	"github.com/zalando-incubator/rollover-controller/pkg/probe"
	"github.com/zalando-incubator/rollover-controller/pkg/recorder"
	"github.com/zalando-incubator/rollover-controller/pkg/router"
	"gopkg.in/alecthomas/kingpin.v2"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/transport"
)

const (
	defaultAPIAddress       = ":8080"
	defaultNamespace        = "default"
	defaultHealthTimeout    = "5m"
	defaultHealthInterval   = "10s"
	defaultSuccessThreshold = "3"
	defaultDrainPoll        = "5s"
	defaultDrainGrace       = "5m"
	defaultClientGOTimeout  = 30 * time.Second
)

var (
	cfg struct {
		Debug             bool
		APIServer         *url.URL
		APIAddress        string
		Namespace         string
		RouterBackend     string
		ConfigFile        string
		ProbeURLTemplate  string
		HealthTimeout     time.Duration
		HealthInterval    time.Duration
		SuccessThreshold  int
		DefaultReplicas   int
		AutoscalerMin     int
		AutoscalerMax     int
		DrainPollInterval time.Duration
		DrainGracePeriod  time.Duration
	}
)

func main() {
	kingpin.Flag("debug", "Enable debug logging.").BoolVar(&cfg.Debug)
	kingpin.Flag("apiserver", "API server url.").URLVar(&cfg.APIServer)
	kingpin.Flag("api-address", "Address the rollover API listens on.").
		Default(defaultAPIAddress).StringVar(&cfg.APIAddress)
	kingpin.Flag("namespace", "Namespace rollovers run in unless the request names one.").
		Default(defaultNamespace).Envar("NAMESPACE").StringVar(&cfg.Namespace)
	kingpin.Flag("router-backend", "Router implementation the controller drives.").
		Default(router.BackendService).EnumVar(&cfg.RouterBackend, router.BackendService, router.BackendRouteGroup)
	kingpin.Flag("config-file", "YAML file with health gate overrides and route group hosts.").
		StringVar(&cfg.ConfigFile)
	kingpin.Flag("probe-url-template", "URL template for environment health probes, {service} and {namespace} are substituted.").
		Default(probe.DefaultURLTemplate).StringVar(&cfg.ProbeURLTemplate)
	kingpin.Flag("health-timeout", "Total budget of the health gate.").
		Default(defaultHealthTimeout).DurationVar(&cfg.HealthTimeout)
	kingpin.Flag("health-interval", "Pause between two health probes.").
		Default(defaultHealthInterval).DurationVar(&cfg.HealthInterval)
	kingpin.Flag("health-success-threshold", "Consecutive passing probes required before switching traffic.").
		Default(defaultSuccessThreshold).IntVar(&cfg.SuccessThreshold)
	kingpin.Flag("default-replicas", "Replica count used when the request does not name one.").
		Default("1").IntVar(&cfg.DefaultReplicas)
	kingpin.Flag("autoscaler-min-replicas", "Lower replica bound of managed autoscalers.").
		Default("1").IntVar(&cfg.AutoscalerMin)
	kingpin.Flag("autoscaler-max-replicas", "Upper replica bound of managed autoscalers, 0 disables autoscaler management.").
		Default("0").IntVar(&cfg.AutoscalerMax)
	kingpin.Flag("drain-poll-interval", "Interval between readiness reads while draining an incumbent.").
		Default(defaultDrainPoll).DurationVar(&cfg.DrainPollInterval)
	kingpin.Flag("drain-grace-period", "How long a drain may take before it counts as failed.").
		Default(defaultDrainGrace).DurationVar(&cfg.DrainGracePeriod)
	kingpin.Parse()

	if cfg.Debug {
		log.SetLevel(log.DebugLevel)
	}

	ctx, cancel := context.WithCancel(context.Background())
	kubeConfig, err := configureKubeConfig(cfg.APIServer, defaultClientGOTimeout, ctx.Done())
	if err != nil {
		log.Fatalf("Failed to setup Kubernetes config: %v", err)
	}

	client, err := clientset.NewForConfig(kubeConfig)
	if err != nil {
		log.Fatalf("Failed to initialize Kubernetes client: %v", err)
	}

	metrics, err := core.NewMetricsReporter(prometheus.DefaultRegisterer)
	if err != nil {
		log.Fatalf("Failed to register metrics: %v", err)
	}

	healthDefaults := core.HealthCheckPolicy{
		Timeout:          cfg.HealthTimeout,
		Interval:         cfg.HealthInterval,
		SuccessThreshold: cfg.SuccessThreshold,
	}
	routeGroupHosts := map[string][]string{}
	if cfg.ConfigFile != "" {
		fileConfig, err := config.ReadConfig(cfg.ConfigFile)
		if err != nil {
			log.Fatalf("Failed to read config file %s: %v", cfg.ConfigFile, err)
		}
		healthDefaults, err = fileConfig.Policy(healthDefaults)
		if err != nil {
			log.Fatalf("Failed to apply config file %s: %v", cfg.ConfigFile, err)
		}
		routeGroupHosts = fileConfig.RouteGroupHosts
	}

	api := newAPIServer(apiOptions{
		Client:            client,
		Recorder:          recorder.CreateEventRecorder(client),
		Metrics:           metrics,
		Namespace:         cfg.Namespace,
		RouterBackend:     cfg.RouterBackend,
		RouteGroupHosts:   routeGroupHosts,
		HealthDefaults:    healthDefaults,
		ProbeURLTemplate:  cfg.ProbeURLTemplate,
		DefaultReplicas:   int32(cfg.DefaultReplicas),
		AutoscalerMin:     int32(cfg.AutoscalerMin),
		AutoscalerMax:     int32(cfg.AutoscalerMax),
		DrainPollInterval: cfg.DrainPollInterval,
		DrainGracePeriod:  cfg.DrainGracePeriod,
	})

	go handleSigterm(cancel)
	if err := api.serve(ctx, cfg.APIAddress); err != nil {
		log.Fatalf("Rollover API failed: %v", err)
	}
}

// handleSigterm handles SIGTERM signal sent to the process.
func handleSigterm(cancelFunc func()) {
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGTERM)
	<-signals
	log.Info("Received Term signal. Terminating...")
	cancelFunc()
}

// configureKubeConfig configures a kubeconfig.
func configureKubeConfig(apiServerURL *url.URL, timeout time.Duration, stopCh <-chan struct{}) (*rest.Config, error) {
	tr := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   timeout,
			KeepAlive: 30 * time.Second,
			DualStack: false, // K8s do not work well with IPv6
		}).DialContext,
		TLSHandshakeTimeout:   timeout,
		ResponseHeaderTimeout: 10 * time.Second,
		MaxIdleConns:          10,
		MaxIdleConnsPerHost:   2,
		IdleConnTimeout:       20 * time.Second,
	}

	// We need this to reliably fade on DNS change, which is right
	// now not fixed with IdleConnTimeout in the http.Transport.
	// https://github.com/golang/go/issues/23427
	go func(d time.Duration) {
		for {
			select {
			case <-time.After(d):
				tr.CloseIdleConnections()
			case <-stopCh:
				return
			}
		}
	}(20 * time.Second)

	if apiServerURL != nil {
		return &rest.Config{
			Host:      apiServerURL.String(),
			Timeout:   timeout,
			Transport: tr,
			QPS:       100.0,
			Burst:     500,
		}, nil
	}

	kubeConfig, err := rest.InClusterConfig()
	if err != nil {
		return nil, err
	}

	// patch TLS config
	restTransportConfig, err := kubeConfig.TransportConfig()
	if err != nil {
		return nil, err
	}
	restTLSConfig, err := transport.TLSConfigFor(restTransportConfig)
	if err != nil {
		return nil, err
	}
	tr.TLSClientConfig = restTLSConfig

	kubeConfig.Timeout = timeout
	kubeConfig.Transport = tr
	kubeConfig.QPS = 100.0
	kubeConfig.Burst = 500
	// disable TLSClientConfig to make the custom Transport work
	kubeConfig.TLSClientConfig = rest.TLSClientConfig{}
	return kubeConfig, nil
}
