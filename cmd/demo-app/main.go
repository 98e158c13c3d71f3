package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/heptiolabs/healthcheck"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"github.com/zalando-incubator/rollover-controller/pkg/probe"
	"gopkg.in/alecthomas/kingpin.v2"
)

const defaultAddress = ":8080"

var (
	config struct {
		Address         string
		Application     string
		Version         string
		ReadyAfter      time.Duration
		FailHealthcheck bool
	}
)

// demoApp is a minimal versioned service to exercise rollovers against. Its
// health endpoint answers the identity document the rollover probe expects,
// and the startup delay and failure flags simulate slow and broken releases.
type demoApp struct {
	application string
	version     string

	started         time.Time
	readyAfter      time.Duration
	failHealthcheck bool

	requests *prometheus.CounterVec
}

func main() {
	kingpin.Flag("address", "Address to listen on.").Default(defaultAddress).StringVar(&config.Address)
	kingpin.Flag("application", "Application identity to report.").Envar("APPLICATION").Default("demo").StringVar(&config.Application)
	kingpin.Flag("version", "Version identity to report.").Envar("VERSION").Default("unknown").StringVar(&config.Version)
	kingpin.Flag("ready-after", "Delay before the health endpoint starts passing, simulates startup time.").
		Default("0s").DurationVar(&config.ReadyAfter)
	kingpin.Flag("fail-healthcheck", "Permanently fail the health endpoint, simulates a broken release.").
		BoolVar(&config.FailHealthcheck)
	kingpin.Parse()

	app := newDemoApp(config.Application, config.Version, config.ReadyAfter, config.FailHealthcheck, prometheus.DefaultRegisterer)

	ctx, cancel := context.WithCancel(context.Background())
	go handleSigterm(cancel)

	server := &http.Server{Addr: config.Address, Handler: app.routes()}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancelShutdown()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Errorf("Failed to shut down cleanly: %v", err)
		}
	}()

	log.Infof("Serving %s version %s on %s", config.Application, config.Version, config.Address)
	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		log.Fatal(err)
	}
}

func newDemoApp(application, version string, readyAfter time.Duration, failHealthcheck bool, registry prometheus.Registerer) *demoApp {
	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "demo_app",
		Name:      "requests_total",
		Help:      "Requests served, by path.",
	}, []string{"path"})
	registry.MustRegister(requests)

	return &demoApp{
		application:     application,
		version:         version,
		started:         time.Now(),
		readyAfter:      readyAfter,
		failHealthcheck: failHealthcheck,
		requests:        requests,
	}
}

func (a *demoApp) routes() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/", a.getRoot).Methods(http.MethodGet)
	r.HandleFunc("/healthz", a.getHealthz).Methods(http.MethodGet)

	health := healthcheck.NewHandler()
	health.AddLivenessCheck("goroutine-count", healthcheck.GoroutineCountCheck(256))
	health.AddReadinessCheck("startup", a.ready)
	r.HandleFunc("/livez", health.LiveEndpoint)
	r.HandleFunc("/readyz", health.ReadyEndpoint)

	r.Handle("/metrics", promhttp.Handler())
	return r
}

// ready reports whether the simulated startup has finished.
func (a *demoApp) ready() error {
	if a.failHealthcheck {
		return fmt.Errorf("health check forced to fail")
	}
	if remaining := a.readyAfter - time.Since(a.started); remaining > 0 {
		return fmt.Errorf("starting up, ready in %v", remaining.Round(time.Second))
	}
	return nil
}

func (a *demoApp) getRoot(w http.ResponseWriter, r *http.Request) {
	a.requests.WithLabelValues("/").Inc()
	fmt.Fprintf(w, "Hello from %s version %s\n", a.application, a.version)
}

// getHealthz answers the identity document the rollover probe verifies. The
// status code carries the health verdict, the body always tells who answered.
func (a *demoApp) getHealthz(w http.ResponseWriter, r *http.Request) {
	a.requests.WithLabelValues("/healthz").Inc()

	code := http.StatusOK
	if err := a.ready(); err != nil {
		code = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(probe.Identity{Application: a.application, Version: a.version}); err != nil {
		log.Errorf("Failed to encode identity: %v", err)
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
