// Package probe implements the health gate of a rollover: it polls an
// environment's health endpoint until the configured number of consecutive
// passes, the policy timeout or a cancellation, whichever comes first.
package probe

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/zalando-incubator/rollover-controller/pkg/core"
)

const (
	// DefaultURLTemplate resolves the in-cluster service address of an
	// environment slot. {service} and {namespace} are substituted.
	DefaultURLTemplate = "http://{service}.{namespace}.svc.cluster.local/healthz"

	// maxIdentityBytes caps how much of a health response is read.
	maxIdentityBytes = 64 * 1024
)

// Identity is the document a health endpoint must answer with. A probe only
// passes when the reported application matches and, if an expected version
// is configured, the version matches as well.
type Identity struct {
	Application string `json:"application"`
	Version     string `json:"version"`
}

// Options configures a Verifier for one application.
type Options struct {
	Application string
	Namespace   string
	// ExpectedVersion is matched against the identity the endpoint reports.
	// Empty skips the version comparison.
	ExpectedVersion string
	// URLTemplate overrides DefaultURLTemplate, e.g. for probing through an
	// external load balancer.
	URLTemplate string
	Client      *http.Client
	Logger      *log.Entry
}

// Verifier polls environment health endpoints.
type Verifier struct {
	application     string
	namespace       string
	expectedVersion string
	urlTemplate     string
	client          *http.Client
	logger          *log.Entry
}

func NewVerifier(opts Options) *Verifier {
	urlTemplate := opts.URLTemplate
	if urlTemplate == "" {
		urlTemplate = DefaultURLTemplate
	}
	client := opts.Client
	if client == nil {
		client = &http.Client{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.WithField("component", "probe")
	}
	return &Verifier{
		application:     opts.Application,
		namespace:       opts.Namespace,
		expectedVersion: opts.ExpectedVersion,
		urlTemplate:     urlTemplate,
		client:          client,
		logger:          logger,
	}
}

// AwaitHealthy polls the slot's health endpoint at the policy interval until
// SuccessThreshold consecutive passes happened. A failed attempt, whatever
// its cause, resets the streak but never extends the time budget. The
// per-attempt timeout is one interval, so the call returns within
// policy.Timeout plus one interval.
func (v *Verifier) AwaitHealthy(ctx context.Context, slot string, policy core.HealthCheckPolicy) error {
	url := v.probeURL(slot)
	logger := v.logger.WithFields(log.Fields{
		"application": v.application,
		"environment": slot,
	})
	logger.Infof("Awaiting %d consecutive passes of %s within %v", policy.SuccessThreshold, url, policy.Timeout)

	deadline := time.Now().Add(policy.Timeout)
	consecutive := 0
	for attempt := 1; ; attempt++ {
		if time.Now().After(deadline) {
			return core.NewHealthGateError("environment %s saw no %d consecutive passes within %v", slot, policy.SuccessThreshold, policy.Timeout)
		}

		err := v.probeOnce(ctx, url, policy.Interval)
		if err != nil {
			if ctx.Err() != nil {
				return core.NewCancelledError("health check of %s cancelled", slot)
			}
			// Unreachable, bad status and wrong identity all count the
			// same: one failed attempt resetting the streak.
			consecutive = 0
			logger.Debugf("Probe attempt %d failed: %v", attempt, err)
		} else {
			consecutive++
			logger.Debugf("Probe attempt %d passed (%d/%d)", attempt, consecutive, policy.SuccessThreshold)
			if consecutive >= policy.SuccessThreshold {
				logger.Infof("Environment %s healthy after %d attempts", slot, attempt)
				return nil
			}
		}

		select {
		case <-ctx.Done():
			return core.NewCancelledError("health check of %s cancelled", slot)
		case <-time.After(policy.Interval):
		}
	}
}

func (v *Verifier) probeOnce(ctx context.Context, url string, timeout time.Duration) error {
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	request, err := http.NewRequestWithContext(attemptCtx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}

	response, err := v.client.Do(request)
	if err != nil {
		return err
	}
	defer response.Body.Close()

	if response.StatusCode < http.StatusOK || response.StatusCode >= http.StatusMultipleChoices {
		return fmt.Errorf("unexpected status %d", response.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(response.Body, maxIdentityBytes))
	if err != nil {
		return err
	}

	var identity Identity
	if err := json.Unmarshal(body, &identity); err != nil {
		return fmt.Errorf("response is not an identity document: %v", err)
	}
	if identity.Application != v.application {
		return fmt.Errorf("endpoint reports application %q, expected %q", identity.Application, v.application)
	}
	if v.expectedVersion != "" && identity.Version != v.expectedVersion {
		return fmt.Errorf("endpoint reports version %q, expected %q", identity.Version, v.expectedVersion)
	}
	return nil
}

func (v *Verifier) probeURL(slot string) string {
	service := core.EnvironmentObjectName(v.application, slot)
	return strings.NewReplacer(
		"{service}", service,
		"{namespace}", v.namespace,
	).Replace(v.urlTemplate)
}

// VersionFromImageRef extracts the version identity encoded in an image
// reference: the digest when pinned, the tag otherwise, "latest" when bare.
func VersionFromImageRef(ref string) string {
	if i := strings.LastIndexByte(ref, '@'); i != -1 {
		return ref[i+1:]
	}
	slash := strings.LastIndexByte(ref, '/')
	if i := strings.LastIndexByte(ref, ':'); i > slash {
		return ref[i+1:]
	}
	return "latest"
}
