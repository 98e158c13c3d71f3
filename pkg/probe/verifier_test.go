package probe

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zalando-incubator/rollover-controller/pkg/core"
)

type probeServer struct {
	mu       sync.Mutex
	requests int
	server   *httptest.Server
}

// newProbeServer serves respond(n) for the nth request, counting from 1.
func newProbeServer(respond func(n int, w http.ResponseWriter)) *probeServer {
	ps := &probeServer{}
	ps.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ps.mu.Lock()
		ps.requests++
		n := ps.requests
		ps.mu.Unlock()
		respond(n, w)
	}))
	return ps
}

func (p *probeServer) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.requests
}

func writeIdentity(w http.ResponseWriter, application, version string) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(Identity{Application: application, Version: version})
}

func newTestVerifier(url string) *Verifier {
	return NewVerifier(Options{
		Application:     "shop",
		Namespace:       "default",
		ExpectedVersion: "v2",
		URLTemplate:     url,
	})
}

func testPolicy(threshold int) core.HealthCheckPolicy {
	return core.HealthCheckPolicy{
		Timeout:          time.Second,
		Interval:         2 * time.Millisecond,
		SuccessThreshold: threshold,
	}
}

func TestAwaitHealthyPasses(t *testing.T) {
	ps := newProbeServer(func(n int, w http.ResponseWriter) {
		writeIdentity(w, "shop", "v2")
	})
	defer ps.server.Close()

	verifier := newTestVerifier(ps.server.URL)
	err := verifier.AwaitHealthy(context.Background(), core.SlotGreen, testPolicy(2))
	require.NoError(t, err)
	require.Equal(t, 2, ps.count())
}

func TestAwaitHealthyResetsStreakOnFailure(t *testing.T) {
	// Two passes, one failure, then passes again. With a threshold of
	// three the failed attempt must restart the streak, so the verifier
	// only returns after the sixth probe.
	ps := newProbeServer(func(n int, w http.ResponseWriter) {
		if n == 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		writeIdentity(w, "shop", "v2")
	})
	defer ps.server.Close()

	verifier := newTestVerifier(ps.server.URL)
	err := verifier.AwaitHealthy(context.Background(), core.SlotGreen, testPolicy(3))
	require.NoError(t, err)
	require.Equal(t, 6, ps.count())
}

func TestAwaitHealthyTimesOut(t *testing.T) {
	ps := newProbeServer(func(n int, w http.ResponseWriter) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	defer ps.server.Close()

	policy := core.HealthCheckPolicy{
		Timeout:          100 * time.Millisecond,
		Interval:         10 * time.Millisecond,
		SuccessThreshold: 2,
	}

	verifier := newTestVerifier(ps.server.URL)
	start := time.Now()
	err := verifier.AwaitHealthy(context.Background(), core.SlotGreen, policy)
	elapsed := time.Since(start)

	require.Error(t, err)
	require.True(t, core.IsHealthGateError(err), "expected health gate error, got %v", err)
	require.GreaterOrEqual(t, elapsed, policy.Timeout)
	require.Less(t, elapsed, time.Second, "verifier must give up shortly after the timeout")
}

func TestAwaitHealthyCancelled(t *testing.T) {
	ps := newProbeServer(func(n int, w http.ResponseWriter) {
		writeIdentity(w, "shop", "v2")
	})
	defer ps.server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(30*time.Millisecond, cancel)

	policy := core.HealthCheckPolicy{
		Timeout:          time.Minute,
		Interval:         5 * time.Millisecond,
		SuccessThreshold: 1000,
	}

	verifier := newTestVerifier(ps.server.URL)
	start := time.Now()
	err := verifier.AwaitHealthy(ctx, core.SlotGreen, policy)
	elapsed := time.Since(start)

	require.Error(t, err)
	require.True(t, core.IsCancelledError(err), "expected cancelled error, got %v", err)
	require.Less(t, elapsed, time.Second, "cancellation must be honored promptly")
}

func TestAwaitHealthyRejectsWrongIdentity(t *testing.T) {
	for _, tc := range []struct {
		name    string
		respond func(w http.ResponseWriter)
	}{
		{
			name: "wrong application",
			respond: func(w http.ResponseWriter) {
				writeIdentity(w, "checkout", "v2")
			},
		},
		{
			name: "wrong version",
			respond: func(w http.ResponseWriter) {
				writeIdentity(w, "shop", "v1")
			},
		},
		{
			name: "not an identity document",
			respond: func(w http.ResponseWriter) {
				w.Write([]byte("OK"))
			},
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			ps := newProbeServer(func(n int, w http.ResponseWriter) {
				tc.respond(w)
			})
			defer ps.server.Close()

			policy := core.HealthCheckPolicy{
				Timeout:          50 * time.Millisecond,
				Interval:         5 * time.Millisecond,
				SuccessThreshold: 1,
			}

			verifier := newTestVerifier(ps.server.URL)
			err := verifier.AwaitHealthy(context.Background(), core.SlotGreen, policy)
			require.Error(t, err)
			require.True(t, core.IsHealthGateError(err), "expected health gate error, got %v", err)
		})
	}
}

func TestProbeURLSubstitution(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/probe/default/shop-green" {
			http.NotFound(w, r)
			return
		}
		writeIdentity(w, "shop", "v2")
	}))
	defer server.Close()

	verifier := newTestVerifier(server.URL + "/probe/{namespace}/{service}")
	err := verifier.AwaitHealthy(context.Background(), core.SlotGreen, testPolicy(1))
	require.NoError(t, err)
}

func TestVersionFromImageRef(t *testing.T) {
	for _, tc := range []struct {
		ref      string
		expected string
	}{
		{ref: "registry.example.org/shop/api:v2", expected: "v2"},
		{ref: "registry.example.org:5000/shop/api", expected: "latest"},
		{ref: "registry.example.org:5000/shop/api:1.2.3", expected: "1.2.3"},
		{ref: "registry.example.org/shop/api@sha256:4ee5d2", expected: "sha256:4ee5d2"},
		{ref: "api", expected: "latest"},
	} {
		t.Run(tc.ref, func(t *testing.T) {
			require.Equal(t, tc.expected, VersionFromImageRef(tc.ref))
		})
	}
}
