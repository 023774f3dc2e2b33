package health

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func TestNewProber_RequiresDeps(t *testing.T) {
	if _, err := NewProber(ProberOptions{Targets: func() []Target { return nil }}); err == nil {
		t.Error("NewProber() without tracker should fail")
	}
	if _, err := NewProber(ProberOptions{Tracker: NewTracker(TrackerOptions{})}); err == nil {
		t.Error("NewProber() without target source should fail")
	}
}

func TestProbeAll_ClassifiesInstances(t *testing.T) {
	healthy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/healthz" {
			t.Errorf("probe path = %q, want /healthz", r.URL.Path)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer healthy.Close()

	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer failing.Close()

	tracker := NewTracker(TrackerOptions{})
	tracker.InstanceAdded("rbac", "good")
	tracker.InstanceAdded("rbac", "bad")

	targets := []Target{
		{Service: "rbac", ID: "good", Addr: strings.TrimPrefix(healthy.URL, "http://")},
		{Service: "rbac", ID: "bad", Addr: strings.TrimPrefix(failing.URL, "http://")},
	}

	p, err := NewProber(ProberOptions{
		Tracker: tracker,
		Targets: func() []Target { return targets },
		Timeout: time.Second,
	})
	if err != nil {
		t.Fatalf("NewProber() error = %v", err)
	}

	p.probeAll(context.Background())

	if got := tracker.State("rbac", "good"); got != StateHealthy {
		t.Errorf("State(good) = %v, want StateHealthy", got)
	}
	// One failed probe classifies a fresh instance immediately.
	if got := tracker.State("rbac", "bad"); got != StateUnhealthy {
		t.Errorf("State(bad) = %v, want StateUnhealthy", got)
	}
}

func TestProbeAll_CustomHealthCheckURL(t *testing.T) {
	var path atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path.Store(r.URL.Path)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	tracker := NewTracker(TrackerOptions{})
	tracker.InstanceAdded("rbac", "rbac-1")

	p, err := NewProber(ProberOptions{
		Tracker: tracker,
		Targets: func() []Target {
			return []Target{{Service: "rbac", ID: "rbac-1", URL: srv.URL + "/internal/health"}}
		},
		Timeout: time.Second,
	})
	if err != nil {
		t.Fatalf("NewProber() error = %v", err)
	}

	p.probeAll(context.Background())

	if got, _ := path.Load().(string); got != "/internal/health" {
		t.Errorf("probe path = %q, want /internal/health", got)
	}
}

func TestProbeAll_ConnectionRefusedIsFailure(t *testing.T) {
	tracker := NewTracker(TrackerOptions{})
	tracker.InstanceAdded("rbac", "dead")

	p, err := NewProber(ProberOptions{
		Tracker: tracker,
		Targets: func() []Target {
			// Reserved port with nothing listening.
			return []Target{{Service: "rbac", ID: "dead", Addr: "127.0.0.1:1"}}
		},
		Timeout: 500 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewProber() error = %v", err)
	}

	p.probeAll(context.Background())

	if got := tracker.State("rbac", "dead"); got != StateUnhealthy {
		t.Errorf("State() = %v, want StateUnhealthy", got)
	}
}

func TestProbeAll_SkipsDrainingInstances(t *testing.T) {
	var probed atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		probed.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	tracker := NewTracker(TrackerOptions{})
	tracker.InstanceAdded("rbac", "rbac-1")
	tracker.InstanceDraining("rbac", "rbac-1")

	p, err := NewProber(ProberOptions{
		Tracker: tracker,
		Targets: func() []Target {
			return []Target{{Service: "rbac", ID: "rbac-1", Addr: strings.TrimPrefix(srv.URL, "http://")}}
		},
		Timeout: time.Second,
	})
	if err != nil {
		t.Fatalf("NewProber() error = %v", err)
	}

	p.probeAll(context.Background())

	if probed.Load() != 0 {
		t.Errorf("draining instance was probed %d times, want 0", probed.Load())
	}
}

func TestStartStop_RunsImmediateRound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	tracker := NewTracker(TrackerOptions{})
	tracker.InstanceAdded("rbac", "rbac-1")

	p, err := NewProber(ProberOptions{
		Tracker: tracker,
		Targets: func() []Target {
			return []Target{{Service: "rbac", ID: "rbac-1", Addr: strings.TrimPrefix(srv.URL, "http://")}}
		},
		Interval: time.Minute, // only the immediate round should run
		Timeout:  time.Second,
	})
	if err != nil {
		t.Fatalf("NewProber() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)
	defer p.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if tracker.IsHealthy("rbac", "rbac-1") {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("immediate probe round never classified the instance")
}
