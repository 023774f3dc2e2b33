package registry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// recordingSink captures health lifecycle events for assertions.
type recordingSink struct {
	mu       sync.Mutex
	added    []string
	draining []string
	removed  []string
}

func (s *recordingSink) InstanceAdded(service, id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.added = append(s.added, service+"/"+id)
}

func (s *recordingSink) InstanceDraining(service, id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.draining = append(s.draining, service+"/"+id)
}

func (s *recordingSink) InstanceRemoved(service, id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removed = append(s.removed, service+"/"+id)
}

// fakeSource is a scriptable discovery source.
type fakeSource struct {
	mu        sync.Mutex
	instances []Instance
	err       error
}

func (s *fakeSource) Name() string { return "fake" }

func (s *fakeSource) Fetch(_ context.Context) ([]Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	out := make([]Instance, len(s.instances))
	copy(out, s.instances)
	return out, nil
}

func (s *fakeSource) set(instances []Instance, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.instances = instances
	s.err = err
}

func testInstance(service, id string, port int) Instance {
	return Instance{Service: service, ID: id, Address: "127.0.0.1", Port: port}
}

func TestRegister_AddsInstance(t *testing.T) {
	r := New(Options{})

	if err := r.Register(testInstance("rbac", "rbac-1", 9001)); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	got := r.Instances("rbac")
	if len(got) != 1 {
		t.Fatalf("Instances() returned %d instances, want 1", len(got))
	}
	if got[0].ID != "rbac-1" {
		t.Errorf("instance ID = %q, want %q", got[0].ID, "rbac-1")
	}
	if got[0].Addr() != "127.0.0.1:9001" {
		t.Errorf("Addr() = %q, want %q", got[0].Addr(), "127.0.0.1:9001")
	}
	if got[0].RegisteredAt.IsZero() {
		t.Error("RegisteredAt should be set on first registration")
	}
}

func TestRegister_Idempotent(t *testing.T) {
	r := New(Options{})
	sink := &recordingSink{}
	r.SetHealthSink(sink)

	inst := testInstance("rbac", "rbac-1", 9001)
	if err := r.Register(inst); err != nil {
		t.Fatalf("first Register() error = %v", err)
	}
	if err := r.Register(inst); err != nil {
		t.Fatalf("second Register() error = %v", err)
	}

	if got := r.Instances("rbac"); len(got) != 1 {
		t.Errorf("Instances() returned %d instances after duplicate registration, want 1", len(got))
	}
	if len(sink.added) != 1 {
		t.Errorf("health sink saw %d InstanceAdded events, want 1", len(sink.added))
	}
}

func TestRegister_Invalid(t *testing.T) {
	r := New(Options{})

	tests := []struct {
		name string
		inst Instance
	}{
		{"missing service", Instance{ID: "x", Address: "127.0.0.1"}},
		{"missing id", Instance{Service: "rbac", Address: "127.0.0.1"}},
		{"missing address", Instance{Service: "rbac", ID: "x"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := r.Register(tt.inst)
			if !errors.Is(err, ErrInvalidInstance) {
				t.Errorf("Register() error = %v, want ErrInvalidInstance", err)
			}
		})
	}
}

func TestDeregister_RemovesIdleInstance(t *testing.T) {
	r := New(Options{})
	sink := &recordingSink{}
	r.SetHealthSink(sink)

	if err := r.Register(testInstance("rbac", "rbac-1", 9001)); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	r.Deregister("rbac", "rbac-1")

	if got := r.Instances("rbac"); len(got) != 0 {
		t.Errorf("Instances() returned %d instances after deregister, want 0", len(got))
	}
	if len(sink.draining) != 1 || len(sink.removed) != 1 {
		t.Errorf("health sink saw draining=%d removed=%d, want 1 and 1",
			len(sink.draining), len(sink.removed))
	}
}

func TestDeregister_UnknownInstanceIgnored(t *testing.T) {
	r := New(Options{})
	r.Deregister("rbac", "never-registered")

	if got := r.Services(); len(got) != 0 {
		t.Errorf("Services() = %v, want empty", got)
	}
}

func TestDeregister_InflightDrainsBeforeRemoval(t *testing.T) {
	r := New(Options{})
	sink := &recordingSink{}
	r.SetHealthSink(sink)

	if err := r.Register(testInstance("rbac", "rbac-1", 9001)); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	if !r.Acquire("rbac", "rbac-1") {
		t.Fatal("Acquire() = false, want true for healthy instance")
	}

	r.Deregister("rbac", "rbac-1")

	// Still present while the request is in flight.
	if !r.IsDraining("rbac", "rbac-1") {
		t.Error("IsDraining() = false, want true after deregister with in-flight request")
	}
	if got := r.Instances("rbac"); len(got) != 1 {
		t.Fatalf("Instances() returned %d instances during drain, want 1", len(got))
	}

	// New traffic is refused.
	if r.Acquire("rbac", "rbac-1") {
		t.Error("Acquire() = true for draining instance, want false")
	}

	// Completing the last in-flight request removes the entry.
	r.Release("rbac", "rbac-1")
	if got := r.Instances("rbac"); len(got) != 0 {
		t.Errorf("Instances() returned %d instances after drain completed, want 0", len(got))
	}
	if len(sink.removed) != 1 {
		t.Errorf("health sink saw %d InstanceRemoved events, want 1", len(sink.removed))
	}
}

func TestRegister_RevivesDrainingInstance(t *testing.T) {
	r := New(Options{})
	sink := &recordingSink{}
	r.SetHealthSink(sink)

	if err := r.Register(testInstance("rbac", "rbac-1", 9001)); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if !r.Acquire("rbac", "rbac-1") {
		t.Fatal("Acquire() failed")
	}
	r.Deregister("rbac", "rbac-1")

	if err := r.Register(testInstance("rbac", "rbac-1", 9001)); err != nil {
		t.Fatalf("re-Register() error = %v", err)
	}

	if r.IsDraining("rbac", "rbac-1") {
		t.Error("IsDraining() = true after revival, want false")
	}
	if !r.Acquire("rbac", "rbac-1") {
		t.Error("Acquire() = false after revival, want true")
	}
	// Added once on first registration, once on revival.
	if len(sink.added) != 2 {
		t.Errorf("health sink saw %d InstanceAdded events, want 2", len(sink.added))
	}
}

func TestSweepDrains_ForcesRemovalAfterGrace(t *testing.T) {
	r := New(Options{DrainGrace: time.Second})
	sink := &recordingSink{}
	r.SetHealthSink(sink)

	if err := r.Register(testInstance("rbac", "rbac-1", 9001)); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if !r.Acquire("rbac", "rbac-1") {
		t.Fatal("Acquire() failed")
	}
	r.Deregister("rbac", "rbac-1")

	// Within grace: nothing happens.
	r.sweepDrains(time.Now())
	if got := r.Instances("rbac"); len(got) != 1 {
		t.Fatalf("Instances() returned %d instances inside grace period, want 1", len(got))
	}

	// Past grace: forced removal despite the in-flight request.
	r.sweepDrains(time.Now().Add(2 * time.Second))
	if got := r.Instances("rbac"); len(got) != 0 {
		t.Errorf("Instances() returned %d instances past grace period, want 0", len(got))
	}
	if len(sink.removed) != 1 {
		t.Errorf("health sink saw %d InstanceRemoved events, want 1", len(sink.removed))
	}
}

func TestInstances_SnapshotIsolation(t *testing.T) {
	r := New(Options{})
	if err := r.Register(Instance{
		Service: "rbac", ID: "rbac-1", Address: "127.0.0.1", Port: 9001,
		Tags: []string{"zone-a"},
	}); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	snap := r.Instances("rbac")
	snap[0].Address = "mutated"
	snap[0].Tags[0] = "mutated"

	got := r.Instances("rbac")
	if got[0].Address != "127.0.0.1" {
		t.Errorf("registry address = %q after snapshot mutation, want %q", got[0].Address, "127.0.0.1")
	}
	if got[0].Tags[0] != "zone-a" {
		t.Errorf("registry tags = %v after snapshot mutation, want [zone-a]", got[0].Tags)
	}
}

func TestSync_UpsertsAndDrainsFromCatalog(t *testing.T) {
	src := &fakeSource{}
	src.set([]Instance{
		testInstance("rbac", "rbac-1", 9001),
		testInstance("rbac", "rbac-2", 9002),
	}, nil)

	r := New(Options{Sources: []Source{src}})
	r.sync(context.Background())

	if got := r.Instances("rbac"); len(got) != 2 {
		t.Fatalf("Instances() returned %d instances after sync, want 2", len(got))
	}

	// rbac-2 vanishes from the catalog; next sync drains and removes it.
	src.set([]Instance{testInstance("rbac", "rbac-1", 9001)}, nil)
	r.sync(context.Background())

	got := r.Instances("rbac")
	if len(got) != 1 {
		t.Fatalf("Instances() returned %d instances after reconcile, want 1", len(got))
	}
	if got[0].ID != "rbac-1" {
		t.Errorf("surviving instance = %q, want rbac-1", got[0].ID)
	}
}

func TestSync_SourceFailureKeepsSnapshot(t *testing.T) {
	src := &fakeSource{}
	src.set([]Instance{
		testInstance("rbac", "rbac-1", 9001),
		testInstance("rbac", "rbac-2", 9002),
	}, nil)

	r := New(Options{Sources: []Source{src}})
	r.sync(context.Background())

	// Catalog outage: the last-known snapshot keeps serving.
	src.set(nil, errors.New("connection refused"))
	r.sync(context.Background())

	if got := r.Instances("rbac"); len(got) != 2 {
		t.Errorf("Instances() returned %d instances during source outage, want 2", len(got))
	}
}

func TestSync_ManualInstancesNotReconciled(t *testing.T) {
	src := &fakeSource{}
	src.set([]Instance{testInstance("rbac", "rbac-1", 9001)}, nil)

	r := New(Options{Sources: []Source{src}})
	if err := r.Register(testInstance("rbac", "manual-1", 9050)); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	// manual-1 is absent from the catalog but manually owned, so it stays.
	r.sync(context.Background())

	got := r.Instances("rbac")
	if len(got) != 2 {
		t.Fatalf("Instances() returned %d instances, want 2", len(got))
	}
}

func TestStartStop_PollsSources(t *testing.T) {
	src := &fakeSource{}
	src.set([]Instance{testInstance("rbac", "rbac-1", 9001)}, nil)

	r := New(Options{Sources: []Source{src}, PollInterval: 10 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	r.Start(ctx)
	defer r.Stop()

	// The initial sync runs before Start returns.
	if got := r.Instances("rbac"); len(got) != 1 {
		t.Fatalf("Instances() returned %d instances right after Start, want 1", len(got))
	}

	src.set([]Instance{
		testInstance("rbac", "rbac-1", 9001),
		testInstance("rbac", "rbac-2", 9002),
	}, nil)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(r.Instances("rbac")) == 2 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("poll loop never picked up the new instance")
}

func TestServices_Sorted(t *testing.T) {
	r := New(Options{})
	for _, svc := range []string{"telemetry", "rbac", "drone"} {
		if err := r.Register(testInstance(svc, svc+"-1", 9001)); err != nil {
			t.Fatalf("Register() error = %v", err)
		}
	}

	got := r.Services()
	want := []string{"drone", "rbac", "telemetry"}
	if len(got) != len(want) {
		t.Fatalf("Services() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Services()[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestAllInstances_SortedByServiceThenID(t *testing.T) {
	r := New(Options{})
	for _, inst := range []Instance{
		testInstance("telemetry", "t-1", 9101),
		testInstance("rbac", "rbac-2", 9002),
		testInstance("rbac", "rbac-1", 9001),
	} {
		if err := r.Register(inst); err != nil {
			t.Fatalf("Register() error = %v", err)
		}
	}

	got := r.AllInstances()
	wantIDs := []string{"rbac-1", "rbac-2", "t-1"}
	if len(got) != len(wantIDs) {
		t.Fatalf("AllInstances() returned %d instances, want %d", len(got), len(wantIDs))
	}
	for i, id := range wantIDs {
		if got[i].ID != id {
			t.Errorf("AllInstances()[%d].ID = %q, want %q", i, got[i].ID, id)
		}
	}
}
