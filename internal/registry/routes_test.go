package registry

import (
	"errors"
	"testing"
)

func TestNewRouteTable_Validation(t *testing.T) {
	tests := []struct {
		name  string
		rules []Rule
	}{
		{"no rules", nil},
		{"prefix missing slash", []Rule{{Prefix: "api", Service: "rbac"}}},
		{"missing service", []Rule{{Prefix: "/api"}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewRouteTable(tt.rules)
			if !errors.Is(err, ErrInvalidRule) {
				t.Errorf("NewRouteTable() error = %v, want ErrInvalidRule", err)
			}
		})
	}
}

func TestResolve_LongestPrefixWins(t *testing.T) {
	table, err := NewRouteTable([]Rule{
		{Prefix: "/api", Service: "generic"},
		{Prefix: "/api/rbac", Service: "rbac"},
		{Prefix: "/api/rbac/admin", Service: "rbac-admin"},
	})
	if err != nil {
		t.Fatalf("NewRouteTable() error = %v", err)
	}

	tests := []struct {
		path      string
		want      string
		wantRoute string
	}{
		{"/api/other", "generic", "/api"},
		{"/api/rbac/users", "rbac", "/api/rbac"},
		{"/api/rbac/admin/keys", "rbac-admin", "/api/rbac/admin"},
		{"/api/rbac", "rbac", "/api/rbac"},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			route, service, _, err := table.Resolve(tt.path)
			if err != nil {
				t.Fatalf("Resolve(%q) error = %v", tt.path, err)
			}
			if service != tt.want {
				t.Errorf("Resolve(%q) = %q, want %q", tt.path, service, tt.want)
			}
			if route != tt.wantRoute {
				t.Errorf("Resolve(%q) route = %q, want %q", tt.path, route, tt.wantRoute)
			}
		})
	}
}

func TestResolve_FirstRuleWinsTies(t *testing.T) {
	// Two rules with equal-length prefixes can never match the same path,
	// but identical prefixes can be configured twice. The earlier rule wins.
	table, err := NewRouteTable([]Rule{
		{Prefix: "/api/rbac", Service: "primary"},
		{Prefix: "/api/rbac", Service: "shadow"},
	})
	if err != nil {
		t.Fatalf("NewRouteTable() error = %v", err)
	}

	_, service, _, err := table.Resolve("/api/rbac/users")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if service != "primary" {
		t.Errorf("Resolve() = %q, want the first-registered rule %q", service, "primary")
	}
}

func TestResolve_NoMatch(t *testing.T) {
	table, err := NewRouteTable([]Rule{{Prefix: "/api/rbac", Service: "rbac"}})
	if err != nil {
		t.Fatalf("NewRouteTable() error = %v", err)
	}

	if _, _, _, err := table.Resolve("/metrics"); !errors.Is(err, ErrNoRoute) {
		t.Errorf("Resolve() error = %v, want ErrNoRoute", err)
	}
}

func TestResolve_SegmentBoundary(t *testing.T) {
	table, err := NewRouteTable([]Rule{{Prefix: "/api/drone", Service: "drone"}})
	if err != nil {
		t.Fatalf("NewRouteTable() error = %v", err)
	}

	// "/api/dronex" shares the byte prefix but not the path segment.
	if _, _, _, err := table.Resolve("/api/dronex"); !errors.Is(err, ErrNoRoute) {
		t.Errorf("Resolve(/api/dronex) error = %v, want ErrNoRoute", err)
	}
	if _, _, _, err := table.Resolve("/api/drone"); err != nil {
		t.Errorf("Resolve(/api/drone) error = %v, want match", err)
	}
}

func TestResolve_StripPrefix(t *testing.T) {
	table, err := NewRouteTable([]Rule{
		{Prefix: "/api/rbac", Service: "rbac", StripPrefix: true},
		{Prefix: "/raw", Service: "raw"},
	})
	if err != nil {
		t.Fatalf("NewRouteTable() error = %v", err)
	}

	tests := []struct {
		path string
		want string
	}{
		{"/api/rbac/users/42", "/users/42"},
		{"/api/rbac", "/"}, // stripping the whole path yields root
		{"/raw/data", "/raw/data"},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			_, _, upstream, err := table.Resolve(tt.path)
			if err != nil {
				t.Fatalf("Resolve(%q) error = %v", tt.path, err)
			}
			if upstream != tt.want {
				t.Errorf("Resolve(%q) upstream path = %q, want %q", tt.path, upstream, tt.want)
			}
		})
	}
}

func TestNewRouteTable_TrailingSlashNormalised(t *testing.T) {
	table, err := NewRouteTable([]Rule{{Prefix: "/api/rbac/", Service: "rbac"}})
	if err != nil {
		t.Fatalf("NewRouteTable() error = %v", err)
	}

	if _, _, _, err := table.Resolve("/api/rbac"); err != nil {
		t.Errorf("Resolve(/api/rbac) error = %v, want match for normalised prefix", err)
	}
}

func TestRules_ReturnsCopy(t *testing.T) {
	table, err := NewRouteTable([]Rule{{Prefix: "/api", Service: "rbac"}})
	if err != nil {
		t.Fatalf("NewRouteTable() error = %v", err)
	}

	rules := table.Rules()
	rules[0].Service = "mutated"

	if _, svc, _, _ := table.Resolve("/api/x"); svc != "rbac" {
		t.Errorf("Resolve() = %q after mutating Rules() copy, want %q", svc, "rbac")
	}
}
