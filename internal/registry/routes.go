package registry

import (
	"fmt"
	"strings"
)

// Rule maps a path prefix onto a logical service.
type Rule struct {
	// Prefix is the path prefix to match, starting with "/".
	Prefix string

	// Service is the logical service name requests are forwarded to.
	Service string

	// StripPrefix removes the matched prefix before forwarding upstream.
	StripPrefix bool
}

// RouteTable resolves request paths to logical services.
//
// The table is immutable after construction and consulted read-only on
// every request, so lookups need no locking. Matching is longest-prefix;
// rules registered earlier win ties.
type RouteTable struct {
	rules []Rule
}

// NewRouteTable builds a route table from the given rules.
// Rule order is preserved for tie-breaking.
func NewRouteTable(rules []Rule) (*RouteTable, error) {
	if len(rules) == 0 {
		return nil, fmt.Errorf("%w: at least one rule is required", ErrInvalidRule)
	}

	table := &RouteTable{rules: make([]Rule, len(rules))}
	for i, r := range rules {
		if !strings.HasPrefix(r.Prefix, "/") {
			return nil, fmt.Errorf("%w: prefix %q must start with /", ErrInvalidRule, r.Prefix)
		}
		if r.Service == "" {
			return nil, fmt.Errorf("%w: prefix %q has no service", ErrInvalidRule, r.Prefix)
		}
		// Normalise away a trailing slash so "/api/drone/" and
		// "/api/drone" match the same paths.
		r.Prefix = strings.TrimSuffix(r.Prefix, "/")
		if r.Prefix == "" {
			r.Prefix = "/"
		}
		table.rules[i] = r
	}
	return table, nil
}

// Resolve matches path against the table and returns the matched prefix,
// the logical service, and the path to forward upstream. The prefix is
// returned so callers can attribute a request to the rule that routed it;
// several prefixes may map to one service. Returns ErrNoRoute when nothing
// matches.
func (t *RouteTable) Resolve(path string) (route string, service string, upstreamPath string, err error) {
	best := -1
	bestLen := -1
	for i, r := range t.rules {
		if matchesPrefix(path, r.Prefix) && len(r.Prefix) > bestLen {
			best = i
			bestLen = len(r.Prefix)
		}
	}
	if best < 0 {
		return "", "", "", ErrNoRoute
	}

	rule := t.rules[best]
	upstreamPath = path
	if rule.StripPrefix && rule.Prefix != "/" {
		upstreamPath = strings.TrimPrefix(path, rule.Prefix)
		if upstreamPath == "" {
			upstreamPath = "/"
		}
	}
	return rule.Prefix, rule.Service, upstreamPath, nil
}

// Rules returns a copy of the configured rules, for the status endpoint.
func (t *RouteTable) Rules() []Rule {
	out := make([]Rule, len(t.rules))
	copy(out, t.rules)
	return out
}

// matchesPrefix reports whether path falls under prefix on a path-segment
// boundary: "/api/drone" matches "/api/drone" and "/api/drone/x" but not
// "/api/dronex".
func matchesPrefix(path, prefix string) bool {
	if prefix == "/" {
		return strings.HasPrefix(path, "/")
	}
	if !strings.HasPrefix(path, prefix) {
		return false
	}
	return len(path) == len(prefix) || path[len(prefix)] == '/'
}
