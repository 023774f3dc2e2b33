package registry

import "errors"

// Domain errors for the registry package.
//
// These errors can be checked using errors.Is():
//
//	if errors.Is(err, registry.ErrNoRoute) {
//	    // emit 404
//	}
var (
	// ErrNoRoute is returned when no route rule matches a request path.
	ErrNoRoute = errors.New("registry: no route matches path")

	// ErrInvalidInstance is returned when an instance is missing its
	// service name, ID, or address.
	ErrInvalidInstance = errors.New("registry: invalid instance")

	// ErrInvalidRule is returned when a route rule fails validation.
	ErrInvalidRule = errors.New("registry: invalid route rule")
)
