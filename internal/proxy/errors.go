package proxy

import (
	"encoding/json"
	"errors"
	"net/http"
)

// Failure taxonomy for forwarded requests.
//
// These errors can be checked using errors.Is():
//
//	if errors.Is(err, proxy.ErrUpstreamTimeout) {
//	    // emit 504
//	}
var (
	// ErrUpstreamTimeout is returned when the per-request deadline expires
	// while forwarding.
	ErrUpstreamTimeout = errors.New("proxy: upstream timeout")

	// ErrUpstreamConnection is returned when the upstream connection fails
	// or the upstream answers 5xx.
	ErrUpstreamConnection = errors.New("proxy: upstream connection failed")

	// ErrAmbiguousFailure is returned when a non-idempotent request failed
	// after part of its body was sent. The backend's side-effect state is
	// unknown, so the failure is surfaced and never retried.
	ErrAmbiguousFailure = errors.New("proxy: ambiguous failure after partial send")
)

// Error codes used in gateway-generated error responses.
const (
	errCodeNoRoute          = "no_route"
	errCodeUnavailable      = "service_unavailable"
	errCodeUpstreamTimeout  = "upstream_timeout"
	errCodeUpstreamError    = "upstream_error"
	errCodeAmbiguousFailure = "ambiguous_upstream_failure"
)

// errorResponse is the JSON body of gateway-generated errors.
type errorResponse struct {
	Status  int    `json:"status"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// writeError writes a structured error response.
func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	//nolint:errcheck // Best-effort write to response; connection may be closed
	json.NewEncoder(w).Encode(errorResponse{
		Status:  status,
		Code:    code,
		Message: message,
	})
}
