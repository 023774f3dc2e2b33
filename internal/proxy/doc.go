// Package proxy forwards inbound requests to healthy backend instances.
//
// Each request moves through resolve (path to logical service via the
// route table), select (round-robin pick of a healthy instance), and
// forward (streamed both ways, bounded by a per-request deadline). A
// connection failure, timeout, or upstream 5xx marks the attempt failed,
// feeds the health tracker, and retries against a different instance while
// the retry budget and idempotency rules allow.
//
// Retry safety: a non-idempotent request (POST/PATCH/DELETE) is only
// retried when not a single body byte has left the gateway; a failure
// after a partial send is ambiguous, since the backend may have applied a
// side effect, and is always surfaced instead of retried. Idempotent
// requests buffer small bodies so they can be replayed on any failure.
//
// Responses stream back to the caller as they arrive; bodies are never
// fully buffered, so memory stays bounded for large payloads.
package proxy
