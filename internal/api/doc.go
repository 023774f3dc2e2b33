// Package api provides the gateway's HTTP surface.
//
// It owns the listener lifecycle, the middleware chain (request IDs,
// logging, panic recovery, rate limiting), the operational endpoints under
// /gateway/*, and the catch-all route that hands every other request to
// the proxy router.
//
// The server follows the standard component lifecycle:
//
//	server, err := api.New(deps)
//	server.Start(ctx)
//	defer server.Close()
//
// Thread Safety: All methods are safe for concurrent use from multiple goroutines.
package api
