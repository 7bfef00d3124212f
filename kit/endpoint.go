// Package kit holds the transport-neutral plumbing shared by plume's HTTP
// and MCP surfaces: the Endpoint abstraction, middleware chaining, and the
// context keys that identify a request across transports.
package kit

import "context"

// Endpoint is a single transport-neutral operation. HTTP handlers and MCP
// tools both decode into a typed request, call an Endpoint, and encode the
// response for their wire format.
type Endpoint func(ctx context.Context, req any) (any, error)

// Middleware wraps an Endpoint with cross-cutting behaviour.
type Middleware func(Endpoint) Endpoint

// Chain composes middlewares so the first argument is the outermost wrapper:
// Chain(a, b, c)(e) runs a → b → c → e.
func Chain(mws ...Middleware) Middleware {
	return func(next Endpoint) Endpoint {
		for i := len(mws) - 1; i >= 0; i-- {
			next = mws[i](next)
		}
		return next
	}
}
