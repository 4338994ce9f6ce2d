// Package kit holds the transport-agnostic endpoint core shared by the
// livedeck HTTP and MCP surfaces. An Endpoint is a single operation;
// middlewares compose around it, and transport adapters (chi handlers,
// RegisterMCPTool) decode their wire format into the endpoint's request type.
package kit

import "context"

// Endpoint is a single transport-agnostic operation.
type Endpoint func(ctx context.Context, req any) (any, error)

// Middleware wraps an Endpoint with cross-cutting behaviour.
type Middleware func(Endpoint) Endpoint

// Chain composes middlewares left to right: the first middleware is the
// outermost.
func Chain(mws ...Middleware) Middleware {
	return func(next Endpoint) Endpoint {
		for i := len(mws) - 1; i >= 0; i-- {
			next = mws[i](next)
		}
		return next
	}
}
