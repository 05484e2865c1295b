// Package middleware wraps JSON-RPC method handlers.
//
// Chain(A, B, C)(handler) builds A(B(C(handler))), so A sees the request first and the
// result last. The dispatch table builds the chain once, not per request.
package middleware

import (
	"context"
	"edge-rpc/message"
)

// HandlerFunc serves one inbound request. A non-nil result is sent back as "result";
// a returned error becomes the "error" object of the response.
type HandlerFunc func(ctx context.Context, req *message.Request) (any, error)

type Middleware func(next HandlerFunc) HandlerFunc

// Chain combines middlewares into one, applied in the order given.
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}
