package middleware

import (
	"context"
	"edge-rpc/message"
	"time"

	"github.com/gorilla/rpc/v2/json2"
)

// ErrTimeout is returned to the peer when a handler runs past its deadline.
var ErrTimeout = &json2.Error{Code: json2.E_SERVER, Message: "request timed out"}

type handlerResult struct {
	result any
	err    error
}

// Timeout bounds handler run time. The handler keeps running in its goroutine after the
// deadline; it should watch ctx to stop early.
func Timeout(timeout time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) (any, error) {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			done := make(chan handlerResult, 1)
			go func() {
				defer func() {
					if p := recover(); p != nil {
						done <- handlerResult{err: panicError(req, p)}
					}
				}()
				result, err := next(ctx, req)
				done <- handlerResult{result: result, err: err}
			}()

			select {
			case r := <-done:
				return r.result, r.err
			case <-ctx.Done():
				return nil, ErrTimeout
			}
		}
	}
}
