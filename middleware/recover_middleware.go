package middleware

import (
	"context"
	"edge-rpc/message"
	"fmt"

	"github.com/gorilla/rpc/v2/json2"
	"github.com/rs/zerolog/log"
)

// Recover turns a handler panic into an internal error response so one bad handler
// cannot take down the connection's read loop.
func Recover() Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) (result any, err error) {
			defer func() {
				if p := recover(); p != nil {
					result, err = nil, panicError(req, p)
				}
			}()
			return next(ctx, req)
		}
	}
}

// panicError logs a recovered handler panic and converts it into an internal error.
// Middlewares that run the chain on their own goroutine recover with it too, since a
// panic there never reaches Recover.
func panicError(req *message.Request, p any) error {
	log.Error().Str("method", req.Method).Interface("panic", p).Msg("handler panicked")
	return &json2.Error{Code: json2.E_INTERNAL, Message: fmt.Sprintf("internal error: %v", p)}
}
