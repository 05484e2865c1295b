package middleware

import (
	"context"
	"edge-rpc/message"
	"time"

	"github.com/rs/zerolog/log"
)

// Logging records method, connection and duration of every request.
func Logging() Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) (any, error) {
			start := time.Now()
			result, err := next(ctx, req)
			event := log.Debug()
			if err != nil {
				event = log.Warn().Err(err)
			}
			conn := ""
			if req.Conn != nil {
				conn = req.Conn.String()
			}
			event.
				Str("method", req.Method).
				Interface("id", req.ID).
				Str("conn", conn).
				Dur("duration", time.Since(start)).
				Msg("rpc_request")
			return result, err
		}
	}
}
