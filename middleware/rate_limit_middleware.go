package middleware

import (
	"context"
	"edge-rpc/message"

	"github.com/gorilla/rpc/v2/json2"
	"golang.org/x/time/rate"
)

// ErrRateLimited is returned to the peer when the token bucket is empty.
var ErrRateLimited = &json2.Error{Code: json2.E_SERVER, Message: "rate limit exceeded"}

// RateLimit admits r requests per second with the given burst, shared by all connections.
func RateLimit(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) (any, error) {
			if !limiter.Allow() {
				return nil, ErrRateLimited
			}
			return next(ctx, req)
		}
	}
}
