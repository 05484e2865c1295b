package dispatch

import (
	"context"
	"edge-rpc/message"
	"edge-rpc/middleware"
	"encoding/json"

	"github.com/gorilla/rpc/v2/json2"
)

// Typed adapts a handler working on a params struct. The params object is decoded into a
// fresh *P; decode failures are answered with an invalid params error.
//
//	table.Register("device_register", dispatch.Typed(func(ctx context.Context, req *message.Request, p *DeviceParams) (any, error) {
//		...
//	}))
func Typed[P any](fn func(ctx context.Context, req *message.Request, params *P) (any, error)) middleware.HandlerFunc {
	return func(ctx context.Context, req *message.Request) (any, error) {
		params := new(P)
		raw, err := json.Marshal(req.Params)
		if err == nil {
			err = json.Unmarshal(raw, params)
		}
		if err != nil {
			return nil, &json2.Error{Code: json2.E_BAD_PARAMS, Message: "Invalid params", Data: err.Error()}
		}
		return fn(ctx, req, params)
	}
}
