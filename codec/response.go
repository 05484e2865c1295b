package codec

import (
	"edge-rpc/message"
	"encoding/json"
	"fmt"

	"github.com/gorilla/rpc/v2/json2"
)

// NewResult builds a success response echoing the request id.
func NewResult(id any, result any) message.Envelope {
	return message.Envelope{
		"jsonrpc": message.Version,
		"id":      id,
		"result":  result,
	}
}

// NewError builds an error response echoing the request id. The error object is stored as
// a map so it serializes with sorted keys like the rest of the envelope.
func NewError(id any, e *json2.Error) message.Envelope {
	obj := map[string]any{
		"code":    int(e.Code),
		"message": e.Message,
	}
	if e.Data != nil {
		obj["data"] = e.Data
	}
	return message.Envelope{
		"jsonrpc": message.Version,
		"id":      id,
		"error":   obj,
	}
}

// ErrorFrom extracts the error object of a failed response. Responses without a usable
// error object are reported as an internal error so callers always get a code.
func ErrorFrom(env message.Envelope) *json2.Error {
	obj, ok := env["error"].(map[string]any)
	if !ok {
		return &json2.Error{Code: json2.E_INTERNAL, Message: "response carries no result and no error object"}
	}
	e := &json2.Error{Code: json2.E_SERVER, Data: obj["data"]}
	switch code := obj["code"].(type) {
	case json.Number:
		if n, err := code.Int64(); err == nil {
			e.Code = json2.ErrorCode(n)
		}
	case int:
		e.Code = json2.ErrorCode(code)
	case float64:
		e.Code = json2.ErrorCode(int(code))
	}
	if msg, ok := obj["message"].(string); ok {
		e.Message = msg
	} else {
		e.Message = fmt.Sprintf("remote error %d", e.Code)
	}
	return e
}
