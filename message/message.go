// Package message defines the JSON-RPC envelope and the bookkeeping records exchanged between
// the codec, the pending-request registry and the orchestrator.
//
// Envelope is the structured form of every JSON-RPC object. It is a plain map so that
// encoding/json serializes it with sorted keys, which keeps the wire bytes reproducible.
//
//   - On request:  "jsonrpc", "method", "params" and (once finalized) "id" are set.
//   - On response: "id" plus either "result" or "error".
package message

import (
	"encoding/json"
	"fmt"
)

// Version is the only JSON-RPC protocol version spoken on the wire.
const Version = "2.0"

// Envelope is a structured JSON-RPC request or response.
type Envelope map[string]any

// ID returns the envelope id as a string. Numeric ids (decoded as json.Number) are
// returned in their textual form; any other type reports ok=false.
func (e Envelope) ID() (string, bool) {
	raw, ok := e["id"]
	if !ok || raw == nil {
		return "", false
	}
	switch v := raw.(type) {
	case string:
		return v, true
	case json.Number:
		return v.String(), true
	default:
		return "", false
	}
}

// HasID reports whether an id field is present and non-null, whatever its type.
func (e Envelope) HasID() bool {
	raw, ok := e["id"]
	return ok && raw != nil
}

// Method returns the method name of a request envelope.
func (e Envelope) Method() string {
	m, _ := e["method"].(string)
	return m
}

// Params returns the params object, creating it when absent so callers can populate it.
func (e Envelope) Params() map[string]any {
	if p, ok := e["params"].(map[string]any); ok {
		return p
	}
	p := make(map[string]any)
	e["params"] = p
	return p
}

// HasResult reports whether the envelope carries a "result" field. This is the sole
// success/failure discriminator for responses; a null result still counts as present.
func (e Envelope) HasResult() bool {
	_, ok := e["result"]
	return ok
}

// IsResponse reports whether the envelope looks like a response to an earlier call.
func (e Envelope) IsResponse() bool {
	if _, ok := e["method"]; ok {
		return false
	}
	_, hasErr := e["error"]
	return e.HasResult() || hasErr
}

// Conn identifies the connection a message travelled over. The registry only compares
// Conn values with == and never performs I/O through them, so implementations must be
// comparable (pointer types are the usual choice).
type Conn interface {
	String() string
}

// Handler is a continuation invoked with the matching response and the caller's context.
type Handler func(response Envelope, userContext any)

// ReleaseFunc releases the caller-owned context of a call.
type ReleaseFunc func(userContext any)

// Incoming is one inbound message, owned for the duration of parse-and-dispatch only.
type Incoming struct {
	Data []byte
	Conn Conn
}

// NewIncoming copies data so the caller may reuse its buffer after the call.
func NewIncoming(data []byte, conn Conn) *Incoming {
	buf := make([]byte, len(data))
	copy(buf, data)
	return &Incoming{Data: buf, Conn: conn}
}

// Request is an inbound JSON-RPC request handed to method handlers.
//
//   - ID is nil for notifications; otherwise it is echoed unchanged in the response.
//   - Params is never nil.
type Request struct {
	ID       any
	Method   string
	Params   map[string]any
	Envelope Envelope
	Conn     Conn
}

// IsNotification reports whether the peer expects no response.
func (r *Request) IsNotification() bool {
	return r.ID == nil
}

func (r *Request) String() string {
	return fmt.Sprintf("%s(id=%v)", r.Method, r.ID)
}
