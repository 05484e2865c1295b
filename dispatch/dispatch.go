// Package dispatch classifies inbound JSON-RPC traffic and serves requests from a method table.
//
// Every inbound frame ends up in exactly one of three places:
//
//	request  (has "method")           → method table → handler → response bytes (unless notification)
//	response (has "result"/"error")   → ResponseFunc (correlation with our own earlier calls)
//	anything else / not JSON          → ParseError
package dispatch

import (
	"context"
	"edge-rpc/codec"
	"edge-rpc/message"
	"edge-rpc/middleware"
	"errors"
	"fmt"
	"sync"

	"github.com/gorilla/rpc/v2/json2"
	"github.com/rs/zerolog/log"
)

// Result classifies one inbound message.
type Result int

const (
	OK Result = iota
	RequestNotMatched
	ParseError
)

func (r Result) String() string {
	switch r {
	case OK:
		return "ok"
	case RequestNotMatched:
		return "request_not_matched"
	case ParseError:
		return "parse_error"
	default:
		return fmt.Sprintf("Result(%d)", int(r))
	}
}

// ErrDeferred is returned by a handler that answers later through the orchestrator's
// SendResponse. No response is written for the request now.
var ErrDeferred = errors.New("dispatch: response deferred")

// ResponseFunc receives inbound responses to calls we issued earlier.
type ResponseFunc func(conn message.Conn, response message.Envelope) error

// Table maps method names to handlers.
type Table struct {
	mu          sync.RWMutex
	methods     map[string]middleware.HandlerFunc
	middlewares []middleware.Middleware
	chain       middleware.Middleware
}

// NewTable creates an empty method table.
func NewTable() *Table {
	return &Table{methods: make(map[string]middleware.HandlerFunc)}
}

// Register adds or replaces the handler for method.
func (t *Table) Register(method string, h middleware.HandlerFunc) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.methods[method] = h
}

// Use appends a middleware. Middlewares apply to every method, in the order added.
func (t *Table) Use(mw middleware.Middleware) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.middlewares = append(t.middlewares, mw)
	t.chain = middleware.Chain(t.middlewares...)
}

// Methods lists the registered method names.
func (t *Table) Methods() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]string, 0, len(t.methods))
	for name := range t.methods {
		out = append(out, name)
	}
	return out
}

func (t *Table) lookup(method string) (middleware.HandlerFunc, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	h, ok := t.methods[method]
	if !ok {
		return nil, false
	}
	if t.chain != nil {
		h = t.chain(h)
	}
	return h, true
}

// Dispatch parses data and routes it. For requests it returns the serialized response, if
// one is due. For responses it returns whatever onResponse reported as the error.
func (t *Table) Dispatch(ctx context.Context, data []byte, conn message.Conn, onResponse ResponseFunc) (Result, []byte, error) {
	env, err := codec.Decode(data)
	if err != nil {
		log.Warn().Err(err).Str("conn", connName(conn)).Msg("cannot parse inbound message")
		return ParseError, nil, err
	}

	if _, isRequest := env["method"]; !isRequest {
		if !env.IsResponse() {
			return ParseError, nil, fmt.Errorf("dispatch: message is neither request nor response")
		}
		if onResponse == nil {
			return OK, nil, fmt.Errorf("dispatch: no response handler")
		}
		return OK, nil, onResponse(conn, env)
	}

	id := env["id"]
	method, ok := env["method"].(string)
	if env["jsonrpc"] != message.Version || !ok || method == "" {
		return ParseError, t.reply(id, codec.NewError(id, &json2.Error{Code: json2.E_INVALID_REQ, Message: "Invalid Request"})), nil
	}

	handler, found := t.lookup(method)
	if !found {
		log.Warn().Str("method", method).Str("conn", connName(conn)).Msg("no method matched")
		return RequestNotMatched, t.reply(id, codec.NewError(id, &json2.Error{Code: json2.E_NO_METHOD, Message: "Method not found"})), nil
	}

	params := map[string]any{}
	if raw, present := env["params"]; present && raw != nil {
		p, isObject := raw.(map[string]any)
		if !isObject {
			return OK, t.reply(id, codec.NewError(id, &json2.Error{Code: json2.E_BAD_PARAMS, Message: "Invalid params", Data: "params must be an object"})), nil
		}
		params = p
	}

	req := &message.Request{ID: id, Method: method, Params: params, Envelope: env, Conn: conn}
	result, herr := handler(ctx, req)
	if errors.Is(herr, ErrDeferred) {
		return OK, nil, nil
	}
	if herr != nil {
		return OK, t.reply(id, codec.NewError(id, asRPCError(herr))), nil
	}
	return OK, t.reply(id, codec.NewResult(id, result)), nil
}

// reply serializes a response, or returns nil for notifications.
func (t *Table) reply(id any, resp message.Envelope) []byte {
	if id == nil {
		return nil
	}
	data, err := codec.FinalizeResponse(resp)
	if err != nil {
		log.Error().Err(err).Interface("id", id).Msg("cannot serialize response")
		return nil
	}
	return data
}

func asRPCError(err error) *json2.Error {
	var rpcErr *json2.Error
	if errors.As(err, &rpcErr) {
		return rpcErr
	}
	return &json2.Error{Code: json2.E_INTERNAL, Message: err.Error()}
}

func connName(c message.Conn) string {
	if c == nil {
		return "<nil>"
	}
	return c.String()
}
