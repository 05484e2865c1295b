// Package client is the peer side of a gateway link.
//
// A Client owns one framed connection to a gateway. Calls it issues are correlated by the
// same rpc.Orchestrator the gateway uses, and methods it registers serve calls the gateway
// makes back over the same connection:
//
//	peer ──Call("protocol_translator_register")──→ gateway
//	peer ←──────────────────Call("write")───────── gateway
package client

import (
	"context"
	"edge-rpc/codec"
	"edge-rpc/discovery"
	"edge-rpc/dispatch"
	"edge-rpc/idgen"
	"edge-rpc/loadbalance"
	"edge-rpc/message"
	"edge-rpc/middleware"
	"edge-rpc/registry"
	"edge-rpc/rpc"
	"edge-rpc/transport"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/gorilla/rpc/v2/json2"
	"github.com/rs/zerolog/log"
)

var ErrClosed = errors.New("client: connection closed before the response arrived")

// RemoteError is the error object of a failed response.
type RemoteError struct {
	Method string
	Err    *json2.Error
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("%s: remote error %d: %s", e.Method, e.Err.Code, e.Err.Message)
}

func (e *RemoteError) Unwrap() error { return e.Err }

type options struct {
	ids          idgen.Generator
	heartbeat    time.Duration
	callbackWarn time.Duration
	dialTimeout  time.Duration
	middlewares  []middleware.Middleware
}

type Option func(*options)

func WithIDGenerator(g idgen.Generator) Option {
	return func(o *options) { o.ids = g }
}

// WithHeartbeat sets the keepalive interval. Zero disables heartbeats.
func WithHeartbeat(d time.Duration) Option {
	return func(o *options) { o.heartbeat = d }
}

func WithCallbackWarn(d time.Duration) Option {
	return func(o *options) { o.callbackWarn = d }
}

func WithDialTimeout(d time.Duration) Option {
	return func(o *options) { o.dialTimeout = d }
}

// WithMiddleware wraps the handlers registered with Register.
func WithMiddleware(mws ...middleware.Middleware) Option {
	return func(o *options) { o.middlewares = append(o.middlewares, mws...) }
}

// Client is a connection to one gateway.
type Client struct {
	conn     *transport.Conn
	rpc      *rpc.Orchestrator
	table    *dispatch.Table
	inflight sync.WaitGroup
	served   chan struct{}
}

// Dial connects to the gateway at addr.
func Dial(ctx context.Context, addr string, opts ...Option) (*Client, error) {
	o := resolve(opts)
	d := net.Dialer{Timeout: o.dialTimeout}
	nc, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	return newClient(nc, o), nil
}

// DialService discovers the instances of service, lets bal pick one for key and dials it.
func DialService(ctx context.Context, disc discovery.Discovery, service, key string, bal loadbalance.Balancer, opts ...Option) (*Client, error) {
	instances, err := disc.Discover(ctx, service)
	if err != nil {
		return nil, err
	}
	if len(instances) == 0 {
		return nil, fmt.Errorf("%w: %s", discovery.ErrNoInstances, service)
	}
	inst, err := bal.Pick(instances, key)
	if err != nil {
		return nil, err
	}
	log.Info().Str("service", service).Str("addr", inst.Addr).Str("balancer", bal.Name()).Msg("picked gateway")
	return Dial(ctx, inst.Addr, opts...)
}

// New wraps an established connection.
func New(nc net.Conn, opts ...Option) *Client {
	return newClient(nc, resolve(opts))
}

func resolve(opts []Option) *options {
	o := &options{
		heartbeat:    30 * time.Second,
		callbackWarn: rpc.DefaultCallbackWarn,
		dialTimeout:  5 * time.Second,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.ids == nil {
		o.ids = idgen.NewSequential()
	}
	return o
}

func newClient(nc net.Conn, o *options) *Client {
	c := &Client{
		table:  dispatch.NewTable(),
		served: make(chan struct{}),
	}
	for _, mw := range o.middlewares {
		c.table.Use(mw)
	}
	c.rpc = rpc.New(registry.New(),
		rpc.WithIDGenerator(o.ids),
		rpc.WithDispatcher(c.table),
		rpc.WithCallbackWarn(o.callbackWarn),
	)
	c.conn = transport.New(nc, c.onFrame)
	c.conn.StartHeartbeat(o.heartbeat)
	go c.serve()
	return c
}

func (c *Client) serve() {
	defer close(c.served)
	if err := c.conn.Serve(); err != nil {
		log.Warn().Err(err).Str("conn", c.conn.String()).Msg("gateway connection lost")
	}
	if n := c.rpc.CloseConnection(c.conn); n > 0 {
		log.Warn().Int("count", n).Msg("calls failed by closed gateway connection")
	}
}

// onFrame handles every frame on its own goroutine so a slow handler cannot stall the
// responses that other callers are waiting for.
func (c *Client) onFrame(conn *transport.Conn, body []byte) {
	c.inflight.Add(1)
	go func() {
		defer c.inflight.Done()
		protoErr, err := c.rpc.HandleIncoming(context.Background(), body, conn)
		if protoErr {
			log.Warn().Err(err).Str("conn", conn.String()).Msg("protocol error from gateway")
			return
		}
		if err != nil {
			log.Debug().Err(err).Str("conn", conn.String()).Msg("inbound message not handled")
		}
	}()
}

// Register serves method for calls coming from the gateway.
func (c *Client) Register(method string, h middleware.HandlerFunc) {
	c.table.Register(method, h)
}

type outcome struct {
	response message.Envelope
	success  bool
	drained  bool
}

// Call issues method and blocks until its response arrives, ctx ends or the connection
// closes. params is sent as the params object and must encode to a JSON object.
// A failed response is returned as *RemoteError.
func (c *Client) Call(ctx context.Context, method string, params any) (message.Envelope, error) {
	env := codec.NewRequest(method)
	if err := setParams(env, params); err != nil {
		return nil, err
	}

	done := make(chan outcome, 1)
	cb := rpc.Callbacks{
		OnSuccess: func(resp message.Envelope, _ any) { done <- outcome{response: resp, success: true} },
		OnFailure: func(resp message.Envelope, _ any) { done <- outcome{response: resp} },
		// Release follows a handler when a response arrived; it only reports when none did.
		Release: func(any) {
			select {
			case done <- outcome{drained: true}:
			default:
			}
		},
	}
	id, err := c.rpc.SendCall(c.conn, env, cb, method)
	if err != nil {
		return nil, err
	}

	var out outcome
	select {
	case out = <-done:
	case <-ctx.Done():
		if c.rpc.Abandon(c.conn, id) {
			return nil, ctx.Err()
		}
		// The response won the race.
		out = <-done
	}

	switch {
	case out.drained:
		return nil, ErrClosed
	case out.success:
		return out.response, nil
	default:
		return out.response, &RemoteError{Method: method, Err: codec.ErrorFrom(out.response)}
	}
}

// CallInto is Call with the result decoded into result.
func (c *Client) CallInto(ctx context.Context, method string, params any, result any) error {
	resp, err := c.Call(ctx, method, params)
	if err != nil {
		return err
	}
	if result == nil {
		return nil
	}
	raw, err := json.Marshal(resp["result"])
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, result)
}

func setParams(env message.Envelope, params any) error {
	switch p := params.(type) {
	case nil:
		return nil
	case map[string]any:
		env["params"] = p
		return nil
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("client: encode params: %w", err)
	}
	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err != nil || obj == nil {
		return fmt.Errorf("client: params must encode to a JSON object")
	}
	env["params"] = obj
	return nil
}

// Pending returns the number of calls waiting for a response.
func (c *Client) Pending() int {
	return c.rpc.Pending()
}

// Orchestrator exposes the correlation core, e.g. for answering deferred requests.
func (c *Client) Orchestrator() *rpc.Orchestrator {
	return c.rpc
}

func (c *Client) Conn() *transport.Conn {
	return c.conn
}

// Done is closed once the connection is gone and its pending calls are released.
func (c *Client) Done() <-chan struct{} {
	return c.served
}

// Close closes the connection, waits for running handlers and releases every call still
// pending.
func (c *Client) Close() error {
	err := c.conn.Close()
	<-c.served
	c.inflight.Wait()
	c.rpc.Shutdown()
	return err
}
