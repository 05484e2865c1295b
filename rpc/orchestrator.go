// Package rpc correlates outbound JSON-RPC calls with their responses.
//
// The Orchestrator sequences both directions:
//
//	SendCall:       build → finalize (id) → allocate → registry.Insert → write
//	                                                                     └─ write failed → remove + release
//	HandleIncoming: dispatch ─┬─ request  → method table → write response
//	                          └─ response → OnResponse → remove → handler (timed) → release
//
// Registration strictly precedes the write, so a peer that answers before Write returns
// still finds its record. Handlers run after the record has left the registry, so they may
// issue new calls through the same Orchestrator.
package rpc

import (
	"context"
	"edge-rpc/codec"
	"edge-rpc/dispatch"
	"edge-rpc/idgen"
	"edge-rpc/message"
	"edge-rpc/registry"
	"errors"
	"time"
)

// DefaultCallbackWarn is the handler run time after which a warning is logged.
const DefaultCallbackWarn = 500 * time.Millisecond

// Writer places serialized bytes on a connection. A non-nil error means the bytes were
// not accepted; nothing more is implied by success.
type Writer interface {
	Write(conn message.Conn, data []byte) error
}

// WriterFunc adapts a function to Writer.
type WriterFunc func(conn message.Conn, data []byte) error

func (f WriterFunc) Write(conn message.Conn, data []byte) error { return f(conn, data) }

// Sender is implemented by connections that can write frames themselves.
type Sender interface {
	Send(data []byte) error
}

var ErrNotWritable = errors.New("rpc: connection does not implement Send")

// ConnWriter writes through the connection's own Send method.
var ConnWriter Writer = WriterFunc(func(conn message.Conn, data []byte) error {
	s, ok := conn.(Sender)
	if !ok {
		return ErrNotWritable
	}
	return s.Send(data)
})

// Dispatcher classifies inbound bytes, serves requests and hands responses to onResponse.
type Dispatcher interface {
	Dispatch(ctx context.Context, data []byte, conn message.Conn, onResponse dispatch.ResponseFunc) (dispatch.Result, []byte, error)
}

// Callbacks are the continuations of one call. Exactly one of OnSuccess and OnFailure runs
// when a matching response arrives; neither runs if the call is drained. Release always
// runs once when the call's record is destroyed.
type Callbacks struct {
	OnSuccess message.Handler
	OnFailure message.Handler
	Release   message.ReleaseFunc
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithIDGenerator sets the id strategy for outbound calls.
func WithIDGenerator(g idgen.Generator) Option {
	return func(o *Orchestrator) { o.constructor = codec.New(g) }
}

// WithWriter sets the transport write capability.
func WithWriter(w Writer) Option {
	return func(o *Orchestrator) { o.writer = w }
}

// WithDispatcher sets the method table used for inbound requests.
func WithDispatcher(d Dispatcher) Option {
	return func(o *Orchestrator) { o.dispatcher = d }
}

// WithCallbackWarn sets the handler run time that triggers a performance warning.
func WithCallbackWarn(d time.Duration) Option {
	return func(o *Orchestrator) { o.callbackWarn = d }
}

// WithClock replaces the monotonic clock used to time handlers.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// Orchestrator owns the send/receive protocol around one Registry.
type Orchestrator struct {
	registry     *registry.Registry
	constructor  *codec.Constructor
	writer       Writer
	dispatcher   Dispatcher
	callbackWarn time.Duration
	now          func() time.Time
}

// New creates an Orchestrator over reg. Without options it uses sequential ids, writes
// through ConnWriter and serves no methods.
func New(reg *registry.Registry, opts ...Option) *Orchestrator {
	if reg == nil {
		panic("rpc: nil registry")
	}
	o := &Orchestrator{
		registry:     reg,
		constructor:  codec.New(idgen.NewSequential()),
		writer:       ConnWriter,
		dispatcher:   dispatch.NewTable(),
		callbackWarn: DefaultCallbackWarn,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.writer == nil || o.dispatcher == nil || o.now == nil {
		panic("rpc: nil capability")
	}
	return o
}

// Registry returns the registry the Orchestrator tracks calls in.
func (o *Orchestrator) Registry() *registry.Registry {
	return o.registry
}

// Pending returns the number of calls waiting for a response.
func (o *Orchestrator) Pending() int {
	return o.registry.Count()
}
