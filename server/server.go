// Package server implements the gateway: it accepts peer connections, serves their calls
// and issues its own calls to them, with graceful shutdown.
//
// Connection pipeline:
//
//	Accept conn → transport.Conn.Serve (single goroutine reads frames)
//	  → for each frame: go handleFrame (parallel processing)
//	    → rpc.HandleIncoming ─┬─ request  → middleware chain → method → response frame
//	                          └─ response → correlate with our pending call → handler
package server

import (
	"context"
	"edge-rpc/codec"
	"edge-rpc/config"
	"edge-rpc/discovery"
	"edge-rpc/dispatch"
	"edge-rpc/idgen"
	"edge-rpc/message"
	"edge-rpc/middleware"
	"edge-rpc/registry"
	"edge-rpc/rpc"
	"edge-rpc/transport"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

var ErrShuttingDown = errors.New("server: shutting down")

type Option func(*Server)

// WithDiscovery announces the gateway through d while it serves.
func WithDiscovery(d discovery.Discovery) Option {
	return func(s *Server) { s.discovery = d }
}

// WithMiddleware appends request middlewares after the built-in ones.
func WithMiddleware(mws ...middleware.Middleware) Option {
	return func(s *Server) {
		for _, mw := range mws {
			s.table.Use(mw)
		}
	}
}

// Server is the gateway.
type Server struct {
	cfg         config.Config
	registry    *registry.Registry
	table       *dispatch.Table
	rpc         *rpc.Orchestrator
	translators *translators
	discovery   discovery.Discovery

	listener net.Listener
	shutdown atomic.Bool // suppresses the Accept error caused by Shutdown

	mu       sync.Mutex
	closing  bool // guarded by mu together with inflight.Add
	conns    map[*transport.Conn]struct{}
	inflight sync.WaitGroup // frames being handled
	connWG   sync.WaitGroup // Serve loops
}

// New builds a gateway from cfg. Built-in middlewares are Recover and Logging, then
// Timeout and RateLimit when configured.
func New(cfg config.Config, opts ...Option) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	ids, err := idgen.Parse(cfg.IDStrategy)
	if err != nil {
		return nil, err
	}

	s := &Server{
		cfg:         cfg,
		registry:    registry.New(registry.WithMatchMode(cfg.MatchMode)),
		table:       dispatch.NewTable(),
		translators: newTranslators(cfg.MaxDevices),
		conns:       make(map[*transport.Conn]struct{}),
	}
	s.table.Use(middleware.Recover())
	s.table.Use(middleware.Logging())
	if cfg.HandlerTimeout > 0 {
		s.table.Use(middleware.Timeout(cfg.HandlerTimeout))
	}
	if cfg.RateLimit.RPS > 0 {
		s.table.Use(middleware.RateLimit(cfg.RateLimit.RPS, cfg.RateLimit.Burst))
	}
	s.rpc = rpc.New(s.registry,
		rpc.WithIDGenerator(ids),
		rpc.WithDispatcher(s.table),
		rpc.WithCallbackWarn(cfg.CallbackWarn),
	)
	s.registerBuiltins()

	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Register adds or replaces a method served to peers.
func (s *Server) Register(method string, h middleware.HandlerFunc) {
	s.table.Register(method, h)
}

// Use appends a middleware. Middlewares apply in the order they are added.
func (s *Server) Use(mw middleware.Middleware) {
	s.table.Use(mw)
}

// Orchestrator exposes the correlation core.
func (s *Server) Orchestrator() *rpc.Orchestrator {
	return s.rpc
}

// Registry exposes the pending-call registry, e.g. for diagnostics.
func (s *Server) Registry() *registry.Registry {
	return s.registry
}

// ListenAndServe listens on the configured address and serves.
func (s *Server) ListenAndServe() error {
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Serve announces the gateway (when discovery is configured) and accepts connections on
// ln until Shutdown.
func (s *Server) Serve(ln net.Listener) error {
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	if s.discovery != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := s.discovery.Register(ctx, discovery.GatewayService, s.instance(), s.cfg.Etcd.TTL)
		cancel()
		if err != nil {
			return fmt.Errorf("announce gateway: %w", err)
		}
	}
	log.Info().Str("name", s.cfg.Name).Str("addr", ln.Addr().String()).Msg("gateway serving")

	for {
		nc, err := ln.Accept()
		if err != nil {
			if s.shutdown.Load() {
				return nil
			}
			return err
		}
		if !s.track(nc) {
			nc.Close()
			continue
		}
	}
}

func (s *Server) instance() discovery.Instance {
	return discovery.Instance{Name: s.cfg.Name, Addr: s.cfg.AdvertiseAddr(), Weight: 1}
}

// Addr returns the listener address once Serve has started.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *Server) track(nc net.Conn) bool {
	var protocolErrors atomic.Int32
	c := transport.New(nc, func(c *transport.Conn, body []byte) {
		s.mu.Lock()
		if s.closing {
			s.mu.Unlock()
			log.Debug().Str("conn", c.String()).Msg("dropping frame during shutdown")
			return
		}
		s.inflight.Add(1)
		s.mu.Unlock()
		go s.handleFrame(c, body, &protocolErrors)
	})

	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return false
	}
	s.conns[c] = struct{}{}
	s.connWG.Add(1)
	s.mu.Unlock()

	c.StartHeartbeat(s.cfg.Heartbeat)
	go s.handleConn(c)
	return true
}

func (s *Server) handleConn(c *transport.Conn) {
	defer s.connWG.Done()
	log.Info().Str("conn", c.String()).Msg("peer connected")
	if err := c.Serve(); err != nil {
		log.Warn().Err(err).Str("conn", c.String()).Msg("peer connection failed")
	}

	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()

	released := s.rpc.CloseConnection(c)
	name := s.translators.drop(c)
	log.Info().Str("conn", c.String()).Str("translator", name).Int("released", released).Msg("peer disconnected")
}

func (s *Server) handleFrame(c *transport.Conn, body []byte, protocolErrors *atomic.Int32) {
	defer s.inflight.Done()
	protoErr, err := s.rpc.HandleIncoming(context.Background(), body, c)
	if protoErr {
		n := protocolErrors.Add(1)
		log.Warn().Err(err).Str("conn", c.String()).Int32("count", n).Msg("protocol error")
		if limit := s.cfg.MaxProtocolErrors; limit > 0 && int(n) >= limit {
			log.Error().Str("conn", c.String()).Int("limit", limit).Msg("too many protocol errors, closing connection")
			c.Close()
		}
		return
	}
	if err != nil {
		log.Debug().Err(err).Str("conn", c.String()).Msg("inbound message not handled")
	}
}

// Conns lists the open peer connections.
func (s *Server) Conns() []*transport.Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*transport.Conn, 0, len(s.conns))
	for c := range s.conns {
		out = append(out, c)
	}
	return out
}

// Call issues method to the peer on conn. params may be nil. The callbacks follow
// rpc.Orchestrator.SendCall.
func (s *Server) Call(conn message.Conn, method string, params map[string]any, cb rpc.Callbacks, userContext any) (string, error) {
	env := codec.NewRequest(method)
	for k, v := range params {
		env.Params()[k] = v
	}
	return s.rpc.SendCall(conn, env, cb, userContext)
}

// Shutdown performs graceful shutdown:
//  1. Deregister from discovery so peers stop picking this gateway
//  2. Stop accepting connections and new frames
//  3. Wait for in-flight frames (bounded by timeout)
//  4. Close every peer connection
//  5. Release every call still pending
func (s *Server) Shutdown(timeout time.Duration) error {
	if s.discovery != nil {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		if err := s.discovery.Deregister(ctx, discovery.GatewayService, s.cfg.AdvertiseAddr()); err != nil {
			log.Warn().Err(err).Msg("deregister gateway failed")
		}
		cancel()
	}

	// The flag goes first so Serve recognizes the Accept error as intentional.
	s.shutdown.Store(true)
	s.mu.Lock()
	s.closing = true
	ln := s.listener
	s.mu.Unlock()
	if ln != nil {
		ln.Close()
	}

	var result error
	done := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		result = fmt.Errorf("timeout waiting for ongoing requests to finish")
	}

	for _, c := range s.Conns() {
		c.Close()
	}
	s.connWG.Wait()

	if n := s.rpc.Shutdown(); n > 0 {
		log.Warn().Int("count", n).Msg("released pending calls at shutdown")
	}
	return result
}
