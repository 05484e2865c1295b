package rpc

import (
	"edge-rpc/message"
	"edge-rpc/metrics"

	"github.com/rs/zerolog/log"
)

// Shutdown drains the registry and releases every pending call without running any
// handler. It returns the number of calls destroyed.
func (o *Orchestrator) Shutdown() int {
	drained := o.registry.DrainAll()
	for _, p := range drained {
		p.Release()
	}
	log.Warn().Int("count", len(drained)).Msg("destroyed unhandled messages")
	metrics.RecordDrained(len(drained))
	metrics.SetPending(o.registry.Count())
	return len(drained)
}

// CloseConnection releases every call pending on conn without running handlers. Servers
// call it once a connection is gone, since no response can arrive over it any more.
func (o *Orchestrator) CloseConnection(conn message.Conn) int {
	removed := o.registry.RemoveConn(conn)
	for _, p := range removed {
		p.Release()
	}
	if len(removed) > 0 {
		log.Warn().Str("conn", conn.String()).Int("count", len(removed)).Msg("released calls of closed connection")
		metrics.RecordDrained(len(removed))
		metrics.SetPending(o.registry.Count())
	}
	return len(removed)
}

// Abandon removes and releases one pending call, for callers that layer a timeout on top.
// It reports false when the call already completed or was never registered.
func (o *Orchestrator) Abandon(conn message.Conn, id string) bool {
	p, ok := o.registry.RemoveExact(conn, id)
	if !ok {
		return false
	}
	p.Release()
	metrics.RecordDrained(1)
	metrics.SetPending(o.registry.Count())
	return true
}
