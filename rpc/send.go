package rpc

import (
	"edge-rpc/codec"
	"edge-rpc/message"
	"edge-rpc/metrics"
	"fmt"

	"github.com/rs/zerolog/log"
)

// SendCall finalizes env with a fresh id, registers the call and writes it to conn.
//
// Before registration the caller still owns userContext, so construction and allocation
// failures release it here. An id already pending on conn is an allocation failure. After registration the record owns it: a failed write removes
// the record again and releases it. On success the record stays registered until its
// response arrives, the connection is closed or the Orchestrator shuts down.
//
// The returned id is meant for logging and for Abandon.
func (o *Orchestrator) SendCall(conn message.Conn, env message.Envelope, cb Callbacks, userContext any) (string, error) {
	id, data, err := o.constructor.FinalizeRequest(env)
	if err != nil {
		log.Warn().Err(err).Msg("cannot construct rpc message")
		releaseContext(cb.Release, userContext)
		metrics.RecordCall(metrics.OutcomeConstruction)
		return "", fmt.Errorf("%w: %w", ErrConstruction, err)
	}

	p, err := message.Allocate(id, env, cb.OnSuccess, cb.OnFailure, cb.Release, userContext, conn)
	if err != nil {
		releaseContext(cb.Release, userContext)
		metrics.RecordCall(metrics.OutcomeAllocation)
		return "", fmt.Errorf("%w: %w", ErrAllocation, err)
	}

	// The peer may answer before Write returns.
	if err := o.registry.Insert(p); err != nil {
		p.Release()
		metrics.RecordCall(metrics.OutcomeAllocation)
		return "", fmt.Errorf("%w: %w", ErrAllocation, err)
	}
	metrics.SetPending(o.registry.Count())

	if err := o.writer.Write(conn, data); err != nil {
		log.Error().Err(err).Str("conn", conn.String()).Str("id", id).Str("method", env.Method()).Msg("write failed, rolling back call")
		if found, ok := o.registry.RemoveExact(conn, id); ok {
			found.Release()
		}
		metrics.SetPending(o.registry.Count())
		metrics.RecordCall(metrics.OutcomeTransport)
		return id, fmt.Errorf("%w: %w", ErrTransport, err)
	}
	metrics.RecordCall(metrics.OutcomeOK)
	return id, nil
}

// SendResponse serializes a response to an earlier inbound request and writes it.
// The envelope is not retained, and release(userContext) runs whatever the outcome.
func (o *Orchestrator) SendResponse(conn message.Conn, env message.Envelope, release message.ReleaseFunc, userContext any) error {
	defer releaseContext(release, userContext)

	data, err := codec.FinalizeResponse(env)
	if err != nil {
		log.Warn().Err(err).Msg("cannot construct rpc response")
		return fmt.Errorf("%w: %w", ErrConstruction, err)
	}
	if err := o.writer.Write(conn, data); err != nil {
		log.Error().Err(err).Str("conn", conn.String()).Msg("response write failed")
		return fmt.Errorf("%w: %w", ErrTransport, err)
	}
	return nil
}

func releaseContext(release message.ReleaseFunc, userContext any) {
	if release != nil {
		release(userContext)
	}
}
