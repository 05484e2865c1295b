package rpc

import (
	"context"
	"edge-rpc/dispatch"
	"edge-rpc/message"
	"edge-rpc/metrics"
	"fmt"

	"github.com/rs/zerolog/log"
)

// HandleIncoming processes one inbound message from conn.
//
// protocolError is set when the bytes were not valid JSON-RPC or named no known method;
// callers may close a connection that keeps producing them. A response produced for an
// inbound request is written to conn and its write error returned. Correlation failures of
// inbound responses are returned as errors without setting protocolError.
func (o *Orchestrator) HandleIncoming(ctx context.Context, data []byte, conn message.Conn) (protocolError bool, err error) {
	in := message.NewIncoming(data, conn)
	res, response, derr := o.dispatcher.Dispatch(ctx, in.Data, in.Conn, o.OnResponse)

	switch res {
	case dispatch.RequestNotMatched:
		protocolError = true
		metrics.RecordProtocolError(metrics.KindNotMatched)
	case dispatch.ParseError:
		protocolError = true
		metrics.RecordProtocolError(metrics.KindParse)
	}

	if response != nil {
		if werr := o.writer.Write(conn, response); werr != nil {
			log.Error().Err(werr).Str("conn", conn.String()).Msg("cannot write response")
			return protocolError, fmt.Errorf("%w: %w", ErrTransport, werr)
		}
		return protocolError, nil
	}
	if res == dispatch.OK {
		return false, derr
	}
	if derr != nil {
		return protocolError, fmt.Errorf("%w: %s: %w", ErrProtocol, res, derr)
	}
	return protocolError, fmt.Errorf("%w: %s", ErrProtocol, res)
}

// OnResponse correlates an inbound response with a pending call on conn, runs its success
// or failure handler and releases the record. A response with a "result" field is a
// success; anything else is a failure.
func (o *Orchestrator) OnResponse(conn message.Conn, response message.Envelope) error {
	id, ok := response.ID()
	if !ok {
		log.Error().Str("conn", conn.String()).Msg("can't find id in response")
		metrics.RecordResponse(metrics.OutcomeNoID)
		return ErrNoResponseID
	}

	p, found := o.registry.RemoveMatching(conn, id)
	if !found {
		log.Error().Str("conn", conn.String()).Str("id", id).Msg("did not find any matching request for the response")
		metrics.RecordResponse(metrics.OutcomeUnmatched)
		return fmt.Errorf("%w: id %q", ErrNoMatchingRequest, id)
	}
	metrics.SetPending(o.registry.Count())

	o.invoke(p, response)
	return nil
}

// invoke runs one handler inside a timed scope. Timing, metrics and release run from a
// deferred call, so they happen even if the handler panics; the panic itself propagates.
func (o *Orchestrator) invoke(p *message.PendingRequest, response message.Envelope) {
	handler, outcome := p.OnSuccess, metrics.OutcomeSuccess
	if !response.HasResult() {
		handler, outcome = p.OnFailure, metrics.OutcomeFailure
	}

	begin := o.now()
	defer func() {
		elapsed := o.now().Sub(begin)
		slow := elapsed >= o.callbackWarn
		log.Debug().Dur("elapsed", elapsed).Str("id", p.ID).Msg("callback time")
		if slow {
			log.Warn().
				Dur("threshold", o.callbackWarn).
				Dur("elapsed", elapsed).
				Str("id", p.ID).
				Str("method", p.Method()).
				Msg("callback processing took longer than the warning threshold")
		}
		metrics.RecordCallback(elapsed, slow)
		metrics.RecordResponse(outcome)
		p.Release()
	}()

	if handler != nil {
		handler(response, p.UserContext)
	}
}
