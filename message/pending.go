package message

import (
	"errors"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

var (
	ErrNoContext = errors.New("message: no request context")
	ErrNoPayload = errors.New("message: no payload")
)

// PendingRequest is the bookkeeping record of one outstanding outbound call.
//
// All fields are written once by Allocate. Ownership of the record moves with it: the
// registry owns it while registered, and whoever removes it from the registry owns the
// single Release call.
type PendingRequest struct {
	ID          string
	Payload     Envelope
	Conn        Conn
	OnSuccess   Handler
	OnFailure   Handler
	UserContext any
	IssuedAt    time.Time

	release  ReleaseFunc
	released atomic.Bool
}

// Allocate creates the record for a call. A call without a user context is rejected
// because handlers are defined to always receive one. A missing release function is
// allowed but leaks the context, so it is logged.
func Allocate(id string, payload Envelope, onSuccess, onFailure Handler, release ReleaseFunc, userContext any, conn Conn) (*PendingRequest, error) {
	if userContext == nil {
		log.Error().Str("id", id).Msg("no request context for pending request")
		return nil, ErrNoContext
	}
	if payload == nil {
		log.Error().Str("id", id).Msg("no payload for pending request")
		return nil, ErrNoPayload
	}
	if release == nil {
		log.Warn().Str("id", id).Msg("no release func given for the request context")
	}
	return &PendingRequest{
		ID:          id,
		Payload:     payload,
		Conn:        conn,
		OnSuccess:   onSuccess,
		OnFailure:   onFailure,
		UserContext: userContext,
		IssuedAt:    time.Now(),
		release:     release,
	}, nil
}

// Method returns the method of the outbound request, for diagnostics.
func (p *PendingRequest) Method() string {
	if p.Payload == nil {
		return ""
	}
	return p.Payload.Method()
}

// Release drops the payload and hands the user context to the release function.
// Only the first call has any effect; later calls are logged as ownership bugs.
func (p *PendingRequest) Release() {
	if p == nil {
		return
	}
	if p.released.Swap(true) {
		log.Error().Str("id", p.ID).Msg("pending request released twice")
		return
	}
	p.Payload = nil
	if p.release == nil {
		log.Warn().Str("id", p.ID).Msg("release func is nil, request context cannot be released")
		return
	}
	p.release(p.UserContext)
}

// Released reports whether Release has run.
func (p *PendingRequest) Released() bool {
	return p.released.Load()
}
