// Package codec builds JSON-RPC 2.0 envelopes and turns them into wire bytes.
//
// Serialization is deterministic: envelopes are maps, and encoding/json writes map keys in
// sorted order with no insignificant whitespace. The same envelope therefore always yields
// the same bytes, which keeps tests and wire-level diffs stable.
package codec

import (
	"edge-rpc/idgen"
	"edge-rpc/message"
	"errors"
	"fmt"
)

var (
	ErrNilEnvelope = errors.New("codec: nil envelope")
	ErrMissingID   = errors.New("codec: envelope has no id")
)

// NewRequest creates a request envelope with the protocol version, the method name and an
// empty params object for the caller to populate. The id is assigned by FinalizeRequest.
func NewRequest(method string) message.Envelope {
	return message.Envelope{
		"jsonrpc": message.Version,
		"method":  method,
		"params":  map[string]any{},
	}
}

// Constructor finalizes outbound requests with ids from its generator.
type Constructor struct {
	ids idgen.Generator
}

// New creates a Constructor. A nil generator falls back to sequential ids.
func New(ids idgen.Generator) *Constructor {
	if ids == nil {
		ids = idgen.NewSequential()
	}
	return &Constructor{ids: ids}
}

// FinalizeRequest assigns a fresh id, injects it into env and serializes the result.
// env is modified in place and keeps the id afterwards.
func (c *Constructor) FinalizeRequest(env message.Envelope) (string, []byte, error) {
	if env == nil {
		return "", nil, ErrNilEnvelope
	}
	id := c.ids.Next()
	if id == "" {
		return "", nil, fmt.Errorf("codec: id generator returned an empty id")
	}
	env["id"] = id
	data, err := Encode(env)
	if err != nil {
		return "", nil, err
	}
	return id, data, nil
}

// FinalizeResponse serializes a response envelope. The envelope must already carry the id
// of the request it answers.
func FinalizeResponse(env message.Envelope) ([]byte, error) {
	if env == nil {
		return nil, ErrNilEnvelope
	}
	if !env.HasID() {
		return nil, ErrMissingID
	}
	return Encode(env)
}
