package rpc

import "errors"

var (
	// ErrConstruction: the envelope could not be built or serialized. Nothing was sent.
	ErrConstruction = errors.New("rpc: cannot construct message")
	// ErrAllocation: no record could be created for the call. Nothing was sent.
	ErrAllocation = errors.New("rpc: cannot allocate pending request")
	// ErrTransport: the write failed. The call is unregistered and released.
	ErrTransport = errors.New("rpc: transport write failed")
	// ErrNoResponseID: an inbound response carried no usable id.
	ErrNoResponseID = errors.New("rpc: no id in response")
	// ErrNoMatchingRequest: no pending call matched an inbound response.
	ErrNoMatchingRequest = errors.New("rpc: no matching request for response")
	// ErrProtocol: inbound bytes were not JSON-RPC or matched no method.
	ErrProtocol = errors.New("rpc: protocol error")
)

// IsCorrelation reports whether err is a correlation failure. These are non-fatal and
// leave every other pending call untouched.
func IsCorrelation(err error) bool {
	return errors.Is(err, ErrNoResponseID) || errors.Is(err, ErrNoMatchingRequest)
}
