package codec

import (
	"bytes"
	"edge-rpc/message"
	"encoding/json"
	"fmt"
)

// Encode writes v as compact JSON. Maps are emitted with sorted keys.
// HTML escaping is disabled so payloads are not rewritten on the way out.
func Encode(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, fmt.Errorf("codec: encode: %w", err)
	}
	// Encoder.Encode terminates every value with a newline.
	return bytes.TrimSuffix(buf.Bytes(), []byte{'\n'}), nil
}

// Decode parses one JSON object. Numbers are kept as json.Number so ids and values
// survive a decode/encode round trip unchanged.
func Decode(data []byte) (message.Envelope, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var env message.Envelope
	if err := dec.Decode(&env); err != nil {
		return nil, fmt.Errorf("codec: decode: %w", err)
	}
	if env == nil {
		return nil, fmt.Errorf("codec: decode: not a JSON object")
	}
	if dec.More() {
		return nil, fmt.Errorf("codec: decode: trailing data after object")
	}
	return env, nil
}
