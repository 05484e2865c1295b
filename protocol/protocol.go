// Package protocol implements the frame format that carries JSON-RPC messages over TCP.
//
// JSON objects have no length prefix of their own, so every message is wrapped in a small
// fixed header followed by the body. The receiver reads the header first to learn the body
// length, then reads exactly that many bytes.
//
// Frame format:
//
//	0      3  4  5         9
//	┌──────┬──┬──┬─────────┬───────────────┐
//	│magic │v │mt│ bodyLen │    body ...    │
//	│ erp  │01│  │ uint32  │ bodyLen bytes  │
//	└──────┴──┴──┴─────────┴───────────────┘
//
// Correlation lives in the JSON-RPC id, not in the frame, so there is no sequence field.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Magic bytes "erp" (edge rpc protocol) reject peers that are not speaking the protocol,
// e.g. an HTTP client hitting the wrong port.
const (
	MagicNumber byte = 0x65 // 'e'
	MagicByte2  byte = 0x72 // 'r'
	MagicByte3  byte = 0x70 // 'p'
	Version     byte = 0x01
	HeaderSize  int  = 9 // 3 (magic) + 1 (version) + 1 (msgType) + 4 (bodyLen)

	// MaxBodySize bounds the allocation a peer can force with a forged length.
	MaxBodySize uint32 = 16 << 20
)

// MsgType distinguishes payload frames from keepalive probes.
type MsgType byte

const (
	MsgTypeData      MsgType = 0 // JSON-RPC request or response
	MsgTypeHeartbeat MsgType = 1 // KeepAlive probe (no body)
)

var (
	ErrBadMagic     = errors.New("protocol: invalid magic number")
	ErrBadVersion   = errors.New("protocol: unsupported version")
	ErrBadMsgType   = errors.New("protocol: unsupported message type")
	ErrBodyTooLarge = errors.New("protocol: body exceeds maximum size")
)

// Header is the fixed frame header.
type Header struct {
	MsgType MsgType
	BodyLen uint32
}

// Encode writes a complete frame (header + body) to w. BodyLen is taken from body.
// The caller must hold a write lock if several goroutines share w, otherwise frames
// interleave and corrupt the stream.
func Encode(w io.Writer, t MsgType, body []byte) error {
	if uint64(len(body)) > uint64(MaxBodySize) {
		return fmt.Errorf("%w: %d bytes", ErrBodyTooLarge, len(body))
	}
	// Header and body go out in one Write so a frame is never split by another writer
	// that ignores the lock.
	buf := make([]byte, HeaderSize+len(body))
	copy(buf[0:3], []byte{MagicNumber, MagicByte2, MagicByte3})
	buf[3] = Version
	buf[4] = byte(t)
	binary.BigEndian.PutUint32(buf[5:9], uint32(len(body)))
	copy(buf[HeaderSize:], body)

	_, err := w.Write(buf)
	return err
}

// Decode reads a complete frame from r. It validates magic, version, message type and
// body size before allocating the body, and uses io.ReadFull to avoid partial reads.
func Decode(r io.Reader) (*Header, []byte, error) {
	headerBuf := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, headerBuf); err != nil {
		return nil, nil, err
	}

	if headerBuf[0] != MagicNumber || headerBuf[1] != MagicByte2 || headerBuf[2] != MagicByte3 {
		return nil, nil, fmt.Errorf("%w: %x", ErrBadMagic, headerBuf[0:3])
	}
	if headerBuf[3] != Version {
		return nil, nil, fmt.Errorf("%w: %d", ErrBadVersion, headerBuf[3])
	}
	msgType := MsgType(headerBuf[4])
	if msgType != MsgTypeData && msgType != MsgTypeHeartbeat {
		return nil, nil, fmt.Errorf("%w: %d", ErrBadMsgType, headerBuf[4])
	}
	bodyLen := binary.BigEndian.Uint32(headerBuf[5:9])
	if bodyLen > MaxBodySize {
		return nil, nil, fmt.Errorf("%w: %d bytes", ErrBodyTooLarge, bodyLen)
	}

	body := make([]byte, bodyLen)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, nil, err
	}
	return &Header{MsgType: msgType, BodyLen: bodyLen}, body, nil
}
