// Package transport wraps a net.Conn into a framed, bidirectional JSON-RPC connection.
//
// Both ends of a link use the same Conn: the gateway issues calls to peers over it and
// peers issue calls to the gateway over it, so requests and responses travel in both
// directions on one TCP stream.
//
//	goroutine-1 ──Send(frame)──┐
//	goroutine-2 ──Send(frame)──┼──→ single TCP conn ──→ remote
//	heartbeat   ──────────────┘
//
//	Serve:  ←── frame ──→ OnFrame(conn, body)    (heartbeats are dropped here)
package transport

import (
	"edge-rpc/protocol"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

var ErrClosed = errors.New("transport: connection closed")

// FrameHandler receives the body of each data frame. The body is owned by the handler.
type FrameHandler func(c *Conn, body []byte)

// Conn is a framed connection. It satisfies message.Conn (identity is the pointer) and
// the Send-based writer capability of the rpc package.
type Conn struct {
	conn    net.Conn
	onFrame FrameHandler
	name    string

	sending sync.Mutex // a frame must be written whole before the next one starts

	closeOnce sync.Once
	done      chan struct{}
}

// New wraps nc. onFrame may be nil for send-only connections.
func New(nc net.Conn, onFrame FrameHandler) *Conn {
	name := "pipe"
	if addr := nc.RemoteAddr(); addr != nil {
		name = addr.String()
	}
	return &Conn{
		conn:    nc,
		onFrame: onFrame,
		name:    name,
		done:    make(chan struct{}),
	}
}

// String returns the remote address, for logs.
func (c *Conn) String() string {
	return c.name
}

// Send writes data as one data frame.
func (c *Conn) Send(data []byte) error {
	return c.write(protocol.MsgTypeData, data)
}

func (c *Conn) write(t protocol.MsgType, data []byte) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	c.sending.Lock()
	defer c.sending.Unlock()
	if err := protocol.Encode(c.conn, t, data); err != nil {
		return err
	}
	return nil
}

// Serve reads frames until the connection fails or is closed, handing every data frame to
// OnFrame in read order. It closes the connection before returning. A clean close by either
// side returns nil.
//
// Reads must stay on this one goroutine: TCP is a byte stream and a second reader would
// tear frame boundaries apart.
func (c *Conn) Serve() error {
	defer c.Close()
	for {
		header, body, err := protocol.Decode(c.conn)
		if err != nil {
			if c.closed() || errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				return nil
			}
			log.Warn().Err(err).Str("conn", c.name).Msg("connection read failed")
			return err
		}
		if header.MsgType == protocol.MsgTypeHeartbeat {
			log.Trace().Str("conn", c.name).Msg("heartbeat")
			continue
		}
		if c.onFrame != nil {
			c.onFrame(c, body)
		}
	}
}

// StartHeartbeat sends an empty heartbeat frame every interval until the connection closes.
// A zero or negative interval disables heartbeats.
func (c *Conn) StartHeartbeat(interval time.Duration) {
	if interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-c.done:
				return
			case <-ticker.C:
				if err := c.write(protocol.MsgTypeHeartbeat, nil); err != nil {
					log.Debug().Err(err).Str("conn", c.name).Msg("heartbeat failed, closing")
					c.Close()
					return
				}
			}
		}
	}()
}

// Close closes the underlying connection. It is safe to call more than once.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.conn.Close()
	})
	return err
}

// Done is closed once the connection is closed.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

func (c *Conn) closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}
