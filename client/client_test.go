package client

import (
	"context"
	"edge-rpc/codec"
	"edge-rpc/dispatch"
	"edge-rpc/message"
	"edge-rpc/registry"
	"edge-rpc/rpc"
	"edge-rpc/transport"
	"encoding/json"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/gorilla/rpc/v2/json2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeGateway is the far end of a pipe, driven by its own orchestrator.
type fakeGateway struct {
	conn  *transport.Conn
	rpc   *rpc.Orchestrator
	table *dispatch.Table
}

func newPair(t *testing.T) (*Client, *fakeGateway) {
	t.Helper()
	local, remote := net.Pipe()
	g := &fakeGateway{table: dispatch.NewTable()}
	g.rpc = rpc.New(registry.New(), rpc.WithDispatcher(g.table))
	g.conn = transport.New(remote, func(c *transport.Conn, body []byte) {
		go g.rpc.HandleIncoming(context.Background(), body, c)
	})
	go g.conn.Serve()

	c := New(local, WithHeartbeat(0))
	t.Cleanup(func() {
		c.Close()
		g.conn.Close()
	})
	return c, g
}

func TestCallSuccess(t *testing.T) {
	c, g := newPair(t)
	g.table.Register("ping", func(_ context.Context, req *message.Request) (any, error) {
		return map[string]any{"pong": req.Params["n"]}, nil
	})

	resp, err := c.Call(context.Background(), "ping", map[string]any{"n": 1})
	require.NoError(t, err)
	assert.Equal(t, "1", resp["id"])
	assert.Equal(t, map[string]any{"pong": json.Number("1")}, resp["result"])
	assert.Equal(t, 0, c.Pending())
}

func TestCallIntoStructParams(t *testing.T) {
	c, g := newPair(t)
	g.table.Register("device_register", func(_ context.Context, req *message.Request) (any, error) {
		return map[string]any{"registered": req.Params["deviceId"]}, nil
	})

	var out struct {
		Registered string `json:"registered"`
	}
	params := struct {
		DeviceID string `json:"deviceId"`
	}{DeviceID: "dev-7"}
	require.NoError(t, c.CallInto(context.Background(), "device_register", params, &out))
	assert.Equal(t, "dev-7", out.Registered)
}

func TestCallRemoteError(t *testing.T) {
	c, _ := newPair(t)

	_, err := c.Call(context.Background(), "missing", nil)
	var remote *RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, json2.E_NO_METHOD, remote.Err.Code)
	assert.Equal(t, "missing", remote.Method)

	var rpcErr *json2.Error
	assert.True(t, errors.As(err, &rpcErr))
}

func TestCallTimeoutAbandons(t *testing.T) {
	c, g := newPair(t)
	g.table.Register("never", func(context.Context, *message.Request) (any, error) {
		return nil, dispatch.ErrDeferred
	})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := c.Call(ctx, "never", nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 0, c.Pending())
}

func TestCallFailsWhenConnectionCloses(t *testing.T) {
	c, g := newPair(t)
	g.table.Register("never", func(context.Context, *message.Request) (any, error) {
		return nil, dispatch.ErrDeferred
	})

	errs := make(chan error, 1)
	go func() {
		_, err := c.Call(context.Background(), "never", nil)
		errs <- err
	}()
	require.Eventually(t, func() bool { return c.Pending() == 1 }, time.Second, 5*time.Millisecond)
	g.conn.Close()

	select {
	case err := <-errs:
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("call still blocked after the connection closed")
	}
	<-c.Done()
}

func TestGatewayCallsPeerMethod(t *testing.T) {
	c, g := newPair(t)
	c.Register("write", func(_ context.Context, req *message.Request) (any, error) {
		return "written " + req.Params["value"].(string), nil
	})

	results := make(chan message.Envelope, 1)
	env := codec.NewRequest("write")
	env.Params()["value"] = "MjEuNQ=="
	_, err := g.rpc.SendCall(g.conn, env, rpc.Callbacks{
		OnSuccess: func(resp message.Envelope, _ any) { results <- resp },
		Release:   func(any) {},
	}, "ctx")
	require.NoError(t, err)

	select {
	case resp := <-results:
		assert.Equal(t, "written MjEuNQ==", resp["result"])
	case <-time.After(2 * time.Second):
		t.Fatal("no response from peer")
	}
}

func TestCallRejectsNonObjectParams(t *testing.T) {
	c, _ := newPair(t)
	_, err := c.Call(context.Background(), "x", []int{1, 2})
	assert.Error(t, err)
	assert.Equal(t, 0, c.Pending())
}

func TestCallAfterClose(t *testing.T) {
	c, _ := newPair(t)
	require.NoError(t, c.Close())
	_, err := c.Call(context.Background(), "x", nil)
	assert.ErrorIs(t, err, rpc.ErrTransport)
}

func TestDialRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	_, err = Dial(context.Background(), addr, WithDialTimeout(time.Second))
	assert.Error(t, err)
}
