package dispatch

import (
	"context"
	"edge-rpc/message"
	"edge-rpc/middleware"
	"errors"
	"testing"

	"github.com/gorilla/rpc/v2/json2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testConn struct{ name string }

func (c *testConn) String() string { return c.name }

type deviceParams struct {
	DeviceID string `json:"deviceId"`
	Lifetime int    `json:"lifetime"`
}

func newTable() *Table {
	table := NewTable()
	table.Register("echo", func(ctx context.Context, req *message.Request) (any, error) {
		return req.Params, nil
	})
	table.Register("fail", func(ctx context.Context, req *message.Request) (any, error) {
		return nil, &json2.Error{Code: -30001, Message: "Protocol translator not registered"}
	})
	table.Register("crash", func(ctx context.Context, req *message.Request) (any, error) {
		return nil, errors.New("disk full")
	})
	table.Register("later", func(ctx context.Context, req *message.Request) (any, error) {
		return nil, ErrDeferred
	})
	table.Register("device_register", Typed(func(ctx context.Context, req *message.Request, p *deviceParams) (any, error) {
		return map[string]any{"deviceId": p.DeviceID, "lifetime": p.Lifetime}, nil
	}))
	return table
}

func dispatch(t *testing.T, table *Table, in string) (Result, string, error) {
	t.Helper()
	res, out, err := table.Dispatch(context.Background(), []byte(in), &testConn{name: "pt"}, nil)
	return res, string(out), err
}

func TestDispatchInvalidJSON(t *testing.T) {
	res, out, err := dispatch(t, newTable(), `{not json`)
	assert.Equal(t, ParseError, res)
	assert.Empty(t, out)
	assert.Error(t, err)
}

func TestDispatchNeitherRequestNorResponse(t *testing.T) {
	res, out, _ := dispatch(t, newTable(), `{"id":"1"}`)
	assert.Equal(t, ParseError, res)
	assert.Empty(t, out)
}

func TestDispatchInvalidVersion(t *testing.T) {
	res, out, err := dispatch(t, newTable(), `{"jsonrpc":"1.0","id":"1","method":"echo"}`)
	require.NoError(t, err)
	assert.Equal(t, ParseError, res)
	assert.Equal(t, `{"error":{"code":-32600,"message":"Invalid Request"},"id":"1","jsonrpc":"2.0"}`, out)
}

func TestDispatchUnknownMethod(t *testing.T) {
	res, out, err := dispatch(t, newTable(), `{"jsonrpc":"2.0","id":5,"method":"nope"}`)
	require.NoError(t, err)
	assert.Equal(t, RequestNotMatched, res)
	assert.Equal(t, `{"error":{"code":-32601,"message":"Method not found"},"id":5,"jsonrpc":"2.0"}`, out)
}

func TestDispatchUnknownNotification(t *testing.T) {
	res, out, _ := dispatch(t, newTable(), `{"jsonrpc":"2.0","method":"nope"}`)
	assert.Equal(t, RequestNotMatched, res)
	assert.Empty(t, out)
}

func TestDispatchRequestOK(t *testing.T) {
	res, out, err := dispatch(t, newTable(), `{"jsonrpc":"2.0","id":"a","method":"echo","params":{"x":1}}`)
	require.NoError(t, err)
	assert.Equal(t, OK, res)
	assert.Equal(t, `{"id":"a","jsonrpc":"2.0","result":{"x":1}}`, out)
}

func TestDispatchNotificationOK(t *testing.T) {
	res, out, err := dispatch(t, newTable(), `{"jsonrpc":"2.0","method":"echo","params":{}}`)
	require.NoError(t, err)
	assert.Equal(t, OK, res)
	assert.Empty(t, out)
}

func TestDispatchHandlerErrors(t *testing.T) {
	_, out, _ := dispatch(t, newTable(), `{"jsonrpc":"2.0","id":"1","method":"fail"}`)
	assert.Equal(t, `{"error":{"code":-30001,"message":"Protocol translator not registered"},"id":"1","jsonrpc":"2.0"}`, out)

	_, out, _ = dispatch(t, newTable(), `{"jsonrpc":"2.0","id":"2","method":"crash"}`)
	assert.Equal(t, `{"error":{"code":-32603,"message":"disk full"},"id":"2","jsonrpc":"2.0"}`, out)
}

func TestDispatchDeferred(t *testing.T) {
	res, out, err := dispatch(t, newTable(), `{"jsonrpc":"2.0","id":"1","method":"later"}`)
	require.NoError(t, err)
	assert.Equal(t, OK, res)
	assert.Empty(t, out)
}

func TestDispatchBadParams(t *testing.T) {
	res, out, _ := dispatch(t, newTable(), `{"jsonrpc":"2.0","id":"1","method":"echo","params":[1,2]}`)
	assert.Equal(t, OK, res)
	assert.Contains(t, out, `"code":-32602`)
}

func TestDispatchTyped(t *testing.T) {
	_, out, _ := dispatch(t, newTable(), `{"jsonrpc":"2.0","id":"1","method":"device_register","params":{"deviceId":"d1","lifetime":60}}`)
	assert.Equal(t, `{"id":"1","jsonrpc":"2.0","result":{"deviceId":"d1","lifetime":60}}`, out)

	_, out, _ = dispatch(t, newTable(), `{"jsonrpc":"2.0","id":"2","method":"device_register","params":{"lifetime":"soon"}}`)
	assert.Contains(t, out, `"code":-32602`)
}

func TestDispatchRoutesResponses(t *testing.T) {
	table := newTable()
	conn := &testConn{name: "pt"}
	var gotConn message.Conn
	var gotEnv message.Envelope
	onResponse := func(c message.Conn, env message.Envelope) error {
		gotConn, gotEnv = c, env
		return nil
	}
	res, out, err := table.Dispatch(context.Background(), []byte(`{"jsonrpc":"2.0","id":"9","result":"ok"}`), conn, onResponse)
	require.NoError(t, err)
	assert.Equal(t, OK, res)
	assert.Nil(t, out)
	assert.Same(t, conn, gotConn)
	id, _ := gotEnv.ID()
	assert.Equal(t, "9", id)
}

func TestDispatchPropagatesCorrelationError(t *testing.T) {
	miss := errors.New("no matching request")
	res, _, err := newTable().Dispatch(context.Background(), []byte(`{"id":"9","error":{"code":1}}`), &testConn{}, func(message.Conn, message.Envelope) error {
		return miss
	})
	assert.Equal(t, OK, res)
	assert.ErrorIs(t, err, miss)
}

func TestMiddlewareAppliedToAllMethods(t *testing.T) {
	table := newTable()
	calls := 0
	table.Use(func(next middleware.HandlerFunc) middleware.HandlerFunc {
		return func(ctx context.Context, req *message.Request) (any, error) {
			calls++
			return next(ctx, req)
		}
	})
	dispatch(t, table, `{"jsonrpc":"2.0","id":"1","method":"echo"}`)
	dispatch(t, table, `{"jsonrpc":"2.0","id":"2","method":"fail"}`)
	assert.Equal(t, 2, calls)
	assert.ElementsMatch(t, []string{"echo", "fail", "crash", "later", "device_register"}, table.Methods())
}

func TestResultString(t *testing.T) {
	assert.Equal(t, "parse_error", ParseError.String())
	assert.Equal(t, "request_not_matched", RequestNotMatched.String())
}
