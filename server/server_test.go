package server

import (
	"context"
	"edge-rpc/client"
	"edge-rpc/config"
	"edge-rpc/discovery"
	"edge-rpc/dispatch"
	"edge-rpc/loadbalance"
	"edge-rpc/logging/testlog"
	"edge-rpc/message"
	"edge-rpc/rpc"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/rpc/v2/json2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type gateway struct {
	*Server
	served chan error
}

func startGateway(t testing.TB, mutate func(*config.Config), opts ...Option) *gateway {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	cfg := config.Default()
	cfg.Listen = ln.Addr().String()
	cfg.Advertise = ln.Addr().String()
	cfg.Heartbeat = 0
	if mutate != nil {
		mutate(&cfg)
	}
	s, err := New(cfg, opts...)
	require.NoError(t, err)

	g := &gateway{Server: s, served: make(chan error, 1)}
	go func() { g.served <- s.Serve(ln) }()
	t.Cleanup(func() { s.Shutdown(time.Second) })
	return g
}

func dialPeer(t testing.TB, g *gateway) *client.Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	peer, err := client.Dial(ctx, g.cfg.Listen, client.WithHeartbeat(0))
	require.NoError(t, err)
	t.Cleanup(func() { peer.Close() })
	return peer
}

func registerTranslator(t *testing.T, peer *client.Client, name string, devices ...string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	resp, err := peer.Call(ctx, MethodRegisterTranslator, map[string]any{"name": name})
	require.NoError(t, err)
	assert.Equal(t, "ok", resp["result"])
	for _, id := range devices {
		_, err := peer.Call(ctx, MethodDeviceRegister, map[string]any{"deviceId": id})
		require.NoError(t, err)
	}
}

type callRecorder struct {
	success  chan message.Envelope
	failure  chan message.Envelope
	released chan any
}

func newCallRecorder() *callRecorder {
	return &callRecorder{
		success:  make(chan message.Envelope, 1),
		failure:  make(chan message.Envelope, 1),
		released: make(chan any, 1),
	}
}

func (r *callRecorder) callbacks() rpc.Callbacks {
	return rpc.Callbacks{
		OnSuccess: func(resp message.Envelope, _ any) { r.success <- resp },
		OnFailure: func(resp message.Envelope, _ any) { r.failure <- resp },
		Release:   func(ctx any) { r.released <- ctx },
	}
}

func waitFor[T any](t *testing.T, ch <-chan T, what string) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
		var zero T
		return zero
	}
}

func TestGatewayWriteRoundTrip(t *testing.T) {
	testlog.Start(t)
	g := startGateway(t, nil)
	peer := dialPeer(t, g)

	peer.Register(MethodWrite, func(_ context.Context, req *message.Request) (any, error) {
		uri, _ := req.Params["uri"].(map[string]any)
		value, err := base64.StdEncoding.DecodeString(req.Params["value"].(string))
		if err != nil {
			return nil, err
		}
		return map[string]any{"deviceId": uri["deviceId"], "written": string(value)}, nil
	})
	registerTranslator(t, peer, "pt-modbus", "dev-1")

	rec := newCallRecorder()
	_, err := g.Write(WriteRequest{
		DeviceID:   "dev-1",
		ObjectID:   3303,
		ResourceID: 5700,
		Operation:  OperationWrite,
		Value:      []byte("21.5"),
	}, rec.callbacks(), "write-ctx")
	require.NoError(t, err)

	resp := waitFor(t, rec.success, "write response")
	assert.Equal(t, map[string]any{"deviceId": "dev-1", "written": "21.5"}, resp["result"])
	assert.Equal(t, "write-ctx", waitFor(t, rec.released, "release"))
	assert.True(t, g.Registry().IsEmpty())
	assert.Empty(t, rec.failure)

	assert.Equal(t, []TranslatorInfo{{Name: "pt-modbus", Conn: g.Conns()[0].String(), Devices: []string{"dev-1"}}}, g.Translators())
}

func TestGatewayWriteFailureResponse(t *testing.T) {
	g := startGateway(t, nil)
	peer := dialPeer(t, g)
	peer.Register(MethodWrite, func(context.Context, *message.Request) (any, error) {
		return nil, &json2.Error{Code: -30100, Message: "device busy"}
	})
	registerTranslator(t, peer, "pt-1", "dev-1")

	rec := newCallRecorder()
	_, err := g.Write(WriteRequest{DeviceID: "dev-1", Operation: OperationWrite, Value: []byte{1}}, rec.callbacks(), "ctx")
	require.NoError(t, err)

	resp := waitFor(t, rec.failure, "failure response")
	assert.Equal(t, "device busy", resp["error"].(map[string]any)["message"])
	waitFor(t, rec.released, "release")
}

func TestWriteUnknownDeviceReleases(t *testing.T) {
	g := startGateway(t, nil)
	rec := newCallRecorder()
	_, err := g.Write(WriteRequest{DeviceID: "ghost", Operation: OperationWrite, Value: []byte{1}}, rec.callbacks(), "ctx")
	assert.ErrorIs(t, err, ErrUnknownDevice)
	assert.Equal(t, "ctx", waitFor(t, rec.released, "release"))
}

func TestTranslatorRegistrationRules(t *testing.T) {
	g := startGateway(t, nil)
	first := dialPeer(t, g)
	second := dialPeer(t, g)
	ctx := context.Background()

	registerTranslator(t, first, "pt-1", "dev-1")

	var remote *client.RemoteError
	_, err := first.Call(ctx, MethodRegisterTranslator, map[string]any{"name": "pt-other"})
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, CodeAlreadyRegistered, remote.Err.Code)

	_, err = second.Call(ctx, MethodRegisterTranslator, map[string]any{"name": "pt-1"})
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, CodeNameReserved, remote.Err.Code)

	_, err = second.Call(ctx, MethodDeviceRegister, map[string]any{"deviceId": "dev-2"})
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, CodeNotRegistered, remote.Err.Code)

	_, err = second.Call(ctx, MethodRegisterTranslator, map[string]any{"name": "  "})
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, json2.E_BAD_PARAMS, remote.Err.Code)

	registerTranslator(t, second, "pt-2")
	_, err = second.Call(ctx, MethodDeviceRegister, map[string]any{"deviceId": "dev-1"})
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, CodeDeviceReserved, remote.Err.Code)

	_, err = first.Call(ctx, MethodDeviceUnregister, map[string]any{"deviceId": "dev-1"})
	require.NoError(t, err)
	_, err = second.Call(ctx, MethodDeviceRegister, map[string]any{"deviceId": "dev-1"})
	require.NoError(t, err)
}

func TestTranslatorNameFreedOnDisconnect(t *testing.T) {
	g := startGateway(t, nil)
	first := dialPeer(t, g)
	registerTranslator(t, first, "pt-1", "dev-1")
	require.NoError(t, first.Close())

	require.Eventually(t, func() bool { return len(g.Translators()) == 0 }, 2*time.Second, 10*time.Millisecond)
	second := dialPeer(t, g)
	registerTranslator(t, second, "pt-1", "dev-1")
}

func TestPeerCallsGatewayMethodsConcurrently(t *testing.T) {
	g := startGateway(t, nil)
	g.Register("add", func(_ context.Context, req *message.Request) (any, error) {
		var a, b int
		fmt.Sscan(fmt.Sprint(req.Params["a"]), &a)
		fmt.Sscan(fmt.Sprint(req.Params["b"]), &b)
		return a + b, nil
	})
	peer := dialPeer(t, g)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			var sum int
			err := peer.CallInto(context.Background(), "add", map[string]any{"a": i, "b": i * 10}, &sum)
			if assert.NoError(t, err) {
				assert.Equal(t, i+i*10, sum)
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 0, peer.Pending())
}

func TestProtocolErrorsCloseConnection(t *testing.T) {
	g := startGateway(t, func(c *config.Config) { c.MaxProtocolErrors = 2 })
	peer := dialPeer(t, g)

	var remote *client.RemoteError
	_, err := peer.Call(context.Background(), "no_such_method", nil)
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, json2.E_NO_METHOD, remote.Err.Code)

	_, _ = peer.Call(context.Background(), "no_such_method", nil)
	select {
	case <-peer.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("gateway kept a connection that exceeded the protocol error limit")
	}
}

func TestPeerDisconnectReleasesGatewayCalls(t *testing.T) {
	g := startGateway(t, nil)
	peer := dialPeer(t, g)
	peer.Register(MethodWrite, func(context.Context, *message.Request) (any, error) {
		return nil, dispatch.ErrDeferred
	})
	registerTranslator(t, peer, "pt-1", "dev-1")

	rec := newCallRecorder()
	_, err := g.Write(WriteRequest{DeviceID: "dev-1", Operation: OperationRead}, rec.callbacks(), "ctx")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return g.Orchestrator().Pending() == 1 }, time.Second, 10*time.Millisecond)

	require.NoError(t, peer.Close())
	assert.Equal(t, "ctx", waitFor(t, rec.released, "release"))
	assert.Empty(t, rec.success)
	assert.Empty(t, rec.failure)
	assert.True(t, g.Registry().IsEmpty())
}

func TestShutdownDrainsPendingCalls(t *testing.T) {
	g := startGateway(t, nil)
	peer := dialPeer(t, g)
	peer.Register(MethodWrite, func(context.Context, *message.Request) (any, error) {
		return nil, dispatch.ErrDeferred
	})
	registerTranslator(t, peer, "pt-1", "dev-1")

	rec := newCallRecorder()
	_, err := g.Write(WriteRequest{DeviceID: "dev-1", Operation: OperationRead}, rec.callbacks(), "ctx")
	require.NoError(t, err)

	require.NoError(t, g.Shutdown(time.Second))
	assert.Equal(t, "ctx", waitFor(t, rec.released, "release"))
	assert.NoError(t, waitFor(t, g.served, "Serve to return"))
	assert.Empty(t, g.Conns())
	waitFor(t, peer.Done(), "peer to notice shutdown")
}

func TestDiscoveryAnnouncement(t *testing.T) {
	mem := discovery.NewMemory()
	g := startGateway(t, func(c *config.Config) { c.Name = "gw-a" }, WithDiscovery(mem))
	ctx := context.Background()

	require.Eventually(t, func() bool {
		instances, _ := mem.Discover(ctx, discovery.GatewayService)
		return len(instances) == 1
	}, 2*time.Second, 10*time.Millisecond)

	peer, err := client.DialService(ctx, mem, discovery.GatewayService, "pt-1", loadbalance.NewConsistentHashBalancer(), client.WithHeartbeat(0))
	require.NoError(t, err)
	defer peer.Close()
	registerTranslator(t, peer, "pt-1")

	require.NoError(t, g.Shutdown(time.Second))
	instances, err := mem.Discover(ctx, discovery.GatewayService)
	require.NoError(t, err)
	assert.Empty(t, instances)

	_, err = client.DialService(ctx, mem, discovery.GatewayService, "pt-1", &loadbalance.RoundRobinBalancer{})
	assert.True(t, errors.Is(err, discovery.ErrNoInstances))
}

func BenchmarkPeerCall(b *testing.B) {
	g := startGateway(b, func(c *config.Config) { c.HandlerTimeout = 0 })
	g.Register("echo", func(_ context.Context, req *message.Request) (any, error) {
		return req.Params["v"], nil
	})
	peer := dialPeer(b, g)
	params := map[string]any{"v": "x"}

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			if _, err := peer.Call(context.Background(), "echo", params); err != nil {
				b.Fatal(err)
			}
		}
	})
}
