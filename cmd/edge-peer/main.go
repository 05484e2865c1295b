// Command edge-peer is a minimal protocol translator. It registers itself and its devices
// with a gateway and logs every write the gateway forwards.
//
//	edge-peer -addr 127.0.0.1:7300 -name modbus-pt -devices dev-1,dev-2
//	edge-peer -etcd 127.0.0.1:2379 -balancer consistent_hash -name modbus-pt -devices dev-1
package main

import (
	"context"
	"edge-rpc/client"
	"edge-rpc/discovery"
	"edge-rpc/dispatch"
	"edge-rpc/loadbalance"
	"edge-rpc/logging"
	"edge-rpc/message"
	"edge-rpc/server"
	"encoding/base64"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/rpc/v2/json2"
	"github.com/rs/zerolog/log"
)

type options struct {
	addr      string
	name      string
	devices   []string
	etcd      []string
	balancer  string
	heartbeat time.Duration
}

type writeParams struct {
	URI struct {
		DeviceID         string `json:"deviceId"`
		ObjectID         int    `json:"objectId"`
		ObjectInstanceID int    `json:"objectInstanceId"`
		ResourceID       int    `json:"resourceId"`
	} `json:"uri"`
	Operation int    `json:"operation"`
	Value     string `json:"value"`
}

func main() {
	opts := parseFlags()
	logging.ConfigureRuntime()

	if err := run(opts); err != nil {
		log.Fatal().Err(err).Msg("peer stopped")
	}
}

func parseFlags() options {
	var opts options
	var devices, etcd string
	flag.StringVar(&opts.addr, "addr", "127.0.0.1:7300", "gateway address, ignored when -etcd is set")
	flag.StringVar(&opts.name, "name", "edge-peer", "protocol translator name")
	flag.StringVar(&devices, "devices", "", "comma separated device ids to register")
	flag.StringVar(&etcd, "etcd", "", "comma separated etcd endpoints used to discover the gateway")
	flag.StringVar(&opts.balancer, "balancer", "consistent_hash", "gateway selection: round_robin, weighted_random or consistent_hash")
	flag.DurationVar(&opts.heartbeat, "heartbeat", 30*time.Second, "heartbeat interval, 0 disables")
	flag.Parse()

	opts.devices = splitList(devices)
	opts.etcd = splitList(etcd)
	if opts.name == "" {
		fmt.Fprintln(os.Stderr, "edge-peer: -name must not be empty")
		os.Exit(2)
	}
	return opts
}

func splitList(s string) []string {
	var out []string
	for _, v := range strings.Split(s, ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func run(opts options) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	c, err := dial(ctx, opts)
	if err != nil {
		return err
	}
	defer c.Close()

	c.Register(server.MethodWrite, dispatch.Typed(handleWrite))

	callCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := c.Call(callCtx, server.MethodRegisterTranslator, map[string]any{"name": opts.name}); err != nil {
		return fmt.Errorf("register translator %q: %w", opts.name, err)
	}
	for _, id := range opts.devices {
		if _, err := c.Call(callCtx, server.MethodDeviceRegister, map[string]any{"deviceId": id}); err != nil {
			return fmt.Errorf("register device %q: %w", id, err)
		}
	}
	log.Info().Str("name", opts.name).Strs("devices", opts.devices).Msg("translator registered")

	select {
	case <-ctx.Done():
		log.Info().Msg("shutting down")
		unregister(opts.devices, c)
		return nil
	case <-c.Done():
		return errors.New("gateway closed the connection")
	}
}

func dial(ctx context.Context, opts options) (*client.Client, error) {
	copts := []client.Option{client.WithHeartbeat(opts.heartbeat)}
	if len(opts.etcd) == 0 {
		return client.Dial(ctx, opts.addr, copts...)
	}

	bal, err := loadbalance.ByName(opts.balancer)
	if err != nil {
		return nil, err
	}
	d, err := discovery.NewEtcdDiscovery(opts.etcd, 5*time.Second)
	if err != nil {
		return nil, err
	}
	defer d.Close()
	// Keyed by name, so a restarted translator returns to the same gateway.
	return client.DialService(ctx, d, discovery.GatewayService, opts.name, bal, copts...)
}

func unregister(devices []string, c *client.Client) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for _, id := range devices {
		if _, err := c.Call(ctx, server.MethodDeviceUnregister, map[string]any{"deviceId": id}); err != nil {
			log.Warn().Err(err).Str("device", id).Msg("unregister device")
		}
	}
}

func handleWrite(_ context.Context, _ *message.Request, p *writeParams) (any, error) {
	value, err := base64.StdEncoding.DecodeString(p.Value)
	if err != nil {
		return nil, &json2.Error{Code: json2.E_BAD_PARAMS, Message: "value is not base64"}
	}
	log.Info().
		Str("device", p.URI.DeviceID).
		Int("object", p.URI.ObjectID).
		Int("instance", p.URI.ObjectInstanceID).
		Int("resource", p.URI.ResourceID).
		Int("operation", p.Operation).
		Bytes("value", value).
		Msg("write")
	return "ok", nil
}
