// Package discovery announces gateways and lets peers find them.
package discovery

import (
	"context"
	"errors"
)

var ErrNoInstances = errors.New("discovery: no instances registered")

// GatewayService is the service name gateways announce themselves under.
const GatewayService = "edge-gateway"

// Instance is one announced gateway endpoint.
type Instance struct {
	Name    string `json:"name"`
	Addr    string `json:"addr"`
	Weight  int    `json:"weight"` // Weight for load balancing
	Version string `json:"version"`
}

// Discovery is a service directory. ttl is in seconds.
type Discovery interface {
	Register(ctx context.Context, service string, instance Instance, ttl int64) error
	Deregister(ctx context.Context, service string, addr string) error
	Discover(ctx context.Context, service string) ([]Instance, error)
	Watch(ctx context.Context, service string) <-chan []Instance
}
