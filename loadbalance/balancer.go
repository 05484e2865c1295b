// Package loadbalance picks the gateway instance a peer connects to.
//
// Three strategies are implemented:
//   - RoundRobin:      equal-capacity gateways
//   - WeightedRandom:  gateways of different size, by Instance.Weight
//   - ConsistentHash:  the same peer keeps landing on the same gateway while the set is stable
package loadbalance

import (
	"edge-rpc/discovery"
	"errors"
	"fmt"
	"strings"
)

var ErrNoInstances = errors.New("loadbalance: no instances available")

// Balancer selects one instance. key identifies the caller (the peer name) and is only
// used by key-affine strategies. Implementations must be goroutine-safe.
type Balancer interface {
	Pick(instances []discovery.Instance, key string) (discovery.Instance, error)
	Name() string
}

// ByName returns the strategy with the given name.
func ByName(name string) (Balancer, error) {
	switch strings.ToLower(name) {
	case "", "roundrobin", "round_robin":
		return &RoundRobinBalancer{}, nil
	case "weighted", "weightedrandom", "weighted_random":
		return &WeightedRandomBalancer{}, nil
	case "hash", "consistenthash", "consistent_hash":
		return NewConsistentHashBalancer(), nil
	default:
		return nil, fmt.Errorf("loadbalance: unknown strategy %q", name)
	}
}
