package loadbalance

import (
	"edge-rpc/discovery"
	"sync/atomic"
)

// RoundRobinBalancer cycles through the instances in order. Lock-free.
type RoundRobinBalancer struct {
	counter atomic.Uint64
}

func (b *RoundRobinBalancer) Pick(instances []discovery.Instance, _ string) (discovery.Instance, error) {
	if len(instances) == 0 {
		return discovery.Instance{}, ErrNoInstances
	}
	index := (b.counter.Add(1) - 1) % uint64(len(instances))
	return instances[index], nil
}

func (b *RoundRobinBalancer) Name() string {
	return "RoundRobin"
}
