package loadbalance

import (
	"edge-rpc/discovery"
	"fmt"
	"hash/crc32"
	"sort"
	"strings"
	"sync"
)

// ConsistentHashBalancer maps keys onto a hash ring of instances. Each instance owns
// replicas virtual nodes so that a handful of gateways still spread evenly.
//
//	Hash Ring:
//	                  0
//	                ╱   ╲
//	         B ●               ● A
//	           │    key ◆──►   │   (clockwise to nearest node → A)
//	         C ●               ● A' (virtual node of A)
//	                ╲   ╱
//
// The ring is rebuilt only when the instance set passed to Pick changes.
type ConsistentHashBalancer struct {
	replicas int

	mu        sync.Mutex
	signature string
	ring      []uint32                      // sorted
	nodes     map[uint32]discovery.Instance // hash → instance
}

// NewConsistentHashBalancer creates a ring with 100 virtual nodes per instance.
func NewConsistentHashBalancer() *ConsistentHashBalancer {
	return &ConsistentHashBalancer{replicas: 100}
}

func (b *ConsistentHashBalancer) Pick(instances []discovery.Instance, key string) (discovery.Instance, error) {
	if len(instances) == 0 {
		return discovery.Instance{}, ErrNoInstances
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if sig := signatureOf(instances); sig != b.signature {
		b.rebuild(instances)
		b.signature = sig
	}

	hash := crc32.ChecksumIEEE([]byte(key))
	idx := sort.Search(len(b.ring), func(i int) bool {
		return b.ring[i] >= hash
	})
	if idx == len(b.ring) {
		idx = 0
	}
	return b.nodes[b.ring[idx]], nil
}

func (b *ConsistentHashBalancer) Name() string {
	return "ConsistentHash"
}

func (b *ConsistentHashBalancer) rebuild(instances []discovery.Instance) {
	b.ring = make([]uint32, 0, len(instances)*b.replicas)
	b.nodes = make(map[uint32]discovery.Instance, len(instances)*b.replicas)
	for _, inst := range instances {
		for i := 0; i < b.replicas; i++ {
			hash := crc32.ChecksumIEEE([]byte(fmt.Sprintf("%s#%d", inst.Addr, i)))
			b.ring = append(b.ring, hash)
			b.nodes[hash] = inst
		}
	}
	sort.Slice(b.ring, func(i, j int) bool { return b.ring[i] < b.ring[j] })
}

func signatureOf(instances []discovery.Instance) string {
	addrs := make([]string, len(instances))
	for i, inst := range instances {
		addrs[i] = inst.Addr
	}
	sort.Strings(addrs)
	return strings.Join(addrs, ",")
}
