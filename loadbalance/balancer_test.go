package loadbalance

import (
	"edge-rpc/discovery"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testInstances = []discovery.Instance{
	{Addr: ":8001", Weight: 10, Version: "1.0"},
	{Addr: ":8002", Weight: 5, Version: "1.0"},
	{Addr: ":8003", Weight: 10, Version: "1.0"},
}

func TestRoundRobin(t *testing.T) {
	b := &RoundRobinBalancer{}

	var results []string
	for i := 0; i < 3; i++ {
		inst, err := b.Pick(testInstances, "")
		require.NoError(t, err)
		results = append(results, inst.Addr)
	}
	assert.Equal(t, []string{":8001", ":8002", ":8003"}, results)

	inst, _ := b.Pick(testInstances, "")
	assert.Equal(t, results[0], inst.Addr, "wraps around")
}

func TestEmptyInstances(t *testing.T) {
	for _, b := range []Balancer{&RoundRobinBalancer{}, &WeightedRandomBalancer{}, NewConsistentHashBalancer()} {
		_, err := b.Pick(nil, "k")
		assert.ErrorIs(t, err, ErrNoInstances, b.Name())
	}
}

func TestWeightedRandom(t *testing.T) {
	b := &WeightedRandomBalancer{}

	counts := map[string]int{}
	for i := 0; i < 10000; i++ {
		inst, err := b.Pick(testInstances, "")
		require.NoError(t, err)
		counts[inst.Addr]++
	}

	// 10:5:10, so :8001 should be picked about twice as often as :8002
	ratio := float64(counts[":8001"]) / float64(counts[":8002"])
	assert.InDelta(t, 2.0, ratio, 0.5)
}

func TestWeightedRandomZeroWeights(t *testing.T) {
	b := &WeightedRandomBalancer{}
	inst, err := b.Pick([]discovery.Instance{{Addr: "a"}}, "")
	require.NoError(t, err)
	assert.Equal(t, "a", inst.Addr)
}

func TestConsistentHash(t *testing.T) {
	b := NewConsistentHashBalancer()

	inst1, err := b.Pick(testInstances, "pt-modbus")
	require.NoError(t, err)
	inst2, _ := b.Pick(testInstances, "pt-modbus")
	assert.Equal(t, inst1.Addr, inst2.Addr)

	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		inst, _ := b.Pick(testInstances, fmt.Sprintf("pt-%d", i))
		seen[inst.Addr] = true
	}
	assert.GreaterOrEqual(t, len(seen), 2)
}

func TestConsistentHashIgnoresOrder(t *testing.T) {
	b := NewConsistentHashBalancer()
	reversed := []discovery.Instance{testInstances[2], testInstances[1], testInstances[0]}
	for i := 0; i < 20; i++ {
		key := fmt.Sprintf("pt-%d", i)
		a, _ := b.Pick(testInstances, key)
		r, _ := b.Pick(reversed, key)
		assert.Equal(t, a.Addr, r.Addr)
	}
}

func TestByName(t *testing.T) {
	b, err := ByName("")
	require.NoError(t, err)
	assert.Equal(t, "RoundRobin", b.Name())
	b, err = ByName("consistent_hash")
	require.NoError(t, err)
	assert.Equal(t, "ConsistentHash", b.Name())
	_, err = ByName("random-ish")
	assert.Error(t, err)
}
