package loadbalance

import (
	"edge-rpc/discovery"
	"math/rand"
)

// WeightedRandomBalancer picks an instance with probability proportional to its weight.
// Instances announced without a weight count as weight 1.
type WeightedRandomBalancer struct{}

func (b *WeightedRandomBalancer) Pick(instances []discovery.Instance, _ string) (discovery.Instance, error) {
	if len(instances) == 0 {
		return discovery.Instance{}, ErrNoInstances
	}

	total := 0
	for _, v := range instances {
		total += weightOf(v)
	}
	r := rand.Intn(total)
	for _, v := range instances {
		r -= weightOf(v)
		if r < 0 {
			return v, nil
		}
	}
	return instances[len(instances)-1], nil
}

func (b *WeightedRandomBalancer) Name() string {
	return "WeightedRandom"
}

func weightOf(i discovery.Instance) int {
	if i.Weight <= 0 {
		return 1
	}
	return i.Weight
}
