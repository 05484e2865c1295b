// etcd keeps the directory:
//
//	Key:   /edge-rpc/{service}/{addr}
//	Value: JSON-encoded Instance
//
// Registration uses TTL leases: if a gateway dies, its lease expires and the entry
// disappears with it.

package discovery

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	clientv3 "go.etcd.io/etcd/client/v3"
)

const keyPrefix = "/edge-rpc/"

func serviceKey(service string) string {
	return keyPrefix + service + "/"
}

// EtcdDiscovery implements Discovery on etcd v3.
type EtcdDiscovery struct {
	client *clientv3.Client // thread-safe, shared across goroutines

	mu     sync.Mutex
	leases map[string]clientv3.LeaseID // key → lease, revoked on Deregister
}

// NewEtcdDiscovery connects to the given endpoints.
func NewEtcdDiscovery(endpoints []string, dialTimeout time.Duration) (*EtcdDiscovery, error) {
	c, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: dialTimeout,
	})
	if err != nil {
		return nil, err
	}
	return &EtcdDiscovery{client: c, leases: make(map[string]clientv3.LeaseID)}, nil
}

// Register stores the instance under a lease of ttl seconds and keeps the lease alive
// in the background until Deregister or Close.
func (d *EtcdDiscovery) Register(ctx context.Context, service string, instance Instance, ttl int64) error {
	lease, err := d.client.Grant(ctx, ttl)
	if err != nil {
		return err
	}
	val, err := json.Marshal(instance)
	if err != nil {
		return err
	}
	key := serviceKey(service) + instance.Addr
	if _, err := d.client.Put(ctx, key, string(val), clientv3.WithLease(lease.ID)); err != nil {
		return err
	}

	// KeepAlive must outlive the registration call, so it gets its own context.
	ch, err := d.client.KeepAlive(context.Background(), lease.ID)
	if err != nil {
		return err
	}
	go func() {
		for range ch {
		}
		log.Debug().Str("key", key).Msg("etcd keepalive stopped")
	}()

	d.mu.Lock()
	d.leases[key] = lease.ID
	d.mu.Unlock()
	log.Info().Str("key", key).Int64("ttl", ttl).Msg("registered in etcd")
	return nil
}

// Deregister removes the instance. Revoking the lease also stops its keepalive.
func (d *EtcdDiscovery) Deregister(ctx context.Context, service string, addr string) error {
	key := serviceKey(service) + addr
	d.mu.Lock()
	lease, ok := d.leases[key]
	delete(d.leases, key)
	d.mu.Unlock()

	if ok {
		_, err := d.client.Revoke(ctx, lease)
		return err
	}
	_, err := d.client.Delete(ctx, key)
	return err
}

// Discover returns every instance currently registered for service.
func (d *EtcdDiscovery) Discover(ctx context.Context, service string) ([]Instance, error) {
	resp, err := d.client.Get(ctx, serviceKey(service), clientv3.WithPrefix())
	if err != nil {
		return nil, err
	}
	instances := make([]Instance, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var instance Instance
		if err := json.Unmarshal(kv.Value, &instance); err != nil {
			log.Warn().Err(err).Str("key", string(kv.Key)).Msg("skipping malformed instance")
			continue
		}
		instances = append(instances, instance)
	}
	return instances, nil
}

// Watch emits the full instance list after every change under the service prefix.
// The channel closes when ctx is done.
func (d *EtcdDiscovery) Watch(ctx context.Context, service string) <-chan []Instance {
	ch := make(chan []Instance, 1)
	go func() {
		defer close(ch)
		for range d.client.Watch(ctx, serviceKey(service), clientv3.WithPrefix()) {
			instances, err := d.Discover(ctx, service)
			if err != nil {
				log.Warn().Err(err).Str("service", service).Msg("rediscover after watch event failed")
				continue
			}
			select {
			case ch <- instances:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch
}

// Close closes the etcd client. Leases still held expire after their TTL.
func (d *EtcdDiscovery) Close() error {
	return d.client.Close()
}
