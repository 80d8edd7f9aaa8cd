// Package redispart implements the partitioned Redis router of spec.md
// §4.1: groups are sharded across named partitions by consistent hash, and
// each partition keeps an ordered list of replicas with automatic failover
// and a periodic liveness probe that prefers the lowest-numbered healthy
// replica.
//
// Grounded on original_source/src/redis/redis_manager.{h,cpp}
// (RedisDbManager): getRedisByGid/getRedisByKey pick the partition's
// current replica, a failed op advances to getNextRedis (round-robin
// within the partition, wrapping), and updateRedisConnPeriod walks
// replicas 0..current every probe interval and resets to the lowest one
// that answers a liveness SET. The replica client itself is
// github.com/redis/go-redis/v9, the idiom grafana's redisPeer (in the
// retrieval pack's other_examples) uses for cluster-aware Redis access.
package redispart

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/bcmapp/bcm-server-sub002/internal/rhash"
)

const livenessKey = "group_msg_active"

// ReplicaConfig is one partition replica's connection info.
type ReplicaConfig struct {
	Addr     string
	Password string
	DB       int
}

// PartitionConfig is a named shard with an ordered replica list; replica 0
// is authoritative until the liveness probe demotes it.
type PartitionConfig struct {
	Name     string
	Replicas []ReplicaConfig
}

type partition struct {
	name     string
	clients  []*redis.Client
	mu       sync.RWMutex
	current  int
}

// Router is the partitioned Redis client: it owns one *redis.Client per
// replica and a consistent-hash ring mapping group ids / hash keys onto
// partitions.
type Router struct {
	ring          *rhash.Ring
	partitions    map[string]*partition
	probeInterval time.Duration
	sentinelTTL   time.Duration

	stop chan struct{}
	wg   sync.WaitGroup
}

// New builds a Router with one client per replica (matching the teacher's
// RedisServer construction at config time); go-redis opens each connection
// lazily, on that client's first command.
func New(partitions []PartitionConfig, virtualNodes int, probeInterval, sentinelTTL, connectTimeout time.Duration) (*Router, error) {
	if len(partitions) == 0 {
		return nil, fmt.Errorf("redispart: no partitions configured")
	}

	ring := rhash.New(virtualNodes)
	byName := make(map[string]*partition, len(partitions))
	for _, pc := range partitions {
		if len(pc.Replicas) == 0 {
			return nil, fmt.Errorf("redispart: partition %s has no replicas", pc.Name)
		}
		clients := make([]*redis.Client, len(pc.Replicas))
		for i, rc := range pc.Replicas {
			clients[i] = redis.NewClient(&redis.Options{
				Addr:        rc.Addr,
				Password:    rc.Password,
				DB:          rc.DB,
				DialTimeout: connectTimeout,
			})
		}
		byName[pc.Name] = &partition{name: pc.Name, clients: clients}
		ring.AddPartition(pc.Name)
	}

	return &Router{
		ring:          ring,
		partitions:    byName,
		probeInterval: probeInterval,
		sentinelTTL:   sentinelTTL,
		stop:          make(chan struct{}),
	}, nil
}

// StartProbing launches the background liveness probe loop (one goroutine
// per Router, matching the original's single RedisManageTimer task).
func (r *Router) StartProbing() {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(r.probeInterval)
		defer ticker.Stop()
		for {
			select {
			case <-r.stop:
				return
			case <-ticker.C:
				r.probeOnce()
			}
		}
	}()
}

// Close stops the probe loop and closes every replica client.
func (r *Router) Close() error {
	close(r.stop)
	r.wg.Wait()
	var firstErr error
	for _, p := range r.partitions {
		for _, c := range p.clients {
			if err := c.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// probeOnce walks each partition's replicas 0..current, writing the
// liveness sentinel, and resets current to the lowest-numbered one that
// answers — mirroring updateRedisConnPeriod exactly.
func (r *Router) probeOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), r.probeInterval)
	defer cancel()

	for _, p := range r.partitions {
		p.mu.RLock()
		upTo := p.current
		p.mu.RUnlock()

		for i := 0; i <= upTo && i < len(p.clients); i++ {
			err := p.clients[i].Set(ctx, livenessKey, "active", r.sentinelTTL).Err()
			if err == nil {
				if i < upTo {
					p.mu.Lock()
					p.current = i
					p.mu.Unlock()
				}
				break
			}
		}
	}
}

func (p *partition) activeClient() *redis.Client {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.clients[p.current]
}

// advance moves the partition to the next replica, wrapping, matching
// getNextRedis's round-robin-on-failure behavior.
func (p *partition) advance() *redis.Client {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.current = (p.current + 1) % len(p.clients)
	return p.clients[p.current]
}

func (p *partition) replicaCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.clients)
}

// partitionForGID resolves a numeric group id to its partition via the
// consistent-hash ring.
func (r *Router) partitionForGID(gid uint64) (*partition, error) {
	name, ok := r.ring.PickGID(gid)
	if !ok {
		return nil, fmt.Errorf("redispart: empty ring")
	}
	p, ok := r.partitions[name]
	if !ok {
		return nil, fmt.Errorf("redispart: unknown partition %s", name)
	}
	return p, nil
}

// partitionForKey resolves an arbitrary hash key to its partition.
func (r *Router) partitionForKey(key string) (*partition, error) {
	name, ok := r.ring.PickKey(key)
	if !ok {
		return nil, fmt.Errorf("redispart: empty ring")
	}
	p, ok := r.partitions[name]
	if !ok {
		return nil, fmt.Errorf("redispart: unknown partition %s", name)
	}
	return p, nil
}

// Partitions exposes every partition name on the ring, for the offline
// orchestrator's required cross-partition scan (spec.md §4.3).
func (r *Router) Partitions() []string {
	return r.ring.Partitions()
}

// ClientFor returns the active replica client for a named partition,
// without going through the hash ring — the offline scan loop walks every
// partition explicitly rather than hashing into one.
func (r *Router) ClientFor(partitionName string) (*redis.Client, error) {
	p, ok := r.partitions[partitionName]
	if !ok {
		return nil, fmt.Errorf("redispart: unknown partition %s", partitionName)
	}
	return p.activeClient(), nil
}

// withFailoverByGID retries op against each replica of gid's partition in
// order, advancing on error, matching the do/while loopCounter < numOfRedis
// pattern in every RedisDbManager method.
func (r *Router) withFailoverByGID(ctx context.Context, gid uint64, op func(*redis.Client) error) error {
	p, err := r.partitionForGID(gid)
	if err != nil {
		return err
	}
	return r.withFailover(ctx, p, op)
}

func (r *Router) withFailoverByKey(ctx context.Context, key string, op func(*redis.Client) error) error {
	p, err := r.partitionForKey(key)
	if err != nil {
		return err
	}
	return r.withFailover(ctx, p, op)
}

func (r *Router) withFailover(ctx context.Context, p *partition, op func(*redis.Client) error) error {
	client := p.activeClient()
	var lastErr error
	for attempts := 0; attempts < p.replicaCount(); attempts++ {
		lastErr = op(client)
		if lastErr == nil {
			return nil
		}
		client = p.advance()
	}
	return fmt.Errorf("redispart: all replicas of %s failed: %w", p.name, lastErr)
}
