package dispatch

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/bcmapp/bcm-server-sub002/internal/address"
)

// DefaultReconnectBackoff matches spec.md §4.2's 3-second reconnect delay
// for the cross-node pub/sub loop.
const DefaultReconnectBackoff = 3 * time.Second

// RedisRelay is the CrossNodeRelay implementation: a dedicated async
// subscribe loop per address with automatic reconnect, grounded on the
// retrieval pack's grafana redisPeer pub/sub receive loop (other_examples),
// adapted from a single cluster-gossip channel to one channel per Address.
type RedisRelay struct {
	client  *redis.Client
	manager *Manager
	log     *slog.Logger
	backoff time.Duration

	mu     sync.Mutex
	active map[address.Addr]*relaySubscription

	ctx    context.Context
	cancel context.CancelFunc
}

type relaySubscription struct {
	pubsub *redis.PubSub
	cancel context.CancelFunc
}

// NewRedisRelay builds a relay bound to a single Redis client. manager is
// wired in afterward via SetManager to break the construction cycle (the
// Manager needs a CrossNodeRelay, and the relay needs a Manager to deliver
// into).
func NewRedisRelay(client *redis.Client, backoff time.Duration, log *slog.Logger) *RedisRelay {
	if backoff <= 0 {
		backoff = DefaultReconnectBackoff
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &RedisRelay{
		client:  client,
		log:     log,
		backoff: backoff,
		active:  make(map[address.Addr]*relaySubscription),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// SetManager completes the relay's wiring to the Manager it delivers into.
func (r *RedisRelay) SetManager(m *Manager) { r.manager = m }

// SubscribeAddr starts a dedicated receive loop for addr's Redis channel.
func (r *RedisRelay) SubscribeAddr(addr address.Addr) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.active[addr]; ok {
		return
	}
	ctx, cancel := context.WithCancel(r.ctx)
	pubsub := r.client.Subscribe(ctx, addr.RedisChannel())
	r.active[addr] = &relaySubscription{pubsub: pubsub, cancel: cancel}
	go r.receiveLoop(ctx, addr, pubsub)
}

// UnsubscribeAddr stops the receive loop for addr.
func (r *RedisRelay) UnsubscribeAddr(addr address.Addr) {
	r.mu.Lock()
	sub, ok := r.active[addr]
	if ok {
		delete(r.active, addr)
	}
	r.mu.Unlock()
	if ok {
		sub.cancel()
		sub.pubsub.Close()
	}
}

// PublishAddr publishes payload on addr's Redis channel for any peer node
// subscribed to it.
func (r *RedisRelay) PublishAddr(addr address.Addr, payload []byte) error {
	return r.client.Publish(r.ctx, addr.RedisChannel(), payload).Err()
}

// Close tears down every active subscription.
func (r *RedisRelay) Close() {
	r.cancel()
	r.mu.Lock()
	defer r.mu.Unlock()
	for addr, sub := range r.active {
		sub.cancel()
		sub.pubsub.Close()
		delete(r.active, addr)
	}
}

// receiveLoop mirrors the grafana redisPeer pattern: block on the pub/sub
// channel, and on a transport error back off and resubscribe rather than
// giving up, until the subscription is explicitly cancelled.
func (r *RedisRelay) receiveLoop(ctx context.Context, addr address.Addr, pubsub *redis.PubSub) {
	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				if ctx.Err() != nil {
					return
				}
				r.log.Warn("dispatch: pubsub channel closed, resubscribing", "addr", addr.String())
				time.Sleep(r.backoff)
				pubsub = r.client.Subscribe(ctx, addr.RedisChannel())
				ch = pubsub.Channel()
				continue
			}
			if r.manager != nil {
				r.manager.DeliverFromPeer(addr, []byte(msg.Payload))
			}
		}
	}
}
