package group

import (
	"sync"

	"github.com/bcmapp/bcm-server-sub002/internal/model"
)

// Broadcaster is the in-node pub/sub fabric for group messages (spec.md
// §4.5's "publishes an in-node pub/sub event group_<gid>"), mirroring
// dispatch.Manager's single-owner registry shape but keyed by gid instead
// of Addr and scoped to this one process — cross-node fan-out for group
// traffic rides the offline orchestrator, not a relay here.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[uint64]map[string]chan *model.GroupMessage
}

// NewBroadcaster builds an empty Broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subscribers: make(map[uint64]map[string]chan *model.GroupMessage)}
}

// Subscribe registers a buffered channel for every message published to
// gid under subscriberID (typically an address.Addr.String()). Callers
// must Unsubscribe with the same id when they're done.
func (b *Broadcaster) Subscribe(gid uint64, subscriberID string) <-chan *model.GroupMessage {
	ch := make(chan *model.GroupMessage, 32)
	b.mu.Lock()
	defer b.mu.Unlock()
	byID, ok := b.subscribers[gid]
	if !ok {
		byID = make(map[string]chan *model.GroupMessage)
		b.subscribers[gid] = byID
	}
	byID[subscriberID] = ch
	return ch
}

// Unsubscribe removes and closes subscriberID's channel for gid.
func (b *Broadcaster) Unsubscribe(gid uint64, subscriberID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	byID, ok := b.subscribers[gid]
	if !ok {
		return
	}
	if ch, ok := byID[subscriberID]; ok {
		close(ch)
		delete(byID, subscriberID)
	}
	if len(byID) == 0 {
		delete(b.subscribers, gid)
	}
}

// Publish delivers msg to every local subscriber of its gid, non-blocking:
// a subscriber whose channel is full misses the live event and falls back
// to Fetch on reconnect, same as a dropped dispatch publish falls back to
// the offline path.
func (b *Broadcaster) Publish(msg *model.GroupMessage) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subscribers[msg.GID] {
		select {
		case ch <- msg:
		default:
		}
	}
}
