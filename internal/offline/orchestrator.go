// Package offline implements the offline orchestrator of spec.md §4.3: a
// leader-elected scan loop that finds group messages older than
// OFFLINE_GROUP_MESSAGE_DELAY_TIME, resolves which members still need a
// push, hands them to the push service, and retires the triple.
package offline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	gocron "github.com/go-co-op/gocron/v2"

	"github.com/bcmapp/bcm-server-sub002/internal/model"
	"github.com/bcmapp/bcm-server-sub002/internal/push"
	"github.com/bcmapp/bcm-server-sub002/internal/redispart"
)

const (
	groupMsgListKey      = "group_msg_list"
	groupMultiMsgListKey = "group_multi_msg_list"

	// OFFLINE_GROUP_MESSAGE_DELAY_TIME / _EXPIRE_TIME from spec.md §4.3.
	scanDelay  = 5 * time.Second
	expireTime = 30 * time.Minute

	scanBatchSize = 300
	hscanPageSize = 100

	leaseKey = "offline_lease"
)

// Config parameterizes one orchestrator instance.
type Config struct {
	ScanInterval  time.Duration
	LeaseTTL      time.Duration
	NodeID        string
	BloomBits     int
	BloomHashFuncs int
}

func (c *Config) applyDefaults() {
	if c.ScanInterval <= 0 {
		c.ScanInterval = 3 * time.Second
	}
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = 30 * time.Second
	}
	if c.NodeID == "" {
		c.NodeID = uuid.NewString()
	}
	if c.BloomBits <= 0 {
		c.BloomBits = 1 << 16
	}
	if c.BloomHashFuncs <= 0 {
		c.BloomHashFuncs = 4
	}
}

// Orchestrator owns the lease and the scan loop.
type Orchestrator struct {
	cfg     Config
	router  *redispart.Router
	pushSvc *push.Service
	log     *slog.Logger

	scheduler gocron.Scheduler
	isLeader  bool
}

func New(cfg Config, router *redispart.Router, pushSvc *push.Service, log *slog.Logger) (*Orchestrator, error) {
	cfg.applyDefaults()
	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return nil, err
	}
	return &Orchestrator{
		cfg:       cfg,
		router:    router,
		pushSvc:   pushSvc,
		log:       log,
		scheduler: scheduler,
	}, nil
}

// Start registers the lease-renewal and scan-round jobs and begins running
// the scheduler. Each job checks leadership itself so only the lease
// holder's round actually scans.
func (o *Orchestrator) Start(ctx context.Context) error {
	_, err := o.scheduler.NewJob(
		gocron.DurationJob(o.cfg.LeaseTTL/3),
		gocron.NewTask(func() { o.renewLease(ctx) }),
	)
	if err != nil {
		return err
	}
	_, err = o.scheduler.NewJob(
		gocron.DurationJob(o.cfg.ScanInterval),
		gocron.NewTask(func() { o.runRoundIfLeader(ctx) }),
	)
	if err != nil {
		return err
	}
	o.scheduler.Start()
	return nil
}

func (o *Orchestrator) Stop(ctx context.Context) error {
	return o.scheduler.Shutdown()
}

// renewLease acquires or refreshes the at-most-one-leader lease via
// SETNX, matching spec.md §4.3's "Lease" description exactly. go-redis's
// SetNX with an expiry is atomic, so acquisition never races.
func (o *Orchestrator) renewLease(ctx context.Context) {
	won, err := o.router.SetNX(ctx, leaseKey, leaseKey, o.cfg.NodeID, o.cfg.LeaseTTL)
	if err != nil {
		o.log.Warn("offline: lease renewal failed", "err", err)
		o.isLeader = false
		return
	}
	if won {
		o.isLeader = true
		return
	}
	// SETNX only succeeds for a brand new key; a node that already leads
	// renews by re-SETting the key with its node id and a fresh TTL on every
	// renewal tick. There is no CAS-style "renew if mine" check; a node that
	// does not lead and loses SETNX simply returns.
	if !o.isLeader {
		return
	}
	if err := o.router.Set(ctx, leaseKey, leaseKey, o.cfg.NodeID, o.cfg.LeaseTTL); err != nil {
		o.log.Warn("offline: lease refresh failed, stepping down", "err", err)
		o.isLeader = false
	}
}

func (o *Orchestrator) runRoundIfLeader(ctx context.Context) {
	if !o.isLeader {
		return
	}
	if err := o.runRound(ctx); err != nil {
		o.log.Warn("offline: scan round failed", "err", err)
	}
}

// runRound implements spec.md §4.3's "Round" steps 1-4, once per
// partition that holds triples on group_msg_list.
func (o *Orchestrator) runRound(ctx context.Context) error {
	now := time.Now()
	bloom := newBloomFilter(o.cfg.BloomBits, o.cfg.BloomHashFuncs)

	for _, partitionName := range o.router.Partitions() {
		due := float64(now.Add(-scanDelay).Unix())
		entries, err := o.router.ZRangeByScoreWithScoresOnPartition(ctx, partitionName, groupMsgListKey,
			"-inf", strconv.FormatFloat(due, 'f', -1, 64), scanBatchSize)
		if err != nil {
			o.log.Warn("offline: zrangebyscore failed", "partition", partitionName, "err", err)
			continue
		}

		expireBefore := float64(now.Add(-expireTime).Unix())
		highestByGID := make(map[uint64]Triple)

		for _, z := range entries {
			member, _ := z.Member.(string)
			if z.Score < expireBefore {
				o.removeTriple(ctx, partitionName, member)
				continue
			}
			triple, err := ParseTriple(member)
			if err != nil {
				o.log.Warn("offline: dropping malformed triple", "raw", member, "err", err)
				o.removeTriple(ctx, partitionName, member)
				continue
			}
			if existing, ok := highestByGID[triple.GID]; !ok || triple.MID > existing.MID {
				highestByGID[triple.GID] = triple
			}
		}

		for gid, triple := range highestByGID {
			if err := o.processTriple(ctx, gid, triple, bloom); err != nil {
				o.log.Warn("offline: process triple failed", "gid", gid, "mid", triple.MID, "err", err)
				continue
			}
			o.removeTriple(ctx, partitionName, triple.String())
		}
	}
	return nil
}

// processTriple resolves candidate uids across every partition's
// group_user_msg_<gid> hash, dedups by highest last-mid, filters by the
// member's cfg flag, last-mid, the designated-member set, push-capability
// and the round's Bloom filter, and dispatches a push for each survivor.
func (o *Orchestrator) processTriple(ctx context.Context, gid uint64, triple Triple, bloom *bloomFilter) error {
	key := groupUserMsgKey(gid)
	best := make(map[string]model.GroupUserMessageIdInfo)

	for _, partitionName := range o.router.Partitions() {
		var cursor uint64
		for {
			fields, next, err := o.router.HScanPartition(ctx, partitionName, key, cursor, hscanPageSize)
			if err != nil {
				o.log.Warn("offline: hscan failed", "partition", partitionName, "key", key, "err", err)
				break
			}
			for uid, raw := range fields {
				info, err := decodeGroupUserMessageIdInfo(raw)
				if err != nil {
					continue
				}
				info.UID = uid
				if prior, ok := best[uid]; !ok || info.LastMID > prior.LastMID {
					best[uid] = info
				}
			}
			cursor = next
			if cursor == 0 {
				break
			}
		}
	}

	var designated map[string]struct{}
	if triple.PushType == model.ToDesignatedPerson {
		members, err := o.designatedMembers(ctx, triple)
		if err != nil {
			return err
		}
		designated = make(map[string]struct{}, len(members))
		for _, uid := range members {
			designated[uid] = struct{}{}
		}
	}

	var targets []push.Target
	for uid, info := range best {
		if info.CfgFlag != model.CfgNormal {
			continue
		}
		if info.LastMID >= triple.MID {
			continue
		}
		if designated != nil {
			if _, ok := designated[uid]; !ok {
				continue
			}
		}
		if !info.Push.IsPushCapable() {
			continue
		}

		dedupKey := fmt.Sprintf("%d:%d:%s", gid, triple.MID, uid)
		if bloom.MightContain(dedupKey) {
			continue
		}
		bloom.Add(dedupKey)

		targets = append(targets, push.Target{UID: uid, Push: info.Push})
	}

	if len(targets) == 0 {
		return nil
	}

	o.pushSvc.Dispatch(ctx, push.Receipt{
		Payload: push.Payload{GID: gid, MID: triple.MID, Class: push.ClassData, Timestamp: time.Now()},
		To:      targets,
	})
	return nil
}

// designatedMembers resolves the explicit recipient set a MEMBER_UPDATE
// triple was enqueued with, stored under group_multi_msg_list keyed by the
// same triple string used on group_msg_list (group_store_format.h's
// GroupMultibroadMessageInfo), excluding the originating uid so the sender
// never gets pushed its own update.
func (o *Orchestrator) designatedMembers(ctx context.Context, triple Triple) ([]string, error) {
	raw, err := o.router.HGet(ctx, triple.GID, groupMultiMsgListKey, triple.String())
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("offline: read group_multi_msg_list: %w", err)
	}
	if raw == "" {
		return nil, nil
	}
	members, fromUID, err := decodeDesignatedMembers(raw)
	if err != nil {
		return nil, err
	}
	if fromUID == "" {
		return members, nil
	}
	filtered := members[:0:0]
	for _, uid := range members {
		if uid != fromUID {
			filtered = append(filtered, uid)
		}
	}
	return filtered, nil
}

func (o *Orchestrator) removeTriple(ctx context.Context, partitionName, member string) {
	client, err := o.router.ClientFor(partitionName)
	if err != nil {
		return
	}
	if err := client.ZRem(ctx, groupMsgListKey, member).Err(); err != nil {
		o.log.Warn("offline: zrem failed", "member", member, "err", err)
	}
}

func groupUserMsgKey(gid uint64) string {
	return fmt.Sprintf("group_user_msg_%d", gid)
}
