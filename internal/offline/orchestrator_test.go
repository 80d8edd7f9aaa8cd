package offline

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"

	"github.com/bcmapp/bcm-server-sub002/internal/model"
	"github.com/bcmapp/bcm-server-sub002/internal/push"
	"github.com/bcmapp/bcm-server-sub002/internal/redispart"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestOfflineRouter(t *testing.T) *redispart.Router {
	t.Helper()
	m := miniredis.RunT(t)
	r, err := redispart.New([]redispart.PartitionConfig{
		{Name: "p0", Replicas: []redispart.ReplicaConfig{{Addr: m.Addr()}}},
	}, 0, time.Hour, time.Minute, time.Second)
	require.NoError(t, err)
	return r
}

type recordingSender struct {
	mu   sync.Mutex
	sent []string
}

func (s *recordingSender) Name() string { return push.ProviderAPNS }

func (s *recordingSender) Send(ctx context.Context, token string, p push.Payload, badge int) (push.Outcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, token)
	return push.OutcomeSuccess, nil
}

func (s *recordingSender) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent)
}

func TestProcessTripleDispatchesPushToLaggingCapableMember(t *testing.T) {
	router := newTestOfflineRouter(t)
	defer router.Close()

	ctx := context.Background()
	gid := uint64(7)
	key := groupUserMsgKey(gid)

	behind, err := encodeGroupUserMessageIdInfo(model.GroupUserMessageIdInfo{
		LastMID: 3,
		CfgFlag: model.CfgNormal,
		Push:    model.PushRegistration{APNID: "apn-token"},
	})
	require.NoError(t, err)
	caughtUp, err := encodeGroupUserMessageIdInfo(model.GroupUserMessageIdInfo{
		LastMID: 10,
		CfgFlag: model.CfgNormal,
		Push:    model.PushRegistration{APNID: "apn-token-2"},
	})
	require.NoError(t, err)
	notCapable, err := encodeGroupUserMessageIdInfo(model.GroupUserMessageIdInfo{
		LastMID: 1,
		CfgFlag: model.CfgNormal,
	})
	require.NoError(t, err)

	require.NoError(t, router.HMSet(ctx, gid, key, map[string]string{
		"u1": behind,
		"u2": caughtUp,
		"u3": notCapable,
	}))

	sender := &recordingSender{}
	svc := push.NewService([]push.Sender{sender}, nil, nil, nil, discardLogger())

	o := &Orchestrator{
		router:  router,
		pushSvc: svc,
		log:     discardLogger(),
		cfg:     Config{BloomBits: 1 << 10, BloomHashFuncs: 4},
	}
	err = o.processTriple(ctx, gid, Triple{GID: gid, MID: 5}, newBloomFilter(1<<10, 4))
	require.NoError(t, err)

	require.Eventually(t, func() bool { return sender.count() == 1 }, time.Second, 10*time.Millisecond)
	require.Equal(t, []string{"apn-token"}, sender.sent)
}

func TestProcessTripleExcludesFromUIDFromDesignatedPush(t *testing.T) {
	router := newTestOfflineRouter(t)
	defer router.Close()

	ctx := context.Background()
	gid := uint64(9)
	key := groupUserMsgKey(gid)

	sender, err := encodeGroupUserMessageIdInfo(model.GroupUserMessageIdInfo{
		LastMID: 1,
		CfgFlag: model.CfgNormal,
		Push:    model.PushRegistration{APNID: "sender-token"},
	})
	require.NoError(t, err)
	recipient, err := encodeGroupUserMessageIdInfo(model.GroupUserMessageIdInfo{
		LastMID: 1,
		CfgFlag: model.CfgNormal,
		Push:    model.PushRegistration{APNID: "recipient-token"},
	})
	require.NoError(t, err)
	require.NoError(t, router.HMSet(ctx, gid, key, map[string]string{
		"alice": sender,
		"bob":   recipient,
	}))

	triple := Triple{GID: gid, MID: 5, PushType: model.ToDesignatedPerson}
	designated, err := EncodeDesignatedMembers("alice", []string{"alice", "bob"})
	require.NoError(t, err)
	require.NoError(t, router.HSet(ctx, gid, groupMultiMsgListKey, triple.String(), designated))

	recordingPush := &recordingSender{}
	svc := push.NewService([]push.Sender{recordingPush}, nil, nil, nil, discardLogger())

	o := &Orchestrator{
		router:  router,
		pushSvc: svc,
		log:     discardLogger(),
		cfg:     Config{BloomBits: 1 << 10, BloomHashFuncs: 4},
	}
	err = o.processTriple(ctx, gid, triple, newBloomFilter(1<<10, 4))
	require.NoError(t, err)

	require.Eventually(t, func() bool { return recordingPush.count() == 1 }, time.Second, 10*time.Millisecond)
	require.Equal(t, []string{"recipient-token"}, recordingPush.sent)
}

func TestLeaseRenewalAcquiresAndHolds(t *testing.T) {
	router := newTestOfflineRouter(t)
	defer router.Close()

	o := &Orchestrator{
		router: router,
		log:    discardLogger(),
		cfg:    Config{NodeID: "node-a", LeaseTTL: 30 * time.Second},
	}
	ctx := context.Background()
	o.renewLease(ctx)
	require.True(t, o.isLeader)

	second := &Orchestrator{
		router: router,
		log:    discardLogger(),
		cfg:    Config{NodeID: "node-b", LeaseTTL: 30 * time.Second},
	}
	second.renewLease(ctx)
	require.False(t, second.isLeader)
}
