package redispart

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"
)

func newTestRouter(t *testing.T) (*Router, *miniredis.Miniredis, *miniredis.Miniredis) {
	t.Helper()
	m0 := miniredis.RunT(t)
	m1 := miniredis.RunT(t)

	r, err := New([]PartitionConfig{
		{Name: "p0", Replicas: []ReplicaConfig{{Addr: m0.Addr()}, {Addr: m1.Addr()}}},
	}, 0, 50*time.Millisecond, time.Second, time.Second)
	require.NoError(t, err)
	return r, m0, m1
}

func TestSetGetRoundTrip(t *testing.T) {
	r, _, _ := newTestRouter(t)
	defer r.Close()

	ctx := context.Background()
	require.NoError(t, r.Set(ctx, "k1", "k1", "v1", 0))
	v, err := r.Get(ctx, "k1", "k1")
	require.NoError(t, err)
	require.Equal(t, "v1", v)
}

func TestFailoverAdvancesToNextReplicaOnError(t *testing.T) {
	r, m0, m1 := newTestRouter(t)
	defer r.Close()

	m0.Close() // replica 0 now unreachable

	ctx := context.Background()
	require.NoError(t, r.Set(ctx, "k2", "k2", "v2", 0))
	v, err := m1.Get("k2")
	require.NoError(t, err)
	require.Equal(t, "v2", v)
}

func TestSetNXLeaderElection(t *testing.T) {
	r, _, _ := newTestRouter(t)
	defer r.Close()

	ctx := context.Background()
	won, err := r.SetNX(ctx, "lease", "offline_lease", "node-a", 30*time.Second)
	require.NoError(t, err)
	require.True(t, won)

	wonAgain, err := r.SetNX(ctx, "lease", "offline_lease", "node-b", 30*time.Second)
	require.NoError(t, err)
	require.False(t, wonAgain)
}

func TestPartitionsListsRingMembers(t *testing.T) {
	r, _, _ := newTestRouter(t)
	defer r.Close()
	require.Equal(t, []string{"p0"}, r.Partitions())
}
