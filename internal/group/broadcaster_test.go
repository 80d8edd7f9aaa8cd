package group

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/bcmapp/bcm-server-sub002/internal/model"
)

func TestBroadcasterDeliversToSubscribersOfSameGID(t *testing.T) {
	b := NewBroadcaster()
	a := b.Subscribe(1, "a")
	other := b.Subscribe(2, "other")

	b.Publish(&model.GroupMessage{GID: 1, MID: 7})

	select {
	case msg := <-a:
		require.Equal(t, uint64(7), msg.MID)
	case <-time.After(time.Second):
		t.Fatal("expected delivery to gid-1 subscriber")
	}

	select {
	case <-other:
		t.Fatal("gid-2 subscriber should not receive a gid-1 publish")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBroadcasterUnsubscribeClosesChannel(t *testing.T) {
	b := NewBroadcaster()
	ch := b.Subscribe(1, "a")
	b.Unsubscribe(1, "a")

	_, ok := <-ch
	require.False(t, ok, "channel should be closed after unsubscribe")
}
