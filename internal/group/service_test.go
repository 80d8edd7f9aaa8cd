package group

import (
	"context"
	"crypto/ecdh"
	"crypto/ed25519"
	"crypto/rand"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"

	"github.com/bcmapp/bcm-server-sub002/internal/model"
	"github.com/bcmapp/bcm-server-sub002/internal/redispart"
)

type fakeStore struct {
	groups   map[uint64]*model.Group
	members  map[uint64]map[string]*model.GroupUser
	messages map[uint64]map[uint64]*model.GroupMessage
	nextMID  map[uint64]uint64
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		groups:   make(map[uint64]*model.Group),
		members:  make(map[uint64]map[string]*model.GroupUser),
		messages: make(map[uint64]map[uint64]*model.GroupMessage),
		nextMID:  make(map[uint64]uint64),
	}
}

func (f *fakeStore) GetGroup(ctx context.Context, gid uint64) (*model.Group, error) {
	return f.groups[gid], nil
}

func (f *fakeStore) GetGroupUser(ctx context.Context, gid uint64, uid string) (*model.GroupUser, error) {
	byUID, ok := f.members[gid]
	if !ok {
		return nil, nil
	}
	return byUID[uid], nil
}

func (f *fakeStore) ListGroupUsers(ctx context.Context, gid uint64) ([]model.GroupUser, error) {
	var out []model.GroupUser
	for _, m := range f.members[gid] {
		out = append(out, *m)
	}
	return out, nil
}

func (f *fakeStore) UpdateLastAckMID(ctx context.Context, gid uint64, uid string, mid uint64) error {
	if byUID, ok := f.members[gid]; ok {
		if m, ok := byUID[uid]; ok {
			m.LastAckMID = mid
		}
	}
	return nil
}

func (f *fakeStore) BumpGroupLastMID(ctx context.Context, gid uint64, mid uint64) error {
	if g, ok := f.groups[gid]; ok && mid > g.LastMID {
		g.LastMID = mid
	}
	return nil
}

func (f *fakeStore) AllocateMID(ctx context.Context, gid uint64) (uint64, error) {
	f.nextMID[gid]++
	return f.nextMID[gid], nil
}

func (f *fakeStore) AppendMessage(ctx context.Context, msg *model.GroupMessage) error {
	byMID, ok := f.messages[msg.GID]
	if !ok {
		byMID = make(map[uint64]*model.GroupMessage)
		f.messages[msg.GID] = byMID
	}
	cp := *msg
	byMID[msg.MID] = &cp
	return nil
}

func (f *fakeStore) GetMessage(ctx context.Context, gid, mid uint64) (*model.GroupMessage, error) {
	byMID, ok := f.messages[gid]
	if !ok {
		return nil, nil
	}
	m, ok := byMID[mid]
	if !ok {
		return nil, nil
	}
	cp := *m
	return &cp, nil
}

func (f *fakeStore) RecallMessage(ctx context.Context, gid, mid uint64, recallMID uint64) error {
	if byMID, ok := f.messages[gid]; ok {
		if m, ok := byMID[mid]; ok {
			m.Status = model.MessageRecalled
			m.RecalledMID = recallMID
		}
	}
	return nil
}

func (f *fakeStore) FetchRange(ctx context.Context, gid uint64, fromMID, toMID uint64, limit int) ([]model.GroupMessage, error) {
	var out []model.GroupMessage
	for mid := fromMID + 1; mid <= toMID && len(out) < limit; mid++ {
		if m, ok := f.messages[gid][mid]; ok {
			out = append(out, *m)
		}
	}
	return out, nil
}

func newTestRouter(t *testing.T) *redispart.Router {
	t.Helper()
	m := miniredis.RunT(t)
	r, err := redispart.New([]redispart.PartitionConfig{
		{Name: "p0", Replicas: []redispart.ReplicaConfig{{Addr: m.Addr()}}},
	}, 0, time.Hour, time.Minute, time.Second)
	require.NoError(t, err)
	return r
}

func TestSendRejectsSubscriber(t *testing.T) {
	st := newFakeStore()
	st.groups[1] = &model.Group{GID: 1, PlainUidSupport: true}
	st.members[1] = map[string]*model.GroupUser{
		"alice": {GID: 1, UID: "alice", Role: model.RoleSubscriber},
	}
	router := newTestRouter(t)
	defer router.Close()

	svc := NewService(st, router, NewBroadcaster(), Config{})
	_, err := svc.Send(context.Background(), 1, "alice", SendRequest{Text: []byte("hi"), Type: model.MsgChat})
	require.Error(t, err)
}

func TestSendAssignsMidAndBroadcasts(t *testing.T) {
	st := newFakeStore()
	st.groups[1] = &model.Group{GID: 1, PlainUidSupport: true}
	st.members[1] = map[string]*model.GroupUser{
		"alice": {GID: 1, UID: "alice", Role: model.RoleMember},
	}
	router := newTestRouter(t)
	defer router.Close()

	broadcaster := NewBroadcaster()
	sub := broadcaster.Subscribe(1, "listener")
	svc := NewService(st, router, broadcaster, Config{})

	msg, err := svc.Send(context.Background(), 1, "alice", SendRequest{Text: []byte("hi"), Type: model.MsgChat})
	require.NoError(t, err)
	require.Equal(t, uint64(1), msg.MID)
	require.Equal(t, "alice", msg.FromUID)

	select {
	case got := <-sub:
		require.Equal(t, msg.MID, got.MID)
	case <-time.After(time.Second):
		t.Fatal("expected a local broadcast")
	}
}

func TestSendSealsSenderWhenPlainUidSupportOff(t *testing.T) {
	st := newFakeStore()
	st.groups[1] = &model.Group{GID: 1, PlainUidSupport: false}
	st.members[1] = map[string]*model.GroupUser{
		"alice": {GID: 1, UID: "alice", Role: model.RoleOwner},
	}
	router := newTestRouter(t)
	defer router.Close()

	svc := NewService(st, router, NewBroadcaster(), Config{})

	_, err := svc.Send(context.Background(), 1, "alice", SendRequest{Text: []byte("hi"), Type: model.MsgChat})
	require.Error(t, err, "expected validation error without a group message pubkey")

	sealed, err := svc.Send(context.Background(), 1, "alice", SendRequest{
		Text: []byte("hi"), Type: model.MsgChat, GroupMsgPubKey: p256PubkeyFixture(t),
	})
	require.NoError(t, err)
	require.Empty(t, sealed.FromUID)
	require.NotNil(t, sealed.SourceExtra)
}

func TestRecallBySameSenderSucceedsWithinWindow(t *testing.T) {
	st := newFakeStore()
	st.groups[1] = &model.Group{GID: 1, PlainUidSupport: true}
	st.members[1] = map[string]*model.GroupUser{
		"alice": {GID: 1, UID: "alice", Role: model.RoleMember},
	}
	router := newTestRouter(t)
	defer router.Close()

	svc := NewService(st, router, NewBroadcaster(), Config{})
	sent, err := svc.Send(context.Background(), 1, "alice", SendRequest{Text: []byte("hi"), Type: model.MsgChat})
	require.NoError(t, err)

	recalled, err := svc.Recall(context.Background(), 1, "alice", sent.MID, nil, nil)
	require.NoError(t, err)
	require.Equal(t, model.MsgRecall, recalled.Type)
	require.Equal(t, sent.MID, recalled.RecalledMID)

	original, err := st.GetMessage(context.Background(), 1, sent.MID)
	require.NoError(t, err)
	require.Equal(t, model.MessageRecalled, original.Status)
}

func TestRecallByOtherUserFails(t *testing.T) {
	st := newFakeStore()
	st.groups[1] = &model.Group{GID: 1, PlainUidSupport: true}
	st.members[1] = map[string]*model.GroupUser{
		"alice": {GID: 1, UID: "alice", Role: model.RoleMember},
		"bob":   {GID: 1, UID: "bob", Role: model.RoleMember},
	}
	router := newTestRouter(t)
	defer router.Close()

	svc := NewService(st, router, NewBroadcaster(), Config{})
	sent, err := svc.Send(context.Background(), 1, "alice", SendRequest{Text: []byte("hi"), Type: model.MsgChat})
	require.NoError(t, err)

	_, err = svc.Recall(context.Background(), 1, "bob", sent.MID, nil, nil)
	require.Error(t, err)
}

func TestRecallUsesSignatureWhenSenderSealed(t *testing.T) {
	st := newFakeStore()
	st.groups[1] = &model.Group{GID: 1, PlainUidSupport: true}
	st.members[1] = map[string]*model.GroupUser{
		"alice": {GID: 1, UID: "alice", Role: model.RoleMember},
	}

	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	iv := []byte("nonce-value")
	sig := ed25519.Sign(priv, iv)

	st.messages[1] = map[uint64]*model.GroupMessage{
		5: {GID: 1, MID: 5, Type: model.MsgChat, Status: model.MessageNormal, CreateTime: time.Now(), VerifySig: sig},
	}
	st.nextMID[1] = 5

	router := newTestRouter(t)
	defer router.Close()
	svc := NewService(st, router, NewBroadcaster(), Config{})

	_, err = svc.Recall(context.Background(), 1, "alice", 5, iv, pub)
	require.NoError(t, err)

	_, err = svc.Recall(context.Background(), 1, "alice", 5, []byte("wrong-nonce"), pub)
	require.Error(t, err)
}

func TestFetchFiltersRecallMarkersForOldClients(t *testing.T) {
	st := newFakeStore()
	st.groups[1] = &model.Group{GID: 1, PlainUidSupport: true}
	st.members[1] = map[string]*model.GroupUser{
		"alice": {GID: 1, UID: "alice", Role: model.RoleMember},
	}
	st.messages[1] = map[uint64]*model.GroupMessage{
		1: {GID: 1, MID: 1, Type: model.MsgChat},
		2: {GID: 1, MID: 2, Type: model.MsgRecall},
	}

	router := newTestRouter(t)
	defer router.Close()
	svc := NewService(st, router, NewBroadcaster(), Config{FetchPageLimit: 50})

	withRecall, err := svc.Fetch(context.Background(), 1, "alice", 0, 10, true)
	require.NoError(t, err)
	require.Len(t, withRecall, 2)

	withoutRecall, err := svc.Fetch(context.Background(), 1, "alice", 0, 10, false)
	require.NoError(t, err)
	require.Len(t, withoutRecall, 1)
	require.Equal(t, model.MsgChat, withoutRecall[0].Type)
}

func TestAckIsIdempotent(t *testing.T) {
	st := newFakeStore()
	st.members[1] = map[string]*model.GroupUser{
		"alice": {GID: 1, UID: "alice", Role: model.RoleMember},
	}
	router := newTestRouter(t)
	defer router.Close()
	svc := NewService(st, router, NewBroadcaster(), Config{})

	require.NoError(t, svc.Ack(context.Background(), 1, "alice", 10))
	require.NoError(t, svc.Ack(context.Background(), 1, "alice", 10))
	require.Equal(t, uint64(10), st.members[1]["alice"].LastAckMID)
}

func p256PubkeyFixture(t *testing.T) []byte {
	t.Helper()
	priv, err := ecdh.P256().GenerateKey(rand.Reader)
	require.NoError(t, err)
	return priv.PublicKey().Bytes()
}
