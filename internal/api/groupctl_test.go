package api

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"

	"github.com/bcmapp/bcm-server-sub002/internal/authtoken"
	"github.com/bcmapp/bcm-server-sub002/internal/group"
	"github.com/bcmapp/bcm-server-sub002/internal/model"
	"github.com/bcmapp/bcm-server-sub002/internal/redispart"
)

type fakeGroupStore struct {
	groups   map[uint64]*model.Group
	members  map[uint64]map[string]*model.GroupUser
	messages map[uint64]map[uint64]*model.GroupMessage
	nextMID  map[uint64]uint64
}

func newFakeGroupStore() *fakeGroupStore {
	return &fakeGroupStore{
		groups:   make(map[uint64]*model.Group),
		members:  make(map[uint64]map[string]*model.GroupUser),
		messages: make(map[uint64]map[uint64]*model.GroupMessage),
		nextMID:  make(map[uint64]uint64),
	}
}

func (f *fakeGroupStore) GetGroup(ctx context.Context, gid uint64) (*model.Group, error) {
	return f.groups[gid], nil
}

func (f *fakeGroupStore) GetGroupUser(ctx context.Context, gid uint64, uid string) (*model.GroupUser, error) {
	byUID, ok := f.members[gid]
	if !ok {
		return nil, nil
	}
	return byUID[uid], nil
}

func (f *fakeGroupStore) ListGroupUsers(ctx context.Context, gid uint64) ([]model.GroupUser, error) {
	var out []model.GroupUser
	for _, m := range f.members[gid] {
		out = append(out, *m)
	}
	return out, nil
}

func (f *fakeGroupStore) UpdateLastAckMID(ctx context.Context, gid uint64, uid string, mid uint64) error {
	if byUID, ok := f.members[gid]; ok {
		if m, ok := byUID[uid]; ok {
			m.LastAckMID = mid
		}
	}
	return nil
}

func (f *fakeGroupStore) BumpGroupLastMID(ctx context.Context, gid uint64, mid uint64) error {
	if g, ok := f.groups[gid]; ok && mid > g.LastMID {
		g.LastMID = mid
	}
	return nil
}

func (f *fakeGroupStore) AllocateMID(ctx context.Context, gid uint64) (uint64, error) {
	f.nextMID[gid]++
	return f.nextMID[gid], nil
}

func (f *fakeGroupStore) AppendMessage(ctx context.Context, msg *model.GroupMessage) error {
	byMID, ok := f.messages[msg.GID]
	if !ok {
		byMID = make(map[uint64]*model.GroupMessage)
		f.messages[msg.GID] = byMID
	}
	cp := *msg
	byMID[msg.MID] = &cp
	return nil
}

func (f *fakeGroupStore) GetMessage(ctx context.Context, gid, mid uint64) (*model.GroupMessage, error) {
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

func (f *fakeGroupStore) RecallMessage(ctx context.Context, gid, mid uint64, recallMID uint64) error {
	if byMID, ok := f.messages[gid]; ok {
		if m, ok := byMID[mid]; ok {
			m.Status = model.MessageRecalled
			m.RecalledMID = recallMID
		}
	}
	return nil
}

func (f *fakeGroupStore) FetchRange(ctx context.Context, gid uint64, fromMID, toMID uint64, limit int) ([]model.GroupMessage, error) {
	var out []model.GroupMessage
	for mid := fromMID + 1; mid <= toMID && len(out) < limit; mid++ {
		if m, ok := f.messages[gid][mid]; ok {
			out = append(out, *m)
		}
	}
	return out, nil
}

func newTestGroupRouter(t *testing.T) *redispart.Router {
	t.Helper()
	m := miniredis.RunT(t)
	r, err := redispart.New([]redispart.PartitionConfig{
		{Name: "p0", Replicas: []redispart.ReplicaConfig{{Addr: m.Addr()}}},
	}, 0, time.Hour, time.Minute, time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { r.Close() })
	return r
}

// provisionDevice seeds an account directly rather than going through
// signup, so group tests can focus on the deliver/* table.
func provisionDevice(accounts *fakeAccountStore, uid, secret string) {
	salt := []byte("fixed-test-salt-0123456789abcdef")
	accounts.byUID[uid] = &model.Account{
		UID:   uid,
		State: model.AccountNormal,
		Devices: []model.Device{{
			ID:        MasterDeviceID,
			AuthSalt:  salt,
			AuthToken: deriveDeviceToken(salt, []byte(secret)),
			State:     model.DeviceConfirmed,
		}},
	}
}

func basicAuthHeader(uid, secret string) string {
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(uid+":"+secret))
}

func newGroupTestDeps(t *testing.T) (Deps, *fakeAccountStore, *fakeGroupStore) {
	t.Helper()
	accounts := newFakeAccountStore()
	groupStore := newFakeGroupStore()
	broadcaster := group.NewBroadcaster()
	svc := group.NewService(groupStore, newTestGroupRouter(t), broadcaster, group.Config{})

	issuer, err := authtoken.New(bytes.Repeat([]byte("k"), 32), 1, time.Hour)
	require.NoError(t, err)

	return Deps{
		Accounts:   accounts,
		Challenges: newTestChallengeStore(t),
		Issuer:     issuer,
		Group:      svc,
		Broadcast:  broadcaster,
	}, accounts, groupStore
}

func TestSendMsgRejectsNonMember(t *testing.T) {
	deps, accounts, groupStore := newGroupTestDeps(t)
	groupStore.groups[1] = &model.Group{GID: 1, PlainUidSupport: true}
	provisionDevice(accounts, "alice", "secret")
	router := NewRouter(deps)

	body, err := json.Marshal(sendMsgRequest{GID: 1, Text: base64.StdEncoding.EncodeToString([]byte("hi"))})
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPut, "/v1/group/deliver/send_msg", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", basicAuthHeader("alice", "secret"))
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusForbidden, rec.Code, rec.Body.String())
}

func TestSendMsgPersistsAndReturnsMessage(t *testing.T) {
	deps, accounts, groupStore := newGroupTestDeps(t)
	groupStore.groups[1] = &model.Group{GID: 1, PlainUidSupport: true}
	groupStore.members[1] = map[string]*model.GroupUser{
		"alice": {GID: 1, UID: "alice", Role: model.RoleMember},
	}
	provisionDevice(accounts, "alice", "secret")
	router := NewRouter(deps)

	body, err := json.Marshal(sendMsgRequest{GID: 1, Text: base64.StdEncoding.EncodeToString([]byte("hello"))})
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPut, "/v1/group/deliver/send_msg", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", basicAuthHeader("alice", "secret"))
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp struct {
		MID     uint64 `json:"mid"`
		FromUID string `json:"from_uid"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, uint64(1), resp.MID)
	require.Equal(t, "alice", resp.FromUID)
}

func TestRecallMsgRejectsOtherSender(t *testing.T) {
	deps, accounts, groupStore := newGroupTestDeps(t)
	groupStore.groups[1] = &model.Group{GID: 1, PlainUidSupport: true}
	groupStore.members[1] = map[string]*model.GroupUser{
		"alice": {GID: 1, UID: "alice", Role: model.RoleMember},
		"bob":   {GID: 1, UID: "bob", Role: model.RoleMember},
	}
	groupStore.messages[1] = map[uint64]*model.GroupMessage{
		1: {GID: 1, MID: 1, FromUID: "alice", Type: model.MsgChat, Status: model.MessageNormal, CreateTime: time.Now()},
	}
	groupStore.nextMID[1] = 1
	provisionDevice(accounts, "bob", "secret")
	router := NewRouter(deps)

	body, err := json.Marshal(recallMsgRequest{GID: 1, MID: 1})
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPut, "/v1/group/deliver/recall_msg", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", basicAuthHeader("bob", "secret"))
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusForbidden, rec.Code, rec.Body.String())
}

func TestGetMsgFiltersRecallForOldClients(t *testing.T) {
	deps, accounts, groupStore := newGroupTestDeps(t)
	groupStore.members[1] = map[string]*model.GroupUser{
		"alice": {GID: 1, UID: "alice", Role: model.RoleMember},
	}
	groupStore.messages[1] = map[uint64]*model.GroupMessage{
		1: {GID: 1, MID: 1, Type: model.MsgChat},
		2: {GID: 1, MID: 2, Type: model.MsgRecall},
	}
	provisionDevice(accounts, "alice", "secret")
	router := NewRouter(deps)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPut, "/v1/group/deliver/get_msg?gid=1&from_mid=0&to_mid=10", nil)
	req.Header.Set("Authorization", basicAuthHeader("alice", "secret"))
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp struct {
		Messages []json.RawMessage `json:"messages"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Messages, 1)
}

func TestAckMsgFromMasterDeviceUpdatesLastAck(t *testing.T) {
	deps, accounts, groupStore := newGroupTestDeps(t)
	groupStore.members[1] = map[string]*model.GroupUser{
		"alice": {GID: 1, UID: "alice", Role: model.RoleMember},
	}
	provisionDevice(accounts, "alice", "secret")
	router := NewRouter(deps)

	body, err := json.Marshal(ackMsgRequest{GID: 1, MID: 5})
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPut, "/v1/group/deliver/ack_msg", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", basicAuthHeader("alice", "secret"))
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusNoContent, rec.Code, rec.Body.String())
	require.Equal(t, uint64(5), groupStore.members[1]["alice"].LastAckMID)
}
