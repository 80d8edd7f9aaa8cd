package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/bcmapp/bcm-server-sub002/internal/address"
	"github.com/bcmapp/bcm-server-sub002/internal/authtoken"
	"github.com/bcmapp/bcm-server-sub002/internal/dispatch"
	"github.com/bcmapp/bcm-server-sub002/internal/group"
	"github.com/bcmapp/bcm-server-sub002/internal/logging"
	"github.com/bcmapp/bcm-server-sub002/internal/model"
)

// noopRelay satisfies dispatch.CrossNodeRelay without touching Redis — the
// WS tests never exercise cross-node fan-out, only the local session path.
type noopRelay struct{}

func (noopRelay) SubscribeAddr(address.Addr)           {}
func (noopRelay) UnsubscribeAddr(address.Addr)         {}
func (noopRelay) PublishAddr(address.Addr, []byte) error { return nil }

func newWSTestDeps(t *testing.T) (Deps, *fakeAccountStore) {
	t.Helper()
	accounts := newFakeAccountStore()
	issuer, err := authtoken.New(bytes.Repeat([]byte("k"), 32), 1, time.Hour)
	require.NoError(t, err)
	log := logging.New(logging.Options{Level: "error"})
	manager := dispatch.NewManager(noopRelay{}, log)
	t.Cleanup(func() { manager.Shutdown(context.Background()) })

	return Deps{
		Accounts:          accounts,
		Challenges:        newTestChallengeStore(t),
		Issuer:            issuer,
		Dispatch:          manager,
		Log:               log,
		KeepaliveInterval: time.Minute,
	}, accounts
}

func dialWS(t *testing.T, srv *httptest.Server, uid, secret, query string) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/ws"
	if query != "" {
		wsURL += "?" + query
	}
	header := http.Header{}
	header.Set("Authorization", basicAuthHeader(uid, secret))
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, header)
	require.NoError(t, err, "dial failed")
	if resp != nil {
		defer resp.Body.Close()
	}
	return conn
}

func TestWSRequestResponseRoundTrip(t *testing.T) {
	deps, accounts := newWSTestDeps(t)
	provisionDevice(accounts, "alice", "secret")
	router := NewRouter(deps)
	srv := httptest.NewServer(router)
	defer srv.Close()

	conn := dialWS(t, srv, "alice", "secret", "")
	defer conn.Close()

	env := wsEnvelope{Type: envelopeRequest, Request: &wsRequest{
		ID:   "7",
		Verb: "PUT",
		Path: "/v1/accounts/keepalive",
	}}
	raw, err := json.Marshal(env)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, raw))

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, payload, err := conn.ReadMessage()
	require.NoError(t, err)

	var got wsEnvelope
	require.NoError(t, json.Unmarshal(payload, &got))
	require.Equal(t, envelopeResponse, got.Type)
	require.NotNil(t, got.Response)
	require.Equal(t, "7", got.Response.ID)
	require.Equal(t, http.StatusNoContent, got.Response.Status)
}

func TestWSUnauthenticatedUpgradeRejected(t *testing.T) {
	deps, _ := newWSTestDeps(t)
	router := NewRouter(deps)
	srv := httptest.NewServer(router)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/ws"
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestWSDeclaredGroupSubscriptionRelaysBroadcast(t *testing.T) {
	deps, accounts := newWSTestDeps(t)
	provisionDevice(accounts, "alice", "secret")

	groupStore := newFakeGroupStore()
	groupStore.groups[1] = &model.Group{GID: 1, PlainUidSupport: true}
	groupStore.members[1] = map[string]*model.GroupUser{
		"alice": {GID: 1, UID: "alice", Role: model.RoleMember},
		"bob":   {GID: 1, UID: "bob", Role: model.RoleMember},
	}
	broadcaster := group.NewBroadcaster()
	deps.Broadcast = broadcaster
	deps.Group = group.NewService(groupStore, newTestGroupRouter(t), broadcaster, group.Config{})

	router := NewRouter(deps)
	srv := httptest.NewServer(router)
	defer srv.Close()

	conn := dialWS(t, srv, "alice", "secret", "groups=1")
	defer conn.Close()

	// give subscribeDeclaredGroups time to register before bob sends.
	time.Sleep(50 * time.Millisecond)

	_, err := deps.Group.Send(context.Background(), 1, "bob", group.SendRequest{
		Text: []byte("hello alice"), Type: model.MsgChat,
	})
	require.NoError(t, err)

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, payload, err := conn.ReadMessage()
	require.NoError(t, err)

	var got wsEnvelope
	require.NoError(t, json.Unmarshal(payload, &got))
	require.Equal(t, envelopeResponse, got.Type)
	require.Equal(t, "0", got.Response.ID)

	var msg model.GroupMessage
	require.NoError(t, json.Unmarshal(got.Response.Body, &msg))
	require.Equal(t, "bob", msg.FromUID)
	require.Equal(t, uint64(1), msg.GID)
}
