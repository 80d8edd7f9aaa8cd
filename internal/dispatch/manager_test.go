package dispatch

import (
	"context"
	"log/slog"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/bcmapp/bcm-server-sub002/internal/address"
)

type fakeRelay struct {
	subscribed   map[address.Addr]bool
	published    []address.Addr
}

func newFakeRelay() *fakeRelay {
	return &fakeRelay{subscribed: make(map[address.Addr]bool)}
}

func (f *fakeRelay) SubscribeAddr(addr address.Addr)   { f.subscribed[addr] = true }
func (f *fakeRelay) UnsubscribeAddr(addr address.Addr) { delete(f.subscribed, addr) }
func (f *fakeRelay) PublishAddr(addr address.Addr, payload []byte) error {
	f.published = append(f.published, addr)
	return nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestManagerFallsThroughToRelayWithNoLocalSession(t *testing.T) {
	relay := newFakeRelay()
	m := NewManager(relay, discardLogger())
	defer m.Shutdown(context.Background())

	addr := address.New("usr_a", 1)
	delivered := m.Publish(addr, []byte("hi"))
	require.False(t, delivered)
	require.Len(t, relay.published, 1)
}

func TestManagerSubscribesRelayOnFirstLocalSession(t *testing.T) {
	relay := newFakeRelay()
	m := NewManager(relay, discardLogger())
	defer m.Shutdown(context.Background())

	addr := address.New("usr_b", 1)
	sess := &Session{Addr: addr, ID: "s1", send: make(chan []byte, 4), stop: make(chan struct{}), pending: make(map[string]chan []byte), pendingCap: 10}
	m.Register(sess)
	time.Sleep(10 * time.Millisecond)
	require.True(t, relay.subscribed[addr])

	delivered := m.Publish(addr, []byte("hi"))
	require.True(t, delivered)

	select {
	case got := <-sess.send:
		require.Equal(t, "hi", string(got))
	default:
		t.Fatal("expected payload on session send queue")
	}

	m.Unregister(addr, "s1")
	time.Sleep(10 * time.Millisecond)
	require.False(t, relay.subscribed[addr])
}

func TestManagerKickClosesLocalSessions(t *testing.T) {
	upgrader := websocket.Upgrader{}
	connCh := make(chan *websocket.Conn, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		connCh <- conn
	}))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	client, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer client.Close()

	serverConn := <-connCh
	addr := address.New("usr_kick", 1)
	sess := NewSession(addr, serverConn, time.Minute, discardLogger())

	relay := newFakeRelay()
	m := NewManager(relay, discardLogger())
	defer m.Shutdown(context.Background())

	m.Register(sess)
	time.Sleep(10 * time.Millisecond)

	m.Kick(addr)

	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = client.ReadMessage()
	require.Error(t, err, "expected the kicked session's connection to close")
}

func TestDeliverFromPeerDoesNotRepublish(t *testing.T) {
	relay := newFakeRelay()
	m := NewManager(relay, discardLogger())
	defer m.Shutdown(context.Background())

	addr := address.New("usr_c", 1)
	m.DeliverFromPeer(addr, []byte("from-peer"))
	require.Empty(t, relay.published)
}
