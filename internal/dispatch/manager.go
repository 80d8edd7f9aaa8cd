package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/bcmapp/bcm-server-sub002/internal/address"
)

var ErrPendingCapExceeded = errors.New("dispatch: pending response map full")

// register/unregister/publish requests to the Manager's run loop, mirroring
// the teacher's Hub.join/Hub.unreg/Hub.route channel-request pattern.
type registerReq struct {
	sess *Session
}

type unregisterReq struct {
	addr    address.Addr
	session string // Session.ID, to avoid racing a reconnect's registration
}

type publishReq struct {
	addr     address.Addr
	payload  []byte
	result   chan bool
	fromPeer bool // true when relayed in from another node; never re-published to Redis
}

type kickReq struct {
	addr   address.Addr
	result chan struct{}
}

// CrossNodeRelay is the narrow interface the Manager uses to fan a message
// out to peer nodes when no local session can take it (spec.md §4.2's
// "SUBSCRIBE <address-string> against a pub/sub Redis").
type CrossNodeRelay interface {
	SubscribeAddr(addr address.Addr)
	UnsubscribeAddr(addr address.Addr)
	PublishAddr(addr address.Addr, payload []byte) error
}

// Manager is the process-local dispatch fabric: one goroutine owns all
// subscription state, exactly like the teacher's Hub.run loop, so no lock
// is needed around the registry itself.
type Manager struct {
	log   *slog.Logger
	relay CrossNodeRelay

	sessions map[address.Addr]map[string]*Session // addr -> sessionID -> session

	register   chan registerReq
	unregister chan unregisterReq
	publish    chan publishReq
	kick       chan kickReq
	shutdown   chan chan struct{}

	wg sync.WaitGroup
}

// NewManager builds a Manager and starts its run loop.
func NewManager(relay CrossNodeRelay, log *slog.Logger) *Manager {
	m := &Manager{
		log:        log,
		relay:      relay,
		sessions:   make(map[address.Addr]map[string]*Session),
		register:   make(chan registerReq),
		unregister: make(chan unregisterReq),
		publish:    make(chan publishReq, 4096),
		kick:       make(chan kickReq),
		shutdown:   make(chan chan struct{}),
	}
	m.wg.Add(1)
	go m.run()
	return m
}

// Register attaches a session to the dispatch fabric, subscribing the
// cross-node relay if this is the address's first local session.
func (m *Manager) Register(sess *Session) {
	m.register <- registerReq{sess: sess}
}

// Unregister detaches a session, unsubscribing the relay once the address
// has no more local sessions.
func (m *Manager) Unregister(addr address.Addr, sessionID string) {
	m.unregister <- unregisterReq{addr: addr, session: sessionID}
}

// Publish delivers payload to every local session for addr. If none exist,
// it falls through to the cross-node relay so a peer node can deliver it.
// Reports whether a local session accepted it.
func (m *Manager) Publish(addr address.Addr, payload []byte) bool {
	result := make(chan bool, 1)
	m.publish <- publishReq{addr: addr, payload: payload, result: result}
	return <-result
}

// Kick forces every local session registered for addr to disconnect,
// mirroring the teacher's Hub handling of a forced topic leave but applied
// to the whole address. Each kicked session's own read pump notices the
// closed connection and unregisters itself through the normal path, so
// Kick doesn't touch the registry directly.
func (m *Manager) Kick(addr address.Addr) {
	result := make(chan struct{})
	m.kick <- kickReq{addr: addr, result: result}
	<-result
}

// Shutdown stops the run loop after draining in-flight requests.
func (m *Manager) Shutdown(ctx context.Context) {
	done := make(chan struct{})
	select {
	case m.shutdown <- done:
		<-done
	case <-ctx.Done():
	}
	m.wg.Wait()
}

func (m *Manager) run() {
	defer m.wg.Done()
	for {
		select {
		case req := <-m.register:
			m.handleRegister(req)

		case req := <-m.unregister:
			m.handleUnregister(req)

		case req := <-m.publish:
			req.result <- m.handlePublish(req)

		case req := <-m.kick:
			m.handleKick(req)

		case done := <-m.shutdown:
			for {
				select {
				case req := <-m.publish:
					req.result <- m.handlePublish(req)
				default:
					close(done)
					return
				}
			}
		}
	}
}

func (m *Manager) handleRegister(req registerReq) {
	byAddr, ok := m.sessions[req.sess.Addr]
	if !ok {
		byAddr = make(map[string]*Session)
		m.sessions[req.sess.Addr] = byAddr
		if m.relay != nil {
			m.relay.SubscribeAddr(req.sess.Addr)
		}
	}
	byAddr[req.sess.ID] = req.sess
}

func (m *Manager) handleUnregister(req unregisterReq) {
	byAddr, ok := m.sessions[req.addr]
	if !ok {
		return
	}
	delete(byAddr, req.session)
	if len(byAddr) == 0 {
		delete(m.sessions, req.addr)
		if m.relay != nil {
			m.relay.UnsubscribeAddr(req.addr)
		}
	}
}

func (m *Manager) handleKick(req kickReq) {
	if byAddr, ok := m.sessions[req.addr]; ok {
		for _, sess := range byAddr {
			sess.Close()
		}
	}
	close(req.result)
}

func (m *Manager) handlePublish(req publishReq) bool {
	byAddr, ok := m.sessions[req.addr]
	if !ok || len(byAddr) == 0 {
		if !req.fromPeer && m.relay != nil {
			if err := m.relay.PublishAddr(req.addr, req.payload); err != nil {
				m.log.Warn("cross-node publish failed", "addr", req.addr.String(), "err", err)
			}
		}
		return false
	}

	delivered := false
	for _, sess := range byAddr {
		if sess.Publish(req.payload) {
			delivered = true
		}
	}
	return delivered
}

// DeliverFromPeer is called by the cross-node relay when a message arrives
// on a Redis channel this node subscribed to; it delivers straight to local
// sessions without re-publishing to Redis.
func (m *Manager) DeliverFromPeer(addr address.Addr, payload []byte) {
	result := make(chan bool, 1)
	m.publish <- publishReq{addr: addr, payload: payload, result: result, fromPeer: true}
	<-result
}
