// Package dispatch implements the process-local pub/sub fabric that
// multiplexes real-time messages onto long-lived WebSocket sessions, keyed
// by (uid, device-id) (spec.md §4.2). Grounded on the teacher's
// server/session.go and server/hub.go: a buffered outbound-send channel
// per session serializes concurrent publishes without blocking the
// publisher, and a central manager goroutine owns all subscription state
// behind channel operations instead of a shared map with locks.
package dispatch

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/bcmapp/bcm-server-sub002/internal/address"
)

// DefaultKeepaliveInterval is the client ping cadence; ReadDeadline is 3x this,
// per spec.md §4.2.
const DefaultKeepaliveInterval = 180 * time.Second

const defaultPendingCap = 100000

// Session is one WebSocket connection bound to an Address.
//
// send is buffered and has exactly one consumer, the writePump goroutine,
// so Publish never blocks on a slow client beyond the channel's buffer —
// mirroring the teacher's Session.queueOut 50us-timeout semantics, adapted
// to a bounded channel since Go makes a true non-blocking send trivial.
type Session struct {
	Addr address.Addr
	ID   string

	conn *websocket.Conn
	log  *slog.Logger

	send chan []byte
	stop chan struct{}
	once sync.Once

	pendingMu  sync.Mutex
	pending    map[string]chan []byte
	pendingCap int

	keepalive    time.Duration
	lastActivity time.Time
	activityMu   sync.Mutex
}

// NewSession wraps a WebSocket connection for the given address.
func NewSession(addr address.Addr, conn *websocket.Conn, keepalive time.Duration, log *slog.Logger) *Session {
	if keepalive <= 0 {
		keepalive = DefaultKeepaliveInterval
	}
	s := &Session{
		Addr:       addr,
		ID:         uuid.NewString(),
		conn:       conn,
		log:        log,
		send:       make(chan []byte, 256),
		stop:       make(chan struct{}),
		pending:    make(map[string]chan []byte),
		pendingCap: defaultPendingCap,
		keepalive:  keepalive,
	}
	s.touch()
	return s
}

// Publish attempts a non-blocking delivery to this session's send queue.
// Reports false if the queue is full; the Manager then reports the publish
// as undelivered and, while the address has local sessions, does not hand
// it to the cross-node relay.
func (s *Session) Publish(payload []byte) bool {
	select {
	case s.send <- payload:
		return true
	default:
		s.log.Warn("session send queue full, dropping", "addr", s.Addr.String())
		return false
	}
}

// AwaitResponse registers a pending request id and returns a channel that
// receives the correlated response. The pending map is capped; exceeding
// it forces the caller to close the session (spec.md §4.2).
func (s *Session) AwaitResponse(requestID string) (<-chan []byte, error) {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	if len(s.pending) >= s.pendingCap {
		return nil, ErrPendingCapExceeded
	}
	ch := make(chan []byte, 1)
	s.pending[requestID] = ch
	return ch, nil
}

// ResolveResponse delivers a response to whoever is awaiting requestID, if
// anyone is.
func (s *Session) ResolveResponse(requestID string, payload []byte) bool {
	s.pendingMu.Lock()
	ch, ok := s.pending[requestID]
	if ok {
		delete(s.pending, requestID)
	}
	s.pendingMu.Unlock()
	if !ok {
		return false
	}
	ch <- payload
	close(ch)
	return true
}

func (s *Session) touch() {
	s.activityMu.Lock()
	s.lastActivity = time.Now()
	s.activityMu.Unlock()
}

// Close stops the session's write pump and closes the underlying
// connection. Safe to call more than once.
func (s *Session) Close() {
	s.once.Do(func() {
		close(s.stop)
		s.conn.Close()
	})
}

// RunWritePump serializes writes to the WebSocket connection: the single
// consumer of send, matching the teacher's single-writer-goroutine rule for
// gorilla/websocket connections.
func (s *Session) RunWritePump(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case payload := <-s.send:
			if err := s.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				s.log.Warn("session write failed", "addr", s.Addr.String(), "err", err)
				s.Close()
				return
			}
		}
	}
}

// RunReadPump enforces the keepalive read deadline (3x the interval) and
// hands inbound frames to onMessage.
func (s *Session) RunReadPump(onMessage func(payload []byte)) {
	deadline := 3 * s.keepalive
	s.conn.SetReadDeadline(time.Now().Add(deadline))
	s.conn.SetPongHandler(func(string) error {
		s.touch()
		s.conn.SetReadDeadline(time.Now().Add(deadline))
		return nil
	})
	for {
		_, payload, err := s.conn.ReadMessage()
		if err != nil {
			s.Close()
			return
		}
		s.touch()
		s.conn.SetReadDeadline(time.Now().Add(deadline))
		onMessage(payload)
	}
}
