package push

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// QoSManager schedules the fixed-interval VoIP resend spec.md §4.4
// describes, and cancels it on whichever comes first: an application-layer
// ack for that notification id, or maxResendCount exhaustion (Open Question
// decision 3, DESIGN.md).
type QoSManager struct {
	maxResendCount int
	resendDelay    time.Duration

	mu      sync.Mutex
	pending map[string]*resendHandle
}

type resendHandle struct {
	cancel context.CancelFunc
}

func NewQoSManager(maxResendCount int, resendDelay time.Duration) *QoSManager {
	return &QoSManager{
		maxResendCount: maxResendCount,
		resendDelay:    resendDelay,
		pending:        make(map[string]*resendHandle),
	}
}

func voipResendKey(uid string, p Payload) string {
	return fmt.Sprintf("%s:%d:%d", uid, p.GID, p.MID)
}

// ScheduleResend starts resending via resend every resendDelay, up to
// maxResendCount times, unless Ack(key) is called first.
func (q *QoSManager) ScheduleResend(parent context.Context, key string, resend func(ctx context.Context)) {
	ctx, cancel := context.WithCancel(parent)
	handle := &resendHandle{cancel: cancel}

	q.mu.Lock()
	if existing, ok := q.pending[key]; ok {
		existing.cancel()
	}
	q.pending[key] = handle
	q.mu.Unlock()

	go func() {
		defer q.clear(key, handle)
		ticker := time.NewTicker(q.resendDelay)
		defer ticker.Stop()
		for attempt := 0; attempt < q.maxResendCount; attempt++ {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				resend(ctx)
			}
		}
	}()
}

// Ack cancels a pending resend loop because the client acknowledged the
// call at the application layer.
func (q *QoSManager) Ack(key string) {
	q.mu.Lock()
	handle, ok := q.pending[key]
	if ok {
		delete(q.pending, key)
	}
	q.mu.Unlock()
	if ok {
		handle.cancel()
	}
}

// clear removes the entry only if it still points at this call's handle,
// so a newer ScheduleResend for the same key isn't clobbered.
func (q *QoSManager) clear(key string, handle *resendHandle) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if current, ok := q.pending[key]; ok && current == handle {
		delete(q.pending, key)
	}
}
