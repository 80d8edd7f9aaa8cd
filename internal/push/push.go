package push

import (
	"context"
	"log/slog"
	"time"

	"github.com/bcmapp/bcm-server-sub002/internal/model"
)

// MessageClass distinguishes a regular data push from a VoIP call push,
// since provider selection and TTL both depend on it (spec.md §4.4).
type MessageClass int

const (
	ClassData MessageClass = iota
	ClassVoIP
)

// Provider names used for metrics labels and handler registry keys.
const (
	ProviderAPNS      = "apns"
	ProviderFCM       = "fcm"
	ProviderThirdParty = "tnpg"
)

// Payload is the content of a single push notification.
type Payload struct {
	GID         uint64
	MID         uint64
	From        string
	ContentType string
	Content     []byte
	Topic       string
	Class       MessageClass
	Silent      bool
	Timestamp   time.Time
}

// Target is one device to push to, carrying just enough of the device's
// push registration to pick a provider.
type Target struct {
	UID  string
	Push model.PushRegistration
}

// Receipt bundles a payload with its recipients, mirroring the teacher's
// push.Receipt shape generalized to this spec's device registration model.
type Receipt struct {
	Payload Payload
	To      []Target
}

// SelectProvider implements spec.md §4.4's provider-selection rule: APNs
// wins when an apnId is present and the message class supports it (VoIP
// prefers voipApnId); otherwise 3rd-party Android, then FCM; otherwise the
// push is dropped silently.
func SelectProvider(push model.PushRegistration, class MessageClass) (provider, token string, ok bool) {
	if class == ClassVoIP {
		if push.VoIPAPNID != "" {
			return ProviderAPNS, push.VoIPAPNID, true
		}
		// VoIP pushes that lack a voip token are not retried on the data
		// apnId — a call push on the data channel would not wake the CallKit UI.
		return "", "", false
	}
	if push.APNID != "" {
		return ProviderAPNS, push.APNID, true
	}
	if push.UmengID != "" {
		return ProviderThirdParty, push.UmengID, true
	}
	if push.GCMID != "" {
		return ProviderFCM, push.GCMID, true
	}
	return "", "", false
}

// Outcome reports a provider's terminal disposition for one send, used to
// decide retry and to label the external metrics sink.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeRetryable
	OutcomeTerminal
	OutcomeUnsupported
)

// Sender is implemented by each provider client (apns, fcm, tnpg).
type Sender interface {
	Name() string
	Send(ctx context.Context, token string, p Payload, badge int) (Outcome, error)
}

// Metrics is the narrow subset of internal/metrics.Sink the push service
// reports through; kept as an interface so push can be tested without a
// live Prometheus registry.
type Metrics interface {
	PushAttempt(provider, outcome string)
}

// Badges increments and reads the per-uid cluster-wide badge counter.
type Badges interface {
	IncrBadge(ctx context.Context, uid string) (int64, error)
}

// Service drives retries, badge counts and VoIP QoS across the registered
// provider senders.
type Service struct {
	senders map[string]Sender
	pools   map[string]*Pool
	badges  Badges
	qos     *QoSManager
	metrics Metrics
	log     *slog.Logger
	backoff Backoff
}

// NewService builds a push Service, giving each provider its own dedicated
// pool of DefaultPoolConcurrency workers (spec.md §4.4 Throughput) so one
// slow provider can't starve sends to the others. qos may be nil to
// disable VoIP resend scheduling (e.g. in tests exercising only the retry
// path).
func NewService(senders []Sender, badges Badges, qos *QoSManager, metrics Metrics, log *slog.Logger) *Service {
	m := make(map[string]Sender, len(senders))
	pools := make(map[string]*Pool, len(senders))
	for _, s := range senders {
		m[s.Name()] = s
		pools[s.Name()] = NewPool(DefaultPoolConcurrency, 0)
	}
	return &Service{
		senders: m,
		pools:   pools,
		badges:  badges,
		qos:     qos,
		metrics: metrics,
		log:     log,
		backoff: DefaultBackoff(),
	}
}

// Dispatch sends one receipt to every resolvable target. Each send is
// submitted as a task to its provider's pool, which bounds how many sends
// to that provider run concurrently; Dispatch itself returns as soon as
// every target's task has been submitted.
func (s *Service) Dispatch(ctx context.Context, r Receipt) {
	for _, target := range r.To {
		provider, token, ok := SelectProvider(target.Push, r.Payload.Class)
		if !ok {
			continue
		}
		sender, ok := s.senders[provider]
		if !ok {
			continue
		}
		pool := s.pools[provider]
		uid, payload := target.UID, r.Payload
		pool.Submit(func(context.Context) {
			s.sendWithRetry(ctx, sender, token, uid, payload)
		})
	}
}

// Stop drains every provider pool's in-flight sends before returning.
func (s *Service) Stop() {
	for _, p := range s.pools {
		p.Stop()
	}
}

// sendWithRetry is the Go translation of ServiceImpl::sendNotificationWithRetry:
// loop while the RetryContext still permits a retry, sleeping the backoff
// delay between attempts, and stopping immediately on success or on a
// terminal/unsupported outcome.
func (s *Service) sendWithRetry(ctx context.Context, sender Sender, token, uid string, p Payload) {
	rc := NewRetryContext(DefaultMaxDelayMillis, DefaultMaxRetries)
	var badge int
	if s.badges != nil && p.Class == ClassData {
		if n, err := s.badges.IncrBadge(ctx, uid); err == nil {
			badge = int(n)
		}
	}

	for {
		outcome, err := sender.Send(ctx, token, p, badge)
		s.report(sender.Name(), outcome)

		switch outcome {
		case OutcomeSuccess:
			if p.Class == ClassVoIP && s.qos != nil {
				s.qos.ScheduleResend(ctx, voipResendKey(uid, p), func(ctx context.Context) {
					sender.Send(ctx, token, p, badge)
				})
			}
			return
		case OutcomeUnsupported, OutcomeTerminal:
			if err != nil && s.log != nil {
				s.log.Warn("push send terminal", "provider", sender.Name(), "uid", uid, "err", err)
			}
			return
		}

		rc.increaseRetryCount()
		if !rc.WillRetry() {
			return
		}
		delay := s.backoff.DelayMillis(rc)
		rc.addDelayMillis(delay)

		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Duration(delay) * time.Millisecond):
		}
	}
}

func (s *Service) report(provider string, outcome Outcome) {
	if s.metrics == nil {
		return
	}
	var tag string
	switch outcome {
	case OutcomeSuccess:
		tag = "success"
	case OutcomeRetryable:
		tag = "retryable"
	case OutcomeTerminal:
		tag = "terminal"
	case OutcomeUnsupported:
		tag = "unsupported"
	}
	s.metrics.PushAttempt(provider, tag)
}
