package metrics

import "github.com/prometheus/client_golang/prometheus"

// Sink is the external-facing "metrics SDK" spec.md §6 describes as a
// fire-and-forget interface the rest of the system consumes as a pure
// collaborator, kept separate from the internal Collector above. It
// exposes the handful of counters/gauges an operator would scrape, backed
// by the teacher's own prometheus/client_golang dependency
// (server/main.go registers its own process collectors the same way).
type Sink struct {
	messagesDelivered *prometheus.CounterVec
	pushAttempts      *prometheus.CounterVec
	offlineScanRounds prometheus.Counter
	activeSessions    prometheus.Gauge
}

// NewSink registers every metric against reg and returns the Sink.
func NewSink(reg prometheus.Registerer) *Sink {
	s := &Sink{
		messagesDelivered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bcm_messages_delivered_total",
			Help: "Messages delivered by the dispatch fabric, by delivery path.",
		}, []string{"path"}), // "local" or "cross_node"
		pushAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bcm_push_attempts_total",
			Help: "Push notification attempts, by provider and outcome.",
		}, []string{"provider", "outcome"}),
		offlineScanRounds: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bcm_offline_scan_rounds_total",
			Help: "Completed offline orchestrator scan rounds.",
		}),
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bcm_active_sessions",
			Help: "Currently registered WebSocket sessions on this node.",
		}),
	}
	reg.MustRegister(s.messagesDelivered, s.pushAttempts, s.offlineScanRounds, s.activeSessions)
	return s
}

func (s *Sink) MessageDelivered(path string) { s.messagesDelivered.WithLabelValues(path).Inc() }

func (s *Sink) PushAttempt(provider, outcome string) {
	s.pushAttempts.WithLabelValues(provider, outcome).Inc()
}

func (s *Sink) OfflineScanRound() { s.offlineScanRounds.Inc() }

func (s *Sink) SetActiveSessions(n float64) { s.activeSessions.Set(n) }
