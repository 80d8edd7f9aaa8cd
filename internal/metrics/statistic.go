// Package metrics implements the internal observability core of spec.md
// §4.6: a wait-free ingestion queue that buckets mix/counter/direct-output
// events by a reporting interval and writes them to a rolling CSV file —
// kept deliberately distinct from the external-facing Prometheus sink in
// sink.go (spec.md's "metrics SDK" fire-and-forget interface).
//
// Grounded on original_source/metrics_sdk/src/metrics_statistic.{h,cpp}
// and metrics_file_output.{h,cpp}: a single mutex covers the three
// aggregate maps and the rotation swap, a rotator fires every
// reportIntervalInMs, and a token-bucket write quota throttles the output
// fiber independent of event rate.
package metrics

import (
	"fmt"
	"sync"
	"time"
)

// MixKey identifies a (service, topic) aggregate bucket.
type MixKey struct {
	Service string
	Topic   string
}

// MixAggregate accumulates duration/retcode samples for one MixKey within
// a reporting interval. Durations are tracked in microseconds regardless
// of the precision callers submit them at.
type MixAggregate struct {
	Count             int64
	TotalDurationMicros int64
	LastRetcode       int
}

// Statistic is one reporting interval's mutable aggregate state: three maps
// behind a single mutex, matching the original's one-lock-covers-everything
// design.
type Statistic struct {
	mu      sync.Mutex
	version string
	mix     map[MixKey]*MixAggregate
	counter map[string]int64
	direct  map[string]int64
}

func newStatistic(version string) *Statistic {
	return &Statistic{
		version: version,
		mix:     make(map[MixKey]*MixAggregate),
		counter: make(map[string]int64),
		direct:  make(map[string]int64),
	}
}

func (s *Statistic) addMix(service, topic string, duration time.Duration, retcode int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := MixKey{Service: service, Topic: topic}
	agg, ok := s.mix[key]
	if !ok {
		agg = &MixAggregate{}
		s.mix[key] = agg
	}
	agg.Count++
	agg.TotalDurationMicros += duration.Microseconds()
	agg.LastRetcode = retcode
}

func (s *Statistic) addCounter(name string, value int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counter[name] += value
}

func (s *Statistic) addDirect(name string, value int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.direct[name] = value
}

// snapshotAndReset swaps in fresh counter maps under the lock and returns
// the rows of the ones being rotated out, matching metrics_statistic.cpp's
// swap-then-serialize sequence.
func (s *Statistic) snapshotAndReset(now time.Time) []csvRow {
	s.mu.Lock()
	mix, counter, direct, version := s.mix, s.counter, s.direct, s.version
	s.mix = make(map[MixKey]*MixAggregate)
	s.counter = make(map[string]int64)
	s.direct = make(map[string]int64)
	s.mu.Unlock()

	ts := now.UnixMilli()
	rows := make([]csvRow, 0, len(mix)+len(counter)+len(direct))
	for k, agg := range mix {
		avg := int64(0)
		if agg.Count > 0 {
			avg = agg.TotalDurationMicros / agg.Count
		}
		rows = append(rows, csvRow(fmt.Sprintf("mix,%d,%s,%s,%s,%d,%d,%d",
			ts, k.Service, k.Topic, version, agg.Count, agg.LastRetcode, avg)))
	}
	for name, v := range counter {
		rows = append(rows, csvRow(fmt.Sprintf("%s,%d,%d", name, ts, v)))
	}
	for name, v := range direct {
		rows = append(rows, csvRow(fmt.Sprintf("%s,%d,%d", name, ts, v)))
	}
	return rows
}

type csvRow string
