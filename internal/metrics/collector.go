package metrics

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// EventKind distinguishes the three report shapes the queue carries.
type EventKind int

const (
	EventMix EventKind = iota
	EventCounter
	EventDirect
)

// Event is one ingestion-queue entry. Only the fields relevant to Kind are
// read by the consumer.
type Event struct {
	Kind     EventKind
	Service  string
	Topic    string
	Duration time.Duration
	Retcode  int
	Name     string
	Value    int64
}

// CollectorConfig mirrors spec.md §4.6's tunables.
type CollectorConfig struct {
	ReportInterval      time.Duration
	QueueCapacity       int
	Version             string
	ClientID            string // 5-char id baked into rolled file names
	OutputDir           string
	MaxFileSizeBytes    int64
	MaxFileCount        int
	WriteThresholdBytes int64 // replenished every 60s
}

// Collector is the process-local metrics ingestion pipeline: a bounded
// SPMC queue with a non-blocking producer side, a single consumer goroutine
// that buckets into a Statistic, a rotator that snapshots on an interval,
// and an output goroutine that writes CSV rows through a quota-limited
// rolling file.
//
// Grounded on original_source/metrics_sdk/src/metrics_client.cpp (the
// tryEnqueue-never-blocks producer contract) and metrics_file_output.cpp
// (rolling file + 60s token-bucket quota).
type Collector struct {
	cfg   CollectorConfig
	log   *slog.Logger
	queue chan Event

	stat *Statistic
	file *rollingFile

	dropLogMu   sync.Mutex
	lastDropLog time.Time

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// NewCollector builds and starts a Collector's consumer, rotator and output
// goroutines.
func NewCollector(cfg CollectorConfig, log *slog.Logger) (*Collector, error) {
	if cfg.ReportInterval <= 0 {
		cfg.ReportInterval = 3 * time.Second
	}
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = 8192
	}
	file, err := newRollingFile(cfg.OutputDir, cfg.ClientID, cfg.MaxFileSizeBytes, cfg.MaxFileCount, cfg.WriteThresholdBytes)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Collector{
		cfg:    cfg,
		log:    log,
		queue:  make(chan Event, cfg.QueueCapacity),
		stat:   newStatistic(cfg.Version),
		file:   file,
		cancel: cancel,
	}

	snapshots := make(chan []csvRow, 64)

	c.wg.Add(3)
	go c.consume(ctx)
	go c.rotate(ctx, snapshots)
	go c.output(ctx, snapshots)

	return c, nil
}

// TryEnqueue offers an event without blocking; on a full queue it drops the
// event and rate-limits the warning log to once per second, matching the
// original's per-thread once-per-1s drop log.
func (c *Collector) TryEnqueue(ev Event) {
	select {
	case c.queue <- ev:
	default:
		c.logDrop()
	}
}

func (c *Collector) logDrop() {
	c.dropLogMu.Lock()
	defer c.dropLogMu.Unlock()
	if time.Since(c.lastDropLog) < time.Second {
		return
	}
	c.lastDropLog = time.Now()
	c.log.Warn("metrics queue full, dropping event")
}

// RecordMix submits a mix-type sample.
func (c *Collector) RecordMix(service, topic string, duration time.Duration, retcode int) {
	c.TryEnqueue(Event{Kind: EventMix, Service: service, Topic: topic, Duration: duration, Retcode: retcode})
}

// RecordCounter submits a counter-type sample (accumulates).
func (c *Collector) RecordCounter(name string, value int64) {
	c.TryEnqueue(Event{Kind: EventCounter, Name: name, Value: value})
}

// RecordDirect submits a direct-output sample (last-write-wins).
func (c *Collector) RecordDirect(name string, value int64) {
	c.TryEnqueue(Event{Kind: EventDirect, Name: name, Value: value})
}

func (c *Collector) consume(ctx context.Context) {
	defer c.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-c.queue:
			switch ev.Kind {
			case EventMix:
				c.stat.addMix(ev.Service, ev.Topic, ev.Duration, ev.Retcode)
			case EventCounter:
				c.stat.addCounter(ev.Name, ev.Value)
			case EventDirect:
				c.stat.addDirect(ev.Name, ev.Value)
			}
		}
	}
}

func (c *Collector) rotate(ctx context.Context, snapshots chan<- []csvRow) {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.ReportInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			rows := c.stat.snapshotAndReset(now)
			if len(rows) == 0 {
				continue
			}
			select {
			case snapshots <- rows:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (c *Collector) output(ctx context.Context, snapshots <-chan []csvRow) {
	defer c.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case rows := <-snapshots:
			for _, row := range rows {
				if err := c.file.writeLine(ctx, string(row)); err != nil {
					c.log.Warn("metrics: write failed", "err", err)
				}
			}
		}
	}
}

// Close stops every goroutine and closes the underlying file.
func (c *Collector) Close() error {
	c.cancel()
	c.wg.Wait()
	return c.file.close()
}
