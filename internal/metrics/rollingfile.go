package metrics

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// rollingFile is the output fiber's sink: a CSV file that rolls to a new
// name once it exceeds maxSizeBytes, deleting the oldest roll once there
// are more than maxCount, and whose write rate is capped by a token bucket
// replenished every 60s with writeThresholdBytes tokens — independent of
// event rate, per spec.md §4.6.
type rollingFile struct {
	dir       string
	clientID  string
	maxSize   int64
	maxCount  int
	threshold int64

	mu       sync.Mutex
	f        *os.File
	size     int64

	quotaMu   sync.Mutex
	tokens    int64
	lastFill  time.Time
}

func newRollingFile(dir, clientID string, maxSize int64, maxCount int, threshold int64) (*rollingFile, error) {
	if clientID == "" {
		clientID = "bcmsv"
	}
	if len(clientID) > 5 {
		clientID = clientID[:5]
	}
	if maxSize <= 0 {
		maxSize = 64 * 1024 * 1024
	}
	if maxCount <= 0 {
		maxCount = 10
	}
	if threshold <= 0 {
		threshold = 1024 * 1024
	}
	if dir == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	rf := &rollingFile{
		dir:       dir,
		clientID:  clientID,
		maxSize:   maxSize,
		maxCount:  maxCount,
		threshold: threshold,
		tokens:    threshold,
		lastFill:  time.Now(),
	}
	if err := rf.openNew(); err != nil {
		return nil, err
	}
	return rf, nil
}

// fileName encodes the client id and a local-time, seconds-granularity
// stamp, matching the original's rolled-file naming scheme.
func (rf *rollingFile) fileName(now time.Time) string {
	return fmt.Sprintf("%s_%s.csv", rf.clientID, now.Local().Format("20060102_150405"))
}

func (rf *rollingFile) openNew() error {
	name := filepath.Join(rf.dir, rf.fileName(time.Now()))
	f, err := os.OpenFile(name, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	rf.f = f
	rf.size = 0
	return rf.enforceMaxCount()
}

func (rf *rollingFile) enforceMaxCount() error {
	entries, err := os.ReadDir(rf.dir)
	if err != nil {
		return err
	}
	var matches []string
	prefix := rf.clientID + "_"
	for _, e := range entries {
		if !e.IsDir() && len(e.Name()) > len(prefix) && e.Name()[:len(prefix)] == prefix {
			matches = append(matches, e.Name())
		}
	}
	sort.Strings(matches)
	for len(matches) > rf.maxCount {
		oldest := matches[0]
		matches = matches[1:]
		os.Remove(filepath.Join(rf.dir, oldest))
	}
	return nil
}

// writeLine appends one CSV row, rolling the file first if it would exceed
// maxSize, and blocking on the write quota until tokens are available or
// ctx is cancelled.
func (rf *rollingFile) writeLine(ctx context.Context, line string) error {
	payload := []byte(line + "\n")
	if err := rf.awaitQuota(ctx, int64(len(payload))); err != nil {
		return err
	}

	rf.mu.Lock()
	defer rf.mu.Unlock()

	if rf.size+int64(len(payload)) > rf.maxSize {
		rf.f.Close()
		if err := rf.openNew(); err != nil {
			return err
		}
	}

	n, err := rf.f.Write(payload)
	rf.size += int64(n)
	if err != nil {
		return err
	}
	return rf.f.Sync()
}

// awaitQuota blocks until n bytes of quota are available, replenishing the
// bucket to threshold every 60 seconds.
func (rf *rollingFile) awaitQuota(ctx context.Context, n int64) error {
	for {
		rf.quotaMu.Lock()
		if time.Since(rf.lastFill) >= 60*time.Second {
			rf.tokens = rf.threshold
			rf.lastFill = time.Now()
		}
		if rf.tokens >= n {
			rf.tokens -= n
			rf.quotaMu.Unlock()
			return nil
		}
		rf.quotaMu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
}

func (rf *rollingFile) close() error {
	rf.mu.Lock()
	defer rf.mu.Unlock()
	if rf.f == nil {
		return nil
	}
	return rf.f.Close()
}
