// Package retention keeps recent image records in memory so observers can
// ask for frames they missed.
package retention

import (
	"encoding/base64"
	"math"
	"sort"
	"sync"
	"time"

	"tripwire/internal/logging"
	"tripwire/internal/metrics"
)

// EventImage is the realtime event name for image records.
const EventImage = "image broadcast"

// DefaultSlack is how far the buffer may exceed its window before a sweep.
const DefaultSlack = 300

// Record is one captured frame as sent to observers.
type Record struct {
	Timestamp float64 `json:"timestamp"` // Unix seconds
	ImageB64  string  `json:"image_b64"`
	Reget     bool    `json:"reget"`
	SigB64    string  `json:"sig_b64,omitempty"`
}

// NewRecord builds a live record. sig may be nil.
func NewRecord(ts time.Time, image, sig []byte) Record {
	rec := Record{
		Timestamp: float64(ts.UnixNano()) / float64(time.Second),
		ImageB64:  base64.StdEncoding.EncodeToString(image),
	}
	if sig != nil {
		rec.SigB64 = base64.StdEncoding.EncodeToString(sig)
	}
	return rec
}

// Key returns the whole-second key the record is stored under.
func (r Record) Key() int64 {
	return int64(math.RoundToEven(r.Timestamp))
}

// Broadcaster delivers an event to every connected observer.
type Broadcaster interface {
	Broadcast(event string, data any)
}

// Config configures a Buffer.
type Config struct {
	Window      time.Duration
	Slack       int
	Broadcaster Broadcaster
	Logger      *logging.Logger
	Metrics     *metrics.TripwireMetrics
	Now         func() time.Time
}

// Buffer holds records keyed by rounded timestamp. It sweeps only once its
// size exceeds the window (in seconds) plus the slack.
type Buffer struct {
	mu      sync.Mutex
	records map[int64]Record
	window  time.Duration
	slack   int

	out     Broadcaster
	logger  *logging.Logger
	metrics *metrics.TripwireMetrics
	now     func() time.Time
}

// New creates a Buffer.
func New(cfg Config) *Buffer {
	b := &Buffer{
		records: make(map[int64]Record),
		window:  cfg.Window,
		slack:   cfg.Slack,
		out:     cfg.Broadcaster,
		logger:  cfg.Logger,
		metrics: cfg.Metrics,
		now:     cfg.Now,
	}
	if b.slack < 0 {
		b.slack = DefaultSlack
	}
	if b.logger == nil {
		b.logger = logging.Discard()
	}
	b.logger = b.logger.WithComponent("retention")
	if b.now == nil {
		b.now = time.Now
	}
	return b
}

// SetWindow changes the retention window used by later sweeps.
func (b *Buffer) SetWindow(d time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.window = d
}

// Record stores rec, overwriting any record in the same second, and
// broadcasts it live.
func (b *Buffer) Record(rec Record) {
	rec.Reget = false

	b.mu.Lock()
	b.records[rec.Key()] = rec
	swept := 0
	if len(b.records) > b.threshold() {
		swept = b.sweepLocked()
	}
	size := len(b.records)
	b.mu.Unlock()

	if swept > 0 {
		b.logger.Debug("retention sweep", "removed", swept, "kept", size)
	}
	b.metrics.SetRetentionSize(size)

	if b.out != nil {
		b.out.Broadcast(EventImage, rec)
	}
}

func (b *Buffer) threshold() int {
	return int(b.window/time.Second) + b.slack
}

// sweepLocked drops records older than the window relative to now.
func (b *Buffer) sweepLocked() int {
	now := float64(b.now().UnixNano()) / float64(time.Second)
	keep := b.window.Seconds()

	removed := 0
	for k, rec := range b.records {
		if now-rec.Timestamp > keep {
			delete(b.records, k)
			removed++
		}
	}
	return removed
}

// Replay re-broadcasts the stored records for the given timestamps with
// Reget set. Timestamps with no record are returned and logged.
func (b *Buffer) Replay(timestamps []int64) []int64 {
	var (
		found   []Record
		missing []int64
	)

	b.mu.Lock()
	for _, ts := range timestamps {
		rec, ok := b.records[ts]
		if !ok {
			missing = append(missing, ts)
			continue
		}
		found = append(found, rec)
	}
	b.mu.Unlock()

	for _, rec := range found {
		rec.Reget = true
		if b.out != nil {
			b.out.Broadcast(EventImage, rec)
		}
	}

	if len(missing) > 0 {
		b.logger.Warn("replay requested for unknown timestamps", "missing", missing)
	}
	b.metrics.RecordReplay(len(found), len(missing))
	return missing
}

// Get returns the record stored under key.
func (b *Buffer) Get(key int64) (Record, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	rec, ok := b.records[key]
	return rec, ok
}

// Len returns the number of stored records.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.records)
}

// Keys returns the stored keys in ascending order.
func (b *Buffer) Keys() []int64 {
	b.mu.Lock()
	keys := make([]int64, 0, len(b.records))
	for k := range b.records {
		keys = append(keys, k)
	}
	b.mu.Unlock()

	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}
