package discord

import (
	"math"
	"slices"
	"sync"
	"time"

	"github.com/MrWong99/sayless/internal/aggregator"
)

// FlushStats collects recent flush results for the /voicenotes stats
// command. It keeps a bounded ring buffer of latency and audio-length
// samples from which percentiles are computed on demand.
//
// Thread-safe for concurrent use.
type FlushStats struct {
	mu sync.Mutex

	latency sampleBuffer
	audio   sampleBuffer

	outcomes map[aggregator.Outcome]int64
	failed   int64
	since    time.Time
}

// NewFlushStats creates a FlushStats keeping at most windowSize samples per
// series.
func NewFlushStats(windowSize int) *FlushStats {
	if windowSize <= 0 {
		windowSize = 100
	}
	return &FlushStats{
		latency:  newSampleBuffer(windowSize),
		audio:    newSampleBuffer(windowSize),
		outcomes: make(map[aggregator.Outcome]int64),
		since:    time.Now(),
	}
}

// Record adds a flush result. Its signature fits aggregator.WithOnFlush.
func (fs *FlushStats) Record(res aggregator.Result) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.outcomes[res.Outcome]++
	if res.Outcome != aggregator.OutcomeOK && res.Outcome != aggregator.OutcomeNoSpeech {
		fs.failed++
	}
	if res.Segments > 0 {
		fs.latency.add(res.Finished.Sub(res.Started))
		fs.audio.add(res.Audio)
	}
}

// Percentiles holds p50 and p95 values of a series.
type Percentiles struct {
	P50 time.Duration
	P95 time.Duration
}

// StatsSnapshot is a point-in-time view of [FlushStats].
type StatsSnapshot struct {
	Latency  Percentiles
	Audio    Percentiles
	Outcomes map[aggregator.Outcome]int64
	Failed   int64
	Since    time.Time
}

// Total returns the number of recorded results.
func (s StatsSnapshot) Total() int64 {
	var n int64
	for _, c := range s.Outcomes {
		n += c
	}
	return n
}

// Snapshot returns a point-in-time view of the statistics.
func (fs *FlushStats) Snapshot() StatsSnapshot {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	outcomes := make(map[aggregator.Outcome]int64, len(fs.outcomes))
	for k, v := range fs.outcomes {
		outcomes[k] = v
	}
	return StatsSnapshot{
		Latency:  fs.latency.percentiles(),
		Audio:    fs.audio.percentiles(),
		Outcomes: outcomes,
		Failed:   fs.failed,
		Since:    fs.since,
	}
}

// sampleBuffer is a bounded ring buffer of duration samples.
type sampleBuffer struct {
	data []time.Duration
	pos  int
	full bool
}

func newSampleBuffer(size int) sampleBuffer {
	return sampleBuffer{data: make([]time.Duration, size)}
}

func (b *sampleBuffer) add(d time.Duration) {
	b.data[b.pos] = d
	b.pos++
	if b.pos >= len(b.data) {
		b.pos = 0
		b.full = true
	}
}

func (b *sampleBuffer) percentiles() Percentiles {
	n := b.pos
	if b.full {
		n = len(b.data)
	}
	if n == 0 {
		return Percentiles{}
	}
	sorted := slices.Clone(b.data[:n])
	slices.Sort(sorted)
	return Percentiles{
		P50: percentile(sorted, 0.50),
		P95: percentile(sorted, 0.95),
	}
}

// percentile returns the value at p (0.0-1.0) of a sorted slice using
// nearest-rank.
func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(math.Ceil(p*float64(len(sorted)))) - 1
	return sorted[max(0, min(idx, len(sorted)-1))]
}
