package stats

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

const ringSize = 60

// Writer is the side of the collector the engine updates.
type Writer interface {
	SetTotal(bytes int64)
	AddChunksRead(n int64)
	AddBytesRead(n int64)
	AddChunksHandedOff(n int64)
	AddChunksWritten(n int64)
	AddBytesWritten(n int64)
	AddFailures(n int64)
	AddVerified(n int64)
	AddVerifyFailed(n int64)
}

// Reader is the side of the collector presenters read.
type Reader interface {
	Snapshot() Snapshot
	RollingSpeed(seconds int) float64
	RollingChunksPerSec(seconds int) float64
	SparklineData(n int) []float64
	ETA() time.Duration
}

// ReadTicker is a Reader that a presenter also drives once per second.
type ReadTicker interface {
	Reader
	Tick()
}

// Collector tracks copy statistics using lock-free atomic counters.
type Collector struct {
	bytesTotal      atomic.Int64
	chunksRead      atomic.Int64
	bytesRead       atomic.Int64
	chunksHandedOff atomic.Int64
	chunksWritten   atomic.Int64
	bytesWritten    atomic.Int64
	failures        atomic.Int64
	verified        atomic.Int64
	verifyFailed    atomic.Int64
	startTime       time.Time

	// Ring buffer, written only by the presenter's Tick(), not workers.
	mu           sync.Mutex
	throughput   [ringSize]int64 // bytes written per second
	chunksPerSec [ringSize]int64
	ringIdx      int
	ringCount    int // samples written, capped at ringSize
	lastBytes    int64
	lastChunks   int64
}

// NewCollector creates a Collector with startTime set to now.
func NewCollector() *Collector {
	return &Collector{startTime: time.Now()}
}

// SetTotal records the number of bytes the copy will move.
func (c *Collector) SetTotal(bytes int64) { c.bytesTotal.Store(bytes) }

func (c *Collector) AddChunksRead(n int64)      { c.chunksRead.Add(n) }
func (c *Collector) AddBytesRead(n int64)       { c.bytesRead.Add(n) }
func (c *Collector) AddChunksHandedOff(n int64) { c.chunksHandedOff.Add(n) }
func (c *Collector) AddChunksWritten(n int64)   { c.chunksWritten.Add(n) }
func (c *Collector) AddBytesWritten(n int64)    { c.bytesWritten.Add(n) }
func (c *Collector) AddFailures(n int64)        { c.failures.Add(n) }
func (c *Collector) AddVerified(n int64)        { c.verified.Add(n) }
func (c *Collector) AddVerifyFailed(n int64)    { c.verifyFailed.Add(n) }

// Snapshot is a point-in-time read of all counters.
type Snapshot struct {
	BytesTotal      int64
	ChunksRead      int64
	BytesRead       int64
	ChunksHandedOff int64
	ChunksWritten   int64
	BytesWritten    int64
	Failures        int64
	Verified        int64
	VerifyFailed    int64
	Elapsed         time.Duration
}

// Snapshot returns a point-in-time read of all counters.
func (c *Collector) Snapshot() Snapshot {
	return Snapshot{
		BytesTotal:      c.bytesTotal.Load(),
		ChunksRead:      c.chunksRead.Load(),
		BytesRead:       c.bytesRead.Load(),
		ChunksHandedOff: c.chunksHandedOff.Load(),
		ChunksWritten:   c.chunksWritten.Load(),
		BytesWritten:    c.bytesWritten.Load(),
		Failures:        c.failures.Load(),
		Verified:        c.verified.Load(),
		VerifyFailed:    c.verifyFailed.Load(),
		Elapsed:         c.Elapsed(),
	}
}

// Tick snapshots byte/chunk deltas into the ring buffer. Called 1/sec by the presenter.
func (c *Collector) Tick() {
	currentBytes := c.bytesWritten.Load()
	currentChunks := c.chunksWritten.Load()

	c.mu.Lock()
	defer c.mu.Unlock()

	c.throughput[c.ringIdx] = currentBytes - c.lastBytes
	c.chunksPerSec[c.ringIdx] = currentChunks - c.lastChunks
	c.lastBytes = currentBytes
	c.lastChunks = currentChunks

	c.ringIdx = (c.ringIdx + 1) % ringSize
	if c.ringCount < ringSize {
		c.ringCount++
	}
}

// RollingSpeed returns average bytes/sec over the last n seconds of samples.
func (c *Collector) RollingSpeed(seconds int) float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rollingAvg(c.throughput[:], seconds)
}

// RollingChunksPerSec returns average chunks/sec over the last n seconds.
func (c *Collector) RollingChunksPerSec(seconds int) float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rollingAvg(c.chunksPerSec[:], seconds)
}

func (c *Collector) rollingAvg(buf []int64, n int) float64 {
	count := min(n, c.ringCount)
	if count <= 0 {
		return 0
	}
	var sum int64
	for i := range count {
		idx := (c.ringIdx - 1 - i + ringSize) % ringSize
		sum += buf[idx]
	}
	return float64(sum) / float64(count)
}

// SparklineData returns the last n bytes/sec samples for rendering, oldest first.
func (c *Collector) SparklineData(n int) []float64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	count := min(n, c.ringCount)
	if count <= 0 {
		return nil
	}

	data := make([]float64, count)
	for i := range count {
		idx := (c.ringIdx - count + i + ringSize) % ringSize
		data[i] = float64(c.throughput[idx])
	}
	return data
}

// ETA estimates remaining time based on rolling speed and remaining bytes.
func (c *Collector) ETA() time.Duration {
	speed := c.RollingSpeed(10)
	if speed <= 0 {
		return 0
	}
	remaining := c.bytesTotal.Load() - c.bytesWritten.Load()
	if remaining <= 0 {
		return 0
	}
	return time.Duration(float64(remaining) / speed * float64(time.Second))
}

// Elapsed returns time since collector creation.
func (c *Collector) Elapsed() time.Duration {
	return time.Since(c.startTime)
}

func (s Snapshot) String() string {
	return fmt.Sprintf(
		"read=%d/%d handed=%d written=%d/%d total=%d failures=%d",
		s.ChunksRead, s.BytesRead, s.ChunksHandedOff,
		s.ChunksWritten, s.BytesWritten, s.BytesTotal, s.Failures,
	)
}

// FormatBytes returns a human-readable byte count.
func FormatBytes(b int64) string {
	const unit = 1024
	if b < unit {
		return fmt.Sprintf("%d B", b)
	}
	div, exp := int64(unit), 0
	for n := b / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(b)/float64(div), "KMGTPE"[exp])
}
