// Package metrics turns engine events into Prometheus series that can be
// written to a node_exporter textfile once a copy finishes.
package metrics

import (
	"fmt"
	"strings"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/bamsammich/duplex/internal/event"
	"github.com/bamsammich/duplex/internal/stats"
)

const namespace = "duplex"

// Chunk stages, used as the "stage" label.
const (
	StageRead      = "read"
	StageHandedOff = "handed_off"
	StagePersisted = "persisted"
)

// Recorder accumulates copy metrics on a private registry.
type Recorder struct {
	reg *prometheus.Registry

	chunks   *prometheus.CounterVec
	bytes    *prometheus.CounterVec
	copies   *prometheus.CounterVec
	verifies *prometheus.CounterVec
	size     prometheus.Gauge
	duration prometheus.Gauge
	lastOK   prometheus.Gauge

	// Counts already added from events, so Finish can top up whatever
	// the event stream dropped.
	seen map[string]tally
}

type tally struct {
	chunks, bytes int64
}

// NewRecorder creates a recorder. When s is non-nil the rolling throughput
// is exported as a gauge read at scrape time.
func NewRecorder(s stats.Reader) *Recorder {
	r := &Recorder{
		reg:  prometheus.NewRegistry(),
		seen: make(map[string]tally),
		chunks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chunks_total",
			Help:      "Chunks that passed each stage of the handoff.",
		}, []string{"stage"}),
		bytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_total",
			Help:      "Bytes that passed each stage of the handoff.",
		}, []string{"stage"}),
		copies: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "copies_total",
			Help:      "Finished copies by result.",
		}, []string{"result"}),
		verifies: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "verifications_total",
			Help:      "Checksum verifications by result.",
		}, []string{"result"}),
		size: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "copy_size_bytes",
			Help:      "Total size of the most recent copy.",
		}),
		duration: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "copy_duration_seconds",
			Help:      "Wall time of the most recent copy.",
		}),
		lastOK: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_copy_success",
			Help:      "1 if the most recent copy completed, 0 if it failed.",
		}),
	}
	r.reg.MustRegister(r.chunks, r.bytes, r.copies, r.verifies, r.size, r.duration, r.lastOK)

	if s != nil {
		r.reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "throughput_bytes_per_second",
			Help:      "Rolling 10s write throughput.",
		}, func() float64 {
			return s.RollingSpeed(10)
		}))
	}
	return r
}

// Registry exposes the underlying registry, e.g. for promhttp.
func (r *Recorder) Registry() *prometheus.Registry { return r.reg }

// Observe folds one event into the live chunk and verification series.
// Events may be dropped under load, so the copy outcome is only recorded by
// Finish. Observe is not safe for concurrent use; feed it from a single
// goroutine.
func (r *Recorder) Observe(ev event.Event) {
	switch ev.Type {
	case event.CopyStarted:
		r.size.Set(float64(ev.TotalSize))
	case event.ChunkRead:
		r.chunk(StageRead, 1, ev.Size)
	case event.ChunkHandedOff:
		r.chunk(StageHandedOff, 1, ev.Size)
	case event.ChunkPersisted:
		r.chunk(StagePersisted, 1, ev.Size)
	case event.VerifyOK:
		r.verify("ok", 1)
	case event.VerifyFailed:
		r.verify("mismatch", 1)
	}
}

// Finish records the outcome of a copy from its final stats snapshot and
// error, and raises the chunk counters to the snapshot's totals. Call it
// after the last Observe.
func (r *Recorder) Finish(snap stats.Snapshot, err error) {
	if err != nil {
		r.copies.WithLabelValues("failed").Inc()
		r.lastOK.Set(0)
	} else {
		r.copies.WithLabelValues("completed").Inc()
		r.lastOK.Set(1)
	}
	r.size.Set(float64(snap.BytesTotal))
	r.duration.Set(snap.Elapsed.Seconds())

	r.topUp(StageRead, snap.ChunksRead, snap.BytesRead)
	// The snapshot has no byte count for handed-off chunks.
	r.topUp(StageHandedOff, snap.ChunksHandedOff, r.seen[StageHandedOff].bytes)
	r.topUp(StagePersisted, snap.ChunksWritten, snap.BytesWritten)
	r.topUp("verify/ok", snap.Verified, 0)
	r.topUp("verify/mismatch", snap.VerifyFailed, 0)
}

func (r *Recorder) chunk(stage string, n, size int64) {
	r.chunks.WithLabelValues(stage).Add(float64(n))
	r.bytes.WithLabelValues(stage).Add(float64(size))
	t := r.seen[stage]
	t.chunks += n
	t.bytes += size
	r.seen[stage] = t
}

func (r *Recorder) verify(result string, n int64) {
	r.verifies.WithLabelValues(result).Add(float64(n))
	t := r.seen["verify/"+result]
	t.chunks += n
	r.seen["verify/"+result] = t
}

func (r *Recorder) topUp(key string, chunks, bytes int64) {
	seen := r.seen[key]
	dc := max(chunks-seen.chunks, 0)
	db := max(bytes-seen.bytes, 0)
	if dc == 0 && db == 0 {
		return
	}
	if result, ok := strings.CutPrefix(key, "verify/"); ok {
		r.verify(result, dc)
		return
	}
	r.chunk(key, dc, db)
}

// WriteTextfile writes every metric in the text exposition format to path,
// atomically, for the node_exporter textfile collector.
func (r *Recorder) WriteTextfile(path string) error {
	if err := prometheus.WriteToTextfile(path, r.reg); err != nil {
		return fmt.Errorf("writing metrics to %s: %w", path, err)
	}
	return nil
}
