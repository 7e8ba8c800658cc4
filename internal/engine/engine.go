package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/bamsammich/duplex/internal/event"
	"github.com/bamsammich/duplex/internal/stats"
)

// Config describes a copy operation.
type Config struct {
	Src Source
	Dst Destination

	ChunkSize    int           // slot capacity (default 8 MiB)
	Depth        int           // slots in the handoff ring (default 1)
	StallTimeout time.Duration // abort when one side waits this long; 0 disables
	BWLimit      int64         // bytes/sec cap on the writer; 0 disables

	Verify        bool
	HashAlgorithm HashAlgorithm

	Events chan<- event.Event // optional; sends never block
	Stats  *stats.Collector   // optional
	Logger *slog.Logger       // optional; defaults to slog.Default()
}

// Result is the outcome of a copy operation.
type Result struct {
	Stats    stats.Snapshot
	Progress Progress
	Err      error
}

// Completed reports whether every byte reached the destination.
func (r Result) Completed() bool {
	return r.Err == nil && r.Progress.BytesWritten == r.Progress.TotalSize
}

// pipeline carries what both workers share for one Run.
type pipeline struct {
	cfg     Config
	t       *Transfer
	log     *slog.Logger
	stats   *stats.Collector
	srcName string
	dstName string
}

// Run copies cfg.Src to cfg.Dst, blocking until both workers have returned.
// The first failure from either side is reported in Result.Err.
func Run(ctx context.Context, cfg Config) Result {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	collector := cfg.Stats
	if collector == nil {
		collector = stats.NewCollector()
	}
	p := &pipeline{
		cfg:     cfg,
		log:     log,
		stats:   collector,
		srcName: describe(cfg.Src),
		dstName: describe(cfg.Dst),
	}

	total, err := cfg.Src.Size()
	if err != nil {
		return p.finish(Progress{}, fmt.Errorf("%w: %s: %w", ErrSourceUnavailable, p.srcName, err))
	}

	t, err := NewTransfer(total, TransferOptions{
		ChunkSize:    cfg.ChunkSize,
		Depth:        cfg.Depth,
		StallTimeout: cfg.StallTimeout,
	})
	if err != nil {
		return p.finish(Progress{TotalSize: total}, err)
	}
	defer t.Close()
	p.t = t

	collector.SetTotal(total)
	p.emit(event.Event{Type: event.CopyStarted, Worker: event.Coordinator, Path: p.srcName, TotalSize: total})
	log.Debug("starting copy",
		"src", p.srcName,
		"dst", p.dstName,
		"size", total,
		"chunk", t.ChunkSize(),
		"depth", cfg.Depth,
	)

	stop := t.Watch(ctx)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return p.runReader(gctx) })
	g.Go(func() error { return p.runWriter(gctx) })
	werr := g.Wait()

	// The transfer keeps the first abort cause; the errgroup only knows
	// which worker returned first.
	err = t.Err()
	if err == nil {
		err = werr
	}
	progress := t.Progress()
	if err == nil && progress.BytesWritten != total {
		err = fmt.Errorf("%w: wrote %d of %d bytes", ErrShortWrite, progress.BytesWritten, total)
	}

	if err == nil && cfg.Verify {
		err = p.verify(ctx)
	}
	return p.finish(progress, err)
}

func (p *pipeline) finish(progress Progress, err error) Result {
	if err != nil {
		p.stats.AddFailures(1)
		p.emit(event.Event{
			Type: event.CopyFailed, Worker: event.Coordinator, Path: p.srcName,
			Size: progress.BytesWritten, TotalSize: progress.TotalSize, Error: err,
		})
		p.log.Debug("copy failed", "error", err, "written", progress.BytesWritten)
	} else {
		p.emit(event.Event{
			Type: event.CopyCompleted, Worker: event.Coordinator, Path: p.dstName,
			Size: progress.BytesWritten, TotalSize: progress.TotalSize,
		})
		p.log.Debug("copy complete", "bytes", progress.BytesWritten)
	}
	return Result{Stats: p.stats.Snapshot(), Progress: progress, Err: err}
}

// abort fails the shared transfer with err and returns it.
func (p *pipeline) abort(err error) error {
	p.t.Abort(err)
	return err
}

func (p *pipeline) emit(e event.Event) {
	event.Emit(p.cfg.Events, e)
}

func describe(v any) string {
	if s, ok := v.(fmt.Stringer); ok {
		return s.String()
	}
	return fmt.Sprintf("%T", v)
}
