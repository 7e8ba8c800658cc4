package engine

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/bamsammich/duplex/internal/event"
	"github.com/bamsammich/duplex/internal/platform"
)

// runWriter is the consumer. It drains full slots in order, persisting each
// one to the destination outside the lock, until the declared total has been
// written. Any failure aborts the transfer so the reader wakes up.
func (p *pipeline) runWriter(ctx context.Context) (err error) {
	total := p.t.TotalSize()

	sink, err := p.cfg.Dst.Create(total)
	if err != nil {
		return p.abort(fmt.Errorf("%w: create %s: %w", ErrDestinationUnavailable, p.dstName, err))
	}
	committed := false
	defer func() {
		if committed {
			return
		}
		if derr := sink.Discard(); derr != nil {
			p.log.Warn("discard destination", "path", p.dstName, "error", derr)
		}
	}()

	var w io.Writer = sink
	if p.cfg.BWLimit > 0 {
		w = newRateLimitedWriter(ctx, sink, NewBWLimiter(p.cfg.BWLimit))
	}

	var written int64
	for written < total {
		c, err := p.t.Acquire()
		if err != nil {
			return p.abort(err)
		}

		n, err := w.Write(c.Data)
		if err == nil && n < len(c.Data) {
			err = io.ErrShortWrite
		}
		if err != nil {
			return p.abort(p.writeErr(err, n, len(c.Data), written))
		}

		if err := p.t.Release(c); err != nil {
			return p.abort(err)
		}
		p.stats.AddChunksWritten(1)
		p.stats.AddBytesWritten(int64(n))
		p.emit(event.Event{
			Type: event.ChunkPersisted, Worker: event.Writer, Path: p.dstName,
			Seq: c.Seq, Size: int64(n), Offset: written,
		})
		p.log.Debug("chunk persisted", "seq", c.Seq, "size", n, "written", written+int64(n), "total", total)

		written += int64(n)
	}

	if err := sink.Commit(); err != nil {
		return p.abort(fmt.Errorf("commit %s: %w", p.dstName, err))
	}
	committed = true

	p.log.Debug("writer done", "bytes", written)
	return nil
}

func (p *pipeline) writeErr(err error, n, want int, offset int64) error {
	if errors.Is(err, ErrAborted) {
		return err
	}
	if platform.IsNoSpace(err) {
		p.log.Warn("destination filesystem is full", "path", p.dstName)
	}
	return fmt.Errorf("%w: %s: persisted %d of %d bytes at offset %d: %w",
		ErrShortWrite, p.dstName, n, want, offset, err)
}
