package engine

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/bamsammich/duplex/internal/event"
)

// runReader is the producer. It reads the source into a private buffer one
// chunk at a time and publishes each chunk into the transfer's slot ring.
// Any failure aborts the transfer so the writer wakes up.
func (p *pipeline) runReader(ctx context.Context) error {
	r, err := p.cfg.Src.Open()
	if err != nil {
		return p.abort(fmt.Errorf("%w: open %s: %w", ErrSourceUnavailable, p.srcName, err))
	}
	defer r.Close()

	total := p.t.TotalSize()
	buf := make([]byte, p.t.ChunkSize())

	var done int64
	for seq := 0; done < total; seq++ {
		if err := ctx.Err(); err != nil {
			return p.abort(fmt.Errorf("%w: %w", ErrAborted, context.Cause(ctx)))
		}

		n := int(min(int64(len(buf)), total-done))
		got, err := io.ReadFull(r, buf[:n])
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				err = fmt.Errorf("%w: %s: got %d of %d bytes at offset %d",
					ErrShortRead, p.srcName, got, n, done)
			} else {
				err = fmt.Errorf("read %s at offset %d: %w", p.srcName, done, err)
			}
			return p.abort(err)
		}
		p.stats.AddChunksRead(1)
		p.stats.AddBytesRead(int64(n))
		p.emit(event.Event{
			Type: event.ChunkRead, Worker: event.Reader, Path: p.srcName,
			Seq: seq, Size: int64(n), Offset: done,
		})
		p.log.Debug("chunk read", "seq", seq, "size", n, "offset", done)

		if _, err := p.t.Publish(buf[:n]); err != nil {
			return p.abort(err)
		}
		p.stats.AddChunksHandedOff(1)
		p.emit(event.Event{
			Type: event.ChunkHandedOff, Worker: event.Reader, Path: p.srcName,
			Seq: seq, Size: int64(n), Offset: done,
		})
		p.log.Debug("chunk handed off", "seq", seq, "size", n)

		done += int64(n)
	}

	p.log.Debug("reader done", "bytes", done)
	return nil
}
