package engine

import (
	"context"
	"fmt"
	"io"

	"golang.org/x/time/rate"
)

// NewBWLimiter creates a rate.Limiter that caps throughput to bytesPerSec.
// The burst is 1 MB, or the rate itself when that is smaller.
func NewBWLimiter(bytesPerSec int64) *rate.Limiter {
	burst := 1 << 20 // 1 MB
	if bytesPerSec < int64(burst) {
		burst = int(bytesPerSec)
	}
	return rate.NewLimiter(rate.Limit(bytesPerSec), burst)
}

// rateLimitedWriter wraps an io.Writer and enforces a rate limit. Writes
// larger than the burst are split so WaitN never exceeds it. WaitN only fails
// once ctx is done or its deadline cannot be met, so that is reported as an
// abort.
type rateLimitedWriter struct {
	w       io.Writer
	limiter *rate.Limiter
	ctx     context.Context
}

func newRateLimitedWriter(ctx context.Context, w io.Writer, limiter *rate.Limiter) *rateLimitedWriter {
	return &rateLimitedWriter{w: w, limiter: limiter, ctx: ctx}
}

func (rw *rateLimitedWriter) Write(p []byte) (int, error) {
	burst := rw.limiter.Burst()
	if burst <= 0 {
		return rw.w.Write(p)
	}
	var written int
	for written < len(p) {
		n := min(len(p)-written, burst)
		if err := rw.limiter.WaitN(rw.ctx, n); err != nil {
			return written, fmt.Errorf("%w: bandwidth wait: %w", ErrAborted, err)
		}
		w, err := rw.w.Write(p[written : written+n])
		written += w
		if err != nil {
			return written, err
		}
		if w < n {
			return written, io.ErrShortWrite
		}
	}
	return written, nil
}
