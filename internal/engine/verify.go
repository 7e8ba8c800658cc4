package engine

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/bamsammich/duplex/internal/event"
)

// verify checksums source and destination concurrently and compares them.
func (p *pipeline) verify(ctx context.Context) error {
	srcH, ok := p.cfg.Src.(Hasher)
	if !ok {
		return fmt.Errorf("verify: source %s cannot be hashed", p.srcName)
	}
	dstH, ok := p.cfg.Dst.(Hasher)
	if !ok {
		return fmt.Errorf("verify: destination %s cannot be hashed", p.dstName)
	}
	alg := p.cfg.HashAlgorithm
	if alg == "" {
		alg = HashBLAKE3
	}

	p.emit(event.Event{Type: event.VerifyStarted, Worker: event.Coordinator, Path: p.dstName})

	var srcSum, dstSum string
	g, _ := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		srcSum, err = srcH.Hash(alg)
		return err
	})
	g.Go(func() (err error) {
		dstSum, err = dstH.Hash(alg)
		return err
	})
	if err := g.Wait(); err != nil {
		return fmt.Errorf("verify: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrAborted, err)
	}

	if srcSum != dstSum {
		err := fmt.Errorf("%w: %s %s=%s, %s %s=%s",
			ErrVerifyMismatch, p.srcName, alg, srcSum, p.dstName, alg, dstSum)
		p.stats.AddVerifyFailed(1)
		p.emit(event.Event{Type: event.VerifyFailed, Worker: event.Coordinator, Path: p.dstName, Error: err})
		return err
	}

	p.stats.AddVerified(1)
	p.emit(event.Event{Type: event.VerifyOK, Worker: event.Coordinator, Path: p.dstName})
	p.log.Debug("verified", "alg", alg, "sum", dstSum)
	return nil
}
