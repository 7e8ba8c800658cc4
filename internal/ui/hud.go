package ui

import (
	"fmt"
	"io"
	"path/filepath"
	"time"

	"github.com/bamsammich/duplex/internal/stats"
)

// ANSI escape sequences.
const (
	ansiDim   = "\033[2m"
	ansiReset = "\033[0m"
)

// hudPresenter provides a rich TTY display: an optional scrolling feed of
// persisted chunks and a 2-line HUD that redraws in place.
type hudPresenter struct {
	w     io.Writer
	stats stats.ReadTicker
	feed  bool // print a line per persisted chunk
	depth int
	width int // terminal columns; 0 keeps the default bar width

	// Internal state.
	hudDrawn     bool
	hudLineCount int // actual number of lines in the last HUD draw
	rateMode     bool
	rateSwitched bool // whether we've printed the switch notice
	inFlight     int  // chunks handed off but not yet persisted
	lastHUDDraw  time.Time
}

const (
	rateThreshHigh   = 200.0
	rateThreshLow    = 100.0
	sparklineWidth   = 20
	progressBarWidth = 20
	minBarWidth      = 10
	maxBarWidth      = 60
	hudLineReserve   = 44 // columns of line 2 that are not the bar or slots
	maxPathWidth     = 48
	hudMinInterval   = 50 * time.Millisecond // don't redraw faster than this
)

func (p *hudPresenter) Run(events <-chan Event) error {
	// Fire first tick quickly to seed the ring buffer with initial speed data,
	// then switch to 1s interval.
	secTicker := time.NewTicker(250 * time.Millisecond)
	defer secTicker.Stop()
	firstTickDone := false

	// Redraw ticker for when no events are flowing (slow destination).
	redrawTicker := time.NewTicker(100 * time.Millisecond)
	defer redrawTicker.Stop()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				p.clearHUD()
				return nil
			}
			p.handleEvent(ev)
			p.maybeDrawHUD()

		case <-redrawTicker.C:
			p.maybeSwitch()
			p.drawHUD()

		case <-secTicker.C:
			p.stats.Tick()
			if !firstTickDone {
				firstTickDone = true
				secTicker.Reset(1 * time.Second)
			}
		}
	}
}

func (p *hudPresenter) handleEvent(ev Event) {
	switch ev.Type {
	case CopyStarted:
		p.inFlight = 0

	case ChunkHandedOff:
		p.inFlight = min(p.inFlight+1, p.depth)

	case ChunkPersisted:
		p.inFlight = max(p.inFlight-1, 0)
		if p.feed && !p.rateMode {
			p.clearHUD()
			p.printChunk(ev)
			p.drawHUD() // always redraw HUD after feed line
		}

	case CopyCompleted:
		p.inFlight = 0
		p.clearHUD()
		speed := p.stats.RollingSpeed(5)
		fmt.Fprintf(p.w, "✓  %s  %10s  %s\n",
			styledPath(ev.Path), FormatBytes(ev.Size), FormatRate(speed))

	case CopyFailed:
		p.inFlight = 0
		p.clearHUD()
		errMsg := "error"
		if ev.Error != nil {
			errMsg = ev.Error.Error()
		}
		fmt.Fprintf(p.w, "✗  %s  %10s  %s\n",
			styledPath(ev.Path), FormatBytes(ev.Size), errMsg)

	case VerifyStarted:
		p.clearHUD()
		fmt.Fprintf(p.w, "%sverifying checksums...%s\n", ansiDim, ansiReset)

	case VerifyOK:
		// Only the summary reports a clean verify.

	case VerifyFailed:
		p.clearHUD()
		fmt.Fprintf(p.w, "✗  %s  CHECKSUM MISMATCH\n", styledPath(ev.Path))
	}
}

func (p *hudPresenter) printChunk(ev Event) {
	fmt.Fprintf(p.w, "%s·%s  chunk %-6d %10s  %s@%s%s\n",
		ansiDim, ansiReset, ev.Seq, FormatBytes(ev.Size),
		ansiDim, FormatBytes(ev.Offset), ansiReset)
}

// maybeSwitch drops the per-chunk feed when chunks arrive too fast to read
// and restores it once they slow down.
func (p *hudPresenter) maybeSwitch() {
	if !p.feed {
		return
	}

	cps := p.stats.RollingChunksPerSec(2)

	if !p.rateMode && cps > rateThreshHigh {
		p.rateMode = true
		if !p.rateSwitched {
			p.rateSwitched = true
			p.clearHUD()
			fmt.Fprintf(p.w, "↯ rate view (%s chunks/s · use a larger --chunk-size to see individual chunks)\n",
				FormatCount(int64(cps)))
		}
	} else if p.rateMode && cps < rateThreshLow {
		p.rateMode = false
	}
}

// maybeDrawHUD redraws the HUD if enough time has passed since the last draw.
func (p *hudPresenter) maybeDrawHUD() {
	now := time.Now()
	if now.Sub(p.lastHUDDraw) < hudMinInterval {
		return
	}
	p.drawHUD()
}

func (p *hudPresenter) drawHUD() {
	snap := p.stats.Snapshot()

	// Clear previous HUD if drawn.
	p.clearHUD()

	var pct float64
	if snap.BytesTotal > 0 {
		pct = float64(snap.BytesWritten) / float64(snap.BytesTotal)
	}

	speed := p.stats.RollingSpeed(10)
	eta := p.stats.ETA()

	// Line 1: throughput sparkline + speed + byte totals.
	sparkData := p.stats.SparklineData(sparklineWidth)
	spark := Sparkline(sparkData, sparklineWidth)
	fmt.Fprintf(p.w, "       %s   %s   %s / %s\n",
		spark, FormatRate(speed),
		FormatBytes(snap.BytesWritten), FormatBytes(snap.BytesTotal))

	// Line 2: progress bar (▪/□) + slot ring + chunks + eta.
	bar := ProgressBar(pct, p.barWidth())
	fmt.Fprintf(p.w, " %3.0f%%  %s   slots %s   %s chunks   eta %s\n",
		pct*100, bar,
		SlotIndicator(p.inFlight, p.depth),
		FormatCount(snap.ChunksWritten),
		FormatETA(eta))

	p.hudDrawn = true
	p.hudLineCount = 2
	p.lastHUDDraw = time.Now()
}

// barWidth fits the progress bar to the terminal so line 2 does not wrap.
func (p *hudPresenter) barWidth() int {
	if p.width <= 0 {
		return progressBarWidth
	}
	return min(max(p.width-hudLineReserve-p.depth, minBarWidth), maxBarWidth)
}

func (p *hudPresenter) clearHUD() {
	if !p.hudDrawn {
		return
	}
	lines := p.hudLineCount
	if lines == 0 {
		lines = 2 // fallback
	}
	// Move cursor up N lines and clear to end of screen.
	fmt.Fprintf(p.w, "\033[%dA\033[J", lines)
	p.hudDrawn = false
}

func (p *hudPresenter) Summary() string {
	return CompletionSummary(p.stats.Snapshot())
}

// styledPath returns the path with the directory portion dimmed and the
// filename in normal weight, making the actual filename stand out.
func styledPath(path string) string {
	path = truncPath(path, maxPathWidth)
	dir := filepath.Dir(path)
	base := filepath.Base(path)
	if dir == "." || dir == "" {
		return base
	}
	return fmt.Sprintf("%s%s/%s%s", ansiDim, dir, ansiReset, base)
}

// truncPath shortens a path to fit within maxLen characters.
func truncPath(path string, maxLen int) string {
	if len(path) <= maxLen {
		return path
	}
	if maxLen <= 3 {
		return path[:maxLen]
	}
	return "..." + path[len(path)-maxLen+3:]
}
