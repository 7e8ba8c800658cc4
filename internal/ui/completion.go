package ui

import (
	"fmt"

	"github.com/bamsammich/duplex/internal/stats"
)

// CompletionSummary builds a final summary line from a snapshot.
// Format: done ✓  size 19.1 MiB  chunks 3  avg 641 MB/s  time 3s  errors 0
func CompletionSummary(snap stats.Snapshot) string {
	avgSpeed := 0.0
	if snap.Elapsed.Seconds() > 0 {
		avgSpeed = float64(snap.BytesWritten) / snap.Elapsed.Seconds()
	}

	icon := "✓"
	if snap.Failures > 0 || snap.VerifyFailed > 0 {
		icon = "✗"
	}

	base := fmt.Sprintf("done %s  size %s  chunks %s  avg %s  time %s",
		icon,
		FormatBytes(snap.BytesWritten),
		FormatCount(snap.ChunksWritten),
		FormatRate(avgSpeed),
		FormatDuration(snap.Elapsed),
	)

	if snap.BytesTotal > 0 && snap.BytesWritten < snap.BytesTotal {
		base += fmt.Sprintf("  of %s", FormatBytes(snap.BytesTotal))
	}

	if snap.Verified > 0 || snap.VerifyFailed > 0 {
		base += "  verified"
		if snap.VerifyFailed > 0 {
			base += " MISMATCH"
		}
	}

	base += fmt.Sprintf("  errors %d", snap.Failures+snap.VerifyFailed)

	return base
}
