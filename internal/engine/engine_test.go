package engine

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zeebo/blake3"

	"github.com/bamsammich/duplex/internal/event"
	"github.com/bamsammich/duplex/internal/stats"
)

func hashFile(t *testing.T, path string) []byte {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	h := blake3.Sum256(data)
	return h[:]
}

func TestEngine_RoundTrip(t *testing.T) {
	const chunk = 4096
	tests := []struct {
		name  string
		size  int
		depth int
	}{
		{name: "single byte", size: 1},
		{name: "smaller than chunk", size: 1000},
		{name: "exactly one chunk", size: chunk},
		{name: "one chunk plus one", size: chunk + 1},
		{name: "several chunks plus remainder", size: 5*chunk + 123},
		{name: "exact multiple", size: 8 * chunk},
		{name: "double buffered", size: 9*chunk + 17, depth: 2},
		{name: "triple buffered", size: 9*chunk + 17, depth: 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			src, data := writeRandomFile(t, dir, "infile", tt.size)
			dst := filepath.Join(dir, "outfile")

			result := Run(context.Background(), Config{
				Src:       FileSource{Path: src},
				Dst:       FileDestination{Path: dst},
				ChunkSize: chunk,
				Depth:     tt.depth,
			})
			require.NoError(t, result.Err)
			assert.True(t, result.Completed())

			got, err := os.ReadFile(dst)
			require.NoError(t, err)
			assert.Equal(t, data, got)

			wantChunks := (tt.size + chunk - 1) / chunk
			assert.Equal(t, int64(tt.size), result.Progress.BytesWritten)
			assert.Equal(t, wantChunks, result.Progress.ChunksWritten)
			assert.Equal(t, int64(wantChunks), result.Stats.ChunksWritten)
			assert.Equal(t, int64(tt.size), result.Stats.BytesWritten)
			assert.Equal(t, int64(tt.size), result.Stats.BytesRead)
		})
	}
}

func TestEngine_EmptySource(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "infile")
	require.NoError(t, os.WriteFile(src, nil, 0o644))
	dst := filepath.Join(dir, "outfile")
	require.NoError(t, os.WriteFile(dst, []byte("stale"), 0o644))

	result := Run(context.Background(), Config{
		Src: FileSource{Path: src},
		Dst: FileDestination{Path: dst},
	})
	require.NoError(t, result.Err)

	got, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.Zero(t, result.Progress.ChunksWritten)
}

func TestEngine_TruncatesExistingDestination(t *testing.T) {
	dir := t.TempDir()
	src, data := writeRandomFile(t, dir, "infile", 100)
	dst := filepath.Join(dir, "outfile")
	require.NoError(t, os.WriteFile(dst, make([]byte, 1000), 0o644))

	result := Run(context.Background(), Config{
		Src: FileSource{Path: src},
		Dst: FileDestination{Path: dst},
	})
	require.NoError(t, result.Err)

	got, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestEngine_Scenario20MB(t *testing.T) {
	if testing.Short() {
		t.Skip("writes 40 MB")
	}
	dir := t.TempDir()
	src, _ := writeRandomFile(t, dir, "infile", 20_000_000)
	dst := filepath.Join(dir, "outfile")
	events, getEvents := collectEvents(t)

	result := Run(context.Background(), Config{
		Src:       FileSource{Path: src},
		Dst:       FileDestination{Path: dst},
		ChunkSize: 8_388_608,
		Events:    events,
	})
	require.NoError(t, result.Err)
	assert.Equal(t, int64(20_000_000), result.Progress.BytesWritten)
	assert.Equal(t, hashFile(t, src), hashFile(t, dst))

	evs := getEvents()
	persisted := filterEvents(evs, event.ChunkPersisted)
	require.Len(t, persisted, 3)
	wantSizes := []int64{8_388_608, 8_388_608, 3_222_784}
	wantOffsets := []int64{0, 8_388_608, 16_777_216}
	for i, ev := range persisted {
		assert.Equal(t, i, ev.Seq)
		assert.Equal(t, wantSizes[i], ev.Size)
		assert.Equal(t, wantOffsets[i], ev.Offset)
		assert.Equal(t, event.Writer, ev.Worker)
	}

	read := filterEvents(evs, event.ChunkRead)
	require.Len(t, read, 3)
	for i, ev := range read {
		assert.Equal(t, wantSizes[i], ev.Size)
	}

	require.Len(t, filterEvents(evs, event.CopyStarted), 1)
	completed := filterEvents(evs, event.CopyCompleted)
	require.Len(t, completed, 1)
	assert.Equal(t, int64(20_000_000), completed[0].Size)
}

func TestEngine_EventOrderPerWorker(t *testing.T) {
	dir := t.TempDir()
	src, _ := writeRandomFile(t, dir, "infile", 10*512+1)
	events, getEvents := collectEvents(t)

	result := Run(context.Background(), Config{
		Src:       FileSource{Path: src},
		Dst:       FileDestination{Path: filepath.Join(dir, "outfile")},
		ChunkSize: 512,
		Events:    events,
	})
	require.NoError(t, result.Err)

	evs := getEvents()
	assert.Equal(t, event.CopyStarted, evs[0].Type)
	assert.Equal(t, event.CopyCompleted, evs[len(evs)-1].Type)

	var readSeq, handedSeq, persistSeq int
	for _, ev := range evs {
		switch ev.Type {
		case event.ChunkRead:
			assert.Equal(t, readSeq, ev.Seq)
			readSeq++
		case event.ChunkHandedOff:
			assert.Equal(t, handedSeq, ev.Seq)
			handedSeq++
		case event.ChunkPersisted:
			assert.Equal(t, persistSeq, ev.Seq)
			persistSeq++
		}
	}
	assert.Equal(t, 11, readSeq)
	assert.Equal(t, 11, handedSeq)
	assert.Equal(t, 11, persistSeq)
}

func TestEngine_MissingSource(t *testing.T) {
	dir := t.TempDir()
	dst := filepath.Join(dir, "outfile")
	events, getEvents := collectEvents(t)

	result := Run(context.Background(), Config{
		Src:    FileSource{Path: filepath.Join(dir, "nope")},
		Dst:    FileDestination{Path: dst},
		Events: events,
	})
	require.ErrorIs(t, result.Err, ErrSourceUnavailable)
	require.ErrorIs(t, result.Err, os.ErrNotExist)
	assert.False(t, result.Completed())

	// No worker ran: the destination was never created.
	_, err := os.Stat(dst)
	require.ErrorIs(t, err, os.ErrNotExist)

	evs := getEvents()
	require.Len(t, evs, 1)
	assert.Equal(t, event.CopyFailed, evs[0].Type)
	assert.Equal(t, int64(1), result.Stats.Failures)
}

func TestEngine_SourceIsDirectory(t *testing.T) {
	dir := t.TempDir()
	result := Run(context.Background(), Config{
		Src: FileSource{Path: dir},
		Dst: FileDestination{Path: filepath.Join(dir, "outfile")},
	})
	require.ErrorIs(t, result.Err, ErrSourceUnavailable)
}

func TestEngine_SourceOpenFails(t *testing.T) {
	src := newMemSource([]byte("hello"))
	src.openErr = os.ErrPermission
	dst := newMemDest()

	result := runWithDeadline(t, Config{Src: src, Dst: dst, ChunkSize: 2})
	require.ErrorIs(t, result.Err, ErrSourceUnavailable)
	require.ErrorIs(t, result.Err, os.ErrPermission)
	assert.True(t, dst.discarded)
	assert.False(t, dst.committed)
}

func TestEngine_DestinationUnavailable(t *testing.T) {
	dir := t.TempDir()
	src, _ := writeRandomFile(t, dir, "infile", 64*1024)

	// Reader fills the only slot and then has to be woken by the abort.
	result := runWithDeadline(t, Config{
		Src:       FileSource{Path: src},
		Dst:       FileDestination{Path: filepath.Join(dir, "missing", "outfile")},
		ChunkSize: 1024,
	})
	require.ErrorIs(t, result.Err, ErrDestinationUnavailable)
	assert.False(t, errors.Is(result.Err, ErrAborted), "first failure must be surfaced, not the woken side")
	assert.Zero(t, result.Progress.BytesWritten)
	assert.LessOrEqual(t, result.Progress.ChunksRead, 1)
}

func TestEngine_ShortRead(t *testing.T) {
	src := newMemSource(make([]byte, 1000))
	src.size = 1500
	dst := newMemDest()

	result := runWithDeadline(t, Config{Src: src, Dst: dst, ChunkSize: 256})
	require.ErrorIs(t, result.Err, ErrShortRead)
	assert.Less(t, result.Progress.BytesWritten, int64(1500))
	assert.True(t, dst.discarded)
}

func TestEngine_ReadError(t *testing.T) {
	boom := errors.New("media error")
	src := newMemSource(make([]byte, 4096))
	src.readErr = boom
	dst := newMemDest()

	result := runWithDeadline(t, Config{Src: src, Dst: dst, ChunkSize: 1024})
	require.ErrorIs(t, result.Err, boom)
	assert.False(t, errors.Is(result.Err, ErrShortRead))
}

func TestEngine_ShortWrite(t *testing.T) {
	src := newMemSource(make([]byte, 4096))
	dst := newMemDest()
	dst.shortAfter = 1024

	result := runWithDeadline(t, Config{Src: src, Dst: dst, ChunkSize: 1024})
	require.ErrorIs(t, result.Err, ErrShortWrite)
	assert.Equal(t, int64(1024), result.Progress.BytesWritten)
	// Partial output is left as-is.
	assert.Len(t, dst.Bytes(), 1024+512)
	assert.True(t, dst.discarded)
}

func TestEngine_Cancelled(t *testing.T) {
	dir := t.TempDir()
	src, _ := writeRandomFile(t, dir, "infile", 256*1024)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result := Run(ctx, Config{
		Src:       FileSource{Path: src},
		Dst:       FileDestination{Path: filepath.Join(dir, "outfile")},
		ChunkSize: 1024,
	})
	require.ErrorIs(t, result.Err, ErrAborted)
	require.ErrorIs(t, result.Err, context.Canceled)
	assert.False(t, result.Completed())
}

func TestEngine_CancelDuringBandwidthLimitedCopy(t *testing.T) {
	dir := t.TempDir()
	src, _ := writeRandomFile(t, dir, "infile", 64*1024)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	result := Run(ctx, Config{
		Src:       FileSource{Path: src},
		Dst:       FileDestination{Path: filepath.Join(dir, "outfile")},
		ChunkSize: 4096,
		BWLimit:   1024, // would take a minute
	})
	require.ErrorIs(t, result.Err, ErrAborted)
	assert.Less(t, time.Since(start), 10*time.Second)
}

func TestEngine_BandwidthLimit(t *testing.T) {
	dir := t.TempDir()
	src, data := writeRandomFile(t, dir, "infile", 12*1024)
	dst := filepath.Join(dir, "outfile")

	start := time.Now()
	result := Run(context.Background(), Config{
		Src:       FileSource{Path: src},
		Dst:       FileDestination{Path: dst},
		ChunkSize: 4096,
		BWLimit:   8 * 1024,
	})
	require.NoError(t, result.Err)
	// 8 KiB burst is free, the remaining 4 KiB takes ~500ms.
	assert.Greater(t, time.Since(start), 300*time.Millisecond)

	got, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestEngine_InvalidChunkSize(t *testing.T) {
	dir := t.TempDir()
	src, _ := writeRandomFile(t, dir, "infile", 10)
	dst := filepath.Join(dir, "outfile")

	result := Run(context.Background(), Config{
		Src:       FileSource{Path: src},
		Dst:       FileDestination{Path: dst},
		ChunkSize: -1,
	})
	require.ErrorIs(t, result.Err, ErrSynchronization)
	_, err := os.Stat(dst)
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestEngine_AtomicSuccess(t *testing.T) {
	dir := t.TempDir()
	src, data := writeRandomFile(t, dir, "infile", 10_000)
	dst := filepath.Join(dir, "outfile")

	result := Run(context.Background(), Config{
		Src:       FileSource{Path: src},
		Dst:       FileDestination{Path: dst, Atomic: true, Preallocate: true},
		ChunkSize: 1024,
	})
	require.NoError(t, result.Err)

	got, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, data, got)
	assert.Empty(t, findTmpFiles(t, dir))
	assert.Empty(t, PendingTmpFiles())
}

func TestEngine_AtomicFailureLeavesDestinationUntouched(t *testing.T) {
	dir := t.TempDir()
	dst := filepath.Join(dir, "outfile")
	require.NoError(t, os.WriteFile(dst, []byte("previous"), 0o644))

	src := newMemSource(make([]byte, 1000))
	src.size = 5000

	result := runWithDeadline(t, Config{
		Src:       src,
		Dst:       FileDestination{Path: dst, Atomic: true},
		ChunkSize: 512,
	})
	require.ErrorIs(t, result.Err, ErrShortRead)

	got, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, []byte("previous"), got)
	assert.Empty(t, findTmpFiles(t, dir))
}

func TestEngine_Verify(t *testing.T) {
	for _, alg := range []HashAlgorithm{HashBLAKE3, HashXXH64} {
		t.Run(string(alg), func(t *testing.T) {
			dir := t.TempDir()
			src, _ := writeRandomFile(t, dir, "infile", 3000)
			events, getEvents := collectEvents(t)
			collector := stats.NewCollector()

			result := Run(context.Background(), Config{
				Src:           FileSource{Path: src},
				Dst:           FileDestination{Path: filepath.Join(dir, "outfile")},
				ChunkSize:     1024,
				Verify:        true,
				HashAlgorithm: alg,
				Events:        events,
				Stats:         collector,
			})
			require.NoError(t, result.Err)
			assert.Equal(t, int64(1), collector.Snapshot().Verified)

			evs := getEvents()
			require.Len(t, filterEvents(evs, event.VerifyStarted), 1)
			require.Len(t, filterEvents(evs, event.VerifyOK), 1)
		})
	}
}

func TestEngine_VerifyMismatch(t *testing.T) {
	src := newMemSource([]byte("payload"))
	dst := newMemDest()
	dst.hashOverride = "deadbeef"
	events, getEvents := collectEvents(t)

	result := Run(context.Background(), Config{
		Src:    src,
		Dst:    dst,
		Verify: true,
		Events: events,
	})
	require.ErrorIs(t, result.Err, ErrVerifyMismatch)
	assert.Equal(t, int64(1), result.Stats.VerifyFailed)
	// The bytes themselves were copied.
	assert.Equal(t, []byte("payload"), dst.Bytes())

	evs := getEvents()
	require.Len(t, filterEvents(evs, event.VerifyFailed), 1)
	require.Len(t, filterEvents(evs, event.CopyFailed), 1)
}

func TestEngine_InjectedCollectorAndLogger(t *testing.T) {
	src := newMemSource(make([]byte, 3000))
	dst := newMemDest()
	collector := stats.NewCollector()

	result := Run(context.Background(), Config{
		Src:       src,
		Dst:       dst,
		ChunkSize: 1000,
		Stats:     collector,
		Logger:    discardLogger(),
	})
	require.NoError(t, result.Err)

	snap := collector.Snapshot()
	assert.Equal(t, int64(3000), snap.BytesTotal)
	assert.Equal(t, int64(3), snap.ChunksRead)
	assert.Equal(t, int64(3), snap.ChunksHandedOff)
	assert.Equal(t, int64(3), snap.ChunksWritten)
	assert.True(t, dst.committed)
	assert.False(t, dst.discarded)
}

func TestEngine_SlowSinkWithinStallTimeout(t *testing.T) {
	data := []byte("0123456789abcdef")
	src := newMemSource(data)
	dst := newMemDest()
	dst.writeDelay = 100 * time.Millisecond

	// Every chunk takes longer to persist than the stall timeout, but the
	// writer keeps releasing chunks, so the copy is progressing.
	result := runWithDeadline(t, Config{
		Src:          src,
		Dst:          dst,
		ChunkSize:    4,
		StallTimeout: 60 * time.Millisecond,
	})
	require.NoError(t, result.Err)
	assert.Equal(t, int64(16), result.Progress.BytesWritten)
	assert.Equal(t, data, dst.Bytes())
}

func TestEngine_SlowSourceStalls(t *testing.T) {
	src := newMemSource(make([]byte, 16))
	src.readDelay = 300 * time.Millisecond
	dst := newMemDest()

	result := runWithDeadline(t, Config{
		Src:          src,
		Dst:          dst,
		ChunkSize:    4,
		StallTimeout: 50 * time.Millisecond,
	})
	require.ErrorIs(t, result.Err, ErrStalled)
	assert.Zero(t, result.Progress.BytesWritten)
	assert.True(t, dst.discarded)
}

// runWithDeadline runs the engine and fails the test if it deadlocks.
func runWithDeadline(t *testing.T, cfg Config) Result {
	t.Helper()
	done := make(chan Result, 1)
	go func() { done <- Run(context.Background(), cfg) }()
	select {
	case r := <-done:
		return r
	case <-time.After(10 * time.Second):
		t.Fatal("copy did not terminate")
		return Result{}
	}
}
