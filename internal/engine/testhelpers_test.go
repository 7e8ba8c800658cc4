package engine

import (
	"bytes"
	"crypto/rand"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/bamsammich/duplex/internal/event"
)

// writeRandomFile creates a file of size random bytes under dir and returns
// its path and content.
func writeRandomFile(t *testing.T, dir, name string, size int) (string, []byte) {
	t.Helper()
	data := make([]byte, size)
	_, err := rand.Read(data)
	require.NoError(t, err)
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path, data
}

// collectEvents creates a buffered event channel that records all events.
// The getter closes the channel and waits for the drain goroutine, so it is
// safe to read the slice. It may be called at most once.
func collectEvents(t *testing.T) (chan<- event.Event, func() []event.Event) {
	t.Helper()
	ch := make(chan event.Event, 4096)
	var collected []event.Event
	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range ch {
			collected = append(collected, ev)
		}
	}()
	var once sync.Once
	drain := func() {
		once.Do(func() { close(ch) })
		<-done
	}
	t.Cleanup(drain)
	return ch, func() []event.Event {
		drain()
		return collected
	}
}

// filterEvents returns the events of type typ, in emission order.
func filterEvents(events []event.Event, typ event.Type) []event.Event {
	var out []event.Event
	for _, ev := range events {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

// findTmpFiles returns any in-progress temporary files under root.
func findTmpFiles(t *testing.T, root string) []string {
	t.Helper()
	entries, err := os.ReadDir(root)
	require.NoError(t, err)
	var found []string
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), TmpSuffix) {
			found = append(found, filepath.Join(root, e.Name()))
		}
	}
	return found
}

// memSource serves data from memory. size overrides the reported length
// when non-negative, letting tests declare more bytes than exist.
type memSource struct {
	data      []byte
	size      int64
	sizeErr   error
	openErr   error
	readErr   error // returned once the first read has been served
	readDelay time.Duration
}

func newMemSource(data []byte) *memSource {
	return &memSource{data: data, size: -1}
}

func (s *memSource) Size() (int64, error) {
	if s.sizeErr != nil {
		return 0, s.sizeErr
	}
	if s.size >= 0 {
		return s.size, nil
	}
	return int64(len(s.data)), nil
}

func (s *memSource) Open() (io.ReadCloser, error) {
	if s.openErr != nil {
		return nil, s.openErr
	}
	var r io.Reader = bytes.NewReader(s.data)
	if s.readErr != nil {
		r = &failingReader{r: r, err: s.readErr}
	}
	if s.readDelay > 0 {
		r = &slowReader{r: r, delay: s.readDelay}
	}
	return io.NopCloser(r), nil
}

func (s *memSource) Hash(alg HashAlgorithm) (string, error) {
	return HashReader(bytes.NewReader(s.data), alg)
}

func (s *memSource) String() string { return "mem-src" }

type slowReader struct {
	r     io.Reader
	delay time.Duration
}

func (s *slowReader) Read(p []byte) (int, error) {
	time.Sleep(s.delay)
	return s.r.Read(p)
}

type failingReader struct {
	r      io.Reader
	err    error
	served bool
}

func (f *failingReader) Read(p []byte) (int, error) {
	if f.served {
		return 0, f.err
	}
	f.served = true
	return f.r.Read(p)
}

// memDest collects written bytes in memory. With shortAfter >= 0 the sink
// accepts only half of any write once that many bytes have been stored.
// Every write sleeps for writeDelay first.
type memDest struct {
	mu           sync.Mutex
	buf          bytes.Buffer
	createErr    error
	shortAfter   int64
	writeDelay   time.Duration
	hashOverride string
	committed    bool
	discarded    bool
}

func newMemDest() *memDest { return &memDest{shortAfter: -1} }

func (d *memDest) Create(_ int64) (Sink, error) {
	if d.createErr != nil {
		return nil, d.createErr
	}
	return &memSink{d: d}, nil
}

func (d *memDest) Bytes() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return bytes.Clone(d.buf.Bytes())
}

func (d *memDest) Hash(alg HashAlgorithm) (string, error) {
	if d.hashOverride != "" {
		return d.hashOverride, nil
	}
	return HashReader(bytes.NewReader(d.Bytes()), alg)
}

func (d *memDest) String() string { return "mem-dst" }

type memSink struct {
	d *memDest
}

func (s *memSink) Write(p []byte) (int, error) {
	time.Sleep(s.d.writeDelay)
	s.d.mu.Lock()
	defer s.d.mu.Unlock()
	if s.d.shortAfter >= 0 && int64(s.d.buf.Len()) >= s.d.shortAfter {
		half := len(p) / 2
		s.d.buf.Write(p[:half])
		return half, errors.New("device full")
	}
	return s.d.buf.Write(p)
}

func (s *memSink) Commit() error {
	s.d.mu.Lock()
	defer s.d.mu.Unlock()
	s.d.committed = true
	return nil
}

func (s *memSink) Discard() error {
	s.d.mu.Lock()
	defer s.d.mu.Unlock()
	s.d.discarded = true
	return nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
