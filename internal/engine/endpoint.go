package engine

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/bamsammich/duplex/internal/platform"
)

// TmpSuffix marks in-progress destination files written in atomic mode.
const TmpSuffix = ".duplex-tmp"

// Source is the read side of a copy: a sequential byte stream whose length
// is known up front.
type Source interface {
	// Size returns the number of bytes Open will yield.
	Size() (int64, error)
	// Open returns a fresh reader positioned at the start of the stream.
	Open() (io.ReadCloser, error)
}

// Destination is the write side of a copy.
type Destination interface {
	// Create returns a sink that will receive exactly size bytes.
	Create(size int64) (Sink, error)
}

// Sink receives the copied bytes. Exactly one of Commit or Discard is called.
type Sink interface {
	io.Writer
	// Commit makes the written bytes durable and visible at the destination.
	Commit() error
	// Discard releases the sink after a failed copy.
	Discard() error
}

// Hasher is implemented by endpoints that can checksum their content.
type Hasher interface {
	Hash(alg HashAlgorithm) (string, error)
}

// FileSource reads a regular file.
type FileSource struct {
	Path string
}

// Size stats the file. Directories and other non-regular files are rejected.
func (s FileSource) Size() (int64, error) {
	info, err := os.Stat(s.Path)
	if err != nil {
		return 0, err
	}
	if !info.Mode().IsRegular() {
		return 0, fmt.Errorf("%s is not a regular file", s.Path)
	}
	return info.Size(), nil
}

// Open opens the file for sequential reading.
func (s FileSource) Open() (io.ReadCloser, error) {
	f, err := os.Open(s.Path)
	if err != nil {
		return nil, err
	}
	platform.AdviseSequential(f)
	return f, nil
}

// Hash checksums the file.
func (s FileSource) Hash(alg HashAlgorithm) (string, error) {
	return HashFile(s.Path, alg)
}

func (s FileSource) String() string { return s.Path }

// FileDestination writes a regular file.
type FileDestination struct {
	Path string
	Perm os.FileMode // default 0644

	// Atomic writes to a temporary sibling and renames it over Path on
	// commit. A failed copy leaves Path untouched.
	Atomic bool
	// Preallocate reserves the full size up front.
	Preallocate bool
}

// Create truncates Path (or creates the temporary sibling in atomic mode).
func (d FileDestination) Create(size int64) (Sink, error) {
	perm := d.Perm
	if perm == 0 {
		perm = 0o644
	}

	if !d.Atomic {
		f, err := os.OpenFile(d.Path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
		if err != nil {
			return nil, err
		}
		if d.Preallocate {
			platform.Preallocate(f, size)
		}
		return &fileSink{f: f}, nil
	}

	dir := filepath.Dir(d.Path)
	base := filepath.Base(d.Path)
	tmpPath := filepath.Join(dir, fmt.Sprintf(".%s.%s%s", base, uuid.New().String()[:8], TmpSuffix))

	RegisterTmp(tmpPath)
	f, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, perm)
	if err != nil {
		DeregisterTmp(tmpPath)
		return nil, err
	}
	if d.Preallocate {
		platform.Preallocate(f, size)
	}
	return &fileSink{f: f, tmpPath: tmpPath, finalPath: d.Path}, nil
}

// Hash checksums the destination file.
func (d FileDestination) Hash(alg HashAlgorithm) (string, error) {
	return HashFile(d.Path, alg)
}

func (d FileDestination) String() string { return d.Path }

type fileSink struct {
	f         *os.File
	tmpPath   string // set in atomic mode
	finalPath string
}

func (s *fileSink) Write(p []byte) (int, error) {
	return s.f.Write(p)
}

func (s *fileSink) Commit() error {
	if err := s.f.Sync(); err != nil {
		s.f.Close()
		s.cleanup()
		return fmt.Errorf("sync %s: %w", s.f.Name(), err)
	}
	if err := s.f.Close(); err != nil {
		s.cleanup()
		return fmt.Errorf("close %s: %w", s.f.Name(), err)
	}
	if s.tmpPath == "" {
		return nil
	}
	defer DeregisterTmp(s.tmpPath)
	if err := os.Rename(s.tmpPath, s.finalPath); err != nil {
		_ = os.Remove(s.tmpPath)
		return fmt.Errorf("rename %s: %w", s.finalPath, err)
	}
	return nil
}

// Discard closes the file. Partial output is kept unless the sink is atomic.
func (s *fileSink) Discard() error {
	err := s.f.Close()
	s.cleanup()
	if errors.Is(err, os.ErrClosed) {
		return nil
	}
	return err
}

func (s *fileSink) cleanup() {
	if s.tmpPath == "" {
		return
	}
	_ = os.Remove(s.tmpPath)
	DeregisterTmp(s.tmpPath)
}
