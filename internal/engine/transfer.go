package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// DefaultChunkSize is the slot capacity used when none is configured.
const DefaultChunkSize = 8 << 20 // 8 MiB

// SlotState is the status of one slot in the handoff ring.
type SlotState int

const (
	SlotEmpty   SlotState = iota // drained, producer may fill
	SlotFull                     // holds an unconsumed chunk
	SlotAborted                  // transfer failed, nobody may touch it
)

func (s SlotState) String() string {
	switch s {
	case SlotEmpty:
		return "empty"
	case SlotFull:
		return "full"
	case SlotAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// TransferOptions sizes the shared handoff state.
type TransferOptions struct {
	ChunkSize    int           // slot capacity in bytes (default 8 MiB)
	Depth        int           // number of slots (default 1)
	StallTimeout time.Duration // abort after this long without progress; 0 disables
}

type slot struct {
	buf   []byte
	fill  int
	seq   int
	state SlotState
}

// Chunk is a view of a full slot handed to the consumer by Acquire. Data is
// valid until the chunk is passed back to Release.
type Chunk struct {
	Data []byte
	Seq  int
	slot int
}

// Progress is a consistent snapshot of the transfer counters.
type Progress struct {
	TotalSize     int64
	BytesRead     int64 // bytes placed into slots by the producer
	BytesWritten  int64 // bytes persisted and released by the consumer
	ChunksRead    int
	ChunksWritten int
	Pending       int // slots currently full
	Aborted       bool
}

// Transfer is the state shared by the reader and writer workers for one
// copy. Every access to a slot's buffer, fill level or state and to the
// byte counters happens with mu held, or, for a slot handed out by Acquire,
// while the slot is marked full and therefore off limits to the producer.
type Transfer struct {
	mu       sync.Mutex
	canRead  *sync.Cond // a slot became empty
	canWrite *sync.Cond // a slot became full

	slots []slot
	head  int // next slot to drain
	tail  int // next slot to fill

	totalSize     int64
	bytesRead     int64
	bytesWritten  int64
	chunksRead    int
	chunksWritten int
	pending       int

	cause        error
	stallTimeout time.Duration
	lastProgress time.Time // last publish, acquire or release
	held         bool      // consumer has an acquired chunk out
}

// NewTransfer allocates the slot ring for a copy of total bytes.
func NewTransfer(total int64, opts TransferOptions) (*Transfer, error) {
	if total < 0 {
		return nil, fmt.Errorf("%w: negative total size %d", ErrSynchronization, total)
	}
	if opts.ChunkSize == 0 {
		opts.ChunkSize = DefaultChunkSize
	}
	if opts.Depth == 0 {
		opts.Depth = 1
	}
	if opts.ChunkSize < 0 {
		return nil, fmt.Errorf("%w: chunk size must be positive, got %d", ErrSynchronization, opts.ChunkSize)
	}
	if opts.Depth < 0 {
		return nil, fmt.Errorf("%w: depth must be positive, got %d", ErrSynchronization, opts.Depth)
	}
	if opts.StallTimeout < 0 {
		return nil, fmt.Errorf("%w: negative stall timeout", ErrSynchronization)
	}

	t := &Transfer{
		slots:        make([]slot, opts.Depth),
		totalSize:    total,
		stallTimeout: opts.StallTimeout,
		lastProgress: time.Now(),
	}
	for i := range t.slots {
		t.slots[i].buf = make([]byte, opts.ChunkSize)
	}
	t.canRead = sync.NewCond(&t.mu)
	t.canWrite = sync.NewCond(&t.mu)
	return t, nil
}

// TotalSize returns the number of bytes the transfer will move.
func (t *Transfer) TotalSize() int64 { return t.totalSize }

// ChunkSize returns the capacity of a single slot.
func (t *Transfer) ChunkSize() int { return len(t.slots[0].buf) }

// Publish copies chunk into the next empty slot, blocking while the ring is
// full. It returns the chunk's sequence number.
func (t *Transfer) Publish(chunk []byte) (int, error) {
	t.mu.Lock()
	s := &t.slots[t.tail]
	for s.state == SlotFull {
		t.wait(t.canRead)
	}
	if s.state == SlotAborted {
		err := t.abortErr()
		t.mu.Unlock()
		return 0, err
	}
	if len(chunk) == 0 || len(chunk) > len(s.buf) {
		t.mu.Unlock()
		return 0, fmt.Errorf("%w: chunk of %d bytes does not fit slot of %d",
			ErrSynchronization, len(chunk), len(s.buf))
	}
	if t.bytesRead+int64(len(chunk)) > t.totalSize {
		t.mu.Unlock()
		return 0, fmt.Errorf("%w: chunk overruns total size %d", ErrSynchronization, t.totalSize)
	}

	s.fill = copy(s.buf, chunk)
	s.seq = t.chunksRead
	s.state = SlotFull
	t.tail = (t.tail + 1) % len(t.slots)
	t.bytesRead += int64(s.fill)
	t.chunksRead++
	t.pending++
	t.lastProgress = time.Now()
	seq := s.seq
	t.mu.Unlock()

	t.canWrite.Signal()
	return seq, nil
}

// Acquire blocks until the oldest unconsumed slot is full and returns a view
// of exactly its fill. The slot stays full until Release.
func (t *Transfer) Acquire() (Chunk, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := &t.slots[t.head]
	for s.state == SlotEmpty {
		t.wait(t.canWrite)
	}
	if s.state == SlotAborted {
		return Chunk{}, t.abortErr()
	}
	t.held = true
	t.lastProgress = time.Now()
	return Chunk{Data: s.buf[:s.fill], Seq: s.seq, slot: t.head}, nil
}

// Release marks a chunk obtained from Acquire as persisted, empties its slot
// and advances bytes written.
func (t *Transfer) Release(c Chunk) error {
	t.mu.Lock()
	if c.slot != t.head {
		t.mu.Unlock()
		return fmt.Errorf("%w: released slot %d out of order (head %d)", ErrSynchronization, c.slot, t.head)
	}
	s := &t.slots[c.slot]
	t.bytesWritten += int64(len(c.Data))
	t.chunksWritten++
	t.held = false
	t.lastProgress = time.Now()
	if s.state == SlotAborted {
		err := t.abortErr()
		t.mu.Unlock()
		return err
	}
	s.fill = 0
	s.state = SlotEmpty
	t.head = (t.head + 1) % len(t.slots)
	t.pending--
	t.mu.Unlock()

	t.canRead.Signal()
	return nil
}

// Abort fails the transfer. The first cause is kept; every slot moves to
// SlotAborted and both sides are woken.
func (t *Transfer) Abort(cause error) {
	if cause == nil {
		cause = ErrAborted
	}
	t.mu.Lock()
	t.abortLocked(cause)
	t.mu.Unlock()
}

// abortLocked is Abort with mu already held.
func (t *Transfer) abortLocked(cause error) {
	if t.cause == nil {
		t.cause = cause
	}
	for i := range t.slots {
		t.slots[i].state = SlotAborted
	}
	t.canRead.Broadcast()
	t.canWrite.Broadcast()
}

// Err returns the cause recorded by the first Abort, or nil.
func (t *Transfer) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cause
}

// Watch aborts the transfer when ctx is done. The returned stop function
// detaches the watcher.
func (t *Transfer) Watch(ctx context.Context) (stop func() bool) {
	return context.AfterFunc(ctx, func() {
		t.Abort(fmt.Errorf("%w: %w", ErrAborted, context.Cause(ctx)))
	})
}

// Progress returns a snapshot of the counters.
func (t *Transfer) Progress() Progress {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Progress{
		TotalSize:     t.totalSize,
		BytesRead:     t.bytesRead,
		BytesWritten:  t.bytesWritten,
		ChunksRead:    t.chunksRead,
		ChunksWritten: t.chunksWritten,
		Pending:       t.pending,
		Aborted:       t.cause != nil,
	}
}

// SlotStates reports the state of every slot, oldest first.
func (t *Transfer) SlotStates() []SlotState {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]SlotState, len(t.slots))
	for i := range t.slots {
		out[i] = t.slots[(t.head+i)%len(t.slots)].state
	}
	return out
}

// Close drops the slot buffers. Only call it once both workers have returned.
func (t *Transfer) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range t.slots {
		t.slots[i].buf = nil
		t.slots[i].fill = 0
	}
}

// wait blocks on c. mu must be held. With a stall timeout configured, the
// transfer is aborted once nothing has been published, acquired or released
// for that long. Time the consumer spends persisting an acquired chunk does
// not count: a slow destination is progress, not a stall.
func (t *Transfer) wait(c *sync.Cond) {
	if t.stallTimeout <= 0 {
		c.Wait()
		return
	}
	d := t.stallTimeout
	woken := false
	var timer *time.Timer
	timer = time.AfterFunc(t.stallRemaining(), func() {
		t.mu.Lock()
		if woken || t.cause != nil {
			t.mu.Unlock()
			return
		}
		if t.held || time.Since(t.lastProgress) < d {
			timer.Reset(t.stallRemaining())
			t.mu.Unlock()
			return
		}
		t.abortLocked(fmt.Errorf("%w: no progress for %s", ErrStalled, d))
		t.mu.Unlock()
	})
	c.Wait()
	woken = true
	timer.Stop()
}

// stallRemaining is how long until the stall deadline. mu must be held.
func (t *Transfer) stallRemaining() time.Duration {
	if t.held {
		return t.stallTimeout
	}
	left := t.stallTimeout - time.Since(t.lastProgress)
	if left <= 0 {
		return time.Millisecond
	}
	return left
}

// abortErr is what a woken waiter reports. mu must be held.
func (t *Transfer) abortErr() error {
	if errors.Is(t.cause, ErrAborted) {
		return t.cause
	}
	return fmt.Errorf("%w: %w", ErrAborted, t.cause)
}
