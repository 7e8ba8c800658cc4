package engine

import "errors"

// Error kinds returned by a copy. They are wrapped with fmt.Errorf so callers
// can match both the kind and the underlying OS error with errors.Is.
var (
	// ErrSourceUnavailable means the source could not be opened or sized.
	ErrSourceUnavailable = errors.New("source unavailable")
	// ErrDestinationUnavailable means the destination could not be created.
	ErrDestinationUnavailable = errors.New("destination unavailable")
	// ErrShortRead means the source ended before the declared size was read.
	ErrShortRead = errors.New("short read")
	// ErrShortWrite means the destination accepted fewer bytes than offered.
	ErrShortWrite = errors.New("short write")
	// ErrSynchronization means the transfer state could not be set up.
	ErrSynchronization = errors.New("synchronization failure")
	// ErrAborted is returned by a worker woken by the other side's failure
	// or by cancellation.
	ErrAborted = errors.New("transfer aborted")
	// ErrStalled means a worker waited longer than the stall timeout.
	ErrStalled = errors.New("transfer stalled")
	// ErrVerifyMismatch means the destination checksum differs from the source.
	ErrVerifyMismatch = errors.New("checksum mismatch")
)
