package ui

import "github.com/bamsammich/duplex/internal/event"

// Event is the engine event consumed by presenters.
type Event = event.Event

// Re-export event types for convenience.
const (
	CopyStarted    = event.CopyStarted
	ChunkRead      = event.ChunkRead
	ChunkHandedOff = event.ChunkHandedOff
	ChunkPersisted = event.ChunkPersisted
	CopyCompleted  = event.CopyCompleted
	CopyFailed     = event.CopyFailed
	VerifyStarted  = event.VerifyStarted
	VerifyOK       = event.VerifyOK
	VerifyFailed   = event.VerifyFailed
)
