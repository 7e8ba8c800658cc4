package event

import "time"

// Type identifies the kind of event.
type Type int

const (
	CopyStarted Type = iota + 1
	ChunkRead
	ChunkHandedOff
	ChunkPersisted
	CopyCompleted
	CopyFailed
	VerifyStarted
	VerifyOK
	VerifyFailed
)

var typeNames = [...]string{
	CopyStarted:    "CopyStarted",
	ChunkRead:      "ChunkRead",
	ChunkHandedOff: "ChunkHandedOff",
	ChunkPersisted: "ChunkPersisted",
	CopyCompleted:  "CopyCompleted",
	CopyFailed:     "CopyFailed",
	VerifyStarted:  "VerifyStarted",
	VerifyOK:       "VerifyOK",
	VerifyFailed:   "VerifyFailed",
}

func (t Type) String() string {
	if t > 0 && int(t) < len(typeNames) && typeNames[t] != "" {
		return typeNames[t]
	}
	return "Unknown"
}

// Worker names the side of the handoff that produced an event.
type Worker string

const (
	Coordinator Worker = "coordinator"
	Reader      Worker = "reader"
	Writer      Worker = "writer"
)

// Event is a single state transition reported by the engine.
type Event struct {
	Type      Type
	Timestamp time.Time
	Worker    Worker
	Path      string // source path for copy events, destination for persist
	Seq       int    // chunk sequence number, 0-based
	Size      int64  // chunk size, or bytes so far for Copy* events
	Offset    int64  // byte offset of the chunk in the stream
	TotalSize int64  // total bytes (CopyStarted, CopyCompleted)
	Error     error
}

// Emit sends e on ch without blocking and stamps it with the current time.
// A nil or full channel drops the event.
func Emit(ch chan<- Event, e Event) {
	if ch == nil {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	select {
	case ch <- e:
	default:
	}
}
