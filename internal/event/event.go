package event

import "time"

// Type identifies the kind of event.
type Type int

const (
	BackupStarted Type = iota + 1
	DirRecorded
	FileRecorded
	BackupComplete
	RestoreStarted
	DirRestored
	FileRestored
	RestoreComplete
	ScratchErased
	StageStarted
	StepApplied
	StepFailed
	StepSkipped
)

var typeNames = [...]string{
	BackupStarted:   "BackupStarted",
	DirRecorded:     "DirRecorded",
	FileRecorded:    "FileRecorded",
	BackupComplete:  "BackupComplete",
	RestoreStarted:  "RestoreStarted",
	DirRestored:     "DirRestored",
	FileRestored:    "FileRestored",
	RestoreComplete: "RestoreComplete",
	ScratchErased:   "ScratchErased",
	StageStarted:    "StageStarted",
	StepApplied:     "StepApplied",
	StepFailed:      "StepFailed",
	StepSkipped:     "StepSkipped",
}

func (t Type) String() string {
	if t > 0 && int(t) < len(typeNames) {
		return typeNames[t]
	}
	return "Unknown"
}

// Event represents a single progress event from a migration.
type Event struct {
	Type      Type
	Timestamp time.Time
	Path      string // entry path, or stage / step name
	Size      int64  // content length or bytes so far
	Total     int64  // record count (BackupComplete, RestoreComplete)
	Version   uint32 // migration step version
	Error     error
}

// Emit sends e on ch without blocking. Events are dropped when nobody is
// listening fast enough.
func Emit(ch chan<- Event, e Event) {
	if ch == nil {
		return
	}
	e.Timestamp = time.Now()
	select {
	case ch <- e:
	default:
	}
}
