package models

import "time"

// Recording statuses stored in the ledger.
const (
	StatusRecording   = "recording"
	StatusStopped     = "stopped"
	StatusInterrupted = "interrupted"
)

// Recording represents one recording session across all of its segments.
type Recording struct {
	ID        string
	Room      string
	OutputDir string
	Status    string
	StartedAt time.Time
	EndedAt   *time.Time
	Segments  int
}

// Segment represents one contiguous capture run inside a recording. A
// recording grows a new segment each time its participant set rotates.
type Segment struct {
	ID           int64
	RecordingID  string
	Dir          string
	Participants int
	StartedAt    time.Time
	EndedAt      *time.Time
}
