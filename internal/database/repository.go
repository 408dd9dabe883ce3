package database

import (
	"context"
	"time"

	"github.com/jitcap/jitcap/internal/database/models"
)

// RecordingListFilter specifies filtering and pagination for ledger queries.
type RecordingListFilter struct {
	Limit  int
	Offset int
	Room   string // exact match on the requested room name
	Status string // "recording", "stopped", "interrupted", or "" for all
}

// RecordingRepository persists the recording ledger. The lifecycle methods
// mirror what the orchestrator emits: a recording row opens before its first
// segment, segments close before the recording does, and a refreshed
// recording reuses its ID and reopens the row.
type RecordingRepository interface {
	RecordingStarted(ctx context.Context, id, room, dir string, startedAt time.Time) error
	SegmentStarted(ctx context.Context, recordingID, dir string, startedAt time.Time, participants int) error
	SegmentEnded(ctx context.Context, recordingID, dir string, endedAt time.Time) error
	RecordingStopped(ctx context.Context, id string, endedAt time.Time) error

	GetByID(ctx context.Context, id string) (*models.Recording, error)
	List(ctx context.Context, filter RecordingListFilter) ([]models.Recording, int, error)
	ListSegments(ctx context.Context, recordingID string) ([]models.Segment, error)
	CountByStatus(ctx context.Context) (map[string]int64, error)
	MarkInterrupted(ctx context.Context, endedAt time.Time) (int64, error)
}
