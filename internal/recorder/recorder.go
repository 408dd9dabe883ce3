// Package recorder orchestrates recording sessions: it resolves capture
// inputs, owns the recording and allocation tables, starts and stops
// capture jobs, and rotates segments as conference membership changes.
package recorder

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/jitcap/jitcap/internal/capture"
	"github.com/jitcap/jitcap/internal/colibri"
	"github.com/jitcap/jitcap/internal/conference"
	"github.com/jitcap/jitcap/internal/manifest"
)

// Sentinel errors the control plane branches on.
var (
	// ErrNotFound means no recording with the given ID is active.
	ErrNotFound = errors.New("recorder: recording not found")

	// ErrNotReady means XMPP allocation was the only viable input path
	// and the connection is not ready for it.
	ErrNotReady = errors.New("recorder: xmpp connection not ready")

	// ErrNoAllocator means no input path is configured at all.
	ErrNoAllocator = errors.New("recorder: no allocation path configured")

	// ErrAlreadyRecording means the room already has an active recording.
	ErrAlreadyRecording = errors.New("recorder: room already has an active recording")
)

// State is a recording's lifecycle phase. Transitions are monotonic except
// running to starting, which happens on segment rotation.
type State string

const (
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateStopping State = "stopping"
	StateStopped  State = "stopped"
	StateFailed   State = "failed"
)

// segmentTimeFormat names segment directories, UTC.
const segmentTimeFormat = "20060102T150405Z"

// Input is one explicitly provided capture input.
type Input struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	RTPURL      string `json:"rtp_url"`
	SSRC        uint32 `json:"ssrc"`
	PayloadType int    `json:"payload_type"`
}

// StartRequest carries the caller's recording parameters. Inputs win over
// everything; Participants names endpoints to allocate forwarders for;
// UseColibri skips tracker discovery so allocation happens even for rooms
// the tracker already knows.
type StartRequest struct {
	Room         string   `json:"room"`
	Mix          bool     `json:"mix"`
	Participants []string `json:"participants"`
	Inputs       []Input  `json:"inputs"`
	UseColibri   bool     `json:"use_colibri"`
}

// AllocationSession groups the bridge resources backing one recording, so
// teardown can release them.
type AllocationSession struct {
	Room         string
	ConferenceID string
	ViaXMPP      bool
	HTTPSession  string
	Forwarders   []*colibri.Forwarder
}

// colibriSession returns the identifier recorded in the manifest.
func (s *AllocationSession) colibriSession() string {
	if s == nil {
		return ""
	}
	if s.HTTPSession != "" {
		return s.HTTPSession
	}
	return s.ConferenceID
}

// Status is the externally visible snapshot of one recording.
type Status struct {
	ID       string             `json:"id"`
	Status   string             `json:"status"`
	Manifest *manifest.Manifest `json:"manifest"`
}

// Recording is one orchestrated recording session. Fields are guarded by
// the orchestrator's mutex; external callers only see Status snapshots.
type Recording struct {
	ID           string
	Room         string // room as requested by the caller
	RoomJID      string // full conference room JID
	StartedAt    time.Time
	EndedAt      *time.Time
	OutDir       string // current segment directory
	Segments     []string
	Mix          bool
	Participants []manifest.Participant
	Session      *AllocationSession
	State        State

	root string // <recordings root>/<room stem>, segment dirs go under it
	job  *capture.Job
	man  *manifest.Manifest

	// tracked recordings follow conference membership: presence changes
	// rotate segments, an emptied room stops the recording.
	tracked  bool
	dirty    bool
	rotating bool
}

func (r *Recording) status() *Status {
	return &Status{ID: r.ID, Status: string(r.State), Manifest: snapshotManifest(r.man)}
}

func snapshotManifest(m *manifest.Manifest) *manifest.Manifest {
	if m == nil {
		return nil
	}
	cp := *m
	cp.Participants = append([]manifest.Participant(nil), m.Participants...)
	cp.LogsTail = append([]string(nil), m.LogsTail...)
	return &cp
}

// AllocationClient is the bridge allocation surface the orchestrator drives
// for per-participant forwarders. Both the XMPP client and the simulator
// satisfy it.
type AllocationClient interface {
	Ready() bool
	AllocateForwarder(ctx context.Context, conferenceID, endpointID string) (*colibri.Forwarder, error)
	ReleaseForwarder(ctx context.Context, f *colibri.Forwarder) error
}

// Ledger persists recording lifecycle events. Implementations must be fast;
// the orchestrator logs their failures and moves on, a ledger problem never
// blocks a recording. The recording event always precedes its segment
// events, and dir on RecordingStarted is the recording's root directory.
// RecordingStarted repeats for a refreshed recording ID and must reopen
// the existing record.
type Ledger interface {
	RecordingStarted(ctx context.Context, id, room, dir string, startedAt time.Time) error
	SegmentStarted(ctx context.Context, recordingID, dir string, startedAt time.Time, participants int) error
	SegmentEnded(ctx context.Context, recordingID, dir string, endedAt time.Time) error
	RecordingStopped(ctx context.Context, id string, endedAt time.Time) error
}

// shortRoom strips the domain from a JID-shaped room name.
func shortRoom(room string) string {
	if i := strings.IndexByte(room, '@'); i >= 0 {
		return room[:i]
	}
	return room
}

// participantFromInput maps an explicit input to its manifest row.
func participantFromInput(in Input) manifest.Participant {
	return manifest.Participant{
		ID:          in.ID,
		DisplayName: in.DisplayName,
		AudioFile:   manifest.AudioFilename(in.DisplayName, in.ID),
		RTPURL:      in.RTPURL,
		SSRC:        in.SSRC,
		PayloadType: in.PayloadType,
	}
}

// participantsFromTracked maps tracker rows to manifest rows.
func participantsFromTracked(tracked []conference.Tracked) []manifest.Participant {
	parts := make([]manifest.Participant, 0, len(tracked))
	for _, tr := range tracked {
		p := manifest.Participant{
			ID:          tr.ID,
			DisplayName: tr.Name,
			AudioFile:   manifest.AudioFilename(tr.Name, tr.ID),
			RTPURL:      tr.RTPURL,
			SSRC:        tr.SSRC,
			Forwarder:   tr.Forwarder,
		}
		if tr.Forwarder != nil {
			p.PayloadType = tr.Forwarder.PayloadType
		}
		parts = append(parts, p)
	}
	return parts
}

// sessionFromTracked rebuilds the allocation session for a tracker-sourced
// participant list.
func sessionFromTracked(room string, tracked []conference.Tracked) *AllocationSession {
	sess := &AllocationSession{Room: room, ViaXMPP: true}
	for _, tr := range tracked {
		if tr.Forwarder == nil {
			continue
		}
		sess.Forwarders = append(sess.Forwarders, tr.Forwarder)
		if sess.ConferenceID == "" {
			sess.ConferenceID = tr.Forwarder.ConferenceID
		}
	}
	return sess
}
