// Package manifest builds the per-segment session descriptor written next
// to the captured audio files. The descriptor records which participants
// were captured, where their tracks landed, and which bridge resources
// backed the segment.
package manifest

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/jitcap/jitcap/internal/colibri"
)

// FileName is the descriptor filename inside every segment directory.
const FileName = "manifest.json"

// unsafeRuns matches character runs that may not appear in a filename stem.
var unsafeRuns = regexp.MustCompile(`[^A-Za-z0-9_-]+`)

// Participant is one recorded track in a segment.
type Participant struct {
	// ID is the stable participant identifier, normally the MUC nick.
	ID string `json:"id"`

	// DisplayName is the human-readable name, when one was advertised.
	DisplayName string `json:"display_name"`

	// AudioFile is the Opus output filename relative to the segment
	// directory, as produced by AudioFilename.
	AudioFile string `json:"audio_file"`

	// RTPURL is the forwarder address the capture process reads from.
	RTPURL string `json:"rtp_url"`

	// SSRC is the participant's primary audio SSRC, zero when unknown.
	SSRC uint32 `json:"ssrc"`

	// PayloadType is the RTP payload type carried on the forwarder.
	PayloadType int `json:"payload_type,omitempty"`

	// Forwarder references the bridge resources backing this track.
	// Absent when allocation failed for this participant.
	Forwarder *colibri.Forwarder `json:"forwarder,omitempty"`
}

// Manifest is the JSON session descriptor for one capture segment.
type Manifest struct {
	ID             string        `json:"id"`
	Room           string        `json:"room"`
	StartedAt      string        `json:"started_at"`
	Participants   []Participant `json:"participants"`
	OutputDir      string        `json:"output_dir"`
	Mix            bool          `json:"mix"`
	ColibriSession string        `json:"colibri_session,omitempty"`
	EndedAt        string        `json:"ended_at,omitempty"`
	LogsTail       []string      `json:"logs_tail,omitempty"`
}

// New builds a manifest for a segment that is starting now.
func New(id, room, outDir string, participants []Participant, mix bool, colibriSession string) *Manifest {
	if participants == nil {
		participants = []Participant{}
	}
	return &Manifest{
		ID:             id,
		Room:           room,
		StartedAt:      time.Now().UTC().Format(time.RFC3339),
		Participants:   participants,
		OutputDir:      outDir,
		Mix:            mix,
		ColibriSession: colibriSession,
	}
}

// Sanitize reduces a display name to a filename-safe stem: runs of
// characters outside [A-Za-z0-9_-] collapse to a single underscore, and
// underscores are trimmed from both ends.
func Sanitize(name string) string {
	return strings.Trim(unsafeRuns.ReplaceAllString(name, "_"), "_")
}

// AudioFilename returns the Opus output filename for a participant. The
// result is a pure function of the display name and the participant ID:
// "audio-<stem>-<id>.opus" when the name yields a non-empty stem, else
// "audio-<id>.opus".
func AudioFilename(displayName, id string) string {
	stem := Sanitize(displayName)
	if stem == "" {
		return fmt.Sprintf("audio-%s.opus", id)
	}
	return fmt.Sprintf("audio-%s-%s.opus", stem, id)
}

// Path returns the descriptor location inside a segment directory.
func Path(dir string) string {
	return filepath.Join(dir, FileName)
}

// Write persists the manifest into dir, creating the directory if needed.
// The file is written to a temporary name first and renamed into place, so
// readers never observe a partial descriptor.
func (m *Manifest) Write(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating segment directory: %w", err)
	}

	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding manifest: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "manifest-*.json")
	if err != nil {
		return fmt.Errorf("creating manifest temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("writing manifest: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("closing manifest temp file: %w", err)
	}

	// CreateTemp opens the file private to the service; recordings are
	// consumed by other processes, so widen before publishing.
	if err := os.Chmod(tmpName, 0o644); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("setting manifest permissions: %w", err)
	}
	if err := os.Rename(tmpName, Path(dir)); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("publishing manifest: %w", err)
	}
	return nil
}

// Finalize stamps the end time, attaches the capture log tail, and rewrites
// the descriptor in dir.
func (m *Manifest) Finalize(dir string, tail []string) error {
	m.EndedAt = time.Now().UTC().Format(time.RFC3339)
	m.LogsTail = tail
	return m.Write(dir)
}
