package recorder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jitcap/jitcap/internal/capture"
	"github.com/jitcap/jitcap/internal/colibri"
	"github.com/jitcap/jitcap/internal/conference"
	"github.com/jitcap/jitcap/internal/config"
	"github.com/jitcap/jitcap/internal/manifest"
)

// Orchestrator owns the recording tables: recording ID to job and
// allocation session, room short name to recording ID. One mutex guards
// all of them. Segment rotation runs on its own goroutine per recording
// with latest-state coalescing.
type Orchestrator struct {
	cfg     *config.Config
	logger  *slog.Logger
	tracker *conference.Tracker
	confMap *conference.ConfMap
	alloc   AllocationClient
	gateway *colibri.HTTPClient
	ledger  Ledger

	mu    sync.Mutex
	recs  map[string]*Recording
	rooms map[string]string

	segmentsStarted    int
	rotations          int
	allocationFailures int
}

// NewOrchestrator wires the orchestrator against its input sources. tracker
// and confMap may be nil when XMPP is disabled; alloc may be nil when no
// allocation path exists; gateway is the legacy HTTP fallback; ledger may
// be nil to disable persistence.
func NewOrchestrator(cfg *config.Config, tracker *conference.Tracker, confMap *conference.ConfMap, alloc AllocationClient, gateway *colibri.HTTPClient, ledger Ledger, logger *slog.Logger) *Orchestrator {
	o := &Orchestrator{
		cfg:     cfg,
		logger:  logger.With("subsystem", "recorder"),
		tracker: tracker,
		confMap: confMap,
		alloc:   alloc,
		gateway: gateway,
		ledger:  ledger,
		recs:    make(map[string]*Recording),
		rooms:   make(map[string]string),
	}
	if tracker != nil {
		tracker.OnJoin(func(room string, _ conference.Participant) { o.participantsChanged(room) })
		tracker.OnLeave(func(room string, _ conference.Participant) { o.participantsChanged(room) })
	}
	return o
}

// Start begins a new recording for the request's room.
func (o *Orchestrator) Start(ctx context.Context, req StartRequest) (*Status, error) {
	return o.start(ctx, uuid.NewString(), req)
}

func (o *Orchestrator) start(ctx context.Context, id string, req StartRequest) (*Status, error) {
	if req.Room == "" {
		return nil, fmt.Errorf("recorder: room required")
	}
	short := shortRoom(req.Room)

	// Reserve the room before the slow resolution work so two concurrent
	// starts cannot both win it.
	o.mu.Lock()
	if _, busy := o.rooms[short]; busy {
		o.mu.Unlock()
		return nil, fmt.Errorf("room %q: %w", req.Room, ErrAlreadyRecording)
	}
	o.rooms[short] = id
	o.mu.Unlock()

	rec, err := o.startReserved(ctx, id, short, req)
	if err != nil {
		o.mu.Lock()
		if o.rooms[short] == id {
			delete(o.rooms, short)
		}
		o.mu.Unlock()
		return nil, err
	}

	o.mu.Lock()
	st := rec.status()
	o.mu.Unlock()
	return st, nil
}

func (o *Orchestrator) startReserved(ctx context.Context, id, short string, req StartRequest) (*Recording, error) {
	roomJID := o.roomJID(req.Room)
	parts, sess, tracked, err := o.resolveInputs(ctx, req, roomJID)
	if err != nil {
		return nil, err
	}

	stem := manifest.Sanitize(short)
	if stem == "" {
		stem = "room"
	}
	rec := &Recording{
		ID:        id,
		Room:      req.Room,
		RoomJID:   roomJID,
		StartedAt: time.Now().UTC(),
		Mix:       req.Mix,
		State:     StateStarting,
		root:      filepath.Join(o.cfg.RecordingsPath, stem),
		tracked:   tracked,
	}

	// The recording row goes in before its first segment row so the ledger
	// can reference it.
	o.ledgerStarted(ctx, rec)

	if err := o.beginSegment(ctx, rec, parts, sess); err != nil {
		o.releaseSession(ctx, id, sess)
		o.ledgerStopped(ctx, id, time.Now().UTC())
		return nil, err
	}

	o.mu.Lock()
	o.recs[id] = rec
	o.mu.Unlock()

	o.logger.Info("recording started",
		"recording_id", id,
		"room", req.Room,
		"dir", rec.OutDir,
		"participants", len(parts),
		"mix", req.Mix,
	)
	return rec, nil
}

// resolveInputs walks the input precedence ladder: explicit inputs, tracker
// discovery, per-participant allocation, then the legacy HTTP gateway. The
// tracked flag reports whether the list came from the tracker, which is
// what ties the recording to membership changes.
func (o *Orchestrator) resolveInputs(ctx context.Context, req StartRequest, roomJID string) (parts []manifest.Participant, sess *AllocationSession, tracked bool, err error) {
	if len(req.Inputs) > 0 {
		parts = make([]manifest.Participant, 0, len(req.Inputs))
		for _, in := range req.Inputs {
			if in.ID == "" {
				in.ID = uuid.NewString()
			}
			parts = append(parts, participantFromInput(in))
		}
		return parts, nil, false, nil
	}

	if !req.UseColibri && o.tracker != nil {
		rows := o.tracker.ParticipantsWithForwarders(roomJID)
		if len(rows) >= 1 {
			return participantsFromTracked(rows), sessionFromTracked(req.Room, rows), true, nil
		}
	}

	if len(req.Participants) > 0 && o.alloc != nil && o.alloc.Ready() {
		confID := o.conferenceID(roomJID)
		sess = &AllocationSession{Room: req.Room, ConferenceID: confID, ViaXMPP: true}
		parts = make([]manifest.Participant, 0, len(req.Participants))
		for _, pid := range req.Participants {
			fwd, allocErr := o.alloc.AllocateForwarder(ctx, confID, pid)
			if allocErr != nil {
				o.countAllocFailure()
				o.logger.Warn("forwarder allocation failed",
					"room", req.Room,
					"endpoint", pid,
					"error", allocErr,
				)
				parts = append(parts, manifest.Participant{
					ID:        pid,
					AudioFile: manifest.AudioFilename("", pid),
				})
				continue
			}
			parts = append(parts, manifest.Participant{
				ID:          pid,
				AudioFile:   manifest.AudioFilename("", pid),
				RTPURL:      fwd.RTPURL(),
				SSRC:        fwd.SSRC,
				PayloadType: fwd.PayloadType,
				Forwarder:   fwd,
			})
			sess.Forwarders = append(sess.Forwarders, fwd)
		}
		return parts, sess, false, nil
	}

	if o.gateway.Configured() {
		resp, gwErr := o.gateway.AllocateAudio(ctx, req.Room, req.Participants)
		if gwErr != nil {
			o.countAllocFailure()
			return nil, nil, false, fmt.Errorf("allocating via http gateway: %w", gwErr)
		}
		parts = make([]manifest.Participant, 0, len(resp.Participants))
		for _, fw := range resp.Participants {
			parts = append(parts, manifest.Participant{
				ID:          fw.ID,
				DisplayName: fw.Name,
				AudioFile:   manifest.AudioFilename(fw.Name, fw.ID),
				RTPURL:      fw.RTPURL,
				SSRC:        fw.SSRC,
				PayloadType: fw.PT,
			})
		}
		sess = &AllocationSession{Room: req.Room, HTTPSession: resp.SessionID}
		return parts, sess, false, nil
	}

	if o.alloc != nil && !o.alloc.Ready() {
		return nil, nil, false, ErrNotReady
	}
	return nil, nil, false, ErrNoAllocator
}

// conferenceID resolves the bridge-side conference identifier for a room,
// falling back to the MUC short name the bridge creates conferences under.
func (o *Orchestrator) conferenceID(roomJID string) string {
	if o.confMap != nil {
		if id, ok := o.confMap.Lookup(roomJID); ok {
			return id
		}
	}
	return shortRoom(roomJID)
}

// beginSegment starts one capture segment: a fresh timestamped directory,
// the manifest, and the subprocess. It updates the recording in place.
func (o *Orchestrator) beginSegment(ctx context.Context, rec *Recording, parts []manifest.Participant, sess *AllocationSession) error {
	dir, err := o.segmentDir(rec.root)
	if err != nil {
		return fmt.Errorf("choosing segment directory: %w", err)
	}
	man := manifest.New(rec.ID, rec.Room, dir, parts, rec.Mix, sess.colibriSession())
	job := capture.NewJob(capture.BuildCommand(parts, dir, rec.Mix), dir, o.logger)

	if err := job.Start(); err != nil {
		return fmt.Errorf("starting capture job: %w", err)
	}
	if err := man.Write(dir); err != nil {
		// The capture itself is the artifact that matters; keep going.
		o.logger.Warn("writing manifest", "recording_id", rec.ID, "dir", dir, "error", err)
	}

	o.mu.Lock()
	if rec.State == StateStopping || rec.State == StateStopped {
		// Stop won the race while the segment was coming up.
		o.mu.Unlock()
		job.Stop()
		return fmt.Errorf("recording stopped during segment start")
	}
	rec.OutDir = dir
	rec.Segments = append(rec.Segments, dir)
	rec.Participants = parts
	rec.Session = sess
	rec.job = job
	rec.man = man
	rec.State = StateRunning
	o.segmentsStarted++
	o.mu.Unlock()

	o.ledgerSegmentStarted(ctx, rec.ID, dir, len(parts))
	return nil
}

// segmentDir returns a timestamped directory that does not exist yet.
// Segment swaps inside the same second wait the clock out; any Stat failure
// other than not-exist fails the segment instead of retrying.
func (o *Orchestrator) segmentDir(root string) (string, error) {
	for {
		dir := filepath.Join(root, time.Now().UTC().Format(segmentTimeFormat))
		_, err := os.Stat(dir)
		if os.IsNotExist(err) {
			return dir, nil
		}
		if err != nil {
			return "", fmt.Errorf("probing segment directory: %w", err)
		}
		time.Sleep(200 * time.Millisecond)
	}
}

// Get returns a snapshot of an active recording.
func (o *Orchestrator) Get(id string) (*Status, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	rec := o.recs[id]
	if rec == nil {
		return nil, ErrNotFound
	}
	return rec.status(), nil
}

// List returns snapshots of all active recordings, oldest first.
func (o *Orchestrator) List() []*Status {
	o.mu.Lock()
	defer o.mu.Unlock()

	recs := make([]*Recording, 0, len(o.recs))
	for _, rec := range o.recs {
		recs = append(recs, rec)
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].StartedAt.Before(recs[j].StartedAt) })

	out := make([]*Status, 0, len(recs))
	for _, rec := range recs {
		out = append(out, rec.status())
	}
	return out
}

// Stop terminates a recording: capture job stopped, manifest finalized,
// allocations released, tables cleared. Release failures are logged only.
func (o *Orchestrator) Stop(ctx context.Context, id string) (*Status, error) {
	o.mu.Lock()
	rec := o.recs[id]
	if rec == nil {
		o.mu.Unlock()
		return nil, ErrNotFound
	}
	if rec.State == StateStopping {
		st := rec.status()
		o.mu.Unlock()
		return st, nil
	}
	rec.State = StateStopping
	sess := rec.Session
	o.mu.Unlock()

	o.stopJob(ctx, rec)
	o.releaseSession(ctx, id, sess)

	now := time.Now().UTC()
	o.mu.Lock()
	rec.State = StateStopped
	rec.EndedAt = &now
	delete(o.recs, id)
	short := shortRoom(rec.Room)
	if o.rooms[short] == id {
		delete(o.rooms, short)
	}
	st := rec.status()
	o.mu.Unlock()

	o.ledgerStopped(ctx, id, now)
	o.logger.Info("recording stopped", "recording_id", id, "room", rec.Room)
	return st, nil
}

// Refresh stops the recording and starts it again under the same ID with
// the inherited room and freshly resolved inputs.
func (o *Orchestrator) Refresh(ctx context.Context, id string, req StartRequest) (*Status, error) {
	o.mu.Lock()
	rec := o.recs[id]
	if rec == nil {
		o.mu.Unlock()
		return nil, ErrNotFound
	}
	room := rec.Room
	o.mu.Unlock()

	if _, err := o.Stop(ctx, id); err != nil && !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("stopping for refresh: %w", err)
	}
	if req.Room == "" {
		req.Room = room
	}
	return o.start(ctx, id, req)
}

// stopJob terminates the capture subprocess and finalizes the segment's
// manifest with the log tail.
func (o *Orchestrator) stopJob(ctx context.Context, rec *Recording) {
	o.mu.Lock()
	job := rec.job
	live := rec.man
	final := snapshotManifest(live)
	dir := rec.OutDir
	o.mu.Unlock()

	var tail []string
	if job != nil {
		job.Stop()
		tail = job.Tail()
	}
	if final != nil {
		// Status snapshots copy rec.man under the mutex, so the live manifest
		// must never be mutated off-lock. Finalize a private copy and swap it
		// in, unless a rotation already installed the next segment's manifest.
		if err := final.Finalize(dir, tail); err != nil {
			o.logger.Warn("finalizing manifest", "recording_id", rec.ID, "dir", dir, "error", err)
		}
		o.mu.Lock()
		if rec.man == live {
			rec.man = final
		}
		o.mu.Unlock()
	}
	o.ledgerSegmentEnded(ctx, rec.ID, dir)
}

// releaseSession gives the bridge resources back, best effort. XMPP release
// when the session was allocated over the stream, HTTP release otherwise.
func (o *Orchestrator) releaseSession(ctx context.Context, id string, sess *AllocationSession) {
	if sess == nil {
		return
	}
	if sess.ViaXMPP {
		if o.alloc == nil {
			return
		}
		for _, fwd := range sess.Forwarders {
			if err := o.alloc.ReleaseForwarder(ctx, fwd); err != nil {
				o.logger.Warn("releasing forwarder",
					"recording_id", id,
					"endpoint", fwd.EndpointID,
					"error", err,
				)
			}
		}
		return
	}
	if sess.HTTPSession != "" && o.gateway.Configured() {
		if err := o.gateway.ReleaseSession(ctx, sess.HTTPSession); err != nil {
			o.logger.Warn("releasing http session",
				"recording_id", id,
				"session", sess.HTTPSession,
				"error", err,
			)
		}
	}
}

// participantsChanged is the tracker hook target. It only flags the room's
// recording and hands the work to the rotation goroutine, because hooks run
// on the stanza path and must not block.
func (o *Orchestrator) participantsChanged(roomJID string) {
	short := shortRoom(roomJID)

	o.mu.Lock()
	id, ok := o.rooms[short]
	if !ok {
		o.mu.Unlock()
		return
	}
	rec := o.recs[id]
	if rec == nil || !rec.tracked || rec.State == StateStopping {
		o.mu.Unlock()
		return
	}
	rec.dirty = true
	if rec.rotating {
		o.mu.Unlock()
		return
	}
	rec.rotating = true
	o.mu.Unlock()

	go o.rotate(id)
}

// rotate drains membership changes for one recording. Each pass reads the
// tracker's current capturable list, so bursts of joins and leaves coalesce
// into a single segment swap.
func (o *Orchestrator) rotate(id string) {
	ctx := context.Background()
	for {
		o.mu.Lock()
		rec := o.recs[id]
		if rec == nil || !rec.dirty || rec.State == StateStopping {
			if rec != nil {
				rec.rotating = false
			}
			o.mu.Unlock()
			return
		}
		rec.dirty = false
		roomJID := rec.RoomJID
		current := rec.Participants
		o.mu.Unlock()

		rows := o.tracker.ParticipantsWithForwarders(roomJID)
		if len(rows) == 0 {
			o.logger.Info("room emptied, stopping recording", "recording_id", id, "room", roomJID)
			if _, err := o.Stop(ctx, id); err != nil && !errors.Is(err, ErrNotFound) {
				o.logger.Warn("stopping emptied recording", "recording_id", id, "error", err)
			}
			continue
		}
		if sameInputs(current, rows) {
			continue
		}
		o.rotateSegment(ctx, id, rows)
	}
}

func (o *Orchestrator) rotateSegment(ctx context.Context, id string, rows []conference.Tracked) {
	o.mu.Lock()
	rec := o.recs[id]
	if rec == nil || rec.State == StateStopping {
		o.mu.Unlock()
		return
	}
	rec.State = StateStarting
	room := rec.Room
	o.mu.Unlock()

	o.stopJob(ctx, rec)

	parts := participantsFromTracked(rows)
	if err := o.beginSegment(ctx, rec, parts, sessionFromTracked(room, rows)); err != nil {
		o.mu.Lock()
		if rec.State != StateStopping && rec.State != StateStopped {
			rec.State = StateFailed
		}
		o.mu.Unlock()
		o.logger.Error("starting rotated segment", "recording_id", id, "error", err)
		return
	}

	o.mu.Lock()
	o.rotations++
	segments := len(rec.Segments)
	dir := rec.OutDir
	o.mu.Unlock()

	o.logger.Info("segment rotated",
		"recording_id", id,
		"segment", segments,
		"dir", dir,
		"participants", len(parts),
	)
}

// sameInputs reports whether the tracker rows describe the same capturable
// input set the current segment already records.
func sameInputs(parts []manifest.Participant, rows []conference.Tracked) bool {
	current := make(map[string]string, len(parts))
	for _, p := range parts {
		if p.RTPURL != "" {
			current[p.ID] = p.RTPURL
		}
	}
	if len(current) != len(rows) {
		return false
	}
	for _, tr := range rows {
		if current[tr.ID] != tr.RTPURL {
			return false
		}
	}
	return true
}

// ActiveRecordings counts recordings currently in the table.
func (o *Orchestrator) ActiveRecordings() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.recs)
}

// SegmentsStarted counts capture segments started since process start.
func (o *Orchestrator) SegmentsStarted() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.segmentsStarted
}

// Rotations counts membership-driven segment swaps since process start.
func (o *Orchestrator) Rotations() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.rotations
}

// AllocationFailures counts failed forwarder allocations since process start.
func (o *Orchestrator) AllocationFailures() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.allocationFailures
}

func (o *Orchestrator) countAllocFailure() {
	o.mu.Lock()
	o.allocationFailures++
	o.mu.Unlock()
}

func (o *Orchestrator) roomJID(room string) string {
	if strings.Contains(room, "@") {
		return room
	}
	return room + "@" + o.cfg.ConferenceMUCDomain()
}

func (o *Orchestrator) ledgerStarted(ctx context.Context, rec *Recording) {
	if o.ledger == nil {
		return
	}
	if err := o.ledger.RecordingStarted(ctx, rec.ID, rec.Room, rec.root, rec.StartedAt); err != nil {
		o.logger.Warn("recording ledger insert", "recording_id", rec.ID, "error", err)
	}
}

func (o *Orchestrator) ledgerSegmentStarted(ctx context.Context, id, dir string, participants int) {
	if o.ledger == nil {
		return
	}
	if err := o.ledger.SegmentStarted(ctx, id, dir, time.Now().UTC(), participants); err != nil {
		o.logger.Warn("segment ledger insert", "recording_id", id, "error", err)
	}
}

func (o *Orchestrator) ledgerSegmentEnded(ctx context.Context, id, dir string) {
	if o.ledger == nil {
		return
	}
	if err := o.ledger.SegmentEnded(ctx, id, dir, time.Now().UTC()); err != nil {
		o.logger.Warn("segment ledger update", "recording_id", id, "error", err)
	}
}

func (o *Orchestrator) ledgerStopped(ctx context.Context, id string, endedAt time.Time) {
	if o.ledger == nil {
		return
	}
	if err := o.ledger.RecordingStopped(ctx, id, endedAt); err != nil {
		o.logger.Warn("recording ledger update", "recording_id", id, "error", err)
	}
}
