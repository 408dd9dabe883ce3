package recorder

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jitcap/jitcap/internal/colibri"
	"github.com/jitcap/jitcap/internal/conference"
	"github.com/jitcap/jitcap/internal/config"
	"github.com/jitcap/jitcap/internal/jingle"
	"github.com/jitcap/jitcap/internal/manifest"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeFFmpeg puts a stand-in ffmpeg binary on PATH that idles until killed.
func fakeFFmpeg(t *testing.T) {
	t.Helper()
	dir := t.TempDir()
	script := "#!/bin/sh\nexec sleep 60\n"
	if err := os.WriteFile(filepath.Join(dir, "ffmpeg"), []byte(script), 0o755); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	t.Setenv("PATH", dir+string(os.PathListSeparator)+os.Getenv("PATH"))
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		RecordingsPath: t.TempDir(),
		XMPPDomain:     "example.com",
		MUCDomain:      "muc.example.com",
	}
}

func readManifest(t *testing.T, dir string) *manifest.Manifest {
	t.Helper()
	data, err := os.ReadFile(manifest.Path(dir))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var m manifest.Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return &m
}

type ledgerEvent struct {
	kind string
	id   string
	dir  string
}

type stubLedger struct {
	mu     sync.Mutex
	events []ledgerEvent
}

func (l *stubLedger) RecordingStarted(_ context.Context, id, _, dir string, _ time.Time) error {
	return l.record("recording_started", id, dir)
}

func (l *stubLedger) SegmentStarted(_ context.Context, id, dir string, _ time.Time, _ int) error {
	return l.record("segment_started", id, dir)
}

func (l *stubLedger) SegmentEnded(_ context.Context, id, dir string, _ time.Time) error {
	return l.record("segment_ended", id, dir)
}

func (l *stubLedger) RecordingStopped(_ context.Context, id string, _ time.Time) error {
	return l.record("recording_stopped", id, "")
}

func (l *stubLedger) record(kind, id, dir string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ledgerEvent{kind, id, dir})
	return nil
}

func (l *stubLedger) kinds() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, 0, len(l.events))
	for _, e := range l.events {
		out = append(out, e.kind)
	}
	return out
}

type stubAlloc struct {
	ready bool
}

func (s *stubAlloc) Ready() bool { return s.ready }

func (s *stubAlloc) AllocateForwarder(context.Context, string, string) (*colibri.Forwarder, error) {
	return nil, errors.New("not implemented")
}

func (s *stubAlloc) ReleaseForwarder(context.Context, *colibri.Forwarder) error { return nil }

func available(room, nick, jid, name string) conference.Presence {
	return conference.Presence{Room: room, Nick: nick, JID: jid, DisplayName: name, Available: true}
}

func audioSSRCs(ssrc uint32) map[string]jingle.SSRCInfo {
	return map[string]jingle.SSRCInfo{"audio": {SSRC: ssrc, CName: "cname"}}
}

func TestStartWithExplicitInputs(t *testing.T) {
	fakeFFmpeg(t)
	cfg := testConfig(t)
	ledger := &stubLedger{}
	o := NewOrchestrator(cfg, nil, nil, nil, nil, ledger, testLogger())
	ctx := context.Background()

	st, err := o.Start(ctx, StartRequest{
		Room:   "r1",
		Inputs: []Input{{ID: "p1", RTPURL: "rtp://127.0.0.1:50000"}},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if st.Status != "running" {
		t.Errorf("expected status running, got %q", st.Status)
	}
	if len(st.Manifest.Participants) != 1 || st.Manifest.Participants[0].AudioFile != "audio-p1.opus" {
		t.Errorf("unexpected participants: %+v", st.Manifest.Participants)
	}
	dir := st.Manifest.OutputDir
	if !strings.HasPrefix(dir, filepath.Join(cfg.RecordingsPath, "r1")+string(os.PathSeparator)) {
		t.Errorf("unexpected segment dir %q", dir)
	}
	if m := readManifest(t, dir); m.Room != "r1" || m.EndedAt != "" {
		t.Errorf("unexpected on-disk manifest: %+v", m)
	}

	if got := o.ActiveRecordings(); got != 1 {
		t.Errorf("expected 1 active recording, got %d", got)
	}

	stopped, err := o.Stop(ctx, st.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stopped.Status != "stopped" {
		t.Errorf("expected status stopped, got %q", stopped.Status)
	}
	if _, err := o.Get(st.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound after stop, got %v", err)
	}
	if m := readManifest(t, dir); m.EndedAt == "" {
		t.Error("expected the finalized manifest to carry ended_at")
	}

	// The recording row lands before its first segment row, and the
	// segment closes before the recording on stop.
	want := []string{"recording_started", "segment_started", "segment_ended", "recording_stopped"}
	got := ledger.kinds()
	if len(got) != len(want) {
		t.Fatalf("expected ledger events %v, got %v", want, got)
	}
	for i, kind := range want {
		if got[i] != kind {
			t.Errorf("expected ledger event %d to be %q, got %q", i, kind, got[i])
		}
	}
}

func TestStartResolvesFromTracker(t *testing.T) {
	fakeFFmpeg(t)
	cfg := testConfig(t)
	confMap := conference.NewConfMap()
	sim := colibri.NewSimulator()
	tracker := conference.NewTracker(confMap, sim, testLogger())
	room := "r2@muc.example.com"
	confMap.Set(room, "CONF-1")

	tracker.HandlePresence(available(room, "alice", "alice@example.com", "Alice"))
	tracker.HandlePresence(available(room, "bob", "bob@example.com", "Bob"))
	// Only the newest participant gets sources bound, so bob is capturable
	// and alice is presence-only.
	tracker.HandleSessionInitiate(context.Background(), room, audioSSRCs(111))

	o := NewOrchestrator(cfg, tracker, confMap, sim, nil, nil, testLogger())
	st, err := o.Start(context.Background(), StartRequest{Room: "r2"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer o.Stop(context.Background(), st.ID)

	parts := st.Manifest.Participants
	if len(parts) != 1 || parts[0].ID != "bob" {
		t.Fatalf("expected only the capturable participant, got %+v", parts)
	}
	if parts[0].AudioFile != "audio-Bob-bob.opus" {
		t.Errorf("unexpected audio file %q", parts[0].AudioFile)
	}
	if parts[0].RTPURL == "" || parts[0].Forwarder == nil {
		t.Errorf("expected forwarder-backed input, got %+v", parts[0])
	}
}

func TestStartAllocatesPerParticipant(t *testing.T) {
	fakeFFmpeg(t)
	cfg := testConfig(t)
	sim := colibri.NewSimulator()
	o := NewOrchestrator(cfg, nil, nil, sim, nil, nil, testLogger())
	ctx := context.Background()

	st, err := o.Start(ctx, StartRequest{Room: "r3", Participants: []string{"p1", "p2"}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer o.Stop(ctx, st.ID)

	parts := st.Manifest.Participants
	if len(parts) != 2 {
		t.Fatalf("expected 2 participants, got %+v", parts)
	}
	if parts[0].RTPURL != "rtp://127.0.0.1:50000" || parts[1].RTPURL != "rtp://127.0.0.1:50002" {
		t.Errorf("unexpected forwarder URLs: %q, %q", parts[0].RTPURL, parts[1].RTPURL)
	}
	if parts[0].Forwarder == nil || !parts[0].Forwarder.Simulated {
		t.Errorf("expected simulated forwarder, got %+v", parts[0].Forwarder)
	}

	if _, err := o.Start(ctx, StartRequest{Room: "r3"}); !errors.Is(err, ErrAlreadyRecording) {
		t.Errorf("expected ErrAlreadyRecording, got %v", err)
	}
}

func TestStartFallsBackToHTTPGateway(t *testing.T) {
	fakeFFmpeg(t)
	var mu sync.Mutex
	var released []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/forward":
			w.Header().Set("Content-Type", "application/json")
			io.WriteString(w, `{"session_id":"S1","participants":[{"id":"px","name":"Px","rtp_url":"rtp://127.0.0.1:60000","ssrc":42,"pt":111}]}`)
		case r.Method == http.MethodDelete && strings.HasPrefix(r.URL.Path, "/forward/"):
			mu.Lock()
			released = append(released, strings.TrimPrefix(r.URL.Path, "/forward/"))
			mu.Unlock()
		default:
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	cfg := testConfig(t)
	gw := colibri.NewHTTPClient(srv.URL, "")
	o := NewOrchestrator(cfg, nil, nil, nil, gw, nil, testLogger())
	ctx := context.Background()

	st, err := o.Start(ctx, StartRequest{Room: "r4"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	parts := st.Manifest.Participants
	if len(parts) != 1 || parts[0].ID != "px" || parts[0].RTPURL != "rtp://127.0.0.1:60000" {
		t.Fatalf("unexpected participants: %+v", parts)
	}
	if parts[0].AudioFile != "audio-Px-px.opus" {
		t.Errorf("unexpected audio file %q", parts[0].AudioFile)
	}
	if st.Manifest.ColibriSession != "S1" {
		t.Errorf("expected colibri session S1, got %q", st.Manifest.ColibriSession)
	}

	if _, err := o.Stop(ctx, st.ID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(released) != 1 || released[0] != "S1" {
		t.Errorf("expected release of S1, got %v", released)
	}
}

func TestStartWithoutAllocationPath(t *testing.T) {
	cfg := testConfig(t)

	o := NewOrchestrator(cfg, nil, nil, nil, nil, nil, testLogger())
	if _, err := o.Start(context.Background(), StartRequest{Room: "r5"}); !errors.Is(err, ErrNoAllocator) {
		t.Errorf("expected ErrNoAllocator, got %v", err)
	}

	o = NewOrchestrator(cfg, nil, nil, &stubAlloc{ready: false}, nil, nil, testLogger())
	_, err := o.Start(context.Background(), StartRequest{Room: "r5", Participants: []string{"p1"}})
	if !errors.Is(err, ErrNotReady) {
		t.Errorf("expected ErrNotReady, got %v", err)
	}
}

func TestRefreshReusesRecordingID(t *testing.T) {
	fakeFFmpeg(t)
	cfg := testConfig(t)
	o := NewOrchestrator(cfg, nil, nil, nil, nil, nil, testLogger())
	ctx := context.Background()

	st, err := o.Start(ctx, StartRequest{
		Room:   "r6",
		Inputs: []Input{{ID: "p1", RTPURL: "rtp://127.0.0.1:50000"}},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	firstDir := st.Manifest.OutputDir

	refreshed, err := o.Refresh(ctx, st.ID, StartRequest{
		Inputs: []Input{{ID: "p2", RTPURL: "rtp://127.0.0.1:50002"}},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer o.Stop(ctx, refreshed.ID)

	if refreshed.ID != st.ID {
		t.Errorf("expected the recording id to survive refresh, got %q and %q", st.ID, refreshed.ID)
	}
	if refreshed.Manifest.OutputDir == firstDir {
		t.Error("expected a fresh segment directory after refresh")
	}
	if len(refreshed.Manifest.Participants) != 1 || refreshed.Manifest.Participants[0].ID != "p2" {
		t.Errorf("unexpected participants after refresh: %+v", refreshed.Manifest.Participants)
	}
	if got := o.SegmentsStarted(); got != 2 {
		t.Errorf("expected 2 segments started, got %d", got)
	}
	if m := readManifest(t, firstDir); m.EndedAt == "" {
		t.Error("expected the first segment's manifest to be finalized")
	}

	if _, err := o.Refresh(ctx, "nope", StartRequest{}); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestRotationFollowsMembership(t *testing.T) {
	fakeFFmpeg(t)
	cfg := testConfig(t)
	confMap := conference.NewConfMap()
	sim := colibri.NewSimulator()
	tracker := conference.NewTracker(confMap, sim, testLogger())
	room := "r7@muc.example.com"
	confMap.Set(room, "CONF-7")

	tracker.HandlePresence(available(room, "alice", "alice@example.com", "Alice"))
	tracker.HandleSessionInitiate(context.Background(), room, audioSSRCs(111))

	o := NewOrchestrator(cfg, tracker, confMap, sim, nil, nil, testLogger())
	ctx := context.Background()

	st, err := o.Start(ctx, StartRequest{Room: "r7"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	firstDir := st.Manifest.OutputDir

	// A second participant joining and getting sources bound rotates the
	// segment to include the new input.
	tracker.HandlePresence(available(room, "bob", "bob@example.com", "Bob"))
	tracker.HandleSessionInitiate(context.Background(), room, audioSSRCs(222))

	deadline := time.Now().Add(10 * time.Second)
	var rotated *Status
	for time.Now().Before(deadline) {
		cur, err := o.Get(st.ID)
		if err == nil && cur.Manifest.OutputDir != firstDir && cur.Status == "running" {
			rotated = cur
			break
		}
		time.Sleep(50 * time.Millisecond)
	}
	if rotated == nil {
		t.Fatal("expected a rotated segment")
	}
	if len(rotated.Manifest.Participants) != 2 {
		t.Errorf("expected 2 participants after rotation, got %+v", rotated.Manifest.Participants)
	}
	if rotated.ID != st.ID {
		t.Errorf("expected the recording id to survive rotation, got %q", rotated.ID)
	}
	if got := o.Rotations(); got != 1 {
		t.Errorf("expected 1 rotation, got %d", got)
	}
	if m := readManifest(t, firstDir); m.EndedAt == "" {
		t.Error("expected the first segment's manifest to be finalized")
	}

	// Everyone leaving stops the recording outright.
	tracker.HandlePresence(conference.Presence{Room: room, Nick: "alice"})
	tracker.HandlePresence(conference.Presence{Room: room, Nick: "bob"})

	deadline = time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := o.Get(st.ID); errors.Is(err, ErrNotFound) {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatal("expected the recording to stop once the room emptied")
}

func TestStatusReadsDuringStop(t *testing.T) {
	fakeFFmpeg(t)
	cfg := testConfig(t)
	o := NewOrchestrator(cfg, nil, nil, nil, nil, nil, testLogger())
	ctx := context.Background()

	st, err := o.Start(ctx, StartRequest{
		Room:   "r8",
		Inputs: []Input{{ID: "p1", RTPURL: "rtp://127.0.0.1:50000"}},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Hammer the snapshot path while the stop finalizes the manifest; the
	// live manifest must never be written outside the orchestrator mutex.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, err := o.Get(st.ID); errors.Is(err, ErrNotFound) {
				return
			}
			o.List()
		}
	}()

	stopped, err := o.Stop(ctx, st.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	<-done

	if stopped.Status != "stopped" {
		t.Errorf("expected status stopped, got %q", stopped.Status)
	}
	if stopped.Manifest.EndedAt == "" {
		t.Error("expected the stop snapshot to carry ended_at")
	}
}

func TestStartFailsWhenSegmentDirUnprobeable(t *testing.T) {
	cfg := testConfig(t)
	o := NewOrchestrator(cfg, nil, nil, nil, nil, nil, testLogger())

	// A room stem longer than NAME_MAX makes the directory probe fail with
	// something other than not-exist; that surfaces instead of retrying.
	_, err := o.Start(context.Background(), StartRequest{
		Room:   strings.Repeat("a", 300),
		Inputs: []Input{{ID: "p1", RTPURL: "rtp://127.0.0.1:50000"}},
	})
	if err == nil {
		t.Fatal("expected an error")
	}
	if !strings.Contains(err.Error(), "probing segment directory") {
		t.Errorf("unexpected error: %v", err)
	}
}
