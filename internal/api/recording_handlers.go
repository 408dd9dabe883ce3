package api

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/jitcap/jitcap/internal/colibri"
	"github.com/jitcap/jitcap/internal/database"
	"github.com/jitcap/jitcap/internal/database/models"
	"github.com/jitcap/jitcap/internal/recorder"
	"github.com/jitcap/jitcap/internal/xmpp"
)

// stopResponse is the acknowledgement for DELETE /recordings/{id}.
type stopResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// recordingEntry is one ledger row in list responses.
type recordingEntry struct {
	ID        string  `json:"id"`
	Room      string  `json:"room"`
	OutputDir string  `json:"output_dir"`
	Status    string  `json:"status"`
	StartedAt string  `json:"started_at"`
	EndedAt   *string `json:"ended_at,omitempty"`
	Segments  int     `json:"segments"`
}

// recordingListResponse is the shape returned by GET /recordings.
type recordingListResponse struct {
	Recordings []recordingEntry `json:"recordings"`
	Total      int              `json:"total"`
	Limit      int              `json:"limit"`
	Offset     int              `json:"offset"`
}

// segmentEntry is one capture segment of a recording.
type segmentEntry struct {
	Dir          string  `json:"dir"`
	Participants int     `json:"participants"`
	StartedAt    string  `json:"started_at"`
	EndedAt      *string `json:"ended_at,omitempty"`
}

type segmentListResponse struct {
	Segments []segmentEntry `json:"segments"`
}

// handleStartRecording starts a per-participant recording for a room.
func (s *Server) handleStartRecording(w http.ResponseWriter, r *http.Request) {
	var req recorder.StartRequest
	if errMsg := readJSON(r, &req); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	if msg := validateRoom("room", req.Room); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}
	if msg := validateParticipants("participants", req.Participants); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}
	if msg := validateInputs(req.Inputs); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}

	st, err := s.recorder.Start(r.Context(), req)
	if err != nil {
		s.writeRecorderError(w, "start recording", err)
		return
	}

	writeJSON(w, http.StatusOK, st)
}

// handleGetRecording returns the live status of an active recording.
func (s *Server) handleGetRecording(w http.ResponseWriter, r *http.Request) {
	st, err := s.recorder.Get(chi.URLParam(r, "id"))
	if err != nil {
		s.writeRecorderError(w, "get recording", err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// handleStopRecording stops an active recording and acknowledges with its id.
func (s *Server) handleStopRecording(w http.ResponseWriter, r *http.Request) {
	st, err := s.recorder.Stop(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeRecorderError(w, "stop recording", err)
		return
	}
	writeJSON(w, http.StatusOK, stopResponse{ID: st.ID, Status: st.Status})
}

// handleRefreshRecording restarts a recording's capture with fresh inputs,
// keeping its id. The body is optional and takes the same shape as start;
// an empty body re-resolves inputs from the tracked conference.
func (s *Server) handleRefreshRecording(w http.ResponseWriter, r *http.Request) {
	var req recorder.StartRequest
	if r.ContentLength != 0 {
		if errMsg := readJSON(r, &req); errMsg != "" {
			writeError(w, http.StatusBadRequest, errMsg)
			return
		}
		if msg := validateParticipants("participants", req.Participants); msg != "" {
			writeError(w, http.StatusBadRequest, msg)
			return
		}
		if msg := validateInputs(req.Inputs); msg != "" {
			writeError(w, http.StatusBadRequest, msg)
			return
		}
	}

	st, err := s.recorder.Refresh(r.Context(), chi.URLParam(r, "id"), req)
	if err != nil {
		s.writeRecorderError(w, "refresh recording", err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// handleListRecordings returns the recording ledger, newest first.
// Query params: limit, offset, room, status.
func (s *Server) handleListRecordings(w http.ResponseWriter, r *http.Request) {
	if s.ledger == nil {
		writeError(w, http.StatusServiceUnavailable, "recording ledger not available")
		return
	}

	pg, errMsg := parsePagination(r)
	if errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}

	q := r.URL.Query()
	status := q.Get("status")
	switch status {
	case "", models.StatusRecording, models.StatusStopped, models.StatusInterrupted:
	default:
		writeError(w, http.StatusBadRequest, "status must be one of recording, stopped, interrupted")
		return
	}

	filter := database.RecordingListFilter{
		Limit:  pg.Limit,
		Offset: pg.Offset,
		Room:   q.Get("room"),
		Status: status,
	}

	recs, total, err := s.ledger.List(r.Context(), filter)
	if err != nil {
		slog.Error("list recordings: failed to query ledger", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	items := make([]recordingEntry, len(recs))
	for i := range recs {
		items[i] = recordingEntryFromModel(&recs[i])
	}

	writeJSON(w, http.StatusOK, recordingListResponse{
		Recordings: items,
		Total:      total,
		Limit:      pg.Limit,
		Offset:     pg.Offset,
	})
}

// handleListSegments returns the capture segments recorded for one recording,
// oldest first.
func (s *Server) handleListSegments(w http.ResponseWriter, r *http.Request) {
	if s.ledger == nil {
		writeError(w, http.StatusServiceUnavailable, "recording ledger not available")
		return
	}

	id := chi.URLParam(r, "id")
	rec, err := s.ledger.GetByID(r.Context(), id)
	if err != nil {
		slog.Error("list segments: failed to query recording", "error", err, "recording_id", id)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if rec == nil {
		writeError(w, http.StatusNotFound, "recording not found")
		return
	}

	segs, err := s.ledger.ListSegments(r.Context(), id)
	if err != nil {
		slog.Error("list segments: failed to query segments", "error", err, "recording_id", id)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	items := make([]segmentEntry, len(segs))
	for i, seg := range segs {
		items[i] = segmentEntry{
			Dir:          seg.Dir,
			Participants: seg.Participants,
			StartedAt:    seg.StartedAt.Format(time.RFC3339),
		}
		if seg.EndedAt != nil {
			t := seg.EndedAt.Format(time.RFC3339)
			items[i].EndedAt = &t
		}
	}

	writeJSON(w, http.StatusOK, segmentListResponse{Segments: items})
}

// recordingEntryFromModel maps a ledger row to its response shape.
func recordingEntryFromModel(rec *models.Recording) recordingEntry {
	e := recordingEntry{
		ID:        rec.ID,
		Room:      rec.Room,
		OutputDir: rec.OutputDir,
		Status:    rec.Status,
		StartedAt: rec.StartedAt.Format(time.RFC3339),
		Segments:  rec.Segments,
	}
	if rec.EndedAt != nil {
		t := rec.EndedAt.Format(time.RFC3339)
		e.EndedAt = &t
	}
	return e
}

// writeRecorderError maps orchestration failures onto the HTTP surface.
func (s *Server) writeRecorderError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, recorder.ErrNotFound):
		writeError(w, http.StatusNotFound, "recording not found")
	case errors.Is(err, recorder.ErrAlreadyRecording):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, recorder.ErrNotReady) || errors.Is(err, xmpp.ErrNoBridge):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, recorder.ErrNoAllocator):
		writeError(w, http.StatusNotImplemented, err.Error())
	case errors.Is(err, colibri.ErrUnsupported):
		writeError(w, http.StatusBadGateway, err.Error())
	default:
		slog.Error(op+": failed", "error", err)
		writeError(w, http.StatusBadGateway, err.Error())
	}
}
