package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/jitcap/jitcap/internal/bridge"
	"github.com/jitcap/jitcap/internal/xmpp"
)

// multitrackRequest is the body for the record start/stop endpoints.
type multitrackRequest struct {
	RoomID string `json:"room_id"`
}

// multitrackResponse acknowledges a record start/stop request.
type multitrackResponse struct {
	Status  string `json:"status"`
	Room    string `json:"room"`
	Message string `json:"message,omitempty"`
}

// joinConferenceRequest is the body for POST /test/join-conference.
type joinConferenceRequest struct {
	Room string `json:"room"`
}

// handleMultitrackStart joins the conference and points the bridge's
// multitrack recorder at the configured recording sink.
func (s *Server) handleMultitrackStart(w http.ResponseWriter, r *http.Request) {
	var req multitrackRequest
	if errMsg := readJSON(r, &req); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	if msg := validateRoom("room_id", req.RoomID); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}
	if s.signaller == nil {
		writeError(w, http.StatusServiceUnavailable, "xmpp signalling is disabled")
		return
	}

	// Join is best effort: the bridge side of multitrack does not depend on
	// our occupant presence in the room.
	if err := s.signaller.JoinConference(r.Context(), req.RoomID); err != nil {
		slog.Warn("multitrack start: conference join failed", "room", req.RoomID, "error", err)
	}

	if err := s.signaller.StartMultitrack(r.Context(), req.RoomID); err != nil {
		s.writeSignallingError(w, "multitrack start", err)
		return
	}

	writeJSON(w, http.StatusOK, multitrackResponse{
		Status:  "recording",
		Room:    req.RoomID,
		Message: "multitrack recorder connected",
	})
}

// handleMultitrackStop detaches the bridge's multitrack recorder.
func (s *Server) handleMultitrackStop(w http.ResponseWriter, r *http.Request) {
	var req multitrackRequest
	if errMsg := readJSON(r, &req); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	if msg := validateRoom("room_id", req.RoomID); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}
	if s.signaller == nil {
		writeError(w, http.StatusServiceUnavailable, "xmpp signalling is disabled")
		return
	}

	if err := s.signaller.StopMultitrack(r.Context(), req.RoomID); err != nil {
		s.writeSignallingError(w, "multitrack stop", err)
		return
	}

	writeJSON(w, http.StatusOK, multitrackResponse{Status: "stopped", Room: req.RoomID})
}

// handleJoinConference joins a conference room as a hidden muted observer.
func (s *Server) handleJoinConference(w http.ResponseWriter, r *http.Request) {
	var req joinConferenceRequest
	if errMsg := readJSON(r, &req); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	if msg := validateRoom("room", req.Room); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}
	if s.signaller == nil || !s.signaller.Ready() {
		writeError(w, http.StatusServiceUnavailable, "xmpp connection not ready")
		return
	}

	if err := s.signaller.JoinConference(r.Context(), req.Room); err != nil {
		slog.Error("join conference: failed", "room", req.Room, "error", err)
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "joined", "room": req.Room})
}

// writeSignallingError maps bridge signalling failures onto the HTTP surface.
func (s *Server) writeSignallingError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, xmpp.ErrNoBridge):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, bridge.ErrConferenceNotFound):
		writeError(w, http.StatusNotFound, "conference not found")
	default:
		slog.Error(op+": failed", "error", err)
		writeError(w, http.StatusBadGateway, err.Error())
	}
}
