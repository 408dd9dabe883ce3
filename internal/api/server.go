package api

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"mellium.im/xmpp/jid"

	"github.com/jitcap/jitcap/internal/api/middleware"
	"github.com/jitcap/jitcap/internal/config"
	"github.com/jitcap/jitcap/internal/database"
	"github.com/jitcap/jitcap/internal/recorder"
)

// RecordingController is the orchestration surface the HTTP API drives.
// *recorder.Orchestrator implements it.
type RecordingController interface {
	Start(ctx context.Context, req recorder.StartRequest) (*recorder.Status, error)
	Get(id string) (*recorder.Status, error)
	Stop(ctx context.Context, id string) (*recorder.Status, error)
	Refresh(ctx context.Context, id string, req recorder.StartRequest) (*recorder.Status, error)
}

// ConferenceSignaller is the XMPP control surface behind the multitrack and
// conference-join endpoints. *xmpp.Client implements it. A nil signaller
// means the server runs without an XMPP connection and those endpoints
// answer 503.
type ConferenceSignaller interface {
	Ready() bool
	BridgeJID() (jid.JID, bool)
	JoinConference(ctx context.Context, room string) error
	StartMultitrack(ctx context.Context, room string) error
	StopMultitrack(ctx context.Context, room string) error
}

// Server holds HTTP handler dependencies and the chi router.
type Server struct {
	router    *chi.Mux
	cfg       *config.Config
	recorder  RecordingController
	signaller ConferenceSignaller
	ledger    database.RecordingRepository
	metrics   http.Handler
	limiter   *middleware.IPRateLimiter
}

// NewServer creates the HTTP handler with all routes mounted. signaller,
// ledger, and metrics may be nil; the routes backed by them degrade
// individually.
func NewServer(cfg *config.Config, rec RecordingController, sig ConferenceSignaller, ledger database.RecordingRepository, metrics http.Handler) *Server {
	s := &Server{
		router:    chi.NewRouter(),
		cfg:       cfg,
		recorder:  rec,
		signaller: sig,
		ledger:    ledger,
		metrics:   metrics,
		limiter:   middleware.NewIPRateLimiter(middleware.DefaultRateLimitConfig()),
	}

	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Close stops the rate limiter's background cleanup.
func (s *Server) Close() {
	s.limiter.Stop()
}

// routes configures all middleware and mounts all route groups.
func (s *Server) routes() {
	r := s.router

	// Global middleware stack.
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.StructuredLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RateLimit(s.limiter))

	// Unauthenticated probes.
	r.Get("/health", s.handleHealth)
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics)
	}

	// Control surface, token-protected when a secret is configured.
	r.Group(func(r chi.Router) {
		r.Use(middleware.TokenAuth(s.cfg.APISecret))

		r.Route("/recordings", func(r chi.Router) {
			r.Get("/", s.handleListRecordings)
			r.Post("/", s.handleStartRecording)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handleGetRecording)
				r.Delete("/", s.handleStopRecording)
				r.Post("/refresh", s.handleRefreshRecording)
				r.Get("/segments", s.handleListSegments)
			})
		})

		r.Route("/api/record", func(r chi.Router) {
			r.Post("/start", s.handleMultitrackStart)
			r.Post("/stop", s.handleMultitrackStop)
		})

		r.Post("/test/join-conference", s.handleJoinConference)
	})

	slog.Info("api routes mounted")
}

// healthResponse is the shape returned by GET /health.
type healthResponse struct {
	Status         string         `json:"status"`
	XMPP           xmppHealthInfo `json:"xmpp"`
	SimulationMode bool           `json:"simulation_mode"`
	BreweryMUC     string         `json:"brewery_muc"`
}

type xmppHealthInfo struct {
	Enabled   bool   `json:"enabled"`
	Connected bool   `json:"connected"`
	BridgeJID string `json:"bridge_jid"`
}

// handleHealth reports liveness plus the state of the signalling path.
// Unauthenticated.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:         "ok",
		SimulationMode: s.cfg.Simulate,
		BreweryMUC:     s.cfg.BreweryMUC,
	}
	resp.XMPP.Enabled = s.cfg.XMPPEnabled()
	if s.signaller != nil {
		resp.XMPP.Connected = s.signaller.Ready()
		if bridge, ok := s.signaller.BridgeJID(); ok {
			resp.XMPP.BridgeJID = bridge.String()
		}
	}
	writeJSON(w, http.StatusOK, resp)
}
