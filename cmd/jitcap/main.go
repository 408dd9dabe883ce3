package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jitcap/jitcap/internal/api"
	"github.com/jitcap/jitcap/internal/bridge"
	"github.com/jitcap/jitcap/internal/colibri"
	"github.com/jitcap/jitcap/internal/conference"
	"github.com/jitcap/jitcap/internal/config"
	"github.com/jitcap/jitcap/internal/database"
	"github.com/jitcap/jitcap/internal/metrics"
	"github.com/jitcap/jitcap/internal/recorder"
	"github.com/jitcap/jitcap/internal/xmpp"
)

// xmppRetryDelay spaces reconnect attempts after a stream failure.
const xmppRetryDelay = 5 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	// Configure structured logging.
	logger := slog.New(cfg.SlogHandler(os.Stdout))
	slog.SetDefault(logger)

	slog.Info("starting jitcap",
		"http_addr", cfg.HTTPAddr,
		"recordings_path", cfg.RecordingsPath,
		"xmpp", cfg.XMPPEnabled(),
		"component", cfg.ComponentMode(),
		"simulate", cfg.Simulate,
	)

	// Open the recording ledger and run migrations.
	db, err := database.Open(cfg.DataDir)
	if err != nil {
		slog.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	ledger := database.NewRecordingRepository(db)

	// Rows a previous process left open describe recordings whose capture
	// jobs died with it.
	if n, err := ledger.MarkInterrupted(context.Background(), time.Now().UTC()); err != nil {
		slog.Warn("marking interrupted recordings", "error", err)
	} else if n > 0 {
		slog.Info("marked stale recordings interrupted", "count", n)
	}

	// Application context for background goroutines.
	appCtx, appCancel := context.WithCancel(context.Background())
	defer appCancel()

	gateway := colibri.NewHTTPClient(cfg.Colibri2URL, cfg.Colibri2WS)
	rest := bridge.NewClient(cfg.JVBRestURL, logger)

	// The simulator replaces the bridge for local runs; otherwise forwarders
	// come from the XMPP client's Colibri path.
	var sim *colibri.Simulator
	if cfg.Simulate {
		sim = colibri.NewSimulator()
		slog.Warn("colibri simulation enabled, forwarders are fabricated in-process")
	}

	var (
		xmppClient *xmpp.Client
		tracker    *conference.Tracker
		confMap    *conference.ConfMap
		alloc      recorder.AllocationClient
	)
	if cfg.XMPPEnabled() {
		var trackerAlloc conference.ForwarderAllocator
		if sim != nil {
			trackerAlloc = sim
		}
		xmppClient, err = xmpp.NewClient(cfg, trackerAlloc, rest, logger)
		if err != nil {
			slog.Error("failed to create xmpp client", "error", err)
			os.Exit(1)
		}
		tracker = xmppClient.Tracker()
		confMap = xmppClient.ConfMap()
		alloc = xmppClient

		go runXMPP(appCtx, xmppClient)
	}
	if sim != nil {
		alloc = sim
	}

	orch := recorder.NewOrchestrator(cfg, tracker, confMap, alloc, gateway, ledger, logger)

	// Metrics registry with the recorder collector.
	registry := prometheus.NewRegistry()
	var participants metrics.ParticipantCounter
	var conn metrics.ConnectionStatus
	if tracker != nil {
		participants = tracker
	}
	if xmppClient != nil {
		conn = xmppClient
	}
	registry.MustRegister(metrics.NewCollector(orch, participants, conn, ledger, time.Now()))
	metricsHandler := promhttp.HandlerFor(registry, promhttp.HandlerOpts{})

	// HTTP control plane.
	var signaller api.ConferenceSignaller
	if xmppClient != nil {
		signaller = xmppClient
	}
	handler := api.NewServer(cfg, orch, signaller, ledger, metricsHandler)
	defer handler.Close()

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// Start server in goroutine.
	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// Wait for interrupt or server error.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		slog.Info("received shutdown signal", "signal", sig.String())
	case err := <-errCh:
		slog.Error("http server error", "error", err)
	}

	slog.Info("shutting down")
	appCancel()

	// Stop active recordings so capture subprocesses terminate and bridge
	// allocations are released before the process exits.
	stopCtx, stopCancel := context.WithTimeout(context.Background(), 30*time.Second)
	for _, st := range orch.List() {
		if _, err := orch.Stop(stopCtx, st.ID); err != nil {
			slog.Warn("stopping recording at shutdown", "recording_id", st.ID, "error", err)
		}
	}
	stopCancel()

	if xmppClient != nil {
		if err := xmppClient.Shutdown(); err != nil {
			slog.Warn("xmpp shutdown", "error", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("http server shutdown error", "error", err)
		os.Exit(1)
	}

	slog.Info("jitcap stopped")
}

// runXMPP keeps the signalling connection alive, reconnecting with a fixed
// delay after stream failures until the application context ends.
func runXMPP(ctx context.Context, client *xmpp.Client) {
	for {
		err := client.Run(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			slog.Error("xmpp session failed", "error", err)
		} else {
			slog.Warn("xmpp session closed, reconnecting")
		}
		select {
		case <-time.After(xmppRetryDelay):
		case <-ctx.Done():
			return
		}
	}
}
