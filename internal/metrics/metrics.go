package metrics

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// RecorderStatsProvider exposes the orchestrator's counters.
type RecorderStatsProvider interface {
	ActiveRecordings() int
	SegmentsStarted() int
	Rotations() int
	AllocationFailures() int
}

// ParticipantCounter returns the number of tracked conference occupants.
type ParticipantCounter interface {
	TotalParticipants() int
}

// ConnectionStatus reports whether the signalling path is usable.
type ConnectionStatus interface {
	Ready() bool
}

// RecordingCounter returns ledger recording counts grouped by status.
type RecordingCounter interface {
	CountByStatus(ctx context.Context) (map[string]int64, error)
}

// Collector is a prometheus.Collector that gathers recorder metrics at scrape time.
type Collector struct {
	recorder     RecorderStatsProvider
	participants ParticipantCounter
	conn         ConnectionStatus
	ledger       RecordingCounter
	startTime    time.Time

	// Metric descriptors.
	activeRecordingsDesc   *prometheus.Desc
	segmentsDesc           *prometheus.Desc
	rotationsDesc          *prometheus.Desc
	allocationFailuresDesc *prometheus.Desc
	participantsDesc       *prometheus.Desc
	xmppConnectedDesc      *prometheus.Desc
	recordingsTotalDesc    *prometheus.Desc
	uptimeDesc             *prometheus.Desc
}

// NewCollector creates a new metrics collector. Any provider may be nil if unavailable.
func NewCollector(
	recorder RecorderStatsProvider,
	participants ParticipantCounter,
	conn ConnectionStatus,
	ledger RecordingCounter,
	startTime time.Time,
) *Collector {
	return &Collector{
		recorder:     recorder,
		participants: participants,
		conn:         conn,
		ledger:       ledger,
		startTime:    startTime,

		activeRecordingsDesc: prometheus.NewDesc(
			"jitcap_active_recordings",
			"Number of recordings currently capturing",
			nil, nil,
		),
		segmentsDesc: prometheus.NewDesc(
			"jitcap_segments_started_total",
			"Total capture segments started since process start",
			nil, nil,
		),
		rotationsDesc: prometheus.NewDesc(
			"jitcap_segment_rotations_total",
			"Total membership-driven segment rotations since process start",
			nil, nil,
		),
		allocationFailuresDesc: prometheus.NewDesc(
			"jitcap_allocation_failures_total",
			"Total failed forwarder allocations since process start",
			nil, nil,
		),
		participantsDesc: prometheus.NewDesc(
			"jitcap_tracked_participants",
			"Number of conference occupants currently tracked",
			nil, nil,
		),
		xmppConnectedDesc: prometheus.NewDesc(
			"jitcap_xmpp_connected",
			"Whether the XMPP signalling path is up with a bridge visible (1=yes)",
			nil, nil,
		),
		recordingsTotalDesc: prometheus.NewDesc(
			"jitcap_recordings_total",
			"Total recordings in the ledger",
			[]string{"status"}, nil,
		),
		uptimeDesc: prometheus.NewDesc(
			"jitcap_uptime_seconds",
			"Seconds since the recorder process started",
			nil, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.activeRecordingsDesc
	ch <- c.segmentsDesc
	ch <- c.rotationsDesc
	ch <- c.allocationFailuresDesc
	ch <- c.participantsDesc
	ch <- c.xmppConnectedDesc
	ch <- c.recordingsTotalDesc
	ch <- c.uptimeDesc
}

// Collect implements prometheus.Collector. It queries all providers at scrape time.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// Orchestrator counters.
	if c.recorder != nil {
		ch <- prometheus.MustNewConstMetric(
			c.activeRecordingsDesc, prometheus.GaugeValue,
			float64(c.recorder.ActiveRecordings()),
		)
		ch <- prometheus.MustNewConstMetric(
			c.segmentsDesc, prometheus.CounterValue,
			float64(c.recorder.SegmentsStarted()),
		)
		ch <- prometheus.MustNewConstMetric(
			c.rotationsDesc, prometheus.CounterValue,
			float64(c.recorder.Rotations()),
		)
		ch <- prometheus.MustNewConstMetric(
			c.allocationFailuresDesc, prometheus.CounterValue,
			float64(c.recorder.AllocationFailures()),
		)
	}

	// Tracked occupants gauge.
	if c.participants != nil {
		ch <- prometheus.MustNewConstMetric(
			c.participantsDesc, prometheus.GaugeValue,
			float64(c.participants.TotalParticipants()),
		)
	}

	// Signalling health gauge.
	if c.conn != nil {
		val := 0.0
		if c.conn.Ready() {
			val = 1.0
		}
		ch <- prometheus.MustNewConstMetric(
			c.xmppConnectedDesc, prometheus.GaugeValue, val,
		)
	}

	// Ledger totals by status.
	if c.ledger != nil {
		counts, err := c.ledger.CountByStatus(ctx)
		if err != nil {
			slog.Error("metrics: failed to count recordings by status", "error", err)
		} else {
			for _, status := range []string{"recording", "stopped", "interrupted"} {
				ch <- prometheus.MustNewConstMetric(
					c.recordingsTotalDesc, prometheus.CounterValue,
					float64(counts[status]), status,
				)
			}
		}
	}

	// Uptime.
	ch <- prometheus.MustNewConstMetric(
		c.uptimeDesc, prometheus.GaugeValue,
		time.Since(c.startTime).Seconds(),
	)
}
