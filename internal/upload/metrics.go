package upload

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	transitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chunkup_upload_transitions_total",
		Help: "Status transitions applied to upload records",
	}, []string{"from", "to"})

	sweepRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chunkup_reaper_runs_total",
		Help: "Reaper sweeps by final status",
	}, []string{"status"})

	sweepUploadsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chunkup_reaper_uploads_total",
		Help: "Uploads handled by the reaper by outcome",
	}, []string{"outcome"})

	integrityAlertsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chunkup_reaper_integrity_alerts_total",
		Help: "Uploads marked MISSING because stored bytes contradicted their status",
	})

	sweepDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "chunkup_reaper_sweep_duration_seconds",
		Help:    "Duration of reaper sweeps in seconds",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
	})
)
