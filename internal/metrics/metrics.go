// Package metrics exposes the service's Prometheus instruments.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	EventsCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "saferide_boarding_events_created_total",
		Help: "Boarding events accepted, by kiosk.",
	}, []string{"kiosk_id"})

	Verifications = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "saferide_verifications_total",
		Help: "Completed re-verification runs, by final status.",
	}, []string{"status"})

	VerificationDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "saferide_verification_duration_seconds",
		Help:    "Wall-clock duration of re-verification runs.",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 10),
	})

	Heartbeats = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "saferide_heartbeats_total",
		Help: "Heartbeats ingested, by derived status.",
	}, []string{"status"})

	SnapshotBuilds = promauto.NewCounter(prometheus.CounterOpts{
		Name: "saferide_snapshot_builds_total",
		Help: "Snapshot artifacts built (cache hits excluded).",
	})

	SnapshotBuildDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "saferide_snapshot_build_duration_seconds",
		Help:    "Wall-clock duration of snapshot artifact builds.",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
	})

	SnapshotDownloads = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "saferide_snapshot_downloads_total",
		Help: "Snapshot downloads served, by kiosk.",
	}, []string{"kiosk_id"})
)
