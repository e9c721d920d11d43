// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package metrics holds the prometheus collectors shared by the workers. The
// status server exposes them on /metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collector contains Prometheus metrics for finalize, watcher and reconcile.
// A nil *Collector is valid and records nothing.
type Collector struct {
	Registry *prometheus.Registry

	FinalizeRuns       *prometheus.CounterVec
	FinalizeDuration   prometheus.Histogram
	FinalizeAttempts   prometheus.Histogram
	FilesMoved         prometheus.Counter
	FilesSkipped       prometheus.Counter
	BytesMoved         prometheus.Counter
	TracksMarked       prometheus.Counter
	WatcherEvents      *prometheus.CounterVec
	WatcherQueueDepth  prometheus.Gauge
	ReconcileJobs      *prometheus.CounterVec
	ReconcileLastPoll  prometheus.Gauge
	ActiveFinalizeRuns prometheus.Gauge
}

// NewCollector creates and registers all collectors on a fresh registry.
func NewCollector() *Collector {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Collector{
		Registry: reg,
		FinalizeRuns: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mmsync_finalize_runs_total",
			Help: "Finalize and import runs by trigger and outcome",
		}, []string{"trigger", "outcome"}),
		FinalizeDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "mmsync_finalize_duration_seconds",
			Help:    "Time spent in a finalize run including retries",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300},
		}),
		FinalizeAttempts: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "mmsync_finalize_attempts",
			Help:    "Completion checks made per finalize run",
			Buckets: []float64{1, 2, 3, 4, 5, 10},
		}),
		FilesMoved: factory.NewCounter(prometheus.CounterOpts{
			Name: "mmsync_files_moved_total",
			Help: "Audio files migrated into the library",
		}),
		FilesSkipped: factory.NewCounter(prometheus.CounterOpts{
			Name: "mmsync_files_skipped_total",
			Help: "Audio files skipped because they were still being written or could not be moved",
		}),
		BytesMoved: factory.NewCounter(prometheus.CounterOpts{
			Name: "mmsync_bytes_moved_total",
			Help: "Bytes of audio migrated into the library",
		}),
		TracksMarked: factory.NewCounter(prometheus.CounterOpts{
			Name: "mmsync_tracks_marked_available_total",
			Help: "Tracks marked available by the metadata updater",
		}),
		WatcherEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mmsync_watcher_events_total",
			Help: "Filesystem watcher events by result",
		}, []string{"result"}),
		WatcherQueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Name: "mmsync_watcher_queue_depth",
			Help: "Paths waiting in the watcher queue",
		}),
		ReconcileJobs: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mmsync_reconcile_jobs_total",
			Help: "History jobs seen by the reconciliation poller by result",
		}, []string{"result"}),
		ReconcileLastPoll: factory.NewGauge(prometheus.GaugeOpts{
			Name: "mmsync_reconcile_last_poll_timestamp_seconds",
			Help: "Unix time of the last history poll",
		}),
		ActiveFinalizeRuns: factory.NewGauge(prometheus.GaugeOpts{
			Name: "mmsync_finalize_active_runs",
			Help: "Finalize runs currently in progress",
		}),
	}
}

func (c *Collector) ObserveFinalize(trigger, outcome string, attempts int, d time.Duration) {
	if c == nil {
		return
	}
	c.FinalizeRuns.WithLabelValues(trigger, outcome).Inc()
	c.FinalizeDuration.Observe(d.Seconds())
	if attempts > 0 {
		c.FinalizeAttempts.Observe(float64(attempts))
	}
}

func (c *Collector) ObserveImport(moved, skipped int, bytes int64, tracks int) {
	if c == nil {
		return
	}
	c.FilesMoved.Add(float64(moved))
	c.FilesSkipped.Add(float64(skipped))
	c.BytesMoved.Add(float64(bytes))
	c.TracksMarked.Add(float64(tracks))
}

func (c *Collector) FinalizeStarted() {
	if c == nil {
		return
	}
	c.ActiveFinalizeRuns.Inc()
}

func (c *Collector) FinalizeFinished() {
	if c == nil {
		return
	}
	c.ActiveFinalizeRuns.Dec()
}

func (c *Collector) WatcherEvent(result string) {
	if c == nil {
		return
	}
	c.WatcherEvents.WithLabelValues(result).Inc()
}

func (c *Collector) SetWatcherQueueDepth(n int) {
	if c == nil {
		return
	}
	c.WatcherQueueDepth.Set(float64(n))
}

func (c *Collector) ReconcileJob(result string) {
	if c == nil {
		return
	}
	c.ReconcileJobs.WithLabelValues(result).Inc()
}

func (c *Collector) ReconcilePolled(at time.Time) {
	if c == nil {
		return
	}
	c.ReconcileLastPoll.Set(float64(at.Unix()))
}
