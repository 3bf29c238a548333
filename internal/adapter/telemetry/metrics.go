// Package telemetry exposes the server's operational counters and
// latency histograms. Collectors register on the default registry;
// httpapi serves them at /metrics.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var Commits = promauto.NewCounter(prometheus.CounterOpts{
	Name: "sync_commits_total",
	Help: "operations committed to owner logs",
})

var ConflictsManual = promauto.NewCounter(prometheus.CounterOpts{
	Name: "sync_conflicts_manual_total",
	Help: "commits that recorded a manual field conflict",
})

var RejectsStale = promauto.NewCounter(prometheus.CounterOpts{
	Name: "sync_rejects_stale_total",
	Help: "operations rejected because their base was ahead of the server",
})

var RejectsProtocol = promauto.NewCounter(prometheus.CounterOpts{
	Name: "sync_rejects_protocol_total",
	Help: "operations rejected as structurally invalid",
})

var DeadLettered = promauto.NewCounter(prometheus.CounterOpts{
	Name: "sync_dead_lettered_total",
	Help: "operations parked in the dead-letter queue after a merge failure",
})

var BroadcastFailures = promauto.NewCounter(prometheus.CounterOpts{
	Name: "sync_broadcast_failures_total",
	Help: "commit announcements the bus failed to publish",
})

var ReorderDrops = promauto.NewCounter(prometheus.CounterOpts{
	Name: "sync_reorder_drops_total",
	Help: "bus events dropped by the reorder buffer, forcing a catch-up",
})

var QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Name: "sync_queue_depth",
	Help: "offline queue entries at rest per device",
}, []string{"device"})

var SessionsLive = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "sync_sessions_live",
	Help: "sessions currently registered for fan-out",
})

var CommitLatency = promauto.NewHistogram(prometheus.HistogramOpts{
	Name:    "sync_commit_latency_seconds",
	Help:    "merge plus storage commit time per operation",
	Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
})

var BroadcastLatency = promauto.NewHistogram(prometheus.HistogramOpts{
	Name:    "sync_broadcast_latency_seconds",
	Help:    "commit to bus-publish time",
	Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12),
})

var ReconnectGap = promauto.NewHistogram(prometheus.HistogramOpts{
	Name:    "sync_reconnect_gap_seconds",
	Help:    "offline time of devices that resumed within the window",
	Buckets: prometheus.ExponentialBuckets(0.25, 2, 10),
})
