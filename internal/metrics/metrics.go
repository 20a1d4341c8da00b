// Package metrics declares the process-wide Prometheus collectors. All
// collectors register on the default registry; the daemon exposes them on
// /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BotsCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "usher_bots_created_total",
		Help: "Bots accepted by the control plane.",
	}, []string{"platform"})

	BotStatusTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "usher_bot_status_transitions_total",
		Help: "Status-class events recorded per target status.",
	}, []string{"status"})

	DeploysTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "usher_deploys_total",
		Help: "Deployment attempts by outcome (deployed, queued, saturated, failed).",
	}, []string{"outcome"})

	SlotAcquisitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "usher_slot_acquisitions_total",
		Help: "Warm-pool slot acquisitions by source (reuse, grow).",
	}, []string{"source"})

	PoolSize = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "usher_pool_slots",
		Help: "Current slot count per platform.",
	}, []string{"platform"})

	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "usher_queue_depth",
		Help: "Bots currently waiting in the deployment queue.",
	})

	QueueWaits = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "usher_queue_wait_seconds",
		Help:    "Time bots spent queued before draining.",
		Buckets: prometheus.ExponentialBuckets(1, 2, 12),
	})

	RecoveredSlots = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "usher_slot_recoveries_total",
		Help: "Recovery worker outcomes (recovered, failed, deleted).",
	}, []string{"outcome"})

	QuotaDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "usher_quota_decisions_total",
		Help: "Quota gate admissions and rejections.",
	}, []string{"decision"})

	HTTPDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "usher_http_request_duration_seconds",
		Help:    "RPC latency by route and status class.",
		Buckets: prometheus.DefBuckets,
	}, []string{"route", "code"})

	HeartbeatsReceived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "usher_agent_heartbeats_total",
		Help: "Heartbeats accepted from running agents.",
	})

	CallbacksSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "usher_callbacks_total",
		Help: "Terminal-status callbacks by outcome (ok, failed).",
	}, []string{"outcome"})
)
