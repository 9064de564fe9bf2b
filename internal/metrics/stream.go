// SPDX-License-Identifier: MIT

// Package metrics exposes Prometheus instrumentation for the delivery core.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// StreamStartTotal tracks stream admission outcomes.
	StreamStartTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "draftwire",
		Name:      "stream_start_total",
		Help:      "Total stream start attempts by result",
	}, []string{"result"})

	// ActiveStreams tracks currently connected stream deliveries.
	ActiveStreams = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "draftwire",
		Name:      "active_streams",
		Help:      "Number of currently active stream connections",
	})

	// EventsEmitted counts buffered events by type.
	EventsEmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "draftwire",
		Name:      "events_emitted_total",
		Help:      "Total events appended to session buffers by type",
	}, []string{"type"})

	// RateLimitExceeded counts admission denials from the token bucket.
	RateLimitExceeded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "draftwire",
		Name:      "ratelimit_exceeded_total",
		Help:      "Total rate limit rejections",
	}, []string{"kind", "mode"})

	// QuotaExceeded counts admission denials from quota windows.
	QuotaExceeded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "draftwire",
		Name:      "quota_exceeded_total",
		Help:      "Total quota window rejections",
	}, []string{"window"})

	// ResumeTotal tracks resume attempts by outcome.
	ResumeTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "draftwire",
		Name:      "resume_total",
		Help:      "Total resume attempts by outcome",
	}, []string{"outcome"})

	// DegradedSessions counts sessions served without a durable buffer.
	DegradedSessions = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "draftwire",
		Name:      "degraded_sessions_total",
		Help:      "Total sessions served in degraded (no-resume) mode",
	})

	// BufferTrims counts retention-cap trims applied to session buffers.
	BufferTrims = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "draftwire",
		Name:      "buffer_trims_total",
		Help:      "Total buffer trim operations",
	})

	// ReplayDuration tracks how long a resume replay took.
	ReplayDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "draftwire",
		Name:      "replay_duration_seconds",
		Help:      "Time taken to replay buffered events on resume",
		Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
	})
)

// IncStreamStart records a stream start attempt outcome.
func IncStreamStart(result string) {
	StreamStartTotal.WithLabelValues(result).Inc()
}

// IncResume records a resume attempt outcome.
func IncResume(outcome string) {
	ResumeTotal.WithLabelValues(outcome).Inc()
}

// ObserveReplayDuration records the replay portion of a resume.
func ObserveReplayDuration(d time.Duration) {
	ReplayDuration.Observe(d.Seconds())
}
