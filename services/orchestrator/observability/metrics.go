// Copyright (C) 2026 DealerLens (engineering@dealerlens.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package observability provides Prometheus metrics for the answer
// pipeline.
//
// # Description
//
// Metrics cover request outcomes by route (cache, retrieval, sql, ...),
// token usage per task, streaming latency, cache effectiveness, and the
// TTL sweeper. Exposed on /metrics; designed for Prometheus + Grafana.
//
// # Thread Safety
//
// All metric operations are thread-safe via Prometheus's internal
// locking.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	metricsNamespace  = "dealerlens"
	pipelineSubsystem = "pipeline"
)

// PipelineMetrics holds all Prometheus metrics for the answer pipeline.
// Initialize once at startup via InitMetrics().
type PipelineMetrics struct {
	// RequestsTotal counts answered requests.
	// Labels: route (cache, out_of_domain, small_talk, direct_entity,
	// retrieval, sql), status (success, error)
	RequestsTotal *prometheus.CounterVec

	// TokensTotal counts LLM tokens by direction and task.
	// Labels: direction (input, output), task (registry task name)
	TokensTotal *prometheus.CounterVec

	// TimeToFirstTokenSeconds measures latency to the first streamed
	// token. Labels: route
	TimeToFirstTokenSeconds *prometheus.HistogramVec

	// AnswerDurationSeconds measures total request duration.
	// Labels: route, status
	AnswerDurationSeconds *prometheus.HistogramVec

	// ActiveStreams tracks currently open answer streams.
	ActiveStreams prometheus.Gauge

	// CacheLookupsTotal counts semantic cache lookups.
	// Labels: outcome (hit, miss, unavailable)
	CacheLookupsTotal *prometheus.CounterVec

	// SweeperDeletionsTotal counts entries removed by the TTL sweeper.
	// Labels: store (cache)
	SweeperDeletionsTotal *prometheus.CounterVec

	// ErrorsTotal counts request failures by error kind.
	// Labels: kind (provider, sql_invalid, sql_capacity, memory, internal)
	ErrorsTotal *prometheus.CounterVec
}

// DefaultMetrics is the process-wide metrics instance, set by
// InitMetrics().
var DefaultMetrics *PipelineMetrics

// InitMetrics creates and registers all pipeline metrics. Call once at
// startup; a second call panics on duplicate registration.
func InitMetrics() *PipelineMetrics {
	DefaultMetrics = &PipelineMetrics{
		RequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: pipelineSubsystem,
				Name:      "requests_total",
				Help:      "Total answered requests by route and status",
			},
			[]string{"route", "status"},
		),

		TokensTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: pipelineSubsystem,
				Name:      "tokens_total",
				Help:      "Total LLM tokens by direction and task",
			},
			[]string{"direction", "task"},
		),

		TimeToFirstTokenSeconds: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: pipelineSubsystem,
				Name:      "time_to_first_token_seconds",
				Help:      "Time from request to first streamed token",
				Buckets:   []float64{0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0},
			},
			[]string{"route"},
		),

		AnswerDurationSeconds: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: pipelineSubsystem,
				Name:      "answer_duration_seconds",
				Help:      "Total request duration by route and status",
				Buckets:   []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120},
			},
			[]string{"route", "status"},
		),

		ActiveStreams: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: pipelineSubsystem,
				Name:      "active_streams",
				Help:      "Currently open answer streams",
			},
		),

		CacheLookupsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: pipelineSubsystem,
				Name:      "cache_lookups_total",
				Help:      "Semantic cache lookups by outcome",
			},
			[]string{"outcome"},
		),

		SweeperDeletionsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: pipelineSubsystem,
				Name:      "sweeper_deletions_total",
				Help:      "Entries removed by the TTL sweeper",
			},
			[]string{"store"},
		),

		ErrorsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: pipelineSubsystem,
				Name:      "errors_total",
				Help:      "Request failures by error kind",
			},
			[]string{"kind"},
		),
	}
	return DefaultMetrics
}

// RecordRequest records one completed request.
func (m *PipelineMetrics) RecordRequest(route string, success bool, durationSeconds float64) {
	status := "success"
	if !success {
		status = "error"
	}
	m.RequestsTotal.WithLabelValues(route, status).Inc()
	m.AnswerDurationSeconds.WithLabelValues(route, status).Observe(durationSeconds)
}

// RecordTokens records LLM token usage for a task.
func (m *PipelineMetrics) RecordTokens(task string, inputTokens, outputTokens int) {
	m.TokensTotal.WithLabelValues("input", task).Add(float64(inputTokens))
	m.TokensTotal.WithLabelValues("output", task).Add(float64(outputTokens))
}

// RecordCacheLookup records one cache lookup outcome: "hit", "miss", or
// "unavailable".
func (m *PipelineMetrics) RecordCacheLookup(outcome string) {
	m.CacheLookupsTotal.WithLabelValues(outcome).Inc()
}

// RecordSweep records a sweeper pass over a store.
func (m *PipelineMetrics) RecordSweep(store string, deleted int) {
	m.SweeperDeletionsTotal.WithLabelValues(store).Add(float64(deleted))
}

// RecordError records a failed request by kind.
func (m *PipelineMetrics) RecordError(kind string) {
	m.ErrorsTotal.WithLabelValues(kind).Inc()
}

// StreamStarted increments the active stream gauge.
func (m *PipelineMetrics) StreamStarted() { m.ActiveStreams.Inc() }

// StreamEnded decrements the active stream gauge.
func (m *PipelineMetrics) StreamEnded() { m.ActiveStreams.Dec() }

// RecordTimeToFirstToken records first-token latency for a route.
func (m *PipelineMetrics) RecordTimeToFirstToken(route string, seconds float64) {
	m.TimeToFirstTokenSeconds.WithLabelValues(route).Observe(seconds)
}
