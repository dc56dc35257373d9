// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package observability provides Prometheus metrics for the orchestrator.
//
// # Description
//
// Counters, histograms, and gauges covering the streaming chat path: request
// outcomes, token usage per model, time-to-first-token, stream duration,
// tool-call lifecycles, and client disconnects. Exposed on /metrics.
//
// # Thread Safety
//
// All metric operations are thread-safe via Prometheus's internal locking.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	metricsNamespace   = "tidewater"
	streamingSubsystem = "chat"
)

// StreamingMetrics holds all Prometheus metrics for the streaming chat path.
// Initialize once at startup via InitMetrics.
type StreamingMetrics struct {
	// RequestsTotal counts chat turns by terminal status.
	// Labels: status (success, error, aborted)
	RequestsTotal *prometheus.CounterVec

	// TokensTotal counts tokens by direction and model.
	// Labels: direction (input, output), model
	TokensTotal *prometheus.CounterVec

	// TimeToFirstTokenSeconds measures latency to first streamed token.
	TimeToFirstTokenSeconds prometheus.Histogram

	// StreamDurationSeconds measures total stream duration.
	// Labels: status (success, error, aborted)
	StreamDurationSeconds *prometheus.HistogramVec

	// ActiveStreams tracks currently open streaming connections.
	ActiveStreams prometheus.Gauge

	// ErrorsTotal counts errors by taxonomy class.
	// Labels: error_code
	ErrorsTotal *prometheus.CounterVec

	// ToolCallsTotal counts provider tool-call lifecycle transitions.
	// Labels: tool (web_search, file_ops, code_exec), phase
	ToolCallsTotal *prometheus.CounterVec

	// KeepAlivesTotal counts keepalive pings sent during slow phases.
	KeepAlivesTotal prometheus.Counter

	// ClientDisconnectsTotal counts mid-stream client disconnections.
	ClientDisconnectsTotal prometheus.Counter
}

// DefaultMetrics is the singleton instance, set by InitMetrics.
var DefaultMetrics *StreamingMetrics

// InitMetrics creates and registers all metrics on the default registry.
// Call once at startup; a second call panics on duplicate registration.
func InitMetrics() *StreamingMetrics {
	DefaultMetrics = &StreamingMetrics{
		RequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: streamingSubsystem,
				Name:      "requests_total",
				Help:      "Total chat turns by terminal status",
			},
			[]string{"status"},
		),

		TokensTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: streamingSubsystem,
				Name:      "tokens_total",
				Help:      "Total tokens processed by direction and model",
			},
			[]string{"direction", "model"},
		),

		TimeToFirstTokenSeconds: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: streamingSubsystem,
				Name:      "time_to_first_token_seconds",
				Help:      "Time from request to first streamed token in seconds",
				Buckets:   []float64{0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0},
			},
		),

		StreamDurationSeconds: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: streamingSubsystem,
				Name:      "stream_duration_seconds",
				Help:      "Total stream duration in seconds",
				Buckets:   []float64{1, 5, 10, 30, 60, 120, 300},
			},
			[]string{"status"},
		),

		ActiveStreams: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: streamingSubsystem,
				Name:      "active_streams",
				Help:      "Number of currently open streaming connections",
			},
		),

		ErrorsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: streamingSubsystem,
				Name:      "errors_total",
				Help:      "Total errors by taxonomy class",
			},
			[]string{"error_code"},
		),

		ToolCallsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: streamingSubsystem,
				Name:      "tool_calls_total",
				Help:      "Provider tool-call lifecycle transitions",
			},
			[]string{"tool", "phase"},
		),

		KeepAlivesTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: streamingSubsystem,
				Name:      "keepalives_total",
				Help:      "Total keepalive pings sent",
			},
		),

		ClientDisconnectsTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: streamingSubsystem,
				Name:      "client_disconnects_total",
				Help:      "Total client disconnections during streaming",
			},
		),
	}
	return DefaultMetrics
}

// =============================================================================
// Error Codes
// =============================================================================

// ErrorCode categorizes a failure for metrics, following the orchestrator's
// error taxonomy.
type ErrorCode string

const (
	// ErrorCodeUpstreamUnavailable: the provider stream failed to start.
	ErrorCodeUpstreamUnavailable ErrorCode = "upstream_unavailable"

	// ErrorCodeMidStream: the provider stream failed after starting.
	ErrorCodeMidStream ErrorCode = "mid_stream"

	// ErrorCodeCollaboratorSoft: a non-fatal collaborator failure that was
	// logged and skipped.
	ErrorCodeCollaboratorSoft ErrorCode = "collaborator_soft"

	// ErrorCodeCancelled: the client cancelled the request.
	ErrorCodeCancelled ErrorCode = "cancelled"

	// ErrorCodeValidation: the request was rejected before streaming.
	ErrorCodeValidation ErrorCode = "validation"

	// ErrorCodeInternal: anything else.
	ErrorCodeInternal ErrorCode = "internal"
)

// =============================================================================
// Helper Methods
// =============================================================================

// RecordRequest records a completed chat turn.
func (m *StreamingMetrics) RecordRequest(status string) {
	m.RequestsTotal.WithLabelValues(status).Inc()
}

// RecordError records one categorized error.
func (m *StreamingMetrics) RecordError(code ErrorCode) {
	m.ErrorsTotal.WithLabelValues(string(code)).Inc()
}

// RecordTokens records usage for one turn.
func (m *StreamingMetrics) RecordTokens(inputTokens, outputTokens int, model string) {
	m.TokensTotal.WithLabelValues("input", model).Add(float64(inputTokens))
	m.TokensTotal.WithLabelValues("output", model).Add(float64(outputTokens))
}

// RecordToolCall records one tool lifecycle transition.
func (m *StreamingMetrics) RecordToolCall(tool, phase string) {
	m.ToolCallsTotal.WithLabelValues(tool, phase).Inc()
}

// StreamStarted increments the active streams gauge.
func (m *StreamingMetrics) StreamStarted() {
	m.ActiveStreams.Inc()
}

// StreamEnded decrements the active streams gauge.
func (m *StreamingMetrics) StreamEnded() {
	m.ActiveStreams.Dec()
}

// RecordTimeToFirstToken records first-token latency in seconds.
func (m *StreamingMetrics) RecordTimeToFirstToken(seconds float64) {
	m.TimeToFirstTokenSeconds.Observe(seconds)
}

// RecordStreamDuration records total stream time in seconds.
func (m *StreamingMetrics) RecordStreamDuration(seconds float64, status string) {
	m.StreamDurationSeconds.WithLabelValues(status).Observe(seconds)
}

// RecordKeepAlive increments the keepalive counter.
func (m *StreamingMetrics) RecordKeepAlive() {
	m.KeepAlivesTotal.Inc()
}

// RecordClientDisconnect increments the disconnect counter.
func (m *StreamingMetrics) RecordClientDisconnect() {
	m.ClientDisconnectsTotal.Inc()
}
