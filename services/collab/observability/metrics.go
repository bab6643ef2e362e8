// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package observability provides metrics for the collaboration service.
//
// # Description
//
// This package implements Prometheus metrics for the collaboration hub and
// the agent-run hub. Metrics include:
//   - Connection gauges (by channel)
//   - Frame counters (received, broadcast, dropped by reason)
//   - Run counters (events by type, status transitions)
//   - Room and participant gauges
//
// # Integration
//
// Metrics are exposed via the /metrics endpoint. Tests build an isolated
// instance with NewMetrics(prometheus.NewRegistry()).
//
// # Thread Safety
//
// All metric operations are thread-safe via Prometheus's internal locking.
// Every recording method is a no-op on a nil *Metrics.
package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// Metric Definitions
// =============================================================================

// Namespace for all metrics
const metricsNamespace = "canvassync"

const (
	collabSubsystem = "collab"
	runsSubsystem   = "runs"
)

// Metrics holds all Prometheus metrics of the collaboration service.
//
// # Fields
//
//   - ActiveConnections: Gauge of open websocket connections by channel
//   - FramesReceived: Counter of decoded inbound frames by message type
//   - FramesBroadcast: Counter of frames fanned out by message type
//   - FramesDropped: Counter of rejected inbound frames by reason
//   - Rooms: Gauge of resident workspace rooms
//   - Participants: Gauge of participants across all rooms
//   - RunEvents: Counter of accepted run events by type
//   - RunTransitions: Counter of run status changes by status
//   - RelayErrors: Counter of cross-instance publish failures
type Metrics struct {
	// ActiveConnections tracks open sockets.
	// Labels: channel (collaborate, run, workspace)
	ActiveConnections *prometheus.GaugeVec

	// FramesReceived counts decoded inbound frames.
	// Labels: type (node_move, doc_edit, ...)
	FramesReceived *prometheus.CounterVec

	// FramesBroadcast counts frames fanned out to a room or run stream.
	// Labels: type
	FramesBroadcast *prometheus.CounterVec

	// FramesDropped counts inbound frames that were not applied.
	// Labels: reason (malformed, rate_limited, rejected, slow_consumer)
	FramesDropped *prometheus.CounterVec

	Rooms        prometheus.Gauge
	Participants prometheus.Gauge

	// RunEvents counts run events accepted by the run state machine.
	// Labels: type (status, progress, thinking, node_created, ...)
	RunEvents *prometheus.CounterVec

	// RunTransitions counts status changes.
	// Labels: status (queued, running, paused, completed, failed, cancelled)
	RunTransitions *prometheus.CounterVec

	RelayErrors prometheus.Counter
}

var (
	defaultOnce    sync.Once
	defaultMetrics *Metrics
)

// Default returns the process-wide instance registered with the default
// Prometheus registry. It is created on first use.
func Default() *Metrics {
	defaultOnce.Do(func() {
		defaultMetrics = NewMetrics(prometheus.DefaultRegisterer)
	})
	return defaultMetrics
}

// NewMetrics creates and registers every metric with reg.
//
// # Limitations
//
//   - Panics if the metrics are already registered with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		ActiveConnections: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: collabSubsystem,
				Name:      "active_connections",
				Help:      "Number of open websocket connections by channel",
			},
			[]string{"channel"},
		),

		FramesReceived: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: collabSubsystem,
				Name:      "frames_received_total",
				Help:      "Total decoded inbound frames by message type",
			},
			[]string{"type"},
		),

		FramesBroadcast: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: collabSubsystem,
				Name:      "frames_broadcast_total",
				Help:      "Total frames fanned out by message type",
			},
			[]string{"type"},
		),

		FramesDropped: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: collabSubsystem,
				Name:      "frames_dropped_total",
				Help:      "Total inbound frames dropped by reason",
			},
			[]string{"reason"},
		),

		Rooms: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: collabSubsystem,
				Name:      "rooms",
				Help:      "Number of resident workspace rooms",
			},
		),

		Participants: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: collabSubsystem,
				Name:      "participants",
				Help:      "Number of present participants across rooms",
			},
		),

		RunEvents: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: runsSubsystem,
				Name:      "events_total",
				Help:      "Total accepted run events by type",
			},
			[]string{"type"},
		),

		RunTransitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: runsSubsystem,
				Name:      "transitions_total",
				Help:      "Total run status changes by resulting status",
			},
			[]string{"status"},
		),

		RelayErrors: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: collabSubsystem,
				Name:      "relay_errors_total",
				Help:      "Total cross-instance relay publish failures",
			},
		),
	}
}

// =============================================================================
// Label Values
// =============================================================================

// Channel names a websocket endpoint for metrics labeling.
type Channel string

const (
	ChannelCollaborate Channel = "collaborate"
	ChannelRun         Channel = "run"
	ChannelWorkspace   Channel = "workspace"
)

// DropReason categorizes a dropped inbound frame.
type DropReason string

const (
	// DropMalformed indicates a frame that failed to decode or validate.
	DropMalformed DropReason = "malformed"

	// DropRateLimited indicates a frame over the per-connection limit.
	DropRateLimited DropReason = "rate_limited"

	// DropRejected indicates a well-formed frame the room refused.
	DropRejected DropReason = "rejected"

	// DropSlowConsumer indicates a peer closed for a full send buffer.
	DropSlowConsumer DropReason = "slow_consumer"
)

// =============================================================================
// Helper Methods
// =============================================================================

// ConnectionOpened increments the connection gauge.
func (m *Metrics) ConnectionOpened(ch Channel) {
	if m == nil {
		return
	}
	m.ActiveConnections.WithLabelValues(string(ch)).Inc()
}

// ConnectionClosed decrements the connection gauge.
func (m *Metrics) ConnectionClosed(ch Channel) {
	if m == nil {
		return
	}
	m.ActiveConnections.WithLabelValues(string(ch)).Dec()
}

// RecordFrame counts one decoded inbound frame.
func (m *Metrics) RecordFrame(msgType string) {
	if m == nil {
		return
	}
	m.FramesReceived.WithLabelValues(msgType).Inc()
}

// RecordBroadcast counts one fanned-out frame.
func (m *Metrics) RecordBroadcast(msgType string) {
	if m == nil {
		return
	}
	m.FramesBroadcast.WithLabelValues(msgType).Inc()
}

// RecordDrop counts one dropped inbound frame.
func (m *Metrics) RecordDrop(reason DropReason) {
	if m == nil {
		return
	}
	m.FramesDropped.WithLabelValues(string(reason)).Inc()
}

// SetRooms sets the resident room gauge.
func (m *Metrics) SetRooms(n int) {
	if m == nil {
		return
	}
	m.Rooms.Set(float64(n))
}

// AddParticipants moves the participant gauge by delta.
func (m *Metrics) AddParticipants(delta int) {
	if m == nil {
		return
	}
	m.Participants.Add(float64(delta))
}

// RecordRunEvent counts one accepted run event.
func (m *Metrics) RecordRunEvent(eventType string) {
	if m == nil {
		return
	}
	m.RunEvents.WithLabelValues(eventType).Inc()
}

// RecordRunTransition counts a run entering status.
func (m *Metrics) RecordRunTransition(status string) {
	if m == nil {
		return
	}
	m.RunTransitions.WithLabelValues(status).Inc()
}

// RecordRelayError counts one failed relay publish.
func (m *Metrics) RecordRelayError() {
	if m == nil {
		return
	}
	m.RelayErrors.Inc()
}
