// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// RunMetrics holds the OTel instruments of the run hub.
//
// Thread Safety: Safe for concurrent use. Methods on a nil *RunMetrics are
// no-ops.
type RunMetrics struct {
	// Duration records wall time from creation to a terminal state.
	Duration metric.Float64Histogram

	// Commits counts nodes and edges runs committed into the shared graph.
	Commits metric.Int64Counter
}

// NewRunMetrics registers the run instruments with meter.
//
// # Examples
//
//	m, err := telemetry.NewRunMetrics(otel.Meter("collab.runhub"))
func NewRunMetrics(meter metric.Meter) (*RunMetrics, error) {
	duration, err := meter.Float64Histogram(
		"canvassync.run.duration",
		metric.WithDescription("Agent run duration from creation to terminal state"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(1, 5, 15, 30, 60, 120, 300, 900),
	)
	if err != nil {
		return nil, fmt.Errorf("create run duration histogram: %w", err)
	}
	commits, err := meter.Int64Counter(
		"canvassync.run.commits",
		metric.WithDescription("Nodes and edges committed by agent runs"),
	)
	if err != nil {
		return nil, fmt.Errorf("create run commit counter: %w", err)
	}
	return &RunMetrics{Duration: duration, Commits: commits}, nil
}

// RecordFinished records the duration of a run that reached status.
func (m *RunMetrics) RecordFinished(ctx context.Context, runType, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.Duration.Record(ctx, d.Seconds(), metric.WithAttributes(
		attribute.String("run.type", runType),
		attribute.String("run.status", status),
	))
}

// RecordCommit counts one committed entity; kind is "node" or "edge".
func (m *RunMetrics) RecordCommit(ctx context.Context, kind string) {
	if m == nil {
		return
	}
	m.Commits.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}
