// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package extensions

import (
	"context"
	"log/slog"
	"time"
)

// AuditEvent represents a security-relevant event.
//
// # Event Categories
//
//   - Authentication: "auth.failed"
//   - Sessions: "session.join", "session.leave"
//   - Runs: "run.create", "run.cancel"
//
// Example:
//
//	event := AuditEvent{
//	    EventType:    "run.cancel",
//	    UserID:       "alice",
//	    ResourceType: "run",
//	    ResourceID:   "01J0...",
//	    Outcome:      "success",
//	}
type AuditEvent struct {
	// EventType categorizes the event. Format: "category.action".
	EventType string

	// Timestamp is when the event occurred (UTC). Zero means now.
	Timestamp time.Time

	// UserID identifies who performed the action; "anonymous" if unknown.
	UserID string

	ResourceType string
	ResourceID   string

	// Outcome is "success", "failure", or "denied".
	Outcome string

	// Metadata holds event-specific details such as "error" or
	// "workspace_id".
	Metadata map[string]any
}

// AuditLogger records security-relevant events.
//
// Implementations must be safe for concurrent use and should return
// quickly; a failing audit sink never blocks collaboration traffic.
type AuditLogger interface {
	// Log records one event.
	Log(ctx context.Context, event AuditEvent) error

	// Flush ensures buffered events are persisted. Called on shutdown.
	Flush(ctx context.Context) error
}

// NopAuditLogger discards all events.
type NopAuditLogger struct{}

func (NopAuditLogger) Log(context.Context, AuditEvent) error { return nil }

func (NopAuditLogger) Flush(context.Context) error { return nil }

// SlogAuditLogger writes events to a structured logger under the "audit"
// group.
type SlogAuditLogger struct {
	logger *slog.Logger
}

// NewSlogAuditLogger creates an audit logger on top of logger.
func NewSlogAuditLogger(logger *slog.Logger) *SlogAuditLogger {
	if logger == nil {
		logger = slog.Default()
	}
	return &SlogAuditLogger{logger: logger}
}

// Log writes event at Info level, or Warn for non-success outcomes.
func (l *SlogAuditLogger) Log(ctx context.Context, event AuditEvent) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if event.UserID == "" {
		event.UserID = "anonymous"
	}
	level := slog.LevelInfo
	if event.Outcome != "" && event.Outcome != "success" {
		level = slog.LevelWarn
	}
	attrs := []any{
		"event_type", event.EventType,
		"user_id", event.UserID,
		"resource_type", event.ResourceType,
		"resource_id", event.ResourceID,
		"outcome", event.Outcome,
		"at", event.Timestamp,
	}
	for k, v := range event.Metadata {
		attrs = append(attrs, k, v)
	}
	l.logger.Log(ctx, level, "audit", slog.Group("audit", attrs...))
	return nil
}

func (l *SlogAuditLogger) Flush(context.Context) error { return nil }

var (
	_ AuditLogger = NopAuditLogger{}
	_ AuditLogger = (*NopAuditLogger)(nil)
	_ AuditLogger = (*SlogAuditLogger)(nil)
)
