// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package runs is the client side of the agent-run channel.
//
// Tracker enforces the run lifecycle. Channel keeps a keep-alive stream
// open for one run (or for a whole workspace) and decodes its events.
// Client talks to the REST endpoints that create, cancel, and read runs.
package runs

import (
	"log/slog"
	"net/url"
	"time"

	"github.com/AleutianAI/canvassync/services/collab/protocol"
	"github.com/AleutianAI/canvassync/services/collab/transport"
)

// DefaultKeepAlive is the ping interval on run streams.
const DefaultKeepAlive = 30 * time.Second

// ChannelConfig configures a run-event stream.
type ChannelConfig struct {
	URL       string
	Token     func() string
	// KeepAlive is the ping interval; zero means DefaultKeepAlive and a
	// negative value disables pings.
	KeepAlive time.Duration
	Dialer    transport.Dialer
	Clock     transport.Clock
	Logger    *slog.Logger
	OnState   func(transport.State, error)
}

// Channel is one agent-run event stream with its own reconnect policy.
type Channel struct {
	session *transport.Session
	logger  *slog.Logger
	sink    func(protocol.RunEvent)
}

// NewChannel creates a stream that delivers decoded events to sink in
// stream order. Malformed frames are logged and dropped.
func NewChannel(cfg ChannelConfig, sink func(protocol.RunEvent)) *Channel {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.KeepAlive == 0 {
		cfg.KeepAlive = DefaultKeepAlive
	}
	ch := &Channel{logger: cfg.Logger, sink: sink}

	tc := transport.DefaultConfig(cfg.URL)
	tc.Token = cfg.Token
	tc.Dialer = cfg.Dialer
	tc.Clock = cfg.Clock
	tc.Logger = cfg.Logger
	tc.OnState = cfg.OnState
	if cfg.KeepAlive > 0 {
		tc.KeepAlive = transport.KeepAliveConfig{Interval: cfg.KeepAlive}
	}
	tc.OnFrame = ch.handleFrame
	ch.session = transport.NewSession(tc)
	return ch
}

// Start schedules the first connection.
func (c *Channel) Start() { c.session.Start() }

// Connect dials immediately, skipping the startup delay.
func (c *Channel) Connect() error { return c.session.Connect() }

// Dispose closes the stream and stops reconnecting.
func (c *Channel) Dispose() { c.session.Dispose() }

// Reconnect is the manual retry after the attempt budget is spent.
func (c *Channel) Reconnect() error { return c.session.Reconnect() }

// State returns the stream connection state.
func (c *Channel) State() transport.State { return c.session.State() }

// Err returns the surfaced connection error.
func (c *Channel) Err() error { return c.session.Err() }

func (c *Channel) handleFrame(frame []byte) {
	ev, err := protocol.DecodeRunEvent(frame)
	if err != nil {
		c.logger.Warn("dropping run frame", "error", err)
		return
	}
	if c.sink != nil {
		c.sink(ev)
	}
}

// StreamURL returns the event stream endpoint of one run.
func StreamURL(base, runID string) (string, error) {
	return url.JoinPath(base, "runs", runID, "stream")
}

// WorkspaceURL returns the run-status endpoint of one workspace.
func WorkspaceURL(base, workspaceID string) (string, error) {
	return url.JoinPath(base, "problems", workspaceID, "ws")
}
