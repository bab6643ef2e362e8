// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package transport maintains one reconnecting frame connection.
//
// A Session moves through
//
//	Idle → Connecting → Open → {ClosedClean, ClosedError}
//
// and from ClosedError into Reconnecting, which re-enters Connecting after
// min(base * 2^attempts, max). After MaxAttempts consecutive failures the
// session stays in ClosedError until Reconnect is called. Dispose cancels
// the session's context: no reconnect is scheduled afterwards, an
// in-flight dial is abandoned, and a live connection is closed with the
// normal status code.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/AleutianAI/canvassync/services/collab/protocol"
)

var (
	// ErrNotOpen is returned by Send while the session is not Open.
	ErrNotOpen = errors.New("session not open")

	// ErrReconnectExhausted is surfaced once the attempt budget is spent.
	ErrReconnectExhausted = errors.New("reconnect attempts exhausted")

	// ErrKeepAliveTimeout is the close cause when no frame arrived within
	// the keep-alive window.
	ErrKeepAliveTimeout = errors.New("keep-alive timeout")

	// ErrDisposed is returned by operations on a disposed session.
	ErrDisposed = errors.New("session disposed")
)

// State is the connection state of a Session.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateOpen
	StateClosedClean
	StateClosedError
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosedClean:
		return "closed_clean"
	case StateClosedError:
		return "closed_error"
	case StateReconnecting:
		return "reconnecting"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// KeepAliveConfig enables the text ping/pong keep-alive. Zero Interval
// disables it.
type KeepAliveConfig struct {
	Interval time.Duration
	// Timeout is how long past Interval the peer may stay silent.
	Timeout time.Duration
}

// Config configures a Session.
type Config struct {
	URL string

	// Token returns the current identity token; it is read on every dial
	// and attached as the "token" query parameter.
	Token func() string

	StartupDelay time.Duration
	BaseDelay    time.Duration
	MaxDelay     time.Duration
	MaxAttempts  int

	KeepAlive KeepAliveConfig

	Dialer Dialer
	Clock  Clock
	Logger *slog.Logger

	// OnState observes every state change. Called outside the session lock.
	OnState func(state State, err error)

	// OnFrame receives every non-keep-alive frame in delivery order.
	OnFrame func(frame []byte)
}

// DefaultConfig returns the reconnect policy used by workspace sessions.
func DefaultConfig(rawURL string) Config {
	return Config{
		URL:          rawURL,
		StartupDelay: 50 * time.Millisecond,
		BaseDelay:    time.Second,
		MaxDelay:     10 * time.Second,
		MaxAttempts:  5,
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig(c.URL)
	if c.StartupDelay < 0 {
		c.StartupDelay = 0
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = d.BaseDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = d.MaxDelay
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.KeepAlive.Interval > 0 && c.KeepAlive.Timeout <= 0 {
		c.KeepAlive.Timeout = c.KeepAlive.Interval
	}
	if c.Dialer == nil {
		c.Dialer = &WebsocketDialer{}
	}
	if c.Clock == nil {
		c.Clock = SystemClock{}
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

type stateEvent struct {
	state State
	err   error
}

// Session is one reconnecting connection. Safe for concurrent use.
type Session struct {
	cfg    Config
	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	state    State
	err      error
	attempts int
	gen      uint64
	conn     Conn
	timer    Timer
	pinger   Timer
	lastSeen time.Time
	events   []stateEvent
}

// NewSession creates an idle session. Nothing is dialled until Start or
// Connect.
func NewSession(cfg Config) *Session {
	cfg.applyDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{cfg: cfg, ctx: ctx, cancel: cancel}
}

// Start schedules the first Connect after the startup delay, so a session
// created and disposed in quick succession never opens a socket.
func (s *Session) Start() {
	s.mu.Lock()
	if s.ctx.Err() != nil || s.state != StateIdle || s.timer != nil {
		s.mu.Unlock()
		return
	}
	s.timer = s.cfg.Clock.AfterFunc(s.cfg.StartupDelay, s.fire)
	s.mu.Unlock()
}

// Connect dials unless the session is already Connecting or Open.
//
// # Description
//
// The dial uses the session context, so Dispose abandons it. A dial that
// completes after Dispose, or after a newer Connect, is closed with the
// normal code and discarded. A failed dial enters the reconnect path.
//
// # Outputs
//
//   - error: nil when already connecting or open, ErrDisposed after
//     Dispose, or the dial error.
func (s *Session) Connect() error {
	s.mu.Lock()
	if s.ctx.Err() != nil {
		s.mu.Unlock()
		return ErrDisposed
	}
	if s.state == StateConnecting || s.state == StateOpen {
		s.mu.Unlock()
		return nil
	}
	s.stopTimerLocked()
	s.gen++
	gen := s.gen
	s.setStateLocked(StateConnecting, s.err)
	target := s.dialURL()
	s.unlockAndEmit()

	conn, err := s.cfg.Dialer.Dial(s.ctx, target)

	s.mu.Lock()
	if gen != s.gen || s.ctx.Err() != nil {
		s.mu.Unlock()
		if conn != nil {
			_ = conn.Close(CloseNormal, "superseded")
		}
		if err == nil {
			err = ErrDisposed
		}
		return err
	}
	if err != nil {
		s.cfg.Logger.Warn("connection attempt failed",
			"url", s.cfg.URL, "attempt", s.attempts, "error", err)
		s.failLocked(err)
		s.unlockAndEmit()
		return err
	}

	s.conn = conn
	s.attempts = 0
	s.lastSeen = s.cfg.Clock.Now()
	s.setStateLocked(StateOpen, nil)
	s.scheduleKeepAliveLocked(gen)
	s.unlockAndEmit()

	s.cfg.Logger.Info("connection open", "url", s.cfg.URL)
	go s.readLoop(gen, conn)
	return nil
}

// Reconnect resets the attempt budget and dials. It is the manual recovery
// path after ErrReconnectExhausted.
func (s *Session) Reconnect() error {
	s.mu.Lock()
	s.attempts = 0
	s.mu.Unlock()
	return s.Connect()
}

// Send writes one frame. Frames sent while not Open are dropped and
// ErrNotOpen is returned.
func (s *Session) Send(frame []byte) error {
	s.mu.Lock()
	if s.state != StateOpen || s.conn == nil {
		s.mu.Unlock()
		return ErrNotOpen
	}
	conn := s.conn
	s.mu.Unlock()
	if err := conn.WriteFrame(frame); err != nil {
		return fmt.Errorf("send: %w", err)
	}
	return nil
}

// Dispose tears the session down. It is idempotent.
func (s *Session) Dispose() {
	s.mu.Lock()
	if s.ctx.Err() != nil {
		s.mu.Unlock()
		return
	}
	s.cancel()
	s.stopTimerLocked()
	s.stopPingerLocked()
	s.gen++
	conn := s.conn
	s.conn = nil
	s.setStateLocked(StateClosedClean, nil)
	s.unlockAndEmit()

	if conn != nil {
		_ = conn.Close(CloseNormal, "disposed")
	}
}

// Done is closed when the session is disposed.
func (s *Session) Done() <-chan struct{} { return s.ctx.Done() }

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err returns the surfaced connection error, nil while healthy.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Attempts returns the consecutive failed attempts counted so far.
func (s *Session) Attempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts
}

func (s *Session) fire() {
	s.mu.Lock()
	s.timer = nil
	s.mu.Unlock()
	_ = s.Connect()
}

func (s *Session) readLoop(gen uint64, conn Conn) {
	for {
		frame, err := conn.ReadFrame()
		if err != nil {
			s.handleClose(gen, err)
			return
		}
		if s.ctx.Err() != nil {
			return
		}
		s.mu.Lock()
		current := gen == s.gen
		if current {
			s.lastSeen = s.cfg.Clock.Now()
		}
		s.mu.Unlock()
		if !current {
			return
		}
		if protocol.IsPong(frame) {
			continue
		}
		if protocol.IsPing(frame) {
			_ = conn.WriteFrame([]byte(protocol.PongFrame))
			continue
		}
		if s.cfg.OnFrame != nil {
			s.cfg.OnFrame(frame)
		}
	}
}

// handleClose processes the end of connection gen. Late or duplicate
// reports for an older generation are ignored.
func (s *Session) handleClose(gen uint64, cause error) {
	s.mu.Lock()
	if gen != s.gen || s.ctx.Err() != nil {
		s.mu.Unlock()
		return
	}
	s.gen++
	s.conn = nil
	s.stopPingerLocked()
	if IsNormalClose(cause) {
		s.cfg.Logger.Info("connection closed", "url", s.cfg.URL)
		s.setStateLocked(StateClosedClean, nil)
		s.unlockAndEmit()
		return
	}
	s.cfg.Logger.Warn("connection lost", "url", s.cfg.URL, "error", cause)
	s.failLocked(cause)
	s.unlockAndEmit()
}

// failLocked enters ClosedError and schedules the next attempt if the
// budget allows.
func (s *Session) failLocked(cause error) {
	if s.attempts >= s.cfg.MaxAttempts {
		s.setStateLocked(StateClosedError, fmt.Errorf("%w: %v", ErrReconnectExhausted, cause))
		s.cfg.Logger.Error("giving up on connection",
			"url", s.cfg.URL, "attempts", s.attempts, "error", cause)
		return
	}
	s.setStateLocked(StateClosedError, cause)
	delay := BackoffDelay(s.attempts, s.cfg.BaseDelay, s.cfg.MaxDelay)
	s.attempts++
	s.setStateLocked(StateReconnecting, cause)
	s.timer = s.cfg.Clock.AfterFunc(delay, s.fire)
	s.cfg.Logger.Info("reconnect scheduled",
		"url", s.cfg.URL, "attempt", s.attempts, "delay", delay)
}

func (s *Session) scheduleKeepAliveLocked(gen uint64) {
	if s.cfg.KeepAlive.Interval <= 0 {
		return
	}
	s.pinger = s.cfg.Clock.AfterFunc(s.cfg.KeepAlive.Interval, func() { s.keepAlive(gen) })
}

func (s *Session) keepAlive(gen uint64) {
	s.mu.Lock()
	if gen != s.gen || s.conn == nil || s.ctx.Err() != nil {
		s.mu.Unlock()
		return
	}
	conn := s.conn
	silent := s.cfg.Clock.Now().Sub(s.lastSeen)
	if silent > s.cfg.KeepAlive.Interval+s.cfg.KeepAlive.Timeout {
		s.mu.Unlock()
		s.cfg.Logger.Warn("peer unresponsive", "url", s.cfg.URL, "silent", silent)
		s.handleClose(gen, ErrKeepAliveTimeout)
		_ = conn.Close(CloseNormal, "keep-alive timeout")
		return
	}
	s.scheduleKeepAliveLocked(gen)
	s.mu.Unlock()
	_ = conn.WriteFrame([]byte(protocol.PingFrame))
}

func (s *Session) dialURL() string {
	if s.cfg.Token == nil {
		return s.cfg.URL
	}
	token := s.cfg.Token()
	if token == "" {
		return s.cfg.URL
	}
	u, err := url.Parse(s.cfg.URL)
	if err != nil {
		return s.cfg.URL
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()
	return u.String()
}

func (s *Session) stopTimerLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

func (s *Session) stopPingerLocked() {
	if s.pinger != nil {
		s.pinger.Stop()
		s.pinger = nil
	}
}

func (s *Session) setStateLocked(st State, err error) {
	s.state = st
	s.err = err
	s.events = append(s.events, stateEvent{state: st, err: err})
}

func (s *Session) unlockAndEmit() {
	events := s.events
	s.events = nil
	s.mu.Unlock()
	if s.cfg.OnState == nil {
		return
	}
	for _, ev := range events {
		s.cfg.OnState(ev.state, ev.err)
	}
}
