// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package wsutil provides the server side of a websocket connection: a
// read pump, a buffered write pump, and control-frame keep-alive.
//
// # Pumps
//
// Each Peer owns exactly one writer goroutine. Callers never write to the
// connection directly; they enqueue frames with Send. A peer whose send
// buffer fills up is closed rather than allowed to stall its room.
//
//	Send ──► send chan (256) ──► writePump ──► conn
//	                                 │
//	                                 └─ ping every 54s
//	conn ──► Run (read loop, 60s deadline) ──► onFrame
package wsutil

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/AleutianAI/canvassync/services/collab/protocol"
)

const (
	// WriteWait bounds a single frame write.
	WriteWait = 10 * time.Second

	// PongWait is the read deadline; any inbound frame or pong extends it.
	PongWait = 60 * time.Second

	// PingPeriod must be shorter than PongWait.
	PingPeriod = (PongWait * 9) / 10

	// SendBuffer is the number of frames queued per peer.
	SendBuffer = 256
)

var (
	// ErrClosed is returned by Send after the peer closed.
	ErrClosed = errors.New("peer closed")

	// ErrSlowConsumer is returned when the send buffer is full. The peer is
	// closed as a side effect.
	ErrSlowConsumer = errors.New("peer send buffer full")
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Peer is one accepted websocket connection.
type Peer struct {
	ID string

	conn   *websocket.Conn
	send   chan []byte
	done   chan struct{}
	logger *slog.Logger

	closeOnce   sync.Once
	closeCode   int
	closeReason string
}

// Upgrade accepts a websocket handshake and wraps the connection. On
// failure the upgrader has already answered the request.
func Upgrade(w http.ResponseWriter, r *http.Request, logger *slog.Logger) (*Peer, error) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}
	return NewPeer(conn, logger), nil
}

// NewPeer wraps an established connection.
func NewPeer(conn *websocket.Conn, logger *slog.Logger) *Peer {
	if logger == nil {
		logger = slog.Default()
	}
	id := uuid.NewString()
	return &Peer{
		ID:     id,
		conn:   conn,
		send:   make(chan []byte, SendBuffer),
		done:   make(chan struct{}),
		logger: logger.With("peer_id", id),
	}
}

// Send queues one text frame without blocking.
func (p *Peer) Send(frame []byte) error {
	select {
	case <-p.done:
		return ErrClosed
	default:
	}
	select {
	case p.send <- frame:
		return nil
	case <-p.done:
		return ErrClosed
	default:
		p.logger.Warn("closing slow peer", "buffered", len(p.send))
		p.Close(websocket.ClosePolicyViolation, "slow consumer")
		return ErrSlowConsumer
	}
}

// Close stops both pumps and sends a close frame with code. Only the first
// call has any effect.
func (p *Peer) Close(code int, reason string) {
	p.closeOnce.Do(func() {
		p.closeCode = code
		p.closeReason = reason
		close(p.done)
	})
}

// Reject closes a peer whose Run was never started, sending code to the
// client first.
func (p *Peer) Reject(code int, reason string) {
	p.Close(code, reason)
	msg := websocket.FormatCloseMessage(code, reason)
	_ = p.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(WriteWait))
	_ = p.conn.Close()
}

// Done is closed once the peer is closing.
func (p *Peer) Done() <-chan struct{} { return p.done }

// Run starts the write pump and reads frames until the connection fails,
// the peer is closed, or ctx ends. onFrame runs on the read goroutine, one
// frame at a time, in arrival order.
//
// # Outputs
//
//   - error: nil for a normal or going-away close and for local closes;
//     the read error otherwise.
func (p *Peer) Run(ctx context.Context, onFrame func([]byte)) error {
	go p.writePump()
	stop := context.AfterFunc(ctx, func() {
		p.Close(websocket.CloseGoingAway, "server shutting down")
	})
	defer stop()
	defer p.Close(websocket.CloseNormalClosure, "")

	p.conn.SetReadLimit(protocol.MaxFrameBytes)
	_ = p.conn.SetReadDeadline(time.Now().Add(PongWait))
	p.conn.SetPongHandler(func(string) error {
		return p.conn.SetReadDeadline(time.Now().Add(PongWait))
	})

	for {
		_, data, err := p.conn.ReadMessage()
		if err != nil {
			select {
			case <-p.done:
				return nil
			default:
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return err
		}
		_ = p.conn.SetReadDeadline(time.Now().Add(PongWait))
		onFrame(data)
	}
}

func (p *Peer) writePump() {
	ticker := time.NewTicker(PingPeriod)
	defer ticker.Stop()
	defer p.conn.Close()

	for {
		select {
		case frame := <-p.send:
			_ = p.conn.SetWriteDeadline(time.Now().Add(WriteWait))
			if err := p.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				p.logger.Debug("write failed", "error", err)
				p.Close(websocket.CloseAbnormalClosure, "")
				return
			}
		case <-ticker.C:
			_ = p.conn.SetWriteDeadline(time.Now().Add(WriteWait))
			if err := p.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				p.Close(websocket.CloseAbnormalClosure, "")
				return
			}
		case <-p.done:
			p.flush()
			if p.closeCode != websocket.CloseAbnormalClosure {
				msg := websocket.FormatCloseMessage(p.closeCode, p.closeReason)
				_ = p.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(WriteWait))
			}
			return
		}
	}
}

// flush writes whatever is still queued so replies sent just before a
// close are not lost.
func (p *Peer) flush() {
	for {
		select {
		case frame := <-p.send:
			_ = p.conn.SetWriteDeadline(time.Now().Add(WriteWait))
			if err := p.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		default:
			return
		}
	}
}
