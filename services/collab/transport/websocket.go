// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/AleutianAI/canvassync/services/collab/protocol"
)

const (
	// CloseNormal is the websocket normal-closure status code.
	CloseNormal = websocket.CloseNormalClosure

	writeWait = 10 * time.Second
)

// ErrUnauthorized is returned when the server rejects the token.
var ErrUnauthorized = errors.New("unauthorized")

// CloseError reports a close frame received from the peer.
type CloseError struct {
	Code   int
	Reason string
}

func (e *CloseError) Error() string {
	return fmt.Sprintf("connection closed: %d %s", e.Code, e.Reason)
}

// IsNormalClose reports whether err is a close with the normal status code.
func IsNormalClose(err error) bool {
	var ce *CloseError
	return errors.As(err, &ce) && ce.Code == CloseNormal
}

// Conn is one established frame connection.
type Conn interface {
	// ReadFrame blocks for the next text frame.
	ReadFrame() ([]byte, error)
	WriteFrame(frame []byte) error
	Close(code int, reason string) error
}

// Dialer opens connections.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// WebsocketDialer dials gorilla websocket connections.
type WebsocketDialer struct {
	Dialer *websocket.Dialer
	Header http.Header
}

// Dial connects to url. A 401 handshake response yields ErrUnauthorized.
func (d *WebsocketDialer) Dial(ctx context.Context, url string) (Conn, error) {
	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	c, resp, err := dialer.DialContext(ctx, url, d.Header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, fmt.Errorf("dial: %w", ErrUnauthorized)
		}
		return nil, fmt.Errorf("dial: %w", err)
	}
	c.SetReadLimit(protocol.MaxFrameBytes)
	return &wsConn{c: c}, nil
}

// wsConn serializes writes; gorilla allows one concurrent writer.
type wsConn struct {
	c   *websocket.Conn
	wmu sync.Mutex
}

// NewConn wraps an established gorilla connection.
func NewConn(c *websocket.Conn) Conn {
	return &wsConn{c: c}
}

func (w *wsConn) ReadFrame() ([]byte, error) {
	_, data, err := w.c.ReadMessage()
	if err != nil {
		var ce *websocket.CloseError
		if errors.As(err, &ce) {
			return nil, &CloseError{Code: ce.Code, Reason: ce.Text}
		}
		return nil, err
	}
	return data, nil
}

func (w *wsConn) WriteFrame(frame []byte) error {
	w.wmu.Lock()
	defer w.wmu.Unlock()
	w.c.SetWriteDeadline(time.Now().Add(writeWait))
	return w.c.WriteMessage(websocket.TextMessage, frame)
}

func (w *wsConn) Close(code int, reason string) error {
	w.wmu.Lock()
	msg := websocket.FormatCloseMessage(code, reason)
	_ = w.c.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	w.wmu.Unlock()
	return w.c.Close()
}
