// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package relay

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	_ Relay = (*Local)(nil)
	_ Relay = (*Redis)(nil)
)

type collector struct {
	mu   sync.Mutex
	envs []Envelope
}

func (c *collector) handle(env Envelope) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.envs = append(c.envs, env)
}

func (c *collector) snapshot() []Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Envelope(nil), c.envs...)
}

func TestLocal_PublishSubscribe(t *testing.T) {
	l := NewLocal()
	ctx := context.Background()

	var a, b, other collector
	cancelA, err := l.Subscribe(ctx, "ws-1", a.handle)
	require.NoError(t, err)
	_, err = l.Subscribe(ctx, "ws-1", b.handle)
	require.NoError(t, err)
	_, err = l.Subscribe(ctx, "ws-2", other.handle)
	require.NoError(t, err)

	env := Envelope{Origin: "i1", WorkspaceID: "ws-1", Frame: []byte(`{"type":"node_move"}`)}
	require.NoError(t, l.Publish(ctx, env))

	assert.Equal(t, []Envelope{env}, a.snapshot())
	assert.Equal(t, []Envelope{env}, b.snapshot())
	assert.Empty(t, other.snapshot())

	cancelA()
	cancelA()
	require.NoError(t, l.Publish(ctx, env))
	assert.Len(t, a.snapshot(), 1)
	assert.Len(t, b.snapshot(), 2)
}

func TestLocal_Close(t *testing.T) {
	l := NewLocal()
	var c collector
	_, err := l.Subscribe(context.Background(), "ws", c.handle)
	require.NoError(t, err)
	require.NoError(t, l.Close())
	require.NoError(t, l.Publish(context.Background(), Envelope{WorkspaceID: "ws", Frame: []byte("{}")}))
	assert.Empty(t, c.snapshot())
}

func TestDecodeEnvelope(t *testing.T) {
	env, err := DecodeEnvelope([]byte(`{"origin":"a","workspace_id":"ws","frame":"eyJ0eXBlIjoiam9pbiJ9"}`))
	require.NoError(t, err)
	assert.Equal(t, "ws", env.WorkspaceID)
	assert.JSONEq(t, `{"type":"join"}`, string(env.Frame))

	_, err = DecodeEnvelope([]byte(`not json`))
	assert.Error(t, err)
	_, err = DecodeEnvelope([]byte(`{"origin":"a"}`))
	assert.Error(t, err)
}

func TestChannel(t *testing.T) {
	assert.Equal(t, "canvassync:workspace:ws-9", Channel("ws-9"))
}

// TestRedis_RoundTrip needs a reachable Redis; set CANVASSYNC_TEST_REDIS to
// its address (for example localhost:6379) to run it.
func TestRedis_RoundTrip(t *testing.T) {
	addr := os.Getenv("CANVASSYNC_TEST_REDIS")
	if addr == "" {
		t.Skip("CANVASSYNC_TEST_REDIS not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	r, err := NewRedis(ctx, addr, nil)
	require.NoError(t, err)
	defer r.Close()

	ws := "test-" + uuid.NewString()
	got := make(chan Envelope, 1)
	unsubscribe, err := r.Subscribe(ctx, ws, func(env Envelope) { got <- env })
	require.NoError(t, err)
	defer unsubscribe()

	sent := Envelope{Origin: "i1", WorkspaceID: ws, Frame: []byte(`{"type":"node_delete"}`)}
	require.NoError(t, r.Publish(ctx, sent))

	select {
	case env := <-got:
		assert.Equal(t, sent, env)
	case <-ctx.Done():
		t.Fatal("envelope not delivered")
	}
}
