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
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"
)

// ChannelPrefix namespaces the pub/sub channels.
const ChannelPrefix = "canvassync:workspace:"

// Channel returns the pub/sub channel of a workspace.
func Channel(workspaceID string) string {
	return ChannelPrefix + workspaceID
}

// Redis relays envelopes over Redis pub/sub.
type Redis struct {
	client *redis.Client
	logger *slog.Logger

	mu   sync.Mutex
	subs map[*redis.PubSub]struct{}
}

// NewRedis connects to addr and verifies the connection with PING.
func NewRedis(ctx context.Context, addr string, logger *slog.Logger) (*Redis, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect to redis %s: %w", addr, err)
	}
	return NewRedisWithClient(client, logger), nil
}

// NewRedisWithClient wraps an existing client.
func NewRedisWithClient(client *redis.Client, logger *slog.Logger) *Redis {
	if logger == nil {
		logger = slog.Default()
	}
	return &Redis{
		client: client,
		logger: logger.With("component", "relay"),
		subs:   make(map[*redis.PubSub]struct{}),
	}
}

func (r *Redis) Publish(ctx context.Context, env Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	if err := r.client.Publish(ctx, Channel(env.WorkspaceID), data).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", env.WorkspaceID, err)
	}
	return nil
}

// Subscribe starts a delivery goroutine for workspaceID. Undecodable
// payloads are logged and skipped.
func (r *Redis) Subscribe(ctx context.Context, workspaceID string, h Handler) (func(), error) {
	ps := r.client.Subscribe(ctx, Channel(workspaceID))
	// Receive waits for the subscription confirmation so that publishes
	// made after Subscribe returns are not missed.
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, fmt.Errorf("subscribe %s: %w", workspaceID, err)
	}

	r.mu.Lock()
	r.subs[ps] = struct{}{}
	r.mu.Unlock()

	go func() {
		for msg := range ps.Channel() {
			env, err := DecodeEnvelope([]byte(msg.Payload))
			if err != nil {
				r.logger.Warn("dropping relay payload", "workspace_id", workspaceID, "error", err)
				continue
			}
			h(env)
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			delete(r.subs, ps)
			r.mu.Unlock()
			ps.Close()
		})
	}, nil
}

// Close ends every subscription and closes the client.
func (r *Redis) Close() error {
	r.mu.Lock()
	for ps := range r.subs {
		ps.Close()
	}
	r.subs = make(map[*redis.PubSub]struct{})
	r.mu.Unlock()
	return r.client.Close()
}

// DecodeEnvelope parses a relayed payload.
func DecodeEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	if env.WorkspaceID == "" || len(env.Frame) == 0 {
		return Envelope{}, fmt.Errorf("decode envelope: missing workspace or frame")
	}
	return env, nil
}
