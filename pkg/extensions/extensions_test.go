// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package extensions

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultOptions(t *testing.T) {
	opts := DefaultOptions()
	assert.IsType(t, &NopAuthProvider{}, opts.AuthProvider)
	assert.IsType(t, &NopAuditLogger{}, opts.AuditLogger)

	jwtp := NewJWTAuthProvider("s3cret")
	opts = opts.WithAuth(jwtp)
	assert.Same(t, jwtp, opts.AuthProvider)

	empty := ServiceOptions{}.Normalize()
	assert.NotNil(t, empty.AuthProvider)
	assert.NotNil(t, empty.AuditLogger)
}

func TestNopAuthProvider(t *testing.T) {
	info, err := (&NopAuthProvider{}).Validate(context.Background(), "anything")
	require.NoError(t, err)
	assert.Equal(t, LocalUserID, info.UserID)
	assert.True(t, info.HasRole("admin"))
	assert.False(t, info.HasRole("viewer"))
}

func TestJWTAuthProvider_RoundTrip(t *testing.T) {
	token, err := IssueToken("s3cret", AuthInfo{UserID: "alice", DisplayName: "Alice", Color: "#f00"}, time.Hour)
	require.NoError(t, err)

	info, err := NewJWTAuthProvider("s3cret").Validate(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, "alice", info.UserID)
	assert.Equal(t, "Alice", info.DisplayName)
	assert.Equal(t, "#f00", info.Color)

	id, err := UserIDFromToken(token)
	require.NoError(t, err)
	assert.Equal(t, "alice", id)
}

func TestJWTAuthProvider_Rejects(t *testing.T) {
	p := NewJWTAuthProvider("s3cret")
	ctx := context.Background()

	wrongKey, err := IssueToken("other", AuthInfo{UserID: "alice"}, time.Hour)
	require.NoError(t, err)
	expired, err := IssueToken("s3cret", AuthInfo{UserID: "alice"}, -time.Minute)
	require.NoError(t, err)
	noExpiry, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": "alice"}).
		SignedString([]byte("s3cret"))
	require.NoError(t, err)

	tests := []struct {
		name  string
		token string
	}{
		{"empty", ""},
		{"garbage", "not-a-jwt"},
		{"wrong key", wrongKey},
		{"expired", expired},
		{"no expiry", noExpiry},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := p.Validate(ctx, tt.token)
			assert.True(t, errors.Is(err, ErrUnauthorized), "got %v", err)
		})
	}
}

func TestUserIDFromToken(t *testing.T) {
	id, err := UserIDFromToken("")
	require.NoError(t, err)
	assert.Equal(t, LocalUserID, id)

	subOnly, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": "bob"}).
		SignedString([]byte("x"))
	require.NoError(t, err)
	id, err = UserIDFromToken(subOnly)
	require.NoError(t, err)
	assert.Equal(t, "bob", id)

	_, err = UserIDFromToken("nope")
	assert.Error(t, err)
}

func TestSlogAuditLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	audit := NewSlogAuditLogger(logger)

	require.NoError(t, audit.Log(context.Background(), AuditEvent{
		EventType:    "auth.failed",
		ResourceType: "workspace",
		ResourceID:   "ws-1",
		Outcome:      "denied",
		Metadata:     map[string]any{"path": "/collaborate/ws-1"},
	}))
	require.NoError(t, audit.Flush(context.Background()))

	out := buf.String()
	assert.Contains(t, out, `"level":"WARN"`)
	assert.Contains(t, out, `"event_type":"auth.failed"`)
	assert.Contains(t, out, `"user_id":"anonymous"`)
	assert.Contains(t, out, `"path":"/collaborate/ws-1"`)
}
