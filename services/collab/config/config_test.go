// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{EnvPort, EnvDataDir, EnvJWTSecret, EnvRedisAddr, EnvLogLevel, EnvOTLPEndpoint} {
		t.Setenv(key, "")
		os.Unsetenv(key)
	}
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "canvassync.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, DefaultPort, cfg.Port)
	assert.Empty(t, cfg.DataDir, "in-memory by default")
	assert.Empty(t, cfg.JWTSecret)
	assert.Equal(t, 60.0, cfg.Hub.RateLimit)
	assert.Equal(t, 120, cfg.Hub.Burst)
	assert.Equal(t, 10*time.Second, cfg.ShutdownTimeout)
	assert.Equal(t, "canvassync", cfg.Telemetry.ServiceName)
	assert.Equal(t, "none", cfg.Telemetry.TraceExporter)
}

func TestLoad_File(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, `
port: 9000
data_dir: /var/lib/canvassync
jwt_secret: s3cret
redis_addr: localhost:6379
shutdown_timeout: 30s
hub:
  rate_limit: 10
log:
  level: debug
  json: true
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9000, cfg.Port)
	assert.Equal(t, "/var/lib/canvassync", cfg.DataDir)
	assert.Equal(t, "s3cret", cfg.JWTSecret)
	assert.Equal(t, "localhost:6379", cfg.RedisAddr)
	assert.Equal(t, 30*time.Second, cfg.ShutdownTimeout)
	assert.Equal(t, 10.0, cfg.Hub.RateLimit)
	assert.Equal(t, 120, cfg.Hub.Burst, "unset fields keep their defaults")
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.True(t, cfg.Log.JSON)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, "port: 9000\njwt_secret: from-file\n")
	t.Setenv(EnvPort, "9100")
	t.Setenv(EnvJWTSecret, "from-env")
	t.Setenv(EnvRedisAddr, "redis:6379")
	t.Setenv(EnvLogLevel, "warn")
	t.Setenv(EnvOTLPEndpoint, "collector:4317")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9100, cfg.Port)
	assert.Equal(t, "from-env", cfg.JWTSecret)
	assert.Equal(t, "redis:6379", cfg.RedisAddr)
	assert.Equal(t, "warn", cfg.Log.Level)
	assert.Equal(t, "collector:4317", cfg.Telemetry.OTLPEndpoint)
	assert.Equal(t, "otlp", cfg.Telemetry.TraceExporter)
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		env     map[string]string
	}{
		{name: "bad yaml", content: "port: [1, 2"},
		{name: "port out of range", content: "port: 70000"},
		{name: "bad rate limit", content: "hub:\n  rate_limit: -1"},
		{name: "bad log level", content: "log:\n  level: loud"},
		{name: "bad gin mode", content: "gin_mode: turbo"},
		{name: "bad redis addr", content: "redis_addr: not an address"},
		{name: "bad env port", content: "", env: map[string]string{EnvPort: "eighty"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load(writeConfig(t, tt.content))
			assert.Error(t, err)
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	clearEnv(t)
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestDefault_RoundTripsThroughYAML(t *testing.T) {
	clearEnv(t)
	data, err := yaml.Marshal(Default())
	require.NoError(t, err)

	cfg, err := Load(writeConfig(t, string(data)))
	require.NoError(t, err)
	assert.Equal(t, Default().Port, cfg.Port)
	assert.Equal(t, Default().Hub, cfg.Hub)
}
