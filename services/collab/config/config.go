// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads the collaboration server configuration.
//
// Values are layered: built-in defaults, then the YAML file (if any), then
// environment variables. The result is validated before use.
//
//	port: 12220
//	data_dir: ./data
//	jwt_secret: change-me
//	redis_addr: localhost:6379
//	hub:
//	  rate_limit: 60
//	  burst: 120
//	log:
//	  level: info
//	  json: false
//	telemetry:
//	  trace_exporter: otlp
//	  otlp_endpoint: localhost:4317
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/canvassync/services/collab/telemetry"
)

// DefaultPort is the HTTP port when none is configured.
const DefaultPort = 12220

// Environment variables read by Load.
const (
	EnvPort         = "CANVASSYNC_PORT"
	EnvDataDir      = "CANVASSYNC_DATA_DIR"
	EnvJWTSecret    = "CANVASSYNC_JWT_SECRET"
	EnvRedisAddr    = "CANVASSYNC_REDIS_ADDR"
	EnvLogLevel     = "CANVASSYNC_LOG_LEVEL"
	EnvOTLPEndpoint = "OTEL_EXPORTER_OTLP_ENDPOINT"
)

var configValidate = validator.New()

// Config is the server configuration.
type Config struct {
	// Port is the HTTP listen port.
	Port int `yaml:"port" validate:"min=1,max=65535"`

	// DataDir holds the Badger database. Empty keeps everything in memory.
	DataDir string `yaml:"data_dir"`

	// JWTSecret enables HS256 token validation. Empty accepts every
	// connection as the local user.
	JWTSecret string `yaml:"jwt_secret"`

	// RedisAddr enables the Redis relay so several instances share rooms.
	RedisAddr string `yaml:"redis_addr" validate:"omitempty,hostname_port"`

	// GinMode is "debug", "release", or "test". Empty leaves gin's default.
	GinMode string `yaml:"gin_mode" validate:"omitempty,oneof=debug release test"`

	// ShutdownTimeout bounds graceful shutdown.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" validate:"gt=0"`

	Hub       HubConfig        `yaml:"hub"`
	Log       LogConfig        `yaml:"log"`
	Telemetry telemetry.Config `yaml:"telemetry"`
}

// HubConfig tunes the collaboration hub.
type HubConfig struct {
	// RateLimit is the sustained inbound frames per second per connection.
	RateLimit float64 `yaml:"rate_limit" validate:"gt=0"`
	Burst     int     `yaml:"burst" validate:"gt=0"`
}

// LogConfig configures pkg/logging.
type LogConfig struct {
	Level string `yaml:"level" validate:"omitempty,oneof=debug info warn warning error"`
	JSON  bool   `yaml:"json"`
	Dir   string `yaml:"dir"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Port:            DefaultPort,
		ShutdownTimeout: 10 * time.Second,
		Hub: HubConfig{
			RateLimit: 60,
			Burst:     120,
		},
		Log:       LogConfig{Level: "info"},
		Telemetry: telemetry.DefaultConfig(),
	}
}

// Load reads path over the defaults and applies environment overrides.
// An empty path skips the file.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("failed to read the config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("failed to parse the config file %s: %w", path, err)
		}
	}
	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks field ranges.
func (c *Config) Validate() error {
	if err := configValidate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

func applyEnv(cfg *Config) error {
	if v := os.Getenv(EnvPort); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvPort, err)
		}
		cfg.Port = port
	}
	if v, ok := os.LookupEnv(EnvDataDir); ok {
		cfg.DataDir = v
	}
	if v, ok := os.LookupEnv(EnvJWTSecret); ok {
		cfg.JWTSecret = v
	}
	if v, ok := os.LookupEnv(EnvRedisAddr); ok {
		cfg.RedisAddr = v
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv(EnvOTLPEndpoint); v != "" {
		cfg.Telemetry.OTLPEndpoint = v
		if cfg.Telemetry.TraceExporter == "" || cfg.Telemetry.TraceExporter == "none" {
			cfg.Telemetry.TraceExporter = "otlp"
		}
	}
	return nil
}
