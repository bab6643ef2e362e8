// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command canvassync runs the collaboration server and a headless client.
//
// # Usage
//
//	# Serve (config file optional; environment overrides apply)
//	canvassync serve --config canvassync.yaml
//
//	# Watch a workspace as a headless participant
//	canvassync watch proof-42 --url ws://localhost:12220 --token $TOKEN
//
//	# Issue a development token for a server with jwt_secret set
//	canvassync token ada --secret change-me --name "Ada"
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/canvassync/pkg/logging"
)

var (
	logLevel string
	logJSON  bool

	rootCmd = &cobra.Command{
		Use:   "canvassync",
		Short: "Real-time sync for collaborative proof canvases",
		Long: `canvassync serves the collaboration, run-stream, and run REST endpoints
of a proof canvas workspace, and can join a workspace as a headless client.`,
		SilenceUsage: true,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&logJSON, "log-json", false, "Write logs as JSON")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(tokenCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

// newLogger builds the process logger and installs it as the slog default.
// Flags win over the configured values.
func newLogger(level string, json bool, dir string) (*logging.Logger, error) {
	if logLevel != "" {
		level = logLevel
	}
	lvl, err := logging.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	logger := logging.New(logging.Config{
		Level:   lvl,
		JSON:    json || logJSON,
		LogDir:  dir,
		Service: "canvassync",
	})
	slog.SetDefault(logger.Slog())
	return logger, nil
}
