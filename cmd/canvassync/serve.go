// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/canvassync/services/collab"
	"github.com/AleutianAI/canvassync/services/collab/config"
)

var (
	configPath string

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Run the collaboration server",
		Long: `Serves /collaborate/{workspace}, /runs/{id}/stream, /problems/{workspace}/ws
and the /v1 run API until interrupted. Configuration comes from --config and
the CANVASSYNC_* environment variables.`,
		Args: cobra.NoArgs,
		RunE: runServe,
	}
)

func init() {
	serveCmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to a YAML config file")
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg.Log.Level, cfg.Log.JSON, cfg.Log.Dir)
	if err != nil {
		return err
	}
	defer logger.Close()

	logger.Info("starting canvassync",
		"port", cfg.Port,
		"data_dir", cfg.DataDir,
		"redis_addr", cfg.RedisAddr,
		"auth", cfg.JWTSecret != "",
	)

	svc, err := collab.New(cmd.Context(), cfg, nil, logger.Slog())
	if err != nil {
		logger.Error("failed to create service", "error", err)
		return fmt.Errorf("create service: %w", err)
	}
	if err := svc.Run(cmd.Context()); err != nil {
		logger.Error("server stopped", "error", err)
		return err
	}
	logger.Info("server stopped")
	return nil
}
