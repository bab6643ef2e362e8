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
	"log/slog"
	"net/url"
	"os"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/canvassync/services/collab/protocol"
	"github.com/AleutianAI/canvassync/services/collab/reconcile"
	"github.com/AleutianAI/canvassync/services/collab/supervisor"
	"github.com/AleutianAI/canvassync/services/collab/transport"
)

// EnvToken supplies --token when the flag is not given.
const EnvToken = "CANVASSYNC_TOKEN"

var (
	watchURL   string
	watchAPI   string
	watchToken string
	watchRuns  bool

	watchCmd = &cobra.Command{
		Use:   "watch [workspace]",
		Short: "Join a workspace as a headless participant and log what happens",
		Long: `Connects a session supervisor to a workspace and logs presence, graph
changes, document changes, and agent-run events until interrupted.`,
		Args: cobra.ExactArgs(1),
		RunE: runWatch,
	}
)

func init() {
	watchCmd.Flags().StringVar(&watchURL, "url", "ws://localhost:12220", "Websocket base URL of the server")
	watchCmd.Flags().StringVar(&watchAPI, "api", "", "HTTP base URL of the run API (derived from --url when empty)")
	watchCmd.Flags().StringVar(&watchToken, "token", "", "Bearer token (default $"+EnvToken+")")
	watchCmd.Flags().BoolVar(&watchRuns, "runs", true, "Also watch the workspace run-status stream")
}

func runWatch(cmd *cobra.Command, args []string) error {
	logger, err := newLogger("info", false, "")
	if err != nil {
		return err
	}
	defer logger.Close()

	token := watchToken
	if token == "" {
		token = os.Getenv(EnvToken)
	}
	api := watchAPI
	if api == "" {
		if api, err = httpBase(watchURL); err != nil {
			return err
		}
	}

	sup, err := supervisor.New(supervisor.Config{
		BaseURL:     watchURL,
		APIURL:      api,
		WorkspaceID: args[0],
		Token:       func() string { return token },
		Dialer:      &transport.WebsocketDialer{},
		Logger:      logger.Slog(),
	})
	if err != nil {
		return err
	}
	defer sup.Dispose()

	log := logger.Slog().With("workspace_id", args[0], "user_id", sup.LocalID())
	sup.SetHandlers(watchHandlers(log))
	sup.Start()
	if watchRuns {
		if _, err := sup.WatchWorkspaceRuns(); err != nil {
			return err
		}
	}
	log.Info("watching workspace", "url", watchURL, "token_present", token != "")

	select {
	case <-cmd.Context().Done():
	case <-sup.Done():
		if err := sup.Err(); err != nil {
			return fmt.Errorf("session ended: %w", err)
		}
	}
	return nil
}

// watchHandlers logs every supervisor callback.
func watchHandlers(log *slog.Logger) supervisor.Handlers {
	return supervisor.Handlers{
		OnState: func(state transport.State, err error) {
			log.Info("connection", "state", state.String(), "error", err)
		},
		OnPresence: func(users []protocol.Participant) {
			ids := make([]string, 0, len(users))
			for _, u := range users {
				ids = append(ids, u.UserID)
			}
			log.Info("presence", "participants", ids)
		},
		OnJoin:  func(userID string) { log.Info("joined", "participant", userID) },
		OnLeave: func(userID string) { log.Info("left", "participant", userID) },
		OnChange: func(change reconcile.Change) {
			if change.Outcome != reconcile.Applied {
				return
			}
			log.Info("change",
				"type", change.Type,
				"actor", change.Actor,
				"node_id", change.NodeID,
				"path", change.Path,
			)
		},
		OnNotice: func(notice *protocol.ErrorMessage) {
			log.Warn("server notice", "code", notice.Code, "message", notice.Message)
		},
		OnRunEvent: func(run protocol.AgentRun, ev protocol.RunEvent, _ reconcile.Change) {
			log.Info("run event",
				"run_id", run.ID,
				"event", ev.EventType(),
				"status", run.Status,
				"progress", run.Progress,
			)
		},
		OnRunState: func(streamID string, state transport.State, err error) {
			log.Debug("run stream", "stream", streamID, "state", state.String(), "error", err)
		},
	}
}

// httpBase maps ws(s)://host/path to http(s)://host/path.
func httpBase(wsURL string) (string, error) {
	u, err := url.Parse(wsURL)
	if err != nil {
		return "", fmt.Errorf("parse --url: %w", err)
	}
	switch u.Scheme {
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	case "http", "https":
	default:
		return "", fmt.Errorf("unsupported --url scheme %q", u.Scheme)
	}
	return u.String(), nil
}
