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
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/canvassync/pkg/extensions"
	"github.com/AleutianAI/canvassync/services/collab/config"
)

var (
	tokenSecret string
	tokenName   string
	tokenColor  string
	tokenTTL    time.Duration

	tokenCmd = &cobra.Command{
		Use:   "token [user-id]",
		Short: "Issue a signed development token",
		Long: `Signs an HS256 token for user-id with the server's jwt_secret. Intended
for local development; production tokens come from the identity provider.`,
		Args: cobra.ExactArgs(1),
		RunE: runToken,
	}
)

func init() {
	tokenCmd.Flags().StringVar(&tokenSecret, "secret", "", "Signing secret (default $"+config.EnvJWTSecret+")")
	tokenCmd.Flags().StringVar(&tokenName, "name", "", "Display name claim")
	tokenCmd.Flags().StringVar(&tokenColor, "color", "", "Cursor color claim")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 24*time.Hour, "Token lifetime")
}

func runToken(cmd *cobra.Command, args []string) error {
	secret := tokenSecret
	if secret == "" {
		secret = os.Getenv(config.EnvJWTSecret)
	}
	if secret == "" {
		return errors.New("no signing secret: pass --secret or set " + config.EnvJWTSecret)
	}
	token, err := extensions.IssueToken(secret, extensions.AuthInfo{
		UserID:      args[0],
		DisplayName: tokenName,
		Color:       tokenColor,
	}, tokenTTL)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(cmd.OutOrStdout(), token)
	return err
}
