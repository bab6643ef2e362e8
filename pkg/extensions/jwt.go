// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package extensions

import (
	"context"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims is the payload of collaboration bearer tokens.
type Claims struct {
	UserID      string   `json:"user_id,omitempty"`
	DisplayName string   `json:"name,omitempty"`
	Color       string   `json:"color,omitempty"`
	Email       string   `json:"email,omitempty"`
	Roles       []string `json:"roles,omitempty"`
	jwt.RegisteredClaims
}

// Identity returns the user id, preferring the explicit user_id claim over
// the subject.
func (c *Claims) Identity() string {
	if c.UserID != "" {
		return c.UserID
	}
	return c.Subject
}

// JWTAuthProvider validates HS256 tokens signed with a shared secret.
//
// Thread-safe: the secret is immutable after construction.
type JWTAuthProvider struct {
	secret []byte
	parser *jwt.Parser
}

// NewJWTAuthProvider creates a provider for the given signing secret.
func NewJWTAuthProvider(secret string) *JWTAuthProvider {
	return &JWTAuthProvider{
		secret: []byte(secret),
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithExpirationRequired(),
		),
	}
}

// Validate verifies the signature and expiry of token.
//
// # Outputs
//
//   - *AuthInfo: Identity from the user_id (or sub), name, and color claims.
//   - error: Wraps ErrUnauthorized for any invalid or expired token.
func (p *JWTAuthProvider) Validate(_ context.Context, token string) (*AuthInfo, error) {
	if token == "" {
		return nil, fmt.Errorf("missing token: %w", ErrUnauthorized)
	}
	claims := &Claims{}
	_, err := p.parser.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return p.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("invalid token: %v: %w", err, ErrUnauthorized)
	}
	id := claims.Identity()
	if id == "" {
		return nil, fmt.Errorf("token has no subject: %w", ErrUnauthorized)
	}
	return &AuthInfo{
		UserID:      id,
		DisplayName: claims.DisplayName,
		Color:       claims.Color,
		Email:       claims.Email,
		Roles:       claims.Roles,
	}, nil
}

// IssueToken signs a token for info valid for ttl.
func IssueToken(secret string, info AuthInfo, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		UserID:      info.UserID,
		DisplayName: info.DisplayName,
		Color:       info.Color,
		Email:       info.Email,
		Roles:       info.Roles,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   info.UserID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// UserIDFromToken reads the user id from a token without verifying it.
//
// Clients use it to learn their own actor id for self-echo suppression;
// the server always verifies. An empty token yields LocalUserID, matching
// NopAuthProvider.
func UserIDFromToken(token string) (string, error) {
	if token == "" {
		return LocalUserID, nil
	}
	claims := &Claims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return "", fmt.Errorf("parse token: %w", err)
	}
	id := claims.Identity()
	if id == "" {
		return "", fmt.Errorf("token has no subject: %w", ErrUnauthorized)
	}
	return id, nil
}
