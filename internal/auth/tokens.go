/*
SPDX-FileCopyrightText: Copyright (c) 2026 NVIDIA CORPORATION. All rights reserved.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.

SPDX-License-Identifier: Apache-2.0
*/

package auth

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Token verification errors. Callers should match with errors.Is; the
// wrapped message carries the specific failure.
var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
)

// TokenKind distinguishes short-lived access tokens from long-lived
// refresh tokens. A refresh token is never accepted where an access
// token is expected, and vice versa.
type TokenKind string

const (
	TokenKindAccess  TokenKind = "access"
	TokenKindRefresh TokenKind = "refresh"
)

// Default token lifetimes.
const (
	DefaultAccessTTL  = time.Hour
	DefaultRefreshTTL = 30 * 24 * time.Hour
)

// TokenConfig holds token service configuration.
type TokenConfig struct {
	// Secret is the HMAC-SHA256 signing key. Must not be empty.
	Secret []byte
	// AccessTTL is the access token lifetime (default 1h).
	AccessTTL time.Duration
	// RefreshTTL is the refresh token lifetime (default 720h).
	RefreshTTL time.Duration
}

// TokenPair is the credential set returned to clients after registration,
// login, or refresh.
type TokenPair struct {
	AccessToken  string    `json:"accessToken"`
	RefreshToken string    `json:"refreshToken"`
	ExpiresAt    time.Time `json:"expiresAt"`
}

// claims is the signed token payload.
type claims struct {
	Subject   string    `json:"sub"`
	Email     string    `json:"email,omitempty"`
	Roles     []string  `json:"roles,omitempty"`
	Kind      TokenKind `json:"kind"`
	IssuedAt  int64     `json:"iat"`
	ExpiresAt int64     `json:"exp"`
	TokenID   string    `json:"jti"`
}

// TokenService issues and verifies HMAC-SHA256 signed tokens. Tokens are
// self-contained: the payload carries the identity and roles, so
// verification needs no database round trip.
type TokenService struct {
	secret     []byte
	accessTTL  time.Duration
	refreshTTL time.Duration
	now        func() time.Time
}

// NewTokenService creates a TokenService from the given configuration.
func NewTokenService(config TokenConfig) (*TokenService, error) {
	if len(config.Secret) == 0 {
		return nil, errors.New("token signing secret must not be empty")
	}

	accessTTL := config.AccessTTL
	if accessTTL <= 0 {
		accessTTL = DefaultAccessTTL
	}
	refreshTTL := config.RefreshTTL
	if refreshTTL <= 0 {
		refreshTTL = DefaultRefreshTTL
	}

	secret := make([]byte, len(config.Secret))
	copy(secret, config.Secret)

	return &TokenService{
		secret:     secret,
		accessTTL:  accessTTL,
		refreshTTL: refreshTTL,
		now:        time.Now,
	}, nil
}

// Issue creates a new access/refresh token pair for a user.
func (s *TokenService) Issue(userID, email string, roles []string) (*TokenPair, error) {
	now := s.now()

	access, accessExpiry, err := s.sign(userID, email, roles, TokenKindAccess, now, s.accessTTL)
	if err != nil {
		return nil, err
	}

	refresh, _, err := s.sign(userID, email, roles, TokenKindRefresh, now, s.refreshTTL)
	if err != nil {
		return nil, err
	}

	return &TokenPair{
		AccessToken:  access,
		RefreshToken: refresh,
		ExpiresAt:    accessExpiry,
	}, nil
}

// Verify checks an access token's signature and expiry and returns the
// identity it carries. Implements Provider.
func (s *TokenService) Verify(_ context.Context, token string) (*Identity, error) {
	c, err := s.parse(token)
	if err != nil {
		return nil, err
	}

	if c.Kind != TokenKindAccess {
		return nil, fmt.Errorf("%w: not an access token", ErrInvalidToken)
	}

	return &Identity{
		UserID: c.Subject,
		Email:  c.Email,
		Roles:  slices.Clone(c.Roles),
	}, nil
}

// Refresh validates a refresh token and issues a fresh token pair carrying
// the same identity and roles.
func (s *TokenService) Refresh(_ context.Context, refreshToken string) (*TokenPair, error) {
	c, err := s.parse(refreshToken)
	if err != nil {
		return nil, err
	}

	if c.Kind != TokenKindRefresh {
		return nil, fmt.Errorf("%w: not a refresh token", ErrInvalidToken)
	}

	return s.Issue(c.Subject, c.Email, c.Roles)
}

// sign serializes and signs a claims payload. The token format is
// base64url(payload) + "." + base64url(HMAC-SHA256(secret, base64url(payload))).
func (s *TokenService) sign(userID, email string, roles []string, kind TokenKind, now time.Time, ttl time.Duration) (string, time.Time, error) {
	expiresAt := now.Add(ttl)

	payload, err := json.Marshal(claims{
		Subject:   userID,
		Email:     email,
		Roles:     roles,
		Kind:      kind,
		IssuedAt:  now.Unix(),
		ExpiresAt: expiresAt.Unix(),
		TokenID:   uuid.New().String(),
	})
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to marshal token claims: %w", err)
	}

	encoded := base64.RawURLEncoding.EncodeToString(payload)
	return encoded + "." + s.signature(encoded), expiresAt, nil
}

// parse validates the token format, signature, and expiry.
func (s *TokenService) parse(token string) (*claims, error) {
	encoded, sig, ok := strings.Cut(token, ".")
	if !ok || encoded == "" || sig == "" {
		return nil, fmt.Errorf("%w: malformed token", ErrInvalidToken)
	}

	expected := s.signature(encoded)
	if !hmac.Equal([]byte(sig), []byte(expected)) {
		return nil, fmt.Errorf("%w: signature mismatch", ErrInvalidToken)
	}

	payload, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: malformed payload", ErrInvalidToken)
	}

	var c claims
	if err := json.Unmarshal(payload, &c); err != nil {
		return nil, fmt.Errorf("%w: malformed claims", ErrInvalidToken)
	}

	if s.now().Unix() >= c.ExpiresAt {
		return nil, ErrExpiredToken
	}

	return &c, nil
}

func (s *TokenService) signature(encodedPayload string) string {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(encodedPayload))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}
