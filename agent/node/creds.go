/*
SPDX-FileCopyrightText: Copyright (c) 2026 NVIDIA CORPORATION & AFFILIATES. All rights reserved.

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

package node

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"go.corp.nvidia.com/longshore/agent/state"
	"go.corp.nvidia.com/longshore/pkg/cluster"
)

const (
	// credentialSlack treats tokens this close to expiry as already expired
	// so a session never starts on a token about to die.
	credentialSlack = time.Minute
	// refreshAhead is the background rotation window.
	refreshAhead = 5 * time.Minute
)

// credentialManager owns the agent's identity with the orchestrator: cached
// tokens, disk persistence, refresh rotation, and first-boot bootstrap of a
// machine account when none is configured.
type credentialManager struct {
	name     string
	email    string
	password string
	rest     *restClient
	store    *state.Store
	logger   *slog.Logger

	mu    sync.Mutex
	creds *state.Credentials
	now   func() time.Time
}

func newCredentialManager(name, email, password string, rest *restClient, st *state.Store, logger *slog.Logger) *credentialManager {
	return &credentialManager{
		name:     name,
		email:    email,
		password: password,
		rest:     rest,
		store:    st,
		logger:   logger,
		now:      time.Now,
	}
}

// Get returns live credentials, in order of preference: the cached grant,
// the persisted one, a refresh rotation, then a fresh login or machine-user
// registration.
func (m *credentialManager) Get(ctx context.Context) (*state.Credentials, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.creds == nil {
		stored, err := m.store.LoadCredentials()
		if err != nil {
			m.logger.Warn("stored credentials unreadable", slog.String("error", err.Error()))
		}
		m.creds = stored
	}
	if m.creds.Valid(m.now().Add(credentialSlack)) {
		return m.creds, nil
	}

	if m.creds != nil && m.creds.RefreshToken != "" {
		creds, err := m.refreshLocked(ctx)
		if err == nil {
			return creds, nil
		}
		m.logger.Warn("token refresh failed, falling back to re-registration",
			slog.String("error", err.Error()))
	}
	return m.bootstrapLocked(ctx)
}

// Invalidate discards cached and persisted credentials after the server
// rejected them. The next Get bootstraps from scratch.
func (m *credentialManager) Invalidate() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.creds = nil
	if err := m.store.ClearCredentials(); err != nil {
		m.logger.Warn("clear persisted credentials failed", slog.String("error", err.Error()))
	}
}

// RefreshIfNeeded rotates tokens entering the refresh window. Failures are
// logged, not fatal; the session keeps its current token until expiry.
func (m *credentialManager) RefreshIfNeeded(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.creds == nil || m.creds.RefreshToken == "" {
		return
	}
	if m.creds.ExpiresAt.After(m.now().Add(refreshAhead)) {
		return
	}
	if _, err := m.refreshLocked(ctx); err != nil {
		m.logger.Warn("credential rotation failed", slog.String("error", err.Error()))
		return
	}
	m.logger.Debug("access token rotated", slog.Time("expires_at", m.creds.ExpiresAt))
}

// NodeByName looks up a registered node through the REST surface using the
// current access token.
func (m *credentialManager) NodeByName(ctx context.Context, name string) (*cluster.Node, error) {
	creds, err := m.Get(ctx)
	if err != nil {
		return nil, err
	}
	return m.rest.NodeByName(ctx, creds.AccessToken, name)
}

// refreshLocked rotates the token pair. Refresh responses carry no identity
// fields, so the previous grant's user id and email carry over.
func (m *credentialManager) refreshLocked(ctx context.Context) (*state.Credentials, error) {
	pair, err := m.rest.Refresh(ctx, m.creds.RefreshToken)
	if err != nil {
		return nil, err
	}
	next := &state.Credentials{
		AccessToken:  pair.AccessToken,
		RefreshToken: pair.RefreshToken,
		ExpiresAt:    pair.ExpiresAt,
		UserID:       m.creds.UserID,
		Email:        m.creds.Email,
	}
	m.installLocked(next)
	return next, nil
}

// bootstrapLocked obtains first credentials: a configured account logs in,
// otherwise a generated machine user signs up when the server permits it.
func (m *credentialManager) bootstrapLocked(ctx context.Context) (*state.Credentials, error) {
	if m.email != "" && m.password != "" {
		creds, err := m.rest.Login(ctx, m.email, m.password)
		if err != nil {
			return nil, fmt.Errorf("login as %s: %w", m.email, err)
		}
		m.logger.Info("logged in", slog.String("email", m.email))
		m.installLocked(creds)
		return creds, nil
	}

	status, err := m.rest.RegistrationStatus(ctx)
	if err != nil {
		return nil, fmt.Errorf("query registration status: %w", err)
	}
	if !status.NeedsSetup && !status.RegistrationEnabled {
		return nil, errors.New("no credentials configured and registration is disabled")
	}

	email := machineEmail(m.name)
	creds, err := m.rest.Register(ctx, email, uuid.New().String(), m.name)
	if err != nil {
		return nil, fmt.Errorf("register machine user: %w", err)
	}
	m.logger.Info("machine user registered", slog.String("email", email))
	m.installLocked(creds)
	return creds, nil
}

func (m *credentialManager) installLocked(c *state.Credentials) {
	m.creds = c
	if err := m.store.SaveCredentials(c); err != nil {
		m.logger.Warn("persist credentials failed", slog.String("error", err.Error()))
	}
}

// machineEmail derives a unique account address from the node name. The
// password is random and never stored; only the issued tokens persist.
func machineEmail(name string) string {
	slug := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-':
			return r
		case r >= 'A' && r <= 'Z':
			return r + ('a' - 'A')
		default:
			return '-'
		}
	}, name)
	slug = strings.Trim(slug, "-")
	if slug == "" {
		slug = "node"
	}
	suffix := strings.ReplaceAll(uuid.New().String(), "-", "")[:8]
	return fmt.Sprintf("%s-%s@agents.longshore.local", slug, suffix)
}
