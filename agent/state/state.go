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

// Package state persists an agent's node identity and credentials on disk,
// keyed by orchestrator URL so one machine can attach to several clusters
// without the identities colliding.
package state

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	stateFile       = "state.json"
	credentialsFile = "credentials.json"
	dirPerm         = 0o700
	filePerm        = 0o600
)

// NodeState survives restarts: it lets the agent resume its node identity
// with a reconnect instead of registering fresh.
type NodeState struct {
	NodeID          string    `json:"nodeId"`
	Name            string    `json:"name"`
	OrchestratorURL string    `json:"orchestratorUrl"`
	RegisteredAt    time.Time `json:"registeredAt"`
	LastStarted     time.Time `json:"lastStarted"`
}

// Credentials is the stored token set for one orchestrator.
type Credentials struct {
	AccessToken  string    `json:"accessToken"`
	RefreshToken string    `json:"refreshToken,omitempty"`
	ExpiresAt    time.Time `json:"expiresAt"`
	UserID       string    `json:"userId"`
	Email        string    `json:"email"`
}

// Valid reports whether the access token is still usable at t.
func (c *Credentials) Valid(t time.Time) bool {
	return c != nil && c.AccessToken != "" && t.Before(c.ExpiresAt)
}

// Store reads and writes one orchestrator's state directory.
type Store struct {
	dir string
}

// DefaultBaseDir resolves ~/.longshore.
func DefaultBaseDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	return filepath.Join(home, ".longshore"), nil
}

// Open creates (if needed) the state directory for one orchestrator URL.
func Open(baseDir, orchestratorURL string) (*Store, error) {
	sum := sha256.Sum256([]byte(orchestratorURL))
	dir := filepath.Join(baseDir, "agents", hex.EncodeToString(sum[:8]))
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return nil, fmt.Errorf("create state directory: %w", err)
	}
	return &Store{dir: dir}, nil
}

// Dir returns the per-orchestrator state directory.
func (s *Store) Dir() string {
	return s.dir
}

// LoadState returns the persisted node identity, or nil when none has been
// saved yet.
func (s *Store) LoadState() (*NodeState, error) {
	return load[NodeState](filepath.Join(s.dir, stateFile))
}

// SaveState persists the node identity.
func (s *Store) SaveState(ns *NodeState) error {
	return save(filepath.Join(s.dir, stateFile), ns)
}

// LoadCredentials returns the stored token set, or nil when none exists.
func (s *Store) LoadCredentials() (*Credentials, error) {
	return load[Credentials](filepath.Join(s.dir, credentialsFile))
}

// SaveCredentials persists the token set.
func (s *Store) SaveCredentials(c *Credentials) error {
	return save(filepath.Join(s.dir, credentialsFile), c)
}

// ClearCredentials removes the stored token set. A missing file is fine.
func (s *Store) ClearCredentials() error {
	err := os.Remove(filepath.Join(s.dir, credentialsFile))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove credentials: %w", err)
	}
	return nil
}

func load[T any](path string) (*T, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", filepath.Base(path), err)
	}
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("parse %s: %w", filepath.Base(path), err)
	}
	return &v, nil
}

// save writes owner-only via a same-directory temp file and rename, so a
// crash never leaves a partial or world-readable file behind.
func save(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", filepath.Base(path), err)
	}
	tmp := fmt.Sprintf("%s.%s.tmp", path, strings.ReplaceAll(uuid.New().String(), "-", "")[:8])
	if err := os.WriteFile(tmp, data, filePerm); err != nil {
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replace %s: %w", filepath.Base(path), err)
	}
	return nil
}
