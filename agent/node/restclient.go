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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"go.corp.nvidia.com/longshore/agent/state"
	"go.corp.nvidia.com/longshore/pkg/cluster"
	"go.corp.nvidia.com/longshore/pkg/wire"
)

// restClient covers the slice of the orchestrator REST surface an agent
// needs: account bootstrap, token refresh and node lookup.
type restClient struct {
	base   string
	client *http.Client
}

func newRESTClient(base string) *restClient {
	return &restClient{
		base:   base,
		client: &http.Client{Timeout: 15 * time.Second},
	}
}

type tokenPair struct {
	AccessToken  string    `json:"accessToken"`
	RefreshToken string    `json:"refreshToken"`
	ExpiresAt    time.Time `json:"expiresAt"`
}

type registrationStatus struct {
	NeedsSetup          bool `json:"needsSetup"`
	RegistrationEnabled bool `json:"registrationEnabled"`
}

// Register signs up a machine account for the agent and returns its first
// credentials.
func (c *restClient) Register(ctx context.Context, email, password, name string) (*state.Credentials, error) {
	var creds state.Credentials
	err := c.do(ctx, http.MethodPost, "/api/v1/register", "", map[string]any{
		"email":    email,
		"password": password,
		"name":     name,
		"agent":    true,
	}, &creds)
	if err != nil {
		return nil, err
	}
	return &creds, nil
}

// Login exchanges a configured email and password for credentials.
func (c *restClient) Login(ctx context.Context, email, password string) (*state.Credentials, error) {
	var creds state.Credentials
	err := c.do(ctx, http.MethodPost, "/api/v1/login", "", map[string]string{
		"email":    email,
		"password": password,
	}, &creds)
	if err != nil {
		return nil, err
	}
	return &creds, nil
}

// Refresh rotates a token pair. The response carries no identity fields.
func (c *restClient) Refresh(ctx context.Context, refreshToken string) (*tokenPair, error) {
	var pair tokenPair
	err := c.do(ctx, http.MethodPost, "/api/v1/token/refresh", "", map[string]string{
		"refreshToken": refreshToken,
	}, &pair)
	if err != nil {
		return nil, err
	}
	return &pair, nil
}

// RegistrationStatus reports whether the server accepts new sign-ups.
func (c *restClient) RegistrationStatus(ctx context.Context) (*registrationStatus, error) {
	var status registrationStatus
	if err := c.do(ctx, http.MethodGet, "/api/v1/registration-status", "", nil, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// NodeByName fetches a node by its registered name.
func (c *restClient) NodeByName(ctx context.Context, token, name string) (*cluster.Node, error) {
	var node cluster.Node
	path := "/api/v1/nodes/by-name/" + url.PathEscape(name)
	if err := c.do(ctx, http.MethodGet, path, token, nil, &node); err != nil {
		return nil, err
	}
	return &node, nil
}

// do issues one JSON request. Error responses decode into the shared
// {code, message} shape and surface as *wire.ErrorPayload so callers can
// branch on the code.
func (c *restClient) do(ctx context.Context, method, path, token string, in, out any) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode %s request: %w", path, err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return fmt.Errorf("build %s request: %w", path, err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var ep wire.ErrorPayload
		if decodeErr := json.NewDecoder(resp.Body).Decode(&ep); decodeErr != nil || ep.Code == "" {
			return fmt.Errorf("%s %s: http %d", method, path, resp.StatusCode)
		}
		return fmt.Errorf("%s %s: %w", method, path, &ep)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}
