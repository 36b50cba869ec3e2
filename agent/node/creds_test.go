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
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"go.corp.nvidia.com/longshore/agent/state"
)

func credStore(t *testing.T, creds *state.Credentials) *state.Store {
	t.Helper()
	st, err := state.Open(t.TempDir(), "ws://orchestrator.test")
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if creds != nil {
		if err := st.SaveCredentials(creds); err != nil {
			t.Fatalf("SaveCredentials() error = %v", err)
		}
	}
	return st
}

func TestRefreshPreservesIdentity(t *testing.T) {
	t.Parallel()
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/token/refresh", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			RefreshToken string `json:"refreshToken"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.RefreshToken != "refresh-1" {
			t.Errorf("refresh request token = %q, err = %v", body.RefreshToken, err)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"accessToken":  "tok-2",
			"refreshToken": "refresh-2",
			"expiresAt":    time.Now().Add(time.Hour),
		})
	})
	backend := httptest.NewServer(mux)
	defer backend.Close()

	st := credStore(t, &state.Credentials{
		AccessToken:  "tok-1",
		RefreshToken: "refresh-1",
		ExpiresAt:    time.Now().Add(-time.Minute),
		UserID:       "u1",
		Email:        "one@example.com",
	})
	cm := newCredentialManager("node-a", "", "", newRESTClient(backend.URL), st, testLogger())

	got, err := cm.Get(context.Background())
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.AccessToken != "tok-2" || got.RefreshToken != "refresh-2" {
		t.Errorf("rotated tokens = %q/%q", got.AccessToken, got.RefreshToken)
	}
	if got.UserID != "u1" || got.Email != "one@example.com" {
		t.Errorf("identity after refresh = %q/%q, want u1/one@example.com", got.UserID, got.Email)
	}

	persisted, err := st.LoadCredentials()
	if err != nil || persisted == nil {
		t.Fatalf("LoadCredentials() = %v, %v", persisted, err)
	}
	if persisted.AccessToken != "tok-2" || persisted.UserID != "u1" {
		t.Errorf("persisted grant = %+v", persisted)
	}
}

func TestRefreshFailureFallsBackToRegistration(t *testing.T) {
	t.Parallel()
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/token/refresh", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		json.NewEncoder(w).Encode(map[string]string{"code": "UNAUTHORIZED", "message": "refresh token expired"})
	})
	mux.HandleFunc("GET /api/v1/registration-status", func(w http.ResponseWriter, _ *http.Request) {
		json.NewEncoder(w).Encode(map[string]bool{"needsSetup": false, "registrationEnabled": true})
	})
	mux.HandleFunc("POST /api/v1/register", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Email    string `json:"email"`
			Password string `json:"password"`
			Name     string `json:"name"`
			Agent    bool   `json:"agent"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode register request: %v", err)
		}
		if !body.Agent {
			t.Error("register request is not flagged as an agent account")
		}
		if body.Password == "" {
			t.Error("register request has no password")
		}
		json.NewEncoder(w).Encode(map[string]any{
			"accessToken":  "tok-machine",
			"refreshToken": "refresh-machine",
			"expiresAt":    time.Now().Add(time.Hour),
			"userId":       "machine-1",
			"email":        body.Email,
		})
	})
	backend := httptest.NewServer(mux)
	defer backend.Close()

	st := credStore(t, &state.Credentials{
		AccessToken:  "tok-dead",
		RefreshToken: "refresh-dead",
		ExpiresAt:    time.Now().Add(-time.Hour),
		UserID:       "u-old",
	})
	cm := newCredentialManager("node-a", "", "", newRESTClient(backend.URL), st, testLogger())

	got, err := cm.Get(context.Background())
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.AccessToken != "tok-machine" || got.UserID != "machine-1" {
		t.Errorf("bootstrapped grant = %+v", got)
	}
	if !strings.HasPrefix(got.Email, "node-a-") || !strings.HasSuffix(got.Email, "@agents.longshore.local") {
		t.Errorf("machine email = %q", got.Email)
	}
}

func TestBootstrapConfiguredLogin(t *testing.T) {
	t.Parallel()
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/login", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Email    string `json:"email"`
			Password string `json:"password"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode login request: %v", err)
		}
		if body.Email != "ops@example.com" || body.Password != "hunter2" {
			t.Errorf("login request = %q/%q", body.Email, body.Password)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"accessToken":  "tok-login",
			"refreshToken": "refresh-login",
			"expiresAt":    time.Now().Add(time.Hour),
			"userId":       "u-ops",
			"email":        body.Email,
		})
	})
	backend := httptest.NewServer(mux)
	defer backend.Close()

	st := credStore(t, nil)
	cm := newCredentialManager("node-a", "ops@example.com", "hunter2", newRESTClient(backend.URL), st, testLogger())

	got, err := cm.Get(context.Background())
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.AccessToken != "tok-login" || got.UserID != "u-ops" {
		t.Errorf("login grant = %+v", got)
	}
}

func TestBootstrapRefusedWhenRegistrationDisabled(t *testing.T) {
	t.Parallel()
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/registration-status", func(w http.ResponseWriter, _ *http.Request) {
		json.NewEncoder(w).Encode(map[string]bool{"needsSetup": false, "registrationEnabled": false})
	})
	backend := httptest.NewServer(mux)
	defer backend.Close()

	cm := newCredentialManager("node-a", "", "", newRESTClient(backend.URL), credStore(t, nil), testLogger())

	_, err := cm.Get(context.Background())
	if err == nil || !strings.Contains(err.Error(), "registration is disabled") {
		t.Fatalf("Get() error = %v, want registration refusal", err)
	}
}

func TestRefreshIfNeededRespectsWindow(t *testing.T) {
	t.Parallel()
	var calls atomic.Int64
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/token/refresh", func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		json.NewEncoder(w).Encode(map[string]any{
			"accessToken":  "tok-rotated",
			"refreshToken": "refresh-rotated",
			"expiresAt":    time.Now().Add(time.Hour),
		})
	})
	backend := httptest.NewServer(mux)
	defer backend.Close()

	// Far from expiry: no rotation.
	st := credStore(t, &state.Credentials{
		AccessToken:  "tok-fresh",
		RefreshToken: "refresh-fresh",
		ExpiresAt:    time.Now().Add(time.Hour),
		UserID:       "u1",
	})
	cm := newCredentialManager("node-a", "", "", newRESTClient(backend.URL), st, testLogger())
	if _, err := cm.Get(context.Background()); err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	cm.RefreshIfNeeded(context.Background())
	if n := calls.Load(); n != 0 {
		t.Errorf("refresh calls outside window = %d, want 0", n)
	}

	// Inside the rotation window: one refresh.
	cm.mu.Lock()
	cm.creds.ExpiresAt = time.Now().Add(2 * time.Minute)
	cm.mu.Unlock()
	cm.RefreshIfNeeded(context.Background())
	if n := calls.Load(); n != 1 {
		t.Errorf("refresh calls inside window = %d, want 1", n)
	}
	cm.mu.Lock()
	rotated := cm.creds.AccessToken
	cm.mu.Unlock()
	if rotated != "tok-rotated" {
		t.Errorf("access token after rotation = %q", rotated)
	}
}

func TestInvalidateClearsPersistedGrant(t *testing.T) {
	t.Parallel()
	st := credStore(t, &state.Credentials{
		AccessToken: "tok-1",
		ExpiresAt:   time.Now().Add(time.Hour),
		UserID:      "u1",
	})
	cm := newCredentialManager("node-a", "", "", newRESTClient("http://unused.test"), st, testLogger())
	if _, err := cm.Get(context.Background()); err != nil {
		t.Fatalf("Get() error = %v", err)
	}

	cm.Invalidate()

	stored, err := st.LoadCredentials()
	if err != nil {
		t.Fatalf("LoadCredentials() error = %v", err)
	}
	if stored != nil {
		t.Errorf("credentials survived Invalidate: %+v", stored)
	}
}

func TestMachineEmail(t *testing.T) {
	t.Parallel()
	got := machineEmail("My Node 42!")
	if !strings.HasPrefix(got, "my-node-42-") {
		t.Errorf("machineEmail slug = %q, want my-node-42- prefix", got)
	}
	if !strings.HasSuffix(got, "@agents.longshore.local") {
		t.Errorf("machineEmail domain = %q", got)
	}

	if fallback := machineEmail("!!!"); !strings.HasPrefix(fallback, "node-") {
		t.Errorf("machineEmail fallback = %q, want node- prefix", fallback)
	}
	if a, b := machineEmail("node-a"), machineEmail("node-a"); a == b {
		t.Errorf("machineEmail not unique: %q", a)
	}
}
