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

// Package rest is the HTTP boundary of the orchestrator: account sign-up and
// token refresh for agent bootstrap, pack publishing, deployment CRUD, and
// the read endpoints admin tooling consumes. Everything speaks JSON; errors
// are {code, message} using the wire error codes.
package rest

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"go.corp.nvidia.com/longshore/internal/auth"
	"go.corp.nvidia.com/longshore/pkg/wire"
	"go.corp.nvidia.com/longshore/service/orchestrator/events"
	"go.corp.nvidia.com/longshore/service/orchestrator/store"
)

// Config tunes the REST boundary.
type Config struct {
	// RegistrationEnabled allows sign-up after the first account exists.
	// The very first account can always be created.
	RegistrationEnabled bool
}

// API serves the orchestrator's REST endpoints.
type API struct {
	cfg    Config
	store  store.Store
	tokens *auth.TokenService
	events *events.Publisher
	logger *slog.Logger

	trigger func()
	now     func() time.Time
}

// New creates the REST boundary. The token service backs sign-up, login and
// refresh; events may be nil.
func New(cfg Config, st store.Store, tokens *auth.TokenService, pub *events.Publisher, logger *slog.Logger) *API {
	if logger == nil {
		logger = slog.Default()
	}
	return &API{
		cfg:    cfg,
		store:  st,
		tokens: tokens,
		events: pub,
		logger: logger,
		now:    time.Now,
	}
}

// SetReconcileTrigger installs the callback fired after mutations the
// reconciler should react to promptly.
func (a *API) SetReconcileTrigger(fn func()) {
	a.trigger = fn
}

func (a *API) triggerReconcile() {
	if a.trigger != nil {
		a.trigger()
	}
}

// Mount registers every route on mux. Routes past the bootstrap surface
// (sign-up, login, refresh, registration status, health) are wrapped with
// protect, normally the auth middleware.
func (a *API) Mount(mux *http.ServeMux, protect func(http.Handler) http.Handler) {
	if protect == nil {
		protect = func(h http.Handler) http.Handler { return h }
	}

	mux.HandleFunc("GET /healthz", a.handleHealthz)
	mux.HandleFunc("GET /api/v1/registration-status", a.handleRegistrationStatus)
	mux.HandleFunc("POST /api/v1/register", a.handleRegister)
	mux.HandleFunc("POST /api/v1/login", a.handleLogin)
	mux.HandleFunc("POST /api/v1/token/refresh", a.handleRefresh)

	guarded := func(pattern string, h http.HandlerFunc) {
		mux.Handle(pattern, protect(h))
	}
	guarded("GET /api/v1/nodes", a.handleListNodes)
	guarded("GET /api/v1/nodes/by-name/{name}", a.handleNodeByName)
	guarded("POST /api/v1/packs", a.handlePublishPack)
	guarded("GET /api/v1/packs", a.handleListPacks)
	guarded("GET /api/v1/packs/{id}", a.handlePackVersions)
	guarded("GET /api/v1/packs/{id}/latest", a.handleLatestPack)
	guarded("POST /api/v1/deployments", a.handleCreateDeployment)
	guarded("GET /api/v1/deployments", a.handleListDeployments)
	guarded("GET /api/v1/deployments/{id}", a.handleGetDeployment)
	guarded("PATCH /api/v1/deployments/{id}", a.handleUpdateDeployment)
	guarded("DELETE /api/v1/deployments/{id}", a.handleDeleteDeployment)
	guarded("GET /api/v1/cluster/summary", a.handleClusterSummary)
}

func (a *API) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if err := a.store.Ping(r.Context()); err != nil {
		a.logger.Error("health check failed", slog.String("error", err.Error()))
		a.writeError(w, http.StatusServiceUnavailable, wire.CodeInternalError, "store unreachable")
		return
	}
	a.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// decodeBody reads a JSON request body into v. A false return means the
// error response has already been written.
func (a *API) decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		a.writeError(w, http.StatusBadRequest, wire.CodeValidationError, "invalid request body: "+err.Error())
		return false
	}
	return true
}

func (a *API) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		a.logger.Debug("response write failed", slog.String("error", err.Error()))
	}
}

func (a *API) writeError(w http.ResponseWriter, status int, code wire.ErrorCode, message string) {
	a.writeJSON(w, status, map[string]string{
		"code":    string(code),
		"message": message,
	})
}

// writeStoreError maps the storage sentinels onto HTTP statuses; anything
// else is logged and answered as an internal error.
func (a *API) writeStoreError(w http.ResponseWriter, err error, notFoundMsg, conflictMsg string) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		a.writeError(w, http.StatusNotFound, wire.CodeNotFound, notFoundMsg)
	case errors.Is(err, store.ErrConflict):
		a.writeError(w, http.StatusConflict, wire.CodeConflict, conflictMsg)
	default:
		a.logger.Error("storage operation failed", slog.String("error", err.Error()))
		a.writeError(w, http.StatusInternalServerError, wire.CodeInternalError, "internal error")
	}
}

// callerID returns the authenticated user behind the request, empty when the
// middleware ran in a mode that admits anonymous callers.
func callerID(r *http.Request) string {
	if identity, ok := auth.IdentityFromContext(r.Context()); ok {
		return identity.UserID
	}
	return ""
}

func newID() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")
}
