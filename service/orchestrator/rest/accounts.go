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

package rest

import (
	"errors"
	"log/slog"
	"net/http"
	"net/mail"
	"time"

	"go.corp.nvidia.com/longshore/internal/auth"
	"go.corp.nvidia.com/longshore/pkg/wire"
	"go.corp.nvidia.com/longshore/service/orchestrator/store"
	"go.corp.nvidia.com/longshore/utils/metrics"
)

const minPasswordLen = 8

// credentialsResponse is returned by register and login. The agent persists
// it verbatim as credentials.json.
type credentialsResponse struct {
	AccessToken  string    `json:"accessToken"`
	RefreshToken string    `json:"refreshToken"`
	ExpiresAt    time.Time `json:"expiresAt"`
	UserID       string    `json:"userId"`
	Email        string    `json:"email"`
}

func (a *API) handleRegistrationStatus(w http.ResponseWriter, r *http.Request) {
	count, err := a.store.CountUsers(r.Context())
	if err != nil {
		a.logger.Error("user count failed", slog.String("error", err.Error()))
		a.writeError(w, http.StatusInternalServerError, wire.CodeInternalError, "internal error")
		return
	}

	needsSetup := count == 0
	a.writeJSON(w, http.StatusOK, map[string]bool{
		"needsSetup":          needsSetup,
		"registrationEnabled": needsSetup || a.cfg.RegistrationEnabled,
	})
}

type registerRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Name     string `json:"name"`
	// Agent marks the account as a machine user for a node agent.
	Agent bool `json:"agent"`
}

func (a *API) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if !a.decodeBody(w, r, &req) {
		return
	}
	if _, err := mail.ParseAddress(req.Email); err != nil {
		a.writeError(w, http.StatusBadRequest, wire.CodeValidationError, "a valid email is required")
		return
	}
	if len(req.Password) < minPasswordLen {
		a.writeError(w, http.StatusBadRequest, wire.CodeValidationError, "password must be at least 8 characters")
		return
	}

	count, err := a.store.CountUsers(r.Context())
	if err != nil {
		a.logger.Error("user count failed", slog.String("error", err.Error()))
		a.writeError(w, http.StatusInternalServerError, wire.CodeInternalError, "internal error")
		return
	}
	first := count == 0
	if !first && !a.cfg.RegistrationEnabled {
		a.writeError(w, http.StatusForbidden, wire.CodeForbidden, "registration is disabled")
		return
	}

	hash, err := auth.HashPassword(req.Password)
	if err != nil {
		a.writeError(w, http.StatusBadRequest, wire.CodeValidationError, err.Error())
		return
	}

	roles := []string{auth.RoleDefault}
	if req.Agent {
		roles = append(roles, auth.RoleAgent)
	}
	// The first account bootstraps the cluster and owns it.
	if first {
		roles = append(roles, auth.RoleAdmin)
	}

	user := &auth.User{
		ID:           newID(),
		Email:        req.Email,
		Name:         req.Name,
		PasswordHash: hash,
		Roles:        roles,
		CreatedAt:    a.now(),
	}
	if err := a.store.CreateUser(r.Context(), user); err != nil {
		a.writeStoreError(w, err, "user not found", "an account with this email already exists")
		return
	}

	a.logger.Info("account registered",
		slog.String("user_id", user.ID),
		slog.String("email", user.Email),
		slog.Bool("agent", req.Agent),
		slog.Bool("first", first),
	)
	if mc := metrics.GetMetricCreator(); mc != nil {
		_ = mc.RecordCounter(r.Context(), "account_registered_total", 1, "1",
			"Accounts created through the REST sign-up endpoint.", nil)
	}

	a.issueCredentials(w, user)
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !a.decodeBody(w, r, &req) {
		return
	}
	if req.Email == "" || req.Password == "" {
		a.writeError(w, http.StatusBadRequest, wire.CodeValidationError, "email and password are required")
		return
	}

	user, err := auth.Authenticate(r.Context(), a.store, req.Email, req.Password)
	if err != nil {
		if errors.Is(err, auth.ErrBadCredentials) || errors.Is(err, store.ErrNotFound) {
			// One answer for both so probes cannot enumerate accounts.
			a.writeError(w, http.StatusUnauthorized, wire.CodeUnauthorized, "invalid email or password")
			return
		}
		a.logger.Error("login lookup failed", slog.String("error", err.Error()))
		a.writeError(w, http.StatusInternalServerError, wire.CodeInternalError, "internal error")
		return
	}

	a.issueCredentials(w, user)
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

func (a *API) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if !a.decodeBody(w, r, &req) {
		return
	}
	if req.RefreshToken == "" {
		a.writeError(w, http.StatusBadRequest, wire.CodeValidationError, "refreshToken is required")
		return
	}

	pair, err := a.tokens.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		a.writeError(w, http.StatusUnauthorized, wire.CodeUnauthorized, "invalid or expired refresh token")
		return
	}
	a.writeJSON(w, http.StatusOK, pair)
}

func (a *API) issueCredentials(w http.ResponseWriter, user *auth.User) {
	pair, err := a.tokens.Issue(user.ID, user.Email, user.Roles)
	if err != nil {
		a.logger.Error("token issue failed",
			slog.String("user_id", user.ID),
			slog.String("error", err.Error()),
		)
		a.writeError(w, http.StatusInternalServerError, wire.CodeInternalError, "internal error")
		return
	}
	a.writeJSON(w, http.StatusOK, credentialsResponse{
		AccessToken:  pair.AccessToken,
		RefreshToken: pair.RefreshToken,
		ExpiresAt:    pair.ExpiresAt,
		UserID:       user.ID,
		Email:        user.Email,
	})
}
