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
	"encoding/json"
	"log/slog"
	"net/http"

	"go.corp.nvidia.com/longshore/pkg/wire"
)

// Config holds authentication configuration for the HTTP middleware.
type Config struct {
	// Enabled enables authentication processing.
	// When false, requests pass through without auth checks.
	Enabled bool

	// Required requires valid authentication for all requests.
	// When true and no credential is presented, requests are rejected.
	// When false, unauthenticated requests are allowed (for gradual rollout).
	Required bool

	// DevMode skips all authentication checks.
	// WARNING: Never enable in production.
	DevMode bool

	// Provider verifies presented bearer tokens.
	Provider Provider

	// Policy provides role-based access control.
	// If nil, role-based authorization is skipped (only authentication is performed).
	Policy *PolicyChecker
}

// Middleware returns an http.Handler wrapper enforcing authentication:
//  1. Skip all checks if DevMode is true
//  2. Skip all checks if Enabled is false
//  3. Extract and verify the bearer token; a presented-but-invalid token is
//     rejected even when Required is false
//  4. Reject if Required is true and no identity was established
//  5. Perform the role-based access check
//  6. Add the identity to the request context for handlers
func Middleware(config Config, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// Skip auth in dev mode
			if config.DevMode {
				next.ServeHTTP(w, r)
				return
			}

			// Skip if auth is disabled
			if !config.Enabled {
				next.ServeHTTP(w, r)
				return
			}

			var identity *Identity
			if token, ok := BearerToken(r); ok && config.Provider != nil {
				verified, err := config.Provider.Verify(r.Context(), token)
				if err != nil {
					logger.WarnContext(r.Context(), "token verification failed",
						slog.String("path", r.URL.Path),
						slog.String("method", r.Method),
						slog.String("error", err.Error()),
					)
					writeAuthError(w, http.StatusUnauthorized, wire.CodeUnauthorized, "invalid or expired token")
					return
				}
				identity = verified
			}

			// Require an identity if auth is required
			if config.Required && identity == nil {
				logger.WarnContext(r.Context(), "unauthenticated request rejected",
					slog.String("path", r.URL.Path),
					slog.String("method", r.Method),
				)
				writeAuthError(w, http.StatusUnauthorized, wire.CodeUnauthorized, "authentication required")
				return
			}

			// Role-based access control (if Policy is configured)
			if config.Policy != nil {
				var roles []string
				if identity != nil {
					roles = identity.Roles
				}

				if !config.Policy.CheckAccess(r.Context(), roles, r.URL.Path, r.Method) {
					user := ""
					if identity != nil {
						user = identity.Email
					}
					logger.WarnContext(r.Context(), "access denied by role check",
						slog.String("path", r.URL.Path),
						slog.String("method", r.Method),
						slog.String("user", user),
						slog.Any("roles", roles),
					)
					writeAuthError(w, http.StatusForbidden, wire.CodeForbidden, "insufficient permissions")
					return
				}
			}

			// Add identity to context for handlers
			if identity != nil {
				ctx := ContextWithIdentity(r.Context(), identity)

				// Log authenticated request (debug level)
				logger.DebugContext(ctx, "authenticated request",
					slog.String("path", r.URL.Path),
					slog.String("method", r.Method),
					slog.String("user", identity.Email),
					slog.Any("roles", identity.Roles),
				)

				r = r.WithContext(ctx)
			}

			next.ServeHTTP(w, r)
		})
	}
}

func writeAuthError(w http.ResponseWriter, status int, code wire.ErrorCode, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"code":    string(code),
		"message": message,
	})
}
