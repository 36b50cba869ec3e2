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
	"log/slog"
	"path/filepath"
	"slices"
	"strings"
)

// RoleAction represents a single action within a policy.
type RoleAction struct {
	Base   string `json:"base"`   // e.g., "http"
	Path   string `json:"path"`   // e.g., "/api/v1/nodes/*" or "!/api/v1/admin/*"
	Method string `json:"method"` // e.g., "Get", "Post", "*"
}

// RolePolicy represents a policy containing multiple actions.
type RolePolicy struct {
	Actions []RoleAction `json:"actions"`
}

// Role represents a named role and the policies it grants.
type Role struct {
	Name     string
	Policies []RolePolicy
}

// builtinRoles are the fixed roles shipped with the orchestrator. Roles are
// a small closed set carried in token claims, not database rows.
func builtinRoles() map[string]*Role {
	return map[string]*Role{
		RoleAdmin: {
			Name: RoleAdmin,
			Policies: []RolePolicy{{Actions: []RoleAction{
				{Base: "http", Path: "*", Method: "*"},
			}}},
		},
		RoleDefault: {
			Name: RoleDefault,
			Policies: []RolePolicy{{Actions: []RoleAction{
				{Base: "http", Path: "/api/v1/cluster/summary", Method: "Get"},
				{Base: "http", Path: "/api/v1/nodes", Method: "Get"},
				{Base: "http", Path: "/api/v1/nodes/by-name/*", Method: "Get"},
				{Base: "http", Path: "/api/v1/packs", Method: "Get"},
				{Base: "http", Path: "/api/v1/packs/*", Method: "Get"},
				{Base: "http", Path: "/api/v1/packs/*/latest", Method: "Get"},
				{Base: "http", Path: "/api/v1/deployments", Method: "Get"},
				{Base: "http", Path: "/api/v1/deployments/*", Method: "Get"},
				{Base: "http", Path: "/api/v1/token/refresh", Method: "Post"},
			}}},
		},
		RoleAgent: {
			Name: RoleAgent,
			Policies: []RolePolicy{{Actions: []RoleAction{
				{Base: "http", Path: "/api/v1/channel", Method: "Get"},
				{Base: "http", Path: "/api/v1/nodes/by-name/*", Method: "Get"},
				{Base: "http", Path: "/api/v1/token/refresh", Method: "Post"},
			}}},
		},
	}
}

// PolicyChecker handles role-based access control over the built-in roles.
type PolicyChecker struct {
	roles  map[string]*Role
	logger *slog.Logger
}

// NewPolicyChecker creates a PolicyChecker seeded with the built-in roles.
func NewPolicyChecker(logger *slog.Logger) *PolicyChecker {
	if logger == nil {
		logger = slog.Default()
	}
	return &PolicyChecker{
		roles:  builtinRoles(),
		logger: logger,
	}
}

// CheckAccess verifies if the user's roles allow access to the given path
// and method. The default role is always included.
func (pc *PolicyChecker) CheckAccess(ctx context.Context, userRoles []string, path, method string) bool {
	allRoles := userRoles
	if !slices.Contains(allRoles, RoleDefault) {
		allRoles = append(slices.Clone(allRoles), RoleDefault)
	}

	for _, name := range allRoles {
		role, ok := pc.roles[name]
		if !ok {
			continue
		}
		if role.hasAccess(path, method) {
			pc.logger.DebugContext(ctx, "access granted",
				slog.String("path", path),
				slog.String("method", method),
				slog.String("role", role.Name),
			)
			return true
		}
	}

	pc.logger.DebugContext(ctx, "access denied",
		slog.String("path", path),
		slog.String("method", method),
		slog.Any("roles", userRoles),
	)
	return false
}

// hasAccess checks if this role grants access to the given path and method.
// Paths starting with '!' are exclusions: a matching exclusion inside a
// policy vetoes that policy's grants.
func (r *Role) hasAccess(path, method string) bool {
	allowed := false

	for _, policy := range r.Policies {
		for _, action := range policy.Actions {
			// Check if method matches (case-insensitive, or wildcard)
			if !methodMatches(action.Method, method) {
				continue
			}

			// Handle exclusion patterns (paths starting with '!')
			if strings.HasPrefix(action.Path, "!") {
				excludePattern := action.Path[1:] // Remove '!' prefix
				if matchGlob(path, excludePattern) {
					allowed = false
					break // Break out of actions loop on exclusion match
				}
			} else {
				if matchGlob(path, action.Path) {
					allowed = true
				}
			}
		}

		// Return early if allowed after processing a policy
		if allowed {
			return true
		}
	}

	return allowed
}

// methodMatches checks if the action method matches the request method,
// case-insensitively, with '*' matching everything.
func methodMatches(actionMethod, requestMethod string) bool {
	if actionMethod == "*" {
		return true
	}
	return strings.EqualFold(actionMethod, requestMethod)
}

// matchGlob performs glob-style pattern matching.
// Supports:
//   - '*' matches any sequence of characters (including empty and '/')
//   - '?' matches any single character
//
// Patterns ending in '/*' match exactly one extra path level.
func matchGlob(path, pattern string) bool {
	// Special case: single '*' matches everything
	if pattern == "*" {
		return true
	}

	// For patterns ending with '/*', we need special handling
	// because filepath.Match treats '*' as not matching '/'
	if strings.HasSuffix(pattern, "/*") {
		prefix := strings.TrimSuffix(pattern, "/*")
		if !strings.HasPrefix(path, prefix+"/") {
			return false
		}
		// Check that remainder has no more slashes (single level match)
		remainder := strings.TrimPrefix(path, prefix+"/")
		return !strings.Contains(remainder, "/")
	}

	// For other patterns, use filepath.Match
	matched, err := filepath.Match(pattern, path)
	if err != nil {
		// Invalid pattern, treat as no match
		return false
	}
	return matched
}
