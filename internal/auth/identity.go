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

// Package auth provides token issuance and verification for the Longshore
// orchestrator, identity context plumbing, and the HTTP middleware that
// enforces authentication and role policies on the REST surface. The same
// token verification path backs the auth:authenticate handshake on the
// node channel.
package auth

import (
	"context"
	"net/http"
	"slices"
	"strings"
)

// Well-known role names.
const (
	// RoleAdmin grants full access to all operations.
	RoleAdmin = "longshore-admin"
	// RoleDefault is automatically added to all authenticated users.
	RoleDefault = "longshore-default"
	// RoleAgent is carried by machine users created for node agents.
	RoleAgent = "longshore-agent"
)

// Identity contains the verified identity behind a presented token.
type Identity struct {
	// UserID is the stable user identifier.
	UserID string
	// Email is the user's email address (e.g. fleet-agent@example.com).
	Email string
	// Roles are the role names assigned to the user.
	Roles []string
}

// HasRole checks if the identity has a specific role. A nil identity has
// no roles.
func (i *Identity) HasRole(role string) bool {
	if i == nil {
		return false
	}
	return slices.Contains(i.Roles, role)
}

// IsAdmin checks if the identity has admin privileges.
func (i *Identity) IsAdmin() bool {
	return i.HasRole(RoleAdmin)
}

// IsAgent checks if the identity belongs to a node agent machine user.
func (i *Identity) IsAgent() bool {
	return i.HasRole(RoleAgent)
}

// contextKey is a custom type for context keys to avoid collisions.
type contextKey string

const identityKey contextKey = "authIdentity"

// IdentityFromContext retrieves the Identity from the context.
// Returns nil and false if no identity is present.
func IdentityFromContext(ctx context.Context) (*Identity, bool) {
	identity, ok := ctx.Value(identityKey).(*Identity)
	return identity, ok
}

// ContextWithIdentity adds an Identity to the context.
func ContextWithIdentity(ctx context.Context, identity *Identity) context.Context {
	return context.WithValue(ctx, identityKey, identity)
}

// BearerToken extracts the bearer token from an HTTP request's Authorization
// header. Returns false if the header is absent or not a bearer credential.
func BearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", false
	}

	const prefix = "Bearer "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", false
	}

	token := strings.TrimSpace(header[len(prefix):])
	return token, token != ""
}

// Provider verifies a presented token and resolves it to an Identity.
// Implementations must be safe for concurrent use.
type Provider interface {
	Verify(ctx context.Context, token string) (*Identity, error)
}
