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
	"testing"
)

func TestMatchGlob(t *testing.T) {
	tests := []struct {
		pattern string
		path    string
		want    bool
	}{
		{"*", "/api/v1/anything", true},
		{"*", "", true},
		{"/api/v1/cluster/summary", "/api/v1/cluster/summary", true},
		{"/api/v1/cluster/summary", "/api/v1/cluster", false},
		{"/api/v1/nodes/by-name/*", "/api/v1/nodes/by-name/worker-1", true},
		{"/api/v1/nodes/by-name/*", "/api/v1/nodes/by-name", false},
		{"/api/v1/nodes/by-name/*", "/api/v1/nodes/by-name/worker-1/pods", false},
		{"/api/v1/*", "/api/v1/channel", true},
		{"/api/v1/*", "/api/v2/channel", false},
	}

	for _, tt := range tests {
		t.Run(tt.pattern+" vs "+tt.path, func(t *testing.T) {
			if got := matchGlob(tt.path, tt.pattern); got != tt.want {
				t.Errorf("matchGlob(%q, %q) = %v, want %v", tt.path, tt.pattern, got, tt.want)
			}
		})
	}
}

func TestMethodMatches(t *testing.T) {
	tests := []struct {
		allowed string
		method  string
		want    bool
	}{
		{"Get", "GET", true},
		{"Get", "get", true},
		{"Get", "POST", false},
		{"*", "DELETE", true},
		{"Post", "POST", true},
	}

	for _, tt := range tests {
		if got := methodMatches(tt.allowed, tt.method); got != tt.want {
			t.Errorf("methodMatches(%q, %q) = %v, want %v", tt.allowed, tt.method, got, tt.want)
		}
	}
}

func TestCheckAccess(t *testing.T) {
	checker := NewPolicyChecker(testLogger())
	ctx := context.Background()

	tests := []struct {
		name   string
		roles  []string
		path   string
		method string
		want   bool
	}{
		{"admin full access", []string{RoleAdmin}, "/api/v1/packs", "DELETE", true},
		{"admin channel", []string{RoleAdmin}, "/api/v1/channel", "GET", true},
		{"default summary", nil, "/api/v1/cluster/summary", "GET", true},
		{"default node lookup", nil, "/api/v1/nodes/by-name/worker-1", "GET", true},
		{"default token refresh", nil, "/api/v1/token/refresh", "POST", true},
		{"default cannot create packs", nil, "/api/v1/packs", "POST", false},
		{"default cannot open channel", []string{RoleDefault}, "/api/v1/channel", "GET", false},
		{"agent channel", []string{RoleAgent}, "/api/v1/channel", "GET", true},
		{"agent node lookup", []string{RoleAgent}, "/api/v1/nodes/by-name/worker-1", "GET", true},
		{"agent token refresh", []string{RoleAgent}, "/api/v1/token/refresh", "POST", true},
		{"agent cannot delete deployments", []string{RoleAgent}, "/api/v1/deployments/dep-1", "DELETE", false},
		{"unknown role falls back to default", []string{"made-up-role"}, "/api/v1/cluster/summary", "GET", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := checker.CheckAccess(ctx, tt.roles, tt.path, tt.method); got != tt.want {
				t.Errorf("CheckAccess(%v, %q, %q) = %v, want %v", tt.roles, tt.path, tt.method, got, tt.want)
			}
		})
	}
}

func TestHasAccessExclusion(t *testing.T) {
	// An action with a "!" prefix vetos the whole policy even if another
	// action in the same policy matches.
	role := Role{
		Name: "restricted",
		Policies: []RolePolicy{
			{
				Actions: []RoleAction{
					{Base: "http", Path: "/api/v1/*", Method: "*"},
					{Base: "http", Path: "!/api/v1/channel", Method: "*"},
				},
			},
		},
	}

	if !role.hasAccess("/api/v1/packs", "GET") {
		t.Error("expected access to /api/v1/packs")
	}
	if role.hasAccess("/api/v1/channel", "GET") {
		t.Error("exclusion should veto access to /api/v1/channel")
	}
}
