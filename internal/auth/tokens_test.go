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
	"errors"
	"strings"
	"testing"
	"time"
)

func newTestTokenService(t *testing.T) *TokenService {
	t.Helper()
	svc, err := NewTokenService(TokenConfig{Secret: []byte("test-signing-secret")})
	if err != nil {
		t.Fatalf("NewTokenService: %v", err)
	}
	return svc
}

func TestTokenIssueAndVerify(t *testing.T) {
	svc := newTestTokenService(t)

	pair, err := svc.Issue("user-1", "ops@example.com", []string{RoleDefault, RoleAdmin})
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if pair.AccessToken == "" || pair.RefreshToken == "" {
		t.Fatal("expected non-empty token pair")
	}
	if pair.AccessToken == pair.RefreshToken {
		t.Error("access and refresh tokens should differ")
	}
	if !pair.ExpiresAt.After(time.Now()) {
		t.Errorf("ExpiresAt should be in the future, got %v", pair.ExpiresAt)
	}

	identity, err := svc.Verify(context.Background(), pair.AccessToken)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if identity.UserID != "user-1" {
		t.Errorf("UserID = %q, want user-1", identity.UserID)
	}
	if identity.Email != "ops@example.com" {
		t.Errorf("Email = %q, want ops@example.com", identity.Email)
	}
	if len(identity.Roles) != 2 {
		t.Errorf("len(Roles) = %d, want 2", len(identity.Roles))
	}
	if !identity.IsAdmin() {
		t.Error("IsAdmin() = false, want true")
	}
}

func TestVerifyRejectsRefreshToken(t *testing.T) {
	svc := newTestTokenService(t)

	pair, err := svc.Issue("user-1", "ops@example.com", nil)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	_, err = svc.Verify(context.Background(), pair.RefreshToken)
	if !errors.Is(err, ErrInvalidToken) {
		t.Errorf("Verify(refresh token) error = %v, want ErrInvalidToken", err)
	}
}

func TestRefresh(t *testing.T) {
	svc := newTestTokenService(t)

	pair, err := svc.Issue("user-1", "ops@example.com", []string{RoleAgent})
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	refreshed, err := svc.Refresh(context.Background(), pair.RefreshToken)
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	identity, err := svc.Verify(context.Background(), refreshed.AccessToken)
	if err != nil {
		t.Fatalf("Verify refreshed token: %v", err)
	}
	if identity.UserID != "user-1" {
		t.Errorf("UserID = %q, want user-1", identity.UserID)
	}
	if !identity.IsAgent() {
		t.Error("refreshed token lost the agent role")
	}

	// An access token must not be accepted for refresh
	_, err = svc.Refresh(context.Background(), pair.AccessToken)
	if !errors.Is(err, ErrInvalidToken) {
		t.Errorf("Refresh(access token) error = %v, want ErrInvalidToken", err)
	}
}

func TestExpiredToken(t *testing.T) {
	svc := newTestTokenService(t)

	pair, err := svc.Issue("user-1", "ops@example.com", nil)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	// Advance the clock past the access TTL
	svc.now = func() time.Time { return time.Now().Add(2 * time.Hour) }

	_, err = svc.Verify(context.Background(), pair.AccessToken)
	if !errors.Is(err, ErrExpiredToken) {
		t.Errorf("Verify(expired) error = %v, want ErrExpiredToken", err)
	}

	// The refresh token (30d TTL) is still valid
	if _, err := svc.Refresh(context.Background(), pair.RefreshToken); err != nil {
		t.Errorf("Refresh with valid refresh token: %v", err)
	}
}

func TestTamperedToken(t *testing.T) {
	svc := newTestTokenService(t)

	pair, err := svc.Issue("user-1", "ops@example.com", nil)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	tests := []struct {
		name  string
		token string
	}{
		{"garbage", "not-a-token"},
		{"empty", ""},
		{"missing signature", strings.SplitN(pair.AccessToken, ".", 2)[0]},
		{"payload modified", "A" + pair.AccessToken[1:]},
		{"signature modified", pair.AccessToken[:len(pair.AccessToken)-2] + "zz"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Verify(context.Background(), tt.token)
			if !errors.Is(err, ErrInvalidToken) {
				t.Errorf("Verify(%q) error = %v, want ErrInvalidToken", tt.name, err)
			}
		})
	}
}

func TestVerifyWithDifferentSecret(t *testing.T) {
	svc := newTestTokenService(t)

	pair, err := svc.Issue("user-1", "ops@example.com", nil)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	other, err := NewTokenService(TokenConfig{Secret: []byte("a-different-secret")})
	if err != nil {
		t.Fatalf("NewTokenService: %v", err)
	}

	_, err = other.Verify(context.Background(), pair.AccessToken)
	if !errors.Is(err, ErrInvalidToken) {
		t.Errorf("Verify with different secret error = %v, want ErrInvalidToken", err)
	}
}

func TestNewTokenServiceRequiresSecret(t *testing.T) {
	if _, err := NewTokenService(TokenConfig{}); err == nil {
		t.Error("expected error for empty secret")
	}
}

// countingProvider wraps a Provider and counts Verify calls.
type countingProvider struct {
	inner Provider
	calls int
}

func (p *countingProvider) Verify(ctx context.Context, token string) (*Identity, error) {
	p.calls++
	return p.inner.Verify(ctx, token)
}

func TestCachingProvider(t *testing.T) {
	svc := newTestTokenService(t)
	counting := &countingProvider{inner: svc}
	caching := NewCachingProvider(counting, CacheConfig{MaxSize: 10, TTL: time.Minute}, testLogger())

	pair, err := svc.Issue("user-1", "ops@example.com", []string{RoleDefault})
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		identity, err := caching.Verify(ctx, pair.AccessToken)
		if err != nil {
			t.Fatalf("Verify #%d: %v", i, err)
		}
		if identity.UserID != "user-1" {
			t.Errorf("UserID = %q, want user-1", identity.UserID)
		}
	}

	if counting.calls != 1 {
		t.Errorf("inner Verify called %d times, want 1 (cached)", counting.calls)
	}
	if caching.Size() != 1 {
		t.Errorf("cache size = %d, want 1", caching.Size())
	}

	// Failed verifications are not cached
	before := counting.calls
	for i := 0; i < 2; i++ {
		if _, err := caching.Verify(ctx, "bogus-token"); err == nil {
			t.Fatal("expected error for bogus token")
		}
	}
	if counting.calls != before+2 {
		t.Errorf("inner Verify called %d times for bad token, want %d", counting.calls-before, 2)
	}
}
