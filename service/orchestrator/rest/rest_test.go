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
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"

	"go.corp.nvidia.com/longshore/internal/auth"
	"go.corp.nvidia.com/longshore/pkg/cluster"
	"go.corp.nvidia.com/longshore/service/orchestrator/store"
)

type testAPI struct {
	api    *API
	st     *store.MemoryStore
	tokens *auth.TokenService
	mux    *http.ServeMux
}

func newTestAPI(t *testing.T, cfg Config) *testAPI {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	st := store.NewMemoryStore()
	tokens, err := auth.NewTokenService(auth.TokenConfig{Secret: []byte("test-secret")})
	if err != nil {
		t.Fatalf("token service: %v", err)
	}

	api := New(cfg, st, tokens, nil, logger)
	mux := http.NewServeMux()
	// Stand-in for the auth middleware: every guarded request carries an
	// admin identity.
	api.Mount(mux, func(h http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			identity := &auth.Identity{UserID: "admin-1", Roles: []string{auth.RoleAdmin}}
			h.ServeHTTP(w, r.WithContext(auth.ContextWithIdentity(r.Context(), identity)))
		})
	})
	return &testAPI{api: api, st: st, tokens: tokens, mux: mux}
}

func (ta *testAPI) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	rr := httptest.NewRecorder()
	ta.mux.ServeHTTP(rr, req)
	return rr
}

func decodeAs[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rr.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode response %q: %v", rr.Body.String(), err)
	}
	return v
}

func wantStatus(t *testing.T, rr *httptest.ResponseRecorder, status int) {
	t.Helper()
	if rr.Code != status {
		t.Fatalf("expected status %d, got %d (%s)", status, rr.Code, rr.Body.String())
	}
}

func wantErrorCode(t *testing.T, rr *httptest.ResponseRecorder, status int, code string) {
	t.Helper()
	wantStatus(t, rr, status)
	body := decodeAs[map[string]string](t, rr)
	if body["code"] != code {
		t.Fatalf("expected error code %s, got %q (%s)", code, body["code"], body["message"])
	}
}

func TestRegistrationFlow(t *testing.T) {
	ta := newTestAPI(t, Config{RegistrationEnabled: true})

	status := decodeAs[map[string]bool](t, ta.do(t, http.MethodGet, "/api/v1/registration-status", nil))
	if !status["needsSetup"] || !status["registrationEnabled"] {
		t.Fatalf("fresh cluster should need setup: %v", status)
	}

	rr := ta.do(t, http.MethodPost, "/api/v1/register", map[string]any{
		"email":    "ops@example.com",
		"password": "first-password",
		"name":     "Ops",
	})
	wantStatus(t, rr, http.StatusOK)
	creds := decodeAs[credentialsResponse](t, rr)
	if creds.AccessToken == "" || creds.RefreshToken == "" || creds.UserID == "" {
		t.Fatalf("incomplete credentials: %+v", creds)
	}

	// The first account owns the cluster.
	identity, err := ta.tokens.Verify(context.Background(), creds.AccessToken)
	if err != nil {
		t.Fatalf("verify issued token: %v", err)
	}
	if !identity.IsAdmin() {
		t.Fatalf("first account not admin: %v", identity.Roles)
	}

	status = decodeAs[map[string]bool](t, ta.do(t, http.MethodGet, "/api/v1/registration-status", nil))
	if status["needsSetup"] {
		t.Fatal("needsSetup still true after first account")
	}

	// Follow-up machine user carries the agent role, not admin.
	rr = ta.do(t, http.MethodPost, "/api/v1/register", map[string]any{
		"email":    "agent@example.com",
		"password": "agent-password",
		"agent":    true,
	})
	wantStatus(t, rr, http.StatusOK)
	agentCreds := decodeAs[credentialsResponse](t, rr)
	agentIdentity, err := ta.tokens.Verify(context.Background(), agentCreds.AccessToken)
	if err != nil {
		t.Fatalf("verify agent token: %v", err)
	}
	if !agentIdentity.IsAgent() || agentIdentity.IsAdmin() {
		t.Fatalf("unexpected agent roles: %v", agentIdentity.Roles)
	}

	tests := []struct {
		name string
		body map[string]any
		code string
	}{
		{"duplicate email", map[string]any{"email": "ops@example.com", "password": "whatever-else"}, "CONFLICT"},
		{"invalid email", map[string]any{"email": "not-an-email", "password": "long-enough"}, "VALIDATION_ERROR"},
		{"short password", map[string]any{"email": "new@example.com", "password": "short"}, "VALIDATION_ERROR"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := ta.do(t, http.MethodPost, "/api/v1/register", tt.body)
			status := http.StatusBadRequest
			if tt.code == "CONFLICT" {
				status = http.StatusConflict
			}
			wantErrorCode(t, rr, status, tt.code)
		})
	}
}

func TestRegistrationDisabledAfterBootstrap(t *testing.T) {
	ta := newTestAPI(t, Config{RegistrationEnabled: false})

	// The very first account can always be created.
	rr := ta.do(t, http.MethodPost, "/api/v1/register", map[string]any{
		"email":    "ops@example.com",
		"password": "first-password",
	})
	wantStatus(t, rr, http.StatusOK)

	rr = ta.do(t, http.MethodPost, "/api/v1/register", map[string]any{
		"email":    "second@example.com",
		"password": "another-password",
	})
	wantErrorCode(t, rr, http.StatusForbidden, "FORBIDDEN")

	status := decodeAs[map[string]bool](t, ta.do(t, http.MethodGet, "/api/v1/registration-status", nil))
	if status["registrationEnabled"] {
		t.Fatal("registration should read disabled after bootstrap")
	}
}

func TestLoginAndRefresh(t *testing.T) {
	ta := newTestAPI(t, Config{RegistrationEnabled: true})

	rr := ta.do(t, http.MethodPost, "/api/v1/register", map[string]any{
		"email":    "ops@example.com",
		"password": "first-password",
	})
	wantStatus(t, rr, http.StatusOK)

	rr = ta.do(t, http.MethodPost, "/api/v1/login", map[string]any{
		"email":    "ops@example.com",
		"password": "first-password",
	})
	wantStatus(t, rr, http.StatusOK)
	creds := decodeAs[credentialsResponse](t, rr)
	if creds.Email != "ops@example.com" {
		t.Fatalf("login credentials carry wrong email: %q", creds.Email)
	}

	// Wrong password and unknown account answer identically.
	rr = ta.do(t, http.MethodPost, "/api/v1/login", map[string]any{
		"email":    "ops@example.com",
		"password": "wrong-password",
	})
	wantErrorCode(t, rr, http.StatusUnauthorized, "UNAUTHORIZED")
	rr = ta.do(t, http.MethodPost, "/api/v1/login", map[string]any{
		"email":    "ghost@example.com",
		"password": "irrelevant-pw",
	})
	wantErrorCode(t, rr, http.StatusUnauthorized, "UNAUTHORIZED")

	rr = ta.do(t, http.MethodPost, "/api/v1/token/refresh", map[string]any{
		"refreshToken": creds.RefreshToken,
	})
	wantStatus(t, rr, http.StatusOK)
	pair := decodeAs[auth.TokenPair](t, rr)
	if pair.AccessToken == "" {
		t.Fatal("refresh returned no access token")
	}
	if _, err := ta.tokens.Verify(context.Background(), pair.AccessToken); err != nil {
		t.Fatalf("refreshed token does not verify: %v", err)
	}

	rr = ta.do(t, http.MethodPost, "/api/v1/token/refresh", map[string]any{
		"refreshToken": "garbage",
	})
	wantErrorCode(t, rr, http.StatusUnauthorized, "UNAUTHORIZED")

	// An access token is not accepted as a refresh token.
	rr = ta.do(t, http.MethodPost, "/api/v1/token/refresh", map[string]any{
		"refreshToken": creds.AccessToken,
	})
	wantErrorCode(t, rr, http.StatusUnauthorized, "UNAUTHORIZED")
}

func publishPack(t *testing.T, ta *testAPI, id, version string) *cluster.Pack {
	t.Helper()
	rr := ta.do(t, http.MethodPost, "/api/v1/packs", map[string]any{
		"packId":     id,
		"name":       "sensor-feed",
		"version":    version,
		"runtimeTag": "universal",
		"bundlePath": "https://bundles.example.com/sensor-feed-" + version + ".tar.zst",
		"visibility": "public",
	})
	wantStatus(t, rr, http.StatusCreated)
	pack := decodeAs[cluster.Pack](t, rr)
	return &pack
}

func TestPackPublish(t *testing.T) {
	ta := newTestAPI(t, Config{})

	pack := publishPack(t, ta, "", "1.0.0")
	if pack.ID == "" {
		t.Fatal("pack id not generated")
	}
	if pack.OwnerID != "admin-1" {
		t.Fatalf("pack owner not taken from identity: %q", pack.OwnerID)
	}

	publishPack(t, ta, pack.ID, "2.0.0")

	// Versions are immutable: republishing is a conflict.
	rr := ta.do(t, http.MethodPost, "/api/v1/packs", map[string]any{
		"packId":     pack.ID,
		"name":       "sensor-feed",
		"version":    "2.0.0",
		"bundlePath": "https://bundles.example.com/x.tar.zst",
	})
	wantErrorCode(t, rr, http.StatusConflict, "CONFLICT")

	tests := []struct {
		name string
		body map[string]any
	}{
		{"missing name", map[string]any{"version": "1.0.0", "bundlePath": "https://b/x"}},
		{"bad version", map[string]any{"name": "p", "version": "not-semver", "bundlePath": "https://b/x"}},
		{"bad runtime tag", map[string]any{"name": "p", "version": "1.0.0", "runtimeTag": "quantum", "bundlePath": "https://b/x"}},
		{"bad visibility", map[string]any{"name": "p", "version": "1.0.0", "visibility": "secret", "bundlePath": "https://b/x"}},
		{"missing bundle", map[string]any{"name": "p", "version": "1.0.0"}},
		{"bad runtime floor", map[string]any{"name": "p", "version": "1.0.0", "bundlePath": "https://b/x", "metadata": map[string]any{"minRuntimeVersion": "latest"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := ta.do(t, http.MethodPost, "/api/v1/packs", tt.body)
			wantErrorCode(t, rr, http.StatusBadRequest, "VALIDATION_ERROR")
		})
	}

	list := decodeAs[map[string][]cluster.Pack](t, ta.do(t, http.MethodGet, "/api/v1/packs", nil))
	if len(list["packs"]) != 1 {
		t.Fatalf("expected 1 pack (latest per id), got %d", len(list["packs"]))
	}
	if list["packs"][0].Version != "2.0.0" {
		t.Fatalf("list should carry the latest version, got %s", list["packs"][0].Version)
	}

	versions := decodeAs[map[string][]cluster.Pack](t, ta.do(t, http.MethodGet, "/api/v1/packs/"+pack.ID, nil))
	if len(versions["versions"]) != 2 {
		t.Fatalf("expected 2 versions, got %d", len(versions["versions"]))
	}

	rr = ta.do(t, http.MethodGet, "/api/v1/packs/"+pack.ID+"/latest", nil)
	wantStatus(t, rr, http.StatusOK)
	latest := decodeAs[cluster.Pack](t, rr)
	if latest.Version != "2.0.0" {
		t.Fatalf("latest is %s", latest.Version)
	}

	wantErrorCode(t, ta.do(t, http.MethodGet, "/api/v1/packs/ghost", nil), http.StatusNotFound, "NOT_FOUND")
	wantErrorCode(t, ta.do(t, http.MethodGet, "/api/v1/packs/ghost/latest", nil), http.StatusNotFound, "NOT_FOUND")
}

func TestDeploymentCreate(t *testing.T) {
	ta := newTestAPI(t, Config{})
	pack := publishPack(t, ta, "pack-1", "1.0.0")

	triggers := 0
	ta.api.SetReconcileTrigger(func() { triggers++ })

	rr := ta.do(t, http.MethodPost, "/api/v1/deployments", map[string]any{
		"name":        "sensor-feed",
		"packId":      pack.ID,
		"packVersion": "1.0.0",
		"replicas":    2,
		"resourceRequests": map[string]string{
			"cpu": "1",
		},
	})
	wantStatus(t, rr, http.StatusCreated)
	created := decodeAs[cluster.Deployment](t, rr)
	if created.ID == "" || created.Status != cluster.DeploymentActive {
		t.Fatalf("unexpected deployment: %+v", created)
	}
	if created.Namespace != "default" {
		t.Fatalf("namespace not defaulted: %q", created.Namespace)
	}
	if created.OwnerID != "admin-1" {
		t.Fatalf("owner not taken from identity: %q", created.OwnerID)
	}
	if cpu := created.ResourceRequests[corev1.ResourceCPU]; cpu.Cmp(resource.MustParse("1")) != 0 {
		t.Fatalf("resource requests lost: %v", created.ResourceRequests)
	}
	if triggers != 1 {
		t.Fatalf("create should trigger a reconcile, got %d", triggers)
	}

	// Same name+namespace is taken.
	rr = ta.do(t, http.MethodPost, "/api/v1/deployments", map[string]any{
		"name":        "sensor-feed",
		"packId":      pack.ID,
		"packVersion": "1.0.0",
	})
	wantErrorCode(t, rr, http.StatusConflict, "CONFLICT")

	// Referencing an unpublished version is rejected up front.
	rr = ta.do(t, http.MethodPost, "/api/v1/deployments", map[string]any{
		"name":        "other",
		"packId":      pack.ID,
		"packVersion": "9.9.9",
	})
	wantErrorCode(t, rr, http.StatusBadRequest, "VALIDATION_ERROR")

	// followLatest may omit the version and rides the newest one.
	publishPack(t, ta, pack.ID, "1.1.0")
	rr = ta.do(t, http.MethodPost, "/api/v1/deployments", map[string]any{
		"name":         "follower",
		"packId":       pack.ID,
		"followLatest": true,
	})
	wantStatus(t, rr, http.StatusCreated)
	follower := decodeAs[cluster.Deployment](t, rr)
	if follower.PackVersion != "1.1.0" {
		t.Fatalf("followLatest did not resolve newest version: %s", follower.PackVersion)
	}

	list := decodeAs[map[string][]cluster.Deployment](t, ta.do(t, http.MethodGet, "/api/v1/deployments", nil))
	if len(list["deployments"]) != 2 {
		t.Fatalf("expected 2 deployments, got %d", len(list["deployments"]))
	}
}

func TestDeploymentUpdate(t *testing.T) {
	ta := newTestAPI(t, Config{})
	pack := publishPack(t, ta, "pack-1", "1.0.0")
	publishPack(t, ta, pack.ID, "2.0.0")

	rr := ta.do(t, http.MethodPost, "/api/v1/deployments", map[string]any{
		"name":        "sensor-feed",
		"packId":      pack.ID,
		"packVersion": "1.0.0",
		"replicas":    1,
	})
	wantStatus(t, rr, http.StatusCreated)
	created := decodeAs[cluster.Deployment](t, rr)

	// Pods are serving 1.0.0 when the operator rolls to 2.0.0.
	ctx := context.Background()
	seeded, err := ta.st.GetDeployment(ctx, created.ID)
	if err != nil {
		t.Fatalf("get deployment: %v", err)
	}
	seeded.ReadyReplicas = 1
	if err := ta.st.UpdateDeployment(ctx, seeded); err != nil {
		t.Fatalf("seed ready replicas: %v", err)
	}

	triggers := 0
	ta.api.SetReconcileTrigger(func() { triggers++ })

	rr = ta.do(t, http.MethodPatch, "/api/v1/deployments/"+created.ID, map[string]any{
		"packVersion": "2.0.0",
	})
	wantStatus(t, rr, http.StatusOK)
	updated := decodeAs[cluster.Deployment](t, rr)
	if updated.PackVersion != "2.0.0" {
		t.Fatalf("version not updated: %s", updated.PackVersion)
	}
	if updated.LastSuccessfulVersion != "1.0.0" {
		t.Fatalf("serving version not recorded as rollback target: %q", updated.LastSuccessfulVersion)
	}
	if triggers != 1 {
		t.Fatalf("update should trigger a reconcile, got %d", triggers)
	}

	// Rolling to an unpublished version is rejected and changes nothing.
	rr = ta.do(t, http.MethodPatch, "/api/v1/deployments/"+created.ID, map[string]any{
		"packVersion": "9.9.9",
	})
	wantErrorCode(t, rr, http.StatusBadRequest, "VALIDATION_ERROR")
	kept, _ := ta.st.GetDeployment(ctx, created.ID)
	if kept.PackVersion != "2.0.0" {
		t.Fatalf("failed update mutated the deployment: %s", kept.PackVersion)
	}

	// Resume clears the crash-loop record the pause left behind.
	paused, _ := ta.st.GetDeployment(ctx, created.ID)
	paused.Status = cluster.DeploymentPaused
	paused.ConsecutiveFailures = 3
	paused.FailedVersion = "2.0.0"
	until := time.Now().Add(time.Hour)
	paused.FailureBackoffUntil = &until
	if err := ta.st.UpdateDeployment(ctx, paused); err != nil {
		t.Fatalf("seed paused: %v", err)
	}
	rr = ta.do(t, http.MethodPatch, "/api/v1/deployments/"+created.ID, map[string]any{
		"status": "active",
	})
	wantStatus(t, rr, http.StatusOK)
	resumed := decodeAs[cluster.Deployment](t, rr)
	if resumed.Status != cluster.DeploymentActive {
		t.Fatalf("status not updated: %s", resumed.Status)
	}
	if resumed.ConsecutiveFailures != 0 || resumed.FailedVersion != "" || resumed.FailureBackoffUntil != nil {
		t.Fatalf("failure record survived resume: %+v", resumed)
	}

	rr = ta.do(t, http.MethodPatch, "/api/v1/deployments/"+created.ID, map[string]any{
		"replicas": -1,
	})
	wantErrorCode(t, rr, http.StatusBadRequest, "VALIDATION_ERROR")

	rr = ta.do(t, http.MethodPatch, "/api/v1/deployments/"+created.ID, map[string]any{
		"status": "levitating",
	})
	wantErrorCode(t, rr, http.StatusBadRequest, "VALIDATION_ERROR")

	wantErrorCode(t, ta.do(t, http.MethodPatch, "/api/v1/deployments/ghost", map[string]any{"replicas": 2}),
		http.StatusNotFound, "NOT_FOUND")
}

func TestDeploymentDelete(t *testing.T) {
	ta := newTestAPI(t, Config{})
	pack := publishPack(t, ta, "pack-1", "1.0.0")

	rr := ta.do(t, http.MethodPost, "/api/v1/deployments", map[string]any{
		"name":        "sensor-feed",
		"packId":      pack.ID,
		"packVersion": "1.0.0",
	})
	wantStatus(t, rr, http.StatusCreated)
	created := decodeAs[cluster.Deployment](t, rr)

	triggers := 0
	ta.api.SetReconcileTrigger(func() { triggers++ })

	rr = ta.do(t, http.MethodDelete, "/api/v1/deployments/"+created.ID, nil)
	wantStatus(t, rr, http.StatusOK)
	if triggers != 1 {
		t.Fatalf("delete should trigger a reconcile, got %d", triggers)
	}

	// Soft-deleted rows stay readable by ID but leave the list.
	rr = ta.do(t, http.MethodGet, "/api/v1/deployments/"+created.ID, nil)
	wantStatus(t, rr, http.StatusOK)
	gone := decodeAs[cluster.Deployment](t, rr)
	if gone.DeletedAt == nil {
		t.Fatal("deletedAt not set")
	}
	list := decodeAs[map[string][]cluster.Deployment](t, ta.do(t, http.MethodGet, "/api/v1/deployments", nil))
	if len(list["deployments"]) != 0 {
		t.Fatalf("deleted deployment still listed: %d", len(list["deployments"]))
	}

	// Deleting again is idempotent; mutating is not allowed.
	rr = ta.do(t, http.MethodDelete, "/api/v1/deployments/"+created.ID, nil)
	wantStatus(t, rr, http.StatusOK)
	if triggers != 1 {
		t.Fatalf("idempotent delete should not re-trigger, got %d", triggers)
	}
	rr = ta.do(t, http.MethodPatch, "/api/v1/deployments/"+created.ID, map[string]any{"replicas": 2})
	wantErrorCode(t, rr, http.StatusConflict, "CONFLICT")
}

func TestNodeEndpoints(t *testing.T) {
	ta := newTestAPI(t, Config{})
	ctx := context.Background()

	node := &cluster.Node{
		ID:          "node-1",
		Name:        "worker-a",
		RuntimeType: cluster.RuntimeNative,
		Status:      cluster.NodeOnline,
		Allocatable: corev1.ResourceList{
			corev1.ResourceCPU: resource.MustParse("8"),
		},
	}
	if err := ta.st.CreateNode(ctx, node); err != nil {
		t.Fatalf("seed node: %v", err)
	}

	list := decodeAs[map[string][]cluster.Node](t, ta.do(t, http.MethodGet, "/api/v1/nodes", nil))
	if len(list["nodes"]) != 1 {
		t.Fatalf("expected 1 node, got %d", len(list["nodes"]))
	}

	rr := ta.do(t, http.MethodGet, "/api/v1/nodes/by-name/worker-a", nil)
	wantStatus(t, rr, http.StatusOK)
	got := decodeAs[cluster.Node](t, rr)
	if got.ID != "node-1" {
		t.Fatalf("wrong node: %+v", got)
	}

	wantErrorCode(t, ta.do(t, http.MethodGet, "/api/v1/nodes/by-name/ghost", nil),
		http.StatusNotFound, "NOT_FOUND")
}

func TestClusterSummary(t *testing.T) {
	ta := newTestAPI(t, Config{})
	ctx := context.Background()

	for _, n := range []*cluster.Node{
		{ID: "n1", Name: "worker-a", Status: cluster.NodeOnline},
		{ID: "n2", Name: "worker-b", Status: cluster.NodeOnline},
		{ID: "n3", Name: "worker-c", Status: cluster.NodeOffline},
	} {
		if err := ta.st.CreateNode(ctx, n); err != nil {
			t.Fatalf("seed node: %v", err)
		}
	}
	if err := ta.st.CreatePod(ctx, &cluster.Pod{ID: "p1", DeploymentID: "d1", Status: cluster.PodRunning, NodeID: "n1"}); err != nil {
		t.Fatalf("seed pod: %v", err)
	}
	for _, d := range []*cluster.Deployment{
		{ID: "d1", Name: "a", Namespace: "default", Replicas: 1, Status: cluster.DeploymentActive},
		{ID: "d2", Name: "b", Namespace: "default", Replicas: 0, Status: cluster.DeploymentPaused},
	} {
		if err := ta.st.CreateDeployment(ctx, d); err != nil {
			t.Fatalf("seed deployment: %v", err)
		}
	}

	rr := ta.do(t, http.MethodGet, "/api/v1/cluster/summary", nil)
	wantStatus(t, rr, http.StatusOK)
	summary := decodeAs[clusterSummary](t, rr)

	if summary.Nodes["total"] != 3 || summary.Nodes["online"] != 2 || summary.Nodes["offline"] != 1 {
		t.Fatalf("node counts wrong: %v", summary.Nodes)
	}
	if summary.Pods["total"] != 1 || summary.Pods["running"] != 1 {
		t.Fatalf("pod counts wrong: %v", summary.Pods)
	}
	if summary.Deployments["total"] != 2 || summary.Deployments["active"] != 1 ||
		summary.Deployments["paused"] != 1 || summary.Deployments["daemonset"] != 1 {
		t.Fatalf("deployment counts wrong: %v", summary.Deployments)
	}
}

func TestHealthz(t *testing.T) {
	ta := newTestAPI(t, Config{})
	rr := ta.do(t, http.MethodGet, "/healthz", nil)
	wantStatus(t, rr, http.StatusOK)
	body := decodeAs[map[string]string](t, rr)
	if body["status"] != "ok" {
		t.Fatalf("unexpected health body: %v", body)
	}
}
