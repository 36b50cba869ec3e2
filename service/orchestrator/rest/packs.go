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
	"log/slog"
	"net/http"

	"github.com/blang/semver/v4"

	"go.corp.nvidia.com/longshore/pkg/cluster"
	"go.corp.nvidia.com/longshore/pkg/wire"
	"go.corp.nvidia.com/longshore/utils/metrics"
)

// publishPackRequest is the body of POST /api/v1/packs. Publishing the first
// version of a pack and publishing a follow-up version are the same call; a
// follow-up must carry the existing packId.
type publishPackRequest struct {
	PackID     string               `json:"packId"`
	Name       string               `json:"name"`
	Version    string               `json:"version"`
	RuntimeTag cluster.RuntimeTag   `json:"runtimeTag"`
	BundlePath string               `json:"bundlePath"`
	Metadata   cluster.PackMetadata `json:"metadata"`
	Visibility cluster.Visibility   `json:"visibility"`
}

func (a *API) handlePublishPack(w http.ResponseWriter, r *http.Request) {
	var req publishPackRequest
	if !a.decodeBody(w, r, &req) {
		return
	}

	if req.Name == "" {
		a.writeError(w, http.StatusBadRequest, wire.CodeValidationError, "name is required")
		return
	}
	if _, err := semver.ParseTolerant(req.Version); err != nil {
		a.writeError(w, http.StatusBadRequest, wire.CodeValidationError, "version must be valid semver")
		return
	}
	switch req.RuntimeTag {
	case "":
		req.RuntimeTag = cluster.TagUniversal
	case cluster.TagNodeOnly, cluster.TagBrowserOnly, cluster.TagUniversal:
	default:
		a.writeError(w, http.StatusBadRequest, wire.CodeValidationError,
			"runtimeTag must be one of node-only, browser-only, universal")
		return
	}
	switch req.Visibility {
	case "":
		req.Visibility = cluster.VisibilityPrivate
	case cluster.VisibilityPrivate, cluster.VisibilityPublic:
	default:
		a.writeError(w, http.StatusBadRequest, wire.CodeValidationError,
			"visibility must be private or public")
		return
	}
	if req.BundlePath == "" {
		a.writeError(w, http.StatusBadRequest, wire.CodeValidationError, "bundlePath is required")
		return
	}
	if req.Metadata.MinRuntimeVersion != "" {
		if _, err := semver.ParseTolerant(req.Metadata.MinRuntimeVersion); err != nil {
			a.writeError(w, http.StatusBadRequest, wire.CodeValidationError,
				"metadata.minRuntimeVersion must be valid semver")
			return
		}
	}

	pack := &cluster.Pack{
		ID:         req.PackID,
		Name:       req.Name,
		Version:    req.Version,
		RuntimeTag: req.RuntimeTag,
		BundlePath: req.BundlePath,
		Metadata:   req.Metadata,
		OwnerID:    callerID(r),
		Visibility: req.Visibility,
		CreatedAt:  a.now(),
	}
	if pack.ID == "" {
		pack.ID = newID()
	}

	if err := a.store.CreatePack(r.Context(), pack); err != nil {
		a.writeStoreError(w, err, "pack not found", "this pack version is already published")
		return
	}

	a.logger.Info("pack published",
		slog.String("pack_id", pack.ID),
		slog.String("pack", pack.Name),
		slog.String("version", pack.Version),
		slog.String("runtime_tag", string(pack.RuntimeTag)),
	)
	if mc := metrics.GetMetricCreator(); mc != nil {
		_ = mc.RecordCounter(r.Context(), "pack_published_total", 1, "1",
			"Pack versions published through the REST endpoint.", nil)
	}

	a.writeJSON(w, http.StatusCreated, pack)
	a.triggerReconcile()
}

func (a *API) handleListPacks(w http.ResponseWriter, r *http.Request) {
	packs, err := a.store.ListPacks(r.Context())
	if err != nil {
		a.logger.Error("pack list failed", slog.String("error", err.Error()))
		a.writeError(w, http.StatusInternalServerError, wire.CodeInternalError, "internal error")
		return
	}
	a.writeJSON(w, http.StatusOK, map[string]any{"packs": packs})
}

func (a *API) handlePackVersions(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	versions, err := a.store.ListPackVersions(r.Context(), id)
	if err != nil {
		a.writeStoreError(w, err, "unknown pack: "+id, "conflict")
		return
	}
	if len(versions) == 0 {
		a.writeError(w, http.StatusNotFound, wire.CodeNotFound, "unknown pack: "+id)
		return
	}
	a.writeJSON(w, http.StatusOK, map[string]any{"versions": versions})
}

func (a *API) handleLatestPack(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	pack, err := a.store.GetLatestPack(r.Context(), id)
	if err != nil {
		a.writeStoreError(w, err, "unknown pack: "+id, "conflict")
		return
	}
	a.writeJSON(w, http.StatusOK, pack)
}
