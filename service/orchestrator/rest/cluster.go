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

	"go.corp.nvidia.com/longshore/pkg/wire"
)

func (a *API) handleListNodes(w http.ResponseWriter, r *http.Request) {
	nodes, err := a.store.ListNodes(r.Context())
	if err != nil {
		a.logger.Error("node list failed", slog.String("error", err.Error()))
		a.writeError(w, http.StatusInternalServerError, wire.CodeInternalError, "internal error")
		return
	}
	a.writeJSON(w, http.StatusOK, map[string]any{"nodes": nodes})
}

func (a *API) handleNodeByName(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	node, err := a.store.GetNodeByName(r.Context(), name)
	if err != nil {
		a.writeStoreError(w, err, "unknown node: "+name, "conflict")
		return
	}
	a.writeJSON(w, http.StatusOK, node)
}

// clusterSummary is the dashboard roll-up: object counts keyed by status.
type clusterSummary struct {
	Nodes       map[string]int `json:"nodes"`
	Pods        map[string]int `json:"pods"`
	Deployments map[string]int `json:"deployments"`
}

func (a *API) handleClusterSummary(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	nodes, err := a.store.ListNodes(ctx)
	if err != nil {
		a.logger.Error("node list failed", slog.String("error", err.Error()))
		a.writeError(w, http.StatusInternalServerError, wire.CodeInternalError, "internal error")
		return
	}
	pods, err := a.store.ListActivePods(ctx)
	if err != nil {
		a.logger.Error("pod list failed", slog.String("error", err.Error()))
		a.writeError(w, http.StatusInternalServerError, wire.CodeInternalError, "internal error")
		return
	}
	deployments, err := a.store.ListDeployments(ctx)
	if err != nil {
		a.logger.Error("deployment list failed", slog.String("error", err.Error()))
		a.writeError(w, http.StatusInternalServerError, wire.CodeInternalError, "internal error")
		return
	}

	summary := clusterSummary{
		Nodes:       map[string]int{"total": len(nodes)},
		Pods:        map[string]int{"total": len(pods)},
		Deployments: map[string]int{"total": len(deployments)},
	}
	for _, n := range nodes {
		summary.Nodes[string(n.Status)]++
	}
	for _, p := range pods {
		summary.Pods[string(p.Status)]++
	}
	for _, d := range deployments {
		summary.Deployments[string(d.Status)]++
		if d.DaemonSet() {
			summary.Deployments["daemonset"]++
		}
	}

	a.writeJSON(w, http.StatusOK, summary)
}
