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
	"fmt"
	"log/slog"
	"net/http"

	corev1 "k8s.io/api/core/v1"

	"go.corp.nvidia.com/longshore/pkg/cluster"
	"go.corp.nvidia.com/longshore/pkg/wire"
	"go.corp.nvidia.com/longshore/service/orchestrator/store"
	"go.corp.nvidia.com/longshore/utils/metrics"
)

type createDeploymentRequest struct {
	Name      string `json:"name"`
	Namespace string `json:"namespace"`
	PackID    string `json:"packId"`
	// PackVersion may be omitted when FollowLatest is set; the newest
	// published version is resolved at creation time.
	PackVersion      string                  `json:"packVersion"`
	Replicas         *int                    `json:"replicas"`
	PodLabels        map[string]string       `json:"podLabels"`
	PodAnnotations   map[string]string       `json:"podAnnotations"`
	Tolerations      []corev1.Toleration     `json:"tolerations"`
	ResourceRequests corev1.ResourceList     `json:"resourceRequests"`
	ResourceLimits   corev1.ResourceList     `json:"resourceLimits"`
	Scheduling       *cluster.SchedulingSpec `json:"scheduling"`
	FollowLatest     bool                    `json:"followLatest"`
}

func (a *API) handleCreateDeployment(w http.ResponseWriter, r *http.Request) {
	var req createDeploymentRequest
	if !a.decodeBody(w, r, &req) {
		return
	}

	if err := cluster.ValidateName("deployment", req.Name); err != nil {
		a.writeError(w, http.StatusBadRequest, wire.CodeValidationError, err.Error())
		return
	}
	if req.Namespace == "" {
		req.Namespace = "default"
	}
	if err := cluster.ValidateName("namespace", req.Namespace); err != nil {
		a.writeError(w, http.StatusBadRequest, wire.CodeValidationError, err.Error())
		return
	}
	if req.PackID == "" {
		a.writeError(w, http.StatusBadRequest, wire.CodeValidationError, "packId is required")
		return
	}
	replicas := 1
	if req.Replicas != nil {
		replicas = *req.Replicas
	}
	if replicas < 0 {
		a.writeError(w, http.StatusBadRequest, wire.CodeValidationError, "replicas must not be negative")
		return
	}

	version, ok := a.resolvePackVersion(w, r, req.PackID, req.PackVersion, req.FollowLatest)
	if !ok {
		return
	}

	now := a.now()
	deployment := &cluster.Deployment{
		ID:               newID(),
		Name:             req.Name,
		Namespace:        req.Namespace,
		PackID:           req.PackID,
		PackVersion:      version,
		Replicas:         replicas,
		PodLabels:        req.PodLabels,
		PodAnnotations:   req.PodAnnotations,
		Tolerations:      req.Tolerations,
		ResourceRequests: req.ResourceRequests,
		ResourceLimits:   req.ResourceLimits,
		Scheduling:       req.Scheduling,
		FollowLatest:     req.FollowLatest,
		Status:           cluster.DeploymentActive,
		OwnerID:          callerID(r),
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := a.store.CreateDeployment(r.Context(), deployment); err != nil {
		a.writeStoreError(w, err, "deployment not found",
			fmt.Sprintf("a deployment named %s already exists in namespace %s", req.Name, req.Namespace))
		return
	}

	a.logger.Info("deployment created",
		slog.String("deployment_id", deployment.ID),
		slog.String("deployment", deployment.Name),
		slog.String("namespace", deployment.Namespace),
		slog.String("pack_id", deployment.PackID),
		slog.String("version", deployment.PackVersion),
		slog.Int("replicas", deployment.Replicas),
	)
	if mc := metrics.GetMetricCreator(); mc != nil {
		_ = mc.RecordCounter(r.Context(), "deployment_created_total", 1, "1",
			"Deployments created through the REST endpoint.", nil)
	}

	a.writeJSON(w, http.StatusCreated, deployment)
	a.triggerReconcile()
}

// resolvePackVersion verifies the referenced pack version exists, resolving
// the latest one when followLatest deployments omit it. A false return means
// the error response has already been written.
func (a *API) resolvePackVersion(w http.ResponseWriter, r *http.Request, packID, version string, followLatest bool) (string, bool) {
	if version == "" {
		if !followLatest {
			a.writeError(w, http.StatusBadRequest, wire.CodeValidationError, "packVersion is required")
			return "", false
		}
		latest, err := a.store.GetLatestPack(r.Context(), packID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				a.writeError(w, http.StatusBadRequest, wire.CodeValidationError,
					"pack "+packID+" has no published versions")
				return "", false
			}
			a.logger.Error("pack lookup failed", slog.String("error", err.Error()))
			a.writeError(w, http.StatusInternalServerError, wire.CodeInternalError, "internal error")
			return "", false
		}
		return latest.Version, true
	}

	if _, err := a.store.GetPackVersion(r.Context(), packID, version); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			a.writeError(w, http.StatusBadRequest, wire.CodeValidationError,
				fmt.Sprintf("pack %s version %s is not published", packID, version))
			return "", false
		}
		a.logger.Error("pack lookup failed", slog.String("error", err.Error()))
		a.writeError(w, http.StatusInternalServerError, wire.CodeInternalError, "internal error")
		return "", false
	}
	return version, true
}

func (a *API) handleListDeployments(w http.ResponseWriter, r *http.Request) {
	deployments, err := a.store.ListDeployments(r.Context())
	if err != nil {
		a.logger.Error("deployment list failed", slog.String("error", err.Error()))
		a.writeError(w, http.StatusInternalServerError, wire.CodeInternalError, "internal error")
		return
	}
	a.writeJSON(w, http.StatusOK, map[string]any{"deployments": deployments})
}

func (a *API) handleGetDeployment(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	deployment, err := a.store.GetDeployment(r.Context(), id)
	if err != nil {
		a.writeStoreError(w, err, "unknown deployment: "+id, "conflict")
		return
	}
	a.writeJSON(w, http.StatusOK, deployment)
}

type updateDeploymentRequest struct {
	PackVersion  *string                   `json:"packVersion"`
	Replicas     *int                      `json:"replicas"`
	FollowLatest *bool                     `json:"followLatest"`
	Status       *cluster.DeploymentStatus `json:"status"`
}

func (a *API) handleUpdateDeployment(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	deployment, err := a.store.GetDeployment(r.Context(), id)
	if err != nil {
		a.writeStoreError(w, err, "unknown deployment: "+id, "conflict")
		return
	}
	if deployment.DeletedAt != nil {
		a.writeError(w, http.StatusConflict, wire.CodeConflict, "deployment is deleted")
		return
	}

	var req updateDeploymentRequest
	if !a.decodeBody(w, r, &req) {
		return
	}

	changed := false

	if req.Replicas != nil && *req.Replicas != deployment.Replicas {
		if *req.Replicas < 0 {
			a.writeError(w, http.StatusBadRequest, wire.CodeValidationError, "replicas must not be negative")
			return
		}
		deployment.Replicas = *req.Replicas
		changed = true
	}

	if req.FollowLatest != nil && *req.FollowLatest != deployment.FollowLatest {
		deployment.FollowLatest = *req.FollowLatest
		changed = true
	}

	if req.Status != nil && *req.Status != deployment.Status {
		switch *req.Status {
		case cluster.DeploymentActive, cluster.DeploymentPaused:
		default:
			a.writeError(w, http.StatusBadRequest, wire.CodeValidationError, "status must be active or paused")
			return
		}
		// Resuming is an operator decision to try again; the failure record
		// that forced the pause does not carry over.
		if *req.Status == cluster.DeploymentActive {
			clearFailureRecord(deployment)
		}
		deployment.Status = *req.Status
		changed = true
	}

	if req.PackVersion != nil && *req.PackVersion != deployment.PackVersion {
		version, ok := a.resolvePackVersion(w, r, deployment.PackID, *req.PackVersion, false)
		if !ok {
			return
		}
		// The version currently serving becomes the rollback target.
		if deployment.ReadyReplicas > 0 {
			deployment.LastSuccessfulVersion = deployment.PackVersion
		}
		clearFailureRecord(deployment)
		a.events.RolloutStarted(r.Context(), deployment, version)
		deployment.PackVersion = version
		changed = true
	}

	if changed {
		deployment.UpdatedAt = a.now()
		if err := a.store.UpdateDeployment(r.Context(), deployment); err != nil {
			a.writeStoreError(w, err, "unknown deployment: "+id, "conflict")
			return
		}
		a.logger.Info("deployment updated",
			slog.String("deployment_id", deployment.ID),
			slog.String("deployment", deployment.Name),
			slog.String("namespace", deployment.Namespace),
			slog.String("version", deployment.PackVersion),
			slog.Int("replicas", deployment.Replicas),
			slog.String("status", string(deployment.Status)),
		)
	}

	a.writeJSON(w, http.StatusOK, deployment)
	if changed {
		a.triggerReconcile()
	}
}

// clearFailureRecord wipes the crash-loop bookkeeping after an explicit
// operator override (version change or resume).
func clearFailureRecord(d *cluster.Deployment) {
	d.ConsecutiveFailures = 0
	d.FailedVersion = ""
	d.FailureBackoffUntil = nil
}

func (a *API) handleDeleteDeployment(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	deployment, err := a.store.GetDeployment(r.Context(), id)
	if err != nil {
		a.writeStoreError(w, err, "unknown deployment: "+id, "conflict")
		return
	}
	if deployment.DeletedAt != nil {
		a.writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
		return
	}

	if err := a.store.DeleteDeployment(r.Context(), id, a.now()); err != nil {
		a.writeStoreError(w, err, "unknown deployment: "+id, "conflict")
		return
	}
	a.events.DeploymentDeleted(r.Context(), deployment)

	a.logger.Info("deployment deleted",
		slog.String("deployment_id", deployment.ID),
		slog.String("deployment", deployment.Name),
		slog.String("namespace", deployment.Namespace),
	)

	a.writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	a.triggerReconcile()
}
