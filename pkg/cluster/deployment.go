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

package cluster

import (
	"time"

	corev1 "k8s.io/api/core/v1"

	"go.corp.nvidia.com/longshore/pkg/resources"
)

// DeploymentStatus gates reconciliation: paused deployments are skipped.
type DeploymentStatus string

const (
	DeploymentActive DeploymentStatus = "active"
	DeploymentPaused DeploymentStatus = "paused"
)

// Deployment declares desired state: N replicas of a pack version, or one pod
// per eligible node when Replicas is zero (daemonset mode).
type Deployment struct {
	ID          string `json:"deploymentId"`
	Name        string `json:"name"`
	Namespace   string `json:"namespace"`
	PackID      string `json:"packId"`
	PackVersion string `json:"packVersion"`
	// Replicas is the desired pod count; 0 selects daemonset mode.
	Replicas         int                 `json:"replicas"`
	PodLabels        map[string]string   `json:"podLabels,omitempty"`
	PodAnnotations   map[string]string   `json:"podAnnotations,omitempty"`
	Tolerations      []corev1.Toleration `json:"tolerations,omitempty"`
	ResourceRequests corev1.ResourceList `json:"resourceRequests,omitempty"`
	ResourceLimits   corev1.ResourceList `json:"resourceLimits,omitempty"`
	Scheduling       *SchedulingSpec     `json:"scheduling,omitempty"`
	// FollowLatest tracks the pack's newest published version automatically.
	FollowLatest          bool             `json:"followLatest,omitempty"`
	LastSuccessfulVersion string           `json:"lastSuccessfulVersion,omitempty"`
	ConsecutiveFailures   int              `json:"consecutiveFailures"`
	FailedVersion         string           `json:"failedVersion,omitempty"`
	FailureBackoffUntil   *time.Time       `json:"failureBackoffUntil,omitempty"`
	Status                DeploymentStatus `json:"status"`
	ReadyReplicas         int              `json:"readyReplicas"`
	AvailableReplicas     int              `json:"availableReplicas"`
	TotalReplicas         int              `json:"totalReplicas"`
	OwnerID               string           `json:"ownerId,omitempty"`
	CreatedAt             time.Time        `json:"createdAt"`
	UpdatedAt             time.Time        `json:"updatedAt"`
	DeletedAt             *time.Time       `json:"deletedAt,omitempty"`
}

// DaemonSet reports whether the deployment places one pod per eligible node.
func (d *Deployment) DaemonSet() bool {
	return d.Replicas == 0
}

// InFailureBackoff reports whether new rollouts of version are held back at
// the given instant.
func (d *Deployment) InFailureBackoff(version string, now time.Time) bool {
	if d.FailureBackoffUntil == nil || d.FailedVersion != version {
		return false
	}
	return now.Before(*d.FailureBackoffUntil)
}

// NewPod instantiates the deployment's pod template as a fresh pending pod.
// ID assignment, incarnation and persistence belong to the caller.
func (d *Deployment) NewPod(incarnation int64, now time.Time) *Pod {
	pod := &Pod{
		PackID:           d.PackID,
		PackVersion:      d.PackVersion,
		DeploymentID:     d.ID,
		Incarnation:      incarnation,
		Namespace:        d.Namespace,
		Status:           PodPending,
		ResourceRequests: resources.Copy(d.ResourceRequests),
		ResourceLimits:   resources.Copy(d.ResourceLimits),
		Labels:           copyStringMap(d.PodLabels),
		Annotations:      copyStringMap(d.PodAnnotations),
		Scheduling:       d.Scheduling.Clone(),
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if d.Tolerations != nil {
		pod.Tolerations = make([]corev1.Toleration, len(d.Tolerations))
		copy(pod.Tolerations, d.Tolerations)
	}
	return pod
}

// Clone returns a deep copy safe to mutate without affecting the original.
func (d *Deployment) Clone() *Deployment {
	out := *d
	out.PodLabels = copyStringMap(d.PodLabels)
	out.PodAnnotations = copyStringMap(d.PodAnnotations)
	if d.Tolerations != nil {
		out.Tolerations = make([]corev1.Toleration, len(d.Tolerations))
		copy(out.Tolerations, d.Tolerations)
	}
	out.ResourceRequests = resources.Copy(d.ResourceRequests)
	out.ResourceLimits = resources.Copy(d.ResourceLimits)
	out.Scheduling = d.Scheduling.Clone()
	out.FailureBackoffUntil = copyTime(d.FailureBackoffUntil)
	out.DeletedAt = copyTime(d.DeletedAt)
	return &out
}
