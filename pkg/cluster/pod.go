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
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"go.corp.nvidia.com/longshore/pkg/resources"
)

// PodStatus is the canonical pod state machine:
// pending → scheduled → starting → running → stopping → terminal.
type PodStatus string

const (
	PodPending   PodStatus = "pending"
	PodScheduled PodStatus = "scheduled"
	PodStarting  PodStatus = "starting"
	PodRunning   PodStatus = "running"
	PodStopping  PodStatus = "stopping"
	PodStopped   PodStatus = "stopped"
	PodFailed    PodStatus = "failed"
	PodEvicted   PodStatus = "evicted"
)

// Terminal reports whether the status is absorbing: no further transitions
// are applied until the pod is garbage-collected.
func (s PodStatus) Terminal() bool {
	switch s {
	case PodStopped, PodFailed, PodEvicted:
		return true
	}
	return false
}

// Active is the complement of Terminal and is what replica counting uses.
func (s PodStatus) Active() bool {
	return !s.Terminal()
}

// Placed reports whether the status requires a bound node.
func (s PodStatus) Placed() bool {
	switch s {
	case PodScheduled, PodStarting, PodRunning, PodStopping:
		return true
	}
	return false
}

// KnownPodStatus reports whether s is a member of the canonical set.
func KnownPodStatus(s PodStatus) bool {
	switch s {
	case PodPending, PodScheduled, PodStarting, PodRunning, PodStopping,
		PodStopped, PodFailed, PodEvicted:
		return true
	}
	return false
}

// TerminationReason categorizes why a pod reached a terminal state. The set
// is closed; crash-loop accounting depends on it.
type TerminationReason string

const (
	ReasonAppExitOK         TerminationReason = "app_exit_ok"
	ReasonAppExitError      TerminationReason = "app_exit_error"
	ReasonAppCrashed        TerminationReason = "app_crashed"
	ReasonOOMKilled         TerminationReason = "oom_killed"
	ReasonDeployFailed      TerminationReason = "deploy_failed"
	ReasonRollingUpdate     TerminationReason = "rolling_update"
	ReasonScaleDown         TerminationReason = "scale_down"
	ReasonNodeLost          TerminationReason = "node_lost"
	ReasonEvictedByTaint    TerminationReason = "evicted_by_taint"
	ReasonDeploymentDeleted TerminationReason = "deployment_deleted"
	ReasonCancelled         TerminationReason = "cancelled"
)

// ApplicationFailure reports whether the reason counts toward a deployment's
// consecutive-failure tally. Infrastructure-initiated terminations never do.
func (r TerminationReason) ApplicationFailure() bool {
	switch r {
	case ReasonAppExitError, ReasonAppCrashed, ReasonOOMKilled, ReasonDeployFailed:
		return true
	}
	return false
}

// SchedulingSpec constrains which nodes a pod may land on.
type SchedulingSpec struct {
	NodeSelector *metav1.LabelSelector `json:"nodeSelector,omitempty"`
}

// Clone returns a deep copy; nil receivers stay nil.
func (s *SchedulingSpec) Clone() *SchedulingSpec {
	if s == nil {
		return nil
	}
	out := &SchedulingSpec{}
	if s.NodeSelector != nil {
		out.NodeSelector = s.NodeSelector.DeepCopy()
	}
	return out
}

// Pod is one scheduled instance of a pack.
type Pod struct {
	ID                string              `json:"podId"`
	PackID            string              `json:"packId"`
	PackVersion       string              `json:"packVersion"`
	DeploymentID      string              `json:"deploymentId,omitempty"`
	Incarnation       int64               `json:"incarnation"`
	Namespace         string              `json:"namespace"`
	Status            PodStatus           `json:"status"`
	NodeID            string              `json:"nodeId,omitempty"`
	ResourceRequests  corev1.ResourceList `json:"resourceRequests,omitempty"`
	ResourceLimits    corev1.ResourceList `json:"resourceLimits,omitempty"`
	Labels            map[string]string   `json:"labels,omitempty"`
	Annotations       map[string]string   `json:"annotations,omitempty"`
	Tolerations       []corev1.Toleration `json:"tolerations,omitempty"`
	Scheduling        *SchedulingSpec     `json:"scheduling,omitempty"`
	TerminationReason TerminationReason   `json:"terminationReason,omitempty"`
	StatusMessage     string              `json:"statusMessage,omitempty"`
	CreatedAt         time.Time           `json:"createdAt"`
	UpdatedAt         time.Time           `json:"updatedAt"`
	ScheduledAt       *time.Time          `json:"scheduledAt,omitempty"`
	StartedAt         *time.Time          `json:"startedAt,omitempty"`
	FinishedAt        *time.Time          `json:"finishedAt,omitempty"`
}

// Tolerates reports whether the pod tolerates the given taint under the
// standard matching rules (Exists wildcard, Equal key+value, optional effect).
func (p *Pod) Tolerates(taint *corev1.Taint) bool {
	for i := range p.Tolerations {
		if p.Tolerations[i].ToleratesTaint(taint) {
			return true
		}
	}
	return false
}

// Clone returns a deep copy safe to mutate without affecting the original.
func (p *Pod) Clone() *Pod {
	out := *p
	out.ResourceRequests = resources.Copy(p.ResourceRequests)
	out.ResourceLimits = resources.Copy(p.ResourceLimits)
	out.Labels = copyStringMap(p.Labels)
	out.Annotations = copyStringMap(p.Annotations)
	if p.Tolerations != nil {
		out.Tolerations = make([]corev1.Toleration, len(p.Tolerations))
		copy(out.Tolerations, p.Tolerations)
	}
	out.Scheduling = p.Scheduling.Clone()
	out.ScheduledAt = copyTime(p.ScheduledAt)
	out.StartedAt = copyTime(p.StartedAt)
	out.FinishedAt = copyTime(p.FinishedAt)
	return &out
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}
