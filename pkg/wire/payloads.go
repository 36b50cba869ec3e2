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

package wire

import (
	"time"

	corev1 "k8s.io/api/core/v1"

	"go.corp.nvidia.com/longshore/pkg/cluster"
)

// ConnectedPayload greets a fresh connection with its id and whether
// authentication is required before node-scope traffic.
type ConnectedPayload struct {
	ConnectionID string `json:"connectionId"`
	RequiresAuth bool   `json:"requiresAuth"`
}

// PingPayload doubles as the pong payload; the timestamp is the sender's.
type PingPayload struct {
	Timestamp time.Time `json:"timestamp"`
}

// AuthenticatePayload carries the bearer token.
type AuthenticatePayload struct {
	Token string `json:"token"`
}

// AuthenticatedPayload confirms the bound identity.
type AuthenticatedPayload struct {
	UserID string   `json:"userId"`
	Roles  []string `json:"roles"`
}

// RegisterPayload creates a node.
type RegisterPayload struct {
	Name         string              `json:"name"`
	RuntimeType  cluster.RuntimeType `json:"runtimeType"`
	Capabilities map[string]string   `json:"capabilities,omitempty"`
	Allocatable  corev1.ResourceList `json:"allocatable,omitempty"`
	Labels       map[string]string   `json:"labels,omitempty"`
	Annotations  map[string]string   `json:"annotations,omitempty"`
	Taints       []corev1.Taint      `json:"taints,omitempty"`
}

// RegisterAckPayload returns the persisted node.
type RegisterAckPayload struct {
	Node *cluster.Node `json:"node"`
}

// ReconnectPayload resumes an existing node on a new connection.
type ReconnectPayload struct {
	NodeID string `json:"nodeId"`
}

// ReconnectAckPayload returns the refreshed node.
type ReconnectAckPayload struct {
	Node *cluster.Node `json:"node"`
}

// HeartbeatPayload refreshes liveness; optional fields update allocation and
// agent-owned status (online, draining, maintenance).
type HeartbeatPayload struct {
	NodeID     string              `json:"nodeId"`
	Timestamp  time.Time           `json:"timestamp"`
	Status     cluster.NodeStatus  `json:"status,omitempty"`
	Allocated  corev1.ResourceList `json:"allocated,omitempty"`
	ActivePods []string            `json:"activePods,omitempty"`
}

// HeartbeatAckPayload is best-effort; losing it never invalidates the
// heartbeat on the server.
type HeartbeatAckPayload struct {
	ServerTime time.Time `json:"serverTime"`
}

// PackSpec is the executable description shipped inside a deploy frame.
// Either Bundle (inline bytes) or BundlePath (content-addressed fetch
// location) is set.
type PackSpec struct {
	ID         string               `json:"id"`
	Name       string               `json:"name"`
	Version    string               `json:"version"`
	RuntimeTag cluster.RuntimeTag   `json:"runtimeTag"`
	Bundle     []byte               `json:"bundle,omitempty"`
	BundlePath string               `json:"bundlePath,omitempty"`
	Metadata   cluster.PackMetadata `json:"metadata"`
}

// PackSpecFrom projects a stored pack into its wire shape.
func PackSpecFrom(p *cluster.Pack) PackSpec {
	return PackSpec{
		ID:         p.ID,
		Name:       p.Name,
		Version:    p.Version,
		RuntimeTag: p.RuntimeTag,
		Bundle:     p.Bundle,
		BundlePath: p.BundlePath,
		Metadata:   p.Metadata,
	}
}

// DeployPayload assigns a pod to the receiving node. Incarnation is echoed
// back on every status update so stale instances can be discarded.
type DeployPayload struct {
	PodID            string              `json:"podId"`
	NodeID           string              `json:"nodeId"`
	Pack             PackSpec            `json:"pack"`
	ResourceRequests corev1.ResourceList `json:"resourceRequests,omitempty"`
	ResourceLimits   corev1.ResourceList `json:"resourceLimits,omitempty"`
	Labels           map[string]string   `json:"labels,omitempty"`
	Annotations      map[string]string   `json:"annotations,omitempty"`
	Namespace        string              `json:"namespace"`
	Incarnation      int64               `json:"incarnation"`
}

// DeployResultPayload answers a deploy frame.
type DeployResultPayload struct {
	PodID string `json:"podId"`
}

// StopPayload requests cooperative shutdown of a pod.
type StopPayload struct {
	PodID   string                    `json:"podId"`
	Reason  cluster.TerminationReason `json:"reason"`
	Message string                    `json:"message,omitempty"`
}

// StopResultPayload answers a stop frame.
type StopResultPayload struct {
	PodID string `json:"podId"`
}

// StatusUpdatePayload reports a pod state change, unsolicited.
type StatusUpdatePayload struct {
	PodID       string                    `json:"podId"`
	Status      cluster.PodStatus         `json:"status"`
	Message     string                    `json:"message,omitempty"`
	Reason      cluster.TerminationReason `json:"reason,omitempty"`
	Incarnation int64                     `json:"incarnation"`
}

// PodStats are the agent-side per-pod counters included in metrics frames.
type PodStats struct {
	ExecutionCount       int64 `json:"executionCount"`
	SuccessfulExecutions int64 `json:"successfulExecutions"`
	FailedExecutions     int64 `json:"failedExecutions"`
	TotalExecutionTimeMs int64 `json:"totalExecutionTimeMs"`
	RestartCount         int64 `json:"restartCount"`
}

// NodeMetricsPayload is the periodic resource and worker-pool report.
type NodeMetricsPayload struct {
	NodeID     string              `json:"nodeId"`
	Timestamp  time.Time           `json:"timestamp"`
	Allocated  corev1.ResourceList `json:"allocated,omitempty"`
	ActivePods int                 `json:"activePods"`
	TotalSlots int                 `json:"totalSlots"`
	BusySlots  int                 `json:"busySlots"`
	Pods       map[string]PodStats `json:"pods,omitempty"`
}

// DisconnectPayload precedes a server-initiated close (code 1001).
type DisconnectPayload struct {
	Reason string `json:"reason"`
}
