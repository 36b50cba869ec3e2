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

// Package events publishes cluster lifecycle events to a Redis Stream so
// external consumers (dashboards, alerting) can follow the orchestrator
// without polling its API. Publishing is fire-and-forget: a failed XAdd is
// logged, never propagated.
package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"go.corp.nvidia.com/longshore/pkg/cluster"
)

// clusterEventsStream uses a hash tag so all events land in one slot when
// Redis runs clustered.
const clusterEventsStream = "{longshore}:{event-stream}:cluster_events"

// maxStreamLen bounds the stream with approximate (XADD MAXLEN ~) trimming.
const maxStreamLen = 8192

// Event names carried in the envelope.
const (
	EventNodeRegistered       = "node:registered"
	EventNodeReconnected      = "node:reconnected"
	EventNodeStatusChanged    = "node:status_changed"
	EventPodScheduled         = "pod:scheduled"
	EventPodStatusChanged     = "pod:status_changed"
	EventDeploymentRollout    = "deployment:rollout_started"
	EventDeploymentRolledBack = "deployment:rolled_back"
	EventDeploymentPaused     = "deployment:paused"
	EventDeploymentDeleted    = "deployment:deleted"
)

// envelope is the JSON document stored under the stream's "message" field.
type envelope struct {
	Event     string    `json:"event"`
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload"`
}

// Publisher emits cluster events. A nil Publisher is valid and drops
// everything, so callers never guard their publish calls.
type Publisher struct {
	client *redis.Client
	logger *slog.Logger
}

// NewPublisher creates a publisher over an existing Redis client. A nil
// client yields a nil (no-op) publisher.
func NewPublisher(client *redis.Client, logger *slog.Logger) *Publisher {
	if client == nil {
		return nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{client: client, logger: logger}
}

// publish marshals the envelope and XAdds it. Errors are logged and dropped.
func (p *Publisher) publish(ctx context.Context, event string, payload any) {
	if p == nil {
		return
	}

	body, err := json.Marshal(envelope{
		Event:     event,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	})
	if err != nil {
		p.logger.ErrorContext(ctx, "failed to marshal cluster event",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
		return
	}

	err = p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: clusterEventsStream,
		MaxLen: maxStreamLen,
		Approx: true,
		Values: map[string]interface{}{
			"message": string(body),
		},
	}).Err()
	if err != nil {
		p.logger.WarnContext(ctx, "failed to publish cluster event",
			slog.String("event", event),
			slog.String("stream", clusterEventsStream),
			slog.String("error", err.Error()),
		)
	}
}

// NodeRegistered reports a brand-new node registration.
func (p *Publisher) NodeRegistered(ctx context.Context, node *cluster.Node) {
	p.publish(ctx, EventNodeRegistered, map[string]any{
		"nodeId":      node.ID,
		"name":        node.Name,
		"runtimeType": node.RuntimeType,
	})
}

// NodeReconnected reports an existing node re-attaching.
func (p *Publisher) NodeReconnected(ctx context.Context, node *cluster.Node) {
	p.publish(ctx, EventNodeReconnected, map[string]any{
		"nodeId": node.ID,
		"name":   node.Name,
	})
}

// NodeStatusChanged reports a node status transition.
func (p *Publisher) NodeStatusChanged(ctx context.Context, node *cluster.Node, from cluster.NodeStatus) {
	if from == node.Status {
		return
	}
	p.publish(ctx, EventNodeStatusChanged, map[string]any{
		"nodeId": node.ID,
		"name":   node.Name,
		"from":   from,
		"to":     node.Status,
	})
}

// PodScheduled reports a pod placement decision.
func (p *Publisher) PodScheduled(ctx context.Context, pod *cluster.Pod) {
	p.publish(ctx, EventPodScheduled, map[string]any{
		"podId":        pod.ID,
		"deploymentId": pod.DeploymentID,
		"nodeId":       pod.NodeID,
		"packId":       pod.PackID,
		"packVersion":  pod.PackVersion,
	})
}

// PodStatusChanged reports a pod status transition.
func (p *Publisher) PodStatusChanged(ctx context.Context, pod *cluster.Pod, from cluster.PodStatus) {
	payload := map[string]any{
		"podId":        pod.ID,
		"deploymentId": pod.DeploymentID,
		"nodeId":       pod.NodeID,
		"from":         from,
		"to":           pod.Status,
	}
	if pod.Status.Terminal() {
		payload["reason"] = pod.TerminationReason
		if pod.StatusMessage != "" {
			payload["message"] = pod.StatusMessage
		}
	}
	p.publish(ctx, EventPodStatusChanged, payload)
}

// RolloutStarted reports a rolling update to a new pack version.
func (p *Publisher) RolloutStarted(ctx context.Context, deployment *cluster.Deployment, toVersion string) {
	p.publish(ctx, EventDeploymentRollout, map[string]any{
		"deploymentId": deployment.ID,
		"name":         deployment.Name,
		"namespace":    deployment.Namespace,
		"fromVersion":  deployment.PackVersion,
		"toVersion":    toVersion,
	})
}

// RolledBack reports an automatic rollback after a crash loop.
func (p *Publisher) RolledBack(ctx context.Context, deployment *cluster.Deployment, failedVersion string) {
	p.publish(ctx, EventDeploymentRolledBack, map[string]any{
		"deploymentId":  deployment.ID,
		"name":          deployment.Name,
		"namespace":     deployment.Namespace,
		"failedVersion": failedVersion,
		"toVersion":     deployment.PackVersion,
	})
}

// Paused reports a deployment paused by crash-loop detection with no
// rollback target.
func (p *Publisher) Paused(ctx context.Context, deployment *cluster.Deployment, reason string) {
	p.publish(ctx, EventDeploymentPaused, map[string]any{
		"deploymentId": deployment.ID,
		"name":         deployment.Name,
		"namespace":    deployment.Namespace,
		"reason":       reason,
	})
}

// DeploymentDeleted reports a deployment soft-deletion.
func (p *Publisher) DeploymentDeleted(ctx context.Context, deployment *cluster.Deployment) {
	p.publish(ctx, EventDeploymentDeleted, map[string]any{
		"deploymentId": deployment.ID,
		"name":         deployment.Name,
		"namespace":    deployment.Namespace,
	})
}

// Stream returns the stream key, for consumers and tests.
func Stream() string { return clusterEventsStream }
