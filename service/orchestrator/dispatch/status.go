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

package dispatch

import (
	"context"
	"log/slog"

	"go.corp.nvidia.com/longshore/pkg/cluster"
	"go.corp.nvidia.com/longshore/pkg/wire"
	"go.corp.nvidia.com/longshore/service/orchestrator/server"
	"go.corp.nvidia.com/longshore/utils/metrics"
)

// handleResponse resolves pod:deploy:* and pod:stop:* frames against the
// in-flight table. Responses without a matching entry (already timed out,
// resolved by a disconnect, or duplicated) are dropped.
func (d *Dispatcher) handleResponse(ctx context.Context, _ *server.Conn, msg *wire.Message) (*wire.Message, error) {
	if msg.CorrelationID == "" {
		d.logger.Debug("response frame without correlation id", slog.String("type", string(msg.Type)))
		return nil, nil
	}
	rpc, ok := d.inflight.take(msg.CorrelationID)
	if !ok {
		d.logger.Debug("response for unknown rpc",
			slog.String("type", string(msg.Type)),
			slog.String("correlation_id", msg.CorrelationID))
		return nil, nil
	}

	rtt := d.now().Sub(rpc.sentAt)
	if mc := metrics.GetMetricCreator(); mc != nil {
		_ = mc.RecordHistogram(ctx, "pod_rpc_duration_ms", float64(rtt.Milliseconds()),
			"ms", "Round trip of a pod RPC from dispatch to agent response.",
			map[string]string{"kind": rpc.kind.String()})
	}
	switch msg.Type {
	case wire.TypePodDeploySuccess:
		d.logger.Info("pod deploy acknowledged",
			slog.String("pod_id", rpc.podID),
			slog.String("node_id", rpc.nodeID),
			slog.Duration("rtt", rtt))
	case wire.TypePodDeployError:
		d.failDeploy(ctx, rpc.podID, responseCause(msg, "agent rejected deploy"))
	case wire.TypePodStopSuccess:
		d.logger.Debug("pod stop acknowledged",
			slog.String("pod_id", rpc.podID),
			slog.Duration("rtt", rtt))
	case wire.TypePodStopError:
		d.logger.Warn("pod stop rejected by agent",
			slog.String("pod_id", rpc.podID),
			slog.String("node_id", rpc.nodeID),
			slog.String("cause", responseCause(msg, "agent rejected stop")))
	}
	return nil, nil
}

// responseCause extracts the error message from an :error response payload.
func responseCause(msg *wire.Message, fallback string) string {
	ep, err := wire.Payload[wire.ErrorPayload](msg)
	if err != nil || ep.Message == "" {
		return fallback
	}
	return ep.Message
}

// handleStatusUpdate applies an unsolicited agent-side pod state change.
// Updates carrying an incarnation older than the store's are from superseded
// instances and are discarded, as are updates for pods already terminal.
func (d *Dispatcher) handleStatusUpdate(ctx context.Context, _ *server.Conn, msg *wire.Message) (*wire.Message, error) {
	req, err := wire.Payload[wire.StatusUpdatePayload](msg)
	if err != nil {
		return nil, wire.Errorf(wire.CodeValidationError, "invalid status update: %v", err)
	}
	if req.PodID == "" {
		return nil, wire.Errorf(wire.CodeValidationError, "status update requires podId")
	}
	if !cluster.KnownPodStatus(req.Status) {
		return nil, wire.Errorf(wire.CodeValidationError, "unknown pod status %q", req.Status)
	}

	pod, err := d.store.GetPod(ctx, req.PodID)
	if err != nil {
		d.logger.Debug("status update for unknown pod", slog.String("pod_id", req.PodID))
		return nil, nil
	}
	if pod.Incarnation > req.Incarnation {
		d.logger.Debug("stale status update discarded",
			slog.String("pod_id", req.PodID),
			slog.Int64("pod_incarnation", pod.Incarnation),
			slog.Int64("update_incarnation", req.Incarnation))
		d.countRPC(ctx, "pod_status_stale_total", "Total status updates discarded for carrying an old incarnation")
		return nil, nil
	}
	if pod.Status.Terminal() {
		d.logger.Debug("status update for terminal pod discarded",
			slog.String("pod_id", req.PodID),
			slog.String("status", string(pod.Status)))
		return nil, nil
	}

	from := pod.Status
	now := d.now()
	pod.Status = req.Status
	pod.UpdatedAt = now
	if req.Message != "" {
		pod.StatusMessage = req.Message
	}
	if req.Reason != "" {
		pod.TerminationReason = req.Reason
	}
	if req.Status == cluster.PodRunning && pod.StartedAt == nil {
		pod.StartedAt = &now
	}
	if req.Status.Terminal() {
		pod.FinishedAt = &now
	}

	if err := d.store.UpdatePod(ctx, pod); err != nil {
		d.logger.Error("apply status update",
			slog.String("pod_id", pod.ID),
			slog.Any("error", err))
		return nil, wire.Errorf(wire.CodeNotFound, "pod %s not found", pod.ID)
	}

	d.events.PodStatusChanged(ctx, pod, from)
	d.logger.Info("pod status updated",
		slog.String("pod_id", pod.ID),
		slog.String("node_id", pod.NodeID),
		slog.String("from", string(from)),
		slog.String("to", string(pod.Status)),
		slog.String("reason", string(pod.TerminationReason)))

	if pod.Status.Terminal() {
		d.state.Release(pod.NodeID, pod.ResourceRequests)
		d.countRPC(ctx, "pod_terminal_total", "Total pods that reached a terminal state")
		d.triggerReconcile()
	}
	return nil, nil
}
