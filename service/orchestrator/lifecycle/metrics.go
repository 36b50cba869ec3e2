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

package lifecycle

import (
	"context"
	"errors"
	"fmt"

	"go.corp.nvidia.com/longshore/pkg/cluster"
	"go.corp.nvidia.com/longshore/pkg/wire"
	"go.corp.nvidia.com/longshore/service/orchestrator/store"
	"go.corp.nvidia.com/longshore/utils/metrics"
)

// NodeMetrics ingests a periodic resource report from a node. Unlike a
// heartbeat it never touches liveness or status; it refreshes the node's
// allocation picture and feeds the cluster instruments.
func (s *Service) NodeMetrics(ctx context.Context, connID string, req *wire.NodeMetricsPayload) error {
	if req.NodeID == "" {
		return wire.Errorf(wire.CodeValidationError, "nodeId is required")
	}

	node, err := s.store.GetNode(ctx, req.NodeID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return wire.Errorf(wire.CodeNotFound, "unknown node: %s", req.NodeID)
		}
		return fmt.Errorf("load node: %w", err)
	}
	if node.ConnectionID != connID {
		return wire.Errorf(wire.CodeForbidden, "connection not bound to node %s", req.NodeID)
	}

	if req.Allocated != nil {
		node.Allocated = req.Allocated
		node.UpdatedAt = s.now()
		if err := s.store.UpdateNode(ctx, node); err != nil {
			return fmt.Errorf("update node: %w", err)
		}
	}

	s.recordNodeMetrics(ctx, node, req)
	return nil
}

// recordOnlineDelta keeps the nodes-online gauge in step with a status
// transition. Pass an empty from for a freshly registered node.
func (s *Service) recordOnlineDelta(ctx context.Context, from, to cluster.NodeStatus) {
	var delta int64
	if to == cluster.NodeOnline {
		delta++
	}
	if from == cluster.NodeOnline {
		delta--
	}
	if delta == 0 {
		return
	}
	if mc := metrics.GetMetricCreator(); mc != nil {
		_ = mc.RecordUpDownCounter(ctx, "nodes_online", delta, "1",
			"Nodes currently online.", nil)
	}
}

func (s *Service) recordNodeMetrics(ctx context.Context, node *cluster.Node, req *wire.NodeMetricsPayload) {
	mc := metrics.GetMetricCreator()
	if mc == nil {
		return
	}
	tags := map[string]string{"node": node.Name}
	_ = mc.RecordCounter(ctx, "node_metrics_received_total", 1, "1",
		"Metrics frames received from node agents.", tags)
	_ = mc.RecordHistogram(ctx, "node_active_pods", float64(req.ActivePods), "1",
		"Active pods reported per metrics frame.", tags)
	if req.TotalSlots > 0 {
		_ = mc.RecordHistogram(ctx, "node_busy_slots", float64(req.BusySlots), "1",
			"Busy worker slots reported per metrics frame.", tags)
	}
}
