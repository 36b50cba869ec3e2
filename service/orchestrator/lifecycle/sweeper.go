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
	"fmt"
	"log/slog"
	"time"

	"go.corp.nvidia.com/longshore/pkg/cluster"
)

// RunSweeper ages out silent nodes until the context is cancelled.
func (s *Service) RunSweeper(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.StaleSweepInterval)
	defer ticker.Stop()

	s.logger.Info("stale-node sweeper started",
		slog.Duration("interval", s.cfg.StaleSweepInterval),
		slog.Duration("heartbeat_timeout", s.cfg.HeartbeatTimeout),
	)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("stale-node sweeper stopped")
			return
		case <-ticker.C:
			if err := s.Sweep(ctx); err != nil {
				s.logger.Error("node sweep failed", slog.String("error", err.Error()))
			}
		}
	}
}

// Sweep runs one pass: nodes silent past the heartbeat timeout become
// unhealthy, and unhealthy nodes with no connection eventually become
// offline. Offline and suspect nodes are left alone; suspect is owned by
// external tooling and offline only a reconnect revives.
func (s *Service) Sweep(ctx context.Context) error {
	nodes, err := s.store.ListNodes(ctx)
	if err != nil {
		return fmt.Errorf("list nodes: %w", err)
	}

	now := s.now()
	changed := false

	for _, node := range nodes {
		silence := now.Sub(node.LastHeartbeat)

		var to cluster.NodeStatus
		switch {
		case node.Status == cluster.NodeOffline || node.Status == cluster.NodeSuspect:
			continue
		case node.Status == cluster.NodeUnhealthy:
			if node.ConnectionID != "" || silence <= s.cfg.OfflineAfter {
				continue
			}
			to = cluster.NodeOffline
		case silence > s.cfg.HeartbeatTimeout:
			to = cluster.NodeUnhealthy
		default:
			continue
		}

		from := node.Status
		node.Status = to
		node.UpdatedAt = now
		if to == cluster.NodeOffline {
			node.ConnectionID = ""
		}
		if err := s.store.UpdateNode(ctx, node); err != nil {
			s.logger.Error("sweep update failed",
				slog.String("node_id", node.ID),
				slog.String("error", err.Error()),
			)
			continue
		}

		s.events.NodeStatusChanged(ctx, node, from)
		s.recordOnlineDelta(ctx, from, node.Status)
		s.logger.Warn("node aged out",
			slog.String("node_id", node.ID),
			slog.String("node_name", node.Name),
			slog.String("from", string(from)),
			slog.String("to", string(to)),
			slog.Duration("silence", silence),
		)
		changed = true
	}

	if changed {
		s.triggerReconcile()
	}
	return nil
}
