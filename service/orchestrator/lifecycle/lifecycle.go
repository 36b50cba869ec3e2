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

// Package lifecycle implements the server side of the node state machine:
// registration, reconnection, heartbeats, disconnect bookkeeping, and the
// periodic sweep that ages silent nodes to unhealthy and eventually offline.
// Expected failures are returned as wire error payloads so the channel
// adapters can answer with typed :error frames.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"go.corp.nvidia.com/longshore/internal/auth"
	"go.corp.nvidia.com/longshore/pkg/cluster"
	"go.corp.nvidia.com/longshore/pkg/wire"
	"go.corp.nvidia.com/longshore/service/orchestrator/events"
	"go.corp.nvidia.com/longshore/service/orchestrator/server"
	"go.corp.nvidia.com/longshore/service/orchestrator/store"
)

// Config tunes node liveness handling.
type Config struct {
	// HeartbeatTimeout is the silence after which a node is marked unhealthy.
	HeartbeatTimeout time.Duration
	// StaleSweepInterval is how often the sweep runs.
	StaleSweepInterval time.Duration
	// OfflineAfter is the total heartbeat silence after which an unhealthy
	// node with no connection is marked offline.
	OfflineAfter time.Duration
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		HeartbeatTimeout:   30 * time.Second,
		StaleSweepInterval: 5 * time.Second,
		OfflineAfter:       5 * time.Minute,
	}
}

func (c *Config) normalize() {
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = 30 * time.Second
	}
	if c.StaleSweepInterval <= 0 {
		c.StaleSweepInterval = 5 * time.Second
	}
	if c.OfflineAfter <= 0 {
		c.OfflineAfter = 5 * time.Minute
	}
}

// Service owns node lifecycle transitions. The store is authoritative; the
// registry only routes frames.
type Service struct {
	cfg      Config
	store    store.Store
	registry *server.Registry
	events   *events.Publisher
	logger   *slog.Logger

	// now is swapped in tests to drive timeouts deterministically.
	now func() time.Time

	// trigger nudges the reconciler when node eligibility changes.
	trigger func()
}

// NewService creates the lifecycle service.
func NewService(cfg Config, st store.Store, registry *server.Registry, pub *events.Publisher, logger *slog.Logger) *Service {
	cfg.normalize()
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		cfg:      cfg,
		store:    st,
		registry: registry,
		events:   pub,
		logger:   logger,
		now:      time.Now,
	}
}

// SetReconcileTrigger installs the reconciler nudge. Called once at wiring
// time; a nil trigger is simply never invoked.
func (s *Service) SetReconcileTrigger(fn func()) {
	s.trigger = fn
}

func (s *Service) triggerReconcile() {
	if s.trigger != nil {
		s.trigger()
	}
}

// Register creates a new node bound to the calling connection. The node
// comes up online with zero allocation.
func (s *Service) Register(ctx context.Context, connID string, identity *auth.Identity, req *wire.RegisterPayload) (*cluster.Node, error) {
	if err := validateRegistration(req); err != nil {
		return nil, err
	}
	if identity != nil && !identity.IsAgent() && !identity.IsAdmin() {
		return nil, wire.Errorf(wire.CodeForbidden, "user %s may not register nodes", identity.UserID)
	}

	now := s.now()
	node := &cluster.Node{
		ID:            strings.ReplaceAll(uuid.New().String(), "-", ""),
		Name:          req.Name,
		RuntimeType:   req.RuntimeType,
		Status:        cluster.NodeOnline,
		LastHeartbeat: now,
		Capabilities:  req.Capabilities,
		Allocatable:   req.Allocatable,
		Labels:        req.Labels,
		Annotations:   req.Annotations,
		Taints:        req.Taints,
		ConnectionID:  connID,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if identity != nil {
		node.RegisteredBy = identity.UserID
	}

	if err := s.store.CreateNode(ctx, node); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil, wire.Errorf(wire.CodeConflict, "node name already registered: %s", req.Name)
		}
		return nil, fmt.Errorf("create node: %w", err)
	}

	s.attach(connID, node.ID)
	s.events.NodeRegistered(ctx, node)
	s.recordOnlineDelta(ctx, "", node.Status)
	s.triggerReconcile()

	s.logger.Info("node registered",
		slog.String("node_id", node.ID),
		slog.String("node_name", node.Name),
		slog.String("runtime", string(node.RuntimeType)),
		slog.String("connection_id", connID),
	)
	return node, nil
}

// Reconnect resumes an existing node on a new connection. The previous
// connection, if still present, is superseded and closed. Unknown node ids
// return NOT_FOUND so the agent falls back to register.
func (s *Service) Reconnect(ctx context.Context, connID string, identity *auth.Identity, nodeID string) (*cluster.Node, error) {
	if nodeID == "" {
		return nil, wire.Errorf(wire.CodeValidationError, "nodeId is required")
	}

	node, err := s.store.GetNode(ctx, nodeID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, wire.Errorf(wire.CodeNotFound, "unknown node: %s", nodeID)
		}
		return nil, fmt.Errorf("load node: %w", err)
	}

	if identity != nil && !identity.IsAdmin() &&
		node.RegisteredBy != "" && node.RegisteredBy != identity.UserID {
		return nil, wire.Errorf(wire.CodeForbidden, "node %s belongs to another user", node.Name)
	}

	from := node.Status
	node.ConnectionID = connID
	node.Status = cluster.NodeOnline
	node.LastHeartbeat = s.now()
	node.UpdatedAt = node.LastHeartbeat

	if err := s.store.UpdateNode(ctx, node); err != nil {
		return nil, fmt.Errorf("update node: %w", err)
	}

	s.attach(connID, node.ID)
	s.events.NodeReconnected(ctx, node)
	s.events.NodeStatusChanged(ctx, node, from)
	s.recordOnlineDelta(ctx, from, node.Status)
	s.triggerReconcile()

	s.logger.Info("node reconnected",
		slog.String("node_id", node.ID),
		slog.String("node_name", node.Name),
		slog.String("connection_id", connID),
	)
	return node, nil
}

// Heartbeat refreshes a node's liveness. It is rejected unless the calling
// connection is the one recorded on the node. A provided status is honored
// only if the agent may report it; otherwise a prior draining or maintenance
// survives and anything else is coerced back to online.
func (s *Service) Heartbeat(ctx context.Context, connID string, req *wire.HeartbeatPayload) (*cluster.Node, error) {
	if req.NodeID == "" {
		return nil, wire.Errorf(wire.CodeValidationError, "nodeId is required")
	}

	node, err := s.store.GetNode(ctx, req.NodeID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, wire.Errorf(wire.CodeNotFound, "unknown node: %s", req.NodeID)
		}
		return nil, fmt.Errorf("load node: %w", err)
	}

	if node.ConnectionID != connID {
		return nil, wire.Errorf(wire.CodeForbidden, "connection not bound to node %s", req.NodeID)
	}

	from := node.Status
	node.LastHeartbeat = s.now()
	node.UpdatedAt = node.LastHeartbeat
	if req.Allocated != nil {
		node.Allocated = req.Allocated
	}

	switch {
	case req.Status != "" && req.Status.AgentReportable():
		node.Status = req.Status
	case from == cluster.NodeDraining || from == cluster.NodeMaintenance:
		// Agent-declared modes survive heartbeats that carry no status.
	default:
		node.Status = cluster.NodeOnline
	}

	if err := s.store.UpdateNode(ctx, node); err != nil {
		return nil, fmt.Errorf("update node: %w", err)
	}

	if node.Status != from {
		s.events.NodeStatusChanged(ctx, node, from)
		s.recordOnlineDelta(ctx, from, node.Status)
		s.logger.Info("node status changed",
			slog.String("node_id", node.ID),
			slog.String("from", string(from)),
			slog.String("to", string(node.Status)),
		)
		if node.Status.Schedulable() {
			s.triggerReconcile()
		}
	}
	return node, nil
}

// HandleDisconnect is the registry hook: clear each node's connectionId if
// it still points at the closed connection. Status is left alone so a short
// network blip does not cascade into rescheduling; the sweep ages the node
// out if it never returns.
func (s *Service) HandleDisconnect(connID string, nodeIDs []string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for _, nodeID := range nodeIDs {
		node, err := s.store.GetNode(ctx, nodeID)
		if err != nil {
			s.logger.Debug("disconnect cleanup skipped node",
				slog.String("node_id", nodeID),
				slog.String("error", err.Error()),
			)
			continue
		}
		if node.ConnectionID != connID {
			// The node already reattached elsewhere.
			continue
		}

		node.ConnectionID = ""
		node.UpdatedAt = s.now()
		if err := s.store.UpdateNode(ctx, node); err != nil {
			s.logger.Error("disconnect cleanup failed",
				slog.String("node_id", nodeID),
				slog.String("error", err.Error()),
			)
			continue
		}
		s.logger.Info("node connection cleared",
			slog.String("node_id", nodeID),
			slog.String("node_name", node.Name),
			slog.String("connection_id", connID),
		)
	}
}

// attach routes the node to its connection and closes any superseded
// connection still holding it.
func (s *Service) attach(connID, nodeID string) {
	superseded, ok := s.registry.Attach(connID, nodeID)
	if !ok {
		// The connection dropped mid-handshake; the sweep reclaims the node.
		s.logger.Warn("attach failed, connection gone",
			slog.String("connection_id", connID),
			slog.String("node_id", nodeID),
		)
		return
	}
	if superseded != nil {
		s.logger.Info("superseding stale connection",
			slog.String("node_id", nodeID),
			slog.String("old_connection_id", superseded.ID()),
			slog.String("new_connection_id", connID),
		)
		superseded.Disconnect("node reattached on another connection")
	}
}

func validateRegistration(req *wire.RegisterPayload) error {
	if err := cluster.ValidateNodeName(req.Name); err != nil {
		return wire.Errorf(wire.CodeValidationError, "%v", err)
	}
	if !cluster.KnownRuntimeType(req.RuntimeType) {
		return wire.Errorf(wire.CodeValidationError, "unknown runtime type: %q", req.RuntimeType)
	}
	for name, quantity := range req.Allocatable {
		if quantity.Sign() < 0 {
			return wire.Errorf(wire.CodeValidationError, "allocatable %s is negative", name)
		}
	}
	return nil
}
