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

package server

import (
	"log/slog"
	"sync"
	"time"

	"go.corp.nvidia.com/longshore/internal/auth"
	"go.corp.nvidia.com/longshore/pkg/wire"
)

// DisconnectHook is invoked once per closed connection, with every node id
// that was attached to it at close time. It runs outside the registry lock
// and may touch the store.
type DisconnectHook func(connectionID string, nodeIDs []string)

// Registry is the in-memory connection index: connection id → Conn, node id
// → connection id. It is pure bookkeeping; it knows nothing about a node's
// persisted status. Lock order is registry before connection, never the
// reverse.
type Registry struct {
	mu    sync.RWMutex
	conns map[string]*Conn
	nodes map[string]string // node id → connection id

	hookMu       sync.RWMutex
	onDisconnect DisconnectHook

	logger *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		conns:  make(map[string]*Conn),
		nodes:  make(map[string]string),
		logger: logger,
	}
}

// SetDisconnectHook installs the node-lifecycle callback fired on every
// connection removal. Must be called before connections are accepted.
func (r *Registry) SetDisconnectHook(hook DisconnectHook) {
	r.hookMu.Lock()
	defer r.hookMu.Unlock()
	r.onDisconnect = hook
}

// Add registers a freshly accepted connection.
func (r *Registry) Add(conn *Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns[conn.ID()] = conn
}

// Remove drops a connection from the index. The disconnect hook runs first,
// with the node ids bound at close time, so the lifecycle layer can clear
// each node's connectionId while the binding is still observable. Node index
// entries are only deleted if they still point at this connection, so a
// reconnect that re-attached the node in the meantime is not clobbered.
func (r *Registry) Remove(conn *Conn) {
	id := conn.ID()

	r.mu.Lock()
	current, ok := r.conns[id]
	if !ok || current != conn {
		r.mu.Unlock()
		return
	}
	nodeIDs := conn.NodeIDs()
	r.mu.Unlock()

	r.hookMu.RLock()
	hook := r.onDisconnect
	r.hookMu.RUnlock()
	if hook != nil {
		hook(id, nodeIDs)
	}

	r.mu.Lock()
	if current, ok := r.conns[id]; ok && current == conn {
		delete(r.conns, id)
	}
	for _, nodeID := range nodeIDs {
		if r.nodes[nodeID] == id {
			delete(r.nodes, nodeID)
		}
	}
	r.mu.Unlock()

	r.logger.Debug("connection removed",
		slog.String("connection_id", id),
		slog.Int("nodes", len(nodeIDs)),
		slog.Duration("duration", time.Since(conn.ConnectedAt())),
	)
}

// Bind records the authenticated identity on a connection. Returns false if
// the connection is no longer present.
func (r *Registry) Bind(connectionID string, identity *auth.Identity) bool {
	conn, ok := r.Get(connectionID)
	if !ok {
		return false
	}
	conn.SetIdentity(identity)
	return true
}

// Attach binds a node to a connection in both directions. If the node was
// attached to a different connection, that binding is replaced and the
// superseded connection is returned so the caller can close it.
func (r *Registry) Attach(connectionID, nodeID string) (superseded *Conn, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	conn, found := r.conns[connectionID]
	if !found {
		return nil, false
	}

	if prevID, bound := r.nodes[nodeID]; bound && prevID != connectionID {
		if prev, alive := r.conns[prevID]; alive {
			prev.removeNode(nodeID)
			superseded = prev
		}
	}

	r.nodes[nodeID] = connectionID
	conn.addNode(nodeID)
	return superseded, true
}

// Detach removes one node binding from a connection.
func (r *Registry) Detach(connectionID, nodeID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.nodes[nodeID] == connectionID {
		delete(r.nodes, nodeID)
	}
	if conn, ok := r.conns[connectionID]; ok {
		conn.removeNode(nodeID)
	}
}

// Get returns the connection with the given id.
func (r *Registry) Get(connectionID string) (*Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.conns[connectionID]
	return conn, ok
}

// NodeConn returns the connection a node is currently attached to.
func (r *Registry) NodeConn(nodeID string) (*Conn, bool) {
	r.mu.RLock()
	connID, ok := r.nodes[nodeID]
	if !ok {
		r.mu.RUnlock()
		return nil, false
	}
	conn, ok := r.conns[connID]
	r.mu.RUnlock()
	return conn, ok
}

// SendToConnection delivers a frame to one connection. Returns false if the
// target is gone or its channel already closed.
func (r *Registry) SendToConnection(connectionID string, msg *wire.Message) bool {
	conn, ok := r.Get(connectionID)
	if !ok {
		return false
	}
	return conn.Send(msg) == nil
}

// SendToNode delivers a frame to the connection owning a node. Returns false
// if the node has no live connection.
func (r *Registry) SendToNode(nodeID string, msg *wire.Message) bool {
	conn, ok := r.NodeConn(nodeID)
	if !ok {
		return false
	}
	return conn.Send(msg) == nil
}

// Broadcast delivers a frame to every authenticated connection passing the
// filter (nil filter means all authenticated). Returns the delivery count.
func (r *Registry) Broadcast(msg *wire.Message, filter func(*Conn) bool) int {
	r.mu.RLock()
	targets := make([]*Conn, 0, len(r.conns))
	for _, conn := range r.conns {
		if !conn.Authenticated() {
			continue
		}
		if filter != nil && !filter(conn) {
			continue
		}
		targets = append(targets, conn)
	}
	r.mu.RUnlock()

	sent := 0
	for _, conn := range targets {
		if conn.Send(msg) == nil {
			sent++
		}
	}
	return sent
}

// Count returns the number of live connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// ConnectedNodeIDs returns the node ids with a live connection.
func (r *Registry) ConnectedNodeIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.nodes))
	for id := range r.nodes {
		ids = append(ids, id)
	}
	return ids
}

// CloseAll sends a disconnect frame to every connection and closes each with
// code 1001 (going away). Used on orchestrator shutdown.
func (r *Registry) CloseAll(reason string) {
	r.mu.RLock()
	targets := make([]*Conn, 0, len(r.conns))
	for _, conn := range r.conns {
		targets = append(targets, conn)
	}
	r.mu.RUnlock()

	for _, conn := range targets {
		conn.Disconnect(reason)
	}
}
