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

package scheduler

import (
	"sync"

	corev1 "k8s.io/api/core/v1"

	"go.corp.nvidia.com/longshore/pkg/cluster"
	"go.corp.nvidia.com/longshore/pkg/resources"
)

// State is the scheduler's in-memory view of the node fleet. The store stays
// authoritative: the view is rebuilt from it on every reconcile tick, and the
// Commit/Release deltas applied between rebuilds only keep placements made
// within a single tick from double-booking a node.
type State struct {
	mu    sync.RWMutex
	nodes map[string]*cluster.Node
}

func NewState() *State {
	return &State{nodes: make(map[string]*cluster.Node)}
}

// Rebuild replaces the whole view with store-authoritative rows.
func (s *State) Rebuild(nodes []*cluster.Node) {
	fresh := make(map[string]*cluster.Node, len(nodes))
	for _, n := range nodes {
		fresh[n.ID] = n.Clone()
	}

	s.mu.Lock()
	s.nodes = fresh
	s.mu.Unlock()
}

// Upsert folds a single refreshed node into the view, keeping registrations
// and heartbeat allocation reports visible between rebuilds.
func (s *State) Upsert(node *cluster.Node) {
	s.mu.Lock()
	s.nodes[node.ID] = node.Clone()
	s.mu.Unlock()
}

// Forget drops a node from the view.
func (s *State) Forget(nodeID string) {
	s.mu.Lock()
	delete(s.nodes, nodeID)
	s.mu.Unlock()
}

// Snapshot returns clones of every node in the view; callers may mutate them
// freely.
func (s *State) Snapshot() []*cluster.Node {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*cluster.Node, 0, len(s.nodes))
	for _, n := range s.nodes {
		out = append(out, n.Clone())
	}
	return out
}

// Get returns a clone of one node, or nil when it is not in the view.
func (s *State) Get(nodeID string) *cluster.Node {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n, ok := s.nodes[nodeID]
	if !ok {
		return nil
	}
	return n.Clone()
}

// Commit reserves a placement's resources on the node.
func (s *State) Commit(nodeID string, requests corev1.ResourceList) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if n, ok := s.nodes[nodeID]; ok {
		n.Allocated = resources.Merge(n.Allocated, requests)
	}
}

// Release returns a terminated placement's resources to the node. Clamped at
// zero, so releasing more than was committed cannot corrupt the view.
func (s *State) Release(nodeID string, requests corev1.ResourceList) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if n, ok := s.nodes[nodeID]; ok {
		n.Allocated = resources.Subtract(n.Allocated, requests)
	}
}

// Len reports the number of nodes in the view.
func (s *State) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.nodes)
}
