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
	"sync"
	"time"
)

type rpcKind int

const (
	rpcDeploy rpcKind = iota
	rpcStop
)

func (k rpcKind) String() string {
	if k == rpcDeploy {
		return "deploy"
	}
	return "stop"
}

// pendingRPC is one dispatched frame awaiting its :success/:error response.
type pendingRPC struct {
	kind        rpcKind
	podID       string
	nodeID      string
	incarnation int64
	sentAt      time.Time
	timer       *time.Timer
}

// inflightTable tracks dispatched RPCs by correlation id. An entry leaves the
// table exactly once, through take, takeByNodes or drain, so every RPC is
// resolved exactly once no matter how response, timeout and disconnect race.
type inflightTable struct {
	mu   sync.Mutex
	rpcs map[string]*pendingRPC
}

func newInflightTable() *inflightTable {
	return &inflightTable{rpcs: make(map[string]*pendingRPC)}
}

func (t *inflightTable) add(correlationID string, rpc *pendingRPC) {
	t.mu.Lock()
	t.rpcs[correlationID] = rpc
	t.mu.Unlock()
}

// take removes and returns the entry, stopping its timer. The second return
// is false when the entry was already resolved.
func (t *inflightTable) take(correlationID string) (*pendingRPC, bool) {
	t.mu.Lock()
	rpc, ok := t.rpcs[correlationID]
	if ok {
		delete(t.rpcs, correlationID)
	}
	t.mu.Unlock()

	if ok && rpc.timer != nil {
		rpc.timer.Stop()
	}
	return rpc, ok
}

// takeByNodes removes every entry targeting one of the given nodes.
func (t *inflightTable) takeByNodes(nodeIDs []string) []*pendingRPC {
	targets := make(map[string]struct{}, len(nodeIDs))
	for _, id := range nodeIDs {
		targets[id] = struct{}{}
	}

	t.mu.Lock()
	var out []*pendingRPC
	for corr, rpc := range t.rpcs {
		if _, hit := targets[rpc.nodeID]; hit {
			delete(t.rpcs, corr)
			out = append(out, rpc)
		}
	}
	t.mu.Unlock()

	for _, rpc := range out {
		if rpc.timer != nil {
			rpc.timer.Stop()
		}
	}
	return out
}

// drain removes every entry.
func (t *inflightTable) drain() []*pendingRPC {
	t.mu.Lock()
	out := make([]*pendingRPC, 0, len(t.rpcs))
	for _, rpc := range t.rpcs {
		out = append(out, rpc)
	}
	t.rpcs = make(map[string]*pendingRPC)
	t.mu.Unlock()

	for _, rpc := range out {
		if rpc.timer != nil {
			rpc.timer.Stop()
		}
	}
	return out
}

func (t *inflightTable) size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.rpcs)
}
