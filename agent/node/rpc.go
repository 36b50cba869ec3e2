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

package node

import (
	"sync"

	"go.corp.nvidia.com/longshore/pkg/wire"
)

// rpcTracker correlates request frames with their responses. One tracker
// outlives individual connections; failAll clears it between sessions.
type rpcTracker struct {
	mu      sync.Mutex
	pending map[string]chan *wire.Message
	failure error
}

func newRPCTracker() *rpcTracker {
	return &rpcTracker{pending: make(map[string]chan *wire.Message)}
}

// register opens a reply slot for the correlation id.
func (t *rpcTracker) register(corrID string) chan *wire.Message {
	ch := make(chan *wire.Message, 1)
	t.mu.Lock()
	t.pending[corrID] = ch
	t.mu.Unlock()
	return ch
}

// drop abandons a slot whose caller stopped waiting.
func (t *rpcTracker) drop(corrID string) {
	t.mu.Lock()
	delete(t.pending, corrID)
	t.mu.Unlock()
}

// resolve delivers a response frame to its waiting caller. False means no
// call is waiting on this correlation id. Plain error frames resolve too:
// the channel layer answers rejected requests with type "error" rather than
// a typed :error counterpart.
func (t *rpcTracker) resolve(msg *wire.Message) bool {
	if msg.CorrelationID == "" {
		return false
	}
	if !msg.Type.IsResponse() && msg.Type != wire.TypeAuthenticated && msg.Type != wire.TypeError {
		return false
	}
	t.mu.Lock()
	ch, ok := t.pending[msg.CorrelationID]
	if ok {
		delete(t.pending, msg.CorrelationID)
	}
	t.mu.Unlock()
	if !ok {
		return false
	}
	ch <- msg
	return true
}

// failAll aborts every in-flight call with the given cause. Waiters observe
// a closed reply channel and read the cause via lastFailure.
func (t *rpcTracker) failAll(cause error) {
	t.mu.Lock()
	t.failure = cause
	for id, ch := range t.pending {
		close(ch)
		delete(t.pending, id)
	}
	t.mu.Unlock()
}

func (t *rpcTracker) lastFailure() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.failure
}
