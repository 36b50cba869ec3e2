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
	"time"

	"go.corp.nvidia.com/longshore/pkg/wire"
)

const (
	defaultOutboxCapacity = 128

	// deliveryGrace is how long a written frame stays replayable. A frame
	// written longer ago than this either landed or is too stale to matter;
	// the server's incarnation and terminal-status checks absorb duplicates.
	deliveryGrace = 10 * time.Second
)

// outboxEntry tracks one frame awaiting confirmed delivery.
type outboxEntry struct {
	corrID string
	msg    *wire.Message
	// sentAt is zero until the frame has been written to a stream.
	sentAt time.Time
}

// outbox is the agent's bounded at-least-once send window for frames the
// server must eventually see (heartbeats, pod status updates). Entries
// retire on explicit ack, on a correlated error frame, or once a written
// frame outlives the delivery grace.
type outbox struct {
	mu      sync.Mutex
	entries []*outboxEntry

	// space is the capacity semaphore; holders are entries in the window.
	space chan struct{}
	done  chan struct{}
	once  sync.Once
}

func newOutbox(capacity int) *outbox {
	if capacity <= 0 {
		capacity = defaultOutboxCapacity
	}
	return &outbox{
		space: make(chan struct{}, capacity),
		done:  make(chan struct{}),
	}
}

// Put enqueues a frame, stamping a correlation id when absent. A full window
// blocks until space frees, the outbox closes, or abort closes; a nil abort
// never fires. The return reports whether the frame was accepted.
func (o *outbox) Put(msg *wire.Message, abort <-chan struct{}) bool {
	if msg.CorrelationID == "" {
		msg.WithCorrelation(wire.NewCorrelationID())
	}
	select {
	case o.space <- struct{}{}:
	default:
		select {
		case o.space <- struct{}{}:
		case <-o.done:
			return false
		case <-abort:
			return false
		}
	}
	select {
	case <-o.done:
		<-o.space
		return false
	default:
	}

	o.mu.Lock()
	o.entries = append(o.entries, &outboxEntry{corrID: msg.CorrelationID, msg: msg})
	o.mu.Unlock()
	return true
}

// Ack retires the entry carrying the given correlation id.
func (o *outbox) Ack(corrID string) {
	if corrID == "" {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	for i, e := range o.entries {
		if e.corrID == corrID {
			o.removeLocked(i)
			return
		}
	}
}

// MarkSent records a successful stream write for the entry.
func (o *outbox) MarkSent(corrID string, now time.Time) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, e := range o.entries {
		if e.corrID == corrID {
			e.sentAt = now
			return
		}
	}
}

// Unsent returns the frames never written to any stream, oldest first, after
// retiring written entries past the delivery grace.
func (o *outbox) Unsent(now time.Time) []*wire.Message {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.retireAgedLocked(now)
	var out []*wire.Message
	for _, e := range o.entries {
		if e.sentAt.IsZero() {
			out = append(out, e.msg)
		}
	}
	return out
}

// Replayable returns every frame still awaiting delivery confirmation:
// unwritten ones plus writes recent enough that their loss is plausible.
// Used once per session right after registration.
func (o *outbox) Replayable(now time.Time) []*wire.Message {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.retireAgedLocked(now)
	out := make([]*wire.Message, 0, len(o.entries))
	for _, e := range o.entries {
		out = append(out, e.msg)
	}
	return out
}

// Len reports the entries in the window.
func (o *outbox) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.entries)
}

// Close unblocks producers. Entries already accepted stay readable for a
// final flush.
func (o *outbox) Close() {
	o.once.Do(func() { close(o.done) })
}

func (o *outbox) retireAgedLocked(now time.Time) {
	kept := o.entries[:0]
	for _, e := range o.entries {
		if !e.sentAt.IsZero() && now.Sub(e.sentAt) > deliveryGrace {
			select {
			case <-o.space:
			default:
			}
			continue
		}
		kept = append(kept, e)
	}
	o.entries = kept
}

func (o *outbox) removeLocked(i int) {
	o.entries = append(o.entries[:i], o.entries[i+1:]...)
	select {
	case <-o.space:
	default:
	}
}
