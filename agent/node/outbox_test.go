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
	"testing"
	"time"

	"go.corp.nvidia.com/longshore/pkg/wire"
)

func statusFrame(podID string) *wire.Message {
	return wire.StatusUpdateMessage(&wire.StatusUpdatePayload{PodID: podID}).
		WithCorrelation(wire.NewCorrelationID())
}

func TestOutboxLifecycle(t *testing.T) {
	t.Parallel()
	o := newOutbox(8)
	now := time.Now()

	first := statusFrame("pod-1")
	second := statusFrame("pod-2")
	if !o.Put(first, nil) || !o.Put(second, nil) {
		t.Fatal("Put() refused frames with free space")
	}
	if got := o.Len(); got != 2 {
		t.Fatalf("Len() = %d, want 2", got)
	}

	unsent := o.Unsent(now)
	if len(unsent) != 2 || unsent[0] != first || unsent[1] != second {
		t.Fatalf("Unsent() = %d frames, want [first, second]", len(unsent))
	}

	o.MarkSent(first.CorrelationID, now)
	unsent = o.Unsent(now)
	if len(unsent) != 1 || unsent[0] != second {
		t.Fatalf("Unsent() after MarkSent = %d frames, want [second]", len(unsent))
	}

	o.Ack(second.CorrelationID)
	if got := o.Len(); got != 1 {
		t.Fatalf("Len() after Ack = %d, want 1", got)
	}

	// The written-but-unacked frame stays replayable within the grace.
	replay := o.Replayable(now.Add(deliveryGrace / 2))
	if len(replay) != 1 || replay[0] != first {
		t.Fatalf("Replayable() = %d frames, want [first]", len(replay))
	}

	// Past the grace it retires on its own.
	replay = o.Replayable(now.Add(deliveryGrace + time.Second))
	if len(replay) != 0 {
		t.Fatalf("Replayable() past grace = %d frames, want none", len(replay))
	}
	if got := o.Len(); got != 0 {
		t.Fatalf("Len() after retirement = %d, want 0", got)
	}
}

func TestOutboxStampsCorrelation(t *testing.T) {
	t.Parallel()
	o := newOutbox(2)
	msg := wire.StatusUpdateMessage(&wire.StatusUpdatePayload{PodID: "p"})
	if msg.CorrelationID != "" {
		t.Fatal("status frame should start without a correlation id")
	}
	if !o.Put(msg, nil) {
		t.Fatal("Put() = false")
	}
	if msg.CorrelationID == "" {
		t.Error("Put() did not assign a correlation id")
	}
}

func TestOutboxBlocksWhenFull(t *testing.T) {
	t.Parallel()
	o := newOutbox(1)
	first := statusFrame("pod-1")
	if !o.Put(first, nil) {
		t.Fatal("Put() = false with free space")
	}

	done := make(chan bool, 1)
	go func() {
		done <- o.Put(statusFrame("pod-2"), nil)
	}()

	select {
	case <-done:
		t.Fatal("Put() returned while the window was full")
	case <-time.After(50 * time.Millisecond):
	}

	o.Ack(first.CorrelationID)
	select {
	case ok := <-done:
		if !ok {
			t.Fatal("Put() = false after space freed")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Put() still blocked after Ack freed space")
	}
}

func TestOutboxAbortUnblocksPut(t *testing.T) {
	t.Parallel()
	o := newOutbox(1)
	if !o.Put(statusFrame("pod-1"), nil) {
		t.Fatal("Put() = false with free space")
	}

	abort := make(chan struct{})
	done := make(chan bool, 1)
	go func() {
		done <- o.Put(statusFrame("pod-2"), abort)
	}()
	close(abort)

	select {
	case ok := <-done:
		if ok {
			t.Fatal("Put() = true after abort")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Put() ignored the abort channel")
	}
}

func TestOutboxCloseUnblocksPut(t *testing.T) {
	t.Parallel()
	o := newOutbox(1)
	kept := statusFrame("pod-1")
	if !o.Put(kept, nil) {
		t.Fatal("Put() = false with free space")
	}

	done := make(chan bool, 1)
	go func() {
		done <- o.Put(statusFrame("pod-2"), nil)
	}()
	o.Close()

	select {
	case ok := <-done:
		if ok {
			t.Fatal("Put() = true after Close")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Put() still blocked after Close")
	}

	if o.Put(statusFrame("pod-3"), nil) {
		t.Error("Put() = true on a closed outbox")
	}
	// Accepted frames survive Close for a final flush.
	if replay := o.Replayable(time.Now()); len(replay) != 1 || replay[0] != kept {
		t.Errorf("Replayable() after Close = %d frames, want [kept]", len(replay))
	}
}
