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

package events

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"go.corp.nvidia.com/longshore/pkg/cluster"
)

func TestNilPublisherIsNoOp(t *testing.T) {
	var p *Publisher
	ctx := context.Background()

	node := &cluster.Node{ID: "node-1", Name: "worker-1", Status: cluster.NodeOnline}
	pod := &cluster.Pod{ID: "pod-1", Status: cluster.PodRunning}
	deployment := &cluster.Deployment{ID: "dep-1", Name: "ingest"}

	// None of these may panic or block
	p.NodeRegistered(ctx, node)
	p.NodeReconnected(ctx, node)
	p.NodeStatusChanged(ctx, node, cluster.NodeSuspect)
	p.PodScheduled(ctx, pod)
	p.PodStatusChanged(ctx, pod, cluster.PodStarting)
	p.RolloutStarted(ctx, deployment, "2.0.0")
	p.RolledBack(ctx, deployment, "2.0.0")
	p.Paused(ctx, deployment, "crash loop")
	p.DeploymentDeleted(ctx, deployment)
}

func TestNewPublisherWithNilClient(t *testing.T) {
	if p := NewPublisher(nil, nil); p != nil {
		t.Error("NewPublisher(nil client) should return a nil publisher")
	}
}

func TestPublishRoundTrip(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("Redis not reachable (%v)\n"+
			"Run one with:\n"+
			"  docker run --rm -d --name redis -p 6379:6379 redis:7", err)
	}
	defer client.Close()
	defer client.Del(ctx, Stream())

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	p := NewPublisher(client, logger)

	node := &cluster.Node{
		ID:          "node-evt-1",
		Name:        "evt-worker",
		RuntimeType: cluster.RuntimeNative,
		Status:      cluster.NodeOnline,
	}
	p.NodeStatusChanged(ctx, node, cluster.NodeSuspect)

	entries, err := client.XRange(ctx, Stream(), "-", "+").Result()
	if err != nil {
		t.Fatalf("XRange: %v", err)
	}
	if len(entries) == 0 {
		t.Fatal("no entries in stream after publish")
	}

	last := entries[len(entries)-1]
	raw, ok := last.Values["message"].(string)
	if !ok {
		t.Fatalf("stream entry has no message field: %v", last.Values)
	}

	var env struct {
		Event     string         `json:"event"`
		Timestamp time.Time      `json:"timestamp"`
		Payload   map[string]any `json:"payload"`
	}
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	if env.Event != EventNodeStatusChanged {
		t.Errorf("event = %q, want %q", env.Event, EventNodeStatusChanged)
	}
	if env.Payload["from"] != "suspect" || env.Payload["to"] != "online" {
		t.Errorf("payload = %v", env.Payload)
	}
	if env.Timestamp.IsZero() {
		t.Error("timestamp not set")
	}
}

func TestStatusChangeSuppressedWhenUnchanged(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("Redis not reachable: %v", err)
	}
	defer client.Close()
	defer client.Del(ctx, Stream())

	client.Del(ctx, Stream())

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	p := NewPublisher(client, logger)

	node := &cluster.Node{ID: "node-evt-2", Name: "evt-worker-2", Status: cluster.NodeOnline}
	p.NodeStatusChanged(ctx, node, cluster.NodeOnline) // no transition

	count, err := client.XLen(ctx, Stream()).Result()
	if err != nil {
		t.Fatalf("XLen: %v", err)
	}
	if count != 0 {
		t.Errorf("stream length = %d, want 0 for a no-op transition", count)
	}
}
