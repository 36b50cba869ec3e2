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
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"go.corp.nvidia.com/longshore/pkg/cluster"
	"go.corp.nvidia.com/longshore/service/orchestrator/store"
)

func testScheduler(t *testing.T) (*Scheduler, *store.MemoryStore) {
	t.Helper()
	st := store.NewMemoryStore()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	sched := New(st, NewState(), nil, logger)
	sched.now = func() time.Time {
		return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	}
	return sched, st
}

func testNode(id string, mutate func(*cluster.Node)) *cluster.Node {
	n := &cluster.Node{
		ID:          id,
		Name:        id,
		RuntimeType: cluster.RuntimeNative,
		Status:      cluster.NodeOnline,
		Capabilities: map[string]string{
			cluster.CapabilityVersion: "1.4.0",
		},
		Allocatable: corev1.ResourceList{
			corev1.ResourceCPU:    resource.MustParse("8"),
			corev1.ResourceMemory: resource.MustParse("16Gi"),
		},
		LastHeartbeat: time.Now(),
	}
	if mutate != nil {
		mutate(n)
	}
	return n
}

func seedNode(t *testing.T, sched *Scheduler, st *store.MemoryStore, n *cluster.Node) {
	t.Helper()
	if err := st.CreateNode(context.Background(), n); err != nil {
		t.Fatalf("seed node %s: %v", n.ID, err)
	}
	sched.State().Upsert(n)
}

func testPack(tag cluster.RuntimeTag) *cluster.Pack {
	return &cluster.Pack{
		ID:         "pack-1",
		Name:       "sensor-feed",
		Version:    "2.1.0",
		RuntimeTag: tag,
		Visibility: cluster.VisibilityPublic,
	}
}

func seedPod(t *testing.T, st *store.MemoryStore, id string, mutate func(*cluster.Pod)) *cluster.Pod {
	t.Helper()
	pod := &cluster.Pod{
		ID:          id,
		PackID:      "pack-1",
		PackVersion: "2.1.0",
		Incarnation: 1,
		Namespace:   "default",
		Status:      cluster.PodPending,
		ResourceRequests: corev1.ResourceList{
			corev1.ResourceCPU: resource.MustParse("1"),
		},
	}
	if mutate != nil {
		mutate(pod)
	}
	if err := st.CreatePod(context.Background(), pod); err != nil {
		t.Fatalf("seed pod %s: %v", id, err)
	}
	return pod
}

func TestScheduleAvoidsUntoleratedTaint(t *testing.T) {
	sched, st := testScheduler(t)
	ctx := context.Background()

	prod := map[string]string{"env": "prod"}
	seedNode(t, sched, st, testNode("node-a", func(n *cluster.Node) {
		n.Labels = prod
		n.Taints = []corev1.Taint{{Key: "gpu", Value: "a100", Effect: corev1.TaintEffectNoSchedule}}
	}))
	seedNode(t, sched, st, testNode("node-b", func(n *cluster.Node) {
		n.Labels = prod
	}))

	pod := seedPod(t, st, "pod-1", func(p *cluster.Pod) {
		p.Scheduling = &cluster.SchedulingSpec{
			NodeSelector: &metav1.LabelSelector{MatchLabels: prod},
		}
	})

	bound, err := sched.Schedule(ctx, pod, testPack(cluster.TagNodeOnly), "")
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if bound.NodeID != "node-b" {
		t.Fatalf("expected node-b (untainted), got %s", bound.NodeID)
	}
	if bound.Status != cluster.PodScheduled {
		t.Fatalf("expected scheduled, got %s", bound.Status)
	}
}

func TestScheduleWithToleration(t *testing.T) {
	sched, st := testScheduler(t)
	ctx := context.Background()

	seedNode(t, sched, st, testNode("node-a", func(n *cluster.Node) {
		n.Labels = map[string]string{"env": "prod"}
		n.Taints = []corev1.Taint{{Key: "gpu", Value: "a100", Effect: corev1.TaintEffectNoSchedule}}
	}))

	pod := seedPod(t, st, "pod-1", func(p *cluster.Pod) {
		p.Scheduling = &cluster.SchedulingSpec{
			NodeSelector: &metav1.LabelSelector{MatchLabels: map[string]string{"env": "prod"}},
		}
		p.Tolerations = []corev1.Toleration{{
			Key:      "gpu",
			Operator: corev1.TolerationOpEqual,
			Value:    "a100",
			Effect:   corev1.TaintEffectNoSchedule,
		}}
	})

	bound, err := sched.Schedule(ctx, pod, testPack(cluster.TagNodeOnly), "")
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if bound.NodeID != "node-a" {
		t.Fatalf("expected node-a, got %s", bound.NodeID)
	}
}

func TestScheduleRuntimeMismatch(t *testing.T) {
	sched, st := testScheduler(t)

	seedNode(t, sched, st, testNode("node-a", nil))
	pod := seedPod(t, st, "pod-1", nil)

	_, err := sched.Schedule(context.Background(), pod, testPack(cluster.TagBrowserOnly), "")
	if err == nil {
		t.Fatal("expected refusal")
	}
	diag, ok := Refused(err)
	if !ok {
		t.Fatalf("expected NO_COMPATIBLE_NODES diagnosis, got %v", err)
	}
	if diag.PackRuntimeTag != cluster.TagBrowserOnly {
		t.Fatalf("wrong packRuntimeTag: %s", diag.PackRuntimeTag)
	}
	if diag.RequiredRuntime != cluster.RuntimeBrowser {
		t.Fatalf("wrong requiredRuntime: %s", diag.RequiredRuntime)
	}
	if diag.UnmetConstraints[ConstraintRuntime] != 1 {
		t.Fatalf("wrong constraint counts: %v", diag.UnmetConstraints)
	}
}

func TestScheduleRuntimeVersionFloor(t *testing.T) {
	sched, st := testScheduler(t)
	ctx := context.Background()

	seedNode(t, sched, st, testNode("node-old", func(n *cluster.Node) {
		n.Capabilities[cluster.CapabilityVersion] = "1.1.0"
	}))
	seedNode(t, sched, st, testNode("node-new", func(n *cluster.Node) {
		n.Capabilities[cluster.CapabilityVersion] = "1.3.0"
	}))
	seedNode(t, sched, st, testNode("node-unversioned", func(n *cluster.Node) {
		delete(n.Capabilities, cluster.CapabilityVersion)
	}))

	pack := testPack(cluster.TagUniversal)
	pack.Metadata.MinRuntimeVersion = "1.2.0"

	pod := seedPod(t, st, "pod-1", nil)
	bound, err := sched.Schedule(ctx, pod, pack, "")
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if bound.NodeID != "node-new" {
		t.Fatalf("expected node-new, got %s", bound.NodeID)
	}
}

func TestScheduleSkipsUnschedulableAndOfflineNodes(t *testing.T) {
	sched, st := testScheduler(t)

	seedNode(t, sched, st, testNode("node-cordoned", func(n *cluster.Node) {
		n.Unschedulable = true
	}))
	seedNode(t, sched, st, testNode("node-draining", func(n *cluster.Node) {
		n.Status = cluster.NodeDraining
	}))
	seedNode(t, sched, st, testNode("node-dead", func(n *cluster.Node) {
		n.Status = cluster.NodeUnhealthy
	}))

	pod := seedPod(t, st, "pod-1", nil)
	_, err := sched.Schedule(context.Background(), pod, testPack(cluster.TagUniversal), "")
	diag, ok := Refused(err)
	if !ok {
		t.Fatalf("expected refusal, got %v", err)
	}
	if diag.UnmetConstraints[ConstraintStatus] != 3 {
		t.Fatalf("wrong constraint counts: %v", diag.UnmetConstraints)
	}
}

func TestScheduleSelectorAbsentKey(t *testing.T) {
	sched, st := testScheduler(t)

	// No region label at all: NotIn is satisfied by the absent key,
	// Exists is not.
	seedNode(t, sched, st, testNode("node-a", nil))

	notIn := seedPod(t, st, "pod-1", func(p *cluster.Pod) {
		p.Scheduling = &cluster.SchedulingSpec{
			NodeSelector: &metav1.LabelSelector{
				MatchExpressions: []metav1.LabelSelectorRequirement{{
					Key:      "region",
					Operator: metav1.LabelSelectorOpNotIn,
					Values:   []string{"eu-west"},
				}},
			},
		}
	})
	if _, err := sched.Schedule(context.Background(), notIn, testPack(cluster.TagUniversal), ""); err != nil {
		t.Fatalf("NotIn should tolerate absent key: %v", err)
	}

	exists := seedPod(t, st, "pod-2", func(p *cluster.Pod) {
		p.Scheduling = &cluster.SchedulingSpec{
			NodeSelector: &metav1.LabelSelector{
				MatchExpressions: []metav1.LabelSelectorRequirement{{
					Key:      "region",
					Operator: metav1.LabelSelectorOpExists,
				}},
			},
		}
	})
	_, err := sched.Schedule(context.Background(), exists, testPack(cluster.TagUniversal), "")
	diag, ok := Refused(err)
	if !ok {
		t.Fatalf("expected refusal, got %v", err)
	}
	if diag.UnmetConstraints[ConstraintSelector] != 1 {
		t.Fatalf("wrong constraint counts: %v", diag.UnmetConstraints)
	}
}

func TestTieBreakPrefersUntaintedPeer(t *testing.T) {
	sched, st := testScheduler(t)
	ctx := context.Background()

	seedNode(t, sched, st, testNode("node-soft", func(n *cluster.Node) {
		n.Taints = []corev1.Taint{{Key: "spot", Effect: corev1.TaintEffectPreferNoSchedule}}
	}))
	seedNode(t, sched, st, testNode("node-clean", nil))

	pod := seedPod(t, st, "pod-1", nil)
	bound, err := sched.Schedule(ctx, pod, testPack(cluster.TagUniversal), "")
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if bound.NodeID != "node-clean" {
		t.Fatalf("expected node-clean, got %s", bound.NodeID)
	}
}

func TestSoftTaintAloneStaysEligible(t *testing.T) {
	sched, st := testScheduler(t)

	seedNode(t, sched, st, testNode("node-soft", func(n *cluster.Node) {
		n.Taints = []corev1.Taint{{Key: "spot", Effect: corev1.TaintEffectPreferNoSchedule}}
	}))

	pod := seedPod(t, st, "pod-1", nil)
	bound, err := sched.Schedule(context.Background(), pod, testPack(cluster.TagUniversal), "")
	if err != nil {
		t.Fatalf("soft taint must not reject: %v", err)
	}
	if bound.NodeID != "node-soft" {
		t.Fatalf("expected node-soft, got %s", bound.NodeID)
	}
}

func TestTieBreakPrefersIdleNode(t *testing.T) {
	sched, st := testScheduler(t)

	seedNode(t, sched, st, testNode("node-busy", func(n *cluster.Node) {
		n.Allocated = corev1.ResourceList{corev1.ResourceCPU: resource.MustParse("6")}
	}))
	seedNode(t, sched, st, testNode("node-idle", func(n *cluster.Node) {
		n.Allocated = corev1.ResourceList{corev1.ResourceCPU: resource.MustParse("1")}
	}))

	pod := seedPod(t, st, "pod-1", nil)
	bound, err := sched.Schedule(context.Background(), pod, testPack(cluster.TagUniversal), "")
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if bound.NodeID != "node-idle" {
		t.Fatalf("expected node-idle, got %s", bound.NodeID)
	}
}

func TestScheduleChargesAllocation(t *testing.T) {
	sched, st := testScheduler(t)
	ctx := context.Background()

	seedNode(t, sched, st, testNode("node-a", func(n *cluster.Node) {
		n.Allocatable = corev1.ResourceList{corev1.ResourceCPU: resource.MustParse("2")}
	}))

	first := seedPod(t, st, "pod-1", func(p *cluster.Pod) {
		p.ResourceRequests = corev1.ResourceList{corev1.ResourceCPU: resource.MustParse("2")}
	})
	if _, err := sched.Schedule(ctx, first, testPack(cluster.TagUniversal), ""); err != nil {
		t.Fatalf("schedule: %v", err)
	}

	// Store and in-memory view both carry the charge.
	stored, _ := st.GetNode(ctx, "node-a")
	if cpu := stored.Allocated[corev1.ResourceCPU]; cpu.Cmp(resource.MustParse("2")) != 0 {
		t.Fatalf("store allocation not charged: %v", stored.Allocated)
	}
	view := sched.State().Get("node-a")
	if cpu := view.Allocated[corev1.ResourceCPU]; cpu.Cmp(resource.MustParse("2")) != 0 {
		t.Fatalf("view allocation not charged: %v", view.Allocated)
	}

	// The node is now full; the next pod is refused on resources.
	second := seedPod(t, st, "pod-2", func(p *cluster.Pod) {
		p.ResourceRequests = corev1.ResourceList{corev1.ResourceCPU: resource.MustParse("1")}
	})
	_, err := sched.Schedule(ctx, second, testPack(cluster.TagUniversal), "")
	diag, ok := Refused(err)
	if !ok {
		t.Fatalf("expected refusal, got %v", err)
	}
	if diag.UnmetConstraints[ConstraintResources] != 1 {
		t.Fatalf("wrong constraint counts: %v", diag.UnmetConstraints)
	}

	// Releasing the allocation reopens the node.
	sched.State().Release("node-a", first.ResourceRequests)
	if _, err := sched.Schedule(ctx, second, testPack(cluster.TagUniversal), ""); err != nil {
		t.Fatalf("schedule after release: %v", err)
	}
}

func TestScheduleRespectsPackVisibility(t *testing.T) {
	sched, st := testScheduler(t)
	ctx := context.Background()

	seedNode(t, sched, st, testNode("node-a", nil))

	private := testPack(cluster.TagUniversal)
	private.Visibility = cluster.VisibilityPrivate
	private.OwnerID = "alice"

	pod := seedPod(t, st, "pod-1", nil)
	_, err := sched.Schedule(ctx, pod, private, "bob")
	diag, ok := Refused(err)
	if !ok {
		t.Fatalf("expected refusal, got %v", err)
	}
	if diag.UnmetConstraints[ConstraintAccess] != 1 {
		t.Fatalf("wrong constraint counts: %v", diag.UnmetConstraints)
	}

	if _, err := sched.Schedule(ctx, pod, private, "alice"); err != nil {
		t.Fatalf("owner schedule: %v", err)
	}
}

func TestEligibleNodesSkipsResourceFit(t *testing.T) {
	sched, st := testScheduler(t)

	seedNode(t, sched, st, testNode("node-full", func(n *cluster.Node) {
		n.Labels = map[string]string{"env": "prod"}
		n.Allocatable = corev1.ResourceList{corev1.ResourceCPU: resource.MustParse("2")}
		n.Allocated = corev1.ResourceList{corev1.ResourceCPU: resource.MustParse("2")}
	}))
	seedNode(t, sched, st, testNode("node-staging", func(n *cluster.Node) {
		n.Labels = map[string]string{"env": "staging"}
	}))

	template := &cluster.Pod{
		ResourceRequests: corev1.ResourceList{corev1.ResourceCPU: resource.MustParse("1")},
		Scheduling: &cluster.SchedulingSpec{
			NodeSelector: &metav1.LabelSelector{MatchLabels: map[string]string{"env": "prod"}},
		},
	}
	eligible := sched.EligibleNodes(template, testPack(cluster.TagUniversal), "")
	if len(eligible) != 1 || eligible[0].ID != "node-full" {
		t.Fatalf("expected [node-full], got %v", nodeIDs(eligible))
	}
}

func TestStateRebuildReplacesView(t *testing.T) {
	state := NewState()
	state.Upsert(testNode("node-a", func(n *cluster.Node) {
		n.Allocated = corev1.ResourceList{corev1.ResourceCPU: resource.MustParse("4")}
	}))
	state.Upsert(testNode("node-gone", nil))

	state.Rebuild([]*cluster.Node{testNode("node-a", nil)})

	if state.Len() != 1 {
		t.Fatalf("expected 1 node after rebuild, got %d", state.Len())
	}
	n := state.Get("node-a")
	if len(n.Allocated) != 0 {
		t.Fatalf("rebuild kept stale allocation: %v", n.Allocated)
	}
	if state.Get("node-gone") != nil {
		t.Fatal("rebuild kept removed node")
	}
}

func nodeIDs(nodes []*cluster.Node) []string {
	out := make([]string, len(nodes))
	for i, n := range nodes {
		out[i] = n.ID
	}
	return out
}
