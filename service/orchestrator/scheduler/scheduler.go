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

// Package scheduler places pending pods onto nodes. Placement applies the
// filter chain (status, pack access, runtime tag, runtime version floor,
// label selector, taints, resource fit) and breaks ties toward the least
// tainted, most idle node. Binding a pod and charging its resources to the
// node happen in one store operation.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sort"
	"time"

	"github.com/samber/lo"

	"go.corp.nvidia.com/longshore/pkg/cluster"
	"go.corp.nvidia.com/longshore/pkg/resources"
	"go.corp.nvidia.com/longshore/pkg/wire"
	"go.corp.nvidia.com/longshore/service/orchestrator/events"
	"go.corp.nvidia.com/longshore/service/orchestrator/store"
)

// Diagnosis explains a refused placement. It travels as the details object of
// a NO_COMPATIBLE_NODES error so callers can log something actionable.
type Diagnosis struct {
	PackRuntimeTag  cluster.RuntimeTag  `json:"packRuntimeTag"`
	RequiredRuntime cluster.RuntimeType `json:"requiredRuntime,omitempty"`
	// UnmetConstraints counts rejected nodes by the first filter each failed.
	UnmetConstraints map[string]int `json:"unmetConstraints,omitempty"`
}

// Refused extracts the diagnosis from a scheduling error, when it is one.
func Refused(err error) (*Diagnosis, bool) {
	var ep *wire.ErrorPayload
	if !errors.As(err, &ep) || ep.Code != wire.CodeNoCompatibleNodes {
		return nil, false
	}
	d, ok := ep.Details.(*Diagnosis)
	return d, ok
}

// Scheduler owns the in-memory fleet view and the placement decision.
type Scheduler struct {
	state  *State
	store  store.Store
	events *events.Publisher
	logger *slog.Logger
	now    func() time.Time
}

func New(st store.Store, state *State, pub *events.Publisher, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		state:  state,
		store:  st,
		events: pub,
		logger: logger,
		now:    time.Now,
	}
}

// State exposes the fleet view for rebuilds and allocation releases.
func (s *Scheduler) State() *State { return s.state }

// Schedule places one pending pod. On success the pod has transitioned to
// scheduled in the store with the node's allocation charged in the same store
// operation, and the bound pod is returned. On refusal the error is a
// *wire.ErrorPayload with code NO_COMPATIBLE_NODES carrying a *Diagnosis.
func (s *Scheduler) Schedule(ctx context.Context, pod *cluster.Pod, pack *cluster.Pack, owner string) (*cluster.Pod, error) {
	p := newPlacement(pod, pack, owner, true)
	candidates, unmet := s.partition(p)
	if len(candidates) == 0 {
		return nil, &wire.ErrorPayload{
			Code:    wire.CodeNoCompatibleNodes,
			Message: fmt.Sprintf("no compatible nodes for pack %s@%s", pack.Name, pack.Version),
			Details: &Diagnosis{
				PackRuntimeTag:   pack.RuntimeTag,
				RequiredRuntime:  pack.RuntimeTag.RequiredRuntime(),
				UnmetConstraints: unmet,
			},
		}
	}
	rank(p, candidates)

	var lastErr error
	for _, node := range candidates {
		s.state.Commit(node.ID, pod.ResourceRequests)
		bound, err := s.store.BindPod(ctx, pod.ID, node.ID, s.now())
		if err != nil {
			s.state.Release(node.ID, pod.ResourceRequests)
			if errors.Is(err, store.ErrNotFound) {
				// Node vanished between snapshot and bind; try the next.
				lastErr = err
				continue
			}
			return nil, fmt.Errorf("bind pod %s to node %s: %w", pod.ID, node.ID, err)
		}

		s.events.PodScheduled(ctx, bound)
		s.logger.Info("pod scheduled",
			slog.String("pod_id", bound.ID),
			slog.String("node_id", node.ID),
			slog.String("node_name", node.Name),
			slog.String("pack_id", pack.ID),
			slog.String("pack_version", pack.Version),
			slog.Int64("incarnation", bound.Incarnation))
		return bound, nil
	}
	return nil, fmt.Errorf("bind pod %s: %w", pod.ID, lastErr)
}

// EligibleNodes returns every node a daemonset pod template may be pinned to.
// Daemonset pods skip the resource-fit filter because they are pre-assigned
// rather than packed.
func (s *Scheduler) EligibleNodes(template *cluster.Pod, pack *cluster.Pack, owner string) []*cluster.Node {
	p := newPlacement(template, pack, owner, false)
	return lo.Filter(s.state.Snapshot(), func(node *cluster.Node, _ int) bool {
		return p.admit(node) == ""
	})
}

func (s *Scheduler) partition(p placement) ([]*cluster.Node, map[string]int) {
	var eligible []*cluster.Node
	unmet := make(map[string]int)
	for _, node := range s.state.Snapshot() {
		if c := p.admit(node); c != "" {
			unmet[c]++
			continue
		}
		eligible = append(eligible, node)
	}
	return eligible, unmet
}

// rank orders candidates best-first: fewer untolerated PreferNoSchedule
// taints, then more free headroom. Headroom is the smallest per-component
// free fraction, so one exhausted resource sinks the node. Shuffling before
// the stable sort randomizes order among exact ties.
func rank(p placement, nodes []*cluster.Node) {
	rand.Shuffle(len(nodes), func(i, j int) { nodes[i], nodes[j] = nodes[j], nodes[i] })

	type score struct {
		soft int
		free float64
	}
	scores := make(map[string]score, len(nodes))
	for _, n := range nodes {
		scores[n.ID] = score{
			soft: p.softTaints(n),
			free: resources.FreeFraction(n.Allocatable, n.Allocated),
		}
	}
	sort.SliceStable(nodes, func(i, j int) bool {
		a, b := scores[nodes[i].ID], scores[nodes[j].ID]
		if a.soft != b.soft {
			return a.soft < b.soft
		}
		return a.free > b.free
	})
}
