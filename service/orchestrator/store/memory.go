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

package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.corp.nvidia.com/longshore/internal/auth"
	"go.corp.nvidia.com/longshore/pkg/cluster"
	"go.corp.nvidia.com/longshore/pkg/resources"
)

// MemoryStore is an in-memory Store. Objects are deep-copied on the way in
// and out, so callers never share state with the store.
type MemoryStore struct {
	mu           sync.RWMutex
	nodes        map[string]*cluster.Node       // by ID
	nodeNames    map[string]string              // name -> ID
	packs        map[string][]*cluster.Pack     // pack ID -> versions
	pods         map[string]*cluster.Pod        // by ID
	deployments  map[string]*cluster.Deployment // by ID, soft-deleted included
	incarnations map[string]int64               // deployment ID -> counter
	users        map[string]*auth.User          // by email
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		nodes:        make(map[string]*cluster.Node),
		nodeNames:    make(map[string]string),
		packs:        make(map[string][]*cluster.Pack),
		pods:         make(map[string]*cluster.Pod),
		deployments:  make(map[string]*cluster.Deployment),
		incarnations: make(map[string]int64),
		users:        make(map[string]*auth.User),
	}
}

var _ Store = (*MemoryStore)(nil)

func (s *MemoryStore) CreateNode(_ context.Context, node *cluster.Node) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.nodeNames[node.Name]; ok {
		return fmt.Errorf("node name %q: %w", node.Name, ErrConflict)
	}
	s.nodes[node.ID] = node.Clone()
	s.nodeNames[node.Name] = node.ID
	return nil
}

func (s *MemoryStore) GetNode(_ context.Context, nodeID string) (*cluster.Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	node, ok := s.nodes[nodeID]
	if !ok {
		return nil, fmt.Errorf("node %s: %w", nodeID, ErrNotFound)
	}
	return node.Clone(), nil
}

func (s *MemoryStore) GetNodeByName(_ context.Context, name string) (*cluster.Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.nodeNames[name]
	if !ok {
		return nil, fmt.Errorf("node name %s: %w", name, ErrNotFound)
	}
	return s.nodes[id].Clone(), nil
}

func (s *MemoryStore) ListNodes(_ context.Context) ([]*cluster.Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*cluster.Node, 0, len(s.nodes))
	for _, node := range s.nodes {
		out = append(out, node.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *MemoryStore) UpdateNode(_ context.Context, node *cluster.Node) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.nodes[node.ID]; !ok {
		return fmt.Errorf("node %s: %w", node.ID, ErrNotFound)
	}
	s.nodes[node.ID] = node.Clone()
	return nil
}

func (s *MemoryStore) CreatePack(_ context.Context, pack *cluster.Pack) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.packs[pack.ID] {
		if existing.Version == pack.Version {
			return fmt.Errorf("pack %s version %s: %w", pack.ID, pack.Version, ErrConflict)
		}
	}
	s.packs[pack.ID] = append(s.packs[pack.ID], clonePack(pack))
	return nil
}

func (s *MemoryStore) GetPackVersion(_ context.Context, packID, version string) (*cluster.Pack, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, pack := range s.packs[packID] {
		if pack.Version == version {
			return clonePack(pack), nil
		}
	}
	return nil, fmt.Errorf("pack %s version %s: %w", packID, version, ErrNotFound)
}

func (s *MemoryStore) GetLatestPack(_ context.Context, packID string) (*cluster.Pack, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	latest := latestOf(s.packs[packID])
	if latest == nil {
		return nil, fmt.Errorf("pack %s: %w", packID, ErrNotFound)
	}
	return clonePack(latest), nil
}

func (s *MemoryStore) ListPackVersions(_ context.Context, packID string) ([]*cluster.Pack, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	versions := s.packs[packID]
	if len(versions) == 0 {
		return nil, fmt.Errorf("pack %s: %w", packID, ErrNotFound)
	}

	out := make([]*cluster.Pack, 0, len(versions))
	for _, pack := range versions {
		out = append(out, clonePack(pack))
	}
	sortPacksNewestFirst(out)
	return out, nil
}

func (s *MemoryStore) ListPacks(_ context.Context) ([]*cluster.Pack, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*cluster.Pack, 0, len(s.packs))
	for _, versions := range s.packs {
		if latest := latestOf(versions); latest != nil {
			out = append(out, clonePack(latest))
		}
	}
	sortPacksByName(out)
	return out, nil
}

func sortPacksNewestFirst(packs []*cluster.Pack) {
	sort.Slice(packs, func(i, j int) bool {
		return cluster.VersionNewer(packs[i].Version, packs[j].Version)
	})
}

func sortPacksByName(packs []*cluster.Pack) {
	sort.Slice(packs, func(i, j int) bool { return packs[i].Name < packs[j].Name })
}

// latestOf picks the newest version by semver order. Caller holds the lock.
func latestOf(versions []*cluster.Pack) *cluster.Pack {
	var latest *cluster.Pack
	for _, pack := range versions {
		if latest == nil || cluster.VersionNewer(pack.Version, latest.Version) {
			latest = pack
		}
	}
	return latest
}

func clonePack(p *cluster.Pack) *cluster.Pack {
	out := *p
	if p.Bundle != nil {
		out.Bundle = make([]byte, len(p.Bundle))
		copy(out.Bundle, p.Bundle)
	}
	if p.Metadata.Env != nil {
		env := make(map[string]string, len(p.Metadata.Env))
		for k, v := range p.Metadata.Env {
			env[k] = v
		}
		out.Metadata.Env = env
	}
	return &out
}

func (s *MemoryStore) CreatePod(_ context.Context, pod *cluster.Pod) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.pods[pod.ID]; ok {
		return fmt.Errorf("pod %s: %w", pod.ID, ErrConflict)
	}
	s.pods[pod.ID] = pod.Clone()
	return nil
}

func (s *MemoryStore) GetPod(_ context.Context, podID string) (*cluster.Pod, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	pod, ok := s.pods[podID]
	if !ok {
		return nil, fmt.Errorf("pod %s: %w", podID, ErrNotFound)
	}
	return pod.Clone(), nil
}

func (s *MemoryStore) UpdatePod(_ context.Context, pod *cluster.Pod) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, ok := s.pods[pod.ID]
	if !ok {
		return fmt.Errorf("pod %s: %w", pod.ID, ErrNotFound)
	}

	// Entering a terminal status releases the placement's resources.
	if prev.Status.Placed() && pod.Status.Terminal() {
		s.releaseLocked(prev)
	}
	s.pods[pod.ID] = pod.Clone()
	return nil
}

func (s *MemoryStore) BindPod(_ context.Context, podID, nodeID string, at time.Time) (*cluster.Pod, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	pod, ok := s.pods[podID]
	if !ok {
		return nil, fmt.Errorf("pod %s: %w", podID, ErrNotFound)
	}
	if pod.Status != cluster.PodPending {
		return nil, fmt.Errorf("pod %s is %s, not pending: %w", podID, pod.Status, ErrConflict)
	}
	node, ok := s.nodes[nodeID]
	if !ok {
		return nil, fmt.Errorf("node %s: %w", nodeID, ErrNotFound)
	}

	pod.Status = cluster.PodScheduled
	pod.NodeID = nodeID
	pod.ScheduledAt = &at
	pod.UpdatedAt = at
	node.Allocated = resources.Merge(node.Allocated, pod.ResourceRequests)
	node.UpdatedAt = at

	return pod.Clone(), nil
}

func (s *MemoryStore) ListPodsByDeployment(_ context.Context, deploymentID string) ([]*cluster.Pod, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*cluster.Pod
	for _, pod := range s.pods {
		if pod.DeploymentID == deploymentID {
			out = append(out, pod.Clone())
		}
	}
	sortPodsNewestFirst(out)
	return out, nil
}

func (s *MemoryStore) ListActivePodsByNode(_ context.Context, nodeID string) ([]*cluster.Pod, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*cluster.Pod
	for _, pod := range s.pods {
		if pod.NodeID == nodeID && pod.Status.Active() {
			out = append(out, pod.Clone())
		}
	}
	sortPodsNewestFirst(out)
	return out, nil
}

func (s *MemoryStore) ListActivePods(_ context.Context) ([]*cluster.Pod, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*cluster.Pod
	for _, pod := range s.pods {
		if pod.Status.Active() {
			out = append(out, pod.Clone())
		}
	}
	sortPodsNewestFirst(out)
	return out, nil
}

// releaseLocked subtracts a placed pod's requests from its node's allocated
// pool. Caller holds the write lock.
func (s *MemoryStore) releaseLocked(pod *cluster.Pod) {
	node, ok := s.nodes[pod.NodeID]
	if !ok {
		return
	}
	node.Allocated = resources.Subtract(node.Allocated, pod.ResourceRequests)
}

func sortPodsNewestFirst(pods []*cluster.Pod) {
	sort.Slice(pods, func(i, j int) bool {
		if !pods[i].CreatedAt.Equal(pods[j].CreatedAt) {
			return pods[i].CreatedAt.After(pods[j].CreatedAt)
		}
		return pods[i].ID < pods[j].ID
	})
}

func (s *MemoryStore) CreateDeployment(_ context.Context, deployment *cluster.Deployment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.deployments {
		if existing.DeletedAt == nil &&
			existing.Namespace == deployment.Namespace &&
			existing.Name == deployment.Name {
			return fmt.Errorf("deployment %s/%s: %w", deployment.Namespace, deployment.Name, ErrConflict)
		}
	}
	s.deployments[deployment.ID] = deployment.Clone()
	return nil
}

func (s *MemoryStore) GetDeployment(_ context.Context, deploymentID string) (*cluster.Deployment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	deployment, ok := s.deployments[deploymentID]
	if !ok {
		return nil, fmt.Errorf("deployment %s: %w", deploymentID, ErrNotFound)
	}
	return deployment.Clone(), nil
}

func (s *MemoryStore) GetDeploymentByName(_ context.Context, namespace, name string) (*cluster.Deployment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, deployment := range s.deployments {
		if deployment.DeletedAt == nil &&
			deployment.Namespace == namespace &&
			deployment.Name == name {
			return deployment.Clone(), nil
		}
	}
	return nil, fmt.Errorf("deployment %s/%s: %w", namespace, name, ErrNotFound)
}

func (s *MemoryStore) ListDeployments(_ context.Context) ([]*cluster.Deployment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*cluster.Deployment
	for _, deployment := range s.deployments {
		if deployment.DeletedAt == nil {
			out = append(out, deployment.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Namespace != out[j].Namespace {
			return out[i].Namespace < out[j].Namespace
		}
		return out[i].Name < out[j].Name
	})
	return out, nil
}

func (s *MemoryStore) UpdateDeployment(_ context.Context, deployment *cluster.Deployment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.deployments[deployment.ID]; !ok {
		return fmt.Errorf("deployment %s: %w", deployment.ID, ErrNotFound)
	}
	s.deployments[deployment.ID] = deployment.Clone()
	return nil
}

func (s *MemoryStore) DeleteDeployment(_ context.Context, deploymentID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	deployment, ok := s.deployments[deploymentID]
	if !ok {
		return fmt.Errorf("deployment %s: %w", deploymentID, ErrNotFound)
	}
	if deployment.DeletedAt == nil {
		deployment.DeletedAt = &at
		deployment.UpdatedAt = at
	}
	return nil
}

func (s *MemoryStore) NextIncarnation(_ context.Context, deploymentID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.deployments[deploymentID]; !ok {
		return 0, fmt.Errorf("deployment %s: %w", deploymentID, ErrNotFound)
	}
	s.incarnations[deploymentID]++
	return s.incarnations[deploymentID], nil
}

func (s *MemoryStore) CreateUser(_ context.Context, user *auth.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.users[user.Email]; ok {
		return fmt.Errorf("user %s: %w", user.Email, ErrConflict)
	}
	clone := *user
	clone.Roles = append([]string(nil), user.Roles...)
	s.users[user.Email] = &clone
	return nil
}

func (s *MemoryStore) GetUserByEmail(_ context.Context, email string) (*auth.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	user, ok := s.users[email]
	if !ok {
		return nil, fmt.Errorf("user %s: %w", email, ErrNotFound)
	}
	clone := *user
	clone.Roles = append([]string(nil), user.Roles...)
	return &clone, nil
}

func (s *MemoryStore) CountUsers(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.users), nil
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

func (s *MemoryStore) Close() {}
