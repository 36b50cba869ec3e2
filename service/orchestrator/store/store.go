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

// Package store defines the persistence boundary of the orchestrator. Two
// implementations exist: MemoryStore for tests and single-process deployments,
// and PostgresStore for production. All methods are safe for concurrent use.
package store

import (
	"context"
	"errors"
	"time"

	"go.corp.nvidia.com/longshore/internal/auth"
	"go.corp.nvidia.com/longshore/pkg/cluster"
)

var (
	// ErrNotFound is returned when a referenced object does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a uniqueness constraint is violated, or
	// when a guarded transition finds the object in an unexpected state.
	ErrConflict = errors.New("conflict")
)

// NodeStore persists node registrations and their lifecycle state.
type NodeStore interface {
	// CreateNode stores a new node. Returns ErrConflict if a node with the
	// same name already exists.
	CreateNode(ctx context.Context, node *cluster.Node) error
	// GetNode looks up a node by ID.
	GetNode(ctx context.Context, nodeID string) (*cluster.Node, error)
	// GetNodeByName looks up a node by its unique name.
	GetNodeByName(ctx context.Context, name string) (*cluster.Node, error)
	// ListNodes returns every registered node.
	ListNodes(ctx context.Context) ([]*cluster.Node, error)
	// UpdateNode persists the given node state.
	UpdateNode(ctx context.Context, node *cluster.Node) error
}

// PackStore persists published pack versions. Pack versions are immutable;
// there is no update.
type PackStore interface {
	// CreatePack stores a new pack version. Returns ErrConflict if the
	// (pack ID, version) pair already exists.
	CreatePack(ctx context.Context, pack *cluster.Pack) error
	// GetPackVersion looks up one version of a pack.
	GetPackVersion(ctx context.Context, packID, version string) (*cluster.Pack, error)
	// GetLatestPack returns the newest version of a pack by semver order.
	GetLatestPack(ctx context.Context, packID string) (*cluster.Pack, error)
	// ListPackVersions returns all versions of a pack, newest first.
	ListPackVersions(ctx context.Context, packID string) ([]*cluster.Pack, error)
	// ListPacks returns the latest version of every pack.
	ListPacks(ctx context.Context) ([]*cluster.Pack, error)
}

// PodStore persists pods and their placements.
type PodStore interface {
	// CreatePod stores a new pod.
	CreatePod(ctx context.Context, pod *cluster.Pod) error
	// GetPod looks up a pod by ID.
	GetPod(ctx context.Context, podID string) (*cluster.Pod, error)
	// UpdatePod persists the pod. A transition into a terminal status
	// releases the pod's resource requests from its node's allocated pool
	// in the same transaction.
	UpdatePod(ctx context.Context, pod *cluster.Pod) error
	// BindPod atomically moves a pending pod to scheduled on the given node
	// and adds its resource requests to the node's allocated pool. Returns
	// ErrConflict if the pod is no longer pending. The returned pod carries
	// the bound placement.
	BindPod(ctx context.Context, podID, nodeID string, at time.Time) (*cluster.Pod, error)
	// ListPodsByDeployment returns every pod of a deployment, terminal
	// included, newest first.
	ListPodsByDeployment(ctx context.Context, deploymentID string) ([]*cluster.Pod, error)
	// ListActivePodsByNode returns the non-terminal pods placed on a node.
	ListActivePodsByNode(ctx context.Context, nodeID string) ([]*cluster.Pod, error)
	// ListActivePods returns every non-terminal pod in the cluster.
	ListActivePods(ctx context.Context) ([]*cluster.Pod, error)
}

// DeploymentStore persists deployments. Deletion is soft: deleted rows keep
// their DeletedAt timestamp and stay readable by ID until garbage-collected.
type DeploymentStore interface {
	// CreateDeployment stores a new deployment. Returns ErrConflict if a
	// live deployment with the same (namespace, name) already exists.
	CreateDeployment(ctx context.Context, deployment *cluster.Deployment) error
	// GetDeployment looks up a deployment by ID, soft-deleted included.
	GetDeployment(ctx context.Context, deploymentID string) (*cluster.Deployment, error)
	// GetDeploymentByName looks up a live deployment by namespace and name.
	GetDeploymentByName(ctx context.Context, namespace, name string) (*cluster.Deployment, error)
	// ListDeployments returns every live (non-deleted) deployment.
	ListDeployments(ctx context.Context) ([]*cluster.Deployment, error)
	// UpdateDeployment persists the deployment.
	UpdateDeployment(ctx context.Context, deployment *cluster.Deployment) error
	// DeleteDeployment soft-deletes a deployment.
	DeleteDeployment(ctx context.Context, deploymentID string, at time.Time) error
	// NextIncarnation atomically increments and returns the deployment's
	// pod incarnation counter.
	NextIncarnation(ctx context.Context, deploymentID string) (int64, error)
}

// Store is the full persistence surface of the orchestrator.
type Store interface {
	NodeStore
	PackStore
	PodStore
	DeploymentStore
	auth.UserDirectory

	// Ping verifies the backing storage is reachable.
	Ping(ctx context.Context) error
	// Close releases the backing storage resources.
	Close()
}
