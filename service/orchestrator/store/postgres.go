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
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	corev1 "k8s.io/api/core/v1"

	"go.corp.nvidia.com/longshore/internal/auth"
	"go.corp.nvidia.com/longshore/pkg/cluster"
	"go.corp.nvidia.com/longshore/pkg/resources"
	"go.corp.nvidia.com/longshore/utils/postgres"
)

// schemaSQL is the orchestrator schema, applied idempotently at startup.
// Structured fields (labels, taints, resource lists) are stored as JSONB
// with the same encoding the API uses.
const schemaSQL = `
CREATE TABLE IF NOT EXISTS nodes (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL UNIQUE,
    runtime_type TEXT NOT NULL,
    status TEXT NOT NULL,
    last_heartbeat TIMESTAMPTZ NOT NULL,
    capabilities JSONB,
    allocatable JSONB,
    allocated JSONB,
    labels JSONB,
    annotations JSONB,
    taints JSONB,
    unschedulable BOOLEAN NOT NULL DEFAULT FALSE,
    connection_id TEXT NOT NULL DEFAULT '',
    registered_by TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMPTZ NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS packs (
    id TEXT NOT NULL,
    name TEXT NOT NULL,
    version TEXT NOT NULL,
    runtime_tag TEXT NOT NULL,
    bundle BYTEA,
    bundle_path TEXT NOT NULL DEFAULT '',
    metadata JSONB,
    owner_id TEXT NOT NULL DEFAULT '',
    visibility TEXT NOT NULL,
    created_at TIMESTAMPTZ NOT NULL,
    PRIMARY KEY (id, version)
);

CREATE TABLE IF NOT EXISTS pods (
    id TEXT PRIMARY KEY,
    pack_id TEXT NOT NULL,
    pack_version TEXT NOT NULL,
    deployment_id TEXT NOT NULL DEFAULT '',
    incarnation BIGINT NOT NULL,
    namespace TEXT NOT NULL,
    status TEXT NOT NULL,
    node_id TEXT NOT NULL DEFAULT '',
    resource_requests JSONB,
    resource_limits JSONB,
    labels JSONB,
    annotations JSONB,
    tolerations JSONB,
    scheduling JSONB,
    termination_reason TEXT NOT NULL DEFAULT '',
    status_message TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMPTZ NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL,
    scheduled_at TIMESTAMPTZ,
    started_at TIMESTAMPTZ,
    finished_at TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS pods_deployment_idx ON pods (deployment_id);
CREATE INDEX IF NOT EXISTS pods_node_idx ON pods (node_id);
CREATE INDEX IF NOT EXISTS pods_active_idx ON pods (status)
    WHERE status NOT IN ('stopped', 'failed', 'evicted');

CREATE TABLE IF NOT EXISTS deployments (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    namespace TEXT NOT NULL,
    pack_id TEXT NOT NULL,
    pack_version TEXT NOT NULL,
    replicas INT NOT NULL,
    pod_labels JSONB,
    pod_annotations JSONB,
    tolerations JSONB,
    resource_requests JSONB,
    resource_limits JSONB,
    scheduling JSONB,
    follow_latest BOOLEAN NOT NULL DEFAULT FALSE,
    last_successful_version TEXT NOT NULL DEFAULT '',
    consecutive_failures INT NOT NULL DEFAULT 0,
    failed_version TEXT NOT NULL DEFAULT '',
    failure_backoff_until TIMESTAMPTZ,
    status TEXT NOT NULL,
    ready_replicas INT NOT NULL DEFAULT 0,
    available_replicas INT NOT NULL DEFAULT 0,
    total_replicas INT NOT NULL DEFAULT 0,
    owner_id TEXT NOT NULL DEFAULT '',
    incarnation BIGINT NOT NULL DEFAULT 0,
    created_at TIMESTAMPTZ NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL,
    deleted_at TIMESTAMPTZ
);
CREATE UNIQUE INDEX IF NOT EXISTS deployments_live_name_idx
    ON deployments (namespace, name) WHERE deleted_at IS NULL;

CREATE TABLE IF NOT EXISTS users (
    id TEXT PRIMARY KEY,
    email TEXT NOT NULL UNIQUE,
    name TEXT NOT NULL DEFAULT '',
    password_hash TEXT NOT NULL,
    roles JSONB,
    created_at TIMESTAMPTZ NOT NULL
);
`

// querier is satisfied by both pgxpool.Pool and pgx.Tx, so the same query
// helpers serve plain and transactional paths.
type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PostgresStore is the production Store backed by PostgreSQL.
type PostgresStore struct {
	client *postgres.PostgresClient
	logger *slog.Logger
}

// NewPostgresStore wraps an existing postgres client.
func NewPostgresStore(client *postgres.PostgresClient, logger *slog.Logger) *PostgresStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresStore{client: client, logger: logger}
}

var _ Store = (*PostgresStore)(nil)

// EnsureSchema applies the schema. Safe to call on every startup.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.client.Pool().Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	s.logger.Info("database schema ensured")
	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx)
}

func (s *PostgresStore) Close() {
	s.client.Close()
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// Nodes

const nodeColumns = `id, name, runtime_type, status, last_heartbeat, capabilities,
    allocatable, allocated, labels, annotations, taints, unschedulable,
    connection_id, registered_by, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanNode(row rowScanner) (*cluster.Node, error) {
	var node cluster.Node
	var capabilities, allocatable, allocated, labels, annotations, taints []byte

	err := row.Scan(
		&node.ID, &node.Name, &node.RuntimeType, &node.Status, &node.LastHeartbeat,
		&capabilities, &allocatable, &allocated, &labels, &annotations, &taints,
		&node.Unschedulable, &node.ConnectionID, &node.RegisteredBy,
		&node.CreatedAt, &node.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	for _, field := range []struct {
		raw  []byte
		dest any
	}{
		{capabilities, &node.Capabilities},
		{allocatable, &node.Allocatable},
		{allocated, &node.Allocated},
		{labels, &node.Labels},
		{annotations, &node.Annotations},
		{taints, &node.Taints},
	} {
		if len(field.raw) == 0 {
			continue
		}
		if err := json.Unmarshal(field.raw, field.dest); err != nil {
			return nil, fmt.Errorf("decode node %s field: %w", node.ID, err)
		}
	}
	return &node, nil
}

func nodeArgs(node *cluster.Node) ([]any, error) {
	capabilities, err := json.Marshal(node.Capabilities)
	if err != nil {
		return nil, fmt.Errorf("encode capabilities: %w", err)
	}
	allocatable, err := json.Marshal(node.Allocatable)
	if err != nil {
		return nil, fmt.Errorf("encode allocatable: %w", err)
	}
	allocated, err := json.Marshal(node.Allocated)
	if err != nil {
		return nil, fmt.Errorf("encode allocated: %w", err)
	}
	labels, err := json.Marshal(node.Labels)
	if err != nil {
		return nil, fmt.Errorf("encode labels: %w", err)
	}
	annotations, err := json.Marshal(node.Annotations)
	if err != nil {
		return nil, fmt.Errorf("encode annotations: %w", err)
	}
	taints, err := json.Marshal(node.Taints)
	if err != nil {
		return nil, fmt.Errorf("encode taints: %w", err)
	}
	return []any{
		node.ID, node.Name, node.RuntimeType, node.Status, node.LastHeartbeat,
		capabilities, allocatable, allocated, labels, annotations, taints,
		node.Unschedulable, node.ConnectionID, node.RegisteredBy,
		node.CreatedAt, node.UpdatedAt,
	}, nil
}

func (s *PostgresStore) CreateNode(ctx context.Context, node *cluster.Node) error {
	args, err := nodeArgs(node)
	if err != nil {
		return err
	}
	query := `INSERT INTO nodes (` + nodeColumns + `)
	          VALUES ($1, $2, $3, $4, $5, $6::jsonb, $7::jsonb, $8::jsonb,
	                  $9::jsonb, $10::jsonb, $11::jsonb, $12, $13, $14, $15, $16)`
	if _, err := s.client.Pool().Exec(ctx, query, args...); err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("node name %q: %w", node.Name, ErrConflict)
		}
		return fmt.Errorf("create node: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetNode(ctx context.Context, nodeID string) (*cluster.Node, error) {
	query := `SELECT ` + nodeColumns + ` FROM nodes WHERE id = $1`
	node, err := scanNode(s.client.Pool().QueryRow(ctx, query, nodeID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("node %s: %w", nodeID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get node: %w", err)
	}
	return node, nil
}

func (s *PostgresStore) GetNodeByName(ctx context.Context, name string) (*cluster.Node, error) {
	query := `SELECT ` + nodeColumns + ` FROM nodes WHERE name = $1`
	node, err := scanNode(s.client.Pool().QueryRow(ctx, query, name))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("node name %s: %w", name, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get node by name: %w", err)
	}
	return node, nil
}

func (s *PostgresStore) ListNodes(ctx context.Context) ([]*cluster.Node, error) {
	query := `SELECT ` + nodeColumns + ` FROM nodes ORDER BY name`
	rows, err := s.client.Pool().Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list nodes: %w", err)
	}
	defer rows.Close()

	var out []*cluster.Node
	for rows.Next() {
		node, err := scanNode(rows)
		if err != nil {
			return nil, fmt.Errorf("scan node: %w", err)
		}
		out = append(out, node)
	}
	return out, rows.Err()
}

func (s *PostgresStore) UpdateNode(ctx context.Context, node *cluster.Node) error {
	args, err := nodeArgs(node)
	if err != nil {
		return err
	}
	query := `UPDATE nodes SET
	            name = $2, runtime_type = $3, status = $4, last_heartbeat = $5,
	            capabilities = $6::jsonb, allocatable = $7::jsonb, allocated = $8::jsonb,
	            labels = $9::jsonb, annotations = $10::jsonb, taints = $11::jsonb,
	            unschedulable = $12, connection_id = $13, registered_by = $14,
	            created_at = $15, updated_at = $16
	          WHERE id = $1`
	tag, err := s.client.Pool().Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update node: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("node %s: %w", node.ID, ErrNotFound)
	}
	return nil
}

// Packs

const packColumns = `id, name, version, runtime_tag, bundle, bundle_path,
    metadata, owner_id, visibility, created_at`

func scanPack(row rowScanner) (*cluster.Pack, error) {
	var pack cluster.Pack
	var metadata []byte

	err := row.Scan(
		&pack.ID, &pack.Name, &pack.Version, &pack.RuntimeTag, &pack.Bundle,
		&pack.BundlePath, &metadata, &pack.OwnerID, &pack.Visibility, &pack.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &pack.Metadata); err != nil {
			return nil, fmt.Errorf("decode pack %s metadata: %w", pack.ID, err)
		}
	}
	return &pack, nil
}

func (s *PostgresStore) CreatePack(ctx context.Context, pack *cluster.Pack) error {
	metadata, err := json.Marshal(pack.Metadata)
	if err != nil {
		return fmt.Errorf("encode pack metadata: %w", err)
	}
	query := `INSERT INTO packs (` + packColumns + `)
	          VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb, $8, $9, $10)`
	_, err = s.client.Pool().Exec(ctx, query,
		pack.ID, pack.Name, pack.Version, pack.RuntimeTag, pack.Bundle,
		pack.BundlePath, metadata, pack.OwnerID, pack.Visibility, pack.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("pack %s version %s: %w", pack.ID, pack.Version, ErrConflict)
		}
		return fmt.Errorf("create pack: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetPackVersion(ctx context.Context, packID, version string) (*cluster.Pack, error) {
	query := `SELECT ` + packColumns + ` FROM packs WHERE id = $1 AND version = $2`
	pack, err := scanPack(s.client.Pool().QueryRow(ctx, query, packID, version))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("pack %s version %s: %w", packID, version, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get pack version: %w", err)
	}
	return pack, nil
}

// GetLatestPack orders versions by semver in Go; lexical TEXT ordering would
// put 0.10.0 before 0.2.0.
func (s *PostgresStore) GetLatestPack(ctx context.Context, packID string) (*cluster.Pack, error) {
	versions, err := s.ListPackVersions(ctx, packID)
	if err != nil {
		return nil, err
	}
	return versions[0], nil
}

func (s *PostgresStore) ListPackVersions(ctx context.Context, packID string) ([]*cluster.Pack, error) {
	query := `SELECT ` + packColumns + ` FROM packs WHERE id = $1`
	rows, err := s.client.Pool().Query(ctx, query, packID)
	if err != nil {
		return nil, fmt.Errorf("list pack versions: %w", err)
	}
	defer rows.Close()

	var out []*cluster.Pack
	for rows.Next() {
		pack, err := scanPack(rows)
		if err != nil {
			return nil, fmt.Errorf("scan pack: %w", err)
		}
		out = append(out, pack)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("pack %s: %w", packID, ErrNotFound)
	}

	sortPacksNewestFirst(out)
	return out, nil
}

func (s *PostgresStore) ListPacks(ctx context.Context) ([]*cluster.Pack, error) {
	query := `SELECT ` + packColumns + ` FROM packs`
	rows, err := s.client.Pool().Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list packs: %w", err)
	}
	defer rows.Close()

	byID := make(map[string]*cluster.Pack)
	for rows.Next() {
		pack, err := scanPack(rows)
		if err != nil {
			return nil, fmt.Errorf("scan pack: %w", err)
		}
		latest, ok := byID[pack.ID]
		if !ok || cluster.VersionNewer(pack.Version, latest.Version) {
			byID[pack.ID] = pack
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]*cluster.Pack, 0, len(byID))
	for _, pack := range byID {
		out = append(out, pack)
	}
	sortPacksByName(out)
	return out, nil
}

// Pods

const podColumns = `id, pack_id, pack_version, deployment_id, incarnation,
    namespace, status, node_id, resource_requests, resource_limits, labels,
    annotations, tolerations, scheduling, termination_reason, status_message,
    created_at, updated_at, scheduled_at, started_at, finished_at`

func scanPod(row rowScanner) (*cluster.Pod, error) {
	var pod cluster.Pod
	var requests, limits, labels, annotations, tolerations, scheduling []byte

	err := row.Scan(
		&pod.ID, &pod.PackID, &pod.PackVersion, &pod.DeploymentID, &pod.Incarnation,
		&pod.Namespace, &pod.Status, &pod.NodeID, &requests, &limits, &labels,
		&annotations, &tolerations, &scheduling, &pod.TerminationReason,
		&pod.StatusMessage, &pod.CreatedAt, &pod.UpdatedAt,
		&pod.ScheduledAt, &pod.StartedAt, &pod.FinishedAt,
	)
	if err != nil {
		return nil, err
	}

	for _, field := range []struct {
		raw  []byte
		dest any
	}{
		{requests, &pod.ResourceRequests},
		{limits, &pod.ResourceLimits},
		{labels, &pod.Labels},
		{annotations, &pod.Annotations},
		{tolerations, &pod.Tolerations},
		{scheduling, &pod.Scheduling},
	} {
		if len(field.raw) == 0 {
			continue
		}
		if err := json.Unmarshal(field.raw, field.dest); err != nil {
			return nil, fmt.Errorf("decode pod %s field: %w", pod.ID, err)
		}
	}
	return &pod, nil
}

func podArgs(pod *cluster.Pod) ([]any, error) {
	requests, err := json.Marshal(pod.ResourceRequests)
	if err != nil {
		return nil, fmt.Errorf("encode resource requests: %w", err)
	}
	limits, err := json.Marshal(pod.ResourceLimits)
	if err != nil {
		return nil, fmt.Errorf("encode resource limits: %w", err)
	}
	labels, err := json.Marshal(pod.Labels)
	if err != nil {
		return nil, fmt.Errorf("encode labels: %w", err)
	}
	annotations, err := json.Marshal(pod.Annotations)
	if err != nil {
		return nil, fmt.Errorf("encode annotations: %w", err)
	}
	tolerations, err := json.Marshal(pod.Tolerations)
	if err != nil {
		return nil, fmt.Errorf("encode tolerations: %w", err)
	}
	scheduling, err := json.Marshal(pod.Scheduling)
	if err != nil {
		return nil, fmt.Errorf("encode scheduling: %w", err)
	}
	return []any{
		pod.ID, pod.PackID, pod.PackVersion, pod.DeploymentID, pod.Incarnation,
		pod.Namespace, pod.Status, pod.NodeID, requests, limits, labels,
		annotations, tolerations, scheduling, pod.TerminationReason,
		pod.StatusMessage, pod.CreatedAt, pod.UpdatedAt,
		pod.ScheduledAt, pod.StartedAt, pod.FinishedAt,
	}, nil
}

func (s *PostgresStore) CreatePod(ctx context.Context, pod *cluster.Pod) error {
	args, err := podArgs(pod)
	if err != nil {
		return err
	}
	query := `INSERT INTO pods (` + podColumns + `)
	          VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9::jsonb, $10::jsonb,
	                  $11::jsonb, $12::jsonb, $13::jsonb, $14::jsonb, $15, $16,
	                  $17, $18, $19, $20, $21)`
	if _, err := s.client.Pool().Exec(ctx, query, args...); err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("pod %s: %w", pod.ID, ErrConflict)
		}
		return fmt.Errorf("create pod: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetPod(ctx context.Context, podID string) (*cluster.Pod, error) {
	query := `SELECT ` + podColumns + ` FROM pods WHERE id = $1`
	pod, err := scanPod(s.client.Pool().QueryRow(ctx, query, podID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("pod %s: %w", podID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get pod: %w", err)
	}
	return pod, nil
}

// UpdatePod persists the pod. When the stored pod is placed and the update
// makes it terminal, the node's allocated pool shrinks in the same
// transaction.
func (s *PostgresStore) UpdatePod(ctx context.Context, pod *cluster.Pod) error {
	tx, err := s.client.Pool().Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var prevStatus cluster.PodStatus
	var prevNodeID string
	var prevRequests []byte
	err = tx.QueryRow(ctx,
		`SELECT status, node_id, resource_requests FROM pods WHERE id = $1 FOR UPDATE`,
		pod.ID,
	).Scan(&prevStatus, &prevNodeID, &prevRequests)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("pod %s: %w", pod.ID, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("lock pod: %w", err)
	}

	if prevStatus.Placed() && pod.Status.Terminal() && prevNodeID != "" {
		var requests corev1.ResourceList
		if len(prevRequests) > 0 {
			if err := json.Unmarshal(prevRequests, &requests); err != nil {
				return fmt.Errorf("decode pod requests: %w", err)
			}
		}
		if err := releaseAllocated(ctx, tx, prevNodeID, requests); err != nil {
			return err
		}
	}

	args, err := podArgs(pod)
	if err != nil {
		return err
	}
	query := `UPDATE pods SET
	            pack_id = $2, pack_version = $3, deployment_id = $4, incarnation = $5,
	            namespace = $6, status = $7, node_id = $8, resource_requests = $9::jsonb,
	            resource_limits = $10::jsonb, labels = $11::jsonb, annotations = $12::jsonb,
	            tolerations = $13::jsonb, scheduling = $14::jsonb, termination_reason = $15,
	            status_message = $16, created_at = $17, updated_at = $18,
	            scheduled_at = $19, started_at = $20, finished_at = $21
	          WHERE id = $1`
	if _, err := tx.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("update pod: %w", err)
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) BindPod(ctx context.Context, podID, nodeID string, at time.Time) (*cluster.Pod, error) {
	tx, err := s.client.Pool().Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	query := `SELECT ` + podColumns + ` FROM pods WHERE id = $1 FOR UPDATE`
	pod, err := scanPod(tx.QueryRow(ctx, query, podID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("pod %s: %w", podID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("lock pod: %w", err)
	}
	if pod.Status != cluster.PodPending {
		return nil, fmt.Errorf("pod %s is %s, not pending: %w", podID, pod.Status, ErrConflict)
	}

	var allocatedRaw []byte
	err = tx.QueryRow(ctx, `SELECT allocated FROM nodes WHERE id = $1 FOR UPDATE`, nodeID).
		Scan(&allocatedRaw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("node %s: %w", nodeID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("lock node: %w", err)
	}

	var allocated corev1.ResourceList
	if len(allocatedRaw) > 0 {
		if err := json.Unmarshal(allocatedRaw, &allocated); err != nil {
			return nil, fmt.Errorf("decode node allocated: %w", err)
		}
	}
	merged, err := json.Marshal(resources.Merge(allocated, pod.ResourceRequests))
	if err != nil {
		return nil, fmt.Errorf("encode node allocated: %w", err)
	}
	_, err = tx.Exec(ctx,
		`UPDATE nodes SET allocated = $1::jsonb, updated_at = $2 WHERE id = $3`,
		merged, at, nodeID,
	)
	if err != nil {
		return nil, fmt.Errorf("update node allocated: %w", err)
	}

	pod.Status = cluster.PodScheduled
	pod.NodeID = nodeID
	pod.ScheduledAt = &at
	pod.UpdatedAt = at
	_, err = tx.Exec(ctx,
		`UPDATE pods SET status = $1, node_id = $2, scheduled_at = $3, updated_at = $3
		 WHERE id = $4`,
		pod.Status, nodeID, at, podID,
	)
	if err != nil {
		return nil, fmt.Errorf("bind pod: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return pod, nil
}

// releaseAllocated subtracts requests from the node's allocated pool inside
// the caller's transaction. A vanished node is not an error.
func releaseAllocated(ctx context.Context, q querier, nodeID string, requests corev1.ResourceList) error {
	var allocatedRaw []byte
	err := q.QueryRow(ctx, `SELECT allocated FROM nodes WHERE id = $1 FOR UPDATE`, nodeID).
		Scan(&allocatedRaw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("lock node: %w", err)
	}

	var allocated corev1.ResourceList
	if len(allocatedRaw) > 0 {
		if err := json.Unmarshal(allocatedRaw, &allocated); err != nil {
			return fmt.Errorf("decode node allocated: %w", err)
		}
	}
	remaining, err := json.Marshal(resources.Subtract(allocated, requests))
	if err != nil {
		return fmt.Errorf("encode node allocated: %w", err)
	}
	if _, err := q.Exec(ctx,
		`UPDATE nodes SET allocated = $1::jsonb WHERE id = $2`, remaining, nodeID,
	); err != nil {
		return fmt.Errorf("release node allocated: %w", err)
	}
	return nil
}

const activeStatusFilter = `status NOT IN ('stopped', 'failed', 'evicted')`

func (s *PostgresStore) ListPodsByDeployment(ctx context.Context, deploymentID string) ([]*cluster.Pod, error) {
	query := `SELECT ` + podColumns + ` FROM pods
	          WHERE deployment_id = $1 ORDER BY created_at DESC, id`
	return s.queryPods(ctx, query, deploymentID)
}

func (s *PostgresStore) ListActivePodsByNode(ctx context.Context, nodeID string) ([]*cluster.Pod, error) {
	query := `SELECT ` + podColumns + ` FROM pods
	          WHERE node_id = $1 AND ` + activeStatusFilter + ` ORDER BY created_at DESC, id`
	return s.queryPods(ctx, query, nodeID)
}

func (s *PostgresStore) ListActivePods(ctx context.Context) ([]*cluster.Pod, error) {
	query := `SELECT ` + podColumns + ` FROM pods
	          WHERE ` + activeStatusFilter + ` ORDER BY created_at DESC, id`
	return s.queryPods(ctx, query)
}

func (s *PostgresStore) queryPods(ctx context.Context, query string, args ...any) ([]*cluster.Pod, error) {
	rows, err := s.client.Pool().Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list pods: %w", err)
	}
	defer rows.Close()

	var out []*cluster.Pod
	for rows.Next() {
		pod, err := scanPod(rows)
		if err != nil {
			return nil, fmt.Errorf("scan pod: %w", err)
		}
		out = append(out, pod)
	}
	return out, rows.Err()
}

// Deployments

const deploymentColumns = `id, name, namespace, pack_id, pack_version, replicas,
    pod_labels, pod_annotations, tolerations, resource_requests, resource_limits,
    scheduling, follow_latest, last_successful_version, consecutive_failures,
    failed_version, failure_backoff_until, status, ready_replicas,
    available_replicas, total_replicas, owner_id, created_at, updated_at, deleted_at`

func scanDeployment(row rowScanner) (*cluster.Deployment, error) {
	var d cluster.Deployment
	var podLabels, podAnnotations, tolerations, requests, limits, scheduling []byte

	err := row.Scan(
		&d.ID, &d.Name, &d.Namespace, &d.PackID, &d.PackVersion, &d.Replicas,
		&podLabels, &podAnnotations, &tolerations, &requests, &limits, &scheduling,
		&d.FollowLatest, &d.LastSuccessfulVersion, &d.ConsecutiveFailures,
		&d.FailedVersion, &d.FailureBackoffUntil, &d.Status, &d.ReadyReplicas,
		&d.AvailableReplicas, &d.TotalReplicas, &d.OwnerID,
		&d.CreatedAt, &d.UpdatedAt, &d.DeletedAt,
	)
	if err != nil {
		return nil, err
	}

	for _, field := range []struct {
		raw  []byte
		dest any
	}{
		{podLabels, &d.PodLabels},
		{podAnnotations, &d.PodAnnotations},
		{tolerations, &d.Tolerations},
		{requests, &d.ResourceRequests},
		{limits, &d.ResourceLimits},
		{scheduling, &d.Scheduling},
	} {
		if len(field.raw) == 0 {
			continue
		}
		if err := json.Unmarshal(field.raw, field.dest); err != nil {
			return nil, fmt.Errorf("decode deployment %s field: %w", d.ID, err)
		}
	}
	return &d, nil
}

func deploymentArgs(d *cluster.Deployment) ([]any, error) {
	podLabels, err := json.Marshal(d.PodLabels)
	if err != nil {
		return nil, fmt.Errorf("encode pod labels: %w", err)
	}
	podAnnotations, err := json.Marshal(d.PodAnnotations)
	if err != nil {
		return nil, fmt.Errorf("encode pod annotations: %w", err)
	}
	tolerations, err := json.Marshal(d.Tolerations)
	if err != nil {
		return nil, fmt.Errorf("encode tolerations: %w", err)
	}
	requests, err := json.Marshal(d.ResourceRequests)
	if err != nil {
		return nil, fmt.Errorf("encode resource requests: %w", err)
	}
	limits, err := json.Marshal(d.ResourceLimits)
	if err != nil {
		return nil, fmt.Errorf("encode resource limits: %w", err)
	}
	scheduling, err := json.Marshal(d.Scheduling)
	if err != nil {
		return nil, fmt.Errorf("encode scheduling: %w", err)
	}
	return []any{
		d.ID, d.Name, d.Namespace, d.PackID, d.PackVersion, d.Replicas,
		podLabels, podAnnotations, tolerations, requests, limits, scheduling,
		d.FollowLatest, d.LastSuccessfulVersion, d.ConsecutiveFailures,
		d.FailedVersion, d.FailureBackoffUntil, d.Status, d.ReadyReplicas,
		d.AvailableReplicas, d.TotalReplicas, d.OwnerID,
		d.CreatedAt, d.UpdatedAt, d.DeletedAt,
	}, nil
}

func (s *PostgresStore) CreateDeployment(ctx context.Context, deployment *cluster.Deployment) error {
	args, err := deploymentArgs(deployment)
	if err != nil {
		return err
	}
	query := `INSERT INTO deployments (` + deploymentColumns + `)
	          VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb, $8::jsonb, $9::jsonb,
	                  $10::jsonb, $11::jsonb, $12::jsonb, $13, $14, $15, $16, $17,
	                  $18, $19, $20, $21, $22, $23, $24, $25)`
	if _, err := s.client.Pool().Exec(ctx, query, args...); err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("deployment %s/%s: %w",
				deployment.Namespace, deployment.Name, ErrConflict)
		}
		return fmt.Errorf("create deployment: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetDeployment(ctx context.Context, deploymentID string) (*cluster.Deployment, error) {
	query := `SELECT ` + deploymentColumns + ` FROM deployments WHERE id = $1`
	deployment, err := scanDeployment(s.client.Pool().QueryRow(ctx, query, deploymentID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("deployment %s: %w", deploymentID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get deployment: %w", err)
	}
	return deployment, nil
}

func (s *PostgresStore) GetDeploymentByName(ctx context.Context, namespace, name string) (*cluster.Deployment, error) {
	query := `SELECT ` + deploymentColumns + ` FROM deployments
	          WHERE namespace = $1 AND name = $2 AND deleted_at IS NULL`
	deployment, err := scanDeployment(s.client.Pool().QueryRow(ctx, query, namespace, name))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("deployment %s/%s: %w", namespace, name, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get deployment by name: %w", err)
	}
	return deployment, nil
}

func (s *PostgresStore) ListDeployments(ctx context.Context) ([]*cluster.Deployment, error) {
	query := `SELECT ` + deploymentColumns + ` FROM deployments
	          WHERE deleted_at IS NULL ORDER BY namespace, name`
	rows, err := s.client.Pool().Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list deployments: %w", err)
	}
	defer rows.Close()

	var out []*cluster.Deployment
	for rows.Next() {
		deployment, err := scanDeployment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan deployment: %w", err)
		}
		out = append(out, deployment)
	}
	return out, rows.Err()
}

func (s *PostgresStore) UpdateDeployment(ctx context.Context, deployment *cluster.Deployment) error {
	args, err := deploymentArgs(deployment)
	if err != nil {
		return err
	}
	query := `UPDATE deployments SET
	            name = $2, namespace = $3, pack_id = $4, pack_version = $5,
	            replicas = $6, pod_labels = $7::jsonb, pod_annotations = $8::jsonb,
	            tolerations = $9::jsonb, resource_requests = $10::jsonb,
	            resource_limits = $11::jsonb, scheduling = $12::jsonb,
	            follow_latest = $13, last_successful_version = $14,
	            consecutive_failures = $15, failed_version = $16,
	            failure_backoff_until = $17, status = $18, ready_replicas = $19,
	            available_replicas = $20, total_replicas = $21, owner_id = $22,
	            created_at = $23, updated_at = $24, deleted_at = $25
	          WHERE id = $1`
	tag, err := s.client.Pool().Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update deployment: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("deployment %s: %w", deployment.ID, ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) DeleteDeployment(ctx context.Context, deploymentID string, at time.Time) error {
	query := `UPDATE deployments SET deleted_at = $1, updated_at = $1
	          WHERE id = $2 AND deleted_at IS NULL`
	tag, err := s.client.Pool().Exec(ctx, query, at, deploymentID)
	if err != nil {
		return fmt.Errorf("delete deployment: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Either unknown or already deleted; only the former is an error.
		var exists bool
		err := s.client.Pool().QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM deployments WHERE id = $1)`, deploymentID,
		).Scan(&exists)
		if err != nil {
			return fmt.Errorf("delete deployment: %w", err)
		}
		if !exists {
			return fmt.Errorf("deployment %s: %w", deploymentID, ErrNotFound)
		}
	}
	return nil
}

func (s *PostgresStore) NextIncarnation(ctx context.Context, deploymentID string) (int64, error) {
	var incarnation int64
	err := s.client.Pool().QueryRow(ctx,
		`UPDATE deployments SET incarnation = incarnation + 1 WHERE id = $1
		 RETURNING incarnation`, deploymentID,
	).Scan(&incarnation)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("deployment %s: %w", deploymentID, ErrNotFound)
	}
	if err != nil {
		return 0, fmt.Errorf("next incarnation: %w", err)
	}
	return incarnation, nil
}

// Users

func (s *PostgresStore) CreateUser(ctx context.Context, user *auth.User) error {
	roles, err := json.Marshal(user.Roles)
	if err != nil {
		return fmt.Errorf("encode roles: %w", err)
	}
	query := `INSERT INTO users (id, email, name, password_hash, roles, created_at)
	          VALUES ($1, $2, $3, $4, $5::jsonb, $6)`
	_, err = s.client.Pool().Exec(ctx, query,
		user.ID, user.Email, user.Name, user.PasswordHash, roles, user.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("user %s: %w", user.Email, ErrConflict)
		}
		return fmt.Errorf("create user: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (*auth.User, error) {
	var user auth.User
	var roles []byte
	err := s.client.Pool().QueryRow(ctx,
		`SELECT id, email, name, password_hash, roles, created_at
		 FROM users WHERE email = $1`, email,
	).Scan(&user.ID, &user.Email, &user.Name, &user.PasswordHash, &roles, &user.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("user %s: %w", email, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	if len(roles) > 0 {
		if err := json.Unmarshal(roles, &user.Roles); err != nil {
			return nil, fmt.Errorf("decode user roles: %w", err)
		}
	}
	return &user, nil
}

func (s *PostgresStore) CountUsers(ctx context.Context) (int, error) {
	var count int
	err := s.client.Pool().QueryRow(ctx, `SELECT COUNT(*) FROM users`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count users: %w", err)
	}
	return count, nil
}
