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

// Package dispatch delivers pod:deploy and pod:stop frames to agents and
// routes their responses, plus unsolicited pod:status:update frames, back
// into the store. Each outbound RPC carries a correlation id and a deadline;
// an RPC is resolved exactly once by whichever of response, timeout or
// connection loss happens first.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"go.corp.nvidia.com/longshore/pkg/cluster"
	"go.corp.nvidia.com/longshore/pkg/wire"
	"go.corp.nvidia.com/longshore/service/orchestrator/events"
	"go.corp.nvidia.com/longshore/service/orchestrator/scheduler"
	"go.corp.nvidia.com/longshore/service/orchestrator/server"
	"go.corp.nvidia.com/longshore/service/orchestrator/store"
	"go.corp.nvidia.com/longshore/utils/metrics"
)

// DefaultRPCTimeout bounds how long a dispatched frame may wait for its
// response before the RPC is failed locally.
const DefaultRPCTimeout = 30 * time.Second

// ErrStopped is returned by dispatch operations after Stop.
var ErrStopped = errors.New("dispatcher stopped")

// Sender delivers a frame to a node's current connection, reporting false
// when the node has none. Implemented by *server.Registry.
type Sender interface {
	SendToNode(nodeID string, msg *wire.Message) bool
}

type Config struct {
	RPCTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{RPCTimeout: DefaultRPCTimeout}
}

func (c *Config) normalize() {
	if c.RPCTimeout <= 0 {
		c.RPCTimeout = DefaultRPCTimeout
	}
}

// Dispatcher owns the orchestrator side of pod RPCs.
type Dispatcher struct {
	cfg    Config
	store  store.Store
	sender Sender
	state  *scheduler.State
	events *events.Publisher
	logger *slog.Logger
	now    func() time.Time

	inflight *inflightTable
	stopped  atomic.Bool
	trigger  func()
}

func New(cfg Config, st store.Store, sender Sender, state *scheduler.State, pub *events.Publisher, logger *slog.Logger) *Dispatcher {
	cfg.normalize()
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		cfg:      cfg,
		store:    st,
		sender:   sender,
		state:    state,
		events:   pub,
		logger:   logger,
		now:      time.Now,
		inflight: newInflightTable(),
	}
}

// SetReconcileTrigger installs the reconciler nudge fired when a terminal pod
// status lands. Late-bound by the composition root.
func (d *Dispatcher) SetReconcileTrigger(fn func()) {
	d.trigger = fn
}

func (d *Dispatcher) triggerReconcile() {
	if d.trigger != nil {
		d.trigger()
	}
}

// Mount registers the dispatch-owned frame handlers.
func (d *Dispatcher) Mount(srv *server.Server) {
	srv.Handle(wire.TypePodDeploySuccess, d.handleResponse)
	srv.Handle(wire.TypePodDeployError, d.handleResponse)
	srv.Handle(wire.TypePodStopSuccess, d.handleResponse)
	srv.Handle(wire.TypePodStopError, d.handleResponse)
	srv.Handle(wire.TypePodStatusUpdate, d.handleStatusUpdate)
}

// Inflight reports the number of unanswered RPCs.
func (d *Dispatcher) Inflight() int { return d.inflight.size() }

// DeployPod ships a scheduled pod to its node. The caller must have bound the
// pod first so the frame never races the pending → scheduled transition. A
// delivery failure marks the pod failed with reason deploy_failed.
func (d *Dispatcher) DeployPod(ctx context.Context, pod *cluster.Pod, pack *cluster.Pack) error {
	if d.stopped.Load() {
		return ErrStopped
	}

	payload := &wire.DeployPayload{
		PodID:            pod.ID,
		NodeID:           pod.NodeID,
		Pack:             wire.PackSpecFrom(pack),
		ResourceRequests: pod.ResourceRequests,
		ResourceLimits:   pod.ResourceLimits,
		Labels:           pod.Labels,
		Annotations:      pod.Annotations,
		Namespace:        pod.Namespace,
		Incarnation:      pod.Incarnation,
	}
	corr := wire.NewCorrelationID()
	rpc := &pendingRPC{
		kind:        rpcDeploy,
		podID:       pod.ID,
		nodeID:      pod.NodeID,
		incarnation: pod.Incarnation,
		sentAt:      d.now(),
	}
	d.inflight.add(corr, rpc)
	rpc.timer = time.AfterFunc(d.cfg.RPCTimeout, func() { d.expire(corr) })

	if !d.sender.SendToNode(pod.NodeID, wire.DeployMessage(payload).WithCorrelation(corr)) {
		d.inflight.take(corr)
		d.failDeploy(ctx, pod.ID, "node connection unavailable")
		return fmt.Errorf("deploy pod %s: node %s has no connection", pod.ID, pod.NodeID)
	}

	d.countRPC(ctx, "pod_deploy_sent_total", "Total pod:deploy frames dispatched to agents")
	d.logger.Info("pod deploy dispatched",
		slog.String("pod_id", pod.ID),
		slog.String("node_id", pod.NodeID),
		slog.String("pack_id", pod.PackID),
		slog.String("pack_version", pod.PackVersion),
		slog.Int64("incarnation", pod.Incarnation))
	return nil
}

// StopPod asks the pod's node to shut the pod down. The caller owns the
// store-side stopping transition; dispatch only carries the instruction. When
// the node has no connection the pod is left for the node-loss pass.
func (d *Dispatcher) StopPod(ctx context.Context, pod *cluster.Pod, reason cluster.TerminationReason, message string) error {
	if d.stopped.Load() {
		return ErrStopped
	}

	corr := wire.NewCorrelationID()
	rpc := &pendingRPC{
		kind:        rpcStop,
		podID:       pod.ID,
		nodeID:      pod.NodeID,
		incarnation: pod.Incarnation,
		sentAt:      d.now(),
	}
	d.inflight.add(corr, rpc)
	rpc.timer = time.AfterFunc(d.cfg.RPCTimeout, func() { d.expire(corr) })

	if !d.sender.SendToNode(pod.NodeID, wire.StopMessage(pod.ID, reason, message).WithCorrelation(corr)) {
		d.inflight.take(corr)
		return fmt.Errorf("stop pod %s: node %s has no connection", pod.ID, pod.NodeID)
	}

	d.countRPC(ctx, "pod_stop_sent_total", "Total pod:stop frames dispatched to agents")
	d.logger.Info("pod stop dispatched",
		slog.String("pod_id", pod.ID),
		slog.String("node_id", pod.NodeID),
		slog.String("reason", string(reason)))
	return nil
}

// HandleDisconnect fails every in-flight RPC riding the lost connection.
// Chained after the lifecycle hook by the composition root.
func (d *Dispatcher) HandleDisconnect(_ string, nodeIDs []string) {
	for _, rpc := range d.inflight.takeByNodes(nodeIDs) {
		d.failRPC(rpc, "Connection closed")
	}
}

// Stop fails every in-flight RPC and rejects further dispatches. Called on
// graceful shutdown after the server stops accepting traffic.
func (d *Dispatcher) Stop() {
	if !d.stopped.CompareAndSwap(false, true) {
		return
	}
	for _, rpc := range d.inflight.drain() {
		d.failRPC(rpc, "Server shutting down")
	}
}

// expire resolves an RPC whose deadline passed without a response.
func (d *Dispatcher) expire(correlationID string) {
	rpc, ok := d.inflight.take(correlationID)
	if !ok {
		return
	}
	d.countRPC(context.Background(), "pod_rpc_timeout_total", "Total pod RPCs that timed out awaiting a response")
	d.failRPC(rpc, fmt.Sprintf("no response within %s", d.cfg.RPCTimeout))
}

// failRPC applies the local failure semantics for an unanswered RPC: deploys
// surface the pod as failed, stops are logged and left for reconciliation.
func (d *Dispatcher) failRPC(rpc *pendingRPC, cause string) {
	switch rpc.kind {
	case rpcDeploy:
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		d.failDeploy(ctx, rpc.podID, cause)
	case rpcStop:
		d.logger.Warn("pod stop unconfirmed",
			slog.String("pod_id", rpc.podID),
			slog.String("node_id", rpc.nodeID),
			slog.String("cause", cause))
	}
}

// failDeploy drives a pod whose deploy did not complete to a terminal state.
// A pod already asked to stop ends as stopped, honoring the rule that a stop
// racing an unfinished deploy still wins; anything else becomes failed with
// reason deploy_failed.
func (d *Dispatcher) failDeploy(ctx context.Context, podID, cause string) {
	pod, err := d.store.GetPod(ctx, podID)
	if err != nil {
		d.logger.Debug("deploy failure for unknown pod", slog.String("pod_id", podID), slog.Any("error", err))
		return
	}
	if pod.Status.Terminal() {
		return
	}

	from := pod.Status
	now := d.now()
	if from == cluster.PodStopping {
		pod.Status = cluster.PodStopped
		pod.TerminationReason = cluster.ReasonCancelled
		pod.StatusMessage = fmt.Sprintf("Deploy cancelled: %s", cause)
	} else {
		pod.Status = cluster.PodFailed
		pod.TerminationReason = cluster.ReasonDeployFailed
		pod.StatusMessage = fmt.Sprintf("Deploy failed: %s", cause)
	}
	pod.FinishedAt = &now
	pod.UpdatedAt = now

	if err := d.store.UpdatePod(ctx, pod); err != nil {
		d.logger.Error("mark deploy failed", slog.String("pod_id", podID), slog.Any("error", err))
		return
	}
	d.state.Release(pod.NodeID, pod.ResourceRequests)
	d.events.PodStatusChanged(ctx, pod, from)
	d.countRPC(ctx, "pod_deploy_failure_total", "Total deploys that ended in a local or agent-reported failure")
	d.logger.Warn("pod deploy failed",
		slog.String("pod_id", pod.ID),
		slog.String("node_id", pod.NodeID),
		slog.String("cause", cause))
	d.triggerReconcile()
}

func (d *Dispatcher) countRPC(ctx context.Context, name, description string) {
	if mc := metrics.GetMetricCreator(); mc != nil {
		_ = mc.RecordCounter(ctx, name, 1, "1", description, nil)
	}
}
