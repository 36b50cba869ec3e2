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

// Package reconciler drives the cluster toward the state declared by
// deployments. One pass refreshes the scheduler's node view, cleans up pods
// orphaned by deleted deployments or lost nodes, advances followLatest
// deployments to their pack's newest version, runs crash-loop accounting with
// automatic rollback, converges replica counts, keeps daemonsets covering
// every eligible node, and hands pending pods to the scheduler.
//
// Passes are single-flight: one goroutine runs them, and TriggerReconcile
// calls arriving mid-pass coalesce into exactly one follow-up pass.
package reconciler

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	corev1 "k8s.io/api/core/v1"

	"go.corp.nvidia.com/longshore/pkg/cluster"
	"go.corp.nvidia.com/longshore/service/orchestrator/dispatch"
	"go.corp.nvidia.com/longshore/service/orchestrator/events"
	"go.corp.nvidia.com/longshore/service/orchestrator/scheduler"
	"go.corp.nvidia.com/longshore/service/orchestrator/store"
	"go.corp.nvidia.com/longshore/utils/metrics"
	"go.corp.nvidia.com/longshore/utils/progress"
)

// Defaults for the reconciliation loop.
const (
	DefaultInterval               = 10 * time.Second
	DefaultMaxConsecutiveFailures = 3
	DefaultFailureWindow          = time.Minute
	DefaultInitialBackoff         = time.Minute
	DefaultMaxBackoff             = time.Hour
)

// Config tunes the reconciliation loop.
type Config struct {
	// Interval between periodic passes.
	Interval time.Duration
	// MaxConsecutiveFailures is the crash-loop threshold that triggers
	// rollback or pause.
	MaxConsecutiveFailures int
	// FailureWindow bounds how old a pod failure may be and still count
	// toward the crash-loop threshold.
	FailureWindow time.Duration
	// InitialBackoff and MaxBackoff shape the hold-off after a crash loop:
	// min(InitialBackoff * 2^(n-1), MaxBackoff) for the n-th failure.
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		Interval:               DefaultInterval,
		MaxConsecutiveFailures: DefaultMaxConsecutiveFailures,
		FailureWindow:          DefaultFailureWindow,
		InitialBackoff:         DefaultInitialBackoff,
		MaxBackoff:             DefaultMaxBackoff,
	}
}

func (c *Config) normalize() {
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.MaxConsecutiveFailures <= 0 {
		c.MaxConsecutiveFailures = DefaultMaxConsecutiveFailures
	}
	if c.FailureWindow <= 0 {
		c.FailureWindow = DefaultFailureWindow
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = DefaultInitialBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = DefaultMaxBackoff
	}
}

// Reconciler converges actual pod state toward deployment declarations. The
// store stays authoritative throughout; the scheduler's node view is rebuilt
// from it at the start of every pass.
type Reconciler struct {
	cfg        Config
	store      store.Store
	scheduler  *scheduler.Scheduler
	dispatcher *dispatch.Dispatcher
	events     *events.Publisher
	logger     *slog.Logger

	trigger chan struct{}

	// progress, when set, is touched after every pass so liveness probes can
	// tell a wedged loop from a healthy one.
	progress *progress.ProgressWriter

	// countedFailures remembers, per deployment, the newest pod failure
	// already folded into ConsecutiveFailures. A failure stays inside the
	// detection window across several passes; this keeps it from being
	// counted more than once.
	countedFailures map[string]time.Time

	// now is swapped in tests to drive windows and backoffs deterministically.
	now func() time.Time
}

// New assembles a reconciler. Run starts the loop; ReconcileAll performs one
// pass synchronously.
func New(cfg Config, st store.Store, sched *scheduler.Scheduler, disp *dispatch.Dispatcher, pub *events.Publisher, logger *slog.Logger) *Reconciler {
	cfg.normalize()
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{
		cfg:             cfg,
		store:           st,
		scheduler:       sched,
		dispatcher:      disp,
		events:          pub,
		logger:          logger,
		trigger:         make(chan struct{}, 1),
		countedFailures: make(map[string]time.Time),
		now:             time.Now,
	}
}

// TriggerReconcile requests an immediate pass. Safe to call from any
// goroutine; triggers arriving while a pass runs coalesce into one follow-up.
func (r *Reconciler) TriggerReconcile() {
	select {
	case r.trigger <- struct{}{}:
	default:
	}
}

// SetProgressWriter wires the liveness file the loop touches after each pass.
func (r *Reconciler) SetProgressWriter(pw *progress.ProgressWriter) {
	r.progress = pw
}

// Run executes a pass every Interval until ctx is cancelled, plus one pass
// right after every trigger.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	r.logger.Info("reconciler started", slog.Duration("interval", r.cfg.Interval))
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("reconciler stopped")
			return
		case <-ticker.C:
		case <-r.trigger:
		}
		r.ReconcileAll(ctx)
		if r.progress != nil {
			if err := r.progress.ReportProgress(); err != nil {
				r.logger.Warn("progress report failed", slog.String("error", err.Error()))
			}
		}
	}
}

// ReconcileAll performs one full pass. Run is the only production caller;
// tests invoke it directly. Not safe for concurrent invocation.
func (r *Reconciler) ReconcileAll(ctx context.Context) {
	started := r.now()

	nodes, err := r.store.ListNodes(ctx)
	if err != nil {
		r.logger.Error("reconcile: list nodes", slog.String("error", err.Error()))
		return
	}
	r.scheduler.State().Rebuild(nodes)

	deployments, err := r.store.ListDeployments(ctx)
	if err != nil {
		r.logger.Error("reconcile: list deployments", slog.String("error", err.Error()))
		return
	}

	r.reconcileOrphans(ctx, deployments, nodes)

	for _, d := range deployments {
		if d.Status != cluster.DeploymentActive {
			continue
		}
		if err := r.reconcileDeployment(ctx, d); err != nil {
			r.logger.Error("reconcile deployment",
				slog.String("deployment_id", d.ID),
				slog.String("deployment", d.Name),
				slog.String("namespace", d.Namespace),
				slog.String("error", err.Error()),
			)
		}
	}

	r.schedulePending(ctx, deployments)
	r.pruneCounted(deployments)

	if mc := metrics.GetMetricCreator(); mc != nil {
		_ = mc.RecordHistogram(ctx, "reconcile_duration_ms",
			float64(time.Since(started).Milliseconds()),
			"ms", "Wall time of one reconciliation pass.", nil)
	}
}

// reconcileOrphans terminates pods whose deployment is gone, whose node was
// lost, or whose node grew a NoExecute taint they do not tolerate. Lost here
// means offline or deleted; an unhealthy node is still inside its grace
// period and keeps its pods.
func (r *Reconciler) reconcileOrphans(ctx context.Context, live []*cluster.Deployment, nodes []*cluster.Node) {
	pods, err := r.store.ListActivePods(ctx)
	if err != nil {
		r.logger.Error("reconcile: list active pods", slog.String("error", err.Error()))
		return
	}

	liveIDs := make(map[string]bool, len(live))
	for _, d := range live {
		liveIDs[d.ID] = true
	}
	nodesByID := make(map[string]*cluster.Node, len(nodes))
	for _, n := range nodes {
		nodesByID[n.ID] = n
	}

	for _, pod := range pods {
		if pod.DeploymentID != "" && !liveIDs[pod.DeploymentID] {
			r.stopPod(ctx, pod, cluster.ReasonDeploymentDeleted, "Deployment deleted")
			continue
		}
		if !pod.Status.Placed() {
			continue
		}
		node := nodesByID[pod.NodeID]
		if node == nil || node.Status == cluster.NodeOffline {
			r.finishPod(ctx, pod, cluster.PodEvicted, cluster.ReasonNodeLost,
				fmt.Sprintf("Node %s lost", pod.NodeID))
			continue
		}
		if taint := untoleratedNoExecute(pod, node); taint != nil {
			r.stopPod(ctx, pod, cluster.ReasonEvictedByTaint,
				fmt.Sprintf("Node %s tainted %s:%s", node.Name, taint.Key, taint.Effect))
		}
	}
}

// schedulePending places every pending pod through the scheduler and pushes
// the deploy to the chosen node. A structured refusal is recorded on the pod
// and retried on the next pass.
func (r *Reconciler) schedulePending(ctx context.Context, deployments []*cluster.Deployment) {
	pods, err := r.store.ListActivePods(ctx)
	if err != nil {
		r.logger.Error("reconcile: list active pods", slog.String("error", err.Error()))
		return
	}

	byID := make(map[string]*cluster.Deployment, len(deployments))
	for _, d := range deployments {
		byID[d.ID] = d
	}

	for _, pod := range pods {
		if pod.Status != cluster.PodPending {
			continue
		}
		owner := ""
		if d := byID[pod.DeploymentID]; d != nil {
			if d.Status != cluster.DeploymentActive || d.DaemonSet() {
				continue
			}
			owner = d.OwnerID
		}
		r.schedulePod(ctx, pod, owner)
	}
}

func (r *Reconciler) schedulePod(ctx context.Context, pod *cluster.Pod, owner string) {
	pack, err := r.store.GetPackVersion(ctx, pod.PackID, pod.PackVersion)
	if err != nil {
		r.logger.Error("pack lookup for pending pod",
			slog.String("pod_id", pod.ID),
			slog.String("pack_id", pod.PackID),
			slog.String("pack_version", pod.PackVersion),
			slog.String("error", err.Error()),
		)
		return
	}

	bound, err := r.scheduler.Schedule(ctx, pod, pack, owner)
	if err != nil {
		if diag, ok := scheduler.Refused(err); ok {
			r.notePlacementFailure(ctx, pod, diag)
		} else {
			r.logger.Error("schedule pod",
				slog.String("pod_id", pod.ID),
				slog.String("error", err.Error()),
			)
		}
		return
	}
	r.count(ctx, "pod_scheduled_total", "Pods placed onto a node by the scheduler.")

	if err := r.dispatcher.DeployPod(ctx, bound, pack); err != nil {
		r.logger.Warn("pod deploy not delivered",
			slog.String("pod_id", bound.ID),
			slog.String("node_id", bound.NodeID),
			slog.String("error", err.Error()),
		)
	}
}

// notePlacementFailure records the refusal on the pod so operators can see
// why it is stuck pending. The pod itself stays pending.
func (r *Reconciler) notePlacementFailure(ctx context.Context, pod *cluster.Pod, diag *scheduler.Diagnosis) {
	msg := "No compatible nodes"
	if len(diag.UnmetConstraints) > 0 {
		msg = fmt.Sprintf("No compatible nodes: %s", formatConstraints(diag.UnmetConstraints))
	}
	if pod.StatusMessage == msg {
		return
	}

	pod.StatusMessage = msg
	pod.UpdatedAt = r.now()
	if err := r.store.UpdatePod(ctx, pod); err != nil {
		r.logger.Error("record placement failure",
			slog.String("pod_id", pod.ID),
			slog.String("error", err.Error()),
		)
		return
	}
	r.logger.Warn("pod unschedulable",
		slog.String("pod_id", pod.ID),
		slog.String("pack_runtime_tag", string(diag.PackRuntimeTag)),
		slog.Any("unmet_constraints", diag.UnmetConstraints),
	)
	r.count(ctx, "pod_unschedulable_total", "Pods refused by the scheduler with no compatible node.")
}

func formatConstraints(unmet map[string]int) string {
	keys := make([]string, 0, len(unmet))
	for k := range unmet {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%d", k, unmet[k]))
	}
	return strings.Join(parts, ", ")
}

// stopPod marks an active pod stopping and asks its node to shut it down.
// Pods that never reached a node are finished directly.
func (r *Reconciler) stopPod(ctx context.Context, pod *cluster.Pod, reason cluster.TerminationReason, message string) {
	if pod.Status == cluster.PodStopping || pod.Status.Terminal() {
		return
	}
	if !pod.Status.Placed() {
		r.finishPod(ctx, pod, cluster.PodStopped, reason, message)
		return
	}

	from := pod.Status
	pod.Status = cluster.PodStopping
	pod.TerminationReason = reason
	pod.StatusMessage = message
	pod.UpdatedAt = r.now()
	if err := r.store.UpdatePod(ctx, pod); err != nil {
		r.logger.Error("mark pod stopping",
			slog.String("pod_id", pod.ID),
			slog.String("error", err.Error()),
		)
		return
	}
	r.events.PodStatusChanged(ctx, pod, from)

	if err := r.dispatcher.StopPod(ctx, pod, reason, message); err != nil {
		r.logger.Warn("pod stop not delivered",
			slog.String("pod_id", pod.ID),
			slog.String("node_id", pod.NodeID),
			slog.String("error", err.Error()),
		)
	}
}

// finishPod drives a pod straight to a terminal status without agent
// cooperation, for pods that never ran or whose node is unreachable.
func (r *Reconciler) finishPod(ctx context.Context, pod *cluster.Pod, status cluster.PodStatus, reason cluster.TerminationReason, message string) {
	from := pod.Status
	now := r.now()
	pod.Status = status
	pod.TerminationReason = reason
	pod.StatusMessage = message
	pod.FinishedAt = &now
	pod.UpdatedAt = now
	if err := r.store.UpdatePod(ctx, pod); err != nil {
		r.logger.Error("finish pod",
			slog.String("pod_id", pod.ID),
			slog.String("status", string(status)),
			slog.String("error", err.Error()),
		)
		return
	}
	if pod.NodeID != "" {
		r.scheduler.State().Release(pod.NodeID, pod.ResourceRequests)
	}
	r.events.PodStatusChanged(ctx, pod, from)
	r.logger.Info("pod finished by reconciler",
		slog.String("pod_id", pod.ID),
		slog.String("status", string(status)),
		slog.String("reason", string(reason)),
	)
}

// untoleratedNoExecute returns the first NoExecute taint on the node the pod
// does not tolerate, if any.
func untoleratedNoExecute(pod *cluster.Pod, node *cluster.Node) *corev1.Taint {
	for i := range node.Taints {
		taint := &node.Taints[i]
		if taint.Effect != corev1.TaintEffectNoExecute {
			continue
		}
		if !pod.Tolerates(taint) {
			return taint
		}
	}
	return nil
}

func (r *Reconciler) pruneCounted(live []*cluster.Deployment) {
	if len(r.countedFailures) == 0 {
		return
	}
	keep := make(map[string]bool, len(live))
	for _, d := range live {
		keep[d.ID] = true
	}
	for id := range r.countedFailures {
		if !keep[id] {
			delete(r.countedFailures, id)
		}
	}
}

func (r *Reconciler) count(ctx context.Context, name, description string) {
	if mc := metrics.GetMetricCreator(); mc != nil {
		_ = mc.RecordCounter(ctx, name, 1, "1", description, nil)
	}
}
