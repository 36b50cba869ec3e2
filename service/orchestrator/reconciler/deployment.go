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

package reconciler

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"go.corp.nvidia.com/longshore/pkg/cluster"
	"go.corp.nvidia.com/longshore/utils"
)

// reconcileDeployment runs one deployment through the full pipeline: version
// tracking, crash-loop accounting, rolling update, replica or daemonset
// convergence, and counter rollup. The deployment record is persisted once at
// the end if anything changed.
func (r *Reconciler) reconcileDeployment(ctx context.Context, d *cluster.Deployment) error {
	now := r.now()

	pods, err := r.store.ListPodsByDeployment(ctx, d.ID)
	if err != nil {
		return fmt.Errorf("list pods: %w", err)
	}

	changed := false
	if d.FollowLatest {
		bumped, err := r.followLatest(ctx, d, pods, now)
		if err != nil {
			r.logger.Warn("follow latest pack version",
				slog.String("deployment", d.Name),
				slog.String("pack_id", d.PackID),
				slog.String("error", err.Error()),
			)
		}
		if bumped {
			changed = true
		}
	}

	if r.updateFailureState(ctx, d, pods, now) {
		changed = true
	}

	var stepErr error
	if d.Status == cluster.DeploymentActive {
		r.rollingUpdate(ctx, d, pods)

		var created []*cluster.Pod
		if d.DaemonSet() {
			created, stepErr = r.reconcileDaemonSet(ctx, d, pods, now)
		} else {
			created, stepErr = r.reconcileReplicas(ctx, d, pods, now)
		}
		pods = append(pods, created...)
	}

	if refreshCounters(d, pods) {
		changed = true
	}

	if changed {
		d.UpdatedAt = now
		if err := r.store.UpdateDeployment(ctx, d); err != nil {
			return fmt.Errorf("update deployment: %w", err)
		}
	}
	return stepErr
}

// followLatest advances the deployment to its pack's newest published
// version. A version that just crash-looped is held back until its failure
// backoff expires; retrying it afterwards clears the recorded failure.
func (r *Reconciler) followLatest(ctx context.Context, d *cluster.Deployment, pods []*cluster.Pod, now time.Time) (bool, error) {
	latest, err := r.store.GetLatestPack(ctx, d.PackID)
	if err != nil {
		return false, fmt.Errorf("latest pack %s: %w", d.PackID, err)
	}
	if !cluster.VersionNewer(latest.Version, d.PackVersion) {
		return false, nil
	}
	if d.InFailureBackoff(latest.Version, now) {
		r.logger.Debug("rollout held back by failure backoff",
			slog.String("deployment", d.Name),
			slog.String("version", latest.Version),
			slog.Time("until", *d.FailureBackoffUntil),
		)
		return false, nil
	}

	from := d.PackVersion
	if anyRunningOn(pods, from) {
		d.LastSuccessfulVersion = from
	}
	r.events.RolloutStarted(ctx, d, latest.Version)
	d.PackVersion = latest.Version
	if d.FailedVersion == latest.Version {
		// Backoff expired; the failed version gets a fresh chance.
		d.FailedVersion = ""
		d.FailureBackoffUntil = nil
	}

	r.logger.Info("rolling update",
		slog.String("deployment", d.Name),
		slog.String("namespace", d.Namespace),
		slog.String("from_version", from),
		slog.String("to_version", d.PackVersion),
	)
	return true, nil
}

// updateFailureState runs crash-loop accounting. Crossing the threshold
// rolls the deployment back to its last successful version, or pauses it
// when there is nothing to roll back to. Reports whether the deployment
// record changed.
func (r *Reconciler) updateFailureState(ctx context.Context, d *cluster.Deployment, pods []*cluster.Pod, now time.Time) bool {
	cutoff := r.countedFailures[d.ID]
	recent := 0
	newest := cutoff
	running := false
	runningCurrent := false
	for _, p := range pods {
		switch {
		case p.Status == cluster.PodRunning:
			running = true
			if p.PackVersion == d.PackVersion {
				runningCurrent = true
			}
		case p.Status == cluster.PodFailed &&
			p.TerminationReason.ApplicationFailure() &&
			now.Sub(p.UpdatedAt) <= r.cfg.FailureWindow &&
			p.UpdatedAt.After(cutoff):
			recent++
			if p.UpdatedAt.After(newest) {
				newest = p.UpdatedAt
			}
		}
	}

	if runningCurrent {
		changed := false
		if d.LastSuccessfulVersion != d.PackVersion {
			d.LastSuccessfulVersion = d.PackVersion
			changed = true
		}
		if d.ConsecutiveFailures > 0 {
			d.ConsecutiveFailures = 0
			d.FailedVersion = ""
			d.FailureBackoffUntil = nil
			changed = true
		}
		return changed
	}
	if recent == 0 || running {
		return false
	}

	r.countedFailures[d.ID] = newest
	newCount := d.ConsecutiveFailures + recent

	if newCount < r.cfg.MaxConsecutiveFailures {
		d.ConsecutiveFailures = newCount
		r.logger.Warn("pod failures accumulating",
			slog.String("deployment", d.Name),
			slog.String("namespace", d.Namespace),
			slog.Int("consecutive_failures", newCount),
		)
		return true
	}

	backoff := utils.FailureBackoff(newCount, r.cfg.InitialBackoff, r.cfg.MaxBackoff)
	until := now.Add(backoff)

	if d.LastSuccessfulVersion != "" && d.LastSuccessfulVersion != d.PackVersion {
		failed := d.PackVersion
		d.PackVersion = d.LastSuccessfulVersion
		d.ConsecutiveFailures = 0
		d.FailedVersion = failed
		d.FailureBackoffUntil = &until
		r.events.RolledBack(ctx, d, failed)
		r.logger.Warn("rolling back crash-looping deployment",
			slog.String("deployment", d.Name),
			slog.String("namespace", d.Namespace),
			slog.String("failed_version", failed),
			slog.String("to_version", d.PackVersion),
			slog.Duration("backoff", backoff),
		)
		r.count(ctx, "deployment_rollback_total", "Automatic rollbacks after a crash loop.")
		return true
	}

	d.Status = cluster.DeploymentPaused
	d.ConsecutiveFailures = newCount
	d.FailedVersion = d.PackVersion
	d.FailureBackoffUntil = &until
	r.events.Paused(ctx, d, fmt.Sprintf("%d consecutive pod failures", newCount))
	r.logger.Error("pausing crash-looping deployment",
		slog.String("deployment", d.Name),
		slog.String("namespace", d.Namespace),
		slog.String("version", d.PackVersion),
		slog.Int("consecutive_failures", newCount),
	)
	r.count(ctx, "deployment_paused_total", "Deployments paused by crash-loop detection with no rollback target.")
	return true
}

// rollingUpdate stops every survivor built from a version other than the
// deployment's current one. Replacements come from the replica or daemonset
// step once the old pods terminate.
func (r *Reconciler) rollingUpdate(ctx context.Context, d *cluster.Deployment, pods []*cluster.Pod) {
	for _, pod := range pods {
		if pod.Status.Terminal() || pod.Status == cluster.PodStopping {
			continue
		}
		if pod.PackVersion == d.PackVersion {
			continue
		}
		r.stopPod(ctx, pod, cluster.ReasonRollingUpdate,
			fmt.Sprintf("Rolling update to version %s", d.PackVersion))
	}
}

// reconcileReplicas converges the active pod count toward Replicas. New pods
// are created pending and placed by the scheduling phase of the same pass;
// excess pods are stopped cheapest first, not counting pods already on their
// way out.
func (r *Reconciler) reconcileReplicas(ctx context.Context, d *cluster.Deployment, pods []*cluster.Pod, now time.Time) ([]*cluster.Pod, error) {
	active := lo.Filter(pods, func(p *cluster.Pod, _ int) bool {
		return !p.Status.Terminal()
	})

	if shortfall := d.Replicas - len(active); shortfall > 0 {
		created := make([]*cluster.Pod, 0, shortfall)
		for i := 0; i < shortfall; i++ {
			pod, err := r.createPod(ctx, d, now)
			if err != nil {
				return created, fmt.Errorf("create pod: %w", err)
			}
			created = append(created, pod)
		}
		r.logger.Info("scaling up",
			slog.String("deployment", d.Name),
			slog.String("namespace", d.Namespace),
			slog.Int("created", shortfall),
			slog.Int("replicas", d.Replicas),
		)
		return created, nil
	}

	stopping := lo.CountBy(active, func(p *cluster.Pod) bool {
		return p.Status == cluster.PodStopping
	})
	candidates := lo.Filter(active, func(p *cluster.Pod, _ int) bool {
		return p.Status != cluster.PodStopping
	})
	excess := len(active) - d.Replicas - stopping
	if excess <= 0 {
		return nil, nil
	}
	if excess > len(candidates) {
		excess = len(candidates)
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return stopRank(candidates[i].Status) < stopRank(candidates[j].Status)
	})
	for _, pod := range candidates[:excess] {
		r.stopPod(ctx, pod, cluster.ReasonScaleDown,
			fmt.Sprintf("Scaling down to %d replicas", d.Replicas))
	}
	r.logger.Info("scaling down",
		slog.String("deployment", d.Name),
		slog.String("namespace", d.Namespace),
		slog.Int("stopped", excess),
		slog.Int("replicas", d.Replicas),
	)
	return nil, nil
}

// stopRank orders scale-down victims cheapest first: pods that never started
// running go before pods doing work.
func stopRank(s cluster.PodStatus) int {
	switch s {
	case cluster.PodPending:
		return 0
	case cluster.PodScheduled:
		return 1
	case cluster.PodStarting:
		return 2
	default:
		return 3
	}
}

// reconcileDaemonSet places one pod on every eligible node that has none.
// Daemonset pods skip the scheduler's resource-fit filter and candidate
// ranking: the node is chosen by eligibility alone, the pod is bound to it
// directly, and the deploy goes out in the same pass.
func (r *Reconciler) reconcileDaemonSet(ctx context.Context, d *cluster.Deployment, pods []*cluster.Pod, now time.Time) ([]*cluster.Pod, error) {
	pack, err := r.store.GetPackVersion(ctx, d.PackID, d.PackVersion)
	if err != nil {
		return nil, fmt.Errorf("pack %s@%s: %w", d.PackID, d.PackVersion, err)
	}

	covered := make(map[string]bool)
	for _, p := range pods {
		if !p.Status.Terminal() && p.NodeID != "" {
			covered[p.NodeID] = true
		}
	}

	var created []*cluster.Pod
	template := d.NewPod(0, now)
	for _, node := range r.scheduler.EligibleNodes(template, pack, d.OwnerID) {
		if covered[node.ID] {
			continue
		}

		pod, err := r.createPod(ctx, d, now)
		if err != nil {
			return created, fmt.Errorf("create pod: %w", err)
		}
		bound, err := r.store.BindPod(ctx, pod.ID, node.ID, now)
		if err != nil {
			r.logger.Error("bind daemonset pod",
				slog.String("pod_id", pod.ID),
				slog.String("node_id", node.ID),
				slog.String("error", err.Error()),
			)
			r.finishPod(ctx, pod, cluster.PodStopped, cluster.ReasonCancelled, "Node assignment failed")
			continue
		}
		r.scheduler.State().Commit(node.ID, bound.ResourceRequests)
		r.events.PodScheduled(ctx, bound)
		created = append(created, bound)

		r.logger.Info("daemonset pod placed",
			slog.String("deployment", d.Name),
			slog.String("pod_id", bound.ID),
			slog.String("node_id", node.ID),
			slog.String("node_name", node.Name),
		)
		if err := r.dispatcher.DeployPod(ctx, bound, pack); err != nil {
			r.logger.Warn("daemonset deploy not delivered",
				slog.String("pod_id", bound.ID),
				slog.String("node_id", node.ID),
				slog.String("error", err.Error()),
			)
		}
	}
	return created, nil
}

// createPod instantiates the deployment's pod template as a fresh pending
// pod with the next incarnation.
func (r *Reconciler) createPod(ctx context.Context, d *cluster.Deployment, now time.Time) (*cluster.Pod, error) {
	incarnation, err := r.store.NextIncarnation(ctx, d.ID)
	if err != nil {
		return nil, fmt.Errorf("next incarnation: %w", err)
	}
	pod := d.NewPod(incarnation, now)
	pod.ID = strings.ReplaceAll(uuid.New().String(), "-", "")
	if err := r.store.CreatePod(ctx, pod); err != nil {
		return nil, err
	}
	return pod, nil
}

// refreshCounters recomputes the replica rollup from the pod list: ready
// counts running pods, available adds scheduled and starting ones, total is
// every non-terminal pod.
func refreshCounters(d *cluster.Deployment, pods []*cluster.Pod) bool {
	ready, available, total := 0, 0, 0
	for _, p := range pods {
		switch p.Status {
		case cluster.PodRunning:
			ready++
			available++
		case cluster.PodScheduled, cluster.PodStarting:
			available++
		}
		if !p.Status.Terminal() {
			total++
		}
	}
	if d.ReadyReplicas == ready && d.AvailableReplicas == available && d.TotalReplicas == total {
		return false
	}
	d.ReadyReplicas, d.AvailableReplicas, d.TotalReplicas = ready, available, total
	return true
}

func anyRunningOn(pods []*cluster.Pod, version string) bool {
	return lo.SomeBy(pods, func(p *cluster.Pod) bool {
		return p.Status == cluster.PodRunning && p.PackVersion == version
	})
}
