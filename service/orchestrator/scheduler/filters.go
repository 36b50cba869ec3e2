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
	"github.com/blang/semver/v4"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"go.corp.nvidia.com/longshore/pkg/cluster"
	"go.corp.nvidia.com/longshore/pkg/resources"
)

// Constraint names reported in refusal diagnostics. Each is the first filter
// a rejected node failed, in evaluation order.
const (
	ConstraintStatus    = "status"
	ConstraintAccess    = "access"
	ConstraintRuntime   = "runtime"
	ConstraintVersion   = "version"
	ConstraintSelector  = "selector"
	ConstraintTaints    = "taints"
	ConstraintResources = "resources"
)

// placement bundles everything the filters need to judge one node. The
// resource-fit filter is skipped for daemonset pods, which are pre-assigned.
type placement struct {
	pod          *cluster.Pod
	pack         *cluster.Pack
	owner        string
	checkFit     bool
	minVersion   semver.Version
	hasMinVer    bool
	badMinVer    bool
	nodeSelector *metav1.LabelSelector
}

func newPlacement(pod *cluster.Pod, pack *cluster.Pack, owner string, checkFit bool) placement {
	p := placement{pod: pod, pack: pack, owner: owner, checkFit: checkFit}
	if pod.Scheduling != nil {
		p.nodeSelector = pod.Scheduling.NodeSelector
	}
	min, ok, err := pack.MinRuntimeVersion()
	switch {
	case err != nil:
		// An unparsable floor rejects every node rather than silently
		// running the pack somewhere too old.
		p.badMinVer = true
	case ok:
		p.hasMinVer = true
		p.minVersion = min
	}
	return p
}

// admit returns the empty string when the node may host the pod, or the name
// of the first constraint it failed.
func (p placement) admit(node *cluster.Node) string {
	if !node.Status.Schedulable() || node.Unschedulable {
		return ConstraintStatus
	}
	if p.owner != "" && !p.pack.AccessibleBy(p.owner) {
		return ConstraintAccess
	}
	if !p.pack.RuntimeTag.Compatible(node.RuntimeType) {
		return ConstraintRuntime
	}
	if p.badMinVer {
		return ConstraintVersion
	}
	if p.hasMinVer {
		v, ok := node.RuntimeVersion()
		if !ok || v.LT(p.minVersion) {
			return ConstraintVersion
		}
	}
	if ok, err := cluster.MatchesLabels(p.nodeSelector, node.Labels); err != nil || !ok {
		return ConstraintSelector
	}
	for i := range node.Taints {
		t := &node.Taints[i]
		if t.Effect != corev1.TaintEffectNoSchedule && t.Effect != corev1.TaintEffectNoExecute {
			continue
		}
		if !p.pod.Tolerates(t) {
			return ConstraintTaints
		}
	}
	if p.checkFit && !resources.Fits(p.pod.ResourceRequests, node.Free()) {
		return ConstraintResources
	}
	return ""
}

// softTaints counts the PreferNoSchedule taints the pod does not tolerate.
// They never reject a node, only deprioritize it in the tie-break.
func (p placement) softTaints(node *cluster.Node) int {
	count := 0
	for i := range node.Taints {
		t := &node.Taints[i]
		if t.Effect != corev1.TaintEffectPreferNoSchedule {
			continue
		}
		if !p.pod.Tolerates(t) {
			count++
		}
	}
	return count
}
