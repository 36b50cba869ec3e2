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

// Package cluster defines the domain model shared by the orchestrator and the
// node agent: nodes, packs, pods and deployments, their status machines, and
// the helpers that interrogate them. The store owns persistence of these
// objects; this package holds no I/O.
package cluster

import (
	"fmt"
	"regexp"
	"time"

	"github.com/blang/semver/v4"
	corev1 "k8s.io/api/core/v1"

	"go.corp.nvidia.com/longshore/pkg/resources"
)

// NodeStatus is the orchestrator-side view of a node's health.
type NodeStatus string

const (
	NodeOnline      NodeStatus = "online"
	NodeSuspect     NodeStatus = "suspect"
	NodeUnhealthy   NodeStatus = "unhealthy"
	NodeDraining    NodeStatus = "draining"
	NodeMaintenance NodeStatus = "maintenance"
	NodeOffline     NodeStatus = "offline"
)

// Schedulable reports whether the status admits new pod placements.
// Draining and maintenance nodes keep their pods but accept no new ones.
func (s NodeStatus) Schedulable() bool {
	return s == NodeOnline
}

// Connected reports whether pods may keep running on a node in this status.
func (s NodeStatus) Connected() bool {
	switch s {
	case NodeOnline, NodeDraining, NodeMaintenance:
		return true
	}
	return false
}

// AgentReportable reports whether an agent heartbeat may carry this status.
// Everything else (suspect, unhealthy, offline) is owned by the server.
func (s NodeStatus) AgentReportable() bool {
	switch s {
	case NodeOnline, NodeDraining, NodeMaintenance:
		return true
	}
	return false
}

// RuntimeType identifies the kind of worker process a node runs.
type RuntimeType string

const (
	RuntimeNative  RuntimeType = "native"
	RuntimeBrowser RuntimeType = "browser"
)

// KnownRuntimeType reports whether t is a runtime the orchestrator accepts at
// registration time.
func KnownRuntimeType(t RuntimeType) bool {
	return t == RuntimeNative || t == RuntimeBrowser
}

// CapabilityVersion is the capabilities key carrying the node's runtime
// version, checked against a pack's minRuntimeVersion.
const CapabilityVersion = "version"

// Node is a worker attached (or previously attached) to the orchestrator.
type Node struct {
	ID            string              `json:"nodeId"`
	Name          string              `json:"name"`
	RuntimeType   RuntimeType         `json:"runtimeType"`
	Status        NodeStatus          `json:"status"`
	LastHeartbeat time.Time           `json:"lastHeartbeat"`
	Capabilities  map[string]string   `json:"capabilities,omitempty"`
	Allocatable   corev1.ResourceList `json:"allocatable,omitempty"`
	Allocated     corev1.ResourceList `json:"allocated,omitempty"`
	Labels        map[string]string   `json:"labels,omitempty"`
	Annotations   map[string]string   `json:"annotations,omitempty"`
	Taints        []corev1.Taint      `json:"taints,omitempty"`
	Unschedulable bool                `json:"unschedulable,omitempty"`
	ConnectionID  string              `json:"connectionId,omitempty"`
	RegisteredBy  string              `json:"registeredBy,omitempty"`
	CreatedAt     time.Time           `json:"createdAt"`
	UpdatedAt     time.Time           `json:"updatedAt"`
}

// Free returns allocatable minus allocated.
func (n *Node) Free() corev1.ResourceList {
	return resources.Free(n.Allocatable, n.Allocated)
}

// RuntimeVersion parses the node's reported runtime version capability.
// The boolean is false when the capability is absent or unparsable.
func (n *Node) RuntimeVersion() (semver.Version, bool) {
	raw, ok := n.Capabilities[CapabilityVersion]
	if !ok || raw == "" {
		return semver.Version{}, false
	}
	v, err := semver.ParseTolerant(raw)
	if err != nil {
		return semver.Version{}, false
	}
	return v, true
}

// Clone returns a deep copy safe to mutate without affecting the original.
func (n *Node) Clone() *Node {
	out := *n
	out.Capabilities = copyStringMap(n.Capabilities)
	out.Allocatable = resources.Copy(n.Allocatable)
	out.Allocated = resources.Copy(n.Allocated)
	out.Labels = copyStringMap(n.Labels)
	out.Annotations = copyStringMap(n.Annotations)
	if n.Taints != nil {
		out.Taints = make([]corev1.Taint, len(n.Taints))
		copy(out.Taints, n.Taints)
	}
	return &out
}

const maxNameLen = 63

var dnsLabelRe = regexp.MustCompile(`^[a-z0-9]([-a-z0-9]*[a-z0-9])?$`)

// ValidateName enforces the DNS-label shape names must have. The kind only
// flavors the error message.
func ValidateName(kind, name string) error {
	if name == "" {
		return fmt.Errorf("%s name is required", kind)
	}
	if len(name) > maxNameLen {
		return fmt.Errorf("%s name %q exceeds %d characters", kind, name, maxNameLen)
	}
	if !dnsLabelRe.MatchString(name) {
		return fmt.Errorf("%s name %q must match %s", kind, name, dnsLabelRe.String())
	}
	return nil
}

// ValidateNodeName enforces the DNS-label shape node names must have.
func ValidateNodeName(name string) error {
	return ValidateName("node", name)
}

func copyStringMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
