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

// Package resources provides componentwise arithmetic over resource vectors.
// Vectors are corev1.ResourceList maps (cpu, memory, pods, storage); absent
// keys are treated as zero.
package resources

import (
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"
)

// Copy returns a deep copy of the given resource list.
func Copy(rl corev1.ResourceList) corev1.ResourceList {
	out := make(corev1.ResourceList, len(rl))
	for name, quantity := range rl {
		out[name] = quantity.DeepCopy()
	}
	return out
}

// Merge returns a new resource list with the componentwise sum of all inputs.
func Merge(lists ...corev1.ResourceList) corev1.ResourceList {
	out := corev1.ResourceList{}
	for _, list := range lists {
		for name, quantity := range list {
			current := out[name]
			current.Add(quantity)
			out[name] = current
		}
	}
	return out
}

// Subtract returns lhs - rhs componentwise, clamped at zero. Allocation
// counters never go negative even when an agent reports more released
// capacity than the orchestrator accounted for.
func Subtract(lhs, rhs corev1.ResourceList) corev1.ResourceList {
	out := Copy(lhs)
	for name, quantity := range rhs {
		current, ok := out[name]
		if !ok {
			continue
		}
		current.Sub(quantity)
		if current.Sign() < 0 {
			current = resource.Quantity{Format: current.Format}
		}
		out[name] = current
	}
	return out
}

// Fits reports whether requests fit within available componentwise. Resources
// requested but entirely absent from available do not fit unless the
// request is zero.
func Fits(requests, available corev1.ResourceList) bool {
	for name, requested := range requests {
		if requested.IsZero() {
			continue
		}
		free, ok := available[name]
		if !ok {
			return false
		}
		if requested.Cmp(free) > 0 {
			return false
		}
	}
	return true
}

// Free returns allocatable minus allocated componentwise, clamped at zero.
func Free(allocatable, allocated corev1.ResourceList) corev1.ResourceList {
	return Subtract(allocatable, allocated)
}

// FreeFraction scores how idle a node is: the minimum, over every
// allocatable component, of free/allocatable. 1.0 means fully idle, 0.0
// means at least one component is exhausted.
func FreeFraction(allocatable, allocated corev1.ResourceList) float64 {
	score := 1.0
	first := true
	for name, total := range allocatable {
		capacity := total.AsApproximateFloat64()
		if capacity <= 0 {
			continue
		}
		used := 0.0
		if q, ok := allocated[name]; ok {
			used = q.AsApproximateFloat64()
		}
		frac := (capacity - used) / capacity
		if frac < 0 {
			frac = 0
		}
		if first || frac < score {
			score = frac
			first = false
		}
	}
	if first {
		return 0
	}
	return score
}

// IsZero reports whether every component of the list is zero or the list is
// empty.
func IsZero(rl corev1.ResourceList) bool {
	for _, quantity := range rl {
		if !quantity.IsZero() {
			return false
		}
	}
	return true
}
