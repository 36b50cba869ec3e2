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

package node

import (
	"bufio"
	"bytes"
	"errors"
	"os"
	"runtime"
	"strconv"

	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"

	"go.corp.nvidia.com/longshore/pkg/cluster"
	"go.corp.nvidia.com/longshore/pkg/wire"
	"go.corp.nvidia.com/longshore/utils"
)

// registerPayload assembles the node:register body from the configuration
// and host inspection.
func (a *Agent) registerPayload() *wire.RegisterPayload {
	caps := map[string]string{
		"os":   runtime.GOOS,
		"arch": runtime.GOARCH,
	}
	if v, err := utils.LoadVersion(); err == nil {
		caps[cluster.CapabilityVersion] = v
	}
	for k, v := range a.cfg.Capabilities {
		caps[k] = v
	}

	slots := 0
	if a.runner != nil {
		slots, _ = a.runner.Slots()
	}
	return &wire.RegisterPayload{
		Name:         a.cfg.Name,
		RuntimeType:  cluster.RuntimeNative,
		Capabilities: caps,
		Allocatable:  detectAllocatable(slots),
		Labels:       a.cfg.Labels,
		Annotations:  a.cfg.Annotations,
		Taints:       a.cfg.Taints,
	}
}

// detectAllocatable derives the node's advertised capacity: logical CPUs,
// the worker slot count as pods, and physical memory when readable.
func detectAllocatable(slots int) corev1.ResourceList {
	list := corev1.ResourceList{
		corev1.ResourceCPU:  *resource.NewQuantity(int64(runtime.NumCPU()), resource.DecimalSI),
		corev1.ResourcePods: *resource.NewQuantity(int64(slots), resource.DecimalSI),
	}
	if mem, err := readMemTotal(); err == nil {
		list[corev1.ResourceMemory] = *resource.NewQuantity(mem, resource.BinarySI)
	}
	return list
}

// readMemTotal reports MemTotal from /proc/meminfo in bytes.
func readMemTotal() (int64, error) {
	data, err := os.ReadFile("/proc/meminfo")
	if err != nil {
		return 0, err
	}
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		fields := bytes.Fields(scanner.Bytes())
		if len(fields) < 2 || string(fields[0]) != "MemTotal:" {
			continue
		}
		kb, err := strconv.ParseInt(string(fields[1]), 10, 64)
		if err != nil {
			return 0, err
		}
		return kb * 1024, nil
	}
	return 0, errors.New("MemTotal not present in /proc/meminfo")
}
