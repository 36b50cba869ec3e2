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

package executor

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"

	"github.com/creack/pty"
	"github.com/google/shlex"
)

// launch starts the pack's entry command with the bundle materialized on
// disk. The returned cleanup releases the log file or terminal once the
// process has been waited on.
func (e *Executor) launch(w *worker, bundlePath string) (*exec.Cmd, func(), error) {
	args, err := shlex.Split(w.pack.Metadata.Entry)
	if err != nil {
		return nil, nil, fmt.Errorf("parse entry %q: %w", w.pack.Metadata.Entry, err)
	}
	if len(args) == 0 {
		return nil, nil, fmt.Errorf("entry %q is empty", w.pack.Metadata.Entry)
	}

	workDir := filepath.Join(e.cfg.CacheDir, "pods", w.podID)
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return nil, nil, fmt.Errorf("create pod workdir: %w", err)
	}

	cmd := exec.Command(args[0], args[1:]...)
	cmd.Dir = workDir
	cmd.Env = podEnv(w, bundlePath)

	if w.pack.Metadata.Interactive {
		// pty.Start installs its own SysProcAttr (Setsid places the
		// process in a fresh group, so group signalling still works).
		terminal, err := pty.Start(cmd)
		if err != nil {
			return nil, nil, fmt.Errorf("start pty: %w", err)
		}
		go io.Copy(io.Discard, terminal)
		return cmd, func() { terminal.Close() }, nil
	}

	logFile, err := os.Create(filepath.Join(workDir, "pod.log"))
	if err != nil {
		return nil, nil, fmt.Errorf("create pod log: %w", err)
	}
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if err := cmd.Start(); err != nil {
		logFile.Close()
		return nil, nil, err
	}
	return cmd, func() { logFile.Close() }, nil
}

// podEnv extends the agent environment with the pod's identity and the
// pack-declared variables.
func podEnv(w *worker, bundlePath string) []string {
	env := append(os.Environ(),
		"LONGSHORE_POD_ID="+w.podID,
		"LONGSHORE_NAMESPACE="+w.namespace,
		"LONGSHORE_PACK="+w.pack.Name,
		"LONGSHORE_PACK_VERSION="+w.pack.Version,
		"LONGSHORE_BUNDLE="+bundlePath,
		fmt.Sprintf("LONGSHORE_INCARNATION=%d", w.incarnation),
	)
	for k, v := range w.pack.Metadata.Env {
		env = append(env, k+"="+v)
	}
	return env
}

// signalGroup signals the whole process group, falling back to the lead
// process when the group lookup fails.
func signalGroup(cmd *exec.Cmd, sig syscall.Signal) {
	if cmd.Process == nil {
		return
	}
	pgid, err := syscall.Getpgid(cmd.Process.Pid)
	if err == nil {
		err = syscall.Kill(-pgid, sig)
	}
	if err != nil {
		cmd.Process.Signal(sig)
	}
}
