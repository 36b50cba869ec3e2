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

// Package executor runs pack processes in a bounded pool of worker slots.
// Every local pod state change flows through a single status callback; the
// caller decides how to ship it to the orchestrator.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"sort"
	"sync"
	"syscall"
	"time"

	corev1 "k8s.io/api/core/v1"

	"go.corp.nvidia.com/longshore/pkg/cluster"
	"go.corp.nvidia.com/longshore/pkg/resources"
	"go.corp.nvidia.com/longshore/pkg/wire"
)

const (
	// DefaultSlots bounds concurrent pods per agent.
	DefaultSlots = 4
	// DefaultGracePeriod separates SIGTERM from SIGKILL on stop.
	DefaultGracePeriod = 10 * time.Second
	// DefaultFetchTimeout bounds one bundle download.
	DefaultFetchTimeout = 5 * time.Minute
)

// StatusFunc receives local pod status transitions in the order they occur.
type StatusFunc func(update *wire.StatusUpdatePayload)

// Config tunes the worker pool.
type Config struct {
	// Slots is the number of pods that may run concurrently.
	Slots int
	// CacheDir holds fetched bundles and per-pod work directories.
	CacheDir string
	// GracePeriod is the cooperative-shutdown window before SIGKILL.
	GracePeriod time.Duration
	// FetchTimeout bounds one bundle download.
	FetchTimeout time.Duration
	// DownloadLimit caps bundle fetch bandwidth in bytes per second,
	// 0 for unlimited.
	DownloadLimit int
}

func (c *Config) normalize() {
	if c.Slots <= 0 {
		c.Slots = DefaultSlots
	}
	if c.GracePeriod <= 0 {
		c.GracePeriod = DefaultGracePeriod
	}
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = DefaultFetchTimeout
	}
}

// Executor owns the worker slots and the per-pod execution counters.
type Executor struct {
	cfg      Config
	onStatus StatusFunc
	logger   *slog.Logger
	fetcher  *fetcher

	mu      sync.Mutex
	workers map[string]*worker
	stats   map[string]*wire.PodStats
	stopped bool

	wg  sync.WaitGroup
	now func() time.Time
}

// New creates an executor. onStatus may be nil during tests.
func New(cfg Config, onStatus StatusFunc, logger *slog.Logger) *Executor {
	cfg.normalize()
	if onStatus == nil {
		onStatus = func(*wire.StatusUpdatePayload) {}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		cfg:      cfg,
		onStatus: onStatus,
		logger:   logger,
		fetcher:  newFetcher(cfg.CacheDir, cfg.DownloadLimit, cfg.FetchTimeout),
		workers:  make(map[string]*worker),
		stats:    make(map[string]*wire.PodStats),
		now:      time.Now,
	}
}

// Deploy admits a pod into a free worker slot and launches it. The returned
// error covers admission only; fetch and runtime failures surface later
// through the status callback.
func (e *Executor) Deploy(req *wire.DeployPayload) error {
	if req.PodID == "" {
		return errors.New("deploy requires podId")
	}
	if req.Pack.Metadata.Entry == "" {
		return fmt.Errorf("pack %s@%s has no entry command", req.Pack.Name, req.Pack.Version)
	}

	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return errors.New("executor is stopped")
	}
	if _, ok := e.workers[req.PodID]; ok {
		e.mu.Unlock()
		return fmt.Errorf("pod %s is already running", req.PodID)
	}
	if len(e.workers) >= e.cfg.Slots {
		e.mu.Unlock()
		return fmt.Errorf("no free worker slots (%d of %d busy)", e.cfg.Slots, e.cfg.Slots)
	}
	w := newWorker(req)
	e.workers[req.PodID] = w
	st := e.statLocked(req.PodID)
	st.ExecutionCount++
	if st.ExecutionCount > 1 {
		st.RestartCount++
	}
	// Registered under the lock so a concurrent StopAll waits for this
	// worker too.
	e.wg.Add(1)
	e.mu.Unlock()

	e.logger.Info("pod admitted",
		slog.String("pod_id", req.PodID),
		slog.String("pack", req.Pack.Name),
		slog.String("version", req.Pack.Version),
		slog.Int64("incarnation", req.Incarnation),
	)
	e.report(w, cluster.PodStarting, "", "")

	go e.run(w)
	return nil
}

// Stop requests cooperative shutdown of one pod. The final status arrives
// through the callback when the worker finishes.
func (e *Executor) Stop(podID string, reason cluster.TerminationReason, message string) error {
	e.mu.Lock()
	w, ok := e.workers[podID]
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown pod: %s", podID)
	}
	if reason == "" {
		reason = cluster.ReasonCancelled
	}
	if w.beginStop(reason, message) {
		e.logger.Info("pod stopping",
			slog.String("pod_id", podID),
			slog.String("reason", string(reason)),
		)
		e.report(w, cluster.PodStopping, reason, message)
	}
	return nil
}

// StopAll stops every active pod, refuses new deploys, and waits for the
// workers to finish.
func (e *Executor) StopAll(reason cluster.TerminationReason, message string) {
	e.mu.Lock()
	e.stopped = true
	active := make([]*worker, 0, len(e.workers))
	for _, w := range e.workers {
		active = append(active, w)
	}
	e.mu.Unlock()

	for _, w := range active {
		if w.beginStop(reason, message) {
			e.report(w, cluster.PodStopping, reason, message)
		}
	}
	e.wg.Wait()
}

// ActivePods lists the pod ids currently holding a slot, sorted.
func (e *Executor) ActivePods() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]string, 0, len(e.workers))
	for id := range e.workers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Allocated sums the resource requests of active pods.
func (e *Executor) Allocated() corev1.ResourceList {
	e.mu.Lock()
	defer e.mu.Unlock()
	lists := make([]corev1.ResourceList, 0, len(e.workers))
	for _, w := range e.workers {
		lists = append(lists, w.requests)
	}
	return resources.Merge(lists...)
}

// Slots reports the pool size and how many slots are busy.
func (e *Executor) Slots() (total, busy int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cfg.Slots, len(e.workers)
}

// Stats snapshots the per-pod execution counters.
func (e *Executor) Stats() map[string]wire.PodStats {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]wire.PodStats, len(e.stats))
	for id, st := range e.stats {
		out[id] = *st
	}
	return out
}

// run executes one pod from fetch to exit and reports the outcome.
func (e *Executor) run(w *worker) {
	defer e.wg.Done()
	started := e.now()

	runErr := e.execute(w)
	status, reason, message := w.outcome(runErr)

	e.mu.Lock()
	delete(e.workers, w.podID)
	st := e.statLocked(w.podID)
	st.TotalExecutionTimeMs += e.now().Sub(started).Milliseconds()
	switch {
	case reason == cluster.ReasonAppExitOK:
		st.SuccessfulExecutions++
	case reason.ApplicationFailure():
		st.FailedExecutions++
	}
	e.mu.Unlock()

	e.logger.Info("pod finished",
		slog.String("pod_id", w.podID),
		slog.String("status", string(status)),
		slog.String("reason", string(reason)),
		slog.Duration("ran", e.now().Sub(started)),
	)
	e.report(w, status, reason, message)
}

// execute materializes the bundle and runs the entry command, returning the
// raw process error for classification.
func (e *Executor) execute(w *worker) error {
	fetchCtx, cancel := context.WithTimeout(context.Background(), e.cfg.FetchTimeout)
	defer cancel()
	go func() {
		select {
		case <-w.stopCh:
			cancel()
		case <-fetchCtx.Done():
		}
	}()

	bundlePath, err := e.fetcher.Fetch(fetchCtx, &w.pack)
	if err != nil {
		return fmt.Errorf("fetch bundle: %w", err)
	}

	cmd, cleanup, err := e.launch(w, bundlePath)
	if err != nil {
		return fmt.Errorf("start pack: %w", err)
	}
	defer cleanup()

	if w.setRunning() {
		e.report(w, cluster.PodRunning, "", "")
	}

	waitCh := make(chan error, 1)
	go func() { waitCh <- cmd.Wait() }()

	select {
	case err := <-waitCh:
		return err
	case <-w.stopCh:
		return e.terminate(w, cmd, waitCh)
	}
}

// terminate delivers SIGTERM to the process group, waits out the grace
// period, then SIGKILLs.
func (e *Executor) terminate(w *worker, cmd *exec.Cmd, waitCh <-chan error) error {
	signalGroup(cmd, syscall.SIGTERM)
	select {
	case err := <-waitCh:
		return err
	case <-time.After(e.cfg.GracePeriod):
		e.logger.Warn("grace period expired, killing pod process",
			slog.String("pod_id", w.podID),
			slog.Duration("grace", e.cfg.GracePeriod),
		)
		signalGroup(cmd, syscall.SIGKILL)
		return <-waitCh
	}
}

func (e *Executor) report(w *worker, status cluster.PodStatus, reason cluster.TerminationReason, message string) {
	e.onStatus(&wire.StatusUpdatePayload{
		PodID:       w.podID,
		Status:      status,
		Message:     message,
		Reason:      reason,
		Incarnation: w.incarnation,
	})
}

// statLocked returns the counter record for a pod, creating it on first use.
// Callers hold e.mu.
func (e *Executor) statLocked(podID string) *wire.PodStats {
	st, ok := e.stats[podID]
	if !ok {
		st = &wire.PodStats{}
		e.stats[podID] = st
	}
	return st
}

// worker is one occupied slot.
type worker struct {
	podID       string
	namespace   string
	incarnation int64
	requests    corev1.ResourceList
	pack        wire.PackSpec

	stopOnce sync.Once
	stopCh   chan struct{}

	mu          sync.Mutex
	status      cluster.PodStatus
	stopReason  cluster.TerminationReason
	stopMessage string
}

func newWorker(req *wire.DeployPayload) *worker {
	return &worker{
		podID:       req.PodID,
		namespace:   req.Namespace,
		incarnation: req.Incarnation,
		requests:    resources.Copy(req.ResourceRequests),
		pack:        req.Pack,
		stopCh:      make(chan struct{}),
		status:      cluster.PodStarting,
	}
}

// beginStop flips the pod to stopping exactly once and wakes the run loop.
func (w *worker) beginStop(reason cluster.TerminationReason, message string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.status == cluster.PodStopping {
		return false
	}
	w.status = cluster.PodStopping
	w.stopReason = reason
	w.stopMessage = message
	w.stopOnce.Do(func() { close(w.stopCh) })
	return true
}

// setRunning marks the pod running unless a stop already won the race, in
// which case the caller must not report running.
func (w *worker) setRunning() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.status == cluster.PodStopping {
		return false
	}
	w.status = cluster.PodRunning
	return true
}

// outcome applies the stop-overrides-exit rule: a worker that finishes while
// its pod is stopping reports the stop's reason, not its natural exit.
func (w *worker) outcome(runErr error) (cluster.PodStatus, cluster.TerminationReason, string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.status == cluster.PodStopping {
		return cluster.PodStopped, w.stopReason, w.stopMessage
	}
	return classifyExit(runErr)
}

// classifyExit maps a process result onto the canonical termination set.
func classifyExit(err error) (cluster.PodStatus, cluster.TerminationReason, string) {
	if err == nil {
		return cluster.PodStopped, cluster.ReasonAppExitOK, ""
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			// SIGKILL outside a requested stop is the kernel OOM killer.
			if ws.Signal() == syscall.SIGKILL {
				return cluster.PodFailed, cluster.ReasonOOMKilled, "killed: out of memory"
			}
			return cluster.PodFailed, cluster.ReasonAppCrashed,
				fmt.Sprintf("killed by signal %s", ws.Signal())
		}
		code := exitErr.ExitCode()
		if code == 137 {
			return cluster.PodFailed, cluster.ReasonOOMKilled, "exit status 137"
		}
		return cluster.PodFailed, cluster.ReasonAppExitError, fmt.Sprintf("exit status %d", code)
	}
	return cluster.PodFailed, cluster.ReasonDeployFailed, err.Error()
}
