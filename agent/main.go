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

// Command agent joins a host to a longshore cluster. It maintains the
// channel session with the orchestrator, runs assigned pods in a bounded
// worker pool, and reports their lifecycle back upstream.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"go.corp.nvidia.com/longshore/agent/executor"
	"go.corp.nvidia.com/longshore/agent/node"
	"go.corp.nvidia.com/longshore/agent/state"
	"go.corp.nvidia.com/longshore/agent/transport"
	"go.corp.nvidia.com/longshore/utils"
	"go.corp.nvidia.com/longshore/utils/logging"
	"go.corp.nvidia.com/longshore/utils/metrics"
	"go.corp.nvidia.com/longshore/utils/progress"
)

var (
	orchestratorURL = flag.String("orchestrator",
		utils.GetEnv("LONGSHORE_ORCHESTRATOR", "ws://localhost:8080"),
		"Orchestrator URL; http(s) schemes are accepted and mapped to the channel endpoint")
	nodeName = flag.String("name",
		utils.GetEnv("LONGSHORE_NODE_NAME", ""),
		"Node name presented at registration (default: hostname)")
	nodeLabels = flag.String("labels",
		utils.GetEnv("LONGSHORE_NODE_LABELS", ""),
		"Node labels as key=value pairs, comma separated")
	nodeAnnotations = flag.String("annotations",
		utils.GetEnv("LONGSHORE_NODE_ANNOTATIONS", ""),
		"Node annotations as key=value pairs, comma separated")
	stateDir = flag.String("state-dir",
		utils.GetEnv("LONGSHORE_STATE_DIR", "/var/lib/longshore"),
		"Directory for node identity, credentials and the bundle cache")
	workerSlots = flag.Int("worker-slots",
		utils.GetEnvInt("LONGSHORE_WORKER_SLOTS", executor.DefaultSlots),
		"Number of pods this node runs concurrently")
	stopGrace = flag.Duration("stop-grace",
		utils.GetEnvDuration("LONGSHORE_STOP_GRACE", executor.DefaultGracePeriod),
		"How long a stopping pod gets between SIGTERM and SIGKILL")
	bundleRateLimit = flag.Int("bundle-rate-limit",
		utils.GetEnvInt("LONGSHORE_BUNDLE_RATE_LIMIT", 0),
		"Bundle download rate limit in bytes/sec, 0 for unlimited")
	maxReconnects = flag.Int("max-reconnect-attempts",
		utils.GetEnvInt("LONGSHORE_MAX_RECONNECT_ATTEMPTS", node.DefaultMaxReconnects),
		"Consecutive failed connection attempts before giving up, -1 to retry forever")
	accountEmail = flag.String("email",
		utils.GetEnv("LONGSHORE_EMAIL", ""),
		"Account email; leave empty to register a machine user")
	accountPassword = flag.String("password",
		utils.GetEnv("LONGSHORE_PASSWORD", ""),
		"Account password")
	progressFile = flag.String("progress-file",
		utils.GetEnv("LONGSHORE_PROGRESS_FILE", ""),
		"Liveness file updated while the agent is healthy, empty to disable")
	progressInterval = flag.Duration("progress-interval",
		utils.GetEnvDuration("LONGSHORE_PROGRESS_INTERVAL", 30*time.Second),
		"How often the progress file is touched")

	loggingFlags = logging.RegisterFlags()
	metricsFlags = metrics.RegisterMetricsFlags("agent")
)

func main() {
	flag.Parse()

	logger := logging.InitLogger("agent", loggingFlags.ToConfig())
	slog.SetDefault(logger)

	metricsConfig := metricsFlags.ToMetricsConfig()
	if metricsConfig.Enabled {
		if err := metrics.InitMetricCreator(metricsConfig); err != nil {
			logger.Error("failed to initialize metrics",
				slog.String("error", err.Error()))
			os.Exit(1)
		}
	}

	st, err := state.Open(*stateDir, *orchestratorURL)
	if err != nil {
		logger.Error("failed to open state directory",
			slog.String("dir", *stateDir),
			slog.String("error", err.Error()))
		os.Exit(1)
	}

	cfg := node.DefaultConfig()
	cfg.OrchestratorURL = *orchestratorURL
	cfg.Name = *nodeName
	cfg.Labels = parseKeyValues(*nodeLabels)
	cfg.Annotations = parseKeyValues(*nodeAnnotations)
	cfg.Email = *accountEmail
	cfg.Password = *accountPassword
	cfg.MaxReconnectAttempts = *maxReconnects

	agent, err := node.New(cfg, &transport.WebSocket{}, st, logger)
	if err != nil {
		logger.Error("failed to create agent", slog.String("error", err.Error()))
		os.Exit(1)
	}

	runner := executor.New(executor.Config{
		Slots:         *workerSlots,
		CacheDir:      filepath.Join(st.Dir(), "cache"),
		GracePeriod:   *stopGrace,
		DownloadLimit: *bundleRateLimit,
	}, agent.ReportPodStatus, logger)
	agent.AttachRunner(runner)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if *progressFile != "" {
		pw, err := progress.NewProgressWriter(*progressFile)
		if err != nil {
			logger.Error("failed to create progress writer",
				slog.String("file", *progressFile),
				slog.String("error", err.Error()))
			os.Exit(1)
		}
		go runProgressLoop(ctx, pw, *progressInterval, logger)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		logger.Info("received shutdown signal", slog.String("signal", sig.String()))
		agent.Stop()
		cancel()
	}()

	logger.Info("agent starting",
		slog.String("orchestrator", *orchestratorURL),
		slog.String("name", cfg.Name),
		slog.Int("worker_slots", *workerSlots))

	runErr := agent.Run(ctx)

	if mc := metrics.GetMetricCreator(); mc != nil {
		flushCtx, cancelFlush := context.WithTimeout(context.Background(), 5*time.Second)
		if err := mc.Shutdown(flushCtx); err != nil {
			logger.Warn("metrics flush failed", slog.String("error", err.Error()))
		}
		cancelFlush()
	}

	if runErr != nil {
		logger.Error("agent exited", slog.String("error", runErr.Error()))
		os.Exit(1)
	}
	logger.Info("agent stopped")
}

func runProgressLoop(ctx context.Context, pw *progress.ProgressWriter, interval time.Duration, logger *slog.Logger) {
	if err := pw.ReportProgress(); err != nil {
		logger.Warn("progress report failed", slog.String("error", err.Error()))
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := pw.ReportProgress(); err != nil {
				logger.Warn("progress report failed", slog.String("error", err.Error()))
			}
		}
	}
}

// parseKeyValues turns "a=1,b=2" into a map; entries without '=' are skipped.
func parseKeyValues(raw string) map[string]string {
	if raw == "" {
		return nil
	}
	out := make(map[string]string)
	for _, pair := range strings.Split(raw, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if !ok || key == "" {
			continue
		}
		out[key] = value
	}
	return out
}
