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

// Command orchestrator runs the longshore control plane: the agent channel
// endpoint, the REST API, the node lifecycle sweeper, and the deployment
// reconciler, all in one process.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"

	"go.corp.nvidia.com/longshore/internal/auth"
	"go.corp.nvidia.com/longshore/service/orchestrator/dispatch"
	"go.corp.nvidia.com/longshore/service/orchestrator/events"
	"go.corp.nvidia.com/longshore/service/orchestrator/lifecycle"
	"go.corp.nvidia.com/longshore/service/orchestrator/reconciler"
	"go.corp.nvidia.com/longshore/service/orchestrator/rest"
	"go.corp.nvidia.com/longshore/service/orchestrator/scheduler"
	"go.corp.nvidia.com/longshore/service/orchestrator/server"
	"go.corp.nvidia.com/longshore/service/orchestrator/store"
	"go.corp.nvidia.com/longshore/utils"
	"go.corp.nvidia.com/longshore/utils/logging"
	"go.corp.nvidia.com/longshore/utils/metrics"
	"go.corp.nvidia.com/longshore/utils/postgres"
	"go.corp.nvidia.com/longshore/utils/progress"
	"go.corp.nvidia.com/longshore/utils/redis"
)

var (
	listenAddr = flag.String("listen",
		utils.GetEnv("LONGSHORE_LISTEN", ":8080"),
		"HTTP listen address")
	storeBackend = flag.String("store",
		utils.GetEnv("LONGSHORE_STORE", "postgres"),
		"Backing store (postgres, memory)")
	eventsEnabled = flag.Bool("events-enabled",
		utils.GetEnvBool("LONGSHORE_EVENTS_ENABLED", true),
		"Publish cluster events to Redis")
	authSecret = flag.String("auth-secret",
		utils.GetEnv("LONGSHORE_AUTH_SECRET", ""),
		"HMAC signing secret for issued tokens")
	accessTTLMin = flag.Int("access-ttl-min",
		utils.GetEnvInt("LONGSHORE_ACCESS_TTL_MIN", 60),
		"Access token lifetime in minutes")
	refreshTTLHour = flag.Int("refresh-ttl-hour",
		utils.GetEnvInt("LONGSHORE_REFRESH_TTL_HOUR", 720),
		"Refresh token lifetime in hours")
	registrationEnabled = flag.Bool("registration-enabled",
		utils.GetEnvBool("LONGSHORE_REGISTRATION_ENABLED", true),
		"Allow self-service account registration after the first account")
	requireAuth = flag.Bool("require-auth",
		utils.GetEnvBool("LONGSHORE_REQUIRE_AUTH", true),
		"Require valid credentials on the API and node-scope channel messages")
	authDevMode = flag.Bool("auth-dev-mode",
		utils.GetEnvBool("LONGSHORE_AUTH_DEV_MODE", false),
		"Skip all API authentication checks (never enable in production)")
	progressFile = flag.String("progress-file",
		utils.GetEnv("LONGSHORE_PROGRESS_FILE", ""),
		"Liveness file touched after every reconcile pass, empty to disable")

	loggingFlags  = logging.RegisterFlags()
	metricsFlags  = metrics.RegisterMetricsFlags("orchestrator")
	postgresFlags = postgres.RegisterPostgresFlags()
	redisFlags    = redis.RegisterRedisFlags()
	cacheFlags    = auth.RegisterCacheFlags()
)

func main() {
	flag.Parse()

	logger := logging.InitLogger("orchestrator", loggingFlags.ToConfig())
	slog.SetDefault(logger)

	metricsConfig := metricsFlags.ToMetricsConfig()
	if metricsConfig.Enabled {
		if err := metrics.InitMetricCreator(metricsConfig); err != nil {
			logger.Error("failed to initialize metrics",
				slog.String("error", err.Error()))
			os.Exit(1)
		}
	}

	// Backing store.
	var st store.Store
	switch *storeBackend {
	case "postgres":
		pgConfig := postgresFlags.ToPostgresConfig()
		pgClient, err := pgConfig.CreateClient(logger)
		if err != nil {
			logger.Error("failed to create PostgreSQL client",
				slog.String("error", err.Error()))
			os.Exit(1)
		}
		defer pgClient.Close()
		st = store.NewPostgresStore(pgClient, logger)
	case "memory":
		logger.Warn("using in-memory store, cluster state will not survive a restart")
		st = store.NewMemoryStore()
	default:
		logger.Error("unknown store backend",
			slog.String("store", *storeBackend))
		os.Exit(1)
	}

	// Event publisher. A nil publisher is a no-op, so the rest of the wiring
	// does not care whether events are enabled.
	var pub *events.Publisher
	if *eventsEnabled {
		redisConfig := redisFlags.ToRedisConfig()
		redisClient, err := redisConfig.CreateClient(logger)
		if err != nil {
			logger.Error("failed to create Redis client",
				slog.String("error", err.Error()))
			os.Exit(1)
		}
		defer redisClient.Close()
		pub = events.NewPublisher(redisClient.Client(), logger)
	}

	// Token service and verification stack.
	secret := []byte(*authSecret)
	if len(secret) == 0 {
		// Tokens signed with an ephemeral secret die with the process.
		secret = []byte(strings.ReplaceAll(uuid.New().String(), "-", ""))
		logger.Warn("no auth secret configured, issued tokens will not survive a restart")
	}
	tokens, err := auth.NewTokenService(auth.TokenConfig{
		Secret:     secret,
		AccessTTL:  time.Duration(*accessTTLMin) * time.Minute,
		RefreshTTL: time.Duration(*refreshTTLHour) * time.Hour,
	})
	if err != nil {
		logger.Error("failed to create token service",
			slog.String("error", err.Error()))
		os.Exit(1)
	}
	provider := auth.NewCachingProvider(tokens, cacheFlags.ToCacheConfig(), logger)

	apiAuth := auth.Middleware(auth.Config{
		Enabled:  true,
		Required: *requireAuth,
		DevMode:  *authDevMode,
		Provider: provider,
		Policy:   auth.NewPolicyChecker(logger),
	}, logger)
	// The channel endpoint never demands a bearer token at upgrade time:
	// agents may authenticate in-band with auth:authenticate instead. A
	// token presented on the upgrade request still binds the identity.
	channelAuth := auth.Middleware(auth.Config{
		Enabled:  true,
		Required: false,
		DevMode:  *authDevMode,
		Provider: provider,
	}, logger)

	// Channel server and the services mounted on it.
	registry := server.NewRegistry(logger)
	channelConfig := server.DefaultConfig()
	channelConfig.RequireAuth = *requireAuth
	channel := server.NewServer(channelConfig, provider, registry, logger)

	life := lifecycle.NewService(lifecycle.DefaultConfig(), st, registry, pub, logger)
	life.Mount(channel)

	state := scheduler.NewState()
	sched := scheduler.New(st, state, pub, logger)

	disp := dispatch.New(dispatch.DefaultConfig(), st, registry, state, pub, logger)
	disp.Mount(channel)

	rec := reconciler.New(reconciler.DefaultConfig(), st, sched, disp, pub, logger)
	life.SetReconcileTrigger(rec.TriggerReconcile)
	disp.SetReconcileTrigger(rec.TriggerReconcile)
	if *progressFile != "" {
		pw, err := progress.NewProgressWriter(*progressFile)
		if err != nil {
			logger.Error("failed to create progress writer",
				slog.String("file", *progressFile),
				slog.String("error", err.Error()))
			os.Exit(1)
		}
		rec.SetProgressWriter(pw)
	}

	registry.SetDisconnectHook(func(connectionID string, nodeIDs []string) {
		life.HandleDisconnect(connectionID, nodeIDs)
		disp.HandleDisconnect(connectionID, nodeIDs)
	})

	api := rest.New(rest.Config{RegistrationEnabled: *registrationEnabled}, st, tokens, pub, logger)
	api.SetReconcileTrigger(rec.TriggerReconcile)

	mux := http.NewServeMux()
	api.Mount(mux, apiAuth)
	mux.Handle("GET /api/v1/channel", channelAuth(channel))

	httpServer := &http.Server{
		Addr:              *listenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Background loops.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go rec.Run(ctx)
	go life.RunSweeper(ctx)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	errChan := make(chan error, 1)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- err
		}
	}()

	logger.Info("orchestrator listening",
		slog.String("address", *listenAddr),
		slog.String("store", *storeBackend),
		slog.Bool("events", *eventsEnabled),
		slog.Bool("require_auth", *requireAuth))

	select {
	case <-sigChan:
		logger.Info("received shutdown signal")
	case err := <-errChan:
		logger.Error("server error", slog.String("error", err.Error()))
	case <-ctx.Done():
		logger.Info("context cancelled")
	}

	logger.Info("initiating graceful shutdown...")
	cancel() // stop the reconciler and sweeper

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()

	done := make(chan struct{})
	go func() {
		// Stop accepting, fail in-flight RPCs, then walk agents off the
		// channel with a disconnect frame and a clean close.
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("http shutdown", slog.String("error", err.Error()))
		}
		disp.Stop()
		if err := channel.Shutdown(shutdownCtx, "Server shutting down"); err != nil {
			logger.Warn("channel shutdown", slog.String("error", err.Error()))
		}
		close(done)
	}()

	select {
	case <-done:
		logger.Info("server stopped gracefully")
	case <-time.After(10 * time.Second):
		logger.Warn("graceful shutdown timed out, forcing stop")
		httpServer.Close()
	}

	if mc := metrics.GetMetricCreator(); mc != nil {
		flushCtx, cancelFlush := context.WithTimeout(context.Background(), 5*time.Second)
		if err := mc.Shutdown(flushCtx); err != nil {
			logger.Warn("metrics flush failed", slog.String("error", err.Error()))
		}
		cancelFlush()
	}
}
