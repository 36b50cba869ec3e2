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

// Package node implements the agent that joins a host to the cluster: it
// dials the orchestrator channel, authenticates, registers the node, then
// serves deploy and stop requests while reporting heartbeats, metrics and
// pod status until told to stop.
package node

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	corev1 "k8s.io/api/core/v1"

	"go.corp.nvidia.com/longshore/agent/state"
	"go.corp.nvidia.com/longshore/agent/transport"
	"go.corp.nvidia.com/longshore/pkg/cluster"
	"go.corp.nvidia.com/longshore/pkg/wire"
)

// Phase is the agent's connection lifecycle position.
type Phase string

const (
	PhaseDisconnected   Phase = "disconnected"
	PhaseConnecting     Phase = "connecting"
	PhaseConnected      Phase = "connected"
	PhaseAuthenticating Phase = "authenticating"
	PhaseAuthenticated  Phase = "authenticated"
	PhaseRegistering    Phase = "registering"
	PhaseRegistered     Phase = "registered"
)

const (
	DefaultHeartbeatInterval = 15 * time.Second
	DefaultMetricsInterval   = 30 * time.Second
	DefaultTokenRefreshCheck = time.Minute
	DefaultReconnectDelay    = 5 * time.Second
	DefaultMaxReconnects     = 10
	defaultRPCTimeout        = 30 * time.Second
	defaultDialTimeout       = 10 * time.Second

	// maxBackoffSteps caps the reconnect delay multiplier.
	maxBackoffSteps = 5
)

// In-flight work failed for a reason the caller should see verbatim.
var (
	errAgentStopped     = errors.New("Agent stopped")
	errConnectionClosed = errors.New("Connection closed")
)

// PodRunner is the executor seam: admission, cooperative stop and the
// telemetry snapshots that feed heartbeats and metrics frames.
type PodRunner interface {
	Deploy(req *wire.DeployPayload) error
	Stop(podID string, reason cluster.TerminationReason, message string) error
	StopAll(reason cluster.TerminationReason, message string)
	ActivePods() []string
	Allocated() corev1.ResourceList
	Slots() (total, busy int)
	Stats() map[string]wire.PodStats
}

// Config tunes one agent.
type Config struct {
	// OrchestratorURL is the channel endpoint; http(s) schemes are
	// translated to ws(s) and a bare origin gets the default channel path.
	OrchestratorURL string
	// Name is the node name; defaults to the hostname.
	Name string

	Labels       map[string]string
	Annotations  map[string]string
	Taints       []corev1.Taint
	Capabilities map[string]string

	// Email and Password select an existing account. Leaving both empty
	// lets the agent register a machine user when the server permits it.
	Email    string
	Password string

	HeartbeatInterval time.Duration
	MetricsInterval   time.Duration
	TokenRefreshCheck time.Duration
	ReconnectDelay    time.Duration
	// MaxReconnectAttempts bounds consecutive failed connection attempts;
	// -1 retries forever.
	MaxReconnectAttempts int
	RPCTimeout           time.Duration
	DialTimeout          time.Duration
}

// DefaultConfig returns the stock timer set.
func DefaultConfig() Config {
	return Config{
		HeartbeatInterval:    DefaultHeartbeatInterval,
		MetricsInterval:      DefaultMetricsInterval,
		TokenRefreshCheck:    DefaultTokenRefreshCheck,
		ReconnectDelay:       DefaultReconnectDelay,
		MaxReconnectAttempts: DefaultMaxReconnects,
		RPCTimeout:           defaultRPCTimeout,
		DialTimeout:          defaultDialTimeout,
	}
}

func (c *Config) normalize() {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.MetricsInterval <= 0 {
		c.MetricsInterval = DefaultMetricsInterval
	}
	if c.TokenRefreshCheck <= 0 {
		c.TokenRefreshCheck = DefaultTokenRefreshCheck
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = DefaultReconnectDelay
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = DefaultMaxReconnects
	}
	if c.RPCTimeout <= 0 {
		c.RPCTimeout = defaultRPCTimeout
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = defaultDialTimeout
	}
}

// Agent drives the channel lifecycle for one node.
type Agent struct {
	cfg        Config
	tr         transport.Transport
	store      *state.Store
	creds      *credentialManager
	logger     *slog.Logger
	channelURL string
	started    time.Time

	runner PodRunner
	rpc    *rpcTracker
	outbox *outbox

	mu     sync.Mutex
	phase  Phase
	nodeID string
	stream transport.Stream

	// sendMu orders outbox writes so a replay and a live flush cannot
	// interleave frames for the same pod.
	sendMu sync.Mutex

	stopOnce sync.Once
	stopCh   chan struct{}

	now func() time.Time
}

// session groups the per-connection plumbing route needs.
type session struct {
	stream   transport.Stream
	greeting chan wire.ConnectedPayload
}

// New builds an agent. The store is required; it keys persisted identity by
// the orchestrator URL.
func New(cfg Config, tr transport.Transport, st *state.Store, logger *slog.Logger) (*Agent, error) {
	cfg.normalize()
	if cfg.OrchestratorURL == "" {
		return nil, errors.New("orchestrator URL is required")
	}
	if st == nil {
		return nil, errors.New("state store is required")
	}
	if tr == nil {
		tr = &transport.WebSocket{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Name == "" {
		host, err := os.Hostname()
		if err != nil {
			return nil, fmt.Errorf("detect hostname: %w", err)
		}
		cfg.Name = host
	}

	channelURL, restBase, err := deriveEndpoints(cfg.OrchestratorURL)
	if err != nil {
		return nil, err
	}

	a := &Agent{
		cfg:        cfg,
		tr:         tr,
		store:      st,
		logger:     logger,
		channelURL: channelURL,
		started:    time.Now(),
		rpc:        newRPCTracker(),
		outbox:     newOutbox(0),
		phase:      PhaseDisconnected,
		stopCh:     make(chan struct{}),
		now:        time.Now,
	}
	a.creds = newCredentialManager(cfg.Name, cfg.Email, cfg.Password, newRESTClient(restBase), st, logger)

	saved, err := st.LoadState()
	if err != nil {
		logger.Warn("persisted node state unreadable", slog.String("error", err.Error()))
	} else if saved != nil {
		a.nodeID = saved.NodeID
		logger.Info("resuming node identity",
			slog.String("node_id", saved.NodeID),
			slog.String("name", saved.Name),
		)
	}
	return a, nil
}

// AttachRunner installs the pod runner. Must happen before Run.
func (a *Agent) AttachRunner(r PodRunner) {
	a.runner = r
}

// Phase reports the current lifecycle position.
func (a *Agent) Phase() Phase {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.phase
}

// NodeID reports the registered node id, empty before first registration.
func (a *Agent) NodeID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.nodeID
}

// ReportPodStatus queues a pod status transition for delivery. It is the
// executor's status callback: transitions survive reconnects until the
// server has had a fair chance to observe them.
func (a *Agent) ReportPodStatus(update *wire.StatusUpdatePayload) {
	msg := wire.StatusUpdateMessage(update).WithCorrelation(wire.NewCorrelationID())
	if !a.outbox.Put(msg, a.stopCh) {
		a.logger.Warn("status update dropped, outbox unavailable",
			slog.String("pod_id", update.PodID),
			slog.String("status", string(update.Status)),
		)
		return
	}
	a.flushOutbox()
}

// Run connects and serves until Stop is called, the context ends, or the
// reconnect budget is exhausted.
func (a *Agent) Run(ctx context.Context) error {
	if a.runner == nil {
		return errors.New("agent requires a pod runner, call AttachRunner first")
	}

	go func() {
		select {
		case <-ctx.Done():
			a.Stop()
		case <-a.stopCh:
		}
	}()

	a.logger.Info("agent starting",
		slog.String("orchestrator", a.channelURL),
		slog.String("name", a.cfg.Name),
	)

	attempts := 0
	for {
		if a.stopping() {
			return nil
		}

		registered, err := a.session(ctx)
		if a.stopping() {
			return nil
		}
		if registered {
			attempts = 0
		} else {
			attempts++
		}
		if err != nil {
			a.logger.Warn("session ended",
				slog.String("error", err.Error()),
				slog.Int("failed_attempts", attempts),
			)
		}
		if a.cfg.MaxReconnectAttempts >= 0 && attempts >= a.cfg.MaxReconnectAttempts {
			return fmt.Errorf("exhausted %d reconnect attempts: %w", attempts, err)
		}

		delay := a.cfg.ReconnectDelay * time.Duration(min(attempts, maxBackoffSteps))
		if delay > 0 {
			a.logger.Info("reconnecting", slog.Duration("in", delay))
		}
		select {
		case <-time.After(delay):
		case <-a.stopCh:
			return nil
		}
	}
}

// Stop shuts the agent down: running pods stop with their grace period,
// final statuses get a last delivery attempt, in-flight calls fail, and the
// channel closes.
func (a *Agent) Stop() {
	a.stopOnce.Do(func() {
		close(a.stopCh)
		a.logger.Info("agent stopping")
		if a.runner != nil {
			a.runner.StopAll(cluster.ReasonCancelled, errAgentStopped.Error())
		}
		a.flushOutbox()
		a.rpc.failAll(errAgentStopped)
		if stream := a.currentStream(); stream != nil {
			stream.Close()
		}
		a.outbox.Close()
	})
}

// session runs one connection from dial to teardown. registered reports
// whether it reached the registered phase, which resets the retry counter.
func (a *Agent) session(ctx context.Context) (registered bool, err error) {
	a.setPhase(PhaseConnecting)

	header := http.Header{}
	if creds, err := a.creds.Get(ctx); err != nil {
		// Servers running without auth accept bare connections; if this
		// one does not, the connected frame will say so and the in-band
		// authenticate will surface the real failure.
		a.logger.Debug("dialing without credentials", slog.String("error", err.Error()))
	} else {
		header.Set("Authorization", "Bearer "+creds.AccessToken)
	}

	dialCtx, cancel := context.WithTimeout(ctx, a.cfg.DialTimeout)
	stream, err := a.tr.Dial(dialCtx, a.channelURL, header)
	cancel()
	if err != nil {
		a.setPhase(PhaseDisconnected)
		return false, err
	}
	defer a.teardown(stream)

	s := &session{
		stream:   stream,
		greeting: make(chan wire.ConnectedPayload, 1),
	}
	readDone := make(chan error, 1)
	go func() {
		for {
			msg, err := stream.Recv()
			if err != nil {
				readDone <- err
				return
			}
			a.route(s, msg)
		}
	}()

	var hello wire.ConnectedPayload
	select {
	case hello = <-s.greeting:
	case err := <-readDone:
		return false, fmt.Errorf("channel closed before greeting: %w", err)
	case <-time.After(a.cfg.RPCTimeout):
		return false, errors.New("timed out waiting for connected frame")
	case <-a.stopCh:
		return false, nil
	}
	a.setPhase(PhaseConnected)
	a.logger.Info("channel established",
		slog.String("connection_id", hello.ConnectionID),
		slog.Bool("requires_auth", hello.RequiresAuth),
	)

	if hello.RequiresAuth {
		if err := a.authenticate(ctx, stream); err != nil {
			return false, err
		}
	}
	a.setPhase(PhaseAuthenticated)

	node, err := a.registerNode(ctx, stream)
	if err != nil {
		return false, err
	}
	a.setNodeID(node.ID)
	a.persistState(node)
	a.setPhase(PhaseRegistered)
	a.setStream(stream)
	a.logger.Info("node registered",
		slog.String("node_id", node.ID),
		slog.String("name", node.Name),
	)

	if err := a.replayOutbox(stream); err != nil {
		return true, err
	}
	a.sendHeartbeat()

	return true, a.serve(ctx, stream, readDone)
}

// serve is the registered-phase loop: timers fire until the connection or
// the agent dies.
func (a *Agent) serve(ctx context.Context, stream transport.Stream, readDone <-chan error) error {
	heartbeat := time.NewTicker(a.cfg.HeartbeatInterval)
	defer heartbeat.Stop()
	metricsTick := time.NewTicker(a.cfg.MetricsInterval)
	defer metricsTick.Stop()
	refresh := time.NewTicker(a.cfg.TokenRefreshCheck)
	defer refresh.Stop()

	for {
		select {
		case err := <-readDone:
			return fmt.Errorf("channel read: %w", err)
		case <-heartbeat.C:
			a.sendHeartbeat()
		case <-metricsTick.C:
			a.sendMetrics(stream)
		case <-refresh.C:
			a.creds.RefreshIfNeeded(ctx)
		case <-a.stopCh:
			return nil
		}
	}
}

// authenticate performs the in-band token exchange. One AUTH_FAILED earns a
// credential reset and a second try; a repeat is fatal for the session.
func (a *Agent) authenticate(ctx context.Context, stream transport.Stream) error {
	a.setPhase(PhaseAuthenticating)

	for attempt := 0; ; attempt++ {
		creds, err := a.creds.Get(ctx)
		if err != nil {
			return fmt.Errorf("obtain credentials: %w", err)
		}
		reply, err := a.call(ctx, stream, wire.AuthenticateMessage(creds.AccessToken))
		if err == nil {
			if who, perr := wire.Payload[wire.AuthenticatedPayload](reply); perr == nil {
				a.logger.Info("authenticated", slog.String("user_id", who.UserID))
			}
			return nil
		}
		var ep *wire.ErrorPayload
		if attempt == 0 && errors.As(err, &ep) && ep.Code == wire.CodeAuthFailed {
			a.logger.Warn("token rejected, discarding cached credentials")
			a.creds.Invalidate()
			continue
		}
		return fmt.Errorf("authenticate: %w", err)
	}
}

// registerNode resumes the persisted node identity when one exists, falling
// back to a fresh registration when the server no longer recognizes it.
func (a *Agent) registerNode(ctx context.Context, stream transport.Stream) (*cluster.Node, error) {
	a.setPhase(PhaseRegistering)

	if nodeID := a.NodeID(); nodeID != "" {
		node, err := a.reconnect(ctx, stream, nodeID)
		if err == nil {
			return node, nil
		}
		var ep *wire.ErrorPayload
		if !errors.As(err, &ep) {
			// Transport-level failure; the whole session retries.
			return nil, fmt.Errorf("reconnect node %s: %w", nodeID, err)
		}
		a.logger.Warn("reconnect rejected, registering fresh",
			slog.String("node_id", nodeID),
			slog.String("error", err.Error()),
		)
		a.setNodeID("")
	}

	node, err := a.register(ctx, stream)
	if err == nil {
		return node, nil
	}
	var ep *wire.ErrorPayload
	if errors.As(err, &ep) && ep.Code == wire.CodeConflict {
		// The name is taken: adopt the existing node record instead of
		// fighting over it.
		adopted, adoptErr := a.adoptExisting(ctx, stream)
		if adoptErr == nil {
			return adopted, nil
		}
		a.logger.Warn("existing node adoption failed", slog.String("error", adoptErr.Error()))
	}
	return nil, fmt.Errorf("register node: %w", err)
}

func (a *Agent) reconnect(ctx context.Context, stream transport.Stream, nodeID string) (*cluster.Node, error) {
	reply, err := a.call(ctx, stream, wire.ReconnectMessage(nodeID))
	if err != nil {
		return nil, err
	}
	ack, err := wire.Payload[wire.ReconnectAckPayload](reply)
	if err != nil {
		return nil, err
	}
	if ack.Node == nil {
		return nil, errors.New("reconnect ack carries no node")
	}
	return ack.Node, nil
}

func (a *Agent) register(ctx context.Context, stream transport.Stream) (*cluster.Node, error) {
	reply, err := a.call(ctx, stream, wire.RegisterMessage(a.registerPayload()))
	if err != nil {
		return nil, err
	}
	ack, err := wire.Payload[wire.RegisterAckPayload](reply)
	if err != nil {
		return nil, err
	}
	if ack.Node == nil {
		return nil, errors.New("register ack carries no node")
	}
	return ack.Node, nil
}

// adoptExisting resolves a name conflict by looking the node up over REST
// and reconnecting to its id.
func (a *Agent) adoptExisting(ctx context.Context, stream transport.Stream) (*cluster.Node, error) {
	existing, err := a.creds.NodeByName(ctx, a.cfg.Name)
	if err != nil {
		return nil, err
	}
	node, err := a.reconnect(ctx, stream, existing.ID)
	if err != nil {
		return nil, err
	}
	a.logger.Info("adopted existing node registration", slog.String("node_id", node.ID))
	return node, nil
}

// call sends a request frame and waits for its correlated response. Error
// responses come back as *wire.ErrorPayload.
func (a *Agent) call(ctx context.Context, stream transport.Stream, msg *wire.Message) (*wire.Message, error) {
	if msg.CorrelationID == "" {
		msg.WithCorrelation(wire.NewCorrelationID())
	}
	ch := a.rpc.register(msg.CorrelationID)
	defer a.rpc.drop(msg.CorrelationID)

	if err := stream.Send(msg); err != nil {
		return nil, fmt.Errorf("send %s: %w", msg.Type, err)
	}

	timer := time.NewTimer(a.cfg.RPCTimeout)
	defer timer.Stop()
	select {
	case reply, ok := <-ch:
		if !ok {
			if cause := a.rpc.lastFailure(); cause != nil {
				return nil, cause
			}
			return nil, errConnectionClosed
		}
		if ep := replyError(reply); ep != nil {
			return nil, ep
		}
		return reply, nil
	case <-timer.C:
		return nil, fmt.Errorf("%s timed out after %s", msg.Type, a.cfg.RPCTimeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-a.stopCh:
		return nil, errAgentStopped
	}
}

// replyError extracts the failure from an error-shaped response frame.
func replyError(msg *wire.Message) *wire.ErrorPayload {
	switch {
	case msg.Type == wire.TypeError, msg.Type == wire.TypeAuthError,
		strings.HasSuffix(string(msg.Type), ":error"):
		ep, err := wire.Payload[wire.ErrorPayload](msg)
		if err != nil {
			return wire.Errorf(wire.CodeInternalError, "malformed %s frame", msg.Type)
		}
		return &ep
	}
	return nil
}

// route dispatches one inbound frame. RPC responses resolve their waiting
// callers; the rest are server-initiated traffic.
func (a *Agent) route(s *session, msg *wire.Message) {
	if a.rpc.resolve(msg) {
		return
	}

	switch msg.Type {
	case wire.TypeConnected:
		if hello, err := wire.Payload[wire.ConnectedPayload](msg); err == nil {
			select {
			case s.greeting <- hello:
			default:
			}
		}

	case wire.TypePing:
		if err := s.stream.Send(wire.PongMessage(a.now()).WithCorrelation(msg.CorrelationID)); err != nil {
			a.logger.Debug("pong failed", slog.String("error", err.Error()))
		}

	case wire.TypeNodeHeartbeatAck:
		a.outbox.Ack(msg.CorrelationID)

	case wire.TypeNodeHeartbeatError:
		// The server no longer knows this node; re-register through a
		// fresh session.
		a.outbox.Ack(msg.CorrelationID)
		a.logger.Warn("heartbeat rejected, resetting channel")
		s.stream.Close()

	case wire.TypeError:
		a.outbox.Ack(msg.CorrelationID)
		if ep, err := wire.Payload[wire.ErrorPayload](msg); err == nil {
			a.logger.Warn("server error frame",
				slog.String("code", string(ep.Code)),
				slog.String("message", ep.Message),
			)
		}

	case wire.TypePodDeploy:
		a.handleDeploy(s, msg)

	case wire.TypePodStop:
		a.handleStop(s, msg)

	case wire.TypeDisconnect:
		reason := "server request"
		if p, err := wire.Payload[wire.DisconnectPayload](msg); err == nil && p.Reason != "" {
			reason = p.Reason
		}
		a.logger.Info("server disconnecting us", slog.String("reason", reason))
		s.stream.Close()

	default:
		a.logger.Debug("unhandled frame", slog.String("type", string(msg.Type)))
	}
}

func (a *Agent) handleDeploy(s *session, msg *wire.Message) {
	req, err := wire.Payload[wire.DeployPayload](msg)
	if err != nil {
		a.sendReply(s, msg, wire.TypePodDeployError,
			wire.Errorf(wire.CodeInvalidMessage, "malformed deploy payload: %v", err))
		return
	}
	if req.PodID == "" || req.Pack.Metadata.Entry == "" {
		a.sendReply(s, msg, wire.TypePodDeployError,
			wire.Errorf(wire.CodeValidationError, "deploy requires podId and an entry command"))
		return
	}

	a.logger.Info("deploy requested",
		slog.String("pod_id", req.PodID),
		slog.String("pack", req.Pack.Name),
		slog.String("version", req.Pack.Version),
		slog.Int64("incarnation", req.Incarnation),
	)
	if err := a.runner.Deploy(&req); err != nil {
		a.sendReply(s, msg, wire.TypePodDeployError,
			wire.Errorf(wire.CodeConflict, "%s", err))
		return
	}
	a.sendReply(s, msg, wire.TypePodDeploySuccess, &wire.DeployResultPayload{PodID: req.PodID})
}

func (a *Agent) handleStop(s *session, msg *wire.Message) {
	req, err := wire.Payload[wire.StopPayload](msg)
	if err != nil {
		a.sendReply(s, msg, wire.TypePodStopError,
			wire.Errorf(wire.CodeInvalidMessage, "malformed stop payload: %v", err))
		return
	}

	a.logger.Info("stop requested",
		slog.String("pod_id", req.PodID),
		slog.String("reason", string(req.Reason)),
	)
	if err := a.runner.Stop(req.PodID, req.Reason, req.Message); err != nil {
		a.sendReply(s, msg, wire.TypePodStopError,
			wire.Errorf(wire.CodeNotFound, "%s", err))
		return
	}
	a.sendReply(s, msg, wire.TypePodStopSuccess, &wire.StopResultPayload{PodID: req.PodID})
}

func (a *Agent) sendReply(s *session, request *wire.Message, t wire.Type, payload any) {
	reply, err := request.Reply(t, payload)
	if err != nil {
		a.logger.Error("encode reply failed", slog.String("type", string(t)), slog.String("error", err.Error()))
		return
	}
	if err := s.stream.Send(reply); err != nil {
		a.logger.Debug("reply send failed", slog.String("type", string(t)), slog.String("error", err.Error()))
	}
}

// sendHeartbeat queues a heartbeat through the outbox so a lost ack gets a
// replay on the next session.
func (a *Agent) sendHeartbeat() {
	payload := &wire.HeartbeatPayload{
		NodeID:     a.NodeID(),
		Timestamp:  a.now(),
		Status:     cluster.NodeOnline,
		Allocated:  a.runner.Allocated(),
		ActivePods: a.runner.ActivePods(),
	}
	if !a.outbox.Put(wire.HeartbeatMessage(payload), a.stopCh) {
		return
	}
	a.flushOutbox()
}

// sendMetrics ships the node counters; metrics are droppable, so this one
// writes directly.
func (a *Agent) sendMetrics(stream transport.Stream) {
	total, busy := a.runner.Slots()
	payload := &wire.NodeMetricsPayload{
		NodeID:     a.NodeID(),
		Timestamp:  a.now(),
		Allocated:  a.runner.Allocated(),
		ActivePods: len(a.runner.ActivePods()),
		TotalSlots: total,
		BusySlots:  busy,
		Pods:       a.runner.Stats(),
	}
	if err := stream.Send(wire.NodeMetricsMessage(payload)); err != nil {
		a.logger.Debug("metrics send failed", slog.String("error", err.Error()))
	}
}

// flushOutbox writes never-sent frames to the live stream. A send failure
// leaves the rest queued for the next flush or session.
func (a *Agent) flushOutbox() {
	stream := a.currentStream()
	if stream == nil {
		return
	}
	a.sendMu.Lock()
	defer a.sendMu.Unlock()
	for _, msg := range a.outbox.Unsent(a.now()) {
		if err := stream.Send(msg); err != nil {
			a.logger.Debug("outbox flush interrupted", slog.String("error", err.Error()))
			return
		}
		a.outbox.MarkSent(msg.CorrelationID, a.now())
	}
}

// replayOutbox resends every unconfirmed frame on a fresh session. The
// server's incarnation and terminal-status checks make duplicates harmless.
func (a *Agent) replayOutbox(stream transport.Stream) error {
	a.sendMu.Lock()
	defer a.sendMu.Unlock()
	pending := a.outbox.Replayable(a.now())
	if len(pending) == 0 {
		return nil
	}
	a.logger.Info("replaying undelivered frames", slog.Int("count", len(pending)))
	for _, msg := range pending {
		if err := stream.Send(msg); err != nil {
			return fmt.Errorf("replay %s: %w", msg.Type, err)
		}
		a.outbox.MarkSent(msg.CorrelationID, a.now())
	}
	return nil
}

// persistState records the registered identity for the next process.
func (a *Agent) persistState(node *cluster.Node) {
	err := a.store.SaveState(&state.NodeState{
		NodeID:          node.ID,
		Name:            node.Name,
		OrchestratorURL: a.cfg.OrchestratorURL,
		RegisteredAt:    node.CreatedAt,
		LastStarted:     a.started,
	})
	if err != nil {
		a.logger.Warn("persist node state failed", slog.String("error", err.Error()))
	}
}

// teardown closes one session's stream and fails whatever was waiting on it.
func (a *Agent) teardown(stream transport.Stream) {
	stream.Close()
	a.setStream(nil)
	a.rpc.failAll(errConnectionClosed)
	a.setPhase(PhaseDisconnected)
}

func (a *Agent) stopping() bool {
	select {
	case <-a.stopCh:
		return true
	default:
		return false
	}
}

func (a *Agent) setPhase(p Phase) {
	a.mu.Lock()
	prev := a.phase
	a.phase = p
	a.mu.Unlock()
	if prev != p {
		a.logger.Debug("phase change", slog.String("from", string(prev)), slog.String("to", string(p)))
	}
}

func (a *Agent) setNodeID(id string) {
	a.mu.Lock()
	a.nodeID = id
	a.mu.Unlock()
}

func (a *Agent) setStream(s transport.Stream) {
	a.mu.Lock()
	a.stream = s
	a.mu.Unlock()
}

func (a *Agent) currentStream() transport.Stream {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.stream
}

// deriveEndpoints splits one configured URL into the websocket channel URL
// and the REST base.
func deriveEndpoints(raw string) (channelURL, restBase string, err error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", "", fmt.Errorf("parse orchestrator URL: %w", err)
	}

	channel := *u
	switch u.Scheme {
	case "ws", "wss":
	case "http":
		channel.Scheme = "ws"
	case "https":
		channel.Scheme = "wss"
	default:
		return "", "", fmt.Errorf("orchestrator URL scheme %q is not supported", u.Scheme)
	}
	if channel.Host == "" {
		return "", "", fmt.Errorf("orchestrator URL %q has no host", raw)
	}
	if channel.Path == "" || channel.Path == "/" {
		channel.Path = "/api/v1/channel"
	}

	rest := channel
	if channel.Scheme == "wss" {
		rest.Scheme = "https"
	} else {
		rest.Scheme = "http"
	}
	rest.Path = strings.TrimSuffix(channel.Path, "/api/v1/channel")
	rest.RawQuery = ""

	return channel.String(), strings.TrimSuffix(rest.String(), "/"), nil
}
