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

// Package server terminates the node channel: it upgrades HTTP requests to
// WebSocket connections, frames JSON messages, enforces authentication and
// liveness, and routes frames to the registered handlers. Each connection is
// read by one goroutine so messages from a single node are processed in
// order; connections are independent of each other.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"go.corp.nvidia.com/longshore/internal/auth"
	"go.corp.nvidia.com/longshore/pkg/wire"
	"go.corp.nvidia.com/longshore/utils/metrics"
)

// Config tunes the channel layer.
type Config struct {
	// PingInterval is how often a liveness probe is sent.
	PingInterval time.Duration
	// PongTimeout is the grace beyond PingInterval before a silent
	// connection is force-terminated.
	PongTimeout time.Duration
	// MaxMessageSize caps inbound frame size in bytes.
	MaxMessageSize int64
	// RequireAuth gates node-scope messages behind auth:authenticate.
	RequireAuth bool
	// SendQueueSize is the per-connection outbound buffer.
	SendQueueSize int
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		PingInterval:   30 * time.Second,
		PongTimeout:    10 * time.Second,
		MaxMessageSize: 1 << 20,
		RequireAuth:    true,
		SendQueueSize:  64,
	}
}

func (c *Config) normalize() {
	if c.PingInterval <= 0 {
		c.PingInterval = 30 * time.Second
	}
	if c.PongTimeout <= 0 {
		c.PongTimeout = 10 * time.Second
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = 1 << 20
	}
	if c.SendQueueSize <= 0 {
		c.SendQueueSize = 64
	}
}

// Handler processes one inbound frame. A non-nil reply is sent back on the
// same connection. Handlers signal expected failures by building their own
// typed error replies; a returned error is treated as unexpected, logged,
// and converted to a generic error frame.
type Handler func(ctx context.Context, conn *Conn, msg *wire.Message) (*wire.Message, error)

// Server accepts node channels and dispatches their frames.
type Server struct {
	cfg      Config
	provider auth.Provider
	registry *Registry
	handlers map[wire.Type]Handler
	upgrader websocket.Upgrader
	logger   *slog.Logger

	closed atomic.Bool
	wg     sync.WaitGroup
}

// NewServer creates a channel server. The provider verifies bearer tokens
// presented in auth:authenticate frames; it may be nil only when
// cfg.RequireAuth is false.
func NewServer(cfg Config, provider auth.Provider, registry *Registry, logger *slog.Logger) *Server {
	cfg.normalize()
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:      cfg,
		provider: provider,
		registry: registry,
		handlers: make(map[wire.Type]Handler),
		upgrader: websocket.Upgrader{
			HandshakeTimeout: 10 * time.Second,
			ReadBufferSize:   4096,
			WriteBufferSize:  4096,
			// Agents and browser runtimes connect from arbitrary origins;
			// the token handshake is the gate, not the Origin header.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		logger: logger,
	}
}

// Registry returns the connection registry backing this server.
func (s *Server) Registry() *Registry { return s.registry }

// Handle registers the handler for a message type. Later registrations for
// the same type replace earlier ones.
func (s *Server) Handle(t wire.Type, h Handler) {
	s.handlers[t] = h
}

// ServeHTTP upgrades the request and runs the connection until it closes.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if s.closed.Load() {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error response.
		s.logger.Warn("channel upgrade failed",
			slog.String("remote", r.RemoteAddr),
			slog.String("error", err.Error()),
		)
		return
	}

	conn := newConn(ws, s.cfg.SendQueueSize, s.logger)

	// A bearer token on the upgrade request authenticates the connection up
	// front; auth:authenticate remains available for clients that cannot
	// set headers (browser runtimes).
	if identity, ok := auth.IdentityFromContext(r.Context()); ok {
		conn.SetIdentity(identity)
	}

	s.registry.Add(conn)
	s.wg.Add(1)
	s.recordChannels(r.Context(), 1)

	go conn.writePump(s.cfg.PingInterval)

	if err := conn.Send(wire.ConnectedMessage(conn.ID(), s.cfg.RequireAuth)); err != nil {
		s.logger.Debug("greeting failed", slog.String("connection_id", conn.ID()))
	}

	s.logger.Info("channel accepted",
		slog.String("connection_id", conn.ID()),
		slog.String("remote", r.RemoteAddr),
		slog.Bool("authenticated", conn.Authenticated()),
	)

	s.readPump(conn)
}

// readPump reads frames until the connection dies, then unwinds the
// registry entry. Runs on the HTTP handler goroutine.
func (s *Server) readPump(conn *Conn) {
	defer s.wg.Done()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	defer func() {
		conn.Close(websocket.CloseAbnormalClosure, "connection lost")
		s.registry.Remove(conn)
		s.recordChannels(context.Background(), -1)
		s.logger.Info("channel closed", slog.String("connection_id", conn.ID()))
	}()

	readTimeout := s.cfg.PingInterval + s.cfg.PongTimeout

	conn.ws.SetReadLimit(s.cfg.MaxMessageSize)
	_ = conn.ws.SetReadDeadline(time.Now().Add(readTimeout))
	conn.ws.SetPongHandler(func(string) error {
		conn.touch()
		return conn.ws.SetReadDeadline(time.Now().Add(readTimeout))
	})

	for {
		_, data, err := conn.ReadRaw()
		if err != nil {
			if errors.Is(err, websocket.ErrReadLimit) {
				// Best effort: gorilla has already answered with close 1009,
				// but the error frame may still reach the peer first.
				_ = conn.Send(wire.ErrorMessage(wire.CodeMessageTooLarge, "frame exceeds maximum message size"))
			} else if websocket.IsUnexpectedCloseError(err,
				websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug("read failed",
					slog.String("connection_id", conn.ID()),
					slog.String("error", err.Error()),
				)
			}
			return
		}

		conn.touch()
		_ = conn.ws.SetReadDeadline(time.Now().Add(readTimeout))

		s.dispatch(ctx, conn, data)
	}
}

// ReadRaw reads one frame off the socket. Exposed on Conn so the read pump
// and tests share one entry point.
func (c *Conn) ReadRaw() (int, []byte, error) {
	return c.ws.ReadMessage()
}

// dispatch decodes one frame and routes it. Decode failures and unknown
// types produce error frames without tearing down the channel.
func (s *Server) dispatch(ctx context.Context, conn *Conn, data []byte) {
	msg, err := wire.Decode(data)
	if err != nil {
		if errors.Is(err, wire.ErrMissingType) {
			s.sendError(conn, "", wire.CodeInvalidMessage, "frame has no type")
		} else {
			s.sendError(conn, "", wire.CodeInvalidJSON, "frame is not valid JSON")
		}
		return
	}

	switch msg.Type {
	case wire.TypePing:
		_ = conn.Send(wire.PongMessage(time.Now()))
		return
	case wire.TypePong:
		return
	case wire.TypeAuthenticate:
		s.handleAuthenticate(ctx, conn, msg)
		return
	}

	if s.cfg.RequireAuth && !conn.Authenticated() {
		s.sendError(conn, msg.CorrelationID, wire.CodeUnauthorized, "authentication required")
		return
	}

	handler, ok := s.handlers[msg.Type]
	if !ok {
		s.sendError(conn, msg.CorrelationID, wire.CodeUnknownMessageType,
			"unknown message type: "+string(msg.Type))
		return
	}

	s.invoke(ctx, conn, msg, handler)
}

// invoke runs one handler with panic containment. A handler crash is logged
// with its stack and answered with an error frame; the channel survives.
func (s *Server) invoke(ctx context.Context, conn *Conn, msg *wire.Message, handler Handler) {
	defer func() {
		if rec := recover(); rec != nil {
			s.logger.Error("handler panic",
				slog.String("connection_id", conn.ID()),
				slog.String("type", string(msg.Type)),
				slog.Any("panic", rec),
				slog.String("stack", string(debug.Stack())),
			)
			s.sendError(conn, msg.CorrelationID, wire.CodeInternalError, "internal error")
		}
	}()

	reply, err := handler(ctx, conn, msg)
	if err != nil {
		var ep *wire.ErrorPayload
		if errors.As(err, &ep) {
			s.sendError(conn, msg.CorrelationID, ep.Code, ep.Message)
			return
		}
		s.logger.Error("handler failed",
			slog.String("connection_id", conn.ID()),
			slog.String("type", string(msg.Type)),
			slog.String("error", err.Error()),
		)
		s.sendError(conn, msg.CorrelationID, wire.CodeInternalError, "internal error")
		return
	}
	if reply != nil {
		if err := conn.Send(reply); err != nil {
			s.logger.Debug("reply dropped",
				slog.String("connection_id", conn.ID()),
				slog.String("type", string(reply.Type)),
			)
		}
	}
}

// handleAuthenticate verifies the presented token and binds the identity.
func (s *Server) handleAuthenticate(ctx context.Context, conn *Conn, msg *wire.Message) {
	payload, err := wire.Payload[wire.AuthenticatePayload](msg)
	if err != nil || payload.Token == "" {
		reply := wire.AuthErrorMessage(wire.CodeValidationError, "token is required")
		reply.CorrelationID = msg.CorrelationID
		_ = conn.Send(reply)
		return
	}

	if s.provider == nil {
		reply := wire.AuthErrorMessage(wire.CodeAuthFailed, "authentication is not configured")
		reply.CorrelationID = msg.CorrelationID
		_ = conn.Send(reply)
		return
	}

	identity, err := s.provider.Verify(ctx, payload.Token)
	if err != nil {
		s.logger.Warn("channel authentication failed",
			slog.String("connection_id", conn.ID()),
			slog.String("error", err.Error()),
		)
		reply := wire.AuthErrorMessage(wire.CodeAuthFailed, "invalid or expired token")
		reply.CorrelationID = msg.CorrelationID
		_ = conn.Send(reply)
		return
	}

	s.registry.Bind(conn.ID(), identity)

	reply := wire.AuthenticatedMessage(identity.UserID, identity.Roles)
	reply.CorrelationID = msg.CorrelationID
	_ = conn.Send(reply)

	s.logger.Info("channel authenticated",
		slog.String("connection_id", conn.ID()),
		slog.String("user_id", identity.UserID),
	)
}

func (s *Server) recordChannels(ctx context.Context, delta int64) {
	if mc := metrics.GetMetricCreator(); mc != nil {
		_ = mc.RecordUpDownCounter(ctx, "channel_connections", delta,
			"1", "Node channels currently attached.", nil)
	}
}

func (s *Server) sendError(conn *Conn, correlationID string, code wire.ErrorCode, message string) {
	msg := wire.ErrorMessage(code, message)
	msg.CorrelationID = correlationID
	if err := conn.Send(msg); err != nil {
		s.logger.Debug("error frame dropped", slog.String("connection_id", conn.ID()))
	}
}

// Shutdown stops accepting connections, notifies every node with a
// disconnect frame, closes all channels with code 1001, and waits for the
// pumps to drain or the context to expire.
func (s *Server) Shutdown(ctx context.Context, reason string) error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}

	s.registry.CloseAll(reason)

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
