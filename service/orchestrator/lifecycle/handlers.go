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

package lifecycle

import (
	"context"
	"errors"

	"go.corp.nvidia.com/longshore/pkg/wire"
	"go.corp.nvidia.com/longshore/service/orchestrator/server"
)

// Mount registers the node:* channel handlers.
func (s *Service) Mount(srv *server.Server) {
	srv.Handle(wire.TypeNodeRegister, s.handleRegister)
	srv.Handle(wire.TypeNodeReconnect, s.handleReconnect)
	srv.Handle(wire.TypeNodeHeartbeat, s.handleHeartbeat)
	srv.Handle(wire.TypeNodeMetrics, s.handleNodeMetrics)
}

// errorReply converts an expected failure into the matching :error frame;
// anything else bubbles up to the channel layer as an internal error.
func errorReply(msg *wire.Message, errType wire.Type, err error) (*wire.Message, error) {
	var ep *wire.ErrorPayload
	if errors.As(err, &ep) {
		return msg.Reply(errType, ep)
	}
	return nil, err
}

func (s *Service) handleRegister(ctx context.Context, conn *server.Conn, msg *wire.Message) (*wire.Message, error) {
	payload, err := wire.Payload[wire.RegisterPayload](msg)
	if err != nil {
		return msg.Reply(wire.TypeNodeRegisterError,
			wire.Errorf(wire.CodeValidationError, "invalid register payload: %v", err))
	}

	node, err := s.Register(ctx, conn.ID(), conn.Identity(), &payload)
	if err != nil {
		return errorReply(msg, wire.TypeNodeRegisterError, err)
	}
	return msg.Reply(wire.TypeNodeRegisterAck, &wire.RegisterAckPayload{Node: node})
}

func (s *Service) handleReconnect(ctx context.Context, conn *server.Conn, msg *wire.Message) (*wire.Message, error) {
	payload, err := wire.Payload[wire.ReconnectPayload](msg)
	if err != nil {
		return msg.Reply(wire.TypeNodeReconnectError,
			wire.Errorf(wire.CodeValidationError, "invalid reconnect payload: %v", err))
	}

	node, err := s.Reconnect(ctx, conn.ID(), conn.Identity(), payload.NodeID)
	if err != nil {
		return errorReply(msg, wire.TypeNodeReconnectError, err)
	}
	return msg.Reply(wire.TypeNodeReconnectAck, &wire.ReconnectAckPayload{Node: node})
}

func (s *Service) handleHeartbeat(ctx context.Context, conn *server.Conn, msg *wire.Message) (*wire.Message, error) {
	payload, err := wire.Payload[wire.HeartbeatPayload](msg)
	if err != nil {
		return msg.Reply(wire.TypeNodeHeartbeatError,
			wire.Errorf(wire.CodeValidationError, "invalid heartbeat payload: %v", err))
	}

	if _, err := s.Heartbeat(ctx, conn.ID(), &payload); err != nil {
		return errorReply(msg, wire.TypeNodeHeartbeatError, err)
	}
	return msg.Reply(wire.TypeNodeHeartbeatAck, &wire.HeartbeatAckPayload{ServerTime: s.now()})
}

// Metrics frames are one-way; failures surface as an untyped error frame.
func (s *Service) handleNodeMetrics(ctx context.Context, conn *server.Conn, msg *wire.Message) (*wire.Message, error) {
	payload, err := wire.Payload[wire.NodeMetricsPayload](msg)
	if err != nil {
		return nil, wire.Errorf(wire.CodeValidationError, "invalid metrics payload: %v", err)
	}
	if err := s.NodeMetrics(ctx, conn.ID(), &payload); err != nil {
		return nil, err
	}
	return nil, nil
}
