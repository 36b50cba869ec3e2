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

// Package wire defines the orchestrator/node protocol: discrete text frames,
// each one JSON object {type, payload, correlationId?}. Frames are ordered
// within a connection and lossy across reconnects; the incarnation field on
// pod messages disambiguates stale traffic.
package wire

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Type tags a frame. Request/response pairs share a prefix with :ack/:error
// or :success/:error suffixes.
type Type string

const (
	TypeConnected  Type = "connected"
	TypePing       Type = "ping"
	TypePong       Type = "pong"
	TypeError      Type = "error"
	TypeDisconnect Type = "disconnect"

	TypeAuthenticate  Type = "auth:authenticate"
	TypeAuthenticated Type = "auth:authenticated"
	TypeAuthError     Type = "auth:error"

	TypeNodeRegister      Type = "node:register"
	TypeNodeRegisterAck   Type = "node:register:ack"
	TypeNodeRegisterError Type = "node:register:error"

	TypeNodeReconnect      Type = "node:reconnect"
	TypeNodeReconnectAck   Type = "node:reconnect:ack"
	TypeNodeReconnectError Type = "node:reconnect:error"

	TypeNodeHeartbeat      Type = "node:heartbeat"
	TypeNodeHeartbeatAck   Type = "node:heartbeat:ack"
	TypeNodeHeartbeatError Type = "node:heartbeat:error"

	TypePodDeploy        Type = "pod:deploy"
	TypePodDeploySuccess Type = "pod:deploy:success"
	TypePodDeployError   Type = "pod:deploy:error"

	TypePodStop        Type = "pod:stop"
	TypePodStopSuccess Type = "pod:stop:success"
	TypePodStopError   Type = "pod:stop:error"

	TypePodStatusUpdate Type = "pod:status:update"

	TypeNodeMetrics Type = "metrics:node"
)

// Decode failure modes the channel layer maps onto error frames.
var (
	ErrInvalidJSON = errors.New("frame is not valid JSON")
	ErrMissingType = errors.New("frame has no type")
)

// Message is the frame envelope. Payload stays raw until a handler knows the
// concrete shape for the type.
type Message struct {
	Type          Type            `json:"type"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	CorrelationID string          `json:"correlationId,omitempty"`
}

// Decode parses a raw text frame into an envelope.
func Decode(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidJSON, err)
	}
	if msg.Type == "" {
		return nil, ErrMissingType
	}
	return &msg, nil
}

// Encode serializes the envelope to its frame bytes.
func (m *Message) Encode() ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode %s frame: %w", m.Type, err)
	}
	return data, nil
}

// New builds a frame for the given type, marshalling payload in place.
// A nil payload produces a bare envelope.
func New(t Type, payload any) (*Message, error) {
	msg := &Message{Type: t}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal %s payload: %w", t, err)
		}
		msg.Payload = raw
	}
	return msg, nil
}

// MustNew is New for payloads that cannot fail to marshal (our own structs).
func MustNew(t Type, payload any) *Message {
	msg, err := New(t, payload)
	if err != nil {
		panic(err)
	}
	return msg
}

// WithCorrelation stamps the frame with a correlation id and returns it.
func (m *Message) WithCorrelation(id string) *Message {
	m.CorrelationID = id
	return m
}

// Reply builds a response frame carrying the request's correlation id.
func (m *Message) Reply(t Type, payload any) (*Message, error) {
	reply, err := New(t, payload)
	if err != nil {
		return nil, err
	}
	reply.CorrelationID = m.CorrelationID
	return reply, nil
}

// Payload unmarshals the frame payload into T.
func Payload[T any](m *Message) (T, error) {
	var out T
	if len(m.Payload) == 0 {
		return out, fmt.Errorf("%s frame has no payload", m.Type)
	}
	if err := json.Unmarshal(m.Payload, &out); err != nil {
		return out, fmt.Errorf("decode %s payload: %w", m.Type, err)
	}
	return out, nil
}

// NewCorrelationID returns a fresh correlation id. Hyphens are stripped to
// keep frame overhead down.
func NewCorrelationID() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")
}

// IsResponse reports whether the type is an ack/success/error counterpart of
// a request, i.e. a frame routed by correlation id rather than by handler.
func (t Type) IsResponse() bool {
	s := string(t)
	return strings.HasSuffix(s, ":ack") ||
		strings.HasSuffix(s, ":success") ||
		strings.HasSuffix(s, ":error")
}
