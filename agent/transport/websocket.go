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

package transport

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"go.corp.nvidia.com/longshore/pkg/wire"
)

const (
	defaultHandshakeTimeout = 10 * time.Second
	writeWait               = 10 * time.Second
	// The server pings every 30s; allow three missed intervals before the
	// read side gives up on a silent connection.
	readIdleTimeout = 90 * time.Second
)

// WebSocket dials orchestrator channel endpoints.
type WebSocket struct {
	// HandshakeTimeout bounds the upgrade, default 10s.
	HandshakeTimeout time.Duration
	// MaxMessageSize caps inbound frame size in bytes, 0 for no cap.
	MaxMessageSize int64
}

// Dial implements Transport.
func (t *WebSocket) Dial(ctx context.Context, url string, header http.Header) (Stream, error) {
	timeout := t.HandshakeTimeout
	if timeout <= 0 {
		timeout = defaultHandshakeTimeout
	}
	dialer := &websocket.Dialer{
		HandshakeTimeout: timeout,
		ReadBufferSize:   4096,
		WriteBufferSize:  4096,
	}

	ws, resp, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
			return nil, fmt.Errorf("dial channel: %w (http %d)", err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial channel: %w", err)
	}

	if t.MaxMessageSize > 0 {
		ws.SetReadLimit(t.MaxMessageSize)
	}
	_ = ws.SetReadDeadline(time.Now().Add(readIdleTimeout))
	ws.SetPingHandler(func(appData string) error {
		_ = ws.SetReadDeadline(time.Now().Add(readIdleTimeout))
		return ws.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(writeWait))
	})

	return &wsStream{ws: ws}, nil
}

type wsStream struct {
	writeMu sync.Mutex
	ws      *websocket.Conn
}

func (s *wsStream) Send(msg *wire.Message) error {
	data, err := msg.Encode()
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return s.ws.WriteMessage(websocket.TextMessage, data)
}

func (s *wsStream) Recv() (*wire.Message, error) {
	_, data, err := s.ws.ReadMessage()
	if err != nil {
		return nil, err
	}
	_ = s.ws.SetReadDeadline(time.Now().Add(readIdleTimeout))
	msg, err := wire.Decode(data)
	if err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	return msg, nil
}

// Close sends a going-away close frame (code 1001) and tears the socket
// down.
func (s *wsStream) Close() error {
	s.writeMu.Lock()
	_ = s.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseGoingAway, "going away"),
		time.Now().Add(writeWait))
	s.writeMu.Unlock()
	return s.ws.Close()
}
