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

package server

import (
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"go.corp.nvidia.com/longshore/internal/auth"
	"go.corp.nvidia.com/longshore/pkg/wire"
)

// writeWait bounds how long a single frame write may block before the
// connection is considered wedged.
const writeWait = 10 * time.Second

// ErrConnClosed is returned by Send once the connection has been closed.
var ErrConnClosed = errors.New("connection closed")

// Conn is one attached channel. All frame writes go through the outbound
// queue and a single writer goroutine; gorilla connections do not tolerate
// concurrent writers. Reads happen on the server's read pump.
type Conn struct {
	id string
	ws *websocket.Conn

	// Outbound queue, drained by writePump. Senders block only until the
	// buffer drains, never on the socket itself.
	sendCh chan []byte

	// done is closed exactly once when the connection ends. It is the only
	// close signal; the data channel is never closed so concurrent senders
	// cannot panic.
	done      chan struct{}
	closeOnce sync.Once

	// Close code and reason, written before done is closed.
	closeCode   int
	closeReason string

	mu           sync.RWMutex
	identity     *auth.Identity
	nodeIDs      map[string]struct{}
	lastActivity time.Time

	connectedAt time.Time
	logger      *slog.Logger
}

func newConn(ws *websocket.Conn, queueSize int, logger *slog.Logger) *Conn {
	if logger == nil {
		logger = slog.Default()
	}
	now := time.Now()
	id := strings.ReplaceAll(uuid.New().String(), "-", "")
	return &Conn{
		id:           id,
		ws:           ws,
		sendCh:       make(chan []byte, queueSize),
		done:         make(chan struct{}),
		nodeIDs:      make(map[string]struct{}),
		lastActivity: now,
		connectedAt:  now,
		logger:       logger.With(slog.String("connection_id", id)),
	}
}

// ID returns the connection id assigned at accept time.
func (c *Conn) ID() string { return c.id }

// ConnectedAt returns when the channel was accepted.
func (c *Conn) ConnectedAt() time.Time { return c.connectedAt }

// Identity returns the authenticated identity, or nil before authentication.
func (c *Conn) Identity() *auth.Identity {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.identity
}

// SetIdentity binds an authenticated identity to the connection.
func (c *Conn) SetIdentity(identity *auth.Identity) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.identity = identity
}

// Authenticated reports whether an identity has been bound.
func (c *Conn) Authenticated() bool {
	return c.Identity() != nil
}

// NodeIDs returns the node ids currently attached to this connection.
func (c *Conn) NodeIDs() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ids := make([]string, 0, len(c.nodeIDs))
	for id := range c.nodeIDs {
		ids = append(ids, id)
	}
	return ids
}

func (c *Conn) addNode(nodeID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nodeIDs[nodeID] = struct{}{}
}

func (c *Conn) removeNode(nodeID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.nodeIDs, nodeID)
}

// LastActivity returns the time of the most recent inbound traffic.
func (c *Conn) LastActivity() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastActivity
}

func (c *Conn) touch() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastActivity = time.Now()
}

// Send encodes the frame and queues it for delivery. It blocks until the
// queue has room or the connection closes.
func (c *Conn) Send(msg *wire.Message) error {
	data, err := msg.Encode()
	if err != nil {
		return err
	}
	// Checked up front: a two-way select against a closed done channel would
	// still queue sometimes when the buffer has room.
	select {
	case <-c.done:
		return ErrConnClosed
	default:
	}
	select {
	case c.sendCh <- data:
		return nil
	case <-c.done:
		return ErrConnClosed
	}
}

// Done returns a channel closed when the connection ends.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Close ends the connection (idempotent). Frames already queued are flushed,
// then a close frame with the given code is written and the socket is torn
// down, which also unblocks the read pump.
func (c *Conn) Close(code int, reason string) {
	c.closeOnce.Do(func() {
		c.closeCode = code
		c.closeReason = reason
		close(c.done)
	})
}

// Disconnect queues a disconnect frame explaining why and closes with code
// 1001 (going away). Used for server-initiated closes: shutdown and
// superseded connections.
func (c *Conn) Disconnect(reason string) {
	_ = c.Send(wire.DisconnectMessage(reason))
	c.Close(websocket.CloseGoingAway, reason)
}

// writePump is the single writer. It drains the outbound queue, emits
// protocol-level pings every pingInterval, and on close flushes remaining
// frames before writing the close frame.
func (c *Conn) writePump(pingInterval time.Duration) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case data := <-c.sendCh:
			if err := c.writeFrame(data); err != nil {
				c.logger.Debug("frame write failed", slog.String("error", err.Error()))
				c.Close(websocket.CloseAbnormalClosure, "write failed")
				c.teardown()
				return
			}

		case <-ticker.C:
			deadline := time.Now().Add(writeWait)
			if err := c.ws.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				c.logger.Debug("ping failed", slog.String("error", err.Error()))
				c.Close(websocket.CloseAbnormalClosure, "ping failed")
				c.teardown()
				return
			}

		case <-c.done:
			c.flush()
			c.teardown()
			return
		}
	}
}

// flush writes whatever was queued before close was requested. The disconnect
// frame sent ahead of a server-initiated close travels this path.
func (c *Conn) flush() {
	for {
		select {
		case data := <-c.sendCh:
			if err := c.writeFrame(data); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (c *Conn) writeFrame(data []byte) error {
	if err := c.ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

// teardown writes the close frame and drops the socket. Closing the socket
// unblocks any pending read.
func (c *Conn) teardown() {
	deadline := time.Now().Add(writeWait)
	frame := websocket.FormatCloseMessage(c.closeCode, c.closeReason)
	_ = c.ws.WriteControl(websocket.CloseMessage, frame, deadline)
	_ = c.ws.Close()
}
