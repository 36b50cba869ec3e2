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

// Package transport is the agent's connection seam: a Transport dials the
// orchestrator and yields Streams of wire frames. The WebSocket
// implementation talks to real endpoints; Pipe provides an in-memory pair
// for tests.
package transport

import (
	"context"
	"net/http"

	"go.corp.nvidia.com/longshore/pkg/wire"
)

// Stream is one established channel connection. Send may be called from
// multiple goroutines; Recv must stay on a single reader. Closing either
// side unblocks both.
type Stream interface {
	Send(msg *wire.Message) error
	Recv() (*wire.Message, error)
	Close() error
}

// Transport establishes streams to an orchestrator endpoint.
type Transport interface {
	Dial(ctx context.Context, url string, header http.Header) (Stream, error)
}

// Func adapts a dial function into a Transport.
type Func func(ctx context.Context, url string, header http.Header) (Stream, error)

// Dial implements Transport.
func (f Func) Dial(ctx context.Context, url string, header http.Header) (Stream, error) {
	return f(ctx, url, header)
}
