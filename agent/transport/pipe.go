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
	"net"
	"sync"

	"go.corp.nvidia.com/longshore/pkg/wire"
)

const pipeBuffer = 32

// Pipe returns two connected in-memory streams. Frames sent on one end are
// received on the other. Closing either end fails both with net.ErrClosed,
// after any frames already in flight have been drained.
func Pipe() (Stream, Stream) {
	ab := make(chan *wire.Message, pipeBuffer)
	ba := make(chan *wire.Message, pipeBuffer)
	done := make(chan struct{})
	once := &sync.Once{}
	a := &pipeStream{send: ab, recv: ba, done: done, once: once}
	b := &pipeStream{send: ba, recv: ab, done: done, once: once}
	return a, b
}

type pipeStream struct {
	send chan<- *wire.Message
	recv <-chan *wire.Message
	done chan struct{}
	once *sync.Once
}

func (s *pipeStream) Send(msg *wire.Message) error {
	select {
	case <-s.done:
		return net.ErrClosed
	default:
	}
	select {
	case s.send <- msg:
		return nil
	case <-s.done:
		return net.ErrClosed
	}
}

func (s *pipeStream) Recv() (*wire.Message, error) {
	select {
	case msg := <-s.recv:
		return msg, nil
	case <-s.done:
		// Drain what was in flight before reporting closure.
		select {
		case msg := <-s.recv:
			return msg, nil
		default:
			return nil, net.ErrClosed
		}
	}
}

func (s *pipeStream) Close() error {
	s.once.Do(func() { close(s.done) })
	return nil
}
