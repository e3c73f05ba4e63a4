// Copyright 2026 Datafox Labs
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
// Package enginetest provides an in-memory fake analytical engine for
// exercising the session pool and executor without a network.
package enginetest

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/datafox-labs/tether/pkg/engine/protocol"
	"github.com/datafox-labs/tether/pkg/engine/transport"
)

// Handler produces a result or an engine error for one method.
type Handler func(params json.RawMessage) (any, *protocol.Error)

// Engine is a scriptable fake engine. Every Dial produces a fresh Conn
// wired back to it; default handlers answer open/close/ping/resume so most
// tests only override what they care about.
type Engine struct {
	mu       sync.Mutex
	handlers map[string]Handler
	conns    []*Conn

	dials atomic.Int32
	opens atomic.Int32
}

// New creates a fake engine with the default handlers installed.
func New() *Engine {
	e := &Engine{handlers: make(map[string]Handler)}

	e.Handle(protocol.MethodOpenDoc, func(params json.RawMessage) (any, *protocol.Error) {
		var p protocol.OpenDocParams
		_ = json.Unmarshal(params, &p)
		e.opens.Add(1)
		return protocol.OpenDocResult{
			SessionID:  "sess-" + p.DocumentID,
			DocumentID: p.DocumentID,
		}, nil
	})
	e.Handle(protocol.MethodCloseDoc, func(json.RawMessage) (any, *protocol.Error) {
		return struct{}{}, nil
	})
	e.Handle(protocol.MethodPing, func(json.RawMessage) (any, *protocol.Error) {
		return struct{}{}, nil
	})
	e.Handle(protocol.MethodResume, func(json.RawMessage) (any, *protocol.Error) {
		return struct{}{}, nil
	})

	return e
}

// Handle installs or replaces the handler for method.
func (e *Engine) Handle(method string, h Handler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers[method] = h
}

// FailWith makes method answer with the given engine error.
func (e *Engine) FailWith(method string, engineErr *protocol.Error) {
	e.Handle(method, func(json.RawMessage) (any, *protocol.Error) {
		return nil, engineErr
	})
}

// Dialer returns a transport dialer that connects to this fake engine.
func (e *Engine) Dialer() transport.Dialer {
	return transport.DialerFunc(func(ctx context.Context, documentID string) (transport.Transport, error) {
		e.dials.Add(1)
		c := &Conn{
			engine:   e,
			incoming: make(chan []byte, 64),
			closed:   make(chan struct{}),
		}
		e.mu.Lock()
		e.conns = append(e.conns, c)
		e.mu.Unlock()
		return c, nil
	})
}

// DialCount returns how many connections were dialed.
func (e *Engine) DialCount() int { return int(e.dials.Load()) }

// OpenCount returns how many document/open calls were handled.
func (e *Engine) OpenCount() int { return int(e.opens.Load()) }

// NotifyAll pushes an unsolicited notification to every live connection.
func (e *Engine) NotifyAll(method string, params any) {
	req, err := protocol.NewRequest(nil, method, params)
	if err != nil {
		return
	}
	data, _ := json.Marshal(req)

	e.mu.Lock()
	conns := append([]*Conn(nil), e.conns...)
	e.mu.Unlock()

	for _, c := range conns {
		c.push(data)
	}
}

// DropAll severs every live connection without a close frame, as a vanished
// peer would.
func (e *Engine) DropAll() {
	e.mu.Lock()
	conns := e.conns
	e.conns = nil
	e.mu.Unlock()

	for _, c := range conns {
		c.drop()
	}
}

func (e *Engine) dispatch(method string, params json.RawMessage) (any, *protocol.Error) {
	e.mu.Lock()
	h, ok := e.handlers[method]
	e.mu.Unlock()
	if !ok {
		return nil, protocol.NewError(protocol.MethodNotFound, fmt.Sprintf("method not found: %s", method), nil)
	}
	return h(params)
}

func (e *Engine) removeConn(c *Conn) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, cur := range e.conns {
		if cur == c {
			e.conns = append(e.conns[:i], e.conns[i+1:]...)
			return
		}
	}
}

// Conn is one fake transport connection.
type Conn struct {
	engine   *Engine
	incoming chan []byte

	closeOnce sync.Once
	closed    chan struct{}
}

// Send handles the request synchronously and queues the response.
func (c *Conn) Send(ctx context.Context, message []byte) error {
	select {
	case <-c.closed:
		return io.ErrClosedPipe
	default:
	}

	var req protocol.Request
	if err := json.Unmarshal(message, &req); err != nil {
		return fmt.Errorf("fake engine: bad frame: %w", err)
	}
	if req.IsNotification() {
		return nil
	}

	result, engineErr := c.engine.dispatch(req.Method, req.Params)

	resp := protocol.Response{JSONRPC: protocol.JSONRPCVersion, ID: req.ID}
	if engineErr != nil {
		resp.Error = engineErr
	} else {
		raw, err := json.Marshal(result)
		if err != nil {
			return err
		}
		resp.Result = raw
	}

	data, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	c.push(data)
	return nil
}

// Receive blocks for the next queued frame.
func (c *Conn) Receive(ctx context.Context) ([]byte, error) {
	select {
	case <-c.closed:
		return nil, io.EOF
	case <-ctx.Done():
		return nil, ctx.Err()
	case data, ok := <-c.incoming:
		if !ok {
			return nil, io.EOF
		}
		return data, nil
	}
}

// Close tears the connection down from the client side.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.engine.removeConn(c)
	})
	return nil
}

// drop severs from the engine side; Receive observes EOF.
func (c *Conn) drop() {
	c.closeOnce.Do(func() {
		close(c.closed)
	})
}

func (c *Conn) push(data []byte) {
	select {
	case <-c.closed:
	case c.incoming <- data:
	default:
	}
}
