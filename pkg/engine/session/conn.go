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
// Package session implements persistent document sessions against the remote
// analytical engine and the pool that multiplexes callers onto them.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/datafox-labs/tether/pkg/engine/protocol"
	"github.com/datafox-labs/tether/pkg/engine/transport"
)

// ErrConnClosed is returned for calls issued after the connection went away.
var ErrConnClosed = errors.New("engine connection closed")

// NotifyHandler receives unsolicited engine notifications (suspend, close).
type NotifyHandler func(method string, params json.RawMessage)

// conn correlates JSON-RPC requests with responses over one transport.
// It owns the receive loop; the session above it owns lifecycle.
type conn struct {
	transport transport.Transport
	logger    *zap.Logger

	nextID    atomic.Int64
	pending   map[int64]chan *protocol.Response
	pendingMu sync.Mutex

	onNotify NotifyHandler
	onError  func(err error) // transport-level receive failure

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	closeOnce sync.Once
}

func newConn(t transport.Transport, logger *zap.Logger, onNotify NotifyHandler, onError func(error)) *conn {
	ctx, cancel := context.WithCancel(context.Background())
	c := &conn{
		transport: t,
		logger:    logger,
		pending:   make(map[int64]chan *protocol.Response),
		onNotify:  onNotify,
		onError:   onError,
		ctx:       ctx,
		cancel:    cancel,
	}
	c.wg.Add(1)
	go c.receiveLoop()
	return c
}

// call sends one request and blocks until the matching response, ctx expiry,
// or connection teardown.
func (c *conn) call(ctx context.Context, method string, params any, result any) error {
	id := c.nextID.Add(1)
	req, err := protocol.NewRequest(&id, method, params)
	if err != nil {
		return err
	}

	respChan := make(chan *protocol.Response, 1)
	c.pendingMu.Lock()
	if c.pending == nil {
		c.pendingMu.Unlock()
		return ErrConnClosed
	}
	c.pending[id] = respChan
	c.pendingMu.Unlock()

	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
	}()

	reqJSON, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	if err := c.transport.Send(ctx, reqJSON); err != nil {
		return fmt.Errorf("failed to send %s request: %w", method, err)
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case resp, ok := <-respChan:
		if !ok || resp == nil {
			return ErrConnClosed
		}
		if resp.Error != nil {
			return resp.Error
		}
		if result != nil && resp.Result != nil {
			if err := json.Unmarshal(resp.Result, result); err != nil {
				return fmt.Errorf("failed to parse %s result: %w", method, err)
			}
		}
		return nil
	}
}

// ping issues the engine's cheap health call.
func (c *conn) ping(ctx context.Context) error {
	return c.call(ctx, protocol.MethodPing, nil, nil)
}

func (c *conn) close() error {
	var err error
	c.closeOnce.Do(func() {
		c.cancel()
		err = c.transport.Close()
		c.wg.Wait()
		c.failPending(ErrConnClosed)
	})
	return err
}

// failPending unblocks every caller still waiting for a response.
func (c *conn) failPending(err error) {
	c.pendingMu.Lock()
	pending := c.pending
	c.pending = nil
	c.pendingMu.Unlock()

	for id, ch := range pending {
		c.logger.Debug("failing pending request", zap.Int64("id", id), zap.Error(err))
		close(ch)
	}
}

func (c *conn) receiveLoop() {
	defer c.wg.Done()

	for {
		data, err := c.transport.Receive(c.ctx)
		if err != nil {
			if c.ctx.Err() != nil {
				return // local close
			}
			// Remote EOF without a local close means the connection died
			// underneath us. Surface it so the session can deregister.
			if errors.Is(err, io.EOF) {
				err = fmt.Errorf("connection closed by engine: %w", err)
			}
			c.failPending(err)
			if c.onError != nil {
				// Run outside the receive loop: the handler tears the
				// session down, which waits for this goroutine to exit.
				go c.onError(err)
			}
			return
		}

		if len(data) == 0 {
			continue
		}

		var resp protocol.Response
		if err := json.Unmarshal(data, &resp); err == nil && resp.ID != nil {
			c.dispatchResponse(&resp)
			continue
		}

		var req protocol.Request
		if err := json.Unmarshal(data, &req); err == nil && req.Method != "" {
			if c.onNotify != nil {
				// Notification handlers issue their own calls (resume) and
				// may close the conn, so they cannot run on the receive loop.
				go c.onNotify(req.Method, req.Params)
			}
			continue
		}

		c.logger.Warn("received unrecognized engine message", zap.ByteString("data", data))
	}
}

func (c *conn) dispatchResponse(resp *protocol.Response) {
	c.pendingMu.Lock()
	respChan, exists := c.pending[*resp.ID]
	c.pendingMu.Unlock()

	if !exists {
		c.logger.Warn("response for unknown request", zap.Int64("id", *resp.ID))
		return
	}

	select {
	case respChan <- resp:
	default:
		c.logger.Warn("response channel full", zap.Int64("id", *resp.ID))
	}
}
