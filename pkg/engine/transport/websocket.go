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
package transport

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	defaultHandshakeTimeout = 10 * time.Second
	closeWriteTimeout       = 2 * time.Second
)

// WebSocketTransport speaks the engine protocol over one websocket.
// Writes are serialized with a mutex; reads are expected to come from a
// single receive loop.
type WebSocketTransport struct {
	conn    *websocket.Conn
	logger  *zap.Logger
	writeMu sync.Mutex

	closeOnce sync.Once
	closed    chan struct{}
}

// DialWebSocket opens a websocket to the engine endpoint described by cfg.
// The auth token travels in the Authorization header of the upgrade request.
func DialWebSocket(ctx context.Context, cfg DialConfig) (*WebSocketTransport, error) {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.HandshakeTimeout == 0 {
		cfg.HandshakeTimeout = defaultHandshakeTimeout
	}

	if _, err := url.Parse(cfg.URL); err != nil {
		return nil, fmt.Errorf("invalid engine URL %q: %w", cfg.URL, err)
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: cfg.HandshakeTimeout,
	}

	header := http.Header{}
	if cfg.AuthToken != "" {
		header.Set("Authorization", "Bearer "+cfg.AuthToken)
	}

	conn, resp, err := dialer.DialContext(ctx, cfg.URL, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("websocket dial %s failed (status %d): %w", cfg.URL, resp.StatusCode, err)
		}
		return nil, fmt.Errorf("websocket dial %s failed: %w", cfg.URL, err)
	}

	cfg.Logger.Debug("websocket connected", zap.String("url", cfg.URL))

	return &WebSocketTransport{
		conn:   conn,
		logger: cfg.Logger,
		closed: make(chan struct{}),
	}, nil
}

// Send writes one text frame.
func (t *WebSocketTransport) Send(ctx context.Context, message []byte) error {
	select {
	case <-t.closed:
		return fmt.Errorf("websocket transport closed: %w", io.ErrClosedPipe)
	default:
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	if deadline, ok := ctx.Deadline(); ok {
		_ = t.conn.SetWriteDeadline(deadline)
	} else {
		_ = t.conn.SetWriteDeadline(time.Time{})
	}

	if err := t.conn.WriteMessage(websocket.TextMessage, message); err != nil {
		return fmt.Errorf("websocket write failed: %w", err)
	}
	return nil
}

// Receive blocks until the next frame arrives or the transport closes.
// Binary and text frames are both accepted; control frames are handled by
// the underlying library.
func (t *WebSocketTransport) Receive(ctx context.Context) ([]byte, error) {
	select {
	case <-t.closed:
		return nil, io.EOF
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	_, data, err := t.conn.ReadMessage()
	if err != nil {
		select {
		case <-t.closed:
			// Local close raced the read; report clean shutdown.
			return nil, io.EOF
		default:
		}
		return nil, fmt.Errorf("websocket read failed: %w", err)
	}
	return data, nil
}

// Close sends a close frame best-effort and tears down the socket.
func (t *WebSocketTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.closed)

		t.writeMu.Lock()
		writeErr := t.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(closeWriteTimeout),
		)
		t.writeMu.Unlock()
		if writeErr != nil {
			t.logger.Debug("failed to send websocket close frame", zap.Error(writeErr))
		}

		err = t.conn.Close()
	})
	return err
}
