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
// Package transport implements the communication layer between the session
// pool and the remote analytical engine.
package transport

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Transport is the communication layer the session conn multiplexes over.
// The production implementation is a websocket; tests use an in-memory fake.
type Transport interface {
	// Send sends one message frame.
	Send(ctx context.Context, message []byte) error

	// Receive receives the next message frame (blocking).
	Receive(ctx context.Context) ([]byte, error)

	// Close closes the transport. Safe to call more than once.
	Close() error
}

// DialConfig carries everything needed to open one engine connection.
// EndpointBase and AuthToken come from the cloud credential resolver; the
// session layer itself never manages credentials.
type DialConfig struct {
	URL              string
	AuthToken        string
	HandshakeTimeout time.Duration // Default: 10s
	Logger           *zap.Logger
}

// Dialer opens a transport for one document. The pool holds a Dialer so the
// wire protocol can be swapped out in tests.
type Dialer interface {
	Dial(ctx context.Context, documentID string) (Transport, error)
}

// DialerFunc adapts a function to the Dialer interface.
type DialerFunc func(ctx context.Context, documentID string) (Transport, error)

// Dial calls f.
func (f DialerFunc) Dial(ctx context.Context, documentID string) (Transport, error) {
	return f(ctx, documentID)
}
