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
// Package executor layers retry, deadline, and batch semantics on top of
// pooled engine sessions.
package executor

import (
	"errors"
	"io"
	"net"
	"strings"
	"syscall"

	"github.com/gorilla/websocket"

	"github.com/datafox-labs/tether/pkg/engine/session"
)

// connErrorPatterns are message fragments that indicate a dead or stale
// connection rather than a failure of the requested operation. This list is
// the single decision point for whether the executor retries: a false
// positive retries forever against a healthy session, a false negative
// leaves a dead session in the pool. Review it whenever the transport layer
// changes its error wording.
var connErrorPatterns = []string{
	"connection closed",
	"connection reset",
	"connection refused",
	"broken pipe",
	"not connected",
	"use of closed network connection",
	"websocket: close",
	"unexpected eof",
	"no route to host",
	"socket hang up",
}

// IsConnectionError reports whether err indicates the underlying connection
// is unusable. Logical engine errors (not found, access denied, validation)
// and deadline expiries are not connection errors.
func IsConnectionError(err error) bool {
	if err == nil {
		return false
	}

	// Deadline expiry is the caller giving up, not the transport dying.
	var timeout *TimeoutError
	if errors.As(err, &timeout) {
		return false
	}

	if errors.Is(err, session.ErrConnClosed) ||
		errors.Is(err, session.ErrSessionClosed) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) {
		return true
	}

	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		return true
	}
	var netErr *net.OpError
	if errors.As(err, &netErr) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, pattern := range connErrorPatterns {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}
