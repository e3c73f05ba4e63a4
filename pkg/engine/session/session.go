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
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/datafox-labs/tether/pkg/engine/protocol"
	"github.com/datafox-labs/tether/pkg/engine/transport"
	"github.com/datafox-labs/tether/pkg/metrics"
)

// State describes where a session is in its lifecycle.
type State int32

const (
	StateConnecting State = iota
	StateOpen
	StateSuspended
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateSuspended:
		return "suspended"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

var (
	// ErrSessionClosed is returned for calls issued against a closed session.
	ErrSessionClosed = errors.New("session closed")

	// ErrIdleExpired marks sessions torn down by the idle timer.
	ErrIdleExpired = errors.New("session idle timeout")
)

// Config tunes one session's timers. Zero values pick the defaults, which
// tests shrink to drive expiry without faking a clock.
type Config struct {
	KeepAliveInterval time.Duration // Default: 30s
	KeepAliveTimeout  time.Duration // Default: 5s
	IdleTimeout       time.Duration // Default: 5m
	OpenTimeout       time.Duration // Default: 30s
	ResumeTimeout     time.Duration // Default: 10s
	CloseTimeout      time.Duration // Default: 5s
	NoData            bool          // Open without loading data (ephemeral introspection)
	Logger            *zap.Logger
}

func (c *Config) applyDefaults() {
	if c.KeepAliveInterval == 0 {
		c.KeepAliveInterval = 30 * time.Second
	}
	if c.KeepAliveTimeout == 0 {
		c.KeepAliveTimeout = 5 * time.Second
	}
	if c.IdleTimeout == 0 {
		c.IdleTimeout = 5 * time.Minute
	}
	if c.OpenTimeout == 0 {
		c.OpenTimeout = 30 * time.Second
	}
	if c.ResumeTimeout == 0 {
		c.ResumeTimeout = 10 * time.Second
	}
	if c.CloseTimeout == 0 {
		c.CloseTimeout = 5 * time.Second
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}

// Session is one persistent logical connection to one remote document.
// It owns the connection handle exclusively; callers drive it through Call
// and never see the transport.
type Session struct {
	documentID string
	sessionID  string
	conn       *conn
	logger     *zap.Logger
	cfg        Config

	openedAt     time.Time
	lastAccessed atomic.Int64 // unix nanos

	state atomic.Int32

	timerMu   sync.Mutex
	idleTimer *time.Timer

	kaStop chan struct{}

	cbMu       sync.Mutex
	onClosed   func(s *Session, reason error)
	terminated bool
	termReason error

	termOnce sync.Once
}

// Open dials the engine and performs the document open handshake. On any
// failure the transport is torn down and no Session is returned, so a
// half-open session can never be observed.
func Open(ctx context.Context, documentID string, dialer transport.Dialer, cfg Config) (*Session, error) {
	cfg.applyDefaults()
	logger := cfg.Logger.With(zap.String("document_id", documentID))

	s := &Session{
		documentID: documentID,
		logger:     logger,
		cfg:        cfg,
		kaStop:     make(chan struct{}),
	}
	s.state.Store(int32(StateConnecting))

	t, err := dialer.Dial(ctx, documentID)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to engine for document %s: %w", documentID, err)
	}

	s.conn = newConn(t, logger, s.handleNotify, s.handleConnError)

	openCtx, cancel := context.WithTimeout(ctx, cfg.OpenTimeout)
	defer cancel()

	var result protocol.OpenDocResult
	params := protocol.OpenDocParams{DocumentID: documentID, NoData: cfg.NoData}
	if err := s.conn.call(openCtx, protocol.MethodOpenDoc, params, &result); err != nil {
		_ = s.conn.close()
		return nil, fmt.Errorf("failed to open document %s: %w", documentID, err)
	}

	s.sessionID = result.SessionID
	if s.sessionID == "" {
		// Older engine builds omit the session ID; synthesize one so
		// lifecycle logs stay correlatable.
		s.sessionID = uuid.NewString()
	}
	s.openedAt = time.Now()
	s.lastAccessed.Store(s.openedAt.UnixNano())
	s.state.Store(int32(StateOpen))

	s.timerMu.Lock()
	s.idleTimer = time.AfterFunc(cfg.IdleTimeout, s.onIdleExpired)
	s.timerMu.Unlock()

	go s.keepAliveLoop()

	metrics.SessionsOpened.Inc()
	metrics.SessionsActive.Inc()
	logger.Info("document session opened",
		zap.String("session_id", s.sessionID),
		zap.Bool("no_data", cfg.NoData))

	return s, nil
}

// DocumentID returns the document this session is bound to.
func (s *Session) DocumentID() string { return s.documentID }

// SessionID returns the engine-assigned session identifier.
func (s *Session) SessionID() string { return s.sessionID }

// State returns the current lifecycle state.
func (s *Session) State() State { return State(s.state.Load()) }

// OpenedAt returns when the open handshake completed.
func (s *Session) OpenedAt() time.Time { return s.openedAt }

// LastAccessedAt returns the time of the last successful call.
func (s *Session) LastAccessedAt() time.Time {
	return time.Unix(0, s.lastAccessed.Load())
}

// SetOnClosed registers the lifecycle callback invoked exactly once when the
// session reaches StateClosed, whatever the cause. The pool uses it for
// deregistration. A session can die between Open returning and the caller
// registering here; in that case SetOnClosed invokes fn itself with the
// terminal reason, so the callback still fires exactly once.
func (s *Session) SetOnClosed(fn func(s *Session, reason error)) {
	s.cbMu.Lock()
	if s.terminated {
		reason := s.termReason
		s.cbMu.Unlock()
		fn(s, reason)
		return
	}
	s.onClosed = fn
	s.cbMu.Unlock()
}

// Call issues one engine call on this session. A successful call counts as
// an access and resets the idle timer.
func (s *Session) Call(ctx context.Context, method string, params any, result any) error {
	if s.State() == StateClosed {
		return fmt.Errorf("document %s: %w", s.documentID, ErrSessionClosed)
	}

	if err := s.conn.call(ctx, method, params, result); err != nil {
		return err
	}
	s.Touch()
	return nil
}

// Ping issues the engine's cheap health call.
func (s *Session) Ping(ctx context.Context) error {
	return s.Call(ctx, protocol.MethodPing, nil, nil)
}

// Touch records an access and resets the idle timer.
func (s *Session) Touch() {
	s.lastAccessed.Store(time.Now().UnixNano())

	s.timerMu.Lock()
	defer s.timerMu.Unlock()
	if s.idleTimer != nil && s.State() != StateClosed {
		s.idleTimer.Stop()
		s.idleTimer.Reset(s.cfg.IdleTimeout)
	}
}

// Close requests a clean document close and tears the session down. A close
// failure still results in teardown; the session is unusable either way.
// Safe to call multiple times.
func (s *Session) Close(ctx context.Context) error {
	if s.State() == StateClosed {
		return nil
	}

	closeCtx, cancel := context.WithTimeout(ctx, s.cfg.CloseTimeout)
	defer cancel()

	params := protocol.CloseDocParams{DocumentID: s.documentID}
	if err := s.conn.call(closeCtx, protocol.MethodCloseDoc, params, nil); err != nil {
		s.logger.Debug("document close call failed", zap.Error(err))
	}

	s.terminate(nil)
	return nil
}

// onIdleExpired fires from the idle timer goroutine.
func (s *Session) onIdleExpired() {
	s.logger.Info("session idle timeout reached",
		zap.Duration("idle_timeout", s.cfg.IdleTimeout))
	s.terminate(ErrIdleExpired)
}

// keepAliveLoop pings the engine at a fixed interval while the session is
// open. Silent half-open connections fail the ping and get torn down here
// rather than on the next caller access.
func (s *Session) keepAliveLoop() {
	ticker := time.NewTicker(s.cfg.KeepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.kaStop:
			return
		case <-ticker.C:
			if s.State() != StateOpen {
				continue
			}
			ctx, cancel := context.WithTimeout(context.Background(), s.cfg.KeepAliveTimeout)
			err := s.conn.ping(ctx)
			cancel()
			if err != nil {
				metrics.KeepAliveFailures.Inc()
				s.logger.Warn("keep-alive ping failed, closing session", zap.Error(err))
				s.terminate(fmt.Errorf("keep-alive failed: %w", err))
				return
			}
		}
	}
}

// handleNotify processes unsolicited engine notifications.
func (s *Session) handleNotify(method string, params json.RawMessage) {
	switch method {
	case protocol.NotifySuspended:
		var p protocol.SuspendedParams
		_ = json.Unmarshal(params, &p)
		s.handleSuspended(p.Reason)
	case protocol.NotifyClosed:
		var p protocol.ClosedParams
		_ = json.Unmarshal(params, &p)
		s.terminate(fmt.Errorf("session closed by engine: %s", p.Reason))
	default:
		s.logger.Debug("ignoring engine notification", zap.String("method", method))
	}
}

// handleSuspended attempts an eager resume; failure closes the session.
func (s *Session) handleSuspended(reason string) {
	if !s.state.CompareAndSwap(int32(StateOpen), int32(StateSuspended)) {
		return
	}
	s.logger.Warn("session suspended by engine", zap.String("reason", reason))

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ResumeTimeout)
	defer cancel()

	err := s.conn.call(ctx, protocol.MethodResume, protocol.ResumeParams{SessionID: s.sessionID}, nil)
	if err != nil {
		s.logger.Warn("session resume failed", zap.Error(err))
		s.terminate(fmt.Errorf("resume after suspend failed: %w", err))
		return
	}

	if s.state.CompareAndSwap(int32(StateSuspended), int32(StateOpen)) {
		s.logger.Info("session resumed")
	}
}

// handleConnError fires when the receive loop dies underneath us.
func (s *Session) handleConnError(err error) {
	s.terminate(err)
}

// terminate moves the session to StateClosed, stops both timers, closes the
// connection, and fires the lifecycle callback. Every teardown path funnels
// through here; the sync.Once makes double notification harmless.
func (s *Session) terminate(reason error) {
	s.termOnce.Do(func() {
		s.state.Store(int32(StateClosed))

		s.timerMu.Lock()
		if s.idleTimer != nil {
			s.idleTimer.Stop()
		}
		s.timerMu.Unlock()

		close(s.kaStop)
		_ = s.conn.close()

		metrics.SessionsActive.Dec()
		metrics.SessionsClosed.WithLabelValues(closeReason(reason)).Inc()

		if reason != nil {
			s.logger.Info("session closed", zap.Error(reason))
		} else {
			s.logger.Info("session closed")
		}

		s.cbMu.Lock()
		s.terminated = true
		s.termReason = reason
		fn := s.onClosed
		s.cbMu.Unlock()
		if fn != nil {
			fn(s, reason)
		}
	})
}

func closeReason(reason error) string {
	switch {
	case reason == nil:
		return "explicit"
	case errors.Is(reason, ErrIdleExpired):
		return "idle"
	default:
		return "error"
	}
}
