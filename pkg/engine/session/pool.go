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
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/datafox-labs/tether/pkg/engine/transport"
)

// ErrPoolClosed is returned once CloseAll has run.
var ErrPoolClosed = errors.New("session pool closed")

// PoolConfig configures a session pool.
type PoolConfig struct {
	// Dialer opens transports to the engine. Required.
	Dialer transport.Dialer

	// Session tunes the sessions this pool creates.
	Session Config

	Logger *zap.Logger
}

// Pool is a registry of live document sessions keyed by document ID.
// At most one live session exists per document; concurrent callers racing a
// miss share a single in-flight open through the entry's ready channel.
type Pool struct {
	cfg    PoolConfig
	logger *zap.Logger

	mu      sync.Mutex
	entries map[string]*poolEntry
	closed  bool
}

// poolEntry is either an in-flight open (ready still open) or a settled
// open (ready closed, exactly one of session/err set).
type poolEntry struct {
	ready   chan struct{}
	session *Session
	err     error
}

// NewPool creates a session pool.
func NewPool(cfg PoolConfig) (*Pool, error) {
	if cfg.Dialer == nil {
		return nil, fmt.Errorf("invalid pool config: dialer is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	cfg.Session.Logger = cfg.Logger

	return &Pool{
		cfg:     cfg,
		logger:  cfg.Logger,
		entries: make(map[string]*poolEntry),
	}, nil
}

// GetOrCreate returns the live session for documentID, opening one if none
// exists. Reuse counts as an access and resets the session's idle timer.
func (p *Pool) GetOrCreate(ctx context.Context, documentID string) (*Session, error) {
	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, ErrPoolClosed
		}

		if e, ok := p.entries[documentID]; ok {
			p.mu.Unlock()

			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-e.ready:
			}

			if e.err != nil {
				return nil, e.err
			}
			if e.session.State() != StateClosed {
				e.session.Touch()
				return e.session, nil
			}

			// The session died before its close notification reached us.
			// Drop the stale entry and open fresh.
			p.removeEntry(documentID, e)
			continue
		}

		// Miss: publish the in-flight marker before the open handshake
		// suspends, so a concurrent caller joins this open instead of
		// starting a duplicate.
		e := &poolEntry{ready: make(chan struct{})}
		p.entries[documentID] = e
		p.mu.Unlock()

		s, err := Open(ctx, documentID, p.cfg.Dialer, p.cfg.Session)
		if err != nil {
			e.err = err
			p.removeEntry(documentID, e)
			close(e.ready)
			return nil, err
		}

		s.SetOnClosed(func(_ *Session, _ error) {
			p.removeEntry(documentID, e)
		})
		e.session = s
		close(e.ready)

		p.logger.Debug("session registered in pool",
			zap.String("document_id", documentID))
		return s, nil
	}
}

// removeEntry deletes the entry for documentID if it is still the one we
// hold. Idempotent: a heartbeat failure and an unsolicited close can both
// fire for the same dying connection.
func (p *Pool) removeEntry(documentID string, e *poolEntry) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if cur, ok := p.entries[documentID]; ok && cur == e {
		delete(p.entries, documentID)
	}
}

// Close removes the entry for documentID and closes its session best-effort.
// The entry is gone even when the close call fails: a session that cannot be
// told to close cleanly must still never be reused. Calling Close for an
// absent document is a no-op.
func (p *Pool) Close(ctx context.Context, documentID string) error {
	p.mu.Lock()
	e, ok := p.entries[documentID]
	if ok {
		delete(p.entries, documentID)
	}
	p.mu.Unlock()

	if !ok {
		return nil
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-e.ready:
	}

	if e.session != nil {
		if err := e.session.Close(ctx); err != nil {
			p.logger.Warn("session close failed",
				zap.String("document_id", documentID), zap.Error(err))
		}
	}
	return nil
}

// CloseAll closes every pooled session and marks the pool closed. Used at
// process shutdown.
func (p *Pool) CloseAll(ctx context.Context) error {
	p.mu.Lock()
	entries := p.entries
	p.entries = make(map[string]*poolEntry)
	p.closed = true
	p.mu.Unlock()

	for documentID, e := range entries {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-e.ready:
		}
		if e.session != nil {
			if err := e.session.Close(ctx); err != nil {
				p.logger.Warn("session close failed during shutdown",
					zap.String("document_id", documentID), zap.Error(err))
			}
		}
	}

	p.logger.Info("session pool closed", zap.Int("sessions", len(entries)))
	return nil
}

// CreateEphemeral opens a one-shot, unpooled session for call patterns that
// must not share state with a caller's persistent session (read-only
// introspection). The caller owns the session and must close it on every
// exit path.
func (p *Pool) CreateEphemeral(ctx context.Context, documentID string) (*Session, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}
	p.mu.Unlock()

	cfg := p.cfg.Session
	cfg.NoData = true

	s, err := Open(ctx, documentID, p.cfg.Dialer, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open ephemeral session: %w", err)
	}
	return s, nil
}

// Len returns the number of registered entries, in-flight opens included.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}
