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
package session_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/datafox-labs/tether/pkg/engine/enginetest"
	"github.com/datafox-labs/tether/pkg/engine/protocol"
	"github.com/datafox-labs/tether/pkg/engine/session"
)

// newTestPool builds a pool against a fresh fake engine with timers short
// enough for tests but long enough not to fire accidentally.
func newTestPool(t *testing.T, engine *enginetest.Engine, cfg session.Config) *session.Pool {
	t.Helper()
	if cfg.KeepAliveInterval == 0 {
		cfg.KeepAliveInterval = time.Hour
	}
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = time.Hour
	}
	pool, err := session.NewPool(session.PoolConfig{
		Dialer:  engine.Dialer(),
		Session: cfg,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = pool.CloseAll(context.Background())
	})
	return pool
}

func TestNewPool_RequiresDialer(t *testing.T) {
	_, err := session.NewPool(session.PoolConfig{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dialer is required")
}

func TestPool_GetOrCreate_ReusesSession(t *testing.T) {
	engine := enginetest.New()
	pool := newTestPool(t, engine, session.Config{})

	ctx := context.Background()
	first, err := pool.GetOrCreate(ctx, "doc-1")
	require.NoError(t, err)
	require.Equal(t, session.StateOpen, first.State())

	second, err := pool.GetOrCreate(ctx, "doc-1")
	require.NoError(t, err)

	assert.Same(t, first, second)
	assert.Equal(t, 1, engine.OpenCount())
	assert.Equal(t, 1, pool.Len())
}

func TestPool_GetOrCreate_DistinctDocuments(t *testing.T) {
	engine := enginetest.New()
	pool := newTestPool(t, engine, session.Config{})

	ctx := context.Background()
	a, err := pool.GetOrCreate(ctx, "doc-a")
	require.NoError(t, err)
	b, err := pool.GetOrCreate(ctx, "doc-b")
	require.NoError(t, err)

	assert.NotSame(t, a, b)
	assert.Equal(t, 2, engine.OpenCount())
	assert.Equal(t, 2, pool.Len())
}

func TestPool_GetOrCreate_OpenFailureNeverRegisters(t *testing.T) {
	engine := enginetest.New()
	engine.FailWith(protocol.MethodOpenDoc,
		protocol.NewError(protocol.DocNotFound, "document does not exist", nil))
	pool := newTestPool(t, engine, session.Config{})

	_, err := pool.GetOrCreate(context.Background(), "missing")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "document does not exist")
	assert.Equal(t, 0, pool.Len())
}

func TestPool_GetOrCreate_ConcurrentMissSharesOneOpen(t *testing.T) {
	engine := enginetest.New()
	// Slow the open handshake so every goroutine observes the miss window.
	engine.Handle(protocol.MethodOpenDoc, func(params json.RawMessage) (any, *protocol.Error) {
		time.Sleep(100 * time.Millisecond)
		return protocol.OpenDocResult{SessionID: "sess-shared"}, nil
	})
	pool := newTestPool(t, engine, session.Config{})

	const callers = 8
	sessions := make([]*session.Session, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s, err := pool.GetOrCreate(context.Background(), "doc-1")
			assert.NoError(t, err)
			sessions[i] = s
		}(i)
	}
	wg.Wait()

	require.NotNil(t, sessions[0])
	for i := 1; i < callers; i++ {
		assert.Same(t, sessions[0], sessions[i])
	}
	assert.Equal(t, 1, engine.DialCount())
	assert.Equal(t, 1, engine.OpenCount())
}

func TestPool_IdleExpiryOpensAFreshSession(t *testing.T) {
	engine := enginetest.New()
	pool := newTestPool(t, engine, session.Config{IdleTimeout: 50 * time.Millisecond})

	ctx := context.Background()
	first, err := pool.GetOrCreate(ctx, "doc-1")
	require.NoError(t, err)
	require.Equal(t, 1, engine.OpenCount())

	require.Eventually(t, func() bool {
		return first.State() == session.StateClosed && pool.Len() == 0
	}, 2*time.Second, 10*time.Millisecond, "idle timer should close the session")

	second, err := pool.GetOrCreate(ctx, "doc-1")
	require.NoError(t, err)
	assert.NotSame(t, first, second)
	assert.Equal(t, 2, engine.OpenCount())
}

func TestPool_AccessResetsIdleTimer(t *testing.T) {
	engine := enginetest.New()
	pool := newTestPool(t, engine, session.Config{IdleTimeout: 150 * time.Millisecond})

	ctx := context.Background()
	s, err := pool.GetOrCreate(ctx, "doc-1")
	require.NoError(t, err)

	// Keep touching for longer than the idle window; the session must survive.
	for i := 0; i < 5; i++ {
		time.Sleep(50 * time.Millisecond)
		require.NoError(t, s.Ping(ctx))
	}
	assert.Equal(t, session.StateOpen, s.State())
	assert.Equal(t, 1, engine.OpenCount())
}

func TestPool_Close_Idempotent(t *testing.T) {
	engine := enginetest.New()
	pool := newTestPool(t, engine, session.Config{})

	ctx := context.Background()
	_, err := pool.GetOrCreate(ctx, "doc-1")
	require.NoError(t, err)

	require.NoError(t, pool.Close(ctx, "doc-1"))
	require.NoError(t, pool.Close(ctx, "doc-1"))
	assert.Equal(t, 0, pool.Len())
}

func TestPool_CloseAfterUnsolicitedClose(t *testing.T) {
	engine := enginetest.New()
	pool := newTestPool(t, engine, session.Config{})

	ctx := context.Background()
	s, err := pool.GetOrCreate(ctx, "doc-1")
	require.NoError(t, err)

	engine.NotifyAll(protocol.NotifyClosed, protocol.ClosedParams{Reason: "server shutdown"})

	require.Eventually(t, func() bool {
		return s.State() == session.StateClosed && pool.Len() == 0
	}, 2*time.Second, 10*time.Millisecond)

	// A later explicit close must stay a no-op.
	require.NoError(t, pool.Close(ctx, "doc-1"))
	assert.Equal(t, 0, pool.Len())
}

func TestPool_CloseRemovesEntryEvenWhenCloseCallFails(t *testing.T) {
	engine := enginetest.New()
	engine.FailWith(protocol.MethodCloseDoc,
		protocol.NewError(protocol.InternalError, "engine busy", nil))
	pool := newTestPool(t, engine, session.Config{})

	ctx := context.Background()
	_, err := pool.GetOrCreate(ctx, "doc-1")
	require.NoError(t, err)

	require.NoError(t, pool.Close(ctx, "doc-1"))
	assert.Equal(t, 0, pool.Len())
}

func TestPool_CloseAll(t *testing.T) {
	engine := enginetest.New()
	pool := newTestPool(t, engine, session.Config{})

	ctx := context.Background()
	a, err := pool.GetOrCreate(ctx, "doc-a")
	require.NoError(t, err)
	b, err := pool.GetOrCreate(ctx, "doc-b")
	require.NoError(t, err)

	require.NoError(t, pool.CloseAll(ctx))
	assert.Equal(t, session.StateClosed, a.State())
	assert.Equal(t, session.StateClosed, b.State())
	assert.Equal(t, 0, pool.Len())

	_, err = pool.GetOrCreate(ctx, "doc-a")
	assert.ErrorIs(t, err, session.ErrPoolClosed)
}

func TestPool_CreateEphemeral_NotRegistered(t *testing.T) {
	engine := enginetest.New()
	var sawNoData bool
	engine.Handle(protocol.MethodOpenDoc, func(params json.RawMessage) (any, *protocol.Error) {
		var p protocol.OpenDocParams
		_ = json.Unmarshal(params, &p)
		sawNoData = p.NoData
		return protocol.OpenDocResult{SessionID: "sess-eph"}, nil
	})
	pool := newTestPool(t, engine, session.Config{})

	ctx := context.Background()
	eph, err := pool.CreateEphemeral(ctx, "doc-1")
	require.NoError(t, err)
	defer func() { _ = eph.Close(ctx) }()

	assert.True(t, sawNoData, "ephemeral sessions open without data")
	assert.Equal(t, 0, pool.Len())

	// The pooled session for the same document is a different connection.
	pooled, err := pool.GetOrCreate(ctx, "doc-1")
	require.NoError(t, err)
	assert.NotSame(t, eph, pooled)
}
