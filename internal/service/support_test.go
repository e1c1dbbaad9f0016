package service

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaot623/gogo/relay/internal/domain"
)

func TestTruncateTitle(t *testing.T) {
	assert.Equal(t, "Hello! How can you help me today?", truncateTitle("Hello! How can you help me today?", 50))
	assert.Equal(t, strings.Repeat("x", 50), truncateTitle(strings.Repeat("x", 120), 50))
	assert.Equal(t, "héllo", truncateTitle("héllo wörld", 5))
	assert.Equal(t, "  padded", truncateTitle("  padded", 50))
}

func TestSearchBlock(t *testing.T) {
	block := searchBlock([]contribution{
		{tool: "web_search", content: "1. a"},
		{tool: "knowledge_search", content: "facts"},
	})
	want := "--- Search Results ---\n\n### web_search\n1. a\n\n### knowledge_search\nfacts\n\n--- End of Search Results ---"
	assert.Equal(t, want, block)
}

func TestSessionLocks(t *testing.T) {
	ctx := context.Background()
	locks := newSessionLocks()

	release, err := locks.Acquire(ctx, "a")
	require.NoError(t, err)

	_, ok := locks.TryAcquire("a")
	assert.False(t, ok)

	other, ok := locks.TryAcquire("b")
	require.True(t, ok)
	other()

	waitCtx, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
	defer cancel()
	_, err = locks.Acquire(waitCtx, "a")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	release()
	release()
	assert.Equal(t, 0, locks.size())

	again, err := locks.Acquire(ctx, "a")
	require.NoError(t, err)
	again()
}

func TestSweepStaleTurns(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	now := time.Now()
	f.svc.now = func() time.Time { return now }

	for _, id := range []string{"idle", "busy"} {
		require.NoError(t, f.store.CreateSession(ctx, &domain.Session{ID: id, Model: "m", CreatedAt: now}))
	}
	stale := &domain.Turn{SessionID: "idle", Role: domain.RoleAssistant, CreatedAt: now.Add(-time.Hour)}
	fresh := &domain.Turn{SessionID: "idle", Role: domain.RoleAssistant, CreatedAt: now.Add(-time.Second)}
	locked := &domain.Turn{SessionID: "busy", Role: domain.RoleAssistant, CreatedAt: now.Add(-time.Hour)}
	for _, turn := range []*domain.Turn{stale, fresh, locked} {
		require.NoError(t, f.store.CreateTurn(ctx, turn))
	}
	require.NoError(t, f.store.AppendTurn(ctx, stale.ID, domain.LogEntry{Increment: "half", Ts: now.UnixMilli()}))

	release, err := f.svc.locks.Acquire(ctx, "busy")
	require.NoError(t, err)
	assert.Equal(t, 1, f.svc.SweepStaleTurns(ctx, 10*time.Minute))
	release()

	got, err := f.store.GetTurn(ctx, stale.ID)
	require.NoError(t, err)
	assert.True(t, got.Partial.Complete)
	assert.True(t, got.Partial.Interrupted)
	assert.Equal(t, "half", got.Content)

	got, err = f.store.GetTurn(ctx, fresh.ID)
	require.NoError(t, err)
	assert.False(t, got.Partial.Complete)

	// Without an age limit the two remaining open turns are closed.
	assert.Equal(t, 2, f.svc.SweepStaleTurns(ctx, 0))
	assert.Equal(t, 0, f.svc.SweepStaleTurns(ctx, 0))
}

func TestRecoverOpenTurnsSweepsEveryBatch(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	now := time.Now()

	require.NoError(t, f.store.CreateSession(ctx, &domain.Session{ID: "crashed", Model: "m", CreatedAt: now}))
	open := staleTurnBatch*2 + 5
	for i := 0; i < open; i++ {
		turn := &domain.Turn{SessionID: "crashed", Role: domain.RoleAssistant, CreatedAt: now.Add(-time.Minute)}
		require.NoError(t, f.store.CreateTurn(ctx, turn))
	}

	assert.Equal(t, open, f.svc.RecoverOpenTurns(ctx))

	left, err := f.store.ListOpenTurns(ctx, staleTurnBatch)
	require.NoError(t, err)
	assert.Empty(t, left)
	assert.Equal(t, 0, f.svc.RecoverOpenTurns(ctx))
}
