package store

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaot623/gogo/relay/internal/domain"
)

// runStoreSuite exercises behaviour every backend must share.
func runStoreSuite(t *testing.T, newStore func(t *testing.T) Store) {
	t.Run("SessionLifecycle", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)

		session := &domain.Session{
			ID:        "s1",
			Model:     "gpt-4",
			Config:    json.RawMessage(`{"temperature":0.7}`),
			CreatedAt: time.Now().UTC(),
		}
		require.NoError(t, s.CreateSession(ctx, session))

		got, err := s.GetSession(ctx, "s1")
		require.NoError(t, err)
		assert.Equal(t, "gpt-4", got.Model)
		assert.Empty(t, got.Title)
		assert.JSONEq(t, `{"temperature":0.7}`, string(got.Config))

		_, err = s.GetSession(ctx, "missing")
		assert.ErrorIs(t, err, domain.ErrSessionNotFound)
		assert.ErrorIs(t, err, domain.ErrNotFound)

		require.NoError(t, s.UpdateSessionTitle(ctx, "s1", "Renamed"))
		got, err = s.GetSession(ctx, "s1")
		require.NoError(t, err)
		assert.Equal(t, "Renamed", got.Title)

		assert.ErrorIs(t, s.UpdateSessionTitle(ctx, "missing", "x"), domain.ErrSessionNotFound)
	})

	t.Run("SetTitleIfEmpty", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)
		require.NoError(t, s.CreateSession(ctx, &domain.Session{ID: "s1", Model: "m", CreatedAt: time.Now()}))

		ok, err := s.SetTitleIfEmpty(ctx, "s1", "First")
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = s.SetTitleIfEmpty(ctx, "s1", "Second")
		require.NoError(t, err)
		assert.False(t, ok)

		got, err := s.GetSession(ctx, "s1")
		require.NoError(t, err)
		assert.Equal(t, "First", got.Title)
	})

	t.Run("ListSessionsOrdered", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)
		base := time.Now().UTC()
		require.NoError(t, s.CreateSession(ctx, &domain.Session{ID: "b", Model: "m", CreatedAt: base.Add(time.Second)}))
		require.NoError(t, s.CreateSession(ctx, &domain.Session{ID: "a", Model: "m", CreatedAt: base}))

		sessions, err := s.ListSessions(ctx)
		require.NoError(t, err)
		require.Len(t, sessions, 2)
		assert.Equal(t, "a", sessions[0].ID)
		assert.Equal(t, "b", sessions[1].ID)
	})

	t.Run("TurnAppendAndComplete", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)
		require.NoError(t, s.CreateSession(ctx, &domain.Session{ID: "s1", Model: "m", CreatedAt: time.Now()}))

		turn := &domain.Turn{SessionID: "s1", Role: domain.RoleAssistant, CreatedAt: time.Now()}
		require.NoError(t, s.CreateTurn(ctx, turn))
		require.NotZero(t, turn.ID)

		for _, inc := range []string{"Hel", "lo", "!"} {
			require.NoError(t, s.AppendTurn(ctx, turn.ID, domain.LogEntry{Increment: inc, Ts: time.Now().UnixMilli()}))
		}

		got, err := s.GetTurn(ctx, turn.ID)
		require.NoError(t, err)
		assert.Equal(t, "Hello!", got.Content)
		assert.Len(t, got.Partial.Entries, 3)
		assert.False(t, got.Partial.Complete)
		assert.True(t, got.Consistent())

		require.NoError(t, s.CompleteTurn(ctx, turn.ID, false))
		require.NoError(t, s.CompleteTurn(ctx, turn.ID, false))

		err = s.AppendTurn(ctx, turn.ID, domain.LogEntry{Increment: "late"})
		assert.ErrorIs(t, err, domain.ErrTurnFinished)

		got, err = s.GetTurn(ctx, turn.ID)
		require.NoError(t, err)
		assert.True(t, got.Partial.Complete)
		assert.False(t, got.Partial.Interrupted)
		assert.Equal(t, "Hello!", got.Content)
	})

	t.Run("InterruptedIsSticky", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)
		require.NoError(t, s.CreateSession(ctx, &domain.Session{ID: "s1", Model: "m", CreatedAt: time.Now()}))
		turn := &domain.Turn{SessionID: "s1", Role: domain.RoleTool, ToolName: "web_search", CreatedAt: time.Now()}
		require.NoError(t, s.CreateTurn(ctx, turn))
		require.NoError(t, s.AppendTurn(ctx, turn.ID, domain.LogEntry{Increment: "part"}))

		require.NoError(t, s.CompleteTurn(ctx, turn.ID, true))
		require.NoError(t, s.CompleteTurn(ctx, turn.ID, false))

		got, err := s.GetTurn(ctx, turn.ID)
		require.NoError(t, err)
		assert.True(t, got.Partial.Complete)
		assert.True(t, got.Partial.Interrupted)
		assert.Equal(t, "part", got.Content)
		assert.Equal(t, "web_search", got.ToolName)
	})

	t.Run("ReplaceTurnContent", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)
		require.NoError(t, s.CreateSession(ctx, &domain.Session{ID: "s1", Model: "m", CreatedAt: time.Now()}))
		turn := &domain.Turn{SessionID: "s1", Role: domain.RoleAssistant, CreatedAt: time.Now()}
		require.NoError(t, s.CreateTurn(ctx, turn))
		require.NoError(t, s.AppendTurn(ctx, turn.ID, domain.LogEntry{Increment: "half an ans"}))

		require.NoError(t, s.ReplaceTurnContent(ctx, turn.ID, domain.LogEntry{Increment: "Sorry."}))

		got, err := s.GetTurn(ctx, turn.ID)
		require.NoError(t, err)
		assert.Equal(t, "Sorry.", got.Content)
		require.Len(t, got.Partial.Entries, 1)
		require.Len(t, got.Partial.Discarded, 1)
		assert.Equal(t, "half an ans", got.Partial.Discarded[0].Increment)
		assert.True(t, got.Consistent())
	})

	t.Run("ListTurnsAndCascade", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)
		require.NoError(t, s.CreateSession(ctx, &domain.Session{ID: "s1", Model: "m", CreatedAt: time.Now()}))
		require.NoError(t, s.CreateSession(ctx, &domain.Session{ID: "s2", Model: "m", CreatedAt: time.Now()}))

		var ids []int64
		for _, role := range []domain.Role{domain.RoleUser, domain.RoleTool, domain.RoleAssistant} {
			turn := &domain.Turn{SessionID: "s1", Role: role, Content: string(role), CreatedAt: time.Now()}
			require.NoError(t, s.CreateTurn(ctx, turn))
			ids = append(ids, turn.ID)
		}
		other := &domain.Turn{SessionID: "s2", Role: domain.RoleUser, Content: "other", CreatedAt: time.Now()}
		require.NoError(t, s.CreateTurn(ctx, other))

		turns, err := s.ListTurns(ctx, "s1")
		require.NoError(t, err)
		require.Len(t, turns, 3)
		for i, turn := range turns {
			assert.Equal(t, ids[i], turn.ID)
		}
		assert.Equal(t, domain.RoleUser, turns[0].Role)
		assert.Equal(t, domain.RoleAssistant, turns[2].Role)

		require.NoError(t, s.DeleteSession(ctx, "s1"))
		assert.ErrorIs(t, s.DeleteSession(ctx, "s1"), domain.ErrSessionNotFound)

		turns, err = s.ListTurns(ctx, "s1")
		require.NoError(t, err)
		assert.Empty(t, turns)
		_, err = s.GetTurn(ctx, ids[0])
		assert.ErrorIs(t, err, domain.ErrTurnNotFound)

		turns, err = s.ListTurns(ctx, "s2")
		require.NoError(t, err)
		assert.Len(t, turns, 1)
	})

	t.Run("ListOpenTurns", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)
		require.NoError(t, s.CreateSession(ctx, &domain.Session{ID: "s1", Model: "m", CreatedAt: time.Now()}))
		require.NoError(t, s.CreateSession(ctx, &domain.Session{ID: "s2", Model: "m", CreatedAt: time.Now()}))

		done := &domain.Turn{SessionID: "s1", Role: domain.RoleUser, CreatedAt: time.Now()}
		require.NoError(t, s.CreateTurn(ctx, done))
		require.NoError(t, s.CompleteTurn(ctx, done.ID, false))
		open1 := &domain.Turn{SessionID: "s2", Role: domain.RoleAssistant, CreatedAt: time.Now()}
		require.NoError(t, s.CreateTurn(ctx, open1))
		open2 := &domain.Turn{SessionID: "s1", Role: domain.RoleTool, CreatedAt: time.Now()}
		require.NoError(t, s.CreateTurn(ctx, open2))

		turns, err := s.ListOpenTurns(ctx, 10)
		require.NoError(t, err)
		require.Len(t, turns, 2)
		assert.Equal(t, open1.ID, turns[0].ID)
		assert.Equal(t, open2.ID, turns[1].ID)

		turns, err = s.ListOpenTurns(ctx, 1)
		require.NoError(t, err)
		assert.Len(t, turns, 1)
	})

	t.Run("MissingTurn", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)
		_, err := s.GetTurn(ctx, 999)
		assert.ErrorIs(t, err, domain.ErrTurnNotFound)
		assert.ErrorIs(t, s.AppendTurn(ctx, 999, domain.LogEntry{Increment: "x"}), domain.ErrTurnNotFound)
	})
}
