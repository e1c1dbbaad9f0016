package helpers

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/xiaot623/gogo/relay/internal/domain"
	"github.com/xiaot623/gogo/relay/internal/repository"
)

func NewTestSQLiteStore(t *testing.T) *store.SQLiteStore {
	t.Helper()

	s, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("failed to create sqlite store: %v", err)
	}

	t.Cleanup(func() {
		_ = s.Close()
	})

	return s
}

// NewTestFileSQLiteStore opens a store on a database file in a temp dir, so
// the connection pool behaves as in production.
func NewTestFileSQLiteStore(t *testing.T) *store.SQLiteStore {
	t.Helper()

	dsn := "file:" + filepath.Join(t.TempDir(), "relay.db") + "?mode=rwc"
	s, err := store.NewSQLiteStore(dsn)
	if err != nil {
		t.Fatalf("failed to create sqlite store: %v", err)
	}

	t.Cleanup(func() {
		_ = s.Close()
	})

	return s
}

// FaultyStore wraps a Store and lets a test fail selected writes.
// A hook returning a non-nil error aborts the call before it reaches the
// wrapped store.
type FaultyStore struct {
	store.Store

	mu           sync.Mutex
	OnCreateTurn func(turn *domain.Turn) error
	OnAppend     func(turnID int64, entry domain.LogEntry) error
	OnComplete   func(turnID int64, interrupted bool) error
	OnReplace    func(turnID int64, entry domain.LogEntry) error
}

func NewFaultyStore(t *testing.T) *FaultyStore {
	t.Helper()
	return &FaultyStore{Store: NewTestSQLiteStore(t)}
}

func (f *FaultyStore) CreateTurn(ctx context.Context, turn *domain.Turn) error {
	f.mu.Lock()
	hook := f.OnCreateTurn
	f.mu.Unlock()
	if hook != nil {
		if err := hook(turn); err != nil {
			return err
		}
	}
	return f.Store.CreateTurn(ctx, turn)
}

func (f *FaultyStore) AppendTurn(ctx context.Context, turnID int64, entry domain.LogEntry) error {
	f.mu.Lock()
	hook := f.OnAppend
	f.mu.Unlock()
	if hook != nil {
		if err := hook(turnID, entry); err != nil {
			return err
		}
	}
	return f.Store.AppendTurn(ctx, turnID, entry)
}

func (f *FaultyStore) CompleteTurn(ctx context.Context, turnID int64, interrupted bool) error {
	f.mu.Lock()
	hook := f.OnComplete
	f.mu.Unlock()
	if hook != nil {
		if err := hook(turnID, interrupted); err != nil {
			return err
		}
	}
	return f.Store.CompleteTurn(ctx, turnID, interrupted)
}

func (f *FaultyStore) ReplaceTurnContent(ctx context.Context, turnID int64, entry domain.LogEntry) error {
	f.mu.Lock()
	hook := f.OnReplace
	f.mu.Unlock()
	if hook != nil {
		if err := hook(turnID, entry); err != nil {
			return err
		}
	}
	return f.Store.ReplaceTurnContent(ctx, turnID, entry)
}

// SetOnAppend replaces the append hook while a request may be running.
func (f *FaultyStore) SetOnAppend(hook func(turnID int64, entry domain.LogEntry) error) {
	f.mu.Lock()
	f.OnAppend = hook
	f.mu.Unlock()
}
