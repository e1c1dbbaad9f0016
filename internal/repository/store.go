// Package store defines the storage interface and implementations.
package store

import (
	"context"

	"github.com/xiaot623/gogo/relay/internal/domain"
)

// Store defines the interface for session and turn persistence.
// Every mutating call commits before it returns.
type Store interface {
	// Session operations
	CreateSession(ctx context.Context, session *domain.Session) error
	// GetSession returns domain.ErrSessionNotFound when the id is unknown.
	GetSession(ctx context.Context, sessionID string) (*domain.Session, error)
	ListSessions(ctx context.Context) ([]domain.Session, error)
	UpdateSessionTitle(ctx context.Context, sessionID, title string) error
	// SetTitleIfEmpty sets the title only when it is still empty and reports
	// whether it did.
	SetTitleIfEmpty(ctx context.Context, sessionID, title string) (bool, error)
	// DeleteSession removes the session and all of its turns.
	DeleteSession(ctx context.Context, sessionID string) error

	// Turn operations
	// CreateTurn assigns turn.ID.
	CreateTurn(ctx context.Context, turn *domain.Turn) error
	// GetTurn returns domain.ErrTurnNotFound when the id is unknown.
	GetTurn(ctx context.Context, turnID int64) (*domain.Turn, error)
	ListTurns(ctx context.Context, sessionID string) ([]domain.Turn, error)
	// ListOpenTurns returns turns whose log is not complete, oldest first.
	ListOpenTurns(ctx context.Context, limit int) ([]domain.Turn, error)
	// AppendTurn appends entry to the content and the log in one transaction.
	// It fails with domain.ErrTurnFinished once the turn is complete.
	AppendTurn(ctx context.Context, turnID int64, entry domain.LogEntry) error
	// CompleteTurn marks the log complete. It is idempotent; interrupted is
	// sticky once set.
	CompleteTurn(ctx context.Context, turnID int64, interrupted bool) error
	// ReplaceTurnContent moves the existing entries to the discarded list and
	// makes entry the whole content.
	ReplaceTurnContent(ctx context.Context, turnID int64, entry domain.LogEntry) error

	// Lifecycle
	Close() error
}

// appendEntry applies an append to a decoded turn.
func appendEntry(t *domain.Turn, entry domain.LogEntry) error {
	if t.Partial.Complete {
		return domain.ErrTurnFinished
	}
	t.Partial.Entries = append(t.Partial.Entries, entry)
	t.Content += entry.Increment
	return nil
}

// replaceEntries applies a recovery rewrite to a decoded turn.
func replaceEntries(t *domain.Turn, entry domain.LogEntry) error {
	if t.Partial.Complete {
		return domain.ErrTurnFinished
	}
	t.Partial.Discarded = append(t.Partial.Discarded, t.Partial.Entries...)
	t.Partial.Entries = []domain.LogEntry{entry}
	t.Content = entry.Increment
	return nil
}

// completeLog applies a completion to a decoded turn.
func completeLog(t *domain.Turn, interrupted bool) {
	t.Partial.Complete = true
	if interrupted {
		t.Partial.Interrupted = true
	}
}
