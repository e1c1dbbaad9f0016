// Package recorder persists turns increment by increment.
//
// Every call returns only after the store has committed, so a caller that
// emits after a successful Append never emits content that is not durable.
package recorder

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/xiaot623/gogo/relay/internal/domain"
	"github.com/xiaot623/gogo/relay/internal/repository"
)

// Recorder writes turns through a Store.
type Recorder struct {
	store store.Store
	now   func() time.Time
}

// New creates a Recorder.
func New(s store.Store) *Recorder {
	return &Recorder{store: s, now: time.Now}
}

// TurnHandle identifies a turn being recorded. It is owned by one goroutine.
type TurnHandle struct {
	ID        int64
	SessionID string
	Role      domain.Role
	ToolName  string

	content  strings.Builder
	finished bool
}

// Content returns everything committed so far.
func (h *TurnHandle) Content() string { return h.content.String() }

// Finished reports whether the turn was finished or interrupted.
func (h *TurnHandle) Finished() bool { return h.finished }

// Begin inserts an empty turn. It is visible to readers immediately.
func (r *Recorder) Begin(ctx context.Context, sessionID string, role domain.Role, toolName string, args json.RawMessage) (*TurnHandle, error) {
	turn := &domain.Turn{
		SessionID: sessionID,
		Role:      role,
		ToolName:  toolName,
		ToolArgs:  args,
		Partial:   domain.PartialLog{Entries: []domain.LogEntry{}},
		CreatedAt: r.now(),
	}
	if err := r.store.CreateTurn(ctx, turn); err != nil {
		return nil, &domain.PersistenceError{Op: "begin turn", Err: err}
	}
	return &TurnHandle{
		ID:        turn.ID,
		SessionID: sessionID,
		Role:      role,
		ToolName:  toolName,
	}, nil
}

// Append commits one increment to both the content and the log.
// Empty increments are ignored.
func (r *Recorder) Append(ctx context.Context, h *TurnHandle, increment string) error {
	if increment == "" {
		return nil
	}
	if h.finished {
		return &domain.PersistenceError{Op: "append", Err: domain.ErrTurnFinished}
	}
	entry := domain.LogEntry{Increment: increment, Ts: r.now().UnixMilli()}
	if err := r.store.AppendTurn(ctx, h.ID, entry); err != nil {
		return &domain.PersistenceError{Op: "append", Err: err}
	}
	h.content.WriteString(increment)
	return nil
}

// Finish marks the turn complete. Finishing twice is a no-op.
func (r *Recorder) Finish(ctx context.Context, h *TurnHandle) error {
	return r.complete(ctx, h, false)
}

// Interrupt marks the turn complete and interrupted.
func (r *Recorder) Interrupt(ctx context.Context, h *TurnHandle) error {
	return r.complete(ctx, h, true)
}

func (r *Recorder) complete(ctx context.Context, h *TurnHandle, interrupted bool) error {
	if h.finished {
		return nil
	}
	if err := r.store.CompleteTurn(ctx, h.ID, interrupted); err != nil {
		op := "finish"
		if interrupted {
			op = "interrupt"
		}
		return &domain.PersistenceError{Op: op, Err: err}
	}
	h.finished = true
	return nil
}

// Replace discards what was recorded and makes text the whole content.
// The discarded entries stay in the log for audit.
func (r *Recorder) Replace(ctx context.Context, h *TurnHandle, text string) error {
	if h.finished {
		return &domain.PersistenceError{Op: "replace", Err: domain.ErrTurnFinished}
	}
	entry := domain.LogEntry{Increment: text, Ts: r.now().UnixMilli()}
	if err := r.store.ReplaceTurnContent(ctx, h.ID, entry); err != nil {
		return &domain.PersistenceError{Op: "replace", Err: err}
	}
	h.content.Reset()
	h.content.WriteString(text)
	return nil
}
