package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/xiaot623/gogo/relay/internal/domain"
	"github.com/xiaot623/gogo/relay/internal/logger"
)

// ListSessions returns all sessions in creation order.
func (s *Service) ListSessions(ctx context.Context) ([]domain.SessionListItem, error) {
	sessions, err := s.store.ListSessions(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	items := make([]domain.SessionListItem, 0, len(sessions))
	for _, sess := range sessions {
		items = append(items, domain.SessionListItem{
			ID:        sess.ID,
			Title:     sess.Title,
			CreatedAt: sess.CreatedAt.UnixMilli(),
			Model:     sess.Model,
			Metadata:  sess.Config,
		})
	}
	return items, nil
}

func (s *Service) GetSession(ctx context.Context, sessionID string) (*domain.Session, error) {
	session, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return session, nil
}

// RenameSession sets the title unconditionally. The automatic title is not
// applied afterwards since the title is no longer empty.
func (s *Service) RenameSession(ctx context.Context, sessionID string, req domain.UpdateSessionRequest) (*domain.Session, error) {
	title := strings.TrimSpace(req.Title)
	if title == "" {
		return nil, fmt.Errorf("%w: title is required", domain.ErrInvalidRequest)
	}
	release, err := s.locks.Acquire(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	defer release()

	if err := s.store.UpdateSessionTitle(ctx, sessionID, title); err != nil {
		return nil, fmt.Errorf("failed to update session title: %w", err)
	}
	return s.GetSession(ctx, sessionID)
}

// DeleteSession removes the session and all of its turns. It waits for an
// active chat on the same session to finish.
func (s *Service) DeleteSession(ctx context.Context, sessionID string) error {
	release, err := s.locks.Acquire(ctx, sessionID)
	if err != nil {
		return err
	}
	defer release()

	if err := s.store.DeleteSession(ctx, sessionID); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	logger.Info("session deleted", zap.String("session_id", sessionID))
	return nil
}

// ListTurns returns the session's turns in order. Turns still being written
// are included with their content so far.
func (s *Service) ListTurns(ctx context.Context, sessionID string) ([]domain.Turn, error) {
	if _, err := s.store.GetSession(ctx, sessionID); err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	turns, err := s.store.ListTurns(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list turns: %w", err)
	}
	if turns == nil {
		turns = []domain.Turn{}
	}
	return turns, nil
}

// GetTurn returns one turn of the session.
func (s *Service) GetTurn(ctx context.Context, sessionID string, turnID int64) (*domain.Turn, error) {
	turn, err := s.store.GetTurn(ctx, turnID)
	if err != nil {
		return nil, fmt.Errorf("failed to get turn: %w", err)
	}
	if turn.SessionID != sessionID {
		return nil, fmt.Errorf("failed to get turn: %w", domain.ErrTurnNotFound)
	}
	return turn, nil
}

// IsNotFound reports whether err means a missing session or turn.
func IsNotFound(err error) bool {
	return errors.Is(err, domain.ErrNotFound)
}
