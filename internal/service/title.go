package service

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/xiaot623/gogo/relay/internal/domain"
	"github.com/xiaot623/gogo/relay/internal/logger"
)

// truncateTitle returns the first max runes of s.
func truncateTitle(s string, max int) string {
	runes := []rune(s)
	if max <= 0 || len(runes) <= max {
		return s
	}
	return string(runes[:max])
}

// backfillTitle derives the title from the session's first user turn when
// the title is still empty.
func (s *Service) backfillTitle(ctx context.Context, session *domain.Session) error {
	if session.Title != "" {
		return nil
	}
	turns, err := s.store.ListTurns(ctx, session.ID)
	if err != nil {
		return &domain.PersistenceError{Op: "list turns", Err: err}
	}
	var first string
	for _, t := range turns {
		if t.Role == domain.RoleUser && strings.TrimSpace(t.Content) != "" {
			first = t.Content
			break
		}
	}
	title := truncateTitle(first, s.config.TitleMaxLength)
	if strings.TrimSpace(title) == "" {
		return nil
	}

	updated, err := s.store.SetTitleIfEmpty(ctx, session.ID, title)
	if err != nil {
		return &domain.PersistenceError{Op: "set title", Err: err}
	}
	if updated {
		session.Title = title
		logger.Debug("session title set", zap.String("session_id", session.ID), zap.String("title", title))
	}
	return nil
}
