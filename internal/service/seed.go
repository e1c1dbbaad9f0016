package service

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/xiaot623/gogo/relay/internal/domain"
)

const (
	SampleChatTitle     = "Sample Chat"
	sampleSystemText    = "You are a helpful assistant."
	sampleUserText      = "Hello! How can you help me today?"
	sampleAssistantText = "I'm here to help! I can assist you with various tasks, answer questions, or just chat. What would you like to do?"
)

// SeedSampleChat creates a titled session with a short finished exchange.
func (s *Service) SeedSampleChat(ctx context.Context) (*domain.Session, error) {
	config, err := json.Marshal(map[string]interface{}{
		"temperature":   0.7,
		"system_prompt": sampleSystemText,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal session config: %w", err)
	}
	session := &domain.Session{
		ID:        uuid.New().String(),
		Title:     SampleChatTitle,
		Model:     s.config.DefaultModel,
		Config:    config,
		CreatedAt: s.now(),
	}
	if err := s.store.CreateSession(ctx, session); err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	for _, m := range []struct {
		role    domain.Role
		content string
	}{
		{domain.RoleSystem, sampleSystemText},
		{domain.RoleUser, sampleUserText},
		{domain.RoleAssistant, sampleAssistantText},
	} {
		h, err := s.recorder.Begin(ctx, session.ID, m.role, "", nil)
		if err != nil {
			return nil, err
		}
		if err := s.recorder.Append(ctx, h, m.content); err != nil {
			return nil, err
		}
		if err := s.recorder.Finish(ctx, h); err != nil {
			return nil, err
		}
	}
	return session, nil
}
