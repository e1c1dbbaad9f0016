package domain

import (
	"encoding/json"
	"time"
)

// Session represents a conversation. It owns its turns.
type Session struct {
	ID        string          `json:"id"`
	Title     string          `json:"title,omitempty"`
	Model     string          `json:"model"`
	Config    json.RawMessage `json:"metadata,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// ConfigMap decodes the free-form session configuration.
// An empty or malformed config yields an empty map.
func (s *Session) ConfigMap() map[string]interface{} {
	out := map[string]interface{}{}
	if len(s.Config) == 0 {
		return out
	}
	if err := json.Unmarshal(s.Config, &out); err != nil {
		return map[string]interface{}{}
	}
	return out
}

// Temperature returns the sampling temperature from the session config, if any.
func (s *Session) Temperature() *float64 {
	v, ok := s.ConfigMap()["temperature"].(float64)
	if !ok {
		return nil
	}
	return &v
}

// SystemPrompt returns the configured system prompt, if any.
func (s *Session) SystemPrompt() string {
	v, _ := s.ConfigMap()["system_prompt"].(string)
	return v
}
