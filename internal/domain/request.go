package domain

import "encoding/json"

// InputMessage is one caller-supplied message.
type InputMessage struct {
	Role     Role            `json:"role"`
	Content  string          `json:"content"`
	ToolName string          `json:"tool_name,omitempty"`
	ToolArgs json.RawMessage `json:"tool_args,omitempty"`
}

// ChatRequest is the inbound request for one generation.
type ChatRequest struct {
	Messages    []InputMessage `json:"messages"`
	Model       string         `json:"model,omitempty"`
	SessionID   string         `json:"chat_id,omitempty"`
	SearchTypes []string       `json:"searchTypes,omitempty"`
	Tools       []string       `json:"tools,omitempty"`
}

// RequestedTools returns the tools to run, in caller order.
// Tools is accepted as an alias of SearchTypes.
func (r *ChatRequest) RequestedTools() []string {
	if len(r.SearchTypes) > 0 {
		return r.SearchTypes
	}
	return r.Tools
}

// LastMessage returns the most recent caller message, or nil.
func (r *ChatRequest) LastMessage() *InputMessage {
	if len(r.Messages) == 0 {
		return nil
	}
	return &r.Messages[len(r.Messages)-1]
}

// UpdateSessionRequest changes caller-settable session fields.
type UpdateSessionRequest struct {
	Title string `json:"title"`
}

// SessionListItem is one row of the session listing.
type SessionListItem struct {
	ID        string          `json:"id"`
	Title     string          `json:"title"`
	CreatedAt int64           `json:"created_at"`
	Model     string          `json:"model"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
}
