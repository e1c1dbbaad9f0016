package domain

// StreamEvent is one element of the outbound event sequence.
type StreamEvent struct {
	Type      EventType `json:"type"`
	Content   string    `json:"content"`
	ToolName  string    `json:"toolName,omitempty"`
	SessionID string    `json:"sessionId,omitempty"`
}
