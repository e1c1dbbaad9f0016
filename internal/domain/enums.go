// Package domain defines the core domain models for the relay.
package domain

// Role is the author of a turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem, RoleTool:
		return true
	}
	return false
}

// EventType is the discriminator of a streamed event.
type EventType string

const (
	EventTypeToolStarted         EventType = "tool_started"
	EventTypeToolDelta           EventType = "tool_delta"
	EventTypeToolFinished        EventType = "tool_finished"
	EventTypeDelta               EventType = "delta"
	EventTypeChatMessageComplete EventType = "chat_message_complete"
)

// Terminal reports whether no event may follow an event of this type.
func (t EventType) Terminal() bool {
	return t == EventTypeChatMessageComplete
}

// ToolKind describes how a tool delivers its output.
type ToolKind string

const (
	ToolKindBatch     ToolKind = "batch"
	ToolKindStreaming ToolKind = "streaming"
)
