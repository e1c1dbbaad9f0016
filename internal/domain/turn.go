package domain

import (
	"encoding/json"
	"strings"
	"time"
)

// Turn is one logical unit of conversational content.
type Turn struct {
	ID        int64           `json:"id"`
	SessionID string          `json:"chat_id"`
	Role      Role            `json:"role"`
	Content   string          `json:"content"`
	ToolName  string          `json:"tool_name,omitempty"`
	ToolArgs  json.RawMessage `json:"tool_args,omitempty"`
	Partial   PartialLog      `json:"partial"`
	CreatedAt time.Time       `json:"ts"`
}

// LogEntry is one recorded increment.
type LogEntry struct {
	Increment string `json:"increment"`
	Ts        int64  `json:"ts"` // Unix milliseconds
}

// PartialLog is the replayable record of how a turn's content was assembled.
// Discarded entries were superseded by a recovery rewrite and never
// contribute to the content.
type PartialLog struct {
	Entries     []LogEntry `json:"entries"`
	Complete    bool       `json:"complete"`
	Interrupted bool       `json:"interrupted,omitempty"`
	Discarded   []LogEntry `json:"discarded,omitempty"`
}

// Content returns the concatenation of the recorded increments.
func (p PartialLog) Content() string {
	var sb strings.Builder
	for _, e := range p.Entries {
		sb.WriteString(e.Increment)
	}
	return sb.String()
}

// Consistent reports whether the turn content matches its log.
func (t *Turn) Consistent() bool {
	return t.Content == t.Partial.Content()
}
