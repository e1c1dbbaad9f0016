package domain

// ToolInfo describes a registered tool.
type ToolInfo struct {
	Name        string   `json:"name"`
	Kind        ToolKind `json:"kind"`
	Description string   `json:"description,omitempty"`
}

// ListToolsResponse represents the response for listing tools.
type ListToolsResponse struct {
	Tools []ToolInfo `json:"tools"`
}
