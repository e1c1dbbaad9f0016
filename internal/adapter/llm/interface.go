// Package llm streams chat completions from OpenAI-compatible backends.
package llm

import "context"

// LLMClient streams chat completions.
type LLMClient interface {
	// CreateChatCompletionStream sends a streaming chat completion request.
	// The callback is called for each chunk received. A stream that ends
	// without a completion marker is an error.
	CreateChatCompletionStream(ctx context.Context, req *ChatCompletionRequest, callback StreamCallback) (*Usage, error)
}

var (
	_ LLMClient = (*Client)(nil)
	_ LLMClient = (*OpenAIClient)(nil)
	_ LLMClient = (*MockClient)(nil)
)
