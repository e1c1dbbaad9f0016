package llm

import (
	"context"
	"fmt"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// OpenAIClient implements LLMClient with the official OpenAI SDK.
type OpenAIClient struct {
	client openai.Client
}

// NewOpenAIClient creates a client for baseURL, or the public API when
// baseURL is empty. SDK retries are disabled.
func NewOpenAIClient(baseURL, apiKey string, timeout time.Duration) *OpenAIClient {
	opts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(0),
	}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	if timeout > 0 {
		opts = append(opts, option.WithRequestTimeout(timeout))
	}
	return &OpenAIClient{client: openai.NewClient(opts...)}
}

func (c *OpenAIClient) params(req *ChatCompletionRequest) openai.ChatCompletionNewParams {
	msgs := make([]openai.ChatCompletionMessageParamUnion, 0, len(req.Messages))
	for _, m := range req.Messages {
		switch m.Role {
		case "system":
			msgs = append(msgs, openai.SystemMessage(m.Content))
		case "assistant":
			msgs = append(msgs, openai.AssistantMessage(m.Content))
		default:
			msgs = append(msgs, openai.UserMessage(m.Content))
		}
	}
	params := openai.ChatCompletionNewParams{
		Model:    req.Model,
		Messages: msgs,
	}
	if req.Temperature != nil {
		params.Temperature = openai.Float(*req.Temperature)
	}
	return params
}

// CreateChatCompletionStream converts SDK chunks to StreamChunk so callers
// see the same shape as the proxy client.
func (c *OpenAIClient) CreateChatCompletionStream(ctx context.Context, req *ChatCompletionRequest, callback StreamCallback) (*Usage, error) {
	stream := c.client.Chat.Completions.NewStreaming(ctx, c.params(req))
	defer stream.Close()

	var usage *Usage
	finished := false
	for stream.Next() {
		chunk := stream.Current()
		out := &StreamChunk{ID: chunk.ID, Model: chunk.Model}
		for _, ch := range chunk.Choices {
			out.Choices = append(out.Choices, Choice{
				Index: int(ch.Index),
				Delta: &ChatMessage{
					Role:    string(ch.Delta.Role),
					Content: ch.Delta.Content,
				},
				FinishReason: string(ch.FinishReason),
			})
		}
		if chunk.Usage.TotalTokens > 0 {
			usage = &Usage{
				PromptTokens:     int(chunk.Usage.PromptTokens),
				CompletionTokens: int(chunk.Usage.CompletionTokens),
				TotalTokens:      int(chunk.Usage.TotalTokens),
			}
		}
		if out.Finished() {
			finished = true
		}
		if err := callback(out); err != nil {
			return usage, err
		}
	}
	if err := stream.Err(); err != nil {
		return usage, fmt.Errorf("openai stream: %w", err)
	}
	if !finished {
		return usage, ErrStreamTruncated
	}
	return usage, nil
}
