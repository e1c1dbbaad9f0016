package llm

import (
	"context"

	"go.uber.org/zap"

	"github.com/xiaot623/gogo/relay/internal/logger"
	"github.com/xiaot623/gogo/relay/internal/producer"
)

// CompletionProducer exposes a streaming chat completion as a producer.
// Params.Messages is the prompt; Params.Model and Params.Temperature are
// passed through.
func CompletionProducer(client LLMClient) producer.Producer {
	return producer.Streaming(func(ctx context.Context, p producer.Params, emit producer.EmitFunc) error {
		req := &ChatCompletionRequest{
			Model:       p.Model,
			Messages:    toChatMessages(p.Messages),
			Temperature: p.Temperature,
		}
		usage, err := client.CreateChatCompletionStream(ctx, req, func(chunk *StreamChunk) error {
			return emit(chunk.Content())
		})
		if usage != nil {
			logger.Debug("completion usage",
				zap.String("model", req.Model),
				zap.Int("prompt_tokens", usage.PromptTokens),
				zap.Int("completion_tokens", usage.CompletionTokens))
		}
		return err
	})
}

func toChatMessages(msgs []producer.Message) []ChatMessage {
	out := make([]ChatMessage, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, ChatMessage{Role: m.Role, Content: m.Content})
	}
	return out
}
