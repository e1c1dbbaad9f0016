package tools

import (
	"context"

	"github.com/xiaot623/gogo/relay/internal/adapter/llm"
	"github.com/xiaot623/gogo/relay/internal/producer"
)

const knowledgePrompt = "You are a reference knowledge base. Reply with short factual notes, one per line, " +
	"that would help answer the user's question. Do not answer the question itself."

// KnowledgeSearch asks the completion backend for background notes and
// streams them as they arrive.
type KnowledgeSearch struct {
	client       llm.LLMClient
	defaultModel string
}

// NewKnowledgeSearch creates a knowledge search tool.
func NewKnowledgeSearch(client llm.LLMClient, defaultModel string) *KnowledgeSearch {
	return &KnowledgeSearch{client: client, defaultModel: defaultModel}
}

// Stream pushes note increments through emit.
func (k *KnowledgeSearch) Stream(ctx context.Context, p producer.Params, emit producer.EmitFunc) error {
	model := p.Model
	if model == "" {
		model = k.defaultModel
	}
	req := &llm.ChatCompletionRequest{
		Model: model,
		Messages: []llm.ChatMessage{
			{Role: "system", Content: knowledgePrompt},
			{Role: "user", Content: p.Query},
		},
	}
	_, err := k.client.CreateChatCompletionStream(ctx, req, func(chunk *llm.StreamChunk) error {
		return emit(chunk.Content())
	})
	return err
}
