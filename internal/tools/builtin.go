package tools

import (
	"context"
	"fmt"

	"github.com/xiaot623/gogo/relay/internal/adapter/llm"
	"github.com/xiaot623/gogo/relay/internal/config"
	"github.com/xiaot623/gogo/relay/internal/domain"
	"github.com/xiaot623/gogo/relay/internal/producer"
)

const (
	WebSearchName       = "web_search"
	KnowledgeSearchName = "knowledge_search"
)

// OfflineSearchResult is returned by web_search when no search API is
// configured.
const OfflineSearchResult = "Found relevant information..."

// RegisterBuiltins adds the built-in tools to reg.
func RegisterBuiltins(reg *producer.Registry, cfg *config.Config, client llm.LLMClient) error {
	search := producer.Batch(func(ctx context.Context, p producer.Params) (string, error) {
		return OfflineSearchResult, nil
	})
	if cfg.SearchURL != "" {
		ws, err := NewWebSearch(cfg.SearchURL, cfg.SearchAPIKey, cfg.SearchResultsJQ, cfg.SearchMaxResults, cfg.SearchTimeout)
		if err != nil {
			return fmt.Errorf("failed to configure %s: %w", WebSearchName, err)
		}
		search = producer.Batch(ws.Search)
	}
	if err := reg.Register(domain.ToolInfo{
		Name:        WebSearchName,
		Kind:        domain.ToolKindBatch,
		Description: "Search the web and return the top results",
	}, search); err != nil {
		return err
	}

	ks := NewKnowledgeSearch(client, cfg.DefaultModel)
	return reg.Register(domain.ToolInfo{
		Name:        KnowledgeSearchName,
		Kind:        domain.ToolKindStreaming,
		Description: "Stream background notes from the completion model",
	}, producer.Streaming(ks.Stream))
}

// NewRegistry returns a registry holding the built-in tools.
func NewRegistry(cfg *config.Config, client llm.LLMClient) (*producer.Registry, error) {
	reg := producer.NewRegistry()
	if err := RegisterBuiltins(reg, cfg, client); err != nil {
		return nil, err
	}
	return reg, nil
}
