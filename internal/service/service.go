// Package service holds the chat orchestration and session operations.
package service

import (
	"time"

	"github.com/xiaot623/gogo/relay/internal/config"
	"github.com/xiaot623/gogo/relay/internal/domain"
	"github.com/xiaot623/gogo/relay/internal/producer"
	"github.com/xiaot623/gogo/relay/internal/recorder"
	"github.com/xiaot623/gogo/relay/internal/repository"
	"github.com/xiaot623/gogo/relay/policy"
)

type Service struct {
	store        store.Store
	recorder     *recorder.Recorder
	tools        *producer.Registry
	completion   producer.Producer
	policyEngine *policy.Engine
	config       *config.Config
	locks        *sessionLocks
	now          func() time.Time
}

// New creates a Service. policyEngine may be nil, in which case every
// registered tool is allowed.
func New(store store.Store, tools *producer.Registry, completion producer.Producer, policyEngine *policy.Engine, cfg *config.Config) *Service {
	return &Service{
		store:        store,
		recorder:     recorder.New(store),
		tools:        tools,
		completion:   completion,
		policyEngine: policyEngine,
		config:       cfg,
		locks:        newSessionLocks(),
		now:          time.Now,
	}
}

// ListTools returns the registered tools sorted by name.
func (s *Service) ListTools() []domain.ToolInfo {
	return s.tools.List()
}
