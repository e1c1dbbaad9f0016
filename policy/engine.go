// Package policy gates tool invocations with an OPA rego policy.
package policy

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/open-policy-agent/opa/rego"
)

const (
	DecisionAllow = "allow"
	DecisionBlock = "block"
)

// Engine is the OPA policy engine. The policy can be replaced while the
// engine is in use.
type Engine struct {
	mu           sync.RWMutex
	query        rego.PreparedEvalQuery
	blockedTools []string
}

// Input is what the policy sees for one requested tool.
type Input struct {
	ToolName  string
	SessionID string
	Query     string
}

// Decision is the policy outcome for one tool.
type Decision struct {
	Decision string
	Reason   string
}

// Allowed reports whether the tool may run.
func (d Decision) Allowed() bool { return d.Decision != DecisionBlock }

// NewEngine creates a policy engine from rego source. blockedTools is exposed
// to the policy as input.blocked_tools.
func NewEngine(ctx context.Context, policyContent string, blockedTools []string) (*Engine, error) {
	query, err := prepare(ctx, policyContent)
	if err != nil {
		return nil, err
	}
	return &Engine{query: query, blockedTools: blockedTools}, nil
}

func prepare(ctx context.Context, policyContent string) (rego.PreparedEvalQuery, error) {
	r := rego.New(
		rego.Query("data.tool_policy"),
		rego.Module("tool_policy.rego", policyContent),
	)

	query, err := r.PrepareForEval(ctx)
	if err != nil {
		return rego.PreparedEvalQuery{}, fmt.Errorf("failed to prepare rego: %w", err)
	}
	return query, nil
}

// Reload replaces the policy. On error the current policy stays in effect.
func (e *Engine) Reload(ctx context.Context, policyContent string) error {
	query, err := prepare(ctx, policyContent)
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.query = query
	e.mu.Unlock()
	return nil
}

// ReloadFile replaces the policy with the contents of path.
func (e *Engine) ReloadFile(ctx context.Context, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read policy file: %w", err)
	}
	return e.Reload(ctx, string(data))
}

// NewEngineFromFile loads the policy at path, or DefaultPolicy when path is
// empty.
func NewEngineFromFile(ctx context.Context, path string, blockedTools []string) (*Engine, error) {
	content := DefaultPolicy
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read policy file: %w", err)
		}
		content = string(data)
	}
	return NewEngine(ctx, content, blockedTools)
}

// Evaluate checks the tool policy.
func (e *Engine) Evaluate(ctx context.Context, in Input) (Decision, error) {
	blocked := make([]interface{}, 0, len(e.blockedTools))
	for _, t := range e.blockedTools {
		blocked = append(blocked, t)
	}
	input := map[string]interface{}{
		"tool_name":     in.ToolName,
		"session_id":    in.SessionID,
		"query":         in.Query,
		"blocked_tools": blocked,
	}

	e.mu.RLock()
	query := e.query
	e.mu.RUnlock()

	results, err := query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return Decision{}, fmt.Errorf("failed to evaluate policy: %w", err)
	}

	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return Decision{Decision: DecisionAllow, Reason: "default"}, nil
	}

	doc, ok := results[0].Expressions[0].Value.(map[string]interface{})
	if !ok {
		return Decision{}, fmt.Errorf("unexpected policy result type %T", results[0].Expressions[0].Value)
	}
	decision, _ := doc["decision"].(string)
	if decision == "" {
		decision = DecisionAllow
	}
	reason, _ := doc["reason"].(string)
	return Decision{Decision: decision, Reason: reason}, nil
}

// DefaultPolicy is the default policy content.
const DefaultPolicy = `
package tool_policy

default decision = "allow"

default reason = ""

decision = "block" {
	input.blocked_tools[_] == input.tool_name
}

reason = "tool disabled by configuration" {
	input.blocked_tools[_] == input.tool_name
}
`
