// Package policy decides whether a generation may start.
package policy

import (
	"context"
	"fmt"

	"github.com/open-policy-agent/opa/rego"
)

// Input is the document the stream policy is evaluated against.
type Input struct {
	Provider       string `json:"provider"`
	Model          string `json:"model"`
	HasAPIKey      bool   `json:"has_api_key"`
	RequiresAPIKey bool   `json:"requires_api_key"`
	ActionType     string `json:"action_type"`
}

// Decision is the result of an evaluation.
type Decision struct {
	Allow  bool
	Reason string
}

// Engine is the OPA policy engine.
type Engine struct {
	query rego.PreparedEvalQuery
}

// NewEngine creates a new policy engine with the given policy content.
func NewEngine(ctx context.Context, policyContent string) (*Engine, error) {
	r := rego.New(
		rego.Query("data.stream_policy.decision"),
		rego.Module("stream_policy.rego", policyContent),
	)

	query, err := r.PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare rego: %w", err)
	}

	return &Engine{query: query}, nil
}

// Evaluate checks whether a generation described by input may start.
// The policy must return an object {allow: bool, reason: string}.
func (e *Engine) Evaluate(ctx context.Context, input Input) (Decision, error) {
	results, err := e.query.Eval(ctx, rego.EvalInput(map[string]interface{}{
		"provider":         input.Provider,
		"model":            input.Model,
		"has_api_key":      input.HasAPIKey,
		"requires_api_key": input.RequiresAPIKey,
		"action_type":      input.ActionType,
	}))
	if err != nil {
		return Decision{}, fmt.Errorf("failed to evaluate policy: %w", err)
	}

	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return Decision{}, fmt.Errorf("policy produced no decision")
	}

	obj, ok := results[0].Expressions[0].Value.(map[string]interface{})
	if !ok {
		return Decision{}, fmt.Errorf("unexpected decision type %T", results[0].Expressions[0].Value)
	}

	allow, _ := obj["allow"].(bool)
	reason, _ := obj["reason"].(string)
	return Decision{Allow: allow, Reason: reason}, nil
}

// DefaultPolicy is the default policy content.
const DefaultPolicy = `
package stream_policy

supported_providers = {"openai", "gemini", "mock"}

default decision = {"allow": true, "reason": ""}

decision = {"allow": false, "reason": sprintf("unsupported provider %q", [input.provider])} {
	not supported_providers[input.provider]
} else = {"allow": false, "reason": sprintf("no API key configured for %s", [input.provider])} {
	input.requires_api_key
	not input.has_api_key
} else = {"allow": false, "reason": "no model selected"} {
	input.model == ""
}
`
