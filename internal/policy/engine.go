// Package policy decides how a tool call raised by the agent is routed:
// auto-approved, relayed as a permission prompt, or relayed as a question.
package policy

import (
	"context"
	"fmt"

	"github.com/open-policy-agent/opa/rego"
)

// Decision values produced by the tool policy.
const (
	DecisionAllow   = "allow"
	DecisionAsk     = "ask"
	DecisionAskUser = "ask_user"
)

// Input is the document the policy evaluates.
type Input struct {
	ToolName           string         `json:"tool_name"`
	Input              map[string]any `json:"input"`
	WorkingDirectory   string         `json:"working_directory"`
	AllowedDirectories []string       `json:"allowed_directories"`
}

// Engine is the OPA policy engine.
type Engine struct {
	query rego.PreparedEvalQuery
}

// NewEngine creates a new policy engine with the given policy content.
func NewEngine(ctx context.Context, policyContent string) (*Engine, error) {
	r := rego.New(
		rego.Query("data.tool_policy.decision"),
		rego.Module("tool_policy.rego", policyContent),
	)

	query, err := r.PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare rego: %w", err)
	}

	return &Engine{query: query}, nil
}

// NewDefaultEngine compiles DefaultPolicy.
func NewDefaultEngine(ctx context.Context) (*Engine, error) {
	return NewEngine(ctx, DefaultPolicy)
}

// Evaluate returns the routing decision for a tool call. Anything the policy
// does not classify is relayed to a human.
func (e *Engine) Evaluate(ctx context.Context, input Input) (string, error) {
	if input.Input == nil {
		input.Input = map[string]any{}
	}
	if input.AllowedDirectories == nil {
		input.AllowedDirectories = []string{}
	}

	results, err := e.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return DecisionAsk, fmt.Errorf("failed to evaluate policy: %w", err)
	}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return DecisionAsk, nil
	}

	if s, ok := results[0].Expressions[0].Value.(string); ok {
		switch s {
		case DecisionAllow, DecisionAsk, DecisionAskUser:
			return s, nil
		}
	}
	return DecisionAsk, nil
}

// DefaultPolicy auto-approves read-only tools and file reads that stay inside
// the working directory or an allowed directory.
const DefaultPolicy = `
package tool_policy

import rego.v1

default decision := "ask"

safe_unconditional := {"Task", "LS", "WebFetch", "WebSearch", "TodoWrite"}

safe_file_access := {"Read", "Glob", "Grep"}

decision := "ask_user" if {
	input.tool_name == "AskUserQuestion"
}

decision := "allow" if {
	safe_unconditional[input.tool_name]
}

decision := "allow" if {
	safe_file_access[input.tool_name]
	path_allowed
}

target := input.input.file_path if {
	is_string(input.input.file_path)
	input.input.file_path != ""
} else := input.input.path if {
	is_string(input.input.path)
	input.input.path != ""
} else := ""

# No path: the tool works relative to the working directory.
path_allowed if target == ""

path_allowed if {
	target != ""
	resolved := resolve(target)
	within(resolved, input.working_directory)
}

path_allowed if {
	target != ""
	resolved := resolve(target)
	some dir in input.allowed_directories
	within(resolved, dir)
}

resolve(p) := p if startswith(p, "/")

resolve(p) := concat("/", [input.working_directory, p]) if not startswith(p, "/")

within(p, root) if {
	root != ""
	not contains(p, "..")
	p == root
}

within(p, root) if {
	root != ""
	not contains(p, "..")
	startswith(p, concat("", [trim_suffix(root, "/"), "/"]))
}
`
