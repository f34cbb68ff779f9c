package policy

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultPolicyDecisions(t *testing.T) {
	ctx := context.Background()
	engine, err := NewDefaultEngine(ctx)
	require.NoError(t, err)

	allowed := []string{"/srv/shared"}
	cases := []struct {
		name  string
		tool  string
		input map[string]any
		want  string
	}{
		{"task is safe", "Task", nil, DecisionAllow},
		{"web search is safe", "WebSearch", map[string]any{"query": "go generics"}, DecisionAllow},
		{"question is relayed", "AskUserQuestion", map[string]any{"questions": []any{}}, DecisionAskUser},
		{"shell needs approval", "Bash", map[string]any{"command": "rm -rf /"}, DecisionAsk},
		{"write needs approval", "Write", map[string]any{"file_path": "/work/proj/a.go"}, DecisionAsk},
		{"read without path", "Read", map[string]any{}, DecisionAllow},
		{"read inside workdir", "Read", map[string]any{"file_path": "/work/proj/main.go"}, DecisionAllow},
		{"read relative", "Read", map[string]any{"file_path": "pkg/main.go"}, DecisionAllow},
		{"read allowed dir", "Grep", map[string]any{"path": "/srv/shared/docs"}, DecisionAllow},
		{"read sibling prefix", "Read", map[string]any{"file_path": "/work/project-other/x"}, DecisionAsk},
		{"read outside", "Glob", map[string]any{"path": "/etc"}, DecisionAsk},
		{"read traversal", "Read", map[string]any{"file_path": "/work/proj/../../etc/passwd"}, DecisionAsk},
		{"unknown tool", "mcp__db__query", map[string]any{"sql": "select 1"}, DecisionAsk},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := engine.Evaluate(ctx, Input{
				ToolName:           tc.tool,
				Input:              tc.input,
				WorkingDirectory:   "/work/proj",
				AllowedDirectories: allowed,
			})
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestCustomPolicy(t *testing.T) {
	ctx := context.Background()
	engine, err := NewEngine(ctx, `
package tool_policy

import rego.v1

default decision := "ask"

decision := "allow" if input.tool_name == "Bash"
`)
	require.NoError(t, err)

	got, err := engine.Evaluate(ctx, Input{ToolName: "Bash"})
	require.NoError(t, err)
	assert.Equal(t, DecisionAllow, got)
}

func TestUnknownDecisionFallsBackToAsk(t *testing.T) {
	ctx := context.Background()
	engine, err := NewEngine(ctx, `
package tool_policy

import rego.v1

default decision := "block"
`)
	require.NoError(t, err)

	got, err := engine.Evaluate(ctx, Input{ToolName: "Bash"})
	require.NoError(t, err)
	assert.Equal(t, DecisionAsk, got)
}

func TestInvalidPolicy(t *testing.T) {
	_, err := NewEngine(context.Background(), "package tool_policy\n decision := ")
	assert.Error(t, err)
}
