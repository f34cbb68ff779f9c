package claudecli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/ignacioreyna/omni-bot/internal/agent"
	"github.com/ignacioreyna/omni-bot/internal/domain"
)

const (
	bridgeServerName = "omni"
	bridgeToolName   = "permission_prompt"

	// PermissionPromptTool is the fully qualified MCP tool name the CLI calls
	// for every tool that needs approval.
	PermissionPromptTool = "mcp__" + bridgeServerName + "__" + bridgeToolName
)

// bridge is a loopback MCP server that lets the CLI ask the coordinator for
// tool permissions. One bridge lives for one turn.
type bridge struct {
	listener net.Listener
	sse      *server.SSEServer
	http     *http.Server
	logger   *zap.Logger
}

// newPermissionServer builds the MCP server exposing the permission tool.
func newPermissionServer(ctx context.Context, canUse agent.CanUseTool, logger *zap.Logger) *server.MCPServer {
	s := server.NewMCPServer(
		bridgeServerName,
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
	)

	tool := mcp.NewTool(bridgeToolName,
		mcp.WithDescription("Ask the omni-bot user whether a tool call may proceed"),
		mcp.WithString("tool_name",
			mcp.Required(),
			mcp.Description("Name of the tool requesting permission"),
		),
		mcp.WithObject("input",
			mcp.Description("Input the tool will run with"),
		),
		mcp.WithString("tool_use_id",
			mcp.Description("Identifier of the tool use block"),
		),
	)
	s.AddTool(tool, permissionHandler(ctx, canUse, logger))
	return s
}

// permissionHandler answers permission_prompt calls. The decision is looked
// up under the turn context so aborting the turn releases a waiting prompt.
func permissionHandler(turnCtx context.Context, canUse agent.CanUseTool, logger *zap.Logger) server.ToolHandlerFunc {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(_ context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		toolName, err := request.RequireString("tool_name")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		args := request.GetArguments()
		input, _ := args["input"].(map[string]any)
		if input == nil {
			input = map[string]any{}
		}

		decision := canUse(turnCtx, agent.ToolCall{
			Name:      toolName,
			Input:     input,
			ToolUseID: request.GetString("tool_use_id", ""),
		})
		logger.Debug("permission decided",
			zap.String("tool", toolName),
			zap.String("behavior", string(decision.Behavior)))

		body, err := json.Marshal(decisionPayload(decision, input))
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return mcp.NewToolResultText(string(body)), nil
	}
}

// decisionPayload renders the shape the CLI expects: allow always carries
// updatedInput, deny always carries a message.
func decisionPayload(d domain.Decision, original map[string]any) map[string]any {
	if d.Allowed() {
		updated := d.UpdatedInput
		if updated == nil {
			updated = original
		}
		return map[string]any{"behavior": "allow", "updatedInput": updated}
	}
	msg := d.Message
	if msg == "" {
		msg = "Permission denied"
	}
	return map[string]any{"behavior": "deny", "message": msg}
}

// startBridge listens on an ephemeral loopback port and serves the
// permission tool over SSE.
func startBridge(ctx context.Context, canUse agent.CanUseTool, logger *zap.Logger) (*bridge, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, fmt.Errorf("failed to listen for permission bridge: %w", err)
	}
	baseURL := "http://" + ln.Addr().String()

	sse := server.NewSSEServer(newPermissionServer(ctx, canUse, logger),
		server.WithBaseURL(baseURL),
	)
	b := &bridge{
		listener: ln,
		sse:      sse,
		http:     &http.Server{Handler: sse, ReadHeaderTimeout: 10 * time.Second},
		logger:   logger,
	}
	go func() {
		if err := b.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("permission bridge stopped", zap.Error(err))
		}
	}()
	return b, nil
}

func (b *bridge) url() string {
	return "http://" + b.listener.Addr().String() + "/sse"
}

// mcpConfig is the --mcp-config document pointing the CLI at the bridge.
func (b *bridge) mcpConfig() string {
	cfg := map[string]any{
		"mcpServers": map[string]any{
			bridgeServerName: map[string]any{
				"type": "sse",
				"url":  b.url(),
			},
		},
	}
	raw, _ := json.Marshal(cfg)
	return string(raw)
}

// Close stops the bridge. It is safe on a nil bridge.
func (b *bridge) Close() {
	if b == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := b.sse.Shutdown(ctx); err != nil {
		b.logger.Debug("permission bridge shutdown", zap.Error(err))
	}
	// SSE streams are long lived; Close rather than wait for them.
	_ = b.http.Close()
}
