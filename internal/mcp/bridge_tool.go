package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	mcpgo "github.com/mark3labs/mcp-go/mcp"

	"github.com/uratmangun/arbitrum-vibekit-sub004/internal/tools"
)

const defaultCallTimeout = 60 * time.Second

// BridgeTool adapts one tool exported by an MCP server into the
// tools.Tool interface. Execute delegates to the owning server's client,
// so a bridged tool goes dark the moment its server disconnects instead
// of hanging on a dead pipe.
type BridgeTool struct {
	srv            *Server
	toolName       string // name as the MCP server knows it
	registeredName string // "{prefix}__{toolName}" when a prefix is set
	description    string
	inputSchema    map[string]interface{}
	timeout        time.Duration
}

// NewBridgeTool wraps an MCP tool definition. The prefix keeps tools from
// different servers out of each other's namespace; the manager passes the
// server name.
func NewBridgeTool(srv *Server, mcpTool mcpgo.Tool, prefix string, timeout time.Duration) *BridgeTool {
	registered := mcpTool.Name
	if prefix != "" {
		registered = prefix + "__" + mcpTool.Name
	}
	if timeout <= 0 {
		timeout = defaultCallTimeout
	}

	return &BridgeTool{
		srv:            srv,
		toolName:       mcpTool.Name,
		registeredName: registered,
		description:    mcpTool.Description,
		inputSchema:    inputSchemaToMap(mcpTool.InputSchema),
		timeout:        timeout,
	}
}

func (t *BridgeTool) Name() string                       { return t.registeredName }
func (t *BridgeTool) Description() string                { return t.description }
func (t *BridgeTool) Parameters() map[string]interface{} { return t.inputSchema }

// ServerName returns the MCP server this tool belongs to.
func (t *BridgeTool) ServerName() string { return t.srv.Name() }

// OriginalName returns the tool name without the server prefix.
func (t *BridgeTool) OriginalName() string { return t.toolName }

func (t *BridgeTool) Execute(ctx context.Context, args map[string]interface{}) *tools.Result {
	if !t.srv.Connected() {
		return tools.ErrorResult(fmt.Sprintf("MCP server %q is disconnected", t.srv.Name()))
	}

	callCtx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	req := mcpgo.CallToolRequest{}
	req.Params.Name = t.toolName
	req.Params.Arguments = args

	result, err := t.srv.client.CallTool(callCtx, req)
	if err != nil {
		if callCtx.Err() == context.DeadlineExceeded {
			return tools.ErrorResult(fmt.Sprintf("MCP tool %q timed out after %s", t.registeredName, t.timeout))
		}
		return tools.ErrorResult(fmt.Sprintf("MCP tool %q error: %v", t.registeredName, err))
	}

	text := renderResult(result)
	if result.IsError {
		return tools.ErrorResult(text)
	}
	return tools.NewResult(text)
}

// inputSchemaToMap converts an MCP input schema to the plain map shape
// Tool.Parameters() promises.
func inputSchemaToMap(schema mcpgo.ToolInputSchema) map[string]interface{} {
	m := map[string]interface{}{
		"type": schema.Type,
	}
	if schema.Type == "" {
		m["type"] = "object"
	}
	if len(schema.Properties) > 0 {
		m["properties"] = schema.Properties
	}
	if len(schema.Required) > 0 {
		m["required"] = schema.Required
	}
	if schema.AdditionalProperties != nil {
		m["additionalProperties"] = schema.AdditionalProperties
	}
	return m
}

// renderResult flattens a CallToolResult into text for the LLM. Servers
// that return only structuredContent get it marshalled as JSON.
func renderResult(result *mcpgo.CallToolResult) string {
	if result == nil {
		return ""
	}

	var parts []string
	for _, c := range result.Content {
		switch v := c.(type) {
		case mcpgo.TextContent:
			parts = append(parts, v.Text)
		case *mcpgo.TextContent:
			parts = append(parts, v.Text)
		default:
			parts = append(parts, fmt.Sprintf("[non-text content: %T]", c))
		}
	}
	if len(parts) == 0 && result.StructuredContent != nil {
		if data, err := json.Marshal(result.StructuredContent); err == nil {
			return string(data)
		}
	}
	return strings.Join(parts, "\n")
}
