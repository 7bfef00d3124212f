package kit

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// MCPDecodeResult is what a tool's decode hook hands back: the typed
// request the endpoint will receive, plus an optional context transform
// (caller identity, session tags).
type MCPDecodeResult struct {
	Request   any
	EnrichCtx func(context.Context) context.Context
}

// toolError wraps a failure as a tool-level error result. Tool failures
// stay inside the MCP response; only transport breakage is a protocol
// error.
func toolError(err error) *mcp.CallToolResult {
	var res mcp.CallToolResult
	res.SetError(err)
	return &res
}

// RegisterMCPTool mounts an Endpoint as a tool on srv. The decode hook
// pulls the typed request out of the call's raw JSON arguments; responses
// are marshaled into one text content block, the shape MCP clients expect.
func RegisterMCPTool(srv *mcp.Server, tool *mcp.Tool, endpoint Endpoint, decode func(*mcp.CallToolRequest) (*MCPDecodeResult, error)) {
	srv.AddTool(tool, mcpToolHandler(endpoint, decode))
}

func mcpToolHandler(endpoint Endpoint, decode func(*mcp.CallToolRequest) (*MCPDecodeResult, error)) func(context.Context, *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return func(ctx context.Context, call *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		in, err := decode(call)
		if err != nil {
			return toolError(fmt.Errorf("invalid arguments: %w", err)), nil
		}
		if in.EnrichCtx != nil {
			ctx = in.EnrichCtx(ctx)
		}

		out, err := endpoint(ctx, in.Request)
		if err != nil {
			return toolError(err), nil
		}

		body, err := json.Marshal(out)
		if err != nil {
			return toolError(fmt.Errorf("marshal response: %w", err)), nil
		}
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: string(body)}},
		}, nil
	}
}
