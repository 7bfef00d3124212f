package persona

import (
	"context"
	"encoding/json"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/plumehq/plume/kit"
)

// RegisterMCP registers all persona tools on an MCP server. The tools
// mirror the HTTP surface: generate starts a task, status polls it,
// platforms lists the enum.
func (svc *Service) RegisterMCP(srv *mcp.Server) {
	svc.registerGenerate(srv)
	svc.registerStatus(srv)
	svc.registerPlatforms(srv)
}

func inputSchema(properties map[string]any, required []string) map[string]any {
	s := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		s["required"] = required
	}
	return s
}

func (svc *Service) registerGenerate(srv *mcp.Server) {
	type req struct {
		OnboardingData    map[string]any `json:"onboarding_data"`
		SelectedPlatforms []string       `json:"selected_platforms"`
		UserPreferences   map[string]any `json:"user_preferences"`
	}

	tool := &mcp.Tool{
		Name:        "persona_generate",
		Description: "Start asynchronous persona generation from onboarding data; returns a task to poll",
		InputSchema: inputSchema(map[string]any{
			"onboarding_data":    map[string]any{"type": "object", "description": "Onboarding answers (business name, audience, voice samples, ...)"},
			"selected_platforms": map[string]any{"type": "array", "items": map[string]any{"type": "string"}, "description": "1 to 5 target platforms"},
			"user_preferences":   map[string]any{"type": "object", "description": "Optional overrides folded into the onboarding payload"},
		}, []string{"onboarding_data", "selected_platforms"}),
	}

	endpoint := func(ctx context.Context, r any) (any, error) {
		p := r.(*req)
		return svc.CreateTask(ctx, GenerationRequest{
			OnboardingData:    p.OnboardingData,
			SelectedPlatforms: p.SelectedPlatforms,
			UserPreferences:   p.UserPreferences,
		})
	}

	decode := func(r *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		var p req
		if err := json.Unmarshal(r.Params.Arguments, &p); err != nil {
			return nil, err
		}
		return &kit.MCPDecodeResult{Request: &p}, nil
	}

	kit.RegisterMCPTool(srv, tool, endpoint, decode)
}

func (svc *Service) registerStatus(srv *mcp.Server) {
	type req struct {
		TaskID string `json:"task_id"`
	}

	tool := &mcp.Tool{
		Name:        "persona_status",
		Description: "Poll a persona generation task: status, progress messages, and the result once completed",
		InputSchema: inputSchema(map[string]any{
			"task_id": map[string]any{"type": "string", "description": "Task ID returned by persona_generate"},
		}, []string{"task_id"}),
	}

	endpoint := func(ctx context.Context, r any) (any, error) {
		p := r.(*req)
		return svc.GetTask(ctx, p.TaskID)
	}

	decode := func(r *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		var p req
		if err := json.Unmarshal(r.Params.Arguments, &p); err != nil {
			return nil, err
		}
		return &kit.MCPDecodeResult{Request: &p}, nil
	}

	kit.RegisterMCPTool(srv, tool, endpoint, decode)
}

func (svc *Service) registerPlatforms(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "persona_platforms",
		Description: "List the supported platform identifiers",
		InputSchema: inputSchema(map[string]any{}, nil),
	}

	endpoint := func(_ context.Context, _ any) (any, error) {
		return map[string]any{"platforms": Platforms()}, nil
	}

	decode := func(_ *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		return &kit.MCPDecodeResult{Request: nil}, nil
	}

	kit.RegisterMCPTool(srv, tool, endpoint, decode)
}
