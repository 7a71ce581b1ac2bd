package tools

import (
	"context"
	"sort"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// HealthCheck reports whether a dependency is reachable.
type HealthCheck func(ctx context.Context) error

type healthResult struct {
	Status  string            `json:"status"`
	Version string            `json:"version"`
	Checks  map[string]string `json:"checks,omitempty"`
}

// RegisterHealthTool adds a health check tool to the MCP server.
// The tool returns the server status, version and the result of each check.
func RegisterHealthTool(s *server.MCPServer, version string, checks map[string]HealthCheck) {
	tool := mcp.NewTool(
		"health",
		mcp.WithDescription("Returns server health status, version, and dependency checks"),
		mcp.WithReadOnlyHintAnnotation(true),
	)

	names := make([]string, 0, len(checks))
	for name := range checks {
		names = append(names, name)
	}
	sort.Strings(names)

	s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		result := healthResult{Status: "ok", Version: version}
		if len(names) > 0 {
			result.Checks = make(map[string]string, len(names))
		}
		for _, name := range names {
			if err := checks[name](ctx); err != nil {
				result.Status = "degraded"
				result.Checks[name] = err.Error()
				continue
			}
			result.Checks[name] = "ok"
		}
		return jsonResult(result)
	})
}
