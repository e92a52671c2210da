package mcpserver

import (
	"github.com/mark3labs/mcp-go/server"
)

// NewMCPServer creates a configured MCP server with all crawlpilot tools registered.
func NewMCPServer(cfg Config, version string) *server.MCPServer {
	s := server.NewMCPServer("crawlpilot", version)
	h := NewHandlers(NewClient(cfg))

	s.AddTool(ToolPlannerStats, h.HandlePlannerStats)
	s.AddTool(ToolRunPlanner, h.HandleRunPlanner)
	s.AddTool(ToolCheckSessions, h.HandleCheckSessions)
	s.AddTool(ToolCheckSession, h.HandleCheckSession)
	s.AddTool(ToolPreviewSelection, h.HandlePreviewSelection)
	s.AddTool(ToolEvaluatePolicy, h.HandleEvaluatePolicy)
	s.AddTool(ToolListViolations, h.HandleListViolations)
	s.AddTool(ToolPreviewVariant, h.HandlePreviewVariant)

	return s
}
