package mcpserver

import (
	"github.com/mark3labs/mcp-go/server"
)

// NewMCPServer creates a configured MCP server with all Finomaly tools registered.
func NewMCPServer(cfg Config) *server.MCPServer {
	s := server.NewMCPServer("finomaly", "1.0.0")
	client := NewFinomalyClient(cfg)
	h := NewHandlers(client)

	s.AddTool(ToolGetDashboard, h.HandleGetDashboard)
	s.AddTool(ToolClassifyScore, h.HandleClassifyScore)
	s.AddTool(ToolAnalyzeCSV, h.HandleAnalyzeCSV)
	s.AddTool(ToolGetLatestAnalysis, h.HandleGetLatestAnalysis)
	s.AddTool(ToolListAnalysisRuns, h.HandleListAnalysisRuns)
	s.AddTool(ToolGetSettings, h.HandleGetSettings)
	s.AddTool(ToolUpdateThresholds, h.HandleUpdateThresholds)
	s.AddTool(ToolAddAlert, h.HandleAddAlert)
	s.AddTool(ToolSeedSampleData, h.HandleSeedSampleData)

	return s
}
