package mcpserver

import (
	"github.com/mark3labs/mcp-go/server"
)

// NewMCPServer creates a configured MCP server with all execution-core tools registered.
func NewMCPServer(cfg Config) *server.MCPServer {
	s := server.NewMCPServer("agentwall", "1.0.0")
	client := NewCoreClient(cfg)
	h := NewHandlers(client)

	s.AddTool(ToolExecuteTransaction, h.HandleExecuteTransaction)
	s.AddTool(ToolWalletStatus, h.HandleWalletStatus)
	s.AddTool(ToolSpendingStatus, h.HandleSpendingStatus)
	s.AddTool(ToolPendingApprovals, h.HandlePendingApprovals)
	s.AddTool(ToolLookupContract, h.HandleLookupContract)
	s.AddTool(ToolAuditTrail, h.HandleAuditTrail)
	s.AddTool(ToolEmergencyPause, h.HandleEmergencyPause)

	return s
}
