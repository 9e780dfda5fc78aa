package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
)

// Handlers implements the MCP tool handlers on top of the core client.
type Handlers struct {
	client *CoreClient
}

// NewHandlers creates the tool handlers.
func NewHandlers(client *CoreClient) *Handlers {
	return &Handlers{client: client}
}

// HandleExecuteTransaction runs a transaction through the safety pipeline.
func (h *Handlers) HandleExecuteTransaction(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	to := req.GetString("to", "")
	if to == "" {
		return mcp.NewToolResultError("to is required"), nil
	}
	amountUSD := req.GetFloat("amount_usd", 0)
	if amountUSD <= 0 {
		return mcp.NewToolResultError("amount_usd must be positive"), nil
	}

	raw, err := h.client.ExecuteTransaction(ctx,
		to,
		req.GetString("value_wei", ""),
		req.GetString("data", ""),
		amountUSD,
		req.GetString("kind", ""),
		req.GetString("rationale", ""),
	)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Execution failed: %v", err)), nil
	}
	return mcp.NewToolResultText(pretty(raw)), nil
}

// HandleWalletStatus reports tier, limits, and pause state.
func (h *Handlers) HandleWalletStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.WalletInfo(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to fetch wallet status: %v", err)), nil
	}
	return mcp.NewToolResultText(pretty(raw)), nil
}

// HandleSpendingStatus reports rolling window totals.
func (h *Handlers) HandleSpendingStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.Spending(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to fetch spending: %v", err)), nil
	}
	return mcp.NewToolResultText(pretty(raw)), nil
}

// HandlePendingApprovals lists requests awaiting a human.
func (h *Handlers) HandlePendingApprovals(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.PendingApprovals(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list approvals: %v", err)), nil
	}
	return mcp.NewToolResultText(pretty(raw)), nil
}

// HandleLookupContract resolves an address against the trust registry.
func (h *Handlers) HandleLookupContract(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	address := req.GetString("address", "")
	if address == "" {
		return mcp.NewToolResultError("address is required"), nil
	}
	raw, err := h.client.LookupContract(ctx, address)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Lookup failed: %v", err)), nil
	}
	return mcp.NewToolResultText(pretty(raw)), nil
}

// HandleAuditTrail fetches recent audit events.
func (h *Handlers) HandleAuditTrail(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	limit := req.GetInt("limit", 50)
	raw, err := h.client.AuditEvents(ctx, limit)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to fetch audit events: %v", err)), nil
	}
	return mcp.NewToolResultText(pretty(raw)), nil
}

// HandleEmergencyPause freezes the wallet.
func (h *Handlers) HandleEmergencyPause(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	reason := req.GetString("reason", "")
	if reason == "" {
		return mcp.NewToolResultError("reason is required"), nil
	}
	if _, err := h.client.Pause(ctx, reason); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Pause failed: %v", err)), nil
	}
	return mcp.NewToolResultText("Wallet paused. A human operator must resume it."), nil
}

// pretty re-indents raw JSON for the LLM; falls back to the raw text.
func pretty(raw json.RawMessage) string {
	var buf map[string]any
	if err := json.Unmarshal(raw, &buf); err != nil {
		return string(raw)
	}
	out, err := json.MarshalIndent(buf, "", "  ")
	if err != nil {
		return string(raw)
	}
	return string(out)
}
