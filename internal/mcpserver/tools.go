package mcpserver

import "github.com/mark3labs/mcp-go/mcp"

// Tool definitions for the execution core MCP server.
// Descriptions are what the LLM reads to decide which tool to use.

var ToolExecuteTransaction = mcp.NewTool("execute_transaction",
	mcp.WithDescription(
		"Execute an on-chain transaction through the safety pipeline. "+
			"The transaction is simulated, screened for threats, checked against spending limits, "+
			"and may require human approval depending on the wallet tier. "+
			"Blocks until the transaction confirms or is rejected. "+
			"On the manual tier, returns an unsigned transaction for external signing instead."),
	mcp.WithString("to",
		mcp.Required(),
		mcp.Description("Destination address (e.g. '0x1234...')")),
	mcp.WithString("value_wei",
		mcp.Description("Native value in wei as a decimal string (e.g. '1000000000000000'). Omit for token calls.")),
	mcp.WithString("data",
		mcp.Description("Hex-encoded call data (e.g. '0xa9059cbb...'). Omit for plain transfers.")),
	mcp.WithNumber("amount_usd",
		mcp.Required(),
		mcp.Description("Economic value at risk in USD, counted against spending limits")),
	mcp.WithString("kind",
		mcp.Description("Transaction kind for the audit trail"),
		mcp.Enum("transfer", "rebalance", "contract_call")),
	mcp.WithString("rationale",
		mcp.Description("Why this transaction should happen. Shown to human reviewers on approval-tier wallets.")),
)

var ToolWalletStatus = mcp.NewTool("wallet_status",
	mcp.WithDescription(
		"Check the wallet's account address, autonomy tier, spending limits, and pause state. "+
			"Use this before executing to know which limits apply."),
)

var ToolSpendingStatus = mcp.NewTool("spending_status",
	mcp.WithDescription(
		"Check how much has been spent in the rolling daily, weekly, and monthly windows. "+
			"Use this to plan spends that fit under the remaining headroom."),
)

var ToolPendingApprovals = mcp.NewTool("pending_approvals",
	mcp.WithDescription(
		"List transaction approval requests still awaiting a human decision, "+
			"with amounts, rationales, and expiry times."),
)

var ToolLookupContract = mcp.NewTool("lookup_contract",
	mcp.WithDescription(
		"Resolve a contract address against the trust registry. "+
			"Returns the contract's name, protocol, category, and risk tier, or whether it is block-listed. "+
			"Use this before executing against an unfamiliar address."),
	mcp.WithString("address",
		mcp.Required(),
		mcp.Description("The contract address (e.g. '0x1234...')")),
)

var ToolAuditTrail = mcp.NewTool("audit_trail",
	mcp.WithDescription(
		"Fetch recent security audit events: threat findings, limit breaches, "+
			"approval activity, pauses, and executed transactions."),
	mcp.WithNumber("limit",
		mcp.Description("Maximum number of events to return (default 50)")),
)

var ToolEmergencyPause = mcp.NewTool("emergency_pause",
	mcp.WithDescription(
		"Freeze all transaction authorization immediately. "+
			"Use when something looks wrong: unexpected balances, suspicious counterparties, or compromised inputs. "+
			"Only a human operator can resume."),
	mcp.WithString("reason",
		mcp.Required(),
		mcp.Description("Why the wallet is being paused")),
)
