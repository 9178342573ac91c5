package mcpserver

import "github.com/mark3labs/mcp-go/mcp"

// Tool definitions for the Finomaly MCP server.
// Descriptions are what the LLM reads to decide which tool to use.

var ToolGetDashboard = mcp.NewTool("get_dashboard",
	mcp.WithDescription(
		"Get the live risk dashboard: every stored transaction with its effective risk score and tier, "+
			"tier counts, anomaly rate, and the riskiest locations. "+
			"Scores come from anomaly alerts when present, otherwise from the transaction itself."),
	mcp.WithNumber("top",
		mcp.Description("How many of the riskiest transactions to list (default 5)")),
)

var ToolClassifyScore = mcp.NewTool("classify_score",
	mcp.WithDescription(
		"Classify a 0-100 risk score into Safe, Medium or High using the current thresholds."),
	mcp.WithNumber("score",
		mcp.Required(),
		mcp.Description("Risk score to classify (0-100)")),
)

var ToolAnalyzeCSV = mcp.NewTool("analyze_csv",
	mcp.WithDescription(
		"Upload a local CSV file of transactions to the scoring service and summarize the flagged anomalies. "+
			"The first row must be a header; columns such as id, account, amount, timestamp and location are recognized."),
	mcp.WithString("path",
		mcp.Required(),
		mcp.Description("Path to the CSV file on this machine")),
	mcp.WithString("mode",
		mcp.Description("Scoring protocol: 'batch' (one request for the whole file) or 'sequential' (one request per transaction, with session context)"),
		mcp.Enum("batch", "sequential")),
)

var ToolGetLatestAnalysis = mcp.NewTool("get_latest_analysis",
	mcp.WithDescription(
		"Get the most recent CSV analysis, re-aggregated under the current thresholds."),
)

var ToolListAnalysisRuns = mcp.NewTool("list_analysis_runs",
	mcp.WithDescription(
		"List recent analysis runs with their mode, size, flagged count and duration."),
	mcp.WithNumber("limit",
		mcp.Description("Maximum number of runs to return (default 10)")),
)

var ToolGetSettings = mcp.NewTool("get_settings",
	mcp.WithDescription(
		"Get the current risk thresholds, currency and notification preferences."),
)

var ToolUpdateThresholds = mcp.NewTool("update_thresholds",
	mcp.WithDescription(
		"Change the Safe and Medium score thresholds. Scores at or below the safe threshold are Safe, "+
			"at or below the medium threshold Medium, and above it High. "+
			"Changes apply immediately; set save to persist them."),
	mcp.WithNumber("safe_threshold",
		mcp.Description("Upper bound of the Safe tier (0-100)")),
	mcp.WithNumber("medium_threshold",
		mcp.Description("Upper bound of the Medium tier (0-100), greater than safe_threshold")),
	mcp.WithBoolean("save",
		mcp.Description("Persist the new thresholds (default false)")),
)

var ToolAddAlert = mcp.NewTool("add_alert",
	mcp.WithDescription(
		"Record an anomaly alert for a transaction. The alert's score overrides the transaction's own score on the dashboard."),
	mcp.WithString("transaction_id",
		mcp.Required(),
		mcp.Description("ID of the transaction the alert refers to (e.g. 'TXN001')")),
	mcp.WithNumber("risk_score",
		mcp.Required(),
		mcp.Description("Alert risk score (0-100)")),
)

var ToolSeedSampleData = mcp.NewTool("seed_sample_data",
	mcp.WithDescription(
		"Add three sample transactions to the store so the dashboard has something to show."),
)
