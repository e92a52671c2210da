package mcpserver

import "github.com/mark3labs/mcp-go/mcp"

// Tool definitions for the crawlpilot MCP server.
// Descriptions are what the LLM reads to decide which tool to use.

var ToolPlannerStats = mcp.NewTool("planner_stats",
	mcp.WithDescription(
		"Show cumulative planner counters: ticks run, users processed, tasks planned, "+
			"policy actions applied, skipped and unavailable users, and errors."),
)

var ToolRunPlanner = mcp.NewTool("run_planner",
	mcp.WithDescription(
		"Run one planner tick now. Each schedulable user gets at most one task. "+
			"Fails if a tick is already in progress."),
)

var ToolCheckSessions = mcp.NewTool("check_sessions",
	mcp.WithDescription(
		"Re-evaluate every monitorable session against the staleness thresholds "+
			"and report how many changed status."),
)

var ToolCheckSession = mcp.NewTool("check_session",
	mcp.WithDescription("Re-evaluate one session and report its status transition, if any."),
	mcp.WithString("session_id",
		mcp.Required(),
		mcp.Description("The session ID (e.g. 'sess_...')")),
)

var ToolPreviewSelection = mcp.NewTool("preview_selection",
	mcp.WithDescription(
		"Preview which account, session and proxy the selector would pick for a user. "+
			"Returns a summary only; cookies are never shown."),
	mcp.WithString("user_id",
		mcp.Required(),
		mcp.Description("The user whose accounts to select from")),
	mcp.WithString("mode",
		mcp.Description("Selection mode"),
		mcp.Enum("AUTO", "MANUAL")),
	mcp.WithString("account_id",
		mcp.Description("Account to force when mode is MANUAL")),
	mcp.WithBoolean("require_proxy",
		mcp.Description("Fail with NO_PROXY_AVAILABLE when no proxy slot is free. Defaults to the server setting.")),
)

var ToolEvaluatePolicy = mcp.NewTool("evaluate_policy",
	mcp.WithDescription(
		"Dry-run the usage policy for a user: effective limits, current usage, "+
			"violations and the action that would be taken. Nothing is applied."),
	mcp.WithString("user_id",
		mcp.Required(),
		mcp.Description("The user to evaluate")),
)

var ToolListViolations = mcp.NewTool("list_violations",
	mcp.WithDescription("List a user's recorded policy violations, newest first."),
	mcp.WithString("user_id",
		mcp.Required(),
		mcp.Description("The user whose violations to list")),
	mcp.WithNumber("limit",
		mcp.Description("Maximum number of records to return (default 20)")),
)

var ToolPreviewVariant = mcp.NewTool("preview_variant",
	mcp.WithDescription(
		"Show the query variant the next run of a target would use, and every candidate variant."),
	mcp.WithString("type",
		mcp.Required(),
		mcp.Description("Target type"),
		mcp.Enum("keyword", "hashtag", "account")),
	mcp.WithString("value",
		mcp.Required(),
		mcp.Description("Keyword, hashtag or account handle")),
	mcp.WithNumber("run_count",
		mcp.Description("How many times the target has run (default 0)")),
	mcp.WithString("quality_status",
		mcp.Description("Target quality"),
		mcp.Enum("HEALTHY", "DEGRADED", "UNSTABLE")),
	mcp.WithString("last_variant_id",
		mcp.Description("Variant used by the previous run")),
)
