package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
)

// Handlers holds the handler functions for each MCP tool.
type Handlers struct {
	client *Client
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(client *Client) *Handlers {
	return &Handlers{client: client}
}

// HandlePlannerStats reports cumulative planner counters.
func (h *Handlers) HandlePlannerStats(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.PlannerStats(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get planner stats: %v", err)), nil
	}
	text, err := formatPlannerStats(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse planner stats: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleRunPlanner runs one planner tick.
func (h *Handlers) HandleRunPlanner(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.RunPlanner(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Planner run failed: %v", err)), nil
	}
	text, err := formatTick(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse tick: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleCheckSessions runs a full session health pass.
func (h *Handlers) HandleCheckSessions(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.CheckSessions(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Session check failed: %v", err)), nil
	}
	var resp struct {
		Report map[string]any `json:"report"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil || resp.Report == nil {
		return mcp.NewToolResultError("Failed to parse session check report"), nil
	}
	r := resp.Report
	return mcp.NewToolResultText(fmt.Sprintf(
		"Session health check:\n  Checked: %s\n  Transitioned: %s\n  Skipped: %s\n  Errors: %s\n",
		getString(r, "checked"), getString(r, "transitioned"), getString(r, "skipped"), getString(r, "errors"))), nil
}

// HandleCheckSession re-evaluates one session.
func (h *Handlers) HandleCheckSession(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID := req.GetString("session_id", "")
	if sessionID == "" {
		return mcp.NewToolResultError("session_id is required"), nil
	}
	raw, err := h.client.CheckSession(ctx, sessionID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Session check failed: %v", err)), nil
	}
	var resp struct {
		Decision map[string]any `json:"decision"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil || resp.Decision == nil {
		return mcp.NewToolResultError("Failed to parse session decision"), nil
	}
	d := resp.Decision
	from, to := getString(d, "from"), getString(d, "to")
	if changed, _ := d["changed"].(bool); !changed {
		return mcp.NewToolResultText(fmt.Sprintf("Session %s unchanged (%s).", sessionID, from)), nil
	}
	text := fmt.Sprintf("Session %s: %s -> %s", sessionID, from, to)
	if reason := getString(d, "reason"); reason != "" {
		text += " (" + reason + ")"
	}
	return mcp.NewToolResultText(text), nil
}

// HandlePreviewSelection dry-runs the selector.
func (h *Handlers) HandlePreviewSelection(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	userID := req.GetString("user_id", "")
	if userID == "" {
		return mcp.NewToolResultError("user_id is required"), nil
	}
	var requireProxy *bool
	if v, ok := req.GetArguments()["require_proxy"].(bool); ok {
		requireProxy = &v
	}

	raw, err := h.client.PreviewSelection(ctx, userID, req.GetString("mode", ""), req.GetString("account_id", ""), requireProxy)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Selection preview failed: %v", err)), nil
	}
	text, err := formatSelection(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse selection: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleEvaluatePolicy dry-runs policy evaluation.
func (h *Handlers) HandleEvaluatePolicy(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	userID := req.GetString("user_id", "")
	if userID == "" {
		return mcp.NewToolResultError("user_id is required"), nil
	}
	raw, err := h.client.EvaluatePolicy(ctx, userID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Policy evaluation failed: %v", err)), nil
	}
	text, err := formatEvaluation(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse evaluation: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleListViolations lists recorded violations.
func (h *Handlers) HandleListViolations(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	userID := req.GetString("user_id", "")
	if userID == "" {
		return mcp.NewToolResultError("user_id is required"), nil
	}
	raw, err := h.client.ListViolations(ctx, userID, req.GetInt("limit", 20))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list violations: %v", err)), nil
	}
	text, err := formatViolations(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse violations: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandlePreviewVariant shows the next query variant for a target.
func (h *Handlers) HandlePreviewVariant(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	typ := req.GetString("type", "")
	value := req.GetString("value", "")
	if typ == "" || value == "" {
		return mcp.NewToolResultError("type and value are required"), nil
	}
	tc := map[string]any{
		"type":     typ,
		"value":    value,
		"runCount": req.GetInt("run_count", 0),
	}
	if q := req.GetString("quality_status", ""); q != "" {
		tc["qualityStatus"] = q
	}
	if v := req.GetString("last_variant_id", ""); v != "" {
		tc["lastVariantId"] = v
	}

	raw, err := h.client.PreviewVariant(ctx, tc)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Variant preview failed: %v", err)), nil
	}
	text, err := formatVariants(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse variants: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// --- Formatters ---

func formatPlannerStats(raw json.RawMessage) (string, error) {
	var resp struct {
		Stats map[string]any `json:"stats"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}
	if resp.Stats == nil {
		return "", fmt.Errorf("unexpected stats response format")
	}
	s := resp.Stats

	var sb strings.Builder
	running := "stopped"
	if r, _ := s["running"].(bool); r {
		running = "running"
	}
	fmt.Fprintf(&sb, "Planner (%s):\n", running)
	fmt.Fprintf(&sb, "  Ticks: %s\n", getString(s, "ticks"))
	fmt.Fprintf(&sb, "  Users processed: %s\n", getString(s, "usersProcessed"))
	fmt.Fprintf(&sb, "  Tasks planned: %s\n", getString(s, "tasksPlanned"))
	fmt.Fprintf(&sb, "  Policy actions: %s\n", getString(s, "actionsApplied"))
	fmt.Fprintf(&sb, "  Skipped: %s\n", getString(s, "skipped"))
	fmt.Fprintf(&sb, "  Unavailable: %s\n", getString(s, "unavailable"))
	fmt.Fprintf(&sb, "  Errors: %s\n", getString(s, "errors"))
	if v := getString(s, "lastRunAt"); v != "" && !strings.HasPrefix(v, "0001-") {
		fmt.Fprintf(&sb, "  Last run: %s\n", v)
	}
	return sb.String(), nil
}

func formatTick(raw json.RawMessage) (string, error) {
	var resp struct {
		Tick map[string]any `json:"tick"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}
	if resp.Tick == nil {
		return "", fmt.Errorf("unexpected tick response format")
	}
	t := resp.Tick
	return fmt.Sprintf("Planner tick complete: %s user(s), %s task(s) planned, %s policy action(s), %s skipped, %s unavailable, %s error(s).",
		getString(t, "usersProcessed"), getString(t, "tasksPlanned"), getString(t, "actionsApplied"),
		getString(t, "skipped"), getString(t, "unavailable"), getString(t, "errors")), nil
}

func formatSelection(raw json.RawMessage) (string, error) {
	var resp struct {
		Selection struct {
			OK      bool           `json:"ok"`
			Reason  string         `json:"reason"`
			Summary map[string]any `json:"summary"`
		} `json:"selection"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}
	sel := resp.Selection
	if !sel.OK {
		return fmt.Sprintf("No selection possible: %s", sel.Reason), nil
	}
	s := sel.Summary

	var sb strings.Builder
	sb.WriteString("Selection:\n")
	account := getString(s, "accountId")
	if handle := getString(s, "accountHandle"); handle != "" {
		account += " (@" + handle + ")"
	}
	fmt.Fprintf(&sb, "  Account: %s\n", account)
	fmt.Fprintf(&sb, "  Session: %s [%s]\n", getString(s, "sessionId"), getString(s, "sessionStatus"))
	fmt.Fprintf(&sb, "  Risk score: %s\n", getString(s, "riskScore"))
	fmt.Fprintf(&sb, "  Hint: %s\n", getString(s, "hint"))
	if proxy := getString(s, "proxy"); proxy != "" {
		fmt.Fprintf(&sb, "  Proxy: %s\n", proxy)
	} else {
		sb.WriteString("  Proxy: none\n")
	}
	fmt.Fprintf(&sb, "  Alternatives: %s\n", getString(s, "alternatives"))
	return sb.String(), nil
}

func formatEvaluation(raw json.RawMessage) (string, error) {
	var resp struct {
		Evaluation struct {
			UserID     string           `json:"userId"`
			Violations []map[string]any `json:"violations"`
			Action     string           `json:"action"`
			Cooldown   string           `json:"cooldownUntil"`
			Cooling    bool             `json:"coolingDown"`
		} `json:"evaluation"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}
	ev := resp.Evaluation

	var sb strings.Builder
	fmt.Fprintf(&sb, "Policy evaluation for %s:\n", ev.UserID)
	if ev.Cooling {
		fmt.Fprintf(&sb, "  Cooling down until %s.\n", ev.Cooldown)
		return sb.String(), nil
	}
	if len(ev.Violations) == 0 {
		sb.WriteString("  Within limits.\n")
		return sb.String(), nil
	}
	for _, v := range ev.Violations {
		fmt.Fprintf(&sb, "  %s: observed %s, limit %s\n", getString(v, "type"), getString(v, "observed"), getString(v, "limit"))
	}
	if ev.Action != "" {
		fmt.Fprintf(&sb, "  Action: %s\n", ev.Action)
	}
	if ev.Cooldown != "" && !strings.HasPrefix(ev.Cooldown, "0001-") {
		fmt.Fprintf(&sb, "  Cooldown until: %s\n", ev.Cooldown)
	}
	return sb.String(), nil
}

func formatViolations(raw json.RawMessage) (string, error) {
	var resp struct {
		Violations []map[string]any `json:"violations"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}
	if len(resp.Violations) == 0 {
		return "No violations recorded.", nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Found %d violation(s):\n\n", len(resp.Violations))
	for i, v := range resp.Violations {
		fmt.Fprintf(&sb, "%d. %s %s -> %s (observed %s, limit %s)\n", i+1,
			getString(v, "createdAt"), getString(v, "type"), getString(v, "action"),
			getString(v, "observed"), getString(v, "limit"))
	}
	return sb.String(), nil
}

func formatVariants(raw json.RawMessage) (string, error) {
	var resp struct {
		Variant    map[string]any   `json:"variant"`
		Candidates []map[string]any `json:"candidates"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}
	if resp.Variant == nil {
		return "", fmt.Errorf("unexpected variant response format")
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Next variant: %s\n  Query: %s\n  Sort: %s, safety: %s\n",
		getString(resp.Variant, "id"), getString(resp.Variant, "query"),
		getString(resp.Variant, "sort"), getString(resp.Variant, "safetyLevel"))
	fmt.Fprintf(&sb, "\nCandidates (%d):\n", len(resp.Candidates))
	for _, c := range resp.Candidates {
		fmt.Fprintf(&sb, "  - %s: %s\n", getString(c, "id"), getString(c, "query"))
	}
	return sb.String(), nil
}

// getString extracts a string value from a map, trying multiple key names.
func getString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			if s, ok := v.(string); ok {
				return s
			}
			if f, ok := v.(float64); ok {
				return fmt.Sprintf("%g", f)
			}
		}
	}
	return ""
}
