package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
)

// Handlers holds the handler functions for each MCP tool.
type Handlers struct {
	client *FinomalyClient
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(client *FinomalyClient) *Handlers {
	return &Handlers{client: client}
}

// HandleGetDashboard summarizes the live snapshot.
func (h *Handlers) HandleGetDashboard(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	top := req.GetInt("top", 5)

	raw, err := h.client.GetDashboard(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get dashboard: %v", err)), nil
	}

	text, err := formatDashboard(raw, top)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse dashboard: %v", err)), nil
	}

	return mcp.NewToolResultText(text), nil
}

// HandleClassifyScore classifies a score under the current thresholds.
func (h *Handlers) HandleClassifyScore(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := req.GetArguments()
	if _, ok := args["score"]; !ok {
		return mcp.NewToolResultError("score is required"), nil
	}
	score := req.GetInt("score", 0)

	raw, err := h.client.Classify(ctx, score)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to classify score: %v", err)), nil
	}

	var resp struct {
		Score int `json:"score"`
		Style struct {
			Tier  string `json:"tier"`
			Color string `json:"color"`
		} `json:"style"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse classification: %v", err)), nil
	}

	return mcp.NewToolResultText(fmt.Sprintf("Score %d is %s risk.", resp.Score, resp.Style.Tier)), nil
}

// HandleAnalyzeCSV uploads a CSV file and summarizes the result.
func (h *Handlers) HandleAnalyzeCSV(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	path := req.GetString("path", "")
	if path == "" {
		return mcp.NewToolResultError("path is required"), nil
	}
	mode := req.GetString("mode", "")

	raw, err := h.client.AnalyzeFile(ctx, path, mode)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Analysis failed: %v", err)), nil
	}

	text, err := formatAnalysis(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse analysis: %v", err)), nil
	}

	return mcp.NewToolResultText(text), nil
}

// HandleGetLatestAnalysis summarizes the most recent analysis.
func (h *Handlers) HandleGetLatestAnalysis(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.LatestAnalysis(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get latest analysis: %v", err)), nil
	}

	text, err := formatAnalysis(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse analysis: %v", err)), nil
	}

	return mcp.NewToolResultText(text), nil
}

// HandleListAnalysisRuns lists recent runs.
func (h *Handlers) HandleListAnalysisRuns(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	limit := req.GetInt("limit", 10)

	raw, err := h.client.AnalysisHistory(ctx, limit)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list runs: %v", err)), nil
	}

	text, err := formatRuns(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse runs: %v", err)), nil
	}

	return mcp.NewToolResultText(text), nil
}

// HandleGetSettings returns the current thresholds.
func (h *Handlers) HandleGetSettings(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.GetSettings(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get settings: %v", err)), nil
	}

	text, err := formatSettings(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse settings: %v", err)), nil
	}

	return mcp.NewToolResultText(text), nil
}

// HandleUpdateThresholds patches the thresholds and optionally saves them.
func (h *Handlers) HandleUpdateThresholds(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := req.GetArguments()
	patch := make(map[string]any)
	if _, ok := args["safe_threshold"]; ok {
		patch["safeThreshold"] = req.GetInt("safe_threshold", 0)
	}
	if _, ok := args["medium_threshold"]; ok {
		patch["mediumThreshold"] = req.GetInt("medium_threshold", 0)
	}
	if len(patch) == 0 {
		return mcp.NewToolResultError("at least one of safe_threshold or medium_threshold is required"), nil
	}

	raw, err := h.client.UpdateSettings(ctx, patch)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to update thresholds: %v", err)), nil
	}

	text, err := formatSettings(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse settings: %v", err)), nil
	}

	if req.GetBool("save", false) {
		if _, err := h.client.SaveSettings(ctx); err != nil {
			return mcp.NewToolResultText(text + "\nWarning: thresholds applied but not saved: " + err.Error()), nil
		}
		text += "\nSaved."
	}

	return mcp.NewToolResultText(text), nil
}

// HandleAddAlert records an alert for a transaction.
func (h *Handlers) HandleAddAlert(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	txID := req.GetString("transaction_id", "")
	if txID == "" {
		return mcp.NewToolResultError("transaction_id is required"), nil
	}
	if _, ok := req.GetArguments()["risk_score"]; !ok {
		return mcp.NewToolResultError("risk_score is required"), nil
	}
	score := req.GetInt("risk_score", 0)

	raw, err := h.client.AddAlert(ctx, txID, score)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to add alert: %v", err)), nil
	}

	var resp map[string]any
	if err := json.Unmarshal(raw, &resp); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse response: %v", err)), nil
	}

	return mcp.NewToolResultText(fmt.Sprintf(
		"Alert %s recorded for %s with risk score %d.",
		getString(resp, "id"), txID, score)), nil
}

// HandleSeedSampleData adds the sample transactions.
func (h *Handlers) HandleSeedSampleData(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.SeedTransactions(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to seed: %v", err)), nil
	}

	var resp struct {
		Added int      `json:"added"`
		IDs   []string `json:"ids"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse response: %v", err)), nil
	}

	return mcp.NewToolResultText(fmt.Sprintf("Added %d sample transaction(s): %s",
		resp.Added, strings.Join(resp.IDs, ", "))), nil
}

// --- Formatting helpers ---

type tierCounts struct {
	Safe    int `json:"safe"`
	Medium  int `json:"medium"`
	High    int `json:"high"`
	Unknown int `json:"unknown"`
}

type locationStat struct {
	Location    string  `json:"location"`
	Count       int     `json:"count"`
	AverageRisk float64 `json:"averageRisk"`
}

type view struct {
	Total          int            `json:"total"`
	Counts         tierCounts     `json:"counts"`
	Anomalies      int            `json:"anomalies"`
	AnomalyPercent float64        `json:"anomalyPercent"`
	TotalAmount    float64        `json:"totalAmount"`
	AverageRisk    float64        `json:"averageRisk"`
	Locations      []locationStat `json:"locations"`
}

type dashboardItem struct {
	ID          string  `json:"id"`
	Account     string  `json:"account"`
	Amount      float64 `json:"amount"`
	Location    string  `json:"location"`
	RiskScore   int     `json:"riskScore"`
	ScoreSource string  `json:"scoreSource"`
	Tier        string  `json:"tier"`
}

func formatDashboard(raw json.RawMessage, top int) (string, error) {
	var snap struct {
		Transactions []dashboardItem `json:"transactions"`
		View         view            `json:"view"`
		Status       struct {
			Loading bool   `json:"loading"`
			Error   string `json:"error"`
		} `json:"status"`
	}
	if err := json.Unmarshal(raw, &snap); err != nil {
		return "", err
	}
	if snap.Status.Loading {
		return "Dashboard is still loading.", nil
	}

	var sb strings.Builder
	if snap.Status.Error != "" {
		fmt.Fprintf(&sb, "Warning: %s\n\n", snap.Status.Error)
	}
	if len(snap.Transactions) == 0 {
		sb.WriteString("No transactions stored.")
		return sb.String(), nil
	}

	writeView(&sb, snap.View)

	items := append([]dashboardItem(nil), snap.Transactions...)
	sort.SliceStable(items, func(i, j int) bool { return items[i].RiskScore > items[j].RiskScore })
	if top > 0 && len(items) > top {
		items = items[:top]
	}
	sb.WriteString("\nRiskiest transactions:\n")
	for i, it := range items {
		score := "unscored"
		if it.ScoreSource != "unknown" {
			score = fmt.Sprintf("%d (%s)", it.RiskScore, it.ScoreSource)
		}
		fmt.Fprintf(&sb, "%d. %s | %s | %.2f | %s | score %s\n", i+1, it.ID, it.Account, it.Amount, it.Tier, score)
	}
	return sb.String(), nil
}

func writeView(sb *strings.Builder, v view) {
	fmt.Fprintf(sb, "Transactions: %d\n", v.Total)
	fmt.Fprintf(sb, "Tiers: %d safe, %d medium, %d high, %d unknown\n",
		v.Counts.Safe, v.Counts.Medium, v.Counts.High, v.Counts.Unknown)
	fmt.Fprintf(sb, "Anomalies: %d (%.1f%%)\n", v.Anomalies, v.AnomalyPercent)
	fmt.Fprintf(sb, "Total amount: %.2f\n", v.TotalAmount)
	if len(v.Locations) > 0 {
		l := v.Locations[0]
		fmt.Fprintf(sb, "Riskiest location: %s (avg risk %.1f over %d)\n", l.Location, l.AverageRisk, l.Count)
	}
}

func formatAnalysis(raw json.RawMessage) (string, error) {
	var resp struct {
		Analysis struct {
			RunID string `json:"runId"`
			Mode  string `json:"mode"`
			Error string `json:"error"`
		} `json:"analysis"`
		View      view `json:"view"`
		Anomalies []struct {
			ID        string   `json:"id"`
			Account   string   `json:"account"`
			Amount    float64  `json:"amount"`
			RiskScore int      `json:"riskScore"`
			Reasons   []string `json:"reasons"`
		} `json:"anomalies"`
		Count int `json:"count"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Run %s (%s mode): %d result(s)\n", resp.Analysis.RunID, resp.Analysis.Mode, resp.Count)
	if resp.Analysis.Error != "" {
		fmt.Fprintf(&sb, "Error: %s\n", resp.Analysis.Error)
		return sb.String(), nil
	}
	writeView(&sb, resp.View)

	if len(resp.Anomalies) == 0 {
		sb.WriteString("\nNo anomalies flagged.")
		return sb.String(), nil
	}
	fmt.Fprintf(&sb, "\nFlagged %d anomaly(ies):\n", len(resp.Anomalies))
	for i, a := range resp.Anomalies {
		fmt.Fprintf(&sb, "%d. %s | %s | %.2f | score %d\n", i+1, a.ID, a.Account, a.Amount, a.RiskScore)
		if len(a.Reasons) > 0 {
			fmt.Fprintf(&sb, "   %s\n", strings.Join(a.Reasons, "; "))
		}
	}
	return sb.String(), nil
}

func formatRuns(raw json.RawMessage) (string, error) {
	var resp struct {
		Runs []map[string]any `json:"runs"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}
	if len(resp.Runs) == 0 {
		return "No analysis runs recorded.", nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Found %d run(s):\n\n", len(resp.Runs))
	for i, r := range resp.Runs {
		fmt.Fprintf(&sb, "%d. %s [%s] %s submitted, %s flagged, %sms\n", i+1,
			getString(r, "id"), getString(r, "mode"),
			getString(r, "submitted"), getString(r, "flagged"), getString(r, "durationMs"))
		if e := getString(r, "error"); e != "" {
			fmt.Fprintf(&sb, "   Error: %s\n", e)
		}
	}
	return sb.String(), nil
}

func formatSettings(raw json.RawMessage) (string, error) {
	var resp struct {
		Settings       map[string]any `json:"settings"`
		CurrencySymbol string         `json:"currencySymbol"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}
	if resp.Settings == nil {
		return "", fmt.Errorf("unexpected settings response format")
	}
	s := resp.Settings

	var sb strings.Builder
	sb.WriteString("Risk thresholds:\n")
	fmt.Fprintf(&sb, "  Safe:   0-%s\n", getString(s, "safeThreshold"))
	fmt.Fprintf(&sb, "  Medium: up to %s\n", getString(s, "mediumThreshold"))
	fmt.Fprintf(&sb, "  Currency: %s (%s)\n", getString(s, "currency"), resp.CurrencySymbol)
	if v, ok := s["notificationsEnabled"].(bool); ok {
		fmt.Fprintf(&sb, "  Notifications: %t\n", v)
	}
	if v, ok := s["highRiskOnly"].(bool); ok && v {
		sb.WriteString("  High risk only\n")
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
