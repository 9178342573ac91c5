package mcpserver

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- Test helpers ---

func newTestSetup(handler http.Handler) (*Handlers, func()) {
	ts := httptest.NewServer(handler)
	client := NewFinomalyClient(Config{APIURL: ts.URL})
	h := NewHandlers(client)
	return h, ts.Close
}

func makeRequest(args map[string]any) mcp.CallToolRequest {
	var req mcp.CallToolRequest
	if args == nil {
		args = map[string]any{}
	}
	req.Params.Arguments = args
	return req
}

func resultText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, result.Content, "expected at least one content block")
	tc, ok := result.Content[0].(mcp.TextContent)
	require.True(t, ok, "expected TextContent, got %T", result.Content[0])
	return tc.Text
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeCSV(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "transactions.csv")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

// ============================================================
// Client tests
// ============================================================

func TestClient_DoRequest_PathPrefix(t *testing.T) {
	var gotPath string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		_, _ = w.Write([]byte(`{}`))
	}))
	defer ts.Close()

	client := NewFinomalyClient(Config{APIURL: ts.URL})
	_, err := client.GetDashboard(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "/api/v1/dashboard", gotPath)
}

func TestClient_DoRequest_HTTPError_WithAPIMessage(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusConflict, map[string]any{
			"error":   "analysis_in_progress",
			"message": "analysis already in progress",
		})
	}))
	defer ts.Close()

	client := NewFinomalyClient(Config{APIURL: ts.URL})
	_, err := client.LatestAnalysis(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "409")
	assert.Contains(t, err.Error(), "analysis already in progress")
}

func TestClient_DoRequest_HTTPError_NonJSON(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("upstream timeout"))
	}))
	defer ts.Close()

	client := NewFinomalyClient(Config{APIURL: ts.URL})
	_, err := client.GetSettings(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
	assert.Contains(t, err.Error(), "upstream timeout")
}

func TestClient_DoRequest_ConnectionRefused(t *testing.T) {
	client := NewFinomalyClient(Config{APIURL: "http://127.0.0.1:1"})
	_, err := client.GetDashboard(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "request failed")
}

func TestClient_DoRequest_CancelledContext(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	}))
	defer ts.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	client := NewFinomalyClient(Config{APIURL: ts.URL})
	_, err := client.GetDashboard(ctx)
	require.Error(t, err)
}

func TestClient_Classify_QueryParams(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/classify", r.URL.Path)
		assert.Equal(t, "72", r.URL.Query().Get("score"))
		_, _ = w.Write([]byte(`{}`))
	}))
	defer ts.Close()

	_, err := NewFinomalyClient(Config{APIURL: ts.URL}).Classify(context.Background(), 72)
	require.NoError(t, err)
}

func TestClient_AnalysisHistory_ZeroLimit(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.URL.RawQuery)
		_, _ = w.Write([]byte(`{"runs":[]}`))
	}))
	defer ts.Close()

	_, err := NewFinomalyClient(Config{APIURL: ts.URL}).AnalysisHistory(context.Background(), 0)
	require.NoError(t, err)
}

func TestClient_AnalyzeFile_Multipart(t *testing.T) {
	path := writeCSV(t, "id,amount\nT1,10\n")

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/v1/analyze", r.URL.Path)
		require.NoError(t, r.ParseMultipartForm(1<<20))
		assert.Equal(t, "sequential", r.FormValue("mode"))

		f, fh, err := r.FormFile("file")
		require.NoError(t, err)
		defer f.Close()
		assert.Equal(t, "transactions.csv", fh.Filename)
		data, _ := io.ReadAll(f)
		assert.Equal(t, "id,amount\nT1,10\n", string(data))

		_, _ = w.Write([]byte(`{}`))
	}))
	defer ts.Close()

	_, err := NewFinomalyClient(Config{APIURL: ts.URL}).AnalyzeFile(context.Background(), path, "sequential")
	require.NoError(t, err)
}

func TestClient_AnalyzeFile_MissingFile(t *testing.T) {
	client := NewFinomalyClient(Config{APIURL: "http://127.0.0.1:1"})
	_, err := client.AnalyzeFile(context.Background(), filepath.Join(t.TempDir(), "nope.csv"), "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "open")
}

func TestClient_UpdateSettings_RequestBody(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, map[string]any{"safeThreshold": 40.0}, body)
		_, _ = w.Write([]byte(`{}`))
	}))
	defer ts.Close()

	_, err := NewFinomalyClient(Config{APIURL: ts.URL}).UpdateSettings(context.Background(), map[string]any{"safeThreshold": 40})
	require.NoError(t, err)
}

// ============================================================
// Handler tests
// ============================================================

func dashboardFixture() map[string]any {
	return map[string]any{
		"transactions": []map[string]any{
			{"id": "TXN001", "account": "****1234", "amount": 12500.0, "riskScore": 90, "scoreSource": "alert", "tier": "High"},
			{"id": "TXN002", "account": "****5678", "amount": 50000.0, "riskScore": -1, "scoreSource": "unknown", "tier": "Unknown"},
			{"id": "TXN003", "account": "****3456", "amount": 75000.0, "riskScore": 60, "scoreSource": "transaction", "tier": "Medium"},
		},
		"view": map[string]any{
			"total":          3,
			"counts":         map[string]any{"safe": 0, "medium": 1, "high": 1, "unknown": 1},
			"anomalies":      2,
			"anomalyPercent": 66.7,
			"totalAmount":    137500.0,
			"locations": []map[string]any{
				{"location": "New York, NY", "count": 1, "averageRisk": 90.0},
			},
		},
		"status": map[string]any{"loading": false},
	}
}

func TestHandleGetDashboard(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/dashboard", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, dashboardFixture())
	})

	h, cleanup := newTestSetup(mux)
	defer cleanup()

	result, err := h.HandleGetDashboard(context.Background(), makeRequest(map[string]any{"top": 2.0}))
	require.NoError(t, err)
	assert.False(t, result.IsError)

	text := resultText(t, result)
	assert.Contains(t, text, "Transactions: 3")
	assert.Contains(t, text, "0 safe, 1 medium, 1 high, 1 unknown")
	assert.Contains(t, text, "Anomalies: 2 (66.7%)")
	assert.Contains(t, text, "Riskiest location: New York, NY")
	assert.Contains(t, text, "1. TXN001")
	assert.Contains(t, text, "score 90 (alert)")
	assert.Contains(t, text, "2. TXN003")
	assert.NotContains(t, text, "TXN002")
}

func TestHandleGetDashboard_Unscored(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/dashboard", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, dashboardFixture())
	})

	h, cleanup := newTestSetup(mux)
	defer cleanup()

	result, err := h.HandleGetDashboard(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	assert.Contains(t, resultText(t, result), "3. TXN002 | ****5678 | 50000.00 | Unknown | score unscored")
}

func TestHandleGetDashboard_Empty(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/dashboard", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"transactions": []any{},
			"status":       map[string]any{"loading": false, "error": "alerts subscription failed"},
		})
	})

	h, cleanup := newTestSetup(mux)
	defer cleanup()

	result, err := h.HandleGetDashboard(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	text := resultText(t, result)
	assert.Contains(t, text, "Warning: alerts subscription failed")
	assert.Contains(t, text, "No transactions stored.")
}

func TestHandleGetDashboard_Loading(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/dashboard", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": map[string]any{"loading": true}})
	})

	h, cleanup := newTestSetup(mux)
	defer cleanup()

	result, err := h.HandleGetDashboard(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	assert.Equal(t, "Dashboard is still loading.", resultText(t, result))
}

func TestHandleClassifyScore(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/classify", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "65", r.URL.Query().Get("score"))
		writeJSON(w, http.StatusOK, map[string]any{
			"score": 65,
			"style": map[string]any{"tier": "Medium", "color": "#f59e0b"},
		})
	})

	h, cleanup := newTestSetup(mux)
	defer cleanup()

	result, err := h.HandleClassifyScore(context.Background(), makeRequest(map[string]any{"score": 65.0}))
	require.NoError(t, err)
	assert.False(t, result.IsError)
	assert.Equal(t, "Score 65 is Medium risk.", resultText(t, result))
}

func TestHandleClassifyScore_MissingScore(t *testing.T) {
	h := NewHandlers(NewFinomalyClient(Config{APIURL: "http://127.0.0.1:1"}))
	result, err := h.HandleClassifyScore(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "score is required")
}

func analysisFixture() map[string]any {
	return map[string]any{
		"analysis": map[string]any{"runId": "run_abc", "mode": "batch"},
		"view": map[string]any{
			"total":          2,
			"counts":         map[string]any{"safe": 1, "medium": 0, "high": 1, "unknown": 0},
			"anomalies":      1,
			"anomalyPercent": 50.0,
			"totalAmount":    50020.0,
		},
		"anomalies": []map[string]any{
			{"id": "T1", "account": "A1", "amount": 50000.0, "riskScore": 92, "reasons": []string{"amount spike", "new account"}},
		},
		"count": 2,
	}
}

func TestHandleAnalyzeCSV(t *testing.T) {
	path := writeCSV(t, "id,account,amount\nT1,A1,50000\nT2,A2,20\n")

	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/analyze", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseMultipartForm(1<<20))
		assert.Empty(t, r.FormValue("mode"))
		writeJSON(w, http.StatusOK, analysisFixture())
	})

	h, cleanup := newTestSetup(mux)
	defer cleanup()

	result, err := h.HandleAnalyzeCSV(context.Background(), makeRequest(map[string]any{"path": path}))
	require.NoError(t, err)
	assert.False(t, result.IsError)

	text := resultText(t, result)
	assert.Contains(t, text, "Run run_abc (batch mode): 2 result(s)")
	assert.Contains(t, text, "1 safe, 0 medium, 1 high")
	assert.Contains(t, text, "Flagged 1 anomaly(ies)")
	assert.Contains(t, text, "1. T1 | A1 | 50000.00 | score 92")
	assert.Contains(t, text, "amount spike; new account")
}

func TestHandleAnalyzeCSV_NoAnomalies(t *testing.T) {
	path := writeCSV(t, "id,amount\nT2,20\n")

	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/analyze", func(w http.ResponseWriter, r *http.Request) {
		body := analysisFixture()
		body["anomalies"] = []any{}
		writeJSON(w, http.StatusOK, body)
	})

	h, cleanup := newTestSetup(mux)
	defer cleanup()

	result, err := h.HandleAnalyzeCSV(context.Background(), makeRequest(map[string]any{"path": path, "mode": "batch"}))
	require.NoError(t, err)
	assert.Contains(t, resultText(t, result), "No anomalies flagged.")
}

func TestHandleAnalyzeCSV_MissingPath(t *testing.T) {
	h := NewHandlers(NewFinomalyClient(Config{APIURL: "http://127.0.0.1:1"}))
	result, err := h.HandleAnalyzeCSV(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "path is required")
}

func TestHandleAnalyzeCSV_ScoringFailed(t *testing.T) {
	path := writeCSV(t, "id,amount\nT1,10\n")

	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/analyze", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusBadGateway, map[string]any{
			"error":   "scoring_failed",
			"message": "batch analysis failed (status 500)",
			"runId":   "run_x",
		})
	})

	h, cleanup := newTestSetup(mux)
	defer cleanup()

	result, err := h.HandleAnalyzeCSV(context.Background(), makeRequest(map[string]any{"path": path}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "batch analysis failed (status 500)")
}

func TestHandleGetLatestAnalysis_Failed(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/analysis/latest", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"analysis":  map[string]any{"runId": "run_f", "mode": "sequential", "error": "request failed"},
			"anomalies": []any{},
			"count":     0,
		})
	})

	h, cleanup := newTestSetup(mux)
	defer cleanup()

	result, err := h.HandleGetLatestAnalysis(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	text := resultText(t, result)
	assert.Contains(t, text, "Run run_f (sequential mode): 0 result(s)")
	assert.Contains(t, text, "Error: request failed")
	assert.NotContains(t, text, "Transactions:")
}

func TestHandleGetLatestAnalysis_NotFound(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/analysis/latest", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "not_found", "message": "no analysis has run yet"})
	})

	h, cleanup := newTestSetup(mux)
	defer cleanup()

	result, err := h.HandleGetLatestAnalysis(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "no analysis has run yet")
}

func TestHandleListAnalysisRuns(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/analysis/history", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "3", r.URL.Query().Get("limit"))
		writeJSON(w, http.StatusOK, map[string]any{
			"runs": []map[string]any{
				{"id": "run_2", "mode": "batch", "submitted": 120, "flagged": 7, "durationMs": 840},
				{"id": "run_1", "mode": "sequential", "submitted": 5, "flagged": 0, "durationMs": 30000, "error": "request failed"},
			},
			"count": 2,
		})
	})

	h, cleanup := newTestSetup(mux)
	defer cleanup()

	result, err := h.HandleListAnalysisRuns(context.Background(), makeRequest(map[string]any{"limit": 3.0}))
	require.NoError(t, err)
	text := resultText(t, result)
	assert.Contains(t, text, "Found 2 run(s)")
	assert.Contains(t, text, "1. run_2 [batch] 120 submitted, 7 flagged, 840ms")
	assert.Contains(t, text, "Error: request failed")
}

func TestHandleListAnalysisRuns_Empty(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/analysis/history", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"runs": []any{}, "count": 0})
	})

	h, cleanup := newTestSetup(mux)
	defer cleanup()

	result, err := h.HandleListAnalysisRuns(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	assert.Equal(t, "No analysis runs recorded.", resultText(t, result))
}

func settingsFixture(safe, medium int) map[string]any {
	return map[string]any{
		"settings": map[string]any{
			"safeThreshold":        safe,
			"mediumThreshold":      medium,
			"currency":             "INR",
			"notificationsEnabled": true,
			"highRiskOnly":         false,
		},
		"currencySymbol": "₹",
	}
}

func TestHandleGetSettings(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/settings", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, settingsFixture(50, 70))
	})

	h, cleanup := newTestSetup(mux)
	defer cleanup()

	result, err := h.HandleGetSettings(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	text := resultText(t, result)
	assert.Contains(t, text, "Safe:   0-50")
	assert.Contains(t, text, "Medium: up to 70")
	assert.Contains(t, text, "Currency: INR (₹)")
	assert.Contains(t, text, "Notifications: true")
}

func TestHandleUpdateThresholds_Save(t *testing.T) {
	var saved bool
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/settings", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
		var patch map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&patch))
		assert.Equal(t, map[string]any{"mediumThreshold": 80.0}, patch)
		writeJSON(w, http.StatusOK, settingsFixture(50, 80))
	})
	mux.HandleFunc("/api/v1/settings/save", func(w http.ResponseWriter, r *http.Request) {
		saved = true
		writeJSON(w, http.StatusOK, map[string]any{"saved": true})
	})

	h, cleanup := newTestSetup(mux)
	defer cleanup()

	result, err := h.HandleUpdateThresholds(context.Background(), makeRequest(map[string]any{
		"medium_threshold": 80.0,
		"save":             true,
	}))
	require.NoError(t, err)
	assert.False(t, result.IsError)
	assert.True(t, saved)

	text := resultText(t, result)
	assert.Contains(t, text, "Medium: up to 80")
	assert.Contains(t, text, "Saved.")
}

func TestHandleUpdateThresholds_SaveFails(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/settings", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, settingsFixture(40, 70))
	})
	mux.HandleFunc("/api/v1/settings/save", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "save_failed", "message": "failed to save settings"})
	})

	h, cleanup := newTestSetup(mux)
	defer cleanup()

	result, err := h.HandleUpdateThresholds(context.Background(), makeRequest(map[string]any{
		"safe_threshold": 40.0,
		"save":           true,
	}))
	require.NoError(t, err)
	assert.False(t, result.IsError)
	assert.Contains(t, resultText(t, result), "thresholds applied but not saved")
}

func TestHandleUpdateThresholds_Invalid(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/settings", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"error":   "validation_failed",
			"message": "mediumThreshold: must be greater than safeThreshold",
		})
	})

	h, cleanup := newTestSetup(mux)
	defer cleanup()

	result, err := h.HandleUpdateThresholds(context.Background(), makeRequest(map[string]any{"medium_threshold": 10.0}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "must be greater than safeThreshold")
}

func TestHandleUpdateThresholds_NothingToChange(t *testing.T) {
	h := NewHandlers(NewFinomalyClient(Config{APIURL: "http://127.0.0.1:1"}))
	result, err := h.HandleUpdateThresholds(context.Background(), makeRequest(map[string]any{"save": true}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestHandleAddAlert(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/alerts", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "TXN002", body["transactionId"])
		assert.Equal(t, 88.0, body["riskScore"])
		writeJSON(w, http.StatusCreated, map[string]any{"id": "alert_1", "collection": "alerts"})
	})

	h, cleanup := newTestSetup(mux)
	defer cleanup()

	result, err := h.HandleAddAlert(context.Background(), makeRequest(map[string]any{
		"transaction_id": "TXN002",
		"risk_score":     88.0,
	}))
	require.NoError(t, err)
	assert.False(t, result.IsError)
	assert.Equal(t, "Alert alert_1 recorded for TXN002 with risk score 88.", resultText(t, result))
}

func TestHandleAddAlert_MissingFields(t *testing.T) {
	h := NewHandlers(NewFinomalyClient(Config{APIURL: "http://127.0.0.1:1"}))

	result, err := h.HandleAddAlert(context.Background(), makeRequest(map[string]any{"risk_score": 10.0}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "transaction_id is required")

	result, err = h.HandleAddAlert(context.Background(), makeRequest(map[string]any{"transaction_id": "TXN001"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "risk_score is required")
}

func TestHandleSeedSampleData(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/transactions/seed", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		writeJSON(w, http.StatusCreated, map[string]any{"added": 3, "ids": []string{"TXN001", "TXN002", "TXN003"}})
	})

	h, cleanup := newTestSetup(mux)
	defer cleanup()

	result, err := h.HandleSeedSampleData(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	assert.Equal(t, "Added 3 sample transaction(s): TXN001, TXN002, TXN003", resultText(t, result))
}

// ============================================================
// Formatting helpers
// ============================================================

func TestFormatSettings_MalformedJSON(t *testing.T) {
	_, err := formatSettings(json.RawMessage(`not json`))
	assert.Error(t, err)

	_, err = formatSettings(json.RawMessage(`{"saved":true}`))
	assert.Error(t, err)
}

func TestFormatDashboard_MalformedJSON(t *testing.T) {
	_, err := formatDashboard(json.RawMessage(`[1,2]`), 5)
	assert.Error(t, err)
}

func TestGetString_Fallback(t *testing.T) {
	m := map[string]any{"alert_id": "a1"}
	assert.Equal(t, "a1", getString(m, "alertId", "alert_id"))
	assert.Equal(t, "", getString(m, "missing"))
}

func TestGetString_NumericValue(t *testing.T) {
	assert.Equal(t, "840", getString(map[string]any{"durationMs": 840.0}, "durationMs"))
}

// ============================================================
// Server wiring test
// ============================================================

func TestNewMCPServer_RegistersAllTools(t *testing.T) {
	s := NewMCPServer(Config{APIURL: "http://localhost:8080"})
	require.NotNil(t, s)
}

// ============================================================
// Edge cases: handler never returns Go error
// ============================================================

func TestHandlers_NeverReturnGoError(t *testing.T) {
	// Failures are encoded in result.IsError, not in the Go error.
	h := NewHandlers(NewFinomalyClient(Config{
		APIURL:  "http://127.0.0.1:1", // unreachable
		Timeout: time.Second,
	}))

	tests := []struct {
		name    string
		handler func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error)
		args    map[string]any
	}{
		{"get_dashboard", h.HandleGetDashboard, nil},
		{"classify_score", h.HandleClassifyScore, map[string]any{"score": 50.0}},
		{"analyze_csv", h.HandleAnalyzeCSV, map[string]any{"path": "/does/not/exist.csv"}},
		{"get_latest_analysis", h.HandleGetLatestAnalysis, nil},
		{"list_analysis_runs", h.HandleListAnalysisRuns, nil},
		{"get_settings", h.HandleGetSettings, nil},
		{"update_thresholds", h.HandleUpdateThresholds, map[string]any{"safe_threshold": 40.0}},
		{"add_alert", h.HandleAddAlert, map[string]any{"transaction_id": "T1", "risk_score": 50.0}},
		{"seed_sample_data", h.HandleSeedSampleData, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := tt.handler(context.Background(), makeRequest(tt.args))
			require.NoError(t, err)
			assert.True(t, result.IsError)
		})
	}
}

func TestClient_SlowServer_Timeout(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer ts.Close()

	client := NewFinomalyClient(Config{APIURL: ts.URL, Timeout: 50 * time.Millisecond})
	_, err := client.GetDashboard(context.Background())
	require.Error(t, err)
}
