package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Config holds the configuration for connecting to the Finomaly API.
type Config struct {
	APIURL  string        // Base URL, e.g. "http://localhost:8080"
	Timeout time.Duration // per request; 2 minutes when zero
}

// FinomalyClient is a pure HTTP client for the Finomaly API.
type FinomalyClient struct {
	cfg        Config
	httpClient *http.Client
}

// NewFinomalyClient creates a new client for the Finomaly API.
func NewFinomalyClient(cfg Config) *FinomalyClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		// Sequential analyses of large uploads take a while.
		timeout = 2 * time.Minute
	}
	return &FinomalyClient{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// apiError represents an error response from the API.
type apiError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// doRequest makes a JSON request to the API and returns the response body.
func (c *FinomalyClient) doRequest(ctx context.Context, method, path string, query url.Values, body any) (json.RawMessage, error) {
	var reqBody io.Reader
	contentType := ""
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
		contentType = "application/json"
	}
	return c.send(ctx, method, path, query, reqBody, contentType)
}

func (c *FinomalyClient) send(ctx context.Context, method, path string, query url.Values, body io.Reader, contentType string) (json.RawMessage, error) {
	u, err := url.Parse(c.cfg.APIURL + "/api/v1" + path)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	if query != nil {
		u.RawQuery = query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var apiErr apiError
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Message != "" {
			return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, apiErr.Message)
		}
		return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, string(respBody))
	}

	return json.RawMessage(respBody), nil
}

// GetDashboard returns the live reconciled snapshot.
func (c *FinomalyClient) GetDashboard(ctx context.Context) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/dashboard", nil, nil)
}

// Classify returns the tier and display style for a score under the
// current thresholds.
func (c *FinomalyClient) Classify(ctx context.Context, score int) (json.RawMessage, error) {
	q := url.Values{}
	q.Set("score", strconv.Itoa(score))
	return c.doRequest(ctx, http.MethodGet, "/classify", q, nil)
}

// AnalyzeFile uploads the CSV file at path for scoring. An empty mode uses
// the server default.
func (c *FinomalyClient) AnalyzeFile(ctx context.Context, path, mode string) (json.RawMessage, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if mode != "" {
		if err := mw.WriteField("mode", mode); err != nil {
			return nil, fmt.Errorf("write mode: %w", err)
		}
	}
	part, err := mw.CreateFormFile("file", filepath.Base(path))
	if err != nil {
		return nil, fmt.Errorf("create form file: %w", err)
	}
	if _, err := io.Copy(part, f); err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("close form: %w", err)
	}

	return c.send(ctx, http.MethodPost, "/analyze", nil, &buf, mw.FormDataContentType())
}

// LatestAnalysis returns the most recent analysis.
func (c *FinomalyClient) LatestAnalysis(ctx context.Context) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/analysis/latest", nil, nil)
}

// AnalysisHistory lists recent analysis runs, newest first.
func (c *FinomalyClient) AnalysisHistory(ctx context.Context, limit int) (json.RawMessage, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	return c.doRequest(ctx, http.MethodGet, "/analysis/history", q, nil)
}

// GetSettings returns the current thresholds.
func (c *FinomalyClient) GetSettings(ctx context.Context) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/settings", nil, nil)
}

// UpdateSettings applies a partial settings patch.
func (c *FinomalyClient) UpdateSettings(ctx context.Context, patch map[string]any) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodPut, "/settings", nil, patch)
}

// SaveSettings persists the current settings.
func (c *FinomalyClient) SaveSettings(ctx context.Context) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodPost, "/settings/save", nil, nil)
}

// AddAlert records an anomaly alert for a transaction.
func (c *FinomalyClient) AddAlert(ctx context.Context, transactionID string, riskScore int) (json.RawMessage, error) {
	body := map[string]any{
		"transactionId": transactionID,
		"riskScore":     riskScore,
	}
	return c.doRequest(ctx, http.MethodPost, "/alerts", nil, body)
}

// SeedTransactions adds the sample transactions.
func (c *FinomalyClient) SeedTransactions(ctx context.Context) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodPost, "/transactions/seed", nil, nil)
}
