// Package scoring submits normalized transactions to the external scoring
// service and maps its heterogeneous responses onto txn.Scored.
//
// Two strategies implement Scorer:
//
//   - batch: one POST /api/analyze-batch call for the whole upload. Any
//     protocol or transport failure aborts the operation with zero results.
//   - sequential: POST /api/reset-session once, then one POST
//     /api/analyze-transaction per transaction, strictly in order. Failures
//     degrade per item to a placeholder record and the loop continues.
//
// Every request is bounded by the configured timeout.
package scoring

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/finomaly/finomaly/internal/metrics"
	"github.com/finomaly/finomaly/internal/traces"
	"github.com/finomaly/finomaly/internal/txn"
)

// Mode selects the scoring protocol.
type Mode string

const (
	ModeBatch      Mode = "batch"
	ModeSequential Mode = "sequential"
)

// Scoring service endpoints.
const (
	PathAnalyzeBatch       = "/api/analyze-batch"
	PathResetSession       = "/api/reset-session"
	PathAnalyzeTransaction = "/api/analyze-transaction"
	PathHealth             = "/health"
)

// DefaultTimeout bounds a single scoring request.
const DefaultTimeout = 30 * time.Second

var (
	ErrBatchFailed        = errors.New("batch analysis failed")
	ErrInvalidResponse    = errors.New("invalid response format")
	ErrUnknownMode        = errors.New("unknown scoring mode")
	ErrAnalysisInProgress = errors.New("analysis already in progress")
	ErrNoTransactions     = errors.New("no transactions to analyze")
)

// ParseMode maps a mode name onto a Mode. Matching is case-insensitive.
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case ModeBatch:
		return ModeBatch, nil
	case ModeSequential:
		return ModeSequential, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownMode, s)
}

// Scorer obtains risk scores for a batch of normalized transactions.
type Scorer interface {
	Score(ctx context.Context, txs []txn.Normalized) ([]txn.Scored, error)
	Mode() Mode
}

// Config configures the HTTP transport shared by both strategies.
type Config struct {
	BaseURL         string        // e.g. "http://localhost:5000"
	Timeout         time.Duration // per request; DefaultTimeout when zero
	BreakerTrips    int           // sequential mode: consecutive faults before short-circuiting
	BreakerCooldown time.Duration // sequential mode: how long to short-circuit; 30s when zero
	HTTPClient      *http.Client
	Logger          *slog.Logger
}

// client is the HTTP plumbing shared by the strategies.
type client struct {
	baseURL    string
	timeout    time.Duration
	httpClient *http.Client
	logger     *slog.Logger
}

func newClient(cfg Config) *client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		timeout:    timeout,
		httpClient: hc,
		logger:     logger,
	}
}

// response is a completed HTTP exchange.
type response struct {
	status int
	body   []byte
}

func (r response) ok() bool {
	return r.status >= 200 && r.status <= 299
}

// post sends body as JSON to path. A non-nil error means the exchange never
// completed (transport fault or timeout); any HTTP status is a response.
func (c *client) post(ctx context.Context, mode Mode, path string, body any) (response, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	ctx, span := traces.StartSpan(ctx, "scoring.post", traces.ScoringMode(string(mode)), traces.Endpoint(path))
	defer span.End()

	endpoint := strings.TrimPrefix(path, "/api/")
	start := time.Now()
	defer func() {
		metrics.ScoringDuration.WithLabelValues(string(mode), endpoint).Observe(time.Since(start).Seconds())
	}()

	data, err := json.Marshal(body)
	if err != nil {
		return response{}, fmt.Errorf("marshal request body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return response{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		traces.Fail(span, err)
		metrics.ScoringRequestsTotal.WithLabelValues(string(mode), endpoint, "fault").Inc()
		return response{}, fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		traces.Fail(span, err)
		metrics.ScoringRequestsTotal.WithLabelValues(string(mode), endpoint, "fault").Inc()
		return response{}, fmt.Errorf("read response: %w", err)
	}

	outcome := "ok"
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		outcome = "rejected"
	}
	metrics.ScoringRequestsTotal.WithLabelValues(string(mode), endpoint, outcome).Inc()
	return response{status: resp.StatusCode, body: respBody}, nil
}

// wireTransaction is the request shape for one transaction.
type wireTransaction struct {
	ID        string  `json:"id"`
	Account   string  `json:"account"`
	Amount    float64 `json:"amount"`
	Timestamp string  `json:"timestamp"`
}

// merge overlays a scoring response onto base. Fields the response omits
// keep base's values; the verdict fields take their documented defaults.
func merge(base txn.Normalized, r txn.Record) txn.Scored {
	n := base
	n.Account = txn.LookupString(r, base.Account, txn.AccountFields...)
	n.Amount = txn.LookupFloat(r, base.Amount, txn.AmountFields...)
	n.Timestamp = txn.LookupString(r, base.Timestamp, txn.TimestampFields...)
	n.Location = txn.LookupString(r, base.Location, txn.LocationFields...)

	score, _ := txn.LookupScore(r, txn.ScoreFields...)
	isAnomaly := txn.LookupBool(r, txn.AnomalyFields...)
	if isAnomaly == nil {
		// The per-transaction endpoint reports "prediction": "anomaly"|"normal".
		switch strings.ToLower(txn.LookupString(r, "", "prediction")) {
		case "anomaly":
			v := true
			isAnomaly = &v
		case "normal":
			v := false
			isAnomaly = &v
		}
	}

	return txn.Scored{
		Normalized: n,
		RiskScore:  score,
		RiskLevel:  txn.LookupString(r, txn.UnknownLevel, txn.LevelFields...),
		IsAnomaly:  isAnomaly,
		Reasons:    txn.LookupStrings(r, txn.ReasonFields...),
		Action:     txn.LookupString(r, "", "action"),
	}
}

// countResults records per-transaction outcomes.
func countResults(results []txn.Scored) {
	for _, s := range results {
		switch s.RiskLevel {
		case txn.ErrorLevel:
			metrics.TransactionsScoredTotal.WithLabelValues("error").Inc()
		case txn.UnknownLevel:
			metrics.TransactionsScoredTotal.WithLabelValues("unknown").Inc()
		default:
			metrics.TransactionsScoredTotal.WithLabelValues("scored").Inc()
		}
	}
}
