// Package dashboard provides the JSON API behind the monitoring dashboard:
// CSV analysis, the live reconciled view, transaction management, settings,
// and single-score classification.
package dashboard

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/finomaly/finomaly/internal/analytics"
	"github.com/finomaly/finomaly/internal/csvingest"
	"github.com/finomaly/finomaly/internal/docstore"
	"github.com/finomaly/finomaly/internal/live"
	"github.com/finomaly/finomaly/internal/pagination"
	"github.com/finomaly/finomaly/internal/realtime"
	"github.com/finomaly/finomaly/internal/risk"
	"github.com/finomaly/finomaly/internal/scoring"
	"github.com/finomaly/finomaly/internal/settings"
	"github.com/finomaly/finomaly/internal/txn"
	"github.com/finomaly/finomaly/internal/validation"
)

// LiveView is the part of the live engine the handlers read.
type LiveView interface {
	Snapshot() live.Snapshot
	Refresh()
}

// Events receives state changes worth pushing to connected dashboards.
type Events interface {
	Publish(t realtime.EventType, data any)
}

type noopEvents struct{}

func (noopEvents) Publish(realtime.EventType, any) {}

// Deps are the handler's collaborators.
type Deps struct {
	Analyzer       *scoring.Analyzer
	Live           LiveView
	Documents      docstore.Store
	Settings       *settings.Store
	Events         Events // optional
	MaxUploadBytes int64
	Logger         *slog.Logger
}

// Handler provides dashboard API endpoints.
type Handler struct {
	analyzer  *scoring.Analyzer
	live      LiveView
	docs      docstore.Store
	settings  *settings.Store
	events    Events
	maxUpload int64
	logger    *slog.Logger
}

// NewHandler creates a new dashboard handler.
func NewHandler(d Deps) *Handler {
	h := &Handler{
		analyzer:  d.Analyzer,
		live:      d.Live,
		docs:      d.Documents,
		settings:  d.Settings,
		events:    d.Events,
		maxUpload: d.MaxUploadBytes,
		logger:    d.Logger,
	}
	if h.events == nil {
		h.events = noopEvents{}
	}
	if h.logger == nil {
		h.logger = slog.Default()
	}
	if h.maxUpload <= 0 {
		h.maxUpload = 10 << 20
	}
	return h
}

// RegisterRoutes sets up dashboard routes under the given group.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup, analyzeLimit gin.HandlerFunc) {
	analyze := []gin.HandlerFunc{validation.RequestSizeMiddleware(h.maxUpload)}
	if analyzeLimit != nil {
		analyze = append([]gin.HandlerFunc{analyzeLimit}, analyze...)
	}
	r.POST("/analyze", append(analyze, h.Analyze)...)
	r.GET("/analysis/latest", h.LatestAnalysis)
	r.GET("/analysis/history", h.AnalysisHistory)
	r.GET("/analysis/status", h.AnalysisStatus)

	r.GET("/dashboard", h.Dashboard)
	r.GET("/classify", h.Classify)

	r.GET("/transactions", h.ListTransactions)
	r.POST("/transactions", h.AddTransaction)
	r.POST("/transactions/seed", h.SeedTransactions)
	r.DELETE("/transactions", h.DeleteAllTransactions)
	r.DELETE("/transactions/:id", validation.IDParamMiddleware(), h.DeleteTransaction)
	r.POST("/alerts", h.AddAlert)

	r.GET("/settings", h.GetSettings)
	r.PUT("/settings", h.UpdateSettings)
	r.POST("/settings/save", h.SaveSettings)
	r.DELETE("/settings", h.ResetSettings)
}

// Analyze accepts a multipart CSV upload and scores it.
func (h *Handler) Analyze(c *gin.Context) {
	mode := h.analyzer.DefaultMode()
	if v := c.PostForm("mode"); v != "" {
		m, err := scoring.ParseMode(v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_mode", "message": "mode must be batch or sequential"})
			return
		}
		mode = m
	}

	fh, err := c.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "file_too_large", "message": "upload exceeds the size limit"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "no_file", "message": csvingest.ErrNoFile.Error()})
		return
	}
	if err := csvingest.CheckMediaType(fh.Header.Get("Content-Type"), fh.Filename); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_file", "message": err.Error()})
		return
	}

	f, err := fh.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_file", "message": csvingest.ErrNotCSV.Error()})
		return
	}
	records, err := csvingest.ParseReader(f)
	_ = f.Close()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_file", "message": err.Error()})
		return
	}

	res, err := h.analyzer.Analyze(c.Request.Context(), mode, txn.NormalizeAll(records))
	if err != nil {
		status, code := analyzeError(err)
		body := gin.H{"error": code, "message": err.Error()}
		if res != nil {
			body["runId"] = res.RunID
		}
		c.JSON(status, body)
		return
	}

	c.JSON(http.StatusOK, h.analysisBody(*res))
}

func analyzeError(err error) (int, string) {
	switch {
	case errors.Is(err, scoring.ErrNoTransactions):
		return http.StatusBadRequest, "no_transactions"
	case errors.Is(err, scoring.ErrUnknownMode):
		return http.StatusBadRequest, "invalid_mode"
	case errors.Is(err, scoring.ErrAnalysisInProgress):
		return http.StatusConflict, "analysis_in_progress"
	case errors.Is(err, scoring.ErrInvalidResponse):
		return http.StatusBadGateway, "invalid_response"
	default:
		return http.StatusBadGateway, "scoring_failed"
	}
}

func (h *Handler) analysisBody(res scoring.Result) gin.H {
	th := h.settings.Get()
	anomalies := make([]txn.Scored, 0)
	for _, s := range res.Results {
		if s.Anomalous() {
			anomalies = append(anomalies, s)
		}
	}
	return gin.H{
		"analysis":  res,
		"view":      analytics.Compute(analytics.FromScored(res.Results), th),
		"anomalies": anomalies,
		"count":     len(res.Results),
	}
}

// LatestAnalysis returns the most recent analysis, re-aggregated under the
// current thresholds.
func (h *Handler) LatestAnalysis(c *gin.Context) {
	res, ok := h.analyzer.Latest()
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "no analysis has run yet"})
		return
	}
	c.JSON(http.StatusOK, h.analysisBody(res))
}

// AnalysisHistory lists recent analysis runs, newest first. Pass the
// returned nextCursor as ?cursor= to fetch the following page.
func (h *Handler) AnalysisHistory(c *gin.Context) {
	runs, next, err := h.analyzer.History(c.Request.Context(), parseLimit(c, 20, 100), c.Query("cursor"))
	if errors.Is(err, pagination.ErrInvalidCursor) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_cursor", "message": err.Error()})
		return
	}
	if err != nil {
		h.logger.Error("list analysis runs", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		return
	}
	if runs == nil {
		runs = []*scoring.Run{}
	}
	c.JSON(http.StatusOK, gin.H{
		"runs":       runs,
		"count":      len(runs),
		"nextCursor": next,
		"hasMore":    next != "",
	})
}

// AnalysisStatus reports whether an analysis is in flight.
func (h *Handler) AnalysisStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"loading":     h.analyzer.Loading(),
		"defaultMode": h.analyzer.DefaultMode(),
	})
}

// Dashboard returns the live reconciled snapshot.
func (h *Handler) Dashboard(c *gin.Context) {
	c.JSON(http.StatusOK, h.live.Snapshot())
}

// Classify returns the tier and styling for a single score.
func (h *Handler) Classify(c *gin.Context) {
	score, err := strconv.Atoi(c.Query("score"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_score", "message": "score must be an integer"})
		return
	}
	dark := c.Query("dark") == "true"
	c.JSON(http.StatusOK, gin.H{
		"score": score,
		"style": risk.StyleFor(score, true, h.settings.Get(), dark),
	})
}

func parseLimit(c *gin.Context, defaultVal, maxVal int) int {
	limit := defaultVal
	if v := c.Query("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > maxVal {
		limit = maxVal
	}
	return limit
}
