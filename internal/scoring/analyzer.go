package scoring

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/finomaly/finomaly/internal/idgen"
	"github.com/finomaly/finomaly/internal/metrics"
	"github.com/finomaly/finomaly/internal/pagination"
	"github.com/finomaly/finomaly/internal/txn"
)

// Result is the outcome of one analysis. Exactly one of Results and Error
// is meaningful: a failed analysis carries no results.
type Result struct {
	RunID      string       `json:"runId"`
	Mode       Mode         `json:"mode"`
	Results    []txn.Scored `json:"results"`
	Error      string       `json:"error,omitempty"`
	StartedAt  time.Time    `json:"startedAt"`
	FinishedAt time.Time    `json:"finishedAt"`
}

// Analyzer runs one analysis at a time through the selected Scorer and
// keeps the latest outcome.
type Analyzer struct {
	scorers     map[Mode]Scorer
	defaultMode Mode
	runs        RunStore
	logger      *slog.Logger

	loading atomic.Bool

	mu        sync.RWMutex
	latest    *Result
	listeners []func(Result)
}

// NewAnalyzer creates an analyzer over the given scorers. defaultMode is used
// when a caller does not pick one. runs may be nil.
func NewAnalyzer(defaultMode Mode, runs RunStore, logger *slog.Logger, scorers ...Scorer) *Analyzer {
	if logger == nil {
		logger = slog.Default()
	}
	a := &Analyzer{
		scorers:     make(map[Mode]Scorer, len(scorers)),
		defaultMode: defaultMode,
		runs:        runs,
		logger:      logger,
	}
	for _, s := range scorers {
		a.scorers[s.Mode()] = s
	}
	return a
}

// DefaultMode returns the mode used when none is requested.
func (a *Analyzer) DefaultMode() Mode { return a.defaultMode }

// Loading reports whether an analysis is in flight.
func (a *Analyzer) Loading() bool { return a.loading.Load() }

// OnComplete registers fn to be called after every finished analysis,
// successful or not.
func (a *Analyzer) OnComplete(fn func(Result)) {
	a.mu.Lock()
	a.listeners = append(a.listeners, fn)
	a.mu.Unlock()
}

// Analyze scores txs with the scorer for mode (the default when empty).
// A second call while one is in flight fails with ErrAnalysisInProgress.
// The loading flag is cleared when the call returns, on every path.
func (a *Analyzer) Analyze(ctx context.Context, mode Mode, txs []txn.Normalized) (*Result, error) {
	if mode == "" {
		mode = a.defaultMode
	}
	scorer, ok := a.scorers[mode]
	if !ok {
		return nil, ErrUnknownMode
	}
	if len(txs) == 0 {
		return nil, ErrNoTransactions
	}
	if !a.loading.CompareAndSwap(false, true) {
		return nil, ErrAnalysisInProgress
	}
	defer a.loading.Store(false)

	res := Result{
		RunID:     idgen.WithPrefix("run_"),
		Mode:      mode,
		StartedAt: time.Now().UTC(),
	}
	results, err := scorer.Score(ctx, txs)
	res.FinishedAt = time.Now().UTC()
	if err != nil {
		res.Error = err.Error()
		metrics.AnalysesTotal.WithLabelValues(string(mode), "failed").Inc()
		a.logger.Warn("analysis failed", "run_id", res.RunID, "mode", mode, "error", err)
	} else {
		res.Results = results
		metrics.AnalysesTotal.WithLabelValues(string(mode), "ok").Inc()
		a.logger.Info("analysis complete", "run_id", res.RunID, "mode", mode, "results", len(results))
	}

	a.record(ctx, len(txs), res)

	a.mu.Lock()
	latest := res
	a.latest = &latest
	listeners := append([]func(Result){}, a.listeners...)
	a.mu.Unlock()

	for _, fn := range listeners {
		fn(res)
	}

	if err != nil {
		return &res, err
	}
	return &res, nil
}

// Latest returns the most recently finished analysis.
func (a *Analyzer) Latest() (Result, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.latest == nil {
		return Result{}, false
	}
	return *a.latest, true
}

// History returns up to limit runs, newest first, resuming after cursor
// when it is non-empty. next is the cursor for the following page, or ""
// on the last page. A malformed cursor fails with pagination.ErrInvalidCursor.
func (a *Analyzer) History(ctx context.Context, limit int, cursor string) (runs []*Run, next string, err error) {
	after, err := pagination.Decode(cursor)
	if err != nil {
		return nil, "", err
	}
	if a.runs == nil {
		return nil, "", nil
	}
	fetch := limit
	if limit > 0 {
		fetch = limit + 1
	}
	runs, err = a.runs.ListRecent(ctx, fetch, after)
	if err != nil {
		return nil, "", err
	}
	runs, next = pagination.Page(runs, limit, func(r *Run) (time.Time, string) {
		return r.StartedAt, r.ID
	})
	return runs, next, nil
}

func (a *Analyzer) record(ctx context.Context, submitted int, res Result) {
	if a.runs == nil {
		return
	}
	run := &Run{
		ID:           res.RunID,
		Mode:         res.Mode,
		Submitted:    submitted,
		Returned:     len(res.Results),
		Error:        res.Error,
		StartedAt:    res.StartedAt,
		FinishedAt:   res.FinishedAt,
		DurationMsec: res.FinishedAt.Sub(res.StartedAt).Milliseconds(),
	}
	for _, s := range res.Results {
		if s.Anomalous() {
			run.Flagged++
		}
		if s.RiskLevel == txn.ErrorLevel || s.RiskLevel == txn.UnknownLevel {
			run.Degraded++
		}
	}
	// The request may already be gone; the audit record should still land.
	if err := a.runs.Record(context.WithoutCancel(ctx), run); err != nil {
		a.logger.Error("failed to record analysis run", "run_id", run.ID, "error", err)
	}
}
