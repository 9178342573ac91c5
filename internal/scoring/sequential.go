package scoring

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/finomaly/finomaly/internal/circuitbreaker"
	"github.com/finomaly/finomaly/internal/logging"
	"github.com/finomaly/finomaly/internal/metrics"
	"github.com/finomaly/finomaly/internal/traces"
	"github.com/finomaly/finomaly/internal/txn"
)

// SequentialScorer scores transactions one request at a time after
// resetting the service's session state.
type SequentialScorer struct {
	c       *client
	breaker *circuitbreaker.Breaker
}

// NewSequentialScorer creates a sequential-mode scorer. After
// cfg.BreakerTrips consecutive transport faults the endpoint is
// short-circuited and remaining transactions get the error placeholder
// without a request.
func NewSequentialScorer(cfg Config) *SequentialScorer {
	return &SequentialScorer{
		c: newClient(cfg),
		breaker: circuitbreaker.New(circuitbreaker.Config{
			Endpoint: "analyze-transaction",
			Trips:    cfg.BreakerTrips,
			Cooldown: cfg.BreakerCooldown,
		}),
	}
}

// Mode returns ModeSequential.
func (s *SequentialScorer) Mode() Mode { return ModeSequential }

type transactionRequest struct {
	Amount        float64 `json:"amount"`
	Account       string  `json:"account"`
	Timestamp     string  `json:"timestamp"`
	TransactionID string  `json:"transactionId"`
}

// Score returns exactly one result per input, in input order. A rejected
// response yields the Unknown placeholder; a fault yields the Error
// placeholder. Neither stops the loop. Only cancellation of ctx aborts.
func (s *SequentialScorer) Score(ctx context.Context, txs []txn.Normalized) ([]txn.Scored, error) {
	ctx, span := traces.StartSpan(ctx, "scoring.sequential", traces.BatchSize(len(txs)))
	defer span.End()

	s.resetSession(ctx)

	results := make([]txn.Scored, 0, len(txs))
	for _, t := range txs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		results = append(results, s.scoreOne(ctx, t))
	}
	countResults(results)

	s.c.logger.Info("sequential analysis complete", "submitted", len(txs))
	return results, nil
}

// resetSession clears the service's per-session history. Failure is logged
// and otherwise ignored.
func (s *SequentialScorer) resetSession(ctx context.Context) {
	resp, err := s.c.post(ctx, ModeSequential, PathResetSession, struct{}{})
	if err != nil {
		s.c.logger.Warn("failed to reset scoring session", "error", err)
		return
	}
	if !resp.ok() {
		s.c.logger.Warn("failed to reset scoring session", "status", resp.status)
	}
}

func (s *SequentialScorer) scoreOne(ctx context.Context, t txn.Normalized) txn.Scored {
	ctx, span := traces.StartSpan(ctx, "scoring.transaction", traces.TransactionID(t.ID))
	defer span.End()

	scored := s.analyze(ctx, t)
	span.SetAttributes(traces.RiskLevel(scored.RiskLevel))
	return scored
}

func (s *SequentialScorer) analyze(ctx context.Context, t txn.Normalized) txn.Scored {
	var resp response
	err := s.breaker.Call(func() error {
		var err error
		resp, err = s.c.post(ctx, ModeSequential, PathAnalyzeTransaction, transactionRequest{
			Amount:        t.Amount,
			Account:       t.Account,
			Timestamp:     t.Timestamp,
			TransactionID: t.ID,
		})
		return err
	})
	switch {
	case errors.Is(err, circuitbreaker.ErrOpen):
		metrics.ScoringRequestsTotal.WithLabelValues(string(ModeSequential), "analyze-transaction", "short_circuit").Inc()
		s.c.logger.Debug("scoring short-circuited", "transaction_id", t.ID)
		return txn.Fallback(t, txn.ErrorLevel)
	case err != nil:
		s.c.logger.Warn("transaction scoring failed", "transaction_id", t.ID, logging.AccountKey, t.Account, "error", err)
		return txn.Fallback(t, txn.ErrorLevel)
	}

	if !resp.ok() {
		s.c.logger.Warn("transaction scoring rejected", "transaction_id", t.ID, "status", resp.status)
		return txn.Fallback(t, txn.UnknownLevel)
	}

	var r txn.Record
	if err := json.Unmarshal(resp.body, &r); err != nil || r == nil {
		s.c.logger.Warn("transaction scoring returned malformed body", "transaction_id", t.ID)
		return txn.Fallback(t, txn.ErrorLevel)
	}
	return merge(t, r)
}
