package scoring

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/finomaly/finomaly/internal/idgen"
	"github.com/finomaly/finomaly/internal/traces"
	"github.com/finomaly/finomaly/internal/txn"
)

// BatchScorer scores a whole upload in a single request.
type BatchScorer struct {
	c *client
}

// NewBatchScorer creates a batch-mode scorer.
func NewBatchScorer(cfg Config) *BatchScorer {
	return &BatchScorer{c: newClient(cfg)}
}

// Mode returns ModeBatch.
func (b *BatchScorer) Mode() Mode { return ModeBatch }

type batchRequest struct {
	Transactions []wireTransaction `json:"transactions"`
}

// Score posts every transaction at once. Results follow the response's
// order, keyed by transactionId; fields the response omits are filled from
// the matching input transaction. On any failure no results are returned.
func (b *BatchScorer) Score(ctx context.Context, txs []txn.Normalized) ([]txn.Scored, error) {
	ctx, span := traces.StartSpan(ctx, "scoring.batch", traces.BatchSize(len(txs)))
	defer span.End()

	req := batchRequest{Transactions: make([]wireTransaction, 0, len(txs))}
	byID := make(map[string]txn.Normalized, len(txs))
	for _, t := range txs {
		req.Transactions = append(req.Transactions, wireTransaction{
			ID:        t.ID,
			Account:   t.Account,
			Amount:    t.Amount,
			Timestamp: t.Timestamp,
		})
		byID[t.ID] = t
	}

	resp, err := b.c.post(ctx, ModeBatch, PathAnalyzeBatch, req)
	if err != nil {
		traces.Fail(span, err)
		return nil, fmt.Errorf("failed to process CSV: %w", err)
	}
	if !resp.ok() {
		b.c.logger.Warn("batch analysis rejected", "status", resp.status)
		return nil, fmt.Errorf("%w (status %d)", ErrBatchFailed, resp.status)
	}

	records, err := decodeResults(resp.body)
	if err != nil {
		b.c.logger.Warn("batch analysis returned malformed body", "error", err)
		return nil, ErrInvalidResponse
	}

	results := make([]txn.Scored, 0, len(records))
	for _, r := range records {
		id := txn.LookupString(r, "", txn.IDFields...)
		base, ok := byID[id]
		if !ok {
			if id == "" {
				id = idgen.New()
			}
			base = txn.Normalized{ID: id, Account: txn.UnknownAccount, Location: txn.UnknownLocation}
		}
		results = append(results, merge(base, r))
	}
	countResults(results)

	b.c.logger.Info("batch analysis complete", "submitted", len(txs), "results", len(results))
	return results, nil
}

// decodeResults extracts the "results" array. A body that is not a JSON
// object, or whose results member is missing or not an array of objects, is
// rejected.
func decodeResults(body []byte) ([]txn.Record, error) {
	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, err
	}
	raw, ok := envelope["results"]
	if !ok {
		return nil, fmt.Errorf("missing results")
	}
	var records []txn.Record
	if err := json.Unmarshal(raw, &records); err != nil {
		return nil, err
	}
	if records == nil {
		return nil, fmt.Errorf("results is null")
	}
	return records, nil
}
