package feed

import (
	"context"
	"fmt"

	"github.com/segmentio/kafka-go"

	"github.com/finomaly/finomaly/internal/txn"
)

// Publisher writes transactions onto the stream.
type Publisher struct {
	writer    MessageWriter
	batchSize int
}

// NewPublisher creates a publisher that flushes every batchSize messages.
func NewPublisher(writer MessageWriter, batchSize int) *Publisher {
	if batchSize <= 0 {
		batchSize = 100
	}
	return &Publisher{writer: writer, batchSize: batchSize}
}

// PublishTransactions writes one message per transaction, keyed by id so a
// transaction always lands on the same partition.
func (p *Publisher) PublishTransactions(ctx context.Context, txs []txn.Normalized) (int, error) {
	sent := 0
	batch := make([]kafka.Message, 0, p.batchSize)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := p.writer.WriteMessages(ctx, batch...); err != nil {
			return fmt.Errorf("write messages: %w", err)
		}
		sent += len(batch)
		batch = batch[:0]
		return nil
	}

	for _, t := range txs {
		msg, err := encodeJSON(t.ID, t)
		if err != nil {
			return sent, fmt.Errorf("encode %s: %w", t.ID, err)
		}
		batch = append(batch, msg)
		if len(batch) == p.batchSize {
			if err := flush(); err != nil {
				return sent, err
			}
		}
	}
	if err := flush(); err != nil {
		return sent, err
	}
	return sent, nil
}

// Close closes the underlying writer.
func (p *Publisher) Close() error {
	return p.writer.Close()
}
