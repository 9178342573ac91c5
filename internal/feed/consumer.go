package feed

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/finomaly/finomaly/internal/docstore"
	"github.com/finomaly/finomaly/internal/metrics"
	"github.com/finomaly/finomaly/internal/retry"
	"github.com/finomaly/finomaly/internal/traces"
	"github.com/finomaly/finomaly/internal/txn"
)

// Consumer copies one topic into one document collection.
type Consumer struct {
	reader     MessageReader
	store      docstore.Store
	topic      string
	collection string
	idFields   []string
	logger     *slog.Logger
	backoff    retry.Policy
}

// MaxStoreBackoff caps the delay between store write attempts for a message
// that keeps failing.
const MaxStoreBackoff = 30 * time.Second

// NewConsumer creates a consumer. Document ids come from the first of
// idFields present in the message, then the message key, then are generated.
func NewConsumer(reader MessageReader, store docstore.Store, topic, collection string, idFields []string, logger *slog.Logger) *Consumer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Consumer{
		reader:     reader,
		store:      store,
		topic:      topic,
		collection: collection,
		idFields:   idFields,
		logger:     logger.With("topic", topic, "collection", collection),
		backoff:    retry.Policy{BaseDelay: 200 * time.Millisecond, MaxDelay: MaxStoreBackoff},
	}
}

// TransactionConsumer consumes transaction records keyed by their id.
func TransactionConsumer(reader MessageReader, store docstore.Store, topic string, logger *slog.Logger) *Consumer {
	return NewConsumer(reader, store, topic, docstore.CollectionTransactions, []string{"id"}, logger)
}

// AlertConsumer consumes anomaly alerts. Alert ids are their own; the
// transaction reference stays in the body.
func AlertConsumer(reader MessageReader, store docstore.Store, topic string, logger *slog.Logger) *Consumer {
	return NewConsumer(reader, store, topic, docstore.CollectionAlerts, []string{"alertId", "alert_id"}, logger)
}

// Run consumes until ctx is cancelled or the reader is closed.
//
// Messages are committed in order. Undecodable messages and documents the
// store rejects as invalid are committed and skipped. Any other store error
// holds the consumer on that message, retrying with capped backoff, so no
// later offset is committed past it. If the store is closed, Run returns the
// error with the message uncommitted.
func (c *Consumer) Run(ctx context.Context) error {
	c.logger.Info("feed consumer started")
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, io.EOF) || ctx.Err() != nil {
				c.logger.Info("feed consumer stopped")
				return nil
			}
			c.logger.Warn("feed read error", "error", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(500 * time.Millisecond):
			}
			continue
		}

		if err := c.handle(ctx, msg); err != nil {
			if ctx.Err() != nil {
				c.logger.Info("feed consumer stopped", "uncommitted_offset", msg.Offset)
				return nil
			}
			metrics.FeedMessagesTotal.WithLabelValues(c.topic, "store_error").Inc()
			c.logger.Error("feed consumer stopping, message left uncommitted", "offset", msg.Offset, "error", err)
			return err
		}
		if err := c.reader.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
			c.logger.Warn("feed commit error", "offset", msg.Offset, "error", err)
		}
	}
}

func (c *Consumer) handle(ctx context.Context, msg kafka.Message) (err error) {
	ctx, span := traces.StartSpan(ctx, "feed.message",
		append(traces.Offset(c.topic, msg.Offset), traces.Collection(c.collection))...)
	defer func() {
		traces.Fail(span, err)
		span.End()
	}()

	rec, err := ParseMessageJSON[txn.Record](msg)
	if err != nil || rec == nil {
		metrics.FeedMessagesTotal.WithLabelValues(c.topic, "decode_error").Inc()
		c.logger.Warn("feed decode error", "offset", msg.Offset, "error", err)
		return nil
	}

	id := txn.LookupString(rec, string(msg.Key), c.idFields...)
	span.SetAttributes(traces.TransactionID(id))
	policy := c.backoff
	policy.OnRetry = func(attempt int, err error) {
		metrics.FeedMessagesTotal.WithLabelValues(c.topic, "store_retry").Inc()
		c.logger.Warn("feed store write failed, retrying", "offset", msg.Offset, "id", id, "attempt", attempt, "error", err)
	}
	err = policy.Do(ctx, func() error {
		_, putErr := c.store.Put(ctx, c.collection, id, rec)
		return retry.Classify(putErr, docstore.ErrClosed, docstore.ErrInvalidInput)
	})
	if errors.Is(err, docstore.ErrInvalidInput) {
		metrics.FeedMessagesTotal.WithLabelValues(c.topic, "rejected").Inc()
		c.logger.Warn("feed document rejected", "offset", msg.Offset, "id", id, "error", err)
		return nil
	}
	if err != nil {
		return fmt.Errorf("put %s/%s: %w", c.collection, id, err)
	}
	metrics.FeedMessagesTotal.WithLabelValues(c.topic, "stored").Inc()
	return nil
}
