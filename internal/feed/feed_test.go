package feed

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/finomaly/finomaly/internal/docstore"
	"github.com/finomaly/finomaly/internal/txn"
)

// fakeReader serves queued messages, then blocks until ctx is done.
type fakeReader struct {
	mu        sync.Mutex
	msgs      []kafka.Message
	committed []int64
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	r.mu.Lock()
	if len(r.msgs) > 0 {
		m := r.msgs[0]
		r.msgs = r.msgs[1:]
		r.mu.Unlock()
		return m, nil
	}
	r.mu.Unlock()
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range msgs {
		r.committed = append(r.committed, m.Offset)
	}
	return nil
}

func (r *fakeReader) Close() error { return nil }

func (r *fakeReader) committedOffsets() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int64(nil), r.committed...)
}

type fakeWriter struct {
	batches [][]kafka.Message
	failOn  int
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if w.failOn > 0 && len(w.batches)+1 == w.failOn {
		return errors.New("broker unavailable")
	}
	w.batches = append(w.batches, append([]kafka.Message(nil), msgs...))
	return nil
}

func (w *fakeWriter) Close() error { return nil }

func runUntil(t *testing.T, c *Consumer, reader *fakeReader, wantCommits int) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	require.Eventually(t, func() bool {
		return len(reader.committedOffsets()) >= wantCommits
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("consumer did not stop")
	}
}

func TestTransactionConsumer_StoresByID(t *testing.T) {
	store := docstore.NewMemoryStore()
	reader := &fakeReader{msgs: []kafka.Message{
		{Offset: 1, Key: []byte("k1"), Value: []byte(`{"id":"TXN001","amount":2500,"riskScore":82}`)},
		{Offset: 2, Key: []byte("TXN002"), Value: []byte(`{"amount":120}`)},
	}}
	c := TransactionConsumer(reader, store, "transactions", nil)

	runUntil(t, c, reader, 2)

	doc, err := store.Get(context.Background(), docstore.CollectionTransactions, "TXN001")
	require.NoError(t, err)
	assert.Equal(t, float64(82), doc.Data["riskScore"])

	// No id field: the message key is the document id.
	doc, err = store.Get(context.Background(), docstore.CollectionTransactions, "TXN002")
	require.NoError(t, err)
	assert.Equal(t, float64(120), doc.Data["amount"])
}

func TestAlertConsumer_GeneratesIDWithoutKey(t *testing.T) {
	store := docstore.NewMemoryStore()
	reader := &fakeReader{msgs: []kafka.Message{
		{Offset: 7, Value: []byte(`{"transactionId":"TXN001","riskScore":91}`)},
	}}
	c := AlertConsumer(reader, store, "anomalyAlerts", nil)

	runUntil(t, c, reader, 1)

	docs, err := store.List(context.Background(), docstore.CollectionAlerts)
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.NotEmpty(t, docs[0].ID)

	alert := txn.AlertFromRecord(docs[0].ID, docs[0].Data)
	assert.Equal(t, "TXN001", alert.TransactionID)
	assert.Equal(t, 91, alert.RiskScore)
}

func TestConsumer_SkipsUndecodableMessages(t *testing.T) {
	store := docstore.NewMemoryStore()
	reader := &fakeReader{msgs: []kafka.Message{
		{Offset: 1, Value: []byte(`not json`)},
		{Offset: 2, Value: []byte(`null`)},
		{Offset: 3, Key: []byte("TXN009"), Value: []byte(`{"amount":5}`)},
	}}
	c := TransactionConsumer(reader, store, "transactions", nil)

	runUntil(t, c, reader, 3)

	assert.Equal(t, []int64{1, 2, 3}, reader.committedOffsets())
	docs, err := store.List(context.Background(), docstore.CollectionTransactions)
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "TXN009", docs[0].ID)
}

// flakyStore fails Put with err for the first failures calls (all calls when
// failures is negative).
type flakyStore struct {
	docstore.Store
	err      error
	failures int

	mu    sync.Mutex
	calls int
}

func (f *flakyStore) Put(ctx context.Context, collection, id string, data txn.Record) (string, error) {
	f.mu.Lock()
	f.calls++
	fail := f.failures < 0 || f.calls <= f.failures
	f.mu.Unlock()
	if fail {
		return "", f.err
	}
	return f.Store.Put(ctx, collection, id, data)
}

func (f *flakyStore) putCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func fastBackoff(c *Consumer) *Consumer {
	c.backoff.BaseDelay = time.Millisecond
	c.backoff.MaxDelay = 2 * time.Millisecond
	return c
}

func TestConsumer_TransientStoreErrorHoldsOffset(t *testing.T) {
	store := &flakyStore{Store: docstore.NewMemoryStore(), err: errors.New("connection reset"), failures: 5}
	reader := &fakeReader{msgs: []kafka.Message{
		{Offset: 1, Key: []byte("TXN001"), Value: []byte(`{"amount":1}`)},
		{Offset: 2, Key: []byte("TXN002"), Value: []byte(`{"amount":2}`)},
	}}
	c := fastBackoff(TransactionConsumer(reader, store, "transactions", nil))

	runUntil(t, c, reader, 2)

	assert.Equal(t, []int64{1, 2}, reader.committedOffsets())
	assert.Equal(t, 7, store.putCalls())
	docs, err := store.List(context.Background(), docstore.CollectionTransactions)
	require.NoError(t, err)
	assert.Len(t, docs, 2)
}

func TestConsumer_StoreDownCommitsNothingAfterFailedOffset(t *testing.T) {
	store := &flakyStore{Store: docstore.NewMemoryStore(), err: errors.New("connection refused"), failures: -1}
	reader := &fakeReader{msgs: []kafka.Message{
		{Offset: 1, Key: []byte("TXN001"), Value: []byte(`{"amount":1}`)},
		{Offset: 2, Key: []byte("TXN002"), Value: []byte(`{"amount":2}`)},
	}}
	c := fastBackoff(TransactionConsumer(reader, store, "transactions", nil))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	require.Eventually(t, func() bool { return store.putCalls() >= 10 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	assert.Empty(t, reader.committedOffsets())
	reader.mu.Lock()
	defer reader.mu.Unlock()
	require.Len(t, reader.msgs, 1, "later message must not be fetched past the failing one")
	assert.Equal(t, int64(2), reader.msgs[0].Offset)
}

func TestConsumer_ClosedStoreStopsWithoutCommit(t *testing.T) {
	store := docstore.NewMemoryStore()
	require.NoError(t, store.Close())
	reader := &fakeReader{msgs: []kafka.Message{
		{Offset: 1, Key: []byte("TXN001"), Value: []byte(`{"amount":1}`)},
		{Offset: 2, Key: []byte("TXN002"), Value: []byte(`{"amount":2}`)},
	}}
	c := TransactionConsumer(reader, store, "transactions", nil)

	err := c.Run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, docstore.ErrClosed)
	assert.Empty(t, reader.committedOffsets())
}

func TestConsumer_RejectedDocumentIsSkipped(t *testing.T) {
	store := &flakyStore{Store: docstore.NewMemoryStore(), err: docstore.ErrInvalidInput, failures: 1}
	reader := &fakeReader{msgs: []kafka.Message{
		{Offset: 1, Key: []byte("TXN001"), Value: []byte(`{"amount":1}`)},
		{Offset: 2, Key: []byte("TXN002"), Value: []byte(`{"amount":2}`)},
	}}
	c := TransactionConsumer(reader, store, "transactions", nil)

	runUntil(t, c, reader, 2)

	assert.Equal(t, []int64{1, 2}, reader.committedOffsets())
	assert.Equal(t, 2, store.putCalls())
}

func TestPublisher_BatchesByID(t *testing.T) {
	w := &fakeWriter{}
	p := NewPublisher(w, 2)
	txs := []txn.Normalized{
		{ID: "TXN001", Account: "ACC1", Amount: 10},
		{ID: "TXN002", Account: "ACC2", Amount: 20},
		{ID: "TXN003", Account: "ACC3", Amount: 30},
	}

	sent, err := p.PublishTransactions(context.Background(), txs)
	require.NoError(t, err)
	assert.Equal(t, 3, sent)
	require.Len(t, w.batches, 2)
	assert.Len(t, w.batches[0], 2)
	assert.Len(t, w.batches[1], 1)
	assert.Equal(t, "TXN003", string(w.batches[1][0].Key))

	got, err := ParseMessageJSON[txn.Normalized](w.batches[0][1])
	require.NoError(t, err)
	assert.Equal(t, txs[1], got)
}

func TestPublisher_StopsOnWriteError(t *testing.T) {
	w := &fakeWriter{failOn: 2}
	p := NewPublisher(w, 1)

	sent, err := p.PublishTransactions(context.Background(), []txn.Normalized{{ID: "A"}, {ID: "B"}, {ID: "C"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broker unavailable")
	assert.Equal(t, 1, sent)
}
