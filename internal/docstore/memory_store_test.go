package docstore

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/finomaly/finomaly/internal/txn"
)

type recorder struct {
	mu    sync.Mutex
	snaps [][]Document
	errs  []error
}

func (r *recorder) onSnapshot(docs []Document) {
	r.mu.Lock()
	r.snaps = append(r.snaps, docs)
	r.mu.Unlock()
}

func (r *recorder) onError(err error) {
	r.mu.Lock()
	r.errs = append(r.errs, err)
	r.mu.Unlock()
}

func (r *recorder) last() []Document {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.snaps) == 0 {
		return nil
	}
	return r.snaps[len(r.snaps)-1]
}

func TestMemoryStore_SubscribeDeliversInitialAndChanges(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	_, err := s.Put(ctx, CollectionTransactions, "TXN001", txn.Record{"amount": 12500.0})
	require.NoError(t, err)

	rec := &recorder{}
	unsub, err := s.Subscribe(ctx, CollectionTransactions, rec.onSnapshot, rec.onError)
	require.NoError(t, err)
	defer unsub()

	require.Len(t, rec.snaps, 1)
	require.Len(t, rec.last(), 1)
	assert.Equal(t, "TXN001", rec.last()[0].ID)

	_, err = s.Put(ctx, CollectionTransactions, "TXN002", txn.Record{"amount": 50000.0})
	require.NoError(t, err)
	require.Len(t, rec.snaps, 2)
	assert.Len(t, rec.last(), 2)

	// Other collections do not notify.
	_, err = s.Put(ctx, CollectionAlerts, "", txn.Record{"transactionId": "TXN001"})
	require.NoError(t, err)
	assert.Len(t, rec.snaps, 2)

	require.NoError(t, s.Delete(ctx, CollectionTransactions, "TXN001"))
	require.Len(t, rec.snaps, 3)
	assert.Equal(t, "TXN002", rec.last()[0].ID)
}

func TestMemoryStore_UnsubscribeStopsDelivery(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	rec := &recorder{}
	unsub, err := s.Subscribe(ctx, CollectionAlerts, rec.onSnapshot, rec.onError)
	require.NoError(t, err)

	unsub()
	unsub()

	_, err = s.Put(ctx, CollectionAlerts, "a1", txn.Record{"riskScore": 90.0})
	require.NoError(t, err)
	assert.Len(t, rec.snaps, 1)
}

func TestMemoryStore_PutReplaceKeepsCreatedAt(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	_, err := s.Put(ctx, CollectionTransactions, "x", txn.Record{"amount": 1.0})
	require.NoError(t, err)
	first, err := s.Get(ctx, CollectionTransactions, "x")
	require.NoError(t, err)

	_, err = s.Put(ctx, CollectionTransactions, "x", txn.Record{"amount": 2.0})
	require.NoError(t, err)
	second, err := s.Get(ctx, CollectionTransactions, "x")
	require.NoError(t, err)

	assert.Equal(t, first.CreatedAt, second.CreatedAt)
	assert.Equal(t, 2.0, second.Data["amount"])
}

func TestMemoryStore_GeneratedIDAndCopies(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	data := txn.Record{"amount": 1.0}
	id, err := s.Put(ctx, CollectionTransactions, "", data)
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	// Mutating the caller's map does not affect the stored document.
	data["amount"] = 99.0
	doc, err := s.Get(ctx, CollectionTransactions, id)
	require.NoError(t, err)
	assert.Equal(t, 1.0, doc.Data["amount"])
}

func TestMemoryStore_DeleteAll(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	for _, id := range []string{"a", "b", "c"} {
		_, err := s.Put(ctx, CollectionTransactions, id, txn.Record{})
		require.NoError(t, err)
	}
	rec := &recorder{}
	unsub, err := s.Subscribe(ctx, CollectionTransactions, rec.onSnapshot, rec.onError)
	require.NoError(t, err)
	defer unsub()

	n, err := s.DeleteAll(ctx, CollectionTransactions)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Empty(t, rec.last())

	docs, err := s.List(ctx, CollectionTransactions)
	require.NoError(t, err)
	assert.Empty(t, docs)
}

func TestMemoryStore_DeleteMissing(t *testing.T) {
	err := NewMemoryStore().Delete(context.Background(), CollectionTransactions, "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore_FailEndsSubscription(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	rec := &recorder{}
	_, err := s.Subscribe(ctx, CollectionAlerts, rec.onSnapshot, rec.onError)
	require.NoError(t, err)

	boom := errors.New("permission denied")
	s.Fail(CollectionAlerts, boom)
	require.Len(t, rec.errs, 1)
	assert.ErrorIs(t, rec.errs[0], boom)

	_, err = s.Put(ctx, CollectionAlerts, "a", txn.Record{})
	require.NoError(t, err)
	assert.Len(t, rec.snaps, 1)
}

func TestMemoryStore_Close(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	rec := &recorder{}
	_, err := s.Subscribe(ctx, CollectionTransactions, rec.onSnapshot, rec.onError)
	require.NoError(t, err)

	require.NoError(t, s.Close())
	require.Len(t, rec.errs, 1)
	assert.ErrorIs(t, rec.errs[0], ErrClosed)

	_, err = s.Put(ctx, CollectionTransactions, "x", txn.Record{})
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, s.Ping(ctx), ErrClosed)
	_, err = s.Subscribe(ctx, CollectionTransactions, rec.onSnapshot, rec.onError)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestMemoryStore_SubscribeValidates(t *testing.T) {
	_, err := NewMemoryStore().Subscribe(context.Background(), "", func([]Document) {}, nil)
	assert.ErrorIs(t, err, ErrInvalidInput)
}
