package docstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/finomaly/finomaly/internal/testutil"
	"github.com/finomaly/finomaly/internal/txn"
)

func TestPostgresStore_CRUDAndNotify(t *testing.T) {
	connStr := testutil.PGURL(t)
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	ctx := context.Background()
	s := NewPostgresStore(db, connStr, nil)
	require.NoError(t, s.Start(ctx))
	defer func() { _ = s.Close() }()

	snaps := make(chan []Document, 16)
	unsub, err := s.Subscribe(ctx, CollectionTransactions, func(d []Document) { snaps <- d }, nil)
	require.NoError(t, err)
	defer unsub()

	initial := <-snaps
	assert.Empty(t, initial)

	id, err := s.Put(ctx, CollectionTransactions, "TXN001", txn.Record{"amount": 12500.0, "location": "New York, NY"})
	require.NoError(t, err)
	assert.Equal(t, "TXN001", id)

	select {
	case docs := <-snaps:
		require.Len(t, docs, 1)
		assert.Equal(t, "TXN001", docs[0].ID)
		assert.Equal(t, 12500.0, docs[0].Data["amount"])
	case <-time.After(5 * time.Second):
		t.Fatal("no snapshot after insert")
	}

	got, err := s.Get(ctx, CollectionTransactions, "TXN001")
	require.NoError(t, err)
	assert.Equal(t, "New York, NY", got.Data["location"])

	n, err := s.DeleteAll(ctx, CollectionTransactions)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = s.Get(ctx, CollectionTransactions, "TXN001")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, s.Delete(ctx, CollectionTransactions, "TXN001"), ErrNotFound)
}
