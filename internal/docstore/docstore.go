// Package docstore is the document-store boundary used by the live view: named
// collections of free-form JSON documents with whole-collection change
// subscriptions.
//
// A subscription first delivers the current snapshot, then a fresh full
// snapshot after every change to the collection. An error ends the
// subscription; callers resubscribe if they want to keep listening.
// Callbacks run on the store's delivery goroutine and must not block or call
// back into the store.
package docstore

import (
	"context"
	"errors"
	"time"

	"github.com/finomaly/finomaly/internal/txn"
)

// Well-known collections.
const (
	CollectionTransactions = "transactions"
	CollectionAlerts       = "anomalyAlerts"
)

var (
	ErrNotFound     = errors.New("document not found")
	ErrInvalidInput = errors.New("invalid document")
	ErrClosed       = errors.New("document store closed")
)

// Document is a stored record with its store-assigned identity.
type Document struct {
	ID        string     `json:"id"`
	Data      txn.Record `json:"data"`
	CreatedAt time.Time  `json:"createdAt"`
	UpdatedAt time.Time  `json:"updatedAt"`
}

// SnapshotFunc receives the full contents of a collection.
type SnapshotFunc func(docs []Document)

// ErrorFunc receives the error that ended a subscription.
type ErrorFunc func(err error)

// Store is a document store with change subscriptions.
type Store interface {
	// Subscribe registers for snapshots of collection. The returned function
	// cancels the subscription and is safe to call more than once.
	Subscribe(ctx context.Context, collection string, onSnapshot SnapshotFunc, onError ErrorFunc) (func(), error)
	// Put creates or replaces a document. An empty id is generated.
	Put(ctx context.Context, collection, id string, data txn.Record) (string, error)
	Get(ctx context.Context, collection, id string) (*Document, error)
	Delete(ctx context.Context, collection, id string) error
	// DeleteAll empties a collection and returns the number removed.
	DeleteAll(ctx context.Context, collection string) (int, error)
	// List returns a collection ordered by creation time.
	List(ctx context.Context, collection string) ([]Document, error)
	Ping(ctx context.Context) error
	Close() error
}

// copyDoc deep-copies the top level of a document's data.
func copyDoc(d Document) Document {
	data := make(txn.Record, len(d.Data))
	for k, v := range d.Data {
		data[k] = v
	}
	d.Data = data
	return d
}
