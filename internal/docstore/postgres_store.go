package docstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/lib/pq"

	"github.com/finomaly/finomaly/internal/idgen"
	"github.com/finomaly/finomaly/internal/txn"
)

// NotifyChannel is the LISTEN channel the documents trigger notifies on.
// The payload is the collection name.
const NotifyChannel = "finomaly_documents"

// PostgresStore keeps documents in a JSONB table and turns the table
// trigger's NOTIFY events into collection snapshots.
type PostgresStore struct {
	db       *sql.DB
	listener *pq.Listener
	logger   *slog.Logger

	mu      sync.Mutex
	subs    map[string]map[int]*subscriber
	nextSub int
	closed  bool

	deliverMu sync.Mutex
	cancel    context.CancelFunc
	done      chan struct{}
}

// NewPostgresStore creates a PostgreSQL-backed document store. connStr is
// used for the dedicated LISTEN connection; db serves all other queries.
func NewPostgresStore(db *sql.DB, connStr string, logger *slog.Logger) *PostgresStore {
	if logger == nil {
		logger = slog.Default()
	}
	s := &PostgresStore{
		db:     db,
		logger: logger,
		subs:   make(map[string]map[int]*subscriber),
	}
	s.listener = pq.NewListener(connStr, 2*time.Second, time.Minute, s.onListenerEvent)
	return s
}

// Start begins listening for change notifications.
func (s *PostgresStore) Start(ctx context.Context) error {
	if err := s.listener.Listen(NotifyChannel); err != nil {
		return fmt.Errorf("listen %s: %w", NotifyChannel, err)
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.run(ctx)
	s.logger.Info("document store listening", "channel", NotifyChannel)
	return nil
}

func (s *PostgresStore) run(ctx context.Context) {
	defer close(s.done)
	ping := time.NewTicker(90 * time.Second)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case n, ok := <-s.listener.Notify:
			if !ok {
				return
			}
			if n == nil {
				// Reconnected: notifications may have been missed.
				for _, c := range s.collections() {
					s.refresh(ctx, c)
				}
				continue
			}
			s.refresh(ctx, n.Extra)
		case <-ping.C:
			go func() { _ = s.listener.Ping() }()
		}
	}
}

func (s *PostgresStore) onListenerEvent(ev pq.ListenerEventType, err error) {
	switch ev {
	case pq.ListenerEventConnectionAttemptFailed, pq.ListenerEventDisconnected:
		if err == nil {
			err = errors.New("listener disconnected")
		}
		s.logger.Warn("document store listener lost connection", "error", err)
		for _, c := range s.collections() {
			s.fail(c, fmt.Errorf("change stream: %w", err))
		}
	case pq.ListenerEventReconnected:
		s.logger.Info("document store listener reconnected")
	}
}

func (s *PostgresStore) Subscribe(ctx context.Context, collection string, onSnapshot SnapshotFunc, onError ErrorFunc) (func(), error) {
	if collection == "" || onSnapshot == nil {
		return nil, ErrInvalidInput
	}

	s.deliverMu.Lock()
	defer s.deliverMu.Unlock()

	docs, err := s.List(ctx, collection)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	id := s.nextSub
	s.nextSub++
	if s.subs[collection] == nil {
		s.subs[collection] = make(map[int]*subscriber)
	}
	s.subs[collection][id] = &subscriber{onSnapshot: onSnapshot, onError: onError}
	s.mu.Unlock()

	onSnapshot(docs)

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs[collection], id)
			s.mu.Unlock()
		})
	}, nil
}

// refresh reloads a collection and delivers it to its subscribers. A failed
// reload ends those subscriptions.
func (s *PostgresStore) refresh(ctx context.Context, collection string) {
	s.deliverMu.Lock()
	defer s.deliverMu.Unlock()

	subs := s.subscribers(collection)
	if len(subs) == 0 {
		return
	}
	docs, err := s.List(ctx, collection)
	if err != nil {
		s.mu.Lock()
		delete(s.subs, collection)
		s.mu.Unlock()
		for _, sub := range subs {
			if sub.onError != nil {
				sub.onError(err)
			}
		}
		return
	}
	for _, sub := range subs {
		sub.onSnapshot(cloneSnapshot(docs))
	}
}

func (s *PostgresStore) fail(collection string, err error) {
	s.deliverMu.Lock()
	defer s.deliverMu.Unlock()

	s.mu.Lock()
	subs := s.subs[collection]
	delete(s.subs, collection)
	s.mu.Unlock()

	for _, sub := range subs {
		if sub.onError != nil {
			sub.onError(err)
		}
	}
}

func (s *PostgresStore) subscribers(collection string) []*subscriber {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*subscriber, 0, len(s.subs[collection]))
	for _, sub := range s.subs[collection] {
		out = append(out, sub)
	}
	return out
}

func (s *PostgresStore) collections() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.subs))
	for c := range s.subs {
		out = append(out, c)
	}
	return out
}

func (s *PostgresStore) Put(ctx context.Context, collection, id string, data txn.Record) (string, error) {
	if collection == "" {
		return "", ErrInvalidInput
	}
	if id == "" {
		id = idgen.New()
	}
	if data == nil {
		data = txn.Record{}
	}
	body, err := json.Marshal(data)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO documents (collection, id, body, created_at, updated_at)
		VALUES ($1, $2, $3, NOW(), NOW())
		ON CONFLICT (collection, id) DO UPDATE SET body = EXCLUDED.body, updated_at = NOW()
	`, collection, id, string(body))
	if err != nil {
		return "", fmt.Errorf("failed to put document: %w", err)
	}
	return id, nil
}

func (s *PostgresStore) Get(ctx context.Context, collection, id string) (*Document, error) {
	var d Document
	var body []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT id, body, created_at, updated_at FROM documents
		WHERE collection = $1 AND id = $2
	`, collection, id).Scan(&d.ID, &body, &d.CreatedAt, &d.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get document: %w", err)
	}
	if err := json.Unmarshal(body, &d.Data); err != nil {
		return nil, fmt.Errorf("decode document %s: %w", id, err)
	}
	return &d, nil
}

func (s *PostgresStore) Delete(ctx context.Context, collection, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM documents WHERE collection = $1 AND id = $2`, collection, id)
	if err != nil {
		return fmt.Errorf("failed to delete document: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) DeleteAll(ctx context.Context, collection string) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM documents WHERE collection = $1`, collection)
	if err != nil {
		return 0, fmt.Errorf("failed to delete documents: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *PostgresStore) List(ctx context.Context, collection string) ([]Document, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, body, created_at, updated_at FROM documents
		WHERE collection = $1
		ORDER BY created_at, id
	`, collection)
	if err != nil {
		return nil, fmt.Errorf("failed to list documents: %w", err)
	}
	defer func() { _ = rows.Close() }()

	docs := []Document{}
	for rows.Next() {
		var d Document
		var body []byte
		if err := rows.Scan(&d.ID, &body, &d.CreatedAt, &d.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		if err := json.Unmarshal(body, &d.Data); err != nil {
			s.logger.Warn("skipping undecodable document", "collection", collection, "id", d.ID, "error", err)
			continue
		}
		docs = append(docs, d)
	}
	return docs, rows.Err()
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close stops listening and ends every subscription with ErrClosed. The
// *sql.DB is owned by the caller and left open.
func (s *PostgresStore) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
	for _, c := range s.collections() {
		s.fail(c, ErrClosed)
	}
	return s.listener.Close()
}
