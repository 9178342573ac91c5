// Package live maintains the reconciled view of the store's transactions and
// anomaly alerts.
//
// Two subscriptions feed one apply goroutine. Each snapshot replaces what is
// known about its source; the goroutine then rebuilds the merged transaction
// list and the aggregate view and publishes the result. Readers get copies.
//
// A transaction's effective score comes from, in order: the first alert in
// the alert snapshot that references it and carries a score, the
// transaction's own score, or the unknown sentinel.
package live

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/finomaly/finomaly/internal/analytics"
	"github.com/finomaly/finomaly/internal/docstore"
	"github.com/finomaly/finomaly/internal/metrics"
	"github.com/finomaly/finomaly/internal/retry"
	"github.com/finomaly/finomaly/internal/risk"
	"github.com/finomaly/finomaly/internal/settings"
	"github.com/finomaly/finomaly/internal/txn"
)

// ScoreSource says where an effective score came from.
type ScoreSource string

const (
	ScoreSourceAlert       ScoreSource = "alert"
	ScoreSourceTransaction ScoreSource = "transaction"
	ScoreSourceUnknown     ScoreSource = "unknown"
)

// Item is one reconciled transaction.
type Item struct {
	ID          string      `json:"id"`
	Account     string      `json:"account"`
	Amount      float64     `json:"amount"`
	Timestamp   string      `json:"timestamp"`
	Location    string      `json:"location"`
	Status      string      `json:"status,omitempty"`
	RiskLevel   string      `json:"riskLevel,omitempty"`
	RiskScore   int         `json:"riskScore"`
	ScoreSource ScoreSource `json:"scoreSource"`
	AlertID     string      `json:"alertId,omitempty"`
	Tier        risk.Tier   `json:"tier"`
	Style       risk.Style  `json:"style"`
	LevelClass  string      `json:"levelClass"`
	StatusClass string      `json:"statusClass"`
}

// Status describes the engine's connection state.
type Status struct {
	Loading bool   `json:"loading"`
	Error   string `json:"error,omitempty"`
}

// Snapshot is everything a dashboard needs, as of one recompute.
type Snapshot struct {
	Transactions []Item              `json:"transactions"`
	Alerts       []txn.Alert         `json:"alerts"`
	View         analytics.View      `json:"view"`
	Status       Status              `json:"status"`
	Thresholds   settings.Thresholds `json:"thresholds"`
	UpdatedAt    time.Time           `json:"updatedAt"`
}

// Config tunes the engine.
type Config struct {
	// RetryBaseDelay is the first resubscribe backoff; it doubles per attempt.
	RetryBaseDelay time.Duration
	// RetryMaxDelay caps the resubscribe backoff.
	RetryMaxDelay time.Duration
}

// Engine reconciles the two live sources.
type Engine struct {
	store      docstore.Store
	thresholds func() settings.Thresholds
	logger     *slog.Logger
	cfg        Config

	// Snapshot hand-off from store callbacks to the apply goroutine.
	pendingMu sync.Mutex
	pending   map[string][]docstore.Document
	refresh   bool
	wake      chan struct{}
	errs      chan sourceError

	subMu  sync.Mutex
	unsubs map[string]func()

	// Owned by the apply goroutine.
	txDocs    []docstore.Document
	alertDocs []docstore.Document
	ready     map[string]bool
	srcErrs   map[string]string

	viewMu    sync.RWMutex
	snapshot  Snapshot
	listeners []func(Snapshot)

	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

type sourceError struct {
	collection string
	err        error
}

// New creates an engine reading from store. thresholds is consulted on every
// recompute, so settings changes apply on the next Refresh.
func New(store docstore.Store, thresholds func() settings.Thresholds, logger *slog.Logger, cfg Config) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if thresholds == nil {
		thresholds = settings.Defaults
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = 500 * time.Millisecond
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 30 * time.Second
	}
	e := &Engine{
		store:      store,
		thresholds: thresholds,
		logger:     logger,
		cfg:        cfg,
		pending:    make(map[string][]docstore.Document),
		wake:       make(chan struct{}, 1),
		errs:       make(chan sourceError, 8),
		unsubs:     make(map[string]func()),
		ready:      make(map[string]bool),
		srcErrs:    make(map[string]string),
	}
	e.snapshot = Snapshot{
		Transactions: []Item{},
		Alerts:       []txn.Alert{},
		View:         analytics.Compute(nil, thresholds()),
		Status:       Status{Loading: true},
		Thresholds:   thresholds(),
	}
	return e
}

// Start subscribes to both collections and starts the apply goroutine.
// A failed initial subscription is retried in the background like any
// later failure.
func (e *Engine) Start(ctx context.Context) error {
	if e.started {
		return nil
	}
	e.started = true
	ctx, cancel := context.WithCancel(ctx)
	e.cancel = cancel

	e.wg.Add(1)
	go e.run(ctx)

	for _, coll := range []string{docstore.CollectionTransactions, docstore.CollectionAlerts} {
		if err := e.subscribe(ctx, coll); err != nil {
			e.reportError(coll, err)
		}
	}
	e.logger.Info("live engine started")
	return nil
}

// Close unsubscribes both sources and stops the apply goroutine.
func (e *Engine) Close() {
	if !e.started {
		return
	}
	e.cancel()

	e.subMu.Lock()
	for coll, unsub := range e.unsubs {
		unsub()
		delete(e.unsubs, coll)
	}
	e.subMu.Unlock()

	e.wg.Wait()
	e.logger.Info("live engine stopped")
}

// OnUpdate registers fn to receive every published snapshot. fn runs on the
// apply goroutine and must not block.
func (e *Engine) OnUpdate(fn func(Snapshot)) {
	e.viewMu.Lock()
	e.listeners = append(e.listeners, fn)
	e.viewMu.Unlock()
}

// Snapshot returns the latest published snapshot.
func (e *Engine) Snapshot() Snapshot {
	e.viewMu.RLock()
	defer e.viewMu.RUnlock()
	return cloneSnapshot(e.snapshot)
}

// Status returns the current connection state.
func (e *Engine) Status() Status {
	e.viewMu.RLock()
	defer e.viewMu.RUnlock()
	return e.snapshot.Status
}

// Refresh asks for a recompute without new data, e.g. after thresholds change.
func (e *Engine) Refresh() {
	e.pendingMu.Lock()
	e.refresh = true
	e.pendingMu.Unlock()
	e.signal()
}

func (e *Engine) subscribe(ctx context.Context, coll string) error {
	unsub, err := e.store.Subscribe(ctx, coll,
		func(docs []docstore.Document) { e.offer(coll, docs) },
		func(err error) { e.reportError(coll, err) },
	)
	if err != nil {
		return err
	}
	e.subMu.Lock()
	if ctx.Err() != nil {
		e.subMu.Unlock()
		unsub()
		return ctx.Err()
	}
	e.unsubs[coll] = unsub
	e.subMu.Unlock()
	return nil
}

// offer stores the newest snapshot for a source. Older undelivered
// snapshots of the same source are superseded.
func (e *Engine) offer(coll string, docs []docstore.Document) {
	e.pendingMu.Lock()
	e.pending[coll] = docs
	e.pendingMu.Unlock()
	e.signal()
}

func (e *Engine) signal() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

func (e *Engine) reportError(coll string, err error) {
	select {
	case e.errs <- sourceError{collection: coll, err: err}:
	default:
		e.logger.Warn("dropping live source error", "collection", coll, "error", err)
	}
}

func (e *Engine) run(ctx context.Context) {
	defer e.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-e.wake:
			e.safeApply()
		case se := <-e.errs:
			e.handleError(ctx, se)
		}
	}
}

// safeApply wraps apply with panic recovery so one bad document cannot stop
// the engine.
func (e *Engine) safeApply() {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("panic in live apply", "panic", r)
		}
	}()
	e.apply()
}

func (e *Engine) apply() {
	e.pendingMu.Lock()
	pending := e.pending
	e.pending = make(map[string][]docstore.Document)
	refresh := e.refresh
	e.refresh = false
	e.pendingMu.Unlock()

	if len(pending) == 0 && !refresh {
		return
	}
	for coll, docs := range pending {
		switch coll {
		case docstore.CollectionTransactions:
			e.txDocs = docs
		case docstore.CollectionAlerts:
			e.alertDocs = docs
		}
		e.ready[coll] = true
		delete(e.srcErrs, coll)
	}
	e.publish()
}

func (e *Engine) handleError(ctx context.Context, se sourceError) {
	if ctx.Err() != nil {
		return
	}
	metrics.LiveSubscriptionErrorsTotal.WithLabelValues(se.collection).Inc()
	e.logger.Warn("live subscription failed", "collection", se.collection, "error", se.err)

	e.srcErrs[se.collection] = se.err.Error()
	e.ready[se.collection] = true
	e.publish()

	e.subMu.Lock()
	if unsub, ok := e.unsubs[se.collection]; ok {
		unsub()
		delete(e.unsubs, se.collection)
	}
	e.subMu.Unlock()

	e.wg.Add(1)
	go e.resubscribe(ctx, se.collection)
}

// resubscribe retries the subscription with capped exponential backoff
// until it succeeds or ctx ends. A closed store cannot be resubscribed.
func (e *Engine) resubscribe(ctx context.Context, coll string) {
	defer e.wg.Done()
	policy := retry.Policy{
		BaseDelay: e.cfg.RetryBaseDelay,
		MaxDelay:  e.cfg.RetryMaxDelay,
		OnRetry: func(attempt int, err error) {
			e.logger.Debug("live resubscribe failed", "collection", coll, "attempt", attempt, "error", err)
		},
	}
	err := policy.Do(ctx, func() error {
		return retry.Classify(e.subscribe(ctx, coll), docstore.ErrClosed)
	})
	switch {
	case err == nil:
		e.logger.Info("live subscription restored", "collection", coll)
	case ctx.Err() == nil:
		e.logger.Error("live resubscribe abandoned", "collection", coll, "error", err)
	}
}

// publish rebuilds the merged view from the current source state.
func (e *Engine) publish() {
	th := e.thresholds()
	items, alerts := Merge(e.txDocs, e.alertDocs, th)

	aggItems := make([]analytics.Item, len(items))
	for i, it := range items {
		aggItems[i] = analytics.Item{
			ID:       it.ID,
			Amount:   it.Amount,
			Location: it.Location,
			Score:    it.RiskScore,
			Known:    it.ScoreSource != ScoreSourceUnknown,
		}
	}

	snap := Snapshot{
		Transactions: items,
		Alerts:       alerts,
		View:         analytics.Compute(aggItems, th),
		Status:       e.status(),
		Thresholds:   th,
		UpdatedAt:    time.Now().UTC(),
	}

	metrics.LiveRecomputesTotal.Inc()
	metrics.LiveTransactions.Set(float64(len(items)))
	metrics.LiveAlerts.Set(float64(len(alerts)))

	e.viewMu.Lock()
	e.snapshot = snap
	listeners := append([]func(Snapshot){}, e.listeners...)
	e.viewMu.Unlock()

	for _, fn := range listeners {
		fn(cloneSnapshot(snap))
	}
}

func (e *Engine) status() Status {
	st := Status{
		Loading: !e.ready[docstore.CollectionTransactions] || !e.ready[docstore.CollectionAlerts],
	}
	if len(e.srcErrs) > 0 {
		colls := make([]string, 0, len(e.srcErrs))
		for c := range e.srcErrs {
			colls = append(colls, c)
		}
		sort.Strings(colls)
		msgs := make([]string, 0, len(colls))
		for _, c := range colls {
			msgs = append(msgs, c+": "+e.srcErrs[c])
		}
		st.Error = strings.Join(msgs, "; ")
	}
	return st
}

// Merge joins transaction documents with alert documents. It is pure and
// exported for callers that hold both snapshots already.
func Merge(txDocs, alertDocs []docstore.Document, th settings.Thresholds) ([]Item, []txn.Alert) {
	alerts := make([]txn.Alert, 0, len(alertDocs))
	index := make(map[string]txn.Alert, len(alertDocs))
	for _, d := range alertDocs {
		a := txn.AlertFromRecord(d.ID, d.Data)
		alerts = append(alerts, a)
		if a.TransactionID == "" || !a.HasScore {
			continue
		}
		if _, seen := index[a.TransactionID]; !seen {
			index[a.TransactionID] = a
		}
	}

	items := make([]Item, 0, len(txDocs))
	for _, d := range txDocs {
		r := d.Data
		n := txn.NormalizeAt(r, d.CreatedAt)
		n.ID = txn.LookupString(r, d.ID, "id")

		it := Item{
			ID:        n.ID,
			Account:   n.Account,
			Amount:    n.Amount,
			Timestamp: n.Timestamp,
			Location:  n.Location,
			Status:    txn.LookupString(r, "", "status"),
			RiskLevel: txn.LookupString(r, "", txn.LevelFields...),
		}

		if a, ok := index[it.ID]; ok {
			it.RiskScore, it.ScoreSource, it.AlertID = a.RiskScore, ScoreSourceAlert, a.ID
		} else if own, ok := txn.LookupScore(r, txn.ScoreFields...); ok {
			it.RiskScore, it.ScoreSource = own, ScoreSourceTransaction
		} else {
			it.RiskScore, it.ScoreSource = risk.UnknownScore, ScoreSourceUnknown
		}

		known := it.ScoreSource != ScoreSourceUnknown
		it.Style = risk.StyleFor(it.RiskScore, known, th, false)
		it.Tier = it.Style.Tier
		it.LevelClass = risk.LevelClass(it.RiskLevel)
		it.StatusClass = risk.StatusClass(it.Status)
		items = append(items, it)
	}
	return items, alerts
}

func cloneSnapshot(s Snapshot) Snapshot {
	out := s
	out.Transactions = clone(s.Transactions)
	out.Alerts = clone(s.Alerts)
	out.View.Locations = clone(s.View.Locations)
	out.View.Chart = clone(s.View.Chart)
	out.View.Distribution = clone(s.View.Distribution)
	return out
}

// clone copies s into a new non-nil slice.
func clone[T any](s []T) []T {
	out := make([]T, len(s))
	copy(out, s)
	return out
}
