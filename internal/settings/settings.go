// Package settings holds the user-editable risk thresholds and detection
// parameters, and persists them to a durable key-value entry.
package settings

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/finomaly/finomaly/internal/validation"
)

// Key is the fixed name of the durable entry holding the thresholds.
const Key = "finomaly_settings"

// Currency is a display currency. No conversion is performed.
type Currency string

const (
	CurrencyINR Currency = "INR"
	CurrencyUSD Currency = "USD"
	CurrencyEUR Currency = "EUR"
)

// Valid reports whether c is a supported currency.
func (c Currency) Valid() bool {
	switch c {
	case CurrencyINR, CurrencyUSD, CurrencyEUR:
		return true
	}
	return false
}

// Symbol returns the display symbol for the currency.
func (c Currency) Symbol() string {
	switch c {
	case CurrencyUSD:
		return "$"
	case CurrencyEUR:
		return "€"
	default:
		return "₹"
	}
}

// Thresholds is the full settings record.
type Thresholds struct {
	SafeThreshold          int      `json:"safeThreshold"`
	MediumThreshold        int      `json:"mediumThreshold"`
	AnomalyZScoreThreshold float64  `json:"anomalyZScoreThreshold"`
	RiskScaleMultiplier    int      `json:"riskScaleMultiplier"`
	Currency               Currency `json:"currency"`
	NotificationsEnabled   bool     `json:"notificationsEnabled"`
	EmailAlertsEnabled     bool     `json:"emailAlertsEnabled"`
	HighRiskOnly           bool     `json:"highRiskOnly"`
}

// Defaults returns the built-in thresholds.
func Defaults() Thresholds {
	return Thresholds{
		SafeThreshold:          50,
		MediumThreshold:        70,
		AnomalyZScoreThreshold: 2.5,
		RiskScaleMultiplier:    25,
		Currency:               CurrencyINR,
		NotificationsEnabled:   true,
		EmailAlertsEnabled:     true,
		HighRiskOnly:           false,
	}
}

// Validate checks the thresholds for coherence. The classifier accepts any
// pair; this is applied where user input enters the system.
func (t Thresholds) Validate() error {
	errs := validation.Validate(
		validation.IntRange("safeThreshold", t.SafeThreshold, 0, 100),
		validation.IntRange("mediumThreshold", t.MediumThreshold, 0, 100),
		func() *validation.ValidationError {
			if t.MediumThreshold < t.SafeThreshold {
				return &validation.ValidationError{Field: "mediumThreshold", Message: "must be greater than or equal to safeThreshold"}
			}
			return nil
		},
		validation.Positive("anomalyZScoreThreshold", t.AnomalyZScoreThreshold),
		validation.Positive("riskScaleMultiplier", float64(t.RiskScaleMultiplier)),
		validation.Required("currency", string(t.Currency)),
		validation.OneOf("currency", string(t.Currency), string(CurrencyINR), string(CurrencyUSD), string(CurrencyEUR)),
	)
	if len(errs) > 0 {
		return errs
	}
	return nil
}

// ErrNotFound is returned by a KV when the entry does not exist.
var ErrNotFound = errors.New("settings: entry not found")

// KV is a durable key-value entry store.
type KV interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
}

// Store holds the current thresholds in memory and persists them on demand.
type Store struct {
	mu     sync.RWMutex
	kv     KV
	cur    Thresholds
	logger *slog.Logger
}

// NewStore creates a store holding the defaults. Call Load to read the
// durable entry.
func NewStore(kv KV, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{kv: kv, cur: Defaults(), logger: logger}
}

// Load replaces the in-memory thresholds with the durable entry. A missing
// entry yields the defaults. Fields absent from the stored JSON keep their
// default values.
func (s *Store) Load(ctx context.Context) (Thresholds, error) {
	t, err := Read(ctx, s.kv)
	if err != nil {
		return s.Get(), err
	}
	s.mu.Lock()
	s.cur = t
	s.mu.Unlock()
	return t, nil
}

// Read decodes the durable entry from kv without touching any Store.
func Read(ctx context.Context, kv KV) (Thresholds, error) {
	data, err := kv.Get(ctx, Key)
	if errors.Is(err, ErrNotFound) {
		return Defaults(), nil
	}
	if err != nil {
		return Defaults(), fmt.Errorf("read settings: %w", err)
	}
	t := Defaults()
	if err := json.Unmarshal(data, &t); err != nil {
		return Defaults(), fmt.Errorf("decode settings: %w", err)
	}
	return t, nil
}

// Get returns a copy of the current thresholds.
func (s *Store) Get() Thresholds {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cur
}

// Update replaces the in-memory thresholds. Nothing is persisted until Save.
func (s *Store) Update(t Thresholds) {
	s.mu.Lock()
	s.cur = t
	s.mu.Unlock()
}

// Patch calls fn with a copy of the current thresholds while holding the
// store's lock and installs the copy if fn returns nil. On error the current
// thresholds are unchanged and returned with the error. Patches never
// interleave, so a partial update cannot drop a field another patch set.
func (s *Store) Patch(fn func(*Thresholds) error) (Thresholds, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.cur
	if err := fn(&t); err != nil {
		return s.cur, err
	}
	s.cur = t
	return t, nil
}

// Save persists the current in-memory thresholds. Saving twice writes the
// same bytes.
func (s *Store) Save(ctx context.Context) error {
	t := s.Get()
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("encode settings: %w", err)
	}
	if err := s.kv.Put(ctx, Key, data); err != nil {
		return fmt.Errorf("save settings: %w", err)
	}
	s.logger.Info("settings saved",
		"safe_threshold", t.SafeThreshold,
		"medium_threshold", t.MediumThreshold,
		"currency", t.Currency,
	)
	return nil
}

// Reset restores the defaults and clears the durable entry.
func (s *Store) Reset(ctx context.Context) (Thresholds, error) {
	s.Update(Defaults())
	if err := s.kv.Delete(ctx, Key); err != nil && !errors.Is(err, ErrNotFound) {
		return Defaults(), fmt.Errorf("reset settings: %w", err)
	}
	s.logger.Info("settings reset to defaults")
	return Defaults(), nil
}
