// Package webhooks delivers high-risk alerts to external HTTP endpoints.
//
// Events are queued without blocking the caller and sent by a single worker.
// Each delivery is retried with backoff; 4xx responses are not retried.
// When a secret is configured, the JSON body is signed with HMAC-SHA256 and
// the hex digest is sent in X-Finomaly-Signature.
package webhooks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/finomaly/finomaly/internal/idgen"
	"github.com/finomaly/finomaly/internal/metrics"
	"github.com/finomaly/finomaly/internal/retry"
)

// EventType represents the type of webhook event
type EventType string

const (
	EventAlertRaised EventType = "alert.raised"
)

// Delivery headers.
const (
	HeaderEvent     = "X-Finomaly-Event"
	HeaderTimestamp = "X-Finomaly-Timestamp"
	HeaderSignature = "X-Finomaly-Signature"
)

const (
	DefaultTimeout   = 10 * time.Second
	DefaultQueueSize = 256
	DefaultAttempts  = 3
)

// Event represents a webhook event
type Event struct {
	ID        string    `json:"id"`
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data"`
}

// Config configures a Dispatcher.
type Config struct {
	URLs       []string
	Secret     string
	Timeout    time.Duration // per delivery attempt
	QueueSize  int
	Attempts   int
	BaseDelay  time.Duration
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Dispatcher sends webhook events
type Dispatcher struct {
	urls      []string
	secret    string
	timeout   time.Duration
	attempts  int
	baseDelay time.Duration
	client    *http.Client
	logger    *slog.Logger
	queue     chan *Event
}

// New creates a dispatcher. With no URLs it is disabled and Emit is a no-op.
func New(cfg Config) *Dispatcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.Attempts <= 0 {
		cfg.Attempts = DefaultAttempts
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 500 * time.Millisecond
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Dispatcher{
		urls:      cfg.URLs,
		secret:    cfg.Secret,
		timeout:   cfg.Timeout,
		attempts:  cfg.Attempts,
		baseDelay: cfg.BaseDelay,
		client:    cfg.HTTPClient,
		logger:    cfg.Logger,
		queue:     make(chan *Event, cfg.QueueSize),
	}
}

// Enabled reports whether any endpoint is configured.
func (d *Dispatcher) Enabled() bool {
	return d != nil && len(d.urls) > 0
}

// Emit queues an event for delivery. It never blocks: when the queue is
// full the event is dropped and counted.
func (d *Dispatcher) Emit(t EventType, data any) {
	if !d.Enabled() {
		return
	}
	event := &Event{
		ID:        idgen.WithPrefix("evt_"),
		Type:      t,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
	select {
	case d.queue <- event:
	default:
		metrics.WebhookDeliveriesTotal.WithLabelValues("dropped").Inc()
		d.logger.Warn("webhook queue full, dropping event", "event", t, "id", event.ID)
	}
}

// Run delivers queued events until ctx is done.
func (d *Dispatcher) Run(ctx context.Context) {
	if !d.Enabled() {
		return
	}
	d.logger.Info("webhook dispatcher started", "endpoints", len(d.urls))
	for {
		select {
		case <-ctx.Done():
			d.logger.Info("webhook dispatcher stopped", "pending", len(d.queue))
			return
		case event := <-d.queue:
			d.dispatch(ctx, event)
		}
	}
}

func (d *Dispatcher) dispatch(ctx context.Context, event *Event) {
	payload, err := json.Marshal(event)
	if err != nil {
		metrics.WebhookDeliveriesTotal.WithLabelValues("failed").Inc()
		d.logger.Error("failed to marshal webhook event", "id", event.ID, "error", err)
		return
	}
	for _, url := range d.urls {
		err := retry.Do(ctx, d.attempts, d.baseDelay, func() error {
			return d.send(ctx, url, event, payload)
		})
		if err != nil {
			metrics.WebhookDeliveriesTotal.WithLabelValues("failed").Inc()
			d.logger.Warn("webhook delivery failed", "url", url, "event", event.Type, "id", event.ID, "error", err)
			continue
		}
		metrics.WebhookDeliveriesTotal.WithLabelValues("delivered").Inc()
	}
}

func (d *Dispatcher) send(ctx context.Context, url string, event *Event, payload []byte) error {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return retry.Permanent(fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderEvent, string(event.Type))
	req.Header.Set(HeaderTimestamp, strconv.FormatInt(event.Timestamp.Unix(), 10))
	if d.secret != "" {
		req.Header.Set(HeaderSignature, Sign(payload, d.secret))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return retry.Permanent(fmt.Errorf("status %d", resp.StatusCode))
	default:
		return fmt.Errorf("status %d", resp.StatusCode)
	}
}

// Sign returns the hex HMAC-SHA256 of payload under secret.
func Sign(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}
