// Package ratelimit throttles API clients by IP with a token bucket per
// client. Analysis uploads are charged by size: every row of an uploaded CSV
// can turn into a request to the scoring service, so a large file costs
// more than a small one.
package ratelimit

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/finomaly/finomaly/internal/metrics"
)

// Config configures a Limiter.
type Config struct {
	// Name labels rejections in metrics.
	Name string
	// PerMinute is the sustained rate of tokens per client.
	PerMinute int
	// Burst is the bucket size, and the most a single request can cost.
	Burst int
	// BytesPerToken charges requests one token per started block of body
	// bytes, as declared by Content-Length. Zero charges one token each.
	BytesPerToken int64
	// IdleTTL is how long an idle client's bucket is kept.
	IdleTTL time.Duration
}

// DefaultConfig limits every API route.
func DefaultConfig() Config {
	return Config{
		Name:      "api",
		PerMinute: 60,
		Burst:     10,
		IdleTTL:   2 * time.Minute,
	}
}

// AnalysisConfig limits CSV uploads for scoring: six small uploads a minute,
// with every started 512 KiB of CSV costing one token.
func AnalysisConfig() Config {
	return Config{
		Name:          "analyze",
		PerMinute:     6,
		Burst:         6,
		BytesPerToken: 512 << 10,
		IdleTTL:       2 * time.Minute,
	}
}

type bucket struct {
	lim  *rate.Limiter
	seen time.Time
}

// Limiter holds one bucket per client key.
type Limiter struct {
	cfg   Config
	every rate.Limit
	now   func() time.Time

	mu      sync.Mutex
	buckets map[string]*bucket

	stop chan struct{}
	once sync.Once
}

// New creates a limiter and starts evicting idle buckets.
func New(cfg Config) *Limiter {
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = 2 * time.Minute
	}
	l := &Limiter{
		cfg:     cfg,
		every:   rate.Limit(float64(cfg.PerMinute) / 60),
		now:     time.Now,
		buckets: make(map[string]*bucket),
		stop:    make(chan struct{}),
	}
	go l.evictLoop()
	return l
}

// Stop ends eviction. Safe to call more than once.
func (l *Limiter) Stop() {
	l.once.Do(func() { close(l.stop) })
}

func (l *Limiter) evictLoop() {
	ticker := time.NewTicker(l.cfg.IdleTTL)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.evictIdle()
		case <-l.stop:
			return
		}
	}
}

func (l *Limiter) evictIdle() {
	cutoff := l.now().Add(-l.cfg.IdleTTL)
	l.mu.Lock()
	defer l.mu.Unlock()
	for key, b := range l.buckets {
		if b.seen.Before(cutoff) {
			delete(l.buckets, key)
		}
	}
}

// Cost returns the number of tokens r is charged.
func (l *Limiter) Cost(r *http.Request) int {
	if l.cfg.BytesPerToken <= 0 || r.ContentLength <= l.cfg.BytesPerToken {
		return 1
	}
	n := int((r.ContentLength + l.cfg.BytesPerToken - 1) / l.cfg.BytesPerToken)
	return min(n, l.cfg.Burst)
}

// take charges key n tokens. When they are not available nothing is
// charged and the wait until they would be is returned.
func (l *Limiter) take(key string, n int) (bool, time.Duration) {
	now := l.now()

	l.mu.Lock()
	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{lim: rate.NewLimiter(l.every, l.cfg.Burst)}
		l.buckets[key] = b
	}
	b.seen = now
	l.mu.Unlock()

	r := b.lim.ReserveN(now, n)
	if !r.OK() {
		return false, time.Minute
	}
	if wait := r.DelayFrom(now); wait > 0 {
		r.CancelAt(now)
		return false, wait
	}
	return true, 0
}

// Middleware rejects requests over the limit with 429 and Retry-After.
func (l *Limiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ok, wait := l.take(c.ClientIP(), l.Cost(c.Request))
		if ok {
			c.Next()
			return
		}
		retryAfter := max(int(math.Ceil(wait.Seconds())), 1)
		metrics.RateLimitedTotal.WithLabelValues(l.cfg.Name).Inc()
		c.Header("Retry-After", strconv.Itoa(retryAfter))
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
			"error":       "rate_limit_exceeded",
			"message":     "Too many requests. Please slow down.",
			"retry_after": retryAfter,
		})
	}
}
