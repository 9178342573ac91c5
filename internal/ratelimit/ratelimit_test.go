package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestLimiter(t *testing.T, cfg Config) (*Limiter, *fakeClock) {
	t.Helper()
	l := New(cfg)
	t.Cleanup(l.Stop)
	clk := &fakeClock{t: time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC)}
	l.now = clk.now
	return l, clk
}

func upload(size int) *http.Request {
	r := httptest.NewRequest(http.MethodPost, "/api/v1/analyze", strings.NewReader(strings.Repeat("x", size)))
	r.RemoteAddr = "10.0.0.1:5000"
	return r
}

func TestTake_BurstThenRefill(t *testing.T) {
	l, clk := newTestLimiter(t, Config{PerMinute: 60, Burst: 5})

	for i := 0; i < 5; i++ {
		if ok, _ := l.take("10.0.0.1", 1); !ok {
			t.Fatalf("request %d within burst denied", i)
		}
	}
	ok, wait := l.take("10.0.0.1", 1)
	if ok {
		t.Fatal("request after burst allowed")
	}
	if wait != time.Second {
		t.Fatalf("wait = %v, want 1s", wait)
	}

	clk.advance(time.Second)
	if ok, _ := l.take("10.0.0.1", 1); !ok {
		t.Fatal("request after refill denied")
	}
}

func TestTake_ClientsAreIndependent(t *testing.T) {
	l, _ := newTestLimiter(t, Config{PerMinute: 60, Burst: 2})

	l.take("10.0.0.1", 2)
	if ok, _ := l.take("10.0.0.1", 1); ok {
		t.Fatal("exhausted client allowed")
	}
	if ok, _ := l.take("10.0.0.2", 1); !ok {
		t.Fatal("other client limited")
	}
}

func TestTake_DeniedRequestIsNotCharged(t *testing.T) {
	l, clk := newTestLimiter(t, Config{PerMinute: 60, Burst: 4})

	l.take("10.0.0.1", 3)
	if ok, _ := l.take("10.0.0.1", 4); ok {
		t.Fatal("request costing more than remaining tokens allowed")
	}
	// The denied request left the one remaining token in place.
	if ok, _ := l.take("10.0.0.1", 1); !ok {
		t.Fatal("remaining token was consumed by a denied request")
	}
	clk.advance(4 * time.Second)
	if ok, _ := l.take("10.0.0.1", 4); !ok {
		t.Fatal("full bucket denied")
	}
}

func TestCost_ChargesUploadsBySize(t *testing.T) {
	l, _ := newTestLimiter(t, AnalysisConfig())
	block := int(AnalysisConfig().BytesPerToken)

	tests := []struct {
		size int
		want int
	}{
		{0, 1},
		{1024, 1},
		{block, 1},
		{block + 1, 2},
		{3 * block, 3},
		{100 * block, AnalysisConfig().Burst},
	}
	for _, tt := range tests {
		if got := l.Cost(upload(tt.size)); got != tt.want {
			t.Errorf("Cost(%d bytes) = %d, want %d", tt.size, got, tt.want)
		}
	}

	flat, _ := newTestLimiter(t, DefaultConfig())
	if got := flat.Cost(upload(10 * block)); got != 1 {
		t.Errorf("flat Cost = %d, want 1", got)
	}
}

func TestMiddleware_LargeUploadExhaustsAnalysisBudget(t *testing.T) {
	gin.SetMode(gin.TestMode)
	l, _ := newTestLimiter(t, AnalysisConfig())
	block := int(AnalysisConfig().BytesPerToken)

	router := gin.New()
	router.Use(l.Middleware())
	router.POST("/api/v1/analyze", func(c *gin.Context) { c.Status(http.StatusAccepted) })

	w := httptest.NewRecorder()
	router.ServeHTTP(w, upload(6*block))
	if w.Code != http.StatusAccepted {
		t.Fatalf("first upload status = %d, want %d", w.Code, http.StatusAccepted)
	}

	w = httptest.NewRecorder()
	router.ServeHTTP(w, upload(10))
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("second upload status = %d, want %d", w.Code, http.StatusTooManyRequests)
	}
	// 6/min refills one token every 10s.
	if got := w.Header().Get("Retry-After"); got != "10" {
		t.Errorf("Retry-After = %q, want 10", got)
	}
	if !strings.Contains(w.Body.String(), "rate_limit_exceeded") {
		t.Errorf("body = %s", w.Body.String())
	}
}

func TestEvictIdle(t *testing.T) {
	l, clk := newTestLimiter(t, Config{PerMinute: 60, Burst: 1, IdleTTL: time.Minute})

	l.take("10.0.0.1", 1)
	clk.advance(30 * time.Second)
	l.take("10.0.0.2", 1)
	clk.advance(45 * time.Second)
	l.evictIdle()

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.buckets["10.0.0.1"]; ok {
		t.Error("idle bucket kept")
	}
	if _, ok := l.buckets["10.0.0.2"]; !ok {
		t.Error("recent bucket evicted")
	}
}

func TestAnalysisConfigStricterThanDefault(t *testing.T) {
	if AnalysisConfig().PerMinute >= DefaultConfig().PerMinute {
		t.Error("analysis limit should be stricter than the default")
	}
}

func TestStopIsIdempotent(t *testing.T) {
	l := New(DefaultConfig())
	l.Stop()
	l.Stop()
}
