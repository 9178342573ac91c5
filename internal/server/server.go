// Package server sets up the HTTP server with all routes
package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"

	"github.com/finomaly/finomaly/internal/config"
	"github.com/finomaly/finomaly/internal/dashboard"
	"github.com/finomaly/finomaly/internal/docstore"
	"github.com/finomaly/finomaly/internal/feed"
	"github.com/finomaly/finomaly/internal/health"
	"github.com/finomaly/finomaly/internal/idgen"
	"github.com/finomaly/finomaly/internal/live"
	"github.com/finomaly/finomaly/internal/logging"
	"github.com/finomaly/finomaly/internal/metrics"
	"github.com/finomaly/finomaly/internal/ratelimit"
	"github.com/finomaly/finomaly/internal/realtime"
	"github.com/finomaly/finomaly/internal/scoring"
	"github.com/finomaly/finomaly/internal/security"
	"github.com/finomaly/finomaly/internal/settings"
	"github.com/finomaly/finomaly/internal/traces"
	"github.com/finomaly/finomaly/internal/validation"
	"github.com/finomaly/finomaly/internal/webhooks"
	"github.com/finomaly/finomaly/migrations"
)

// Version is reported by the health endpoint.
const Version = "0.1.0"

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg            *config.Config
	db             *sql.DB       // nil if using in-memory
	redis          *redis.Client // nil unless the redis settings backend is selected
	docs           docstore.Store
	pgDocs         *docstore.PostgresStore // set when docs is Postgres-backed
	settings       *settings.Store
	analyzer       *scoring.Analyzer
	engine         *live.Engine
	notifier       *dashboard.Notifier
	realtimeHub    *realtime.Hub
	webhooks       *webhooks.Dispatcher
	readers        []*kafka.Reader
	consumers      []*feed.Consumer
	health         *health.Registry
	rateLimiter    *ratelimit.Limiter
	analyzeLimiter *ratelimit.Limiter
	router         *gin.Engine
	httpSrv        *http.Server
	logger         *slog.Logger
	shutdownTraces func(context.Context) error
	cancelRunCtx   context.CancelFunc // cancels background goroutines started in Run
	bg             sync.WaitGroup

	// Health state
	ready   atomic.Bool
	healthy atomic.Bool
}

// Option configures the server
type Option func(*Server)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithDocumentStore sets the document store (for testing)
func WithDocumentStore(store docstore.Store) Option {
	return func(s *Server) {
		s.docs = store
	}
}

// WithSettingsKV sets the settings backend (for testing)
func WithSettingsKV(kv settings.KV) Option {
	return func(s *Server) {
		s.settings = settings.NewStore(kv, s.logger)
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, cfg.LogFormat),
		health: health.NewRegistry(),
	}

	// Apply options first (may set logger/stores)
	for _, opt := range opts {
		opt(s)
	}

	// Context for initialization
	ctx := context.Background()

	shutdownTraces, err := traces.Init(ctx, cfg.OTLPEndpoint, cfg.Env, s.logger)
	if err != nil {
		s.logger.Warn("failed to initialize tracing", "error", err)
		shutdownTraces = func(context.Context) error { return nil }
	}
	s.shutdownTraces = shutdownTraces

	if cfg.DatabaseURL != "" {
		if err := s.openDatabase(ctx); err != nil {
			return nil, err
		}
	}

	if err := s.setupSettings(ctx); err != nil {
		s.closeStores()
		return nil, err
	}

	if err := s.setupDocuments(ctx); err != nil {
		s.closeStores()
		return nil, err
	}

	s.setupScoring()

	s.engine = live.New(s.docs, s.settings.Get, logging.Component(s.logger, "live"), live.Config{})
	s.health.RegisterReadiness(health.StateChecker("live", func() string {
		st := s.engine.Status()
		switch {
		case st.Error != "":
			return st.Error
		case st.Loading:
			return "loading"
		}
		return ""
	}))

	// Create realtime hub for WebSocket streaming
	s.realtimeHub = realtime.NewHub(logging.Component(s.logger, "realtime"), s.cfg.CORSOrigins)
	s.notifier = dashboard.NewNotifier(s.realtimeHub)
	s.engine.OnUpdate(s.notifier.OnSnapshot)
	s.analyzer.OnComplete(s.notifier.OnAnalysis)
	s.logger.Info("realtime streaming enabled")

	s.webhooks = webhooks.New(webhooks.Config{
		URLs:   cfg.AlertWebhookURLs,
		Secret: cfg.AlertWebhookSecret,
		Logger: logging.Component(s.logger, "webhooks"),
	})
	if s.webhooks.Enabled() {
		s.notifier.OnExternalAlert(func(a realtime.AlertData) {
			s.webhooks.Emit(webhooks.EventAlertRaised, a)
		})
		s.logger.Info("alert webhooks enabled", "endpoints", len(cfg.AlertWebhookURLs))
	}

	if cfg.StreamEnabled() {
		s.setupFeed()
	}

	// Configure gin
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)

	return s, nil
}

func (s *Server) openDatabase(ctx context.Context) error {
	db, err := sql.Open("postgres", s.cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	// Test connection
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := migrations.Up(ctx, db); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to apply migrations: %w", err)
	}

	s.db = db
	s.health.Register(health.PingChecker("database", db.PingContext))
	s.logger.Info("using PostgreSQL storage", "url", maskDSN(s.cfg.DatabaseURL))
	return nil
}

// setupSettings selects the durable backend for the thresholds and loads
// the saved entry. A corrupt entry falls back to defaults.
func (s *Server) setupSettings(ctx context.Context) error {
	if s.settings == nil {
		var kv settings.KV
		switch s.cfg.SettingsBackend {
		case "postgres":
			if s.db == nil {
				return fmt.Errorf("postgres settings backend requires DATABASE_URL")
			}
			kv = settings.NewPostgresKV(s.db)
		case "redis":
			client, err := settings.NewRedisClient(ctx, s.cfg.RedisURL)
			if err != nil {
				return fmt.Errorf("failed to connect to redis: %w", err)
			}
			s.redis = client
			kv = settings.NewRedisKV(client, "finomaly:")
			s.health.Register(health.PingChecker("redis", func(ctx context.Context) error {
				return client.Ping(ctx).Err()
			}))
		default:
			kv = settings.NewFileKV(s.cfg.SettingsPath)
		}
		s.settings = settings.NewStore(kv, logging.Component(s.logger, "settings"))
	}

	t, err := s.settings.Load(ctx)
	if err != nil {
		s.logger.Warn("failed to load saved settings, using defaults", "error", err)
		return nil
	}
	s.logger.Info("settings loaded",
		"backend", s.cfg.SettingsBackend,
		"safe_threshold", t.SafeThreshold,
		"medium_threshold", t.MediumThreshold,
	)
	return nil
}

func (s *Server) setupDocuments(ctx context.Context) error {
	if s.docs == nil {
		if s.db != nil {
			pg := docstore.NewPostgresStore(s.db, s.cfg.DatabaseURL, logging.Component(s.logger, "docstore"))
			if err := pg.Start(ctx); err != nil {
				return fmt.Errorf("failed to start document store: %w", err)
			}
			s.pgDocs = pg
			s.docs = pg
		} else {
			s.docs = docstore.NewMemoryStore()
			s.logger.Info("using in-memory document store (data will not persist)")
		}
	}
	s.health.Register(health.PingChecker("documents", s.docs.Ping))

	if s.cfg.SeedSampleData {
		for _, rec := range dashboard.SampleTransactions(time.Now()) {
			id, _ := rec["transactionId"].(string)
			if _, err := s.docs.Put(ctx, docstore.CollectionTransactions, id, rec); err != nil {
				s.logger.Warn("failed to seed sample transaction", "id", id, "error", err)
			}
		}
		s.logger.Info("sample transactions seeded")
	}
	return nil
}

func (s *Server) setupScoring() {
	httpClient := &http.Client{Timeout: s.cfg.ScoringTimeout + 5*time.Second}
	scfg := scoring.Config{
		BaseURL:         s.cfg.ScoringURL,
		Timeout:         s.cfg.ScoringTimeout,
		BreakerTrips:    s.cfg.BreakerTrips,
		BreakerCooldown: s.cfg.BreakerCooldown,
		HTTPClient:      httpClient,
		Logger:          logging.Component(s.logger, "scoring"),
	}

	var runs scoring.RunStore
	if s.db != nil {
		runs = scoring.NewPostgresRunStore(s.db)
	} else {
		runs = scoring.NewMemoryRunStore()
	}

	mode, err := scoring.ParseMode(s.cfg.ScoringMode)
	if err != nil {
		mode = scoring.ModeBatch
	}
	s.analyzer = scoring.NewAnalyzer(mode, runs, logging.Component(s.logger, "analyzer"),
		scoring.NewBatchScorer(scfg),
		scoring.NewSequentialScorer(scfg),
	)

	s.health.Register(health.HTTPChecker("scoring", httpClient, s.cfg.ScoringURL+scoring.PathHealth))
	s.logger.Info("scoring client configured", "url", s.cfg.ScoringURL, "mode", mode)
}

func (s *Server) setupFeed() {
	logger := logging.Component(s.logger, "feed")
	txReader := feed.NewReader(s.cfg.KafkaBrokers, s.cfg.KafkaTransactionsTopic, s.cfg.KafkaGroupID)
	alertReader := feed.NewReader(s.cfg.KafkaBrokers, s.cfg.KafkaAlertsTopic, s.cfg.KafkaGroupID)
	s.readers = []*kafka.Reader{txReader, alertReader}
	s.consumers = []*feed.Consumer{
		feed.TransactionConsumer(txReader, s.docs, s.cfg.KafkaTransactionsTopic, logger),
		feed.AlertConsumer(alertReader, s.docs, s.cfg.KafkaAlertsTopic, logger),
	}
	s.logger.Info("live stream enabled",
		"brokers", s.cfg.KafkaBrokers,
		"transactions_topic", s.cfg.KafkaTransactionsTopic,
		"alerts_topic", s.cfg.KafkaAlertsTopic,
	)
}

// maskDSN hides password in connection string for logging
func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "***"
	}
	if u.User != nil {
		u.User = url.UserPassword(u.User.Username(), "***")
	}
	return u.String()
}

// -----------------------------------------------------------------------------
// Middleware
// -----------------------------------------------------------------------------

func (s *Server) setupMiddleware() {
	// Recovery with logging
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered any) {
		logging.L(c.Request.Context()).Error("panic recovered",
			"error", recovered,
			"path", c.Request.URL.Path,
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "An unexpected error occurred",
		})
	}))

	// Security headers
	s.router.Use(security.DefaultPolicy().Middleware())

	// CORS
	s.router.Use(security.CORS(s.cfg.CORSOrigins))

	// Rate limiting
	rl := ratelimit.DefaultConfig()
	if s.cfg.RateLimitRPM > 0 {
		rl.PerMinute = s.cfg.RateLimitRPM
	}
	s.rateLimiter = ratelimit.New(rl)
	s.analyzeLimiter = ratelimit.New(ratelimit.AnalysisConfig())
	s.router.Use(s.rateLimiter.Middleware())

	// Prometheus metrics
	s.router.Use(metrics.Middleware())

	// Request ID
	s.router.Use(s.requestIDMiddleware())

	// Logging
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Check for existing request ID (from load balancer, etc.)
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" || !validation.IsValidID(requestID) {
			requestID = idgen.Hex(16)
		}

		// Add to context
		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger)
		c.Request = c.Request.WithContext(ctx)

		// Set response header
		c.Header("X-Request-ID", requestID)

		c.Next()
	}
}

func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()

		logger := logging.L(c.Request.Context())

		// Log level based on status code
		switch {
		case status >= 500:
			logger.Error("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
				"client_ip", c.ClientIP(),
			)
		case status >= 400:
			logger.Warn("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		default:
			logger.Debug("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		}
	}
}

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	// Health & metrics endpoints
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	// WebSocket for real-time streaming
	s.router.GET("/ws", func(c *gin.Context) {
		s.realtimeHub.HandleWebSocket(c.Writer, c.Request)
	})

	v1 := s.router.Group("/api/v1")
	v1.Use(validation.RequestSizeMiddlewareExcept(validation.MaxRequestSize, "/api/v1/analyze"))
	v1.GET("/info", s.infoHandler)
	v1.GET("/realtime/stats", func(c *gin.Context) {
		c.JSON(http.StatusOK, s.realtimeHub.Stats())
	})

	h := dashboard.NewHandler(dashboard.Deps{
		Analyzer:       s.analyzer,
		Live:           s.engine,
		Documents:      s.docs,
		Settings:       s.settings,
		Events:         s.realtimeHub,
		MaxUploadBytes: s.cfg.MaxUploadBytes,
		Logger:         logging.Component(s.logger, "dashboard"),
	})
	h.RegisterRoutes(v1, s.analyzeLimiter.Middleware())
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

// HealthResponse for health check endpoints
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Checks    []health.Status `json:"checks,omitempty"`
	Live      live.Status     `json:"live"`
	Timestamp string          `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	healthy, checks := s.health.CheckAll(ctx)
	liveStatus := s.engine.Status()

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy || liveStatus.Error != "" {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   Version,
		Checks:    checks,
		Live:      liveStatus,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) livenessHandler(c *gin.Context) {
	if !s.healthy.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

func (s *Server) readinessHandler(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}
	ready, checks := s.health.Ready(c.Request.Context())
	if !ready {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready", "checks": checks})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready", "checks": checks})
}

func (s *Server) infoHandler(c *gin.Context) {
	t := s.settings.Get()
	c.JSON(http.StatusOK, gin.H{
		"name":           "Finomaly",
		"description":    "Financial transaction risk monitor",
		"version":        Version,
		"scoringMode":    s.analyzer.DefaultMode(),
		"streamEnabled":  s.cfg.StreamEnabled(),
		"currency":       t.Currency,
		"currencySymbol": t.Currency.Symbol(),
	})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Start launches the background components without serving HTTP.
func (s *Server) Start(ctx context.Context) error {
	// Create a cancellable context for background goroutines so Shutdown() can stop them.
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	// Start realtime hub
	s.goSafe("realtime hub", func() { s.realtimeHub.Run(runCtx) })

	if s.webhooks.Enabled() {
		s.goSafe("webhooks", func() { s.webhooks.Run(runCtx) })
	}

	if err := s.engine.Start(runCtx); err != nil {
		return fmt.Errorf("failed to start live engine: %w", err)
	}

	for _, c := range s.consumers {
		s.goSafe("feed consumer", func() { _ = c.Run(runCtx) })
	}

	if s.db != nil {
		s.goSafe("db stats", func() { metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second) })
	}
	return nil
}

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	if err := s.Start(ctx); err != nil {
		return err
	}

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       time.Minute, // uploads
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      s.cfg.ScoringTimeout*2 + 30*time.Second, // sequential analyses hold the request open
		IdleTimeout:       60 * time.Second,
	}

	// Channel to catch server errors
	errChan := make(chan error, 1)

	// Start server in goroutine
	go func() {
		s.logger.Info("starting server",
			"port", s.cfg.Port,
			"scoring_url", s.cfg.ScoringURL,
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Mark as ready after brief delay for startup
	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

	// Wait for shutdown signal or error
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errChan:
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		s.logger.Info("shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
		s.logger.Info("context cancelled")
	}

	return s.Shutdown()
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	var shutdownErr error
	if s.httpSrv != nil {
		// Give load balancers time to stop sending traffic
		time.Sleep(5 * time.Second)

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			shutdownErr = err
		}
	}

	// Cancel the context for all background goroutines (hub, engine, consumers)
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	// Release the live subscriptions before the store goes away
	s.engine.Close()
	s.logger.Info("live engine stopped")

	for _, r := range s.readers {
		if err := r.Close(); err != nil {
			s.logger.Warn("kafka reader close error", "error", err)
		}
	}
	s.bg.Wait()

	// Stop rate limiter cleanup goroutines
	s.rateLimiter.Stop()
	s.analyzeLimiter.Stop()

	s.closeStores()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.shutdownTraces(ctx); err != nil {
		s.logger.Warn("trace exporter shutdown error", "error", err)
	}

	s.logger.Info("server stopped")
	return shutdownErr
}

func (s *Server) closeStores() {
	if s.docs != nil {
		if err := s.docs.Close(); err != nil {
			s.logger.Error("document store close error", "error", err)
		}
	}

	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			s.logger.Error("redis close error", "error", err)
		}
	}

	// Close database connection pool
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		} else {
			s.logger.Info("database connection closed")
		}
	}
}

// goSafe runs fn in a tracked goroutine, recovering panics so a failing
// background component cannot take down the process.
func (s *Server) goSafe(name string, fn func()) {
	s.bg.Add(1)
	go func() {
		defer s.bg.Done()
		defer func() {
			if r := recover(); r != nil {
				s.logger.Error("panic in background component", "component", name, "panic", fmt.Sprint(r))
			}
		}()
		fn()
	}()
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}
