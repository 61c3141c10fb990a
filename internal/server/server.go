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
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/mbd888/giftguard/internal/actionrule"
	"github.com/mbd888/giftguard/internal/admin"
	"github.com/mbd888/giftguard/internal/circuitbreaker"
	"github.com/mbd888/giftguard/internal/cluster"
	"github.com/mbd888/giftguard/internal/config"
	"github.com/mbd888/giftguard/internal/defense"
	"github.com/mbd888/giftguard/internal/eventbus"
	"github.com/mbd888/giftguard/internal/fraudlog"
	"github.com/mbd888/giftguard/internal/health"
	"github.com/mbd888/giftguard/internal/idgen"
	"github.com/mbd888/giftguard/internal/logging"
	"github.com/mbd888/giftguard/internal/metrics"
	"github.com/mbd888/giftguard/internal/ratelimit"
	"github.com/mbd888/giftguard/internal/replay"
	"github.com/mbd888/giftguard/internal/retry"
	"github.com/mbd888/giftguard/internal/security"
	"github.com/mbd888/giftguard/internal/traces"
	"github.com/mbd888/giftguard/internal/validation"
	"github.com/mbd888/giftguard/internal/webhooks"
	"github.com/redis/go-redis/v9"
)

// Version is reported by /health and the trace resource.
const Version = "0.3.0"

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg *config.Config

	fraudLog     *fraudlog.Log
	rules        *defense.CachedStore
	defense      *defense.Service
	actionRules  *actionrule.Engine
	clusterTimer *cluster.Timer
	decayTimer   *defense.DecayTimer
	replay       *replay.Engine

	webhookStore webhooks.Store
	dispatcher   *webhooks.Dispatcher
	retryEngine  *webhooks.RetryEngine

	publisher   eventbus.Publisher
	redis       *redis.Client
	rateLimiter *ratelimit.Limiter
	health      *health.Registry
	db          *sql.DB // nil if using in-memory
	router      *gin.Engine
	httpSrv     *http.Server
	logger      *slog.Logger

	traceShutdown func(context.Context) error
	cancelRunCtx  context.CancelFunc // cancels background goroutines started in Run
	drainDelay    time.Duration

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

// WithPublisher sets the event bus publisher (for testing)
func WithPublisher(p eventbus.Publisher) Option {
	return func(s *Server) {
		s.publisher = p
	}
}

// WithDrainDelay sets how long Shutdown waits for load balancers to stop
// sending traffic before closing listeners.
func WithDrainDelay(d time.Duration) Option {
	return func(s *Server) {
		s.drainDelay = d
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:        cfg,
		logger:     logging.New(cfg.LogLevel, cfg.LogFormat),
		health:     health.NewRegistry(),
		drainDelay: 5 * time.Second,
	}

	// Apply options first (may set publisher/logger)
	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	shutdown, err := traces.Init(ctx, cfg.OTLPEndpoint, Version, s.logger)
	if err != nil {
		s.logger.Warn("failed to initialize tracing", "error", err)
	} else {
		s.traceShutdown = shutdown
	}

	// Storage: Postgres if DATABASE_URL set, otherwise in-memory
	var (
		eventStore fraudlog.Store
		ruleStore  defense.Store
	)
	if cfg.DatabaseURL != "" {
		db, err := openDB(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		s.db = db
		eventStore = fraudlog.NewPostgresStore(db)
		ruleStore = defense.NewPostgresStore(db)
		s.webhookStore = webhooks.NewPostgresStore(db)
		s.health.Register("postgres", health.PingChecker("postgres", db.PingContext))
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
	} else {
		eventStore = fraudlog.NewMemoryStore()
		ruleStore = defense.NewMemoryStore()
		s.webhookStore = webhooks.NewMemoryStore()
		s.logger.Info("using in-memory storage (data will not persist)")
	}

	// Event bus: Kafka if brokers are configured, queued so request handlers
	// never wait on broker acks
	if s.publisher == nil && len(cfg.KafkaBrokers) > 0 {
		busLogger := logging.Component(s.logger, "eventbus")
		kp, err := eventbus.NewKafkaPublisher(cfg.KafkaBrokers, busLogger)
		if err != nil {
			return nil, fmt.Errorf("failed to create kafka publisher: %w", err)
		}
		s.publisher = eventbus.NewAsync(kp, cfg.EventBusQueue, busLogger)
		s.logger.Info("kafka event bus enabled", "brokers", cfg.KafkaBrokers, "queue", cfg.EventBusQueue)
	}
	if s.publisher == nil {
		s.publisher = eventbus.Nop{}
	}

	// Redis for cross-instance delivery locks
	var locker webhooks.Locker
	if cfg.RedisURL != "" {
		client, err := webhooks.ConnectRedis(ctx, cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		s.redis = client
		locker = webhooks.NewRedisLocker(client, "giftguard:webhook:lock:", logging.Component(s.logger, "locker"))
		s.health.Register("redis", health.PingChecker("redis", func(ctx context.Context) error {
			return client.Ping(ctx).Err()
		}))
		s.logger.Info("redis delivery locks enabled")
	}

	if err := s.setupFraudDefense(eventStore, ruleStore); err != nil {
		return nil, err
	}
	s.setupWebhooks(locker)

	// Setup Gin
	if cfg.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)

	return s, nil
}

func openDB(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	// The database may still be starting next to us
	err = retry.Do(ctx, 5, 500*time.Millisecond, func() error {
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		return db.PingContext(pingCtx)
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return db, nil
}

func (s *Server) setupFraudDefense(eventStore fraudlog.Store, ruleStore defense.Store) error {
	fc := s.cfg.Fraud

	s.fraudLog = fraudlog.NewLog(eventStore, logging.Component(s.logger, "fraudlog")).
		WithTopic(eventbus.NewTopic(s.publisher, s.cfg.KafkaFraudTopic))

	s.rules = defense.NewCachedStore(ruleStore, 30*time.Second)
	s.defense = defense.NewService(s.rules, defense.Config{
		MaxMergeStep:          fc.MaxMergeStep,
		DecayGrace:            fc.DecayGrace,
		DecayPerHour:          fc.DecayPerHour,
		DeactivationThreshold: fc.DeactivationThreshold,
	}, logging.Component(s.logger, "defense"))
	s.decayTimer = defense.NewDecayTimer(s.defense, fc.DecayInterval, logging.Component(s.logger, "decay"))

	keys, err := cluster.ParseKeys(fc.ClusterKeys)
	if err != nil {
		return fmt.Errorf("invalid CLUSTER_KEYS: %w", err)
	}
	clusterLogger := logging.Component(s.logger, "cluster")
	s.clusterTimer = cluster.NewTimer(
		cluster.NewEngine(eventStore, keys, clusterLogger),
		cluster.NewPromoter(s.defense, fc.MinRuleConfidence, clusterLogger),
		cluster.TimerConfig{Interval: fc.ClusterInterval, Window: fc.ClusterWindow, MinSize: fc.MinClusterSize},
		clusterLogger,
	)

	rc := replay.DefaultConfig()
	rc.RepeatOffenderMin = fc.ReplayRepeatOffenderMin
	rc.ApplyMinConfidence = fc.ReplayApplyMinConfidence
	s.replay = replay.NewEngine(eventStore, s.rules, s.defense, rc, logging.Component(s.logger, "replay"))

	s.actionRules = actionrule.NewEngine(s.rules, s.fraudLog, logging.Component(s.logger, "actionrule")).
		WithBlockTopic(eventbus.NewTopic(s.publisher, s.cfg.KafkaBlockTopic)).
		WithAlertThrottle(fc.BlockAlertInterval).
		WithMaxInFlightAlerts(fc.BlockAlertWorkers)

	s.health.Register("cluster_timer", health.RunningChecker("cluster_timer", s.clusterTimer.Running))
	s.health.Register("decay_timer", health.RunningChecker("decay_timer", s.decayTimer.Running))
	s.logger.Info("fraud defense enabled", "cluster_keys", fc.ClusterKeys, "min_cluster_size", fc.MinClusterSize)
	return nil
}

func (s *Server) setupWebhooks(locker webhooks.Locker) {
	wc := s.cfg.Webhook
	cfg := webhooks.DefaultConfig()
	cfg.Timeout = wc.DeliveryTimeout
	cfg.Policy = retry.Policy{
		Base:   wc.RetryBaseDelay,
		Factor: wc.RetryFactor,
		Cap:    wc.RetryMaxDelay,
		Jitter: wc.RetryJitter,
	}
	cfg.MaxRetries = wc.MaxRetries
	cfg.MaxQueuedPerMerchant = wc.MaxQueuedPerMerchant
	cfg.PollInterval = wc.PollInterval
	cfg.BatchSize = wc.BatchSize
	cfg.ClaimTTL = wc.ClaimTTL

	logger := logging.Component(s.logger, "webhooks")
	s.dispatcher = webhooks.NewDispatcher(s.webhookStore, cfg, logger).
		WithValidator(security.NewEndpointValidator(wc.AllowPrivateEndpoints)).
		WithBreaker(circuitbreaker.New(cfg.BreakerThreshold, cfg.BreakerOpen))
	s.retryEngine = webhooks.NewRetryEngine(s.dispatcher, locker, logger)

	// Blocked requests alert the merchant through its defense.blocked subscriptions
	s.actionRules.WithAlerter(webhooks.NewEmitter(s.dispatcher, logger))

	s.health.Register("webhook_retry", health.RunningChecker("webhook_retry", s.retryEngine.Running))
	s.logger.Info("webhooks enabled",
		"max_retries", cfg.MaxRetries, "base_delay", cfg.Policy.Base, "max_delay", cfg.Policy.Cap)
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
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
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
	s.router.Use(security.HeadersMiddleware(s.cfg.IsProduction()))

	// CORS (merchant dashboards call the API from the browser)
	s.router.Use(security.CORSMiddleware(security.CORSConfig{Origins: s.cfg.CORSOrigins}))

	// Request size limit (1MB)
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	// Rate limiting
	rl := ratelimit.DefaultConfig()
	if s.cfg.RateLimitRPM > 0 {
		rl.RequestsPerMinute = s.cfg.RateLimitRPM
	}
	s.rateLimiter = ratelimit.New(rl)
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
		if requestID == "" || len(requestID) > 64 {
			requestID = idgen.Hex(16)
		}

		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger)
		c.Request = c.Request.WithContext(ctx)

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

	v1 := s.router.Group("/v1")

	// Request-path fraud check
	actionrule.NewHandler(s.actionRules).RegisterRoutes(v1)

	// Business events and merchant subscriptions
	webhooks.NewHandler(s.webhookStore, s.dispatcher).RegisterRoutes(v1)

	// Operator endpoints
	adminGroup := v1.Group("", admin.RequireSecret(s.cfg.AdminSecret, s.cfg.IsDevelopment()))
	admin.NewHandler().
		WithDeliveries(s.retryEngine).
		WithRules(s.defense).
		WithReplayer(s.replay).
		WithClusterScanner(s.clusterTimer).
		WithFraudEvents(s.fraudLog).
		RegisterRoutes(adminGroup)
	if s.cfg.AdminSecret == "" {
		if s.cfg.IsDevelopment() {
			s.logger.Warn("ADMIN_SECRET not set: admin endpoints are open (development only)")
		} else {
			s.logger.Warn("ADMIN_SECRET not set: admin endpoints are disabled")
		}
	}
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

// HealthResponse for health check endpoints
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Checks    []health.Status `json:"checks,omitempty"`
	Timestamp string          `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	ok, checks := s.health.CheckAll(c.Request.Context())

	status := "healthy"
	httpStatus := http.StatusOK
	if !ok {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   Version,
		Checks:    checks,
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
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	// Create a cancellable context for background goroutines so Shutdown() can stop them.
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// Channel to catch server errors
	errChan := make(chan error, 1)

	go func() {
		s.logger.Info("starting server", "port", s.cfg.Port, "env", s.cfg.Env, "version", Version)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	s.startWorkers(runCtx)

	// Mark as ready after brief delay for startup
	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

	// Wait for shutdown signal or error
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case err := <-errChan:
		_ = s.Shutdown()
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		s.logger.Info("shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
		s.logger.Info("context cancelled")
	}

	return s.Shutdown()
}

// startWorkers launches the background timers.
func (s *Server) startWorkers(ctx context.Context) {
	go s.clusterTimer.Start(ctx)
	go s.decayTimer.Start(ctx)
	go s.retryEngine.Start(ctx)
	if s.db != nil {
		go metrics.StartDBStatsCollector(ctx, s.db, 15*time.Second)
	}
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	// Cancel the context for all background goroutines
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	// Give load balancers time to stop sending traffic
	time.Sleep(s.drainDelay)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			return err
		}
	}

	s.clusterTimer.Stop()
	s.decayTimer.Stop()
	s.retryEngine.Stop()
	s.logger.Info("background workers stopped")

	// Wait for in-flight block alerts before closing their dependencies
	s.actionRules.Flush()

	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}

	if err := s.publisher.Close(); err != nil {
		s.logger.Error("event bus close error", "error", err)
	}

	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			s.logger.Error("redis close error", "error", err)
		}
	}

	if s.traceShutdown != nil {
		if err := s.traceShutdown(ctx); err != nil {
			s.logger.Error("trace shutdown error", "error", err)
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

	s.logger.Info("server stopped")
	return nil
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}
