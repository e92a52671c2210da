// Package server wires the stores, services and background loops behind the
// ops HTTP API.
package server

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/redis/go-redis/v9"

	"github.com/mbd888/crawlpilot/internal/accounts"
	"github.com/mbd888/crawlpilot/internal/audit"
	"github.com/mbd888/crawlpilot/internal/circuitbreaker"
	"github.com/mbd888/crawlpilot/internal/config"
	"github.com/mbd888/crawlpilot/internal/cookiecrypt"
	"github.com/mbd888/crawlpilot/internal/diversify"
	"github.com/mbd888/crawlpilot/internal/health"
	"github.com/mbd888/crawlpilot/internal/logging"
	"github.com/mbd888/crawlpilot/internal/metrics"
	"github.com/mbd888/crawlpilot/internal/notify"
	"github.com/mbd888/crawlpilot/internal/planner"
	"github.com/mbd888/crawlpilot/internal/policy"
	"github.com/mbd888/crawlpilot/internal/proxies"
	"github.com/mbd888/crawlpilot/internal/queue"
	"github.com/mbd888/crawlpilot/internal/quota"
	"github.com/mbd888/crawlpilot/internal/ratelimit"
	"github.com/mbd888/crawlpilot/internal/realtime"
	"github.com/mbd888/crawlpilot/internal/retry"
	"github.com/mbd888/crawlpilot/internal/security"
	"github.com/mbd888/crawlpilot/internal/selector"
	"github.com/mbd888/crawlpilot/internal/sessionhealth"
	"github.com/mbd888/crawlpilot/internal/targets"
	"github.com/mbd888/crawlpilot/internal/tasks"
	"github.com/mbd888/crawlpilot/internal/traces"
	"github.com/mbd888/crawlpilot/migrations"
)

// Version is reported by /health. Overridden at build time with -ldflags.
var Version = "0.1.0"

const (
	// MaxRequestSize bounds request bodies.
	MaxRequestSize = 1 << 20

	memoryQueueCapacity = 10000
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg *config.Config

	accounts    accounts.Store
	policies    policy.Store
	targets     targets.Store
	tasks       tasks.Store
	auditLog    *audit.Log
	notifier    *notify.Notifier
	sender      notify.Sender
	publisher   queue.Publisher
	proxies     proxies.Registry
	cookieBox   *cookiecrypt.Box
	monitor     *sessionhealth.Monitor
	evaluator   *policy.Evaluator
	selector    *selector.Selector
	variants    *diversify.Engine
	planner     *planner.Planner
	realtimeHub *realtime.Hub
	checks      *health.Registry
	rateLimiter *ratelimit.Limiter

	db            *sql.DB       // nil if using in-memory
	redis         *redis.Client // nil if using the memory proxy pool
	kafka         *queue.KafkaPublisher
	traceShutdown func(context.Context) error

	router       *gin.Engine
	httpSrv      *http.Server
	logger       *slog.Logger
	cancelRunCtx context.CancelFunc // cancels background goroutines started in Run

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

// WithPublisher replaces the work-order publisher chosen from config.
func WithPublisher(p queue.Publisher) Option {
	return func(s *Server) {
		s.publisher = p
	}
}

// WithProxyPool replaces the proxy pool chosen from config.
func WithProxyPool(p *proxies.MemoryPool) Option {
	return func(s *Server) {
		s.proxies = p
	}
}

// WithNotifySender replaces the notification sender chosen from config.
func WithNotifySender(sender notify.Sender) Option {
	return func(s *Server) {
		s.sender = sender
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, cfg.LogFormat),
	}

	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	if err := s.initStorage(ctx); err != nil {
		return nil, err
	}
	if err := s.initProxies(ctx); err != nil {
		return nil, err
	}
	if err := s.initPublisher(); err != nil {
		return nil, err
	}
	if err := s.initNotifier(ctx); err != nil {
		return nil, err
	}
	if err := s.initCookieBox(); err != nil {
		return nil, err
	}

	// Live audit stream
	s.realtimeHub = realtime.NewHub(logging.Component(s.logger, "realtime"))
	s.auditLog = audit.NewLog(s.auditStore(), logging.Component(s.logger, "audit")).
		WithPublisher(s.realtimeHub)

	s.monitor = sessionhealth.NewMonitor(s.accounts, sessionhealth.Thresholds{
		Stale:   cfg.StaleThreshold,
		Invalid: cfg.InvalidThreshold,
	}, logging.Component(s.logger, "sessionhealth")).
		WithAudit(s.auditLog).
		WithNotifier(s.notifier).
		WithInterval(cfg.HealthCheckInterval)

	usage := quota.NewAggregator(s.tasks, s.accounts, s.policies)
	s.evaluator = policy.NewEvaluator(s.policies, usage, s.accounts, policy.FromConfig(cfg.Policy),
		logging.Component(s.logger, "policy")).
		WithAudit(s.auditLog).
		WithNotifier(s.notifier)

	s.selector = selector.New(s.accounts, s.cookieBox, logging.Component(s.logger, "selector")).
		WithRequireProxy(cfg.RequireProxyDefault).
		WithAudit(s.auditLog)
	if p, ok := s.proxies.(proxies.Provider); ok {
		s.selector.WithProxies(p)
	}

	s.variants = diversify.New(cfg.Diversify)

	s.planner = planner.New(planner.Deps{
		Accounts:  s.accounts,
		Targets:   s.targets,
		Tasks:     s.tasks,
		Policy:    s.evaluator,
		Selector:  s.selector,
		Variants:  s.variants,
		Publisher: s.publisher,
	}, logging.Component(s.logger, "planner")).
		WithInterval(cfg.PlannerInterval).
		WithMaxUsers(cfg.PlannerMaxUsers)

	s.initChecks()

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)

	return s, nil
}

func (s *Server) initStorage(ctx context.Context) error {
	if s.cfg.DatabaseURL == "" {
		s.logger.Info("using in-memory storage (data will not persist)")
		s.accounts = accounts.NewMemoryStore()
		s.policies = policy.NewMemoryStore()
		s.targets = targets.NewMemoryStore()
		s.tasks = tasks.NewMemoryStore()
		return nil
	}

	db, err := sql.Open("postgres", s.cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := migrations.Up(ctx, db); err != nil {
		_ = db.Close()
		return err
	}

	s.db = db
	s.accounts = accounts.NewPostgresStore(db)
	s.policies = policy.NewPostgresStore(db)
	s.targets = targets.NewPostgresStore(db)
	s.tasks = tasks.NewPostgresStore(db)
	s.logger.Info("connected to PostgreSQL", "dsn", maskDSN(s.cfg.DatabaseURL))
	return nil
}

func (s *Server) auditStore() audit.Store {
	if s.db != nil {
		return audit.NewPostgresStore(s.db)
	}
	return audit.NewMemoryStore()
}

func (s *Server) initProxies(ctx context.Context) error {
	if s.proxies != nil {
		return nil
	}
	if s.cfg.RedisURL == "" {
		s.proxies = proxies.NewMemoryPool()
		return nil
	}
	client, err := proxies.Connect(ctx, s.cfg.RedisURL)
	if err != nil {
		return err
	}
	pool := proxies.NewRedisPool(client, logging.Component(s.logger, "proxies"))
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		_ = client.Close()
		return fmt.Errorf("failed to connect to redis: %w", err)
	}
	s.redis = client
	s.proxies = pool
	s.logger.Info("using redis proxy pool")
	return nil
}

func (s *Server) initPublisher() error {
	if s.publisher != nil {
		return nil
	}
	if len(s.cfg.KafkaBrokers) == 0 {
		s.logger.Info("using in-memory work queue")
		s.publisher = queue.NewMemoryQueue(memoryQueueCapacity)
		return nil
	}
	kp, err := queue.NewKafkaPublisher(s.cfg.KafkaBrokers, s.cfg.KafkaTopic)
	if err != nil {
		return err
	}
	s.kafka = kp
	s.publisher = kp
	s.logger.Info("publishing work orders to kafka", "topic", s.cfg.KafkaTopic)
	return nil
}

func (s *Server) initNotifier(ctx context.Context) error {
	if s.sender == nil {
		if s.cfg.NotifyWebhookURL != "" {
			if s.cfg.IsProduction() {
				if err := security.ValidateWebhookURL(ctx, s.cfg.NotifyWebhookURL, net.DefaultResolver); err != nil {
					return fmt.Errorf("NOTIFY_WEBHOOK_URL: %w", err)
				}
			}
			s.sender = notify.NewWebhookSender(s.cfg.NotifyWebhookURL, s.cfg.NotifyWebhookSecret).
				WithBreaker(circuitbreaker.New(5, time.Minute)).
				WithRetry(retry.DefaultPolicy())
		} else {
			s.sender = notify.NewLogSender(logging.Component(s.logger, "notify"))
		}
	}
	s.notifier = notify.New(s.sender, logging.Component(s.logger, "notify"))
	return nil
}

// initCookieBox derives the cookie key. Outside production a missing
// passphrase gets a random one, so sessions synced by this process cannot
// be decrypted after a restart.
func (s *Server) initCookieBox() error {
	pass := s.cfg.CookiePassphrase
	if pass == "" && !s.cfg.IsProduction() {
		buf := make([]byte, 32)
		if _, err := rand.Read(buf); err != nil {
			return fmt.Errorf("generate cookie passphrase: %w", err)
		}
		pass = hex.EncodeToString(buf)
		s.logger.Warn("COOKIE_PASSPHRASE not set, using an ephemeral key")
	}
	box, err := cookiecrypt.NewBox(pass, s.cfg.CookieKeySalt)
	if err != nil {
		return err
	}
	s.cookieBox = box
	return nil
}

func (s *Server) initChecks() {
	s.checks = health.NewRegistry()
	if s.db != nil {
		s.checks.Register("database", health.Ping(s.db.PingContext))
	}
	if pool, ok := s.proxies.(*proxies.RedisPool); ok {
		s.checks.Register("redis", health.Ping(pool.Ping))
	}
	s.checks.Register("planner", health.Running(s.planner.Running))
	s.checks.Register("session_monitor", health.Running(s.monitor.Running))
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

	s.router.Use(security.HeadersMiddleware())
	s.router.Use(security.RequestSizeMiddleware(MaxRequestSize))

	s.rateLimiter = ratelimit.New(ratelimit.DefaultConfig())
	s.router.Use(s.rateLimiter.Middleware())

	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Check for existing request ID (from load balancer, etc.)
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = generateRequestID()
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
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())
	s.router.GET("/ws", gin.WrapH(s.realtimeHub))

	v1 := s.router.Group("/v1")
	v1.Use(security.BearerAuth(s.cfg.OpsAPIKey))

	planner.NewHandler(s.planner).RegisterRoutes(v1)
	sessionhealth.NewHandler(s.monitor).RegisterRoutes(v1)
	selector.NewHandler(s.selector).RegisterRoutes(v1)
	policy.NewHandler(s.policies, s.evaluator).RegisterRoutes(v1)
	diversify.NewHandler(s.variants).RegisterRoutes(v1)
	targets.NewHandler(s.targets).RegisterRoutes(v1)
	accounts.NewHandler(s.accounts, s.cookieBox).RegisterRoutes(v1)
	tasks.NewHandler(s.tasks, &sessionFeedback{monitor: s.monitor, accounts: s.accounts},
		logging.Component(s.logger, "tasks")).RegisterRoutes(v1)
	audit.NewHandler(s.auditLog).RegisterRoutes(v1)
	proxies.NewHandler(s.proxies).RegisterRoutes(v1)

	v1.GET("/realtime/stats", s.realtimeStatsHandler)
}

// HealthResponse represents health check response
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Checks    []health.Status `json:"checks,omitempty"`
	Timestamp string          `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	ok, statuses := s.checks.CheckAll(c.Request.Context())

	status := "healthy"
	httpStatus := http.StatusOK
	if !ok {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   Version,
		Checks:    statuses,
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

func (s *Server) realtimeStatsHandler(c *gin.Context) {
	c.JSON(http.StatusOK, s.realtimeHub.Stats())
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server and background loops, and blocks until a
// signal, ctx cancellation or a listener error.
func (s *Server) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	shutdown, err := traces.Init(runCtx, s.cfg.OTLPEndpoint, Version, s.logger)
	if err != nil {
		s.logger.Error("tracing init failed, continuing without it", "error", err)
	} else {
		s.traceShutdown = shutdown
	}

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errChan := make(chan error, 1)

	go func() {
		s.logger.Info("starting server", "port", s.cfg.Port, "env", s.cfg.Env)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	go s.realtimeHub.Run(runCtx)
	go s.monitor.Start(runCtx)
	go s.planner.Start(runCtx)
	go s.sweepCaches(runCtx)

	go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)

	// Mark as ready after brief delay for startup
	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

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

// sweepCaches evicts expired policy cache entries once a minute.
func (s *Server) sweepCaches(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.evaluator.SweepCache(); n > 0 {
				s.logger.Debug("policy cache swept", "evicted", n)
			}
		}
	}
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	// Loops exit on Stop; the run context covers the hub and collectors.
	s.planner.Stop()
	s.monitor.Stop()
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

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

	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}

	if s.kafka != nil {
		if err := s.kafka.Close(); err != nil {
			s.logger.Error("kafka close error", "error", err)
		}
	}

	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			s.logger.Error("redis close error", "error", err)
		}
	}

	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		} else {
			s.logger.Info("database connection closed")
		}
	}

	if s.traceShutdown != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.traceShutdown(ctx); err != nil {
			s.logger.Error("trace flush error", "error", err)
		}
	}

	s.logger.Info("server stopped")
	return shutdownErr
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Planner exposes the planner for tests and embedding.
func (s *Server) Planner() *planner.Planner {
	return s.planner
}

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

func generateRequestID() string {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(bytes)
}
