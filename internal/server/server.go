// Package server sets up the HTTP server with all routes
package server

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
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

	"github.com/trustwire/trustwire/internal/activity"
	"github.com/trustwire/trustwire/internal/alerts"
	"github.com/trustwire/trustwire/internal/anomaly"
	"github.com/trustwire/trustwire/internal/cluster"
	"github.com/trustwire/trustwire/internal/config"
	"github.com/trustwire/trustwire/internal/contagion"
	"github.com/trustwire/trustwire/internal/events"
	"github.com/trustwire/trustwire/internal/health"
	"github.com/trustwire/trustwire/internal/leakage"
	"github.com/trustwire/trustwire/internal/logging"
	"github.com/trustwire/trustwire/internal/metrics"
	"github.com/trustwire/trustwire/internal/notify"
	"github.com/trustwire/trustwire/internal/ratelimit"
	"github.com/trustwire/trustwire/internal/realtime"
	"github.com/trustwire/trustwire/internal/relationship"
	"github.com/trustwire/trustwire/internal/security"
	"github.com/trustwire/trustwire/internal/signals"
	"github.com/trustwire/trustwire/internal/traces"
	"github.com/trustwire/trustwire/internal/validation"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server, the event bus, and the detector wiring.
type Server struct {
	cfg *config.Config

	bus     events.Bus
	emitter *events.Emitter

	signalStore signals.Store
	graphStore  relationship.Store
	leakStore   leakage.Store
	actStore    activity.Store
	alertStore  alerts.Store
	subStore    notify.Store

	clusterDet *cluster.Detector
	dispatcher *notify.Dispatcher
	hub        *realtime.Hub

	healthReg   *health.Registry
	rateLimiter *ratelimit.Limiter
	db          *sql.DB // nil if using in-memory
	router      *gin.Engine
	httpSrv     *http.Server
	logger      *slog.Logger

	cancelRunCtx   context.CancelFunc          // cancels background goroutines started in Run
	shutdownTraces func(context.Context) error // flushes the OTLP exporter, nil if tracing is off

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

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, cfg.LogFormat),
	}

	// Apply options first (may set logger)
	for _, opt := range opts {
		opt(s)
	}

	// Storage (Postgres if DATABASE_URL set, otherwise in-memory)
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}

		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		if err := db.Ping(); err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}

		s.db = db
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))

		s.bus = events.NewDurableBus(s.logger, events.DurableStores{
			Pending:    events.NewPostgresPendingStore(db),
			Processed:  events.NewPostgresProcessedStore(db),
			DeadLetter: events.NewPostgresDeadLetterStore(db),
			Audit:      events.NewPostgresAuditStore(db),
		})
		s.signalStore = signals.NewPostgresStore(db)
		s.graphStore = relationship.NewPostgresStore(db)
		s.leakStore = leakage.NewPostgresStore(db)
		s.actStore = activity.NewPostgresStore(db)
		s.alertStore = alerts.NewPostgresStore(db)
		s.subStore = notify.NewPostgresStore(db)
	} else {
		s.logger.Warn("DATABASE_URL not set, using in-memory storage (no durability)")
		s.bus = events.NewInMemoryBus(s.logger, events.NewMemoryAuditStore())
		s.signalStore = signals.NewMemoryStore()
		s.graphStore = relationship.NewMemoryStore()
		s.leakStore = leakage.NewMemoryStore()
		s.actStore = activity.NewMemoryStore()
		s.alertStore = alerts.NewMemoryStore()
		s.subStore = notify.NewMemoryStore()
	}

	if cfg.ConsumerTimeout > 0 {
		switch b := s.bus.(type) {
		case *events.DurableBus:
			b.WithConsumerTimeout(cfg.ConsumerTimeout)
		case *events.InMemoryBus:
			b.WithConsumerTimeout(cfg.ConsumerTimeout)
		}
	}

	s.emitter = events.NewEmitter(s.bus, s.logger)

	// Webhook fan-out. Detectors write alerts through the sink so every
	// insert is also dispatched to subscribers.
	s.dispatcher = notify.NewDispatcher(s.subStore, s.logger).WithDefaultSecret(cfg.WebhookSecret)
	alertSink := notify.NewSink(s.alertStore, s.dispatcher)

	// Detector wiring. Registration order matters: the activity recorder
	// runs before the anomaly rules so their window queries include the
	// triggering event, and the relationship detector runs before the
	// graph detectors that read its edges.
	relationship.NewDetector(s.graphStore, s.emitter, s.logger).Register(s.bus)

	recorder := activity.NewRecorder(s.actStore, s.logger)
	recorder.Register(s.bus)

	anomaly.NewDetector(s.signalStore, s.logger, anomaly.DefaultRules(s.actStore)...).Register(s.bus)

	contagion.NewDetector(s.graphStore, s.signalStore, s.logger).Register(s.bus)

	s.clusterDet = cluster.NewDetector(s.graphStore, s.signalStore, alertSink, s.logger, cluster.Config{
		EvalDelay:   cfg.ClusterEvalDelay,
		AlertWindow: cfg.ClusterAlertWindow,
	})
	s.clusterDet.Register(s.bus)

	leakage.NewDetector(s.leakStore, s.signalStore, s.actStore, s.emitter, s.logger, cfg.LeakageWindow).Register(s.bus)
	leakage.NewAlerter(alertSink, s.logger).Register(s.bus)

	// Realtime streaming of envelopes over WebSocket.
	s.hub = realtime.NewHub(s.logger)
	s.hub.AttachBus(s.bus)

	// Health checks
	s.healthReg = health.NewRegistry()
	if s.db != nil {
		s.healthReg.Register("database", func(ctx context.Context) health.Status {
			ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
			defer cancel()
			if err := s.db.PingContext(ctx); err != nil {
				return health.Status{Name: "database", Healthy: false, Detail: err.Error()}
			}
			return health.Status{Name: "database", Healthy: true}
		})
	}
	s.healthReg.Register("bus", func(ctx context.Context) health.Status {
		if _, err := s.bus.DeadLetters(ctx); err != nil {
			return health.Status{Name: "bus", Healthy: false, Detail: err.Error()}
		}
		return health.Status{Name: "bus", Healthy: true}
	})

	// Router
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)

	return s, nil
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
	s.router.Use(security.HeadersMiddleware())

	// CORS (allow all origins for demo - restrict in production)
	s.router.Use(security.CORSMiddleware([]string{"*"}))

	// Request size limit (1MB)
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	// Rate limiting
	s.rateLimiter = ratelimit.New(ratelimit.DefaultConfig())
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
		if requestID == "" {
			requestID = generateRequestID()
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
			logger.Info("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		}
	}
}

// -----------------------------------------------------------------------------
// Health
// -----------------------------------------------------------------------------

// HealthResponse is the /healthz response body.
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Checks    []health.Status `json:"checks"`
	Timestamp string          `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	healthy, statuses := s.healthReg.CheckAll(ctx)

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   "0.1.0",
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

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	// Create a cancellable context for background goroutines so Shutdown() can stop them.
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	if s.cfg.OTLPEndpoint != "" {
		shutdown, err := traces.Init(runCtx, s.cfg.OTLPEndpoint, s.logger)
		if err != nil {
			s.logger.Error("trace exporter init failed", "error", err)
		} else {
			s.shutdownTraces = shutdown
		}
	}

	// Crash recovery: re-emit whatever was pending when the process died.
	if db, ok := s.bus.(*events.DurableBus); ok {
		recovered, err := db.Start(runCtx)
		if err != nil {
			s.logger.Error("crash recovery failed", "error", err)
		} else if recovered > 0 {
			s.logger.Info("recovered in-flight envelopes", "count", recovered)
		}
	}

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

	// Start server in goroutine
	go func() {
		s.logger.Info("starting server", "port", s.cfg.Port, "env", s.cfg.Env)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Start realtime hub
	go s.hub.Run(runCtx)

	// Periodic dead-letter retry sweep
	go s.runDLQSweep(runCtx)

	// DB pool gauges
	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

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

// runDLQSweep periodically retries dead-lettered envelopes and keeps the
// queue-depth gauge current.
func (s *Server) runDLQSweep(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.DLQSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			res, err := s.bus.RetryDeadLetters(ctx)
			if err != nil {
				s.logger.Error("dead-letter sweep failed", "error", err)
				continue
			}
			if res.Retried > 0 || res.Failed > 0 || res.Dropped > 0 {
				s.logger.Info("dead-letter sweep",
					"retried", res.Retried, "failed", res.Failed, "dropped", res.Dropped)
			}
			if entries, err := s.bus.DeadLetters(ctx); err == nil {
				metrics.DeadLetterQueueDepth.Set(float64(len(entries)))
			}
		}
	}
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	// Cancel the context for all background goroutines (hub, sweeps)
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	// Give load balancers time to stop sending traffic
	time.Sleep(5 * time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.logger.Error("shutdown error", "error", err)
		return err
	}

	// Let delayed cluster evaluations and webhook deliveries drain
	s.clusterDet.Wait()
	s.dispatcher.Wait()

	if s.shutdownTraces != nil {
		if err := s.shutdownTraces(ctx); err != nil {
			s.logger.Error("trace exporter shutdown error", "error", err)
		}
	}

	// Stop rate limiter cleanup goroutine
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
		s.logger.Info("rate limiter stopped")
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

// Bus returns the event bus for testing.
func (s *Server) Bus() events.Bus {
	return s.bus
}

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

func generateRequestID() string {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(b)
}

// maskDSN hides credentials in a database URL for logging.
func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "***"
	}
	if u.User != nil {
		u.User = url.User(u.User.Username())
	}
	return u.Redacted()
}
