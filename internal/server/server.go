// Package server wires the step-up verification service together and
// owns its HTTP lifecycle.
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
	"github.com/go-redis/redis/v8"
	_ "github.com/lib/pq"

	"github.com/mbd888/stepup/internal/admin"
	"github.com/mbd888/stepup/internal/auth"
	"github.com/mbd888/stepup/internal/capture"
	"github.com/mbd888/stepup/internal/config"
	"github.com/mbd888/stepup/internal/gate"
	"github.com/mbd888/stepup/internal/health"
	"github.com/mbd888/stepup/internal/idgen"
	"github.com/mbd888/stepup/internal/justification"
	"github.com/mbd888/stepup/internal/logging"
	"github.com/mbd888/stepup/internal/metrics"
	"github.com/mbd888/stepup/internal/otp"
	"github.com/mbd888/stepup/internal/ratelimit"
	"github.com/mbd888/stepup/internal/realtime"
	"github.com/mbd888/stepup/internal/risk"
	"github.com/mbd888/stepup/internal/security"
	"github.com/mbd888/stepup/internal/traces"
	"github.com/mbd888/stepup/internal/validation"
	"github.com/mbd888/stepup/internal/verification"
	"github.com/mbd888/stepup/internal/webhooks"
	"github.com/mbd888/stepup/migrations"
)

// Version is reported by the health endpoint and the trace resource.
const Version = "0.1.0"

// Server is the step-up verification API server.
type Server struct {
	cfg *config.Config

	assessments   risk.Store
	tokens        *verification.TokenStore
	otp           *otp.Service
	gate          *gate.Gate
	justification *justification.Service
	sweeper       *verification.Sweeper
	realtimeHub   *realtime.Hub
	webhooks      *webhooks.Dispatcher // nil unless CHECKOUT_WEBHOOK_URL is set
	sessions      *auth.Sessions
	mailer        otp.Mailer
	releaser      capture.Releaser
	generator     justification.Generator
	cooldown      ratelimit.Cooldown
	rateLimiter   *ratelimit.Limiter
	health        *health.Registry

	db             *sql.DB       // nil if using in-memory
	redis          *redis.Client // nil if using the in-process cooldown
	router         *gin.Engine
	httpSrv        *http.Server
	logger         *slog.Logger
	cancelRunCtx   context.CancelFunc // cancels background goroutines started in Run
	shutdownTraces func(context.Context) error

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

// WithMailer replaces the logging mailer used to deliver codes.
func WithMailer(m otp.Mailer) Option {
	return func(s *Server) {
		s.mailer = m
	}
}

// WithReleaser replaces the capture collaborator chosen from config.
func WithReleaser(r capture.Releaser) Option {
	return func(s *Server) {
		s.releaser = r
	}
}

// WithGenerator replaces the justification generator chosen from config.
func WithGenerator(g justification.Generator) Option {
	return func(s *Server) {
		s.generator = g
	}
}

// New creates a new server
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, cfg.LogFormat),
		health: health.NewRegistry(),
	}

	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	if s.generator == nil {
		gen, err := s.newGenerator(ctx)
		if err != nil {
			return nil, err
		}
		s.generator = gen
	}

	// Storage: Postgres if DATABASE_URL is set, otherwise in-memory
	var challengeStore verification.Store
	if cfg.DatabaseURL != "" {
		db, err := openDB(ctx, cfg)
		if err != nil {
			return nil, err
		}
		s.db = db
		s.assessments = risk.NewPostgresStore(db)
		challengeStore = verification.NewPostgresStore(db)
		s.health.Register("database", health.Database(db))
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
	} else {
		s.assessments = risk.NewMemoryStore()
		challengeStore = verification.NewMemoryStore()
		s.logger.Warn("using in-memory storage (data will not persist)")
	}

	// Resend cooldown: Redis when configured so replicas share it
	if cfg.RedisURL != "" {
		client, err := ratelimit.NewRedisClient(cfg.RedisURL)
		if err != nil {
			s.closeResources()
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		s.redis = client
		s.cooldown = ratelimit.NewRedisCooldown(client, "stepup:resend:")
		s.health.Register("redis", health.Redis(client))
		s.logger.Info("using Redis resend cooldown")
	} else {
		s.cooldown = ratelimit.NewMemoryCooldown()
	}

	s.realtimeHub = realtime.NewHub(s.logger, cfg.CORSOrigins)
	notifiers := verification.Notifiers{s.realtimeHub}
	if cfg.WebhookURL != "" {
		if err := security.ValidateOutboundURL(ctx, cfg.WebhookURL, cfg.IsDevelopment()); err != nil {
			s.closeResources()
			return nil, fmt.Errorf("CHECKOUT_WEBHOOK_URL: %w", err)
		}
		s.webhooks = webhooks.NewDispatcher(webhooks.Config{URL: cfg.WebhookURL, Secret: cfg.WebhookSecret}, s.logger)
		notifiers = append(notifiers, s.webhooks)
		s.logger.Info("challenge webhooks enabled")
	}

	s.tokens = verification.NewTokenStore(challengeStore, cfg.ChallengeTTL).
		WithLogger(s.logger).
		WithNotifier(notifiers)
	s.sweeper = verification.NewSweeper(s.tokens, cfg.SweepInterval, s.logger)
	s.health.Register("sweeper", health.Running(s.sweeper.Running))

	if s.mailer == nil {
		s.mailer = otp.NewLogMailer(s.logger, cfg.OTPDevExpose)
	}
	s.otp = otp.NewService(s.tokens, s.mailer).
		WithCooldown(s.cooldown, cfg.OTPResendCooldown).
		WithMaxAttempts(cfg.OTPMaxAttempts).
		WithResendExtendsExpiry(cfg.OTPResendExtendsExpiry).
		WithDevExpose(cfg.OTPDevExpose).
		WithLogger(s.logger)

	if s.releaser == nil {
		if cfg.StripeSecretKey != "" {
			s.releaser = capture.NewStripeReleaser(cfg.StripeSecretKey, nil)
			s.logger.Info("payment capture via Stripe")
		} else {
			s.releaser = capture.NewLogReleaser(s.logger)
			s.logger.Warn("no STRIPE_SECRET_KEY set, captures are logged only")
		}
	}

	s.justification = justification.NewService(s.assessments, s.generator).WithLogger(s.logger)

	s.gate = gate.NewGate(risk.NewEngine(), s.assessments, s.tokens, s.otp, s.releaser)
	s.sessions = auth.NewSessions(cfg.SessionJWTSecret)

	if cfg.InternalAPISecret == "" {
		s.logger.Warn("INTERNAL_API_SECRET not set, checkout evaluation is disabled")
	}

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)

	return s, nil
}

func openDB(ctx context.Context, cfg *config.Config) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if cfg.DBAutoMigrate {
		if err := migrations.Up(ctx, db); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to apply migrations: %w", err)
		}
	}
	return db, nil
}

// newGenerator picks the LLM generator when an API key is configured.
// Outside development the endpoint must be a public https URL.
func (s *Server) newGenerator(ctx context.Context) (justification.Generator, error) {
	if s.cfg.NLGAPIKey == "" {
		s.logger.Info("justifications use the built-in template")
		return justification.TemplateGenerator{}, nil
	}
	if err := security.ValidateOutboundURL(ctx, s.cfg.NLGBaseURL, s.cfg.IsDevelopment()); err != nil {
		return nil, fmt.Errorf("NLG_BASE_URL: %w", err)
	}
	s.logger.Info("justifications use the language model", "model", s.cfg.NLGModel)
	return justification.NewLLMGenerator(justification.LLMConfig{
		APIKey:  s.cfg.NLGAPIKey,
		BaseURL: s.cfg.NLGBaseURL,
		Model:   s.cfg.NLGModel,
		Timeout: s.cfg.NLGTimeout,
	}), nil
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
	s.router.Use(security.CORSMiddleware(s.cfg.CORSOrigins))
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())
	s.router.Use(metrics.Middleware())

	// Sessions are resolved before rate limiting so callers are keyed by
	// user rather than by a shared NAT address.
	s.router.Use(auth.Middleware(s.sessions))

	rl := ratelimit.DefaultConfig()
	if s.cfg.RateLimitRPM > 0 {
		rl.RequestsPerMinute = s.cfg.RateLimitRPM
	}
	s.rateLimiter = ratelimit.New(rl)
	s.router.Use(s.rateLimiter.Middleware(func(c *gin.Context) string {
		if id := auth.UserID(c); id != "" {
			return "user:" + id
		}
		return ""
	}))
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Reuse an upstream request ID (load balancer, checkout backend)
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" || len(requestID) > 128 {
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
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	gateHandler := gate.NewHandler(s.gate)

	// Back-office routes: checkout evaluation and risk explanations
	internal := s.router.Group("")
	internal.Use(auth.RequireInternalSecret(s.cfg.InternalAPISecret))
	gateHandler.RegisterInternalRoutes(internal)
	justification.NewHandler(s.justification).RegisterRoutes(internal)
	risk.NewHandler(s.assessments).RegisterRoutes(internal)
	admin.NewHandler().
		WithSweeper(s.sweeper).
		WithRealtime(s.realtimeHub).
		RegisterRoutes(internal.Group("/internal"))

	// Shopper routes: step-up verification
	protected := s.router.Group("")
	protected.Use(auth.RequireSession())
	gateHandler.RegisterProtectedRoutes(protected)
	s.realtimeHub.RegisterRoutes(protected)
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

// HealthResponse for health check endpoints
type HealthResponse struct {
	Status    string                 `json:"status"`
	Version   string                 `json:"version"`
	Checks    map[string]string      `json:"checks,omitempty"`
	Realtime  map[string]interface{} `json:"realtime,omitempty"`
	Webhooks  map[string]interface{} `json:"webhooks,omitempty"`
	Timestamp string                 `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	healthy, statuses := s.health.CheckAll(c.Request.Context())

	checks := make(map[string]string, len(statuses))
	for _, st := range statuses {
		switch {
		case st.Healthy:
			checks[st.Name] = "healthy"
		case st.Detail != "":
			checks[st.Name] = "unhealthy: " + st.Detail
		default:
			checks[st.Name] = "unhealthy"
		}
	}

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	resp := HealthResponse{
		Status:    status,
		Version:   Version,
		Checks:    checks,
		Realtime:  s.realtimeHub.Stats(),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	if s.webhooks != nil {
		resp.Webhooks = s.webhooks.Stats()
	}
	c.JSON(httpStatus, resp)
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
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	shutdownTraces, err := traces.Init(runCtx, s.cfg.OTLPEndpoint, Version, s.logger)
	if err != nil {
		s.logger.Error("failed to initialize tracing", "error", err)
	} else {
		s.shutdownTraces = shutdownTraces
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
		s.logger.Info("starting server",
			"port", s.cfg.Port,
			"env", s.cfg.Env,
			"challenge_ttl", s.cfg.ChallengeTTL.String(),
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	s.startBackground(runCtx)

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
		s.stopBackground()
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		s.logger.Info("shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
		s.logger.Info("context cancelled")
	}

	return s.Shutdown()
}

// startBackground launches the realtime hub, the expiry sweeper and the
// pool stats collector under ctx.
func (s *Server) startBackground(ctx context.Context) {
	go s.realtimeHub.Run(ctx)
	go s.sweeper.Start(ctx)
	if s.webhooks != nil {
		go s.webhooks.Run(ctx)
	}
	if s.db != nil {
		go metrics.StartDBStatsCollector(ctx, s.db, 15*time.Second)
	}
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	// Give load balancers time to stop sending traffic
	time.Sleep(5 * time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var shutdownErr error
	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			shutdownErr = err
		}
	}

	s.stopBackground()

	if s.shutdownTraces != nil {
		if err := s.shutdownTraces(ctx); err != nil {
			s.logger.Error("trace shutdown error", "error", err)
		}
	}

	s.logger.Info("server stopped")
	return shutdownErr
}

// stopBackground cancels the run context and releases pooled resources.
func (s *Server) stopBackground() {
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	s.sweeper.Stop()
	s.logger.Info("expiry sweeper stopped")

	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}

	s.closeResources()
}

// closeResources releases the Redis client and the database pool.
func (s *Server) closeResources() {
	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			s.logger.Error("redis close error", "error", err)
		}
		s.redis = nil
	}

	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		} else {
			s.logger.Info("database connection closed")
		}
		s.db = nil
	}
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Sessions returns the session issuer, used by tests and operator tooling.
func (s *Server) Sessions() *auth.Sessions {
	return s.sessions
}
