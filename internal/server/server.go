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

	"github.com/ahedlund/peermarket/internal/chain"
	"github.com/ahedlund/peermarket/internal/config"
	"github.com/ahedlund/peermarket/internal/escrow"
	"github.com/ahedlund/peermarket/internal/keys"
	"github.com/ahedlund/peermarket/internal/ledger"
	"github.com/ahedlund/peermarket/internal/logging"
	"github.com/ahedlund/peermarket/internal/metrics"
	"github.com/ahedlund/peermarket/internal/ratelimit"
	"github.com/ahedlund/peermarket/internal/realtime"
	"github.com/ahedlund/peermarket/internal/reconcile"
	"github.com/ahedlund/peermarket/internal/security"
	"github.com/ahedlund/peermarket/internal/trade"
	"github.com/ahedlund/peermarket/internal/validation"
)

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg          *config.Config
	db           *sql.DB // nil if using in-memory
	bridge       chain.Bridge
	ledger       *ledger.Ledger
	orchestrator *escrow.Orchestrator
	tradeStore   trade.Store
	tradeService *trade.Service
	tradeTimer   *trade.Timer
	reconciler   *reconcile.Service
	sweepTimer   *reconcile.Timer
	realtimeHub  *realtime.Hub
	rateLimiter  *ratelimit.Limiter
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

// WithBridge sets a custom chain bridge (for testing)
func WithBridge(b chain.Bridge) Option {
	return func(s *Server) {
		s.bridge = b
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{cfg: cfg}

	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		format := "text"
		if cfg.LogJSON {
			format = "json"
		}
		s.logger = logging.New(cfg.LogLevel, format)
	}

	// Storage (Postgres if DATABASE_URL set, otherwise in-memory)
	var ledgerStore ledger.Store
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
		ledgerStore = ledger.NewPostgresStore(db)
		s.tradeStore = trade.NewPostgresStore(db)
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
	} else {
		ledgerStore = ledger.NewMemoryStore()
		s.tradeStore = trade.NewMemoryStore()
		s.logger.Info("using in-memory storage (data will not persist)")
	}
	s.ledger = ledger.New(ledgerStore)

	// Chain bridge, only when contract-backed tokens are configured
	var keyProvider keys.Provider
	if len(cfg.ChainTokens) > 0 {
		if s.bridge == nil {
			b, err := chain.New(chain.Config{
				RPCURL:       cfg.RPCURL,
				ChainID:      cfg.ChainID,
				ContractAddr: cfg.EscrowContract,
				Fees: chain.FeePolicy{
					PremiumNumerator:   cfg.FeePremium,
					PremiumDenominator: 100,
					MaxBumps:           2,
				},
				ConfirmWait: cfg.ConfirmWait,
			})
			if err != nil {
				return nil, fmt.Errorf("failed to create chain bridge: %w", err)
			}
			s.bridge = b
		}

		keyring, err := keys.ParseKeyring(cfg.Keyring)
		if err != nil {
			return nil, fmt.Errorf("invalid keyring: %w", err)
		}
		keyProvider, err = keys.NewStatic(keyring)
		if err != nil {
			return nil, fmt.Errorf("invalid keyring: %w", err)
		}
		s.logger.Info("chain settlement enabled",
			"contract", cfg.EscrowContract, "chainId", cfg.ChainID, "tokens", cfg.ChainTokens)
	} else {
		s.logger.Info("chain settlement disabled; all tokens settle ledger-only")
	}

	s.orchestrator = escrow.New(s.ledger, s.bridge, keyProvider, escrow.Config{
		ChainTokens: cfg.ChainTokens,
		Timelock:    cfg.EscrowTimelock,
	}, s.logger)

	// Realtime hub for WebSocket streaming
	s.realtimeHub = realtime.NewHub(s.logger)

	// Trade lifecycle controller
	s.tradeService = trade.NewService(s.tradeStore, &settlementAdapter{s.orchestrator}, s.logger).
		WithNotifier(s.realtimeHub).
		WithExpiry(cfg.TradeExpiry)
	s.tradeTimer = trade.NewTimer(s.tradeService, s.tradeStore, s.logger)

	// Reconciliation safety net
	s.reconciler = reconcile.New(s.tradeStore, s.orchestrator, reconcile.Config{
		MaxRefundAttempts: cfg.RefundAttempts,
		RetryDelay:        cfg.RetryDelay,
	}, s.logger)
	s.tradeService.SetCanceller(s.reconciler)
	s.sweepTimer = reconcile.NewTimer(s.reconciler, cfg.SweepInterval, s.logger)

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

// settlementAdapter narrows the orchestrator to the trade controller's
// settlement interface.
type settlementAdapter struct {
	orch *escrow.Orchestrator
}

func (a *settlementAdapter) Lock(ctx context.Context, accountID, counterpartyID, tradeID, tokenType, amount string) error {
	_, err := a.orch.Lock(ctx, escrow.LockRequest{
		AccountID:      accountID,
		CounterpartyID: counterpartyID,
		TradeID:        tradeID,
		TokenType:      tokenType,
		Amount:         amount,
	})
	return err
}

func (a *settlementAdapter) Release(ctx context.Context, accountID, recipientID, tradeID, tokenType, amount, reason string) error {
	_, err := a.orch.Release(ctx, escrow.ReleaseRequest{
		AccountID:   accountID,
		RecipientID: recipientID,
		TradeID:     tradeID,
		TokenType:   tokenType,
		Amount:      amount,
		Reason:      reason,
	})
	return err
}

func (a *settlementAdapter) Refund(ctx context.Context, accountID, tradeID, tokenType, amount, reason string) error {
	_, err := a.orch.Refund(ctx, escrow.RefundRequest{
		AccountID: accountID,
		TradeID:   tradeID,
		TokenType: tokenType,
		Amount:    amount,
		Reason:    reason,
	})
	return err
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

	// CORS
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

func (s *Server) setupRoutes() {
	// Health & metrics endpoints
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	// WebSocket for real-time trade events
	s.router.GET("/ws", func(c *gin.Context) {
		s.realtimeHub.HandleWebSocket(c.Writer, c.Request)
	})

	s.router.GET("/api", s.infoHandler)

	// V1 API group
	v1 := s.router.Group("/v1")
	v1.Use(validation.AccountParamMiddleware())

	// Trade lifecycle
	tradeHandler := trade.NewHandler(s.tradeService)
	tradeHandler.RegisterRoutes(v1)

	// Ledger reads
	ledgerHandler := ledger.NewHandler(s.ledger)
	ledgerHandler.RegisterRoutes(v1)

	// Operator surface behind the admin secret
	admin := v1.Group("/admin")
	admin.Use(security.AdminMiddleware(s.cfg.AdminSecret))
	{
		reconcileHandler := reconcile.NewHandler(s.reconciler)
		reconcileHandler.RegisterRoutes(admin)
		ledgerHandler.RegisterAdminRoutes(admin)
	}
}

// HealthResponse is the health check response body
type HealthResponse struct {
	Status    string            `json:"status"`
	Version   string            `json:"version"`
	Checks    map[string]string `json:"checks"`
	Timestamp string            `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	checks := make(map[string]string)

	if s.db != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
		defer cancel()
		if err := s.db.PingContext(ctx); err != nil {
			checks["database"] = "unhealthy"
		} else {
			checks["database"] = "healthy"
		}
	}

	status := "healthy"
	httpStatus := http.StatusOK
	for _, v := range checks {
		if v != "healthy" {
			status = "degraded"
			httpStatus = http.StatusServiceUnavailable
			break
		}
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   "0.1.0",
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

func (s *Server) infoHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"name":    "peermarket settlement api",
		"version": "0.1.0",
		"realtime": gin.H{
			"websocket": "/ws",
		},
	})
}

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	// Cancellable context for background goroutines so Shutdown() can stop them.
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

	errChan := make(chan error, 1)

	go func() {
		s.logger.Info("starting server", "port", s.cfg.Port)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	go s.realtimeHub.Run(runCtx)
	go s.tradeTimer.Start(runCtx)
	go s.sweepTimer.Start(runCtx)

	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

	// Mark as ready after brief delay for startup
	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

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

// Shutdown stops the server and background workers gracefully
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	// Cancel the context for all background goroutines (hub, timers)
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.logger.Error("shutdown error", "error", err)
		return err
	}

	s.tradeTimer.Stop()
	s.sweepTimer.Stop()

	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}

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

// Router exposes the gin engine for tests
func (s *Server) Router() *gin.Engine {
	return s.router
}

func generateRequestID() string {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(b)
}
