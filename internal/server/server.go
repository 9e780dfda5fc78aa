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

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/agentwall/agentwall/internal/approval"
	"github.com/agentwall/agentwall/internal/audit"
	"github.com/agentwall/agentwall/internal/auth"
	"github.com/agentwall/agentwall/internal/circuitbreaker"
	"github.com/agentwall/agentwall/internal/config"
	"github.com/agentwall/agentwall/internal/gas"
	"github.com/agentwall/agentwall/internal/health"
	"github.com/agentwall/agentwall/internal/ledger"
	"github.com/agentwall/agentwall/internal/logging"
	"github.com/agentwall/agentwall/internal/metrics"
	"github.com/agentwall/agentwall/internal/nonce"
	"github.com/agentwall/agentwall/internal/pipeline"
	"github.com/agentwall/agentwall/internal/ratelimit"
	"github.com/agentwall/agentwall/internal/realtime"
	"github.com/agentwall/agentwall/internal/registry"
	"github.com/agentwall/agentwall/internal/security"
	"github.com/agentwall/agentwall/internal/threat"
	"github.com/agentwall/agentwall/internal/validation"
	"github.com/agentwall/agentwall/internal/wallet"
)

// Server wraps the HTTP server and the execution core's dependencies.
type Server struct {
	cfg           *config.Config
	registry      *registry.Registry
	detector      *threat.Detector
	ledger        *ledger.Ledger
	approvals     *approval.Service
	approvalTimer *approval.Timer
	wallet        *wallet.Wallet
	pipeline      *pipeline.Pipeline
	auditStore    audit.Store
	sink          audit.Sink
	realtimeHub   *realtime.Hub
	healthReg     *health.Registry
	keyring       *auth.Keyring
	limiter       *ratelimit.Limiter
	eth           *ethclient.Client
	db            *sql.DB // nil if using in-memory
	router        *gin.Engine
	httpSrv       *http.Server
	logger        *slog.Logger
	cancelRunCtx  context.CancelFunc

	// Health state
	ready atomic.Bool
}

// Option configures the server
type Option func(*Server)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// New creates a new server instance and wires the execution core.
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, "json"),
	}
	for _, opt := range opts {
		opt(s)
	}

	// Storage (Postgres if DATABASE_URL set, otherwise in-memory)
	var approvalStore approval.Store
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
		s.auditStore = audit.NewPostgresStore(db)
		approvalStore = approval.NewPostgresStore(db)
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
	} else {
		s.auditStore = audit.NewMemoryStore()
		approvalStore = approval.NewMemoryStore()
		s.logger.Warn("using in-memory storage; audit trail and approvals are lost on restart")
	}

	// Chain client, breaker-guarded so a dead endpoint fails fast
	eth, err := ethclient.Dial(cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RPC endpoint: %w", err)
	}
	s.eth = eth
	chain := newGuardedClient(eth, circuitbreaker.New(5, 30*time.Second))

	// Contract registry with optional operator overrides
	s.registry = registry.New(s.logger)
	if cfg.WhitelistOverridePath != "" {
		n, err := s.registry.LoadOverrides(cfg.WhitelistOverridePath)
		if err != nil {
			return nil, fmt.Errorf("failed to load whitelist overrides: %w", err)
		}
		s.logger.Info("loaded whitelist overrides", "path", cfg.WhitelistOverridePath, "entries", n)
	}

	s.detector = threat.NewDetector(s.registry, threat.Config{Strict: cfg.StrictValidation})

	// Audit feed
	s.realtimeHub = realtime.NewHub(s.logger)
	s.sink = audit.NewRecorder(s.logger, s.auditStore, s.realtimeHub)

	// Tier policy and limits
	tier, err := wallet.ParseTier(cfg.WalletTier)
	if err != nil {
		return nil, err
	}
	policy := wallet.DefaultPolicy(tier)
	if policy.ApprovalTimeout == 0 {
		policy.ApprovalTimeout = time.Duration(cfg.ApprovalTimeoutMinutes) * time.Minute
	}
	s.ledger = ledger.New(policy.Limits)

	// Approval workflow
	s.approvals = approval.NewService(approvalStore, s.sink, s.logger)
	s.approvalTimer = approval.NewTimer(s.approvals, 10*time.Second)

	// Signing backend per configuration
	signer, err := buildSigner(cfg)
	if err != nil {
		return nil, err
	}
	s.wallet = wallet.New(policy, signer, s.ledger, s.approvals, s.sink, s.logger)

	// Gas planning and the execution pipeline
	estimator := gas.NewEstimator(chain, gas.Limits{
		MaxFeeWei:         gas.GweiToWei(cfg.MaxFeeGwei),
		MaxPriorityFeeWei: gas.GweiToWei(cfg.MaxPriorityFeeGwei),
		GasLimitCap:       cfg.GasLimitCap,
	})
	oracle := gas.NewPriceOracle("", map[string]float64{"ethereum": 3000}, 60*time.Second)
	nonces := nonce.NewAllocator(chain)
	s.pipeline = pipeline.New(chain, s.wallet, nonces, estimator, s.detector, s.sink, s.logger,
		bigChainID(cfg.ChainID), pipeline.WithPriceOracle(oracle))

	// Health checks
	s.healthReg = health.NewRegistry()
	s.healthReg.Register("rpc", health.RPCChecker(chain))
	if s.db != nil {
		s.healthReg.Register("database", health.DatabaseChecker(s.db))
	}
	s.healthReg.Register("wallet", health.PauseChecker(s.wallet.Paused))

	// Operator authentication and rate limiting
	s.keyring = auth.NewKeyring(cfg.OperatorAPIKeys)
	if s.keyring.Empty() {
		s.logger.Warn("operator endpoints are unauthenticated; set OPERATOR_API_KEYS")
	}
	s.limiter = ratelimit.New(ratelimit.Config{
		RequestsPerMinute: cfg.RateLimitPerMin,
		BurstSize:         cfg.RateLimitBurst,
		CleanupInterval:   time.Minute,
	})

	// Router
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	s.router = gin.New()
	s.router.Use(gin.Recovery())
	s.router.Use(security.HeadersMiddleware())
	s.router.Use(security.CORSMiddleware(cfg.AllowedOrigins))
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))
	s.router.Use(s.limiter.Middleware())
	s.router.Use(metrics.Middleware())
	s.setupRoutes()

	return s, nil
}

func buildSigner(cfg *config.Config) (wallet.SigningBackend, error) {
	switch cfg.SignerKind {
	case "local":
		return wallet.NewLocalSigner(cfg.PrivateKey)
	case "remote":
		// Local signer services are common in development; only enforce the
		// SSRF checks where the URL could come from a hostile environment.
		if cfg.IsProduction() {
			if err := security.ValidateEndpointURL(cfg.SignerURL); err != nil {
				return nil, fmt.Errorf("unsafe SIGNER_URL: %w", err)
			}
		}
		addr := common.HexToAddress(os.Getenv("SIGNER_ADDRESS"))
		return wallet.NewRemoteSigner(cfg.SignerURL, addr), nil
	case "hardware":
		addr := common.HexToAddress(os.Getenv("SIGNER_ADDRESS"))
		return wallet.NewHardwareSigner(addr), nil
	}
	return nil, fmt.Errorf("server: unknown signer kind %q", cfg.SignerKind)
}

func (s *Server) setupRoutes() {
	// Health & metrics endpoints
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	// WebSocket audit feed
	s.router.GET("/ws", func(c *gin.Context) {
		s.realtimeHub.HandleWebSocket(c.Writer, c.Request)
	})

	v1 := s.router.Group("/v1")

	// Human-in-the-loop and emergency endpoints require an operator key.
	operator := v1.Group("", auth.RequireOperator(s.keyring))

	// Execution
	v1.POST("/transactions", s.executeHandler)
	v1.GET("/wallet", s.walletInfoHandler)
	v1.GET("/spending", s.spendingHandler)

	// Emergency pause
	operator.POST("/pause", s.pauseHandler)
	operator.POST("/resume", s.resumeHandler)

	// Approvals
	approval.NewHandler(s.approvals).RegisterRoutes(v1, operator)

	// Contract registry
	v1.GET("/contracts/:address", validation.AddressParamMiddleware(), s.contractLookupHandler)
	operator.POST("/contracts/:address/block", validation.AddressParamMiddleware(), s.contractBlockHandler)

	// Audit trail
	v1.GET("/audit", s.auditHandler)
	v1.GET("/feed/stats", s.feedStatsHandler)
}

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
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
		s.logger.Info("starting server",
			"port", s.cfg.Port,
			"wallet", s.wallet.Account(),
			"tier", s.wallet.Policy().Tier,
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	go s.realtimeHub.Run(runCtx)
	s.approvalTimer.Start()

	// Hourly ledger pruning keeps the rolling-window record set bounded.
	go func() {
		ticker := time.NewTicker(time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				if n := s.ledger.Prune(); n > 0 {
					s.logger.Debug("pruned ledger records", "dropped", n)
				}
			}
		}
	}()

	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

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

// Shutdown gracefully stops the server
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.logger.Error("shutdown error", "error", err)
		return err
	}

	s.approvalTimer.Stop()
	s.logger.Info("approval timer stopped")
	s.limiter.Stop()

	if s.eth != nil {
		s.eth.Close()
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		}
	}

	s.logger.Info("shutdown complete")
	return nil
}

// Pipeline exposes the execution pipeline for in-process callers (MCP server).
func (s *Server) Pipeline() *pipeline.Pipeline { return s.pipeline }

// Wallet exposes the tiered wallet for in-process callers.
func (s *Server) Wallet() *wallet.Wallet { return s.wallet }

// Approvals exposes the approval service for in-process callers.
func (s *Server) Approvals() *approval.Service { return s.approvals }

// maskDSN hides credentials in a database URL for logging.
func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "(unparseable)"
	}
	if u.User != nil {
		u.User = url.User(u.User.Username())
	}
	return u.Redacted()
}
