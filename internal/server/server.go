package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/calweber/pmrouter/internal/domain"
	"github.com/calweber/pmrouter/internal/server/handler"
	"github.com/calweber/pmrouter/internal/server/middleware"
	"github.com/calweber/pmrouter/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port        int
	CORSOrigins []string
	APIKey      string // if empty, authentication is disabled

	RateLimit  int           // requests per window per client IP; 0 disables
	RateWindow time.Duration // sliding window for the rate limit
}

// Handlers aggregates all HTTP handlers that the server needs to register.
type Handlers struct {
	Health      *handler.HealthHandler
	Markets     *handler.MarketHandler
	Trades      *handler.TradeHandler
	Vaults      *handler.VaultHandler
	Maintenance *handler.MaintenanceHandler
}

// Server is the headless HTTP + WebSocket API for the routing engine.
type Server struct {
	httpServer *http.Server
	mux        *http.ServeMux
	logger     *slog.Logger
}

// NewServer creates a new Server with all routes registered on the ServeMux.
// The middleware chain runs logging, CORS, rate limiting, then auth before a
// request reaches a handler. limiter may be nil to disable rate limiting.
func NewServer(cfg Config, handlers Handlers, wsHub *ws.Hub, limiter domain.RateLimiter, logger *slog.Logger) *Server {
	mux := http.NewServeMux()

	// Health check.
	mux.HandleFunc("GET /api/health", handlers.Health.HealthCheck)

	// Market lifecycle.
	mux.HandleFunc("GET /api/markets", handlers.Markets.ListMarkets)
	mux.HandleFunc("GET /api/markets/{id}", handlers.Markets.GetMarket)
	mux.HandleFunc("POST /api/markets/{id}/bootstrap", handlers.Markets.BootstrapMarket)
	mux.HandleFunc("POST /api/markets/{id}/resolve", handlers.Markets.ResolveMarket)

	// Trading.
	mux.HandleFunc("POST /api/markets/{id}/buy", handlers.Trades.Buy)
	mux.HandleFunc("POST /api/markets/{id}/sell", handlers.Trades.Sell)
	mux.HandleFunc("GET /api/markets/{id}/quote", handlers.Trades.Quote)
	mux.HandleFunc("GET /api/markets/{id}/fills", handlers.Trades.ListMarketFills)
	mux.HandleFunc("GET /api/fills", handlers.Trades.ListTraderFills)
	mux.HandleFunc("POST /api/batch", handlers.Trades.Batch)

	// LP operations.
	mux.HandleFunc("POST /api/markets/{id}/deposit", handlers.Vaults.Deposit)
	mux.HandleFunc("POST /api/markets/{id}/withdraw", handlers.Vaults.Withdraw)
	mux.HandleFunc("POST /api/markets/{id}/harvest", handlers.Vaults.Harvest)
	mux.HandleFunc("GET /api/markets/{id}/positions/{account}", handlers.Vaults.GetPosition)
	mux.HandleFunc("GET /api/markets/{id}/vault/activity", handlers.Vaults.ListActivity)

	// Permissionless maintenance.
	mux.HandleFunc("POST /api/markets/{id}/oracle/update", handlers.Maintenance.UpdateOracle)
	mux.HandleFunc("POST /api/markets/{id}/rebalance", handlers.Maintenance.Rebalance)
	mux.HandleFunc("POST /api/markets/{id}/settle", handlers.Maintenance.Settle)
	mux.HandleFunc("POST /api/markets/{id}/finalize", handlers.Maintenance.Finalize)

	// WebSocket endpoint.
	if wsHub != nil {
		mux.HandleFunc("GET /ws", wsHub.HandleWS)
	}

	// Build the middleware chain inside-out.
	var h http.Handler = mux
	h = middleware.Auth(cfg.APIKey)(h)
	if limiter != nil && cfg.RateLimit > 0 {
		h = middleware.RateLimit(limiter, cfg.RateLimit, cfg.RateWindow)(h)
	}
	h = middleware.CORS(cfg.CORSOrigins)(h)
	h = middleware.Logging(logger)(h)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      h,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{
		httpServer: srv,
		mux:        mux,
		logger:     logger,
	}
}

// Start begins listening for HTTP requests. It blocks until the server
// encounters an error or is shut down.
func (s *Server) Start() error {
	s.logger.Info("server: starting",
		slog.String("addr", s.httpServer.Addr),
	)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server, waiting for in-flight requests
// to complete within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("server: shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}
