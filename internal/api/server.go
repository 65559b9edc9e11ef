// Package api serves the engine's operations over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"token-economy/internal/converter"
	"token-economy/internal/mining"
	"token-economy/internal/oracle"
	"token-economy/internal/risk"
	"token-economy/internal/service"
	"token-economy/internal/treasury"
)

const maxBodyBytes = 1 << 16

// Backend is the set of engine operations exposed over HTTP.
// *service.Engine satisfies it.
type Backend interface {
	CurrentPrice(ctx context.Context) oracle.Quote
	UsdToTokens(ctx context.Context, usd decimal.Decimal) (converter.Conversion, error)
	TokensToUsd(ctx context.Context, tokens decimal.Decimal) (converter.Conversion, error)
	RiskAssessment(ctx context.Context) risk.Assessment
	GrantBonus(ctx context.Context, requested decimal.Decimal) risk.Grant
	StartMining(ctx context.Context, userID string) (mining.Session, error)
	MiningStatus(ctx context.Context, userID string) (mining.Status, error)
	ClaimMining(ctx context.Context, userID string) (mining.ClaimResult, error)
	SyncTreasuryBalance(ctx context.Context) (treasury.SyncResult, error)
	TreasuryDeposits(ctx context.Context) (treasury.Report, error)
}

var _ Backend = (*service.Engine)(nil)

// Pinger reports the health of a dependency.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Options configure a Server.
type Options struct {
	Addr         string
	APIKey       string
	CORSOrigin   string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	Metrics      http.Handler
	// Checks are reported by /health under their map key.
	Checks map[string]Pinger
	Now    func() time.Time
}

// Server is the HTTP boundary.
type Server struct {
	backend    Backend
	opts       Options
	logger     zerolog.Logger
	handler    http.Handler
	httpServer *http.Server
}

// NewServer registers every route and wraps them in auth and CORS middleware.
func NewServer(backend Backend, opts Options, logger zerolog.Logger) *Server {
	if opts.Addr == "" {
		opts.Addr = ":8080"
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = 10 * time.Second
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 30 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	s := &Server{
		backend: backend,
		opts:    opts,
		logger:  logger.With().Str("component", "api").Logger(),
	}

	mux := http.NewServeMux()

	mux.HandleFunc("GET /v1/price", s.handlePrice)
	mux.HandleFunc("POST /v1/convert/usd-to-tokens", s.handleUsdToTokens)
	mux.HandleFunc("POST /v1/convert/tokens-to-usd", s.handleTokensToUsd)

	mux.HandleFunc("GET /v1/risk", s.handleRisk)
	mux.HandleFunc("POST /v1/risk/bonus", s.handleBonus)

	mux.HandleFunc("POST /v1/mining/{user}/start", s.handleMiningStart)
	mux.HandleFunc("GET /v1/mining/{user}", s.handleMiningStatus)
	mux.HandleFunc("POST /v1/mining/{user}/claim", s.handleMiningClaim)

	mux.HandleFunc("POST /v1/treasury/sync", s.handleTreasurySync)
	mux.HandleFunc("GET /v1/treasury/deposits", s.handleTreasuryDeposits)

	// no auth
	mux.HandleFunc("GET /health", s.handleHealth)
	if opts.Metrics != nil {
		mux.Handle("GET /metrics", opts.Metrics)
	}

	s.handler = s.authMiddleware(corsMiddleware(mux, opts.CORSOrigin))
	s.httpServer = &http.Server{
		Addr:         opts.Addr,
		Handler:      s.handler,
		ReadTimeout:  opts.ReadTimeout,
		WriteTimeout: opts.WriteTimeout,
	}
	return s
}

// Handler returns the fully wrapped handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().
			Str("addr", s.opts.Addr).
			Bool("auth", s.opts.APIKey != "").
			Msg("http server listening")
		errCh <- s.httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return nil
	}
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.opts.APIKey == "" || r.URL.Path == "/health" || r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}

		auth := r.Header.Get("Authorization")
		if auth == "" {
			writeError(w, http.StatusUnauthorized, "missing Authorization header")
			return
		}

		token := strings.TrimPrefix(auth, "Bearer ")
		if token == auth || token != s.opts.APIKey {
			writeError(w, http.StatusUnauthorized, "invalid API key")
			return
		}

		next.ServeHTTP(w, r)
	})
}

func corsMiddleware(next http.Handler, allowOrigin string) http.Handler {
	if allowOrigin == "" {
		allowOrigin = "*"
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", allowOrigin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// amountRequest is the body of the convert and bonus routes. Amounts are
// accepted as JSON strings or numbers.
type amountRequest struct {
	Amount decimal.Decimal `json:"amount"`
}

func decodeAmount(w http.ResponseWriter, r *http.Request) (decimal.Decimal, error) {
	var req amountRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		return decimal.Zero, err
	}
	return req.Amount, nil
}

// statusFor maps engine errors to HTTP status codes.
func statusFor(err error) int {
	var lqe *treasury.LedgerQueryError
	switch {
	case errors.Is(err, converter.ErrInvalidAmount), errors.Is(err, mining.ErrInvalidUser):
		return http.StatusBadRequest
	case errors.Is(err, mining.ErrSessionActive):
		return http.StatusConflict
	case errors.Is(err, mining.ErrNoSession):
		return http.StatusNotFound
	case errors.Is(err, service.ErrTreasuryDisabled):
		return http.StatusServiceUnavailable
	case errors.As(err, &lqe):
		return http.StatusBadGateway
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
