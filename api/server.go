// Package api provides the HTTP REST API server for AceMarket.
//
// It exposes endpoints for market data, paper-trading portfolio
// management, strategy CRUD, backtest runs, Monte Carlo simulation,
// news, and WebSocket streaming of run progress and quote ticks.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"github.com/jreiner16/AceMarket/internal/auth"
	"github.com/jreiner16/AceMarket/internal/config"
	"github.com/jreiner16/AceMarket/internal/datasource"
	"github.com/jreiner16/AceMarket/internal/engine"
	"github.com/jreiner16/AceMarket/internal/logging"
	"github.com/jreiner16/AceMarket/internal/run"
	"github.com/jreiner16/AceMarket/internal/store"
	"github.com/jreiner16/AceMarket/pkg/models"
)

// MarketData is the market-data surface the server depends on. The
// Yahoo provider satisfies it; tests substitute a stub.
type MarketData interface {
	Series(ctx context.Context, symbol, start, end string) (*engine.Series, error)
	Quote(ctx context.Context, symbol string) (models.Quote, error)
	Search(ctx context.Context, query string, limit int) ([]models.SearchResult, error)
}

// NewsSource provides headline feeds.
type NewsSource interface {
	Headlines(ctx context.Context, symbol string, limit int) ([]models.NewsArticle, error)
}

// Server is the HTTP API server.
type Server struct {
	router   chi.Router
	cfg      *config.Config
	store    *store.Store
	market   MarketData
	news     NewsSource
	verifier *auth.Verifier
	orch     *run.Orchestrator
	hub      *Hub
	limiter  *slidingWindow
	log      zerolog.Logger
}

// NewServer creates a configured API server with all routes and
// middleware wired.
func NewServer(cfg *config.Config, st *store.Store, market MarketData, news NewsSource) *Server {
	verifier := auth.New(cfg.Auth.ProjectID, cfg.AuthBypassed())

	srv := &Server{
		cfg:      cfg,
		store:    st,
		market:   market,
		news:     news,
		verifier: verifier,
		limiter:  newSlidingWindow(time.Duration(cfg.Server.RateLimitWindow) * time.Second),
		log:      logging.Component("api"),
	}
	srv.hub = NewHub(verifier, market)
	srv.orch = run.New(market, srv.hub)
	srv.router = srv.buildRouter()
	return srv
}

// Router returns the chi router for testing.
func (s *Server) Router() chi.Router { return s.router }

// ListenAndServe starts the HTTP server and blocks until SIGINT or
// SIGTERM, then drains connections with a 10s grace period.
func (s *Server) ListenAndServe(addr string) error {
	httpSrv := &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go s.hub.Run(ctx)

	errCh := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", addr).Msg("server listening")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpSrv.Shutdown(shutdownCtx)
}

// buildRouter configures all routes and middleware.
func (s *Server) buildRouter() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(time.Duration(s.cfg.Server.RequestTimeoutSec) * time.Second))

	// Wildcard origins are rejected by config validation, so the
	// credentialed handler only ever sees an explicit list.
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.cfg.Server.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	r.Use(securityHeaders)

	r.Get("/health", s.handleHealth)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/ws", s.hub.HandleWS)

		// Everything else requires a bearer token and counts against
		// the general rate limit.
		r.Group(func(r chi.Router) {
			r.Use(s.generalRateLimit)
			r.Use(s.authenticate)

			r.Get("/search", s.handleSearch)
			r.Get("/stock/{symbol}", s.handleStock)
			r.Get("/stock/{symbol}/price", s.handleStockPrice)
			r.Get("/watchlist/quotes", s.handleWatchlistQuotes)
			r.Get("/news", s.handleNews)

			r.Get("/portfolio", s.handlePortfolio)
			r.Post("/portfolio/position", s.handleOpenPosition)
			r.Delete("/portfolio/position", s.handleClosePosition)
			r.Post("/portfolio/position/close", s.handleClosePosition)
			r.Post("/portfolio/clear", s.handleClearPortfolio)

			r.Get("/settings", s.handleGetSettings)
			r.Put("/settings", s.handleUpdateSettings)

			r.Get("/strategies", s.handleListStrategies)
			r.Post("/strategies", s.handleCreateStrategy)
			r.Get("/strategies/{id}", s.handleGetStrategy)
			r.Put("/strategies/{id}", s.handleUpdateStrategy)
			r.Delete("/strategies/{id}", s.handleDeleteStrategy)
			r.Post("/strategies/run", s.handleRunStrategy)
			r.Post("/strategies/montecarlo", s.handleMonteCarlo)

			r.Get("/runs", s.handleListRuns)
			r.Get("/runs/{id}", s.handleGetRun)
			r.Delete("/runs", s.handleClearRuns)
		})
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, APIResponse{
		Success: true,
		Data: map[string]any{
			"status":  "ok",
			"service": "acemarket-api",
		},
	})
}

// ════════════════════════════════════════════════════════════════════
// Middleware
// ════════════════════════════════════════════════════════════════════

type ctxKey int

const userIDKey ctxKey = iota

// userID returns the authenticated user for the request.
func userID(r *http.Request) string {
	id, _ := r.Context().Value(userIDKey).(string)
	return id
}

// authenticate verifies the bearer token and stores the user id on the
// request context. Every failure maps to the same 401 detail.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		uid, err := s.verifier.Verify(r.Context(), token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid or missing token")
			return
		}
		ctx := context.WithValue(r.Context(), userIDKey, uid)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if rest, ok := strings.CutPrefix(header, "Bearer "); ok {
		return strings.TrimSpace(rest)
	}
	return ""
}

// generalRateLimit applies the per-caller request budget keyed by the
// token prefix when present, the client IP otherwise.
func (s *Server) generalRateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		key := "general:ip:" + r.RemoteAddr
		if header != "" {
			if len(header) > 32 {
				header = header[:32]
			}
			key = "general:" + header
		}
		if !s.limiter.Allow(key, s.cfg.Server.RateLimitGeneral) {
			writeError(w, http.StatusTooManyRequests, "Rate limit exceeded. Try again later.")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// runRateLimit guards the expensive simulation endpoints; runs and
// Monte Carlo share one bucket per user.
func (s *Server) runRateLimit(w http.ResponseWriter, uid string) bool {
	if !s.limiter.Allow("strategy:"+uid, s.cfg.Server.RateLimitRuns) {
		writeError(w, http.StatusTooManyRequests, "Rate limit exceeded. Try again later.")
		return false
	}
	return true
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("elapsed", time.Since(start)).
			Msg("request")
	})
}

func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
		next.ServeHTTP(w, r)
	})
}

// ════════════════════════════════════════════════════════════════════
// Response Helpers
// ════════════════════════════════════════════════════════════════════

// APIResponse is the standard JSON envelope.
type APIResponse struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, APIResponse{Success: false, Error: msg})
}

func writeData(w http.ResponseWriter, v any) {
	writeJSON(w, http.StatusOK, APIResponse{Success: true, Data: v})
}

// writeDomainError maps a domain error onto an HTTP status: validation
// failures are 400, missing data is 404, upstream throttling is 429.
func (s *Server) writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case engine.IsValidation(err):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, datasource.ErrNotFound), errors.Is(err, datasource.ErrNoData),
		errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, datasource.ErrRateLimited):
		writeError(w, http.StatusTooManyRequests, err.Error())
	default:
		s.log.Error().Err(err).Msg("request failed")
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

// ════════════════════════════════════════════════════════════════════
// Shared Validation
// ════════════════════════════════════════════════════════════════════

const symbolMaxLen = 12

// validateSymbol normalizes a ticker and rejects malformed input before
// it reaches the data provider.
func validateSymbol(raw string) (string, error) {
	symbol := strings.ToUpper(strings.TrimSpace(raw))
	if symbol == "" {
		return "", fmt.Errorf("Symbol cannot be empty")
	}
	if len(symbol) > symbolMaxLen {
		return "", fmt.Errorf("Symbol too long (max %d)", symbolMaxLen)
	}
	for _, c := range symbol {
		valid := (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') || c == '.' || c == '-' || c == '^'
		if !valid {
			return "", fmt.Errorf("Symbol contains invalid characters")
		}
	}
	return symbol, nil
}

// historyWindow is the default chart window when the caller gives no
// explicit dates: three years back from today.
func historyWindow() (string, string) {
	now := time.Now().UTC()
	return now.AddDate(-3, 0, 0).Format("2006-01-02"), now.Format("2006-01-02")
}
