package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/jreiner16/AceMarket/internal/engine"
	"github.com/jreiner16/AceMarket/internal/run"
	"github.com/jreiner16/AceMarket/internal/store"
	"github.com/jreiner16/AceMarket/internal/strategyql"
)

func (s *Server) handleListStrategies(w http.ResponseWriter, r *http.Request) {
	strategies, err := s.store.ListStrategies(r.Context(), userID(r))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeData(w, map[string]any{"strategies": strategies})
}

// StrategyCreate is the body for POST /api/v1/strategies.
type StrategyCreate struct {
	Name string `json:"name"`
	Code string `json:"code"`
}

// StrategyUpdate is the partial body for PUT /api/v1/strategies/{id}.
type StrategyUpdate struct {
	Name *string `json:"name"`
	Code *string `json:"code"`
}

func (s *Server) handleCreateStrategy(w http.ResponseWriter, r *http.Request) {
	uid := userID(r)
	var req StrategyCreate
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	name := trimmedName(req.Name)
	if name == "" {
		writeError(w, http.StatusBadRequest, "Strategy name cannot be empty")
		return
	}
	if _, err := strategyql.Compile(r.Context(), req.Code); err != nil {
		s.writeDomainError(w, err)
		return
	}

	rec, err := s.store.CreateStrategy(r.Context(), uid, name, req.Code)
	if errors.Is(err, store.ErrDuplicateName) {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("Strategy '%s' already exists", name))
		return
	}
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeData(w, map[string]any{"ok": true, "strategy": rec})
}

func (s *Server) handleGetStrategy(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	rec, err := s.store.GetStrategy(r.Context(), userID(r), id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "Strategy not found")
		return
	}
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeData(w, rec)
}

func (s *Server) handleUpdateStrategy(w http.ResponseWriter, r *http.Request) {
	uid := userID(r)
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var upd StrategyUpdate
	if err := json.NewDecoder(r.Body).Decode(&upd); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	existing, err := s.store.GetStrategy(r.Context(), uid, id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "Strategy not found")
		return
	}
	if err != nil {
		s.writeDomainError(w, err)
		return
	}

	if upd.Name != nil {
		name := trimmedName(*upd.Name)
		if name == "" {
			writeError(w, http.StatusBadRequest, "Strategy name cannot be empty")
			return
		}
		upd.Name = &name
	}
	// The effective code must still compile, whether it changed or not.
	code := existing.Code
	if upd.Code != nil {
		code = *upd.Code
	}
	if _, err := strategyql.Compile(r.Context(), code); err != nil {
		s.writeDomainError(w, err)
		return
	}

	rec, err := s.store.UpdateStrategy(r.Context(), uid, id, upd.Name, upd.Code)
	if errors.Is(err, store.ErrDuplicateName) {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("Strategy '%s' already exists", *upd.Name))
		return
	}
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeData(w, map[string]any{"ok": true, "strategy": rec})
}

func (s *Server) handleDeleteStrategy(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	err := s.store.DeleteStrategy(r.Context(), userID(r), id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "Strategy not found")
		return
	}
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeData(w, map[string]any{"ok": true})
}

// ════════════════════════════════════════════════════════════════════
// Backtest Runs
// ════════════════════════════════════════════════════════════════════

// RunStrategyRequest is the body for POST /api/v1/strategies/run.
type RunStrategyRequest struct {
	StrategyID int64    `json:"strategy_id"`
	Symbols    []string `json:"symbols"`
	StartDate  string   `json:"start_date"`
	EndDate    string   `json:"end_date"`
	TrainPct   *float64 `json:"train_pct"`
}

func (s *Server) handleRunStrategy(w http.ResponseWriter, r *http.Request) {
	uid := userID(r)
	if !s.runRateLimit(w, uid) {
		return
	}
	var req RunStrategyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	strat, err := s.store.GetStrategy(r.Context(), uid, req.StrategyID)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "Strategy not found")
		return
	}
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	settings, err := s.store.GetSettings(r.Context(), uid)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}

	rec, err := s.orch.Execute(r.Context(), run.Request{
		UserID:       uid,
		StrategyID:   strat.ID,
		StrategyName: strat.Name,
		Code:         strat.Code,
		Symbols:      req.Symbols,
		StartDate:    req.StartDate,
		EndDate:      req.EndDate,
		TrainPct:     req.TrainPct,
		Settings:     settings,
	})
	if err != nil {
		s.writeDomainError(w, err)
		return
	}

	id, err := s.store.SaveRun(r.Context(), uid, rec)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	rec.ID = id
	writeData(w, rec)
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	limit := store.MaxRunsPerUser
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	runs, err := s.store.ListRuns(r.Context(), userID(r), limit)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeData(w, map[string]any{"runs": runs})
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	rec, err := s.store.GetRun(r.Context(), userID(r), id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "Run not found")
		return
	}
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeData(w, rec)
}

func (s *Server) handleClearRuns(w http.ResponseWriter, r *http.Request) {
	if err := s.store.ClearRuns(r.Context(), userID(r)); err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeData(w, map[string]any{"ok": true})
}

// ════════════════════════════════════════════════════════════════════
// Monte Carlo
// ════════════════════════════════════════════════════════════════════

// MonteCarloRequest is the body for POST /api/v1/strategies/montecarlo.
// History is bootstrapped from the symbol's bars in [start_date,
// end_date]; Seed fixes the simulation batch for reproducible output.
type MonteCarloRequest struct {
	StrategyID int64  `json:"strategy_id"`
	Symbol     string `json:"symbol"`
	StartDate  string `json:"start_date"`
	EndDate    string `json:"end_date"`
	Sims       int    `json:"n_sims"`
	Horizon    int    `json:"horizon"`
	Seed       *int64 `json:"seed"`
}

func (s *Server) handleMonteCarlo(w http.ResponseWriter, r *http.Request) {
	uid := userID(r)
	if !s.runRateLimit(w, uid) {
		return
	}
	var req MonteCarloRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	symbol, err := validateSymbol(req.Symbol)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	strat, err := s.store.GetStrategy(r.Context(), uid, req.StrategyID)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "Strategy not found")
		return
	}
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	prog, err := strategyql.Compile(r.Context(), strat.Code)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	settings, err := s.store.GetSettings(r.Context(), uid)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}

	start, end := historyWindow()
	if req.StartDate != "" {
		start = req.StartDate
	}
	if req.EndDate != "" {
		end = req.EndDate
	}
	series, err := s.market.Series(r.Context(), symbol, start, end)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}

	seed := time.Now().UnixNano()
	if req.Seed != nil {
		seed = *req.Seed
	}
	factory := func(sim *engine.Series, port *engine.Portfolio) (engine.Strategy, error) {
		return strategyql.NewRunner(prog, sim, port)
	}
	result, err := engine.MonteCarlo(series, factory, engine.MonteCarloParams{
		Sims:      req.Sims,
		Horizon:   req.Horizon,
		Start:     time.Now().UTC(),
		Seed:      seed,
		Portfolio: engine.ConfigFromSettings(settings),
	})
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeData(w, result)
}

// ════════════════════════════════════════════════════════════════════
// Helpers
// ════════════════════════════════════════════════════════════════════

func trimmedName(name string) string { return strings.TrimSpace(name) }

// pathID parses the {id} route parameter, writing a 400 on failure.
func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid id")
		return 0, false
	}
	return id, true
}
