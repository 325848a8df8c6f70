package api

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"

	"github.com/jreiner16/AceMarket/internal/analytics"
	"github.com/jreiner16/AceMarket/internal/engine"
	"github.com/jreiner16/AceMarket/pkg/models"
)

// loadPortfolio rebuilds the user's live paper portfolio: settings from
// the store applied as the engine config, then the persisted snapshot
// reattached to live price series. Positions whose series cannot be
// fetched are dropped by the restore.
func (s *Server) loadPortfolio(ctx context.Context, uid string) (*engine.Portfolio, models.Settings, error) {
	settings, err := s.store.GetSettings(ctx, uid)
	if err != nil {
		return nil, models.Settings{}, err
	}
	port, err := engine.NewPortfolio(engine.ConfigFromSettings(settings))
	if err != nil {
		return nil, models.Settings{}, err
	}
	state, err := s.store.GetPortfolioState(ctx, uid)
	if err != nil {
		return nil, models.Settings{}, err
	}
	if state != nil {
		start, end := historyWindow()
		port.RestoreFromState(*state, func(symbol string) (*engine.Series, error) {
			return s.market.Series(ctx, symbol, start, end)
		})
	}
	return port, settings, nil
}

func (s *Server) savePortfolio(ctx context.Context, uid string, port *engine.Portfolio) error {
	return s.store.SavePortfolioState(ctx, uid, port.State())
}

// PositionView is one open position in the portfolio payload. Quantity
// is absolute; direction is carried by Side.
type PositionView struct {
	Symbol       string  `json:"symbol"`
	Quantity     float64 `json:"quantity"`
	Side         string  `json:"side"`
	AvgPrice     float64 `json:"avg_price"`
	CurrentPrice float64 `json:"current_price"`
	PnL          float64 `json:"pnl"`
	PnLPct       float64 `json:"pnl_pct"`
	RealizedPnL  float64 `json:"realized_pnl"`
}

func (s *Server) handlePortfolio(w http.ResponseWriter, r *http.Request) {
	uid := userID(r)
	port, settings, err := s.loadPortfolio(r.Context(), uid)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	initial := settings.InitialCash

	positions := []PositionView{}
	for _, pos := range port.Positions() {
		price := pos.Series.LastPrice()
		view := PositionView{
			Symbol:       pos.Symbol,
			Quantity:     math.Abs(pos.Quantity),
			Side:         "long",
			AvgPrice:     pos.AvgPrice,
			CurrentPrice: price,
			PnL:          pos.UnrealizedPnL(engine.AtLatest),
			RealizedPnL:  pos.RealizedPnL,
		}
		if pos.Quantity < 0 {
			view.Side = "short"
		}
		if denom := pos.AvgPrice * math.Abs(pos.Quantity); denom != 0 {
			view.PnLPct = view.PnL / denom * 100
		}
		positions = append(positions, view)
	}

	value := port.GetValue(engine.AtLatest)
	trades := port.TradeLog()
	curve := liveCurve(port, initial, value)

	writeData(w, map[string]any{
		"cash":           port.Cash(),
		"reserved_cash":  port.ReservedCash(engine.AtLatest),
		"buying_power":   port.BuyingPower(engine.AtLatest),
		"short_exposure": port.ShortMarketValue(engine.AtLatest),
		"value":          value,
		"positions":      positions,
		"trade_log":      trades,
		"equity_curve":   curve,
		"initial_cash":   initial,
		"metrics":        analytics.ComputeReport(trades, curve, initial),
	})
}

// liveCurve builds the display equity curve: a starting point at the
// initial cash, the recorded per-fill points annotated with their
// trade's date, and a closing point when the last recorded value has
// drifted from the current mark.
func liveCurve(port *engine.Portfolio, initial, value float64) []models.EquityPoint {
	trades := port.TradeLog()
	curve := append([]models.EquityPoint{{I: 0, V: initial}}, port.EquityCurve()...)
	if math.Abs(curve[len(curve)-1].V-value) > 0.01 {
		i := len(trades)
		if i < 1 {
			i = 1
		}
		curve = append(curve, models.EquityPoint{I: i, V: value})
	}
	for j := range curve {
		if curve[j].Time != nil {
			continue
		}
		// Point k was recorded right after trade k-1 filled.
		if i := curve[j].I; i > 0 && i-1 < len(trades) {
			t := trades[i-1].Date
			curve[j].Time = &t
		}
	}
	return curve
}

// OpenPositionRequest is the body for POST /api/v1/portfolio/position.
type OpenPositionRequest struct {
	Symbol   string  `json:"symbol"`
	Quantity float64 `json:"quantity"`
	Side     string  `json:"side"`
}

func (s *Server) handleOpenPosition(w http.ResponseWriter, r *http.Request) {
	uid := userID(r)
	var req OpenPositionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Quantity <= 0 {
		writeError(w, http.StatusBadRequest, "Quantity must be positive")
		return
	}
	if req.Side != "long" && req.Side != "short" {
		writeError(w, http.StatusBadRequest, "Side must be 'long' or 'short'")
		return
	}
	symbol, err := validateSymbol(req.Symbol)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	start, end := historyWindow()
	series, err := s.market.Series(r.Context(), symbol, start, end)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	port, _, err := s.loadPortfolio(r.Context(), uid)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}

	if req.Side == "long" {
		_, err = port.EnterLong(series, req.Quantity, engine.AtLatest)
	} else {
		_, err = port.EnterShort(series, req.Quantity, engine.AtLatest)
	}
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	if err := s.savePortfolio(r.Context(), uid, port); err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeData(w, map[string]any{
		"ok":      true,
		"message": fmt.Sprintf("Opened %s %g %s", req.Side, req.Quantity, symbol),
	})
}

// ClosePositionRequest is the body for the close-position endpoints.
type ClosePositionRequest struct {
	Symbol   string  `json:"symbol"`
	Quantity float64 `json:"quantity"`
}

func (s *Server) handleClosePosition(w http.ResponseWriter, r *http.Request) {
	uid := userID(r)
	var req ClosePositionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Quantity <= 0 {
		writeError(w, http.StatusBadRequest, "Quantity must be positive")
		return
	}
	symbol, err := validateSymbol(req.Symbol)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	port, _, err := s.loadPortfolio(r.Context(), uid)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	if _, err := port.ExitPosition(symbol, req.Quantity, engine.AtLatest); err != nil {
		s.writeDomainError(w, err)
		return
	}
	if err := s.savePortfolio(r.Context(), uid, port); err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeData(w, map[string]any{
		"ok":      true,
		"message": fmt.Sprintf("Closed %g %s", req.Quantity, symbol),
	})
}

func (s *Server) handleClearPortfolio(w http.ResponseWriter, r *http.Request) {
	uid := userID(r)
	port, settings, err := s.loadPortfolio(r.Context(), uid)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	port.ClearHistory(settings.InitialCash)
	if err := s.savePortfolio(r.Context(), uid, port); err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeData(w, map[string]any{"ok": true, "message": "History cleared"})
}

// ════════════════════════════════════════════════════════════════════
// Settings
// ════════════════════════════════════════════════════════════════════

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	settings, err := s.store.GetSettings(r.Context(), userID(r))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeData(w, settings)
}

// SettingsUpdate is the partial-update body for PUT /api/v1/settings.
// Nil fields keep their stored value.
type SettingsUpdate struct {
	InitialCash            *float64  `json:"initial_cash"`
	Slippage               *float64  `json:"slippage"`
	Commission             *float64  `json:"commission"`
	CommissionPerOrder     *float64  `json:"commission_per_order"`
	CommissionPerShare     *float64  `json:"commission_per_share"`
	AllowShort             *bool     `json:"allow_short"`
	MaxPositions           *int      `json:"max_positions"`
	MaxPositionPct         *float64  `json:"max_position_pct"`
	MinCashReservePct      *float64  `json:"min_cash_reserve_pct"`
	MinTradeValue          *float64  `json:"min_trade_value"`
	MaxTradeValue          *float64  `json:"max_trade_value"`
	MaxOrderQty            *float64  `json:"max_order_qty"`
	ShortMarginRequirement *float64  `json:"short_margin_requirement"`
	AutoLiquidateEnd       *bool     `json:"auto_liquidate_end"`
	ShareMinPct            *float64  `json:"share_min_pct"`
	Watchlist              *[]string `json:"watchlist"`
}

func (u SettingsUpdate) apply(s *models.Settings) {
	setF := func(dst *float64, src *float64) {
		if src != nil {
			*dst = *src
		}
	}
	setF(&s.InitialCash, u.InitialCash)
	setF(&s.Slippage, u.Slippage)
	setF(&s.Commission, u.Commission)
	setF(&s.CommissionPerOrder, u.CommissionPerOrder)
	setF(&s.CommissionPerShare, u.CommissionPerShare)
	setF(&s.MaxPositionPct, u.MaxPositionPct)
	setF(&s.MinCashReservePct, u.MinCashReservePct)
	setF(&s.MinTradeValue, u.MinTradeValue)
	setF(&s.MaxTradeValue, u.MaxTradeValue)
	setF(&s.MaxOrderQty, u.MaxOrderQty)
	setF(&s.ShortMarginRequirement, u.ShortMarginRequirement)
	setF(&s.ShareMinPct, u.ShareMinPct)
	if u.AllowShort != nil {
		s.AllowShort = *u.AllowShort
	}
	if u.MaxPositions != nil {
		s.MaxPositions = *u.MaxPositions
	}
	if u.AutoLiquidateEnd != nil {
		s.AutoLiquidateEnd = *u.AutoLiquidateEnd
	}
	if u.Watchlist != nil {
		s.Watchlist = *u.Watchlist
	}
}

func (s *Server) handleUpdateSettings(w http.ResponseWriter, r *http.Request) {
	uid := userID(r)
	var upd SettingsUpdate
	if err := json.NewDecoder(r.Body).Decode(&upd); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	settings, err := s.store.GetSettings(r.Context(), uid)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	upd.apply(&settings)
	if err := settings.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	// A new bankroll tops the live portfolio up (or down) to the new
	// target value; tiny float drift is left alone.
	if upd.InitialCash != nil {
		port, _, err := s.loadPortfolio(r.Context(), uid)
		if err != nil {
			s.writeDomainError(w, err)
			return
		}
		diff := *upd.InitialCash - port.GetValue(engine.AtLatest)
		if math.Abs(diff) > 0.01 {
			port.AddCash(diff)
		}
		if err := s.savePortfolio(r.Context(), uid, port); err != nil {
			s.writeDomainError(w, err)
			return
		}
	}

	if err := s.store.SaveSettings(r.Context(), uid, settings); err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeData(w, settings)
}
