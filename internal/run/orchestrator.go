// Package run coordinates multi-symbol backtest executions: it splits
// capital across symbols, replays the compiled strategy per leg, merges
// the per-symbol equity curves onto one wall-clock timeline, and bundles
// the analytics into a persistable run record.
package run

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/jreiner16/AceMarket/internal/analytics"
	"github.com/jreiner16/AceMarket/internal/engine"
	"github.com/jreiner16/AceMarket/internal/logging"
	"github.com/jreiner16/AceMarket/internal/strategyql"
	"github.com/jreiner16/AceMarket/pkg/models"
)

// DateLayout is the wire format for run boundary dates.
const DateLayout = "2006-01-02"

// SeriesSource resolves a ticker to its price history covering the
// requested date window.
type SeriesSource interface {
	Series(ctx context.Context, symbol, startDate, endDate string) (*engine.Series, error)
}

// Notifier receives progress events during a run. api's websocket hub
// implements it; a nil Notifier disables progress reporting.
type Notifier interface {
	Notify(userID string, event any)
}

// Progress is one per-symbol progress event. State is "running", "done"
// or "error"; a final event with an empty Symbol and state "complete"
// closes the run.
type Progress struct {
	Kind   string `json:"kind"`
	Run    string `json:"run"`
	Symbol string `json:"symbol,omitempty"`
	State  string `json:"state"`
}

// Request describes one backtest run.
type Request struct {
	UserID       string
	StrategyID   int64
	StrategyName string
	Code         string
	Symbols      []string
	StartDate    string
	EndDate      string
	TrainPct     *float64
	Settings     models.Settings
}

// Orchestrator executes backtest runs against a series source.
type Orchestrator struct {
	source SeriesSource
	notify Notifier
	log    zerolog.Logger
}

// New builds an orchestrator. notify may be nil.
func New(source SeriesSource, notify Notifier) *Orchestrator {
	return &Orchestrator{
		source: source,
		notify: notify,
		log:    logging.Component("run"),
	}
}

// Execute runs the strategy over every requested symbol and returns the
// assembled run record (ID and CreatedAt are left for the store).
// Per-symbol failures become {symbol, error} rows; only request-level
// problems (bad dates, bad train_pct, code that fails to compile) return
// an error.
func (o *Orchestrator) Execute(ctx context.Context, req Request) (*models.RunRecord, error) {
	symbols := normalizeSymbols(req.Symbols)
	if len(symbols) == 0 {
		return nil, engine.NewValidationError("Select at least one stock")
	}
	if req.TrainPct != nil && (*req.TrainPct <= 0 || *req.TrainPct >= 1) {
		return nil, engine.NewValidationError("train_pct must be between 0 and 1 (exclusive)")
	}
	startDate, err := time.Parse(DateLayout, req.StartDate)
	if err != nil {
		return nil, engine.NewValidationError("start_date must be YYYY-MM-DD")
	}
	endDate, err := time.Parse(DateLayout, req.EndDate)
	if err != nil {
		return nil, engine.NewValidationError("end_date must be YYYY-MM-DD")
	}

	prog, err := strategyql.Compile(ctx, req.Code)
	if err != nil {
		return nil, err
	}

	initialTotal := req.Settings.InitialCash
	cashPerSymbol := initialTotal / float64(len(symbols))
	cfg := engine.ConfigFromSettings(req.Settings)
	cfg.InitialCash = cashPerSymbol

	var splitDate time.Time
	split := req.TrainPct != nil
	if split {
		days := int(endDate.Sub(startDate).Hours() / 24)
		splitDate = startDate.AddDate(0, 0, int(float64(days)**req.TrainPct))
	}

	runID := uuid.NewString()
	o.progress(req.UserID, Progress{Kind: "run_progress", Run: runID, State: "running"})

	var (
		results      []models.SymbolResult
		combinedLog  []models.TradeEvent
		curves       []symbolCurve
		totalEnd     float64
		trainMetrics *models.Report
		testMetrics  *models.Report
	)

	for _, symbol := range symbols {
		o.progress(req.UserID, Progress{Kind: "run_progress", Run: runID, Symbol: symbol, State: "running"})

		leg, err := o.runSymbol(ctx, symbolRun{
			symbol:    symbol,
			prog:      prog,
			cfg:       cfg,
			startDate: startDate,
			endDate:   endDate,
			splitDate: splitDate,
			split:     split,
			autoLiq:   req.Settings.AutoLiquidateEnd,
		})
		if err != nil {
			o.log.Warn().Str("symbol", symbol).Err(err).Msg("strategy run failed")
			results = append(results, models.SymbolResult{Symbol: symbol, Error: err.Error()})
			o.progress(req.UserID, Progress{Kind: "run_progress", Run: runID, Symbol: symbol, State: "error"})
			continue
		}

		results = append(results, models.SymbolResult{
			Symbol:     symbol,
			StartValue: cashPerSymbol,
			EndValue:   leg.endValue,
			PnL:        leg.endValue - cashPerSymbol,
		})
		totalEnd += leg.endValue
		combinedLog = append(combinedLog, leg.trades...)
		curves = append(curves, symbolCurve{points: leg.curve, trades: leg.trades})

		// Walk-forward metrics come from the first symbol that finishes.
		if split && trainMetrics == nil {
			trainMetrics = legReport(leg.trainCurve, leg.trainTrades, cashPerSymbol, startDate)
		}
		if split && testMetrics == nil {
			testMetrics = legReport(leg.curve, leg.trades, cashPerSymbol, splitDate)
		}

		o.progress(req.UserID, Progress{Kind: "run_progress", Run: runID, Symbol: symbol, State: "done"})
	}

	merged := mergeCurves(curves, initialTotal, startDate, endDate)
	metrics := analytics.ComputeReport(combinedLog, merged, initialTotal)

	o.progress(req.UserID, Progress{Kind: "run_progress", Run: runID, State: "complete"})

	return &models.RunRecord{
		UserID:       req.UserID,
		StrategyID:   req.StrategyID,
		StrategyName: req.StrategyName,
		Symbols:      symbols,
		StartDate:    req.StartDate,
		EndDate:      req.EndDate,
		TrainPct:     req.TrainPct,
		TrainMetrics: trainMetrics,
		TestMetrics:  testMetrics,
		Results:      results,
		Portfolio: models.RunPortfolio{
			InitialCash: initialTotal,
			Value:       totalEnd,
			TradeLog:    combinedLog,
			EquityCurve: merged,
		},
		Metrics: metrics,
	}, nil
}

// ────────────────────────────────────────────────────────────────────
// Per-symbol legs
// ────────────────────────────────────────────────────────────────────

type symbolRun struct {
	symbol    string
	prog      *strategyql.Program
	cfg       engine.Config
	startDate time.Time
	endDate   time.Time
	splitDate time.Time
	split     bool
	autoLiq   bool
}

type legResult struct {
	endValue    float64
	trades      []models.TradeEvent
	curve       []models.EquityPoint
	trainTrades []models.TradeEvent
	trainCurve  []models.EquityPoint
}

func (o *Orchestrator) runSymbol(ctx context.Context, sr symbolRun) (*legResult, error) {
	series, err := o.source.Series(ctx, sr.symbol, sr.startDate.Format(DateLayout), sr.endDate.Format(DateLayout))
	if err != nil {
		return nil, err
	}

	res := &legResult{}

	if sr.split {
		// Train leg: its portfolio is discarded, only the snapshot survives.
		trainPort, err := o.runLeg(sr.prog, series, sr.cfg, sr.startDate, sr.splitDate, false)
		if err != nil {
			return nil, err
		}
		res.trainTrades = trainPort.TradeLog()
		res.trainCurve = trainPort.EquityCurve()

		port, err := o.runLeg(sr.prog, series, sr.cfg, sr.splitDate, sr.endDate, sr.autoLiq)
		if err != nil {
			return nil, err
		}
		res.trades = port.TradeLog()
		res.curve = port.EquityCurve()
		res.endValue = port.GetValue(series.ToIndex(sr.endDate))
		return res, nil
	}

	port, err := o.runLeg(sr.prog, series, sr.cfg, sr.startDate, sr.endDate, sr.autoLiq)
	if err != nil {
		return nil, err
	}
	res.trades = port.TradeLog()
	res.curve = port.EquityCurve()
	res.endValue = port.GetValue(series.ToIndex(sr.endDate))
	return res, nil
}

// runLeg replays one window on a fresh portfolio and strategy instance,
// optionally liquidating whatever is left at the final bar.
func (o *Orchestrator) runLeg(prog *strategyql.Program, series *engine.Series, cfg engine.Config, from, to time.Time, autoLiq bool) (*engine.Portfolio, error) {
	port, err := engine.NewPortfolio(cfg)
	if err != nil {
		return nil, err
	}
	strat, err := strategyql.NewRunner(prog, series, port)
	if err != nil {
		return nil, err
	}

	start := series.ToIndex(from)
	end := series.ToIndex(to)
	if err := engine.BacktestRange(strat, series, start, end); err != nil {
		return nil, err
	}

	if autoLiq {
		if pos := port.Position(series.Symbol()); pos != nil && pos.Quantity != 0 {
			if _, err := port.ExitPosition(series.Symbol(), math.Abs(pos.Quantity), end); err != nil {
				return nil, fmt.Errorf("auto-liquidation: %w", err)
			}
		}
	}
	return port, nil
}

// legReport computes walk-forward leg analytics: the leg curve with a
// dated starting point prepended.
func legReport(curve []models.EquityPoint, trades []models.TradeEvent, initial float64, legStart time.Time) *models.Report {
	start := legStart
	pts := make([]models.EquityPoint, 0, len(curve)+1)
	pts = append(pts, models.EquityPoint{I: 0, V: initial, Time: &start})
	pts = append(pts, curve...)
	return analytics.ComputeReport(trades, pts, initial)
}

// ────────────────────────────────────────────────────────────────────
// Equity-curve merge
// ────────────────────────────────────────────────────────────────────

type symbolCurve struct {
	points []models.EquityPoint
	trades []models.TradeEvent
}

// mergeCurves combines per-symbol trade-point curves onto one timeline.
// Zero successful symbols yield a flat two-point curve; one symbol keeps
// its own curve with a starting point prepended; several symbols are
// merged by streaming dated events and summing per-symbol last-known
// values, keeping the last point per date.
func mergeCurves(curves []symbolCurve, initial float64, startDate, endDate time.Time) []models.EquityPoint {
	switch len(curves) {
	case 0:
		end := endDate
		return []models.EquityPoint{
			{I: 0, V: initial},
			{I: 1, V: initial, Time: &end},
		}
	case 1:
		return singleCurve(curves[0], initial, startDate, endDate)
	default:
		return multiCurve(curves, initial)
	}
}

func singleCurve(sc symbolCurve, initial float64, startDate, endDate time.Time) []models.EquityPoint {
	start := startDate
	out := []models.EquityPoint{{I: 0, V: initial, Time: &start}}
	for j, pt := range sc.points {
		p := models.EquityPoint{I: pt.I, V: pt.V, Time: pt.Time}
		if p.Time == nil && j < len(sc.trades) {
			t := sc.trades[j].Date
			p.Time = &t
		}
		out = append(out, p)
	}
	if last := &out[len(out)-1]; last.Time == nil {
		end := endDate
		last.Time = &end
	}
	return out
}

type curveEvent struct {
	date   time.Time
	symIdx int
	value  float64
}

func multiCurve(curves []symbolCurve, initial float64) []models.EquityPoint {
	var events []curveEvent
	for idx, sc := range curves {
		for j, pt := range sc.points {
			ev := curveEvent{symIdx: idx, value: pt.V}
			switch {
			case pt.Time != nil:
				ev.date = *pt.Time
			case j < len(sc.trades):
				ev.date = sc.trades[j].Date
			default:
				continue
			}
			events = append(events, ev)
		}
	}
	sort.SliceStable(events, func(i, j int) bool {
		if !events[i].date.Equal(events[j].date) {
			return events[i].date.Before(events[j].date)
		}
		return events[i].symIdx < events[j].symIdx
	})

	// Each symbol starts at its own share of the initial cash.
	current := make([]float64, len(curves))
	for i := range current {
		current[i] = initial / float64(len(curves))
	}

	out := []models.EquityPoint{{I: 0, V: initial}}
	for _, ev := range events {
		current[ev.symIdx] = ev.value
		combined := 0.0
		for _, v := range current {
			combined += v
		}
		// Same-date events collapse onto one point, last value wins.
		if last := &out[len(out)-1]; last.Time != nil && sameDate(*last.Time, ev.date) {
			last.V = combined
			continue
		}
		date := ev.date
		out = append(out, models.EquityPoint{I: len(out), V: combined, Time: &date})
	}
	return out
}

func normalizeSymbols(symbols []string) []string {
	out := make([]string, 0, len(symbols))
	for _, s := range symbols {
		if s = strings.ToUpper(strings.TrimSpace(s)); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func sameDate(a, b time.Time) bool {
	ay, am, ad := a.UTC().Date()
	by, bm, bd := b.UTC().Date()
	return ay == by && am == bm && ad == bd
}

func (o *Orchestrator) progress(userID string, ev Progress) {
	if o.notify != nil {
		o.notify.Notify(userID, ev)
	}
}
