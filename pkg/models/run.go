package models

import "time"

// StrategyRecord is a saved user strategy.
type StrategyRecord struct {
	ID        int64     `json:"id"`
	UserID    string    `json:"-"`
	Name      string    `json:"name"`
	Code      string    `json:"code"`
	CreatedAt time.Time `json:"created_at"`
}

// SymbolResult summarizes one per-symbol leg of a backtest run. On failure
// Error carries the message and the value fields are zero.
type SymbolResult struct {
	Symbol     string  `json:"symbol"`
	StartValue float64 `json:"start_value,omitempty"`
	EndValue   float64 `json:"end_value,omitempty"`
	PnL        float64 `json:"pnl,omitempty"`
	Error      string  `json:"error,omitempty"`
}

// RunPortfolio is the aggregated portfolio snapshot stored with a run.
type RunPortfolio struct {
	InitialCash float64       `json:"initial_cash"`
	Value       float64       `json:"value"`
	TradeLog    []TradeEvent  `json:"trade_log"`
	EquityCurve []EquityPoint `json:"equity_curve"`
}

// RunRecord is one completed backtest run. Created once, never mutated.
type RunRecord struct {
	ID           int64          `json:"id"`
	UserID       string         `json:"-"`
	StrategyID   int64          `json:"strategy_id"`
	StrategyName string         `json:"strategy_name"`
	Symbols      []string       `json:"symbols"`
	StartDate    string         `json:"start_date"`
	EndDate      string         `json:"end_date"`
	TrainPct     *float64       `json:"train_pct,omitempty"`
	TrainMetrics *Report        `json:"train_metrics,omitempty"`
	TestMetrics  *Report        `json:"test_metrics,omitempty"`
	Results      []SymbolResult `json:"results"`
	Portfolio    RunPortfolio   `json:"portfolio"`
	Metrics      *Report        `json:"metrics,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
}

// RunSummary is the projection returned by the run-history listing.
type RunSummary struct {
	ID           int64     `json:"id"`
	StrategyID   int64     `json:"strategy_id"`
	StrategyName string    `json:"strategy_name"`
	Symbols      []string  `json:"symbols"`
	StartDate    string    `json:"start_date"`
	EndDate      string    `json:"end_date"`
	FinalValue   float64   `json:"final_value"`
	TotalReturn  float64   `json:"total_return"`
	CreatedAt    time.Time `json:"created_at"`
}

// ════════════════════════════════════════════════════════════════════
// Analytics report types
// ════════════════════════════════════════════════════════════════════

// EquityMetrics describes an equity curve: trade-point statistics plus
// risk ratios computed from the business-day resampled daily series.
type EquityMetrics struct {
	Start               float64   `json:"start"`
	End                 float64   `json:"end"`
	PnL                 float64   `json:"pnl"`
	TotalReturn         float64   `json:"total_return"`
	Peak                float64   `json:"peak"`
	Trough              float64   `json:"trough"`
	MaxDrawdown         float64   `json:"max_drawdown"`
	MaxDrawdownDuration int       `json:"max_drawdown_duration"`
	Drawdowns           []float64 `json:"drawdown_series,omitempty"`
	TradeMeanReturn     float64   `json:"trade_mean_return"`
	TradeStdReturn      float64   `json:"trade_std_return"`
	MeanDailyReturn     float64   `json:"mean_daily_return"`
	StdDailyReturn      float64   `json:"std_daily_return"`
	SharpeAnnual        float64   `json:"sharpe_annual"`
	SortinoAnnual       float64   `json:"sortino_annual"`
	CAGR                float64   `json:"cagr"`
	CalmarAnnual        float64   `json:"calmar_annual"`
	DailyPoints         int       `json:"n_daily"`
}

// TradeMetrics describes the trade log. Win/loss statistics consider exit
// fills only; Turnover covers every fill.
type TradeMetrics struct {
	Trades       int      `json:"trades"`
	Exits        int      `json:"exits"`
	Wins         int      `json:"wins"`
	Losses       int      `json:"losses"`
	WinRate      float64  `json:"win_rate"`
	GrossProfit  float64  `json:"gross_profit"`
	GrossLoss    float64  `json:"gross_loss"`
	AvgWin       float64  `json:"avg_win"`
	AvgLoss      float64  `json:"avg_loss"`
	MaxWin       float64  `json:"max_win"`
	MaxLoss      float64  `json:"max_loss"`
	ProfitFactor *float64 `json:"profit_factor"`
	Turnover     float64  `json:"turnover"`
}

// SymbolStats is the per-symbol trade breakdown row.
type SymbolStats struct {
	Symbol      string  `json:"symbol"`
	Trades      int     `json:"trades"`
	Exits       int     `json:"exits"`
	NetRealized float64 `json:"net_realized"`
}

// Report bundles the full analytics output for one equity curve + trade log.
type Report struct {
	Equity  *EquityMetrics `json:"equity,omitempty"`
	Trades  *TradeMetrics  `json:"trades,omitempty"`
	Symbols []SymbolStats  `json:"symbols,omitempty"`
}
