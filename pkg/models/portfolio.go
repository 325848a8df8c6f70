package models

import "time"

// TradeType classifies a fill: opening/extending a long, opening/extending
// a short, or reducing an existing position.
type TradeType string

const (
	TradeLong  TradeType = "long"
	TradeShort TradeType = "short"
	TradeExit  TradeType = "exit"
)

// TradeEvent records one executed fill. Exactly one of Cost (long entries),
// Proceeds (short entries), or Amount (exits; signed cash delta) is set.
type TradeEvent struct {
	Type        TradeType `json:"type"`
	Symbol      string    `json:"symbol"`
	Quantity    float64   `json:"quantity"`
	RawPrice    float64   `json:"raw_price"`
	FillPrice   float64   `json:"fill_price"`
	Cost        float64   `json:"cost,omitempty"`
	Proceeds    float64   `json:"proceeds,omitempty"`
	Amount      float64   `json:"amount,omitempty"`
	Commission  float64   `json:"commission"`
	RealizedPnL float64   `json:"realized_pnl"`
	BarIndex    int       `json:"i"`
	Date        time.Time `json:"time"`
}

// CashDelta returns the signed cash change this fill applied to the portfolio.
func (t TradeEvent) CashDelta() float64 {
	switch t.Type {
	case TradeLong:
		return -t.Cost
	case TradeShort:
		return t.Proceeds
	default:
		return t.Amount
	}
}

// EquityPoint is a (trade_count, portfolio_value) pair appended after every
// fill. I is the trade-log length immediately after the triggering fill and
// V the mark-to-market value at that bar's close. Time is only set on merged
// multi-symbol curves, where points are annotated with the trade date.
type EquityPoint struct {
	I    int        `json:"i"`
	V    float64    `json:"v"`
	Time *time.Time `json:"time,omitempty"`
}

// PositionState is the persisted shape of one open position.
type PositionState struct {
	Symbol      string  `json:"symbol"`
	Quantity    float64 `json:"quantity"`
	AvgPrice    float64 `json:"avg_price"`
	RealizedPnL float64 `json:"realized_pnl"`
}

// PortfolioState is the persisted shape of a whole portfolio: everything
// needed to rehydrate bookkeeping, minus live price-series references.
type PortfolioState struct {
	Cash        float64                  `json:"cash"`
	Positions   map[string]PositionState `json:"positions"`
	TradeLog    []TradeEvent             `json:"trade_log"`
	EquityCurve []EquityPoint            `json:"equity_curve"`
	Realized    map[string]float64       `json:"realized"`
}
