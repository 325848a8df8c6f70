package engine

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/jreiner16/AceMarket/pkg/models"
)

// ════════════════════════════════════════════════════════════════════
// Portfolio Configuration
// ════════════════════════════════════════════════════════════════════

// Config holds the simulation parameters for one Portfolio.
type Config struct {
	InitialCash        float64 // starting cash balance (may be 0 and funded later)
	Slippage           float64 // fractional slippage per fill, in [0, 1)
	CommissionPct      float64 // commission as a fraction of notional
	CommissionPerOrder float64 // flat commission per order
	CommissionPerShare float64 // commission per share traded

	AllowShort             bool    // whether short entries are admitted
	ShortMarginRequirement float64 // reserve multiple on short market value (default 1.5)
	ShareMinPct            float64 // share increment percent: 100, 10 or 1

	MaxPositions      int     // max distinct symbols held, 0 = unlimited
	MaxPositionPct    float64 // per-trade cap as a fraction of equity, 0 = off
	MinCashReservePct float64 // cash floor as a fraction of equity, buys only, 0 = off
	MinTradeValue     float64 // minimum per-trade notional, 0 = off
	MaxTradeValue     float64 // maximum per-trade notional, 0 = off
	MaxOrderQty       float64 // maximum shares per order, 0 = off
}

// DefaultConfig returns the stock simulation parameters.
func DefaultConfig() Config {
	return Config{
		InitialCash:            100000,
		AllowShort:             true,
		ShortMarginRequirement: 1.5,
		ShareMinPct:            10,
	}
}

// ConfigFromSettings maps persisted user settings onto a Config.
func ConfigFromSettings(s models.Settings) Config {
	return Config{
		InitialCash:            s.InitialCash,
		Slippage:               s.Slippage,
		CommissionPct:          s.Commission,
		CommissionPerOrder:     s.CommissionPerOrder,
		CommissionPerShare:     s.CommissionPerShare,
		AllowShort:             s.AllowShort,
		ShortMarginRequirement: s.ShortMarginRequirement,
		ShareMinPct:            s.ShareMinPct,
		MaxPositions:           s.MaxPositions,
		MaxPositionPct:         s.MaxPositionPct,
		MinCashReservePct:      s.MinCashReservePct,
		MinTradeValue:          s.MinTradeValue,
		MaxTradeValue:          s.MaxTradeValue,
		MaxOrderQty:            s.MaxOrderQty,
	}
}

// ════════════════════════════════════════════════════════════════════
// Validation Errors
// ════════════════════════════════════════════════════════════════════

// ValidationError is a user-facing rejection: a malformed order, an
// admission-check failure, or an out-of-range parameter. The message
// is safe to return verbatim to API clients.
type ValidationError struct {
	msg string
}

func (e *ValidationError) Error() string { return e.msg }

func errValidation(format string, args ...any) error {
	return &ValidationError{msg: fmt.Sprintf(format, args...)}
}

// NewValidationError wraps a user-facing message for collaborating
// packages (sandbox, API) that reject input with the same error kind.
func NewValidationError(msg string) error {
	return &ValidationError{msg: msg}
}

// IsValidation reports whether err is (or wraps) a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// ════════════════════════════════════════════════════════════════════
// Portfolio — Cash and Position State Machine
// ════════════════════════════════════════════════════════════════════

type side int

const (
	sideBuy side = iota
	sideSell
)

// Position is one signed open position. Quantity is positive for
// longs and negative for shorts; AvgPrice is the volume-weighted
// entry basis of the open quantity.
type Position struct {
	Symbol      string
	Series      *Series
	Quantity    float64
	AvgPrice    float64
	RealizedPnL float64
}

// MarketValue returns price(i) × quantity, signed.
func (p *Position) MarketValue(i int) float64 {
	return p.Series.Price(resolveIndex(p.Series, i)) * p.Quantity
}

// UnrealizedPnL returns the open profit at bar i, signed so that a
// short gains when the price falls.
func (p *Position) UnrealizedPnL(i int) float64 {
	px := p.Series.Price(resolveIndex(p.Series, i))
	return (px - p.AvgPrice) * p.Quantity
}

// Portfolio tracks cash, open positions, the trade log and the
// trade-point equity curve for one simulation. It is not safe for
// concurrent use; each request or backtest works on its own instance.
type Portfolio struct {
	cfg       Config
	cash      float64
	positions map[string]*Position
	realized  map[string]float64
	tradeLog  []models.TradeEvent
	equity    []models.EquityPoint
}

// NewPortfolio creates a portfolio funded with cfg.InitialCash.
// Slippage outside [0, 1) is rejected; zero-value margin and share
// increment fields fall back to their defaults.
func NewPortfolio(cfg Config) (*Portfolio, error) {
	if cfg.Slippage < 0 || cfg.Slippage >= 1 {
		return nil, errValidation("Slippage must be in [0, 1)")
	}
	if cfg.ShortMarginRequirement <= 0 {
		cfg.ShortMarginRequirement = 1.5
	}
	if cfg.ShareMinPct <= 0 {
		cfg.ShareMinPct = 100
	}
	if cfg.MaxPositions < 0 {
		cfg.MaxPositions = 0
	}
	if cfg.MaxOrderQty < 0 {
		cfg.MaxOrderQty = 0
	}
	return &Portfolio{
		cfg:       cfg,
		cash:      cfg.InitialCash,
		positions: make(map[string]*Position),
		realized:  make(map[string]float64),
	}, nil
}

// Cash returns the current cash balance.
func (p *Portfolio) Cash() float64 { return p.cash }

// Config returns the simulation parameters in effect.
func (p *Portfolio) Config() Config { return p.cfg }

// AddCash deposits (or with a negative amount withdraws) cash without
// recording a trade.
func (p *Portfolio) AddCash(amount float64) { p.cash += amount }

// Position returns the open position for symbol, or nil.
func (p *Portfolio) Position(symbol string) *Position {
	return p.positions[strings.ToUpper(strings.TrimSpace(symbol))]
}

// Positions returns the open positions sorted by symbol.
func (p *Portfolio) Positions() []*Position {
	out := make([]*Position, 0, len(p.positions))
	for _, pos := range p.positions {
		out = append(out, pos)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// PositionCount returns the number of distinct symbols held.
func (p *Portfolio) PositionCount() int { return len(p.positions) }

// TradeLog returns all recorded fills in order.
func (p *Portfolio) TradeLog() []models.TradeEvent { return p.tradeLog }

// EquityCurve returns the trade-point equity curve: one point after
// every fill, indexed by the trade count at the time.
func (p *Portfolio) EquityCurve() []models.EquityPoint { return p.equity }

// RealizedPnL returns a copy of the cumulative realized P&L per symbol.
// Closed symbols remain in the map.
func (p *Portfolio) RealizedPnL() map[string]float64 {
	out := make(map[string]float64, len(p.realized))
	for k, v := range p.realized {
		out[k] = v
	}
	return out
}

// ────────────────────────────────────────────────────────────────────
// Rounding, Fills, Commission
// ────────────────────────────────────────────────────────────────────

// roundQty snaps a quantity to the configured share increment. An
// increment of a whole share rounds to an integer; fractional
// increments round to the increment and then to two decimals. Rounding
// is half away from zero.
func (p *Portfolio) roundQty(qty float64) float64 {
	pct := p.cfg.ShareMinPct
	if pct <= 0 {
		pct = 100
	}
	inc := pct / 100
	if inc >= 1 {
		return math.Round(qty)
	}
	return math.Round(math.Round(qty/inc)*inc*100) / 100
}

// fillPrice applies slippage against the order: buys fill above the
// raw price, sells below. Slippage is validated at construction.
func (p *Portfolio) fillPrice(s side, price float64) float64 {
	if s == sideBuy {
		return price * (1 + p.cfg.Slippage)
	}
	return price * (1 - p.cfg.Slippage)
}

// commission computes the charge for a fill. Per-order/per-share
// pricing takes precedence over percent-of-notional.
func (p *Portfolio) commission(qty, notional float64) float64 {
	if p.cfg.CommissionPerOrder > 0 || p.cfg.CommissionPerShare > 0 {
		return p.cfg.CommissionPerOrder + p.cfg.CommissionPerShare*math.Abs(qty)
	}
	if p.cfg.CommissionPct > 0 {
		return p.cfg.CommissionPct * math.Abs(notional)
	}
	return 0
}

// EstimateBuyCost returns the all-in cash outlay to buy qty at the raw
// price, slippage and commission included. The quantity is not rounded.
func (p *Portfolio) EstimateBuyCost(qty, price float64) float64 {
	fill := p.fillPrice(sideBuy, price)
	notional := fill * qty
	return notional + p.commission(qty, notional)
}

// EstimateSellProceeds returns the net cash received for selling qty at
// the raw price, slippage and commission included.
func (p *Portfolio) EstimateSellProceeds(qty, price float64) float64 {
	fill := p.fillPrice(sideSell, price)
	notional := fill * qty
	return notional - p.commission(qty, notional)
}

// MaxAffordableBuy returns the largest increment-aligned quantity whose
// all-in cost fits within cash × (1 − reserveFraction), walking down by
// one increment at a time from the naive estimate.
func (p *Portfolio) MaxAffordableBuy(price, reserveFraction float64) float64 {
	fill := p.fillPrice(sideBuy, price)
	if fill <= 0 {
		return 0
	}
	maxCost := p.cash * (1 - reserveFraction)
	if maxCost <= 0 {
		return 0
	}
	pct := p.cfg.ShareMinPct
	if pct <= 0 {
		pct = 100
	}
	inc := math.Max(0.001, pct/100)

	qty := p.roundQty(maxCost / fill)
	for qty > 0 {
		if p.EstimateBuyCost(qty, price) <= maxCost {
			return qty
		}
		qty = p.roundQty(math.Max(0, qty-inc))
	}
	return 0
}

// ────────────────────────────────────────────────────────────────────
// Valuation
// ────────────────────────────────────────────────────────────────────

// GetValue returns total equity at bar index i: cash plus the signed
// market value of every open position. Pass AtLatest for the most
// recent bar of each series.
func (p *Portfolio) GetValue(i int) float64 {
	value := p.cash
	for _, pos := range p.positions {
		value += pos.MarketValue(i)
	}
	return value
}

// ShortMarketValue returns the absolute market value of all short
// positions at bar index i.
func (p *Portfolio) ShortMarketValue(i int) float64 {
	total := 0.0
	for _, pos := range p.positions {
		if pos.Quantity < 0 {
			total += pos.Series.Price(resolveIndex(pos.Series, i)) * -pos.Quantity
		}
	}
	return total
}

// ReservedCash returns the cash that must stay untouched at bar index
// i: the margin reserve on shorts plus the configured cash floor.
func (p *Portfolio) ReservedCash(i int) float64 {
	views := make(map[string]posView, len(p.positions))
	for sym, pos := range p.positions {
		views[sym] = posView{series: pos.Series, qty: pos.Quantity}
	}
	return p.projectedReserve(p.cash, views, i)
}

// BuyingPower returns cash minus reserved cash at bar index i. It may
// be negative when margin debt exceeds free cash.
func (p *Portfolio) BuyingPower(i int) float64 {
	return p.cash - p.ReservedCash(i)
}

// posView is a hypothetical position used for margin projection.
type posView struct {
	series *Series
	qty    float64
}

// projectedReserve computes the reserve for a hypothetical cash and
// position state. Equity uses the same bar index for every series.
func (p *Portfolio) projectedReserve(cash float64, views map[string]posView, i int) float64 {
	equity := cash
	shortMV := 0.0
	for _, v := range views {
		px := v.series.Price(resolveIndex(v.series, i))
		equity += px * v.qty
		if v.qty < 0 {
			shortMV += px * -v.qty
		}
	}
	reserved := 0.0
	if shortMV > 0 {
		reserved += p.cfg.ShortMarginRequirement * shortMV
	}
	if p.cfg.MinCashReservePct > 0 {
		reserved += p.cfg.MinCashReservePct * math.Max(0, equity)
	}
	return reserved
}

// ────────────────────────────────────────────────────────────────────
// Order Admission
// ────────────────────────────────────────────────────────────────────

// checkOrder runs every admission gate for an entry order, in a fixed
// sequence so the first failing constraint names the rejection. It
// mutates nothing.
func (p *Portfolio) checkOrder(series *Series, s side, qty float64, i int, tradeValue, cashChange float64) error {
	if qty <= 0 {
		return errValidation("Quantity must be positive")
	}
	if p.cfg.MaxOrderQty > 0 && qty > p.cfg.MaxOrderQty {
		return errValidation("Order qty exceeds max_order_qty (%g)", p.cfg.MaxOrderQty)
	}
	if p.cfg.MinTradeValue > 0 && tradeValue < p.cfg.MinTradeValue {
		return errValidation("Trade value is below minimum")
	}
	if p.cfg.MaxTradeValue > 0 && tradeValue > p.cfg.MaxTradeValue {
		return errValidation("Trade value exceeds maximum")
	}

	symbol := series.Symbol()
	if _, held := p.positions[symbol]; !held {
		if p.cfg.MaxPositions > 0 && len(p.positions) >= p.cfg.MaxPositions {
			return errValidation("Max positions reached (%d)", p.cfg.MaxPositions)
		}
	}

	equity := p.GetValue(i)
	if p.cfg.MaxPositionPct > 0 && equity > 0 {
		limit := equity * p.cfg.MaxPositionPct
		if tradeValue > limit+1e-9 {
			return errValidation("Trade exceeds max_position_pct cap")
		}
	}
	if s == sideBuy && p.cfg.MinCashReservePct > 0 && equity > 0 {
		reserve := equity * p.cfg.MinCashReservePct
		if p.cash-tradeValue < reserve-1e-9 {
			return errValidation("Trade would violate cash reserve")
		}
	}
	if cashChange < 0 {
		if need := -cashChange; p.cash+1e-9 < need {
			return errValidation("Not enough cash to enter position")
		}
	}

	// Margin projection: apply the order to a hypothetical book and
	// require non-negative buying power afterwards.
	views := make(map[string]posView, len(p.positions)+1)
	for sym, pos := range p.positions {
		views[sym] = posView{series: pos.Series, qty: pos.Quantity}
	}
	delta := qty
	if s == sideSell {
		delta = -qty
	}
	cur := views[symbol].qty
	if post := cur + delta; post == 0 {
		delete(views, symbol)
	} else {
		views[symbol] = posView{series: series, qty: post}
	}
	cashAfter := p.cash + cashChange
	if bp := cashAfter - p.projectedReserve(cashAfter, views, i); bp < -1e-6 {
		return errValidation("Insufficient buying power (margin)")
	}
	return nil
}

// ────────────────────────────────────────────────────────────────────
// Trading
// ────────────────────────────────────────────────────────────────────

// EnterLong buys qty shares of the series at bar index i (AtLatest for
// the most recent bar). A buy against an open short covers the short
// first, realizing P&L, and opens a fresh long with any remainder.
func (p *Portfolio) EnterLong(series *Series, qty float64, i int) (models.TradeEvent, error) {
	qty = p.roundQty(qty)
	i = resolveIndex(series, i)
	raw := series.Price(i)
	fill := p.fillPrice(sideBuy, raw)
	notional := fill * qty
	comm := p.commission(qty, notional)
	cost := notional + comm

	if err := p.checkOrder(series, sideBuy, qty, i, cost, -cost); err != nil {
		return models.TradeEvent{}, err
	}

	symbol := series.Symbol()
	realized := 0.0
	pos := p.positions[symbol]
	switch {
	case pos == nil || pos.Quantity == 0:
		p.positions[symbol] = &Position{Symbol: symbol, Series: series, Quantity: qty, AvgPrice: fill}
	case pos.Quantity > 0:
		// Scale into the long at a volume-weighted basis.
		total := pos.Quantity + qty
		pos.AvgPrice = (pos.AvgPrice*pos.Quantity + fill*qty) / total
		pos.Quantity = total
		pos.Series = series
	default:
		// Cover the short, then open a long with anything left over.
		cover := math.Min(qty, -pos.Quantity)
		realized = (pos.AvgPrice - fill) * cover
		remaining := pos.Quantity + qty
		if remaining == 0 {
			delete(p.positions, symbol)
		} else if remaining > 0 {
			p.positions[symbol] = &Position{Symbol: symbol, Series: series, Quantity: remaining, AvgPrice: fill, RealizedPnL: pos.RealizedPnL}
		} else {
			pos.Quantity = remaining
			pos.Series = series
		}
	}
	p.settleRealized(symbol, realized)

	event := models.TradeEvent{
		Type:        models.TradeLong,
		Symbol:      symbol,
		Quantity:    qty,
		RawPrice:    raw,
		FillPrice:   fill,
		Cost:        cost,
		Commission:  comm,
		RealizedPnL: realized,
		BarIndex:    i,
		Date:        series.Date(i),
	}
	p.record(event, -cost, i)
	return event, nil
}

// EnterShort sells qty shares short at bar index i. Shorting against
// an open long reduces the long first, realizing P&L, and opens a
// fresh short with any remainder. Proceeds are credited to cash; the
// margin reserve keeps them from being spent.
func (p *Portfolio) EnterShort(series *Series, qty float64, i int) (models.TradeEvent, error) {
	if !p.cfg.AllowShort {
		return models.TradeEvent{}, errValidation("Short selling is disabled")
	}
	qty = p.roundQty(qty)
	i = resolveIndex(series, i)
	raw := series.Price(i)
	fill := p.fillPrice(sideSell, raw)
	notional := fill * qty
	comm := p.commission(qty, notional)
	proceeds := notional - comm

	if err := p.checkOrder(series, sideSell, qty, i, notional, proceeds); err != nil {
		return models.TradeEvent{}, err
	}

	symbol := series.Symbol()
	realized := 0.0
	pos := p.positions[symbol]
	switch {
	case pos == nil || pos.Quantity == 0:
		p.positions[symbol] = &Position{Symbol: symbol, Series: series, Quantity: -qty, AvgPrice: fill}
	case pos.Quantity < 0:
		// Scale into the short at a volume-weighted basis.
		total := -pos.Quantity + qty
		pos.AvgPrice = (pos.AvgPrice*-pos.Quantity + fill*qty) / total
		pos.Quantity = -total
		pos.Series = series
	default:
		// Sell down the long, then open a short with anything left over.
		sold := math.Min(qty, pos.Quantity)
		realized = (fill - pos.AvgPrice) * sold
		remaining := pos.Quantity - qty
		if remaining == 0 {
			delete(p.positions, symbol)
		} else if remaining < 0 {
			p.positions[symbol] = &Position{Symbol: symbol, Series: series, Quantity: remaining, AvgPrice: fill, RealizedPnL: pos.RealizedPnL}
		} else {
			pos.Quantity = remaining
			pos.Series = series
		}
	}
	p.settleRealized(symbol, realized)

	event := models.TradeEvent{
		Type:        models.TradeShort,
		Symbol:      symbol,
		Quantity:    qty,
		RawPrice:    raw,
		FillPrice:   fill,
		Proceeds:    proceeds,
		Commission:  comm,
		RealizedPnL: realized,
		BarIndex:    i,
		Date:        series.Date(i),
	}
	p.record(event, proceeds, i)
	return event, nil
}

// ExitPosition closes up to qty shares of an open position at bar
// index i. Longs are sold, shorts are bought back. Exits bypass the
// entry admission gates; only existence and size are checked.
func (p *Portfolio) ExitPosition(symbol string, qty float64, i int) (models.TradeEvent, error) {
	qty = p.roundQty(qty)
	if qty <= 0 {
		return models.TradeEvent{}, errValidation("Quantity must be positive")
	}
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	pos := p.positions[symbol]
	if pos == nil {
		return models.TradeEvent{}, errValidation("Stock not found in portfolio")
	}
	if qty > math.Abs(pos.Quantity) {
		return models.TradeEvent{}, errValidation("Quantity exceeds position size")
	}

	i = resolveIndex(pos.Series, i)
	raw := pos.Series.Price(i)

	var fill, amount, realized, comm float64
	if pos.Quantity > 0 {
		// Sell the long: proceeds come in net of commission.
		fill = p.fillPrice(sideSell, raw)
		notional := fill * qty
		comm = p.commission(qty, notional)
		amount = notional - comm
		realized = (fill-pos.AvgPrice)*qty - comm
		pos.Quantity -= qty
	} else {
		// Buy back the short: the buyback spends cash.
		fill = p.fillPrice(sideBuy, raw)
		notional := fill * qty
		comm = p.commission(qty, notional)
		amount = -(notional + comm)
		realized = (pos.AvgPrice-fill)*qty - comm
		pos.Quantity += qty
	}

	p.realized[symbol] += realized
	pos.RealizedPnL = p.realized[symbol]
	if pos.Quantity == 0 {
		delete(p.positions, symbol)
	}

	event := models.TradeEvent{
		Type:        models.TradeExit,
		Symbol:      symbol,
		Quantity:    qty,
		RawPrice:    raw,
		FillPrice:   fill,
		Amount:      amount,
		Commission:  comm,
		RealizedPnL: realized,
		BarIndex:    i,
		Date:        pos.Series.Date(i),
	}
	p.record(event, amount, i)
	return event, nil
}

// settleRealized folds entry-side realized P&L (from covers and
// sell-downs) into the per-symbol totals. Zero amounts do not create
// table rows. The surviving position, if any, is synced to the total
// so re-entries carry the symbol's history.
func (p *Portfolio) settleRealized(symbol string, realized float64) {
	if realized != 0 {
		p.realized[symbol] += realized
	}
	if pos := p.positions[symbol]; pos != nil {
		pos.RealizedPnL = p.realized[symbol]
	}
}

// record appends the fill to the trade log, settles cash, and marks
// the equity curve. The equity point's trade index counts the log
// after the append.
func (p *Portfolio) record(event models.TradeEvent, cashChange float64, i int) {
	p.tradeLog = append(p.tradeLog, event)
	p.cash += cashChange
	p.equity = append(p.equity, models.EquityPoint{I: len(p.tradeLog), V: p.GetValue(i)})
}

// ────────────────────────────────────────────────────────────────────
// Snapshots
// ────────────────────────────────────────────────────────────────────

// State exports a deep snapshot suitable for persistence.
func (p *Portfolio) State() models.PortfolioState {
	positions := make(map[string]models.PositionState, len(p.positions))
	for sym, pos := range p.positions {
		positions[sym] = models.PositionState{
			Symbol:      sym,
			Quantity:    pos.Quantity,
			AvgPrice:    pos.AvgPrice,
			RealizedPnL: pos.RealizedPnL,
		}
	}
	realized := make(map[string]float64, len(p.realized))
	for k, v := range p.realized {
		realized[k] = v
	}
	return models.PortfolioState{
		Cash:        p.cash,
		Positions:   positions,
		TradeLog:    append([]models.TradeEvent(nil), p.tradeLog...),
		EquityCurve: append([]models.EquityPoint(nil), p.equity...),
		Realized:    realized,
	}
}

// RestoreFromState replaces the portfolio's entire state with a
// persisted snapshot. Price series are reattached through getSeries;
// positions whose series cannot be resolved are dropped, as are blank
// symbols and zero quantities.
func (p *Portfolio) RestoreFromState(state models.PortfolioState, getSeries func(symbol string) (*Series, error)) {
	p.cash = state.Cash
	p.tradeLog = append([]models.TradeEvent(nil), state.TradeLog...)
	p.equity = append([]models.EquityPoint(nil), state.EquityCurve...)
	p.realized = make(map[string]float64, len(state.Realized))
	for k, v := range state.Realized {
		p.realized[k] = v
	}
	p.positions = make(map[string]*Position, len(state.Positions))
	for key, ps := range state.Positions {
		symbol := ps.Symbol
		if symbol == "" {
			symbol = key
		}
		symbol = strings.ToUpper(strings.TrimSpace(symbol))
		if symbol == "" || ps.Quantity == 0 {
			continue
		}
		series, err := getSeries(symbol)
		if err != nil || series == nil {
			continue
		}
		p.positions[symbol] = &Position{
			Symbol:      symbol,
			Series:      series,
			Quantity:    ps.Quantity,
			AvgPrice:    ps.AvgPrice,
			RealizedPnL: ps.RealizedPnL,
		}
	}
}

// ClearHistory wipes positions, logs and realized P&L and resets cash.
func (p *Portfolio) ClearHistory(initialCash float64) {
	p.cash = initialCash
	p.positions = make(map[string]*Position)
	p.realized = make(map[string]float64)
	p.tradeLog = nil
	p.equity = nil
}
