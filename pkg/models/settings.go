package models

import (
	"encoding/json"
	"fmt"
)

// Settings holds the per-user simulation options. Zero values on the
// constraint fields (MaxPositions, MaxPositionPct, MinCashReservePct,
// MinTradeValue, MaxTradeValue, MaxOrderQty) mean "unlimited".
type Settings struct {
	InitialCash            float64  `json:"initial_cash"`
	Slippage               float64  `json:"slippage"`
	Commission             float64  `json:"commission"`
	CommissionPerOrder     float64  `json:"commission_per_order"`
	CommissionPerShare     float64  `json:"commission_per_share"`
	AllowShort             bool     `json:"allow_short"`
	MaxPositions           int      `json:"max_positions"`
	MaxPositionPct         float64  `json:"max_position_pct"`
	MinCashReservePct      float64  `json:"min_cash_reserve_pct"`
	MinTradeValue          float64  `json:"min_trade_value"`
	MaxTradeValue          float64  `json:"max_trade_value"`
	MaxOrderQty            float64  `json:"max_order_qty"`
	ShortMarginRequirement float64  `json:"short_margin_requirement"`
	AutoLiquidateEnd       bool     `json:"auto_liquidate_end"`
	ShareMinPct            float64  `json:"share_min_pct"`
	Watchlist              []string `json:"watchlist"`
}

// DefaultWatchlist is the watchlist assigned to new users.
var DefaultWatchlist = []string{"AAPL", "MSFT", "GOOGL", "TSLA"}

// DefaultSettings returns the settings assigned to a user with no stored
// record. Stored settings are always merged over these defaults so that
// records written by older versions keep working.
func DefaultSettings() Settings {
	return Settings{
		InitialCash:            100000,
		Slippage:               0,
		Commission:             0,
		CommissionPerOrder:     0,
		CommissionPerShare:     0,
		AllowShort:             true,
		MaxPositions:           0,
		MaxPositionPct:         0,
		MinCashReservePct:      0,
		MinTradeValue:          0,
		MaxTradeValue:          0,
		MaxOrderQty:            0,
		ShortMarginRequirement: 1.5,
		AutoLiquidateEnd:       true,
		ShareMinPct:            10,
		Watchlist:              append([]string(nil), DefaultWatchlist...),
	}
}

// legacySharePrecision maps the retired share_precision option (0, 1, 2)
// onto share_min_pct. Values above 2 clamp to 2.
var legacySharePrecision = []float64{100, 10, 1}

// MergeSettings overlays a stored settings blob onto the defaults. Unknown
// keys are ignored; absent keys keep their default. A legacy share_precision
// value is translated to share_min_pct only when the blob itself carries no
// share_min_pct key.
func MergeSettings(raw []byte) (Settings, error) {
	s := DefaultSettings()
	if len(raw) == 0 {
		return s, nil
	}
	if err := json.Unmarshal(raw, &s); err != nil {
		return Settings{}, fmt.Errorf("decode settings: %w", err)
	}

	var keys map[string]json.RawMessage
	if err := json.Unmarshal(raw, &keys); err != nil {
		return Settings{}, fmt.Errorf("decode settings keys: %w", err)
	}
	if _, has := keys["share_min_pct"]; !has {
		if rawPrec, ok := keys["share_precision"]; ok {
			var prec int
			if err := json.Unmarshal(rawPrec, &prec); err == nil {
				if prec < 0 {
					prec = 0
				}
				if prec >= len(legacySharePrecision) {
					prec = len(legacySharePrecision) - 1
				}
				s.ShareMinPct = legacySharePrecision[prec]
			}
		}
	}
	if s.Watchlist == nil {
		s.Watchlist = append([]string(nil), DefaultWatchlist...)
	}
	return s, nil
}

// Validate checks the settings ranges accepted by the settings endpoint.
// It returns a human-readable message for the first violation found.
func (s Settings) Validate() error {
	if s.InitialCash <= 0 {
		return fmt.Errorf("initial_cash must be positive")
	}
	if s.Slippage < 0 || s.Slippage >= 1 {
		return fmt.Errorf("slippage must be in [0, 1)")
	}
	if s.Commission < 0 || s.Commission >= 1 {
		return fmt.Errorf("commission must be in [0, 1)")
	}
	if s.CommissionPerOrder < 0 {
		return fmt.Errorf("commission_per_order must be >= 0")
	}
	if s.CommissionPerShare < 0 {
		return fmt.Errorf("commission_per_share must be >= 0")
	}
	if s.MaxPositions < 0 {
		return fmt.Errorf("max_positions must be >= 0")
	}
	if s.MaxPositionPct < 0 || s.MaxPositionPct > 1 {
		return fmt.Errorf("max_position_pct must be in [0, 1]")
	}
	if s.MinCashReservePct < 0 || s.MinCashReservePct > 1 {
		return fmt.Errorf("min_cash_reserve_pct must be in [0, 1]")
	}
	if s.MinTradeValue < 0 {
		return fmt.Errorf("min_trade_value must be >= 0")
	}
	if s.MaxTradeValue < 0 {
		return fmt.Errorf("max_trade_value must be >= 0")
	}
	if s.MinTradeValue > 0 && s.MaxTradeValue > 0 && s.MaxTradeValue < s.MinTradeValue {
		return fmt.Errorf("max_trade_value must be >= min_trade_value")
	}
	if s.MaxOrderQty < 0 {
		return fmt.Errorf("max_order_qty must be >= 0")
	}
	if s.ShortMarginRequirement < 1 || s.ShortMarginRequirement > 3 {
		return fmt.Errorf("short_margin_requirement must be in [1, 3]")
	}
	if s.ShareMinPct != 100 && s.ShareMinPct != 10 && s.ShareMinPct != 1 {
		return fmt.Errorf("share_min_pct must be one of 100, 10, 1")
	}
	return nil
}
