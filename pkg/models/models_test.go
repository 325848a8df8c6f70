package models

import (
	"encoding/json"
	"math"
	"testing"
	"time"
)

// ════════════════════════════════════════════════════════════════════
// Bar Tests
// ════════════════════════════════════════════════════════════════════

func TestBarValid(t *testing.T) {
	good := Bar{Date: time.Now(), Open: 10, High: 12, Low: 9, Close: 11}
	if !good.Valid() {
		t.Error("expected valid bar")
	}

	tests := []struct {
		name string
		bar  Bar
	}{
		{"zero open", Bar{Open: 0, High: 12, Low: 9, Close: 11}},
		{"negative low", Bar{Open: 10, High: 12, Low: -1, Close: 11}},
		{"high below low", Bar{Open: 10, High: 8, Low: 9, Close: 9.5}},
		{"open above high", Bar{Open: 13, High: 12, Low: 9, Close: 11}},
		{"close below low", Bar{Open: 10, High: 12, Low: 9, Close: 8}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.bar.Valid() {
				t.Errorf("expected invalid bar: %+v", tt.bar)
			}
		})
	}
}

// ════════════════════════════════════════════════════════════════════
// TradeEvent Tests
// ════════════════════════════════════════════════════════════════════

func TestTradeEventCashDelta(t *testing.T) {
	long := TradeEvent{Type: TradeLong, Cost: 1010.10}
	if got := long.CashDelta(); math.Abs(got-(-1010.10)) > 1e-9 {
		t.Errorf("long cash delta: want -1010.10, got %f", got)
	}

	short := TradeEvent{Type: TradeShort, Proceeds: 495}
	if got := short.CashDelta(); math.Abs(got-495) > 1e-9 {
		t.Errorf("short cash delta: want 495, got %f", got)
	}

	exit := TradeEvent{Type: TradeExit, Amount: -302.5}
	if got := exit.CashDelta(); math.Abs(got-(-302.5)) > 1e-9 {
		t.Errorf("exit cash delta: want -302.5, got %f", got)
	}
}

// ════════════════════════════════════════════════════════════════════
// Settings Tests
// ════════════════════════════════════════════════════════════════════

func TestDefaultSettings(t *testing.T) {
	s := DefaultSettings()
	if s.InitialCash != 100000 {
		t.Errorf("expected initial_cash=100000, got %f", s.InitialCash)
	}
	if !s.AllowShort {
		t.Error("expected allow_short=true")
	}
	if s.ShortMarginRequirement != 1.5 {
		t.Errorf("expected short_margin_requirement=1.5, got %f", s.ShortMarginRequirement)
	}
	if s.ShareMinPct != 10 {
		t.Errorf("expected share_min_pct=10, got %f", s.ShareMinPct)
	}
	if !s.AutoLiquidateEnd {
		t.Error("expected auto_liquidate_end=true")
	}
	if len(s.Watchlist) != 4 {
		t.Errorf("expected 4 default watchlist symbols, got %d", len(s.Watchlist))
	}
}

func TestMergeSettings_Empty(t *testing.T) {
	s, err := MergeSettings(nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s.InitialCash != 100000 {
		t.Errorf("empty blob should yield defaults, got initial_cash=%f", s.InitialCash)
	}
}

func TestMergeSettings_PartialOverlay(t *testing.T) {
	raw := []byte(`{"slippage": 0.01, "allow_short": false}`)
	s, err := MergeSettings(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s.Slippage != 0.01 {
		t.Errorf("expected slippage=0.01, got %f", s.Slippage)
	}
	if s.AllowShort {
		t.Error("expected allow_short=false after overlay")
	}
	// Untouched keys keep defaults.
	if s.InitialCash != 100000 {
		t.Errorf("expected default initial_cash, got %f", s.InitialCash)
	}
	if s.ShareMinPct != 10 {
		t.Errorf("expected default share_min_pct, got %f", s.ShareMinPct)
	}
}

func TestMergeSettings_LegacySharePrecision(t *testing.T) {
	tests := []struct {
		raw  string
		want float64
	}{
		{`{"share_precision": 0}`, 100},
		{`{"share_precision": 1}`, 10},
		{`{"share_precision": 2}`, 1},
		{`{"share_precision": 7}`, 1},                          // clamps to finest
		{`{"share_precision": 0, "share_min_pct": 1}`, 1},      // explicit key wins
		{`{"share_min_pct": 100}`, 100},                        // no legacy key at all
	}
	for _, tt := range tests {
		s, err := MergeSettings([]byte(tt.raw))
		if err != nil {
			t.Fatalf("unexpected error for %s: %v", tt.raw, err)
		}
		if s.ShareMinPct != tt.want {
			t.Errorf("%s: expected share_min_pct=%v, got %v", tt.raw, tt.want, s.ShareMinPct)
		}
	}
}

func TestSettingsValidate(t *testing.T) {
	ok := DefaultSettings()
	if err := ok.Validate(); err != nil {
		t.Errorf("defaults should validate, got %v", err)
	}

	// Boundary slippage/commission: 0 and just-below-1 both accepted.
	edge := DefaultSettings()
	edge.Slippage = 0.999999
	edge.Commission = 0
	if err := edge.Validate(); err != nil {
		t.Errorf("boundary slippage/commission should validate, got %v", err)
	}

	bad := []func(*Settings){
		func(s *Settings) { s.InitialCash = 0 },
		func(s *Settings) { s.Slippage = 1 },
		func(s *Settings) { s.Slippage = -0.1 },
		func(s *Settings) { s.Commission = 1.5 },
		func(s *Settings) { s.CommissionPerOrder = -1 },
		func(s *Settings) { s.MaxPositionPct = 1.01 },
		func(s *Settings) { s.MinCashReservePct = -0.2 },
		func(s *Settings) { s.ShortMarginRequirement = 0.9 },
		func(s *Settings) { s.ShortMarginRequirement = 3.5 },
		func(s *Settings) { s.MinTradeValue = 500; s.MaxTradeValue = 100 },
		func(s *Settings) { s.ShareMinPct = 50 },
	}
	for i, mutate := range bad {
		s := DefaultSettings()
		mutate(&s)
		if err := s.Validate(); err == nil {
			t.Errorf("case %d: expected validation error", i)
		}
	}
}

func TestSettingsJSONRoundTrip(t *testing.T) {
	s := DefaultSettings()
	s.Slippage = 0.005
	s.Watchlist = []string{"AAPL"}

	data, err := json.Marshal(s)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var back Settings
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if back.Slippage != 0.005 || len(back.Watchlist) != 1 {
		t.Errorf("round trip mismatch: %+v", back)
	}
}
