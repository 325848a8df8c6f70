// Package models defines the core data structures used throughout AceMarket.
package models

import "time"

// Bar represents a single daily OHLC candlestick for one symbol.
type Bar struct {
	Date   time.Time `json:"date"`
	Open   float64   `json:"open"`
	High   float64   `json:"high"`
	Low    float64   `json:"low"`
	Close  float64   `json:"close"`
	Volume int64     `json:"volume,omitempty"`
}

// Valid reports whether the bar satisfies the OHLC sanity invariants:
// all four prices positive, High >= Low, and Open/Close within [Low, High].
func (b Bar) Valid() bool {
	if b.Open <= 0 || b.High <= 0 || b.Low <= 0 || b.Close <= 0 {
		return false
	}
	if b.High < b.Low {
		return false
	}
	if b.Open < b.Low || b.Open > b.High {
		return false
	}
	if b.Close < b.Low || b.Close > b.High {
		return false
	}
	return true
}

// Quote is a lightweight latest-price snapshot for watchlist displays.
type Quote struct {
	Symbol    string  `json:"symbol"`
	Price     float64 `json:"price"`
	PrevClose float64 `json:"prev_close"`
	Change    float64 `json:"change"`
	ChangePct float64 `json:"change_pct"`
}

// SearchResult is one ticker-search hit from the data provider.
type SearchResult struct {
	Symbol   string `json:"symbol"`
	Name     string `json:"name"`
	Exchange string `json:"exchange,omitempty"`
	Type     string `json:"type,omitempty"`
}

// NewsArticle is a single market-news item.
type NewsArticle struct {
	Title       string    `json:"title"`
	Summary     string    `json:"summary,omitempty"`
	URL         string    `json:"url"`
	Source      string    `json:"source"`
	Symbol      string    `json:"symbol,omitempty"`
	PublishedAt time.Time `json:"published_at"`
}
