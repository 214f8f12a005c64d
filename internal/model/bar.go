package model

import (
	"encoding/json"
	"time"
)

// Bar is one OHLCV record for a fixed time bucket of one instrument.
// Epoch is the bucket start in Unix seconds, truncated to the interval
// boundary. Bars for one (instrument, interval) are keyed by Epoch; keys
// are unique and consumers always read in ascending Epoch order.
type Bar struct {
	Epoch      int64   `json:"epoch"`
	Open       float64 `json:"open"`
	High       float64 `json:"high"`
	Low        float64 `json:"low"`
	Close      float64 `json:"close"`
	Volume     int64   `json:"volume"`
	MarketDate string  `json:"market_date"` // trading-session date, YYYY-MM-DD
}

// JSON returns the JSON-encoded bar (ignoring errors for hot-path usage).
func (b *Bar) JSON() []byte {
	out, _ := json.Marshal(b)
	return out
}

// Tick is a single real-time price update pushed by the feed.
type Tick struct {
	Symbol string    `json:"symbol"`
	Price  float64   `json:"price"`
	Qty    int64     `json:"qty"`
	TickTS time.Time `json:"tick_ts"`
}
