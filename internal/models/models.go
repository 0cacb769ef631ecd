// Package models provides the broker-agnostic trading model and AI decision types.
package models

import (
	"time"
)

// InstrumentType represents the asset class of an instrument.
type InstrumentType string

const (
	InstrumentForex       InstrumentType = "forex"
	InstrumentIndices     InstrumentType = "indices"
	InstrumentCommodities InstrumentType = "commodities"
	InstrumentStock       InstrumentType = "stock"
	InstrumentCrypto      InstrumentType = "crypto"
)

// Timeframe is a canonical candle granularity.
type Timeframe string

const (
	TimeframeM1  Timeframe = "M1"
	TimeframeM5  Timeframe = "M5"
	TimeframeM15 Timeframe = "M15"
	TimeframeM30 Timeframe = "M30"
	TimeframeH1  Timeframe = "H1"
	TimeframeH4  Timeframe = "H4"
	TimeframeD   Timeframe = "D"
	TimeframeW   Timeframe = "W"
	TimeframeMN  Timeframe = "M"
)

// AllTimeframes lists the canonical timeframes in ascending order.
var AllTimeframes = []Timeframe{
	TimeframeM1, TimeframeM5, TimeframeM15, TimeframeM30,
	TimeframeH1, TimeframeH4, TimeframeD, TimeframeW, TimeframeMN,
}

// IsValid reports whether the timeframe is one of the canonical values.
func (t Timeframe) IsValid() bool {
	for _, tf := range AllTimeframes {
		if tf == t {
			return true
		}
	}
	return false
}

// Duration returns the nominal length of one candle. Months are approximated as 30 days.
func (t Timeframe) Duration() time.Duration {
	switch t {
	case TimeframeM1:
		return time.Minute
	case TimeframeM5:
		return 5 * time.Minute
	case TimeframeM15:
		return 15 * time.Minute
	case TimeframeM30:
		return 30 * time.Minute
	case TimeframeH1:
		return time.Hour
	case TimeframeH4:
		return 4 * time.Hour
	case TimeframeD:
		return 24 * time.Hour
	case TimeframeW:
		return 7 * 24 * time.Hour
	case TimeframeMN:
		return 30 * 24 * time.Hour
	default:
		return 0
	}
}

// AccountInfo is a point-in-time account snapshot.
// Fields may be mutually inconsistent when the broker reports intermediate values;
// Equity = Balance + UnrealizedPnL is not enforced.
type AccountInfo struct {
	Balance          float64   `json:"balance"`
	Equity           float64   `json:"equity"`
	MarginUsed       float64   `json:"margin_used"`
	MarginAvailable  float64   `json:"margin_available"`
	UnrealizedPnL    float64   `json:"unrealized_pnl"`
	RealizedPnLToday float64   `json:"realized_pnl_today"`
	Currency         string    `json:"currency"`
	Leverage         float64   `json:"leverage"`
	Timestamp        time.Time `json:"timestamp"`
}

// Instrument represents a tradeable instrument in canonical form.
type Instrument struct {
	Symbol        string         `json:"symbol"`
	DisplayName   string         `json:"display_name"`
	Type          InstrumentType `json:"type"`
	MinSize       float64        `json:"min_size"`
	SizeIncrement float64        `json:"size_increment"`
	MarginRate    float64        `json:"margin_rate"`
}

// Tick is a top-of-book quote.
type Tick struct {
	Symbol    string    `json:"symbol"`
	Bid       float64   `json:"bid"`
	Ask       float64   `json:"ask"`
	Timestamp time.Time `json:"timestamp"`
}

// Mid returns the midpoint of bid and ask.
func (t Tick) Mid() float64 {
	return (t.Bid + t.Ask) / 2
}

// Spread returns ask minus bid.
func (t Tick) Spread() float64 {
	return t.Ask - t.Bid
}

// Candle represents OHLCV data for a time period.
type Candle struct {
	Symbol    string    `json:"symbol"`
	Timestamp time.Time `json:"timestamp"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    float64   `json:"volume"`
	Timeframe Timeframe `json:"timeframe"`
}

// Float returns a pointer to v. Handy for optional price fields.
func Float(v float64) *float64 {
	return &v
}
