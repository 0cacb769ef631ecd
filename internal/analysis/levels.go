package analysis

import (
	"math"
	"sort"

	"tradebridge/internal/models"
)

// Pivots holds classic floor-trader pivot levels.
type Pivots struct {
	Pivot float64 `json:"pivot"`
	R1    float64 `json:"r1"`
	R2    float64 `json:"r2"`
	R3    float64 `json:"r3"`
	S1    float64 `json:"s1"`
	S2    float64 `json:"s2"`
	S3    float64 `json:"s3"`
}

// StandardPivots computes pivots from the previous period's high, low and close.
// For high >= close >= low they satisfy S3 <= S2 <= S1 <= P <= R1 <= R2 <= R3.
func StandardPivots(high, low, close float64) Pivots {
	p := (high + low + close) / 3
	return Pivots{
		Pivot: p,
		R1:    2*p - low,
		R2:    p + (high - low),
		R3:    high + 2*(p-low),
		S1:    2*p - high,
		S2:    p - (high - low),
		S3:    low - 2*(high-p),
	}
}

// Levels returns the pivot levels as a slice.
func (p Pivots) Levels() []float64 {
	return []float64{p.S3, p.S2, p.S1, p.Pivot, p.R1, p.R2, p.R3}
}

// SwingPoints returns the highs and lows that are extremes of the window bars
// on either side of them.
func SwingPoints(candles []models.Candle, window int) (highs, lows []float64) {
	if window <= 0 {
		window = 2
	}
	for i := window; i < len(candles)-window; i++ {
		isHigh, isLow := true, true
		for j := i - window; j <= i+window && (isHigh || isLow); j++ {
			if j == i {
				continue
			}
			if candles[j].High > candles[i].High {
				isHigh = false
			}
			if candles[j].Low < candles[i].Low {
				isLow = false
			}
		}
		if isHigh {
			highs = append(highs, candles[i].High)
		}
		if isLow {
			lows = append(lows, candles[i].Low)
		}
	}
	return highs, lows
}

// SplitLevels sorts candidate levels into support below price and resistance
// above it, nearest first. Levels within tolerance (a fraction of price) of an
// already kept level are dropped; at most n of each side are returned.
func SplitLevels(price float64, candidates []float64, tolerance float64, n int) (support, resistance []float64) {
	if price <= 0 {
		return nil, nil
	}
	sorted := append([]float64(nil), candidates...)
	sort.Slice(sorted, func(i, j int) bool {
		return math.Abs(sorted[i]-price) < math.Abs(sorted[j]-price)
	})

	near := func(kept []float64, v float64) bool {
		for _, k := range kept {
			if math.Abs(k-v) <= tolerance*price {
				return true
			}
		}
		return false
	}
	for _, v := range sorted {
		switch {
		case v <= 0 || math.IsNaN(v):
		case v < price && len(support) < n && !near(support, v):
			support = append(support, v)
		case v > price && len(resistance) < n && !near(resistance, v):
			resistance = append(resistance, v)
		}
	}
	return support, resistance
}
