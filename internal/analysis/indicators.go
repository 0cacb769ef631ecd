package analysis

import (
	"errors"
	"math"

	"tradebridge/internal/models"
)

var (
	// ErrInsufficientData is returned when there are too few candles for a period.
	ErrInsufficientData = errors.New("insufficient data for calculation")
	// ErrInvalidPeriod is returned for a non-positive period.
	ErrInvalidPeriod = errors.New("invalid period")
)

// Values before an indicator has warmed up are left at zero.

// SMA returns the simple moving average of values.
func SMA(values []float64, period int) ([]float64, error) {
	if period <= 0 {
		return nil, ErrInvalidPeriod
	}
	if len(values) < period {
		return nil, ErrInsufficientData
	}
	out := make([]float64, len(values))
	var window float64
	for i, v := range values {
		window += v
		if i >= period {
			window -= values[i-period]
		}
		if i >= period-1 {
			out[i] = window / float64(period)
		}
	}
	return out, nil
}

// EMA returns the exponential moving average of values, seeded with the SMA
// of the first period values.
func EMA(values []float64, period int) ([]float64, error) {
	if period <= 0 {
		return nil, ErrInvalidPeriod
	}
	if len(values) < period {
		return nil, ErrInsufficientData
	}
	out := make([]float64, len(values))
	k := 2.0 / float64(period+1)
	out[period-1] = mean(values[:period])
	for i := period; i < len(values); i++ {
		out[i] = (values[i]-out[i-1])*k + out[i-1]
	}
	return out, nil
}

// RSI returns Wilder's relative strength index of closes, in [0,100].
func RSI(closes []float64, period int) ([]float64, error) {
	if period <= 0 {
		return nil, ErrInvalidPeriod
	}
	if len(closes) < period+1 {
		return nil, ErrInsufficientData
	}

	n := len(closes)
	gains := make([]float64, n)
	losses := make([]float64, n)
	for i := 1; i < n; i++ {
		if d := closes[i] - closes[i-1]; d > 0 {
			gains[i] = d
		} else {
			losses[i] = -d
		}
	}

	out := make([]float64, n)
	avgGain := mean(gains[1 : period+1])
	avgLoss := mean(losses[1 : period+1])
	out[period] = rsiValue(avgGain, avgLoss)
	for i := period + 1; i < n; i++ {
		avgGain = (avgGain*float64(period-1) + gains[i]) / float64(period)
		avgLoss = (avgLoss*float64(period-1) + losses[i]) / float64(period)
		out[i] = rsiValue(avgGain, avgLoss)
	}
	return out, nil
}

func rsiValue(avgGain, avgLoss float64) float64 {
	if avgLoss == 0 {
		if avgGain == 0 {
			return 50
		}
		return 100
	}
	return 100 - 100/(1+avgGain/avgLoss)
}

// MACDSeries holds the three MACD lines.
type MACDSeries struct {
	MACD      []float64
	Signal    []float64
	Histogram []float64
}

// MACD returns the fast-slow EMA spread, its signal EMA and the histogram.
func MACD(closes []float64, fast, slow, signal int) (*MACDSeries, error) {
	if fast <= 0 || slow <= 0 || signal <= 0 || fast >= slow {
		return nil, ErrInvalidPeriod
	}
	if len(closes) < slow+signal-1 {
		return nil, ErrInsufficientData
	}

	fastEMA, _ := EMA(closes, fast)
	slowEMA, _ := EMA(closes, slow)

	n := len(closes)
	s := &MACDSeries{
		MACD:      make([]float64, n),
		Signal:    make([]float64, n),
		Histogram: make([]float64, n),
	}
	start := slow - 1
	for i := start; i < n; i++ {
		s.MACD[i] = fastEMA[i] - slowEMA[i]
	}
	sig, err := EMA(s.MACD[start:], signal)
	if err != nil {
		return nil, err
	}
	copy(s.Signal[start:], sig)
	for i := start + signal - 1; i < n; i++ {
		s.Histogram[i] = s.MACD[i] - s.Signal[i]
	}
	return s, nil
}

// ATR returns Wilder's average true range. Always non-negative.
func ATR(candles []models.Candle, period int) ([]float64, error) {
	if period <= 0 {
		return nil, ErrInvalidPeriod
	}
	if len(candles) < period+1 {
		return nil, ErrInsufficientData
	}

	n := len(candles)
	tr := make([]float64, n)
	tr[0] = candles[0].High - candles[0].Low
	for i := 1; i < n; i++ {
		tr[i] = trueRange(candles[i], candles[i-1])
	}

	out := make([]float64, n)
	out[period-1] = mean(tr[:period])
	for i := period; i < n; i++ {
		out[i] = (out[i-1]*float64(period-1) + tr[i]) / float64(period)
	}
	return out, nil
}

// Bands is a Bollinger band triple.
type Bands struct {
	Upper, Middle, Lower []float64
}

// Bollinger returns bands k standard deviations around the SMA.
func Bollinger(closes []float64, period int, k float64) (*Bands, error) {
	if period <= 0 || k <= 0 {
		return nil, ErrInvalidPeriod
	}
	if len(closes) < period {
		return nil, ErrInsufficientData
	}
	n := len(closes)
	b := &Bands{Upper: make([]float64, n), Middle: make([]float64, n), Lower: make([]float64, n)}
	for i := period - 1; i < n; i++ {
		w := closes[i-period+1 : i+1]
		m, sd := mean(w), stdDev(w)
		b.Middle[i] = m
		b.Upper[i] = m + k*sd
		b.Lower[i] = m - k*sd
	}
	return b, nil
}

func trueRange(cur, prev models.Candle) float64 {
	return math.Max(cur.High-cur.Low, math.Max(math.Abs(cur.High-prev.Close), math.Abs(cur.Low-prev.Close)))
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var s float64
	for _, v := range values {
		s += v
	}
	return s / float64(len(values))
}

func stdDev(values []float64) float64 {
	if len(values) < 2 {
		return 0
	}
	m := mean(values)
	var ss float64
	for _, v := range values {
		ss += (v - m) * (v - m)
	}
	return math.Sqrt(ss / float64(len(values)))
}

func closes(candles []models.Candle) []float64 {
	out := make([]float64, len(candles))
	for i, c := range candles {
		out[i] = c.Close
	}
	return out
}

func last(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	return values[len(values)-1]
}
