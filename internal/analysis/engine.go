// Package analysis turns broker candles into the market snapshot providers vote on.
package analysis

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"tradebridge/internal/models"
)

// Indicator computes the latest values of one study. Keys become entries in
// MarketContext.Indicators.
type Indicator interface {
	Name() string
	Latest(candles []models.Candle) (map[string]float64, error)
}

type indicatorFunc struct {
	name string
	fn   func([]models.Candle) (map[string]float64, error)
}

func (f indicatorFunc) Name() string { return f.name }

func (f indicatorFunc) Latest(candles []models.Candle) (map[string]float64, error) {
	return f.fn(candles)
}

// NewIndicator adapts a function to Indicator.
func NewIndicator(name string, fn func([]models.Candle) (map[string]float64, error)) Indicator {
	return indicatorFunc{name: name, fn: fn}
}

// DefaultIndicators returns the studies computed for every snapshot.
func DefaultIndicators() []Indicator {
	inds := []Indicator{
		NewIndicator("rsi", func(c []models.Candle) (map[string]float64, error) {
			v, err := RSI(closes(c), 14)
			if err != nil {
				return nil, err
			}
			return map[string]float64{"rsi": last(v)}, nil
		}),
		NewIndicator("macd", func(c []models.Candle) (map[string]float64, error) {
			s, err := MACD(closes(c), 12, 26, 9)
			if err != nil {
				return nil, err
			}
			return map[string]float64{
				"macd":        last(s.MACD),
				"macd_signal": last(s.Signal),
				"macd_hist":   last(s.Histogram),
			}, nil
		}),
		NewIndicator("atr", func(c []models.Candle) (map[string]float64, error) {
			v, err := ATR(c, 14)
			if err != nil {
				return nil, err
			}
			return map[string]float64{"atr": last(v)}, nil
		}),
		NewIndicator("bollinger", func(c []models.Candle) (map[string]float64, error) {
			b, err := Bollinger(closes(c), 20, 2)
			if err != nil {
				return nil, err
			}
			return map[string]float64{
				"bb_upper":  last(b.Upper),
				"bb_middle": last(b.Middle),
				"bb_lower":  last(b.Lower),
			}, nil
		}),
		NewIndicator("ema_20", func(c []models.Candle) (map[string]float64, error) {
			v, err := EMA(closes(c), 20)
			if err != nil {
				return nil, err
			}
			return map[string]float64{"ema_20": last(v)}, nil
		}),
	}
	for _, period := range []int{20, 50, 200} {
		period := period
		key := fmt.Sprintf("sma_%d", period)
		inds = append(inds, NewIndicator(key, func(c []models.Candle) (map[string]float64, error) {
			v, err := SMA(closes(c), period)
			if err != nil {
				return nil, err
			}
			return map[string]float64{key: last(v)}, nil
		}))
	}
	return inds
}

// Engine computes indicators in parallel over a fixed worker pool.
type Engine struct {
	workers    int
	mu         sync.RWMutex
	indicators map[string]Indicator
}

// NewEngine creates an engine with the default indicators registered.
func NewEngine(workers int) *Engine {
	if workers <= 0 {
		workers = 4
	}
	e := &Engine{workers: workers, indicators: make(map[string]Indicator)}
	for _, ind := range DefaultIndicators() {
		e.Register(ind)
	}
	return e
}

// Register adds or replaces an indicator.
func (e *Engine) Register(ind Indicator) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.indicators[ind.Name()] = ind
}

// Names lists the registered indicators, sorted.
func (e *Engine) Names() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	names := make([]string, 0, len(e.indicators))
	for name := range e.indicators {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Calculate runs every indicator over candles and merges their latest values.
// Indicators without enough history are left out.
func (e *Engine) Calculate(ctx context.Context, candles []models.Candle) (map[string]float64, error) {
	e.mu.RLock()
	work := make(chan Indicator, len(e.indicators))
	for _, ind := range e.indicators {
		work <- ind
	}
	e.mu.RUnlock()
	close(work)

	out := make(map[string]float64)
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < e.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for ind := range work {
				if ctx.Err() != nil {
					return
				}
				values, err := ind.Latest(candles)
				if err != nil {
					continue
				}
				mu.Lock()
				for k, v := range values {
					out[k] = v
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// Snapshot builds the market context for one analysis round. The current
// price is the quote midpoint when a quote is given, else the last close.
func (e *Engine) Snapshot(ctx context.Context, symbol string, tf models.Timeframe, candles []models.Candle, tick *models.Tick) (models.MarketContext, error) {
	mctx := models.MarketContext{Symbol: symbol, Timeframe: tf, Candles: candles}

	switch {
	case tick != nil && tick.Bid > 0 && tick.Ask > 0:
		mctx.Bid, mctx.Ask = tick.Bid, tick.Ask
		mctx.CurrentPrice = tick.Mid()
	case len(candles) > 0:
		mctx.CurrentPrice = candles[len(candles)-1].Close
	default:
		return mctx, fmt.Errorf("%s: no candles and no quote: %w", symbol, ErrInsufficientData)
	}

	ind, err := e.Calculate(ctx, candles)
	if err != nil {
		return mctx, err
	}
	mctx.Indicators = ind

	var candidates []float64
	if len(candles) >= 2 {
		prev := candles[len(candles)-2]
		candidates = append(candidates, StandardPivots(prev.High, prev.Low, prev.Close).Levels()...)
	}
	recent := candles
	if len(recent) > 100 {
		recent = recent[len(recent)-100:]
	}
	highs, lows := SwingPoints(recent, 3)
	candidates = append(candidates, highs...)
	candidates = append(candidates, lows...)
	mctx.SupportLevels, mctx.ResistanceLevels = SplitLevels(mctx.CurrentPrice, candidates, 0.001, 3)

	return mctx, nil
}
