// Package broker provides a uniform trading interface over unrelated brokerage back ends.
package broker

import (
	"context"
	"time"

	"tradebridge/internal/models"
)

// Broker defines the interface every adapter implements.
// All prices, sizes and symbols crossing this interface are canonical.
type Broker interface {
	Name() string

	// Session
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	IsConnected() bool

	// Symbols
	NormalizeSymbol(native string) string
	DenormalizeSymbol(canonical string) string

	// Account
	GetAccountInfo(ctx context.Context) (*models.AccountInfo, error)
	GetInstruments(ctx context.Context) ([]models.Instrument, error)

	// Orders
	PlaceOrder(ctx context.Context, req models.OrderRequest) (*models.OrderResult, error)
	CancelOrder(ctx context.Context, orderID string) (*models.OrderResult, error)
	GetOrder(ctx context.Context, orderID string) (*models.OrderResult, error)
	GetOpenOrders(ctx context.Context, symbol string) ([]models.OrderResult, error)

	// Positions
	GetPositions(ctx context.Context) ([]models.Position, error)
	GetPosition(ctx context.Context, symbol string) (*models.Position, error)
	ClosePosition(ctx context.Context, symbol string, size *float64) (*models.OrderResult, error)
	ModifyPosition(ctx context.Context, symbol string, stopLoss, takeProfit *float64) (*models.Position, error)

	// Market data
	GetCurrentPrice(ctx context.Context, symbol string) (*models.Tick, error)
	GetPrices(ctx context.Context, symbols []string) (map[string]models.Tick, error)
	StreamPrices(ctx context.Context, symbols []string) (<-chan models.Tick, <-chan error)
	GetCandles(ctx context.Context, req CandleRequest) ([]models.Candle, error)
}

// CandleRequest represents a request for historical candles.
// When From is nil the most recent Count candles are returned.
type CandleRequest struct {
	Symbol    string
	Timeframe models.Timeframe
	Count     int
	From      *time.Time
	To        *time.Time
}

// window resolves the request into a concrete [from, to] range.
func (r CandleRequest) window(now time.Time) (time.Time, time.Time) {
	to := now
	if r.To != nil {
		to = *r.To
	}
	if r.From != nil {
		return *r.From, to
	}
	count := r.Count
	if count <= 0 {
		count = 100
	}
	return to.Add(-time.Duration(count) * r.Timeframe.Duration()), to
}

// trimCandles keeps at most count of the latest candles.
func trimCandles(candles []models.Candle, count int) []models.Candle {
	if count > 0 && len(candles) > count {
		return candles[len(candles)-count:]
	}
	return candles
}

// findPosition returns the position for a canonical symbol.
func findPosition(positions []models.Position, symbol string) (*models.Position, bool) {
	for i := range positions {
		if positions[i].Symbol == symbol {
			p := positions[i]
			return &p, true
		}
	}
	return nil, false
}

// getPricesSequential fills a price map one quote at a time. Symbols whose
// quote fails are omitted; the first error is returned only when nothing succeeded.
func getPricesSequential(ctx context.Context, b Broker, symbols []string) (map[string]models.Tick, error) {
	out := make(map[string]models.Tick, len(symbols))
	var firstErr error
	for _, s := range symbols {
		tick, err := b.GetCurrentPrice(ctx, s)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		out[s] = *tick
	}
	if len(out) == 0 && firstErr != nil {
		return nil, firstErr
	}
	return out, nil
}
