package broker

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradebridge/internal/errors"
	"tradebridge/internal/models"
)

func newPaper(t *testing.T, balance float64) *PaperBroker {
	t.Helper()
	p := NewPaperBroker(PaperConfig{InitialBalance: balance}, zerolog.Nop())
	require.NoError(t, p.Connect(context.Background()))
	return p
}

func quote(symbol string, bid, ask float64) models.Tick {
	return models.Tick{Symbol: symbol, Bid: bid, Ask: ask, Timestamp: time.Now()}
}

func TestPaperMarketOrderFillsAtTouch(t *testing.T) {
	ctx := context.Background()
	p := newPaper(t, 10000)
	p.UpdatePrice(quote("AAPL", 99, 100))

	result, err := p.PlaceOrder(ctx, models.OrderRequest{
		Symbol: "AAPL", Side: models.OrderSideBuy, Type: models.OrderTypeMarket, Size: 10,
	})
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusFilled, result.Status)
	assert.Equal(t, 100.0, result.AverageFillPrice)
	assert.Equal(t, 10.0, result.FilledSize)
	require.NotNil(t, result.FilledAt)

	pos, err := p.GetPosition(ctx, "AAPL")
	require.NoError(t, err)
	assert.Equal(t, models.PositionLong, pos.Side)
	assert.Equal(t, 10.0, pos.Size)

	p.UpdatePrice(quote("AAPL", 105, 106))
	info, err := p.GetAccountInfo(ctx)
	require.NoError(t, err)
	assert.Equal(t, 10000.0, info.Balance)
	assert.InDelta(t, 50.0, info.UnrealizedPnL, 1e-9)
	assert.InDelta(t, 10050.0, info.Equity, 1e-9)
}

func TestPaperLimitOrderRestsUntilCrossed(t *testing.T) {
	ctx := context.Background()
	p := newPaper(t, 10000)
	p.UpdatePrice(quote("EUR_USD", 1.1000, 1.1002))

	result, err := p.PlaceOrder(ctx, models.OrderRequest{
		Symbol: "EUR_USD", Side: models.OrderSideBuy, Type: models.OrderTypeLimit, Size: 1000,
		Price: models.Float(1.0950),
	})
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusPending, result.Status)

	open, err := p.GetOpenOrders(ctx, "EUR_USD")
	require.NoError(t, err)
	require.Len(t, open, 1)

	p.UpdatePrice(quote("EUR_USD", 1.0940, 1.0945))

	got, err := p.GetOrder(ctx, result.OrderID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusFilled, got.Status)
	assert.Equal(t, 1.0950, got.AverageFillPrice)

	open, err = p.GetOpenOrders(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, open)
}

func TestPaperStopLossClosesPosition(t *testing.T) {
	ctx := context.Background()
	p := newPaper(t, 10000)
	p.UpdatePrice(quote("AAPL", 99, 100))

	_, err := p.PlaceOrder(ctx, models.OrderRequest{
		Symbol: "AAPL", Side: models.OrderSideBuy, Type: models.OrderTypeMarket, Size: 10,
		StopLoss: models.Float(95),
	})
	require.NoError(t, err)

	p.UpdatePrice(quote("AAPL", 94, 95))

	_, err = p.GetPosition(ctx, "AAPL")
	assert.True(t, errors.Is(err, errors.ErrPositionNotFound))

	info, err := p.GetAccountInfo(ctx)
	require.NoError(t, err)
	assert.InDelta(t, -60.0, info.RealizedPnLToday, 1e-9)
	assert.InDelta(t, 9940.0, info.Balance, 1e-9)
}

func TestPaperNettingBooksRealizedPnL(t *testing.T) {
	ctx := context.Background()
	p := newPaper(t, 10000)
	p.UpdatePrice(quote("AAPL", 100, 100))

	_, err := p.PlaceOrder(ctx, models.OrderRequest{Symbol: "AAPL", Side: models.OrderSideBuy, Type: models.OrderTypeMarket, Size: 10})
	require.NoError(t, err)

	p.UpdatePrice(quote("AAPL", 110, 110))
	_, err = p.PlaceOrder(ctx, models.OrderRequest{Symbol: "AAPL", Side: models.OrderSideSell, Type: models.OrderTypeMarket, Size: 4})
	require.NoError(t, err)

	pos, err := p.GetPosition(ctx, "AAPL")
	require.NoError(t, err)
	assert.Equal(t, 6.0, pos.Size)
	assert.Equal(t, 100.0, pos.EntryPrice)

	result, err := p.ClosePosition(ctx, "AAPL", nil)
	require.NoError(t, err)
	assert.Equal(t, models.OrderSideSell, result.Side)
	assert.Equal(t, models.OrderStatusFilled, result.Status)

	info, err := p.GetAccountInfo(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 100.0, info.RealizedPnLToday, 1e-9)

	positions, err := p.GetPositions(ctx)
	require.NoError(t, err)
	assert.Empty(t, positions)
}

func TestPaperCancel(t *testing.T) {
	ctx := context.Background()
	p := newPaper(t, 10000)
	p.UpdatePrice(quote("AAPL", 99, 100))

	resting, err := p.PlaceOrder(ctx, models.OrderRequest{
		Symbol: "AAPL", Side: models.OrderSideSell, Type: models.OrderTypeLimit, Size: 1, Price: models.Float(120),
	})
	require.NoError(t, err)

	cancelled, err := p.CancelOrder(ctx, resting.OrderID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusCancelled, cancelled.Status)

	// terminal orders cannot be cancelled again, and a cancelled order never fills
	_, err = p.CancelOrder(ctx, resting.OrderID)
	var reqErr *errors.RequestError
	assert.True(t, errors.As(err, &reqErr))

	p.UpdatePrice(quote("AAPL", 125, 126))
	got, err := p.GetOrder(ctx, resting.OrderID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusCancelled, got.Status)

	_, err = p.CancelOrder(ctx, "PAPER_0_999")
	assert.True(t, errors.Is(err, errors.ErrOrderNotFound))
}

func TestPaperRejectsOnInsufficientMargin(t *testing.T) {
	p := newPaper(t, 1000)
	p.UpdatePrice(quote("AAPL", 99, 100))

	result, err := p.PlaceOrder(context.Background(), models.OrderRequest{
		Symbol: "AAPL", Side: models.OrderSideBuy, Type: models.OrderTypeMarket, Size: 50,
	})
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusRejected, result.Status)
	assert.Contains(t, result.Error, "insufficient margin")
	assert.Zero(t, result.FilledSize)
}

func TestPaperRequiresQuoteAndConnection(t *testing.T) {
	p := NewPaperBroker(PaperConfig{}, zerolog.Nop())
	_, err := p.GetPositions(context.Background())
	assert.True(t, errors.Is(err, errors.ErrNotConnected))

	require.NoError(t, p.Connect(context.Background()))
	_, err = p.PlaceOrder(context.Background(), models.OrderRequest{
		Symbol: "MSFT", Side: models.OrderSideBuy, Type: models.OrderTypeMarket, Size: 1,
	})
	assert.True(t, errors.Is(err, errors.ErrSymbolNotFound))

	_, err = p.GetCandles(context.Background(), CandleRequest{Symbol: "MSFT", Timeframe: models.TimeframeH1})
	assert.True(t, errors.Is(err, errors.ErrUnsupportedOperation))
}

// Property: once an order reports a terminal status, no later quote changes it,
// filled size never exceeds requested size and a limit fills at its limit.
func TestProperty_PaperTerminalStatusIsFinal(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	parameters.Rng.Seed(time.Now().UnixNano())

	properties := gopter.NewProperties(parameters)

	properties.Property("terminal orders never change", prop.ForAll(
		func(limit float64, mids []float64) bool {
			ctx := context.Background()
			p := NewPaperBroker(PaperConfig{InitialBalance: 1e9}, zerolog.Nop())
			if err := p.Connect(ctx); err != nil {
				return false
			}
			p.UpdatePrice(quote("XAU_USD", 2000, 2000.5))

			o, err := p.PlaceOrder(ctx, models.OrderRequest{
				Symbol: "XAU_USD", Side: models.OrderSideBuy, Type: models.OrderTypeLimit, Size: 1,
				Price: models.Float(limit),
			})
			if err != nil {
				return false
			}

			var final models.OrderStatus
			for _, mid := range mids {
				p.UpdatePrice(quote("XAU_USD", mid-0.25, mid+0.25))
				got, err := p.GetOrder(ctx, o.OrderID)
				if err != nil || got.FilledSize > got.RequestedSize {
					return false
				}
				if final != "" && got.Status != final {
					return false
				}
				if got.Status.IsTerminal() {
					final = got.Status
					if got.Status == models.OrderStatusFilled && math.Abs(got.AverageFillPrice-limit) > 1e-9 {
						return false
					}
				}
			}
			return true
		},
		gen.Float64Range(1900, 2100),
		gen.SliceOfN(20, gen.Float64Range(1850, 2150)),
	))

	properties.TestingRun(t)
}
