package broker

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"tradebridge/internal/errors"
	"tradebridge/internal/logging"
	"tradebridge/internal/models"
)

// PaperConfig holds configuration for the paper broker.
type PaperConfig struct {
	// DataBroker supplies quotes, candles and instruments. When nil, prices
	// come only from UpdatePrice.
	DataBroker     Broker
	InitialBalance float64
	Currency       string
	Leverage       float64
	PollInterval   time.Duration
}

// PaperBroker implements Broker as an in-process simulation.
//
// Positions are netted per symbol. Market orders fill at the touch; limit and
// stop orders rest until a quote makes them marketable. Attached stop loss and
// take profit levels close the position when crossed.
type PaperBroker struct {
	connState

	cfg     PaperConfig
	tracker *models.OrderTracker
	logger  zerolog.Logger

	stateMu       sync.Mutex
	balance       float64
	realizedToday float64
	positions     map[string]*models.Position
	orders        map[string]*paperOrder
	prices        map[string]models.Tick
	orderCounter  int
}

type paperOrder struct {
	seq        int
	result     models.OrderResult
	stopPrice  *float64
	stopLoss   *float64
	takeProfit *float64
	triggered  bool
}

// NewPaperBroker creates a new paper trading broker.
func NewPaperBroker(cfg PaperConfig, logger zerolog.Logger) *PaperBroker {
	if cfg.InitialBalance <= 0 {
		cfg.InitialBalance = 100000
	}
	if cfg.Currency == "" {
		cfg.Currency = "USD"
	}
	if cfg.Leverage <= 0 {
		cfg.Leverage = 1
	}
	return &PaperBroker{
		cfg:       cfg,
		tracker:   models.NewOrderTracker(),
		logger:    logging.WithBroker(logger, "paper"),
		balance:   cfg.InitialBalance,
		positions: make(map[string]*models.Position),
		orders:    make(map[string]*paperOrder),
		prices:    make(map[string]models.Tick),
	}
}

// Name returns the broker name.
func (p *PaperBroker) Name() string { return "paper" }

// Connect connects the data broker, if any.
func (p *PaperBroker) Connect(ctx context.Context) error {
	p.authMu.Lock()
	defer p.authMu.Unlock()
	if p.IsConnected() {
		return nil
	}
	if p.cfg.DataBroker != nil {
		if err := p.cfg.DataBroker.Connect(ctx); err != nil {
			return err
		}
	}
	p.setConnected(true)
	return nil
}

// Disconnect marks the simulation disconnected. State is kept.
func (p *PaperBroker) Disconnect(ctx context.Context) error {
	p.authMu.Lock()
	defer p.authMu.Unlock()
	p.setConnected(false)
	return nil
}

// NormalizeSymbol is the identity: the simulation works in canonical symbols.
func (p *PaperBroker) NormalizeSymbol(native string) string { return native }

// DenormalizeSymbol is the identity.
func (p *PaperBroker) DenormalizeSymbol(canonical string) string { return canonical }

// UpdatePrice feeds a quote into the simulation and fills anything it makes marketable.
func (p *PaperBroker) UpdatePrice(tick models.Tick) {
	p.stateMu.Lock()
	defer p.stateMu.Unlock()
	p.applyTick(tick)
}

// Reset restores the initial balance and clears all orders and positions.
func (p *PaperBroker) Reset() {
	p.stateMu.Lock()
	defer p.stateMu.Unlock()
	p.balance = p.cfg.InitialBalance
	p.realizedToday = 0
	p.positions = make(map[string]*models.Position)
	p.orders = make(map[string]*paperOrder)
	p.tracker = models.NewOrderTracker()
	p.orderCounter = 0
}

// ============================================================================
// Account
// ============================================================================

// GetAccountInfo returns the simulated account.
func (p *PaperBroker) GetAccountInfo(ctx context.Context) (*models.AccountInfo, error) {
	if err := p.requireConnected("paper"); err != nil {
		return nil, err
	}
	p.stateMu.Lock()
	defer p.stateMu.Unlock()

	unrealized, margin := p.exposure()
	equity := p.balance + unrealized
	return &models.AccountInfo{
		Balance:          p.balance,
		Equity:           equity,
		MarginUsed:       margin,
		MarginAvailable:  equity - margin,
		UnrealizedPnL:    unrealized,
		RealizedPnLToday: p.realizedToday,
		Currency:         p.cfg.Currency,
		Leverage:         p.cfg.Leverage,
		Timestamp:        time.Now(),
	}, nil
}

// exposure sums unrealized P&L and margin over open positions. Caller holds stateMu.
func (p *PaperBroker) exposure() (unrealized, margin float64) {
	for _, pos := range p.positions {
		unrealized += pos.UnrealizedPnL
		margin += pos.MarginUsed
	}
	return unrealized, margin
}

// GetInstruments delegates to the data broker, or describes the quoted symbols.
func (p *PaperBroker) GetInstruments(ctx context.Context) ([]models.Instrument, error) {
	if err := p.requireConnected("paper"); err != nil {
		return nil, err
	}
	if p.cfg.DataBroker != nil {
		return p.cfg.DataBroker.GetInstruments(ctx)
	}

	p.stateMu.Lock()
	defer p.stateMu.Unlock()
	symbols := make([]string, 0, len(p.prices))
	for s := range p.prices {
		symbols = append(symbols, s)
	}
	sort.Strings(symbols)

	out := make([]models.Instrument, 0, len(symbols))
	for _, s := range symbols {
		typ := models.InstrumentStock
		if _, _, ok := SplitPair(s); ok {
			typ = models.InstrumentForex
		}
		out = append(out, models.Instrument{
			Symbol: s, DisplayName: s, Type: typ,
			MinSize: 0.01, SizeIncrement: 0.01, MarginRate: 1 / p.cfg.Leverage,
		})
	}
	return out, nil
}

// ============================================================================
// Orders
// ============================================================================

// PlaceOrder simulates order placement.
func (p *PaperBroker) PlaceOrder(ctx context.Context, req models.OrderRequest) (*models.OrderResult, error) {
	if err := req.Validate(); err != nil {
		return nil, errors.NewRequestError("paper", "place_order", err.Error(), nil)
	}
	if err := p.requireConnected("paper"); err != nil {
		return nil, err
	}
	if p.cfg.DataBroker != nil {
		if _, err := p.GetCurrentPrice(ctx, req.Symbol); err != nil {
			return nil, err
		}
	}

	p.stateMu.Lock()
	defer p.stateMu.Unlock()

	tick, ok := p.prices[req.Symbol]
	if !ok {
		return nil, errors.NewRequestError("paper", "place_order", "no price for "+req.Symbol, errors.ErrSymbolNotFound)
	}

	p.orderCounter++
	o := &paperOrder{
		seq: p.orderCounter,
		result: models.OrderResult{
			OrderID:       fmt.Sprintf("PAPER_%d_%d", time.Now().Unix(), p.orderCounter),
			ClientOrderID: req.ClientOrderID,
			Symbol:        req.Symbol,
			Side:          req.Side,
			Type:          req.Type,
			Status:        models.OrderStatusPending,
			RequestedSize: req.Size,
			CreatedAt:     time.Now(),
		},
		stopPrice:  req.StopPrice,
		stopLoss:   req.StopLoss,
		takeProfit: req.TakeProfit,
	}
	if req.Price != nil {
		o.result.Price = *req.Price
	} else if req.StopPrice != nil {
		o.result.Price = *req.StopPrice
	}
	p.orders[o.result.OrderID] = o
	p.tracker.Observe(o.result.OrderID, models.OrderStatusPending)

	if price, ok := p.marketable(o, tick); ok {
		p.fill(o, price)
	}

	result := o.result
	logging.LogOrder(p.logger, result.OrderID, result.Symbol, string(result.Side), string(result.Status))
	return &result, nil
}

// marketable reports whether o can trade against tick, and at what price.
func (p *PaperBroker) marketable(o *paperOrder, tick models.Tick) (float64, bool) {
	buy := o.result.Side == models.OrderSideBuy
	touch := tick.Bid
	if buy {
		touch = tick.Ask
	}

	if o.stopPrice != nil && !o.triggered {
		if buy && touch < *o.stopPrice || !buy && touch > *o.stopPrice {
			return 0, false
		}
		o.triggered = true
	}

	switch o.result.Type {
	case models.OrderTypeMarket, models.OrderTypeStop:
		return touch, true
	case models.OrderTypeLimit, models.OrderTypeStopLimit:
		limit := o.result.Price
		if buy && touch <= limit || !buy && touch >= limit {
			return limit, true
		}
	}
	return 0, false
}

// fill executes o at price, or rejects it for insufficient margin. Caller holds stateMu.
func (p *PaperBroker) fill(o *paperOrder, price float64) {
	size := o.result.RequestedSize
	if opening := p.openingSize(o.result.Symbol, o.result.Side, size); opening > 0 {
		unrealized, margin := p.exposure()
		free := p.balance + unrealized - margin
		if required := price * opening / p.cfg.Leverage; required > free {
			o.result.Status = p.tracker.Observe(o.result.OrderID, models.OrderStatusRejected)
			o.result.Error = fmt.Sprintf("insufficient margin: need %.2f, have %.2f", required, free)
			return
		}
	}

	now := time.Now()
	status := p.tracker.Observe(o.result.OrderID, models.OrderStatusFilled)
	if status != models.OrderStatusFilled {
		return
	}
	o.result.Status = status
	o.result.FilledSize = size
	o.result.AverageFillPrice = price
	o.result.FilledAt = &now

	p.applyFill(o.result.Symbol, o.result.Side, size, price, now)
	if pos, ok := p.positions[o.result.Symbol]; ok {
		if o.stopLoss != nil {
			pos.StopLoss = o.stopLoss
		}
		if o.takeProfit != nil {
			pos.TakeProfit = o.takeProfit
		}
	}
}

// openingSize is the part of an order that adds exposure rather than reducing it.
func (p *PaperBroker) openingSize(symbol string, side models.OrderSide, size float64) float64 {
	pos, ok := p.positions[symbol]
	if !ok || pos.Side.CloseSide() != side {
		return size
	}
	return math.Max(0, size-pos.Size)
}

// applyFill nets a fill into the symbol's position and books realized P&L.
func (p *PaperBroker) applyFill(symbol string, side models.OrderSide, size, price float64, at time.Time) {
	pos, ok := p.positions[symbol]
	if ok && pos.Side.CloseSide() == side {
		closed := math.Min(size, pos.Size)
		realized := (price - pos.EntryPrice) * closed
		if pos.Side == models.PositionShort {
			realized = -realized
		}
		p.balance += realized
		p.realizedToday += realized

		pos.Size -= closed
		size -= closed
		if pos.Size <= 0 {
			delete(p.positions, symbol)
			ok = false
		} else {
			p.mark(pos, price)
		}
	}
	if size <= 0 {
		return
	}

	if !ok {
		posSide := models.PositionLong
		if side == models.OrderSideSell {
			posSide = models.PositionShort
		}
		pos = &models.Position{
			PositionID: fmt.Sprintf("PAPERPOS_%s_%d", symbol, at.UnixNano()),
			Symbol:     symbol,
			Side:       posSide,
			EntryPrice: price,
			Leverage:   p.cfg.Leverage,
			OpenedAt:   at,
		}
		p.positions[symbol] = pos
	} else {
		pos.EntryPrice = (pos.EntryPrice*pos.Size + price*size) / (pos.Size + size)
	}
	pos.Size += size
	p.mark(pos, price)
}

// mark revalues a position at price.
func (p *PaperBroker) mark(pos *models.Position, price float64) {
	pos.CurrentPrice = price
	pos.UnrealizedPnL = (price - pos.EntryPrice) * pos.Size
	if pos.Side == models.PositionShort {
		pos.UnrealizedPnL = -pos.UnrealizedPnL
	}
	pos.MarginUsed = pos.EntryPrice * pos.Size / p.cfg.Leverage
}

// applyTick caches a quote, fills resting orders and triggers protective levels.
// Caller holds stateMu.
func (p *PaperBroker) applyTick(tick models.Tick) {
	p.prices[tick.Symbol] = tick

	for _, o := range p.working(tick.Symbol) {
		if price, ok := p.marketable(o, tick); ok {
			p.fill(o, price)
		}
	}

	pos, ok := p.positions[tick.Symbol]
	if !ok {
		return
	}
	exit := tick.Bid
	if pos.Side == models.PositionShort {
		exit = tick.Ask
	}
	p.mark(pos, exit)

	var hit bool
	if pos.Side == models.PositionLong {
		hit = pos.StopLoss != nil && exit <= *pos.StopLoss || pos.TakeProfit != nil && exit >= *pos.TakeProfit
	} else {
		hit = pos.StopLoss != nil && exit >= *pos.StopLoss || pos.TakeProfit != nil && exit <= *pos.TakeProfit
	}
	if hit {
		p.logger.Info().Str("symbol", tick.Symbol).Float64("price", exit).Msg("Protective level hit")
		p.closeLocked(tick.Symbol, pos.Size, tick)
	}
}

// closeLocked records and fills a closing market order. Caller holds stateMu.
func (p *PaperBroker) closeLocked(symbol string, size float64, tick models.Tick) *models.OrderResult {
	pos := p.positions[symbol]
	p.orderCounter++
	o := &paperOrder{seq: p.orderCounter, result: models.OrderResult{
		OrderID:       fmt.Sprintf("PAPER_%d_%d", time.Now().Unix(), p.orderCounter),
		Symbol:        symbol,
		Side:          pos.Side.CloseSide(),
		Type:          models.OrderTypeMarket,
		Status:        models.OrderStatusPending,
		RequestedSize: size,
		CreatedAt:     time.Now(),
	}}
	p.orders[o.result.OrderID] = o
	p.tracker.Observe(o.result.OrderID, models.OrderStatusPending)
	price, _ := p.marketable(o, tick)
	p.fill(o, price)
	result := o.result
	return &result
}

// CancelOrder cancels a resting order.
func (p *PaperBroker) CancelOrder(ctx context.Context, orderID string) (*models.OrderResult, error) {
	if err := p.requireConnected("paper"); err != nil {
		return nil, err
	}
	p.stateMu.Lock()
	defer p.stateMu.Unlock()

	o, ok := p.orders[orderID]
	if !ok {
		return nil, errors.NewRequestError("paper", "cancel_order", "order "+orderID+" not found", errors.ErrOrderNotFound)
	}
	if o.result.Status.IsTerminal() {
		return nil, errors.NewRequestError("paper", "cancel_order",
			"cannot cancel order with status "+string(o.result.Status), nil)
	}
	o.result.Status = p.tracker.Observe(orderID, models.OrderStatusCancelled)
	result := o.result
	return &result, nil
}

// GetOrder returns a simulated order.
func (p *PaperBroker) GetOrder(ctx context.Context, orderID string) (*models.OrderResult, error) {
	if err := p.requireConnected("paper"); err != nil {
		return nil, err
	}
	p.stateMu.Lock()
	defer p.stateMu.Unlock()

	o, ok := p.orders[orderID]
	if !ok {
		return nil, errors.NewRequestError("paper", "get_order", "order "+orderID+" not found", errors.ErrOrderNotFound)
	}
	result := o.result
	return &result, nil
}

// GetOpenOrders returns resting orders, oldest first.
func (p *PaperBroker) GetOpenOrders(ctx context.Context, symbol string) ([]models.OrderResult, error) {
	if err := p.requireConnected("paper"); err != nil {
		return nil, err
	}
	p.stateMu.Lock()
	defer p.stateMu.Unlock()

	var out []models.OrderResult
	for _, o := range p.working(symbol) {
		out = append(out, o.result)
	}
	return out, nil
}

// working returns non-terminal orders in placement order, all symbols when
// symbol is empty. Caller holds stateMu.
func (p *PaperBroker) working(symbol string) []*paperOrder {
	var out []*paperOrder
	for _, o := range p.orders {
		if o.result.Status.IsTerminal() || (symbol != "" && o.result.Symbol != symbol) {
			continue
		}
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}

// ============================================================================
// Positions
// ============================================================================

// GetPositions returns simulated positions sorted by symbol.
func (p *PaperBroker) GetPositions(ctx context.Context) ([]models.Position, error) {
	if err := p.requireConnected("paper"); err != nil {
		return nil, err
	}
	p.stateMu.Lock()
	defer p.stateMu.Unlock()

	out := make([]models.Position, 0, len(p.positions))
	for _, pos := range p.positions {
		out = append(out, *pos)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out, nil
}

// GetPosition returns the position for a symbol.
func (p *PaperBroker) GetPosition(ctx context.Context, symbol string) (*models.Position, error) {
	if err := p.requireConnected("paper"); err != nil {
		return nil, err
	}
	p.stateMu.Lock()
	defer p.stateMu.Unlock()

	pos, ok := p.positions[symbol]
	if !ok {
		return nil, errors.NewRequestError("paper", "get_position", "no open position for "+symbol, errors.ErrPositionNotFound)
	}
	cp := *pos
	return &cp, nil
}

// ClosePosition closes all or part of a position at the current quote.
func (p *PaperBroker) ClosePosition(ctx context.Context, symbol string, size *float64) (*models.OrderResult, error) {
	if err := p.requireConnected("paper"); err != nil {
		return nil, err
	}
	p.stateMu.Lock()
	defer p.stateMu.Unlock()

	pos, ok := p.positions[symbol]
	if !ok {
		return nil, errors.NewRequestError("paper", "close_position", "no open position for "+symbol, errors.ErrPositionNotFound)
	}
	closeSize := pos.Size
	if size != nil {
		if *size <= 0 || *size > pos.Size {
			return nil, errors.NewRequestError("paper", "close_position", "size must be in (0, position size]", nil)
		}
		closeSize = *size
	}
	tick, ok := p.prices[symbol]
	if !ok {
		return nil, errors.NewRequestError("paper", "close_position", "no price for "+symbol, errors.ErrSymbolNotFound)
	}
	return p.closeLocked(symbol, closeSize, tick), nil
}

// ModifyPosition replaces the protective levels. A nil level keeps the current one.
func (p *PaperBroker) ModifyPosition(ctx context.Context, symbol string, stopLoss, takeProfit *float64) (*models.Position, error) {
	if err := p.requireConnected("paper"); err != nil {
		return nil, err
	}
	p.stateMu.Lock()
	defer p.stateMu.Unlock()

	pos, ok := p.positions[symbol]
	if !ok {
		return nil, errors.NewRequestError("paper", "modify_position", "no open position for "+symbol, errors.ErrPositionNotFound)
	}
	if stopLoss != nil {
		pos.StopLoss = stopLoss
	}
	if takeProfit != nil {
		pos.TakeProfit = takeProfit
	}
	cp := *pos
	return &cp, nil
}

// ============================================================================
// Market data
// ============================================================================

// GetCurrentPrice returns the latest quote from the data broker, or the last
// quote fed through UpdatePrice.
func (p *PaperBroker) GetCurrentPrice(ctx context.Context, symbol string) (*models.Tick, error) {
	if err := p.requireConnected("paper"); err != nil {
		return nil, err
	}
	if p.cfg.DataBroker != nil {
		tick, err := p.cfg.DataBroker.GetCurrentPrice(ctx, symbol)
		if err != nil {
			return nil, err
		}
		p.UpdatePrice(*tick)
		return tick, nil
	}

	p.stateMu.Lock()
	defer p.stateMu.Unlock()
	tick, ok := p.prices[symbol]
	if !ok {
		return nil, errors.NewRequestError("paper", "get_price", "no price for "+symbol, errors.ErrSymbolNotFound)
	}
	return &tick, nil
}

// GetPrices returns quotes for several symbols.
func (p *PaperBroker) GetPrices(ctx context.Context, symbols []string) (map[string]models.Tick, error) {
	if err := p.requireConnected("paper"); err != nil {
		return nil, err
	}
	return getPricesSequential(ctx, p, symbols)
}

// StreamPrices polls quotes. Each polled quote also drives order matching.
func (p *PaperBroker) StreamPrices(ctx context.Context, symbols []string) (<-chan models.Tick, <-chan error) {
	if err := p.requireConnected("paper"); err != nil {
		return failedStream(err)
	}
	return PollingStreamer{Interval: p.cfg.PollInterval, Fetch: p.GetPrices}.Stream(ctx, symbols)
}

// GetCandles delegates to the data broker.
func (p *PaperBroker) GetCandles(ctx context.Context, req CandleRequest) ([]models.Candle, error) {
	if err := p.requireConnected("paper"); err != nil {
		return nil, err
	}
	if p.cfg.DataBroker == nil {
		return nil, errors.Unsupported("paper", "get_candles", "no data broker configured")
	}
	return p.cfg.DataBroker.GetCandles(ctx, req)
}

var _ Broker = (*PaperBroker)(nil)
