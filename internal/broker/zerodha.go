package broker

import (
	"context"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	kiteconnect "github.com/zerodha/gokiteconnect/v4"

	"tradebridge/internal/errors"
	"tradebridge/internal/logging"
	"tradebridge/internal/models"
)

// ZerodhaConfig holds configuration for the Zerodha broker.
type ZerodhaConfig struct {
	APIKey      string
	APISecret   string
	AccessToken string
	Product     string // CNC (default), MIS or NRML
	BaseURL     string

	PollInterval time.Duration
}

// ZerodhaBroker implements Broker for Zerodha Kite Connect.
//
// Kite has no attached stop loss / take profit on regular orders and no way to
// amend a position, so both are rejected. Candles are limited to the intervals
// Kite publishes.
type ZerodhaBroker struct {
	connState

	client  *kiteconnect.Client
	cfg     ZerodhaConfig
	symbols *SymbolMap
	tfs     TimeframeMap
	logger  zerolog.Logger

	tokensMu sync.RWMutex
	tokens   map[string]int // native symbol -> instrument token
}

var zerodhaSymbols = map[string]string{
	"NIFTY50":   "NSE:NIFTY 50",
	"BANKNIFTY": "NSE:NIFTY BANK",
	"FINNIFTY":  "NSE:NIFTY FIN SERVICE",
	"SENSEX":    "BSE:SENSEX",
}

var zerodhaTimeframes = map[models.Timeframe]string{
	models.TimeframeM1:  "minute",
	models.TimeframeM5:  "5minute",
	models.TimeframeM15: "15minute",
	models.TimeframeM30: "30minute",
	models.TimeframeH1:  "60minute",
	models.TimeframeD:   "day",
}

var zerodhaOrderTypes = map[models.OrderType]string{
	models.OrderTypeMarket:    kiteconnect.OrderTypeMarket,
	models.OrderTypeLimit:     kiteconnect.OrderTypeLimit,
	models.OrderTypeStop:      kiteconnect.OrderTypeSLM,
	models.OrderTypeStopLimit: kiteconnect.OrderTypeSL,
}

// NewZerodhaBroker creates a new Zerodha broker instance.
func NewZerodhaBroker(cfg ZerodhaConfig, logger zerolog.Logger) *ZerodhaBroker {
	if cfg.Product == "" {
		cfg.Product = kiteconnect.ProductCNC
	}
	client := kiteconnect.New(cfg.APIKey)
	if cfg.BaseURL != "" {
		client.SetBaseURI(cfg.BaseURL)
	}
	if cfg.AccessToken != "" {
		client.SetAccessToken(cfg.AccessToken)
	}

	return &ZerodhaBroker{
		client:  client,
		cfg:     cfg,
		symbols: NewSymbolMap(zerodhaSymbols),
		tfs:     NewTimeframeMap("zerodha", zerodhaTimeframes),
		logger:  logging.WithBroker(logger, "zerodha"),
		tokens:  make(map[string]int),
	}
}

// Name returns the broker name.
func (z *ZerodhaBroker) Name() string { return "zerodha" }

// LoginURL returns the Kite login page that issues a request token.
func (z *ZerodhaBroker) LoginURL() string {
	return z.client.GetLoginURL()
}

// CompleteLogin exchanges a request token for an access token and returns it
// so the caller can store it. The adapter is connected afterwards.
func (z *ZerodhaBroker) CompleteLogin(ctx context.Context, requestToken string) (string, error) {
	z.authMu.Lock()
	defer z.authMu.Unlock()

	session, err := z.client.GenerateSession(requestToken, z.cfg.APISecret)
	if err != nil {
		return "", errors.NewConnectionError("zerodha", "failed to generate session", kiteError(err))
	}
	z.client.SetAccessToken(session.AccessToken)

	z.mu.Lock()
	z.cfg.AccessToken = session.AccessToken
	z.connected = true
	z.mu.Unlock()

	z.logger.Info().Str("user", session.UserID).Msg("Session generated")
	return session.AccessToken, nil
}

// Connect probes the user profile with the configured access token.
func (z *ZerodhaBroker) Connect(ctx context.Context) error {
	z.authMu.Lock()
	defer z.authMu.Unlock()

	if z.IsConnected() {
		return nil
	}
	if z.cfg.APIKey == "" || z.cfg.AccessToken == "" {
		return errors.NewConnectionError("zerodha",
			"api key and access token are required; complete the login flow at "+z.client.GetLoginURL(),
			errors.ErrInvalidCredentials)
	}

	profile, err := z.client.GetUserProfile()
	if err != nil {
		return errors.NewConnectionError("zerodha", "profile probe failed", kiteError(err))
	}

	z.setConnected(true)
	z.logger.Info().Str("user", profile.UserID).Msg("Connected")
	return nil
}

// Disconnect drops the session. The access token is left valid for reuse
// until Kite expires it.
func (z *ZerodhaBroker) Disconnect(ctx context.Context) error {
	z.authMu.Lock()
	defer z.authMu.Unlock()
	z.setConnected(false)
	return nil
}

// kiteError maps Kite exception types onto the sentinel errors.
func kiteError(err error) error {
	var ke kiteconnect.Error
	if !errors.As(err, &ke) {
		return err
	}
	switch ke.ErrorType {
	case kiteconnect.TokenError:
		return errors.Wrap(errors.ErrSessionExpired, ke.Message)
	case kiteconnect.PermissionError:
		return errors.Wrap(errors.ErrInvalidCredentials, ke.Message)
	}
	return err
}

// requestError wraps a Kite call failure. Token problems become connection errors.
func (z *ZerodhaBroker) requestError(op string, err error) error {
	mapped := kiteError(err)
	if errors.Is(mapped, errors.ErrSessionExpired) || errors.Is(mapped, errors.ErrInvalidCredentials) {
		return errors.NewConnectionError("zerodha", op+" failed", mapped)
	}
	re := errors.NewRequestError("zerodha", op, err.Error(), nil)
	var ke kiteconnect.Error
	if errors.As(err, &ke) {
		re.StatusCode = ke.Code
		re.Code = ke.ErrorType
		re.Message = ke.Message
	}
	return re
}

// NormalizeSymbol converts EXCHANGE:TRADINGSYMBOL to canonical form. NSE is the
// default exchange, so its prefix is dropped.
func (z *ZerodhaBroker) NormalizeSymbol(native string) string {
	if c := z.symbols.Canonical(native); c != native {
		return c
	}
	return strings.TrimPrefix(native, "NSE:")
}

// DenormalizeSymbol converts a canonical symbol to EXCHANGE:TRADINGSYMBOL.
func (z *ZerodhaBroker) DenormalizeSymbol(canonical string) string {
	if z.symbols.Has(canonical) {
		return z.symbols.Native(canonical)
	}
	if strings.Contains(canonical, ":") {
		return canonical
	}
	return "NSE:" + canonical
}

func splitExchange(native string) (exchange, tradingSymbol string) {
	if i := strings.IndexByte(native, ':'); i > 0 {
		return native[:i], native[i+1:]
	}
	return kiteconnect.ExchangeNSE, native
}

// ============================================================================
// Account
// ============================================================================

// GetAccountInfo returns the equity segment margins.
func (z *ZerodhaBroker) GetAccountInfo(ctx context.Context) (*models.AccountInfo, error) {
	if err := z.requireConnected("zerodha"); err != nil {
		return nil, err
	}
	margins, err := z.client.GetUserMargins()
	if err != nil {
		return nil, z.requestError("get_account", err)
	}
	eq := margins.Equity
	return &models.AccountInfo{
		Balance:          eq.Available.Cash,
		Equity:           eq.Net + eq.Used.M2MUnrealised,
		MarginUsed:       eq.Used.Debits,
		MarginAvailable:  eq.Net,
		UnrealizedPnL:    eq.Used.M2MUnrealised,
		RealizedPnLToday: eq.Used.M2MRealised,
		Currency:         "INR",
		Leverage:         1,
		Timestamp:        time.Now(),
	}, nil
}

// GetInstruments lists NSE equities and indices and refreshes the token cache.
func (z *ZerodhaBroker) GetInstruments(ctx context.Context) ([]models.Instrument, error) {
	if err := z.requireConnected("zerodha"); err != nil {
		return nil, err
	}
	instruments, err := z.client.GetInstruments()
	if err != nil {
		return nil, z.requestError("get_instruments", err)
	}

	result := make([]models.Instrument, 0, len(instruments))
	tokens := make(map[string]int, len(instruments))
	for _, inst := range instruments {
		native := inst.Exchange + ":" + inst.Tradingsymbol
		tokens[native] = int(inst.InstrumentToken)

		if inst.Exchange != kiteconnect.ExchangeNSE {
			continue
		}
		typ := models.InstrumentStock
		if inst.Segment == "INDICES" {
			typ = models.InstrumentIndices
		} else if inst.InstrumentType != "EQ" {
			continue
		}
		lot := float64(inst.LotSize)
		if lot <= 0 {
			lot = 1
		}
		result = append(result, models.Instrument{
			Symbol:        z.NormalizeSymbol(native),
			DisplayName:   inst.Name,
			Type:          typ,
			MinSize:       lot,
			SizeIncrement: lot,
			MarginRate:    1,
		})
	}

	z.tokensMu.Lock()
	z.tokens = tokens
	z.tokensMu.Unlock()
	return result, nil
}

func (z *ZerodhaBroker) instrumentToken(ctx context.Context, native string) (int, error) {
	z.tokensMu.RLock()
	token, ok := z.tokens[native]
	z.tokensMu.RUnlock()
	if ok {
		return token, nil
	}

	if _, err := z.GetInstruments(ctx); err != nil {
		return 0, err
	}

	z.tokensMu.RLock()
	token, ok = z.tokens[native]
	z.tokensMu.RUnlock()
	if !ok {
		return 0, errors.NewRequestError("zerodha", "get_candles", "instrument not found: "+native, errors.ErrSymbolNotFound)
	}
	return token, nil
}

// ============================================================================
// Orders
// ============================================================================

func (z *ZerodhaBroker) toResult(o kiteconnect.Order) *models.OrderResult {
	r := &models.OrderResult{
		OrderID:          o.OrderID,
		ClientOrderID:    o.Tag,
		Symbol:           z.NormalizeSymbol(o.Exchange + ":" + o.TradingSymbol),
		Side:             models.OrderSide(strings.ToLower(o.TransactionType)),
		Status:           zerodhaStatuses.Map(o.Status),
		RequestedSize:    float64(o.Quantity),
		FilledSize:       float64(o.FilledQuantity),
		Price:            o.Price,
		AverageFillPrice: o.AveragePrice,
		CreatedAt:        o.OrderTimestamp.Time,
	}
	for typ, native := range zerodhaOrderTypes {
		if native == o.OrderType {
			r.Type = typ
		}
	}
	if r.Status == models.OrderStatusPending && r.FilledSize > 0 {
		r.Status = models.OrderStatusPartiallyFilled
	}
	if r.Status == models.OrderStatusFilled {
		filled := o.ExchangeTimestamp.Time
		if filled.IsZero() {
			filled = r.CreatedAt
		}
		r.FilledAt = &filled
	}
	if r.Status == models.OrderStatusRejected {
		r.Error = o.StatusMessage
	}
	return r
}

// PlaceOrder places a regular order. Sizes must be whole shares.
func (z *ZerodhaBroker) PlaceOrder(ctx context.Context, req models.OrderRequest) (*models.OrderResult, error) {
	if err := req.Validate(); err != nil {
		return nil, errors.NewRequestError("zerodha", "place_order", err.Error(), nil)
	}
	if req.HasBracket() {
		return nil, errors.Unsupported("zerodha", "place_order", "kite regular orders cannot carry stop loss or take profit")
	}
	if req.Size != math.Trunc(req.Size) {
		return nil, errors.NewRequestError("zerodha", "place_order", "size must be a whole number of shares", nil)
	}
	if err := z.requireConnected("zerodha"); err != nil {
		return nil, err
	}

	exchange, symbol := splitExchange(z.DenormalizeSymbol(req.Symbol))
	params := kiteconnect.OrderParams{
		Exchange:        exchange,
		Tradingsymbol:   symbol,
		TransactionType: strings.ToUpper(string(req.Side)),
		OrderType:       zerodhaOrderTypes[req.Type],
		Product:         z.cfg.Product,
		Quantity:        int(req.Size),
		Validity:        kiteconnect.ValidityDay,
		Tag:             truncate(req.ClientOrderID, 20),
	}
	if req.TimeInForce == models.TimeInForceIOC {
		params.Validity = kiteconnect.ValidityIOC
	}
	if req.Price != nil {
		params.Price = *req.Price
	}
	if req.StopPrice != nil {
		params.TriggerPrice = *req.StopPrice
	}

	resp, err := z.client.PlaceOrder(kiteconnect.VarietyRegular, params)
	if err != nil {
		return nil, z.requestError("place_order", err)
	}

	result, err := z.GetOrder(ctx, resp.OrderID)
	if err != nil {
		result = &models.OrderResult{
			OrderID:       resp.OrderID,
			Symbol:        req.Symbol,
			Side:          req.Side,
			Type:          req.Type,
			Status:        models.OrderStatusPending,
			RequestedSize: req.Size,
			CreatedAt:     time.Now(),
		}
	}
	result.ClientOrderID = req.ClientOrderID
	logging.LogOrder(z.logger, result.OrderID, result.Symbol, string(result.Side), string(result.Status))
	return result, nil
}

// CancelOrder cancels a regular order.
func (z *ZerodhaBroker) CancelOrder(ctx context.Context, orderID string) (*models.OrderResult, error) {
	if err := z.requireConnected("zerodha"); err != nil {
		return nil, err
	}
	if _, err := z.client.CancelOrder(kiteconnect.VarietyRegular, orderID, nil); err != nil {
		return nil, z.requestError("cancel_order", err)
	}
	return z.GetOrder(ctx, orderID)
}

// GetOrder returns the latest state from the order's history.
func (z *ZerodhaBroker) GetOrder(ctx context.Context, orderID string) (*models.OrderResult, error) {
	if err := z.requireConnected("zerodha"); err != nil {
		return nil, err
	}
	history, err := z.client.GetOrderHistory(orderID)
	if err != nil {
		return nil, z.requestError("get_order", err)
	}
	if len(history) == 0 {
		return nil, errors.NewRequestError("zerodha", "get_order", "order "+orderID+" not found", errors.ErrOrderNotFound)
	}
	return z.toResult(history[len(history)-1]), nil
}

// GetOpenOrders returns today's non-terminal orders.
func (z *ZerodhaBroker) GetOpenOrders(ctx context.Context, symbol string) ([]models.OrderResult, error) {
	if err := z.requireConnected("zerodha"); err != nil {
		return nil, err
	}
	orders, err := z.client.GetOrders()
	if err != nil {
		return nil, z.requestError("get_open_orders", err)
	}
	var out []models.OrderResult
	for _, o := range orders {
		r := z.toResult(o)
		if r.Status.IsTerminal() || (symbol != "" && r.Symbol != symbol) {
			continue
		}
		out = append(out, *r)
	}
	return out, nil
}

// ============================================================================
// Positions
// ============================================================================

// GetPositions returns net positions with a non-zero quantity.
func (z *ZerodhaBroker) GetPositions(ctx context.Context) ([]models.Position, error) {
	if err := z.requireConnected("zerodha"); err != nil {
		return nil, err
	}
	positions, err := z.client.GetPositions()
	if err != nil {
		return nil, z.requestError("get_positions", err)
	}

	result := make([]models.Position, 0, len(positions.Net))
	for _, p := range positions.Net {
		qty := float64(p.Quantity)
		if qty == 0 {
			continue
		}
		multiplier := float64(p.Multiplier)
		if multiplier == 0 {
			multiplier = 1
		}
		side := models.PositionLong
		if qty < 0 {
			side = models.PositionShort
		}
		result = append(result, models.Position{
			PositionID:    p.Exchange + ":" + p.Tradingsymbol + ":" + p.Product,
			Symbol:        z.NormalizeSymbol(p.Exchange + ":" + p.Tradingsymbol),
			Side:          side,
			Size:          math.Abs(qty),
			EntryPrice:    p.AveragePrice,
			CurrentPrice:  p.LastPrice,
			UnrealizedPnL: (p.LastPrice - p.AveragePrice) * qty * multiplier,
			Leverage:      1,
		})
	}
	return result, nil
}

// GetPosition returns the net position for a symbol.
func (z *ZerodhaBroker) GetPosition(ctx context.Context, symbol string) (*models.Position, error) {
	positions, err := z.GetPositions(ctx)
	if err != nil {
		return nil, err
	}
	if p, ok := findPosition(positions, symbol); ok {
		return p, nil
	}
	return nil, errors.NewRequestError("zerodha", "get_position", "no open position for "+symbol, errors.ErrPositionNotFound)
}

// ClosePosition squares off with an opposing market order in the position's product.
func (z *ZerodhaBroker) ClosePosition(ctx context.Context, symbol string, size *float64) (*models.OrderResult, error) {
	pos, err := z.GetPosition(ctx, symbol)
	if err != nil {
		return nil, err
	}
	qty := pos.Size
	if size != nil {
		if *size <= 0 || *size > pos.Size || *size != math.Trunc(*size) {
			return nil, errors.NewRequestError("zerodha", "close_position", "size must be a whole number in (0, position size]", nil)
		}
		qty = *size
	}

	exchange, tradingSymbol := splitExchange(z.DenormalizeSymbol(symbol))
	product := z.cfg.Product
	if parts := strings.Split(pos.PositionID, ":"); len(parts) == 3 {
		product = parts[2]
	}
	resp, err := z.client.PlaceOrder(kiteconnect.VarietyRegular, kiteconnect.OrderParams{
		Exchange:        exchange,
		Tradingsymbol:   tradingSymbol,
		TransactionType: strings.ToUpper(string(pos.Side.CloseSide())),
		OrderType:       kiteconnect.OrderTypeMarket,
		Product:         product,
		Quantity:        int(qty),
		Validity:        kiteconnect.ValidityDay,
	})
	if err != nil {
		return nil, z.requestError("close_position", err)
	}
	return z.GetOrder(ctx, resp.OrderID)
}

// ModifyPosition is not available on Kite.
func (z *ZerodhaBroker) ModifyPosition(ctx context.Context, symbol string, stopLoss, takeProfit *float64) (*models.Position, error) {
	return nil, errors.Unsupported("zerodha", "modify_position", "kite positions carry no stop loss or take profit")
}

// ============================================================================
// Market data
// ============================================================================

// GetCurrentPrice returns the best bid/ask from the full quote. When the book is
// empty (indices, closed market) the last price is used for both sides.
func (z *ZerodhaBroker) GetCurrentPrice(ctx context.Context, symbol string) (*models.Tick, error) {
	prices, err := z.GetPrices(ctx, []string{symbol})
	if err != nil {
		return nil, err
	}
	tick, ok := prices[symbol]
	if !ok {
		return nil, errors.NewRequestError("zerodha", "get_price", "quote not found for "+symbol, errors.ErrSymbolNotFound)
	}
	return &tick, nil
}

// GetPrices fetches quotes for all symbols in one call.
func (z *ZerodhaBroker) GetPrices(ctx context.Context, symbols []string) (map[string]models.Tick, error) {
	if err := z.requireConnected("zerodha"); err != nil {
		return nil, err
	}
	natives := make([]string, len(symbols))
	for i, s := range symbols {
		natives[i] = z.DenormalizeSymbol(s)
	}
	quotes, err := z.client.GetQuote(natives...)
	if err != nil {
		return nil, z.requestError("get_price", err)
	}

	out := make(map[string]models.Tick, len(symbols))
	for i, native := range natives {
		q, ok := quotes[native]
		if !ok {
			continue
		}
		bid, ask := q.LastPrice, q.LastPrice
		if len(q.Depth.Buy) > 0 && q.Depth.Buy[0].Price > 0 {
			bid = q.Depth.Buy[0].Price
		}
		if len(q.Depth.Sell) > 0 && q.Depth.Sell[0].Price > 0 {
			ask = q.Depth.Sell[0].Price
		}
		ts := q.Timestamp.Time
		if ts.IsZero() {
			ts = time.Now()
		}
		out[symbols[i]] = models.Tick{Symbol: symbols[i], Bid: bid, Ask: ask, Timestamp: ts}
	}
	return out, nil
}

// StreamPrices polls quotes.
func (z *ZerodhaBroker) StreamPrices(ctx context.Context, symbols []string) (<-chan models.Tick, <-chan error) {
	if err := z.requireConnected("zerodha"); err != nil {
		return failedStream(err)
	}
	return PollingStreamer{Interval: z.cfg.PollInterval, Fetch: z.GetPrices}.Stream(ctx, symbols)
}

// GetCandles fetches historical data. H4, W and M have no Kite interval.
func (z *ZerodhaBroker) GetCandles(ctx context.Context, req CandleRequest) ([]models.Candle, error) {
	interval, err := z.tfs.Native(req.Timeframe)
	if err != nil {
		return nil, err
	}
	if err := z.requireConnected("zerodha"); err != nil {
		return nil, err
	}

	token, err := z.instrumentToken(ctx, z.DenormalizeSymbol(req.Symbol))
	if err != nil {
		return nil, err
	}

	from, to := req.window(time.Now())
	if req.From == nil && req.Timeframe != models.TimeframeD {
		// intraday windows skip nights and weekends; widen so Count bars exist
		from = to.Add(-3 * to.Sub(from))
	}
	data, err := z.client.GetHistoricalData(token, interval, from, to, false, false)
	if err != nil {
		return nil, z.requestError("get_candles", err)
	}

	candles := make([]models.Candle, len(data))
	for i, d := range data {
		candles[i] = models.Candle{
			Symbol:    req.Symbol,
			Timestamp: d.Date.Time,
			Open:      d.Open,
			High:      d.High,
			Low:       d.Low,
			Close:     d.Close,
			Volume:    float64(d.Volume),
			Timeframe: req.Timeframe,
		}
	}
	return trimCandles(candles, req.Count), nil
}

func truncate(s string, n int) string {
	if len(s) > n {
		return s[:n]
	}
	return s
}

var _ Broker = (*ZerodhaBroker)(nil)
