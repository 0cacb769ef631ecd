package broker

import (
	"context"
	"math"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"tradebridge/internal/errors"
	"tradebridge/internal/logging"
	"tradebridge/internal/models"
)

const (
	alpacaPaperURL  = "https://paper-api.alpaca.markets"
	alpacaLiveURL   = "https://api.alpaca.markets"
	alpacaDataURL   = "https://data.alpaca.markets"
	alpacaStreamURL = "wss://stream.data.alpaca.markets"
)

// AlpacaConfig holds Alpaca adapter configuration.
type AlpacaConfig struct {
	APIKey    string
	APISecret string
	Paper     bool
	Feed      string // iex (default) or sip

	// Overrides, mainly for tests.
	TradingURL string
	DataURL    string
	StreamURL  string

	REST         RESTOptions
	PollInterval time.Duration
}

// AlpacaBroker implements Broker against the Alpaca trading and market data APIs.
// Authentication is a static key pair sent as headers on every request.
type AlpacaBroker struct {
	connState

	cfg     AlpacaConfig
	trading *restSession
	data    *restSession
	symbols *SymbolMap
	tfs     TimeframeMap
	logger  zerolog.Logger
}

var alpacaSymbols = map[string]string{
	"BRK_A": "BRK.A",
	"BRK_B": "BRK.B",
	"BF_B":  "BF.B",
}

var alpacaTimeframes = map[models.Timeframe]string{
	models.TimeframeM1:  "1Min",
	models.TimeframeM5:  "5Min",
	models.TimeframeM15: "15Min",
	models.TimeframeM30: "30Min",
	models.TimeframeH1:  "1Hour",
	models.TimeframeH4:  "4Hour",
	models.TimeframeD:   "1Day",
	models.TimeframeW:   "1Week",
	models.TimeframeMN:  "1Month",
}

// Quote currencies that mark a pair as crypto.
var alpacaCryptoQuotes = map[string]bool{"USD": true, "USDT": true, "USDC": true, "BTC": true}

// Suffixes recognised on concatenated crypto symbols such as BTCUSD.
var alpacaConcatQuotes = []string{"USDT", "USDC", "USD"}

// NewAlpacaBroker creates a new Alpaca adapter.
func NewAlpacaBroker(cfg AlpacaConfig, logger zerolog.Logger) *AlpacaBroker {
	tradingURL := cfg.TradingURL
	if tradingURL == "" {
		tradingURL = alpacaLiveURL
		if cfg.Paper {
			tradingURL = alpacaPaperURL
		}
	}
	dataURL := cfg.DataURL
	if dataURL == "" {
		dataURL = alpacaDataURL
	}
	if cfg.StreamURL == "" {
		cfg.StreamURL = alpacaStreamURL
	}
	if cfg.Feed == "" {
		cfg.Feed = "iex"
	}

	a := &AlpacaBroker{
		cfg:     cfg,
		trading: newRESTSession("alpaca", tradingURL, cfg.REST, logger),
		data:    newRESTSession("alpaca", dataURL, cfg.REST, logger),
		symbols: NewSymbolMap(alpacaSymbols),
		tfs:     NewTimeframeMap("alpaca", alpacaTimeframes),
		logger:  logging.WithBroker(logger, "alpaca"),
	}
	for _, s := range []*restSession{a.trading, a.data} {
		s.setHeader("APCA-API-KEY-ID", cfg.APIKey)
		s.setHeader("APCA-API-SECRET-KEY", cfg.APISecret)
	}
	return a
}

// Name returns the broker name.
func (a *AlpacaBroker) Name() string { return "alpaca" }

// Connect probes the account endpoint with the configured keys.
func (a *AlpacaBroker) Connect(ctx context.Context) error {
	a.authMu.Lock()
	defer a.authMu.Unlock()

	if a.IsConnected() {
		return nil
	}
	if a.cfg.APIKey == "" || a.cfg.APISecret == "" {
		return errors.NewConnectionError("alpaca", "api key and secret are required", errors.ErrInvalidCredentials)
	}

	var acct alpacaAccount
	if _, err := a.trading.do("connect", a.trading.R(ctx).SetResult(&acct), "GET", "/v2/account"); err != nil {
		return asConnectionError("alpaca", err)
	}
	if acct.Status != "" && acct.Status != "ACTIVE" {
		return errors.NewConnectionError("alpaca", "account status "+acct.Status, nil)
	}

	a.setConnected(true)
	a.logger.Info().Str("account", acct.AccountNumber).Bool("paper", a.cfg.Paper).Msg("Connected")
	return nil
}

// Disconnect forgets the session. Alpaca keys are stateless so nothing is revoked.
func (a *AlpacaBroker) Disconnect(ctx context.Context) error {
	a.authMu.Lock()
	defer a.authMu.Unlock()
	a.setConnected(false)
	return nil
}

// NormalizeSymbol converts an Alpaca symbol (AAPL, BTC/USD, BTCUSD, BRK.B) to canonical form.
func (a *AlpacaBroker) NormalizeSymbol(native string) string {
	if c := a.symbols.Canonical(native); c != native {
		return c
	}
	if strings.Contains(native, "/") {
		return strings.ReplaceAll(native, "/", "_")
	}
	if len(native) >= 6 && isAlpha(native) {
		for _, q := range alpacaConcatQuotes {
			if strings.HasSuffix(native, q) {
				return native[:len(native)-len(q)] + "_" + q
			}
		}
	}
	return native
}

// DenormalizeSymbol converts a canonical symbol to the Alpaca order/data notation.
func (a *AlpacaBroker) DenormalizeSymbol(canonical string) string {
	if a.symbols.Has(canonical) {
		return a.symbols.Native(canonical)
	}
	if base, quote, ok := SplitPair(canonical); ok {
		return base + "/" + quote
	}
	return canonical
}

type alpacaRoute int

const (
	routeStock alpacaRoute = iota
	routeCrypto
)

// routeFor returns the market data routes to try for a canonical symbol, in order.
//
// A canonical BASE_QUOTE pair with a crypto quote currency, or any 6-letter
// alphabetic symbol (BTCUSD, ETHUSD), goes crypto first and falls back to the
// stock route. Everything else goes stock first with crypto as fallback.
func (a *AlpacaBroker) routeFor(symbol string) []alpacaRoute {
	if a.symbols.Has(symbol) {
		return []alpacaRoute{routeStock, routeCrypto}
	}
	if _, quote, ok := SplitPair(symbol); ok && alpacaCryptoQuotes[quote] {
		return []alpacaRoute{routeCrypto, routeStock}
	}
	if len(symbol) == 6 && isAlpha(symbol) {
		return []alpacaRoute{routeCrypto, routeStock}
	}
	return []alpacaRoute{routeStock, routeCrypto}
}

// cryptoNative renders a symbol as an Alpaca crypto pair (BTC/USD).
func (a *AlpacaBroker) cryptoNative(symbol string) string {
	if base, quote, ok := SplitPair(symbol); ok {
		return base + "/" + quote
	}
	if len(symbol) == 6 && isAlpha(symbol) {
		return symbol[:3] + "/" + symbol[3:]
	}
	return symbol
}

// positionNative is the slash-free form Alpaca uses in position paths.
func (a *AlpacaBroker) positionNative(symbol string) string {
	return strings.ReplaceAll(a.DenormalizeSymbol(symbol), "/", "")
}

// ============================================================================
// Account
// ============================================================================

type alpacaAccount struct {
	AccountNumber string `json:"account_number"`
	Status        string `json:"status"`
	Currency      string `json:"currency"`
	Cash          string `json:"cash"`
	Equity        string `json:"equity"`
	LastEquity    string `json:"last_equity"`
	BuyingPower   string `json:"buying_power"`
	InitialMargin string `json:"initial_margin"`
	Multiplier    string `json:"multiplier"`
}

// GetAccountInfo returns the account snapshot. Unrealized P&L is summed over open positions.
func (a *AlpacaBroker) GetAccountInfo(ctx context.Context) (*models.AccountInfo, error) {
	if err := a.requireConnected("alpaca"); err != nil {
		return nil, err
	}

	var acct alpacaAccount
	if _, err := a.trading.do("get_account", a.trading.R(ctx).SetResult(&acct), "GET", "/v2/account"); err != nil {
		return nil, err
	}

	positions, err := a.GetPositions(ctx)
	if err != nil {
		return nil, err
	}
	var unrealized float64
	for _, p := range positions {
		unrealized += p.UnrealizedPnL
	}

	return &models.AccountInfo{
		Balance:          num(acct.Cash),
		Equity:           num(acct.Equity),
		MarginUsed:       num(acct.InitialMargin),
		MarginAvailable:  num(acct.BuyingPower),
		UnrealizedPnL:    unrealized,
		RealizedPnLToday: num(acct.Equity) - num(acct.LastEquity) - unrealized,
		Currency:         acct.Currency,
		Leverage:         num(acct.Multiplier),
		Timestamp:        time.Now(),
	}, nil
}

type alpacaAsset struct {
	Symbol            string `json:"symbol"`
	Name              string `json:"name"`
	Class             string `json:"class"`
	Tradable          bool   `json:"tradable"`
	Fractionable      bool   `json:"fractionable"`
	MinOrderSize      string `json:"min_order_size"`
	MinTradeIncrement string `json:"min_trade_increment"`
	MarginRequirement string `json:"maintenance_margin_requirement"`
}

// GetInstruments lists tradable active assets.
func (a *AlpacaBroker) GetInstruments(ctx context.Context) ([]models.Instrument, error) {
	if err := a.requireConnected("alpaca"); err != nil {
		return nil, err
	}

	var assets []alpacaAsset
	req := a.trading.R(ctx).SetQueryParam("status", "active").SetResult(&assets)
	if _, err := a.trading.do("get_instruments", req, "GET", "/v2/assets"); err != nil {
		return nil, err
	}

	out := make([]models.Instrument, 0, len(assets))
	for _, as := range assets {
		if !as.Tradable {
			continue
		}
		inst := models.Instrument{
			Symbol:        a.NormalizeSymbol(as.Symbol),
			DisplayName:   as.Name,
			Type:          models.InstrumentStock,
			MinSize:       1,
			SizeIncrement: 1,
			MarginRate:    num(as.MarginRequirement) / 100,
		}
		if as.Class == "crypto" {
			inst.Type = models.InstrumentCrypto
		}
		if as.Fractionable {
			inst.SizeIncrement = 0.000001
		}
		if v := num(as.MinOrderSize); v > 0 {
			inst.MinSize = v
		}
		if v := num(as.MinTradeIncrement); v > 0 {
			inst.SizeIncrement = v
		}
		out = append(out, inst)
	}
	return out, nil
}

// ============================================================================
// Orders
// ============================================================================

type alpacaLeg struct {
	LimitPrice string `json:"limit_price,omitempty"`
	StopPrice  string `json:"stop_price,omitempty"`
}

type alpacaOrderRequest struct {
	Symbol        string     `json:"symbol"`
	Qty           string     `json:"qty"`
	Side          string     `json:"side"`
	Type          string     `json:"type"`
	TimeInForce   string     `json:"time_in_force"`
	LimitPrice    string     `json:"limit_price,omitempty"`
	StopPrice     string     `json:"stop_price,omitempty"`
	ClientOrderID string     `json:"client_order_id,omitempty"`
	OrderClass    string     `json:"order_class,omitempty"`
	TakeProfit    *alpacaLeg `json:"take_profit,omitempty"`
	StopLoss      *alpacaLeg `json:"stop_loss,omitempty"`
}

type alpacaOrder struct {
	ID             string     `json:"id"`
	ClientOrderID  string     `json:"client_order_id"`
	Symbol         string     `json:"symbol"`
	Side           string     `json:"side"`
	Type           string     `json:"type"`
	Status         string     `json:"status"`
	Qty            string     `json:"qty"`
	FilledQty      string     `json:"filled_qty"`
	FilledAvgPrice *string    `json:"filled_avg_price"`
	LimitPrice     *string    `json:"limit_price"`
	StopPrice      *string    `json:"stop_price"`
	CreatedAt      time.Time  `json:"created_at"`
	FilledAt       *time.Time `json:"filled_at"`
}

var alpacaOrderTypes = map[models.OrderType]string{
	models.OrderTypeMarket:    "market",
	models.OrderTypeLimit:     "limit",
	models.OrderTypeStop:      "stop",
	models.OrderTypeStopLimit: "stop_limit",
}

func (a *AlpacaBroker) toResult(o alpacaOrder) *models.OrderResult {
	r := &models.OrderResult{
		OrderID:       o.ID,
		ClientOrderID: o.ClientOrderID,
		Symbol:        a.NormalizeSymbol(o.Symbol),
		Side:          models.OrderSide(o.Side),
		Type:          models.OrderType(o.Type),
		Status:        alpacaStatuses.Map(o.Status),
		RequestedSize: num(o.Qty),
		FilledSize:    num(o.FilledQty),
		CreatedAt:     o.CreatedAt,
		FilledAt:      o.FilledAt,
	}
	if p := numPtr(o.LimitPrice); p != nil {
		r.Price = *p
	} else if p := numPtr(o.StopPrice); p != nil {
		r.Price = *p
	}
	if p := numPtr(o.FilledAvgPrice); p != nil {
		r.AverageFillPrice = *p
	}
	if r.Status == models.OrderStatusPending && r.FilledSize > 0 {
		r.Status = models.OrderStatusPartiallyFilled
	}
	return r
}

// PlaceOrder submits an order. Stop loss and take profit are only accepted
// together, as a bracket order; a request carrying just one is rejected locally.
func (a *AlpacaBroker) PlaceOrder(ctx context.Context, req models.OrderRequest) (*models.OrderResult, error) {
	if err := req.Validate(); err != nil {
		return nil, errors.NewRequestError("alpaca", "place_order", err.Error(), nil)
	}
	if (req.StopLoss == nil) != (req.TakeProfit == nil) {
		return nil, errors.NewRequestError("alpaca", "place_order",
			"alpaca bracket orders need both stop_loss and take_profit", errors.ErrBracketIncomplete)
	}
	if err := a.requireConnected("alpaca"); err != nil {
		return nil, err
	}

	tif := string(req.TimeInForce)
	if tif == "" {
		tif = "day"
		if a.routeFor(req.Symbol)[0] == routeCrypto {
			tif = "gtc"
		}
	}

	body := alpacaOrderRequest{
		Symbol:        a.DenormalizeSymbol(req.Symbol),
		Qty:           formatNum(req.Size),
		Side:          string(req.Side),
		Type:          alpacaOrderTypes[req.Type],
		TimeInForce:   tif,
		ClientOrderID: req.ClientOrderID,
	}
	if req.Price != nil {
		body.LimitPrice = formatNum(*req.Price)
	}
	if req.StopPrice != nil {
		body.StopPrice = formatNum(*req.StopPrice)
	}
	if req.StopLoss != nil && req.TakeProfit != nil {
		body.OrderClass = "bracket"
		body.TakeProfit = &alpacaLeg{LimitPrice: formatNum(*req.TakeProfit)}
		body.StopLoss = &alpacaLeg{StopPrice: formatNum(*req.StopLoss)}
	}

	var o alpacaOrder
	if _, err := a.trading.do("place_order", a.trading.R(ctx).SetBody(body).SetResult(&o), "POST", "/v2/orders"); err != nil {
		return nil, err
	}

	result := a.toResult(o)
	logging.LogOrder(a.logger, result.OrderID, result.Symbol, string(result.Side), string(result.Status))
	return result, nil
}

// CancelOrder requests cancellation and returns the order's state afterwards.
func (a *AlpacaBroker) CancelOrder(ctx context.Context, orderID string) (*models.OrderResult, error) {
	if err := a.requireConnected("alpaca"); err != nil {
		return nil, err
	}
	if _, err := a.trading.do("cancel_order", a.trading.R(ctx), "DELETE", "/v2/orders/"+url.PathEscape(orderID)); err != nil {
		return nil, err
	}
	return a.GetOrder(ctx, orderID)
}

// GetOrder fetches a single order.
func (a *AlpacaBroker) GetOrder(ctx context.Context, orderID string) (*models.OrderResult, error) {
	if err := a.requireConnected("alpaca"); err != nil {
		return nil, err
	}
	var o alpacaOrder
	if _, err := a.trading.do("get_order", a.trading.R(ctx).SetResult(&o), "GET", "/v2/orders/"+url.PathEscape(orderID)); err != nil {
		return nil, err
	}
	return a.toResult(o), nil
}

// GetOpenOrders lists working orders, optionally for one symbol.
func (a *AlpacaBroker) GetOpenOrders(ctx context.Context, symbol string) ([]models.OrderResult, error) {
	if err := a.requireConnected("alpaca"); err != nil {
		return nil, err
	}
	var orders []alpacaOrder
	req := a.trading.R(ctx).SetQueryParam("status", "open").SetResult(&orders)
	if symbol != "" {
		req.SetQueryParam("symbols", a.DenormalizeSymbol(symbol))
	}
	if _, err := a.trading.do("get_open_orders", req, "GET", "/v2/orders"); err != nil {
		return nil, err
	}

	out := make([]models.OrderResult, 0, len(orders))
	for _, o := range orders {
		out = append(out, *a.toResult(o))
	}
	return out, nil
}

// ============================================================================
// Positions
// ============================================================================

type alpacaPosition struct {
	AssetID       string `json:"asset_id"`
	Symbol        string `json:"symbol"`
	Qty           string `json:"qty"`
	Side          string `json:"side"`
	AvgEntryPrice string `json:"avg_entry_price"`
	CurrentPrice  string `json:"current_price"`
	UnrealizedPL  string `json:"unrealized_pl"`
	CostBasis     string `json:"cost_basis"`
}

func (a *AlpacaBroker) toPosition(p alpacaPosition) models.Position {
	side := models.PositionLong
	if p.Side == "short" {
		side = models.PositionShort
	}
	return models.Position{
		PositionID:    p.AssetID,
		Symbol:        a.NormalizeSymbol(p.Symbol),
		Side:          side,
		Size:          math.Abs(num(p.Qty)),
		EntryPrice:    num(p.AvgEntryPrice),
		CurrentPrice:  num(p.CurrentPrice),
		UnrealizedPnL: num(p.UnrealizedPL),
		MarginUsed:    math.Abs(num(p.CostBasis)),
		Leverage:      1,
	}
}

// GetPositions lists open positions.
func (a *AlpacaBroker) GetPositions(ctx context.Context) ([]models.Position, error) {
	if err := a.requireConnected("alpaca"); err != nil {
		return nil, err
	}
	var positions []alpacaPosition
	if _, err := a.trading.do("get_positions", a.trading.R(ctx).SetResult(&positions), "GET", "/v2/positions"); err != nil {
		return nil, err
	}
	out := make([]models.Position, 0, len(positions))
	for _, p := range positions {
		out = append(out, a.toPosition(p))
	}
	return out, nil
}

// GetPosition fetches the open position for a symbol.
func (a *AlpacaBroker) GetPosition(ctx context.Context, symbol string) (*models.Position, error) {
	if err := a.requireConnected("alpaca"); err != nil {
		return nil, err
	}
	var p alpacaPosition
	path := "/v2/positions/" + url.PathEscape(a.positionNative(symbol))
	if _, err := a.trading.do("get_position", a.trading.R(ctx).SetResult(&p), "GET", path); err != nil {
		return nil, err
	}
	pos := a.toPosition(p)
	return &pos, nil
}

// ClosePosition liquidates a position, fully when size is nil.
func (a *AlpacaBroker) ClosePosition(ctx context.Context, symbol string, size *float64) (*models.OrderResult, error) {
	if err := a.requireConnected("alpaca"); err != nil {
		return nil, err
	}
	req := a.trading.R(ctx)
	if size != nil {
		if *size <= 0 {
			return nil, errors.NewRequestError("alpaca", "close_position", "size must be positive", nil)
		}
		req.SetQueryParam("qty", formatNum(*size))
	}
	var o alpacaOrder
	req.SetResult(&o)
	path := "/v2/positions/" + url.PathEscape(a.positionNative(symbol))
	if _, err := a.trading.do("close_position", req, "DELETE", path); err != nil {
		return nil, err
	}
	return a.toResult(o), nil
}

// ModifyPosition is not available: Alpaca protective legs are fixed when the bracket is placed.
func (a *AlpacaBroker) ModifyPosition(ctx context.Context, symbol string, stopLoss, takeProfit *float64) (*models.Position, error) {
	return nil, errors.Unsupported("alpaca", "modify_position",
		"alpaca attaches stop loss and take profit only as bracket legs at entry")
}

// ============================================================================
// Market data
// ============================================================================

type alpacaQuote struct {
	AskPrice  float64   `json:"ap"`
	BidPrice  float64   `json:"bp"`
	Timestamp time.Time `json:"t"`
}

type alpacaBar struct {
	Timestamp time.Time `json:"t"`
	Open      float64   `json:"o"`
	High      float64   `json:"h"`
	Low       float64   `json:"l"`
	Close     float64   `json:"c"`
	Volume    float64   `json:"v"`
}

// GetCurrentPrice returns the latest quote, trying each route from routeFor in order.
func (a *AlpacaBroker) GetCurrentPrice(ctx context.Context, symbol string) (*models.Tick, error) {
	if err := a.requireConnected("alpaca"); err != nil {
		return nil, err
	}

	var lastErr error
	for _, route := range a.routeFor(symbol) {
		q, err := a.latestQuote(ctx, route, symbol)
		if err != nil {
			lastErr = err
			continue
		}
		return &models.Tick{Symbol: symbol, Bid: q.BidPrice, Ask: q.AskPrice, Timestamp: q.Timestamp}, nil
	}
	return nil, lastErr
}

func (a *AlpacaBroker) latestQuote(ctx context.Context, route alpacaRoute, symbol string) (*alpacaQuote, error) {
	if route == routeCrypto {
		native := a.cryptoNative(symbol)
		var resp struct {
			Quotes map[string]alpacaQuote `json:"quotes"`
		}
		req := a.data.R(ctx).SetQueryParam("symbols", native).SetResult(&resp)
		if _, err := a.data.do("get_price", req, "GET", "/v1beta3/crypto/us/latest/quotes"); err != nil {
			return nil, err
		}
		q, ok := resp.Quotes[native]
		if !ok {
			return nil, errors.NewRequestError("alpaca", "get_price", "no crypto quote for "+native, errors.ErrSymbolNotFound)
		}
		return &q, nil
	}

	native := a.DenormalizeSymbol(symbol)
	var resp struct {
		Symbol string       `json:"symbol"`
		Quote  *alpacaQuote `json:"quote"`
	}
	req := a.data.R(ctx).SetQueryParam("feed", a.cfg.Feed).SetResult(&resp)
	if _, err := a.data.do("get_price", req, "GET", "/v2/stocks/"+url.PathEscape(native)+"/quotes/latest"); err != nil {
		return nil, err
	}
	if resp.Quote == nil {
		return nil, errors.NewRequestError("alpaca", "get_price", "no stock quote for "+native, errors.ErrSymbolNotFound)
	}
	return resp.Quote, nil
}

// GetPrices returns quotes for several symbols. Symbols without a quote are omitted.
func (a *AlpacaBroker) GetPrices(ctx context.Context, symbols []string) (map[string]models.Tick, error) {
	if err := a.requireConnected("alpaca"); err != nil {
		return nil, err
	}
	return getPricesSequential(ctx, a, symbols)
}

// Lookback widening for count-based candle requests.
const (
	alpacaLookbackFactor = 7
	alpacaLookbackSlack  = 4 * 24 * time.Hour
)

// GetCandles returns bars for the symbol, oldest first, routed the same way as
// quotes. Without From the most recent Count bars are returned even when the
// market was closed for most of Count × timeframe.
func (a *AlpacaBroker) GetCandles(ctx context.Context, req CandleRequest) ([]models.Candle, error) {
	tf, err := a.tfs.Native(req.Timeframe)
	if err != nil {
		return nil, err
	}
	if err := a.requireConnected("alpaca"); err != nil {
		return nil, err
	}

	from, to := req.window(time.Now().UTC())
	latest := req.From == nil
	if latest {
		// market hours cover a fraction of the clock; ask newest-first over a
		// wide window so the limit still yields Count bars
		from = to.Add(-alpacaLookbackFactor*to.Sub(from) - alpacaLookbackSlack)
	}
	params := map[string]string{
		"timeframe": tf,
		"start":     from.UTC().Format(time.RFC3339),
		"end":       to.UTC().Format(time.RFC3339),
	}
	if req.Count > 0 {
		params["limit"] = strconv.Itoa(req.Count)
	}
	if latest {
		params["sort"] = "desc"
	}

	var lastErr error
	for _, route := range a.routeFor(req.Symbol) {
		bars, err := a.bars(ctx, route, req.Symbol, params)
		if err != nil {
			lastErr = err
			continue
		}
		candles := make([]models.Candle, 0, len(bars))
		for _, b := range bars {
			candles = append(candles, models.Candle{
				Symbol: req.Symbol, Timestamp: b.Timestamp, Timeframe: req.Timeframe,
				Open: b.Open, High: b.High, Low: b.Low, Close: b.Close, Volume: b.Volume,
			})
		}
		sort.Slice(candles, func(i, j int) bool { return candles[i].Timestamp.Before(candles[j].Timestamp) })
		return trimCandles(candles, req.Count), nil
	}
	return nil, lastErr
}

func (a *AlpacaBroker) bars(ctx context.Context, route alpacaRoute, symbol string, params map[string]string) ([]alpacaBar, error) {
	if route == routeCrypto {
		native := a.cryptoNative(symbol)
		var resp struct {
			Bars map[string][]alpacaBar `json:"bars"`
		}
		req := a.data.R(ctx).SetQueryParams(params).SetQueryParam("symbols", native).SetResult(&resp)
		if _, err := a.data.do("get_candles", req, "GET", "/v1beta3/crypto/us/bars"); err != nil {
			return nil, err
		}
		bars, ok := resp.Bars[native]
		if !ok {
			return nil, errors.NewRequestError("alpaca", "get_candles", "no crypto bars for "+native, errors.ErrSymbolNotFound)
		}
		return bars, nil
	}

	native := a.DenormalizeSymbol(symbol)
	var resp struct {
		Bars []alpacaBar `json:"bars"`
	}
	req := a.data.R(ctx).SetQueryParams(params).SetQueryParam("feed", a.cfg.Feed).SetResult(&resp)
	if _, err := a.data.do("get_candles", req, "GET", "/v2/stocks/"+url.PathEscape(native)+"/bars"); err != nil {
		return nil, err
	}
	return resp.Bars, nil
}

func isAlpha(s string) bool {
	for _, r := range s {
		if r < 'A' || r > 'Z' {
			return false
		}
	}
	return s != ""
}

var _ Broker = (*AlpacaBroker)(nil)
