package broker

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"tradebridge/internal/errors"
	"tradebridge/internal/logging"
	"tradebridge/internal/models"
	"tradebridge/internal/store"
)

const (
	metaAPIProvisioningURL = "https://mt-provisioning-api-v1.agiliumtrade.agiliumtrade.ai"
	metaAPIClientURL       = "https://mt-client-api-v1.%s.agiliumtrade.ai"
	metaAPIMarketDataURL   = "https://mt-market-data-client-api-v1.%s.agiliumtrade.ai"
)

// MetaAPIConfig holds MetaApi adapter configuration.
type MetaAPIConfig struct {
	Token    string
	Login    string
	Password string
	Server   string
	Platform string // mt4 or mt5
	Region   string

	// Overrides, mainly for tests.
	ProvisioningURL string
	ClientURL       string
	MarketDataURL   string

	REST         RESTOptions
	PollInterval time.Duration
}

// MetaAPIBroker implements Broker for MetaTrader accounts through MetaApi.
//
// The MetaTrader account must be registered with MetaApi before it can be
// traded. Connect looks the login/server pair up (store first, then the
// provisioning API) and only creates a new registration when none exists.
type MetaAPIBroker struct {
	connState

	cfg          MetaAPIConfig
	provisioning *restSession
	client       *restSession
	marketData   *restSession
	accounts     store.AccountStore
	symbols      *SymbolMap
	tfs          TimeframeMap
	logger       zerolog.Logger

	accountID string // guarded by connState.mu
}

var metaAPISymbols = map[string]string{
	"XAU_USD": "XAUUSD",
	"XAG_USD": "XAGUSD",
	"US30":    "US30",
	"SPX500":  "US500",
	"NAS100":  "USTEC",
	"GER40":   "DE40",
	"UK100":   "UK100",
	"WTI":     "USOIL",
}

var metaAPITimeframes = map[models.Timeframe]string{
	models.TimeframeM1:  "1m",
	models.TimeframeM5:  "5m",
	models.TimeframeM15: "15m",
	models.TimeframeM30: "30m",
	models.TimeframeH1:  "1h",
	models.TimeframeH4:  "4h",
	models.TimeframeD:   "1d",
	models.TimeframeW:   "1w",
	models.TimeframeMN:  "1mn",
}

// NewMetaAPIBroker creates a new MetaApi adapter. accounts may be nil, in which
// case the provisioned id is only looked up through the provisioning API.
func NewMetaAPIBroker(cfg MetaAPIConfig, accounts store.AccountStore, logger zerolog.Logger) *MetaAPIBroker {
	if cfg.Region == "" {
		cfg.Region = "new-york"
	}
	if cfg.Platform == "" {
		cfg.Platform = "mt5"
	}
	if cfg.ProvisioningURL == "" {
		cfg.ProvisioningURL = metaAPIProvisioningURL
	}
	if cfg.ClientURL == "" {
		cfg.ClientURL = fmt.Sprintf(metaAPIClientURL, cfg.Region)
	}
	if cfg.MarketDataURL == "" {
		cfg.MarketDataURL = fmt.Sprintf(metaAPIMarketDataURL, cfg.Region)
	}

	m := &MetaAPIBroker{
		cfg:          cfg,
		provisioning: newRESTSession("metaapi", cfg.ProvisioningURL, cfg.REST, logger),
		client:       newRESTSession("metaapi", cfg.ClientURL, cfg.REST, logger),
		marketData:   newRESTSession("metaapi", cfg.MarketDataURL, cfg.REST, logger),
		accounts:     accounts,
		symbols:      NewSymbolMap(metaAPISymbols),
		tfs:          NewTimeframeMap("metaapi", metaAPITimeframes),
		logger:       logging.WithBroker(logger, "metaapi"),
	}
	for _, s := range []*restSession{m.provisioning, m.client, m.marketData} {
		s.setHeader("auth-token", cfg.Token)
	}
	return m
}

// Name returns the broker name.
func (m *MetaAPIBroker) Name() string { return "metaapi" }

type metaAPIAccount struct {
	ID               string `json:"_id"`
	Login            string `json:"login"`
	Server           string `json:"server"`
	State            string `json:"state"`
	ConnectionStatus string `json:"connectionStatus"`
}

// Connect resolves the MetaApi account id and probes account information.
func (m *MetaAPIBroker) Connect(ctx context.Context) error {
	m.authMu.Lock()
	defer m.authMu.Unlock()

	if m.IsConnected() {
		return nil
	}
	if m.cfg.Token == "" || m.cfg.Login == "" || m.cfg.Server == "" {
		return errors.NewConnectionError("metaapi", "token, login and server are required", errors.ErrInvalidCredentials)
	}

	id, err := m.resolveAccount(ctx)
	if err != nil {
		return asConnectionError("metaapi", err)
	}

	m.mu.Lock()
	m.accountID = id
	m.mu.Unlock()

	var info metaAPIAccountInfo
	if _, err := m.client.do("connect", m.client.R(ctx).SetResult(&info), "GET", m.accountPath("/account-information")); err != nil {
		return asConnectionError("metaapi", err)
	}

	m.setConnected(true)
	m.logger.Info().Str("account_id", id).Str("server", m.cfg.Server).Msg("Connected")
	return nil
}

// resolveAccount returns the MetaApi id for the configured login, provisioning
// it only when neither the store nor the provisioning API knows it.
func (m *MetaAPIBroker) resolveAccount(ctx context.Context) (string, error) {
	if m.accounts != nil {
		id, err := m.accounts.GetProvisionedAccount(ctx, "metaapi", m.cfg.Login, m.cfg.Server)
		if err != nil {
			return "", err
		}
		if id != "" {
			return id, nil
		}
	}

	var existing []metaAPIAccount
	if _, err := m.provisioning.do("list_accounts", m.provisioning.R(ctx).SetResult(&existing), "GET", "/users/current/accounts"); err != nil {
		return "", err
	}

	var id string
	for _, a := range existing {
		if a.Login == m.cfg.Login && strings.EqualFold(a.Server, m.cfg.Server) {
			id = a.ID
			if a.State != "" && a.State != "DEPLOYED" {
				if err := m.deploy(ctx, id); err != nil {
					return "", err
				}
			}
			break
		}
	}

	if id == "" {
		var created struct {
			ID    string `json:"id"`
			State string `json:"state"`
		}
		body := map[string]interface{}{
			"name":     "tradebridge-" + m.cfg.Login,
			"type":     "cloud",
			"login":    m.cfg.Login,
			"password": m.cfg.Password,
			"server":   m.cfg.Server,
			"platform": m.cfg.Platform,
			"magic":    0,
		}
		req := m.provisioning.R(ctx).SetBody(body).SetResult(&created)
		if _, err := m.provisioning.do("create_account", req, "POST", "/users/current/accounts"); err != nil {
			return "", err
		}
		id = created.ID
		m.logger.Info().Str("account_id", id).Msg("Provisioned MetaTrader account")
	}

	if m.accounts != nil {
		if err := m.accounts.SaveProvisionedAccount(ctx, "metaapi", m.cfg.Login, m.cfg.Server, id); err != nil {
			m.logger.Warn().Err(err).Msg("Failed to persist provisioned account id")
		}
	}
	return id, nil
}

func (m *MetaAPIBroker) deploy(ctx context.Context, id string) error {
	path := "/users/current/accounts/" + url.PathEscape(id) + "/deploy"
	_, err := m.provisioning.do("deploy_account", m.provisioning.R(ctx), "POST", path)
	return err
}

// Disconnect drops the session. The provisioned account stays registered.
func (m *MetaAPIBroker) Disconnect(ctx context.Context) error {
	m.authMu.Lock()
	defer m.authMu.Unlock()
	m.setConnected(false)
	return nil
}

func (m *MetaAPIBroker) accountPath(suffix string) string {
	m.mu.RLock()
	id := m.accountID
	m.mu.RUnlock()
	return "/users/current/accounts/" + url.PathEscape(id) + suffix
}

// NormalizeSymbol converts a MetaTrader symbol to canonical form. Six-letter
// currency pairs (EURUSD) become BASE_QUOTE; broker suffixes (EURUSD.r) are dropped.
func (m *MetaAPIBroker) NormalizeSymbol(native string) string {
	if c := m.symbols.Canonical(native); c != native {
		return c
	}
	base := native
	if i := strings.IndexAny(base, ".#"); i > 0 {
		base = base[:i]
	}
	if len(base) == 6 && isAlpha(base) {
		return JoinPair(base[:3], base[3:])
	}
	return native
}

// DenormalizeSymbol converts a canonical symbol to MetaTrader notation.
func (m *MetaAPIBroker) DenormalizeSymbol(canonical string) string {
	if m.symbols.Has(canonical) {
		return m.symbols.Native(canonical)
	}
	if base, quote, ok := SplitPair(canonical); ok {
		return base + quote
	}
	return canonical
}

// ============================================================================
// Account
// ============================================================================

type metaAPIAccountInfo struct {
	Currency   string  `json:"currency"`
	Balance    float64 `json:"balance"`
	Equity     float64 `json:"equity"`
	Margin     float64 `json:"margin"`
	FreeMargin float64 `json:"freeMargin"`
	Leverage   float64 `json:"leverage"`
}

// GetAccountInfo returns the terminal's account information.
func (m *MetaAPIBroker) GetAccountInfo(ctx context.Context) (*models.AccountInfo, error) {
	if err := m.requireConnected("metaapi"); err != nil {
		return nil, err
	}
	var info metaAPIAccountInfo
	if _, err := m.client.do("get_account", m.client.R(ctx).SetResult(&info), "GET", m.accountPath("/account-information")); err != nil {
		return nil, err
	}
	return &models.AccountInfo{
		Balance:         info.Balance,
		Equity:          info.Equity,
		MarginUsed:      info.Margin,
		MarginAvailable: info.FreeMargin,
		UnrealizedPnL:   info.Equity - info.Balance,
		Currency:        info.Currency,
		Leverage:        info.Leverage,
		Timestamp:       time.Now(),
	}, nil
}

type metaAPISpec struct {
	Symbol      string  `json:"symbol"`
	Description string  `json:"description"`
	MinVolume   float64 `json:"minVolume"`
	VolumeStep  float64 `json:"volumeStep"`
	Path        string  `json:"path"`
}

// GetInstruments lists symbols available on the terminal.
func (m *MetaAPIBroker) GetInstruments(ctx context.Context) ([]models.Instrument, error) {
	if err := m.requireConnected("metaapi"); err != nil {
		return nil, err
	}
	var symbols []string
	if _, err := m.client.do("get_instruments", m.client.R(ctx).SetResult(&symbols), "GET", m.accountPath("/symbols")); err != nil {
		return nil, err
	}

	out := make([]models.Instrument, 0, len(symbols))
	for _, s := range symbols {
		canonical := m.NormalizeSymbol(s)
		inst := models.Instrument{
			Symbol:        canonical,
			DisplayName:   s,
			Type:          metaAPIInstrumentType(canonical),
			MinSize:       0.01,
			SizeIncrement: 0.01,
		}
		var spec metaAPISpec
		path := m.accountPath("/symbols/" + url.PathEscape(s) + "/specification")
		if _, err := m.client.do("get_instruments", m.client.R(ctx).SetResult(&spec), "GET", path); err == nil {
			if spec.Description != "" {
				inst.DisplayName = spec.Description
			}
			if spec.MinVolume > 0 {
				inst.MinSize = spec.MinVolume
			}
			if spec.VolumeStep > 0 {
				inst.SizeIncrement = spec.VolumeStep
			}
		}
		out = append(out, inst)
	}
	return out, nil
}

func metaAPIInstrumentType(canonical string) models.InstrumentType {
	switch {
	case strings.HasPrefix(canonical, "XAU") || strings.HasPrefix(canonical, "XAG") || canonical == "WTI":
		return models.InstrumentCommodities
	case strings.HasPrefix(canonical, "BTC") || strings.HasPrefix(canonical, "ETH"):
		return models.InstrumentCrypto
	}
	if _, _, ok := SplitPair(canonical); ok {
		return models.InstrumentForex
	}
	return models.InstrumentIndices
}

// ============================================================================
// Orders
// ============================================================================

type metaAPITradeResponse struct {
	NumericCode int    `json:"numericCode"`
	StringCode  string `json:"stringCode"`
	Message     string `json:"message"`
	OrderID     string `json:"orderId"`
	PositionID  string `json:"positionId"`
}

type metaAPIOrder struct {
	ID            string    `json:"id"`
	Type          string    `json:"type"`
	State         string    `json:"state"`
	Symbol        string    `json:"symbol"`
	OpenPrice     float64   `json:"openPrice"`
	Volume        float64   `json:"volume"`
	CurrentVolume float64   `json:"currentVolume"`
	Time          time.Time `json:"time"`
	DoneTime      time.Time `json:"doneTime"`
	ClientID      string    `json:"clientId"`
}

func metaAPIActionType(side models.OrderSide, typ models.OrderType) string {
	s := "ORDER_TYPE_" + strings.ToUpper(string(side))
	switch typ {
	case models.OrderTypeLimit:
		return s + "_LIMIT"
	case models.OrderTypeStop:
		return s + "_STOP"
	case models.OrderTypeStopLimit:
		return s + "_STOP_LIMIT"
	}
	return s
}

// splitMetaAPIType maps ORDER_TYPE_SELL_STOP_LIMIT onto side and order type.
func splitMetaAPIType(t string) (models.OrderSide, models.OrderType) {
	t = strings.TrimPrefix(strings.ToUpper(t), "ORDER_TYPE_")
	side := models.OrderSideBuy
	if strings.HasPrefix(t, "SELL") {
		side = models.OrderSideSell
	}
	switch {
	case strings.HasSuffix(t, "STOP_LIMIT"):
		return side, models.OrderTypeStopLimit
	case strings.HasSuffix(t, "LIMIT"):
		return side, models.OrderTypeLimit
	case strings.HasSuffix(t, "STOP"):
		return side, models.OrderTypeStop
	}
	return side, models.OrderTypeMarket
}

func (m *MetaAPIBroker) toResult(o metaAPIOrder) *models.OrderResult {
	side, typ := splitMetaAPIType(o.Type)
	r := &models.OrderResult{
		OrderID:       o.ID,
		ClientOrderID: o.ClientID,
		Symbol:        m.NormalizeSymbol(o.Symbol),
		Side:          side,
		Type:          typ,
		Status:        metaAPIStatuses.Map(o.State),
		RequestedSize: o.Volume,
		FilledSize:    o.Volume - o.CurrentVolume,
		Price:         o.OpenPrice,
		CreatedAt:     o.Time,
	}
	if r.Status == models.OrderStatusFilled {
		r.AverageFillPrice = o.OpenPrice
		if !o.DoneTime.IsZero() {
			done := o.DoneTime
			r.FilledAt = &done
		}
	}
	return r
}

// trade submits a trade request. A retcode the status table maps to REJECTED
// comes back as a result with Error set rather than as an error.
func (m *MetaAPIBroker) trade(ctx context.Context, op string, body map[string]interface{}) (*metaAPITradeResponse, error) {
	var resp metaAPITradeResponse
	req := m.client.R(ctx).SetBody(body).SetResult(&resp)
	if _, err := m.client.do(op, req, "POST", m.accountPath("/trade")); err != nil {
		return nil, err
	}
	return &resp, nil
}

// PlaceOrder submits a market or pending order. Stop loss and take profit are
// independent and may be attached alone.
func (m *MetaAPIBroker) PlaceOrder(ctx context.Context, req models.OrderRequest) (*models.OrderResult, error) {
	if err := req.Validate(); err != nil {
		return nil, errors.NewRequestError("metaapi", "place_order", err.Error(), nil)
	}
	if err := m.requireConnected("metaapi"); err != nil {
		return nil, err
	}

	body := map[string]interface{}{
		"actionType": metaAPIActionType(req.Side, req.Type),
		"symbol":     m.DenormalizeSymbol(req.Symbol),
		"volume":     req.Size,
	}
	switch req.Type {
	case models.OrderTypeLimit:
		body["openPrice"] = *req.Price
	case models.OrderTypeStop:
		body["openPrice"] = *req.StopPrice
	case models.OrderTypeStopLimit:
		body["openPrice"] = *req.StopPrice
		body["stopLimitPrice"] = *req.Price
	}
	if req.StopLoss != nil {
		body["stopLoss"] = *req.StopLoss
	}
	if req.TakeProfit != nil {
		body["takeProfit"] = *req.TakeProfit
	}
	if req.ClientOrderID != "" {
		body["clientId"] = req.ClientOrderID
	}

	resp, err := m.trade(ctx, "place_order", body)
	if err != nil {
		return nil, err
	}

	result := &models.OrderResult{
		OrderID:       resp.OrderID,
		ClientOrderID: req.ClientOrderID,
		Symbol:        req.Symbol,
		Side:          req.Side,
		Type:          req.Type,
		Status:        metaAPIStatuses.Map(resp.StringCode),
		RequestedSize: req.Size,
		CreatedAt:     time.Now().UTC(),
	}
	if req.Price != nil {
		result.Price = *req.Price
	}
	switch result.Status {
	case models.OrderStatusFilled:
		result.FilledSize = req.Size
		now := result.CreatedAt
		result.FilledAt = &now
		if tick, err := m.GetCurrentPrice(ctx, req.Symbol); err == nil {
			if req.Side == models.OrderSideBuy {
				result.AverageFillPrice = tick.Ask
			} else {
				result.AverageFillPrice = tick.Bid
			}
		}
	case models.OrderStatusRejected:
		result.Error = resp.Message
	}
	if req.Type != models.OrderTypeMarket && result.Status == models.OrderStatusFilled {
		// DONE on a pending order means it was placed, not executed
		result.Status = models.OrderStatusPending
		result.FilledSize = 0
		result.FilledAt = nil
		result.AverageFillPrice = 0
	}

	logging.LogOrder(m.logger, result.OrderID, result.Symbol, string(result.Side), string(result.Status))
	return result, nil
}

// CancelOrder cancels a pending order.
func (m *MetaAPIBroker) CancelOrder(ctx context.Context, orderID string) (*models.OrderResult, error) {
	if err := m.requireConnected("metaapi"); err != nil {
		return nil, err
	}
	resp, err := m.trade(ctx, "cancel_order", map[string]interface{}{
		"actionType": "ORDER_CANCEL",
		"orderId":    orderID,
	})
	if err != nil {
		return nil, err
	}
	if metaAPIStatuses.Map(resp.StringCode) == models.OrderStatusRejected {
		return nil, errors.NewRequestError("metaapi", "cancel_order", resp.Message, nil)
	}
	result, err := m.GetOrder(ctx, orderID)
	if err != nil {
		return &models.OrderResult{OrderID: orderID, Status: models.OrderStatusCancelled}, nil
	}
	return result, nil
}

// GetOrder looks in pending orders first and then in order history.
func (m *MetaAPIBroker) GetOrder(ctx context.Context, orderID string) (*models.OrderResult, error) {
	if err := m.requireConnected("metaapi"); err != nil {
		return nil, err
	}

	var o metaAPIOrder
	_, err := m.client.do("get_order", m.client.R(ctx).SetResult(&o), "GET", m.accountPath("/orders/"+url.PathEscape(orderID)))
	if err == nil {
		return m.toResult(o), nil
	}
	if !errors.Is(err, errors.ErrOrderNotFound) {
		return nil, err
	}

	var history []metaAPIOrder
	path := m.accountPath("/history-orders/ticket/" + url.PathEscape(orderID))
	if _, err := m.client.do("get_order", m.client.R(ctx).SetResult(&history), "GET", path); err != nil {
		return nil, err
	}
	if len(history) == 0 {
		return nil, errors.NewRequestError("metaapi", "get_order", "order "+orderID+" not found", errors.ErrOrderNotFound)
	}
	return m.toResult(history[len(history)-1]), nil
}

// GetOpenOrders lists pending orders, optionally for one symbol.
func (m *MetaAPIBroker) GetOpenOrders(ctx context.Context, symbol string) ([]models.OrderResult, error) {
	if err := m.requireConnected("metaapi"); err != nil {
		return nil, err
	}
	var orders []metaAPIOrder
	if _, err := m.client.do("get_open_orders", m.client.R(ctx).SetResult(&orders), "GET", m.accountPath("/orders")); err != nil {
		return nil, err
	}
	out := make([]models.OrderResult, 0, len(orders))
	for _, o := range orders {
		r := m.toResult(o)
		if symbol != "" && r.Symbol != symbol {
			continue
		}
		out = append(out, *r)
	}
	return out, nil
}

// ============================================================================
// Positions
// ============================================================================

type metaAPIPosition struct {
	ID           string    `json:"id"`
	Type         string    `json:"type"`
	Symbol       string    `json:"symbol"`
	OpenPrice    float64   `json:"openPrice"`
	CurrentPrice float64   `json:"currentPrice"`
	Volume       float64   `json:"volume"`
	Profit       float64   `json:"profit"`
	StopLoss     *float64  `json:"stopLoss"`
	TakeProfit   *float64  `json:"takeProfit"`
	Time         time.Time `json:"time"`
}

func (m *MetaAPIBroker) toPosition(p metaAPIPosition) models.Position {
	side := models.PositionLong
	if strings.HasSuffix(strings.ToUpper(p.Type), "SELL") {
		side = models.PositionShort
	}
	return models.Position{
		PositionID:    p.ID,
		Symbol:        m.NormalizeSymbol(p.Symbol),
		Side:          side,
		Size:          p.Volume,
		EntryPrice:    p.OpenPrice,
		CurrentPrice:  p.CurrentPrice,
		UnrealizedPnL: p.Profit,
		Leverage:      1,
		StopLoss:      p.StopLoss,
		TakeProfit:    p.TakeProfit,
		OpenedAt:      p.Time,
	}
}

// GetPositions lists open positions.
func (m *MetaAPIBroker) GetPositions(ctx context.Context) ([]models.Position, error) {
	if err := m.requireConnected("metaapi"); err != nil {
		return nil, err
	}
	var positions []metaAPIPosition
	if _, err := m.client.do("get_positions", m.client.R(ctx).SetResult(&positions), "GET", m.accountPath("/positions")); err != nil {
		return nil, err
	}
	out := make([]models.Position, 0, len(positions))
	for _, p := range positions {
		out = append(out, m.toPosition(p))
	}
	return out, nil
}

// GetPosition returns the open position for a symbol.
func (m *MetaAPIBroker) GetPosition(ctx context.Context, symbol string) (*models.Position, error) {
	positions, err := m.GetPositions(ctx)
	if err != nil {
		return nil, err
	}
	if p, ok := findPosition(positions, symbol); ok {
		return p, nil
	}
	return nil, errors.NewRequestError("metaapi", "get_position", "no open position for "+symbol, errors.ErrPositionNotFound)
}

// ClosePosition closes a position fully or partially.
func (m *MetaAPIBroker) ClosePosition(ctx context.Context, symbol string, size *float64) (*models.OrderResult, error) {
	pos, err := m.GetPosition(ctx, symbol)
	if err != nil {
		return nil, err
	}

	body := map[string]interface{}{"actionType": "POSITION_CLOSE_ID", "positionId": pos.PositionID}
	closeSize := pos.Size
	if size != nil {
		if *size <= 0 || *size > pos.Size {
			return nil, errors.NewRequestError("metaapi", "close_position", "size must be in (0, position size]", nil)
		}
		if *size < pos.Size {
			body["actionType"] = "POSITION_PARTIAL"
			body["volume"] = *size
		}
		closeSize = *size
	}

	resp, err := m.trade(ctx, "close_position", body)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	result := &models.OrderResult{
		OrderID:       resp.OrderID,
		Symbol:        symbol,
		Side:          pos.Side.CloseSide(),
		Type:          models.OrderTypeMarket,
		Status:        metaAPIStatuses.Map(resp.StringCode),
		RequestedSize: closeSize,
		CreatedAt:     now,
	}
	if result.Status == models.OrderStatusFilled {
		result.FilledSize = closeSize
		result.AverageFillPrice = pos.CurrentPrice
		result.FilledAt = &now
	} else if result.Status == models.OrderStatusRejected {
		result.Error = resp.Message
	}
	return result, nil
}

// ModifyPosition updates stop loss and take profit independently; a nil
// level keeps the current one.
func (m *MetaAPIBroker) ModifyPosition(ctx context.Context, symbol string, stopLoss, takeProfit *float64) (*models.Position, error) {
	pos, err := m.GetPosition(ctx, symbol)
	if err != nil {
		return nil, err
	}
	if stopLoss == nil {
		stopLoss = pos.StopLoss
	}
	if takeProfit == nil {
		takeProfit = pos.TakeProfit
	}

	body := map[string]interface{}{"actionType": "POSITION_MODIFY", "positionId": pos.PositionID}
	if stopLoss != nil {
		body["stopLoss"] = *stopLoss
	}
	if takeProfit != nil {
		body["takeProfit"] = *takeProfit
	}
	resp, err := m.trade(ctx, "modify_position", body)
	if err != nil {
		return nil, err
	}
	if metaAPIStatuses.Map(resp.StringCode) == models.OrderStatusRejected {
		return nil, errors.NewRequestError("metaapi", "modify_position", resp.Message, nil)
	}
	pos.StopLoss = stopLoss
	pos.TakeProfit = takeProfit
	return pos, nil
}

// ============================================================================
// Market data
// ============================================================================

// GetCurrentPrice returns the terminal's current quote.
func (m *MetaAPIBroker) GetCurrentPrice(ctx context.Context, symbol string) (*models.Tick, error) {
	if err := m.requireConnected("metaapi"); err != nil {
		return nil, err
	}
	var q struct {
		Bid  float64   `json:"bid"`
		Ask  float64   `json:"ask"`
		Time time.Time `json:"time"`
	}
	path := m.accountPath("/symbols/" + url.PathEscape(m.DenormalizeSymbol(symbol)) + "/current-price")
	if _, err := m.client.do("get_price", m.client.R(ctx).SetResult(&q), "GET", path); err != nil {
		return nil, err
	}
	return &models.Tick{Symbol: symbol, Bid: q.Bid, Ask: q.Ask, Timestamp: q.Time}, nil
}

// GetPrices returns quotes for several symbols.
func (m *MetaAPIBroker) GetPrices(ctx context.Context, symbols []string) (map[string]models.Tick, error) {
	if err := m.requireConnected("metaapi"); err != nil {
		return nil, err
	}
	return getPricesSequential(ctx, m, symbols)
}

// StreamPrices polls current prices.
func (m *MetaAPIBroker) StreamPrices(ctx context.Context, symbols []string) (<-chan models.Tick, <-chan error) {
	if err := m.requireConnected("metaapi"); err != nil {
		return failedStream(err)
	}
	return PollingStreamer{Interval: m.cfg.PollInterval, Fetch: m.GetPrices}.Stream(ctx, symbols)
}

// MetaApi serves at most metaAPICandlePage candles per request.
const (
	metaAPICandlePage     = 1000
	metaAPIMaxCandlePages = 50
)

type metaAPICandle struct {
	Time       time.Time `json:"time"`
	Open       float64   `json:"open"`
	High       float64   `json:"high"`
	Low        float64   `json:"low"`
	Close      float64   `json:"close"`
	TickVolume float64   `json:"tickVolume"`
}

// GetCandles returns historical candles from the market data API. MetaApi
// pages backwards from startTime, so the window's end is sent.
func (m *MetaAPIBroker) GetCandles(ctx context.Context, req CandleRequest) ([]models.Candle, error) {
	tf, err := m.tfs.Native(req.Timeframe)
	if err != nil {
		return nil, err
	}
	if err := m.requireConnected("metaapi"); err != nil {
		return nil, err
	}

	from, to := req.window(time.Now().UTC())
	ranged := req.From != nil
	want := req.Count
	if want <= 0 {
		want = int(to.Sub(from)/req.Timeframe.Duration()) + 1
	}

	path := m.accountPath("/historical-market-data/symbols/" + url.PathEscape(m.DenormalizeSymbol(req.Symbol)) +
		"/timeframes/" + tf + "/candles")

	// pages run backward from startTime
	seen := make(map[time.Time]bool)
	var candles []models.Candle
	startTime := to
	for page := 0; page < metaAPIMaxCandlePages; page++ {
		limit := metaAPICandlePage
		if !ranged && want-len(candles) < limit {
			limit = want - len(candles)
		}

		var bars []metaAPICandle
		r := m.marketData.R(ctx).
			SetQueryParam("startTime", startTime.UTC().Format(time.RFC3339)).
			SetQueryParam("limit", strconv.Itoa(limit)).
			SetResult(&bars)
		if _, err := m.marketData.do("get_candles", r, "GET", path); err != nil {
			return nil, err
		}

		oldest := startTime
		for _, b := range bars {
			if b.Time.Before(oldest) {
				oldest = b.Time
			}
			if seen[b.Time] || (ranged && b.Time.Before(from)) {
				continue
			}
			seen[b.Time] = true
			candles = append(candles, models.Candle{
				Symbol: req.Symbol, Timestamp: b.Time, Timeframe: req.Timeframe,
				Open: b.Open, High: b.High, Low: b.Low, Close: b.Close, Volume: b.TickVolume,
			})
		}

		if len(bars) < limit || !oldest.Before(startTime) {
			break
		}
		if ranged && !oldest.After(from) {
			break
		}
		if !ranged && len(candles) >= want {
			break
		}
		startTime = oldest.Add(-time.Second)
	}

	sort.Slice(candles, func(i, j int) bool { return candles[i].Timestamp.Before(candles[j].Timestamp) })
	if ranged {
		return candles, nil
	}
	return trimCandles(candles, want), nil
}

var _ Broker = (*MetaAPIBroker)(nil)
