package broker

import (
	"context"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"

	"tradebridge/internal/errors"
	"tradebridge/internal/logging"
	"tradebridge/internal/models"
)

const (
	igDemoURL = "https://demo-api.ig.com/gateway/deal"
	igLiveURL = "https://api.ig.com/gateway/deal"
)

// IGConfig holds IG adapter configuration.
type IGConfig struct {
	APIKey    string
	Username  string
	Password  string
	AccountID string
	Demo      bool
	BaseURL   string

	REST         RESTOptions
	PollInterval time.Duration
}

// IGBroker implements Broker against the IG REST trading API.
//
// Login exchanges username and password for a CST and X-SECURITY-TOKEN pair.
// IG may rotate either token on any response; the latest values are kept and
// sent on every request.
type IGBroker struct {
	connState

	cfg     IGConfig
	rest    *restSession
	symbols *SymbolMap
	tfs     TimeframeMap
	logger  zerolog.Logger

	// guarded by connState.mu
	cst           string
	securityToken string
	accountID     string
	currencies    map[string]string // epic -> default currency
	dealRefs      map[string]string // dealId -> dealReference, for orders placed here
}

var igSymbols = map[string]string{
	"EUR_USD": "CS.D.EURUSD.CFD.IP",
	"GBP_USD": "CS.D.GBPUSD.CFD.IP",
	"USD_JPY": "CS.D.USDJPY.CFD.IP",
	"AUD_USD": "CS.D.AUDUSD.CFD.IP",
	"USD_CHF": "CS.D.USDCHF.CFD.IP",
	"USD_CAD": "CS.D.USDCAD.CFD.IP",
	"EUR_GBP": "CS.D.EURGBP.CFD.IP",
	"XAU_USD": "CS.D.USCGC.TODAY.IP",
	"XAG_USD": "CS.D.USCSI.TODAY.IP",
	"US30":    "IX.D.DOW.IFD.IP",
	"SPX500":  "IX.D.SPTRD.IFD.IP",
	"NAS100":  "IX.D.NASDAQ.IFD.IP",
	"GER40":   "IX.D.DAX.IFD.IP",
	"UK100":   "IX.D.FTSE.IFD.IP",
	"BTC_USD": "CS.D.BITCOIN.CFD.IP",
}

var igTimeframes = map[models.Timeframe]string{
	models.TimeframeM1:  "MINUTE",
	models.TimeframeM5:  "MINUTE_5",
	models.TimeframeM15: "MINUTE_15",
	models.TimeframeM30: "MINUTE_30",
	models.TimeframeH1:  "HOUR",
	models.TimeframeH4:  "HOUR_4",
	models.TimeframeD:   "DAY",
	models.TimeframeW:   "WEEK",
	models.TimeframeMN:  "MONTH",
}

var igInstrumentTypes = map[string]models.InstrumentType{
	"CURRENCIES":       models.InstrumentForex,
	"INDICES":          models.InstrumentIndices,
	"COMMODITIES":      models.InstrumentCommodities,
	"SHARES":           models.InstrumentStock,
	"CRYPTOCURRENCIES": models.InstrumentCrypto,
}

// NewIGBroker creates a new IG adapter.
func NewIGBroker(cfg IGConfig, logger zerolog.Logger) *IGBroker {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = igLiveURL
		if cfg.Demo {
			baseURL = igDemoURL
		}
	}

	ig := &IGBroker{
		cfg:     cfg,
		rest:    newRESTSession("ig", baseURL, cfg.REST, logger),
		symbols: NewSymbolMap(igSymbols),
		tfs:     NewTimeframeMap("ig", igTimeframes),
		logger:  logging.WithBroker(logger, "ig"),

		currencies: make(map[string]string),
		dealRefs:   make(map[string]string),
	}
	ig.rest.setHeader("X-IG-API-KEY", cfg.APIKey)
	ig.rest.setHeader("Content-Type", "application/json; charset=UTF-8")
	ig.rest.beforeRequest(ig.attachTokens)
	ig.rest.afterResponse(ig.rotateTokens)
	return ig
}

// Name returns the broker name.
func (ig *IGBroker) Name() string { return "ig" }

func (ig *IGBroker) attachTokens(req *resty.Request) {
	ig.mu.RLock()
	defer ig.mu.RUnlock()
	if ig.cst != "" {
		req.SetHeader("CST", ig.cst)
	}
	if ig.securityToken != "" {
		req.SetHeader("X-SECURITY-TOKEN", ig.securityToken)
	}
}

func (ig *IGBroker) rotateTokens(resp *resty.Response) {
	cst := resp.Header().Get("CST")
	tok := resp.Header().Get("X-SECURITY-TOKEN")
	if cst == "" && tok == "" {
		return
	}
	ig.mu.Lock()
	defer ig.mu.Unlock()
	if cst != "" {
		ig.cst = cst
	}
	if tok != "" {
		ig.securityToken = tok
	}
}

// req starts a request with the IG API version header.
func (ig *IGBroker) req(ctx context.Context, version int) *resty.Request {
	return ig.rest.R(ctx).SetHeader("VERSION", strconv.Itoa(version))
}

type igSessionResponse struct {
	CurrentAccountID string `json:"currentAccountId"`
	ClientID         string `json:"clientId"`
}

// Connect logs in and stores the session tokens.
func (ig *IGBroker) Connect(ctx context.Context) error {
	ig.authMu.Lock()
	defer ig.authMu.Unlock()

	if ig.IsConnected() {
		return nil
	}
	if ig.cfg.APIKey == "" || ig.cfg.Username == "" || ig.cfg.Password == "" {
		return errors.NewConnectionError("ig", "api key, username and password are required", errors.ErrInvalidCredentials)
	}

	var sess igSessionResponse
	req := ig.req(ctx, 2).
		SetBody(map[string]interface{}{
			"identifier":        ig.cfg.Username,
			"password":          ig.cfg.Password,
			"encryptedPassword": false,
		}).
		SetResult(&sess)
	if _, err := ig.rest.do("connect", req, "POST", "/session"); err != nil {
		return asConnectionError("ig", err)
	}

	ig.mu.Lock()
	if ig.cst == "" || ig.securityToken == "" {
		ig.mu.Unlock()
		return errors.NewConnectionError("ig", "login response carried no session tokens", errors.ErrInvalidCredentials)
	}
	ig.accountID = sess.CurrentAccountID
	if ig.cfg.AccountID != "" {
		ig.accountID = ig.cfg.AccountID
	}
	ig.connected = true
	ig.mu.Unlock()

	ig.logger.Info().Str("account", ig.accountID).Bool("demo", ig.cfg.Demo).Msg("Connected")
	return nil
}

// Disconnect logs out and discards the session tokens.
func (ig *IGBroker) Disconnect(ctx context.Context) error {
	ig.authMu.Lock()
	defer ig.authMu.Unlock()

	if !ig.IsConnected() {
		return nil
	}
	_, err := ig.rest.do("disconnect", ig.req(ctx, 1), "DELETE", "/session")

	ig.mu.Lock()
	ig.connected = false
	ig.cst = ""
	ig.securityToken = ""
	ig.mu.Unlock()

	if err != nil {
		ig.logger.Warn().Err(err).Msg("Logout failed; session dropped locally")
	}
	return nil
}

// NormalizeSymbol converts an IG epic to canonical form. Unmapped forex epics
// (CS.D.EURNOK.CFD.IP) are split into BASE_QUOTE.
func (ig *IGBroker) NormalizeSymbol(native string) string {
	if c := ig.symbols.Canonical(native); c != native {
		return c
	}
	parts := strings.Split(native, ".")
	if len(parts) == 5 && parts[0] == "CS" && parts[3] == "CFD" && len(parts[2]) == 6 && isAlpha(parts[2]) {
		return JoinPair(parts[2][:3], parts[2][3:])
	}
	return native
}

// DenormalizeSymbol converts a canonical symbol to an IG epic.
func (ig *IGBroker) DenormalizeSymbol(canonical string) string {
	if ig.symbols.Has(canonical) {
		return ig.symbols.Native(canonical)
	}
	if base, quote, ok := SplitPair(canonical); ok && len(base) == 3 && len(quote) == 3 {
		return "CS.D." + base + quote + ".CFD.IP"
	}
	return canonical
}

// ============================================================================
// Account
// ============================================================================

type igAccount struct {
	AccountID string `json:"accountId"`
	Currency  string `json:"currency"`
	Preferred bool   `json:"preferred"`
	Balance   struct {
		Balance    float64 `json:"balance"`
		Deposit    float64 `json:"deposit"`
		ProfitLoss float64 `json:"profitLoss"`
		Available  float64 `json:"available"`
	} `json:"balance"`
}

// GetAccountInfo returns the session account's balances.
func (ig *IGBroker) GetAccountInfo(ctx context.Context) (*models.AccountInfo, error) {
	if err := ig.requireConnected("ig"); err != nil {
		return nil, err
	}

	var resp struct {
		Accounts []igAccount `json:"accounts"`
	}
	if _, err := ig.rest.do("get_account", ig.req(ctx, 1).SetResult(&resp), "GET", "/accounts"); err != nil {
		return nil, err
	}

	ig.mu.RLock()
	want := ig.accountID
	ig.mu.RUnlock()

	var acct *igAccount
	for i := range resp.Accounts {
		a := &resp.Accounts[i]
		if a.AccountID == want || (want == "" && a.Preferred) {
			acct = a
			break
		}
	}
	if acct == nil {
		return nil, errors.NewRequestError("ig", "get_account", "account "+want+" not found", nil)
	}

	return &models.AccountInfo{
		Balance:         acct.Balance.Balance,
		Equity:          acct.Balance.Balance + acct.Balance.ProfitLoss,
		MarginUsed:      acct.Balance.Deposit,
		MarginAvailable: acct.Balance.Available,
		UnrealizedPnL:   acct.Balance.ProfitLoss,
		Currency:        acct.Currency,
		Timestamp:       time.Now(),
	}, nil
}

type igMarket struct {
	Instrument struct {
		Epic         string  `json:"epic"`
		Name         string  `json:"name"`
		Type         string  `json:"type"`
		MarginFactor float64 `json:"marginFactor"`
		Currencies   []struct {
			Code      string `json:"code"`
			IsDefault bool   `json:"isDefault"`
		} `json:"currencies"`
	} `json:"instrument"`
	DealingRules struct {
		MinDealSize struct {
			Value float64 `json:"value"`
		} `json:"minDealSize"`
	} `json:"dealingRules"`
	Snapshot igSnapshot `json:"snapshot"`
}

type igSnapshot struct {
	Bid           float64 `json:"bid"`
	Offer         float64 `json:"offer"`
	UpdateTimeUTC string  `json:"updateTimeUTC"`
	MarketStatus  string  `json:"marketStatus"`
}

// GetInstruments describes the instruments in the symbol table.
func (ig *IGBroker) GetInstruments(ctx context.Context) ([]models.Instrument, error) {
	if err := ig.requireConnected("ig"); err != nil {
		return nil, err
	}

	canonicals := ig.symbols.Canonicals()
	epics := make([]string, 0, len(canonicals))
	for _, c := range canonicals {
		epics = append(epics, ig.symbols.Native(c))
	}

	var resp struct {
		MarketDetails []igMarket `json:"marketDetails"`
	}
	req := ig.req(ctx, 2).SetQueryParam("epics", strings.Join(epics, ",")).SetResult(&resp)
	if _, err := ig.rest.do("get_instruments", req, "GET", "/markets"); err != nil {
		return nil, err
	}

	out := make([]models.Instrument, 0, len(resp.MarketDetails))
	for _, m := range resp.MarketDetails {
		typ, ok := igInstrumentTypes[m.Instrument.Type]
		if !ok {
			typ = models.InstrumentIndices
		}
		out = append(out, models.Instrument{
			Symbol:        ig.NormalizeSymbol(m.Instrument.Epic),
			DisplayName:   m.Instrument.Name,
			Type:          typ,
			MinSize:       m.DealingRules.MinDealSize.Value,
			SizeIncrement: m.DealingRules.MinDealSize.Value,
			MarginRate:    m.Instrument.MarginFactor / 100,
		})
	}
	return out, nil
}

// ============================================================================
// Orders
// ============================================================================

type igDealReference struct {
	DealReference string `json:"dealReference"`
}

type igConfirm struct {
	DealID        string   `json:"dealId"`
	DealReference string   `json:"dealReference"`
	DealStatus    string   `json:"dealStatus"`
	Status        string   `json:"status"`
	Reason        string   `json:"reason"`
	Epic          string   `json:"epic"`
	Direction     string   `json:"direction"`
	Size          float64  `json:"size"`
	Level         float64  `json:"level"`
	StopLevel     *float64 `json:"stopLevel"`
	LimitLevel    *float64 `json:"limitLevel"`
	Date          string   `json:"date"`
}

var igTimeInForce = map[models.TimeInForce]string{
	models.TimeInForceIOC: "EXECUTE_AND_ELIMINATE",
	models.TimeInForceFOK: "FILL_OR_KILL",
}

func igDirection(side models.OrderSide) string {
	return strings.ToUpper(string(side))
}

func parseIGTime(s string) time.Time {
	for _, layout := range []string{"2006-01-02T15:04:05.000", "2006-01-02T15:04:05", "2006/01/02 15:04:05:000", time.RFC3339} {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t
		}
	}
	return time.Time{}
}

// confirmResult turns a deal confirmation into an OrderResult.
func (ig *IGBroker) confirmResult(c igConfirm, typ models.OrderType) *models.OrderResult {
	status := igStatuses.Map(c.Status)
	if strings.EqualFold(c.DealStatus, "REJECTED") {
		status = models.OrderStatusRejected
	}
	r := &models.OrderResult{
		OrderID:       c.DealID,
		ClientOrderID: c.DealReference,
		Symbol:        ig.NormalizeSymbol(c.Epic),
		Side:          models.OrderSide(strings.ToLower(c.Direction)),
		Type:          typ,
		Status:        status,
		RequestedSize: c.Size,
		Price:         c.Level,
		CreatedAt:     parseIGTime(c.Date),
	}
	if r.OrderID == "" {
		r.OrderID = c.DealReference
	}
	if status == models.OrderStatusFilled {
		r.FilledSize = c.Size
		r.AverageFillPrice = c.Level
		filled := r.CreatedAt
		r.FilledAt = &filled
	}
	if status == models.OrderStatusRejected {
		r.Error = c.Reason
	}
	return r
}

func (ig *IGBroker) confirm(ctx context.Context, dealReference string) (*igConfirm, error) {
	var c igConfirm
	path := "/confirms/" + url.PathEscape(dealReference)
	if _, err := ig.rest.do("get_order", ig.req(ctx, 1).SetResult(&c), "GET", path); err != nil {
		return nil, err
	}
	return &c, nil
}

// defaultCurrency picks the instrument's default dealing currency, or the
// first one listed.
func (m igMarket) defaultCurrency() string {
	for _, c := range m.Instrument.Currencies {
		if c.IsDefault {
			return c.Code
		}
	}
	if len(m.Instrument.Currencies) > 0 {
		return m.Instrument.Currencies[0].Code
	}
	return ""
}

// currency returns the dealing currency for epic. IG rejects orders in any
// currency the instrument does not list. Lookups are cached per epic.
func (ig *IGBroker) currency(ctx context.Context, epic string) (string, error) {
	ig.mu.RLock()
	code, ok := ig.currencies[epic]
	ig.mu.RUnlock()
	if ok {
		return code, nil
	}

	var m igMarket
	if _, err := ig.rest.do("get_market", ig.req(ctx, 3).SetResult(&m), "GET", "/markets/"+url.PathEscape(epic)); err != nil {
		return "", err
	}
	code = m.defaultCurrency()
	if code == "" {
		return "", errors.NewRequestError("ig", "get_market", "no dealing currency for "+epic, nil)
	}
	ig.mu.Lock()
	ig.currencies[epic] = code
	ig.mu.Unlock()
	return code, nil
}

func (ig *IGBroker) rememberDeal(dealID, dealReference string) {
	if dealID == "" || dealReference == "" || dealID == dealReference {
		return
	}
	ig.mu.Lock()
	ig.dealRefs[dealID] = dealReference
	ig.mu.Unlock()
}

func (ig *IGBroker) dealReference(dealID string) string {
	ig.mu.RLock()
	defer ig.mu.RUnlock()
	if ref, ok := ig.dealRefs[dealID]; ok {
		return ref
	}
	return dealID
}

// PlaceOrder opens a position (market) or creates a working order (limit/stop).
// Stop loss and take profit may be attached independently.
func (ig *IGBroker) PlaceOrder(ctx context.Context, req models.OrderRequest) (*models.OrderResult, error) {
	if err := req.Validate(); err != nil {
		return nil, errors.NewRequestError("ig", "place_order", err.Error(), nil)
	}
	if req.Type == models.OrderTypeStopLimit {
		return nil, errors.Unsupported("ig", "place_order", "stop_limit orders are not offered by IG")
	}
	if err := ig.requireConnected("ig"); err != nil {
		return nil, err
	}

	epic := ig.DenormalizeSymbol(req.Symbol)
	currency, err := ig.currency(ctx, epic)
	if err != nil {
		return nil, err
	}

	body := map[string]interface{}{
		"epic":           epic,
		"expiry":         "-",
		"direction":      igDirection(req.Side),
		"size":           req.Size,
		"guaranteedStop": false,
		"currencyCode":   currency,
	}
	if req.StopLoss != nil {
		body["stopLevel"] = *req.StopLoss
	}
	if req.TakeProfit != nil {
		body["limitLevel"] = *req.TakeProfit
	}
	if req.ClientOrderID != "" {
		body["dealReference"] = req.ClientOrderID
	}

	var (
		ref  igDealReference
		path string
		op   = "place_order"
	)
	switch req.Type {
	case models.OrderTypeMarket:
		path = "/positions/otc"
		body["orderType"] = "MARKET"
		body["forceOpen"] = true
		if tif, ok := igTimeInForce[req.TimeInForce]; ok {
			body["timeInForce"] = tif
		}
	case models.OrderTypeLimit, models.OrderTypeStop:
		path = "/workingorders/otc"
		body["type"] = strings.ToUpper(string(req.Type))
		body["timeInForce"] = "GOOD_TILL_CANCELLED"
		if req.Type == models.OrderTypeLimit {
			body["level"] = *req.Price
		} else {
			body["level"] = *req.StopPrice
		}
	}

	if _, err := ig.rest.do(op, ig.req(ctx, 2).SetBody(body).SetResult(&ref), "POST", path); err != nil {
		return nil, err
	}

	c, err := ig.confirm(ctx, ref.DealReference)
	if err != nil {
		return nil, err
	}
	ig.rememberDeal(c.DealID, ref.DealReference)
	result := ig.confirmResult(*c, req.Type)
	if req.Type != models.OrderTypeMarket && result.Status == models.OrderStatusFilled {
		// an accepted working order has not traded yet
		result.Status = models.OrderStatusPending
		result.FilledSize = 0
		result.AverageFillPrice = 0
		result.FilledAt = nil
	}
	result.ClientOrderID = req.ClientOrderID
	logging.LogOrder(ig.logger, result.OrderID, result.Symbol, string(result.Side), string(result.Status))
	return result, nil
}

// CancelOrder deletes a working order.
func (ig *IGBroker) CancelOrder(ctx context.Context, orderID string) (*models.OrderResult, error) {
	if err := ig.requireConnected("ig"); err != nil {
		return nil, err
	}
	var ref igDealReference
	path := "/workingorders/otc/" + url.PathEscape(orderID)
	if _, err := ig.rest.do("cancel_order", ig.req(ctx, 2).SetResult(&ref), "DELETE", path); err != nil {
		return nil, err
	}
	c, err := ig.confirm(ctx, ref.DealReference)
	if err != nil {
		return nil, err
	}
	result := ig.confirmResult(*c, "")
	result.OrderID = orderID
	if result.Status != models.OrderStatusRejected {
		result.Status = models.OrderStatusCancelled
		result.FilledSize = 0
		result.FilledAt = nil
	}
	return result, nil
}

type igWorkingOrder struct {
	WorkingOrderData struct {
		DealID         string  `json:"dealId"`
		Direction      string  `json:"direction"`
		Epic           string  `json:"epic"`
		OrderSize      float64 `json:"orderSize"`
		OrderLevel     float64 `json:"orderLevel"`
		OrderType      string  `json:"orderType"`
		CreatedDateUTC string  `json:"createdDateUTC"`
	} `json:"workingOrderData"`
}

func (ig *IGBroker) workingOrders(ctx context.Context) ([]models.OrderResult, error) {
	var resp struct {
		WorkingOrders []igWorkingOrder `json:"workingOrders"`
	}
	if _, err := ig.rest.do("get_open_orders", ig.req(ctx, 2).SetResult(&resp), "GET", "/workingorders"); err != nil {
		return nil, err
	}
	out := make([]models.OrderResult, 0, len(resp.WorkingOrders))
	for _, w := range resp.WorkingOrders {
		d := w.WorkingOrderData
		out = append(out, models.OrderResult{
			OrderID:       d.DealID,
			Symbol:        ig.NormalizeSymbol(d.Epic),
			Side:          models.OrderSide(strings.ToLower(d.Direction)),
			Type:          models.OrderType(strings.ToLower(d.OrderType)),
			Status:        models.OrderStatusPending,
			RequestedSize: d.OrderSize,
			Price:         d.OrderLevel,
			CreatedAt:     parseIGTime(d.CreatedDateUTC),
		})
	}
	return out, nil
}

// GetOrder looks the deal id up among working orders, then in the activity
// history, then as a deal confirmation. Confirmations are keyed by deal
// reference, so ids returned by PlaceOrder are translated back first.
func (ig *IGBroker) GetOrder(ctx context.Context, orderID string) (*models.OrderResult, error) {
	if err := ig.requireConnected("ig"); err != nil {
		return nil, err
	}
	open, err := ig.workingOrders(ctx)
	if err != nil {
		return nil, err
	}
	for i := range open {
		if open[i].OrderID == orderID {
			return &open[i], nil
		}
	}

	result, err := ig.activityOrder(ctx, orderID)
	if err != nil {
		ig.logger.Debug().Err(err).Str("deal", orderID).Msg("Activity lookup failed")
	}
	if result != nil {
		return result, nil
	}

	c, err := ig.confirm(ctx, ig.dealReference(orderID))
	if err != nil {
		return nil, err
	}
	result = ig.confirmResult(*c, "")
	result.OrderID = orderID
	return result, nil
}

// igActivityLookback bounds the activity history searched by GetOrder.
const igActivityLookback = 30 * 24 * time.Hour

type igActivity struct {
	Date    string `json:"date"`
	Epic    string `json:"epic"`
	DealID  string `json:"dealId"`
	Type    string `json:"type"`
	Status  string `json:"status"`
	Details struct {
		DealReference string  `json:"dealReference"`
		Direction     string  `json:"direction"`
		Size          float64 `json:"size"`
		Level         float64 `json:"level"`
		Actions       []struct {
			ActionType     string `json:"actionType"`
			AffectedDealID string `json:"affectedDealId"`
		} `json:"actions"`
	} `json:"details"`
}

// igActivityStatus derives an order status from a deal's activity trail.
// Any position action means the order traded; a deleted working order was
// cancelled or expired.
func igActivityStatus(acts []igActivity) models.OrderStatus {
	var filled, deleted, rejected bool
	for _, a := range acts {
		if strings.EqualFold(a.Status, "REJECTED") && a.Type != "EDIT_STOP_AND_LIMIT" {
			rejected = true
		}
		for _, act := range a.Details.Actions {
			switch act.ActionType {
			case "POSITION_OPENED", "POSITION_CLOSED", "POSITION_PARTIALLY_CLOSED":
				filled = true
			case "WORKING_ORDER_DELETED":
				deleted = true
			}
		}
	}
	switch {
	case filled:
		return models.OrderStatusFilled
	case deleted:
		return models.OrderStatusCancelled
	case rejected:
		return models.OrderStatusRejected
	}
	if acts[0].Type == "WORKING_ORDER" {
		return models.OrderStatusPending
	}
	return igStatuses.Map(acts[0].Status)
}

// activityOrder rebuilds an order from the activity history. It returns nil
// when the deal has no activity.
func (ig *IGBroker) activityOrder(ctx context.Context, dealID string) (*models.OrderResult, error) {
	var resp struct {
		Activities []igActivity `json:"activities"`
	}
	req := ig.req(ctx, 3).
		SetQueryParam("dealId", dealID).
		SetQueryParam("detailed", "true").
		SetQueryParam("from", time.Now().UTC().Add(-igActivityLookback).Format("2006-01-02T15:04:05")).
		SetResult(&resp)
	if _, err := ig.rest.do("get_order", req, "GET", "/history/activity"); err != nil {
		return nil, err
	}

	var acts []igActivity
	for _, a := range resp.Activities {
		if a.DealID == dealID {
			acts = append(acts, a)
		}
	}
	if len(acts) == 0 {
		return nil, nil
	}
	// the opening activity describes the order itself
	sort.SliceStable(acts, func(i, j int) bool {
		return parseIGTime(acts[i].Date).Before(parseIGTime(acts[j].Date))
	})
	first := acts[0]

	r := &models.OrderResult{
		OrderID:       dealID,
		ClientOrderID: first.Details.DealReference,
		Symbol:        ig.NormalizeSymbol(first.Epic),
		Side:          models.OrderSide(strings.ToLower(first.Details.Direction)),
		Status:        igActivityStatus(acts),
		RequestedSize: first.Details.Size,
		Price:         first.Details.Level,
		CreatedAt:     parseIGTime(first.Date),
	}
	if first.Type == "POSITION" {
		r.Type = models.OrderTypeMarket
	}
	if r.Status == models.OrderStatusFilled {
		r.FilledSize = r.RequestedSize
		r.AverageFillPrice = r.Price
		filled := r.CreatedAt
		r.FilledAt = &filled
	}
	return r, nil
}

// GetOpenOrders lists working orders, optionally for one symbol.
func (ig *IGBroker) GetOpenOrders(ctx context.Context, symbol string) ([]models.OrderResult, error) {
	if err := ig.requireConnected("ig"); err != nil {
		return nil, err
	}
	orders, err := ig.workingOrders(ctx)
	if err != nil || symbol == "" {
		return orders, err
	}
	out := orders[:0]
	for _, o := range orders {
		if o.Symbol == symbol {
			out = append(out, o)
		}
	}
	return out, nil
}

// ============================================================================
// Positions
// ============================================================================

type igPosition struct {
	Position struct {
		DealID         string   `json:"dealId"`
		Direction      string   `json:"direction"`
		Size           float64  `json:"size"`
		Level          float64  `json:"level"`
		StopLevel      *float64 `json:"stopLevel"`
		LimitLevel     *float64 `json:"limitLevel"`
		CreatedDateUTC string   `json:"createdDateUTC"`
		ContractSize   float64  `json:"contractSize"`
	} `json:"position"`
	Market struct {
		Epic  string  `json:"epic"`
		Bid   float64 `json:"bid"`
		Offer float64 `json:"offer"`
	} `json:"market"`
}

func (ig *IGBroker) toPosition(p igPosition) models.Position {
	pos := models.Position{
		PositionID: p.Position.DealID,
		Symbol:     ig.NormalizeSymbol(p.Market.Epic),
		Size:       p.Position.Size,
		EntryPrice: p.Position.Level,
		StopLoss:   p.Position.StopLevel,
		TakeProfit: p.Position.LimitLevel,
		OpenedAt:   parseIGTime(p.Position.CreatedDateUTC),
		Leverage:   1,
	}
	contract := p.Position.ContractSize
	if contract == 0 {
		contract = 1
	}
	if strings.EqualFold(p.Position.Direction, "SELL") {
		pos.Side = models.PositionShort
		pos.CurrentPrice = p.Market.Offer
		pos.UnrealizedPnL = (pos.EntryPrice - pos.CurrentPrice) * pos.Size * contract
	} else {
		pos.Side = models.PositionLong
		pos.CurrentPrice = p.Market.Bid
		pos.UnrealizedPnL = (pos.CurrentPrice - pos.EntryPrice) * pos.Size * contract
	}
	return pos
}

// GetPositions lists open positions.
func (ig *IGBroker) GetPositions(ctx context.Context) ([]models.Position, error) {
	if err := ig.requireConnected("ig"); err != nil {
		return nil, err
	}
	var resp struct {
		Positions []igPosition `json:"positions"`
	}
	if _, err := ig.rest.do("get_positions", ig.req(ctx, 2).SetResult(&resp), "GET", "/positions"); err != nil {
		return nil, err
	}
	out := make([]models.Position, 0, len(resp.Positions))
	for _, p := range resp.Positions {
		out = append(out, ig.toPosition(p))
	}
	return out, nil
}

// GetPosition returns the open position for a symbol.
func (ig *IGBroker) GetPosition(ctx context.Context, symbol string) (*models.Position, error) {
	positions, err := ig.GetPositions(ctx)
	if err != nil {
		return nil, err
	}
	if p, ok := findPosition(positions, symbol); ok {
		return p, nil
	}
	return nil, errors.NewRequestError("ig", "get_position", "no open position for "+symbol, errors.ErrPositionNotFound)
}

// ClosePosition closes a position with an opposing market deal. IG only accepts
// DELETE bodies through the _method override.
func (ig *IGBroker) ClosePosition(ctx context.Context, symbol string, size *float64) (*models.OrderResult, error) {
	pos, err := ig.GetPosition(ctx, symbol)
	if err != nil {
		return nil, err
	}
	closeSize := pos.Size
	if size != nil {
		if *size <= 0 || *size > pos.Size {
			return nil, errors.NewRequestError("ig", "close_position", "size must be in (0, position size]", nil)
		}
		closeSize = *size
	}

	var ref igDealReference
	req := ig.req(ctx, 1).
		SetHeader("_method", "DELETE").
		SetBody(map[string]interface{}{
			"dealId":    pos.PositionID,
			"direction": igDirection(pos.Side.CloseSide()),
			"size":      closeSize,
			"orderType": "MARKET",
		}).
		SetResult(&ref)
	if _, err := ig.rest.do("close_position", req, "POST", "/positions/otc"); err != nil {
		return nil, err
	}

	c, err := ig.confirm(ctx, ref.DealReference)
	if err != nil {
		return nil, err
	}
	return ig.confirmResult(*c, models.OrderTypeMarket), nil
}

// ModifyPosition amends the stop and limit levels. A nil level leaves the
// current one in place.
func (ig *IGBroker) ModifyPosition(ctx context.Context, symbol string, stopLoss, takeProfit *float64) (*models.Position, error) {
	pos, err := ig.GetPosition(ctx, symbol)
	if err != nil {
		return nil, err
	}
	if stopLoss == nil {
		stopLoss = pos.StopLoss
	}
	if takeProfit == nil {
		takeProfit = pos.TakeProfit
	}

	body := map[string]interface{}{"stopLevel": stopLoss, "limitLevel": takeProfit}
	var ref igDealReference
	req := ig.req(ctx, 2).SetBody(body).SetResult(&ref)
	path := "/positions/otc/" + url.PathEscape(pos.PositionID)
	if _, err := ig.rest.do("modify_position", req, "PUT", path); err != nil {
		return nil, err
	}

	if c, err := ig.confirm(ctx, ref.DealReference); err == nil && strings.EqualFold(c.DealStatus, "REJECTED") {
		return nil, errors.NewRequestError("ig", "modify_position", c.Reason, nil)
	}
	pos.StopLoss = stopLoss
	pos.TakeProfit = takeProfit
	return pos, nil
}

// ============================================================================
// Market data
// ============================================================================

// GetCurrentPrice returns the market snapshot quote.
func (ig *IGBroker) GetCurrentPrice(ctx context.Context, symbol string) (*models.Tick, error) {
	if err := ig.requireConnected("ig"); err != nil {
		return nil, err
	}
	var m igMarket
	path := "/markets/" + url.PathEscape(ig.DenormalizeSymbol(symbol))
	if _, err := ig.rest.do("get_price", ig.req(ctx, 3).SetResult(&m), "GET", path); err != nil {
		return nil, err
	}
	ts := time.Now().UTC()
	if t, err := time.Parse("15:04:05", m.Snapshot.UpdateTimeUTC); err == nil {
		ts = time.Date(ts.Year(), ts.Month(), ts.Day(), t.Hour(), t.Minute(), t.Second(), 0, time.UTC)
	}
	return &models.Tick{Symbol: symbol, Bid: m.Snapshot.Bid, Ask: m.Snapshot.Offer, Timestamp: ts}, nil
}

// GetPrices returns quotes for several symbols.
func (ig *IGBroker) GetPrices(ctx context.Context, symbols []string) (map[string]models.Tick, error) {
	if err := ig.requireConnected("ig"); err != nil {
		return nil, err
	}
	return getPricesSequential(ctx, ig, symbols)
}

// StreamPrices polls market snapshots.
func (ig *IGBroker) StreamPrices(ctx context.Context, symbols []string) (<-chan models.Tick, <-chan error) {
	if err := ig.requireConnected("ig"); err != nil {
		return failedStream(err)
	}
	return PollingStreamer{Interval: ig.cfg.PollInterval, Fetch: ig.GetPrices}.Stream(ctx, symbols)
}

type igPricePoint struct {
	Bid float64 `json:"bid"`
	Ask float64 `json:"ask"`
}

func (p igPricePoint) mid() float64 {
	if p.Bid == 0 {
		return p.Ask
	}
	if p.Ask == 0 {
		return p.Bid
	}
	return (p.Bid + p.Ask) / 2
}

// GetCandles returns mid-price candles.
func (ig *IGBroker) GetCandles(ctx context.Context, req CandleRequest) ([]models.Candle, error) {
	resolution, err := ig.tfs.Native(req.Timeframe)
	if err != nil {
		return nil, err
	}
	if err := ig.requireConnected("ig"); err != nil {
		return nil, err
	}

	r := ig.req(ctx, 3).SetQueryParam("resolution", resolution).SetQueryParam("pageSize", "0")
	if req.From != nil {
		from, to := req.window(time.Now().UTC())
		r.SetQueryParam("from", from.UTC().Format("2006-01-02T15:04:05"))
		r.SetQueryParam("to", to.UTC().Format("2006-01-02T15:04:05"))
	} else {
		count := req.Count
		if count <= 0 {
			count = 100
		}
		r.SetQueryParam("max", strconv.Itoa(count))
	}

	var resp struct {
		Prices []struct {
			SnapshotTimeUTC  string       `json:"snapshotTimeUTC"`
			OpenPrice        igPricePoint `json:"openPrice"`
			HighPrice        igPricePoint `json:"highPrice"`
			LowPrice         igPricePoint `json:"lowPrice"`
			ClosePrice       igPricePoint `json:"closePrice"`
			LastTradedVolume float64      `json:"lastTradedVolume"`
		} `json:"prices"`
	}
	r.SetResult(&resp)
	path := "/prices/" + url.PathEscape(ig.DenormalizeSymbol(req.Symbol))
	if _, err := ig.rest.do("get_candles", r, "GET", path); err != nil {
		return nil, err
	}

	candles := make([]models.Candle, 0, len(resp.Prices))
	for _, p := range resp.Prices {
		candles = append(candles, models.Candle{
			Symbol:    req.Symbol,
			Timestamp: parseIGTime(p.SnapshotTimeUTC),
			Open:      p.OpenPrice.mid(),
			High:      p.HighPrice.mid(),
			Low:       p.LowPrice.mid(),
			Close:     p.ClosePrice.mid(),
			Volume:    p.LastTradedVolume,
			Timeframe: req.Timeframe,
		})
	}
	return trimCandles(candles, req.Count), nil
}

var _ Broker = (*IGBroker)(nil)
