package broker

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradebridge/internal/errors"
	"tradebridge/internal/models"
)

// igFake is a minimal IG gateway: it issues tokens on login, rotates them on
// the accounts call and records every request's tokens.
type igFake struct {
	mu       sync.Mutex
	seen     []string // "METHOD path CST TOKEN"
	noTokens bool
}

func (f *igFake) handler(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	f.seen = append(f.seen, r.Method+" "+r.URL.Path+" "+r.Header.Get("CST")+" "+r.Header.Get("X-SECURITY-TOKEN"))
	f.mu.Unlock()

	switch {
	case r.Method == http.MethodPost && r.URL.Path == "/session":
		if r.Header.Get("X-IG-API-KEY") != "igkey" || r.Header.Get("VERSION") != "2" {
			writeJSON(w, http.StatusForbidden, map[string]string{"errorCode": "error.security.invalid-key"})
			return
		}
		if !f.noTokens {
			w.Header().Set("CST", "cst-1")
			w.Header().Set("X-SECURITY-TOKEN", "xst-1")
		}
		writeJSON(w, http.StatusOK, map[string]string{"currentAccountId": "ABC12"})
	case r.Method == http.MethodGet && r.URL.Path == "/accounts":
		w.Header().Set("X-SECURITY-TOKEN", "xst-2")
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"accounts": []map[string]interface{}{{
				"accountId": "ABC12", "currency": "GBP", "preferred": true,
				"balance": map[string]float64{"balance": 10000, "deposit": 500, "profitLoss": -25, "available": 9475},
			}},
		})
	case r.Method == http.MethodDelete && r.URL.Path == "/session":
		w.WriteHeader(http.StatusNoContent)
	default:
		writeJSON(w, http.StatusNotFound, map[string]string{"errorCode": "error.not-found"})
	}
}

func (f *igFake) requests() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.seen...)
}

func newIGTestBroker(t *testing.T, fake *igFake) *IGBroker {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(fake.handler))
	t.Cleanup(srv.Close)
	return NewIGBroker(IGConfig{
		APIKey:   "igkey",
		Username: "trader",
		Password: "hunter2",
		Demo:     true,
		BaseURL:  srv.URL,
	}, zerolog.Nop())
}

func TestIGSessionTokensRotateAndLogout(t *testing.T) {
	fake := &igFake{}
	ig := newIGTestBroker(t, fake)
	ctx := context.Background()

	require.NoError(t, ig.Connect(ctx))
	assert.True(t, ig.IsConnected())

	info, err := ig.GetAccountInfo(ctx)
	require.NoError(t, err)
	assert.Equal(t, 10000.0, info.Balance)
	assert.Equal(t, 9975.0, info.Equity)
	assert.Equal(t, "GBP", info.Currency)

	// second call must carry the rotated security token
	_, err = ig.GetAccountInfo(ctx)
	require.NoError(t, err)

	require.NoError(t, ig.Disconnect(ctx))
	assert.False(t, ig.IsConnected())

	reqs := fake.requests()
	require.Len(t, reqs, 4)
	assert.Equal(t, "POST /session  ", reqs[0])
	assert.Equal(t, "GET /accounts cst-1 xst-1", reqs[1])
	assert.Equal(t, "GET /accounts cst-1 xst-2", reqs[2])
	assert.Equal(t, "DELETE /session cst-1 xst-2", reqs[3])

	_, err = ig.GetAccountInfo(ctx)
	assert.True(t, errors.Is(err, errors.ErrNotConnected))
}

func TestIGLoginWithoutTokensFails(t *testing.T) {
	ig := newIGTestBroker(t, &igFake{noTokens: true})

	err := ig.Connect(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrInvalidCredentials))
	assert.False(t, ig.IsConnected())
}

func TestIGConnectRequiresCredentials(t *testing.T) {
	fake := &igFake{}
	srv := httptest.NewServer(http.HandlerFunc(fake.handler))
	defer srv.Close()

	ig := NewIGBroker(IGConfig{APIKey: "igkey", BaseURL: srv.URL}, zerolog.Nop())
	err := ig.Connect(context.Background())
	assert.True(t, errors.Is(err, errors.ErrInvalidCredentials))
	assert.Empty(t, fake.requests())
}

func TestIGSymbolNormalization(t *testing.T) {
	ig := NewIGBroker(IGConfig{}, zerolog.Nop())

	assert.Equal(t, "CS.D.EURUSD.CFD.IP", ig.DenormalizeSymbol("EUR_USD"))
	assert.Equal(t, "EUR_USD", ig.NormalizeSymbol("CS.D.EURUSD.CFD.IP"))
	assert.Equal(t, "IX.D.DOW.IFD.IP", ig.DenormalizeSymbol("US30"))
	assert.Equal(t, "US30", ig.NormalizeSymbol("IX.D.DOW.IFD.IP"))

	// unmapped forex pairs follow the CFD epic pattern both ways
	assert.Equal(t, "CS.D.EURNOK.CFD.IP", ig.DenormalizeSymbol("EUR_NOK"))
	assert.Equal(t, "EUR_NOK", ig.NormalizeSymbol("CS.D.EURNOK.CFD.IP"))
}

const daxEpic = "IX.D.DAX.IFD.IP"

// igDealer fakes the IG dealing endpoints for one DAX position (DEAL1) and
// one working order (WORK1).
type igDealer struct {
	mu          sync.Mutex
	bodies      map[string]map[string]interface{} // "METHOD path" -> last body
	headers     map[string]http.Header
	queries     map[string]url.Values
	marketCalls int
	working     bool
	deleted     bool
	noActivity  bool
}

func newIGDealer() *igDealer {
	return &igDealer{
		bodies:  make(map[string]map[string]interface{}),
		headers: make(map[string]http.Header),
		queries: make(map[string]url.Values),
	}
}

func igConfirmBody(dealID, ref, status, direction string, level float64) map[string]interface{} {
	return map[string]interface{}{
		"dealId": dealID, "dealReference": ref, "dealStatus": "ACCEPTED", "status": status,
		"epic": daxEpic, "direction": direction, "size": 1, "level": level, "date": "2024-05-01T10:00:00.000",
	}
}

func igActivityBody(dealID, typ, date, action string, level float64) map[string]interface{} {
	return map[string]interface{}{
		"date": date, "epic": daxEpic, "dealId": dealID, "type": typ, "status": "ACCEPTED",
		"details": map[string]interface{}{
			"dealReference": "REF-" + dealID, "direction": "BUY", "size": 1, "level": level,
			"actions": []map[string]string{{"actionType": action, "affectedDealId": dealID}},
		},
	}
}

func (d *igDealer) handler(w http.ResponseWriter, r *http.Request) {
	d.mu.Lock()
	defer d.mu.Unlock()

	key := r.Method + " " + r.URL.Path
	d.headers[key] = r.Header.Clone()
	d.queries[key] = r.URL.Query()
	if r.Body != nil {
		var body map[string]interface{}
		if json.NewDecoder(r.Body).Decode(&body) == nil {
			d.bodies[key] = body
		}
	}

	switch key {
	case "POST /session":
		w.Header().Set("CST", "cst-1")
		w.Header().Set("X-SECURITY-TOKEN", "xst-1")
		writeJSON(w, http.StatusOK, map[string]string{"currentAccountId": "ABC12"})
	case "GET /markets/" + daxEpic:
		d.marketCalls++
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"instrument": map[string]interface{}{
				"epic": daxEpic,
				"currencies": []map[string]interface{}{
					{"code": "USD", "isDefault": false},
					{"code": "EUR", "isDefault": true},
				},
			},
			"snapshot": map[string]interface{}{"bid": 18000, "offer": 18002, "updateTimeUTC": "10:00:00"},
		})
	case "POST /positions/otc":
		if r.Header.Get("_method") == http.MethodDelete {
			writeJSON(w, http.StatusOK, map[string]string{"dealReference": "REF-CLOSE"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"dealReference": "REF-DEAL1"})
	case "POST /workingorders/otc":
		d.working = true
		writeJSON(w, http.StatusOK, map[string]string{"dealReference": "REF-WORK1"})
	case "DELETE /workingorders/otc/WORK1":
		d.working, d.deleted = false, true
		writeJSON(w, http.StatusOK, map[string]string{"dealReference": "REF-DEL"})
	case "GET /confirms/REF-DEAL1":
		writeJSON(w, http.StatusOK, igConfirmBody("DEAL1", "REF-DEAL1", "OPEN", "BUY", 18002))
	case "GET /confirms/REF-WORK1":
		writeJSON(w, http.StatusOK, igConfirmBody("WORK1", "REF-WORK1", "OPEN", "BUY", 17900))
	case "GET /confirms/REF-DEL":
		writeJSON(w, http.StatusOK, igConfirmBody("WORK1", "REF-DEL", "DELETED", "BUY", 17900))
	case "GET /confirms/REF-CLOSE":
		writeJSON(w, http.StatusOK, igConfirmBody("DEAL9", "REF-CLOSE", "FULLY_CLOSED", "SELL", 18010))
	case "GET /confirms/REF-MOD":
		writeJSON(w, http.StatusOK, igConfirmBody("DEAL1", "REF-MOD", "AMENDED", "BUY", 18002))
	case "GET /workingorders":
		var orders []map[string]interface{}
		if d.working {
			orders = append(orders, map[string]interface{}{"workingOrderData": map[string]interface{}{
				"dealId": "WORK1", "direction": "BUY", "epic": daxEpic, "orderSize": 1,
				"orderLevel": 17900, "orderType": "LIMIT", "createdDateUTC": "2024-05-01T10:00:00",
			}})
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"workingOrders": orders})
	case "GET /history/activity":
		var acts []map[string]interface{}
		switch deal := r.URL.Query().Get("dealId"); {
		case d.noActivity:
		case deal == "DEAL1":
			acts = append(acts, igActivityBody("DEAL1", "POSITION", "2024-05-01T10:00:00", "POSITION_OPENED", 18002))
		case deal == "WORK1" && d.deleted:
			// newest first, as IG lists them
			acts = append(acts,
				igActivityBody("WORK1", "WORKING_ORDER", "2024-05-01T11:00:00", "WORKING_ORDER_DELETED", 17900),
				igActivityBody("WORK1", "WORKING_ORDER", "2024-05-01T10:00:00", "WORKING_ORDER_OPENED", 17900))
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"activities": acts})
	case "GET /positions":
		writeJSON(w, http.StatusOK, map[string]interface{}{"positions": []map[string]interface{}{{
			"position": map[string]interface{}{
				"dealId": "DEAL1", "direction": "BUY", "size": 2, "level": 18002,
				"stopLevel": 17900, "limitLevel": nil, "contractSize": 1,
			},
			"market": map[string]interface{}{"epic": daxEpic, "bid": 18010, "offer": 18012},
		}}})
	case "PUT /positions/otc/DEAL1":
		writeJSON(w, http.StatusOK, map[string]string{"dealReference": "REF-MOD"})
	case "GET /prices/" + daxEpic:
		point := func(bid, ask float64) map[string]float64 { return map[string]float64{"bid": bid, "ask": ask} }
		writeJSON(w, http.StatusOK, map[string]interface{}{"prices": []map[string]interface{}{
			{"snapshotTimeUTC": "2024-05-01T09:00:00", "openPrice": point(90, 92), "highPrice": point(94, 96),
				"lowPrice": point(88, 90), "closePrice": point(92, 94), "lastTradedVolume": 7},
			{"snapshotTimeUTC": "2024-05-01T10:00:00", "openPrice": point(100, 102), "highPrice": point(104, 106),
				"lowPrice": point(98, 100), "closePrice": point(102, 104), "lastTradedVolume": 10},
		}})
	default:
		writeJSON(w, http.StatusNotFound, map[string]string{"errorCode": "error.not-found"})
	}
}

func (d *igDealer) body(key string) map[string]interface{} {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.bodies[key]
}

func (d *igDealer) header(key string) http.Header {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.headers[key]
}

func (d *igDealer) query(key string) url.Values {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.queries[key]
}

func connectIGDealer(t *testing.T, d *igDealer) *IGBroker {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(d.handler))
	t.Cleanup(srv.Close)
	ig := NewIGBroker(IGConfig{APIKey: "igkey", Username: "trader", Password: "hunter2", BaseURL: srv.URL}, zerolog.Nop())
	require.NoError(t, ig.Connect(context.Background()))
	return ig
}

func TestIGMarketOrderUsesInstrumentCurrencyAndCanBeFetched(t *testing.T) {
	d := newIGDealer()
	ig := connectIGDealer(t, d)
	ctx := context.Background()

	req := models.OrderRequest{
		Symbol: "GER40", Side: models.OrderSideBuy, Type: models.OrderTypeMarket, Size: 1,
		StopLoss: models.Float(17900), ClientOrderID: "tb-1",
	}
	placed, err := ig.PlaceOrder(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, "DEAL1", placed.OrderID)
	assert.Equal(t, models.OrderStatusFilled, placed.Status)
	assert.Equal(t, "tb-1", placed.ClientOrderID)

	body := d.body("POST /positions/otc")
	assert.Equal(t, "EUR", body["currencyCode"])
	assert.Equal(t, daxEpic, body["epic"])
	assert.Equal(t, "MARKET", body["orderType"])
	assert.Equal(t, 17900.0, body["stopLevel"])
	assert.NotContains(t, body, "limitLevel")

	_, err = ig.PlaceOrder(ctx, req)
	require.NoError(t, err)
	d.mu.Lock()
	assert.Equal(t, 1, d.marketCalls, "currency is cached per epic")
	d.mu.Unlock()

	got, err := ig.GetOrder(ctx, placed.OrderID)
	require.NoError(t, err)
	assert.Equal(t, "DEAL1", got.OrderID)
	assert.Equal(t, models.OrderStatusFilled, got.Status)
	assert.Equal(t, "GER40", got.Symbol)
	assert.Equal(t, models.OrderSideBuy, got.Side)
	assert.Equal(t, 1.0, got.FilledSize)
	assert.Equal(t, "true", d.query("GET /history/activity").Get("detailed"))
}

func TestIGGetOrderFallsBackToDealReference(t *testing.T) {
	d := newIGDealer()
	d.noActivity = true
	ig := connectIGDealer(t, d)
	ctx := context.Background()

	placed, err := ig.PlaceOrder(ctx, models.OrderRequest{
		Symbol: "GER40", Side: models.OrderSideBuy, Type: models.OrderTypeMarket, Size: 1,
	})
	require.NoError(t, err)

	got, err := ig.GetOrder(ctx, placed.OrderID)
	require.NoError(t, err)
	assert.Equal(t, "DEAL1", got.OrderID)
	assert.Equal(t, models.OrderStatusFilled, got.Status)

	_, err = ig.GetOrder(ctx, "UNKNOWN")
	assert.Error(t, err)
}

func TestIGWorkingOrderLifecycle(t *testing.T) {
	d := newIGDealer()
	ig := connectIGDealer(t, d)
	ctx := context.Background()

	placed, err := ig.PlaceOrder(ctx, models.OrderRequest{
		Symbol: "GER40", Side: models.OrderSideBuy, Type: models.OrderTypeLimit, Size: 1, Price: models.Float(17900),
	})
	require.NoError(t, err)
	assert.Equal(t, "WORK1", placed.OrderID)
	assert.Equal(t, models.OrderStatusPending, placed.Status)
	assert.Zero(t, placed.FilledSize)

	body := d.body("POST /workingorders/otc")
	assert.Equal(t, "LIMIT", body["type"])
	assert.Equal(t, 17900.0, body["level"])
	assert.Equal(t, "EUR", body["currencyCode"])

	open, err := ig.GetOrder(ctx, "WORK1")
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusPending, open.Status)

	cancelled, err := ig.CancelOrder(ctx, "WORK1")
	require.NoError(t, err)
	assert.Equal(t, "WORK1", cancelled.OrderID)
	assert.Equal(t, models.OrderStatusCancelled, cancelled.Status)

	// no longer working: the activity trail says it was deleted
	after, err := ig.GetOrder(ctx, "WORK1")
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusCancelled, after.Status)
	assert.Equal(t, 17900.0, after.Price)
}

func TestIGStopLimitUnsupported(t *testing.T) {
	ig := connectIGDealer(t, newIGDealer())
	_, err := ig.PlaceOrder(context.Background(), models.OrderRequest{
		Symbol: "GER40", Side: models.OrderSideBuy, Type: models.OrderTypeStopLimit, Size: 1,
		Price: models.Float(18000), StopPrice: models.Float(17990),
	})
	assert.True(t, errors.Is(err, errors.ErrUnsupportedOperation))
}

func TestIGClosePositionUsesDeleteOverride(t *testing.T) {
	d := newIGDealer()
	ig := connectIGDealer(t, d)
	ctx := context.Background()

	_, err := ig.ClosePosition(ctx, "GER40", models.Float(5))
	require.Error(t, err)

	order, err := ig.ClosePosition(ctx, "GER40", models.Float(1))
	require.NoError(t, err)
	assert.Equal(t, "DEAL9", order.OrderID)
	assert.Equal(t, models.OrderStatusFilled, order.Status)

	assert.Equal(t, http.MethodDelete, d.header("POST /positions/otc").Get("_method"))
	body := d.body("POST /positions/otc")
	assert.Equal(t, "DEAL1", body["dealId"])
	assert.Equal(t, "SELL", body["direction"])
	assert.Equal(t, 1.0, body["size"])
	assert.Equal(t, "MARKET", body["orderType"])

	_, err = ig.ClosePosition(ctx, "UK100", nil)
	assert.True(t, errors.Is(err, errors.ErrPositionNotFound))
}

func TestIGModifyPositionKeepsUnsetLevel(t *testing.T) {
	d := newIGDealer()
	ig := connectIGDealer(t, d)

	pos, err := ig.ModifyPosition(context.Background(), "GER40", nil, models.Float(18200))
	require.NoError(t, err)
	require.NotNil(t, pos.StopLoss)
	assert.Equal(t, 17900.0, *pos.StopLoss)
	require.NotNil(t, pos.TakeProfit)
	assert.Equal(t, 18200.0, *pos.TakeProfit)

	body := d.body("PUT /positions/otc/DEAL1")
	assert.Equal(t, 17900.0, body["stopLevel"])
	assert.Equal(t, 18200.0, body["limitLevel"])
}

func TestIGCandlesAreMidPrices(t *testing.T) {
	d := newIGDealer()
	ig := connectIGDealer(t, d)

	candles, err := ig.GetCandles(context.Background(), CandleRequest{Symbol: "GER40", Timeframe: models.TimeframeH1, Count: 1})
	require.NoError(t, err)
	require.Len(t, candles, 1)
	c := candles[0]
	assert.Equal(t, "GER40", c.Symbol)
	assert.Equal(t, 101.0, c.Open)
	assert.Equal(t, 105.0, c.High)
	assert.Equal(t, 99.0, c.Low)
	assert.Equal(t, 103.0, c.Close)
	assert.Equal(t, 10.0, c.Volume)
	assert.Equal(t, 10, c.Timestamp.Hour())

	q := d.query("GET /prices/" + daxEpic)
	assert.Equal(t, "HOUR", q.Get("resolution"))
	assert.Equal(t, "1", q.Get("max"))

	_, err = ig.GetCandles(context.Background(), CandleRequest{Symbol: "GER40", Timeframe: models.Timeframe("M2"), Count: 1})
	assert.Error(t, err)
}
