package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradebridge/internal/errors"
	"tradebridge/internal/models"
)

func newAlpacaTestBroker(t *testing.T, handler http.HandlerFunc) (*AlpacaBroker, *int64) {
	t.Helper()
	var calls int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&calls, 1)
		handler(w, r)
	}))
	t.Cleanup(srv.Close)

	b := NewAlpacaBroker(AlpacaConfig{
		APIKey:     "PKTEST1234",
		APISecret:  "secret5678",
		Paper:      true,
		TradingURL: srv.URL,
		DataURL:    srv.URL,
	}, zerolog.Nop())
	return b, &calls
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func TestAlpacaConnectSendsKeyHeaders(t *testing.T) {
	b, _ := newAlpacaTestBroker(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("APCA-API-KEY-ID") != "PKTEST1234" || r.Header.Get("APCA-API-SECRET-KEY") != "secret5678" {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"message": "bad keys"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"account_number": "PA123", "status": "ACTIVE"})
	})

	require.NoError(t, b.Connect(context.Background()))
	assert.True(t, b.IsConnected())
	require.NoError(t, b.Disconnect(context.Background()))
	assert.False(t, b.IsConnected())
}

func TestAlpacaDebugLogMasksKeys(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"account_number": "PA123", "status": "ACTIVE"})
	}))
	defer srv.Close()

	var buf bytes.Buffer
	b := NewAlpacaBroker(AlpacaConfig{
		APIKey: "PKTEST1234", APISecret: "secret5678", Paper: true, TradingURL: srv.URL, DataURL: srv.URL,
	}, zerolog.New(&buf).Level(zerolog.DebugLevel))
	require.NoError(t, b.Connect(context.Background()))

	logs := buf.String()
	assert.Contains(t, logs, "Request headers")
	assert.Contains(t, logs, "5678")
	assert.NotContains(t, logs, "secret5678")
	assert.NotContains(t, logs, "PKTEST1234")
}

func TestAlpacaConnectUnauthorized(t *testing.T) {
	b, _ := newAlpacaTestBroker(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"message": "request is not authorized"})
	})

	err := b.Connect(context.Background())
	require.Error(t, err)
	var connErr *errors.ConnectionError
	assert.True(t, errors.As(err, &connErr))
	assert.False(t, b.IsConnected())
}

func TestAlpacaOperationsRequireConnection(t *testing.T) {
	b, calls := newAlpacaTestBroker(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{})
	})

	_, err := b.GetPositions(context.Background())
	assert.True(t, errors.Is(err, errors.ErrNotConnected))
	assert.Zero(t, atomic.LoadInt64(calls))
}

func TestAlpacaRejectsHalfBracketWithoutHTTP(t *testing.T) {
	b, calls := newAlpacaTestBroker(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ACTIVE"})
	})
	require.NoError(t, b.Connect(context.Background()))
	before := atomic.LoadInt64(calls)

	for _, req := range []models.OrderRequest{
		{Symbol: "AAPL", Side: models.OrderSideBuy, Type: models.OrderTypeMarket, Size: 10, StopLoss: models.Float(180)},
		{Symbol: "AAPL", Side: models.OrderSideBuy, Type: models.OrderTypeMarket, Size: 10, TakeProfit: models.Float(200)},
	} {
		_, err := b.PlaceOrder(context.Background(), req)
		require.Error(t, err)
		var reqErr *errors.RequestError
		require.True(t, errors.As(err, &reqErr))
		assert.True(t, errors.Is(err, errors.ErrBracketIncomplete))
	}
	assert.Equal(t, before, atomic.LoadInt64(calls))
}

func TestAlpacaBracketOrder(t *testing.T) {
	var got alpacaOrderRequest
	b, _ := newAlpacaTestBroker(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v2/account":
			writeJSON(w, http.StatusOK, map[string]string{"status": "ACTIVE"})
		case "/v2/orders":
			_ = json.NewDecoder(r.Body).Decode(&got)
			writeJSON(w, http.StatusOK, map[string]interface{}{
				"id": "ord-1", "symbol": got.Symbol, "side": got.Side, "type": got.Type,
				"status": "accepted", "qty": got.Qty, "filled_qty": "0",
			})
		default:
			http.NotFound(w, r)
		}
	})
	require.NoError(t, b.Connect(context.Background()))

	result, err := b.PlaceOrder(context.Background(), models.OrderRequest{
		Symbol: "BRK_B", Side: models.OrderSideBuy, Type: models.OrderTypeMarket, Size: 5,
		StopLoss: models.Float(400), TakeProfit: models.Float(450),
	})
	require.NoError(t, err)

	assert.Equal(t, "BRK.B", got.Symbol)
	assert.Equal(t, "bracket", got.OrderClass)
	assert.Equal(t, "day", got.TimeInForce)
	require.NotNil(t, got.StopLoss)
	assert.Equal(t, "400", got.StopLoss.StopPrice)
	require.NotNil(t, got.TakeProfit)
	assert.Equal(t, "450", got.TakeProfit.LimitPrice)

	assert.Equal(t, "BRK_B", result.Symbol)
	assert.Equal(t, models.OrderStatusPending, result.Status)
	assert.Equal(t, 5.0, result.RequestedSize)
}

func TestAlpacaCryptoOrderDefaultsToGTC(t *testing.T) {
	var got alpacaOrderRequest
	b, _ := newAlpacaTestBroker(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/v2/orders" {
			_ = json.NewDecoder(r.Body).Decode(&got)
			writeJSON(w, http.StatusOK, map[string]interface{}{"id": "c-1", "symbol": got.Symbol, "status": "new"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ACTIVE"})
	})
	require.NoError(t, b.Connect(context.Background()))

	_, err := b.PlaceOrder(context.Background(), models.OrderRequest{
		Symbol: "BTC_USD", Side: models.OrderSideBuy, Type: models.OrderTypeMarket, Size: 0.5,
	})
	require.NoError(t, err)
	assert.Equal(t, "BTC/USD", got.Symbol)
	assert.Equal(t, "gtc", got.TimeInForce)
}

func TestAlpacaOrderNotFound(t *testing.T) {
	b, _ := newAlpacaTestBroker(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/v2/account" {
			writeJSON(w, http.StatusOK, map[string]string{"status": "ACTIVE"})
			return
		}
		writeJSON(w, http.StatusNotFound, map[string]string{"message": "order not found"})
	})
	require.NoError(t, b.Connect(context.Background()))

	_, err := b.GetOrder(context.Background(), "missing")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrOrderNotFound))
}

func TestAlpacaCryptoQuoteFallsBackToStockRoute(t *testing.T) {
	b, _ := newAlpacaTestBroker(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v2/account":
			writeJSON(w, http.StatusOK, map[string]string{"status": "ACTIVE"})
		case "/v1beta3/crypto/us/latest/quotes":
			writeJSON(w, http.StatusOK, map[string]interface{}{"quotes": map[string]interface{}{}})
		case "/v2/stocks/ABCDEF/quotes/latest":
			writeJSON(w, http.StatusOK, map[string]interface{}{
				"symbol": "ABCDEF",
				"quote":  map[string]interface{}{"bp": 10.5, "ap": 10.7, "t": "2025-03-10T14:30:00Z"},
			})
		default:
			http.NotFound(w, r)
		}
	})
	require.NoError(t, b.Connect(context.Background()))

	tick, err := b.GetCurrentPrice(context.Background(), "ABCDEF")
	require.NoError(t, err)
	assert.Equal(t, "ABCDEF", tick.Symbol)
	assert.Equal(t, 10.5, tick.Bid)
	assert.Equal(t, 10.7, tick.Ask)
}

func TestAlpacaSymbolNormalization(t *testing.T) {
	b := NewAlpacaBroker(AlpacaConfig{}, zerolog.Nop())

	cases := map[string]string{
		"AAPL":    "AAPL",
		"BRK.B":   "BRK_B",
		"BTC/USD": "BTC_USD",
		"BTCUSD":  "BTC_USD",
		"ETHUSDT": "ETH_USDT",
	}
	for native, canonical := range cases {
		assert.Equal(t, canonical, b.NormalizeSymbol(native), native)
	}

	assert.Equal(t, "BRK.B", b.DenormalizeSymbol("BRK_B"))
	assert.Equal(t, "BTC/USD", b.DenormalizeSymbol("BTC_USD"))
	assert.Equal(t, "BTCUSD", b.positionNative("BTC_USD"))
	assert.Equal(t, []alpacaRoute{routeCrypto, routeStock}, b.routeFor("ETH_USD"))
	assert.Equal(t, []alpacaRoute{routeStock, routeCrypto}, b.routeFor("AAPL"))
}

func TestAlpacaCandlesReturnLatestBarsOldestFirst(t *testing.T) {
	var query url.Values
	b, _ := newAlpacaTestBroker(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v2/account":
			writeJSON(w, http.StatusOK, map[string]string{"status": "ACTIVE"})
		case "/v2/stocks/AAPL/bars":
			query = r.URL.Query()
			// newest first, spanning an overnight gap
			writeJSON(w, http.StatusOK, map[string]interface{}{"bars": []map[string]interface{}{
				{"t": "2025-03-11T14:00:00Z", "o": 3, "h": 3.5, "l": 2.5, "c": 3.2, "v": 300},
				{"t": "2025-03-11T13:00:00Z", "o": 2, "h": 2.5, "l": 1.5, "c": 2.2, "v": 200},
				{"t": "2025-03-10T19:00:00Z", "o": 1, "h": 1.5, "l": 0.5, "c": 1.2, "v": 100},
			}})
		default:
			http.NotFound(w, r)
		}
	})
	require.NoError(t, b.Connect(context.Background()))

	candles, err := b.GetCandles(context.Background(), CandleRequest{Symbol: "AAPL", Timeframe: models.TimeframeH1, Count: 3})
	require.NoError(t, err)
	require.Len(t, candles, 3)
	assert.Equal(t, 1.0, candles[0].Open)
	assert.Equal(t, 3.0, candles[2].Open)
	assert.True(t, candles[0].Timestamp.Before(candles[1].Timestamp))

	assert.Equal(t, "desc", query.Get("sort"))
	assert.Equal(t, "3", query.Get("limit"))
	assert.Equal(t, "1Hour", query.Get("timeframe"))
	start, err := time.Parse(time.RFC3339, query.Get("start"))
	require.NoError(t, err)
	end, err := time.Parse(time.RFC3339, query.Get("end"))
	require.NoError(t, err)
	assert.Greater(t, end.Sub(start), 3*24*time.Hour, "window is widened past 3 hours")
}

func TestAlpacaCandlesExplicitRangeKeepsAscendingOrder(t *testing.T) {
	var query url.Values
	b, _ := newAlpacaTestBroker(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v2/account":
			writeJSON(w, http.StatusOK, map[string]string{"status": "ACTIVE"})
		case "/v2/stocks/AAPL/bars":
			query = r.URL.Query()
			writeJSON(w, http.StatusOK, map[string]interface{}{"bars": []map[string]interface{}{
				{"t": "2025-03-10T00:00:00Z", "o": 1, "h": 1, "l": 1, "c": 1, "v": 1},
			}})
		default:
			http.NotFound(w, r)
		}
	})
	require.NoError(t, b.Connect(context.Background()))

	from := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	to := time.Date(2025, 3, 11, 0, 0, 0, 0, time.UTC)
	candles, err := b.GetCandles(context.Background(), CandleRequest{Symbol: "AAPL", Timeframe: models.TimeframeD, From: &from, To: &to})
	require.NoError(t, err)
	require.Len(t, candles, 1)
	assert.Empty(t, query.Get("sort"))
	assert.Equal(t, "2025-03-01T00:00:00Z", query.Get("start"))
	assert.Equal(t, "2025-03-11T00:00:00Z", query.Get("end"))
}
