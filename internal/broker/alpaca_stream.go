package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"tradebridge/internal/models"
)

type alpacaStreamMsg struct {
	Type      string    `json:"T"`
	Symbol    string    `json:"S"`
	BidPrice  float64   `json:"bp"`
	AskPrice  float64   `json:"ap"`
	Timestamp time.Time `json:"t"`
	Code      int       `json:"code"`
	Msg       string    `json:"msg"`
}

// StreamPrices streams quotes over the Alpaca market data websockets.
// Stock and crypto symbols use separate sockets. When a socket cannot be
// opened or drops, its symbols continue on a polling stream.
func (a *AlpacaBroker) StreamPrices(ctx context.Context, symbols []string) (<-chan models.Tick, <-chan error) {
	if err := a.requireConnected("alpaca"); err != nil {
		return failedStream(err)
	}

	var stocks, cryptos []string
	for _, s := range symbols {
		if a.routeFor(s)[0] == routeCrypto {
			cryptos = append(cryptos, s)
		} else {
			stocks = append(stocks, s)
		}
	}

	ticks := make(chan models.Tick, 64)
	errs := make(chan error, 8)

	var wg sync.WaitGroup
	if len(stocks) > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a.runStream(ctx, a.cfg.StreamURL+"/v2/"+a.cfg.Feed, stocks, a.DenormalizeSymbol, ticks, errs)
		}()
	}
	if len(cryptos) > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a.runStream(ctx, a.cfg.StreamURL+"/v1beta3/crypto/us", cryptos, a.cryptoNative, ticks, errs)
		}()
	}

	go func() {
		wg.Wait()
		close(ticks)
		close(errs)
	}()
	return ticks, errs
}

func (a *AlpacaBroker) runStream(ctx context.Context, url string, symbols []string, native func(string) string, ticks chan<- models.Tick, errs chan<- error) {
	err := a.streamSocket(ctx, url, symbols, native, ticks)
	if ctx.Err() != nil {
		return
	}
	if err != nil {
		a.logger.Warn().Err(err).Str("url", url).Msg("Quote socket unavailable, polling instead")
		sendErr(errs, err)
	}

	poller := PollingStreamer{
		Interval: a.cfg.PollInterval,
		Fetch: func(ctx context.Context, syms []string) (map[string]models.Tick, error) {
			return getPricesSequential(ctx, a, syms)
		},
	}
	pt, pe := poller.Stream(ctx, symbols)
	pipe(ctx, pt, pe, ticks, errs)
}

// streamSocket authenticates, subscribes and forwards quotes until the socket
// fails or ctx is done.
func (a *AlpacaBroker) streamSocket(ctx context.Context, url string, symbols []string, native func(string) string, ticks chan<- models.Tick) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", url, err)
	}
	defer conn.Close()

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-stop:
		}
	}()

	if _, err := a.readControl(conn); err != nil {
		return err
	}
	if err := conn.WriteJSON(map[string]string{
		"action": "auth",
		"key":    a.cfg.APIKey,
		"secret": a.cfg.APISecret,
	}); err != nil {
		return fmt.Errorf("send auth: %w", err)
	}
	if msg, err := a.readControl(conn); err != nil {
		return err
	} else if msg != "authenticated" {
		return fmt.Errorf("alpaca stream auth: unexpected reply %q", msg)
	}

	canonical := make(map[string]string, len(symbols))
	natives := make([]string, 0, len(symbols))
	for _, s := range symbols {
		n := native(s)
		canonical[n] = s
		natives = append(natives, n)
	}
	if err := conn.WriteJSON(map[string]interface{}{
		"action": "subscribe",
		"quotes": natives,
	}); err != nil {
		return fmt.Errorf("send subscribe: %w", err)
	}
	a.logger.Debug().Strs("symbols", natives).Msg("Subscribed to quotes")

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read quotes: %w", err)
		}
		var msgs []alpacaStreamMsg
		if err := json.Unmarshal(data, &msgs); err != nil {
			continue
		}
		for _, m := range msgs {
			switch m.Type {
			case "q":
				sym, ok := canonical[m.Symbol]
				if !ok {
					sym = a.NormalizeSymbol(m.Symbol)
				}
				select {
				case ticks <- models.Tick{Symbol: sym, Bid: m.BidPrice, Ask: m.AskPrice, Timestamp: m.Timestamp}:
				case <-ctx.Done():
					return nil
				}
			case "error":
				return fmt.Errorf("alpaca stream error %d: %s", m.Code, m.Msg)
			}
		}
	}
}

// readControl reads one control frame and returns its msg, failing on T=error.
func (a *AlpacaBroker) readControl(conn *websocket.Conn) (string, error) {
	var msgs []alpacaStreamMsg
	if err := conn.ReadJSON(&msgs); err != nil {
		return "", fmt.Errorf("read control: %w", err)
	}
	for _, m := range msgs {
		if m.Type == "error" {
			return "", fmt.Errorf("alpaca stream error %d: %s", m.Code, m.Msg)
		}
		if m.Type == "success" {
			return strings.ToLower(m.Msg), nil
		}
	}
	return "", nil
}
