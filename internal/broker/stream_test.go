package broker

import (
	"context"
	stderrors "errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradebridge/internal/models"
)

func TestPollingStreamerEmitsOnChange(t *testing.T) {
	var round int64
	fetch := func(ctx context.Context, symbols []string) (map[string]models.Tick, error) {
		n := atomic.AddInt64(&round, 1)
		bid := 1.1000
		if n >= 3 {
			bid = 1.1005
		}
		return map[string]models.Tick{"EUR_USD": {Symbol: "EUR_USD", Bid: bid, Ask: bid + 0.0002}}, nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ticks, _ := PollingStreamer{Interval: 5 * time.Millisecond, Fetch: fetch}.Stream(ctx, []string{"EUR_USD"})

	first := <-ticks
	assert.Equal(t, 1.1000, first.Bid)

	// rounds 1 and 2 quote the same book, so the next tick is the round-3 change
	select {
	case second := <-ticks:
		assert.Equal(t, 1.1005, second.Bid)
		assert.GreaterOrEqual(t, atomic.LoadInt64(&round), int64(3))
	case <-time.After(2 * time.Second):
		t.Fatal("no tick after the quote changed")
	}
}

func TestPollingStreamerReportsErrorsAndKeepsPolling(t *testing.T) {
	var round int64
	fetch := func(ctx context.Context, symbols []string) (map[string]models.Tick, error) {
		if atomic.AddInt64(&round, 1) == 1 {
			return nil, stderrors.New("upstream unavailable")
		}
		return map[string]models.Tick{"AAPL": {Symbol: "AAPL", Bid: 10, Ask: 11}}, nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ticks, errs := PollingStreamer{Interval: 5 * time.Millisecond, Fetch: fetch}.Stream(ctx, []string{"AAPL"})

	select {
	case err := <-errs:
		assert.EqualError(t, err, "upstream unavailable")
	case <-time.After(2 * time.Second):
		t.Fatal("fetch error was not reported")
	}
	select {
	case tick := <-ticks:
		assert.Equal(t, "AAPL", tick.Symbol)
	case <-time.After(2 * time.Second):
		t.Fatal("polling stopped after an error")
	}
}

func TestPollingStreamerClosesOnCancel(t *testing.T) {
	fetch := func(ctx context.Context, symbols []string) (map[string]models.Tick, error) {
		return map[string]models.Tick{}, nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	ticks, errs := PollingStreamer{Interval: time.Millisecond, Fetch: fetch}.Stream(ctx, []string{"AAPL"})
	cancel()

	deadline := time.After(2 * time.Second)
	for ticks != nil || errs != nil {
		select {
		case _, ok := <-ticks:
			if !ok {
				ticks = nil
			}
		case _, ok := <-errs:
			if !ok {
				errs = nil
			}
		case <-deadline:
			t.Fatal("stream did not close after cancel")
		}
	}
}

func TestFailedStream(t *testing.T) {
	ticks, errs := failedStream(stderrors.New("not connected"))
	_, ok := <-ticks
	assert.False(t, ok)
	err, ok := <-errs
	require.True(t, ok)
	assert.EqualError(t, err, "not connected")
}
