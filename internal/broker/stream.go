package broker

import (
	"context"
	"sort"
	"time"

	"tradebridge/internal/models"
)

// DefaultPollInterval is used when a streamer is created without an interval.
const DefaultPollInterval = time.Second

// PriceFetcher returns the latest quotes for a set of canonical symbols.
type PriceFetcher func(ctx context.Context, symbols []string) (map[string]models.Tick, error)

// PollingStreamer turns a quote endpoint into a tick stream.
// Each call to Stream starts an independent sequence that runs until ctx is done;
// fetch errors are reported on the error channel and polling continues.
type PollingStreamer struct {
	Interval time.Duration
	Fetch    PriceFetcher
}

// Stream starts polling. Both channels are closed when ctx is done.
// A tick is emitted the first time a symbol is seen and whenever its bid or ask changes.
func (p PollingStreamer) Stream(ctx context.Context, symbols []string) (<-chan models.Tick, <-chan error) {
	ticks := make(chan models.Tick, 64)
	errs := make(chan error, 8)

	interval := p.Interval
	if interval <= 0 {
		interval = DefaultPollInterval
	}

	go func() {
		defer close(ticks)
		defer close(errs)

		last := make(map[string]models.Tick, len(symbols))
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			if !p.poll(ctx, symbols, last, ticks, errs) {
				return
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()

	return ticks, errs
}

// poll runs one fetch round. It returns false once ctx is done.
func (p PollingStreamer) poll(ctx context.Context, symbols []string, last map[string]models.Tick, ticks chan<- models.Tick, errs chan<- error) bool {
	prices, err := p.Fetch(ctx, symbols)
	if ctx.Err() != nil {
		return false
	}
	if err != nil {
		sendErr(errs, err) // drops when the consumer is behind
		return true
	}

	keys := make([]string, 0, len(prices))
	for s := range prices {
		keys = append(keys, s)
	}
	sort.Strings(keys)

	for _, s := range keys {
		tick := prices[s]
		prev, seen := last[s]
		if seen && prev.Bid == tick.Bid && prev.Ask == tick.Ask {
			continue
		}
		last[s] = tick
		select {
		case ticks <- tick:
		case <-ctx.Done():
			return false
		}
	}
	return true
}

// failedStream returns a stream that reports err once and ends.
func failedStream(err error) (<-chan models.Tick, <-chan error) {
	ticks := make(chan models.Tick)
	errs := make(chan error, 1)
	errs <- err
	close(ticks)
	close(errs)
	return ticks, errs
}

// sendErr reports a stream error without blocking.
func sendErr(errs chan<- error, err error) {
	select {
	case errs <- err:
	default:
	}
}

// pipe copies one stream into shared output channels until both inputs close.
func pipe(ctx context.Context, ticksIn <-chan models.Tick, errsIn <-chan error, ticks chan<- models.Tick, errs chan<- error) {
	for ticksIn != nil || errsIn != nil {
		select {
		case t, ok := <-ticksIn:
			if !ok {
				ticksIn = nil
				continue
			}
			select {
			case ticks <- t:
			case <-ctx.Done():
				return
			}
		case err, ok := <-errsIn:
			if !ok {
				errsIn = nil
				continue
			}
			sendErr(errs, err)
		}
	}
}
