package broker

import (
	"tradebridge/internal/errors"
	"tradebridge/internal/models"
)

// TimeframeMap translates canonical timeframes to a broker's native resolution.
// A timeframe the broker lacks is rejected, never rounded to a neighbour.
type TimeframeMap struct {
	broker string
	native map[models.Timeframe]string
}

// NewTimeframeMap creates a timeframe table for a broker.
func NewTimeframeMap(broker string, native map[models.Timeframe]string) TimeframeMap {
	return TimeframeMap{broker: broker, native: native}
}

// Native returns the broker resolution for tf.
func (m TimeframeMap) Native(tf models.Timeframe) (string, error) {
	if n, ok := m.native[tf]; ok {
		return n, nil
	}
	return "", errors.NewRequestError(m.broker, "get_candles",
		"timeframe "+string(tf)+" is not supported", errors.ErrUnsupportedTimeframe)
}

// Supported lists the canonical timeframes the broker supports, in ascending order.
func (m TimeframeMap) Supported() []models.Timeframe {
	var out []models.Timeframe
	for _, tf := range models.AllTimeframes {
		if _, ok := m.native[tf]; ok {
			out = append(out, tf)
		}
	}
	return out
}
