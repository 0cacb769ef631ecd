package broker

import (
	"sync"

	"github.com/shopspring/decimal"

	"tradebridge/internal/errors"
)

// connState is the connection bookkeeping every adapter embeds.
// authMu serializes login and session refresh; mu guards the flag and session data.
type connState struct {
	authMu    sync.Mutex
	mu        sync.RWMutex
	connected bool
}

// IsConnected reports whether Connect has succeeded and Disconnect has not been called since.
func (c *connState) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

func (c *connState) setConnected(v bool) {
	c.mu.Lock()
	c.connected = v
	c.mu.Unlock()
}

func (c *connState) requireConnected(service string) error {
	if !c.IsConnected() {
		return errors.NotConnected(service)
	}
	return nil
}

// asConnectionError converts a probe failure into a ConnectionError.
func asConnectionError(service string, err error) error {
	var ce *errors.ConnectionError
	if errors.As(err, &ce) {
		return ce
	}
	return errors.NewConnectionError(service, "authentication probe failed", err)
}

// num parses the decimal strings brokers use for prices and quantities.
// Empty or malformed input is 0.
func num(s string) float64 {
	if s == "" {
		return 0
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0
	}
	f, _ := d.Float64()
	return f
}

// numPtr is num for optional fields.
func numPtr(s *string) *float64 {
	if s == nil || *s == "" {
		return nil
	}
	v := num(*s)
	return &v
}

// formatNum renders a size or price without float noise.
func formatNum(v float64) string {
	return decimal.NewFromFloat(v).String()
}
