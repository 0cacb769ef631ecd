// Package notify pushes consensus decisions and order executions to
// external channels.
package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"tradebridge/internal/config"
	"tradebridge/internal/models"
	"tradebridge/internal/risk"
)

// Notifier defines the interface for sending notifications.
type Notifier interface {
	Send(ctx context.Context, n Notification) error
	SendDecision(ctx context.Context, workspace string, d *models.ConsensusResult) error
	SendExecution(ctx context.Context, workspace string, exec *risk.Execution) error
	SendError(ctx context.Context, err error, errContext string) error
}

// Channel delivers notifications to one destination.
type Channel interface {
	Name() string
	Send(ctx context.Context, n Notification) error
	IsEnabled() bool
}

// Notification represents a notification message.
type Notification struct {
	Type      Type                   `json:"type"`
	Title     string                 `json:"title"`
	Message   string                 `json:"message"`
	Data      map[string]interface{} `json:"data,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// Type represents the type of notification.
type Type string

const (
	TypeDecision  Type = "decision"
	TypeExecution Type = "execution"
	TypeError     Type = "error"
	TypeInfo      Type = "info"
)

// Level filters which notification types are delivered.
type Level string

const (
	LevelAll        Level = "all"
	LevelTradesOnly Level = "trades_only"
	LevelErrorsOnly Level = "errors_only"
)

// MultiNotifier fans a notification out to every enabled channel.
type MultiNotifier struct {
	channels []Channel
	level    Level
	logger   zerolog.Logger
	mu       sync.RWMutex
}

// New builds a notifier from cfg. A disabled config yields a notifier with
// no channels, so callers never need a nil check.
func New(cfg config.NotifyConfig, logger zerolog.Logger) *MultiNotifier {
	mn := NewMultiNotifier(Level(cfg.Level), logger)
	if cfg.Enabled && cfg.Webhook.URL != "" {
		mn.AddChannel(NewWebhookChannel(cfg.Webhook))
	}
	return mn
}

// NewMultiNotifier creates an empty notifier with the given level filter.
func NewMultiNotifier(level Level, logger zerolog.Logger) *MultiNotifier {
	if level == "" {
		level = LevelAll
	}
	return &MultiNotifier{
		level:  level,
		logger: logger.With().Str("component", "notify").Logger(),
	}
}

// AddChannel adds a notification channel.
func (mn *MultiNotifier) AddChannel(ch Channel) {
	mn.mu.Lock()
	defer mn.mu.Unlock()
	mn.channels = append(mn.channels, ch)
}

// Channels returns the number of configured channels.
func (mn *MultiNotifier) Channels() int {
	mn.mu.RLock()
	defer mn.mu.RUnlock()
	return len(mn.channels)
}

func (mn *MultiNotifier) shouldSend(t Type) bool {
	switch mn.level {
	case LevelTradesOnly:
		return t == TypeDecision || t == TypeExecution
	case LevelErrorsOnly:
		return t == TypeError
	default:
		return true
	}
}

// Send delivers n to every enabled channel. Channel failures are joined into
// one error; a failing channel does not stop the others.
func (mn *MultiNotifier) Send(ctx context.Context, n Notification) error {
	if !mn.shouldSend(n.Type) {
		return nil
	}
	if n.Timestamp.IsZero() {
		n.Timestamp = time.Now().UTC()
	}

	mn.mu.RLock()
	channels := mn.channels
	mn.mu.RUnlock()

	var errs []error
	for _, ch := range channels {
		if !ch.IsEnabled() {
			continue
		}
		if err := ch.Send(ctx, n); err != nil {
			mn.logger.Warn().Err(err).Str("channel", ch.Name()).Str("type", string(n.Type)).Msg("Notification failed")
			errs = append(errs, fmt.Errorf("%s: %w", ch.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// SendDecision announces a consensus result. Only tradeable decisions are
// sent; the rest are in the audit log.
func (mn *MultiNotifier) SendDecision(ctx context.Context, workspace string, d *models.ConsensusResult) error {
	if d == nil || !d.ShouldTrade {
		return nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%s %s on %s\n", d.Direction, d.Symbol, d.Timeframe)
	fmt.Fprintf(&sb, "Confidence %.1f%%, agreement %.1f%% (%d/%d votes)\n",
		d.Confidence, d.AgreementPercentage, d.ValidVotes, d.TotalVotes)
	if d.Entry != nil {
		fmt.Fprintf(&sb, "Entry %s SL %s TP %s\n", price(d.Entry), price(d.StopLoss), price(d.TakeProfit))
	}
	if len(d.KeyFactors) > 0 {
		fmt.Fprintf(&sb, "Factors: %s\n", strings.Join(d.KeyFactors, "; "))
	}

	data := map[string]interface{}{
		"workspace":   workspace,
		"decision_id": d.ID,
		"symbol":      d.Symbol,
		"timeframe":   d.Timeframe,
		"method":      d.Method,
		"direction":   d.Direction,
		"confidence":  d.Confidence,
		"agreement":   d.AgreementPercentage,
	}
	setFloat(data, "entry", d.Entry)
	setFloat(data, "stop_loss", d.StopLoss)
	setFloat(data, "take_profit", d.TakeProfit)

	return mn.Send(ctx, Notification{
		Type:    TypeDecision,
		Title:   fmt.Sprintf("Consensus %s %s", d.Direction, d.Symbol),
		Message: strings.TrimRight(sb.String(), "\n"),
		Data:    data,
	})
}

// SendExecution announces an order placed, or refused by the risk checks.
func (mn *MultiNotifier) SendExecution(ctx context.Context, workspace string, exec *risk.Execution) error {
	if exec == nil {
		return nil
	}
	req := exec.Request
	data := map[string]interface{}{
		"workspace":   workspace,
		"decision_id": exec.DecisionID,
		"symbol":      req.Symbol,
		"side":        req.Side,
		"size":        req.Size,
	}

	if !exec.Validation.IsValid {
		data["reason"] = exec.Validation.Message
		return mn.Send(ctx, Notification{
			Type:    TypeExecution,
			Title:   fmt.Sprintf("Order rejected: %s %s", req.Side, req.Symbol),
			Message: exec.Validation.Message,
			Data:    data,
		})
	}
	if exec.Order == nil {
		return nil
	}

	o := exec.Order
	data["order_id"] = o.OrderID
	data["status"] = o.Status
	data["filled_size"] = o.FilledSize
	data["price"] = o.AverageFillPrice
	return mn.Send(ctx, Notification{
		Type:  TypeExecution,
		Title: fmt.Sprintf("Order %s: %s %s", o.Status, o.Side, o.Symbol),
		Message: fmt.Sprintf("Order %s %s %g @ %g (%s)",
			o.OrderID, o.Side, o.FilledSize, o.AverageFillPrice, o.Status),
		Data: data,
	})
}

// SendError sends an error notification.
func (mn *MultiNotifier) SendError(ctx context.Context, err error, errContext string) error {
	if err == nil {
		return nil
	}
	return mn.Send(ctx, Notification{
		Type:    TypeError,
		Title:   "Error: " + errContext,
		Message: err.Error(),
		Data: map[string]interface{}{
			"context": errContext,
			"error":   err.Error(),
		},
	})
}

func price(p *float64) string {
	if p == nil {
		return "-"
	}
	return fmt.Sprintf("%g", *p)
}

func setFloat(m map[string]interface{}, key string, v *float64) {
	if v != nil {
		m[key] = *v
	}
}
