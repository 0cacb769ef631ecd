package risk

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"tradebridge/internal/broker"
	"tradebridge/internal/errors"
	"tradebridge/internal/ids"
	"tradebridge/internal/logging"
	"tradebridge/internal/models"
	"tradebridge/internal/tracing"
)

// clientIDPrefix tags orders placed from a consensus decision.
const clientIDPrefix = "tb"

// Execution records what was sent and what came back. DecisionID is empty
// for manual orders.
type Execution struct {
	DecisionID string              `json:"decision_id,omitempty"`
	Request    models.OrderRequest `json:"request"`
	Validation ValidationResult    `json:"validation"`
	Order      *models.OrderResult `json:"order"`
}

// Executor turns tradeable consensus results into broker orders, validating
// every order first.
type Executor struct {
	broker    broker.Broker
	validator Validator
	logger    zerolog.Logger
	newID     func() string
}

// NewExecutor creates an executor that trades on b. A nil validator uses
// RuleValidator with DefaultLimits.
func NewExecutor(b broker.Broker, v Validator, logger zerolog.Logger) *Executor {
	if v == nil {
		v = NewRuleValidator(DefaultLimits())
	}
	return &Executor{
		broker:    b,
		validator: v,
		logger:    logging.WithBroker(logger, b.Name()).With().Str("component", "executor").Logger(),
		newID:     func() string { return ids.ClientOrderID(clientIDPrefix) },
	}
}

// ExecuteSignal places a market order for result. The decision must be
// tradeable and the order must pass validation; a rejection is returned as
// *errors.ValidationError and nothing is sent.
func (e *Executor) ExecuteSignal(ctx context.Context, result models.ConsensusResult, size float64) (*Execution, error) {
	if !result.ShouldTrade {
		return nil, errors.NewValidationError("should_trade", result.Direction, "consensus does not recommend trading")
	}
	side, ok := result.Direction.OrderSide()
	if !ok {
		return nil, errors.NewValidationError("direction", result.Direction, "not actionable")
	}
	if result.Symbol == "" {
		return nil, errors.NewValidationError("symbol", result.Symbol, "decision has no symbol")
	}
	if size <= 0 {
		return nil, errors.NewValidationError("size", size, "must be positive")
	}

	req := models.OrderRequest{
		Symbol:      result.Symbol,
		Side:        side,
		Type:        models.OrderTypeMarket,
		Size:        size,
		StopLoss:    result.StopLoss,
		TakeProfit:  result.TakeProfit,
		TimeInForce: models.TimeInForceGTC,
	}
	return e.execute(ctx, result.ID, req)
}

// Execute validates and places a manual order. An empty client order id is
// filled in.
func (e *Executor) Execute(ctx context.Context, req models.OrderRequest) (*Execution, error) {
	if err := req.Validate(); err != nil {
		return nil, errors.NewValidationError("order", req.Symbol, err.Error())
	}
	return e.execute(ctx, "", req)
}

func (e *Executor) execute(ctx context.Context, decisionID string, req models.OrderRequest) (*Execution, error) {
	ctx, span := tracing.Start(ctx, "executor.execute",
		attribute.String("symbol", req.Symbol),
		attribute.String("decision", decisionID),
	)
	var err error
	defer func() { tracing.End(span, err) }()

	logger := logging.WithSymbol(e.logger, req.Symbol)
	if decisionID != "" {
		logger = logger.With().Str("decision", decisionID).Logger()
	}
	if req.ClientOrderID == "" {
		req.ClientOrderID = e.newID()
	}

	account, err := e.broker.GetAccountInfo(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "account")
	}
	positions, err := e.broker.GetPositions(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "positions")
	}
	tick, err := e.broker.GetCurrentPrice(ctx, req.Symbol)
	if err != nil {
		return nil, errors.Wrap(err, "price")
	}

	validation := e.validator.Validate(ctx, req, *account, positions, *tick)
	exec := &Execution{DecisionID: decisionID, Request: req, Validation: validation}
	if !validation.IsValid {
		logger.Warn().Str("reason", validation.Message).Msg("Order rejected by risk checks")
		err = errors.NewValidationError("order", req.Symbol, validation.Message)
		return exec, err
	}
	for _, w := range validation.Warnings {
		logger.Warn().Msg(w)
	}
	if validation.AdjustedSize != nil {
		req.Size = *validation.AdjustedSize
		exec.Request = req
	}

	order, err := e.broker.PlaceOrder(ctx, req)
	if err != nil {
		if decisionID != "" {
			err = fmt.Errorf("place order for decision %s: %w", decisionID, err)
		}
		return exec, err
	}
	exec.Order = order

	logging.LogOrder(logging.WithOrderID(logger, order.OrderID), order.OrderID, order.Symbol, string(order.Side), string(order.Status))
	return exec, nil
}
