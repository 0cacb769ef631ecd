// Package risk validates orders against account limits before they reach a broker.
package risk

import (
	"context"
	"fmt"

	"tradebridge/internal/config"
	"tradebridge/internal/models"
)

// ValidationResult is the outcome of a pre-trade check. AdjustedSize is set
// when the order is acceptable only at a smaller size.
type ValidationResult struct {
	IsValid      bool     `json:"is_valid"`
	Message      string   `json:"message"`
	Warnings     []string `json:"warnings,omitempty"`
	AdjustedSize *float64 `json:"adjusted_size,omitempty"`
}

// Validator checks an order against the account it will trade in.
type Validator interface {
	Validate(ctx context.Context, req models.OrderRequest, account models.AccountInfo, positions []models.Position, tick models.Tick) ValidationResult
}

// Limits configures RuleValidator. Zero disables a limit.
type Limits struct {
	MaxPositionPercent     float64 // notional per order, % of equity
	MaxConcurrentPositions int
	MinRiskReward          float64
	MinFreeMarginPercent   float64 // free margin after the order, % of equity
}

// DefaultLimits returns the limits used when configuration is silent.
func DefaultLimits() Limits {
	return Limits{
		MaxPositionPercent:     10,
		MaxConcurrentPositions: 5,
		MinRiskReward:          1.5,
		MinFreeMarginPercent:   20,
	}
}

// LimitsFromConfig converts the [risk] section.
func LimitsFromConfig(c config.RiskConfig) Limits {
	return Limits{
		MaxPositionPercent:     c.MaxPositionPercent,
		MaxConcurrentPositions: c.MaxConcurrentPositions,
		MinRiskReward:          c.MinRiskReward,
		MinFreeMarginPercent:   c.MinFreeMarginPercent,
	}
}

// RuleValidator applies fixed position, exposure and margin limits.
type RuleValidator struct {
	limits Limits
}

// NewRuleValidator creates a validator with the given limits.
func NewRuleValidator(limits Limits) *RuleValidator {
	return &RuleValidator{limits: limits}
}

// Validate runs the checks in order and stops at the first violation.
// An oversized order is not rejected: it comes back valid with AdjustedSize
// capped to the position limit.
func (v *RuleValidator) Validate(ctx context.Context, req models.OrderRequest, account models.AccountInfo, positions []models.Position, tick models.Tick) ValidationResult {
	result := ValidationResult{IsValid: true, Message: "ok"}

	if err := req.Validate(); err != nil {
		return reject(result, err.Error())
	}
	if account.Equity <= 0 {
		return reject(result, "account equity not available")
	}

	price := entryPrice(req, tick)
	if price <= 0 {
		return reject(result, "no price for "+req.Symbol)
	}

	// Check 1: concurrent positions, only when the order opens a new one
	existing, held := heldPosition(positions, req.Symbol)
	opening := !held || existing.Side.CloseSide() != req.Side
	if v.limits.MaxConcurrentPositions > 0 && !held && len(positions) >= v.limits.MaxConcurrentPositions {
		return reject(result, fmt.Sprintf("max concurrent positions reached: %d (max: %d)",
			len(positions), v.limits.MaxConcurrentPositions))
	}

	// Check 2: position size as a share of equity
	size := req.Size
	if v.limits.MaxPositionPercent > 0 && opening {
		maxSize := account.Equity * (v.limits.MaxPositionPercent / 100) / price
		if maxSize <= 0 {
			return reject(result, "position limit leaves no room")
		}
		if size > maxSize {
			size = maxSize
			result.AdjustedSize = &size
			result.Warnings = append(result.Warnings,
				fmt.Sprintf("size reduced from %g to %g (max %.1f%% of equity)", req.Size, size, v.limits.MaxPositionPercent))
		}
	}

	// Check 3: risk/reward of the attached bracket
	if req.StopLoss != nil && req.TakeProfit != nil {
		rr := models.CalculateRiskReward(directionOf(req.Side), price, *req.StopLoss, *req.TakeProfit)
		if rr <= 0 {
			return reject(result, "stop loss and take profit are on the wrong side of the entry")
		}
		if v.limits.MinRiskReward > 0 && rr < v.limits.MinRiskReward {
			return reject(result, fmt.Sprintf("risk/reward %.2f below minimum %.2f", rr, v.limits.MinRiskReward))
		}
	} else if req.StopLoss == nil && opening {
		result.Warnings = append(result.Warnings, "no stop loss attached")
	}

	// Check 4: free margin after the order
	if opening {
		leverage := req.Leverage
		if leverage <= 0 {
			leverage = account.Leverage
		}
		if leverage <= 0 {
			leverage = 1
		}
		required := size * price / leverage
		if required > account.MarginAvailable {
			return reject(result, fmt.Sprintf("insufficient margin: need %.2f, available %.2f", required, account.MarginAvailable))
		}
		if v.limits.MinFreeMarginPercent > 0 {
			freeAfter := (account.MarginAvailable - required) / account.Equity * 100
			if freeAfter < v.limits.MinFreeMarginPercent {
				return reject(result, fmt.Sprintf("free margin would drop to %.1f%% (min: %.1f%%)", freeAfter, v.limits.MinFreeMarginPercent))
			}
		}
	}

	return result
}

func reject(r ValidationResult, msg string) ValidationResult {
	r.IsValid = false
	r.Message = msg
	r.AdjustedSize = nil
	return r
}

// entryPrice is the limit price when given, otherwise the side of the book
// the order would take.
func entryPrice(req models.OrderRequest, tick models.Tick) float64 {
	if req.Price != nil && *req.Price > 0 {
		return *req.Price
	}
	if req.StopPrice != nil && *req.StopPrice > 0 {
		return *req.StopPrice
	}
	p := tick.Bid
	if req.Side == models.OrderSideBuy {
		p = tick.Ask
	}
	if p <= 0 {
		p = tick.Mid()
	}
	return p
}

func heldPosition(positions []models.Position, symbol string) (models.Position, bool) {
	for _, p := range positions {
		if p.Symbol == symbol {
			return p, true
		}
	}
	return models.Position{}, false
}

func directionOf(side models.OrderSide) models.Direction {
	if side == models.OrderSideSell {
		return models.DirectionSell
	}
	return models.DirectionBuy
}
