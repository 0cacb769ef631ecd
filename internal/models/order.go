package models

import (
	"fmt"
	"sync"
	"time"
)

// OrderSide represents the side of an order.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

// OrderType represents the type of an order.
type OrderType string

const (
	OrderTypeMarket    OrderType = "market"
	OrderTypeLimit     OrderType = "limit"
	OrderTypeStop      OrderType = "stop"
	OrderTypeStopLimit OrderType = "stop_limit"
)

// TimeInForce represents how long an order stays working.
type TimeInForce string

const (
	TimeInForceGTC TimeInForce = "gtc"
	TimeInForceDay TimeInForce = "day"
	TimeInForceIOC TimeInForce = "ioc"
	TimeInForceFOK TimeInForce = "fok"
)

// OrderStatus is the normalized order lifecycle state.
type OrderStatus string

const (
	OrderStatusPending         OrderStatus = "PENDING"
	OrderStatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderStatusFilled          OrderStatus = "FILLED"
	OrderStatusRejected        OrderStatus = "REJECTED"
	OrderStatusCancelled       OrderStatus = "CANCELLED"
	OrderStatusExpired         OrderStatus = "EXPIRED"
)

// IsTerminal reports whether no further transitions are allowed.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusRejected, OrderStatusCancelled, OrderStatusExpired:
		return true
	}
	return false
}

// CanTransition reports whether the lifecycle allows moving from s to next.
//
//	PENDING -> PARTIALLY_FILLED | FILLED | REJECTED | CANCELLED | EXPIRED
//	PARTIALLY_FILLED -> FILLED | CANCELLED | EXPIRED
func (s OrderStatus) CanTransition(next OrderStatus) bool {
	if s == next {
		return !s.IsTerminal()
	}
	switch s {
	case OrderStatusPending:
		return next != OrderStatusPending
	case OrderStatusPartiallyFilled:
		return next == OrderStatusFilled || next == OrderStatusCancelled || next == OrderStatusExpired
	}
	return false
}

// OrderRequest is a broker-agnostic order instruction.
type OrderRequest struct {
	Symbol        string      `json:"symbol"`
	Side          OrderSide   `json:"side"`
	Type          OrderType   `json:"type"`
	Size          float64     `json:"size"`
	Price         *float64    `json:"price,omitempty"`
	StopPrice     *float64    `json:"stop_price,omitempty"`
	StopLoss      *float64    `json:"stop_loss,omitempty"`
	TakeProfit    *float64    `json:"take_profit,omitempty"`
	TimeInForce   TimeInForce `json:"time_in_force"`
	Leverage      float64     `json:"leverage"`
	ClientOrderID string      `json:"client_order_id,omitempty"`
}

// Validate checks broker-independent constraints.
func (r OrderRequest) Validate() error {
	if r.Symbol == "" {
		return fmt.Errorf("symbol is required")
	}
	if r.Side != OrderSideBuy && r.Side != OrderSideSell {
		return fmt.Errorf("invalid side %q", r.Side)
	}
	if r.Size <= 0 {
		return fmt.Errorf("size must be positive, got %v", r.Size)
	}
	switch r.Type {
	case OrderTypeMarket:
	case OrderTypeLimit:
		if r.Price == nil || *r.Price <= 0 {
			return fmt.Errorf("limit order requires a positive price")
		}
	case OrderTypeStop:
		if r.StopPrice == nil || *r.StopPrice <= 0 {
			return fmt.Errorf("stop order requires a positive stop price")
		}
	case OrderTypeStopLimit:
		if r.Price == nil || *r.Price <= 0 || r.StopPrice == nil || *r.StopPrice <= 0 {
			return fmt.Errorf("stop-limit order requires positive price and stop price")
		}
	default:
		return fmt.Errorf("invalid order type %q", r.Type)
	}
	return nil
}

// HasBracket reports whether either protective leg is set.
func (r OrderRequest) HasBracket() bool {
	return r.StopLoss != nil || r.TakeProfit != nil
}

// OrderResult is the normalized view of a broker order.
type OrderResult struct {
	OrderID          string      `json:"order_id"`
	ClientOrderID    string      `json:"client_order_id,omitempty"`
	Symbol           string      `json:"symbol"`
	Side             OrderSide   `json:"side"`
	Type             OrderType   `json:"type"`
	Status           OrderStatus `json:"status"`
	RequestedSize    float64     `json:"requested_size"`
	FilledSize       float64     `json:"filled_size"`
	Price            float64     `json:"price"`
	AverageFillPrice float64     `json:"average_fill_price"`
	Commission       float64     `json:"commission"`
	CreatedAt        time.Time   `json:"created_at"`
	FilledAt         *time.Time  `json:"filled_at,omitempty"`
	Error            string      `json:"error,omitempty"`
}

// PositionSide is the direction of an open position.
type PositionSide string

const (
	PositionLong  PositionSide = "long"
	PositionShort PositionSide = "short"
)

// CloseSide returns the order side that reduces the position.
func (s PositionSide) CloseSide() OrderSide {
	if s == PositionLong {
		return OrderSideSell
	}
	return OrderSideBuy
}

// Position is an open broker position. Adapters only project it; they never invent one.
type Position struct {
	PositionID    string       `json:"position_id"`
	Symbol        string       `json:"symbol"`
	Side          PositionSide `json:"side"`
	Size          float64      `json:"size"`
	EntryPrice    float64      `json:"entry_price"`
	CurrentPrice  float64      `json:"current_price"`
	UnrealizedPnL float64      `json:"unrealized_pnl"`
	MarginUsed    float64      `json:"margin_used"`
	Leverage      float64      `json:"leverage"`
	StopLoss      *float64     `json:"stop_loss,omitempty"`
	TakeProfit    *float64     `json:"take_profit,omitempty"`
	OpenedAt      time.Time    `json:"opened_at"`
}

// OrderTracker remembers the last reported status per order id and refuses to
// revise a terminal state.
type OrderTracker struct {
	mu       sync.Mutex
	statuses map[string]OrderStatus
}

// NewOrderTracker creates an empty tracker.
func NewOrderTracker() *OrderTracker {
	return &OrderTracker{statuses: make(map[string]OrderStatus)}
}

// Observe records a status for an order and returns the status that should be
// reported. Once an order is terminal its status is pinned.
func (t *OrderTracker) Observe(orderID string, status OrderStatus) OrderStatus {
	t.mu.Lock()
	defer t.mu.Unlock()

	prev, ok := t.statuses[orderID]
	if !ok {
		t.statuses[orderID] = status
		return status
	}
	if prev.IsTerminal() || !prev.CanTransition(status) {
		return prev
	}
	t.statuses[orderID] = status
	return status
}

// Status returns the last recorded status.
func (t *OrderTracker) Status(orderID string) (OrderStatus, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.statuses[orderID]
	return s, ok
}
