package broker

import (
	"strings"

	"tradebridge/internal/models"
)

// StatusTable maps a broker's native order status strings onto the lifecycle.
// Lookups are case-insensitive; anything unrecognized is PENDING.
type StatusTable map[string]models.OrderStatus

// Map returns the lifecycle status for a native status string.
func (t StatusTable) Map(native string) models.OrderStatus {
	if s, ok := t[strings.ToLower(strings.TrimSpace(native))]; ok {
		return s
	}
	return models.OrderStatusPending
}

var alpacaStatuses = StatusTable{
	"new":                  models.OrderStatusPending,
	"accepted":             models.OrderStatusPending,
	"pending_new":          models.OrderStatusPending,
	"accepted_for_bidding": models.OrderStatusPending,
	"held":                 models.OrderStatusPending,
	"calculated":           models.OrderStatusPending,
	"pending_replace":      models.OrderStatusPending,
	"replaced":             models.OrderStatusPending,
	"partially_filled":     models.OrderStatusPartiallyFilled,
	"filled":               models.OrderStatusFilled,
	"done_for_day":         models.OrderStatusPending, // GTC orders resume next session
	"canceled":             models.OrderStatusCancelled,
	"pending_cancel":       models.OrderStatusPending,
	"expired":              models.OrderStatusExpired,
	"stopped":              models.OrderStatusPending, // fill guaranteed, not yet traded
	"rejected":             models.OrderStatusRejected,
	"suspended":            models.OrderStatusPending,
}

var igStatuses = StatusTable{
	"accepted":         models.OrderStatusFilled,
	"open":             models.OrderStatusFilled,
	"opened":           models.OrderStatusFilled,
	"amended":          models.OrderStatusFilled,
	"partially_closed": models.OrderStatusFilled,
	"closed":           models.OrderStatusFilled,
	"fully_closed":     models.OrderStatusFilled,
	"rejected":         models.OrderStatusRejected,
	"deleted":          models.OrderStatusCancelled,
	"cancelled":        models.OrderStatusCancelled,
	"expired":          models.OrderStatusExpired,
	"working":          models.OrderStatusPending,
}

var metaAPIStatuses = StatusTable{
	"order_state_started":        models.OrderStatusPending,
	"order_state_placed":         models.OrderStatusPending,
	"order_state_request_add":    models.OrderStatusPending,
	"order_state_request_modify": models.OrderStatusPending,
	"order_state_request_cancel": models.OrderStatusPending,
	"order_state_partial":        models.OrderStatusPartiallyFilled,
	"order_state_filled":         models.OrderStatusFilled,
	"order_state_canceled":       models.OrderStatusCancelled,
	"order_state_rejected":       models.OrderStatusRejected,
	"order_state_expired":        models.OrderStatusExpired,
	// trade response string codes
	"trade_retcode_done":          models.OrderStatusFilled,
	"trade_retcode_done_partial":  models.OrderStatusPartiallyFilled,
	"trade_retcode_placed":        models.OrderStatusPending,
	"trade_retcode_rejected":      models.OrderStatusRejected,
	"trade_retcode_canceled":      models.OrderStatusCancelled,
	"trade_retcode_no_money":      models.OrderStatusRejected,
	"trade_retcode_invalid":       models.OrderStatusRejected,
	"trade_retcode_market_closed": models.OrderStatusRejected,
}

var zerodhaStatuses = StatusTable{
	"put order req received": models.OrderStatusPending,
	"validation pending":     models.OrderStatusPending,
	"open pending":           models.OrderStatusPending,
	"open":                   models.OrderStatusPending,
	"trigger pending":        models.OrderStatusPending,
	"modify pending":         models.OrderStatusPending,
	"cancel pending":         models.OrderStatusPending,
	"complete":               models.OrderStatusFilled,
	"cancelled":              models.OrderStatusCancelled,
	"rejected":               models.OrderStatusRejected,
}
