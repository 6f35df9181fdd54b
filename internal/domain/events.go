package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// EventType classifies an order lifecycle event.
type EventType string

const (
	EventOrderSubmitted EventType = "order_submitted"
	EventBracketPlaced  EventType = "bracket_order_placed"
	EventOrderModified  EventType = "order_modified"
	EventOrderCancelled EventType = "order_cancelled"
	EventOrderRejected  EventType = "order_rejected"
	EventStatusUpdate   EventType = "status_update"
	EventOrderFilled    EventType = "order_filled"
)

// OrderEvent is an immutable record of a lifecycle transition, emitted to
// subscribers and appended to the event journal. OldStatus is nil for events
// that do not describe a transition (e.g. a rejection before submission).
type OrderEvent struct {
	EventID     string    `json:"event_id"`
	OrderID     string    `json:"order_id"`
	TradePlanID string    `json:"trade_plan_id"`
	Type        EventType `json:"event_type"`

	OldStatus *OrderStatus `json:"old_status,omitempty"`
	NewStatus OrderStatus  `json:"new_status"`

	FillQuantity *int             `json:"fill_quantity,omitempty"`
	FillPrice    *decimal.Decimal `json:"fill_price,omitempty"`
	Commission   *decimal.Decimal `json:"commission,omitempty"`

	// Payload carries structured details for external consumers
	// (prices, rejection reasons, modification fields).
	Payload map[string]any `json:"event_data,omitempty"`

	ErrorMessage string    `json:"error_message,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}
