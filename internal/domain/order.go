// Package domain defines the core types shared across the execution and risk
// subsystems: orders, order requests, bracket orders, lifecycle events, and
// trade plans.
package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderSide indicates order direction.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

// Opposite returns the opposing side, used for bracket exit legs.
func (s OrderSide) Opposite() OrderSide {
	if s == OrderSideBuy {
		return OrderSideSell
	}
	return OrderSideBuy
}

// OrderType classifies how an order executes at the venue.
type OrderType string

const (
	OrderTypeMarket       OrderType = "market"
	OrderTypeLimit        OrderType = "limit"
	OrderTypeStop         OrderType = "stop"
	OrderTypeStopLimit    OrderType = "stop_limit"
	OrderTypeTrailingStop OrderType = "trailing_stop"
)

// TimeInForce controls how long an order remains working.
type TimeInForce string

const (
	TimeInForceDay TimeInForce = "day"
	TimeInForceGTC TimeInForce = "gtc"
	TimeInForceIOC TimeInForce = "ioc"
	TimeInForceFOK TimeInForce = "fok"
)

// OrderStatus is the closed order lifecycle state machine. Raw strings appear
// only in persisted JSON and at the venue mapping boundary.
type OrderStatus string

const (
	OrderStatusPending         OrderStatus = "pending"
	OrderStatusSubmitted       OrderStatus = "submitted"
	OrderStatusPartiallyFilled OrderStatus = "partially_filled"
	OrderStatusFilled          OrderStatus = "filled"
	OrderStatusCancelled       OrderStatus = "cancelled"
	OrderStatusRejected        OrderStatus = "rejected"
)

// IsTerminal reports whether the status ends the order lifecycle.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusCancelled, OrderStatusRejected:
		return true
	}
	return false
}

// CanTransitionTo reports whether moving from s to next is a legal, one-way
// lifecycle transition. Terminal states accept no successor.
func (s OrderStatus) CanTransitionTo(next OrderStatus) bool {
	if s == next {
		return false
	}
	switch s {
	case OrderStatusPending:
		return next == OrderStatusSubmitted || next == OrderStatusRejected || next == OrderStatusCancelled
	case OrderStatusSubmitted:
		return next == OrderStatusPartiallyFilled || next == OrderStatusFilled ||
			next == OrderStatusCancelled || next == OrderStatusRejected
	case OrderStatusPartiallyFilled:
		return next == OrderStatusFilled || next == OrderStatusCancelled
	}
	return false
}

// Order is the canonical order record. While active it is owned exclusively
// by the execution manager and mutated only through its methods.
type Order struct {
	ID          string `json:"id"`
	VenueID     string `json:"venue_id,omitempty"`
	ParentID    string `json:"parent_id,omitempty"`
	TradePlanID string `json:"trade_plan_id"`

	Symbol   string `json:"symbol"`
	Exchange string `json:"exchange"`
	Currency string `json:"currency"`

	Side     OrderSide `json:"side"`
	Type     OrderType `json:"type"`
	Quantity int       `json:"quantity"`

	LimitPrice   *decimal.Decimal `json:"limit_price,omitempty"`
	StopPrice    *decimal.Decimal `json:"stop_price,omitempty"`
	TrailAmount  *decimal.Decimal `json:"trail_amount,omitempty"`
	TrailPercent *decimal.Decimal `json:"trail_percent,omitempty"`

	TimeInForce TimeInForce `json:"time_in_force"`

	// Transmit is false for bracket children until the whole bracket has
	// venue ids; non-transmitting legs are held at the venue, not working.
	Transmit bool `json:"transmit"`

	Status      OrderStatus `json:"status"`
	CreatedAt   time.Time   `json:"created_at"`
	SubmittedAt *time.Time  `json:"submitted_at,omitempty"`
	FilledAt    *time.Time  `json:"filled_at,omitempty"`

	FilledQuantity int              `json:"filled_quantity"`
	AvgFillPrice   *decimal.Decimal `json:"average_fill_price,omitempty"`
	Commission     *decimal.Decimal `json:"commission,omitempty"`

	ErrorMessage string `json:"error_message,omitempty"`
}

// RemainingQuantity returns the unfilled share count, never negative.
func (o *Order) RemainingQuantity() int {
	if r := o.Quantity - o.FilledQuantity; r > 0 {
		return r
	}
	return 0
}

// OrderRequest is unvalidated intent. Risk validation consumes it once and
// attaches the calculated position size before execution.
type OrderRequest struct {
	TradePlanID string `json:"trade_plan_id"`

	Symbol   string `json:"symbol"`
	Exchange string `json:"exchange"`
	Currency string `json:"currency"`

	Side OrderSide `json:"side"`
	Type OrderType `json:"type"`

	EntryPrice      decimal.Decimal `json:"entry_price"`
	StopLossPrice   decimal.Decimal `json:"stop_loss_price"`
	TakeProfitPrice decimal.Decimal `json:"take_profit_price"`

	RiskCategory RiskCategory `json:"risk_category"`

	// CalculatedPositionSize is zero until risk validation fills it in.
	CalculatedPositionSize int `json:"calculated_position_size,omitempty"`

	TimeInForce TimeInForce `json:"time_in_force"`
}

// OrderResult reports the outcome of a single order operation. A rejected or
// failed operation is a normal, inspectable result, not an error.
type OrderResult struct {
	Success     bool        `json:"success"`
	OrderID     string      `json:"order_id,omitempty"`
	VenueID     string      `json:"venue_id,omitempty"`
	TradePlanID string      `json:"trade_plan_id"`
	Status      OrderStatus `json:"status"`
	Reason      string      `json:"reason,omitempty"`

	Symbol   string    `json:"symbol"`
	Side     OrderSide `json:"side"`
	Quantity int       `json:"quantity"`
	Type     OrderType `json:"type"`

	Timestamp time.Time `json:"timestamp"`
}

// BracketOrder groups a parent entry order with its stop-loss and take-profit
// children. Children share the bracket id via ParentID and are created
// non-transmitting.
type BracketOrder struct {
	BracketID   string `json:"bracket_id"`
	TradePlanID string `json:"trade_plan_id"`

	Parent     *Order `json:"parent"`
	StopLoss   *Order `json:"stop_loss"`
	TakeProfit *Order `json:"take_profit"`

	CreatedAt time.Time `json:"created_at"`
}

// Legs returns the component orders in submission order.
func (b *BracketOrder) Legs() []*Order {
	return []*Order{b.Parent, b.StopLoss, b.TakeProfit}
}

// FullySubmitted reports whether every leg has been assigned a venue id.
// Only then may the children be transmitted.
func (b *BracketOrder) FullySubmitted() bool {
	for _, leg := range b.Legs() {
		if leg == nil || leg.VenueID == "" {
			return false
		}
	}
	return true
}

// OrderModification describes a requested change to a working order.
type OrderModification struct {
	OrderID string `json:"order_id"`

	Quantity     *int             `json:"quantity,omitempty"`
	LimitPrice   *decimal.Decimal `json:"limit_price,omitempty"`
	StopPrice    *decimal.Decimal `json:"stop_price,omitempty"`
	TrailAmount  *decimal.Decimal `json:"trail_amount,omitempty"`
	TrailPercent *decimal.Decimal `json:"trail_percent,omitempty"`

	Reason      string    `json:"reason"`
	RequestedAt time.Time `json:"requested_at"`
}
