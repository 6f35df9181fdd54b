// Package broker defines the Broker interface and provides implementations
// for executing orders against a venue, along with the circuit breaker and
// connection management guarding those calls.
package broker

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"autotrader/internal/domain"
)

// TradeUpdate is a venue-side order status change delivered over the trade
// update stream.
type TradeUpdate struct {
	// VenueID identifies the order at the venue.
	VenueID string
	// Event is the venue event name (fill, partial_fill, canceled, ...).
	Event string
	// Status is the venue order status mapped onto the domain enum.
	Status domain.OrderStatus
	// FilledQty is the cumulative filled quantity.
	FilledQty int
	// AvgFillPrice is the average fill price, nil when nothing filled.
	AvgFillPrice *decimal.Decimal
	// At is the venue timestamp of the event.
	At time.Time
}

// Broker abstracts venue order operations. Implementations mutate the passed
// order in place: on success the venue id, status, and submission timestamp
// are filled in.
type Broker interface {
	// Name returns the broker identifier (e.g. "alpaca", "simulator").
	Name() string

	// SubmitOrder sends a single order to the venue for execution.
	SubmitOrder(ctx context.Context, order *domain.Order) error

	// SubmitBracket atomically places an entry order with attached
	// stop-loss and take-profit legs.
	SubmitBracket(ctx context.Context, bracket *domain.BracketOrder) error

	// ModifyOrder applies the requested price or quantity changes to a
	// working order. The order's venue id may change as a result.
	ModifyOrder(ctx context.Context, order *domain.Order, mod domain.OrderModification) error

	// CancelOrder requests cancellation of a working order.
	CancelOrder(ctx context.Context, order *domain.Order) error

	// StreamTradeUpdates delivers venue order events to fn until the
	// context is cancelled. It blocks; run it in its own goroutine.
	StreamTradeUpdates(ctx context.Context, fn func(TradeUpdate)) error
}
