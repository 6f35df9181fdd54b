package engine

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"autotrader/internal/domain"
)

// Handler receives order lifecycle events. Handlers run synchronously on the
// emitting goroutine.
type Handler func(domain.OrderEvent)

// EventManager fans order lifecycle events out to registered handlers. A
// panicking handler is isolated and logged; it never breaks emission or the
// other handlers.
type EventManager struct {
	mu       sync.Mutex
	handlers []Handler
	logger   *slog.Logger
}

// NewEventManager creates an EventManager with no handlers.
func NewEventManager(logger *slog.Logger) *EventManager {
	return &EventManager{logger: logger}
}

// AddHandler registers a handler for all subsequent events.
func (em *EventManager) AddHandler(h Handler) {
	em.mu.Lock()
	em.handlers = append(em.handlers, h)
	em.mu.Unlock()
}

// Emit delivers the event to every handler. Missing ids and timestamps are
// filled in.
func (em *EventManager) Emit(event domain.OrderEvent) {
	if event.EventID == "" {
		event.EventID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	em.mu.Lock()
	handlers := make([]Handler, len(em.handlers))
	copy(handlers, em.handlers)
	em.mu.Unlock()

	for i, h := range handlers {
		em.dispatch(i, h, event)
	}
}

func (em *EventManager) dispatch(idx int, h Handler, event domain.OrderEvent) {
	defer func() {
		if r := recover(); r != nil {
			em.logger.Error("event handler panicked",
				"handler_index", idx,
				"event_type", event.Type,
				"order_id", event.OrderID,
				"panic", r)
		}
	}()
	h(event)
}

// EmitSubmitted reports acceptance of a single order at the venue.
func (em *EventManager) EmitSubmitted(order *domain.Order) {
	em.Emit(domain.OrderEvent{
		OrderID:     order.ID,
		TradePlanID: order.TradePlanID,
		Type:        domain.EventOrderSubmitted,
		NewStatus:   order.Status,
		Payload: map[string]any{
			"venue_id": order.VenueID,
			"symbol":   order.Symbol,
			"side":     order.Side,
			"quantity": order.Quantity,
		},
	})
}

// EmitBracketPlaced reports a fully submitted bracket.
func (em *EventManager) EmitBracketPlaced(bracket *domain.BracketOrder) {
	em.Emit(domain.OrderEvent{
		OrderID:     bracket.Parent.ID,
		TradePlanID: bracket.TradePlanID,
		Type:        domain.EventBracketPlaced,
		NewStatus:   bracket.Parent.Status,
		Payload: map[string]any{
			"bracket_id":     bracket.BracketID,
			"symbol":         bracket.Parent.Symbol,
			"quantity":       bracket.Parent.Quantity,
			"stop_venue_id":  bracket.StopLoss.VenueID,
			"tp_venue_id":    bracket.TakeProfit.VenueID,
			"entry_venue_id": bracket.Parent.VenueID,
		},
	})
}

// EmitModified reports a successful order modification.
func (em *EventManager) EmitModified(order *domain.Order, mod domain.OrderModification) {
	payload := map[string]any{"reason": mod.Reason}
	if mod.Quantity != nil {
		payload["quantity"] = *mod.Quantity
	}
	if mod.LimitPrice != nil {
		payload["limit_price"] = mod.LimitPrice.String()
	}
	if mod.StopPrice != nil {
		payload["stop_price"] = mod.StopPrice.String()
	}
	em.Emit(domain.OrderEvent{
		OrderID:     order.ID,
		TradePlanID: order.TradePlanID,
		Type:        domain.EventOrderModified,
		NewStatus:   order.Status,
		Payload:     payload,
	})
}

// EmitCancelled reports a confirmed cancellation.
func (em *EventManager) EmitCancelled(order *domain.Order, old domain.OrderStatus) {
	em.Emit(domain.OrderEvent{
		OrderID:     order.ID,
		TradePlanID: order.TradePlanID,
		Type:        domain.EventOrderCancelled,
		OldStatus:   &old,
		NewStatus:   domain.OrderStatusCancelled,
	})
}

// EmitRejected reports a venue or risk rejection.
func (em *EventManager) EmitRejected(order *domain.Order, reason string) {
	em.Emit(domain.OrderEvent{
		OrderID:      order.ID,
		TradePlanID:  order.TradePlanID,
		Type:         domain.EventOrderRejected,
		NewStatus:    domain.OrderStatusRejected,
		ErrorMessage: reason,
	})
}

// EmitStatusUpdate reports a venue-driven status transition.
func (em *EventManager) EmitStatusUpdate(order *domain.Order, old domain.OrderStatus) {
	em.Emit(domain.OrderEvent{
		OrderID:     order.ID,
		TradePlanID: order.TradePlanID,
		Type:        domain.EventStatusUpdate,
		OldStatus:   &old,
		NewStatus:   order.Status,
	})
}

// EmitFilled reports a fill with its quantity and price.
func (em *EventManager) EmitFilled(order *domain.Order, old domain.OrderStatus, fillQty int, fillPrice *decimal.Decimal) {
	em.Emit(domain.OrderEvent{
		OrderID:      order.ID,
		TradePlanID:  order.TradePlanID,
		Type:         domain.EventOrderFilled,
		OldStatus:    &old,
		NewStatus:    order.Status,
		FillQuantity: &fillQty,
		FillPrice:    fillPrice,
		Payload: map[string]any{
			"symbol":   order.Symbol,
			"side":     string(order.Side),
			"venue_id": order.VenueID,
		},
	})
}
