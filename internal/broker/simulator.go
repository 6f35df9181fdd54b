package broker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"autotrader/internal/domain"
)

// Compile-time interface checks.
var (
	_ Broker      = (*SimulatorBroker)(nil)
	_ VenueClient = (*SimulatorBroker)(nil)
)

// SimulatorBroker implements the Broker interface for paper trading and
// tests. Market orders fill immediately and deterministically; limit and
// stop orders rest until cancelled. No external calls are made.
type SimulatorBroker struct {
	mu     sync.Mutex
	seq    int
	orders map[string]*domain.Order // keyed by venue id
	prices map[string]decimal.Decimal

	updates chan TradeUpdate
	logger  *slog.Logger
}

// NewSimulatorBroker creates an empty simulator.
func NewSimulatorBroker(logger *slog.Logger) *SimulatorBroker {
	return &SimulatorBroker{
		orders:  make(map[string]*domain.Order),
		prices:  make(map[string]decimal.Decimal),
		updates: make(chan TradeUpdate, 256),
		logger:  logger,
	}
}

// Name returns "simulator".
func (b *SimulatorBroker) Name() string {
	return "simulator"
}

// SetPrice fixes the fill price for a symbol. Orders without a price fall
// back to their limit price, then to 100.
func (b *SimulatorBroker) SetPrice(symbol string, price decimal.Decimal) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.prices[symbol] = price
}

// Probe satisfies VenueClient so the simulator can stand in for the venue
// during connection tests.
func (b *SimulatorBroker) Probe(_ context.Context) (*AccountSnapshot, error) {
	return &AccountSnapshot{
		AccountID: "simulator",
		Status:    "ACTIVE",
		Equity:    decimal.NewFromInt(100000),
		Cash:      decimal.NewFromInt(100000),
	}, nil
}

// SubmitOrder records the order and fills market orders immediately.
func (b *SimulatorBroker) SubmitOrder(_ context.Context, order *domain.Order) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.acceptLocked(order)
	if order.Type == domain.OrderTypeMarket {
		b.fillLocked(order)
	}
	return nil
}

// SubmitBracket accepts all three legs. The entry fills immediately when it
// is a market order; the protective legs rest.
func (b *SimulatorBroker) SubmitBracket(_ context.Context, bracket *domain.BracketOrder) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.acceptLocked(bracket.Parent)
	b.acceptLocked(bracket.StopLoss)
	b.acceptLocked(bracket.TakeProfit)

	if bracket.Parent.Type == domain.OrderTypeMarket {
		b.fillLocked(bracket.Parent)
	}
	return nil
}

// ModifyOrder applies the modification and, mirroring replace semantics at
// the real venue, assigns a fresh venue id.
func (b *SimulatorBroker) ModifyOrder(_ context.Context, order *domain.Order, mod domain.OrderModification) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	existing, ok := b.orders[order.VenueID]
	if !ok {
		return fmt.Errorf("simulator: unknown venue order %q", order.VenueID)
	}
	if existing.Status.IsTerminal() {
		return fmt.Errorf("simulator: order %q is %s and cannot be modified", order.VenueID, existing.Status)
	}

	delete(b.orders, order.VenueID)
	if mod.Quantity != nil {
		order.Quantity = *mod.Quantity
	}
	if mod.LimitPrice != nil {
		order.LimitPrice = mod.LimitPrice
	}
	if mod.StopPrice != nil {
		order.StopPrice = mod.StopPrice
	}
	b.seq++
	order.VenueID = fmt.Sprintf("SIM-%06d", b.seq)
	b.orders[order.VenueID] = order
	return nil
}

// CancelOrder marks the order cancelled and emits the matching trade update.
func (b *SimulatorBroker) CancelOrder(_ context.Context, order *domain.Order) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	existing, ok := b.orders[order.VenueID]
	if !ok {
		return fmt.Errorf("simulator: unknown venue order %q", order.VenueID)
	}
	if existing.Status.IsTerminal() {
		return fmt.Errorf("simulator: order %q is already %s", order.VenueID, existing.Status)
	}

	existing.Status = domain.OrderStatusCancelled
	b.emitLocked(TradeUpdate{
		VenueID: existing.VenueID,
		Event:   "canceled",
		Status:  domain.OrderStatusCancelled,
		At:      time.Now().UTC(),
	})
	return nil
}

// StreamTradeUpdates delivers simulated venue events to fn until the
// context is cancelled.
func (b *SimulatorBroker) StreamTradeUpdates(ctx context.Context, fn func(TradeUpdate)) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case u := <-b.updates:
			fn(u)
		}
	}
}

// DrainUpdates synchronously applies all queued trade updates to fn. Tests
// use it instead of running the stream goroutine.
func (b *SimulatorBroker) DrainUpdates(fn func(TradeUpdate)) {
	for {
		select {
		case u := <-b.updates:
			fn(u)
		default:
			return
		}
	}
}

func (b *SimulatorBroker) acceptLocked(order *domain.Order) {
	b.seq++
	order.VenueID = fmt.Sprintf("SIM-%06d", b.seq)
	order.Status = domain.OrderStatusSubmitted
	now := time.Now().UTC()
	order.SubmittedAt = &now
	b.orders[order.VenueID] = order
}

func (b *SimulatorBroker) fillLocked(order *domain.Order) {
	price, ok := b.prices[order.Symbol]
	if !ok {
		if order.LimitPrice != nil {
			price = *order.LimitPrice
		} else {
			price = decimal.NewFromInt(100)
		}
	}

	order.Status = domain.OrderStatusFilled
	order.FilledQuantity = order.Quantity
	order.AvgFillPrice = &price
	now := time.Now().UTC()
	order.FilledAt = &now

	b.emitLocked(TradeUpdate{
		VenueID:      order.VenueID,
		Event:        "fill",
		Status:       domain.OrderStatusFilled,
		FilledQty:    order.FilledQuantity,
		AvgFillPrice: &price,
		At:           now,
	})
}

func (b *SimulatorBroker) emitLocked(u TradeUpdate) {
	select {
	case b.updates <- u:
	default:
		b.logger.Warn("simulator update buffer full, dropping event", "venue_id", u.VenueID, "event", u.Event)
	}
}
