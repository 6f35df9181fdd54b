package broker

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/shopspring/decimal"

	"autotrader/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestSimulatorSubmitMarketOrderFills(t *testing.T) {
	b := NewSimulatorBroker(testLogger())
	b.SetPrice("AAPL", decimal.RequireFromString("187.50"))

	order := &domain.Order{
		ID:       "ord-1",
		Symbol:   "AAPL",
		Side:     domain.OrderSideBuy,
		Type:     domain.OrderTypeMarket,
		Quantity: 10,
		Status:   domain.OrderStatusPending,
	}

	if err := b.SubmitOrder(context.Background(), order); err != nil {
		t.Fatalf("SubmitOrder returned error: %v", err)
	}

	if order.VenueID == "" {
		t.Error("expected venue id to be assigned")
	}
	if order.Status != domain.OrderStatusFilled {
		t.Errorf("Status = %s, want filled", order.Status)
	}
	if order.FilledQuantity != 10 {
		t.Errorf("FilledQuantity = %d, want 10", order.FilledQuantity)
	}
	if order.AvgFillPrice == nil || !order.AvgFillPrice.Equal(decimal.RequireFromString("187.50")) {
		t.Errorf("AvgFillPrice = %v, want 187.50", order.AvgFillPrice)
	}

	var updates []TradeUpdate
	b.DrainUpdates(func(u TradeUpdate) { updates = append(updates, u) })
	if len(updates) != 1 || updates[0].Event != "fill" {
		t.Fatalf("expected one fill update, got %v", updates)
	}
}

func TestSimulatorLimitOrderRests(t *testing.T) {
	b := NewSimulatorBroker(testLogger())
	limit := decimal.RequireFromString("50.00")

	order := &domain.Order{
		ID:         "ord-2",
		Symbol:     "MSFT",
		Side:       domain.OrderSideBuy,
		Type:       domain.OrderTypeLimit,
		Quantity:   5,
		LimitPrice: &limit,
		Status:     domain.OrderStatusPending,
	}

	if err := b.SubmitOrder(context.Background(), order); err != nil {
		t.Fatalf("SubmitOrder returned error: %v", err)
	}
	if order.Status != domain.OrderStatusSubmitted {
		t.Errorf("Status = %s, want submitted", order.Status)
	}
}

func TestSimulatorSubmitBracket(t *testing.T) {
	b := NewSimulatorBroker(testLogger())
	b.SetPrice("AAPL", decimal.RequireFromString("100"))

	stop := decimal.RequireFromString("95")
	target := decimal.RequireFromString("110")
	bracket := &domain.BracketOrder{
		BracketID: "BRK-1",
		Parent: &domain.Order{
			ID: "p", Symbol: "AAPL", Side: domain.OrderSideBuy,
			Type: domain.OrderTypeMarket, Quantity: 10,
		},
		StopLoss: &domain.Order{
			ID: "s", Symbol: "AAPL", Side: domain.OrderSideSell,
			Type: domain.OrderTypeStop, Quantity: 10, StopPrice: &stop,
		},
		TakeProfit: &domain.Order{
			ID: "t", Symbol: "AAPL", Side: domain.OrderSideSell,
			Type: domain.OrderTypeLimit, Quantity: 10, LimitPrice: &target,
		},
	}

	if err := b.SubmitBracket(context.Background(), bracket); err != nil {
		t.Fatalf("SubmitBracket returned error: %v", err)
	}

	if !bracket.FullySubmitted() {
		t.Error("all legs should carry venue ids")
	}
	if bracket.Parent.Status != domain.OrderStatusFilled {
		t.Errorf("parent Status = %s, want filled", bracket.Parent.Status)
	}
	if bracket.StopLoss.Status != domain.OrderStatusSubmitted {
		t.Errorf("stop leg Status = %s, want submitted", bracket.StopLoss.Status)
	}
}

func TestSimulatorModifyAssignsNewVenueID(t *testing.T) {
	b := NewSimulatorBroker(testLogger())
	limit := decimal.RequireFromString("50")

	order := &domain.Order{
		ID: "ord-3", Symbol: "TSLA", Side: domain.OrderSideBuy,
		Type: domain.OrderTypeLimit, Quantity: 5, LimitPrice: &limit,
	}
	if err := b.SubmitOrder(context.Background(), order); err != nil {
		t.Fatalf("SubmitOrder returned error: %v", err)
	}
	oldID := order.VenueID

	newLimit := decimal.RequireFromString("48")
	newQty := 8
	err := b.ModifyOrder(context.Background(), order, domain.OrderModification{
		Quantity:   &newQty,
		LimitPrice: &newLimit,
	})
	if err != nil {
		t.Fatalf("ModifyOrder returned error: %v", err)
	}

	if order.VenueID == oldID {
		t.Error("expected a fresh venue id after modify")
	}
	if order.Quantity != 8 {
		t.Errorf("Quantity = %d, want 8", order.Quantity)
	}
	if !order.LimitPrice.Equal(newLimit) {
		t.Errorf("LimitPrice = %s, want 48", order.LimitPrice)
	}
}

func TestSimulatorCancel(t *testing.T) {
	b := NewSimulatorBroker(testLogger())
	limit := decimal.RequireFromString("50")

	order := &domain.Order{
		ID: "ord-4", Symbol: "TSLA", Side: domain.OrderSideSell,
		Type: domain.OrderTypeLimit, Quantity: 5, LimitPrice: &limit,
	}
	if err := b.SubmitOrder(context.Background(), order); err != nil {
		t.Fatalf("SubmitOrder returned error: %v", err)
	}

	if err := b.CancelOrder(context.Background(), order); err != nil {
		t.Fatalf("CancelOrder returned error: %v", err)
	}
	if order.Status != domain.OrderStatusCancelled {
		t.Errorf("Status = %s, want cancelled", order.Status)
	}

	// Cancelling a terminal order is an error.
	if err := b.CancelOrder(context.Background(), order); err == nil {
		t.Error("expected error cancelling an already-cancelled order")
	}
}

func TestMapVenueStatus(t *testing.T) {
	cases := []struct {
		venue string
		want  domain.OrderStatus
	}{
		{"new", domain.OrderStatusSubmitted},
		{"accepted", domain.OrderStatusSubmitted},
		{"replaced", domain.OrderStatusSubmitted},
		{"partially_filled", domain.OrderStatusPartiallyFilled},
		{"filled", domain.OrderStatusFilled},
		{"pending_cancel", domain.OrderStatusSubmitted},
		{"canceled", domain.OrderStatusCancelled},
		{"expired", domain.OrderStatusCancelled},
		{"rejected", domain.OrderStatusRejected},
		{"something_unknown", domain.OrderStatusSubmitted},
	}
	for _, c := range cases {
		if got := mapVenueStatus(c.venue); got != c.want {
			t.Errorf("mapVenueStatus(%q) = %s, want %s", c.venue, got, c.want)
		}
	}
}

func TestBuildOrderRequestRejectsUnknownSide(t *testing.T) {
	_, err := buildOrderRequest(&domain.Order{
		ID: "x", Symbol: "AAPL", Side: "hold", Type: domain.OrderTypeMarket, Quantity: 1,
	})
	if err == nil {
		t.Error("expected error for unknown side")
	}
}

func TestBrokerNames(t *testing.T) {
	if got := NewSimulatorBroker(testLogger()).Name(); got != "simulator" {
		t.Errorf("SimulatorBroker.Name() = %q, want %q", got, "simulator")
	}
	venue := NewAlpacaVenue("key", "secret", "https://paper-api.alpaca.markets")
	if got := NewAlpacaBroker(venue, 60, testLogger()).Name(); got != "alpaca" {
		t.Errorf("AlpacaBroker.Name() = %q, want %q", got, "alpaca")
	}
}
