package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"autotrader/internal/domain"
)

func newTestJournal(t *testing.T) *EventJournal {
	t.Helper()
	j, err := NewEventJournal(filepath.Join(t.TempDir(), "events.db"))
	if err != nil {
		t.Fatalf("NewEventJournal: %v", err)
	}
	t.Cleanup(func() { j.Close() })
	return j
}

func fillEvent(orderID string, qty int, price string, at time.Time) domain.OrderEvent {
	p := decimal.RequireFromString(price)
	old := domain.OrderStatusPartiallyFilled
	return domain.OrderEvent{
		EventID:      orderID + "-fill",
		OrderID:      orderID,
		TradePlanID:  "plan-1",
		Type:         domain.EventOrderFilled,
		OldStatus:    &old,
		NewStatus:    domain.OrderStatusFilled,
		FillQuantity: &qty,
		FillPrice:    &p,
		Payload: map[string]any{
			"symbol":   "AAPL",
			"side":     "buy",
			"venue_id": "V-" + orderID,
		},
		Timestamp: at,
	}
}

func TestEventJournalRoundTrip(t *testing.T) {
	j := newTestJournal(t)
	ctx := context.Background()

	base := time.Date(2025, 3, 10, 14, 30, 0, 0, time.UTC)
	event := fillEvent("ord-1", 100, "185.42", base)
	if err := j.Append(ctx, event); err != nil {
		t.Fatalf("Append: %v", err)
	}

	events, err := j.ListByOrder(ctx, "ord-1")
	if err != nil {
		t.Fatalf("ListByOrder: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("got %d events, want 1", len(events))
	}

	got := events[0]
	if got.EventID != event.EventID || got.OrderID != "ord-1" || got.TradePlanID != "plan-1" {
		t.Errorf("identity fields mismatch: %+v", got)
	}
	if got.Type != domain.EventOrderFilled || got.NewStatus != domain.OrderStatusFilled {
		t.Errorf("type/status mismatch: type=%s status=%s", got.Type, got.NewStatus)
	}
	if got.OldStatus == nil || *got.OldStatus != domain.OrderStatusPartiallyFilled {
		t.Errorf("old status not preserved: %v", got.OldStatus)
	}
	if got.FillQuantity == nil || *got.FillQuantity != 100 {
		t.Errorf("fill quantity not preserved: %v", got.FillQuantity)
	}
	if got.FillPrice == nil || !got.FillPrice.Equal(decimal.RequireFromString("185.42")) {
		t.Errorf("fill price not preserved: %v", got.FillPrice)
	}
	if got.Payload["symbol"] != "AAPL" || got.Payload["side"] != "buy" {
		t.Errorf("payload not preserved: %v", got.Payload)
	}
	if !got.Timestamp.Equal(base) {
		t.Errorf("timestamp mismatch: got %s want %s", got.Timestamp, base)
	}
}

func TestEventJournalOrdering(t *testing.T) {
	j := newTestJournal(t)
	ctx := context.Background()

	base := time.Date(2025, 3, 10, 9, 30, 0, 0, time.UTC)
	old := domain.OrderStatusPending
	// Appended out of order; ListByOrder must return oldest first.
	events := []domain.OrderEvent{
		{EventID: "e2", OrderID: "ord-1", Type: domain.EventStatusUpdate, OldStatus: &old, NewStatus: domain.OrderStatusSubmitted, Timestamp: base.Add(time.Minute)},
		{EventID: "e1", OrderID: "ord-1", Type: domain.EventOrderSubmitted, NewStatus: domain.OrderStatusPending, Timestamp: base},
		{EventID: "e3", OrderID: "ord-1", Type: domain.EventOrderCancelled, NewStatus: domain.OrderStatusCancelled, Timestamp: base.Add(2 * time.Minute)},
		{EventID: "other", OrderID: "ord-2", Type: domain.EventOrderSubmitted, NewStatus: domain.OrderStatusPending, Timestamp: base},
	}
	for _, e := range events {
		if err := j.Append(ctx, e); err != nil {
			t.Fatalf("Append(%s): %v", e.EventID, err)
		}
	}

	got, err := j.ListByOrder(ctx, "ord-1")
	if err != nil {
		t.Fatalf("ListByOrder: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("got %d events, want 3", len(got))
	}
	for i, want := range []string{"e1", "e2", "e3"} {
		if got[i].EventID != want {
			t.Errorf("event %d: got %s, want %s", i, got[i].EventID, want)
		}
	}

	counts, err := j.CountByType(ctx)
	if err != nil {
		t.Fatalf("CountByType: %v", err)
	}
	if counts[domain.EventOrderSubmitted] != 2 || counts[domain.EventOrderCancelled] != 1 {
		t.Errorf("unexpected counts: %v", counts)
	}
}

func TestEventJournalUnknownOrder(t *testing.T) {
	j := newTestJournal(t)

	events, err := j.ListByOrder(context.Background(), "nope")
	if err != nil {
		t.Fatalf("ListByOrder: %v", err)
	}
	if len(events) != 0 {
		t.Errorf("got %d events for unknown order, want 0", len(events))
	}
}

func TestFillArchiveRecordAndRead(t *testing.T) {
	dir := t.TempDir()
	archive := NewFillArchive(dir)
	ctx := context.Background()

	day := time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC)
	if err := archive.RecordEvent(ctx, fillEvent("ord-1", 100, "185.42", day.Add(14*time.Hour))); err != nil {
		t.Fatalf("RecordEvent: %v", err)
	}
	if err := archive.RecordEvent(ctx, fillEvent("ord-2", 50, "90.10", day.Add(15*time.Hour))); err != nil {
		t.Fatalf("RecordEvent: %v", err)
	}

	fills, err := archive.ReadDay(ctx, day)
	if err != nil {
		t.Fatalf("ReadDay: %v", err)
	}
	if len(fills) != 2 {
		t.Fatalf("got %d fills, want 2", len(fills))
	}
	if fills[0].OrderID != "ord-1" || fills[1].OrderID != "ord-2" {
		t.Errorf("fills out of order: %s, %s", fills[0].OrderID, fills[1].OrderID)
	}
	first := fills[0]
	if first.Symbol != "AAPL" || first.Side != "buy" || first.VenueID != "V-ord-1" {
		t.Errorf("payload fields not archived: %+v", first)
	}
	if first.Quantity != 100 || first.FillPrice != 185.42 {
		t.Errorf("fill fields mismatch: qty=%d price=%v", first.Quantity, first.FillPrice)
	}
}

func TestFillArchiveDeduplicatesByOrder(t *testing.T) {
	dir := t.TempDir()
	archive := NewFillArchive(dir)
	ctx := context.Background()

	at := time.Date(2025, 3, 10, 14, 0, 0, 0, time.UTC)
	if err := archive.RecordEvent(ctx, fillEvent("ord-1", 100, "185.42", at)); err != nil {
		t.Fatalf("RecordEvent: %v", err)
	}
	// Re-archiving the same order replaces rather than duplicates.
	if err := archive.RecordEvent(ctx, fillEvent("ord-1", 100, "185.50", at)); err != nil {
		t.Fatalf("RecordEvent: %v", err)
	}

	fills, err := archive.ReadDay(ctx, at)
	if err != nil {
		t.Fatalf("ReadDay: %v", err)
	}
	if len(fills) != 1 {
		t.Fatalf("got %d fills, want 1", len(fills))
	}
	if fills[0].FillPrice != 185.50 {
		t.Errorf("latest record should win: price=%v", fills[0].FillPrice)
	}
}

func TestFillArchiveIgnoresNonFillEvents(t *testing.T) {
	dir := t.TempDir()
	archive := NewFillArchive(dir)
	ctx := context.Background()

	at := time.Date(2025, 3, 10, 14, 0, 0, 0, time.UTC)
	event := domain.OrderEvent{
		EventID:   "e1",
		OrderID:   "ord-1",
		Type:      domain.EventOrderSubmitted,
		NewStatus: domain.OrderStatusPending,
		Timestamp: at,
	}
	if err := archive.RecordEvent(ctx, event); err != nil {
		t.Fatalf("RecordEvent: %v", err)
	}

	fills, err := archive.ReadDay(ctx, at)
	if err != nil {
		t.Fatalf("ReadDay: %v", err)
	}
	if len(fills) != 0 {
		t.Errorf("non-fill event should not be archived, got %d fills", len(fills))
	}
}

func TestFillArchiveMissingDay(t *testing.T) {
	archive := NewFillArchive(t.TempDir())

	fills, err := archive.ReadDay(context.Background(), time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("ReadDay: %v", err)
	}
	if fills != nil {
		t.Errorf("expected no fills for missing day, got %v", fills)
	}
}
