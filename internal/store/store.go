// Package store persists the order event journal and the terminal fill
// archive: SQLite for the append-only event log, Parquet for per-day fill
// records.
package store

import (
	"context"
	"time"

	"autotrader/internal/domain"
)

// EventStore is an append-only journal of order lifecycle events.
type EventStore interface {
	// Append records a single event.
	Append(ctx context.Context, event domain.OrderEvent) error

	// ListByOrder returns all events for an order, oldest first.
	ListByOrder(ctx context.Context, orderID string) ([]domain.OrderEvent, error)

	// Close releases the underlying storage.
	Close() error
}

// FillStore archives executed fills for later analysis.
type FillStore interface {
	// RecordEvent archives the fill carried by the event; non-fill events
	// are ignored.
	RecordEvent(ctx context.Context, event domain.OrderEvent) error

	// ReadDay returns the fills archived for the given UTC day.
	ReadDay(ctx context.Context, day time.Time) ([]FillRecord, error)
}
