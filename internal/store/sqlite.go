package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"autotrader/internal/domain"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver.
)

// Compile-time interface check.
var _ EventStore = (*EventJournal)(nil)

const eventSchema = `
CREATE TABLE IF NOT EXISTS order_events (
	event_id      TEXT PRIMARY KEY,
	order_id      TEXT NOT NULL,
	trade_plan_id TEXT,
	event_type    TEXT NOT NULL,
	old_status    TEXT,
	new_status    TEXT NOT NULL,
	fill_quantity INTEGER,
	fill_price    TEXT,
	commission    TEXT,
	event_data    TEXT,
	error_message TEXT,
	timestamp     TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_order_events_order_id ON order_events(order_id);
CREATE INDEX IF NOT EXISTS idx_order_events_timestamp ON order_events(timestamp);
`

// EventJournal is an append-only SQLite log of order lifecycle events.
type EventJournal struct {
	db *sql.DB
}

// NewEventJournal opens (or creates) the journal database at dbPath.
func NewEventJournal(dbPath string) (*EventJournal, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}

	// WAL keeps journal appends from blocking readers.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("applying %s: %w", p, err)
		}
	}

	if _, err := db.Exec(eventSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating order_events schema: %w", err)
	}

	return &EventJournal{db: db}, nil
}

// Close closes the underlying database.
func (j *EventJournal) Close() error {
	return j.db.Close()
}

// Append records a single event.
func (j *EventJournal) Append(ctx context.Context, event domain.OrderEvent) error {
	var oldStatus any
	if event.OldStatus != nil {
		oldStatus = string(*event.OldStatus)
	}
	var fillQty any
	if event.FillQuantity != nil {
		fillQty = *event.FillQuantity
	}
	var fillPrice any
	if event.FillPrice != nil {
		fillPrice = event.FillPrice.String()
	}
	var commission any
	if event.Commission != nil {
		commission = event.Commission.String()
	}
	var payload any
	if len(event.Payload) > 0 {
		data, err := json.Marshal(event.Payload)
		if err != nil {
			return fmt.Errorf("marshaling event payload: %w", err)
		}
		payload = string(data)
	}

	_, err := j.db.ExecContext(ctx, `
		INSERT INTO order_events (
			event_id, order_id, trade_plan_id, event_type,
			old_status, new_status, fill_quantity, fill_price,
			commission, event_data, error_message, timestamp
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		event.EventID, event.OrderID, event.TradePlanID, string(event.Type),
		oldStatus, string(event.NewStatus), fillQty, fillPrice,
		commission, payload, event.ErrorMessage, event.Timestamp.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("appending order event: %w", err)
	}
	return nil
}

// ListByOrder returns all events for an order, oldest first.
func (j *EventJournal) ListByOrder(ctx context.Context, orderID string) ([]domain.OrderEvent, error) {
	rows, err := j.db.QueryContext(ctx, `
		SELECT event_id, order_id, trade_plan_id, event_type,
		       old_status, new_status, fill_quantity, fill_price,
		       commission, event_data, error_message, timestamp
		FROM order_events
		WHERE order_id = ?
		ORDER BY timestamp ASC`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []domain.OrderEvent
	for rows.Next() {
		var (
			e          domain.OrderEvent
			eventType  string
			oldStatus  sql.NullString
			newStatus  string
			fillQty    sql.NullInt64
			fillPrice  sql.NullString
			commission sql.NullString
			payload    sql.NullString
			timestamp  string
		)
		if err := rows.Scan(
			&e.EventID, &e.OrderID, &e.TradePlanID, &eventType,
			&oldStatus, &newStatus, &fillQty, &fillPrice,
			&commission, &payload, &e.ErrorMessage, &timestamp,
		); err != nil {
			return nil, err
		}

		e.Type = domain.EventType(eventType)
		e.NewStatus = domain.OrderStatus(newStatus)
		if oldStatus.Valid {
			s := domain.OrderStatus(oldStatus.String)
			e.OldStatus = &s
		}
		if fillQty.Valid {
			q := int(fillQty.Int64)
			e.FillQuantity = &q
		}
		if fillPrice.Valid {
			p, err := decimal.NewFromString(fillPrice.String)
			if err != nil {
				return nil, fmt.Errorf("parsing fill price %q: %w", fillPrice.String, err)
			}
			e.FillPrice = &p
		}
		if commission.Valid {
			c, err := decimal.NewFromString(commission.String)
			if err != nil {
				return nil, fmt.Errorf("parsing commission %q: %w", commission.String, err)
			}
			e.Commission = &c
		}
		if payload.Valid {
			if err := json.Unmarshal([]byte(payload.String), &e.Payload); err != nil {
				return nil, fmt.Errorf("parsing event payload: %w", err)
			}
		}
		ts, err := time.Parse(time.RFC3339Nano, timestamp)
		if err != nil {
			return nil, fmt.Errorf("parsing event timestamp %q: %w", timestamp, err)
		}
		e.Timestamp = ts

		events = append(events, e)
	}
	return events, rows.Err()
}

// CountByType returns the number of journal entries per event type.
func (j *EventJournal) CountByType(ctx context.Context) (map[domain.EventType]int, error) {
	rows, err := j.db.QueryContext(ctx,
		`SELECT event_type, COUNT(*) FROM order_events GROUP BY event_type`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[domain.EventType]int)
	for rows.Next() {
		var t string
		var n int
		if err := rows.Scan(&t, &n); err != nil {
			return nil, err
		}
		counts[domain.EventType(t)] = n
	}
	return counts, rows.Err()
}
