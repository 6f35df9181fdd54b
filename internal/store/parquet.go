package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/parquet-go/parquet-go"

	"autotrader/internal/domain"
)

// Compile-time interface check.
var _ FillStore = (*FillArchive)(nil)

// FillRecord is the Parquet schema for executed fills.
type FillRecord struct {
	OrderID     string  `parquet:"order_id"`
	VenueID     string  `parquet:"venue_id"`
	TradePlanID string  `parquet:"trade_plan_id"`
	Symbol      string  `parquet:"symbol"`
	Side        string  `parquet:"side"`
	Quantity    int64   `parquet:"quantity"`
	FillPrice   float64 `parquet:"fill_price"`
	Timestamp   int64   `parquet:"timestamp,timestamp(millisecond)"` // Unix ms
}

// FillArchive persists completed fills to per-day Parquet files for offline
// analysis. Layout: <DataDir>/fills/<YYYY-MM-DD>.parquet
type FillArchive struct {
	DataDir string
}

// NewFillArchive creates a FillArchive rooted at the given data directory.
func NewFillArchive(dataDir string) *FillArchive {
	return &FillArchive{DataDir: dataDir}
}

// RecordEvent archives the fill described by event. Events that are not
// terminal fills are ignored, so the archive can be wired directly as an
// event subscriber.
func (a *FillArchive) RecordEvent(_ context.Context, event domain.OrderEvent) error {
	if event.Type != domain.EventOrderFilled || event.NewStatus != domain.OrderStatusFilled {
		return nil
	}

	record := FillRecord{
		OrderID:     event.OrderID,
		TradePlanID: event.TradePlanID,
		Timestamp:   event.Timestamp.UnixMilli(),
	}
	if event.FillQuantity != nil {
		record.Quantity = int64(*event.FillQuantity)
	}
	if event.FillPrice != nil {
		record.FillPrice = event.FillPrice.InexactFloat64()
	}
	if v, ok := event.Payload["venue_id"].(string); ok {
		record.VenueID = v
	}
	if v, ok := event.Payload["symbol"].(string); ok {
		record.Symbol = v
	}
	if v, ok := event.Payload["side"].(string); ok {
		record.Side = v
	}

	path := a.fillPath(event.Timestamp)

	existing, _ := readParquetFile[FillRecord](path)
	merged := mergeFillRecords(existing, []FillRecord{record})

	if err := writeParquetFile(path, merged); err != nil {
		return fmt.Errorf("archiving fill for order %s: %w", event.OrderID, err)
	}
	return nil
}

// ReadDay reads all archived fills for the given day, sorted by timestamp.
func (a *FillArchive) ReadDay(_ context.Context, day time.Time) ([]FillRecord, error) {
	records, err := readParquetFile[FillRecord](a.fillPath(day))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	return records, nil
}

// fillPath returns the filesystem path for a day's fill Parquet file.
func (a *FillArchive) fillPath(t time.Time) string {
	date := t.UTC().Format("2006-01-02")
	return filepath.Join(a.DataDir, "fills", date+".parquet")
}

func writeParquetFile[T any](path string, records []T) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return parquet.WriteFile(path, records)
}

func readParquetFile[T any](path string) ([]T, error) {
	rows, err := parquet.ReadFile[T](path)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// mergeFillRecords deduplicates fill records by order id, preferring new
// records over existing ones. Results are sorted by timestamp.
func mergeFillRecords(existing, incoming []FillRecord) []FillRecord {
	seen := make(map[string]FillRecord, len(existing)+len(incoming))
	for _, r := range existing {
		seen[r.OrderID] = r
	}
	for _, r := range incoming {
		seen[r.OrderID] = r
	}

	merged := make([]FillRecord, 0, len(seen))
	for _, r := range seen {
		merged = append(merged, r)
	}
	sort.Slice(merged, func(i, j int) bool {
		if merged[i].Timestamp != merged[j].Timestamp {
			return merged[i].Timestamp < merged[j].Timestamp
		}
		return merged[i].OrderID < merged[j].OrderID
	})
	return merged
}
