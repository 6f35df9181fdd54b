package risk

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// PortfolioTracker maintains the registry of open position risk and enforces
// the total portfolio risk limit. Every mutation is written through to disk
// so the registry survives restarts.
type PortfolioTracker struct {
	mu           sync.Mutex
	positions    map[string]PositionRiskEntry
	accountValue decimal.Decimal
	maxRiskPct   decimal.Decimal

	path   string
	backup *backupper
	logger *slog.Logger
}

// NewPortfolioTracker creates a tracker persisting to path. Existing state
// is loaded; a corrupt registry falls back to the newest backup before
// starting empty.
func NewPortfolioTracker(path string, accountValue, maxRiskPct decimal.Decimal, retention int, logger *slog.Logger) (*PortfolioTracker, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating state dir: %w", err)
	}

	t := &PortfolioTracker{
		positions:    make(map[string]PositionRiskEntry),
		accountValue: accountValue,
		maxRiskPct:   maxRiskPct,
		path:         path,
		backup:       newBackupper(path, retention, logger),
		logger:       logger,
	}
	t.load()
	return t, nil
}

// UpdateAccountValue replaces the account value used for percent math.
func (t *PortfolioTracker) UpdateAccountValue(v decimal.Decimal) {
	t.mu.Lock()
	t.accountValue = v
	t.mu.Unlock()
}

// AddPosition registers an open position's risk and persists the registry.
func (t *PortfolioTracker) AddPosition(entry PositionRiskEntry) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if entry.RegisteredAt.IsZero() {
		entry.RegisteredAt = time.Now().UTC()
	}
	t.positions[entry.OrderID] = entry
	t.logger.Info("position risk registered",
		"order_id", entry.OrderID,
		"symbol", entry.Symbol,
		"dollar_risk", entry.DollarRisk.String(),
		"open_positions", len(t.positions))
	return t.persistLocked()
}

// RemovePosition drops a position from the registry and persists. Removing
// an unknown id is a no-op.
func (t *PortfolioTracker) RemovePosition(orderID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.positions[orderID]; !ok {
		return nil
	}
	delete(t.positions, orderID)
	t.logger.Info("position risk released",
		"order_id", orderID,
		"open_positions", len(t.positions))
	return t.persistLocked()
}

// CurrentRiskPercent returns total open risk as percent of account value,
// rounded to 2 decimals for display. Limit checks use the exact value.
func (t *PortfolioTracker) CurrentRiskPercent() decimal.Decimal {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.currentRiskPercentLocked().Round(2)
}

func (t *PortfolioTracker) currentRiskPercentLocked() decimal.Decimal {
	if t.accountValue.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero
	}
	total := decimal.Zero
	for _, p := range t.positions {
		total = total.Add(p.DollarRisk)
	}
	return total.Div(t.accountValue).Mul(decimal.NewFromInt(100))
}

// CheckNewTradeRisk reports whether a trade risking dollarRisk fits under
// the portfolio limit. A total exactly at the limit passes.
func (t *PortfolioTracker) CheckNewTradeRisk(dollarRisk decimal.Decimal) RiskCheck {
	t.mu.Lock()
	defer t.mu.Unlock()

	current := t.currentRiskPercentLocked()
	newRisk := decimal.Zero
	if t.accountValue.GreaterThan(decimal.Zero) {
		newRisk = dollarRisk.Div(t.accountValue).Mul(decimal.NewFromInt(100))
	}
	total := current.Add(newRisk)

	check := RiskCheck{
		Passed:       total.LessThanOrEqual(t.maxRiskPct),
		CurrentRisk:  current,
		NewTradeRisk: newRisk,
		TotalRisk:    total,
		Limit:        t.maxRiskPct,
	}
	if !check.Passed {
		check.Reason = fmt.Sprintf("total risk %s%% would exceed limit %s%%",
			total.Round(2), t.maxRiskPct)
	}
	return check
}

// Positions returns a copy of the registry.
func (t *PortfolioTracker) Positions() map[string]PositionRiskEntry {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make(map[string]PositionRiskEntry, len(t.positions))
	for id, p := range t.positions {
		out[id] = p
	}
	return out
}

// PositionsBySymbol returns the registered entries for one symbol.
func (t *PortfolioTracker) PositionsBySymbol(symbol string) []PositionRiskEntry {
	t.mu.Lock()
	defer t.mu.Unlock()

	var out []PositionRiskEntry
	for _, p := range t.positions {
		if p.Symbol == symbol {
			out = append(out, p)
		}
	}
	return out
}

// ClearAll empties the registry and persists the empty state.
func (t *PortfolioTracker) ClearAll() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.positions = make(map[string]PositionRiskEntry)
	t.logger.Warn("position risk registry cleared")
	return t.persistLocked()
}

// Summary returns a report of the registry for logging or serving.
func (t *PortfolioTracker) Summary() map[string]any {
	t.mu.Lock()
	defer t.mu.Unlock()

	totalDollar := decimal.Zero
	for _, p := range t.positions {
		totalDollar = totalDollar.Add(p.DollarRisk)
	}
	return map[string]any{
		"open_positions":    len(t.positions),
		"total_dollar_risk": totalDollar.String(),
		"current_risk_pct":  t.currentRiskPercentLocked().Round(2).String(),
		"max_risk_pct":      t.maxRiskPct.String(),
		"account_value":     t.accountValue.String(),
	}
}

// load restores the registry from disk, falling back to the newest backup
// when the primary file is corrupt.
func (t *PortfolioTracker) load() {
	if t.loadFrom(t.path) {
		return
	}
	for _, candidate := range t.backup.list() {
		if t.loadFrom(candidate) {
			t.logger.Warn("position registry restored from backup", "path", candidate)
			return
		}
	}
}

func (t *PortfolioTracker) loadFrom(path string) bool {
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			t.logger.Warn("position registry unreadable", "path", path, "error", err)
		}
		return false
	}

	var state PortfolioState
	if err := json.Unmarshal(data, &state); err != nil {
		t.logger.Warn("position registry corrupt", "path", path, "error", err)
		return false
	}
	if state.Positions == nil {
		state.Positions = make(map[string]PositionRiskEntry)
	}
	t.positions = state.Positions
	t.logger.Info("position registry loaded", "path", path, "open_positions", len(t.positions))
	return true
}

// persistLocked backs up the previous registry file, then writes the new
// state atomically. The caller holds t.mu.
func (t *PortfolioTracker) persistLocked() error {
	if err := t.backup.create(); err != nil {
		t.logger.Warn("position registry backup failed", "error", err)
	}

	state := PortfolioState{
		Positions:    t.positions,
		TotalRiskPct: t.currentRiskPercentLocked().Round(4),
		AccountValue: t.accountValue,
		UpdatedAt:    time.Now().UTC(),
	}
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling position registry: %w", err)
	}

	tmp := t.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("writing position registry: %w", err)
	}
	if err := os.Rename(tmp, t.path); err != nil {
		return fmt.Errorf("replacing position registry: %w", err)
	}
	return nil
}
