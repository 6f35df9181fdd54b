package risk

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func newTestTracker(t *testing.T, dir string) *PortfolioTracker {
	t.Helper()
	tracker, err := NewPortfolioTracker(
		filepath.Join(dir, "position_registry.json"),
		d("10000"), d("10.0"), 3, testLogger())
	if err != nil {
		t.Fatalf("NewPortfolioTracker returned error: %v", err)
	}
	return tracker
}

func entry(orderID, symbol, dollarRisk string) PositionRiskEntry {
	return PositionRiskEntry{
		OrderID:    orderID,
		Symbol:     symbol,
		Shares:     10,
		EntryPrice: d("100"),
		StopPrice:  d("95"),
		DollarRisk: d(dollarRisk),
	}
}

func TestAddRemovePosition(t *testing.T) {
	tracker := newTestTracker(t, t.TempDir())

	if err := tracker.AddPosition(entry("o1", "AAPL", "200")); err != nil {
		t.Fatalf("AddPosition returned error: %v", err)
	}
	if got := tracker.CurrentRiskPercent(); !got.Equal(d("2")) {
		t.Errorf("CurrentRiskPercent = %s, want 2", got)
	}

	if err := tracker.RemovePosition("o1"); err != nil {
		t.Fatalf("RemovePosition returned error: %v", err)
	}
	if got := tracker.CurrentRiskPercent(); !got.IsZero() {
		t.Errorf("CurrentRiskPercent = %s, want 0", got)
	}

	// Removing an unknown id is a no-op.
	if err := tracker.RemovePosition("missing"); err != nil {
		t.Errorf("RemovePosition(missing) returned error: %v", err)
	}
}

func TestCheckNewTradeRiskBoundary(t *testing.T) {
	tracker := newTestTracker(t, t.TempDir())

	// 9% open risk; a new 1% trade lands exactly on the 10% limit and
	// must pass.
	if err := tracker.AddPosition(entry("o1", "AAPL", "900")); err != nil {
		t.Fatal(err)
	}

	check := tracker.CheckNewTradeRisk(d("100"))
	if !check.Passed {
		t.Errorf("exactly-at-limit trade rejected: %+v", check)
	}
	if !check.TotalRisk.Equal(d("10")) {
		t.Errorf("TotalRisk = %s, want 10", check.TotalRisk)
	}
}

func TestCheckNewTradeRiskRejects(t *testing.T) {
	tracker := newTestTracker(t, t.TempDir())

	if err := tracker.AddPosition(entry("o1", "AAPL", "900")); err != nil {
		t.Fatal(err)
	}

	// 9% + 1.5% = 10.5% > 10%.
	check := tracker.CheckNewTradeRisk(d("150"))
	if check.Passed {
		t.Fatal("over-limit trade passed")
	}
	if !check.CurrentRisk.Equal(d("9")) {
		t.Errorf("CurrentRisk = %s, want 9", check.CurrentRisk)
	}
	if !check.NewTradeRisk.Equal(d("1.5")) {
		t.Errorf("NewTradeRisk = %s, want 1.5", check.NewTradeRisk)
	}
	if !check.Limit.Equal(d("10.0")) {
		t.Errorf("Limit = %s, want 10.0", check.Limit)
	}
	if check.Reason == "" {
		t.Error("rejection must carry a reason")
	}
}

func TestReportedPercentagesRoundToCents(t *testing.T) {
	tracker := newTestTracker(t, t.TempDir())

	// $333.33 of $10k is 3.3333%; reported values carry 2 decimals while
	// the limit check stays exact.
	if err := tracker.AddPosition(entry("o1", "AAPL", "333.33")); err != nil {
		t.Fatal(err)
	}

	if got := tracker.CurrentRiskPercent(); !got.Equal(d("3.33")) {
		t.Errorf("CurrentRiskPercent = %s, want 3.33", got)
	}
	sum := tracker.Summary()
	if sum["current_risk_pct"] != "3.33" {
		t.Errorf("current_risk_pct = %v, want 3.33", sum["current_risk_pct"])
	}

	err := &PortfolioRiskExceededError{
		CurrentRisk: d("3.3333"),
		NewRisk:     d("7.7777"),
		TotalRisk:   d("11.111"),
		Limit:       d("10"),
	}
	want := "portfolio risk limit exceeded: current 3.33% + new 7.78% = 11.11% > limit 10%"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
}

func TestPositionsBySymbol(t *testing.T) {
	tracker := newTestTracker(t, t.TempDir())

	tracker.AddPosition(entry("o1", "AAPL", "100"))
	tracker.AddPosition(entry("o2", "AAPL", "100"))
	tracker.AddPosition(entry("o3", "MSFT", "100"))

	if got := tracker.PositionsBySymbol("AAPL"); len(got) != 2 {
		t.Errorf("PositionsBySymbol(AAPL) returned %d entries, want 2", len(got))
	}
	if got := tracker.PositionsBySymbol("TSLA"); len(got) != 0 {
		t.Errorf("PositionsBySymbol(TSLA) returned %d entries, want 0", len(got))
	}
}

func TestRegistryPersistsAcrossRestart(t *testing.T) {
	dir := t.TempDir()

	tracker := newTestTracker(t, dir)
	if err := tracker.AddPosition(entry("o1", "AAPL", "200")); err != nil {
		t.Fatal(err)
	}

	reopened := newTestTracker(t, dir)
	positions := reopened.Positions()
	if len(positions) != 1 {
		t.Fatalf("reopened registry has %d positions, want 1", len(positions))
	}
	if !positions["o1"].DollarRisk.Equal(d("200")) {
		t.Errorf("DollarRisk = %s, want 200", positions["o1"].DollarRisk)
	}
}

func TestRegistryCorruptFallsBackToBackup(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "position_registry.json")

	tracker := newTestTracker(t, dir)
	tracker.AddPosition(entry("o1", "AAPL", "200"))
	// Second write creates a backup of the first state.
	tracker.AddPosition(entry("o2", "MSFT", "300"))

	if err := os.WriteFile(path, []byte("{corrupt"), 0o644); err != nil {
		t.Fatal(err)
	}

	reopened := newTestTracker(t, dir)
	positions := reopened.Positions()
	if len(positions) == 0 {
		t.Fatal("expected positions restored from backup")
	}
	if _, ok := positions["o1"]; !ok {
		t.Error("backup state should contain o1")
	}
}

func TestBackupRotation(t *testing.T) {
	dir := t.TempDir()
	tracker := newTestTracker(t, dir) // retention 3

	// Backups carry second-resolution timestamps; identical names
	// overwrite, so the count can only stay within retention.
	for i := 0; i < 6; i++ {
		tracker.AddPosition(entry("o"+string(rune('a'+i)), "AAPL", "10"))
		time.Sleep(10 * time.Millisecond)
	}

	backups := tracker.backup.list()
	if len(backups) > 3 {
		t.Errorf("found %d backups, want at most 3", len(backups))
	}
}

func TestClearAll(t *testing.T) {
	tracker := newTestTracker(t, t.TempDir())
	tracker.AddPosition(entry("o1", "AAPL", "200"))

	if err := tracker.ClearAll(); err != nil {
		t.Fatalf("ClearAll returned error: %v", err)
	}
	if len(tracker.Positions()) != 0 {
		t.Error("registry should be empty after ClearAll")
	}
}

func TestSummary(t *testing.T) {
	tracker := newTestTracker(t, t.TempDir())
	tracker.AddPosition(entry("o1", "AAPL", "250"))

	sum := tracker.Summary()
	if sum["open_positions"] != 1 {
		t.Errorf("open_positions = %v, want 1", sum["open_positions"])
	}
	if sum["total_dollar_risk"] != "250" {
		t.Errorf("total_dollar_risk = %v, want 250", sum["total_dollar_risk"])
	}
}
