package risk

import (
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/shopspring/decimal"

	"autotrader/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func TestCalculateNormalRisk(t *testing.T) {
	s := NewSizer(d("10000"), testLogger())

	res, err := s.Calculate("AAPL", d("100"), d("95"), domain.RiskCategoryNormal)
	if err != nil {
		t.Fatalf("Calculate returned error: %v", err)
	}

	if !res.DollarRisk.Equal(d("200")) {
		t.Errorf("DollarRisk = %s, want 200", res.DollarRisk)
	}
	if !res.RiskPerShare.Equal(d("5")) {
		t.Errorf("RiskPerShare = %s, want 5", res.RiskPerShare)
	}
	if res.Shares != 40 {
		t.Errorf("Shares = %d, want 40", res.Shares)
	}
}

func TestCalculateCategoryTable(t *testing.T) {
	s := NewSizer(d("10000"), testLogger())

	cases := []struct {
		category domain.RiskCategory
		want     string
	}{
		{domain.RiskCategorySmall, "100"},
		{domain.RiskCategoryNormal, "200"},
		{domain.RiskCategoryLarge, "300"},
	}
	for _, c := range cases {
		res, err := s.Calculate("AAPL", d("50"), d("48"), c.category)
		if err != nil {
			t.Fatalf("Calculate(%s) returned error: %v", c.category, err)
		}
		if !res.DollarRisk.Equal(d(c.want)) {
			t.Errorf("DollarRisk(%s) = %s, want %s", c.category, res.DollarRisk, c.want)
		}
	}
}

func TestCalculateFloorsToWholeShares(t *testing.T) {
	s := NewSizer(d("10000"), testLogger())

	// 200 / 3 = 66.67 -> 66 shares.
	res, err := s.Calculate("AAPL", d("100"), d("97"), domain.RiskCategoryNormal)
	if err != nil {
		t.Fatalf("Calculate returned error: %v", err)
	}
	if res.Shares != 66 {
		t.Errorf("Shares = %d, want 66", res.Shares)
	}
}

func TestCalculateMinimumOneShare(t *testing.T) {
	// Tiny account: 2% of 100 = $2 risk against a $5 per-share distance
	// floors to zero, clamped to one share.
	s := NewSizer(d("100"), testLogger())

	res, err := s.Calculate("AAPL", d("100"), d("95"), domain.RiskCategoryNormal)
	if err != nil {
		t.Fatalf("Calculate returned error: %v", err)
	}
	if res.Shares != 1 {
		t.Errorf("Shares = %d, want 1", res.Shares)
	}
}

func TestCalculateInvalidInputs(t *testing.T) {
	s := NewSizer(d("10000"), testLogger())

	cases := []struct {
		name        string
		entry, stop string
	}{
		{"zero entry", "0", "95"},
		{"negative entry", "-1", "95"},
		{"zero stop", "100", "0"},
		{"equal levels", "100", "100"},
	}
	for _, c := range cases {
		_, err := s.Calculate("AAPL", d(c.entry), d(c.stop), domain.RiskCategoryNormal)
		var sizeErr *InvalidPositionSizeError
		if !errors.As(err, &sizeErr) {
			t.Errorf("%s: error = %v, want InvalidPositionSizeError", c.name, err)
		}
	}
}

func TestCalculateRejectsNonPositiveAccount(t *testing.T) {
	for _, account := range []string{"0", "-5000"} {
		s := NewSizer(d(account), testLogger())
		_, err := s.Calculate("AAPL", d("100"), d("95"), domain.RiskCategoryNormal)
		var sizeErr *InvalidPositionSizeError
		if !errors.As(err, &sizeErr) {
			t.Errorf("account %s: error = %v, want InvalidPositionSizeError", account, err)
		}
	}
}

func TestCalculateUnknownCategory(t *testing.T) {
	s := NewSizer(d("10000"), testLogger())

	_, err := s.Calculate("AAPL", d("100"), d("95"), domain.RiskCategory("huge"))
	var sizeErr *InvalidPositionSizeError
	if !errors.As(err, &sizeErr) {
		t.Errorf("error = %v, want InvalidPositionSizeError", err)
	}
}

func TestPreviewAll(t *testing.T) {
	s := NewSizer(d("10000"), testLogger())

	all, err := s.PreviewAll("AAPL", d("100"), d("95"))
	if err != nil {
		t.Fatalf("PreviewAll returned error: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("PreviewAll returned %d entries, want 3", len(all))
	}
	if all[domain.RiskCategorySmall].Shares != 20 {
		t.Errorf("small Shares = %d, want 20", all[domain.RiskCategorySmall].Shares)
	}
	if all[domain.RiskCategoryLarge].Shares != 60 {
		t.Errorf("large Shares = %d, want 60", all[domain.RiskCategoryLarge].Shares)
	}
}

func TestMaxSize(t *testing.T) {
	s := NewSizer(d("10000"), testLogger())

	max, err := s.MaxSize(d("333"))
	if err != nil {
		t.Fatalf("MaxSize returned error: %v", err)
	}
	if max != 30 {
		t.Errorf("MaxSize = %d, want 30", max)
	}

	if _, err := s.MaxSize(d("0")); err == nil {
		t.Error("expected error for non-positive entry price")
	}
}

func TestUpdateAccountValue(t *testing.T) {
	s := NewSizer(d("10000"), testLogger())
	s.UpdateAccountValue(d("20000"))

	res, err := s.Calculate("AAPL", d("100"), d("95"), domain.RiskCategoryNormal)
	if err != nil {
		t.Fatalf("Calculate returned error: %v", err)
	}
	if !res.DollarRisk.Equal(d("400")) {
		t.Errorf("DollarRisk = %s, want 400 after account update", res.DollarRisk)
	}
}
