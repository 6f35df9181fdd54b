package risk

import (
	"log/slog"
	"sync"

	"github.com/shopspring/decimal"

	"autotrader/internal/domain"
)

// riskPercentByCategory maps a risk category to the percent of account
// value put at risk on a single trade.
var riskPercentByCategory = map[domain.RiskCategory]decimal.Decimal{
	domain.RiskCategorySmall:  decimal.NewFromInt(1),
	domain.RiskCategoryNormal: decimal.NewFromInt(2),
	domain.RiskCategoryLarge:  decimal.NewFromInt(3),
}

// Sizer converts a trade plan's entry and stop levels into a whole-share
// position size based on the account value and risk category.
type Sizer struct {
	mu           sync.Mutex
	accountValue decimal.Decimal
	logger       *slog.Logger
}

// NewSizer creates a Sizer for the given account value.
func NewSizer(accountValue decimal.Decimal, logger *slog.Logger) *Sizer {
	return &Sizer{accountValue: accountValue, logger: logger}
}

// UpdateAccountValue replaces the account value used for sizing.
func (s *Sizer) UpdateAccountValue(v decimal.Decimal) {
	s.mu.Lock()
	s.accountValue = v
	s.mu.Unlock()
}

// AccountValue returns the account value currently used for sizing.
func (s *Sizer) AccountValue() decimal.Decimal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accountValue
}

// Calculate sizes a position: the category's percent of account value is
// the dollar risk, divided by the entry-to-stop distance and floored to
// whole shares. A size that floors to zero becomes one share.
func (s *Sizer) Calculate(symbol string, entry, stop decimal.Decimal, category domain.RiskCategory) (*PositionSizeResult, error) {
	if err := validateLevels(entry, stop); err != nil {
		return nil, err
	}

	pct, ok := riskPercentByCategory[category]
	if !ok {
		return nil, &InvalidPositionSizeError{
			Reason:     "unknown risk category " + string(category),
			EntryPrice: entry,
			StopPrice:  stop,
		}
	}

	s.mu.Lock()
	account := s.accountValue
	s.mu.Unlock()

	if account.LessThanOrEqual(decimal.Zero) {
		return nil, &InvalidPositionSizeError{
			Reason:     "account value must be positive",
			EntryPrice: entry,
			StopPrice:  stop,
		}
	}

	dollarRisk := account.Mul(pct).Div(decimal.NewFromInt(100)).Round(2)
	riskPerShare := entry.Sub(stop).Abs()

	shares := int(dollarRisk.Div(riskPerShare).IntPart())
	if shares < 1 {
		shares = 1
	}

	result := &PositionSizeResult{
		Symbol:       symbol,
		RiskCategory: category,
		Shares:       shares,
		DollarRisk:   dollarRisk,
		RiskPerShare: riskPerShare,
		EntryPrice:   entry,
		StopPrice:    stop,
	}

	s.logger.Debug("position sized",
		"symbol", symbol,
		"category", category,
		"shares", shares,
		"dollar_risk", dollarRisk.String(),
		"risk_per_share", riskPerShare.String())
	return result, nil
}

// PreviewAll sizes the trade under every risk category, for display before
// a plan is committed.
func (s *Sizer) PreviewAll(symbol string, entry, stop decimal.Decimal) (map[domain.RiskCategory]*PositionSizeResult, error) {
	if err := validateLevels(entry, stop); err != nil {
		return nil, err
	}

	out := make(map[domain.RiskCategory]*PositionSizeResult, len(riskPercentByCategory))
	for category := range riskPercentByCategory {
		res, err := s.Calculate(symbol, entry, stop, category)
		if err != nil {
			return nil, err
		}
		out[category] = res
	}
	return out, nil
}

// MaxSize returns the largest whole-share position the account value can
// pay for at the given entry price.
func (s *Sizer) MaxSize(entry decimal.Decimal) (int, error) {
	if entry.LessThanOrEqual(decimal.Zero) {
		return 0, &InvalidPositionSizeError{
			Reason:     "entry price must be positive",
			EntryPrice: entry,
		}
	}

	s.mu.Lock()
	account := s.accountValue
	s.mu.Unlock()

	return int(account.Div(entry).IntPart()), nil
}

func validateLevels(entry, stop decimal.Decimal) error {
	if entry.LessThanOrEqual(decimal.Zero) {
		return &InvalidPositionSizeError{Reason: "entry price must be positive", EntryPrice: entry, StopPrice: stop}
	}
	if stop.LessThanOrEqual(decimal.Zero) {
		return &InvalidPositionSizeError{Reason: "stop price must be positive", EntryPrice: entry, StopPrice: stop}
	}
	if entry.Equal(stop) {
		return &InvalidPositionSizeError{Reason: "entry and stop prices must differ", EntryPrice: entry, StopPrice: stop}
	}
	return nil
}
