package risk

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// InvalidPositionSizeError reports a sizing input that cannot produce a
// valid position.
type InvalidPositionSizeError struct {
	Reason     string
	EntryPrice decimal.Decimal
	StopPrice  decimal.Decimal
}

func (e *InvalidPositionSizeError) Error() string {
	return fmt.Sprintf("invalid position size: %s (entry=%s stop=%s)",
		e.Reason, e.EntryPrice, e.StopPrice)
}

// PortfolioRiskExceededError reports a trade that would push total open risk
// past the portfolio limit. All values are percent of account value.
type PortfolioRiskExceededError struct {
	CurrentRisk decimal.Decimal
	NewRisk     decimal.Decimal
	TotalRisk   decimal.Decimal
	Limit       decimal.Decimal
}

func (e *PortfolioRiskExceededError) Error() string {
	return fmt.Sprintf(
		"portfolio risk limit exceeded: current %s%% + new %s%% = %s%% > limit %s%%",
		e.CurrentRisk.Round(2), e.NewRisk.Round(2), e.TotalRisk.Round(2), e.Limit.Round(2))
}

// DailyLossLimitExceededError reports realized losses past the daily cap.
type DailyLossLimitExceededError struct {
	CurrentLoss decimal.Decimal
	Limit       decimal.Decimal
}

func (e *DailyLossLimitExceededError) Error() string {
	return fmt.Sprintf("daily loss limit exceeded: $%s lost, limit $%s",
		e.CurrentLoss, e.Limit)
}
