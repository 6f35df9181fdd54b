// Package risk implements position sizing, portfolio exposure tracking, and
// pre-trade validation for the execution engine.
package risk

import (
	"time"

	"github.com/shopspring/decimal"

	"autotrader/internal/domain"
)

// PositionSizeResult is the outcome of a position size calculation.
type PositionSizeResult struct {
	Symbol       string
	RiskCategory domain.RiskCategory
	// Shares is the position size, floored to whole shares with a one
	// share minimum.
	Shares int
	// DollarRisk is the account value at risk for this trade, rounded to
	// cents.
	DollarRisk decimal.Decimal
	// RiskPerShare is the entry-to-stop distance.
	RiskPerShare decimal.Decimal
	EntryPrice   decimal.Decimal
	StopPrice    decimal.Decimal
}

// RiskCheck is the outcome of a portfolio exposure check. Percentages are
// expressed as percent of account value.
type RiskCheck struct {
	Passed       bool
	Reason       string
	CurrentRisk  decimal.Decimal
	NewTradeRisk decimal.Decimal
	TotalRisk    decimal.Decimal
	Limit        decimal.Decimal
}

// ValidationResult is the aggregate outcome of the staged order validation.
type ValidationResult struct {
	Approved bool
	// Stage names the check that rejected the order, empty on approval.
	Stage  string
	Reason string
	// Size is present when sizing succeeded, regardless of later stages.
	Size *PositionSizeResult
	// Portfolio is present when the exposure stage ran.
	Portfolio *RiskCheck
}

// PositionRiskEntry records the open risk contributed by one position.
type PositionRiskEntry struct {
	OrderID      string          `json:"order_id"`
	TradePlanID  string          `json:"trade_plan_id,omitempty"`
	Symbol       string          `json:"symbol"`
	Shares       int             `json:"shares"`
	EntryPrice   decimal.Decimal `json:"entry_price"`
	StopPrice    decimal.Decimal `json:"stop_price"`
	DollarRisk   decimal.Decimal `json:"dollar_risk"`
	RegisteredAt time.Time       `json:"registered_at"`
}

// PortfolioState is the persisted form of the position risk registry. The
// risk percentage is written for inspection only; loading recomputes it from
// the positions rather than trusting the stored value.
type PortfolioState struct {
	Positions    map[string]PositionRiskEntry `json:"positions"`
	TotalRiskPct decimal.Decimal              `json:"total_risk_percentage"`
	AccountValue decimal.Decimal              `json:"account_value"`
	UpdatedAt    time.Time                    `json:"last_updated"`
}
