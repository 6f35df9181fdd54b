package domain

import "github.com/shopspring/decimal"

// RiskCategory maps a named bucket to a fixed percent of account value
// risked per trade. The percentages live in the risk package's sizer.
type RiskCategory string

const (
	RiskCategorySmall  RiskCategory = "small"
	RiskCategoryNormal RiskCategory = "normal"
	RiskCategoryLarge  RiskCategory = "large"
)

// TradePlan is a plan object produced by the external plan loader. It is a
// read-only input to risk validation; this module never mutates plans.
type TradePlan struct {
	PlanID       string          `json:"plan_id" yaml:"plan_id"`
	Symbol       string          `json:"symbol" yaml:"symbol"`
	EntryLevel   decimal.Decimal `json:"entry_level" yaml:"entry_level"`
	StopLoss     decimal.Decimal `json:"stop_loss" yaml:"stop_loss"`
	TakeProfit   decimal.Decimal `json:"take_profit" yaml:"take_profit"`
	RiskCategory RiskCategory    `json:"risk_category" yaml:"risk_category"`
	Status       string          `json:"status" yaml:"status"`
}
