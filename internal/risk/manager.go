package risk

import (
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"autotrader/internal/domain"
)

// Validation stage names, reported on rejection.
const (
	StageSizing    = "position_sizing"
	StagePortfolio = "portfolio_risk"
	StageDailyLoss = "daily_loss_limit"
)

// Manager runs the staged pre-trade risk checks: position sizing, portfolio
// exposure, and the daily loss limit. It also accumulates realized losses,
// resetting at the UTC date boundary.
type Manager struct {
	sizer   *Sizer
	tracker *PortfolioTracker

	mu             sync.Mutex
	dailyLossLimit decimal.Decimal
	dailyLoss      decimal.Decimal
	lossDate       string

	now    func() time.Time
	logger *slog.Logger
}

// NewManager wires a Manager over the given sizer and tracker.
func NewManager(sizer *Sizer, tracker *PortfolioTracker, dailyLossLimit decimal.Decimal, logger *slog.Logger) *Manager {
	m := &Manager{
		sizer:          sizer,
		tracker:        tracker,
		dailyLossLimit: dailyLossLimit,
		now:            time.Now,
		logger:         logger,
	}
	m.lossDate = m.utcDate()
	return m
}

func (m *Manager) utcDate() string {
	return m.now().UTC().Format("2006-01-02")
}

// rolloverLocked resets the daily loss accumulator when the UTC date has
// changed since the last touch. The caller holds m.mu.
func (m *Manager) rolloverLocked() {
	today := m.utcDate()
	if today != m.lossDate {
		m.logger.Info("daily loss counter reset",
			"previous_date", m.lossDate,
			"previous_loss", m.dailyLoss.String())
		m.lossDate = today
		m.dailyLoss = decimal.Zero
	}
}

// ValidateRequest runs the staged checks against an order request. On
// approval the request's calculated position size is filled in.
func (m *Manager) ValidateRequest(req *domain.OrderRequest) *ValidationResult {
	result := m.validate(req.Symbol, req.EntryPrice, req.StopLossPrice, req.RiskCategory)
	if result.Approved {
		req.CalculatedPositionSize = result.Size.Shares
	}
	return result
}

// ValidatePlan runs the staged checks against a trade plan.
func (m *Manager) ValidatePlan(plan domain.TradePlan) *ValidationResult {
	return m.validate(plan.Symbol, plan.EntryLevel, plan.StopLoss, plan.RiskCategory)
}

func (m *Manager) validate(symbol string, entry, stop decimal.Decimal, category domain.RiskCategory) *ValidationResult {
	// Stage 1: position sizing.
	size, err := m.sizer.Calculate(symbol, entry, stop, category)
	if err != nil {
		m.logger.Warn("order rejected", "stage", StageSizing, "symbol", symbol, "error", err)
		return &ValidationResult{
			Approved: false,
			Stage:    StageSizing,
			Reason:   err.Error(),
		}
	}

	// Stage 2: portfolio exposure. The numbers are reported on every
	// rejection past sizing so callers can display them.
	check := m.tracker.CheckNewTradeRisk(size.DollarRisk)
	if !check.Passed {
		err := &PortfolioRiskExceededError{
			CurrentRisk: check.CurrentRisk,
			NewRisk:     check.NewTradeRisk,
			TotalRisk:   check.TotalRisk,
			Limit:       check.Limit,
		}
		m.logger.Warn("order rejected", "stage", StagePortfolio, "symbol", symbol, "error", err)
		return &ValidationResult{
			Approved:  false,
			Stage:     StagePortfolio,
			Reason:    err.Error(),
			Size:      size,
			Portfolio: &check,
		}
	}

	// Stage 3: daily loss limit.
	m.mu.Lock()
	m.rolloverLocked()
	loss := m.dailyLoss
	limit := m.dailyLossLimit
	m.mu.Unlock()

	if loss.GreaterThanOrEqual(limit) {
		err := &DailyLossLimitExceededError{CurrentLoss: loss, Limit: limit}
		m.logger.Warn("order rejected", "stage", StageDailyLoss, "symbol", symbol, "error", err)
		return &ValidationResult{
			Approved:  false,
			Stage:     StageDailyLoss,
			Reason:    err.Error(),
			Size:      size,
			Portfolio: &check,
		}
	}

	m.logger.Info("order approved",
		"symbol", symbol,
		"shares", size.Shares,
		"dollar_risk", size.DollarRisk.String(),
		"total_risk_pct", check.TotalRisk.Round(2).String())
	return &ValidationResult{
		Approved:  true,
		Size:      size,
		Portfolio: &check,
	}
}

// RecordDailyLoss adds a realized loss (positive dollars lost). It returns a
// DailyLossLimitExceededError once the accumulated loss crosses the limit;
// the loss is recorded either way.
func (m *Manager) RecordDailyLoss(loss decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.rolloverLocked()
	m.dailyLoss = m.dailyLoss.Add(loss)

	m.logger.Info("realized loss recorded",
		"loss", loss.String(),
		"daily_total", m.dailyLoss.String(),
		"limit", m.dailyLossLimit.String())

	if m.dailyLoss.GreaterThanOrEqual(m.dailyLossLimit) {
		return &DailyLossLimitExceededError{CurrentLoss: m.dailyLoss, Limit: m.dailyLossLimit}
	}
	return nil
}

// DailyLoss returns the realized loss accumulated today.
func (m *Manager) DailyLoss() decimal.Decimal {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rolloverLocked()
	return m.dailyLoss
}

// AvailableCapacity returns the dollar risk still available under the
// portfolio limit, never negative.
func (m *Manager) AvailableCapacity() decimal.Decimal {
	account := m.sizer.AccountValue()
	check := m.tracker.CheckNewTradeRisk(decimal.Zero)
	remainingPct := check.Limit.Sub(check.CurrentRisk)
	if remainingPct.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero
	}
	return account.Mul(remainingPct).Div(decimal.NewFromInt(100)).Round(2)
}

// UpdateAccountValue propagates a new account value to sizing and exposure
// math.
func (m *Manager) UpdateAccountValue(v decimal.Decimal) {
	m.sizer.UpdateAccountValue(v)
	m.tracker.UpdateAccountValue(v)
}

// Sizer returns the underlying position sizer.
func (m *Manager) Sizer() *Sizer {
	return m.sizer
}

// Tracker returns the underlying portfolio tracker.
func (m *Manager) Tracker() *PortfolioTracker {
	return m.tracker
}

// Summary reports the combined risk state.
func (m *Manager) Summary() map[string]any {
	m.mu.Lock()
	m.rolloverLocked()
	loss := m.dailyLoss
	limit := m.dailyLossLimit
	date := m.lossDate
	m.mu.Unlock()

	out := m.tracker.Summary()
	out["daily_loss"] = loss.String()
	out["daily_loss_limit"] = limit.String()
	out["loss_date"] = date
	return out
}
