// Package engine coordinates the order lifecycle: risk-validated placement,
// venue-driven status tracking, event fan-out, and crash-safe persistence of
// the active order book.
package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"autotrader/internal/broker"
	"autotrader/internal/domain"
	"autotrader/internal/risk"
)

// ExecutionManager owns the active order book. All order operations and
// trade update callbacks serialize through its mutex, so per-order state
// changes are totally ordered.
type ExecutionManager struct {
	broker broker.Broker
	risk   *risk.Manager
	events *EventManager
	store  *StateStore
	logger *slog.Logger

	mu       sync.Mutex
	orders   map[string]*domain.Order        // internal id -> order
	byVenue  map[string]string               // venue id -> internal id
	brackets map[string]*domain.BracketOrder // bracket id -> bracket

	// pendingRisk holds the risk registration for a bracket entry, applied
	// to the portfolio tracker when the entry fills and released when the
	// position closes or the entry dies unfilled.
	pendingRisk map[string]risk.PositionRiskEntry
	riskApplied map[string]bool
}

// NewExecutionManager wires an ExecutionManager over the given broker, risk
// manager, event manager, and state store.
func NewExecutionManager(b broker.Broker, rm *risk.Manager, events *EventManager, store *StateStore, logger *slog.Logger) *ExecutionManager {
	return &ExecutionManager{
		broker:      b,
		risk:        rm,
		events:      events,
		store:       store,
		logger:      logger,
		orders:      make(map[string]*domain.Order),
		byVenue:     make(map[string]string),
		brackets:    make(map[string]*domain.BracketOrder),
		pendingRisk: make(map[string]risk.PositionRiskEntry),
		riskApplied: make(map[string]bool),
	}
}

// PlaceMarketOrder validates the request and submits a single order. A risk
// rejection or venue refusal is a failed OrderResult, not an error; errors
// are reserved for local failures.
func (em *ExecutionManager) PlaceMarketOrder(ctx context.Context, req *domain.OrderRequest) (*domain.OrderResult, error) {
	validation := em.risk.ValidateRequest(req)
	if !validation.Approved {
		return em.rejectRequest(req, validation.Reason), nil
	}

	order := newOrderFromRequest(req)

	em.mu.Lock()
	defer em.mu.Unlock()

	if err := em.broker.SubmitOrder(ctx, order); err != nil {
		order.Status = domain.OrderStatusRejected
		order.ErrorMessage = err.Error()
		em.events.EmitRejected(order, err.Error())
		em.logger.Error("order submission failed",
			"order_id", order.ID, "symbol", order.Symbol, "error", err)
		return failedResult(order, err.Error()), nil
	}

	em.trackLocked(order)
	em.pendingRisk[order.ID] = riskEntryFor(order.ID, req, validation)
	em.events.EmitSubmitted(order)

	// The simulator fills market orders synchronously; register the risk
	// now rather than waiting for the stream.
	if order.Status == domain.OrderStatusFilled {
		em.applyRiskLocked(order.ID)
	}

	em.persistLocked()
	return successResult(order), nil
}

// PlaceBracketOrder validates the request and submits an entry with
// protective stop-loss and take-profit legs. The position's dollar risk is
// registered with the portfolio tracker when the entry fills.
func (em *ExecutionManager) PlaceBracketOrder(ctx context.Context, req *domain.OrderRequest) (*domain.OrderResult, error) {
	validation := em.risk.ValidateRequest(req)
	if !validation.Approved {
		return em.rejectRequest(req, validation.Reason), nil
	}

	bracket := newBracketFromRequest(req)

	em.mu.Lock()
	defer em.mu.Unlock()

	if err := em.broker.SubmitBracket(ctx, bracket); err != nil {
		parent := bracket.Parent
		parent.Status = domain.OrderStatusRejected
		parent.ErrorMessage = err.Error()
		em.events.EmitRejected(parent, err.Error())
		em.logger.Error("bracket submission failed",
			"bracket_id", bracket.BracketID, "symbol", parent.Symbol, "error", err)
		return failedResult(parent, err.Error()), nil
	}

	em.brackets[bracket.BracketID] = bracket
	for _, leg := range bracket.Legs() {
		em.trackLocked(leg)
	}
	if bracket.FullySubmitted() {
		for _, leg := range bracket.Legs() {
			leg.Transmit = true
		}
	}
	em.pendingRisk[bracket.Parent.ID] = riskEntryFor(bracket.Parent.ID, req, validation)

	em.events.EmitBracketPlaced(bracket)

	// The simulator fills market entries synchronously; pick that up now
	// rather than waiting for the stream.
	if bracket.Parent.Status == domain.OrderStatusFilled {
		em.applyRiskLocked(bracket.Parent.ID)
	}

	em.persistLocked()
	return successResult(bracket.Parent), nil
}

// ModifyOrder applies price or quantity changes to a tracked working order.
// Unknown ids return an OrderNotFoundError; a terminal order is a failed
// result.
func (em *ExecutionManager) ModifyOrder(ctx context.Context, orderID string, mod domain.OrderModification) (*domain.OrderResult, error) {
	em.mu.Lock()
	defer em.mu.Unlock()

	order, ok := em.orders[orderID]
	if !ok {
		return nil, &OrderNotFoundError{OrderID: orderID}
	}
	if order.Status.IsTerminal() {
		return failedResult(order, "order is "+string(order.Status)+" and cannot be modified"), nil
	}

	oldVenueID := order.VenueID
	if err := em.broker.ModifyOrder(ctx, order, mod); err != nil {
		em.logger.Error("order modification failed",
			"order_id", orderID, "error", err)
		return failedResult(order, err.Error()), nil
	}

	if order.VenueID != oldVenueID {
		delete(em.byVenue, oldVenueID)
		em.byVenue[order.VenueID] = order.ID
	}

	em.events.EmitModified(order, mod)
	em.persistLocked()
	return successResult(order), nil
}

// CancelOrder requests cancellation of a tracked working order. The order is
// marked cancelled only after the venue confirms the request.
func (em *ExecutionManager) CancelOrder(ctx context.Context, orderID string) (*domain.OrderResult, error) {
	em.mu.Lock()
	defer em.mu.Unlock()

	order, ok := em.orders[orderID]
	if !ok {
		return nil, &OrderNotFoundError{OrderID: orderID}
	}
	if order.Status.IsTerminal() {
		return failedResult(order, "order is already "+string(order.Status)), nil
	}

	if err := em.broker.CancelOrder(ctx, order); err != nil {
		em.logger.Error("order cancellation failed",
			"order_id", orderID, "error", err)
		return failedResult(order, err.Error()), nil
	}

	old := order.Status
	if order.Status.CanTransitionTo(domain.OrderStatusCancelled) {
		order.Status = domain.OrderStatusCancelled
	}
	em.events.EmitCancelled(order, old)
	em.releaseRiskLocked(order)
	em.persistLocked()
	return successResult(order), nil
}

// OrderStatus returns the status of a tracked order.
func (em *ExecutionManager) OrderStatus(orderID string) (domain.OrderStatus, error) {
	em.mu.Lock()
	defer em.mu.Unlock()

	order, ok := em.orders[orderID]
	if !ok {
		return "", &OrderNotFoundError{OrderID: orderID}
	}
	return order.Status, nil
}

// ActiveOrders returns copies of all non-terminal orders.
func (em *ExecutionManager) ActiveOrders() []domain.Order {
	em.mu.Lock()
	defer em.mu.Unlock()

	var out []domain.Order
	for _, o := range em.orders {
		if !o.Status.IsTerminal() {
			out = append(out, *o)
		}
	}
	return out
}

// OnTradeUpdate applies a venue order event to the tracked order book. It is
// the trade stream callback; updates for unknown orders or invalid backward
// transitions are logged and dropped.
func (em *ExecutionManager) OnTradeUpdate(u broker.TradeUpdate) {
	em.mu.Lock()
	defer em.mu.Unlock()

	orderID, ok := em.byVenue[u.VenueID]
	if !ok {
		em.logger.Warn("trade update for unknown order", "venue_id", u.VenueID, "event", u.Event)
		return
	}
	order := em.orders[orderID]

	old := order.Status
	if u.Status != old && !old.CanTransitionTo(u.Status) {
		em.logger.Warn("dropping out-of-order status transition",
			"order_id", orderID, "from", old, "to", u.Status, "event", u.Event)
		return
	}

	order.Status = u.Status
	if u.FilledQty > 0 {
		order.FilledQuantity = u.FilledQty
	}
	if u.AvgFillPrice != nil {
		order.AvgFillPrice = u.AvgFillPrice
	}
	if u.Status == domain.OrderStatusFilled && order.FilledAt == nil {
		at := u.At
		if at.IsZero() {
			at = time.Now().UTC()
		}
		order.FilledAt = &at
	}

	switch u.Status {
	case domain.OrderStatusFilled, domain.OrderStatusPartiallyFilled:
		em.events.EmitFilled(order, old, u.FilledQty, u.AvgFillPrice)
	default:
		if u.Status != old {
			em.events.EmitStatusUpdate(order, old)
		}
	}

	em.reconcileRiskLocked(order, u)
	em.persistLocked()
}

// reconcileRiskLocked keeps the portfolio tracker in step with fills: an
// entry fill registers the position's risk, a protective leg fill releases
// it, and a stop-loss fill books the realized loss against the daily limit.
func (em *ExecutionManager) reconcileRiskLocked(order *domain.Order, u broker.TradeUpdate) {
	if order.Status == domain.OrderStatusFilled {
		if _, pending := em.pendingRisk[order.ID]; pending {
			em.applyRiskLocked(order.ID)
			return
		}
	}

	bracket, leg := em.findBracketLegLocked(order.ID)
	if bracket == nil {
		if order.Status.IsTerminal() && order.Status != domain.OrderStatusFilled {
			em.releaseRiskLocked(order)
		}
		return
	}

	switch {
	case leg == bracket.Parent && order.Status.IsTerminal() && order.Status != domain.OrderStatusFilled:
		// Entry died unfilled; nothing to protect.
		em.releaseRiskLocked(bracket.Parent)
	case leg == bracket.StopLoss && order.Status == domain.OrderStatusFilled:
		em.releaseRiskLocked(bracket.Parent)
		em.bookStopLossLocked(bracket, u)
	case leg == bracket.TakeProfit && order.Status == domain.OrderStatusFilled:
		em.releaseRiskLocked(bracket.Parent)
	}
}

// bookStopLossLocked records the realized loss from a stopped-out position.
// A breached daily limit is logged; future validations will reject.
func (em *ExecutionManager) bookStopLossLocked(bracket *domain.BracketOrder, u broker.TradeUpdate) {
	entryPrice := bracket.Parent.AvgFillPrice
	exitPrice := u.AvgFillPrice
	if entryPrice == nil || exitPrice == nil {
		return
	}

	qty := decimal.NewFromInt(int64(u.FilledQty))
	loss := entryPrice.Sub(*exitPrice).Mul(qty)
	if bracket.Parent.Side == domain.OrderSideSell {
		loss = loss.Neg()
	}
	if loss.LessThanOrEqual(decimal.Zero) {
		return
	}

	if err := em.risk.RecordDailyLoss(loss); err != nil {
		em.logger.Error("daily loss limit breached", "error", err)
	}
}

// Recover restores the order book from the state store: working orders, the
// bracket linkage, and the risk registrations tied to them. Terminal orders
// are dropped unless a live bracket still references them.
func (em *ExecutionManager) Recover() error {
	book, err := em.store.Load()
	if err != nil {
		return err
	}

	em.mu.Lock()
	defer em.mu.Unlock()

	referenced := make(map[string]bool)
	for _, link := range book.Brackets {
		referenced[link.ParentID] = true
		referenced[link.StopLossID] = true
		referenced[link.TakeProfitID] = true
	}

	restored, dropped := 0, 0
	for id, o := range book.Orders {
		if o.Status.IsTerminal() && !referenced[id] {
			dropped++
			continue
		}
		if _, exists := em.orders[id]; exists {
			return &OrderAlreadyExistsError{OrderID: id}
		}
		em.orders[id] = o
		if o.VenueID != "" {
			em.byVenue[o.VenueID] = id
		}
		restored++
	}

	for _, link := range book.Brackets {
		parent, stop, target := em.orders[link.ParentID], em.orders[link.StopLossID], em.orders[link.TakeProfitID]
		if parent == nil || stop == nil || target == nil {
			em.logger.Warn("bracket linkage incomplete, skipping",
				"bracket_id", link.BracketID)
			continue
		}
		em.brackets[link.BracketID] = &domain.BracketOrder{
			BracketID:   link.BracketID,
			TradePlanID: link.TradePlanID,
			Parent:      parent,
			StopLoss:    stop,
			TakeProfit:  target,
			CreatedAt:   link.CreatedAt,
		}
	}

	for id, entry := range book.Risk.Pending {
		if _, ok := em.orders[id]; ok {
			em.pendingRisk[id] = entry
		}
	}
	for _, id := range book.Risk.Applied {
		if _, ok := em.orders[id]; ok {
			em.riskApplied[id] = true
		}
	}

	em.logger.Info("order state recovered",
		"restored", restored,
		"dropped_terminal", dropped,
		"brackets", len(em.brackets))
	return nil
}

// Close persists the final order book and takes a shutdown backup.
func (em *ExecutionManager) Close() error {
	em.mu.Lock()
	em.persistLocked()
	em.mu.Unlock()
	return em.store.CreateBackup("shutdown")
}

// ---------------------------------------------------------------------------
// internals
// ---------------------------------------------------------------------------

func (em *ExecutionManager) rejectRequest(req *domain.OrderRequest, reason string) *domain.OrderResult {
	return &domain.OrderResult{
		Success:     false,
		TradePlanID: req.TradePlanID,
		Status:      domain.OrderStatusRejected,
		Reason:      reason,
		Symbol:      req.Symbol,
		Side:        req.Side,
		Type:        req.Type,
		Timestamp:   time.Now().UTC(),
	}
}

func riskEntryFor(orderID string, req *domain.OrderRequest, validation *risk.ValidationResult) risk.PositionRiskEntry {
	return risk.PositionRiskEntry{
		OrderID:     orderID,
		TradePlanID: req.TradePlanID,
		Symbol:      req.Symbol,
		Shares:      validation.Size.Shares,
		EntryPrice:  validation.Size.EntryPrice,
		StopPrice:   validation.Size.StopPrice,
		DollarRisk:  validation.Size.DollarRisk,
	}
}

func (em *ExecutionManager) trackLocked(order *domain.Order) {
	em.orders[order.ID] = order
	if order.VenueID != "" {
		em.byVenue[order.VenueID] = order.ID
	}
}

func (em *ExecutionManager) applyRiskLocked(orderID string) {
	entry, ok := em.pendingRisk[orderID]
	if !ok || em.riskApplied[orderID] {
		return
	}
	if err := em.risk.Tracker().AddPosition(entry); err != nil {
		em.logger.Error("registering position risk failed", "order_id", orderID, "error", err)
		return
	}
	em.riskApplied[orderID] = true
}

func (em *ExecutionManager) releaseRiskLocked(order *domain.Order) {
	if em.riskApplied[order.ID] {
		if err := em.risk.Tracker().RemovePosition(order.ID); err != nil {
			em.logger.Error("releasing position risk failed", "order_id", order.ID, "error", err)
		}
	}
	delete(em.riskApplied, order.ID)
	delete(em.pendingRisk, order.ID)
}

// findBracketLegLocked returns the bracket containing the order and the
// matching leg pointer, or nil when the order is not part of a bracket.
func (em *ExecutionManager) findBracketLegLocked(orderID string) (*domain.BracketOrder, *domain.Order) {
	for _, b := range em.brackets {
		for _, leg := range b.Legs() {
			if leg.ID == orderID {
				return b, leg
			}
		}
	}
	return nil, nil
}

// persistLocked saves the working order book plus the bracket and risk
// linkage. A filled bracket entry stays in the snapshot while its protective
// legs are working, so a leg fill after a restart can still release the
// position's risk and book the realized loss. Persistence failures are
// logged, never fatal to the order flow.
func (em *ExecutionManager) persistLocked() {
	book := BookSnapshot{
		Orders: make(map[string]*domain.Order),
		Risk:   RiskSnapshot{Pending: make(map[string]risk.PositionRiskEntry)},
	}
	for id, o := range em.orders {
		if !o.Status.IsTerminal() {
			book.Orders[id] = o
		}
	}
	for _, b := range em.brackets {
		if bracketDone(b) {
			continue
		}
		book.Brackets = append(book.Brackets, BracketLink{
			BracketID:    b.BracketID,
			TradePlanID:  b.TradePlanID,
			ParentID:     b.Parent.ID,
			StopLossID:   b.StopLoss.ID,
			TakeProfitID: b.TakeProfit.ID,
			CreatedAt:    b.CreatedAt,
		})
		for _, leg := range b.Legs() {
			book.Orders[leg.ID] = leg
		}
	}
	for id, entry := range em.pendingRisk {
		book.Risk.Pending[id] = entry
	}
	for id := range em.riskApplied {
		book.Risk.Applied = append(book.Risk.Applied, id)
	}
	if err := em.store.Save(book); err != nil {
		em.logger.Error("persisting order state failed", "error", err)
	}
}

// bracketDone reports whether every leg of the bracket is terminal.
func bracketDone(b *domain.BracketOrder) bool {
	for _, leg := range b.Legs() {
		if !leg.Status.IsTerminal() {
			return false
		}
	}
	return true
}

func newOrderFromRequest(req *domain.OrderRequest) *domain.Order {
	order := &domain.Order{
		ID:          uuid.NewString(),
		TradePlanID: req.TradePlanID,
		Symbol:      req.Symbol,
		Exchange:    req.Exchange,
		Currency:    req.Currency,
		Side:        req.Side,
		Type:        req.Type,
		Quantity:    req.CalculatedPositionSize,
		TimeInForce: req.TimeInForce,
		Transmit:    true,
		Status:      domain.OrderStatusPending,
		CreatedAt:   time.Now().UTC(),
	}
	if req.Type == domain.OrderTypeLimit || req.Type == domain.OrderTypeStopLimit {
		p := req.EntryPrice
		order.LimitPrice = &p
	}
	return order
}

func newBracketFromRequest(req *domain.OrderRequest) *domain.BracketOrder {
	bracketID := uuid.NewString()
	parent := newOrderFromRequest(req)
	parent.ParentID = bracketID

	stopPrice := req.StopLossPrice
	stop := &domain.Order{
		ID:          uuid.NewString(),
		ParentID:    bracketID,
		TradePlanID: req.TradePlanID,
		Symbol:      req.Symbol,
		Exchange:    req.Exchange,
		Currency:    req.Currency,
		Side:        req.Side.Opposite(),
		Type:        domain.OrderTypeStop,
		Quantity:    req.CalculatedPositionSize,
		StopPrice:   &stopPrice,
		TimeInForce: domain.TimeInForceGTC,
		Status:      domain.OrderStatusPending,
		CreatedAt:   parent.CreatedAt,
	}

	targetPrice := req.TakeProfitPrice
	takeProfit := &domain.Order{
		ID:          uuid.NewString(),
		ParentID:    bracketID,
		TradePlanID: req.TradePlanID,
		Symbol:      req.Symbol,
		Exchange:    req.Exchange,
		Currency:    req.Currency,
		Side:        req.Side.Opposite(),
		Type:        domain.OrderTypeLimit,
		Quantity:    req.CalculatedPositionSize,
		LimitPrice:  &targetPrice,
		TimeInForce: domain.TimeInForceGTC,
		Status:      domain.OrderStatusPending,
		CreatedAt:   parent.CreatedAt,
	}

	return &domain.BracketOrder{
		BracketID:   bracketID,
		TradePlanID: req.TradePlanID,
		Parent:      parent,
		StopLoss:    stop,
		TakeProfit:  takeProfit,
		CreatedAt:   parent.CreatedAt,
	}
}

func successResult(order *domain.Order) *domain.OrderResult {
	return &domain.OrderResult{
		Success:     true,
		OrderID:     order.ID,
		VenueID:     order.VenueID,
		TradePlanID: order.TradePlanID,
		Status:      order.Status,
		Symbol:      order.Symbol,
		Side:        order.Side,
		Quantity:    order.Quantity,
		Type:        order.Type,
		Timestamp:   time.Now().UTC(),
	}
}

func failedResult(order *domain.Order, reason string) *domain.OrderResult {
	return &domain.OrderResult{
		Success:     false,
		OrderID:     order.ID,
		VenueID:     order.VenueID,
		TradePlanID: order.TradePlanID,
		Status:      order.Status,
		Reason:      reason,
		Symbol:      order.Symbol,
		Side:        order.Side,
		Quantity:    order.Quantity,
		Type:        order.Type,
		Timestamp:   time.Now().UTC(),
	}
}
