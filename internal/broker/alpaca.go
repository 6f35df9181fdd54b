package broker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/shopspring/decimal"

	"autotrader/internal/domain"
	"autotrader/internal/util"
)

// Compile-time interface checks.
var (
	_ Broker      = (*AlpacaBroker)(nil)
	_ VenueClient = (*AlpacaVenue)(nil)
)

// AlpacaVenue adapts the Alpaca trading client to the VenueClient probe
// interface used by the connection manager.
type AlpacaVenue struct {
	client *alpaca.Client
}

// NewAlpacaVenue creates a venue client for the given credentials and
// endpoint.
func NewAlpacaVenue(apiKey, apiSecret, baseURL string) *AlpacaVenue {
	return &AlpacaVenue{
		client: alpaca.NewClient(alpaca.ClientOpts{
			APIKey:    apiKey,
			APISecret: apiSecret,
			BaseURL:   baseURL,
		}),
	}
}

// Client exposes the underlying SDK client for the order broker.
func (v *AlpacaVenue) Client() *alpaca.Client {
	return v.client
}

// Probe authenticates by fetching the account.
func (v *AlpacaVenue) Probe(_ context.Context) (*AccountSnapshot, error) {
	acct, err := v.client.GetAccount()
	if err != nil {
		return nil, err
	}
	return &AccountSnapshot{
		AccountID:   acct.ID,
		Status:      string(acct.Status),
		Equity:      acct.Equity,
		Cash:        acct.Cash,
		BuyingPower: acct.BuyingPower,
	}, nil
}

// AlpacaBroker implements the Broker interface against the Alpaca trading
// API. All order mutations pass through a rate limiter.
type AlpacaBroker struct {
	client  *alpaca.Client
	limiter *util.RateLimiter
	logger  *slog.Logger
}

// NewAlpacaBroker creates a broker over an existing venue client, throttled
// to ratePerMinute order mutations.
func NewAlpacaBroker(venue *AlpacaVenue, ratePerMinute int, logger *slog.Logger) *AlpacaBroker {
	return &AlpacaBroker{
		client:  venue.Client(),
		limiter: util.NewRateLimiter(ratePerMinute),
		logger:  logger,
	}
}

// Name returns "alpaca".
func (b *AlpacaBroker) Name() string {
	return "alpaca"
}

// SubmitOrder sends a single order to Alpaca. On acceptance the order's
// venue id, status, and submission timestamp are set.
func (b *AlpacaBroker) SubmitOrder(ctx context.Context, order *domain.Order) error {
	if err := b.limiter.Wait(ctx); err != nil {
		return err
	}

	req, err := buildOrderRequest(order)
	if err != nil {
		return err
	}

	placed, err := b.client.PlaceOrder(req)
	if err != nil {
		return fmt.Errorf("place order %s: %w", order.ID, err)
	}

	applyPlacedOrder(order, placed)
	b.logger.Info("order submitted",
		"order_id", order.ID,
		"venue_id", order.VenueID,
		"symbol", order.Symbol,
		"side", order.Side,
		"qty", order.Quantity)
	return nil
}

// SubmitBracket places the entry with attached stop-loss and take-profit
// legs in a single atomic venue request, then maps the returned legs back
// onto the bracket's orders.
func (b *AlpacaBroker) SubmitBracket(ctx context.Context, bracket *domain.BracketOrder) error {
	if err := b.limiter.Wait(ctx); err != nil {
		return err
	}

	parent := bracket.Parent
	req, err := buildOrderRequest(parent)
	if err != nil {
		return err
	}
	req.OrderClass = alpaca.Bracket
	if bracket.TakeProfit.LimitPrice != nil {
		req.TakeProfit = &alpaca.TakeProfit{LimitPrice: bracket.TakeProfit.LimitPrice}
	}
	if bracket.StopLoss.StopPrice != nil {
		req.StopLoss = &alpaca.StopLoss{StopPrice: bracket.StopLoss.StopPrice}
	}

	placed, err := b.client.PlaceOrder(req)
	if err != nil {
		return fmt.Errorf("place bracket %s: %w", bracket.BracketID, err)
	}

	applyPlacedOrder(parent, placed)
	for i := range placed.Legs {
		leg := &placed.Legs[i]
		switch alpaca.OrderType(leg.Type) {
		case alpaca.Limit:
			applyPlacedOrder(bracket.TakeProfit, leg)
		case alpaca.Stop, alpaca.StopLimit:
			applyPlacedOrder(bracket.StopLoss, leg)
		}
	}

	b.logger.Info("bracket order submitted",
		"bracket_id", bracket.BracketID,
		"venue_id", parent.VenueID,
		"symbol", parent.Symbol,
		"qty", parent.Quantity)
	return nil
}

// ModifyOrder replaces a working order at the venue. Alpaca assigns a new
// order id on replace; the order's venue id is updated to match.
func (b *AlpacaBroker) ModifyOrder(ctx context.Context, order *domain.Order, mod domain.OrderModification) error {
	if err := b.limiter.Wait(ctx); err != nil {
		return err
	}

	req := alpaca.ReplaceOrderRequest{}
	if mod.Quantity != nil {
		q := decimal.NewFromInt(int64(*mod.Quantity))
		req.Qty = &q
	}
	if mod.LimitPrice != nil {
		req.LimitPrice = mod.LimitPrice
	}
	if mod.StopPrice != nil {
		req.StopPrice = mod.StopPrice
	}

	replaced, err := b.client.ReplaceOrder(order.VenueID, req)
	if err != nil {
		return fmt.Errorf("replace order %s: %w", order.VenueID, err)
	}

	oldVenueID := order.VenueID
	applyPlacedOrder(order, replaced)
	if mod.Quantity != nil {
		order.Quantity = *mod.Quantity
	}
	if mod.LimitPrice != nil {
		order.LimitPrice = mod.LimitPrice
	}
	if mod.StopPrice != nil {
		order.StopPrice = mod.StopPrice
	}

	b.logger.Info("order replaced",
		"order_id", order.ID,
		"old_venue_id", oldVenueID,
		"venue_id", order.VenueID,
		"reason", mod.Reason)
	return nil
}

// CancelOrder requests cancellation at the venue. The final cancelled status
// arrives over the trade update stream.
func (b *AlpacaBroker) CancelOrder(ctx context.Context, order *domain.Order) error {
	if err := b.limiter.Wait(ctx); err != nil {
		return err
	}
	if err := b.client.CancelOrder(order.VenueID); err != nil {
		return fmt.Errorf("cancel order %s: %w", order.VenueID, err)
	}
	b.logger.Info("order cancel requested", "order_id", order.ID, "venue_id", order.VenueID)
	return nil
}

// StreamTradeUpdates blocks delivering venue order events to fn until the
// context is cancelled.
func (b *AlpacaBroker) StreamTradeUpdates(ctx context.Context, fn func(TradeUpdate)) error {
	return b.client.StreamTradeUpdates(ctx, func(tu alpaca.TradeUpdate) {
		update := TradeUpdate{
			VenueID:      tu.Order.ID,
			Event:        tu.Event,
			Status:       mapVenueStatus(tu.Order.Status),
			FilledQty:    int(tu.Order.FilledQty.IntPart()),
			AvgFillPrice: tu.Order.FilledAvgPrice,
			At:           tu.At,
		}
		fn(update)
	}, alpaca.StreamTradeUpdatesRequest{})
}

// CloseAllPositions liquidates every open position, cancelling working
// orders first. Used by the connection shutdown hook.
func (b *AlpacaBroker) CloseAllPositions(ctx context.Context) error {
	if err := b.limiter.Wait(ctx); err != nil {
		return err
	}
	_, err := b.client.CloseAllPositions(alpaca.CloseAllPositionsRequest{CancelOrders: true})
	return err
}

// buildOrderRequest translates a domain order into the venue request form.
func buildOrderRequest(order *domain.Order) (alpaca.PlaceOrderRequest, error) {
	qty := decimal.NewFromInt(int64(order.Quantity))

	req := alpaca.PlaceOrderRequest{
		Symbol:        order.Symbol,
		Qty:           &qty,
		ClientOrderID: order.ID,
	}

	switch order.Side {
	case domain.OrderSideBuy:
		req.Side = alpaca.Buy
	case domain.OrderSideSell:
		req.Side = alpaca.Sell
	default:
		return req, fmt.Errorf("unsupported order side %q", order.Side)
	}

	switch order.Type {
	case domain.OrderTypeMarket:
		req.Type = alpaca.Market
	case domain.OrderTypeLimit:
		req.Type = alpaca.Limit
		req.LimitPrice = order.LimitPrice
	case domain.OrderTypeStop:
		req.Type = alpaca.Stop
		req.StopPrice = order.StopPrice
	case domain.OrderTypeStopLimit:
		req.Type = alpaca.StopLimit
		req.LimitPrice = order.LimitPrice
		req.StopPrice = order.StopPrice
	case domain.OrderTypeTrailingStop:
		req.Type = alpaca.TrailingStop
		req.TrailPrice = order.TrailAmount
		req.TrailPercent = order.TrailPercent
	default:
		return req, fmt.Errorf("unsupported order type %q", order.Type)
	}

	switch order.TimeInForce {
	case domain.TimeInForceGTC:
		req.TimeInForce = alpaca.GTC
	case domain.TimeInForceIOC:
		req.TimeInForce = alpaca.IOC
	case domain.TimeInForceFOK:
		req.TimeInForce = alpaca.FOK
	default:
		req.TimeInForce = alpaca.Day
	}

	return req, nil
}

// applyPlacedOrder copies venue acceptance fields back onto the domain order.
func applyPlacedOrder(order *domain.Order, placed *alpaca.Order) {
	order.VenueID = placed.ID
	order.Status = mapVenueStatus(placed.Status)
	submitted := placed.SubmittedAt
	if submitted.IsZero() {
		submitted = time.Now().UTC()
	}
	order.SubmittedAt = &submitted
	order.FilledQuantity = int(placed.FilledQty.IntPart())
	if placed.FilledAvgPrice != nil {
		order.AvgFillPrice = placed.FilledAvgPrice
	}
}

// mapVenueStatus folds the venue's order status vocabulary onto the domain
// enum. Unknown working statuses count as submitted.
func mapVenueStatus(status string) domain.OrderStatus {
	switch status {
	case "new", "accepted", "pending_new", "accepted_for_bidding", "replaced", "held", "pending_cancel":
		return domain.OrderStatusSubmitted
	case "partially_filled":
		return domain.OrderStatusPartiallyFilled
	case "filled":
		return domain.OrderStatusFilled
	case "canceled", "expired", "done_for_day", "stopped":
		return domain.OrderStatusCancelled
	case "rejected", "suspended":
		return domain.OrderStatusRejected
	default:
		return domain.OrderStatusSubmitted
	}
}
