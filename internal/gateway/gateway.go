// Package gateway implements OrderGateway (spec.md §4.4, component C4): the
// single inbound entry point for every client-facing operation. It
// validates requests, enforces idempotency, routes the work through the
// per-market Dispatcher, and translates internal errors into the stable
// GatewayError codes of spec.md §6 before anything reaches a transport.
package gateway

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"ragnarok/internal/book"
	"ragnarok/internal/clock"
	"ragnarok/internal/config"
	"ragnarok/internal/dispatch"
	"ragnarok/internal/engine"
	"ragnarok/internal/idgen"
	"ragnarok/internal/ledger"
	"ragnarok/internal/settlement"
	"ragnarok/internal/store"
	"ragnarok/internal/types"
)

// submissionTimeout bounds how long a caller waits for its turn on a
// congested market worker (spec.md §5) before receiving TIMEOUT.
const submissionTimeout = 5 * time.Second

// Gateway is the exchange's single inbound surface.
type Gateway struct {
	cfg     *config.Config
	eng     *engine.Engine
	ledger  *ledger.EscrowLedger
	disp    *dispatch.Dispatcher
	settler *settlement.Settler
	clock   clock.Clock
}

// New constructs a Gateway over an already-recovered Engine.
func New(cfg *config.Config, eng *engine.Engine, led *ledger.EscrowLedger, disp *dispatch.Dispatcher, settler *settlement.Settler, clk clock.Clock) *Gateway {
	if clk == nil {
		clk = clock.NewSystem()
	}
	return &Gateway{cfg: cfg, eng: eng, ledger: led, disp: disp, settler: settler, clock: clk}
}

// ResolveMarket settles marketID to winningOutcome (spec.md §6).
func (g *Gateway) ResolveMarket(ctx context.Context, marketID uint, winningOutcome types.Outcome) error {
	return g.settler.Resolve(ctx, marketID, winningOutcome)
}

// CancelMarket voids marketID, refunding every open order and position
// (spec.md §6).
func (g *Gateway) CancelMarket(ctx context.Context, marketID uint) error {
	return g.settler.Cancel(ctx, marketID)
}

// PlaceOrderRequest is the validated shape of a placeOrder call.
type PlaceOrderRequest struct {
	MarketID       uint
	UserID         string
	Side           types.Side
	Type           types.OrderType
	Outcome        types.Outcome
	Price          decimal.Decimal // ignored for MARKET orders
	Quantity       decimal.Decimal
	IdempotencyKey string
}

// PlaceOrder validates req, replays or records its idempotency key, and
// submits it to the order's market worker. It is safe to call
// concurrently for disjoint markets; calls against the same market are
// serialized by the Dispatcher.
func (g *Gateway) PlaceOrder(ctx context.Context, req PlaceOrderRequest) (*ledger.PlaceOrderResult, error) {
	if err := g.validatePlaceOrder(req); err != nil {
		return nil, err
	}

	requestHash := hashRequest(req)

	if req.IdempotencyKey != "" {
		cached, err := g.checkIdempotency(req.UserID, req.IdempotencyKey, requestHash)
		if err != nil {
			return nil, err
		}
		if cached != nil {
			return cached, nil
		}
	}

	order := &types.Order{
		ID:             idgen.New(),
		MarketID:       req.MarketID,
		UserID:         req.UserID,
		Side:           req.Side,
		Type:           req.Type,
		Outcome:        req.Outcome,
		Price:          req.Price,
		Quantity:       req.Quantity,
		CreatedAt:      g.clock.Now(),
		IdempotencyKey: req.IdempotencyKey,
	}

	var result *ledger.PlaceOrderResult
	deadline := g.clock.Now().Add(submissionTimeout)
	err := g.disp.Submit(ctx, req.MarketID, deadline, func(ctx context.Context) error {
		var err error
		result, err = g.ledger.PlaceOrder(ctx, g.eng, order)
		return err
	})
	if err == dispatch.ErrTimeout {
		return nil, types.NewGatewayError(types.ErrTimeout, "market %d is congested", req.MarketID)
	}
	if err != nil {
		return nil, err
	}

	if req.IdempotencyKey != "" {
		if err := g.recordIdempotency(req.UserID, req.IdempotencyKey, requestHash, result); err != nil {
			return nil, err
		}
	}

	return result, nil
}

// CancelOrder cancels orderID on behalf of userID, serialized through the
// same per-market worker that placed it.
func (g *Gateway) CancelOrder(ctx context.Context, userID, orderID string, marketID uint) (*types.Order, error) {
	var cancelled *types.Order
	deadline := g.clock.Now().Add(submissionTimeout)
	err := g.disp.Submit(ctx, marketID, deadline, func(ctx context.Context) error {
		var err error
		cancelled, err = g.ledger.CancelOrder(ctx, g.eng, userID, orderID)
		return err
	})
	if err == dispatch.ErrTimeout {
		return nil, types.NewGatewayError(types.ErrTimeout, "market %d is congested", marketID)
	}
	return cancelled, err
}

// OrderbookSnapshot is the read-only response to getOrderbookSnapshot.
type OrderbookSnapshot struct {
	MarketID uint
	Outcome  types.Outcome
	Bids     []book.Level
	Asks     []book.Level
}

// GetOrderbookSnapshot reads the current in-memory book. Reads bypass the
// dispatcher: spec.md §5 only requires mutations against one market to be
// serialized, and a snapshot is a single atomic map/tree read.
func (g *Gateway) GetOrderbookSnapshot(marketID uint, outcome types.Outcome) OrderbookSnapshot {
	bids, asks := g.eng.Book(marketID, outcome).Snapshot()
	return OrderbookSnapshot{MarketID: marketID, Outcome: outcome, Bids: bids, Asks: asks}
}

// GetRecentTrades returns up to limit of the most recent trades for a
// market, newest first; a limit outside (0, 500] is replaced by 100.
func (g *Gateway) GetRecentTrades(ctx context.Context, marketID uint, limit int) ([]types.Trade, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var recs []store.TradeRecord
	err := g.ledger.DB().WithContext(ctx).
		Where("market_id = ?", marketID).
		Order("created_at DESC").
		Limit(limit).
		Find(&recs).Error
	if err != nil {
		return nil, err
	}
	trades := make([]types.Trade, len(recs))
	for i, r := range recs {
		trades[i] = store.TradeFromRecord(r)
	}
	return trades, nil
}

func (g *Gateway) validatePlaceOrder(req PlaceOrderRequest) error {
	if req.Side != types.Buy && req.Side != types.Sell {
		return types.NewGatewayError(types.ErrInternal, "unknown side %q", req.Side)
	}
	if req.Type != types.LimitOrder && req.Type != types.MarketOrder {
		return types.NewGatewayError(types.ErrInternal, "unknown order type %q", req.Type)
	}
	if req.Outcome != types.Yes && req.Outcome != types.No {
		return types.NewGatewayError(types.ErrInternal, "unknown outcome %q", req.Outcome)
	}
	if req.Quantity.LessThan(g.cfg.MinQuantity) || req.Quantity.GreaterThan(g.cfg.MaxQuantity) {
		return types.NewGatewayError(types.ErrQuantityOutOfRange, "quantity %s outside [%s, %s]", req.Quantity, g.cfg.MinQuantity, g.cfg.MaxQuantity)
	}
	if req.Type == types.LimitOrder {
		if req.Price.LessThanOrEqual(decimal.Zero) || req.Price.GreaterThanOrEqual(decimal.New(1, 0)) {
			return types.NewGatewayError(types.ErrPriceOutOfRange, "price %s outside (0, 1)", req.Price)
		}
		if !onTickGrid(req.Price, g.cfg.TickSize) {
			return types.NewGatewayError(types.ErrPriceOutOfRange, "price %s is not on the %s tick grid", req.Price, g.cfg.TickSize)
		}
	}
	return nil
}

// onTickGrid reports whether price is an integer multiple of tick.
func onTickGrid(price, tick decimal.Decimal) bool {
	if tick.IsZero() {
		return true
	}
	ratio := price.Div(tick)
	return ratio.Sub(ratio.Round(0)).Abs().LessThan(decimal.New(1, -8))
}

func hashRequest(req PlaceOrderRequest) string {
	h := sha256.New()
	fmt.Fprintf(h, "%d|%s|%s|%s|%s|%s|%s", req.MarketID, req.UserID, req.Side, req.Type, req.Outcome, req.Price, req.Quantity)
	return hex.EncodeToString(h.Sum(nil))
}

// checkIdempotency returns a cached result if key was already used with an
// identical request, errors on IDEMPOTENCY_KEY_CONFLICT if it was used
// with a different one, and returns (nil, nil) on first use (spec.md
// §4.4).
func (g *Gateway) checkIdempotency(userID, key, requestHash string) (*ledger.PlaceOrderResult, error) {
	var rec store.IdempotencyRecord
	err := g.ledger.DB().Where("user_id = ? AND key = ?", userID, key).First(&rec).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if rec.RequestHash != requestHash {
		return nil, types.NewGatewayError(types.ErrIdempotencyKeyConflict, "idempotency key %q reused with a different request", key)
	}
	var cached ledger.PlaceOrderResult
	if err := json.Unmarshal([]byte(rec.ResultJSON), &cached); err != nil {
		return nil, err
	}
	return &cached, nil
}

func (g *Gateway) recordIdempotency(userID, key, requestHash string, result *ledger.PlaceOrderResult) error {
	payload, err := json.Marshal(result)
	if err != nil {
		return err
	}
	rec := store.IdempotencyRecord{
		UserID:      userID,
		Key:         key,
		RequestHash: requestHash,
		ResultJSON:  string(payload),
		CreatedAt:   g.clock.Now(),
	}
	return g.ledger.DB().Create(&rec).Error
}
