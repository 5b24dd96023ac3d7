// Package ledger implements the EscrowLedger (spec.md §4.3, component C3):
// the only place money or shares move. Every mutation happens inside a
// single GORM transaction per submission (web3guy0-polybot's
// internal/database package is the model for this db.Transaction(...)
// closure idiom), and events are only published to the EventBus after that
// transaction has committed.
package ledger

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"ragnarok/internal/book"
	"ragnarok/internal/clock"
	"ragnarok/internal/engine"
	"ragnarok/internal/eventbus"
	"ragnarok/internal/idgen"
	"ragnarok/internal/store"
	"ragnarok/internal/types"
)

// EscrowLedger owns the durable state behind the in-memory Engine: balances,
// positions, orders, trades and the audit log.
type EscrowLedger struct {
	db    *store.DB
	bus   *eventbus.EventBus
	clock clock.Clock
}

// New constructs an EscrowLedger over db, publishing committed state
// changes to bus.
func New(db *store.DB, bus *eventbus.EventBus, clk clock.Clock) *EscrowLedger {
	if clk == nil {
		clk = clock.NewSystem()
	}
	return &EscrowLedger{db: db, bus: bus, clock: clk}
}

// DB exposes the underlying handle so the gateway can read trades and
// idempotency records through the same connection pool.
func (l *EscrowLedger) DB() *store.DB { return l.db }

// Clock returns the ledger's time source.
func (l *EscrowLedger) Clock() clock.Clock { return l.clock }

type outbound struct {
	topic   string
	typ     eventbus.EventType
	payload any
}

func (l *EscrowLedger) flush(outbox []outbound) {
	for _, o := range outbox {
		l.bus.Publish(o.topic, o.typ, o.payload)
	}
}

func marketTopic(marketID uint) string  { return fmt.Sprintf("market:%d", marketID) }
func tradeTopic(marketID uint) string   { return fmt.Sprintf("market:%d:trades", marketID) }
func userTopic(userID string) string    { return "user:" + userID }

// PlaceOrderResult is everything a caller needs to report back to a client
// after a successful submission.
type PlaceOrderResult struct {
	Order *types.Order
	Fills []engine.Fill
}

// PlaceOrder runs the full spec.md §4.3 escrow-then-match-then-settle
// sequence for one incoming order: it validates the market is open,
// reserves collateral, persists the order, hands it to eng for matching,
// then applies every resulting fill and releases any now-unneeded
// reservation — all inside one transaction. Events are published only
// once that transaction commits.
func (l *EscrowLedger) PlaceOrder(ctx context.Context, eng *engine.Engine, order *types.Order) (*PlaceOrderResult, error) {
	var outbox []outbound
	var fills []engine.Fill

	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		market, err := l.loadOpenMarket(tx, order.MarketID)
		if err != nil {
			return err
		}

		if order.Side == types.Buy {
			if err := l.reserveBuy(tx, eng, order); err != nil {
				return err
			}
		} else {
			if err := l.checkFreeShares(tx, order); err != nil {
				return err
			}
		}

		order.Status = types.OrderPending
		orderRec := store.RecordFromOrder(order)
		if err := tx.Create(&orderRec).Error; err != nil {
			return err
		}
		if err := AppendEvent(tx, l.clock, order.ID, types.EventPlaced, ""); err != nil {
			return err
		}

		result, err := eng.Submit(order)
		if err != nil {
			return err
		}
		fills = result.Fills

		for _, fill := range result.Fills {
			if err := l.applyFill(tx, order, fill, &outbox); err != nil {
				return err
			}
		}
		for _, maker := range result.CancelledMakers {
			released, err := CancelResting(tx, l.clock, maker)
			if err != nil {
				return err
			}
			if released.IsPositive() {
				outbox = append(outbox, l.balanceEvent(tx, maker.UserID)...)
			}
			outbox = append(outbox, outbound{topic: marketTopic(market.ID), typ: eventbus.OrderCancelled, payload: *maker})
		}

		if order.Side == types.Buy {
			if err := l.releaseBuyResidual(tx, order, result.Residual); err != nil {
				return err
			}
			outbox = append(outbox, l.balanceEvent(tx, order.UserID)...)
		}

		orderRec = store.RecordFromOrder(order)
		if err := tx.Save(&orderRec).Error; err != nil {
			return err
		}

		outbox = append(outbox, outbound{topic: marketTopic(order.MarketID), typ: eventbus.OrderPlaced, payload: *order})
		bids, asks := eng.Book(order.MarketID, order.Outcome).Snapshot()
		outbox = append(outbox, outbound{
			topic: marketTopic(order.MarketID),
			typ:   eventbus.OrderbookUpdate,
			payload: SnapshotPayload{
				MarketID: order.MarketID,
				Outcome:  order.Outcome,
				Bids:     bids,
				Asks:     asks,
			},
		})

		return nil
	})
	if err != nil {
		if err == engine.ErrNoLiquidity {
			return nil, types.NewGatewayError(types.ErrNoLiquidity, "market %d has no resting liquidity for a MARKET %s", order.MarketID, order.Side)
		}
		return nil, err
	}

	l.flush(outbox)
	return &PlaceOrderResult{Order: order, Fills: fills}, nil
}

// SnapshotPayload is published on orderbook_update envelopes.
type SnapshotPayload struct {
	MarketID uint
	Outcome  types.Outcome
	Bids     []book.Level
	Asks     []book.Level
}

func (l *EscrowLedger) loadOpenMarket(tx *gorm.DB, marketID uint) (*store.MarketRecord, error) {
	var rec store.MarketRecord
	if err := tx.Where("id = ?", marketID).First(&rec).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, types.NewGatewayError(types.ErrNotFound, "market %d not found", marketID)
		}
		return nil, err
	}
	if types.MarketStatus(rec.Status) != types.MarketOpen {
		return nil, types.NewGatewayError(types.ErrMarketNotOpen, "market %s is %s", rec.Slug, rec.Status)
	}
	return &rec, nil
}

// reserveBuy locks cash for a BUY order per spec.md §4.3: quantity×price
// for LIMIT, quantity×best-opposite-price for MARKET (the upper bound
// later trued up in releaseBuyResidual).
func (l *EscrowLedger) reserveBuy(tx *gorm.DB, eng *engine.Engine, order *types.Order) error {
	refPrice := order.Price
	if order.Type == types.MarketOrder {
		ref, ok := eng.ReferencePrice(order.MarketID, order.Outcome, order.Side)
		if !ok {
			return engine.ErrNoLiquidity
		}
		refPrice = ref
	}

	reserve := order.Quantity.Mul(refPrice).RoundBank(types.DecimalPlaces)
	bal, err := GetOrCreateBalance(tx, order.UserID)
	if err != nil {
		return err
	}
	if bal.Available.LessThan(reserve) {
		return types.NewGatewayError(types.ErrInsufficientBalance, "available %s < required %s", bal.Available, reserve)
	}
	bal.Available = bal.Available.Sub(reserve)
	bal.Locked = bal.Locked.Add(reserve)
	return SaveBalance(tx, bal)
}

// checkFreeShares enforces spec.md §4.3's no-naked-shorts rule for SELL.
func (l *EscrowLedger) checkFreeShares(tx *gorm.DB, order *types.Order) error {
	pos, err := GetOrCreatePosition(tx, order.UserID, order.MarketID, order.Outcome)
	if err != nil {
		return err
	}
	free, err := FreeSellQuantity(tx, order.UserID, order.MarketID, order.Outcome, pos)
	if err != nil {
		return err
	}
	if free.LessThan(order.Quantity) {
		return types.NewGatewayError(types.ErrInsufficientShares, "free %s < requested %s", free, order.Quantity)
	}
	return nil
}

// releaseBuyResidual trues up a BUY order's reservation once matching has
// stopped: a LIMIT residual keeps exactly remaining×limitPrice locked (the
// rest returns to available); a cancelled MARKET residual, or a fully
// filled order, releases everything still held for this submission.
func (l *EscrowLedger) releaseBuyResidual(tx *gorm.DB, order *types.Order, residual decimal.Decimal) error {
	desiredLock := decimal.Zero
	if order.Type == types.LimitOrder && !order.Status.IsTerminal() && residual.IsPositive() {
		desiredLock = residual.Mul(order.Price).RoundBank(types.DecimalPlaces)
	}

	bal, err := GetOrCreateBalance(tx, order.UserID)
	if err != nil {
		return err
	}

	// Locked currently reflects reserve-at-entry minus every fill cost
	// already subtracted by applyFill for this order's own buy side.
	// Whatever sits above desiredLock is no longer needed.
	release := bal.Locked.Sub(desiredLock)
	if release.IsNegative() {
		release = decimal.Zero
	}
	bal.Locked = bal.Locked.Sub(release)
	bal.Available = bal.Available.Add(release)
	return SaveBalance(tx, bal)
}

func (l *EscrowLedger) balanceEvent(tx *gorm.DB, userID string) []outbound {
	var rec store.BalanceRecord
	if err := tx.Where("user_id = ?", userID).First(&rec).Error; err != nil {
		return nil
	}
	return []outbound{{topic: userTopic(userID), typ: eventbus.BalanceUpdated, payload: store.BalanceFromRecord(rec)}}
}

// applyFill moves cost from the buyer's lock to the seller's available
// balance, updates both sides' positions (VWAP on the buy side per
// spec.md §4.4), persists the trade and maker order rows, and queues the
// resulting events for post-commit publication.
func (l *EscrowLedger) applyFill(tx *gorm.DB, order *types.Order, fill engine.Fill, outbox *[]outbound) error {
	buyerIsIncoming := fill.BuyOrderID == order.ID
	buyerOrder, sellerOrder := fill.MakerOrder, order
	if buyerIsIncoming {
		buyerOrder, sellerOrder = order, fill.MakerOrder
	}

	cost := fill.Quantity.Mul(fill.Price).RoundBank(types.DecimalPlaces)

	trade := types.Trade{
		ID:          idgen.New(),
		MarketID:    order.MarketID,
		BuyOrderID:  fill.BuyOrderID,
		SellOrderID: fill.SellOrderID,
		BuyerID:     buyerOrder.UserID,
		SellerID:    sellerOrder.UserID,
		Outcome:     fill.Outcome,
		Price:       fill.Price,
		Quantity:    fill.Quantity,
		CreatedAt:   l.clock.Now(),
	}
	tradeRec := store.RecordFromTrade(trade)
	if err := tx.Create(&tradeRec).Error; err != nil {
		return err
	}

	buyerBal, err := GetOrCreateBalance(tx, buyerOrder.UserID)
	if err != nil {
		return err
	}
	buyerBal.Locked = buyerBal.Locked.Sub(cost)
	if buyerBal.Locked.IsNegative() {
		buyerBal.Locked = decimal.Zero
	}
	if err := SaveBalance(tx, buyerBal); err != nil {
		return err
	}

	buyerPos, err := GetOrCreatePosition(tx, buyerOrder.UserID, order.MarketID, fill.Outcome)
	if err != nil {
		return err
	}
	newQty := buyerPos.Quantity.Add(fill.Quantity)
	if newQty.IsPositive() {
		weighted := buyerPos.Quantity.Mul(buyerPos.AveragePrice).Add(fill.Quantity.Mul(fill.Price))
		buyerPos.AveragePrice = weighted.Div(newQty).RoundBank(types.DecimalPlaces)
	}
	buyerPos.Quantity = newQty
	if err := tx.Save(buyerPos).Error; err != nil {
		return err
	}

	sellerBal, err := GetOrCreateBalance(tx, sellerOrder.UserID)
	if err != nil {
		return err
	}
	sellerBal.Available = sellerBal.Available.Add(cost)
	if err := SaveBalance(tx, sellerBal); err != nil {
		return err
	}

	sellerPos, err := GetOrCreatePosition(tx, sellerOrder.UserID, order.MarketID, fill.Outcome)
	if err != nil {
		return err
	}
	// averagePrice is left untouched on a sell, even down to zero quantity
	// (decided open question: the last cost basis is a meaningful readout).
	sellerPos.Quantity = sellerPos.Quantity.Sub(fill.Quantity)
	if err := tx.Save(sellerPos).Error; err != nil {
		return err
	}

	makerRec := store.RecordFromOrder(fill.MakerOrder)
	if err := tx.Save(&makerRec).Error; err != nil {
		return err
	}

	if err := AppendEvent(tx, l.clock, buyerOrder.ID, types.EventTrade, fmt.Sprintf("trade %s qty=%s price=%s", trade.ID, fill.Quantity, fill.Price)); err != nil {
		return err
	}
	if err := AppendEvent(tx, l.clock, sellerOrder.ID, types.EventTrade, fmt.Sprintf("trade %s qty=%s price=%s", trade.ID, fill.Quantity, fill.Price)); err != nil {
		return err
	}

	*outbox = append(*outbox,
		outbound{topic: tradeTopic(order.MarketID), typ: eventbus.TradeExecuted, payload: trade},
		outbound{topic: userTopic(buyerOrder.UserID), typ: eventbus.PositionUpdated, payload: store.PositionFromRecord(*buyerPos)},
		outbound{topic: userTopic(sellerOrder.UserID), typ: eventbus.PositionUpdated, payload: store.PositionFromRecord(*sellerPos)},
		outbound{topic: userTopic(buyerOrder.UserID), typ: eventbus.BalanceUpdated, payload: store.BalanceFromRecord(*buyerBal)},
		outbound{topic: userTopic(sellerOrder.UserID), typ: eventbus.BalanceUpdated, payload: store.BalanceFromRecord(*sellerBal)},
	)
	if fill.MakerOrder.Status.IsTerminal() {
		*outbox = append(*outbox, outbound{topic: marketTopic(order.MarketID), typ: eventbus.OrderPlaced, payload: *fill.MakerOrder})
	}
	return nil
}

// CancelOrder cancels a resting order owned by userID, releasing any
// locked escrow, inside its own transaction (spec.md §4.3).
func (l *EscrowLedger) CancelOrder(ctx context.Context, eng *engine.Engine, userID, orderID string) (*types.Order, error) {
	var outbox []outbound
	var order *types.Order

	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var rec store.OrderRecord
		if err := tx.Where("id = ?", orderID).First(&rec).Error; err != nil {
			if err == gorm.ErrRecordNotFound {
				return types.NewGatewayError(types.ErrNotFound, "order %s not found", orderID)
			}
			return err
		}
		order = store.OrderFromRecord(rec)
		if order.UserID != userID {
			return types.NewGatewayError(types.ErrNotOwner, "order %s is not owned by this caller", orderID)
		}
		if order.Status.IsTerminal() {
			return types.NewGatewayError(types.ErrAlreadyTerminal, "order %s is already %s", orderID, order.Status)
		}

		eng.RemoveOrder(order.MarketID, order.Outcome, order.ID)

		released, err := CancelResting(tx, l.clock, order)
		if err != nil {
			return err
		}
		if released.IsPositive() {
			outbox = append(outbox, l.balanceEvent(tx, order.UserID)...)
		}
		outbox = append(outbox, outbound{topic: marketTopic(order.MarketID), typ: eventbus.OrderCancelled, payload: *order})
		bids, asks := eng.Book(order.MarketID, order.Outcome).Snapshot()
		outbox = append(outbox, outbound{
			topic: marketTopic(order.MarketID),
			typ:   eventbus.OrderbookUpdate,
			payload: SnapshotPayload{
				MarketID: order.MarketID,
				Outcome:  order.Outcome,
				Bids:     bids,
				Asks:     asks,
			},
		})
		return nil
	})
	if err != nil {
		return nil, err
	}

	l.flush(outbox)
	return order, nil
}
