// Package settlement implements resolveMarket and cancelMarket (spec.md
// §4.5, component C5): the two market-lifecycle operations that pay out or
// unwind every position and resting order in one market. Both run as a
// single job submitted to that market's Dispatcher actor, so they observe
// (and block) the same serialized stream of order submissions spec.md §5
// requires.
package settlement

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"ragnarok/internal/clock"
	"ragnarok/internal/dispatch"
	"ragnarok/internal/engine"
	"ragnarok/internal/eventbus"
	"ragnarok/internal/ledger"
	"ragnarok/internal/store"
	"ragnarok/internal/types"
)

const submissionTimeout = 5 * time.Second

// outbound is a queued event, published only after the settling
// transaction commits — the same deferred-publish shape EscrowLedger uses.
type outbound struct {
	topic   string
	typ     eventbus.EventType
	payload any
}

func marketTopic(marketID uint) string { return fmt.Sprintf("market:%d", marketID) }
func userTopic(userID string) string   { return "user:" + userID }

// Settler resolves or cancels markets against the same ledger, engine and
// dispatcher the OrderGateway uses for ordinary order flow.
type Settler struct {
	db     *store.DB
	eng    *engine.Engine
	disp   *dispatch.Dispatcher
	bus    *eventbus.EventBus
	clock  clock.Clock
}

// New constructs a Settler.
func New(db *store.DB, eng *engine.Engine, disp *dispatch.Dispatcher, bus *eventbus.EventBus, clk clock.Clock) *Settler {
	if clk == nil {
		clk = clock.NewSystem()
	}
	return &Settler{db: db, eng: eng, disp: disp, bus: bus, clock: clk}
}

// Resolve settles marketID to winningOutcome (spec.md §4.5): every resting
// order is cancelled with its escrow released, every Yes/No position is
// paid out at 1.00 for the winning outcome and 0.00 for the losing one,
// and the market moves to RESOLVED.
func (s *Settler) Resolve(ctx context.Context, marketID uint, winningOutcome types.Outcome) error {
	var resolved *store.MarketRecord
	var outbox []outbound
	deadline := s.clock.Now().Add(submissionTimeout)
	err := s.disp.Submit(ctx, marketID, deadline, func(ctx context.Context) error {
		outbox = nil
		return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			market, err := s.loadMarket(tx, marketID)
			if err != nil {
				return err
			}
			if types.MarketStatus(market.Status) != types.MarketClosed {
				return types.NewGatewayError(types.ErrNotClosed, "market %s must be CLOSED before it can be resolved", market.Slug)
			}

			if err := s.cancelAllResting(tx, marketID); err != nil {
				return err
			}

			var positions []store.PositionRecord
			if err := tx.Where("market_id = ?", marketID).Find(&positions).Error; err != nil {
				return err
			}
			for _, pos := range positions {
				if pos.Quantity.IsZero() {
					continue
				}
				payout := decimal.Zero
				if types.Outcome(pos.Outcome) == winningOutcome {
					payout = pos.Quantity
				}
				if payout.IsPositive() {
					bal, err := ledger.GetOrCreateBalance(tx, pos.UserID)
					if err != nil {
						return err
					}
					bal.Available = bal.Available.Add(payout)
					if err := ledger.SaveBalance(tx, bal); err != nil {
						return err
					}
					outbox = append(outbox, outbound{topic: userTopic(pos.UserID), typ: eventbus.BalanceUpdated, payload: store.BalanceFromRecord(*bal)})
				}
				pos.Quantity = decimal.Zero
				if err := tx.Save(&pos).Error; err != nil {
					return err
				}
				outbox = append(outbox, outbound{topic: userTopic(pos.UserID), typ: eventbus.PositionUpdated, payload: store.PositionFromRecord(pos)})
			}

			outcome := string(winningOutcome)
			market.Status = string(types.MarketResolved)
			market.Outcome = &outcome
			now := s.clock.Now()
			market.ResolveTime = &now
			if err := tx.Save(market).Error; err != nil {
				return err
			}
			resolved = market
			return nil
		})
	})
	if err != nil {
		return err
	}
	s.bus.Publish(marketTopic(marketID), eventbus.MarketUpdated, store.MarketFromRecord(*resolved))
	for _, o := range outbox {
		s.bus.Publish(o.topic, o.typ, o.payload)
	}
	return nil
}

// Cancel voids marketID (spec.md §4.5 Non-goal boundary: a cancelled
// market refunds every order's escrow and every position's cost basis
// back to available cash, rather than paying anyone out).
func (s *Settler) Cancel(ctx context.Context, marketID uint) error {
	var cancelled *store.MarketRecord
	var outbox []outbound
	deadline := s.clock.Now().Add(submissionTimeout)
	err := s.disp.Submit(ctx, marketID, deadline, func(ctx context.Context) error {
		outbox = nil
		return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			market, err := s.loadMarket(tx, marketID)
			if err != nil {
				return err
			}
			status := types.MarketStatus(market.Status)
			if status != types.MarketOpen && status != types.MarketClosed {
				return types.NewGatewayError(types.ErrNotOpenOrClosed, "market %s cannot be cancelled from %s", market.Slug, market.Status)
			}

			if err := s.cancelAllResting(tx, marketID); err != nil {
				return err
			}

			var positions []store.PositionRecord
			if err := tx.Where("market_id = ?", marketID).Find(&positions).Error; err != nil {
				return err
			}
			for _, pos := range positions {
				if pos.Quantity.IsZero() {
					continue
				}
				refund := pos.Quantity.Mul(pos.AveragePrice).RoundBank(types.DecimalPlaces)
				if refund.IsPositive() {
					bal, err := ledger.GetOrCreateBalance(tx, pos.UserID)
					if err != nil {
						return err
					}
					bal.Available = bal.Available.Add(refund)
					if err := ledger.SaveBalance(tx, bal); err != nil {
						return err
					}
					outbox = append(outbox, outbound{topic: userTopic(pos.UserID), typ: eventbus.BalanceUpdated, payload: store.BalanceFromRecord(*bal)})
				}
				pos.Quantity = decimal.Zero
				if err := tx.Save(&pos).Error; err != nil {
					return err
				}
				outbox = append(outbox, outbound{topic: userTopic(pos.UserID), typ: eventbus.PositionUpdated, payload: store.PositionFromRecord(pos)})
			}

			market.Status = string(types.MarketCancelled)
			if err := tx.Save(market).Error; err != nil {
				return err
			}
			cancelled = market
			return nil
		})
	})
	if err != nil {
		return err
	}
	s.bus.Publish(marketTopic(marketID), eventbus.MarketUpdated, store.MarketFromRecord(*cancelled))
	for _, o := range outbox {
		s.bus.Publish(o.topic, o.typ, o.payload)
	}
	return nil
}

func (s *Settler) loadMarket(tx *gorm.DB, marketID uint) (*store.MarketRecord, error) {
	var rec store.MarketRecord
	if err := tx.Where("id = ?", marketID).First(&rec).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, types.NewGatewayError(types.ErrNotFound, "market %d not found", marketID)
		}
		return nil, err
	}
	return &rec, nil
}

// cancelAllResting releases escrow and marks CANCELLED every still-open
// order in marketID, and empties both in-memory books.
func (s *Settler) cancelAllResting(tx *gorm.DB, marketID uint) error {
	var orders []store.OrderRecord
	err := tx.Where("market_id = ? AND status IN ?", marketID, []string{string(types.OrderOpen), string(types.OrderPartial), string(types.OrderPending)}).
		Find(&orders).Error
	if err != nil {
		return err
	}
	for _, rec := range orders {
		order := store.OrderFromRecord(rec)
		s.eng.RemoveOrder(order.MarketID, order.Outcome, order.ID)
		if _, err := ledger.CancelResting(tx, s.clock, order); err != nil {
			return fmt.Errorf("cancelling resting order %s: %w", order.ID, err)
		}
	}
	return nil
}
