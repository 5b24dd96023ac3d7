package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"ragnarok/internal/clock"
	"ragnarok/internal/engine"
	"ragnarok/internal/eventbus"
	"ragnarok/internal/store"
	"ragnarok/internal/types"
)

func newTestLedger(t *testing.T) (*EscrowLedger, *engine.Engine, *store.DB, *clock.Manual) {
	t.Helper()
	db, err := store.Open(":memory:")
	require.NoError(t, err)

	require.NoError(t, db.Create(&store.MarketRecord{
		ID: 1, Slug: "will-it-rain", Question: "Will it rain?", Status: string(types.MarketOpen),
	}).Error)

	clk := clock.NewManual(time.Now())
	bus := eventbus.New(clk)
	eng := engine.New(engine.Options{Clock: clk})
	led := New(db, bus, clk)
	return led, eng, db, clk
}

func fund(t *testing.T, db *store.DB, userID string, available string) {
	t.Helper()
	require.NoError(t, db.Create(&store.BalanceRecord{
		UserID: userID, Available: decimal.RequireFromString(available), Locked: decimal.Zero, Total: decimal.RequireFromString(available),
	}).Error)
}

func newOrder(id, userID string, side types.Side, typ types.OrderType, price, qty string, at time.Time) *types.Order {
	p := decimal.Zero
	if price != "" {
		p = decimal.RequireFromString(price)
	}
	return &types.Order{
		ID: id, MarketID: 1, UserID: userID, Side: side, Type: typ, Outcome: types.Yes,
		Price: p, Quantity: decimal.RequireFromString(qty), Status: types.OrderPending, CreatedAt: at,
	}
}

func TestPlaceOrderReservesCashForALimitBuy(t *testing.T) {
	led, eng, db, clk := newTestLedger(t)
	fund(t, db, "bob", "100")

	order := newOrder("o1", "bob", types.Buy, types.LimitOrder, "0.40", "10", clk.Now())
	_, err := led.PlaceOrder(context.Background(), eng, order)
	require.NoError(t, err)

	var bal store.BalanceRecord
	require.NoError(t, db.Where("user_id = ?", "bob").First(&bal).Error)
	require.True(t, bal.Available.Equal(decimal.RequireFromString("96")), "4 reserved out of 100")
	require.True(t, bal.Locked.Equal(decimal.RequireFromString("4")))
	require.True(t, store.BalanceFromRecord(bal).Invariant())
}

func TestPlaceOrderCrossAppliesVWAPAndSettlesCash(t *testing.T) {
	led, eng, db, clk := newTestLedger(t)
	fund(t, db, "alice", "100")
	fund(t, db, "bob", "100")
	require.NoError(t, db.Create(&store.PositionRecord{
		UserID: "alice", MarketID: 1, Outcome: "YES", Quantity: decimal.RequireFromString("10"), AveragePrice: decimal.RequireFromString("0.30"),
	}).Error)

	maker := newOrder("m1", "alice", types.Sell, types.LimitOrder, "0.40", "10", clk.Now())
	_, err := led.PlaceOrder(context.Background(), eng, maker)
	require.NoError(t, err)

	clk.Advance(time.Second)
	taker := newOrder("t1", "bob", types.Buy, types.LimitOrder, "0.45", "10", clk.Now())
	result, err := led.PlaceOrder(context.Background(), eng, taker)
	require.NoError(t, err)
	require.Len(t, result.Fills, 1)
	require.Equal(t, "0.40", result.Fills[0].Price.String())

	var buyerBal, sellerBal store.BalanceRecord
	require.NoError(t, db.Where("user_id = ?", "bob").First(&buyerBal).Error)
	require.NoError(t, db.Where("user_id = ?", "alice").First(&sellerBal).Error)
	require.True(t, buyerBal.Available.Equal(decimal.RequireFromString("96")), "unspent reservation returned")
	require.True(t, buyerBal.Locked.IsZero())
	require.True(t, sellerBal.Available.Equal(decimal.RequireFromString("104")), "100 + proceeds of 4")

	var buyerPos store.PositionRecord
	require.NoError(t, db.Where("user_id = ? AND market_id = ? AND outcome = ?", "bob", 1, "YES").First(&buyerPos).Error)
	require.True(t, buyerPos.Quantity.Equal(decimal.RequireFromString("10")))
	require.True(t, buyerPos.AveragePrice.Equal(decimal.RequireFromString("0.4")))
}

func TestPlaceOrderRejectsSellWithoutFreeShares(t *testing.T) {
	led, eng, db, clk := newTestLedger(t)
	fund(t, db, "carol", "100")

	order := newOrder("s1", "carol", types.Sell, types.LimitOrder, "0.60", "5", clk.Now())
	_, err := led.PlaceOrder(context.Background(), eng, order)
	require.Error(t, err)
	require.Equal(t, types.ErrInsufficientShares, types.CodeOf(err))
}

func TestPlaceOrderRejectsBuyWithoutEnoughCash(t *testing.T) {
	led, eng, db, clk := newTestLedger(t)
	fund(t, db, "bob", "1")

	order := newOrder("o1", "bob", types.Buy, types.LimitOrder, "0.40", "10", clk.Now())
	_, err := led.PlaceOrder(context.Background(), eng, order)
	require.Error(t, err)
	require.Equal(t, types.ErrInsufficientBalance, types.CodeOf(err))
}

func TestCancelOrderReleasesRemainingEscrow(t *testing.T) {
	led, eng, db, clk := newTestLedger(t)
	fund(t, db, "bob", "100")

	order := newOrder("o1", "bob", types.Buy, types.LimitOrder, "0.40", "10", clk.Now())
	_, err := led.PlaceOrder(context.Background(), eng, order)
	require.NoError(t, err)

	cancelled, err := led.CancelOrder(context.Background(), eng, "bob", "o1")
	require.NoError(t, err)
	require.Equal(t, types.OrderCancelled, cancelled.Status)

	var bal store.BalanceRecord
	require.NoError(t, db.Where("user_id = ?", "bob").First(&bal).Error)
	require.True(t, bal.Available.Equal(decimal.RequireFromString("100")))
	require.True(t, bal.Locked.IsZero())

	_, ok := eng.Book(1, types.Yes).BestBid()
	require.False(t, ok, "cancelled order must leave the book")
}

func TestCancelOrderRejectsNonOwner(t *testing.T) {
	led, eng, db, clk := newTestLedger(t)
	fund(t, db, "bob", "100")

	order := newOrder("o1", "bob", types.Buy, types.LimitOrder, "0.40", "10", clk.Now())
	_, err := led.PlaceOrder(context.Background(), eng, order)
	require.NoError(t, err)

	_, err = led.CancelOrder(context.Background(), eng, "mallory", "o1")
	require.Error(t, err)
	require.Equal(t, types.ErrNotOwner, types.CodeOf(err))
}

func TestPlaceOrderSelfTradeCancelMakerReleasesMakerEscrow(t *testing.T) {
	led, _, db, clk := newTestLedger(t)
	eng := engine.New(engine.Options{Clock: clk, SelfTradePolicy: types.SelfTradeCancelMaker})
	fund(t, db, "alice", "100")
	require.NoError(t, db.Create(&store.PositionRecord{
		UserID: "alice", MarketID: 1, Outcome: "YES", Quantity: decimal.RequireFromString("10"), AveragePrice: decimal.Zero,
	}).Error)

	maker := newOrder("m1", "alice", types.Buy, types.LimitOrder, "0.40", "10", clk.Now())
	_, err := led.PlaceOrder(context.Background(), eng, maker)
	require.NoError(t, err)

	clk.Advance(time.Second)
	taker := newOrder("t1", "alice", types.Sell, types.LimitOrder, "0.35", "10", clk.Now())
	result, err := led.PlaceOrder(context.Background(), eng, taker)
	require.NoError(t, err)
	require.Empty(t, result.Fills)

	var bal store.BalanceRecord
	require.NoError(t, db.Where("user_id = ?", "alice").First(&bal).Error)
	require.True(t, bal.Available.Equal(decimal.RequireFromString("100")), "the cancelled maker's reservation must return in full")
	require.True(t, bal.Locked.IsZero())
}
