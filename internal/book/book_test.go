package book

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ragnarok/internal/types"
)

func order(id string, side types.Side, price string, qty string, at time.Time) *types.Order {
	return &types.Order{
		ID:        id,
		MarketID:  1,
		UserID:    "user-" + id,
		Side:      side,
		Type:      types.LimitOrder,
		Outcome:   types.Yes,
		Price:     decimal.RequireFromString(price),
		Quantity:  decimal.RequireFromString(qty),
		Status:    types.OrderOpen,
		CreatedAt: at,
	}
}

func TestBookBestBidAskAreTopOfEachSide(t *testing.T) {
	bk := New(1, types.Yes)
	base := time.Now()

	bk.Insert(order("b1", types.Buy, "0.40", "10", base))
	bk.Insert(order("b2", types.Buy, "0.45", "10", base.Add(time.Second)))
	bk.Insert(order("a1", types.Sell, "0.60", "10", base))
	bk.Insert(order("a2", types.Sell, "0.55", "10", base.Add(time.Second)))

	bid, ok := bk.BestBid()
	require.True(t, ok)
	assert.Equal(t, "0.45", bid.Price.String())

	ask, ok := bk.BestAsk()
	require.True(t, ok)
	assert.Equal(t, "0.55", ask.Price.String())
}

func TestBookPriceTimePriorityWithinALevel(t *testing.T) {
	bk := New(1, types.Yes)
	base := time.Now()

	first := order("b1", types.Buy, "0.40", "10", base)
	second := order("b2", types.Buy, "0.40", "10", base.Add(time.Second))
	bk.Insert(second)
	bk.Insert(first)

	top, ok := bk.OppositeBest(types.Sell)
	require.True(t, ok)
	assert.Equal(t, "b1", top.ID, "earlier arrival at an equal price must be first in line")
}

func TestBookTieBreaksOnOrderIDAtEqualTimestamp(t *testing.T) {
	bk := New(1, types.Yes)
	at := time.Now()

	bk.Insert(order("zzz", types.Buy, "0.40", "10", at))
	bk.Insert(order("aaa", types.Buy, "0.40", "10", at))

	top, ok := bk.OppositeBest(types.Sell)
	require.True(t, ok)
	assert.Equal(t, "aaa", top.ID)
}

func TestBookRemoveDeletesEmptyLevel(t *testing.T) {
	bk := New(1, types.Yes)
	o := order("b1", types.Buy, "0.40", "10", time.Now())
	bk.Insert(o)

	removed, ok := bk.Remove("b1")
	require.True(t, ok)
	assert.Equal(t, o, removed)
	assert.Equal(t, 0, bk.Len(types.Buy))

	_, ok = bk.BestBid()
	assert.False(t, ok)
}

func TestBookSnapshotAggregatesByLevel(t *testing.T) {
	bk := New(1, types.Yes)
	base := time.Now()
	bk.Insert(order("b1", types.Buy, "0.40", "10", base))
	bk.Insert(order("b2", types.Buy, "0.40", "5", base.Add(time.Second)))
	bk.Insert(order("b3", types.Buy, "0.35", "20", base))

	bids, _ := bk.Snapshot()
	require.Len(t, bids, 2)
	assert.Equal(t, "0.40", bids[0].Price.String(), "bids must come back best-first")
	assert.Equal(t, "15", bids[0].Quantity.String())
	assert.Equal(t, 2, bids[0].OrderCount)
}

func TestBookIterMatchingWalksPriorityOrderWithoutConsuming(t *testing.T) {
	bk := New(1, types.Yes)
	base := time.Now()

	bk.Insert(order("a1", types.Sell, "0.60", "10", base))
	bk.Insert(order("a2", types.Sell, "0.55", "10", base.Add(time.Second)))
	bk.Insert(order("a3", types.Sell, "0.55", "5", base.Add(2*time.Second)))

	candidates := bk.IterMatching(types.Buy)
	require.Len(t, candidates, 3)
	assert.Equal(t, []string{"a2", "a3", "a1"}, []string{candidates[0].ID, candidates[1].ID, candidates[2].ID},
		"best price level first, then arrival order within a level")

	assert.Equal(t, 3, bk.Len(types.Sell), "iterating must not remove anything from the book")
}

func TestBookNextOppositeLevelDoesNotConsume(t *testing.T) {
	bk := New(1, types.Yes)
	bk.Insert(order("a1", types.Sell, "0.60", "10", time.Now()))

	price, ok := bk.NextOppositeLevel(types.Buy)
	require.True(t, ok)
	assert.Equal(t, "0.60", price.String())
	assert.Equal(t, 1, bk.Len(types.Sell), "peeking must not remove the order")
}
