// Package book implements the in-memory price-time priority data structure
// for a single (market, outcome) pair (spec.md §4.1, component C1). A Book
// never reads or writes persistent storage; durability is the EscrowLedger's
// job, replayed into a Book by the recovery package on startup.
package book

import (
	"sort"

	"github.com/shopspring/decimal"
	"github.com/tidwall/btree"

	"ragnarok/internal/types"
)

// Level is one aggregated price level, as returned by Snapshot.
type Level struct {
	Price      decimal.Decimal
	Quantity   decimal.Decimal
	OrderCount int
}

// priceLevel is the resting-order bucket kept at one price, in the book's
// internal btree. Orders within a level are kept sorted by (createdAt, id)
// ascending — earliest arrival first, lexicographically smaller id breaking
// an exact-timestamp tie.
type priceLevel struct {
	price  decimal.Decimal
	orders []*types.Order
}

func insertSorted(level *priceLevel, o *types.Order) {
	idx := sort.Search(len(level.orders), func(i int) bool {
		return less(o, level.orders[i])
	})
	level.orders = append(level.orders, nil)
	copy(level.orders[idx+1:], level.orders[idx:])
	level.orders[idx] = o
}

// less is the deterministic tie-break of spec.md §4.2: earlier createdAt
// first, then lexicographically smaller orderId.
func less(a, b *types.Order) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

func removeFromLevel(level *priceLevel, orderID string) bool {
	for i, o := range level.orders {
		if o.ID == orderID {
			level.orders = append(level.orders[:i], level.orders[i+1:]...)
			return true
		}
	}
	return false
}

// Book holds the resting OPEN/PARTIAL orders of one (marketId, outcome)
// pair, split into bids (BUY) and asks (SELL) sides.
type Book struct {
	MarketID uint
	Outcome  types.Outcome

	bids  *btree.BTreeG[*priceLevel] // highest price first
	asks  *btree.BTreeG[*priceLevel] // lowest price first
	index map[string]*types.Order    // orderId -> order, for O(1) side/price lookup on remove
}

// New constructs an empty Book for the given market and outcome.
func New(marketID uint, outcome types.Outcome) *Book {
	return &Book{
		MarketID: marketID,
		Outcome:  outcome,
		bids: btree.NewBTreeG(func(a, b *priceLevel) bool {
			return a.price.GreaterThan(b.price)
		}),
		asks: btree.NewBTreeG(func(a, b *priceLevel) bool {
			return a.price.LessThan(b.price)
		}),
		index: make(map[string]*types.Order),
	}
}

func (bk *Book) sideTree(side types.Side) *btree.BTreeG[*priceLevel] {
	if side == types.Buy {
		return bk.bids
	}
	return bk.asks
}

// Insert places order into the correct side of the book, respecting price
// then arrival-time ordering.
func (bk *Book) Insert(order *types.Order) {
	tree := bk.sideTree(order.Side)
	level, ok := tree.GetMut(&priceLevel{price: order.Price})
	if !ok {
		level = &priceLevel{price: order.Price}
		tree.Set(level)
	}
	insertSorted(level, order)
	bk.index[order.ID] = order
}

// Remove removes order by id from whichever side it rests on.
func (bk *Book) Remove(orderID string) (*types.Order, bool) {
	order, ok := bk.index[orderID]
	if !ok {
		return nil, false
	}
	tree := bk.sideTree(order.Side)
	level, ok := tree.GetMut(&priceLevel{price: order.Price})
	if ok {
		removeFromLevel(level, orderID)
		if len(level.orders) == 0 {
			tree.Delete(level)
		}
	}
	delete(bk.index, orderID)
	return order, true
}

// BestBid peeks the top of the bid side.
func (bk *Book) BestBid() (*types.Order, bool) {
	return bestOf(bk.bids)
}

// BestAsk peeks the top of the ask side.
func (bk *Book) BestAsk() (*types.Order, bool) {
	return bestOf(bk.asks)
}

func bestOf(tree *btree.BTreeG[*priceLevel]) (*types.Order, bool) {
	level, ok := tree.Min()
	if !ok || len(level.orders) == 0 {
		return nil, false
	}
	return level.orders[0], true
}

// OppositeBest peeks the top resting order on the side opposite to side.
func (bk *Book) OppositeBest(side types.Side) (*types.Order, bool) {
	if side == types.Buy {
		return bk.BestAsk()
	}
	return bk.BestBid()
}

// PopOppositeBest removes and returns the top resting order opposite to
// side.
func (bk *Book) PopOppositeBest(side types.Side) (*types.Order, bool) {
	order, ok := bk.OppositeBest(side)
	if !ok {
		return nil, false
	}
	bk.Remove(order.ID)
	return order, true
}

// IterMatching returns every resting order on the side opposite to side, in
// priority order (best price level first, then arrival order within a
// level), without removing anything from the book (spec.md §4.1
// `iterMatching`). The Engine walks this snapshot to decide, per candidate,
// whether to execute it, skip over it (self-trade SKIP — the candidate
// stays resting and later, still-marketable candidates are still
// considered), or stop the walk entirely (marketability/slippage failure).
// The returned slice is independent of the book's own level storage, so the
// Engine removing an already-visited candidate while walking it is safe.
func (bk *Book) IterMatching(side types.Side) []*types.Order {
	tree := bk.asks
	if side == types.Sell {
		tree = bk.bids
	}
	var candidates []*types.Order
	tree.Scan(func(level *priceLevel) bool {
		candidates = append(candidates, level.orders...)
		return true
	})
	return candidates
}

// NextOppositeLevel returns the best resting price level opposite to side
// without consuming it, used for slippage-collar comparisons.
func (bk *Book) NextOppositeLevel(side types.Side) (decimal.Decimal, bool) {
	order, ok := bk.OppositeBest(side)
	if !ok {
		return decimal.Zero, false
	}
	return order.Price, true
}

// Snapshot aggregates remaining quantity by price level on both sides,
// bids best-first (descending), asks best-first (ascending).
func (bk *Book) Snapshot() (bids []Level, asks []Level) {
	bk.bids.Scan(func(level *priceLevel) bool {
		bids = append(bids, aggregate(level))
		return true
	})
	bk.asks.Scan(func(level *priceLevel) bool {
		asks = append(asks, aggregate(level))
		return true
	})
	return bids, asks
}

func aggregate(level *priceLevel) Level {
	qty := decimal.Zero
	for _, o := range level.orders {
		qty = qty.Add(o.Remaining())
	}
	return Level{Price: level.price, Quantity: qty, OrderCount: len(level.orders)}
}

// Len returns the number of resting orders on the given side.
func (bk *Book) Len(side types.Side) int {
	n := 0
	tree := bk.sideTree(side)
	tree.Scan(func(level *priceLevel) bool {
		n += len(level.orders)
		return true
	})
	return n
}
