// Package engine implements the per-market matcher (spec.md §4.2,
// component C2): it walks the opposite side of a Book in price-time
// priority, applies the marketability predicate and self-trade policy, and
// emits Fill records. The Engine never performs I/O; callers (the
// EscrowLedger) persist the resulting mutations inside one transaction.
package engine

import (
	"errors"

	"github.com/shopspring/decimal"

	"ragnarok/internal/book"
	"ragnarok/internal/clock"
	"ragnarok/internal/types"
)

// ErrNoLiquidity is returned for a MARKET order with nothing resting on
// the opposite side (spec.md §9, open question 1 — decided: fail fast).
var ErrNoLiquidity = errors.New("no liquidity")

// Fill is one execution produced while matching a single submission.
type Fill struct {
	BuyOrderID  string
	SellOrderID string
	Outcome     types.Outcome
	Price       decimal.Decimal
	Quantity    decimal.Decimal
	MakerID     string
	TakerID     string
	MakerOrder  *types.Order
}

// MatchResult is the outcome of one Submit call.
type MatchResult struct {
	Order    *types.Order
	Fills    []Fill
	Residual decimal.Decimal // remaining quantity after matching stopped
	// CancelledMakers holds makers removed from the book by a
	// CANCEL_MAKER self-trade policy, so the ledger can release their escrow.
	CancelledMakers []*types.Order
}

// Engine hosts one Book per outcome for every market it serves.
type Engine struct {
	books           map[uint]map[types.Outcome]*book.Book
	selfTradePolicy types.SelfTradePolicy
	slippageCollar  decimal.Decimal
	clock           clock.Clock
}

// Options configures an Engine's matching behavior.
type Options struct {
	SelfTradePolicy types.SelfTradePolicy
	SlippageCollar  decimal.Decimal
	Clock           clock.Clock
}

// New constructs an Engine with no markets registered yet.
func New(opts Options) *Engine {
	if opts.SelfTradePolicy == "" {
		opts.SelfTradePolicy = types.SelfTradeSkip
	}
	if opts.Clock == nil {
		opts.Clock = clock.NewSystem()
	}
	return &Engine{
		books:           make(map[uint]map[types.Outcome]*book.Book),
		selfTradePolicy: opts.SelfTradePolicy,
		slippageCollar:  opts.SlippageCollar,
		clock:           opts.Clock,
	}
}

// EnsureMarket registers empty YES/NO books for a market if not already
// present, and returns its (YES, NO) book pair.
func (e *Engine) EnsureMarket(marketID uint) (yes, no *book.Book) {
	pair, ok := e.books[marketID]
	if !ok {
		pair = map[types.Outcome]*book.Book{
			types.Yes: book.New(marketID, types.Yes),
			types.No:  book.New(marketID, types.No),
		}
		e.books[marketID] = pair
	}
	return pair[types.Yes], pair[types.No]
}

// Book returns the Book for the given (marketID, outcome), registering the
// market's book pair lazily if needed.
func (e *Engine) Book(marketID uint, outcome types.Outcome) *book.Book {
	pair, ok := e.books[marketID]
	if !ok {
		e.EnsureMarket(marketID)
		pair = e.books[marketID]
	}
	return pair[outcome]
}

// RemoveOrder removes a resting order from its book, used by cancellation.
func (e *Engine) RemoveOrder(marketID uint, outcome types.Outcome, orderID string) (*types.Order, bool) {
	return e.Book(marketID, outcome).Remove(orderID)
}

// ReferencePrice returns the best resting price on the opposite side of
// side, used by the ledger to size a MARKET order's upper-bound escrow
// reservation before Submit is called.
func (e *Engine) ReferencePrice(marketID uint, outcome types.Outcome, side types.Side) (decimal.Decimal, bool) {
	return e.Book(marketID, outcome).NextOppositeLevel(side)
}

// marketable reports whether candidate (a resting order on the opposite
// side) satisfies the marketability predicate of spec.md §4.2 against
// incoming.
func marketable(incoming, candidate *types.Order) bool {
	if incoming.Type == types.MarketOrder {
		return true
	}
	if incoming.Side == types.Buy {
		return candidate.Price.LessThanOrEqual(incoming.Price)
	}
	return candidate.Price.GreaterThanOrEqual(incoming.Price)
}

// withinCollar reports whether price is within e.slippageCollar of
// reference, per spec.md §4.2/§6.
func (e *Engine) withinCollar(reference, price decimal.Decimal) bool {
	if e.slippageCollar.IsZero() || reference.IsZero() {
		return true
	}
	diff := price.Sub(reference).Abs()
	maxDiff := reference.Mul(e.slippageCollar)
	return diff.LessThanOrEqual(maxDiff)
}

// Submit runs order through the matching loop of spec.md §4.2: it walks
// resting candidates on the opposite side in priority order, applies the
// self-trade policy, executes crossing quantity at the maker's price, and
// either inserts a LIMIT residual into the book or reports a MARKET
// residual for cancellation by the caller.
func (e *Engine) Submit(order *types.Order) (*MatchResult, error) {
	bk := e.Book(order.MarketID, order.Outcome)
	result := &MatchResult{Order: order}

	var reference decimal.Decimal
	if order.Type == types.MarketOrder {
		ref, ok := bk.NextOppositeLevel(order.Side)
		if !ok {
			return nil, ErrNoLiquidity
		}
		reference = ref
	}

	candidates := bk.IterMatching(order.Side)

matching:
	for _, candidate := range candidates {
		if order.Remaining().IsZero() {
			break matching
		}
		if !marketable(order, candidate) {
			break matching
		}
		if order.Type == types.MarketOrder && !e.withinCollar(reference, candidate.Price) {
			break matching
		}

		if candidate.UserID == order.UserID {
			switch e.selfTradePolicy {
			case types.SelfTradeCancelMaker:
				bk.Remove(candidate.ID)
				candidate.Status = types.OrderCancelled
				result.CancelledMakers = append(result.CancelledMakers, candidate)
				continue matching
			case types.SelfTradeCancelTaker:
				order.Status = types.OrderCancelled
				break matching
			default: // SKIP — only this candidate is excluded; it remains
				// resting and later candidates are still walked.
				continue matching
			}
		}

		qty := decimal.Min(order.Remaining(), candidate.Remaining())
		price := candidate.Price // maker sets the price, always

		order.Filled = order.Filled.Add(qty)
		candidate.Filled = candidate.Filled.Add(qty)

		fill := Fill{Outcome: order.Outcome, Price: price, Quantity: qty, MakerID: candidate.UserID, TakerID: order.UserID, MakerOrder: candidate}
		if order.Side == types.Buy {
			fill.BuyOrderID, fill.SellOrderID = order.ID, candidate.ID
		} else {
			fill.BuyOrderID, fill.SellOrderID = candidate.ID, order.ID
		}
		result.Fills = append(result.Fills, fill)

		if candidate.Remaining().IsZero() {
			bk.Remove(candidate.ID)
			candidate.Status = types.OrderFilled
		} else {
			candidate.Status = types.OrderPartial
		}
	}

	result.Residual = order.Remaining()

	if result.Residual.IsZero() {
		order.Status = types.OrderFilled
		return result, nil
	}
	if order.Status == types.OrderCancelled {
		return result, nil
	}

	switch order.Type {
	case types.LimitOrder:
		if len(result.Fills) > 0 {
			order.Status = types.OrderPartial
		} else {
			order.Status = types.OrderOpen
		}
		bk.Insert(order)
	case types.MarketOrder:
		order.Status = types.OrderCancelled
	}

	return result, nil
}
