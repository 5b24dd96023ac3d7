// Package types holds the domain entities shared by every layer of the
// exchange: users, balances, markets, orders, trades and positions. It has
// no dependency on storage or transport so that the matching and settlement
// packages can be tested without either.
package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// DecimalPlaces is the minimum number of fractional digits carried by every
// money and share amount in the settlement path.
const DecimalPlaces = 4

// Role distinguishes an administrative user from an ordinary trader.
type Role string

const (
	RoleUser  Role = "USER"
	RoleAdmin Role = "ADMIN"
)

// MarketStatus tracks the lifecycle of a binary market.
type MarketStatus string

const (
	MarketOpen      MarketStatus = "OPEN"
	MarketClosed    MarketStatus = "CLOSED"
	MarketResolved  MarketStatus = "RESOLVED"
	MarketCancelled MarketStatus = "CANCELLED"
)

// Outcome is one of the two mutually exclusive contract sides.
type Outcome string

const (
	Yes Outcome = "YES"
	No  Outcome = "NO"
)

// Other returns the opposite outcome of this one.
func (o Outcome) Other() Outcome {
	if o == Yes {
		return No
	}
	return Yes
}

// Side is the direction of an order.
type Side string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

// OrderType is limit vs. market.
type OrderType string

const (
	LimitOrder  OrderType = "LIMIT"
	MarketOrder OrderType = "MARKET"
)

// OrderStatus is the lifecycle state of an order.
type OrderStatus string

const (
	OrderPending   OrderStatus = "PENDING"
	OrderOpen      OrderStatus = "OPEN"
	OrderPartial   OrderStatus = "PARTIAL"
	OrderFilled    OrderStatus = "FILLED"
	OrderCancelled OrderStatus = "CANCELLED"
)

// IsTerminal reports whether no further fills or cancels can apply.
func (s OrderStatus) IsTerminal() bool {
	return s == OrderFilled || s == OrderCancelled
}

// SelfTradePolicy governs what happens when an incoming order would cross
// against a resting order from the same user.
type SelfTradePolicy string

const (
	SelfTradeSkip        SelfTradePolicy = "SKIP"
	SelfTradeCancelMaker SelfTradePolicy = "CANCEL_MAKER"
	SelfTradeCancelTaker SelfTradePolicy = "CANCEL_TAKER"
)

// User is an exchange identity. Immutable after creation except Role.
type User struct {
	ID        string
	Role      Role
	CreatedAt time.Time
}

// Balance holds a user's cash position. Total must always equal
// Available+Locked.
type Balance struct {
	UserID    string
	Available decimal.Decimal
	Locked    decimal.Decimal
	Total     decimal.Decimal
}

// Invariant reports whether the balance's three components agree and are
// non-negative.
func (b Balance) Invariant() bool {
	if b.Available.IsNegative() || b.Locked.IsNegative() || b.Total.IsNegative() {
		return false
	}
	return b.Available.Add(b.Locked).Equal(b.Total)
}

// Market is one binary contract.
type Market struct {
	ID          uint
	Slug        string
	Question    string
	Status      MarketStatus
	Outcome     *Outcome
	CloseTime   *time.Time
	ResolveTime *time.Time
}

// Order is a single resting or terminal order.
type Order struct {
	ID             string
	MarketID       uint
	UserID         string
	Side           Side
	Type           OrderType
	Outcome        Outcome
	Price          decimal.Decimal // zero for MARKET
	Quantity       decimal.Decimal // original requested quantity
	Filled         decimal.Decimal
	Status         OrderStatus
	CreatedAt      time.Time
	IdempotencyKey string
}

// Remaining returns the unfilled quantity.
func (o *Order) Remaining() decimal.Decimal {
	return o.Quantity.Sub(o.Filled)
}

// Trade is an immutable execution record.
type Trade struct {
	ID          string
	MarketID    uint
	BuyOrderID  string
	SellOrderID string
	BuyerID     string
	SellerID    string
	Outcome     Outcome
	Price       decimal.Decimal
	Quantity    decimal.Decimal
	CreatedAt   time.Time
}

// Position is a user's holding of one outcome in one market.
type Position struct {
	UserID       string
	MarketID     uint
	Outcome      Outcome
	Quantity     decimal.Decimal
	AveragePrice decimal.Decimal
}

// OrderEventType names the kind of audit entry appended for an order.
type OrderEventType string

const (
	EventPlaced    OrderEventType = "PLACED"
	EventPartial   OrderEventType = "PARTIAL"
	EventFilled    OrderEventType = "FILLED"
	EventCancelled OrderEventType = "CANCELLED"
	EventTrade     OrderEventType = "TRADE"
)

// OrderEvent is one append-only audit-log row for an order.
type OrderEvent struct {
	ID        string
	OrderID   string
	Type      OrderEventType
	CreatedAt time.Time
	Detail    string
}
