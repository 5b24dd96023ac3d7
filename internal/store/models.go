// Package store persists the entities of spec.md §3 through GORM, in the
// idiom of web3guy0-polybot's internal/database package: decimal-typed
// columns, zerolog for the driver's logger, sqlite for development and
// postgres for production, selected by DSN shape.
package store

import (
	"time"

	"github.com/shopspring/decimal"
)

// UserRecord is the durable row for types.User.
type UserRecord struct {
	ID        string `gorm:"primaryKey"`
	Role      string
	CreatedAt time.Time
}

// BalanceRecord is the durable row for types.Balance, one per user.
type BalanceRecord struct {
	UserID    string          `gorm:"primaryKey"`
	Available decimal.Decimal `gorm:"type:decimal(24,8)"`
	Locked    decimal.Decimal `gorm:"type:decimal(24,8)"`
	Total     decimal.Decimal `gorm:"type:decimal(24,8)"`
}

// MarketRecord is the durable row for types.Market.
type MarketRecord struct {
	ID          uint   `gorm:"primaryKey;autoIncrement"`
	Slug        string `gorm:"uniqueIndex"`
	Question    string
	Status      string
	Outcome     *string
	CloseTime   *time.Time
	ResolveTime *time.Time
}

// OrderRecord is the durable row for types.Order.
type OrderRecord struct {
	ID             string `gorm:"primaryKey"`
	MarketID       uint   `gorm:"index:idx_orders_book"`
	UserID         string `gorm:"index"`
	Side           string
	Type           string
	Outcome        string          `gorm:"index:idx_orders_book"`
	Price          decimal.Decimal `gorm:"type:decimal(10,6);index:idx_orders_book"`
	Quantity       decimal.Decimal `gorm:"type:decimal(24,8)"`
	Filled         decimal.Decimal `gorm:"type:decimal(24,8)"`
	Status         string          `gorm:"index:idx_orders_book"`
	CreatedAt      time.Time       `gorm:"index:idx_orders_book"`
	IdempotencyKey string
}

// TradeRecord is the durable row for types.Trade.
type TradeRecord struct {
	ID          string `gorm:"primaryKey"`
	MarketID    uint   `gorm:"index:idx_trades_market_time"`
	BuyOrderID  string
	SellOrderID string
	BuyerID     string
	SellerID    string
	Outcome     string
	Price       decimal.Decimal `gorm:"type:decimal(10,6)"`
	Quantity    decimal.Decimal `gorm:"type:decimal(24,8)"`
	CreatedAt   time.Time       `gorm:"index:idx_trades_market_time"`
}

// PositionRecord is the durable row for types.Position, unique per
// (userID, marketID, outcome).
type PositionRecord struct {
	UserID       string          `gorm:"primaryKey;index:idx_positions_unique,unique"`
	MarketID     uint            `gorm:"primaryKey;index:idx_positions_unique,unique"`
	Outcome      string          `gorm:"primaryKey;index:idx_positions_unique,unique"`
	Quantity     decimal.Decimal `gorm:"type:decimal(24,8)"`
	AveragePrice decimal.Decimal `gorm:"type:decimal(10,6)"`
}

// OrderEventRecord is one append-only audit row for an order.
type OrderEventRecord struct {
	ID        string `gorm:"primaryKey"`
	OrderID   string `gorm:"index"`
	Type      string
	CreatedAt time.Time
	Detail    string
}

// IdempotencyRecord backs the OrderGateway's idempotency contract
// (spec.md §4.4): one row per (userID, key), holding the first Result ever
// returned for it as JSON.
type IdempotencyRecord struct {
	UserID      string `gorm:"primaryKey"`
	Key         string `gorm:"primaryKey"`
	RequestHash string
	ResultJSON  string
	CreatedAt   time.Time
}

// AllModels lists every model AutoMigrate must create.
func AllModels() []any {
	return []any{
		&UserRecord{},
		&BalanceRecord{},
		&MarketRecord{},
		&OrderRecord{},
		&TradeRecord{},
		&PositionRecord{},
		&OrderEventRecord{},
		&IdempotencyRecord{},
	}
}
