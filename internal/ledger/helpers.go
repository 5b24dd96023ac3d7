package ledger

import (
	"errors"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"ragnarok/internal/clock"
	"ragnarok/internal/idgen"
	"ragnarok/internal/store"
	"ragnarok/internal/types"
)

// withLock applies a SELECT ... FOR UPDATE row lock when the backing
// database supports it. sqlite has no row-level locking clause and rejects
// the syntax outright, so it is skipped there; sqlite callers already run
// single-writer (one *sql.DB connection serializes every transaction), which
// gives the same exclusion this clause buys on postgres.
func withLock(tx *gorm.DB) *gorm.DB {
	if tx.Dialector.Name() == "sqlite" {
		return tx
	}
	return tx.Clauses(clause.Locking{Strength: "UPDATE"})
}

// GetOrCreateBalance loads and row-locks userID's balance within tx,
// creating a zero balance if this is its first touch.
func GetOrCreateBalance(tx *gorm.DB, userID string) (*store.BalanceRecord, error) {
	var rec store.BalanceRecord
	err := withLock(tx).Where("user_id = ?", userID).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		rec = store.BalanceRecord{UserID: userID, Available: decimal.Zero, Locked: decimal.Zero, Total: decimal.Zero}
		if err := tx.Create(&rec).Error; err != nil {
			return nil, err
		}
		return &rec, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// SaveBalance recomputes Total and persists the row, preserving the
// Balance.total = available+locked invariant (spec.md §3).
func SaveBalance(tx *gorm.DB, rec *store.BalanceRecord) error {
	rec.Total = rec.Available.Add(rec.Locked)
	return tx.Save(rec).Error
}

// GetOrCreatePosition loads and row-locks a user's position in one market
// outcome, creating a zero position if this is its first acquisition.
func GetOrCreatePosition(tx *gorm.DB, userID string, marketID uint, outcome types.Outcome) (*store.PositionRecord, error) {
	var rec store.PositionRecord
	err := withLock(tx).
		Where("user_id = ? AND market_id = ? AND outcome = ?", userID, marketID, string(outcome)).
		First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		rec = store.PositionRecord{UserID: userID, MarketID: marketID, Outcome: string(outcome), Quantity: decimal.Zero, AveragePrice: decimal.Zero}
		if err := tx.Create(&rec).Error; err != nil {
			return nil, err
		}
		return &rec, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// FreeSellQuantity computes a user's sellable quantity of one market
// outcome: their position, less whatever their own OPEN/PARTIAL sell
// orders have already committed (spec.md §4.3).
func FreeSellQuantity(tx *gorm.DB, userID string, marketID uint, outcome types.Outcome, position *store.PositionRecord) (decimal.Decimal, error) {
	var resting []store.OrderRecord
	err := tx.Where(
		"user_id = ? AND market_id = ? AND outcome = ? AND side = ? AND status IN ?",
		userID, marketID, string(outcome), string(types.Sell),
		[]string{string(types.OrderOpen), string(types.OrderPartial)},
	).Find(&resting).Error
	if err != nil {
		return decimal.Zero, err
	}

	reserved := decimal.Zero
	for _, r := range resting {
		reserved = reserved.Add(r.Quantity.Sub(r.Filled))
	}
	return position.Quantity.Sub(reserved), nil
}

// AppendEvent writes one audit-log row for an order (spec.md §3, §4.3).
func AppendEvent(tx *gorm.DB, clk clock.Clock, orderID string, eventType types.OrderEventType, detail string) error {
	rec := store.OrderEventRecord{
		ID:        idgen.New(),
		OrderID:   orderID,
		Type:      string(eventType),
		CreatedAt: clk.Now(),
		Detail:    detail,
	}
	return tx.Create(&rec).Error
}

// CancelResting releases the escrow of an OPEN/PARTIAL order and marks it
// CANCELLED (spec.md §4.3). It sets order.Status to CANCELLED itself before
// persisting the row, so callers need not set it first. No-op money-wise
// for SELL orders: shares are released simply by no longer being counted
// in FreeSellQuantity.
func CancelResting(tx *gorm.DB, clk clock.Clock, order *types.Order) (released decimal.Decimal, err error) {
	if order.Side == types.Buy && order.Price.IsPositive() {
		released = order.Remaining().Mul(order.Price).RoundBank(types.DecimalPlaces)
		bal, err := GetOrCreateBalance(tx, order.UserID)
		if err != nil {
			return decimal.Zero, err
		}
		if released.GreaterThan(bal.Locked) {
			released = bal.Locked
		}
		bal.Locked = bal.Locked.Sub(released)
		bal.Available = bal.Available.Add(released)
		if err := SaveBalance(tx, bal); err != nil {
			return decimal.Zero, err
		}
	}

	order.Status = types.OrderCancelled
	rec := store.RecordFromOrder(order)
	if err := tx.Save(&rec).Error; err != nil {
		return decimal.Zero, err
	}
	if err := AppendEvent(tx, clk, order.ID, types.EventCancelled, ""); err != nil {
		return decimal.Zero, err
	}
	return released, nil
}
