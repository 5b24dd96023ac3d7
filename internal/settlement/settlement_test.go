package settlement

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"ragnarok/internal/clock"
	"ragnarok/internal/dispatch"
	"ragnarok/internal/engine"
	"ragnarok/internal/eventbus"
	"ragnarok/internal/store"
	"ragnarok/internal/types"
)

func newTestSettler(t *testing.T) (*Settler, *store.DB, *engine.Engine, *clock.Manual, *eventbus.EventBus) {
	t.Helper()
	db, err := store.Open(":memory:")
	require.NoError(t, err)

	clk := clock.NewManual(time.Now())
	bus := eventbus.New(clk)
	eng := engine.New(engine.Options{Clock: clk})
	disp := dispatch.New()
	disp.Run(context.Background())

	return New(db, eng, disp, bus, clk), db, eng, clk, bus
}

// drain collects every envelope already queued on ch without blocking.
func drain(ch <-chan eventbus.Envelope) []eventbus.Envelope {
	var envs []eventbus.Envelope
	for {
		select {
		case env := <-ch:
			envs = append(envs, env)
		default:
			return envs
		}
	}
}

func TestResolvePaysWinningOutcomeAndRefundsNothingForLosers(t *testing.T) {
	s, db, _, _, bus := newTestSettler(t)
	require.NoError(t, db.Create(&store.MarketRecord{
		ID: 1, Slug: "m1", Status: string(types.MarketClosed),
	}).Error)
	require.NoError(t, db.Create(&store.BalanceRecord{UserID: "bob", Available: decimal.Zero, Total: decimal.Zero}).Error)
	require.NoError(t, db.Create(&store.PositionRecord{
		UserID: "bob", MarketID: 1, Outcome: "YES", Quantity: decimal.RequireFromString("10"), AveragePrice: decimal.RequireFromString("0.40"),
	}).Error)
	require.NoError(t, db.Create(&store.PositionRecord{
		UserID: "bob", MarketID: 1, Outcome: "NO", Quantity: decimal.RequireFromString("5"), AveragePrice: decimal.RequireFromString("0.60"),
	}).Error)

	marketCh, _ := bus.Subscribe("market:1")
	userCh, _ := bus.Subscribe("user:bob")

	err := s.Resolve(context.Background(), 1, types.Yes)
	require.NoError(t, err)

	var bal store.BalanceRecord
	require.NoError(t, db.Where("user_id = ?", "bob").First(&bal).Error)
	require.True(t, bal.Available.Equal(decimal.RequireFromString("10")), "10 YES shares pay out at 1.00 each, the NO shares pay nothing")

	var market store.MarketRecord
	require.NoError(t, db.First(&market, 1).Error)
	require.Equal(t, string(types.MarketResolved), market.Status)
	require.NotNil(t, market.Outcome)
	require.Equal(t, "YES", *market.Outcome)

	marketEnvs := drain(marketCh)
	require.Len(t, marketEnvs, 1, "one market_updated event")
	require.Equal(t, eventbus.MarketUpdated, marketEnvs[0].Type)

	userEnvs := drain(userCh)
	var positionEvents, balanceEvents int
	for _, env := range userEnvs {
		switch env.Type {
		case eventbus.PositionUpdated:
			positionEvents++
		case eventbus.BalanceUpdated:
			balanceEvents++
		}
	}
	require.Equal(t, 2, positionEvents, "one position_updated per settled position (YES and NO)")
	require.Equal(t, 1, balanceEvents, "one balance_updated for the winning payout")
}

func TestResolveRejectsAMarketThatIsNotClosed(t *testing.T) {
	s, db, _, _, _ := newTestSettler(t)
	require.NoError(t, db.Create(&store.MarketRecord{ID: 1, Slug: "m1", Status: string(types.MarketOpen)}).Error)

	err := s.Resolve(context.Background(), 1, types.Yes)
	require.Error(t, err)
	require.Equal(t, types.ErrNotClosed, types.CodeOf(err))
}

func TestResolveCancelsRestingOrdersAndReleasesEscrow(t *testing.T) {
	s, db, eng, clk, _ := newTestSettler(t)
	require.NoError(t, db.Create(&store.MarketRecord{ID: 1, Slug: "m1", Status: string(types.MarketClosed)}).Error)
	require.NoError(t, db.Create(&store.BalanceRecord{
		UserID: "carol", Available: decimal.RequireFromString("95"), Locked: decimal.RequireFromString("5"), Total: decimal.RequireFromString("100"),
	}).Error)

	resting := &types.Order{
		ID: "o1", MarketID: 1, UserID: "carol", Side: types.Buy, Type: types.LimitOrder, Outcome: types.Yes,
		Price: decimal.RequireFromString("0.50"), Quantity: decimal.RequireFromString("10"), Status: types.OrderOpen, CreatedAt: clk.Now(),
	}
	require.NoError(t, db.Create(ptr(store.RecordFromOrder(resting))).Error)
	eng.Book(1, types.Yes).Insert(resting)

	err := s.Resolve(context.Background(), 1, types.No)
	require.NoError(t, err)

	var bal store.BalanceRecord
	require.NoError(t, db.Where("user_id = ?", "carol").First(&bal).Error)
	require.True(t, bal.Available.Equal(decimal.RequireFromString("100")))
	require.True(t, bal.Locked.IsZero())

	var orderRec store.OrderRecord
	require.NoError(t, db.Where("id = ?", "o1").First(&orderRec).Error)
	require.Equal(t, string(types.OrderCancelled), orderRec.Status)

	_, ok := eng.Book(1, types.Yes).BestBid()
	require.False(t, ok)
}

func TestCancelRefundsPositionsAtCostBasis(t *testing.T) {
	s, db, _, _, bus := newTestSettler(t)
	require.NoError(t, db.Create(&store.MarketRecord{ID: 1, Slug: "m1", Status: string(types.MarketOpen)}).Error)
	require.NoError(t, db.Create(&store.BalanceRecord{UserID: "dave", Available: decimal.Zero, Total: decimal.Zero}).Error)
	require.NoError(t, db.Create(&store.PositionRecord{
		UserID: "dave", MarketID: 1, Outcome: "YES", Quantity: decimal.RequireFromString("10"), AveragePrice: decimal.RequireFromString("0.40"),
	}).Error)

	userCh, _ := bus.Subscribe("user:dave")

	err := s.Cancel(context.Background(), 1)
	require.NoError(t, err)

	var bal store.BalanceRecord
	require.NoError(t, db.Where("user_id = ?", "dave").First(&bal).Error)
	require.True(t, bal.Available.Equal(decimal.RequireFromString("4")))

	var market store.MarketRecord
	require.NoError(t, db.First(&market, 1).Error)
	require.Equal(t, string(types.MarketCancelled), market.Status)

	userEnvs := drain(userCh)
	var positionEvents, balanceEvents int
	for _, env := range userEnvs {
		switch env.Type {
		case eventbus.PositionUpdated:
			positionEvents++
		case eventbus.BalanceUpdated:
			balanceEvents++
		}
	}
	require.Equal(t, 1, positionEvents, "one position_updated for the refunded position")
	require.Equal(t, 1, balanceEvents, "one balance_updated for the refund")
}

func ptr[T any](v T) *T { return &v }
