package store

import "ragnarok/internal/types"

func OrderFromRecord(r OrderRecord) *types.Order {
	return &types.Order{
		ID:             r.ID,
		MarketID:       r.MarketID,
		UserID:         r.UserID,
		Side:           types.Side(r.Side),
		Type:           types.OrderType(r.Type),
		Outcome:        types.Outcome(r.Outcome),
		Price:          r.Price,
		Quantity:       r.Quantity,
		Filled:         r.Filled,
		Status:         types.OrderStatus(r.Status),
		CreatedAt:      r.CreatedAt,
		IdempotencyKey: r.IdempotencyKey,
	}
}

func RecordFromOrder(o *types.Order) OrderRecord {
	return OrderRecord{
		ID:             o.ID,
		MarketID:       o.MarketID,
		UserID:         o.UserID,
		Side:           string(o.Side),
		Type:           string(o.Type),
		Outcome:        string(o.Outcome),
		Price:          o.Price,
		Quantity:       o.Quantity,
		Filled:         o.Filled,
		Status:         string(o.Status),
		CreatedAt:      o.CreatedAt,
		IdempotencyKey: o.IdempotencyKey,
	}
}

func MarketFromRecord(r MarketRecord) *types.Market {
	m := &types.Market{
		ID:          r.ID,
		Slug:        r.Slug,
		Question:    r.Question,
		Status:      types.MarketStatus(r.Status),
		CloseTime:   r.CloseTime,
		ResolveTime: r.ResolveTime,
	}
	if r.Outcome != nil {
		o := types.Outcome(*r.Outcome)
		m.Outcome = &o
	}
	return m
}

func RecordFromMarket(m *types.Market) MarketRecord {
	r := MarketRecord{
		ID:          m.ID,
		Slug:        m.Slug,
		Question:    m.Question,
		Status:      string(m.Status),
		CloseTime:   m.CloseTime,
		ResolveTime: m.ResolveTime,
	}
	if m.Outcome != nil {
		s := string(*m.Outcome)
		r.Outcome = &s
	}
	return r
}

func BalanceFromRecord(r BalanceRecord) types.Balance {
	return types.Balance{UserID: r.UserID, Available: r.Available, Locked: r.Locked, Total: r.Total}
}

func RecordFromBalance(b types.Balance) BalanceRecord {
	return BalanceRecord{UserID: b.UserID, Available: b.Available, Locked: b.Locked, Total: b.Total}
}

func PositionFromRecord(r PositionRecord) types.Position {
	return types.Position{
		UserID:       r.UserID,
		MarketID:     r.MarketID,
		Outcome:      types.Outcome(r.Outcome),
		Quantity:     r.Quantity,
		AveragePrice: r.AveragePrice,
	}
}

func RecordFromPosition(p types.Position) PositionRecord {
	return PositionRecord{
		UserID:       p.UserID,
		MarketID:     p.MarketID,
		Outcome:      string(p.Outcome),
		Quantity:     p.Quantity,
		AveragePrice: p.AveragePrice,
	}
}

func TradeFromRecord(r TradeRecord) types.Trade {
	return types.Trade{
		ID:          r.ID,
		MarketID:    r.MarketID,
		BuyOrderID:  r.BuyOrderID,
		SellOrderID: r.SellOrderID,
		BuyerID:     r.BuyerID,
		SellerID:    r.SellerID,
		Outcome:     types.Outcome(r.Outcome),
		Price:       r.Price,
		Quantity:    r.Quantity,
		CreatedAt:   r.CreatedAt,
	}
}

func RecordFromTrade(t types.Trade) TradeRecord {
	return TradeRecord{
		ID:          t.ID,
		MarketID:    t.MarketID,
		BuyOrderID:  t.BuyOrderID,
		SellOrderID: t.SellOrderID,
		BuyerID:     t.BuyerID,
		SellerID:    t.SellerID,
		Outcome:     string(t.Outcome),
		Price:       t.Price,
		Quantity:    t.Quantity,
		CreatedAt:   t.CreatedAt,
	}
}

func RecordFromEvent(e types.OrderEvent) OrderEventRecord {
	return OrderEventRecord{
		ID:        e.ID,
		OrderID:   e.OrderID,
		Type:      string(e.Type),
		CreatedAt: e.CreatedAt,
		Detail:    e.Detail,
	}
}
