package transport

import (
	"context"

	"github.com/shopspring/decimal"

	"ragnarok/internal/gateway"
	"ragnarok/internal/types"
)

// dispatch routes one Request to the matching Gateway call and shapes the
// result into a Response frame. Errors are translated to GatewayError at
// this boundary, per spec.md §6 — nothing past here leaks a raw Go error.
func (s *Server) dispatch(ctx context.Context, sess *session, req Request) Response {
	switch req.Type {
	case ReqPlaceOrder:
		return s.handlePlaceOrder(ctx, req)
	case ReqCancelOrder:
		return s.handleCancelOrder(ctx, req)
	case ReqGetOrderbook:
		return s.handleGetOrderbook(req)
	case ReqGetRecentTrades:
		return s.handleGetRecentTrades(ctx, req)
	case ReqResolveMarket:
		return s.handleResolveMarket(ctx, req)
	case ReqCancelMarket:
		return s.handleCancelMarket(ctx, req)
	case ReqSubscribe:
		return s.handleSubscribe(sess, req)
	default:
		return errorResponse(req.ID, types.NewGatewayError(types.ErrInternal, "unknown request type %q", req.Type))
	}
}

func (s *Server) handlePlaceOrder(ctx context.Context, req Request) Response {
	quantity, err := decimal.NewFromString(req.Quantity)
	if err != nil {
		return errorResponse(req.ID, types.NewGatewayError(types.ErrQuantityOutOfRange, "invalid quantity %q", req.Quantity))
	}
	price := decimal.Zero
	if req.OrderType == types.LimitOrder {
		price, err = decimal.NewFromString(req.Price)
		if err != nil {
			return errorResponse(req.ID, types.NewGatewayError(types.ErrPriceOutOfRange, "invalid price %q", req.Price))
		}
	}

	result, err := s.gw.PlaceOrder(ctx, gateway.PlaceOrderRequest{
		MarketID:       req.MarketID,
		UserID:         req.UserID,
		Side:           req.Side,
		Type:           req.OrderType,
		Outcome:        req.Outcome,
		Price:          price,
		Quantity:       quantity,
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		return errorResponse(req.ID, err)
	}
	return Response{ID: req.ID, OK: true, Result: result}
}

func (s *Server) handleCancelOrder(ctx context.Context, req Request) Response {
	order, err := s.gw.CancelOrder(ctx, req.UserID, req.OrderID, req.MarketID)
	if err != nil {
		return errorResponse(req.ID, err)
	}
	return Response{ID: req.ID, OK: true, Result: order}
}

func (s *Server) handleGetOrderbook(req Request) Response {
	snap := s.gw.GetOrderbookSnapshot(req.MarketID, req.Outcome)
	return Response{ID: req.ID, OK: true, Result: snap}
}

func (s *Server) handleGetRecentTrades(ctx context.Context, req Request) Response {
	trades, err := s.gw.GetRecentTrades(ctx, req.MarketID, req.Limit)
	if err != nil {
		return errorResponse(req.ID, err)
	}
	return Response{ID: req.ID, OK: true, Result: trades}
}

func (s *Server) handleResolveMarket(ctx context.Context, req Request) Response {
	if err := s.gw.ResolveMarket(ctx, req.MarketID, req.WinningOutcome); err != nil {
		return errorResponse(req.ID, err)
	}
	return Response{ID: req.ID, OK: true}
}

func (s *Server) handleCancelMarket(ctx context.Context, req Request) Response {
	if err := s.gw.CancelMarket(ctx, req.MarketID); err != nil {
		return errorResponse(req.ID, err)
	}
	return Response{ID: req.ID, OK: true}
}

// handleSubscribe attaches sess to an EventBus topic; every envelope
// published on it from then on is pushed to the client as an
// unsolicited Response (ID empty, Event set).
func (s *Server) handleSubscribe(sess *session, req Request) Response {
	if req.Topic == "" {
		return errorResponse(req.ID, types.NewGatewayError(types.ErrInternal, "subscribe requires a topic"))
	}
	ch, unsubscribe := s.bus.Subscribe(req.Topic)
	sess.mu.Lock()
	sess.unsubscribers = append(sess.unsubscribers, unsubscribe)
	sess.mu.Unlock()

	go func() {
		for env := range ch {
			sess.send(Response{Event: string(env.Type), Payload: env.Payload})
		}
	}()

	return Response{ID: req.ID, OK: true}
}

func errorResponse(id string, err error) Response {
	ge, ok := err.(*types.GatewayError)
	if !ok {
		ge = types.NewGatewayError(types.ErrInternal, "%s", err.Error())
	}
	return Response{ID: id, OK: false, Error: ge}
}
