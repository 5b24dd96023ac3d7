package transport

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"io"

	"ragnarok/internal/types"
)

// maxFrameSize bounds a single request/response body, matching the
// teacher's MAX_RECV_SIZE guard against a misbehaving client.
const maxFrameSize = 64 * 1024

var ErrFrameTooLarge = errors.New("frame exceeds maximum size")

// RequestType names the operation carried by a Request frame.
type RequestType string

const (
	ReqPlaceOrder        RequestType = "place_order"
	ReqCancelOrder       RequestType = "cancel_order"
	ReqGetOrderbook      RequestType = "get_orderbook"
	ReqGetRecentTrades   RequestType = "get_recent_trades"
	ReqResolveMarket     RequestType = "resolve_market"
	ReqCancelMarket      RequestType = "cancel_market"
	ReqSubscribe         RequestType = "subscribe"
)

// Request is one client frame. Only the fields relevant to Type are
// populated; the rest are left zero.
type Request struct {
	ID             string          `json:"id"`
	Type           RequestType     `json:"type"`
	MarketID       uint            `json:"marketId,omitempty"`
	UserID         string          `json:"userId,omitempty"`
	OrderID        string          `json:"orderId,omitempty"`
	Side           types.Side      `json:"side,omitempty"`
	OrderType      types.OrderType `json:"orderType,omitempty"`
	Outcome        types.Outcome   `json:"outcome,omitempty"`
	Price          string          `json:"price,omitempty"`
	Quantity       string          `json:"quantity,omitempty"`
	IdempotencyKey string          `json:"idempotencyKey,omitempty"`
	WinningOutcome types.Outcome   `json:"winningOutcome,omitempty"`
	Topic          string          `json:"topic,omitempty"`
	Limit          int             `json:"limit,omitempty"`
}

// Response is one server frame, sent either as a direct reply to a
// Request (matching ID) or as a pushed event (ID empty, Event set).
type Response struct {
	ID      string           `json:"id,omitempty"`
	OK      bool             `json:"ok"`
	Error   *types.GatewayError `json:"error,omitempty"`
	Result  any              `json:"result,omitempty"`
	Event   string           `json:"event,omitempty"`
	Payload any              `json:"payload,omitempty"`
}

// writeFrame writes a 4-byte big-endian length prefix followed by the
// JSON-encoded value, mirroring the teacher's BigEndian framing idiom
// while swapping hand-packed binary fields for JSON (spec.md §1 places
// exact wire format outside the system's core contract).
func writeFrame(w io.Writer, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if len(body) > maxFrameSize {
		return ErrFrameTooLarge
	}
	header := make([]byte, 4)
	binary.BigEndian.PutUint32(header, uint32(len(body)))
	if _, err := w.Write(header); err != nil {
		return err
	}
	_, err = w.Write(body)
	return err
}

// readFrame reads one length-prefixed JSON frame into v.
func readFrame(r io.Reader, v any) error {
	header := make([]byte, 4)
	if _, err := io.ReadFull(r, header); err != nil {
		return err
	}
	size := binary.BigEndian.Uint32(header)
	if size > maxFrameSize {
		return ErrFrameTooLarge
	}
	body := make([]byte, size)
	if _, err := io.ReadFull(r, body); err != nil {
		return err
	}
	return json.Unmarshal(body, v)
}
