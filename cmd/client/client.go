// Command client is a small CLI exerciser for the exchange's TCP
// transport: it sends one request per invocation and prints the
// response, in the same spirit as fenrir's original flag-driven client.
package main

import (
	"encoding/binary"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"net"
	"strings"

	"ragnarok/internal/transport"
	"ragnarok/internal/types"
)

func main() {
	serverAddr := flag.String("server", "127.0.0.1:9001", "address of the exchange server")
	userID := flag.String("user", "", "user id (required)")
	action := flag.String("action", "place", "place | cancel | book | trades | resolve | cancel-market | subscribe")

	marketID := flag.Uint("market", 1, "market id")
	outcomeStr := flag.String("outcome", "yes", "yes | no")
	sideStr := flag.String("side", "buy", "buy | sell")
	typeStr := flag.String("type", "limit", "limit | market")
	price := flag.String("price", "0.50", "limit price, as a decimal string")
	quantity := flag.String("qty", "10", "quantity, as a decimal string")
	idempotencyKey := flag.String("key", "", "idempotency key")
	orderID := flag.String("order", "", "order id (for cancel)")
	winningOutcome := flag.String("winner", "yes", "winning outcome (for resolve)")
	topic := flag.String("topic", "", "topic (for subscribe)")

	flag.Parse()

	if *userID == "" && *action != "subscribe" {
		log.Fatal("-user is required")
	}

	conn, err := net.Dial("tcp", *serverAddr)
	if err != nil {
		log.Fatalf("unable to connect to %s: %v", *serverAddr, err)
	}
	defer conn.Close()

	outcome := types.Yes
	if strings.EqualFold(*outcomeStr, "no") {
		outcome = types.No
	}
	winOutcome := types.Yes
	if strings.EqualFold(*winningOutcome, "no") {
		winOutcome = types.No
	}
	side := types.Buy
	if strings.EqualFold(*sideStr, "sell") {
		side = types.Sell
	}
	orderType := types.LimitOrder
	if strings.EqualFold(*typeStr, "market") {
		orderType = types.MarketOrder
	}

	var req transport.Request
	switch strings.ToLower(*action) {
	case "place":
		req = transport.Request{
			ID: "cli-1", Type: transport.ReqPlaceOrder,
			MarketID: *marketID, UserID: *userID,
			Side: side, OrderType: orderType, Outcome: outcome,
			Price: *price, Quantity: *quantity, IdempotencyKey: *idempotencyKey,
		}
	case "cancel":
		req = transport.Request{ID: "cli-1", Type: transport.ReqCancelOrder, MarketID: *marketID, UserID: *userID, OrderID: *orderID}
	case "book":
		req = transport.Request{ID: "cli-1", Type: transport.ReqGetOrderbook, MarketID: *marketID, Outcome: outcome}
	case "trades":
		req = transport.Request{ID: "cli-1", Type: transport.ReqGetRecentTrades, MarketID: *marketID, Limit: 50}
	case "resolve":
		req = transport.Request{ID: "cli-1", Type: transport.ReqResolveMarket, MarketID: *marketID, WinningOutcome: winOutcome}
	case "cancel-market":
		req = transport.Request{ID: "cli-1", Type: transport.ReqCancelMarket, MarketID: *marketID}
	case "subscribe":
		req = transport.Request{ID: "cli-1", Type: transport.ReqSubscribe, Topic: *topic}
	default:
		log.Fatalf("unknown action %q", *action)
	}

	if err := sendFrame(conn, req); err != nil {
		log.Fatalf("unable to send request: %v", err)
	}

	for {
		var resp transport.Response
		if err := readFrame(conn, &resp); err != nil {
			if err == io.EOF {
				return
			}
			log.Fatalf("unable to read response: %v", err)
		}
		printResponse(resp)
		if resp.Event == "" {
			return
		}
	}
}

func printResponse(resp transport.Response) {
	body, _ := json.MarshalIndent(resp, "", "  ")
	fmt.Println(string(body))
}

func sendFrame(w io.Writer, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return err
	}
	header := make([]byte, 4)
	binary.BigEndian.PutUint32(header, uint32(len(body)))
	if _, err := w.Write(header); err != nil {
		return err
	}
	_, err = w.Write(body)
	return err
}

func readFrame(r io.Reader, v any) error {
	header := make([]byte, 4)
	if _, err := io.ReadFull(r, header); err != nil {
		return err
	}
	size := binary.BigEndian.Uint32(header)
	body := make([]byte, size)
	if _, err := io.ReadFull(r, body); err != nil {
		return err
	}
	return json.Unmarshal(body, v)
}
