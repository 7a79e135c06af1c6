// Package noex is the Go client for the noex real-time API.
//
// It speaks the noex WebSocket protocol: JSON frames with integer-correlated
// request/response pairs, server push subscriptions, heartbeats, and an
// authenticated session that survives reconnects.
//
// A minimal session:
//
//	client := noex.New("wss://api.noex.io/ws",
//		noex.WithCredentials("alice", "s3cret"),
//	)
//	if _, err := client.Connect(ctx); err != nil {
//		log.Fatal(err)
//	}
//	defer client.Close(ctx)
//
//	orders, err := noex.Invoke[[]Order](ctx, client, "orders.list", map[string]any{
//		"status": "open",
//	})
//
// Push subscriptions deliver updates until unsubscribed, resubscribing
// transparently after a reconnect:
//
//	handle, err := client.Subscribe(ctx, "market.subscribe",
//		map[string]any{"symbol": "NOK/USD"},
//		func(channel string, data json.RawMessage) {
//			// runs on the read loop; hand off anything slow
//		})
//
// The connection engine lives in pkg/connection; this package is a thin
// facade over it.
package noex
