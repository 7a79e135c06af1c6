package connection

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/gofrs/uuid"

	"github.com/noex-io/noex.go/pkg/logger"
	"github.com/noex-io/noex.go/pkg/metrics"
)

// Handle identifies a subscription to the application. It is allocated
// locally and stays stable across reconnects, while the server-assigned
// subscription id changes on every resubscription.
type Handle string

// PushCallback receives asynchronous updates for one subscription. channel
// is the server's delivery channel discriminator ("subscription" for data
// updates, "event" for domain events). Callbacks run on the read loop
// goroutine, so they must not block.
type PushCallback func(channel string, data json.RawMessage)

type subscription struct {
	handle   Handle
	serverID string
	// operation and payload are retained verbatim so the subscription can be
	// replayed after a reconnect.
	operation string
	payload   map[string]any
	callback  PushCallback
}

// subscriptionRegistry tracks active subscriptions and routes push frames to
// their callbacks. It maintains the mapping between stable local handles and
// the current server-assigned ids.
type subscriptionRegistry struct {
	mu         sync.RWMutex
	byHandle   map[Handle]*subscription
	byServerID map[string]Handle

	logger  logger.Logger
	metrics *metrics.Metrics
}

func newSubscriptionRegistry(log logger.Logger, m *metrics.Metrics) *subscriptionRegistry {
	return &subscriptionRegistry{
		byHandle:   make(map[Handle]*subscription),
		byServerID: make(map[string]Handle),
		logger:     log,
		metrics:    m,
	}
}

func (r *subscriptionRegistry) add(sub *subscription) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byHandle[sub.handle] = sub
	r.byServerID[sub.serverID] = sub.handle
}

// remove untracks the subscription and returns it so the caller can issue
// the server-side cancellation.
func (r *subscriptionRegistry) remove(handle Handle) (*subscription, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sub, ok := r.byHandle[handle]
	if !ok {
		return nil, false
	}
	delete(r.byHandle, handle)
	delete(r.byServerID, sub.serverID)
	return sub, true
}

// rebind points the handle at the server id assigned by a resubscription.
func (r *subscriptionRegistry) rebind(handle Handle, serverID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sub, ok := r.byHandle[handle]
	if !ok {
		return
	}
	delete(r.byServerID, sub.serverID)
	sub.serverID = serverID
	r.byServerID[serverID] = handle
}

// dispatch routes a push frame to its callback. Pushes for unknown server
// ids are dropped; they are expected after an unsubscribe races with
// in-flight updates.
func (r *subscriptionRegistry) dispatch(serverID, channel string, data json.RawMessage) {
	r.mu.RLock()
	var sub *subscription
	if handle, ok := r.byServerID[serverID]; ok {
		sub = r.byHandle[handle]
	}
	r.mu.RUnlock()

	if sub == nil {
		r.logger.Debug("dropping push for unknown subscription", "subscriptionId", serverID, "channel", channel)
		return
	}

	r.deliver(sub, channel, data)
	r.metrics.PushDelivered()
}

// deliver invokes the callback with panic containment, so one misbehaving
// callback cannot kill the read loop.
func (r *subscriptionRegistry) deliver(sub *subscription, channel string, data json.RawMessage) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("subscription callback panicked",
				"subscriptionId", sub.serverID, "channel", channel, "panic", rec)
		}
	}()
	sub.callback(channel, data)
}

func (r *subscriptionRegistry) snapshot() []*subscription {
	r.mu.RLock()
	defer r.mu.RUnlock()

	subs := make([]*subscription, 0, len(r.byHandle))
	for _, sub := range r.byHandle {
		subs = append(subs, sub)
	}
	return subs
}

func (r *subscriptionRegistry) clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byHandle = make(map[Handle]*subscription)
	r.byServerID = make(map[string]Handle)
}

func (r *subscriptionRegistry) count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byHandle)
}

// subscribeAck is the response data of a successful subscribe request.
type subscribeAck struct {
	SubscriptionID string          `json:"subscriptionId"`
	Data           json.RawMessage `json:"data,omitempty"`
}

// unsubscribeOperation derives the cancellation operation from the subscribe
// operation by replacing the last path segment, e.g. "market.subscribe"
// becomes "market.unsubscribe".
func unsubscribeOperation(subscribeOp string) string {
	if i := strings.LastIndex(subscribeOp, "."); i >= 0 {
		return subscribeOp[:i+1] + "unsubscribe"
	}
	return "unsubscribe"
}

// Subscribe issues the subscribe operation, registers the callback under a
// fresh handle and delivers the ack's initial data, if any, as a first
// update on the "subscription" channel.
func (c *Connection) Subscribe(ctx context.Context, operation string, payload map[string]any, cb PushCallback) (Handle, error) {
	if cb == nil {
		return "", fmt.Errorf("subscribe %s: nil callback", operation)
	}

	data, err := c.Send(ctx, operation, payload)
	if err != nil {
		return "", err
	}

	var ack subscribeAck
	if err := c.codec.Unmarshal(data, &ack); err != nil {
		return "", fmt.Errorf("decoding %s ack: %w", operation, err)
	}
	if ack.SubscriptionID == "" {
		return "", fmt.Errorf("%s ack carries no subscriptionId", operation)
	}

	handle := Handle(uuid.Must(uuid.NewV4()).String())
	sub := &subscription{
		handle:    handle,
		serverID:  ack.SubscriptionID,
		operation: operation,
		payload:   payload,
		callback:  cb,
	}
	c.subs.add(sub)

	c.logger.Debug("subscribed", "operation", operation, "subscriptionId", ack.SubscriptionID)

	if len(ack.Data) > 0 && string(ack.Data) != "null" {
		c.subs.deliver(sub, "subscription", ack.Data)
	}

	return handle, nil
}

// Unsubscribe removes the subscription locally, then tells the server in the
// background. Local removal is unconditional: no further updates reach the
// callback after Unsubscribe returns, even if the server-side cancellation
// fails.
func (c *Connection) Unsubscribe(handle Handle) error {
	sub, ok := c.subs.remove(handle)
	if !ok {
		return ErrSubscriptionNotFound
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.RequestTimeout)
		defer cancel()

		op := unsubscribeOperation(sub.operation)
		if _, err := c.Send(ctx, op, map[string]any{"subscriptionId": sub.serverID}); err != nil {
			c.logger.Debug("server-side unsubscribe failed",
				"operation", op, "subscriptionId", sub.serverID, "error", err)
		}
	}()

	return nil
}

// resubscribeAll replays every tracked subscription on a fresh connection.
// Failures are independent: a subscription the server rejects is dropped and
// reported through the error event, the rest proceed.
func (c *Connection) resubscribeAll(ctx context.Context) {
	subs := c.subs.snapshot()
	if len(subs) == 0 {
		return
	}

	c.logger.Info("resubscribing", "count", len(subs))

	for _, sub := range subs {
		data, err := c.Send(ctx, sub.operation, sub.payload)
		if err != nil {
			c.dropSubscription(sub, fmt.Errorf("resubscribing %s: %w", sub.operation, err))
			continue
		}

		var ack subscribeAck
		if err := c.codec.Unmarshal(data, &ack); err != nil || ack.SubscriptionID == "" {
			c.dropSubscription(sub, fmt.Errorf("resubscribing %s: invalid ack", sub.operation))
			continue
		}

		c.subs.rebind(sub.handle, ack.SubscriptionID)
		if len(ack.Data) > 0 && string(ack.Data) != "null" {
			c.subs.deliver(sub, "subscription", ack.Data)
		}
	}
}

func (c *Connection) dropSubscription(sub *subscription, err error) {
	c.subs.remove(sub.handle)
	c.logger.Error("subscription dropped", "operation", sub.operation, "error", err)
	c.events.emit(EventError, err)
}
