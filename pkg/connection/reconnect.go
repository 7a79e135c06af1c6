package connection

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// enterReconnecting transitions to StateReconnecting and starts the single
// reconnect loop, unless one is already running or the connection is closed.
func (c *Connection) enterReconnecting(cause error) {
	c.mu.Lock()
	if c.closed || c.reconnecting {
		c.mu.Unlock()
		return
	}
	c.reconnecting = true
	c.setStateLocked(StateReconnecting)
	c.mu.Unlock()

	c.logger.Info("reconnecting", "cause", cause)
	go c.reconnectLoop(cause)
}

// reconnectLoop drives reconnection attempts until one succeeds, the retryer
// gives up, or Close intervenes. The delay before every attempt comes from
// the retryer and is abortable by Close.
func (c *Connection) reconnectLoop(lastErr error) {
	defer func() {
		c.mu.Lock()
		c.reconnecting = false
		c.mu.Unlock()
	}()

	for attempt := 0; ; attempt++ {
		delay, ok := c.retryer.NextDelay(attempt, lastErr)
		if !ok {
			c.logger.Error("giving up reconnecting", "attempts", attempt, "lastError", lastErr)
			c.setState(StateDisconnected)
			c.events.emit(EventError, fmt.Errorf("%w after %d attempts: %v", ErrMaxRetries, attempt, lastErr))
			c.events.emit(EventDisconnected, ErrMaxRetries.Error())
			return
		}

		c.events.emit(EventReconnecting, attempt+1)
		c.metrics.ReconnectAttempt()
		c.logger.Info("reconnect attempt scheduled", "attempt", attempt+1, "delay", delay)

		select {
		case <-c.closeCh:
			// Close already settled the state and emitted disconnected
			return
		case <-time.After(delay):
		}

		welcome, _, err := c.establish(context.Background())
		if err != nil {
			if errors.Is(err, ErrClosed) {
				return
			}
			lastErr = err
			c.logger.Warn("reconnect attempt failed", "attempt", attempt+1, "error", err)
			c.events.emit(EventError, fmt.Errorf("reconnect attempt %d: %w", attempt+1, err))
			continue
		}

		// the transport can drop again between the welcome and the commit;
		// that counts as a failed attempt, not a success
		if !c.afterWelcome(context.Background(), welcome, true) {
			if c.isClosed() {
				return
			}
			lastErr = ErrDisconnected
			c.logger.Warn("reconnect attempt failed", "attempt", attempt+1, "error", lastErr)
			c.events.emit(EventError, fmt.Errorf("reconnect attempt %d: %w", attempt+1, lastErr))
			continue
		}
		return
	}
}
