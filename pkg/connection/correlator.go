package connection

import (
	"encoding/json"
	"sync"
	"sync/atomic"

	"github.com/noex-io/noex.go/pkg/logger"
)

// result is the terminal outcome of a pending request: either the raw
// response data or the failure (server error, timeout, disconnected).
type result struct {
	data json.RawMessage
	err  error
}

// pendingRequest is one in-flight request. The channel has capacity one and
// receives at most one result; the correlator guarantees exactly one
// resolution per request by removing the entry before delivering.
type pendingRequest struct {
	id        uint64
	operation string
	ch        chan result
}

// correlator assigns correlation ids to outgoing requests and matches
// incoming responses to them. Ids are a monotonically increasing counter,
// which makes reuse of an id with an unresolved predecessor impossible by
// construction.
type correlator struct {
	nextID atomic.Uint64

	mu      sync.Mutex
	pending map[uint64]*pendingRequest

	logger logger.Logger
}

func newCorrelator(log logger.Logger) *correlator {
	return &correlator{
		pending: make(map[uint64]*pendingRequest),
		logger:  log,
	}
}

// register allocates a fresh correlation id and tracks the request.
func (c *correlator) register(operation string) (*pendingRequest, error) {
	id := c.nextID.Add(1)

	req := &pendingRequest{
		id:        id,
		operation: operation,
		ch:        make(chan result, 1),
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.pending[id]; ok {
		return nil, ErrIDInUse
	}
	c.pending[id] = req

	return req, nil
}

// take removes and returns the pending request, if still tracked. Whoever
// takes the entry owns its single resolution; everyone else backs off.
func (c *correlator) take(id uint64) (*pendingRequest, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	req, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	return req, ok
}

// resolve delivers a response frame's outcome to its request. A response
// whose request is no longer tracked (already timed out, rejected on
// disconnect, or a duplicate resolution) is dropped.
func (c *correlator) resolve(id uint64, data json.RawMessage, err error) {
	req, ok := c.take(id)
	if !ok {
		c.logger.Debug("dropping response with no pending request", "id", id)
		return
	}

	req.ch <- result{data: data, err: err}
}

// remove untracks a request without delivering anything. Used by the sender
// on timeout and write failure, where the caller already owns the outcome.
func (c *correlator) remove(id uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.pending, id)
}

// failAll resolves every pending request with err and clears the table.
// Called at the moment the connection drops so that no request is left
// unresolved, and none is retried.
func (c *correlator) failAll(err error) {
	c.mu.Lock()
	reqs := make([]*pendingRequest, 0, len(c.pending))
	for _, req := range c.pending {
		reqs = append(reqs, req)
	}
	c.pending = make(map[uint64]*pendingRequest)
	c.mu.Unlock()

	for _, req := range reqs {
		req.ch <- result{err: err}
	}
}

// count reports the number of in-flight requests.
func (c *correlator) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}
