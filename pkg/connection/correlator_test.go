package connection

import (
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noex-io/noex.go/pkg/logger"
)

func TestCorrelatorAssignsUniqueIDs(t *testing.T) {
	c := newCorrelator(logger.Nop{})

	const goroutines = 16
	const perGoroutine = 100

	var wg sync.WaitGroup
	ids := make(chan uint64, goroutines*perGoroutine)

	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perGoroutine; i++ {
				req, err := c.register("test.op")
				assert.NoError(t, err)
				ids <- req.id
			}
		}()
	}
	wg.Wait()
	close(ids)

	seen := make(map[uint64]bool)
	for id := range ids {
		assert.False(t, seen[id], "id %d assigned twice", id)
		seen[id] = true
	}
	assert.Len(t, seen, goroutines*perGoroutine)
}

func TestCorrelatorResolveDeliversOnce(t *testing.T) {
	c := newCorrelator(logger.Nop{})

	req, err := c.register("orders.list")
	require.NoError(t, err)

	c.resolve(req.id, json.RawMessage(`{"orders":[]}`), nil)
	// a duplicate response for the same id must be dropped, not redelivered
	c.resolve(req.id, json.RawMessage(`{"orders":["dup"]}`), nil)

	res := <-req.ch
	require.NoError(t, res.err)
	assert.JSONEq(t, `{"orders":[]}`, string(res.data))

	select {
	case <-req.ch:
		t.Fatal("second resolution delivered")
	default:
	}
	assert.Zero(t, c.count())
}

func TestCorrelatorResolveUnknownIDIsDropped(t *testing.T) {
	c := newCorrelator(logger.Nop{})

	// must not panic or block
	c.resolve(999, json.RawMessage(`{}`), nil)
	assert.Zero(t, c.count())
}

func TestCorrelatorRemoveSuppressesLateResponse(t *testing.T) {
	c := newCorrelator(logger.Nop{})

	req, err := c.register("orders.list")
	require.NoError(t, err)

	// the sender timed out and walked away
	c.remove(req.id)
	c.resolve(req.id, json.RawMessage(`{}`), nil)

	select {
	case <-req.ch:
		t.Fatal("late response delivered after removal")
	default:
	}
}

func TestCorrelatorFailAll(t *testing.T) {
	c := newCorrelator(logger.Nop{})

	var reqs []*pendingRequest
	for i := 0; i < 5; i++ {
		req, err := c.register("test.op")
		require.NoError(t, err)
		reqs = append(reqs, req)
	}

	c.failAll(ErrDisconnected)

	for _, req := range reqs {
		res := <-req.ch
		assert.ErrorIs(t, res.err, ErrDisconnected)
	}
	assert.Zero(t, c.count())
}
