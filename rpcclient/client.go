// Copyright 2026 The Chainarchive Authors
// This file is part of Chainarchive.
//
// Chainarchive is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// Chainarchive is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with Chainarchive. If not, see <http://www.gnu.org/licenses/>.

// Package rpcclient is the multi-endpoint scheduler sitting on top of
// rpctransport: a priority min-heap of pending calls dispatched fair-share
// across whichever endpoints have capacity, RPS budget, and support the
// requested method.
package rpcclient

import (
	"container/heap"
	"context"
	"encoding/json"
	"math"
	"sync"
	"time"

	"github.com/erigontech/chainarchive/internal/archiveerr"
	"github.com/erigontech/chainarchive/internal/logutil"
	"github.com/erigontech/chainarchive/rpctransport"
)

// rescheduleDelay is how long the scheduler waits before retrying a pop
// that failed purely due to RPS exhaustion.
const rescheduleDelay = 120 * time.Millisecond

// defaultBatchLimit bounds batch_call splitting before the
// min-endpoint-rps-derived cap is applied.
const defaultBatchLimit = 100

// item is one heap entry: either a single call or an already-split batch.
// eligible is every connection that could handle the item's method: their
// in_queue counters are pre-incremented while the item waits on the heap
// and decremented together when it is popped, so the counter is a pure
// queue-pressure hint.
type item struct {
	priority uint64 // lower = earlier; the stride's first block
	seq      uint64 // tiebreaker, assigned at enqueue time
	method   string
	size     int // 1 for a call, len(calls) for a batch
	eligible []*rpctransport.Endpoint
	dispatch func(ep *rpctransport.Endpoint) // invoked once a connection is chosen
}

// pqueue implements container/heap.Interface ordered by (priority, seq).
type pqueue []*item

func (q pqueue) Len() int { return len(q) }
func (q pqueue) Less(i, j int) bool {
	if q[i].priority != q[j].priority {
		return q[i].priority < q[j].priority
	}
	return q[i].seq < q[j].seq
}
func (q pqueue) Swap(i, j int)      { q[i], q[j] = q[j], q[i] }
func (q *pqueue) Push(x any)        { *q = append(*q, x.(*item)) }
func (q *pqueue) Pop() any {
	old := *q
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return it
}

// Client is the multi-endpoint, priority-scheduled RPC front door.
type Client struct {
	mu        sync.Mutex
	endpoints []*rpctransport.Endpoint
	queue     pqueue
	nextSeq   uint64
	nextID    int64
	log       interface {
		Debugw(string, ...any)
	}
	wake chan struct{}
}

// New builds a Client over the given endpoints.
func New(endpoints []*rpctransport.Endpoint) *Client {
	c := &Client{
		endpoints: endpoints,
		log:       logutil.Component("rpcclient"),
		wake:      make(chan struct{}, 1),
	}
	heap.Init(&c.queue)
	for _, ep := range endpoints {
		ep.SetOnlineCallback(c.requestSchedule)
	}
	return c
}

func (c *Client) requestSchedule() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// Call enqueues a single RPC call at the given priority and blocks until it
// resolves (or ctx is cancelled).
func (c *Client) Call(ctx context.Context, method string, params any, priority uint64, validate rpctransport.ValidateResult) (json.RawMessage, error) {
	res, err := c.BatchCall(ctx, []Call{{Method: method, Params: params}}, priority, validate)
	if err != nil {
		return nil, err
	}
	return res[0], nil
}

// Call describes one request inside a batch_call.
type Call struct {
	Method string
	Params any
}

// BatchCall computes max_batch_size from the lowest-RPS endpoint, splits
// calls into sub-batches of at most that size, dispatches each as its own
// heap item, and returns results in the same order as calls once every
// sub-batch resolves.
func (c *Client) BatchCall(ctx context.Context, calls []Call, priority uint64, validate rpctransport.ValidateResult) ([]json.RawMessage, error) {
	if len(calls) == 0 {
		return nil, nil
	}
	maxBatch := c.maxBatchSize()
	out := make([]json.RawMessage, len(calls))
	errCh := make(chan error, (len(calls)+maxBatch-1)/maxBatch)
	var wg sync.WaitGroup

	for start := 0; start < len(calls); start += maxBatch {
		end := start + maxBatch
		if end > len(calls) {
			end = len(calls)
		}
		sub := calls[start:end]
		dest := out[start:end]
		wg.Add(1)
		c.submit(ctx, sub, priority, validate, dest, &wg, errCh)
	}

	go func() { wg.Wait(); close(errCh) }()
	for err := range errCh {
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (c *Client) maxBatchSize() int {
	minRPS := math.MaxInt
	haveLimit := false
	for _, ep := range c.endpoints {
		if ep.RPSLimit() <= 0 {
			continue
		}
		haveLimit = true
		if ep.RPSLimit() < minRPS {
			minRPS = ep.RPSLimit()
		}
	}
	if !haveLimit {
		return defaultBatchLimit
	}
	size := minRPS / 5
	if size < 1 {
		size = 1
	}
	if size > defaultBatchLimit {
		size = defaultBatchLimit
	}
	return size
}

// submit builds the requests for one sub-batch, enqueues a heap item that
// dispatches them against whichever endpoint the scheduler picks, and wires
// retry-on-retryable-error by re-pushing the same item.
func (c *Client) submit(ctx context.Context, calls []Call, priority uint64, validate rpctransport.ValidateResult, dest []json.RawMessage, wg *sync.WaitGroup, errCh chan<- error) {
	reqs := make([]rpctransport.Request, len(calls))

	c.mu.Lock()
	for i, call := range calls {
		c.nextID++
		reqs[i] = rpctransport.Request{ID: c.nextID, Method: call.Method, Params: call.Params}
	}
	c.nextSeq++
	seq := c.nextSeq
	c.mu.Unlock()

	method := ""
	if len(calls) > 0 {
		method = calls[0].Method
	}

	it := &item{priority: priority, seq: seq, method: method, size: len(calls)}
	for _, ep := range c.endpoints {
		if ep.SupportsMethod(method) {
			it.eligible = append(it.eligible, ep)
		}
	}
	it.dispatch = func(ep *rpctransport.Endpoint) {
		results, err := ep.Batch(ctx, reqs, validate)
		if err != nil {
			if isRetryable(err) {
				c.log.Debugw("re-queueing retryable batch", "method", method, "priority", priority, "err", err)
				c.pushItem(it)
				return
			}
			wg.Done()
			errCh <- err
			return
		}
		copy(dest, results)
		wg.Done()
		errCh <- nil
	}

	c.pushItem(it)
}

// pushItem enqueues (or re-enqueues) an item, pre-incrementing in_queue on
// every connection that could handle it; tick decrements them on pop.
func (c *Client) pushItem(it *item) {
	for _, ep := range it.eligible {
		ep.IncInQueue(1)
	}
	c.mu.Lock()
	heap.Push(&c.queue, it)
	c.mu.Unlock()
	c.requestSchedule()
}

func isRetryable(err error) bool {
	return archiveerr.IsRetryable(err)
}

// Run drives the scheduling loop until ctx is cancelled. Callers start
// exactly one Run per Client, typically in its own goroutine; every
// Call/BatchCall just pushes work and wakes this loop rather than
// scheduling itself.
func (c *Client) Run(ctx context.Context) {
	timer := time.NewTimer(rescheduleDelay)
	defer timer.Stop()
	for {
		for c.tick() {
		}
		select {
		case <-ctx.Done():
			return
		case <-c.wake:
		case <-timer.C:
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(rescheduleDelay)
	}
}

// tick performs one scheduling step: pick the highest-priority item the
// first eligible connection can serve. Returns false once nothing more can
// be dispatched right now (queue empty, or everything blocked on RPS/
// capacity), in which case the caller should stop looping.
func (c *Client) tick() bool {
	c.mu.Lock()
	if c.queue.Len() == 0 {
		c.mu.Unlock()
		return false
	}
	now := time.Now()

	// Scan in priority order for the first item some connection can serve.
	candidates := append(pqueue(nil), c.queue...)
	heap.Init(&candidates)

	for candidates.Len() > 0 {
		it := heap.Pop(&candidates).(*item)
		ep, rpsBlocked := c.pickEndpoint(it, now)
		if ep == nil {
			if rpsBlocked {
				continue // try the next item; this one stays on heap for now
			}
			continue
		}
		c.removeItem(it)
		for _, el := range it.eligible {
			el.IncInQueue(-1)
		}
		c.mu.Unlock()
		go it.dispatch(ep)
		return true
	}
	c.mu.Unlock()
	time.AfterFunc(rescheduleDelay, c.requestSchedule)
	return false
}

// pickEndpoint finds the first connection eligible for it among online
// endpoints with positive capacity and RPS budget, preferring lower
// in_queue then lower avg_response_time.
func (c *Client) pickEndpoint(it *item, now time.Time) (ep *rpctransport.Endpoint, rpsBlocked bool) {
	var best *rpctransport.Endpoint
	sawRPSBlock := false
	for _, e := range c.endpoints {
		if !e.Online() || e.CapacityLeft() <= 0 {
			continue
		}
		if !e.SupportsMethod(it.method) {
			continue
		}
		left := e.RPSLeft(now)
		if left != -1 && left < it.size {
			sawRPSBlock = true
			continue
		}
		if best == nil || betterEndpoint(e, best) {
			best = e
		}
	}
	return best, sawRPSBlock && best == nil
}

func betterEndpoint(a, b *rpctransport.Endpoint) bool {
	if a.InQueue() != b.InQueue() {
		return a.InQueue() < b.InQueue()
	}
	return a.AvgResponseTime() < b.AvgResponseTime()
}

func (c *Client) removeItem(target *item) {
	for i, it := range c.queue {
		if it == target {
			heap.Remove(&c.queue, i)
			return
		}
	}
}
