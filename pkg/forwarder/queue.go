package forwarder

import (
	"container/heap"
	"sync"
	"time"
)

// Stats is a point in time snapshot of the queue counters.
//
// Processed is always Delivered + Discarded. Once nothing is
// pending or in flight, Processed equals Enqueued.
type Stats struct {
	Enqueued       int64 `json:"enqueued"`
	Delivered      int64 `json:"delivered"`
	Discarded      int64 `json:"discarded"`
	Processed      int64 `json:"processed"`
	MaxQueueLength int   `json:"max_queue_length"`

	// Pending includes requests waiting for a retry.
	Pending  int `json:"pending"`
	InFlight int `json:"in_flight"`
}

// Queue is a bounded FIFO of notification requests, with a
// holding area for requests waiting for a retry.
//
// All counters live behind the same lock as the queue itself,
// so Stats never observes a partially finalised request.
//
// It is safe for concurrent use.
type Queue struct {
	m sync.Mutex

	// pending holds new requests in FIFO order.
	pending []*Request

	// retries holds requests that are waiting for their
	// NextEligibleAt, earliest first.
	retries retryHeap

	// capacity bounds pending + retries on Enqueue.
	// Zero means unbounded.
	capacity int

	enqueued  int64
	delivered int64
	discarded int64
	inFlight  int
	maxDepth  int
}

// NewQueue constructs a Queue. A capacity of zero
// means the queue is unbounded.
func NewQueue(capacity int) *Queue {
	return &Queue{capacity: capacity}
}

// Enqueue appends a request to the tail of the queue.
//
// It returns a *QueueFullError if the queue is at capacity,
// in which case the request is not counted.
func (q *Queue) Enqueue(req *Request) error {
	q.m.Lock()
	defer q.m.Unlock()

	if q.capacity > 0 && q.depth() >= q.capacity {
		return newQueueFullError(q.capacity)
	}

	q.pending = append(q.pending, req)
	q.enqueued++
	q.observeDepth()

	return nil
}

// DequeueBatch removes and returns up to max requests that
// are eligible at now.
//
// Requests whose retry is due come first, then new requests
// in FIFO order. It never blocks and returns nil when nothing
// is eligible. Returned requests count as in flight until they
// are finalised, requeued or restored.
func (q *Queue) DequeueBatch(max int, now time.Time) []*Request {
	if max <= 0 {
		return nil
	}

	q.m.Lock()
	defer q.m.Unlock()

	var batch []*Request
	for len(batch) < max && q.retries.Len() > 0 && q.retries[0].eligible(now) {
		batch = append(batch, heap.Pop(&q.retries).(*Request))
	}

	n := max - len(batch)
	if n > len(q.pending) {
		n = len(q.pending)
	}
	if n > 0 {
		batch = append(batch, q.pending[:n]...)

		// Drop references so popped requests can be collected.
		for i := 0; i < n; i++ {
			q.pending[i] = nil
		}
		q.pending = q.pending[n:]
		if len(q.pending) == 0 {
			q.pending = nil
		}
	}

	q.inFlight += len(batch)

	return batch
}

// Requeue puts an in flight request in the retry holding area.
// It is eligible again once its NextEligibleAt has passed.
//
// Requeue never fails: the request was already admitted.
func (q *Queue) Requeue(req *Request) {
	q.m.Lock()
	defer q.m.Unlock()

	heap.Push(&q.retries, req)
	q.inFlight--
	q.observeDepth()
}

// Restore puts in flight requests that were never attempted
// back at the head of the queue, keeping their order.
func (q *Queue) Restore(reqs []*Request) {
	if len(reqs) == 0 {
		return
	}

	q.m.Lock()
	defer q.m.Unlock()

	restored := make([]*Request, 0, len(reqs)+len(q.pending))
	for _, req := range reqs {
		if req.NextEligibleAt.IsZero() {
			restored = append(restored, req)
			continue
		}
		heap.Push(&q.retries, req)
	}

	q.pending = append(restored, q.pending...)
	q.inFlight -= len(reqs)
}

// markDelivered finalises an in flight request as delivered.
func (q *Queue) markDelivered() {
	q.m.Lock()
	q.delivered++
	q.inFlight--
	q.m.Unlock()
}

// markDiscarded finalises an in flight request as discarded.
func (q *Queue) markDiscarded() {
	q.m.Lock()
	q.discarded++
	q.inFlight--
	q.m.Unlock()
}

// Len returns the number of requests waiting to be sent,
// including the ones waiting for a retry.
func (q *Queue) Len() int {
	q.m.Lock()
	defer q.m.Unlock()

	return q.depth()
}

// Stats returns a consistent snapshot of the counters.
func (q *Queue) Stats() Stats {
	q.m.Lock()
	defer q.m.Unlock()

	return Stats{
		Enqueued:       q.enqueued,
		Delivered:      q.delivered,
		Discarded:      q.discarded,
		Processed:      q.delivered + q.discarded,
		MaxQueueLength: q.maxDepth,
		Pending:        q.depth(),
		InFlight:       q.inFlight,
	}
}

func (q *Queue) depth() int {
	return len(q.pending) + q.retries.Len()
}

func (q *Queue) observeDepth() {
	if d := q.depth(); d > q.maxDepth {
		q.maxDepth = d
	}
}

// retryHeap is a min heap of requests keyed on NextEligibleAt.
type retryHeap []*Request

func (h retryHeap) Len() int { return len(h) }

func (h retryHeap) Less(i, j int) bool {
	return h[i].NextEligibleAt.Before(h[j].NextEligibleAt)
}

func (h retryHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *retryHeap) Push(x any) {
	*h = append(*h, x.(*Request))
}

func (h *retryHeap) Pop() any {
	old := *h
	n := len(old)
	req := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]

	return req
}
