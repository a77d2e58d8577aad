// Queue implements the bounded saturation queue from spec §4.3
// ("Admission control") and §5 ("The request queue is a bounded
// channel/queue"). It is a literal rendering of the spec text: enqueue
// returns immediately (202 + Retry-After + queue position per SUPPLEMENT #5
// in SPEC_FULL.md); a background consumer drains it at a fixed poll
// interval, attempting dispatch against the current eligible set and
// requeuing on failure. There is no persisted history and nothing to poll
// by request id, consistent with spec §1's Non-goal "persistence of
// request history across restarts" and the absence of a GET-by-id route in
// §4.3's route table.
package router

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/multiaccount/llmrouter/internal/metrics"
)

const queueDrainInterval = time.Second

// queuedRequest is one item waiting on the saturation queue.
type queuedRequest struct {
	requestID string
	model     string
	dispatch  func(model string) bool // returns true once successfully dispatched
	enqueued  time.Time
}

// queue is a bounded FIFO of queuedRequest, drained in arrival order (spec
// §5: "The queued-request drain releases items in arrival order").
type queue struct {
	mu       sync.Mutex
	items    *list.List
	maxLen   int
	metrics  *metrics.Metrics
}

func newQueue(maxLen int, m *metrics.Metrics) *queue {
	return &queue{items: list.New(), maxLen: maxLen, metrics: m}
}

// enqueue appends req if there is room, returning the 1-based position it
// occupies, or ok=false if the queue is full.
func (q *queue) enqueue(req queuedRequest) (position int, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.items.Len() >= q.maxLen {
		return 0, false
	}
	q.items.PushBack(req)
	if q.metrics != nil {
		q.metrics.QueueDepth.Set(float64(q.items.Len()))
	}
	return q.items.Len(), true
}

func (q *queue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Len()
}

// run drains the queue every queueDrainInterval until ctx is done, attempting
// each queued item's dispatch function in FIFO order; items that fail to
// dispatch (no eligible worker yet) are requeued at the back.
func (q *queue) run(ctx context.Context) {
	ticker := time.NewTicker(queueDrainInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			q.drainOnce()
		}
	}
}

func (q *queue) drainOnce() {
	q.mu.Lock()
	pending := make([]queuedRequest, 0, q.items.Len())
	for e := q.items.Front(); e != nil; e = e.Next() {
		pending = append(pending, e.Value.(queuedRequest))
	}
	q.items.Init()
	q.mu.Unlock()

	for _, req := range pending {
		if req.dispatch(req.model) {
			continue
		}
		q.mu.Lock()
		q.items.PushBack(req)
		q.mu.Unlock()
	}

	if q.metrics != nil {
		q.metrics.QueueDepth.Set(float64(q.len()))
	}
}
