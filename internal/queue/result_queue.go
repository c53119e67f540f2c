package queue

import (
	"sync"

	"github.com/pingsantohq/vpnprobe/pkg/types"
)

// Recorder receives depth changes and drop events.
type Recorder interface {
	ObserveQueueDepth(depth int)
	IncQueueDrops()
}

// ResultQueue buffers finished tests until the transmitter uploads them.
// When full, the oldest result is dropped to make room.
type ResultQueue struct {
	mu       sync.Mutex
	capacity int
	items    []types.TestResult
	dropped  uint64
	accepted uint64
	metrics  Recorder
}

func NewResultQueue(capacity int) *ResultQueue {
	if capacity <= 0 {
		capacity = 1
	}
	return &ResultQueue{
		capacity: capacity,
		items:    make([]types.TestResult, 0, capacity),
	}
}

func (q *ResultQueue) SetMetricsRecorder(rec Recorder) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.metrics = rec
}

func (q *ResultQueue) Enqueue(result types.TestResult) (dropped bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) >= q.capacity {
		q.items = q.items[1:]
		dropped = true
		q.dropped++
		q.incrementDrop()
	}
	q.items = append(q.items, result)
	q.accepted++
	q.observeDepthLocked()
	return dropped
}

// Requeue puts a batch back at the front after a failed upload. Results that
// no longer fit are dropped from the tail of the batch.
func (q *ResultQueue) Requeue(batch []types.TestResult) {
	if len(batch) == 0 {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	room := q.capacity - len(q.items)
	if room < len(batch) {
		if room < 0 {
			room = 0
		}
		lost := len(batch) - room
		for i := 0; i < lost; i++ {
			q.dropped++
			q.incrementDrop()
		}
		batch = batch[:room]
	}
	items := make([]types.TestResult, 0, q.capacity)
	items = append(items, batch...)
	items = append(items, q.items...)
	q.items = items
	q.observeDepthLocked()
}

func (q *ResultQueue) Drain(max int) []types.TestResult {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := len(q.items)
	if max > 0 && max < n {
		n = max
	}
	drained := make([]types.TestResult, n)
	copy(drained, q.items[:n])
	q.items = q.items[n:]
	q.observeDepthLocked()
	return drained
}

func (q *ResultQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *ResultQueue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Stats{
		Len:      len(q.items),
		Capacity: q.capacity,
		Accepted: q.accepted,
		Dropped:  q.dropped,
	}
}

type Stats struct {
	Len      int
	Capacity int
	Accepted uint64
	Dropped  uint64
}

func (q *ResultQueue) observeDepthLocked() {
	if q.metrics == nil {
		return
	}
	q.metrics.ObserveQueueDepth(len(q.items))
}

func (q *ResultQueue) incrementDrop() {
	if q.metrics == nil {
		return
	}
	q.metrics.IncQueueDrops()
}
