package transmit

import (
	"context"
	"errors"
	"io"
	"log"
	"time"

	"github.com/pingsantohq/vpnprobe/internal/queue"
	"github.com/pingsantohq/vpnprobe/pkg/types"
)

// Sink defines the downstream consumer for test results (e.g. the central uplink).
type Sink interface {
	Send(ctx context.Context, results []types.TestResult) error
}

// Option configures a Transmitter instance.
type Option func(*Transmitter)

// WithBatchSize overrides the number of results flushed per send.
func WithBatchSize(size int) Option {
	return func(t *Transmitter) {
		if size > 0 {
			t.batchSize = size
		}
	}
}

// WithIdleSleep customises the sleep interval when no data is available.
func WithIdleSleep(d time.Duration) Option {
	return func(t *Transmitter) {
		if d > 0 {
			t.idleSleep = d
		}
	}
}

// WithRetrySleep sets the initial backoff after a failed send. Consecutive
// failures double it up to WithMaxRetrySleep.
func WithRetrySleep(d time.Duration) Option {
	return func(t *Transmitter) {
		if d > 0 {
			t.retrySleep = d
		}
	}
}

func WithMaxRetrySleep(d time.Duration) Option {
	return func(t *Transmitter) {
		if d > 0 {
			t.maxRetrySleep = d
		}
	}
}

func WithLogger(logger *log.Logger) Option {
	return func(t *Transmitter) {
		if logger != nil {
			t.logger = logger
		}
	}
}

// Transmitter drains finished results from the queue and hands them to a sink.
// A failed batch goes back to the front of the queue.
type Transmitter struct {
	queue         *queue.ResultQueue
	sink          Sink
	logger        *log.Logger
	batchSize     int
	idleSleep     time.Duration
	retrySleep    time.Duration
	maxRetrySleep time.Duration
	failures      int
}

// New constructs a Transmitter. The queue and sink are required.
func New(queue *queue.ResultQueue, sink Sink, opts ...Option) *Transmitter {
	t := &Transmitter{
		queue:         queue,
		sink:          sink,
		logger:        log.New(io.Discard, "", 0),
		batchSize:     50,
		idleSleep:     time.Second,
		retrySleep:    2 * time.Second,
		maxRetrySleep: time.Minute,
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.maxRetrySleep < t.retrySleep {
		t.maxRetrySleep = t.retrySleep
	}
	return t
}

// Run blocks until the context is cancelled.
func (t *Transmitter) Run(ctx context.Context) error {
	if t.queue == nil {
		return errors.New("transmitter queue is nil")
	}
	if t.sink == nil {
		return errors.New("transmitter sink is nil")
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if t.flushQueue(ctx) {
			continue
		}
		t.sleep(ctx, t.idleSleep)
	}
}

// Flush sends whatever is queued right now, one batch at a time, and stops at
// the first failure. Used on shutdown and by the one-shot test command.
func (t *Transmitter) Flush(ctx context.Context) error {
	for {
		results := t.queue.Drain(t.batchSize)
		if len(results) == 0 {
			return nil
		}
		if err := t.sink.Send(ctx, results); err != nil {
			t.queue.Requeue(results)
			return err
		}
	}
}

func (t *Transmitter) flushQueue(ctx context.Context) bool {
	results := t.queue.Drain(t.batchSize)
	if len(results) == 0 {
		return false
	}

	if err := t.sink.Send(ctx, results); err != nil {
		t.queue.Requeue(results)
		t.failures++
		backoff := t.backoff()
		t.logger.Printf("send %d results failed (attempt %d, retry in %s): %v", len(results), t.failures, backoff, err)
		t.sleep(ctx, backoff)
		return true
	}
	t.failures = 0
	return true
}

func (t *Transmitter) backoff() time.Duration {
	d := t.retrySleep
	for i := 1; i < t.failures; i++ {
		d *= 2
		if d >= t.maxRetrySleep {
			return t.maxRetrySleep
		}
	}
	return d
}

func (t *Transmitter) sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
