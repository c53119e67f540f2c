package runtime

import (
	"context"
	"io"
	"log"
	"sync"
	"time"

	"github.com/pingsantohq/vpnprobe/internal/metrics"
	"github.com/pingsantohq/vpnprobe/internal/queue"
	"github.com/pingsantohq/vpnprobe/internal/transmit"
	"github.com/pingsantohq/vpnprobe/internal/worker"
	"github.com/pingsantohq/vpnprobe/pkg/types"
)

const DefaultPollInterval = 15 * time.Second

// JobSource is satisfied by *uplink.Client.
type JobSource interface {
	FetchJobs(ctx context.Context, limit int) ([]types.Job, error)
}

type Option func(*config)

type config struct {
	queueCapacity int
	jobBuffer     int
	workerOpts    []worker.PoolOption
	metricsStore  *metrics.Store
	source        JobSource
	pollInterval  time.Duration
	onSync        func(time.Time, error)
	now           func() time.Time
	logger        *log.Logger
}

func WithQueueCapacity(cap int) Option {
	return func(c *config) {
		if cap > 0 {
			c.queueCapacity = cap
		}
	}
}

func WithJobBuffer(size int) Option {
	return func(c *config) {
		if size > 0 {
			c.jobBuffer = size
		}
	}
}

func WithWorkerOptions(opts ...worker.PoolOption) Option {
	return func(c *config) {
		c.workerOpts = append(c.workerOpts, opts...)
	}
}

func WithMetricsStore(store *metrics.Store) Option {
	return func(c *config) {
		c.metricsStore = store
	}
}

// WithJobSource makes Start poll src every interval and submit what it returns.
func WithJobSource(src JobSource, interval time.Duration) Option {
	return func(c *config) {
		c.source = src
		if interval > 0 {
			c.pollInterval = interval
		}
	}
}

// WithSyncObserver is called after every poll with its outcome.
func WithSyncObserver(fn func(time.Time, error)) Option {
	return func(c *config) {
		c.onSync = fn
	}
}

func WithNow(now func() time.Time) Option {
	return func(c *config) {
		if now != nil {
			c.now = now
		}
	}
}

func WithLogger(logger *log.Logger) Option {
	return func(c *config) {
		if logger != nil {
			c.logger = logger
		}
	}
}

type Runtime struct {
	jobs    chan worker.Job
	results *queue.ResultQueue
	pool    *worker.Pool
	cfg     config
}

func New(runner worker.JobRunner, opts ...Option) *Runtime {
	cfg := config{
		queueCapacity: 1024,
		jobBuffer:     32,
		pollInterval:  DefaultPollInterval,
		now:           time.Now,
		logger:        log.New(io.Discard, "", 0),
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	jobs := make(chan worker.Job, cfg.jobBuffer)
	results := queue.NewResultQueue(cfg.queueCapacity)
	if cfg.metricsStore != nil {
		results.SetMetricsRecorder(cfg.metricsStore)
	}
	pool := worker.NewPool(jobs, results, runner, cfg.workerOpts...)

	return &Runtime{
		jobs:    jobs,
		results: results,
		pool:    pool,
		cfg:     cfg,
	}
}

// Start launches the workers and, when a job source is configured, the poll
// loop. The returned func waits for both to finish after ctx is cancelled.
func (r *Runtime) Start(ctx context.Context) func() {
	workerWG := r.pool.Start(ctx)
	var pollWG sync.WaitGroup
	if r.cfg.source != nil {
		pollWG.Add(1)
		go func() {
			defer pollWG.Done()
			r.poll(ctx)
		}()
	}
	return func() {
		pollWG.Wait()
		workerWG.Wait()
	}
}

// Submit hands a job to the pool without blocking. It reports false when the
// job buffer is full.
func (r *Runtime) Submit(job types.Job) bool {
	select {
	case r.jobs <- worker.Job{Job: job, ReceivedAt: r.cfg.now()}:
		return true
	default:
		return false
	}
}

// PollOnce fetches as many jobs as the buffer has room for and submits them.
// It returns how many were accepted.
func (r *Runtime) PollOnce(ctx context.Context) (int, error) {
	room := cap(r.jobs) - len(r.jobs)
	if room <= 0 {
		return 0, nil
	}
	jobs, err := r.cfg.source.FetchJobs(ctx, room)
	if r.cfg.onSync != nil {
		r.cfg.onSync(r.cfg.now(), err)
	}
	if err != nil {
		return 0, err
	}
	accepted := 0
	for _, job := range jobs {
		if !r.Submit(job) {
			r.cfg.logger.Printf("job buffer full, deferring %d jobs to next poll", len(jobs)-accepted)
			break
		}
		accepted++
	}
	return accepted, nil
}

func (r *Runtime) poll(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.pollInterval)
	defer ticker.Stop()
	for {
		if _, err := r.PollOnce(ctx); err != nil && ctx.Err() == nil {
			r.cfg.logger.Printf("job poll failed: %v", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (r *Runtime) ResultsQueue() *queue.ResultQueue {
	return r.results
}

func (r *Runtime) NewTransmitter(sink transmit.Sink, opts ...transmit.Option) *transmit.Transmitter {
	return transmit.New(r.results, sink, opts...)
}
