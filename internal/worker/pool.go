package worker

import (
	"context"
	"io"
	"log"
	"math/rand/v2"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/pingsantohq/vpnprobe/pkg/types"
)

const DefaultWorkerCount = 3

type ResultSink interface {
	Enqueue(types.TestResult) bool
}

// JobRunner is satisfied by *runner.Runner.
type JobRunner interface {
	Run(ctx context.Context, job types.Job) types.TestResult
}

// Pool runs jobs with bounded concurrency. Each worker owns at most one VPN
// session at a time, so the worker count caps concurrent tunnels.
type Pool struct {
	jobs        <-chan Job
	results     ResultSink
	runner      JobRunner
	workerCount int
	limiter     *rate.Limiter
	jitter      time.Duration
	onStart     func(wait time.Duration)
	now         func() time.Time
	logger      *log.Logger
}

type PoolOption func(*Pool)

func WithWorkerCount(n int) PoolOption {
	return func(p *Pool) {
		if n > 0 {
			p.workerCount = n
		}
	}
}

// WithRateLimit caps how many tests may start per minute across all workers.
func WithRateLimit(perMinute int) PoolOption {
	return func(p *Pool) {
		if perMinute > 0 {
			p.limiter = rate.NewLimiter(rate.Limit(float64(perMinute)/60), 1)
		}
	}
}

// WithJitter delays each test start by a random duration up to d.
func WithJitter(d time.Duration) PoolOption {
	return func(p *Pool) {
		if d > 0 {
			p.jitter = d
		}
	}
}

// WithWaitObserver reports, as each test starts, how long its job waited
// since it was received.
func WithWaitObserver(fn func(wait time.Duration)) PoolOption {
	return func(p *Pool) {
		p.onStart = fn
	}
}

func WithLogger(logger *log.Logger) PoolOption {
	return func(p *Pool) {
		if logger != nil {
			p.logger = logger
		}
	}
}

func NewPool(jobs <-chan Job, results ResultSink, runner JobRunner, opts ...PoolOption) *Pool {
	p := &Pool{
		jobs:        jobs,
		results:     results,
		runner:      runner,
		workerCount: DefaultWorkerCount,
		now:         time.Now,
		logger:      log.New(io.Discard, "", 0),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.workerCount <= 0 {
		p.workerCount = 1
	}
	return p
}

func (p *Pool) Start(ctx context.Context) *sync.WaitGroup {
	var wg sync.WaitGroup
	for i := 0; i < p.workerCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.runWorker(ctx)
		}()
	}
	return &wg
}

func (p *Pool) runWorker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case job, ok := <-p.jobs:
			if !ok {
				return
			}
			p.handleJob(ctx, job)
		}
	}
}

func (p *Pool) handleJob(ctx context.Context, job Job) {
	if p.limiter != nil {
		if err := p.limiter.Wait(ctx); err != nil {
			return
		}
	}
	if p.jitter > 0 {
		timer := time.NewTimer(rand.N(p.jitter))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}

	if p.onStart != nil && !job.ReceivedAt.IsZero() {
		p.onStart(p.now().Sub(job.ReceivedAt))
	}
	result := p.runner.Run(ctx, job.Job)
	if result.JobID == "" {
		result.JobID = job.JobID
	}
	if p.results == nil {
		return
	}
	if dropped := p.results.Enqueue(result); dropped {
		p.logger.Printf("result queue full, oldest result dropped (job %s)", job.JobID)
	}
}
