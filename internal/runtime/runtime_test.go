package runtime

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/pingsantohq/vpnprobe/internal/worker"
	"github.com/pingsantohq/vpnprobe/pkg/types"
)

type echoRunner struct{}

func (echoRunner) Run(ctx context.Context, job types.Job) types.TestResult {
	return types.TestResult{ServerID: job.Server.ID, Tier: job.Tier}
}

type fakeSource struct {
	mu     sync.Mutex
	jobs   []types.Job
	err    error
	limits []int
}

func (f *fakeSource) FetchJobs(ctx context.Context, limit int) ([]types.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.limits = append(f.limits, limit)
	if f.err != nil {
		return nil, f.err
	}
	n := len(f.jobs)
	if limit < n {
		n = limit
	}
	out := f.jobs[:n]
	f.jobs = f.jobs[n:]
	return out, nil
}

func job(id string) types.Job {
	return types.Job{JobID: id, Tier: types.TierCold, Server: types.ServerDescriptor{ID: "srv-" + id}}
}

func TestRuntimePollsAndGeneratesResults(t *testing.T) {
	src := &fakeSource{jobs: []types.Job{job("a"), job("b")}}
	var syncs int
	var mu sync.Mutex
	rt := New(echoRunner{},
		WithQueueCapacity(10),
		WithJobBuffer(4),
		WithJobSource(src, 10*time.Millisecond),
		WithSyncObserver(func(time.Time, error) {
			mu.Lock()
			syncs++
			mu.Unlock()
		}),
	)

	ctx, cancel := context.WithCancel(context.Background())
	wait := rt.Start(ctx)

	deadline := time.NewTimer(time.Second)
	defer deadline.Stop()
	for rt.ResultsQueue().Len() < 2 {
		select {
		case <-deadline.C:
			cancel()
			wait()
			t.Fatalf("timeout waiting for results")
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
	wait()

	results := rt.ResultsQueue().Drain(0)
	got := map[string]string{}
	for _, r := range results {
		got[r.ServerID] = r.JobID
	}
	if got["srv-a"] != "a" || got["srv-b"] != "b" {
		t.Fatalf("unexpected results %+v", results)
	}
	mu.Lock()
	defer mu.Unlock()
	if syncs == 0 {
		t.Fatalf("expected sync observer to be called")
	}
}

func TestSubmitDoesNotBlockWhenFull(t *testing.T) {
	rt := New(echoRunner{}, WithJobBuffer(1))
	if !rt.Submit(job("a")) {
		t.Fatalf("expected first submit accepted")
	}
	done := make(chan bool, 1)
	go func() { done <- rt.Submit(job("b")) }()
	select {
	case ok := <-done:
		if ok {
			t.Fatalf("expected submit to report a full buffer")
		}
	case <-time.After(time.Second):
		t.Fatalf("submit blocked on a full buffer")
	}
}

func TestPollOnceRespectsBufferRoom(t *testing.T) {
	// Not started, so nothing drains the buffer between polls.
	src := &fakeSource{jobs: []types.Job{job("a"), job("b"), job("c")}}
	rt := New(echoRunner{}, WithJobBuffer(2), WithJobSource(src, time.Hour),
		WithWorkerOptions(worker.WithWorkerCount(1)))

	n, err := rt.PollOnce(context.Background())
	if err != nil || n != 2 {
		t.Fatalf("expected 2 accepted, got %d %v", n, err)
	}
	if n, _ := rt.PollOnce(context.Background()); n != 0 {
		t.Fatalf("expected no room on second poll, got %d", n)
	}
	src.mu.Lock()
	limits := append([]int(nil), src.limits...)
	src.mu.Unlock()
	if len(limits) != 1 || limits[0] != 2 {
		t.Fatalf("expected a single fetch with limit 2, got %v", limits)
	}
}

func TestPollOnceReportsErrors(t *testing.T) {
	src := &fakeSource{err: errors.New("central down")}
	var observed error
	rt := New(echoRunner{}, WithJobSource(src, time.Hour), WithSyncObserver(func(_ time.Time, err error) { observed = err }))
	if _, err := rt.PollOnce(context.Background()); err == nil {
		t.Fatalf("expected poll error")
	}
	if observed == nil {
		t.Fatalf("expected sync observer to see the error")
	}
}
