package connector

import (
	"context"
	"os"
	"sync"
)

type fakeProcess struct {
	pid          int
	exitOnSignal bool

	done chan struct{}
	once sync.Once

	mu      sync.Mutex
	signals []os.Signal
	killed  bool
}

func newFakeProcess(exitOnSignal bool) *fakeProcess {
	return &fakeProcess{pid: 4242, exitOnSignal: exitOnSignal, done: make(chan struct{})}
}

func (p *fakeProcess) exit() { p.once.Do(func() { close(p.done) }) }

func (p *fakeProcess) Pid() int { return p.pid }

func (p *fakeProcess) Signal(sig os.Signal) error {
	p.mu.Lock()
	p.signals = append(p.signals, sig)
	p.mu.Unlock()
	if p.exitOnSignal {
		p.exit()
	}
	return nil
}

func (p *fakeProcess) Kill() error {
	p.mu.Lock()
	p.killed = true
	p.mu.Unlock()
	p.exit()
	return nil
}

func (p *fakeProcess) Done() <-chan struct{} { return p.done }

func (p *fakeProcess) state() ([]os.Signal, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]os.Signal(nil), p.signals...), p.killed
}

type fakeCommander struct {
	proc     *fakeProcess
	startErr error
	onStart  func(args []string)
	runFn    func(ctx context.Context, args []string) ([]byte, error)

	mu      sync.Mutex
	started [][]string
	runs    [][]string
}

func (c *fakeCommander) Start(name string, args ...string) (Process, error) {
	c.mu.Lock()
	c.started = append(c.started, append([]string{name}, args...))
	c.mu.Unlock()
	if c.startErr != nil {
		return nil, c.startErr
	}
	if c.onStart != nil {
		c.onStart(args)
	}
	return c.proc, nil
}

func (c *fakeCommander) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	c.mu.Lock()
	c.runs = append(c.runs, append([]string{name}, args...))
	c.mu.Unlock()
	if c.runFn != nil {
		return c.runFn(ctx, args)
	}
	return nil, nil
}

func (c *fakeCommander) runHistory() [][]string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]string(nil), c.runs...)
}

// argValue returns the value following flag in args.
func argValue(args []string, flag string) string {
	for i := 0; i+1 < len(args); i++ {
		if args[i] == flag {
			return args[i+1]
		}
	}
	return ""
}
