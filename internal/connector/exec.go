package connector

import (
	"context"
	"os"
	"os/exec"
	"sync"
)

// Process is a running VPN client owned by a connector.
type Process interface {
	Pid() int
	Signal(sig os.Signal) error
	Kill() error
	// Done is closed once the process has exited and been reaped.
	Done() <-chan struct{}
}

// Commander starts long-lived processes and runs short commands.
type Commander interface {
	Start(name string, args ...string) (Process, error)
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

// ExecCommander runs real binaries.
type ExecCommander struct{}

func (ExecCommander) Start(name string, args ...string) (Process, error) {
	// not CommandContext: the client must outlive the connect call until Disconnect
	cmd := exec.Command(name, args...)
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	p := &execProcess{cmd: cmd, done: make(chan struct{})}
	go p.wait()
	return p, nil
}

func (ExecCommander) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

type execProcess struct {
	cmd  *exec.Cmd
	done chan struct{}
	once sync.Once
}

func (p *execProcess) wait() {
	_ = p.cmd.Wait()
	p.once.Do(func() { close(p.done) })
}

func (p *execProcess) Pid() int                   { return p.cmd.Process.Pid }
func (p *execProcess) Signal(sig os.Signal) error { return p.cmd.Process.Signal(sig) }
func (p *execProcess) Kill() error                { return p.cmd.Process.Kill() }
func (p *execProcess) Done() <-chan struct{}      { return p.done }
