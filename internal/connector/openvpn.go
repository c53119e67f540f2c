package connector

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/pingsantohq/vpnprobe/internal/probeerr"
	"github.com/pingsantohq/vpnprobe/internal/tunnel"
	"github.com/pingsantohq/vpnprobe/pkg/types"
)

// OpenVPN runs the openvpn client as a child process and watches its log.
type OpenVPN struct {
	opts options

	mu   sync.Mutex
	proc Process
}

func (c *OpenVPN) Connect(ctx context.Context, files tunnel.Files, timeout time.Duration) (Tunnel, error) {
	if files.LogPath == "" {
		return Tunnel{}, fmt.Errorf("%w: openvpn needs a log path", probeerr.ErrConnectFailed)
	}
	proc, err := c.opts.commander.Start(c.opts.openvpnBinary, "--config", files.ConfigPath, "--log", files.LogPath)
	if err != nil {
		return Tunnel{}, fmt.Errorf("%w: start openvpn: %v", probeerr.ErrConnectFailed, err)
	}
	c.mu.Lock()
	c.proc = proc
	c.mu.Unlock()
	c.opts.logger.Printf("openvpn %s: started pid=%d", files.Interface, proc.Pid())

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(c.opts.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return Tunnel{}, fmt.Errorf("openvpn connect: %w", ctx.Err())
		case <-ticker.C:
			d := readOutcome(files.LogPath)
			switch d.Outcome {
			case Succeeded:
				return c.established(ctx, files.Interface, d), nil
			case AuthFailed:
				return Tunnel{}, fmt.Errorf("%w: server rejected credentials", probeerr.ErrAuthenticationFailed)
			}
		case <-proc.Done():
			if d := readOutcome(files.LogPath); d.Outcome == AuthFailed {
				return Tunnel{}, fmt.Errorf("%w: server rejected credentials", probeerr.ErrAuthenticationFailed)
			}
			return Tunnel{}, fmt.Errorf("%w: openvpn exited before the tunnel came up", probeerr.ErrConnectFailed)
		case <-deadline.C:
			d := readOutcome(files.LogPath)
			switch d.Outcome {
			case Succeeded:
				return c.established(ctx, files.Interface, d), nil
			case AuthFailed:
				return Tunnel{}, fmt.Errorf("%w: server rejected credentials", probeerr.ErrAuthenticationFailed)
			}
			return Tunnel{}, fmt.Errorf("%w: no completion after %s", probeerr.ErrConnectTimeout, timeout)
		}
	}
}

func (c *OpenVPN) established(ctx context.Context, iface string, d Detection) Tunnel {
	if d.IP != "" {
		return Tunnel{Interface: iface, IP: d.IP, Source: types.IPSourceInterface}
	}
	return lookupTunnel(ctx, c.opts.lookup, iface)
}

// Disconnect sends SIGTERM, waits the grace period, then kills.
func (c *OpenVPN) Disconnect(ctx context.Context) {
	c.mu.Lock()
	proc := c.proc
	c.proc = nil
	c.mu.Unlock()
	if proc == nil {
		return
	}
	select {
	case <-proc.Done():
		return
	default:
	}

	if err := proc.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
		c.opts.logger.Printf("openvpn pid=%d: sigterm: %v", proc.Pid(), err)
	}
	grace := time.NewTimer(c.opts.gracePeriod)
	defer grace.Stop()
	select {
	case <-proc.Done():
		return
	case <-grace.C:
	case <-ctx.Done():
	}

	c.opts.logger.Printf("openvpn pid=%d: still running after %s, killing", proc.Pid(), c.opts.gracePeriod)
	if err := proc.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		c.opts.logger.Printf("openvpn pid=%d: kill: %v", proc.Pid(), err)
	}
	reap := time.NewTimer(c.opts.gracePeriod)
	defer reap.Stop()
	select {
	case <-proc.Done():
	case <-reap.C:
		c.opts.logger.Printf("openvpn pid=%d: not reaped after kill", proc.Pid())
	}
}

func readOutcome(path string) Detection {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Detection{Outcome: Pending}
	}
	return DetectOutcome(string(raw))
}
