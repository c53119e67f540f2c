package connector

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pingsantohq/vpnprobe/internal/probeerr"
	"github.com/pingsantohq/vpnprobe/internal/tunnel"
)

// WireGuard brings interfaces up and down with wg-quick. wg-quick names the
// interface after the config file stem, so the config path addresses it.
type WireGuard struct {
	opts options

	mu     sync.Mutex
	config string
}

func (c *WireGuard) Connect(ctx context.Context, files tunnel.Files, timeout time.Duration) (Tunnel, error) {
	c.mu.Lock()
	c.config = files.ConfigPath
	c.mu.Unlock()

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	out, err := c.opts.commander.Run(runCtx, c.opts.wireguardBinary, "up", files.ConfigPath)
	if err != nil {
		if ctx.Err() == nil && errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			return Tunnel{}, fmt.Errorf("%w: wg-quick up did not finish within %s", probeerr.ErrConnectTimeout, timeout)
		}
		return Tunnel{}, fmt.Errorf("%w: wg-quick up %s: %v: %s", probeerr.ErrConnectFailed, files.Interface, err, trimOutput(out))
	}
	c.opts.logger.Printf("wireguard %s: interface up", files.Interface)

	if c.opts.settleInterval > 0 {
		settle := time.NewTimer(c.opts.settleInterval)
		select {
		case <-ctx.Done():
			settle.Stop()
			return Tunnel{}, fmt.Errorf("wireguard settle: %w", ctx.Err())
		case <-settle.C:
		}
	}
	return lookupTunnel(ctx, c.opts.lookup, files.Interface), nil
}

// Disconnect runs wg-quick down once if up was attempted.
func (c *WireGuard) Disconnect(ctx context.Context) {
	c.mu.Lock()
	config := c.config
	c.config = ""
	c.mu.Unlock()
	if config == "" {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, c.opts.downTimeout)
	defer cancel()
	if out, err := c.opts.commander.Run(ctx, c.opts.wireguardBinary, "down", config); err != nil {
		c.opts.logger.Printf("wireguard %s: down: %v: %s", config, err, trimOutput(out))
	}
}
