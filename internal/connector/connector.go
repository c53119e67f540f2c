// Package connector drives the external VPN client processes.
package connector

import (
	"context"
	"fmt"
	"io"
	"log"
	"time"

	"github.com/pingsantohq/vpnprobe/internal/tunnel"
	"github.com/pingsantohq/vpnprobe/pkg/types"
)

const (
	DefaultPollInterval     = 500 * time.Millisecond
	maxPollInterval         = time.Second
	DefaultGracePeriod      = 2 * time.Second
	DefaultSettleInterval   = 2 * time.Second
	DefaultDownTimeout      = 15 * time.Second
	DefaultOpenVPNBinary    = "openvpn"
	DefaultWireGuardBinary  = "wg-quick"
	maxDiagnosticOutputSize = 512
)

// Tunnel describes an established tunnel.
type Tunnel struct {
	Interface string
	IP        string
	Source    types.IPSource
}

// Connector brings one tunnel up and down. A Connector is used by a single
// session and is not reused.
type Connector interface {
	Connect(ctx context.Context, files tunnel.Files, timeout time.Duration) (Tunnel, error)
	// Disconnect tears down whatever Connect started. It never fails and is
	// safe to call when Connect was never called or failed.
	Disconnect(ctx context.Context)
}

type options struct {
	commander       Commander
	lookup          IPLookup
	logger          *log.Logger
	pollInterval    time.Duration
	gracePeriod     time.Duration
	settleInterval  time.Duration
	downTimeout     time.Duration
	openvpnBinary   string
	wireguardBinary string
}

// Option configures connectors built by New.
type Option func(*options)

func WithCommander(c Commander) Option {
	return func(o *options) {
		if c != nil {
			o.commander = c
		}
	}
}

func WithIPLookup(l IPLookup) Option {
	return func(o *options) {
		if l != nil {
			o.lookup = l
		}
	}
}

func WithLogger(l *log.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithPollInterval sets how often the OpenVPN log is read. Values above one
// second are capped.
func WithPollInterval(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.pollInterval = min(d, maxPollInterval)
		}
	}
}

func WithGracePeriod(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.gracePeriod = d
		}
	}
}

func WithSettleInterval(d time.Duration) Option {
	return func(o *options) {
		if d >= 0 {
			o.settleInterval = d
		}
	}
}

func WithDownTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.downTimeout = d
		}
	}
}

func WithBinaries(openvpn, wireguard string) Option {
	return func(o *options) {
		if openvpn != "" {
			o.openvpnBinary = openvpn
		}
		if wireguard != "" {
			o.wireguardBinary = wireguard
		}
	}
}

func buildOptions(opts []Option) options {
	o := options{
		commander:       ExecCommander{},
		lookup:          NewHTTPLookup(nil, "", 0),
		logger:          log.New(io.Discard, "", 0),
		pollInterval:    DefaultPollInterval,
		gracePeriod:     DefaultGracePeriod,
		settleInterval:  DefaultSettleInterval,
		downTimeout:     DefaultDownTimeout,
		openvpnBinary:   DefaultOpenVPNBinary,
		wireguardBinary: DefaultWireGuardBinary,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// New returns a fresh connector for protocol.
func New(protocol types.Protocol, opts ...Option) (Connector, error) {
	o := buildOptions(opts)
	switch protocol {
	case types.ProtocolOpenVPN:
		return &OpenVPN{opts: o}, nil
	case types.ProtocolWireGuard:
		return &WireGuard{opts: o}, nil
	default:
		return nil, fmt.Errorf("no connector for protocol %q", protocol)
	}
}

// Factory builds connectors with a fixed option set.
type Factory func(types.Protocol) (Connector, error)

func NewFactory(opts ...Option) Factory {
	return func(p types.Protocol) (Connector, error) {
		return New(p, opts...)
	}
}

func lookupTunnel(ctx context.Context, lookup IPLookup, iface string) Tunnel {
	ip := lookup.Lookup(ctx)
	if ip == "" || ip == UnknownIP {
		return Tunnel{Interface: iface, IP: UnknownIP, Source: types.IPSourceUnknown}
	}
	return Tunnel{Interface: iface, IP: ip, Source: types.IPSourceLookup}
}

func trimOutput(out []byte) string {
	s := string(out)
	if len(s) > maxDiagnosticOutputSize {
		s = s[len(s)-maxDiagnosticOutputSize:]
	}
	return fmt.Sprintf("%q", s)
}
