// Package session owns the lifecycle of one VPN tunnel: credentials, rendered
// files, the connector, and their cleanup.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pingsantohq/vpnprobe/internal/connector"
	"github.com/pingsantohq/vpnprobe/internal/credentials"
	"github.com/pingsantohq/vpnprobe/internal/probeerr"
	"github.com/pingsantohq/vpnprobe/internal/tunnel"
	"github.com/pingsantohq/vpnprobe/pkg/types"
)

const (
	DefaultConnectTimeout    = 30 * time.Second
	DefaultDisconnectTimeout = 20 * time.Second
)

var ErrNotIdle = errors.New("session is not idle")

type Config struct {
	ConnectTimeout    time.Duration
	DisconnectTimeout time.Duration
}

type Dependencies struct {
	Credentials credentials.Store
	Builder     *tunnel.Builder
	Connectors  connector.Factory
	Logger      *log.Logger
	Now         func() time.Time
	NewID       func() string
}

// Manager creates sessions and keeps interface names exclusive across them.
type Manager struct {
	cfg   Config
	creds credentials.Store
	build *tunnel.Builder
	conns connector.Factory
	log   *log.Logger
	now   func() time.Time
	newID func() string

	mu     sync.Mutex
	active map[string]string
}

func NewManager(cfg Config, deps Dependencies) (*Manager, error) {
	if deps.Credentials == nil {
		return nil, fmt.Errorf("session manager requires a credential store")
	}
	if deps.Builder == nil {
		return nil, fmt.Errorf("session manager requires a config builder")
	}
	if deps.Connectors == nil {
		deps.Connectors = connector.NewFactory()
	}
	if deps.Logger == nil {
		deps.Logger = log.New(io.Discard, "", 0)
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.NewID == nil {
		deps.NewID = uuid.NewString
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	if cfg.DisconnectTimeout <= 0 {
		cfg.DisconnectTimeout = DefaultDisconnectTimeout
	}
	return &Manager{
		cfg:    cfg,
		creds:  deps.Credentials,
		build:  deps.Builder,
		conns:  deps.Connectors,
		log:    deps.Logger,
		now:    deps.Now,
		newID:  deps.NewID,
		active: make(map[string]string),
	}, nil
}

// New creates an idle session for server. The descriptor is copied.
func (m *Manager) New(server types.ServerDescriptor) *Session {
	return &Session{m: m, id: m.newID(), server: server, state: Idle, history: []State{Idle}}
}

// Run opens a session, calls fn with the tunnel, and always closes the session
// before returning. The closed session is returned even when Open fails so
// callers can read its timing and history.
func (m *Manager) Run(ctx context.Context, server types.ServerDescriptor, fn func(ctx context.Context, s *Session, t connector.Tunnel) error) (*Session, error) {
	s := m.New(server)
	defer s.Close()
	t, err := s.Open(ctx)
	if err != nil {
		s.Close()
		return s, err
	}
	err = fn(ctx, s, t)
	s.Close()
	return s, err
}

// Active returns the number of sessions holding an interface name.
func (m *Manager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}

func (m *Manager) claim(iface, id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, busy := m.active[iface]; busy {
		return false
	}
	m.active[iface] = id
	return true
}

func (m *Manager) release(iface, id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active[iface] == id {
		delete(m.active, iface)
	}
}

// Session is one attempt to bring up, use, and tear down a tunnel. Open and
// Close are called from a single goroutine; the accessors are safe anywhere.
type Session struct {
	m      *Manager
	id     string
	server types.ServerDescriptor

	mu          sync.Mutex
	state       State
	history     []State
	files       tunnel.Files
	conn        connector.Connector
	tunnel      connector.Tunnel
	err         error
	connectTime time.Duration
	iface       string

	closeOnce sync.Once
}

func (s *Session) ID() string { return s.id }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// History returns every state the session has been in, in order.
func (s *Session) History() []State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]State(nil), s.history...)
}

// Err returns the error that moved the session to Failed, if any.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// ConnectDuration is the time spent in Connecting.
func (s *Session) ConnectDuration() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connectTime
}

// Tunnel returns the tunnel established by Open.
func (s *Session) Tunnel() connector.Tunnel {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tunnel
}

// Open fetches credentials, renders the profile, and connects.
func (s *Session) Open(ctx context.Context) (connector.Tunnel, error) {
	s.mu.Lock()
	if s.state != Idle {
		s.mu.Unlock()
		return connector.Tunnel{}, ErrNotIdle
	}
	s.mu.Unlock()

	iface, err := tunnel.InterfaceName(s.id)
	if err != nil {
		return s.fail(fmt.Errorf("%w: %v", probeerr.ErrConfigBuild, err))
	}
	if !s.m.claim(iface, s.id) {
		return s.fail(fmt.Errorf("%w: interface %s is busy", probeerr.ErrConnectFailed, iface))
	}
	s.mu.Lock()
	s.iface = iface
	s.mu.Unlock()

	creds, err := s.m.creds.Fetch(ctx, s.server.CredentialsRef)
	if err != nil {
		return s.fail(fmt.Errorf("fetch credentials for %s: %w", s.server.ID, err))
	}
	files, err := s.m.build.Render(s.server, creds, s.id)
	creds.Wipe()
	if err != nil {
		return s.fail(fmt.Errorf("render %s profile for %s: %w", s.server.Protocol, s.server.ID, err))
	}
	s.mu.Lock()
	s.files = files
	s.mu.Unlock()
	s.transition(ConfigBuilt)

	conn, err := s.m.conns(s.server.Protocol)
	if err != nil {
		return s.fail(fmt.Errorf("%w: %v", probeerr.ErrConnectFailed, err))
	}
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
	s.transition(Connecting)

	start := s.m.now()
	t, err := conn.Connect(ctx, files, s.m.cfg.ConnectTimeout)
	elapsed := s.m.now().Sub(start)
	s.mu.Lock()
	s.connectTime = elapsed
	s.mu.Unlock()
	if err != nil {
		return s.fail(fmt.Errorf("connect %s: %w", s.server.ID, err))
	}

	s.mu.Lock()
	s.tunnel = t
	s.mu.Unlock()
	s.transition(Connected)
	s.m.log.Printf("session %s: connected server=%s iface=%s ip=%s source=%s in %s",
		s.id, s.server.ID, t.Interface, t.IP, t.Source, elapsed.Round(time.Millisecond))
	return t, nil
}

// Close disconnects and removes every file the session rendered. It runs once;
// later calls return immediately. Cleanup failures are logged, not returned.
func (s *Session) Close() {
	s.closeOnce.Do(s.cleanup)
}

func (s *Session) cleanup() {
	s.mu.Lock()
	state := s.state
	conn := s.conn
	files := s.files
	iface := s.iface
	s.mu.Unlock()

	if state == Idle {
		s.transition(Closed)
		return
	}
	s.transition(Disconnecting)

	ctx, cancel := context.WithTimeout(context.Background(), s.m.cfg.DisconnectTimeout)
	defer cancel()
	if conn != nil {
		conn.Disconnect(ctx)
	}
	for _, p := range files.Paths() {
		if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			s.m.log.Printf("session %s: cleanup remove %s: %v", s.id, p, err)
		}
	}
	if iface != "" {
		s.m.release(iface, s.id)
	}
	s.transition(Closed)
}

func (s *Session) fail(err error) (connector.Tunnel, error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
	s.transition(Failed)
	s.m.log.Printf("session %s: failed server=%s code=%s: %v", s.id, s.server.ID, probeerr.Code(err), err)
	return connector.Tunnel{}, err
}

func (s *Session) transition(to State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !canTransition(s.state, to) {
		s.m.log.Printf("session %s: illegal transition %s -> %s", s.id, s.state, to)
		return
	}
	s.state = to
	s.history = append(s.history, to)
}
