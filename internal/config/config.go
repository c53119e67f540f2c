package config

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

const (
	envConfigPath     = "VPNPROBE_CONFIG"
	envPrefix         = "VPNPROBE"
	DefaultConfigPath = "/etc/vpnprobe/probe.yaml"

	MaxPollInterval         = time.Second
	MaxConcurrentTestsLimit = 10
)

type Config struct {
	Probe       ProbeConfig       `yaml:"probe"`
	Central     CentralConfig     `yaml:"central"`
	Credentials CredentialsConfig `yaml:"credentials"`
	Tunnel      TunnelConfig      `yaml:"tunnel"`
	Latency     LatencyConfig     `yaml:"latency"`
	Streaming   StreamingConfig   `yaml:"streaming"`
	Speed       SpeedConfig       `yaml:"speed"`
	Run         RunConfig         `yaml:"run"`
	Monitoring  MonitoringConfig  `yaml:"monitoring"`
}

type ProbeConfig struct {
	ID      string            `yaml:"id"`
	Region  string            `yaml:"region"`
	DataDir string            `yaml:"data_dir"`
	Labels  map[string]string `yaml:"labels"`
}

type CentralConfig struct {
	URL               string        `yaml:"url"`
	WebhookSecret     string        `yaml:"webhook_secret"`
	JobPollInterval   time.Duration `yaml:"job_poll_interval"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	BatchSize         int           `yaml:"batch_size"`
	TLS               TLSConfig     `yaml:"tls"`
}

// TLSConfig points at PEM files for the central uplink. Cert and key enable
// mutual TLS; ca replaces the system roots.
type TLSConfig struct {
	Cert string `yaml:"cert"`
	Key  string `yaml:"key"`
	CA   string `yaml:"ca"`
}

type CredentialsConfig struct {
	Backend        string `yaml:"backend"`
	Path           string `yaml:"path"`
	KeyringService string `yaml:"keyring_service"`
}

// TunnelConfig holds the session and connector timings. PollInterval is how
// often the OpenVPN log is read and is capped at MaxPollInterval. DownTimeout
// bounds `wg-quick down` and defaults to DisconnectTimeout.
type TunnelConfig struct {
	WorkDir           string        `yaml:"work_dir"`
	ConnectTimeout    time.Duration `yaml:"connect_timeout"`
	DisconnectTimeout time.Duration `yaml:"disconnect_timeout"`
	PollInterval      time.Duration `yaml:"poll_interval"`
	GracePeriod       time.Duration `yaml:"grace_period"`
	SettleInterval    time.Duration `yaml:"settle_interval"`
	DownTimeout       time.Duration `yaml:"down_timeout"`
	OpenVPNBinary     string        `yaml:"openvpn_binary"`
	WireGuardBinary   string        `yaml:"wireguard_binary"`
	IPLookupURL       string        `yaml:"ip_lookup_url"`
}

type LatencyConfig struct {
	Binary  string        `yaml:"binary"`
	Targets []string      `yaml:"targets"`
	Count   int           `yaml:"count"`
	Timeout time.Duration `yaml:"timeout"`
}

type StreamingConfig struct {
	Services []string      `yaml:"services"`
	Timeout  time.Duration `yaml:"timeout"`
}

type SpeedConfig struct {
	DownloadURL  string        `yaml:"download_url"`
	UploadURL    string        `yaml:"upload_url"`
	DownloadSize string        `yaml:"download_size"`
	UploadSize   string        `yaml:"upload_size"`
	Timeout      time.Duration `yaml:"timeout"`
}

type RunConfig struct {
	MaxConcurrentTests int           `yaml:"max_concurrent_tests"`
	RequestsPerMinute  int           `yaml:"requests_per_minute"`
	Jitter             time.Duration `yaml:"jitter"`
	QueueCapacity      int           `yaml:"queue_capacity"`
	JobBuffer          int           `yaml:"job_buffer"`
}

type MonitoringConfig struct {
	Addr             string        `yaml:"addr"`
	StaleAfter       time.Duration `yaml:"stale_after"`
	FailureThreshold int           `yaml:"failure_threshold"`
}

// envOverlay lists the settings that may come from VPNPROBE_* variables.
// Empty or zero values leave the file value alone.
type envOverlay struct {
	ProbeID            string `envconfig:"PROBE_ID"`
	ProbeRegion        string `envconfig:"PROBE_REGION"`
	CentralURL         string `envconfig:"CENTRAL_URL"`
	WebhookSecret      string `envconfig:"WEBHOOK_SECRET"`
	CredentialsPath    string `envconfig:"CREDENTIALS_PATH"`
	MaxConcurrentTests int    `envconfig:"MAX_CONCURRENT_TESTS"`
	RequestsPerMinute  int    `envconfig:"REQUESTS_PER_MINUTE"`
	MetricsAddr        string `envconfig:"METRICS_ADDR"`
}

// Load reads the YAML file at path, applies the environment overlay and
// defaults, and validates the result.
func Load(ctx context.Context, path string) (Config, error) {
	var cfg Config

	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		return cfg, fmt.Errorf("open config %q: %w", path, err)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return cfg, fmt.Errorf("read config %q: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %q: %w", path, err)
	}

	return finish(cfg)
}

// LoadFromEnv loads $VPNPROBE_CONFIG, or the default path. A missing default
// file is not an error so the probe can run from environment variables alone.
func LoadFromEnv(ctx context.Context) (Config, error) {
	path := os.Getenv(envConfigPath)
	if path != "" {
		return Load(ctx, path)
	}
	cfg, err := Load(ctx, DefaultConfigPath)
	if errors.Is(err, fs.ErrNotExist) {
		return finish(Config{})
	}
	return cfg, err
}

// Resolve picks an explicit --config path when given, the environment otherwise.
func Resolve(ctx context.Context, path string) (Config, error) {
	if path != "" {
		return Load(ctx, path)
	}
	return LoadFromEnv(ctx)
}

func finish(cfg Config) (Config, error) {
	if err := applyEnv(&cfg); err != nil {
		return cfg, err
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) error {
	var env envOverlay
	if err := envconfig.Process(envPrefix, &env); err != nil {
		return fmt.Errorf("read environment: %w", err)
	}
	setString(&cfg.Probe.ID, env.ProbeID)
	setString(&cfg.Probe.Region, env.ProbeRegion)
	setString(&cfg.Central.URL, env.CentralURL)
	setString(&cfg.Central.WebhookSecret, env.WebhookSecret)
	setString(&cfg.Credentials.Path, env.CredentialsPath)
	setString(&cfg.Monitoring.Addr, env.MetricsAddr)
	if env.MaxConcurrentTests != 0 {
		cfg.Run.MaxConcurrentTests = env.MaxConcurrentTests
	}
	if env.RequestsPerMinute != 0 {
		cfg.Run.RequestsPerMinute = env.RequestsPerMinute
	}
	return nil
}

func (c *Config) applyDefaults() {
	setDefault(&c.Probe.DataDir, "/var/lib/vpnprobe")
	setDefault(&c.Credentials.Backend, "file")
	setDefault(&c.Credentials.Path, "/etc/vpnprobe/credentials")
	setDefault(&c.Tunnel.WorkDir, "/run/vpnprobe")
	setDefault(&c.Monitoring.Addr, ":9464")
	if c.Central.JobPollInterval <= 0 {
		c.Central.JobPollInterval = 15 * time.Second
	}
	if c.Central.HeartbeatInterval <= 0 {
		c.Central.HeartbeatInterval = 30 * time.Second
	}
	if c.Central.BatchSize <= 0 {
		c.Central.BatchSize = 50
	}
	if c.Tunnel.ConnectTimeout <= 0 {
		c.Tunnel.ConnectTimeout = 30 * time.Second
	}
	if c.Tunnel.DisconnectTimeout <= 0 {
		c.Tunnel.DisconnectTimeout = 20 * time.Second
	}
	if c.Tunnel.PollInterval == 0 {
		c.Tunnel.PollInterval = 500 * time.Millisecond
	}
	c.Tunnel.PollInterval = min(c.Tunnel.PollInterval, MaxPollInterval)
	if c.Tunnel.GracePeriod == 0 {
		c.Tunnel.GracePeriod = 2 * time.Second
	}
	if c.Tunnel.SettleInterval == 0 {
		c.Tunnel.SettleInterval = 2 * time.Second
	}
	if c.Tunnel.DownTimeout == 0 {
		c.Tunnel.DownTimeout = c.Tunnel.DisconnectTimeout
	}
	if c.Run.MaxConcurrentTests == 0 {
		c.Run.MaxConcurrentTests = 3
	}
	if c.Run.RequestsPerMinute == 0 {
		c.Run.RequestsPerMinute = 10
	}
	if c.Run.QueueCapacity <= 0 {
		c.Run.QueueCapacity = 1024
	}
	if c.Run.JobBuffer <= 0 {
		c.Run.JobBuffer = 2 * c.Run.MaxConcurrentTests
	}
}

// Validate reports every problem at once.
func (c Config) Validate() error {
	var errs []error
	if n := c.Run.MaxConcurrentTests; n < 1 || n > MaxConcurrentTestsLimit {
		errs = append(errs, fmt.Errorf("run.max_concurrent_tests must be between 1 and %d, got %d", MaxConcurrentTestsLimit, n))
	}
	if c.Run.RequestsPerMinute < 0 {
		errs = append(errs, fmt.Errorf("run.requests_per_minute must not be negative"))
	}
	switch strings.ToLower(c.Credentials.Backend) {
	case "file", "keyring":
	default:
		errs = append(errs, fmt.Errorf("credentials.backend %q is not file or keyring", c.Credentials.Backend))
	}
	for name, d := range map[string]time.Duration{
		"tunnel.poll_interval":   c.Tunnel.PollInterval,
		"tunnel.grace_period":    c.Tunnel.GracePeriod,
		"tunnel.settle_interval": c.Tunnel.SettleInterval,
		"tunnel.down_timeout":    c.Tunnel.DownTimeout,
	} {
		if d < 0 {
			errs = append(errs, fmt.Errorf("%s must not be negative, got %s", name, d))
		}
	}
	if (c.Central.TLS.Cert == "") != (c.Central.TLS.Key == "") {
		errs = append(errs, errors.New("central.tls.cert and central.tls.key must be set together"))
	}
	if c.Central.URL != "" && !strings.HasPrefix(c.Central.URL, "http://") && !strings.HasPrefix(c.Central.URL, "https://") {
		errs = append(errs, fmt.Errorf("central.url %q must be http or https", c.Central.URL))
	}
	if _, err := ParseSize(c.Speed.DownloadSize, 0); err != nil {
		errs = append(errs, fmt.Errorf("speed.download_size: %w", err))
	}
	if _, err := ParseSize(c.Speed.UploadSize, 0); err != nil {
		errs = append(errs, fmt.Errorf("speed.upload_size: %w", err))
	}
	return errors.Join(errs...)
}

func setString(dst *string, v string) {
	if v = strings.TrimSpace(v); v != "" {
		*dst = v
	}
}

func setDefault(dst *string, v string) {
	if strings.TrimSpace(*dst) == "" {
		*dst = v
	}
}
