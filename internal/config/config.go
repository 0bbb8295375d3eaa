package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/drksbr/vncmux/internal/portalloc"
)

// Config is the daemon configuration. Values are layered: defaults, then the
// YAML file, then the environment. Command line flags are applied last by
// the caller.
type Config struct {
	Listen     string          `yaml:"listen"`
	PublicHost string          `yaml:"public_host"`
	PortRange  portalloc.Range `yaml:"port_range"`
	Reconcile  bool            `yaml:"reconcile"`

	Relay    RelayConfig    `yaml:"relay"`
	Probe    ProbeConfig    `yaml:"probe"`
	Presence PresenceConfig `yaml:"presence"`
	Sessions SessionsConfig `yaml:"sessions"`
	HTTP     HTTPConfig     `yaml:"http"`
	Tracing  TracingConfig  `yaml:"tracing"`
}

type RelayConfig struct {
	Interpreter  string        `yaml:"interpreter"`
	Module       string        `yaml:"module"`
	WebRoot      string        `yaml:"web_root"`
	LogDir       string        `yaml:"log_dir"`
	ExtraArgs    []string      `yaml:"extra_args"`
	URLTemplate  string        `yaml:"url_template"`
	Marker       string        `yaml:"marker"`
	GracePeriod  time.Duration `yaml:"grace_period"`
	StartupGrace time.Duration `yaml:"startup_grace"`
}

type ProbeConfig struct {
	Timeout       time.Duration `yaml:"timeout"`
	ModuleTimeout time.Duration `yaml:"module_timeout"`
	SOCKS5        string        `yaml:"socks5"`
	SOCKS5User    string        `yaml:"socks5_user"`
	SOCKS5Pass    string        `yaml:"socks5_pass"`
}

type PresenceConfig struct {
	IdleTimeout   time.Duration `yaml:"idle_timeout"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

type SessionsConfig struct {
	// IDMode selects the generator for session ids: uuid or cuid.
	IDMode string `yaml:"id_mode"`
}

type HTTPConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	ACMEHosts      []string `yaml:"acme_hosts"`
	ACMEEmail      string   `yaml:"acme_email"`
	ACMECache      string   `yaml:"acme_cache"`
	ACMEHTTPAddr   string   `yaml:"acme_http"`
}

type TracingConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Exporter    string `yaml:"exporter"`
	Endpoint    string `yaml:"endpoint"`
	Insecure    bool   `yaml:"insecure"`
	Environment string `yaml:"environment"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Listen:     ":3002",
		PublicHost: "localhost",
		PortRange:  portalloc.Range{Start: 6081, End: 6099},
		Reconcile:  true,
		Relay: RelayConfig{
			Module:       "websockify",
			LogDir:       "logs",
			Marker:       "websockify",
			GracePeriod:  200 * time.Millisecond,
			StartupGrace: 300 * time.Millisecond,
		},
		Probe: ProbeConfig{
			Timeout:       3 * time.Second,
			ModuleTimeout: 5 * time.Second,
		},
		Presence: PresenceConfig{
			IdleTimeout:   30 * time.Minute,
			SweepInterval: 5 * time.Minute,
		},
		Sessions: SessionsConfig{IDMode: "uuid"},
		Tracing:  TracingConfig{Exporter: "stdout"},
	}
}

// Load builds a Config from defaults, the optional dotenv file, the optional
// YAML file and VNCMUX_* environment variables.
func Load(path, dotenv string) (Config, error) {
	cfg := Default()
	if err := LoadDotEnv(dotenv); err != nil {
		return cfg, fmt.Errorf("load env file %q: %w", dotenv, err)
	}
	if err := LoadYAML(path, &cfg); err != nil {
		return cfg, err
	}
	if err := cfg.applyEnv(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	c.Listen = GetStringEnv(EnvPrefix+"LISTEN", c.Listen)
	c.PublicHost = GetStringEnv(EnvPrefix+"PUBLIC_HOST", c.PublicHost)
	c.Reconcile = GetBoolEnv(EnvPrefix+"RECONCILE", c.Reconcile)
	if v := GetStringEnv(EnvPrefix+"PORT_RANGE", ""); v != "" {
		r, err := portalloc.ParseRange(v)
		if err != nil {
			return fmt.Errorf("%sPORT_RANGE: %w", EnvPrefix, err)
		}
		c.PortRange = r
	}

	c.Relay.Interpreter = GetStringEnv(EnvPrefix+"RELAY_INTERPRETER", c.Relay.Interpreter)
	c.Relay.Module = GetStringEnv(EnvPrefix+"RELAY_MODULE", c.Relay.Module)
	c.Relay.WebRoot = GetStringEnv(EnvPrefix+"RELAY_WEB_ROOT", c.Relay.WebRoot)
	c.Relay.LogDir = GetStringEnv(EnvPrefix+"RELAY_LOG_DIR", c.Relay.LogDir)
	c.Relay.ExtraArgs = GetStringSliceEnv(EnvPrefix+"RELAY_EXTRA_ARGS", c.Relay.ExtraArgs)
	c.Relay.URLTemplate = GetStringEnv(EnvPrefix+"RELAY_URL_TEMPLATE", c.Relay.URLTemplate)
	c.Relay.Marker = GetStringEnv(EnvPrefix+"RELAY_MARKER", c.Relay.Marker)
	c.Relay.GracePeriod = GetDurationEnv(EnvPrefix+"RELAY_GRACE_PERIOD", c.Relay.GracePeriod)
	c.Relay.StartupGrace = GetDurationEnv(EnvPrefix+"RELAY_STARTUP_GRACE", c.Relay.StartupGrace)

	c.Probe.Timeout = GetDurationEnv(EnvPrefix+"PROBE_TIMEOUT", c.Probe.Timeout)
	c.Probe.ModuleTimeout = GetDurationEnv(EnvPrefix+"PROBE_MODULE_TIMEOUT", c.Probe.ModuleTimeout)
	c.Probe.SOCKS5 = GetStringEnv(EnvPrefix+"PROBE_SOCKS5", c.Probe.SOCKS5)
	c.Probe.SOCKS5User = GetStringEnv(EnvPrefix+"PROBE_SOCKS5_USER", c.Probe.SOCKS5User)
	c.Probe.SOCKS5Pass = GetStringEnv(EnvPrefix+"PROBE_SOCKS5_PASS", c.Probe.SOCKS5Pass)

	c.Presence.IdleTimeout = GetDurationEnv(EnvPrefix+"IDLE_TIMEOUT", c.Presence.IdleTimeout)
	c.Presence.SweepInterval = GetDurationEnv(EnvPrefix+"SWEEP_INTERVAL", c.Presence.SweepInterval)

	c.Sessions.IDMode = GetStringEnv(EnvPrefix+"SESSION_ID_MODE", c.Sessions.IDMode)

	c.HTTP.AllowedOrigins = GetStringSliceEnv(EnvPrefix+"ALLOWED_ORIGINS", c.HTTP.AllowedOrigins)
	c.HTTP.ACMEHosts = GetStringSliceEnv(EnvPrefix+"ACME_HOSTS", c.HTTP.ACMEHosts)
	c.HTTP.ACMEEmail = GetStringEnv(EnvPrefix+"ACME_EMAIL", c.HTTP.ACMEEmail)
	c.HTTP.ACMECache = GetStringEnv(EnvPrefix+"ACME_CACHE", c.HTTP.ACMECache)
	c.HTTP.ACMEHTTPAddr = GetStringEnv(EnvPrefix+"ACME_HTTP", c.HTTP.ACMEHTTPAddr)

	c.Tracing.Enabled = GetBoolEnv(EnvPrefix+"TRACING", c.Tracing.Enabled)
	c.Tracing.Exporter = GetStringEnv(EnvPrefix+"TRACING_EXPORTER", c.Tracing.Exporter)
	c.Tracing.Endpoint = GetStringEnv(EnvPrefix+"TRACING_ENDPOINT", c.Tracing.Endpoint)
	c.Tracing.Insecure = GetBoolEnv(EnvPrefix+"TRACING_INSECURE", c.Tracing.Insecure)
	c.Tracing.Environment = GetStringEnv(EnvPrefix+"ENV", c.Tracing.Environment)
	return nil
}

// Validate checks the values that cannot be defaulted.
func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Listen) == "" {
		errs = append(errs, errors.New("listen address is required"))
	}
	if err := c.PortRange.Validate(); err != nil {
		errs = append(errs, err)
	}
	switch strings.ToLower(c.Sessions.IDMode) {
	case "", "uuid", "cuid":
	default:
		errs = append(errs, fmt.Errorf("unsupported session id mode %q (expected uuid or cuid)", c.Sessions.IDMode))
	}
	if c.Relay.GracePeriod < 0 || c.Relay.StartupGrace < 0 {
		errs = append(errs, errors.New("relay grace periods must not be negative"))
	}
	if c.Probe.Timeout <= 0 {
		errs = append(errs, errors.New("probe timeout must be positive"))
	}
	if c.Presence.IdleTimeout <= 0 || c.Presence.SweepInterval <= 0 {
		errs = append(errs, errors.New("presence idle timeout and sweep interval must be positive"))
	}
	if len(c.HTTP.ACMEHosts) > 0 && c.HTTP.ACMECache == "" {
		errs = append(errs, errors.New("acme cache directory is required when acme hosts are set"))
	}
	return errors.Join(errs...)
}
