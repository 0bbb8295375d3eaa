package server

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/drksbr/vncmux/internal/config"
	"github.com/drksbr/vncmux/internal/observability"
	"github.com/drksbr/vncmux/internal/portalloc"
	"github.com/drksbr/vncmux/internal/prereq"
	"github.com/drksbr/vncmux/internal/runtime"
	"github.com/drksbr/vncmux/internal/supervisor"
	"github.com/drksbr/vncmux/internal/util"
)

type serveOptions struct {
	configPath string
	envFile    string

	listen       string
	publicHost   string
	portRange    string
	reconcile    bool
	interpreter  string
	module       string
	webRoot      string
	logDir       string
	urlTemplate  string
	probeTimeout time.Duration
	probeSOCKS5  string
	idleTimeout  time.Duration
	sweepEvery   time.Duration
	idMode       string
	origins      []string
	acmeHosts    []string
	acmeEmail    string
	acmeCache    string
	acmeHTTPAddr string
	tracing      bool
	traceExport  string
	traceURL     string
}

func (o *serveOptions) addConfigFlags(fs *pflag.FlagSet) {
	fs.StringVar(&o.configPath, "config", "", "path to YAML configuration file")
	fs.StringVar(&o.envFile, "env-file", ".env", "dotenv file loaded before reading VNCMUX_* variables")
	fs.StringVar(&o.portRange, "port-range", "", "relay port range, e.g. 6081-6099")
	fs.StringVar(&o.interpreter, "relay-interpreter", "", "relay runtime executable (default python3, python on Windows)")
	fs.StringVar(&o.module, "relay-module", "", "relay module run with -m (empty runs the interpreter directly)")
}

// loadConfig layers flags that were set explicitly on top of the file and
// environment configuration.
func (o *serveOptions) loadConfig(fs *pflag.FlagSet) (config.Config, error) {
	cfg, err := config.Load(o.configPath, o.envFile)
	if err != nil {
		return cfg, err
	}
	set := func(name string, apply func()) {
		if fl := fs.Lookup(name); fl != nil && fl.Changed {
			apply()
		}
	}
	var rangeErr error
	set("port-range", func() {
		var r portalloc.Range
		r, rangeErr = portalloc.ParseRange(o.portRange)
		cfg.PortRange = r
	})
	if rangeErr != nil {
		return cfg, fmt.Errorf("--port-range: %w", rangeErr)
	}
	set("relay-interpreter", func() { cfg.Relay.Interpreter = o.interpreter })
	set("relay-module", func() { cfg.Relay.Module = o.module })
	set("listen", func() { cfg.Listen = o.listen })
	set("public-host", func() { cfg.PublicHost = o.publicHost })
	set("reconcile", func() { cfg.Reconcile = o.reconcile })
	set("web-root", func() { cfg.Relay.WebRoot = o.webRoot })
	set("log-dir", func() { cfg.Relay.LogDir = o.logDir })
	set("relay-url-template", func() { cfg.Relay.URLTemplate = o.urlTemplate })
	set("probe-timeout", func() { cfg.Probe.Timeout = o.probeTimeout })
	set("probe-socks5", func() { cfg.Probe.SOCKS5 = o.probeSOCKS5 })
	set("idle-timeout", func() { cfg.Presence.IdleTimeout = o.idleTimeout })
	set("sweep-interval", func() { cfg.Presence.SweepInterval = o.sweepEvery })
	set("session-id-mode", func() { cfg.Sessions.IDMode = o.idMode })
	set("allowed-origin", func() { cfg.HTTP.AllowedOrigins = o.origins })
	set("acme-host", func() { cfg.HTTP.ACMEHosts = o.acmeHosts })
	set("acme-email", func() { cfg.HTTP.ACMEEmail = o.acmeEmail })
	set("acme-cache", func() { cfg.HTTP.ACMECache = o.acmeCache })
	set("acme-http", func() { cfg.HTTP.ACMEHTTPAddr = o.acmeHTTPAddr })
	set("tracing", func() { cfg.Tracing.Enabled = o.tracing })
	set("tracing-exporter", func() { cfg.Tracing.Exporter = o.traceExport })
	set("tracing-endpoint", func() { cfg.Tracing.Endpoint = o.traceURL })

	return cfg, cfg.Validate()
}

func ensureLogger(globals *runtime.Options) (*slog.Logger, error) {
	if globals.Logger() == nil {
		if err := globals.SetupLogger(); err != nil {
			return nil, err
		}
	}
	return globals.Logger().Logger, nil
}

func newSupervisor(cfg config.Config, logger *slog.Logger) (*supervisor.Supervisor, error) {
	return supervisor.New(supervisor.Options{
		Launcher: supervisor.NewLauncher(supervisor.LauncherConfig{
			Interpreter: cfg.Relay.Interpreter,
			Module:      cfg.Relay.Module,
			WebRoot:     cfg.Relay.WebRoot,
			ExtraArgs:   cfg.Relay.ExtraArgs,
		}),
		LogDir:       cfg.Relay.LogDir,
		GracePeriod:  cfg.Relay.GracePeriod,
		StartupGrace: cfg.Relay.StartupGrace,
		Marker:       cfg.Relay.Marker,
		Logger:       logger,
	})
}

// NewCommand returns the serve subcommand.
func NewCommand(globals *runtime.Options) *cobra.Command {
	def := config.Default()
	opts := &serveOptions{
		listen:       def.Listen,
		publicHost:   def.PublicHost,
		reconcile:    def.Reconcile,
		logDir:       def.Relay.LogDir,
		probeTimeout: def.Probe.Timeout,
		idleTimeout:  def.Presence.IdleTimeout,
		sweepEvery:   def.Presence.SweepInterval,
		idMode:       def.Sessions.IDMode,
		traceExport:  def.Tracing.Exporter,
	}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the VNC session API and relay supervisor",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := ensureLogger(globals)
			if err != nil {
				return err
			}
			cfg, err := opts.loadConfig(cmd.Flags())
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			ctx, stop := util.WithSignalContext(ctx, logger)
			defer stop()

			shutdownTracing, err := observability.InitTracing(ctx, observability.TracingConfig{
				Enabled:     cfg.Tracing.Enabled,
				Exporter:    cfg.Tracing.Exporter,
				Environment: cfg.Tracing.Environment,
				Endpoint:    cfg.Tracing.Endpoint,
				Insecure:    cfg.Tracing.Insecure,
			})
			if err != nil {
				return fmt.Errorf("init tracing: %w", err)
			}
			defer func() {
				flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := shutdownTracing(flushCtx); err != nil {
					logger.Warn("tracing shutdown", "error", err)
				}
			}()

			sup, err := newSupervisor(cfg, logger)
			if err != nil {
				return err
			}
			interpreter := cfg.Relay.Interpreter
			if interpreter == "" {
				interpreter = supervisor.DefaultInterpreter()
			}
			validator, err := prereq.New(prereq.Options{
				Interpreter:   interpreter,
				Module:        cfg.Relay.Module,
				ProbeTimeout:  cfg.Probe.Timeout,
				ModuleTimeout: cfg.Probe.ModuleTimeout,
				SOCKS5:        cfg.Probe.SOCKS5,
				SOCKS5User:    cfg.Probe.SOCKS5User,
				SOCKS5Pass:    cfg.Probe.SOCKS5Pass,
				Logger:        logger,
			})
			if err != nil {
				return err
			}

			srv, err := newServer(logger, cfg, sup, validator)
			if err != nil {
				return err
			}
			return srv.run(ctx)
		},
	}

	fs := cmd.Flags()
	opts.addConfigFlags(fs)
	fs.StringVar(&opts.listen, "listen", opts.listen, "listen address for the HTTP API")
	fs.StringVar(&opts.publicHost, "public-host", opts.publicHost, "host name browsers use to reach relays")
	fs.BoolVar(&opts.reconcile, "reconcile", opts.reconcile, "kill stray relays in the port range on startup")
	fs.StringVar(&opts.webRoot, "web-root", "", "directory with the noVNC client served by each relay")
	fs.StringVar(&opts.logDir, "log-dir", opts.logDir, "directory for per-session relay logs")
	fs.StringVar(&opts.urlTemplate, "relay-url-template", "", "relay URL template ({host}, {port}, {targetHost}, {targetPort}, {sessionId})")
	fs.DurationVar(&opts.probeTimeout, "probe-timeout", opts.probeTimeout, "reachability probe timeout")
	fs.StringVar(&opts.probeSOCKS5, "probe-socks5", "", "optional SOCKS5 proxy for reachability probes (host:port)")
	fs.DurationVar(&opts.idleTimeout, "idle-timeout", opts.idleTimeout, "evict users idle for longer than this")
	fs.DurationVar(&opts.sweepEvery, "sweep-interval", opts.sweepEvery, "interval between idle sweeps")
	fs.StringVar(&opts.idMode, "session-id-mode", opts.idMode, "session identifier generator (uuid or cuid)")
	fs.StringSliceVar(&opts.origins, "allowed-origin", nil, "allowed Origin for websocket clients (repeatable)")
	fs.StringSliceVar(&opts.acmeHosts, "acme-host", nil, "hostnames for Let's Encrypt certificates (repeatable)")
	fs.StringVar(&opts.acmeEmail, "acme-email", "", "contact email for Let's Encrypt registration")
	fs.StringVar(&opts.acmeCache, "acme-cache", "", "directory for ACME certificate cache")
	fs.StringVar(&opts.acmeHTTPAddr, "acme-http", "", "optional listen address for ACME HTTP-01 challenges (e.g. :80)")
	fs.BoolVar(&opts.tracing, "tracing", false, "enable OpenTelemetry tracing")
	fs.StringVar(&opts.traceExport, "tracing-exporter", opts.traceExport, "tracing exporter (stdout, otlp-grpc, otlp-http)")
	fs.StringVar(&opts.traceURL, "tracing-endpoint", "", "collector endpoint for otlp exporters")

	return cmd
}

// NewReconcileCommand returns a one-shot command that kills relays left
// running in the configured port range.
func NewReconcileCommand(globals *runtime.Options) *cobra.Command {
	opts := &serveOptions{}

	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Kill stray relay processes bound to the configured port range",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := ensureLogger(globals)
			if err != nil {
				return err
			}
			cfg, err := opts.loadConfig(cmd.Flags())
			if err != nil {
				return err
			}
			sup, err := newSupervisor(cfg, logger)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			killed := sup.Reconcile(ctx, cfg.PortRange.Start, cfg.PortRange.End)
			fmt.Fprintf(cmd.OutOrStdout(), "killed %d relay process(es) in %s\n", killed, cfg.PortRange)
			return nil
		},
	}
	opts.addConfigFlags(cmd.Flags())
	return cmd
}
