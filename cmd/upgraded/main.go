// Upgraded is the multi-variant upgrade orchestration daemon.
//
// The binary boots the full daemon: an embedded NATS server (or a connection
// to an external one), the variant workspace manager, the episodic memory
// store, the session orchestrator, and the HTTP/SSE API that upgctl talks to.
//
// Configuration is loaded from ~/.config/upgraded/config.yaml with
// environment variable overrides. See internal/config for precedence and
// security rules.
//
// Usage:
//
//	# Start the daemon with defaults
//	upgraded
//
//	# Point at an explicit config file
//	upgraded --config /etc/upgraded/config.yaml
//
//	# Configure via environment
//	SERVER_HTTP_PORT=9090 AGENT_COMMAND=./my-agent upgraded
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/fyrsmithlabs/upgraded/internal/bridge"
	"github.com/fyrsmithlabs/upgraded/internal/config"
	"github.com/fyrsmithlabs/upgraded/internal/episodic"
	"github.com/fyrsmithlabs/upgraded/internal/executor"
	"github.com/fyrsmithlabs/upgraded/internal/guard"
	"github.com/fyrsmithlabs/upgraded/internal/httpapi"
	"github.com/fyrsmithlabs/upgraded/internal/logging"
	"github.com/fyrsmithlabs/upgraded/internal/mode"
	"github.com/fyrsmithlabs/upgraded/internal/orchestrator"
	"github.com/fyrsmithlabs/upgraded/internal/telemetry"
	"github.com/fyrsmithlabs/upgraded/internal/workspace"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	configPath := flag.String("config", "", "config file path (default ~/.config/upgraded/config.yaml)")
	flag.Parse()
	args := flag.Args()

	if len(args) > 0 {
		switch args[0] {
		case "version":
			printVersion()
			os.Exit(0)
		default:
			fmt.Fprintf(os.Stderr, "Unknown command: %s\n", args[0])
			fmt.Fprintf(os.Stderr, "\nUsage:\n")
			fmt.Fprintf(os.Stderr, "  upgraded           Start the upgraded daemon\n")
			fmt.Fprintf(os.Stderr, "  upgraded version   Show version information\n")
			os.Exit(1)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Printf("Received signal %v, shutting down gracefully...", sig)
		cancel()
	}()

	if err := run(ctx, *configPath); err != nil {
		log.Fatalf("Daemon error: %v", err)
	}

	log.Println("Shutdown complete")
}

func printVersion() {
	fmt.Printf("upgraded by Fyrsmith Labs\n")
	fmt.Printf("Version:    %s\n", version)
	fmt.Printf("Commit:     %s\n", gitCommit)
	fmt.Printf("Build Date: %s\n", buildDate)
}

// run starts the daemon and blocks until ctx is cancelled.
//
// Initialization order:
//  1. Load and validate configuration
//  2. Initialize telemetry and the structured logger
//  3. Start infrastructure (NATS, workspace manager, episodic store)
//  4. Wire services (mode registry, memory, guard, executor, orchestrator)
//  5. Serve the HTTP API until shutdown
//
// Returns http.ErrServerClosed on graceful shutdown.
func run(ctx context.Context, configPath string) error {
	cfg, err := config.LoadWithFile(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	tel, err := initTelemetry(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	appLogger, err := logging.NewFromBasicConfig(cfg.Logging.Level, cfg.Logging.Format, tel.LoggerProvider())
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer func() {
		_ = appLogger.Sync() // Best-effort sync on shutdown
	}()
	logger := appLogger.Underlying()

	logger.Info("Starting upgraded",
		zap.String("version", version),
		zap.Int("port", cfg.Server.Port),
		zap.Bool("nats_embedded", cfg.NATS.Embedded),
		zap.Bool("telemetry_enabled", tel.IsEnabled()))

	deps, err := initDependencies(cfg, tel, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize dependencies: %w", err)
	}
	defer deps.Close()

	svcs, err := initServices(cfg, deps, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize services: %w", err)
	}
	defer svcs.Close()

	logger.Info("Services initialized",
		zap.String("agent_command", cfg.Agent.Command),
		zap.Int("max_rounds", cfg.Session.MaxRounds),
		zap.Duration("round_timeout", cfg.Session.RoundTimeout.Duration()),
		zap.Strings("modes", modeNames(svcs.registry)))

	srv, err := httpapi.New(httpapi.Config{
		Addr:            fmt.Sprintf(":%d", cfg.Server.Port),
		ShutdownTimeout: cfg.Server.ShutdownTimeout.Duration(),
		RateLimit:       rate.Limit(cfg.Server.ToggleRate),
		RateBurst:       cfg.Server.ToggleBurst,
	}, httpapi.Deps{
		Sessions: svcs.sessions,
		Bridge:   svcs.bridge,
		Memory:   svcs.memory,
		NATS:     deps.natsConn,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to create HTTP server: %w", err)
	}

	logger.Info("Server configured",
		zap.String("health_endpoint", fmt.Sprintf("http://localhost:%d/health", cfg.Server.Port)),
		zap.String("api_prefix", "/v1"),
		zap.String("metrics_endpoint", "/metrics"))

	// Blocks until context cancellation.
	return srv.Start(ctx)
}

// dependencies holds the daemon's infrastructure.
type dependencies struct {
	telemetry  *telemetry.Telemetry
	natsServer *natsserver.Server
	natsConn   *nats.Conn
	workspaces *workspace.Manager
	store      *episodic.SQLiteStore
}

// Close releases infrastructure in reverse initialization order. Safe to
// call on a partially initialized struct.
func (d *dependencies) Close() {
	if d.store != nil {
		_ = d.store.Close()
	}
	if d.workspaces != nil {
		_ = d.workspaces.Close()
	}
	if d.natsConn != nil {
		d.natsConn.Close()
	}
	if d.natsServer != nil {
		d.natsServer.Shutdown()
		d.natsServer.WaitForShutdown()
	}
	if d.telemetry != nil {
		// Telemetry.Shutdown applies its own configured timeout.
		_ = d.telemetry.Shutdown(context.Background())
	}
}

// services holds the wired domain services.
type services struct {
	registry *mode.Registry
	memory   *episodic.Service
	bridge   *bridge.Bridge
	sessions *orchestrator.Service
}

// Close aborts any in-flight sessions. Runs before dependencies.Close so
// workspaces and the store are still alive while sessions unwind.
func (s *services) Close() {
	if s.sessions != nil {
		_ = s.sessions.Close()
	}
}

// initTelemetry maps the app-level telemetry section onto the telemetry
// package's config. Disabled telemetry still yields a working no-op handle.
func initTelemetry(ctx context.Context, cfg *config.Config) (*telemetry.Telemetry, error) {
	telCfg := telemetry.NewDefaultConfig()
	telCfg.Enabled = cfg.Telemetry.Enabled
	telCfg.Endpoint = cfg.Telemetry.Endpoint
	telCfg.Protocol = cfg.Telemetry.Protocol
	telCfg.ServiceVersion = version
	telCfg.Insecure = cfg.Telemetry.Insecure
	telCfg.Sampling.Rate = cfg.Telemetry.SampleRate
	telCfg.Metrics.Enabled = cfg.Telemetry.MetricsEnabled
	telCfg.Metrics.ExportInterval = cfg.Telemetry.ExportInterval

	return telemetry.New(ctx, telCfg)
}

// initDependencies starts the event bus and opens the stores.
func initDependencies(cfg *config.Config, tel *telemetry.Telemetry, logger *zap.Logger) (*dependencies, error) {
	d := &dependencies{telemetry: tel}

	natsURL := cfg.NATS.URL
	if cfg.NATS.Embedded {
		ns, err := startEmbeddedNATS()
		if err != nil {
			d.Close()
			return nil, fmt.Errorf("failed to start embedded NATS server: %w", err)
		}
		d.natsServer = ns
		natsURL = ns.ClientURL()
	}

	opts := []nats.Option{
		nats.Name(config.ServiceName),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(5),
		nats.ReconnectWait(1 * time.Second),
	}
	if cfg.NATS.Token.IsSet() {
		opts = append(opts, nats.Token(cfg.NATS.Token.Value()))
	}

	nc, err := nats.Connect(natsURL, opts...)
	if err != nil {
		d.Close()
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", natsURL, err)
	}
	d.natsConn = nc

	logger.Info("Connected to NATS",
		zap.String("url", natsURL),
		zap.Bool("embedded", cfg.NATS.Embedded))

	root, err := config.ExpandPath(cfg.Workspace.Root)
	if err != nil {
		d.Close()
		return nil, fmt.Errorf("failed to resolve workspace root: %w", err)
	}
	workspaces, err := workspace.NewManager(workspace.Config{
		Root:       root,
		WatchDrift: cfg.Workspace.WatchDrift,
	}, logger)
	if err != nil {
		d.Close()
		return nil, fmt.Errorf("failed to create workspace manager: %w", err)
	}
	d.workspaces = workspaces

	dbPath, err := config.ExpandPath(cfg.Episodic.Path)
	if err != nil {
		d.Close()
		return nil, fmt.Errorf("failed to resolve episodic path: %w", err)
	}
	store, err := episodic.OpenSQLite(dbPath)
	if err != nil {
		d.Close()
		return nil, fmt.Errorf("failed to open episodic store: %w", err)
	}
	d.store = store

	logger.Info("Stores opened",
		zap.String("workspace_root", root),
		zap.String("episodic_path", dbPath))

	return d, nil
}

// initServices wires the domain services onto the infrastructure.
func initServices(cfg *config.Config, deps *dependencies, logger *zap.Logger) (*services, error) {
	registry := mode.NewRegistry(&mode.Config{
		RefinerBias: cfg.Modes.RefinerBias,
		Guidance:    cfg.Modes.Guidance,
	})

	memory, err := episodic.NewService(deps.store, registry, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create episodic service: %w", err)
	}

	scanner := guard.New(guard.Config{
		Enabled:       cfg.Guard.Enabled,
		AllowlistFile: cfg.Guard.AllowlistFile,
	}, logger)

	adapter, err := executor.NewCommandAdapter(executor.CommandConfig{
		Command: cfg.Agent.Command,
		Args:    cfg.Agent.Args,
		Env:     cfg.Agent.Env,
		Grace:   cfg.Session.GracePeriod.Duration(),
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create agent adapter: %w", err)
	}

	eventBridge, err := bridge.New(deps.natsConn, registry, bridge.DefaultConfig(), logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create event bridge: %w", err)
	}

	sessions, err := orchestrator.New(orchestrator.Config{
		MaxRounds:              cfg.Session.MaxRounds,
		RoundTimeout:           cfg.Session.RoundTimeout.Duration(),
		GracePeriod:            cfg.Session.GracePeriod.Duration(),
		MaxIndeterminateRounds: cfg.Session.MaxIndeterminateRounds,
	}, orchestrator.Deps{
		Registry:   registry,
		Workspaces: deps.workspaces,
		Adapter:    adapter,
		Guard:      scanner,
		Memory:     memory,
		Bridge:     eventBridge,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create orchestrator: %w", err)
	}

	return &services{
		registry: registry,
		memory:   memory,
		bridge:   eventBridge,
		sessions: sessions,
	}, nil
}

// startEmbeddedNATS runs an in-process NATS server on a loopback port. The
// daemon is its only client; nothing listens beyond localhost.
func startEmbeddedNATS() (*natsserver.Server, error) {
	opts := &natsserver.Options{
		Host:   "127.0.0.1",
		Port:   -1,
		NoLog:  true,
		NoSigs: true,
	}
	ns, err := natsserver.NewServer(opts)
	if err != nil {
		return nil, err
	}

	go ns.Start()
	if !ns.ReadyForConnections(10 * time.Second) {
		ns.Shutdown()
		return nil, fmt.Errorf("embedded NATS server did not become ready")
	}
	return ns, nil
}

func modeNames(registry *mode.Registry) []string {
	modes := registry.All()
	names := make([]string, 0, len(modes))
	for _, m := range modes {
		names = append(names, string(m.ID))
	}
	return names
}
