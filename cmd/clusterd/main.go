// Command clusterd runs one member of a clustered record database.
//
// Configuration comes from an optional YAML file (--config or
// $CLUSTERD_CONFIG), CLUSTERD_* environment variables, an optional .env
// file and the flags below, in increasing order of precedence.
//
// Exit codes are the lifecycle.Exit* constants; 1 means the configuration
// could not be loaded.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/dreamware/clusterd/internal/config"
	"github.com/dreamware/clusterd/internal/lifecycle"
	"github.com/dreamware/clusterd/internal/logger"
	"github.com/dreamware/clusterd/internal/metrics"
	"github.com/dreamware/clusterd/internal/state"
)

// logFatal is replaced in tests.
var logFatal = log.Fatalf

// exit is replaced in tests.
var exit = os.Exit

type flags struct {
	configPath  string
	envFile     string
	socket      string
	nodeAddress string
	logLevel    string
	metricsAddr string
	scriptDir   string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		logFatal("clusterd: %v", err)
	}
}

func newRootCmd() *cobra.Command {
	f := &flags{}
	cmd := &cobra.Command{
		Use:           "clusterd",
		Short:         "Clustered record database daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(f)
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg)
		},
	}
	fl := cmd.Flags()
	fl.StringVar(&f.configPath, "config", "", "YAML configuration file (env CLUSTERD_CONFIG)")
	fl.StringVar(&f.envFile, "env-file", ".env", "dotenv file loaded before the configuration")
	fl.StringVar(&f.socket, "socket", "", "local client socket path")
	fl.StringVar(&f.nodeAddress, "node-address", "", "this node's address in the node list")
	fl.StringVar(&f.logLevel, "log-level", "", "debug, info, warn or error")
	fl.StringVar(&f.metricsAddr, "metrics-addr", "", "listen address for /metrics, empty keeps the configured one")
	fl.StringVar(&f.scriptDir, "event-script-dir", "", "directory of lifecycle event scripts")
	return cmd
}

// loadConfig resolves the configuration from the env file, the config
// file, the environment and the flags.
func loadConfig(f *flags) (*config.Config, error) {
	if f.envFile != "" {
		_ = godotenv.Load(f.envFile)
	}
	path := f.configPath
	if path == "" {
		path = getenv("CLUSTERD_CONFIG", "")
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	if f.socket != "" {
		cfg.Socket = f.socket
	}
	if f.nodeAddress != "" {
		cfg.NodeAddress = f.nodeAddress
	}
	if f.logLevel != "" {
		cfg.LogLevel = f.logLevel
	}
	if f.metricsAddr != "" {
		cfg.MetricsAddr = f.metricsAddr
	}
	if f.scriptDir != "" {
		cfg.EventScriptDir = f.scriptDir
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func run(ctx context.Context, cfg *config.Config) error {
	if ctx == nil {
		ctx = context.Background()
	}
	logger.Init(logger.Config{Env: cfg.Env, Level: cfg.LogLevel, Node: cfg.NodeAddress})
	lg := logger.Named("main")

	st := state.New()
	reg, err := metrics.NewRegistry(st)
	if err != nil {
		return fmt.Errorf("metrics: %w", err)
	}
	var exporter *metrics.Exporter
	if cfg.MetricsAddr != "" {
		exporter = metrics.NewExporter(cfg.MetricsAddr, reg)
		go func() {
			if err := exporter.Start(); err != nil {
				lg.Error("metrics exporter stopped", logger.Err(err))
			}
		}()
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := lifecycle.New(lifecycle.Options{
		Config: cfg,
		State:  st,
		Exit: func(code int) {
			if exporter != nil {
				sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				_ = exporter.Stop(sctx)
				cancel()
			}
			lg.Info("exiting", zap.Int("code", code))
			_ = logger.Sync()
			exit(code)
		},
	})
	return m.Run(ctx)
}

// getenv returns the environment variable k, or def when it is unset or
// empty.
func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
