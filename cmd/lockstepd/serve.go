package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/lockstep-project/lockstep/internal/api"
	"github.com/lockstep-project/lockstep/internal/cli"
	"github.com/lockstep-project/lockstep/internal/config"
	"github.com/lockstep-project/lockstep/internal/db"
	"github.com/lockstep-project/lockstep/internal/events"
	"github.com/lockstep-project/lockstep/internal/health"
	"github.com/lockstep-project/lockstep/internal/network"
	"github.com/lockstep-project/lockstep/internal/telemetry"
	"github.com/lockstep-project/lockstep/internal/util"
)

const Banner = `
  _            _        _
 | | ___   ___| | _____| |_ ___ _ __
 | |/ _ \ / __| |/ / __| __/ _ \ '_ \
 | | (_) | (__|   <\__ \ ||  __/ |_) |
 |_|\___/ \___|_|\_\___/\__\___| .__/
                               |_|  v%s
`

var noConsole bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the TCP and KCP acceptors with the admin API and console",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		return serve(cfg)
	},
}

func init() {
	serveCmd.Flags().BoolVar(&noConsole, "no-console", false, "disable the interactive operator console")
	rootCmd.AddCommand(serveCmd)
}

func serve(cfg *config.Config) error {
	fmt.Printf(Banner, AppVersion)
	fmt.Println()

	logCfg := util.DefaultLogConfig()
	logCfg.Level = cfg.Logging.Level
	if logLevel != "" {
		logCfg.Level = logLevel
	}
	logCfg.Directory = cfg.Logging.Directory
	logCfg.Console = cfg.Logging.Console
	if l, closer, err := util.InitLogger(logCfg); err != nil {
		logger.Warn().Err(err).Msg("failed to reconfigure logger, using defaults")
	} else {
		logCloser.Close()
		logger, logCloser = l, closer
	}

	logger.Info().
		Str("version", AppVersion).
		Str("platform", runtime.GOOS).
		Str("arch", runtime.GOARCH).
		Int("cpus", runtime.NumCPU()).
		Msg("starting lockstepd")

	validation := config.Validate(cfg)
	for _, w := range validation.Warnings {
		logger.Warn().Str("field", w.Field).Msg(w.Message)
	}
	if !validation.IsValid() {
		for _, e := range validation.Errors {
			logger.Error().Str("field", e.Field).Msg(e.Message)
		}
		return fmt.Errorf("configuration validation failed, run 'lockstepd init' or fix the errors above")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := events.NewEventBus(logger)
	bus.Subscribe(events.EventShutdown, "main.shutdown", func(context.Context, events.Event) error {
		cancel()
		return nil
	})

	var history *db.HistoryStore
	if cfg.Store.Enabled {
		database, err := db.NewDatabase(cfg.Store.Path, logger)
		if err != nil {
			return err
		}
		defer database.Close()
		if history, err = db.NewHistoryStore(database); err != nil {
			return err
		}
		history.Attach(bus)
	}

	registry := network.NewRegistry(logger)
	router := network.NewRouter(bus, logger)
	if cfg.Server.Echo {
		router.SetFallback(network.Echo)
	}
	router.SetFrameEvents(cfg.Server.TraceFrames)

	srvCfg := cfg.GetServer()
	server := network.NewServer(network.ServerConfig{
		TCPAddr:          srvCfg.TCPAddr,
		UDPAddr:          srvCfg.UDPAddr,
		MaxSessions:      srvCfg.MaxSessions,
		AcceptRatePerSec: srvCfg.AcceptRatePerSec,
		Session:          cfg.SessionOptions(),
	}, registry, router, bus, logger)

	if err := startWithRetry(ctx, "acceptors", server.Start, 5); err != nil {
		return fmt.Errorf("failed to start acceptors: %w", err)
	}

	dataPath := filepath.Dir(cfg.Store.Path)
	var wg sync.WaitGroup

	if cfg.API.Enabled {
		deps := api.Deps{Registry: registry, Router: router, Bus: bus, DataPath: dataPath}
		if history != nil {
			deps.History = history
		}
		apiServer := api.NewServer(cfg.API, deps, logger)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := startWithRetry(ctx, "API server", apiServer.Start, 5); err != nil && ctx.Err() == nil {
				logger.Warn().Err(err).Msg("API server failed after retries (non-fatal)")
			}
		}()
	}

	var pruner health.HistoryPruner
	if history != nil {
		pruner = history
	}
	healthMgr := health.NewManager(health.Config{
		Interval:          time.Duration(cfg.Health.SweepIntervalSec) * time.Second,
		StreamIdleTimeout: cfg.StreamIdleTimeout(),
		HistoryRetention:  time.Duration(cfg.Store.RetentionDays) * 24 * time.Hour,
		DataPath:          dataPath,
	}, registry, pruner, bus, logger)
	wg.Add(1)
	go func() {
		defer wg.Done()
		healthMgr.Start(ctx)
	}()

	if cfg.MQTT.Enabled {
		publisher, err := telemetry.NewPublisher(cfg.MQTT, bus, logger)
		if err != nil {
			logger.Warn().Err(err).Msg("failed to initialize MQTT, telemetry disabled")
		} else {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if err := publisher.Start(ctx); err != nil {
					logger.Warn().Err(err).Msg("MQTT telemetry failed")
				}
			}()
		}
	}

	if !noConsole {
		var console cli.HistoryReader
		if history != nil {
			console = history
		}
		c := cli.NewCLI(registry, router, console, bus, os.Stdin, os.Stdout)
		go c.Start(ctx)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		logger.Info().Str("signal", sig.String()).Msg("received shutdown signal")
	case <-ctx.Done():
		logger.Info().Msg("shutdown requested")
	}

	logger.Info().Msg("initiating graceful shutdown...")
	cancel()
	server.Stop()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		logger.Info().Msg("all tasks stopped gracefully")
	case <-time.After(30 * time.Second):
		logger.Warn().Msg("shutdown timed out after 30 seconds, forcing exit")
	}

	bus.Stop()
	logger.Info().Msg("lockstepd stopped")
	return nil
}

// startWithRetry retries a failing bind a few times, for restarts where the
// previous process still holds the port.
func startWithRetry(ctx context.Context, name string, startFn func(context.Context) error, maxRetries int) error {
	var lastErr error
	for i := 0; i <= maxRetries; i++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if lastErr = startFn(ctx); lastErr == nil {
			return nil
		}
		if i < maxRetries {
			logger.Warn().Err(lastErr).Str("component", name).Int("retry", i+1).Int("max", maxRetries).Msg("bind failed, retrying in 3s...")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(3 * time.Second):
			}
		}
	}
	return lastErr
}
