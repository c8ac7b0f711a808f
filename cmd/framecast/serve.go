package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"runtime"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/framecast-project/framecast/internal/api"
	"github.com/framecast-project/framecast/internal/cli"
	"github.com/framecast-project/framecast/internal/config"
	"github.com/framecast-project/framecast/internal/db"
	"github.com/framecast-project/framecast/internal/events"
	"github.com/framecast-project/framecast/internal/network"
	"github.com/framecast-project/framecast/internal/scheduler"
	"github.com/framecast-project/framecast/internal/server"
	"github.com/framecast-project/framecast/internal/telemetry"
	"github.com/framecast-project/framecast/internal/testpattern"
	"github.com/framecast-project/framecast/internal/util"
)

type serveOptions struct {
	configDir string
	console   bool
	setup     bool
}

func serveCmd() *cobra.Command {
	opts := serveOptions{configDir: config.DefaultConfigDir, console: true}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the frame server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(opts)
		},
	}
	cmd.Flags().StringVarP(&opts.configDir, "config", "c", opts.configDir, "configuration directory")
	cmd.Flags().BoolVar(&opts.console, "console", opts.console, "read operator commands from stdin")
	cmd.Flags().BoolVar(&opts.setup, "setup", false, "run the setup wizard before starting")
	return cmd
}

func runServe(opts serveOptions) error {
	fmt.Printf(banner, util.Version)
	fmt.Println()

	// Defaults first; reconfigured once the config is loaded.
	if err := util.InitLogger(util.DefaultLogConfig()); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer util.CloseLogger()

	log.Info().
		Str("version", util.Version).
		Str("platform", runtime.GOOS).
		Str("arch", runtime.GOARCH).
		Int("cpus", runtime.NumCPU()).
		Msg("starting Framecast")

	cfg, err := config.Load(opts.configDir)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	configureLogger(cfg.GetApplicationData().Logging)

	validation := config.Validate(cfg)
	for _, w := range validation.Warnings {
		log.Warn().Str("field", w.Field).Msg(w.Message)
	}
	if !validation.IsValid() || opts.setup {
		for _, e := range validation.Errors {
			log.Error().Str("field", e.Field).Msg(e.Message)
		}
		if !opts.setup && !opts.console {
			return fmt.Errorf("configuration validation failed, please fix the errors above")
		}
		log.Info().Msg("launching setup wizard")
		if err := config.RunSetupWizard(cfg, os.Stdin, os.Stdout); err != nil {
			return fmt.Errorf("setup wizard failed: %w", err)
		}
		configureLogger(cfg.GetApplicationData().Logging)
	}

	sysInfo := util.GetSystemInfo()
	log.Info().
		Str("hostname", sysInfo.Hostname).
		Str("os", sysInfo.OS).
		Str("cpu", sysInfo.CPUModel).
		Int("cores", sysInfo.CPUCores).
		Uint64("memory_mb", sysInfo.TotalMemory).
		Msg("system information")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	eventBus := events.NewEventBus()
	app := cfg.GetApplicationData()

	srvCfg := cfg.GetServer()
	addr := net.JoinHostPort(srvCfg.ListenAddress, strconv.Itoa(srvCfg.Port))
	transport, err := network.Listen(ctx, addr, cfg.TransportOptions())
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	defer transport.Close()

	srv := server.New(cfg, transport, eventBus)

	metrics := telemetry.NewMetrics()
	metrics.Subscribe(eventBus)

	var sessions api.SessionLister
	sched := scheduler.NewScheduler(cfg, srv)
	if app.Database.Enabled {
		store, err := db.NewSessionStore(app.Database.Path)
		if err != nil {
			log.Warn().Err(err).Msg("failed to open session history, continuing without it")
		} else {
			defer store.Close()
			if n, err := store.CloseOpen(ctx, "restart"); err != nil {
				log.Warn().Err(err).Msg("failed to close stale sessions")
			} else if n > 0 {
				log.Info().Int64("sessions", n).Msg("closed sessions left open by a previous run")
			}
			store.Subscribe(eventBus)
			sched.SetPurger(store)
			sessions = store
		}
	}

	var mqttHandler *telemetry.MQTTHandler
	if app.MQTT.Enabled {
		mqttHandler, err = telemetry.NewMQTTHandler(cfg, eventBus, func() interface{} { return srv.Status() })
		if err != nil {
			log.Warn().Err(err).Msg("failed to initialize MQTT, telemetry disabled")
			mqttHandler = nil
		} else {
			sched.SetPublisher(mqttHandler)
		}
	}

	var demo *testpattern.Demo
	if app.Demo.Enabled {
		demo = testpattern.NewDemo(app.Demo, srv)
		demo.Subscribe(eventBus)
	} else {
		log.Warn().Msg("demo disabled and no simulation attached, viewers will wait for a scene")
	}

	eventBus.Subscribe(events.EventShutdown, "main.shutdown", func(ctx context.Context, e events.Event) error {
		if e.Source != "main" {
			log.Info().Str("source", e.Source).Msg("shutdown requested")
			cancel()
		}
		return nil
	})
	eventBus.Subscribe(events.EventConfigChanged, "main.logging", func(ctx context.Context, e events.Event) error {
		level, err := zerolog.ParseLevel(cfg.GetApplicationData().Logging.Level)
		if err == nil && level != zerolog.GlobalLevel() {
			zerolog.SetGlobalLevel(level)
			log.Info().Str("level", level.String()).Msg("log level changed")
		}
		return nil
	})

	var wg sync.WaitGroup
	errCh := make(chan error, 4)

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := srv.Run(ctx); err != nil && ctx.Err() == nil {
			errCh <- fmt.Errorf("frame server: %w", err)
		}
	}()

	if demo != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			log.Info().Int("width", app.Demo.SceneWidth).Int("height", app.Demo.SceneHeight).Msg("starting demo simulation")
			if err := demo.Run(ctx); err != nil && ctx.Err() == nil {
				log.Error().Err(err).Msg("demo simulation stopped")
			}
		}()
	}

	if app.API.Enabled {
		apiServer := api.NewServer(cfg, eventBus, srv)
		apiServer.SetDependencies(sessions, metrics.Handler())
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := startWithRetry(ctx, "API server", apiServer.Start, 5); err != nil && ctx.Err() == nil {
				log.Warn().Err(err).Msg("API server failed after retries (non-fatal)")
			}
		}()
	}

	if mqttHandler != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			log.Info().Msg("starting MQTT telemetry")
			if err := mqttHandler.Start(ctx); err != nil {
				log.Warn().Err(err).Msg("MQTT telemetry failed")
			}
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		log.Info().Msg("starting task scheduler")
		sched.Start(ctx)
	}()

	if opts.console {
		// Not in the wait group: the console may be blocked reading stdin.
		go cli.NewCLI(cfg, eventBus, srv, os.Stdin, os.Stdout).Start(ctx)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("received shutdown signal")
	case err := <-errCh:
		log.Error().Err(err).Msg("critical error, initiating shutdown")
	case <-ctx.Done():
	}

	log.Info().Msg("initiating graceful shutdown...")
	cancel()

	eventBus.Emit(context.Background(), events.Event{
		Type:   events.EventShutdown,
		Source: "main",
	})

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info().Msg("all tasks stopped gracefully")
	case <-time.After(30 * time.Second):
		log.Warn().Msg("shutdown timed out after 30 seconds, forcing exit")
	}

	if mqttHandler != nil {
		mqttHandler.PublishShutdown()
	}
	eventBus.Stop()

	log.Info().Msg("Framecast stopped")
	return nil
}

func configureLogger(l config.LoggingConfig) {
	logCfg := util.LogConfig{
		Level:      l.Level,
		Directory:  l.Directory,
		MaxSizeMB:  l.MaxSizeMB,
		MaxBackups: l.MaxBackups,
		Console:    l.Console,
	}
	if err := util.InitLogger(logCfg); err != nil {
		log.Warn().Err(err).Msg("failed to reconfigure logger, using defaults")
	}
}

// startWithRetry retries a listener start on bind errors at a fixed
// interval. It returns nil on success, or the last error.
func startWithRetry(ctx context.Context, name string, startFn func(context.Context) error, maxRetries int) error {
	var lastErr error
	for i := 0; i <= maxRetries; i++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		lastErr = startFn(ctx)
		if lastErr == nil {
			return nil
		}
		if i < maxRetries {
			log.Warn().Err(lastErr).Str("component", name).Int("retry", i+1).Int("max", maxRetries).Msg("bind failed, retrying in 3s...")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(3 * time.Second):
			}
		}
	}
	return lastErr
}
